package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"strata/internal/logger"
	"strata/internal/signal"
)

// 中文说明：
// Telegram 通知器：确认信号产生时，将关键信息推送至指定群/频道。

type Telegram struct {
	BotToken string
	ChatID   string
	// APIBase 留空时使用官方接口地址。
	APIBase string
	Client  *http.Client
}

func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{BotToken: botToken, ChatID: chatID, Client: &http.Client{Timeout: 15 * time.Second}}
}

// Enabled 报告通知配置是否完整。
func (t *Telegram) Enabled() bool {
	return t != nil && t.BotToken != "" && t.ChatID != ""
}

// OnConfirmedSignal 实现 signal.Consumer。推送失败只记日志。
func (t *Telegram) OnConfirmedSignal(sig signal.Confirmed) {
	if !t.Enabled() {
		return
	}
	if err := t.SendText(formatSignal(sig)); err != nil {
		logger.Warnf("[notifier] telegram 推送失败: %v", err)
	}
}

func formatSignal(sig signal.Confirmed) string {
	emoji := "🟢"
	if sig.Direction.String() == "short" {
		emoji = "🔴"
	}
	return fmt.Sprintf("%s *%s* %s\n策略: `%s`\n价格: `%.6f`\n确认时间: %s",
		emoji, sig.Symbol, strings.ToUpper(sig.Direction.String()), sig.StrategyID,
		sig.Price, sig.ConfirmedAt.Format("2006-01-02 15:04:05 MST"))
}

// SendText 发送文本消息（带最多 3 次重试）
func (t *Telegram) SendText(text string) error {
	if t.BotToken == "" || t.ChatID == "" {
		return fmt.Errorf("Telegram 配置不完整")
	}
	base := t.APIBase
	if base == "" {
		base = "https://api.telegram.org"
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", base, t.BotToken)

	payload := map[string]any{
		"chat_id":    t.ChatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	body, _ := json.Marshal(payload)

	var lastErr error
	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest("POST", url, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := t.Client.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(i+1) * time.Second)
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode/100 == 2 {
			return nil
		}
		lastErr = fmt.Errorf("telegram status=%d", resp.StatusCode)
		time.Sleep(time.Duration(i+1) * time.Second)
	}
	return lastErr
}
