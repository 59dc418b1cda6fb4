package config

import (
	"fmt"
	"strings"
	"time"

	"strata/internal/market"
	"strata/internal/strategy"
)

// validate 对配置进行基础校验，任何一项失败都直接拒绝启动。
func validate(c *Config) error {
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := validateStrategies(c.Strategies); err != nil {
		return err
	}
	if err := c.Trading.validate(); err != nil {
		return err
	}
	if err := c.Backtest.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func (m *MarketConfig) validate() error {
	if strings.TrimSpace(m.RESTBaseURL) == "" {
		return fmt.Errorf("market.rest_base_url cannot be empty")
	}
	if _, err := market.ParseTimeframe(m.Timeframe); err != nil {
		return fmt.Errorf("market.timeframe invalid: %w", err)
	}
	seen := make(map[string]struct{}, len(m.Symbols))
	for _, sym := range m.Symbols {
		if _, ok := seen[sym]; ok {
			return fmt.Errorf("market.symbols contains duplicate: %s", sym)
		}
		seen[sym] = struct{}{}
	}
	if m.MaxCached < 50 || m.MaxCached > 5000 {
		return fmt.Errorf("market.max_cached must be in [50,5000]")
	}
	return nil
}

func validateStrategies(list []StrategyConfig) error {
	if len(list) == 0 {
		return fmt.Errorf("strategies requires at least one entry")
	}
	seen := make(map[string]struct{}, len(list))
	for i, sc := range list {
		spec := sc.ToSpec()
		if spec.Kind == "" {
			return fmt.Errorf("strategies[%d] missing kind", i)
		}
		if _, ok := seen[spec.ID]; ok {
			return fmt.Errorf("strategies contains duplicate id: %s", spec.ID)
		}
		seen[spec.ID] = struct{}{}
		// 试构建一次，尽早暴露未知 kind 或非法参数。
		if _, err := strategy.New(spec); err != nil {
			return fmt.Errorf("strategies.%s invalid: %w", spec.ID, err)
		}
	}
	return nil
}

func (t *TradingConfig) validate() error {
	if t.BalanceFraction <= 0 || t.BalanceFraction > 1 {
		return fmt.Errorf("trading.balance_fraction must be in (0,1]")
	}
	if t.Leverage < 1 {
		return fmt.Errorf("trading.leverage must be >= 1")
	}
	if t.InitialBalance <= 0 {
		return fmt.Errorf("trading.initial_balance must be > 0")
	}
	return nil
}

func (b *BacktestConfig) validate() error {
	if b.Start == "" && b.End == "" {
		return nil
	}
	start, end, err := b.Range()
	if err != nil {
		return err
	}
	if start >= end {
		return fmt.Errorf("backtest.start must be before backtest.end")
	}
	return nil
}

// Range 解析回测起止时间为毫秒时间戳。支持 RFC3339 与 2006-01-02 两种格式。
func (b *BacktestConfig) Range() (int64, int64, error) {
	start, err := parseTimePoint(b.Start)
	if err != nil {
		return 0, 0, fmt.Errorf("backtest.start invalid: %w", err)
	}
	end, err := parseTimePoint(b.End)
	if err != nil {
		return 0, 0, fmt.Errorf("backtest.end invalid: %w", err)
	}
	return start, end, nil
}

func parseTimePoint(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("time point cannot be empty")
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UnixMilli(), nil
	}
	ts, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return 0, fmt.Errorf("unrecognized time format (want RFC3339 or 2006-01-02): %s", raw)
	}
	return ts.UnixMilli(), nil
}

func (n *NotifyConfig) validate() error {
	tg := n.Telegram
	if !tg.Enabled {
		return nil
	}
	if strings.TrimSpace(tg.BotToken) == "" {
		return fmt.Errorf("notify.telegram.bot_token required when enabled")
	}
	if strings.TrimSpace(tg.ChatID) == "" {
		return fmt.Errorf("notify.telegram.chat_id required when enabled")
	}
	return nil
}
