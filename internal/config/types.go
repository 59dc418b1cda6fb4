package config

import (
	"strings"

	"strata/internal/strategy"
)

// Config 是 Strata 的主配置载体。
type Config struct {
	App        AppConfig        `toml:"app"`
	Market     MarketConfig     `toml:"market"`
	Strategies []StrategyConfig `toml:"strategies"`
	Trading    TradingConfig    `toml:"trading"`
	Backtest   BacktestConfig   `toml:"backtest"`
	Notify     NotifyConfig     `toml:"notify"`
	Journal    JournalConfig    `toml:"journal"`
	Profiles   ProfilesConfig   `toml:"profiles"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	LogPath  string `toml:"log_path"`
}

// MarketConfig 描述行情来源与订阅范围。
type MarketConfig struct {
	RESTBaseURL        string   `toml:"rest_base_url"`
	ProxyURL           string   `toml:"proxy_url"`
	HTTPTimeoutSeconds int      `toml:"http_timeout_seconds"`
	Symbols            []string `toml:"symbols"`
	Timeframe          string   `toml:"timeframe"`
	MaxCached          int      `toml:"max_cached"`
	WarmupCandles      int      `toml:"warmup_candles"`
}

// StrategyConfig 描述单个策略实例：kind 决定算法，params 覆盖指标参数。
type StrategyConfig struct {
	ID     string         `toml:"id"`
	Kind   string         `toml:"kind"`
	Params map[string]any `toml:"params"`
}

func (s StrategyConfig) ToSpec() strategy.Spec {
	id := strings.TrimSpace(s.ID)
	if id == "" {
		id = strings.TrimSpace(s.Kind)
	}
	return strategy.Spec{
		ID:     id,
		Kind:   strings.TrimSpace(s.Kind),
		Params: s.Params,
	}
}

// ToSpecs 将配置中的策略列表转换为引擎可用的 Spec 列表。
func ToSpecs(list []StrategyConfig) []strategy.Spec {
	out := make([]strategy.Spec, 0, len(list))
	for _, sc := range list {
		out = append(out, sc.ToSpec())
	}
	return out
}

// TradingConfig 控制模拟账本的资金与费率。
type TradingConfig struct {
	InitialBalance  float64 `toml:"initial_balance"`
	BalanceFraction float64 `toml:"balance_fraction"` // 单笔保证金占可用余额比例 0~1
	Leverage        float64 `toml:"leverage"`
	FeeRate         float64 `toml:"fee_rate"`
	SlippageRate    float64 `toml:"slippage_rate"`
}

// BacktestConfig 控制回测数据与结果的落盘位置及同步速率。
type BacktestConfig struct {
	DataDir         string `toml:"data_dir"`
	ResultsDir      string `toml:"results_dir"`
	Start           string `toml:"start"` // RFC3339 或 2006-01-02
	End             string `toml:"end"`
	SharedBalance   bool   `toml:"shared_balance"`
	WarmupCandles   int    `toml:"warmup_candles"`
	Parallelism     int    `toml:"parallelism"`
	RateLimitPerMin int    `toml:"rate_limit_per_min"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// JournalConfig 控制确认信号的持久化位置。
type JournalConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// ProfilesConfig 指定按币种覆盖策略参数的 profile 文件。
type ProfilesConfig struct {
	Path string `toml:"path"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
