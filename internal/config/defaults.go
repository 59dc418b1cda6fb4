package config

import "strings"

// 默认值常量
const (
	defaultAppEnv             = "dev"
	defaultAppLogLevel        = "info"
	defaultAppLogPath         = "/data/logs/strata-live.log"
	defaultMarketREST         = "https://fapi.binance.com"
	defaultMarketTimeframe    = "15m"
	defaultMarketMaxCached    = 500
	defaultMarketWarmup       = 200
	defaultMarketHTTPTimeout  = 10
	defaultTradingBalance     = 1000
	defaultTradingFraction    = 0.8
	defaultTradingLeverage    = 20
	defaultTradingFeeRate     = 0.0004
	defaultTradingSlippage    = 0.0002
	defaultBacktestDataDir    = "/data/klines"
	defaultBacktestResultsDir = "/data/backtest"
	defaultBacktestWarmup     = 120
	defaultBacktestParallel   = 4
	defaultBacktestRateLimit  = 1100
	defaultJournalPath        = "/data/live/signals.db"
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Trading.applyDefaults(keys)
	c.Backtest.applyDefaults(keys)
	c.Journal.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("market.rest_base_url", &m.RESTBaseURL, defaultMarketREST),
		stringFieldDefault("market.timeframe", &m.Timeframe, defaultMarketTimeframe),
		fieldDefault{
			key:   "market.max_cached",
			need:  func() bool { return m.MaxCached <= 0 },
			apply: func() { m.MaxCached = defaultMarketMaxCached },
		},
		fieldDefault{
			key:   "market.warmup_candles",
			need:  func() bool { return m.WarmupCandles <= 0 },
			apply: func() { m.WarmupCandles = defaultMarketWarmup },
		},
		fieldDefault{
			key:   "market.http_timeout_seconds",
			need:  func() bool { return m.HTTPTimeoutSeconds <= 0 },
			apply: func() { m.HTTPTimeoutSeconds = defaultMarketHTTPTimeout },
		},
	)
	out := m.Symbols[:0]
	for _, sym := range m.Symbols {
		s := strings.ToUpper(strings.TrimSpace(sym))
		if s != "" {
			out = append(out, s)
		}
	}
	m.Symbols = out
	m.Timeframe = strings.ToLower(strings.TrimSpace(m.Timeframe))
}

func (t *TradingConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "trading.initial_balance",
			need:  func() bool { return t.InitialBalance <= 0 },
			apply: func() { t.InitialBalance = defaultTradingBalance },
		},
		fieldDefault{
			key:   "trading.balance_fraction",
			need:  func() bool { return t.BalanceFraction <= 0 || t.BalanceFraction > 1 },
			apply: func() { t.BalanceFraction = defaultTradingFraction },
		},
		fieldDefault{
			key:   "trading.leverage",
			need:  func() bool { return t.Leverage <= 0 },
			apply: func() { t.Leverage = defaultTradingLeverage },
		},
		fieldDefault{
			key:   "trading.fee_rate",
			need:  func() bool { return t.FeeRate <= 0 },
			apply: func() { t.FeeRate = defaultTradingFeeRate },
		},
		fieldDefault{
			key:   "trading.slippage_rate",
			need:  func() bool { return t.SlippageRate <= 0 },
			apply: func() { t.SlippageRate = defaultTradingSlippage },
		},
	)
	if t.FeeRate < 0 {
		t.FeeRate = 0
	}
	if t.SlippageRate < 0 {
		t.SlippageRate = 0
	}
}

func (b *BacktestConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("backtest.data_dir", &b.DataDir, defaultBacktestDataDir),
		stringFieldDefault("backtest.results_dir", &b.ResultsDir, defaultBacktestResultsDir),
		fieldDefault{
			key:   "backtest.warmup_candles",
			need:  func() bool { return b.WarmupCandles <= 0 },
			apply: func() { b.WarmupCandles = defaultBacktestWarmup },
		},
		fieldDefault{
			key:   "backtest.parallelism",
			need:  func() bool { return b.Parallelism <= 0 },
			apply: func() { b.Parallelism = defaultBacktestParallel },
		},
		fieldDefault{
			key:   "backtest.rate_limit_per_min",
			need:  func() bool { return b.RateLimitPerMin <= 0 },
			apply: func() { b.RateLimitPerMin = defaultBacktestRateLimit },
		},
	)
}

func (j *JournalConfig) applyDefaults(keys keySet) {
	if j == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("journal.enabled", &j.Enabled, true),
		stringFieldDefault("journal.path", &j.Path, defaultJournalPath),
	)
}

// applyFieldDefaults 依次执行字段默认值规则：显式设置过的 key 不覆盖。
func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
