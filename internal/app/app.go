package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"strata/internal/backtest"
	cfgpkg "strata/internal/config"
	"strata/internal/config/loader"
	"strata/internal/gateway/binance"
	"strata/internal/gateway/notifier"
	"strata/internal/live"
	"strata/internal/logger"
	"strata/internal/market"
	"strata/internal/position"
	"strata/internal/signal"
	"strata/internal/store"
	"strata/internal/store/signaljournal"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动实时或回测服务。
type App struct {
	cfg      *cfgpkg.Config
	engine   *live.Engine
	journal  *signaljournal.Journal
	telegram *notifier.Telegram
	tracker  *position.Tracker
	profiles *loader.ProfileLoader
}

// NewApp 根据配置构建实时服务依赖（不启动）。
func NewApp(cfg *cfgpkg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)

	a := &App{cfg: cfg}
	specs := cfgpkg.ToSpecs(cfg.Strategies)

	// 按币种的参数覆盖在引擎构建策略实例时逐 symbol 解析，
	// 这里只取启动时刻的快照；热更新后的参数在重启后生效。
	var paramOverrides func(symbol, strategyID string) map[string]any
	if path := strings.TrimSpace(cfg.Profiles.Path); path != "" {
		profiles, err := loader.NewProfileLoader(path)
		if err != nil {
			return nil, fmt.Errorf("building profile loader failed: %w", err)
		}
		a.profiles = profiles
		paramOverrides = profiles.Snapshot().ParamsFor
		profiles.Subscribe(func(snap loader.ProfileSnapshot) {
			if snap.Version > 1 {
				logger.Warnf("profile 文件已更新（v%d），参数变更将在重启后生效", snap.Version)
			}
		})
	}

	source, err := binance.New(binance.Config{
		RESTBaseURL:  cfg.Market.RESTBaseURL,
		HTTPTimeout:  time.Duration(cfg.Market.HTTPTimeoutSeconds) * time.Second,
		ProxyEnabled: strings.TrimSpace(cfg.Market.ProxyURL) != "",
		RESTProxyURL: cfg.Market.ProxyURL,
		WSProxyURL:   cfg.Market.ProxyURL,
	})
	if err != nil {
		return nil, fmt.Errorf("building market source failed: %w", err)
	}

	engine, err := live.New(live.Config{
		Symbols:        cfg.Market.Symbols,
		Timeframe:      cfg.Market.Timeframe,
		Strategies:     specs,
		WarmupCandles:  cfg.Market.WarmupCandles,
		MaxCandles:     cfg.Market.MaxCached,
		ParamOverrides: paramOverrides,
	}, source, store.NewMemoryKlineStore())
	if err != nil {
		return nil, fmt.Errorf("building live engine failed: %w", err)
	}
	a.engine = engine

	a.tracker = position.NewTracker(position.Config{
		InitialBalance:  decimal.NewFromFloat(cfg.Trading.InitialBalance),
		BalanceFraction: decimal.NewFromFloat(cfg.Trading.BalanceFraction),
		Leverage:        decimal.NewFromFloat(cfg.Trading.Leverage),
		FeeRate:         decimal.NewFromFloat(cfg.Trading.FeeRate),
		SlippageRate:    decimal.NewFromFloat(cfg.Trading.SlippageRate),
	})
	engine.AddConsumer(a.tracker)

	if cfg.Journal.Enabled {
		journal, err := signaljournal.New(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("opening signal journal failed: %w", err)
		}
		a.journal = journal
		engine.AddConsumer(journal)
	}

	if cfg.Notify.Telegram.Enabled {
		a.telegram = notifier.NewTelegram(cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID)
		engine.AddConsumer(a.telegram)
	}

	engine.AddConsumer(signal.ConsumerFunc(func(sig signal.Confirmed) {
		logger.Infof("确认信号 %s %s %s @ %.4f", sig.Symbol, sig.StrategyID, sig.Direction, sig.Price)
	}))

	return a, nil
}

// Run 启动实时信号服务，阻塞到 ctx 取消或流全部失效。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.engine == nil {
		return fmt.Errorf("live engine not initialized")
	}
	logger.Infof("实时服务启动：%d 个币种 × %d 个策略（%s）",
		len(a.cfg.Market.Symbols), len(a.cfg.Strategies), a.cfg.Market.Timeframe)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer a.engine.Close()
		if err := a.engine.Start(ctx); err != nil {
			return err
		}
		// 订阅建立后事件由 Feed 回调驱动，这里只需等待退出。
		<-ctx.Done()
		return ctx.Err()
	})
	return group.Wait()
}

// Tracker 暴露内部仓位账本（测试与回放工具使用）。
func (a *App) Tracker() *position.Tracker {
	if a == nil {
		return nil
	}
	return a.tracker
}

// RunBacktest 按配置执行一次完整回测：同步数据→回放→落盘结果。
func RunBacktest(ctx context.Context, cfg *cfgpkg.Config) (*backtest.Run, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)

	start, end, err := cfg.Backtest.Range()
	if err != nil {
		return nil, err
	}
	tf, err := market.ParseTimeframe(cfg.Market.Timeframe)
	if err != nil {
		return nil, err
	}

	dataStore, err := backtest.NewStore(cfg.Backtest.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening kline store failed: %w", err)
	}
	defer dataStore.Close()

	syncer, err := backtest.NewSyncer(backtest.SyncerConfig{
		Store:           dataStore,
		Source:          backtest.NewBinanceSource(cfg.Market.RESTBaseURL),
		RateLimitPerMin: cfg.Backtest.RateLimitPerMin,
	})
	if err != nil {
		return nil, err
	}

	// 预热区间也需要数据，向前多同步 warmup 根。
	loadStart := start - int64(cfg.Backtest.WarmupCandles)*tf.DurationMillis()
	for _, sym := range cfg.Market.Symbols {
		n, err := syncer.EnsureRange(ctx, sym, tf, loadStart, end)
		if err != nil {
			return nil, fmt.Errorf("syncing %s failed: %w", sym, err)
		}
		if n > 0 {
			logger.Infof("已补齐 %s %s K 线 %d 根", sym, tf.Key, n)
		}
	}

	results, err := backtest.NewResultStore(cfg.Backtest.ResultsDir)
	if err != nil {
		return nil, fmt.Errorf("opening result store failed: %w", err)
	}
	defer results.Close()

	engine, err := backtest.NewEngine(dataStore,
		backtest.WithResultStore(results),
		backtest.WithParallelism(cfg.Backtest.Parallelism),
	)
	if err != nil {
		return nil, err
	}

	run, err := engine.Run(ctx, backtest.RunConfig{
		Symbols:         cfg.Market.Symbols,
		Strategies:      cfgpkg.ToSpecs(cfg.Strategies),
		Timeframe:       cfg.Market.Timeframe,
		StartTS:         start,
		EndTS:           end,
		InitialBalance:  cfg.Trading.InitialBalance,
		BalanceFraction: cfg.Trading.BalanceFraction,
		Leverage:        cfg.Trading.Leverage,
		FeeRate:         cfg.Trading.FeeRate,
		SlippageRate:    cfg.Trading.SlippageRate,
		SharedBalance:   cfg.Backtest.SharedBalance,
		WarmupCandles:   cfg.Backtest.WarmupCandles,
	})
	if err != nil {
		return nil, err
	}
	logger.InfoBlock(formatRunSummary(run))

	if cfg.Notify.Telegram.Enabled {
		tg := notifier.NewTelegram(cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID)
		if err := tg.SendText(formatRunSummary(run)); err != nil {
			logger.Warnf("回测结果推送失败: %v", err)
		}
	}
	return run, nil
}
