package live

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"strata/internal/indicator"
	"strata/internal/logger"
	"strata/internal/market"
	"strata/internal/signal"
	"strata/internal/strategy"
)

// Config 实盘信号引擎配置。
type Config struct {
	Symbols    []string
	Timeframe  string
	Strategies []strategy.Spec
	// WarmupCandles 启动时拉取的历史 K 线数，保证指标一开始就可计算。
	WarmupCandles int
	// MaxCandles 内存中每条流保留的 K 线上限。
	MaxCandles int
	// ParamOverrides 按 (symbol, strategyID) 返回参数覆盖，可为 nil。
	// 覆盖项优先于全局策略配置，用于按币种微调指标参数。
	ParamOverrides func(symbol, strategyID string) map[string]any
}

func (c Config) withDefaults() Config {
	if c.WarmupCandles <= 0 {
		c.WarmupCandles = 200
	}
	if c.MaxCandles <= 0 {
		c.MaxCandles = 500
	}
	return c
}

// Engine 实盘信号检测循环：订阅 K 线推送，未收盘事件维护暂存信号，
// 收盘事件做确认复核。确认信号交给注册的消费者，下单由消费者负责。
// 策略评估是同步纯函数，引擎只在等待下一个事件时阻塞。
type Engine struct {
	cfg     Config
	tf      market.Timeframe
	source  market.Source
	store   market.KlineStore
	feed    *market.Feed
	strats  map[string][]strategy.Strategy // symbol -> 各策略实例（参数可能按币种覆盖）
	tracker *signal.Tracker

	mu   sync.Mutex
	prev map[string]*indicator.Snapshot // symbol|strategy -> 上一根已收盘快照
}

// New 构建引擎。策略构建失败属于配置错误，启动即失败。
func New(cfg Config, source market.Source, store market.KlineStore) (*Engine, error) {
	cfg = cfg.withDefaults()
	tf, err := market.ParseTimeframe(cfg.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("实盘配置无效: %w", err)
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("实盘配置无效: symbols 不能为空")
	}
	if len(cfg.Strategies) == 0 {
		return nil, fmt.Errorf("实盘配置无效: strategies 不能为空")
	}
	if source == nil || store == nil {
		return nil, fmt.Errorf("实盘配置无效: source/store 不能为空")
	}
	// 每个 symbol 独立构建策略实例：参数覆盖按币种生效，实例间不共享状态。
	strats := make(map[string][]strategy.Strategy, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		list := make([]strategy.Strategy, 0, len(cfg.Strategies))
		for _, spec := range cfg.Strategies {
			s, err := strategy.New(mergeParams(spec, symbol, cfg.ParamOverrides))
			if err != nil {
				return nil, fmt.Errorf("实盘配置无效: %w", err)
			}
			list = append(list, s)
		}
		strats[strings.ToUpper(symbol)] = list
	}
	e := &Engine{
		cfg:     cfg,
		tf:      tf,
		source:  source,
		store:   store,
		strats:  strats,
		tracker: signal.NewTracker(),
		prev:    make(map[string]*indicator.Snapshot),
	}
	e.feed = market.NewFeed(store, cfg.MaxCandles, source,
		market.WithFeedEventHandler(e.handleEvent),
		market.WithFeedFaultHandler(func(symbol, interval string, err error) {
			logger.Errorf("[live] %s@%s 数据流失效: %v", symbol, interval, err)
		}),
	)
	return e, nil
}

// AddConsumer 注册确认信号消费者（订单执行方、落库、推送等）。
func (e *Engine) AddConsumer(c signal.Consumer) {
	e.tracker.AddConsumer(c)
}

// Start 先回填历史再启动订阅。订阅建立后事件按流内顺序串行处理。
func (e *Engine) Start(ctx context.Context) error {
	for _, symbol := range e.cfg.Symbols {
		candles, err := e.source.FetchHistory(ctx, symbol, e.tf.SourceInterval, e.cfg.WarmupCandles)
		if err != nil {
			return fmt.Errorf("回填 %s 历史失败: %w", symbol, err)
		}
		if err := e.store.Put(ctx, symbol, e.tf.Key, candles, e.cfg.MaxCandles); err != nil {
			return err
		}
		logger.Infof("[live] %s %s 回填 %d 根", symbol, e.tf.Key, len(candles))
	}
	return e.feed.Start(ctx, e.cfg.Symbols, []string{e.tf.Key})
}

// handleEvent 由 Feed 串行调用：K 线已落入 store，这里只做
// 快照计算、策略评估与状态机推进。
func (e *Engine) handleEvent(evt market.CandleEvent) {
	ctx := context.Background()
	candles, err := e.store.Get(ctx, evt.Symbol, evt.Interval)
	if err != nil {
		logger.Warnf("[live] 读取 %s %s 序列失败: %v", evt.Symbol, evt.Interval, err)
		return
	}
	if len(candles) == 0 {
		return
	}
	for _, strat := range e.strats[evt.Symbol] {
		snap, err := indicator.Compute(evt.Symbol, evt.Interval, candles, strat.Settings())
		if err != nil {
			continue
		}
		key := evt.Symbol + "|" + strat.ID()
		e.mu.Lock()
		prev := e.prev[key]
		e.mu.Unlock()

		dec := strat.Evaluate(prev, &snap)
		e.tracker.Track(evt.Symbol, strat.ID(), evt.Candle, dec)

		// 只有收盘快照才成为下一根的 prev，盘中快照是临时的。
		if evt.Candle.Closed {
			e.mu.Lock()
			e.prev[key] = &snap
			e.mu.Unlock()
		}
	}
}

// Faulted 返回某个 symbol 的数据流是否已被隔离。
func (e *Engine) Faulted(symbol string) bool {
	return e.feed.Faulted(symbol, e.tf.Key)
}

// Stats 透出数据源的连接统计。
func (e *Engine) Stats() market.SourceStats {
	return e.feed.Stats()
}

// Close 关闭订阅。
func (e *Engine) Close() {
	e.feed.Close()
}

// mergeParams 把按币种的参数覆盖叠加到全局策略配置上，覆盖项优先。
func mergeParams(spec strategy.Spec, symbol string, overrides func(symbol, strategyID string) map[string]any) strategy.Spec {
	if overrides == nil {
		return spec
	}
	extra := overrides(symbol, spec.ID)
	if len(extra) == 0 {
		return spec
	}
	params := make(map[string]any, len(spec.Params)+len(extra))
	for k, v := range spec.Params {
		params[k] = v
	}
	for k, v := range extra {
		params[k] = v
	}
	spec.Params = params
	return spec
}
