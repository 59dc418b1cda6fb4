package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"strata/internal/indicator"
	"strata/internal/logger"
	"strata/internal/market"
	"strata/internal/position"
	"strata/internal/signal"
	"strata/internal/strategy"
)

const (
	defaultWarmup      = 120
	defaultParallelism = 4
)

// CandleLoader 提供回放用的终态 K 线序列。*Store 满足该接口，
// 测试可注入内存实现。
type CandleLoader interface {
	RangeCandles(ctx context.Context, symbol, timeframe string, start, end int64) ([]market.Candle, error)
}

// Engine 驱动确定性回放：K 线按 open_time 严格递增依次流过
// 指标计算、策略评估、信号状态机与仓位账本。
// 相同输入 + 相同配置必须产出相同结果，不读取墙上时钟做决策。
type Engine struct {
	loader      CandleLoader
	results     *ResultStore // 可为 nil，不落库
	parallelism int
}

type EngineOption func(*Engine)

// WithResultStore 启用回测结果落库。
func WithResultStore(rs *ResultStore) EngineOption {
	return func(e *Engine) { e.results = rs }
}

// WithParallelism 限制独立资金池模式下并行回放的 goroutine 数。
func WithParallelism(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

func NewEngine(loader CandleLoader, opts ...EngineOption) (*Engine, error) {
	if loader == nil {
		return nil, fmt.Errorf("candle loader 不能为空")
	}
	e := &Engine{loader: loader, parallelism: defaultParallelism}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// pair 一个 (symbol, strategy) 回放单元。
type pair struct {
	symbol string
	strat  strategy.Strategy
}

// Run 执行一次完整回测。配置错误立即返回；单个 symbol 的数据
// 故障只标记对应 pair 失败，其余 pair 正常完成（部分失败语义）。
func (e *Engine) Run(ctx context.Context, cfg RunConfig) (*Run, error) {
	tf, err := market.ParseTimeframe(cfg.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("回测配置无效: %w", err)
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("回测配置无效: symbols 不能为空")
	}
	if len(cfg.Strategies) == 0 {
		return nil, fmt.Errorf("回测配置无效: strategies 不能为空")
	}
	start, end := tf.AlignRange(cfg.StartTS, cfg.EndTS)
	if start >= end {
		return nil, fmt.Errorf("回测配置无效: start/end 需构成区间")
	}
	if cfg.WarmupCandles <= 0 {
		cfg.WarmupCandles = defaultWarmup
	}
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = 1000
	}

	// 策略构建失败属于配置错误，启动即失败，不进入回放。
	var pairs []pair
	for _, symbol := range cfg.Symbols {
		for _, spec := range cfg.Strategies {
			strat, err := strategy.New(spec)
			if err != nil {
				return nil, fmt.Errorf("回测配置无效: %w", err)
			}
			pairs = append(pairs, pair{symbol: symbol, strat: strat})
		}
	}

	run := &Run{
		ID:        uuid.NewString(),
		Status:    RunStatusRunning,
		Config:    cfg,
		CreatedAt: time.Now(),
	}
	logger.Infof("[backtest] run %s 开始：symbols=%v strategies=%d tf=%s shared=%v",
		run.ID, cfg.Symbols, len(cfg.Strategies), tf.Key, cfg.SharedBalance)

	// 预热段在 start 之前额外加载，只用于指标计算，不触发信号。
	loadStart := start - int64(cfg.WarmupCandles)*tf.DurationMillis()
	series, loadErrs := e.loadSeries(ctx, cfg.Symbols, tf, loadStart, end)

	var trades []position.Position
	var skipped int
	if cfg.SharedBalance {
		run.Pairs, trades, skipped = e.runShared(cfg, pairs, series, loadErrs, start)
	} else {
		run.Pairs, trades, skipped = e.runIsolated(cfg, pairs, series, loadErrs, start)
	}

	sortPairs(run.Pairs)
	sortTrades(trades)
	run.Trades = trades

	poolCount := 1
	if !cfg.SharedBalance {
		poolCount = len(pairs)
	}
	totalInitial := cfg.InitialBalance * float64(poolCount)
	run.Snapshots, run.Stats = summarize(run.ID, totalInitial, trades)
	run.Stats.Skipped = skipped
	for _, p := range run.Pairs {
		run.Stats.Signals += len(p.Signals)
	}

	run.Status = overallStatus(run.Pairs)
	run.CompletedAt = time.Now()
	run.Stats.FinishedAt = run.CompletedAt
	if run.Status != RunStatusDone {
		run.Message = failureMessage(run.Pairs)
	}
	logger.Infof("[backtest] run %s %s：trades=%d return=%.2f%% win=%.1f%% dd=%.2f%%",
		run.ID, run.Status, run.Stats.Trades, run.Stats.ReturnPct, run.Stats.WinRate*100, run.Stats.MaxDrawdownPct)

	if e.results != nil {
		if err := e.results.SaveRun(ctx, *run); err != nil {
			logger.Errorf("[backtest] run %s 落库失败: %v", run.ID, err)
		}
	}
	return run, nil
}

// loadSeries 为每个 symbol 加载终态 K 线并校验 open_time 严格递增。
// 数据故障按 symbol 隔离记录。
func (e *Engine) loadSeries(ctx context.Context, symbols []string, tf market.Timeframe, start, end int64) (map[string][]market.Candle, map[string]error) {
	series := make(map[string][]market.Candle, len(symbols))
	errs := make(map[string]error)
	for _, symbol := range symbols {
		candles, err := e.loader.RangeCandles(ctx, symbol, tf.Key, start, end)
		if err != nil {
			errs[symbol] = err
			continue
		}
		if err := checkOrdering(candles); err != nil {
			errs[symbol] = err
			continue
		}
		series[symbol] = candles
	}
	return series, errs
}

func checkOrdering(candles []market.Candle) error {
	for i := 1; i < len(candles); i++ {
		if candles[i].OpenTime <= candles[i-1].OpenTime {
			return fmt.Errorf("%w: open_time %d 之后出现 %d",
				market.ErrOutOfOrder, candles[i-1].OpenTime, candles[i].OpenTime)
		}
	}
	return nil
}

// runIsolated 每个 (symbol, strategy) 对独立资金池，并行回放。
func (e *Engine) runIsolated(cfg RunConfig, pairs []pair, series map[string][]market.Candle, loadErrs map[string]error, start int64) ([]PairResult, []position.Position, int) {
	results := make([]PairResult, len(pairs))
	var g errgroup.Group
	g.SetLimit(e.parallelism)
	for i, p := range pairs {
		i, p := i, p
		g.Go(func() error {
			if err := loadErrs[p.symbol]; err != nil {
				results[i] = PairResult{
					Symbol:     p.symbol,
					StrategyID: p.strat.ID(),
					Status:     RunStatusFailed,
					Error:      err.Error(),
				}
				return nil
			}
			tracker := position.NewTracker(posConfig(cfg))
			results[i] = e.replayPair(cfg, p, series[p.symbol], start, tracker)
			return nil
		})
	}
	_ = g.Wait()

	var trades []position.Position
	var skipped int
	for i := range results {
		trades = append(trades, results[i].Trades...)
		skipped += results[i].skipped
	}
	return results, trades, skipped
}

// replayPair 单对回放：每根终态 K 线依次计算快照、评估、送入信号状态机。
// 确认信号同步驱动仓位账本。结束时按最后收盘价清仓。
func (e *Engine) replayPair(cfg RunConfig, p pair, candles []market.Candle, start int64, posTracker *position.Tracker) PairResult {
	res := PairResult{Symbol: p.symbol, StrategyID: p.strat.ID(), Status: RunStatusDone}

	sigTracker := signal.NewTracker()
	sigTracker.AddConsumer(signal.ConsumerFunc(func(sig signal.Confirmed) {
		res.Signals = append(res.Signals, sig)
		_, _ = posTracker.Apply(sig)
	}))

	settings := p.strat.Settings()
	lookback := cfg.WarmupCandles
	var prev *indicator.Snapshot
	var lastClose float64
	var lastCloseTime int64
	for i := range candles {
		c := candles[i]
		lo := i + 1 - lookback
		if lo < 0 {
			lo = 0
		}
		snap, err := indicator.Compute(p.symbol, cfg.Timeframe, candles[lo:i+1], settings)
		if err != nil {
			// 序列过短视为"无法决策"，继续积累历史。
			continue
		}
		// 预热段只推进快照，不评估。
		if c.OpenTime >= start {
			dec := p.strat.Evaluate(prev, &snap)
			sigTracker.Track(p.symbol, p.strat.ID(), c, dec)
			res.Candles++
		}
		prev = &snap
		lastClose = c.Close
		lastCloseTime = c.CloseTime
	}
	if lastCloseTime > 0 {
		posTracker.CloseAll(map[string]float64{p.symbol: lastClose}, time.UnixMilli(lastCloseTime).UTC())
	}
	res.Trades = pairTrades(posTracker, p.symbol, p.strat.ID())
	res.skipped = pairSkipped(posTracker, p.symbol, p.strat.ID())
	return res
}

// runShared 所有 pair 共用一个资金池：按 open_time 串行交织回放，
// 同一时刻按 symbol、再按策略配置顺序评估（决定性 tie-break）。
func (e *Engine) runShared(cfg RunConfig, pairs []pair, series map[string][]market.Candle, loadErrs map[string]error, start int64) ([]PairResult, []position.Position, int) {
	results := make([]PairResult, len(pairs))
	resIdx := make(map[string]*PairResult, len(pairs))
	for i, p := range pairs {
		results[i] = PairResult{Symbol: p.symbol, StrategyID: p.strat.ID(), Status: RunStatusDone}
		if err := loadErrs[p.symbol]; err != nil {
			results[i].Status = RunStatusFailed
			results[i].Error = err.Error()
		}
		resIdx[p.symbol+"|"+p.strat.ID()] = &results[i]
	}

	posTracker := position.NewTracker(posConfig(cfg))
	sigTracker := signal.NewTracker()
	sigTracker.AddConsumer(signal.ConsumerFunc(func(sig signal.Confirmed) {
		if r := resIdx[sig.Symbol+"|"+sig.StrategyID]; r != nil {
			r.Signals = append(r.Signals, sig)
		}
		_, _ = posTracker.Apply(sig)
	}))

	// 合并时间线：严格按 open_time，再按 symbol 字典序。
	symbols := make([]string, 0, len(series))
	for s := range series {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	cursor := make(map[string]int, len(symbols))
	prevSnap := make(map[string]*indicator.Snapshot)
	lastClose := make(map[string]float64)
	var lastCloseTime int64

	for {
		next := ""
		var nextTime int64
		for _, s := range symbols {
			idx := cursor[s]
			if idx >= len(series[s]) {
				continue
			}
			t := series[s][idx].OpenTime
			if next == "" || t < nextTime {
				next, nextTime = s, t
			}
		}
		if next == "" {
			break
		}
		c := series[next][cursor[next]]
		cursor[next]++
		lastClose[next] = c.Close
		if c.CloseTime > lastCloseTime {
			lastCloseTime = c.CloseTime
		}
		for i, p := range pairs {
			if p.symbol != next || results[i].Status == RunStatusFailed {
				continue
			}
			idx := cursor[next]
			lo := idx - cfg.WarmupCandles
			if lo < 0 {
				lo = 0
			}
			snap, err := indicator.Compute(p.symbol, cfg.Timeframe, series[next][lo:idx], p.strat.Settings())
			if err != nil {
				continue
			}
			if c.OpenTime >= start {
				dec := p.strat.Evaluate(prevSnap[stratKey(p)], &snap)
				sigTracker.Track(p.symbol, p.strat.ID(), c, dec)
				results[i].Candles++
			}
			prevSnap[stratKey(p)] = &snap
		}
	}
	if lastCloseTime > 0 {
		posTracker.CloseAll(lastClose, time.UnixMilli(lastCloseTime).UTC())
	}

	trades := posTracker.ClosedPositions()
	for i := range results {
		for _, t := range trades {
			if t.Symbol == results[i].Symbol && t.StrategyID == results[i].StrategyID {
				results[i].Trades = append(results[i].Trades, t)
			}
		}
	}
	return results, trades, len(posTracker.SkippedTrades())
}

func stratKey(p pair) string {
	return p.symbol + "|" + p.strat.ID()
}

func posConfig(cfg RunConfig) position.Config {
	return position.Config{
		InitialBalance:  decimal.NewFromFloat(cfg.InitialBalance),
		BalanceFraction: decimal.NewFromFloat(cfg.BalanceFraction),
		Leverage:        decimal.NewFromFloat(cfg.Leverage),
		FeeRate:         decimal.NewFromFloat(cfg.FeeRate),
		SlippageRate:    decimal.NewFromFloat(cfg.SlippageRate),
	}
}

func pairTrades(tracker *position.Tracker, symbol, strategyID string) []position.Position {
	var out []position.Position
	for _, p := range tracker.ClosedPositions() {
		if p.Symbol == symbol && p.StrategyID == strategyID {
			out = append(out, p)
		}
	}
	return out
}

func pairSkipped(tracker *position.Tracker, symbol, strategyID string) int {
	n := 0
	for _, s := range tracker.SkippedTrades() {
		if s.Signal.Symbol == symbol && s.Signal.StrategyID == strategyID {
			n++
		}
	}
	return n
}

// sortPairs 结果按 symbol、strategy 排序，保证输出确定。
func sortPairs(pairs []PairResult) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Symbol != pairs[j].Symbol {
			return pairs[i].Symbol < pairs[j].Symbol
		}
		return pairs[i].StrategyID < pairs[j].StrategyID
	})
}

// sortTrades 合并账本按平仓时间、symbol、strategy 排序。
func sortTrades(trades []position.Position) {
	sort.Slice(trades, func(i, j int) bool {
		if !trades[i].ClosedAt.Equal(trades[j].ClosedAt) {
			return trades[i].ClosedAt.Before(trades[j].ClosedAt)
		}
		if trades[i].Symbol != trades[j].Symbol {
			return trades[i].Symbol < trades[j].Symbol
		}
		return trades[i].StrategyID < trades[j].StrategyID
	})
}

// summarize 从合并账本重建资金曲线并计算汇总指标。
// 曲线按已实现盈亏逐笔推进，峰谷差即最大回撤。
func summarize(runID string, initial float64, trades []position.Position) ([]Snapshot, RunStats) {
	stats := RunStats{InitialBalance: initial}
	equity := initial
	peak := initial
	valley := initial
	maxDD := 0.0
	var snaps []Snapshot
	for _, t := range trades {
		pnl, _ := t.RealizedPnL.Float64()
		equity += pnl
		if pnl > 0 {
			stats.Wins++
		} else {
			stats.Losses++
		}
		if equity > peak {
			peak = equity
		}
		if equity < valley {
			valley = equity
		}
		if peak > 0 {
			dd := (peak - equity) / peak * 100
			if dd > maxDD {
				maxDD = dd
			}
		}
		snaps = append(snaps, Snapshot{
			RunID:    runID,
			TS:       t.ClosedAt.UnixMilli(),
			Equity:   equity,
			Balance:  equity,
			Drawdown: maxDD,
		})
	}
	stats.Trades = len(trades)
	stats.FinalBalance = equity
	stats.Profit = equity - initial
	if initial > 0 {
		stats.ReturnPct = stats.Profit / initial * 100
	}
	if stats.Trades > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.Trades)
	}
	stats.MaxDrawdownPct = maxDD
	stats.EquityPeak = peak
	stats.EquityValley = valley
	return snaps, stats
}

func overallStatus(pairs []PairResult) string {
	failed := 0
	for _, p := range pairs {
		if p.Status == RunStatusFailed {
			failed++
		}
	}
	switch {
	case failed == 0:
		return RunStatusDone
	case failed == len(pairs):
		return RunStatusFailed
	default:
		return RunStatusPartial
	}
}

func failureMessage(pairs []PairResult) string {
	for _, p := range pairs {
		if p.Status == RunStatusFailed {
			return fmt.Sprintf("%s/%s: %s", p.Symbol, p.StrategyID, p.Error)
		}
	}
	return ""
}
