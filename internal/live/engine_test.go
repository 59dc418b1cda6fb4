package live

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/internal/indicator"
	"strata/internal/market"
	"strata/internal/signal"
	"strata/internal/store"
	"strata/internal/strategy"
)

// fakeSource 用通道喂测试事件。
type fakeSource struct {
	history []market.Candle
	events  chan market.CandleEvent
}

func newFakeSource(history []market.Candle) *fakeSource {
	return &fakeSource{history: history, events: make(chan market.CandleEvent, 16)}
}

func (f *fakeSource) FetchHistory(_ context.Context, _, _ string, _ int) ([]market.Candle, error) {
	return f.history, nil
}

func (f *fakeSource) Subscribe(_ context.Context, _, _ []string, _ market.SubscribeOptions) (<-chan market.CandleEvent, error) {
	return f.events, nil
}

func (f *fakeSource) Stats() market.SourceStats { return market.SourceStats{} }
func (f *fakeSource) Close() error              { close(f.events); return nil }

// thresholdStrategy 价格阈值策略，行为完全可预测。
type thresholdStrategy struct {
	id    string
	upper float64
	lower float64
}

func (s *thresholdStrategy) ID() string                   { return s.id }
func (s *thresholdStrategy) Kind() string                 { return "threshold" }
func (s *thresholdStrategy) Settings() indicator.Settings { return indicator.Settings{} }

func (s *thresholdStrategy) Evaluate(_, cur *indicator.Snapshot) strategy.Decision {
	if cur == nil {
		return strategy.NoDecision
	}
	switch {
	case cur.Price >= s.upper:
		return strategy.Long
	case cur.Price <= s.lower:
		return strategy.Short
	default:
		return strategy.NoDecision
	}
}

func init() {
	strategy.Register("threshold", func(spec strategy.Spec) (strategy.Strategy, error) {
		upper, _ := spec.Params["upper"].(float64)
		lower, _ := spec.Params["lower"].(float64)
		return &thresholdStrategy{id: spec.ID, upper: upper, lower: lower}, nil
	})
}

const stepMs = int64(60_000)

func historyCandles(n int, price float64) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		open := int64(i+1) * stepMs
		out[i] = market.Candle{
			OpenTime: open, CloseTime: open + stepMs - 1,
			Open: price, High: price, Low: price, Close: price,
			Volume: 100, Closed: true,
		}
	}
	return out
}

func candleEvent(openTime int64, price float64, closed bool) market.CandleEvent {
	return symbolCandleEvent("BTCUSDT", openTime, price, closed)
}

func symbolCandleEvent(symbol string, openTime int64, price float64, closed bool) market.CandleEvent {
	return market.CandleEvent{
		Symbol:   symbol,
		Interval: "1m",
		Candle: market.Candle{
			OpenTime: openTime, CloseTime: openTime + stepMs - 1,
			Open: price, High: price, Low: price, Close: price,
			Volume: 100, Closed: closed,
		},
	}
}

func newTestEngine(t *testing.T, src market.Source) (*Engine, chan signal.Confirmed) {
	t.Helper()
	eng, err := New(Config{
		Symbols:   []string{"BTCUSDT"},
		Timeframe: "1m",
		Strategies: []strategy.Spec{
			{ID: "th", Kind: "threshold", Params: map[string]any{"upper": 150.0, "lower": 60.0}},
		},
		WarmupCandles: 20,
	}, src, store.NewMemoryKlineStore())
	require.NoError(t, err)

	got := make(chan signal.Confirmed, 8)
	eng.AddConsumer(signal.ConsumerFunc(func(sig signal.Confirmed) { got <- sig }))
	return eng, got
}

func waitSignal(t *testing.T, ch chan signal.Confirmed) signal.Confirmed {
	t.Helper()
	select {
	case sig := <-ch:
		return sig
	case <-time.After(2 * time.Second):
		t.Fatal("等待确认信号超时")
		return signal.Confirmed{}
	}
}

func assertNoSignal(t *testing.T, ch chan signal.Confirmed) {
	t.Helper()
	select {
	case sig := <-ch:
		t.Fatalf("不应产生信号: %+v", sig)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEngineConfirmsPendingOnClose(t *testing.T) {
	src := newFakeSource(historyCandles(20, 100))
	eng, got := newTestEngine(t, src)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.Start(ctx))

	next := int64(21) * stepMs
	// 盘中突破阈值 → 暂存；收盘仍然成立 → 确认
	src.events <- candleEvent(next, 200, false)
	src.events <- candleEvent(next, 210, true)

	sig := waitSignal(t, got)
	assert.Equal(t, "BTCUSDT", sig.Symbol)
	assert.Equal(t, "th", sig.StrategyID)
	assert.Equal(t, strategy.Long, sig.Direction)
	assert.Equal(t, next, sig.CandleOpenTime)
	assert.Equal(t, 210.0, sig.Price)
	assertNoSignal(t, got)
}

func TestEngineDiscardsReversedPending(t *testing.T) {
	src := newFakeSource(historyCandles(20, 100))
	eng, got := newTestEngine(t, src)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.Start(ctx))

	next := int64(21) * stepMs
	// 盘中突破，收盘时价格回落到中性区间 → 静默丢弃
	src.events <- candleEvent(next, 200, false)
	src.events <- candleEvent(next, 100, true)
	assertNoSignal(t, got)

	// 之后一根收盘直接触发空头 → idle 直接确认
	next += stepMs
	src.events <- candleEvent(next, 50, true)
	sig := waitSignal(t, got)
	assert.Equal(t, strategy.Short, sig.Direction)
	assert.Equal(t, next, sig.CandleOpenTime)
}

func TestEngineIsolatesOutOfOrderStream(t *testing.T) {
	src := newFakeSource(historyCandles(20, 100))
	eng, got := newTestEngine(t, src)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.Start(ctx))

	next := int64(21) * stepMs
	src.events <- candleEvent(next, 200, true)
	waitSignal(t, got)

	// open_time 倒退违反契约，流被隔离，后续事件不再产生信号
	src.events <- candleEvent(next-stepMs, 200, true)
	src.events <- candleEvent(next+stepMs, 200, true)
	assertNoSignal(t, got)

	require.Eventually(t, func() bool { return eng.Faulted("BTCUSDT") },
		2*time.Second, 10*time.Millisecond)
}

func TestEngineAppliesPerSymbolParamOverrides(t *testing.T) {
	src := newFakeSource(historyCandles(20, 100))
	eng, err := New(Config{
		Symbols:   []string{"BTCUSDT", "ETHUSDT"},
		Timeframe: "1m",
		Strategies: []strategy.Spec{
			{ID: "th", Kind: "threshold", Params: map[string]any{"upper": 150.0, "lower": 60.0}},
		},
		WarmupCandles: 20,
		// ETHUSDT 上调做多阈值，BTCUSDT 沿用全局参数
		ParamOverrides: func(symbol, strategyID string) map[string]any {
			if symbol == "ETHUSDT" && strategyID == "th" {
				return map[string]any{"upper": 300.0}
			}
			return nil
		},
	}, src, store.NewMemoryKlineStore())
	require.NoError(t, err)

	got := make(chan signal.Confirmed, 8)
	eng.AddConsumer(signal.ConsumerFunc(func(sig signal.Confirmed) { got <- sig }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.Start(ctx))

	next := int64(21) * stepMs
	// 同一价格收盘：BTCUSDT 越过全局阈值确认，ETHUSDT 未达覆盖后的阈值
	src.events <- symbolCandleEvent("BTCUSDT", next, 200, true)
	src.events <- symbolCandleEvent("ETHUSDT", next, 200, true)

	sig := waitSignal(t, got)
	assert.Equal(t, "BTCUSDT", sig.Symbol)
	assert.Equal(t, strategy.Long, sig.Direction)
	assertNoSignal(t, got)

	// ETHUSDT 价格越过覆盖阈值后正常产出信号
	next += stepMs
	src.events <- symbolCandleEvent("ETHUSDT", next, 350, true)
	sig = waitSignal(t, got)
	assert.Equal(t, "ETHUSDT", sig.Symbol)
	assert.Equal(t, strategy.Long, sig.Direction)
}
