package backtest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/internal/indicator"
	"strata/internal/market"
	"strata/internal/strategy"
)

// memLoader 内存 K 线源，替代 sqlite Store。
type memLoader struct {
	data map[string][]market.Candle
}

func (m memLoader) RangeCandles(_ context.Context, symbol, _ string, start, end int64) ([]market.Candle, error) {
	var out []market.Candle
	for _, c := range m.data[symbol] {
		if c.OpenTime >= start && c.OpenTime <= end {
			out = append(out, c)
		}
	}
	return out, nil
}

// thresholdStrategy 纯价格阈值策略，回放结果完全可预测。
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
		if upper <= lower {
			return nil, fmt.Errorf("threshold: upper 需大于 lower")
		}
		return &thresholdStrategy{id: spec.ID, upper: upper, lower: lower}, nil
	})
}

const stepMs = int64(60_000)

// mkSeries prices[i] 对应 open_time=(i+1)*60000 的收盘价。
func mkSeries(prices []float64) []market.Candle {
	out := make([]market.Candle, len(prices))
	for i, p := range prices {
		open := int64(i+1) * stepMs
		out[i] = market.Candle{
			OpenTime:  open,
			CloseTime: open + stepMs - 1,
			Open:      p,
			High:      p,
			Low:       p,
			Close:     p,
			Volume:    100,
			Closed:    true,
		}
	}
	return out
}

// 前 20 根 100（不触发），10 根 200（做多），10 根 50（反手做空）。
func rampPrices() []float64 {
	prices := make([]float64, 40)
	for i := range prices {
		switch {
		case i < 20:
			prices[i] = 100
		case i < 30:
			prices[i] = 200
		default:
			prices[i] = 50
		}
	}
	return prices
}

func testRunConfig(symbols ...string) RunConfig {
	return RunConfig{
		Symbols: symbols,
		Strategies: []strategy.Spec{
			{ID: "th", Kind: "threshold", Params: map[string]any{"upper": 150.0, "lower": 60.0}},
		},
		Timeframe:       "1m",
		StartTS:         11 * stepMs,
		EndTS:           40 * stepMs,
		InitialBalance:  1000,
		BalanceFraction: 0.5,
		Leverage:        1,
		WarmupCandles:   10,
	}
}

func TestEngineRunProducesTrades(t *testing.T) {
	loader := memLoader{data: map[string][]market.Candle{"BTCUSDT": mkSeries(rampPrices())}}
	eng, err := NewEngine(loader)
	require.NoError(t, err)

	run, err := eng.Run(context.Background(), testRunConfig("BTCUSDT"))
	require.NoError(t, err)
	assert.Equal(t, RunStatusDone, run.Status)
	require.Len(t, run.Pairs, 1)
	assert.Equal(t, RunStatusDone, run.Pairs[0].Status)

	// 多头在 200 确认开仓，50 处反手平掉，空头在回放结束清仓
	require.Len(t, run.Trades, 2)
	long := run.Trades[0]
	assert.Equal(t, "long", long.Direction.String())
	assert.InDelta(t, 200, mustFloat(long.EntryPrice), 1e-9)
	assert.InDelta(t, 50, mustFloat(long.ExitPrice), 1e-9)
	// 500 名义 × (50-200)/200 = -375
	assert.InDelta(t, -375, mustFloat(long.RealizedPnL), 1e-9)

	short := run.Trades[1]
	assert.Equal(t, "short", short.Direction.String())
	assert.InDelta(t, 0, mustFloat(short.RealizedPnL), 1e-9)

	assert.Equal(t, 2, run.Stats.Trades)
	assert.InDelta(t, 625, run.Stats.FinalBalance, 1e-9)
	assert.InDelta(t, -37.5, run.Stats.ReturnPct, 1e-9)
	assert.InDelta(t, 37.5, run.Stats.MaxDrawdownPct, 1e-9)
	assert.Equal(t, 0.0, run.Stats.WinRate)
	assert.NotEmpty(t, run.Pairs[0].Signals)
	assert.NotEmpty(t, run.Snapshots)
}

func TestEngineDeterminism(t *testing.T) {
	loader := memLoader{data: map[string][]market.Candle{
		"BTCUSDT": mkSeries(rampPrices()),
		"ETHUSDT": mkSeries(rampPrices()),
	}}
	eng, err := NewEngine(loader, WithParallelism(2))
	require.NoError(t, err)

	cfg := testRunConfig("BTCUSDT", "ETHUSDT")
	run1, err := eng.Run(context.Background(), cfg)
	require.NoError(t, err)
	run2, err := eng.Run(context.Background(), cfg)
	require.NoError(t, err)

	// 去掉完成时间后逐项对比
	s1, s2 := run1.Stats, run2.Stats
	s1.FinishedAt = s2.FinishedAt
	assert.Equal(t, s1, s2)
	require.Equal(t, len(run1.Trades), len(run2.Trades))
	for i := range run1.Trades {
		assert.True(t, run1.Trades[i].RealizedPnL.Equal(run2.Trades[i].RealizedPnL))
		assert.Equal(t, run1.Trades[i].Symbol, run2.Trades[i].Symbol)
	}
}

func TestEnginePartialFailure(t *testing.T) {
	bad := mkSeries(rampPrices())
	bad[5].OpenTime = bad[4].OpenTime // 乱序注入
	loader := memLoader{data: map[string][]market.Candle{
		"BTCUSDT": mkSeries(rampPrices()),
		"ETHUSDT": bad,
	}}
	eng, err := NewEngine(loader)
	require.NoError(t, err)

	run, err := eng.Run(context.Background(), testRunConfig("BTCUSDT", "ETHUSDT"))
	require.NoError(t, err)
	assert.Equal(t, RunStatusPartial, run.Status)
	assert.NotEmpty(t, run.Message)

	for _, p := range run.Pairs {
		switch p.Symbol {
		case "BTCUSDT":
			assert.Equal(t, RunStatusDone, p.Status)
			assert.NotEmpty(t, p.Trades)
		case "ETHUSDT":
			assert.Equal(t, RunStatusFailed, p.Status)
			assert.Contains(t, p.Error, "open_time")
			assert.Empty(t, p.Trades)
		}
	}
}

func TestEngineConfigErrors(t *testing.T) {
	eng, err := NewEngine(memLoader{})
	require.NoError(t, err)

	cfg := testRunConfig("BTCUSDT")
	cfg.Timeframe = "7m"
	_, err = eng.Run(context.Background(), cfg)
	assert.Error(t, err)

	cfg = testRunConfig("BTCUSDT")
	cfg.Strategies = []strategy.Spec{{ID: "x", Kind: "does_not_exist"}}
	_, err = eng.Run(context.Background(), cfg)
	assert.Error(t, err)

	cfg = testRunConfig()
	_, err = eng.Run(context.Background(), cfg)
	assert.Error(t, err)
}

func TestEngineSharedBalance(t *testing.T) {
	loader := memLoader{data: map[string][]market.Candle{
		"AAAUSDT": mkSeries(rampPrices()),
		"BBBUSDT": mkSeries(rampPrices()),
	}}
	eng, err := NewEngine(loader)
	require.NoError(t, err)

	cfg := testRunConfig("AAAUSDT", "BBBUSDT")
	cfg.SharedBalance = true
	run, err := eng.Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, RunStatusDone, run.Status)
	// 共享资金池：初始余额不按 pair 数放大
	assert.InDelta(t, 1000, run.Stats.InitialBalance, 1e-9)
	require.Len(t, run.Trades, 4)

	// 同一根 K 线同时触发时按 symbol 字典序分配资金，后者拿到的更少
	first, second := run.Trades[0], run.Trades[1]
	assert.Equal(t, "AAAUSDT", first.Symbol)
	assert.Equal(t, "BBBUSDT", second.Symbol)
	assert.True(t, first.Margin.GreaterThan(second.Margin),
		"first=%s second=%s", first.Margin, second.Margin)
}

func mustFloat(d interface{ Float64() (float64, bool) }) float64 {
	f, _ := d.Float64()
	return f
}
