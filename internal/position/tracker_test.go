package position

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/internal/signal"
	"strata/internal/strategy"
)

func testConfig() Config {
	return Config{
		InitialBalance:  decimal.NewFromInt(1000),
		BalanceFraction: decimal.NewFromFloat(0.8),
		Leverage:        decimal.NewFromInt(20),
	}
}

func sigAt(dir strategy.Decision, price float64, openTime int64) signal.Confirmed {
	return signal.Confirmed{
		ID:             "sig",
		Symbol:         "BTCUSDT",
		StrategyID:     "macd",
		Direction:      dir,
		CandleOpenTime: openTime,
		Price:          price,
		ConfirmedAt:    time.UnixMilli(openTime).UTC(),
	}
}

func TestTrackerOpenSizing(t *testing.T) {
	tr := NewTracker(testConfig())

	_, err := tr.Apply(sigAt(strategy.Long, 100, 60_000))
	require.NoError(t, err)

	p, ok := tr.OpenPosition("BTCUSDT", "macd")
	require.True(t, ok)
	// 0.8 × 1000 × 20 = 16000 名义价值
	assert.True(t, p.Size.Equal(decimal.NewFromInt(16000)), "size=%s", p.Size)
	assert.True(t, p.Margin.Equal(decimal.NewFromInt(800)), "margin=%s", p.Margin)
	assert.Equal(t, strategy.Long, p.Direction)
	assert.Equal(t, StatusOpen, p.Status)
	// 保证金从可用余额中扣除
	assert.True(t, tr.Available().Equal(decimal.NewFromInt(200)), "available=%s", tr.Available())
}

func TestTrackerSameDirectionNoPyramiding(t *testing.T) {
	tr := NewTracker(testConfig())

	_, err := tr.Apply(sigAt(strategy.Long, 100, 60_000))
	require.NoError(t, err)
	before, _ := tr.OpenPosition("BTCUSDT", "macd")

	flipped, err := tr.Apply(sigAt(strategy.Long, 110, 120_000))
	require.NoError(t, err)
	assert.Nil(t, flipped)

	after, _ := tr.OpenPosition("BTCUSDT", "macd")
	assert.Equal(t, before.ID, after.ID)
	assert.True(t, before.Size.Equal(after.Size))
}

func TestTrackerFlipOnOpposingSignal(t *testing.T) {
	tr := NewTracker(testConfig())

	_, err := tr.Apply(sigAt(strategy.Long, 100, 60_000))
	require.NoError(t, err)

	// 反向信号：同一步内先平多再开空
	flipped, err := tr.Apply(sigAt(strategy.Short, 110, 120_000))
	require.NoError(t, err)
	require.NotNil(t, flipped)
	assert.Equal(t, StatusClosed, flipped.Status)
	assert.Equal(t, strategy.Long, flipped.Direction)
	// (110-100)/100 × 16000 = 1600
	assert.True(t, flipped.RealizedPnL.Equal(decimal.NewFromInt(1600)), "pnl=%s", flipped.RealizedPnL)

	p, ok := tr.OpenPosition("BTCUSDT", "macd")
	require.True(t, ok)
	assert.Equal(t, strategy.Short, p.Direction)
	// 平仓后余额 200+800+1600=2600，新仓保证金 0.8×2600=2080
	assert.True(t, p.Margin.Equal(decimal.NewFromInt(2080)), "margin=%s", p.Margin)
	assert.True(t, p.Size.Equal(decimal.NewFromInt(41600)), "size=%s", p.Size)

	closed := tr.ClosedPositions()
	require.Len(t, closed, 1)
	assert.Equal(t, flipped.ID, closed[0].ID)
}

func TestTrackerShortPnL(t *testing.T) {
	tr := NewTracker(testConfig())

	_, err := tr.Apply(sigAt(strategy.Short, 100, 60_000))
	require.NoError(t, err)
	flipped, err := tr.Apply(sigAt(strategy.Long, 90, 120_000))
	require.NoError(t, err)
	require.NotNil(t, flipped)
	// 空头价格下跌 10%：16000 × 0.10 = 1600
	assert.True(t, flipped.RealizedPnL.Equal(decimal.NewFromInt(1600)), "pnl=%s", flipped.RealizedPnL)
}

func TestTrackerInsufficientBalanceSkips(t *testing.T) {
	cfg := testConfig()
	cfg.InitialBalance = decimal.NewFromInt(-1) // 亏穿后的账本
	tr := NewTracker(cfg)

	_, err := tr.Apply(sigAt(strategy.Long, 100, 60_000))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, ok := tr.OpenPosition("BTCUSDT", "macd")
	assert.False(t, ok)
	skipped := tr.SkippedTrades()
	require.Len(t, skipped, 1)
	assert.Equal(t, "BTCUSDT", skipped[0].Signal.Symbol)
}

func TestTrackerFeesAndSlippage(t *testing.T) {
	cfg := testConfig()
	cfg.FeeRate = decimal.NewFromFloat(0.0004)
	cfg.SlippageRate = decimal.NewFromFloat(0.0002)
	tr := NewTracker(cfg)

	_, err := tr.Apply(sigAt(strategy.Long, 100, 60_000))
	require.NoError(t, err)

	p, _ := tr.OpenPosition("BTCUSDT", "macd")
	// 多头开仓滑点向上：100 × (1+0.0002)
	assert.True(t, p.EntryPrice.Equal(decimal.NewFromFloat(100.02)), "entry=%s", p.EntryPrice)
	// 开仓手续费 16000 × 0.0004 = 6.4，余额 1000-800-6.4
	assert.True(t, tr.Available().Equal(decimal.NewFromFloat(193.6)), "available=%s", tr.Available())
}

func TestTrackerCloseAll(t *testing.T) {
	tr := NewTracker(testConfig())
	_, err := tr.Apply(sigAt(strategy.Long, 100, 60_000))
	require.NoError(t, err)

	closed := tr.CloseAll(map[string]float64{"BTCUSDT": 105}, time.UnixMilli(180_000).UTC())
	require.Len(t, closed, 1)
	// (105-100)/100 × 16000 = 800
	assert.True(t, closed[0].RealizedPnL.Equal(decimal.NewFromInt(800)))
	_, ok := tr.OpenPosition("BTCUSDT", "macd")
	assert.False(t, ok)
	// 1000 + 800 盈利
	assert.True(t, tr.Available().Equal(decimal.NewFromInt(1800)), "available=%s", tr.Available())
}

func TestTrackerEquity(t *testing.T) {
	tr := NewTracker(testConfig())
	_, err := tr.Apply(sigAt(strategy.Long, 100, 60_000))
	require.NoError(t, err)

	// 标记价与入场价相同：权益 = 初始余额
	eq := tr.Equity(map[string]float64{"BTCUSDT": 100})
	assert.True(t, eq.Equal(decimal.NewFromInt(1000)), "equity=%s", eq)

	// 价格 +5%：未实现盈亏 800
	eq = tr.Equity(map[string]float64{"BTCUSDT": 105})
	assert.True(t, eq.Equal(decimal.NewFromInt(1800)), "equity=%s", eq)
}
