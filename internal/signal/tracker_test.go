package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/internal/market"
	"strata/internal/strategy"
)

func collectSignals(t *Tracker) *[]Confirmed {
	out := &[]Confirmed{}
	t.AddConsumer(ConsumerFunc(func(sig Confirmed) {
		*out = append(*out, sig)
	}))
	return out
}

func openCandle(openTime int64, close float64) market.Candle {
	return market.Candle{
		OpenTime:  openTime,
		CloseTime: openTime + 60_000 - 1,
		Close:     close,
		Closed:    false,
	}
}

func closedCandle(openTime int64, close float64) market.Candle {
	c := openCandle(openTime, close)
	c.Closed = true
	return c
}

func TestTrackerPendingLifecycle(t *testing.T) {
	tr := NewTracker(WithClock(func() time.Time {
		return time.UnixMilli(1700000000000).UTC()
	}))

	tr.Track("BTCUSDT", "macd", openCandle(60_000, 100), strategy.Long)
	p, ok := tr.PendingFor("BTCUSDT", "macd")
	require.True(t, ok)
	assert.Equal(t, strategy.Long, p.Direction)
	assert.Equal(t, int64(60_000), p.CandleOpenTime)

	// 同一根 K 线的新判断整体覆盖旧判断
	tr.Track("BTCUSDT", "macd", openCandle(60_000, 101), strategy.Short)
	p, ok = tr.PendingFor("BTCUSDT", "macd")
	require.True(t, ok)
	assert.Equal(t, strategy.Short, p.Direction)

	// flat 清空暂存
	tr.Track("BTCUSDT", "macd", openCandle(60_000, 99), strategy.Flat)
	_, ok = tr.PendingFor("BTCUSDT", "macd")
	assert.False(t, ok)

	// no-decision 同样清空
	tr.Track("BTCUSDT", "macd", openCandle(60_000, 99), strategy.Long)
	tr.Track("BTCUSDT", "macd", openCandle(60_000, 99), strategy.NoDecision)
	_, ok = tr.PendingFor("BTCUSDT", "macd")
	assert.False(t, ok)
}

func TestTrackerConfirmOnMatch(t *testing.T) {
	tr := NewTracker()
	got := collectSignals(tr)

	tr.Track("BTCUSDT", "macd", openCandle(60_000, 100), strategy.Long)
	tr.Track("BTCUSDT", "macd", closedCandle(60_000, 102), strategy.Long)

	require.Len(t, *got, 1)
	sig := (*got)[0]
	assert.NotEmpty(t, sig.ID)
	assert.Equal(t, "BTCUSDT", sig.Symbol)
	assert.Equal(t, strategy.Long, sig.Direction)
	assert.Equal(t, int64(60_000), sig.CandleOpenTime)
	assert.Equal(t, 102.0, sig.Price)
	assert.Equal(t, time.UnixMilli(60_000+60_000-1).UTC(), sig.ConfirmedAt)

	// 确认后回到 idle
	_, ok := tr.PendingFor("BTCUSDT", "macd")
	assert.False(t, ok)
}

func TestTrackerMismatchDiscardsSilently(t *testing.T) {
	tr := NewTracker()
	got := collectSignals(tr)

	// 盘中看多，收盘终态却是空头：两个方向都不发
	tr.Track("BTCUSDT", "macd", openCandle(60_000, 100), strategy.Long)
	tr.Track("BTCUSDT", "macd", closedCandle(60_000, 95), strategy.Short)
	assert.Empty(t, *got)

	// 盘中有方向，收盘无判断：同样静默丢弃
	tr.Track("BTCUSDT", "macd", openCandle(120_000, 100), strategy.Short)
	tr.Track("BTCUSDT", "macd", closedCandle(120_000, 100), strategy.NoDecision)
	assert.Empty(t, *got)
}

func TestTrackerIdleDirectConfirm(t *testing.T) {
	tr := NewTracker()
	got := collectSignals(tr)

	// 盘中从未触发，收盘判断直接确认
	tr.Track("ETHUSDT", "kdj", closedCandle(60_000, 2000), strategy.Short)
	require.Len(t, *got, 1)
	assert.Equal(t, strategy.Short, (*got)[0].Direction)

	// 收盘无方向则什么都不发
	tr.Track("ETHUSDT", "kdj", closedCandle(120_000, 2001), strategy.Flat)
	assert.Len(t, *got, 1)
}

func TestTrackerDuplicateCloseDeduped(t *testing.T) {
	tr := NewTracker()
	got := collectSignals(tr)

	c := closedCandle(60_000, 100)
	tr.Track("BTCUSDT", "macd", c, strategy.Long)
	tr.Track("BTCUSDT", "macd", c, strategy.Long)
	assert.Len(t, *got, 1)

	// 新的一根 K 线可以再次确认
	tr.Track("BTCUSDT", "macd", closedCandle(120_000, 101), strategy.Long)
	assert.Len(t, *got, 2)
}

func TestTrackerStalePendingDropped(t *testing.T) {
	tr := NewTracker()
	got := collectSignals(tr)

	// 暂存属于早一根 K 线，收盘事件缺失；下一根收盘按首次触发处理
	tr.Track("BTCUSDT", "macd", openCandle(60_000, 100), strategy.Long)
	tr.Track("BTCUSDT", "macd", closedCandle(120_000, 101), strategy.Short)
	require.Len(t, *got, 1)
	assert.Equal(t, strategy.Short, (*got)[0].Direction)
	assert.Equal(t, int64(120_000), (*got)[0].CandleOpenTime)
}

func TestTrackerKeysIsolated(t *testing.T) {
	tr := NewTracker()
	got := collectSignals(tr)

	tr.Track("BTCUSDT", "macd", openCandle(60_000, 100), strategy.Long)
	tr.Track("ETHUSDT", "macd", openCandle(60_000, 2000), strategy.Short)
	tr.Track("BTCUSDT", "kdj", openCandle(60_000, 100), strategy.Short)

	tr.Track("BTCUSDT", "macd", closedCandle(60_000, 101), strategy.Long)
	require.Len(t, *got, 1)

	// 其它 key 的暂存不受影响
	p, ok := tr.PendingFor("ETHUSDT", "macd")
	require.True(t, ok)
	assert.Equal(t, strategy.Short, p.Direction)
	_, ok = tr.PendingFor("BTCUSDT", "kdj")
	assert.True(t, ok)
}
