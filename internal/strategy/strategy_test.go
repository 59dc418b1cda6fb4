package strategy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"strata/internal/indicator"
)

func snapWith(price float64, values map[string]indicator.Value) *indicator.Snapshot {
	return &indicator.Snapshot{
		Symbol:   "BTCUSDT",
		Interval: "15m",
		Price:    price,
		Closed:   true,
		Values:   values,
	}
}

func macdValue(macd, signal, hist float64) indicator.Value {
	return indicator.Value{
		Latest: macd,
		Fields: map[string]float64{"macd": macd, "signal": signal, "hist": hist},
	}
}

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New(Spec{ID: "x", Kind: "nope"})
	require.Error(t, err)

	_, err = New(Spec{ID: "x"})
	require.Error(t, err)
}

func TestNewFillsIDFromKind(t *testing.T) {
	s, err := New(Spec{Kind: "MACD_Cross"})
	require.NoError(t, err)
	require.Equal(t, "macd_cross", s.ID())
	require.Equal(t, "macd_cross", s.Kind())
}

func TestParamsOverrideDefaults(t *testing.T) {
	s, err := New(Spec{ID: "m", Kind: "macd_cross", Params: map[string]any{
		"fast": "8", "slow": 21,
	}})
	require.NoError(t, err)
	set := s.Settings()
	require.Equal(t, 8, set.MACD.Fast)
	require.Equal(t, 21, set.MACD.Slow)
}

func TestParseDecisionRoundtrip(t *testing.T) {
	for _, d := range []Decision{NoDecision, Long, Short, Flat} {
		require.Equal(t, d, ParseDecision(d.String()))
	}
	require.Equal(t, NoDecision, ParseDecision("???"))
	require.True(t, Long.Directional())
	require.False(t, Flat.Directional())
}

func TestMACDCrossDecisions(t *testing.T) {
	s, err := New(Spec{ID: "m", Kind: "macd_cross"})
	require.NoError(t, err)

	// prev 为 nil：序列开头不决策
	cur := snapWith(100, map[string]indicator.Value{"macd": macdValue(1, 0, 0.5)})
	require.Equal(t, NoDecision, s.Evaluate(nil, cur))

	// 金叉 → Long（hist = macd − signal，随交叉同步变色）
	prev := snapWith(100, map[string]indicator.Value{"macd": macdValue(-0.5, 0, -0.5)})
	cur = snapWith(101, map[string]indicator.Value{"macd": macdValue(0.5, 0, 0.5)})
	require.Equal(t, Long, s.Evaluate(prev, cur))

	// 死叉 → Short
	prev = snapWith(101, map[string]indicator.Value{"macd": macdValue(0.5, 0, 0.5)})
	cur = snapWith(100, map[string]indicator.Value{"macd": macdValue(-0.5, 0, -0.5)})
	require.Equal(t, Short, s.Evaluate(prev, cur))

	// 无交叉 → NoDecision
	prev = snapWith(100, map[string]indicator.Value{"macd": macdValue(0.3, 0, 0.3)})
	cur = snapWith(101, map[string]indicator.Value{"macd": macdValue(0.5, 0, 0.5)})
	require.Equal(t, NoDecision, s.Evaluate(prev, cur))

	// 指标缺失 → NoDecision
	cur = snapWith(100, map[string]indicator.Value{})
	require.Equal(t, NoDecision, s.Evaluate(prev, cur))
}

func TestMACDRSIBollFilters(t *testing.T) {
	s, err := New(Spec{ID: "m", Kind: "macd_rsi_boll"})
	require.NoError(t, err)

	bands := indicator.Value{Fields: map[string]float64{"upper": 110, "middle": 100, "lower": 90}}
	prev := snapWith(100, map[string]indicator.Value{"macd": macdValue(-0.5, 0, -0.1)})
	cur := snapWith(100, map[string]indicator.Value{
		"macd": macdValue(0.5, 0, 0.2),
		"rsi":  {Latest: 55},
		"boll": bands,
	})
	require.Equal(t, Long, s.Evaluate(prev, cur))

	// RSI 超买时不追多
	cur.Values["rsi"] = indicator.Value{Latest: 75}
	require.Equal(t, NoDecision, s.Evaluate(prev, cur))

	// 价格在带外时不决策
	cur.Values["rsi"] = indicator.Value{Latest: 55}
	cur.Price = 120
	require.Equal(t, NoDecision, s.Evaluate(prev, cur))
}

func TestKDJMAVolumeDecisions(t *testing.T) {
	s, err := New(Spec{ID: "k", Kind: "kdj_ma_volume"})
	require.NoError(t, err)

	kdj := func(k, d float64) indicator.Value {
		return indicator.Value{Latest: k, Fields: map[string]float64{"k": k, "d": d, "j": 3*k - 2*d}}
	}
	vol := indicator.Value{Fields: map[string]float64{"last": 1000, "ma": 900}}
	ma := indicator.Value{Fields: map[string]float64{"short": 101, "mid": 100, "long": 99}}

	prev := snapWith(100, map[string]indicator.Value{"kdj": kdj(15, 25)})
	cur := snapWith(100, map[string]indicator.Value{
		"kdj": kdj(30, 22), "ma": ma, "volume": vol,
	})
	require.Equal(t, Long, s.Evaluate(prev, cur))

	// 缩量时过滤
	cur.Values["volume"] = indicator.Value{Fields: map[string]float64{"last": 100, "ma": 900}}
	require.Equal(t, NoDecision, s.Evaluate(prev, cur))
}

func TestADXEMARSIRequiresTrend(t *testing.T) {
	s, err := New(Spec{ID: "a", Kind: "adx_ema_rsi"})
	require.NoError(t, err)

	ema := func(fast, slow float64) indicator.Value {
		return indicator.Value{Latest: fast, Fields: map[string]float64{"fast": fast, "slow": slow}}
	}
	prev := snapWith(100, map[string]indicator.Value{"ema": ema(99, 100)})
	cur := snapWith(101, map[string]indicator.Value{
		"ema": ema(101, 100),
		"adx": {Latest: 30},
		"rsi": {Latest: 60},
	})
	require.Equal(t, Long, s.Evaluate(prev, cur))

	// 弱趋势不交易
	cur.Values["adx"] = indicator.Value{Latest: 10}
	require.Equal(t, NoDecision, s.Evaluate(prev, cur))
}

func TestRegisterOverrides(t *testing.T) {
	called := false
	Register("custom_kind", func(spec Spec) (Strategy, error) {
		called = true
		return newMACDCross(spec)
	})
	_, err := New(Spec{ID: "c", Kind: "Custom_Kind"})
	require.NoError(t, err)
	require.True(t, called)
	require.Contains(t, Kinds(), "custom_kind")
}
