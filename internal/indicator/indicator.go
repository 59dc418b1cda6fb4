package indicator

import (
	"errors"
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"strata/internal/market"
)

// ErrInsufficientHistory 表示序列长度不足以计算指标。
// 这不是运行错误，调用方应视为"无法决策"。
var ErrInsufficientHistory = errors.New("insufficient history")

// Settings 描述计算指标所需的参数。零值字段回落到默认参数。
type Settings struct {
	MACD   MACDSettings   `mapstructure:"macd" json:"macd"`
	RSI    RSISettings    `mapstructure:"rsi" json:"rsi"`
	Boll   BollSettings   `mapstructure:"boll" json:"boll"`
	KDJ    KDJSettings    `mapstructure:"kdj" json:"kdj"`
	MA     MASettings     `mapstructure:"ma" json:"ma"`
	ADX    ADXSettings    `mapstructure:"adx" json:"adx"`
	EMA    EMASettings    `mapstructure:"ema" json:"ema"`
	Volume VolumeSettings `mapstructure:"volume" json:"volume"`
}

type MACDSettings struct {
	Fast   int `mapstructure:"fast" json:"fast,omitempty"`
	Slow   int `mapstructure:"slow" json:"slow,omitempty"`
	Signal int `mapstructure:"signal" json:"signal,omitempty"`
}

type RSISettings struct {
	Period     int     `mapstructure:"period" json:"period,omitempty"`
	Oversold   float64 `mapstructure:"oversold" json:"oversold,omitempty"`
	Overbought float64 `mapstructure:"overbought" json:"overbought,omitempty"`
}

type BollSettings struct {
	Period int     `mapstructure:"period" json:"period,omitempty"`
	NbDev  float64 `mapstructure:"nb_dev" json:"nb_dev,omitempty"`
}

type KDJSettings struct {
	FastK int `mapstructure:"fast_k" json:"fast_k,omitempty"`
	SlowK int `mapstructure:"slow_k" json:"slow_k,omitempty"`
	SlowD int `mapstructure:"slow_d" json:"slow_d,omitempty"`
}

type MASettings struct {
	Short int `mapstructure:"short" json:"short,omitempty"`
	Mid   int `mapstructure:"mid" json:"mid,omitempty"`
	Long  int `mapstructure:"long" json:"long,omitempty"`
}

type ADXSettings struct {
	Period int `mapstructure:"period" json:"period,omitempty"`
}

type EMASettings struct {
	Fast int `mapstructure:"fast" json:"fast,omitempty"`
	Slow int `mapstructure:"slow" json:"slow,omitempty"`
}

type VolumeSettings struct {
	MAPeriod int `mapstructure:"ma_period" json:"ma_period,omitempty"`
}

func (s Settings) withDefaults() Settings {
	out := s
	if out.MACD.Fast <= 0 {
		out.MACD.Fast = 12
	}
	if out.MACD.Slow <= 0 {
		out.MACD.Slow = 26
	}
	if out.MACD.Signal <= 0 {
		out.MACD.Signal = 9
	}
	if out.RSI.Period <= 0 {
		out.RSI.Period = 14
	}
	if out.RSI.Overbought == 0 {
		out.RSI.Overbought = 70
	}
	if out.RSI.Oversold == 0 {
		out.RSI.Oversold = 30
	}
	if out.Boll.Period <= 0 {
		out.Boll.Period = 20
	}
	if out.Boll.NbDev == 0 {
		out.Boll.NbDev = 2
	}
	if out.KDJ.FastK <= 0 {
		out.KDJ.FastK = 9
	}
	if out.KDJ.SlowK <= 0 {
		out.KDJ.SlowK = 3
	}
	if out.KDJ.SlowD <= 0 {
		out.KDJ.SlowD = 3
	}
	if out.MA.Short <= 0 {
		out.MA.Short = 5
	}
	if out.MA.Mid <= 0 {
		out.MA.Mid = 10
	}
	if out.MA.Long <= 0 {
		out.MA.Long = 20
	}
	if out.ADX.Period <= 0 {
		out.ADX.Period = 14
	}
	if out.EMA.Fast <= 0 {
		out.EMA.Fast = 12
	}
	if out.EMA.Slow <= 0 {
		out.EMA.Slow = 26
	}
	if out.Volume.MAPeriod <= 0 {
		out.Volume.MAPeriod = 10
	}
	return out
}

// Value 保存单个指标的最新值与分量。
type Value struct {
	Latest float64            `json:"latest"`
	Fields map[string]float64 `json:"fields,omitempty"`
	State  string             `json:"state,omitempty"`
}

// Snapshot 汇总某根 K 线上全部指标的最新读数。
// 对同一序列重复计算必然得到相同结果：除输入序列外不携带任何状态。
// 历史不足的指标不会出现在 Values 中，调用方据此判为无法决策。
type Snapshot struct {
	Symbol   string           `json:"symbol"`
	Interval string           `json:"interval"`
	OpenTime int64            `json:"open_time"`
	Closed   bool             `json:"closed"`
	Price    float64          `json:"price"`
	Count    int              `json:"count"`
	Values   map[string]Value `json:"values"`
	Warnings []string         `json:"warnings,omitempty"`
}

// Value 按名称取指标；历史不足时 ok=false。
func (s *Snapshot) Value(name string) (Value, bool) {
	if s == nil || s.Values == nil {
		return Value{}, false
	}
	v, ok := s.Values[name]
	return v, ok
}

// Field 取指标的某个分量。
func (s *Snapshot) Field(name, field string) (float64, bool) {
	v, ok := s.Value(name)
	if !ok || v.Fields == nil {
		return 0, false
	}
	f, ok := v.Fields[field]
	return f, ok
}

// Compute 基于完整 K 线序列计算最新一根（可能未收盘）的快照。
func Compute(symbol, interval string, candles []market.Candle, cfg Settings) (Snapshot, error) {
	snap := Snapshot{
		Symbol:   symbol,
		Interval: interval,
		Count:    len(candles),
		Values:   make(map[string]Value),
	}
	if len(candles) == 0 {
		return snap, fmt.Errorf("%w: no candles", ErrInsufficientHistory)
	}
	last := candles[len(candles)-1]
	snap.OpenTime = last.OpenTime
	snap.Closed = last.Closed
	snap.Price = last.Close

	cfg = cfg.withDefaults()
	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		volumes[i] = c.Volume
	}
	n := len(closes)
	skip := func(name string, need int) {
		snap.Warnings = append(snap.Warnings, fmt.Sprintf("%s: 历史不足 %d/%d", name, n, need))
	}

	// MACD
	if need := cfg.MACD.Slow + cfg.MACD.Signal; n >= need {
		macd, signal, hist := talib.Macd(closes, cfg.MACD.Fast, cfg.MACD.Slow, cfg.MACD.Signal)
		state := "flat"
		switch {
		case lastOf(hist) > 0:
			state = "bullish"
		case lastOf(hist) < 0:
			state = "bearish"
		}
		snap.Values["macd"] = Value{
			Latest: lastOf(macd),
			Fields: map[string]float64{
				"macd":   lastOf(macd),
				"signal": lastOf(signal),
				"hist":   lastOf(hist),
			},
			State: state,
		}
	} else {
		skip("macd", need)
	}

	// RSI
	if need := cfg.RSI.Period + 1; n >= need {
		rsi := talib.Rsi(closes, cfg.RSI.Period)
		val := lastOf(rsi)
		state := "neutral"
		switch {
		case val >= cfg.RSI.Overbought:
			state = "overbought"
		case val <= cfg.RSI.Oversold:
			state = "oversold"
		}
		snap.Values["rsi"] = Value{Latest: val, State: state}
	} else {
		skip("rsi", need)
	}

	// 布林带
	if need := cfg.Boll.Period; n >= need {
		upper, middle, lower := talib.BBands(closes, cfg.Boll.Period, cfg.Boll.NbDev, cfg.Boll.NbDev, talib.SMA)
		price := closes[n-1]
		state := "inside"
		switch {
		case price > lastOf(upper):
			state = "above_upper"
		case price < lastOf(lower):
			state = "below_lower"
		}
		snap.Values["boll"] = Value{
			Latest: lastOf(middle),
			Fields: map[string]float64{
				"upper":  lastOf(upper),
				"middle": lastOf(middle),
				"lower":  lastOf(lower),
			},
			State: state,
		}
	} else {
		skip("boll", need)
	}

	// KDJ（随机指标，J=3K-2D）
	if need := cfg.KDJ.FastK + cfg.KDJ.SlowK + cfg.KDJ.SlowD; n >= need {
		k, d := talib.Stoch(highs, lows, closes, cfg.KDJ.FastK, cfg.KDJ.SlowK, talib.SMA, cfg.KDJ.SlowD, talib.SMA)
		kv, dv := lastOf(k), lastOf(d)
		jv := 3*kv - 2*dv
		state := "neutral"
		switch {
		case kv >= 80:
			state = "overbought"
		case kv <= 20:
			state = "oversold"
		}
		snap.Values["kdj"] = Value{
			Latest: kv,
			Fields: map[string]float64{"k": kv, "d": dv, "j": jv},
			State:  state,
		}
	} else {
		skip("kdj", need)
	}

	// 均线组
	if need := cfg.MA.Long; n >= need {
		maShort := talib.Sma(closes, cfg.MA.Short)
		maMid := talib.Sma(closes, cfg.MA.Mid)
		maLong := talib.Sma(closes, cfg.MA.Long)
		snap.Values["ma"] = Value{
			Latest: lastOf(maShort),
			Fields: map[string]float64{
				"short": lastOf(maShort),
				"mid":   lastOf(maMid),
				"long":  lastOf(maLong),
			},
			State: relativeState(closes[n-1], lastOf(maLong)),
		}
	} else {
		skip("ma", need)
	}

	// ADX
	if need := 2*cfg.ADX.Period + 1; n >= need {
		adx := talib.Adx(highs, lows, closes, cfg.ADX.Period)
		val := lastOf(adx)
		state := "weak"
		if val >= 25 {
			state = "trending"
		}
		snap.Values["adx"] = Value{Latest: val, State: state}
	} else {
		skip("adx", need)
	}

	// EMA 快慢线
	if need := cfg.EMA.Slow; n >= need {
		fast := talib.Ema(closes, cfg.EMA.Fast)
		slow := talib.Ema(closes, cfg.EMA.Slow)
		snap.Values["ema"] = Value{
			Latest: lastOf(fast),
			Fields: map[string]float64{"fast": lastOf(fast), "slow": lastOf(slow)},
			State:  relativeState(lastOf(fast), lastOf(slow)),
		}
	} else {
		skip("ema", need)
	}

	// 成交量 vs 均量
	if need := cfg.Volume.MAPeriod; n >= need {
		volMA := talib.Sma(volumes, cfg.Volume.MAPeriod)
		cur := volumes[n-1]
		state := "normal"
		if ma := lastOf(volMA); ma > 0 && cur > ma*1.5 {
			state = "surge"
		}
		snap.Values["volume"] = Value{
			Latest: cur,
			Fields: map[string]float64{"last": cur, "ma": lastOf(volMA)},
			State:  state,
		}
	} else {
		skip("volume", need)
	}

	return snap, nil
}

// lastOf 返回序列末尾最近的有效值（跳过 NaN/Inf）。
func lastOf(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) && !math.IsInf(series[i], 0) {
			return series[i]
		}
	}
	return 0
}

func relativeState(price, ref float64) string {
	if ref == 0 {
		return "unknown"
	}
	switch {
	case price > ref*1.002:
		return "above"
	case price < ref*0.998:
		return "below"
	default:
		return "touch"
	}
}
