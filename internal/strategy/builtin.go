package strategy

import (
	"strata/internal/indicator"
)

// 中文说明：
// 内置策略集，对应实盘常用的四套指标组合。
// 所有 Evaluate 只比较 prev/cur 两次快照，任一所需指标缺失即返回 NoDecision。

// macdCross：MACD 金叉做多、死叉做空。默认参数 6/16/9。
// talib 的 hist 恒等于 macd−signal，交叉本身就是柱状图跨零变色，
// 不需要额外的柱状图条件。
type macdCross struct {
	id  string
	set indicator.Settings
}

func newMACDCross(spec Spec) (Strategy, error) {
	params := indicator.MACDSettings{Fast: 6, Slow: 16, Signal: 9}
	if err := decodeParams(spec.Params, &params); err != nil {
		return nil, err
	}
	return &macdCross{
		id:  spec.ID,
		set: indicator.Settings{MACD: params},
	}, nil
}

func (s *macdCross) ID() string                   { return s.id }
func (s *macdCross) Kind() string                 { return "macd_cross" }
func (s *macdCross) Settings() indicator.Settings { return s.set }

func (s *macdCross) Evaluate(prev, cur *indicator.Snapshot) Decision {
	if prev == nil || cur == nil {
		return NoDecision
	}
	pm, ok1 := prev.Value("macd")
	cm, ok2 := cur.Value("macd")
	if !ok1 || !ok2 {
		return NoDecision
	}
	prevMACD, prevSignal := pm.Fields["macd"], pm.Fields["signal"]
	curMACD, curSignal := cm.Fields["macd"], cm.Fields["signal"]

	switch {
	case crossAbove(prevMACD, prevSignal, curMACD, curSignal):
		return Long
	case crossBelow(prevMACD, prevSignal, curMACD, curSignal):
		return Short
	default:
		return NoDecision
	}
}

// macdRSIBoll：MACD 金叉/死叉 + RSI 过滤 + 价格位于布林带内。
type macdRSIBoll struct {
	id  string
	set indicator.Settings
}

type macdRSIBollParams struct {
	MACD indicator.MACDSettings `mapstructure:"macd"`
	RSI  indicator.RSISettings  `mapstructure:"rsi"`
	Boll indicator.BollSettings `mapstructure:"boll"`
}

func newMACDRSIBoll(spec Spec) (Strategy, error) {
	var params macdRSIBollParams
	if err := decodeParams(spec.Params, &params); err != nil {
		return nil, err
	}
	return &macdRSIBoll{
		id: spec.ID,
		set: indicator.Settings{
			MACD: params.MACD,
			RSI:  params.RSI,
			Boll: params.Boll,
		},
	}, nil
}

func (s *macdRSIBoll) ID() string                   { return s.id }
func (s *macdRSIBoll) Kind() string                 { return "macd_rsi_boll" }
func (s *macdRSIBoll) Settings() indicator.Settings { return s.set }

func (s *macdRSIBoll) Evaluate(prev, cur *indicator.Snapshot) Decision {
	if prev == nil || cur == nil {
		return NoDecision
	}
	pm, ok1 := prev.Value("macd")
	cm, ok2 := cur.Value("macd")
	rsi, ok3 := cur.Value("rsi")
	boll, ok4 := cur.Value("boll")
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return NoDecision
	}
	price := cur.Price
	insideBands := price > boll.Fields["lower"] && price < boll.Fields["upper"]
	if !insideBands {
		return NoDecision
	}
	goldenCross := crossAbove(pm.Fields["macd"], pm.Fields["signal"], cm.Fields["macd"], cm.Fields["signal"])
	deathCross := crossBelow(pm.Fields["macd"], pm.Fields["signal"], cm.Fields["macd"], cm.Fields["signal"])

	switch {
	case goldenCross && rsi.Latest < 70:
		return Long
	case deathCross && rsi.Latest > 30:
		return Short
	default:
		return NoDecision
	}
}

// kdjMAVolume：KDJ 超卖反弹/超买回落 + MA20 位置 + 成交量过滤。
type kdjMAVolume struct {
	id  string
	set indicator.Settings
}

type kdjMAVolumeParams struct {
	KDJ    indicator.KDJSettings    `mapstructure:"kdj"`
	MA     indicator.MASettings     `mapstructure:"ma"`
	Volume indicator.VolumeSettings `mapstructure:"volume"`
}

func newKDJMAVolume(spec Spec) (Strategy, error) {
	var params kdjMAVolumeParams
	if err := decodeParams(spec.Params, &params); err != nil {
		return nil, err
	}
	return &kdjMAVolume{
		id: spec.ID,
		set: indicator.Settings{
			KDJ:    params.KDJ,
			MA:     params.MA,
			Volume: params.Volume,
		},
	}, nil
}

func (s *kdjMAVolume) ID() string                   { return s.id }
func (s *kdjMAVolume) Kind() string                 { return "kdj_ma_volume" }
func (s *kdjMAVolume) Settings() indicator.Settings { return s.set }

func (s *kdjMAVolume) Evaluate(prev, cur *indicator.Snapshot) Decision {
	if prev == nil || cur == nil {
		return NoDecision
	}
	pk, ok1 := prev.Value("kdj")
	ck, ok2 := cur.Value("kdj")
	ma, ok3 := cur.Value("ma")
	vol, ok4 := cur.Value("volume")
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return NoDecision
	}
	// 量能不低于均量 80% 才有效
	if volMA := vol.Fields["ma"]; volMA <= 0 || vol.Fields["last"] < volMA*0.8 {
		return NoDecision
	}
	price := cur.Price
	maLong := ma.Fields["long"]
	curK, curD := ck.Fields["k"], ck.Fields["d"]
	prevK := pk.Fields["k"]

	switch {
	case prevK < 20 && curK > 20 && curK > curD && price > maLong:
		return Long
	case prevK > 80 && curK < 80 && curK < curD && price < maLong:
		return Short
	default:
		return NoDecision
	}
}

// adxEMARSI：ADX 强趋势过滤 + EMA 金叉/死叉 + RSI 区间。
type adxEMARSI struct {
	id  string
	set indicator.Settings
}

type adxEMARSIParams struct {
	ADX indicator.ADXSettings `mapstructure:"adx"`
	EMA indicator.EMASettings `mapstructure:"ema"`
	RSI indicator.RSISettings `mapstructure:"rsi"`
}

func newADXEMARSI(spec Spec) (Strategy, error) {
	var params adxEMARSIParams
	if err := decodeParams(spec.Params, &params); err != nil {
		return nil, err
	}
	return &adxEMARSI{
		id: spec.ID,
		set: indicator.Settings{
			ADX: params.ADX,
			EMA: params.EMA,
			RSI: params.RSI,
		},
	}, nil
}

func (s *adxEMARSI) ID() string                   { return s.id }
func (s *adxEMARSI) Kind() string                 { return "adx_ema_rsi" }
func (s *adxEMARSI) Settings() indicator.Settings { return s.set }

func (s *adxEMARSI) Evaluate(prev, cur *indicator.Snapshot) Decision {
	if prev == nil || cur == nil {
		return NoDecision
	}
	pe, ok1 := prev.Value("ema")
	ce, ok2 := cur.Value("ema")
	adx, ok3 := cur.Value("adx")
	rsi, ok4 := cur.Value("rsi")
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return NoDecision
	}
	if adx.Latest <= 25 {
		return NoDecision
	}
	goldenCross := crossAbove(pe.Fields["fast"], pe.Fields["slow"], ce.Fields["fast"], ce.Fields["slow"])
	deathCross := crossBelow(pe.Fields["fast"], pe.Fields["slow"], ce.Fields["fast"], ce.Fields["slow"])

	switch {
	case goldenCross && rsi.Latest > 50 && rsi.Latest < 70:
		return Long
	case deathCross && rsi.Latest < 50 && rsi.Latest > 30:
		return Short
	default:
		return NoDecision
	}
}
