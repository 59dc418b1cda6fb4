package strategy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"

	"strata/internal/indicator"
)

// Decision 是策略对最近两次快照的方向判断。
type Decision int

const (
	// NoDecision 表示条件不成立或历史不足，无任何倾向。
	NoDecision Decision = iota
	Long
	Short
	// Flat 表示明确的离场倾向（清除待确认信号，但不产生反向信号）。
	Flat
)

func (d Decision) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	case Flat:
		return "flat"
	default:
		return "no_decision"
	}
}

// ParseDecision 从字符串还原决策值，未知输入返回 NoDecision。
func ParseDecision(s string) Decision {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long":
		return Long
	case "short":
		return Short
	case "flat":
		return Flat
	default:
		return NoDecision
	}
}

// Directional 报告决策是否带方向（long/short）。
func (d Decision) Directional() bool {
	return d == Long || d == Short
}

// Strategy 是无状态的纯函数评估器：只读取最近两次快照，
// 不同实例之间不共享任何可变状态，可并发使用。
type Strategy interface {
	ID() string
	Kind() string
	// Settings 返回该策略需要的指标参数，供快照计算使用。
	Settings() indicator.Settings
	// Evaluate 基于前后两次快照给出方向。prev 可能为 nil（序列开头）。
	Evaluate(prev, cur *indicator.Snapshot) Decision
}

// Spec 是配置里的一条策略定义。
type Spec struct {
	ID     string         `mapstructure:"id"`
	Kind   string         `mapstructure:"kind"`
	Params map[string]any `mapstructure:"params"`
}

type factory func(spec Spec) (Strategy, error)

var registry = map[string]factory{
	"macd_cross":    newMACDCross,
	"macd_rsi_boll": newMACDRSIBoll,
	"kdj_ma_volume": newKDJMAVolume,
	"adx_ema_rsi":   newADXEMARSI,
}

// Register 注册自定义策略类型，同名覆盖。需在构造策略前完成。
func Register(kind string, fn func(spec Spec) (Strategy, error)) {
	registry[strings.ToLower(strings.TrimSpace(kind))] = fn
}

// Kinds 返回所有可用的策略类型（排序后）。
func Kinds() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New 根据 Spec 构造策略实例；未知 kind 属于配置错误。
func New(spec Spec) (Strategy, error) {
	kind := strings.ToLower(strings.TrimSpace(spec.Kind))
	if kind == "" {
		return nil, fmt.Errorf("策略 %q 缺少 kind", spec.ID)
	}
	fn, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("未知策略类型: %s（可用: %v）", spec.Kind, Kinds())
	}
	if strings.TrimSpace(spec.ID) == "" {
		spec.ID = kind
	}
	return fn(spec)
}

// decodeParams 将 YAML 参数弱类型解码到目标结构。
func decodeParams(params map[string]any, target any) error {
	if len(params) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(params)
}

// crossAbove 报告 a 是否在两次快照之间上穿 b。
func crossAbove(prevA, prevB, curA, curB float64) bool {
	return prevA <= prevB && curA > curB
}

// crossBelow 报告 a 是否在两次快照之间下穿 b。
func crossBelow(prevA, prevB, curA, curB float64) bool {
	return prevA >= prevB && curA < curB
}
