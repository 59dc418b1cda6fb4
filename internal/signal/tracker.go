package signal

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"strata/internal/logger"
	"strata/internal/market"
	"strata/internal/strategy"
)

// 中文说明：
// 信号状态机。未收盘 K 线上的方向判断只是暂存（pending），价格在收盘前
// 可能反转；K 线收盘后用终态指标复核，方向一致才升级为确认信号。
// 既不丢失盘中出现的真实信号，也不把半根 K 线的毛刺当成交易依据。

// Pending 是盘中暂存的待确认信号。每个 (symbol, strategy) 至多一条，
// 同一根未收盘 K 线上的新判断整体覆盖旧判断。
type Pending struct {
	Symbol         string            `json:"symbol"`
	StrategyID     string            `json:"strategy_id"`
	Direction      strategy.Decision `json:"direction"`
	CandleOpenTime int64             `json:"candle_open_time"`
	DetectedAt     time.Time         `json:"detected_at"`
}

// Confirmed 是收盘复核通过后的确认信号，不可变且只投递一次。
type Confirmed struct {
	ID             string            `json:"id"`
	Symbol         string            `json:"symbol"`
	StrategyID     string            `json:"strategy_id"`
	Direction      strategy.Decision `json:"direction"`
	CandleOpenTime int64             `json:"candle_open_time"`
	Price          float64           `json:"price"`
	ConfirmedAt    time.Time         `json:"confirmed_at"`
}

// Consumer 接收确认信号。投递按确认顺序串行完成。
type Consumer interface {
	OnConfirmedSignal(sig Confirmed)
}

// ConsumerFunc 便捷适配器。
type ConsumerFunc func(sig Confirmed)

func (f ConsumerFunc) OnConfirmedSignal(sig Confirmed) { f(sig) }

// Tracker 为每个 (symbol, strategy) 维护 idle/pending 状态。
// confirmed 是瞬态：复核通过立即投递给消费者并回到 idle。
type Tracker struct {
	mu        sync.Mutex
	pending   map[string]Pending
	confirmed map[string]int64 // key -> 最近一次确认的 candle open_time
	consumers []Consumer
	nowFn     func() time.Time
}

type TrackerOption func(*Tracker)

// WithClock 注入时钟，测试用。
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.nowFn = now
		}
	}
}

func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		pending:   make(map[string]Pending),
		confirmed: make(map[string]int64),
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// AddConsumer 注册确认信号消费者。
func (t *Tracker) AddConsumer(c Consumer) {
	if c == nil {
		return
	}
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
}

func trackerKey(symbol, strategyID string) string {
	return symbol + "|" + strategyID
}

// Track 送入一次评估结果。candle 未收盘时维护 pending 状态；
// candle 收盘时做确认复核，dec 必须是基于收盘终态快照重新计算的判断。
func (t *Tracker) Track(symbol, strategyID string, candle market.Candle, dec strategy.Decision) {
	if !candle.Closed {
		t.trackOpen(symbol, strategyID, candle, dec)
		return
	}
	if sig, ok := t.reconcile(symbol, strategyID, candle, dec); ok {
		t.dispatch(sig)
	}
}

func (t *Tracker) trackOpen(symbol, strategyID string, candle market.Candle, dec strategy.Decision) {
	key := trackerKey(symbol, strategyID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if !dec.Directional() {
		// flat/no-decision 清空暂存，回到 idle，不产生任何信号。
		delete(t.pending, key)
		return
	}
	// 最新判断覆盖旧判断，过期方向直接丢弃。
	t.pending[key] = Pending{
		Symbol:         symbol,
		StrategyID:     strategyID,
		Direction:      dec,
		CandleOpenTime: candle.OpenTime,
		DetectedAt:     t.nowFn(),
	}
}

// reconcile 在收盘事件上复核。任何分支都回到 idle。
func (t *Tracker) reconcile(symbol, strategyID string, candle market.Candle, dec strategy.Decision) (Confirmed, bool) {
	key := trackerKey(symbol, strategyID)
	t.mu.Lock()
	defer t.mu.Unlock()

	p, had := t.pending[key]
	delete(t.pending, key)

	// 同一根 K 线只允许确认一次。
	if last, ok := t.confirmed[key]; ok && last == candle.OpenTime {
		return Confirmed{}, false
	}

	if had && p.CandleOpenTime == candle.OpenTime {
		if dec != p.Direction || !dec.Directional() {
			// 收盘终态推翻了盘中判断：静默丢弃，不发任何信号。
			logger.Debugf("[signal] %s/%s 盘中=%s 收盘=%s，收盘形态推翻盘中判断，丢弃",
				symbol, strategyID, p.Direction, dec)
			return Confirmed{}, false
		}
	} else if !dec.Directional() {
		// 无暂存且收盘判断不带方向：没有信号。
		return Confirmed{}, false
	}
	if had && p.CandleOpenTime != candle.OpenTime {
		// 暂存来自更早的 K 线且从未等到对应收盘事件，按过期丢弃，
		// 当前收盘按首次触发处理。
		logger.Warnf("[signal] %s/%s 暂存信号所属 K 线 %d 未收到收盘事件，丢弃",
			symbol, strategyID, p.CandleOpenTime)
		if !dec.Directional() {
			return Confirmed{}, false
		}
	}

	t.confirmed[key] = candle.OpenTime
	sig := Confirmed{
		ID:             uuid.NewString(),
		Symbol:         symbol,
		StrategyID:     strategyID,
		Direction:      dec,
		CandleOpenTime: candle.OpenTime,
		Price:          candle.Close,
		ConfirmedAt:    time.UnixMilli(candle.CloseTime).UTC(),
	}
	return sig, true
}

func (t *Tracker) dispatch(sig Confirmed) {
	t.mu.Lock()
	consumers := make([]Consumer, len(t.consumers))
	copy(consumers, t.consumers)
	t.mu.Unlock()
	logger.Infof("[signal] 确认 %s %s %s @%.6f (candle=%d)",
		sig.Symbol, sig.StrategyID, sig.Direction, sig.Price, sig.CandleOpenTime)
	for _, c := range consumers {
		c.OnConfirmedSignal(sig)
	}
}

// PendingFor 返回当前暂存的待确认信号。
func (t *Tracker) PendingFor(symbol, strategyID string) (Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[trackerKey(symbol, strategyID)]
	return p, ok
}
