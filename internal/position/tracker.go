package position

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"strata/internal/logger"
	"strata/internal/signal"
	"strata/internal/strategy"
)

// ErrInsufficientBalance 可用余额不足以按配置比例开仓。
// 非致命：跳过本次开仓并记录，不中断引擎。
var ErrInsufficientBalance = errors.New("position: insufficient available balance")

// Status 持仓状态。
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Position 一笔模拟持仓。Size 为名义价值（保证金 × 杠杆），
// Margin 为占用的保证金。每个 (symbol, strategy) 至多一笔未平仓。
type Position struct {
	ID          string            `json:"id"`
	Symbol      string            `json:"symbol"`
	StrategyID  string            `json:"strategy_id"`
	Direction   strategy.Decision `json:"direction"`
	EntryPrice  decimal.Decimal   `json:"entry_price"`
	ExitPrice   decimal.Decimal   `json:"exit_price,omitempty"`
	Size        decimal.Decimal   `json:"size"`
	Margin      decimal.Decimal   `json:"margin"`
	Leverage    decimal.Decimal   `json:"leverage"`
	OpenedAt    time.Time         `json:"opened_at"`
	ClosedAt    time.Time         `json:"closed_at,omitempty"`
	Status      Status            `json:"status"`
	RealizedPnL decimal.Decimal   `json:"realized_pnl"`
	Fees        decimal.Decimal   `json:"fees"`
	OpenTime    int64             `json:"candle_open_time"`
}

// SkippedTrade 因余额不足被拒绝的开仓记录。
type SkippedTrade struct {
	Signal    signal.Confirmed `json:"signal"`
	Available decimal.Decimal  `json:"available"`
	Required  decimal.Decimal  `json:"required"`
	Reason    string           `json:"reason"`
}

// Config 仓位管理参数。费率与滑点按成交名义价值的比例计。
type Config struct {
	InitialBalance  decimal.Decimal
	BalanceFraction decimal.Decimal
	Leverage        decimal.Decimal
	FeeRate         decimal.Decimal
	SlippageRate    decimal.Decimal
}

func (c Config) withDefaults() Config {
	if c.InitialBalance.IsZero() {
		c.InitialBalance = decimal.NewFromInt(1000)
	}
	if c.BalanceFraction.IsZero() {
		c.BalanceFraction = decimal.NewFromFloat(0.8)
	}
	if c.Leverage.IsZero() {
		c.Leverage = decimal.NewFromInt(20)
	}
	return c
}

// Tracker 持仓账本。确认信号驱动开仓/平仓/反手，
// 可用余额是唯一的共享可变状态，全部修改都在锁内完成。
type Tracker struct {
	mu        sync.Mutex
	cfg       Config
	available decimal.Decimal
	open      map[string]*Position // symbol|strategy -> 未平仓
	closed    []Position
	skipped   []SkippedTrade
}

func NewTracker(cfg Config) *Tracker {
	cfg = cfg.withDefaults()
	return &Tracker{
		cfg:       cfg,
		available: cfg.InitialBalance,
		open:      make(map[string]*Position),
	}
}

func posKey(symbol, strategyID string) string {
	return symbol + "|" + strategyID
}

// OnConfirmedSignal 实现 signal.Consumer，实盘信号直接驱动模拟账本。
func (t *Tracker) OnConfirmedSignal(sig signal.Confirmed) {
	if _, err := t.Apply(sig); err != nil && !errors.Is(err, ErrInsufficientBalance) {
		logger.Errorf("[position] 处理信号失败 %s/%s: %v", sig.Symbol, sig.StrategyID, err)
	}
}

// Apply 处理一个确认信号：
// 无持仓则开仓；同向持仓不加仓；反向持仓先平后开（反手）。
// 返回本步平掉的仓位（若有）。余额不足返回 ErrInsufficientBalance。
func (t *Tracker) Apply(sig signal.Confirmed) (*Position, error) {
	if !sig.Direction.Directional() {
		return nil, fmt.Errorf("position: non-directional signal %s", sig.Direction)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	key := posKey(sig.Symbol, sig.StrategyID)
	price := decimal.NewFromFloat(sig.Price)

	cur, ok := t.open[key]
	if ok && cur.Direction == sig.Direction {
		// 不支持加仓，同向信号忽略。
		logger.Debugf("[position] %s/%s 已持有同向仓位，忽略", sig.Symbol, sig.StrategyID)
		return nil, nil
	}

	var flipped *Position
	if ok {
		flipped = t.closeLocked(cur, price, sig.ConfirmedAt)
	}
	if err := t.openLocked(sig, price); err != nil {
		return flipped, err
	}
	return flipped, nil
}

// openLocked 开新仓。size = fraction × 可用余额 × 杠杆（名义价值），
// 保证金 = fraction × 可用余额，从余额中扣除。
func (t *Tracker) openLocked(sig signal.Confirmed, price decimal.Decimal) error {
	margin := t.cfg.BalanceFraction.Mul(t.available)
	if !margin.IsPositive() || margin.GreaterThan(t.available) {
		t.skipped = append(t.skipped, SkippedTrade{
			Signal:    sig,
			Available: t.available,
			Required:  margin,
			Reason:    ErrInsufficientBalance.Error(),
		})
		logger.Warnf("[position] %s/%s 余额不足，跳过开仓 (可用=%s 需要=%s)",
			sig.Symbol, sig.StrategyID, t.available, margin)
		return ErrInsufficientBalance
	}

	entry := t.fillPrice(price, sig.Direction, true)
	size := margin.Mul(t.cfg.Leverage)
	fee := size.Mul(t.cfg.FeeRate)

	t.available = t.available.Sub(margin).Sub(fee)
	p := &Position{
		ID:         uuid.NewString(),
		Symbol:     sig.Symbol,
		StrategyID: sig.StrategyID,
		Direction:  sig.Direction,
		EntryPrice: entry,
		Size:       size,
		Margin:     margin,
		Leverage:   t.cfg.Leverage,
		OpenedAt:   sig.ConfirmedAt,
		Status:     StatusOpen,
		Fees:       fee,
		OpenTime:   sig.CandleOpenTime,
	}
	t.open[posKey(sig.Symbol, sig.StrategyID)] = p
	logger.Infof("[position] 开仓 %s %s/%s entry=%s size=%s margin=%s",
		sig.Direction, sig.Symbol, sig.StrategyID, entry, size, margin)
	return nil
}

// closeLocked 按给定价格平仓，保证金与已实现盈亏回到可用余额。
func (t *Tracker) closeLocked(p *Position, price decimal.Decimal, at time.Time) *Position {
	exit := t.fillPrice(price, p.Direction, false)
	pnl := pnlOf(p.Direction, p.EntryPrice, exit, p.Size)
	fee := p.Size.Mul(t.cfg.FeeRate)

	p.ExitPrice = exit
	p.ClosedAt = at
	p.Status = StatusClosed
	p.RealizedPnL = pnl.Sub(fee)
	p.Fees = p.Fees.Add(fee)

	t.available = t.available.Add(p.Margin).Add(p.RealizedPnL)
	delete(t.open, posKey(p.Symbol, p.StrategyID))
	closed := *p
	t.closed = append(t.closed, closed)
	logger.Infof("[position] 平仓 %s %s/%s exit=%s pnl=%s 余额=%s",
		p.Direction, p.Symbol, p.StrategyID, exit, p.RealizedPnL, t.available)
	return &closed
}

// CloseAll 以给定标记价平掉全部持仓，回测结束时结算用。
// 按 key 排序依次平仓，保证结算顺序确定。
func (t *Tracker) CloseAll(marks map[string]float64, at time.Time) []Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.open))
	for k := range t.open {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []Position
	for _, k := range keys {
		p := t.open[k]
		mark, ok := marks[p.Symbol]
		if !ok {
			mark, _ = p.EntryPrice.Float64()
		}
		out = append(out, *t.closeLocked(p, decimal.NewFromFloat(mark), at))
	}
	return out
}

// fillPrice 把滑点叠加到成交价上：开仓向不利方向、平仓也向不利方向偏移。
func (t *Tracker) fillPrice(price decimal.Decimal, dir strategy.Decision, opening bool) decimal.Decimal {
	if t.cfg.SlippageRate.IsZero() {
		return price
	}
	slip := price.Mul(t.cfg.SlippageRate)
	adverse := (dir == strategy.Long) == opening
	if adverse {
		return price.Add(slip)
	}
	return price.Sub(slip)
}

func pnlOf(dir strategy.Decision, entry, exit, size decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	move := exit.Sub(entry).Div(entry)
	if dir == strategy.Short {
		move = move.Neg()
	}
	return size.Mul(move)
}

// Available 当前可用余额。
func (t *Tracker) Available() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.available
}

// Equity 可用余额 + 占用保证金 + 按标记价的未实现盈亏。
func (t *Tracker) Equity(marks map[string]float64) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	eq := t.available
	for _, p := range t.open {
		eq = eq.Add(p.Margin)
		if mark, ok := marks[p.Symbol]; ok {
			eq = eq.Add(pnlOf(p.Direction, p.EntryPrice, decimal.NewFromFloat(mark), p.Size))
		}
	}
	return eq
}

// OpenPosition 返回指定 key 的未平仓仓位副本。
func (t *Tracker) OpenPosition(symbol, strategyID string) (Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.open[posKey(symbol, strategyID)]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// ClosedPositions 按平仓顺序返回全部已平仓记录。
func (t *Tracker) ClosedPositions() []Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Position, len(t.closed))
	copy(out, t.closed)
	return out
}

// SkippedTrades 返回被拒绝的开仓记录。
func (t *Tracker) SkippedTrades() []SkippedTrade {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SkippedTrade, len(t.skipped))
	copy(out, t.skipped)
	return out
}
