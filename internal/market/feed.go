package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"strata/internal/logger"
)

// ErrOutOfOrder 表示数据源违反了 open_time 递增契约。
// 该错误只使对应 symbol@interval 流失效，不影响其它流。
var ErrOutOfOrder = errors.New("candle out of order")

// Feed 消费 Source 的订阅事件：写入 KlineStore 并按序分发给 OnEvent。
// 每个 symbol@interval 流独立校验顺序，违反契约的流被隔离关闭。
type Feed struct {
	Store  KlineStore
	Max    int
	Source Source

	OnConnected    func()
	OnDisconnected func(error)
	OnEvent        func(CandleEvent)
	OnStreamFault  func(symbol, interval string, err error)

	mu      sync.Mutex
	cursors map[string]streamCursor
	faulted map[string]bool

	startOnce sync.Once
}

type streamCursor struct {
	openTime int64
	closed   bool
}

type FeedOption func(*Feed)

func WithFeedCallbacks(onConnect func(), onDisconnect func(error)) FeedOption {
	return func(f *Feed) {
		f.OnConnected = onConnect
		f.OnDisconnected = onDisconnect
	}
}

func WithFeedEventHandler(handler func(CandleEvent)) FeedOption {
	return func(f *Feed) {
		f.OnEvent = handler
	}
}

func WithFeedFaultHandler(handler func(symbol, interval string, err error)) FeedOption {
	return func(f *Feed) {
		f.OnStreamFault = handler
	}
}

func NewFeed(s KlineStore, max int, src Source, opts ...FeedOption) *Feed {
	f := &Feed{
		Store:   s,
		Max:     max,
		Source:  src,
		cursors: make(map[string]streamCursor),
		faulted: make(map[string]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

func (f *Feed) Start(ctx context.Context, symbols []string, intervals []string) error {
	if f.Source == nil {
		return fmt.Errorf("feed missing source")
	}
	if len(symbols) == 0 || len(intervals) == 0 {
		return fmt.Errorf("feed requires symbols & intervals")
	}
	opts := SubscribeOptions{
		OnConnect:    f.OnConnected,
		OnDisconnect: f.OnDisconnected,
	}
	events, err := f.Source.Subscribe(ctx, symbols, intervals, opts)
	if err != nil {
		return err
	}
	f.startOnce.Do(func() {
		go f.consume(ctx, events)
	})
	logger.Infof("[feed] 订阅已启动 symbols=%v intervals=%v", symbols, intervals)
	return nil
}

func (f *Feed) consume(ctx context.Context, events <-chan CandleEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			f.dispatch(ctx, evt)
		}
	}
}

func (f *Feed) dispatch(ctx context.Context, evt CandleEvent) {
	symbol := strings.ToUpper(evt.Symbol)
	key := symbol + "@" + strings.ToLower(evt.Interval)

	if err := f.advance(key, evt.Candle); err != nil {
		f.fault(key, symbol, evt.Interval, err)
		return
	}
	if err := f.Store.Put(ctx, symbol, evt.Interval, []Candle{evt.Candle}, f.Max); err != nil {
		logger.Warnf("[feed] 写入 %s %s 失败: %v", symbol, evt.Interval, err)
	}
	if f.OnEvent != nil {
		f.OnEvent(evt)
	}
}

// advance 校验流内顺序：open_time 只增不减；同一根未收盘 K 线允许
// 原地覆盖；已收盘的 open_time 不得再次出现。
func (f *Feed) advance(key string, c Candle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.faulted[key] {
		return ErrOutOfOrder
	}
	cur, seen := f.cursors[key]
	if seen {
		switch {
		case c.OpenTime < cur.openTime:
			return fmt.Errorf("%w: open_time %d < %d", ErrOutOfOrder, c.OpenTime, cur.openTime)
		case c.OpenTime == cur.openTime && cur.closed:
			return fmt.Errorf("%w: open_time %d 已收盘仍被更新", ErrOutOfOrder, c.OpenTime)
		}
	}
	f.cursors[key] = streamCursor{openTime: c.OpenTime, closed: c.Closed}
	return nil
}

func (f *Feed) fault(key, symbol, interval string, err error) {
	f.mu.Lock()
	already := f.faulted[key]
	f.faulted[key] = true
	f.mu.Unlock()
	if already {
		return
	}
	logger.Errorf("[feed] %s %s 流契约违规，隔离该流: %v", symbol, interval, err)
	if f.OnStreamFault != nil {
		f.OnStreamFault(symbol, interval, err)
	}
}

// Faulted 返回某条流是否已被隔离。
func (f *Feed) Faulted(symbol, interval string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.faulted[strings.ToUpper(symbol)+"@"+strings.ToLower(interval)]
}

func (f *Feed) Stats() SourceStats {
	if f.Source == nil {
		return SourceStats{}
	}
	return f.Source.Stats()
}

func (f *Feed) Close() {
	if f.Source != nil {
		if err := f.Source.Close(); err != nil {
			logger.Warnf("[feed] source close error: %v", err)
		}
	}
}
