package market

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubStore struct {
	mu   sync.Mutex
	data map[string][]Candle
}

func newStubStore() *stubStore {
	return &stubStore{data: make(map[string][]Candle)}
}

func (s *stubStore) Put(_ context.Context, symbol, interval string, ks []Candle, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := symbol + "@" + interval
	for _, c := range ks {
		cur := s.data[k]
		if n := len(cur); n > 0 && cur[n-1].OpenTime == c.OpenTime {
			cur[n-1] = c
			continue
		}
		s.data[k] = append(s.data[k], c)
	}
	return nil
}

func (s *stubStore) Get(_ context.Context, symbol, interval string) ([]Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Candle(nil), s.data[symbol+"@"+interval]...), nil
}

type stubSource struct {
	events chan CandleEvent
}

func (s *stubSource) FetchHistory(context.Context, string, string, int) ([]Candle, error) {
	return nil, nil
}

func (s *stubSource) Subscribe(context.Context, []string, []string, SubscribeOptions) (<-chan CandleEvent, error) {
	return s.events, nil
}

func (s *stubSource) Stats() SourceStats { return SourceStats{} }
func (s *stubSource) Close() error       { return nil }

func newTestFeed(t *testing.T) (*Feed, chan CandleEvent, *stubStore, *[]CandleEvent, *sync.Mutex) {
	t.Helper()
	events := make(chan CandleEvent, 16)
	store := newStubStore()
	var mu sync.Mutex
	var got []CandleEvent
	feed := NewFeed(store, 100, &stubSource{events: events},
		WithFeedEventHandler(func(evt CandleEvent) {
			mu.Lock()
			got = append(got, evt)
			mu.Unlock()
		}),
	)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, feed.Start(ctx, []string{"BTCUSDT"}, []string{"1m"}))
	return feed, events, store, &got, &mu
}

func candleAt(openTime int64, closed bool) Candle {
	return Candle{
		OpenTime:  openTime,
		CloseTime: openTime + 59_999,
		Open:      100, High: 101, Low: 99, Close: 100.5,
		Closed: closed,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestFeedDispatchInOrder(t *testing.T) {
	_, events, store, got, mu := newTestFeed(t)

	events <- CandleEvent{Symbol: "BTCUSDT", Interval: "1m", Candle: candleAt(0, false)}
	events <- CandleEvent{Symbol: "BTCUSDT", Interval: "1m", Candle: candleAt(0, true)}
	events <- CandleEvent{Symbol: "BTCUSDT", Interval: "1m", Candle: candleAt(60_000, false)}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) == 3
	})

	stored, err := store.Get(context.Background(), "BTCUSDT", "1m")
	require.NoError(t, err)
	// 未收盘 K 线被原地覆盖，总共两根
	require.Len(t, stored, 2)
	require.True(t, stored[0].Closed)
}

func TestFeedIsolatesOutOfOrderStream(t *testing.T) {
	feed, events, _, got, mu := newTestFeed(t)

	events <- CandleEvent{Symbol: "BTCUSDT", Interval: "1m", Candle: candleAt(60_000, true)}
	// 回退的 open_time 触发流隔离
	events <- CandleEvent{Symbol: "BTCUSDT", Interval: "1m", Candle: candleAt(0, true)}
	events <- CandleEvent{Symbol: "BTCUSDT", Interval: "1m", Candle: candleAt(120_000, true)}

	waitFor(t, func() bool { return feed.Faulted("BTCUSDT", "1m") })

	mu.Lock()
	n := len(*got)
	mu.Unlock()
	require.Equal(t, 1, n)

	// 其它流不受影响
	events <- CandleEvent{Symbol: "ETHUSDT", Interval: "1m", Candle: candleAt(0, true)}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) == 2
	})
	require.False(t, feed.Faulted("ETHUSDT", "1m"))
}

func TestFeedRejectsClosedCandleUpdate(t *testing.T) {
	feed, events, _, _, _ := newTestFeed(t)

	events <- CandleEvent{Symbol: "BTCUSDT", Interval: "1m", Candle: candleAt(0, true)}
	// 已收盘的 open_time 不得再次出现
	events <- CandleEvent{Symbol: "BTCUSDT", Interval: "1m", Candle: candleAt(0, false)}

	waitFor(t, func() bool { return feed.Faulted("BTCUSDT", "1m") })
}

func TestFeedStartValidation(t *testing.T) {
	feed := NewFeed(newStubStore(), 100, &stubSource{events: make(chan CandleEvent)})
	require.Error(t, feed.Start(context.Background(), nil, []string{"1m"}))
	require.Error(t, feed.Start(context.Background(), []string{"BTCUSDT"}, nil))
}
