package backtest

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"strata/internal/logger"
	"strata/internal/market"
)

// Gap 一段缺失的 K 线区间（open_time 闭区间）。
type Gap struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Syncer 回放前补齐本地历史数据：对照周期网格找缺口，
// 按批从远端拉取写入 Store。拉取受速率限制。
type Syncer struct {
	store    *Store
	source   CandleSource
	limiter  *rate.Limiter
	maxBatch int
}

type SyncerConfig struct {
	Store           *Store
	Source          CandleSource
	RateLimitPerMin int
	MaxBatch        int
}

func NewSyncer(cfg SyncerConfig) (*Syncer, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store 不能为空")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("source 不能为空")
	}
	perSec := rate.Limit(float64(cfg.RateLimitPerMin) / 60.0)
	if cfg.RateLimitPerMin <= 0 {
		perSec = 8
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 || maxBatch > 1500 {
		maxBatch = 1000
	}
	return &Syncer{
		store:    cfg.Store,
		source:   cfg.Source,
		limiter:  rate.NewLimiter(perSec, 1),
		maxBatch: maxBatch,
	}, nil
}

// EnsureRange 保证 [start,end] 区间数据完整，返回补拉的 K 线数。
func (s *Syncer) EnsureRange(ctx context.Context, symbol string, tf market.Timeframe, start, end int64) (int, error) {
	start, end = tf.AlignRange(start, end)
	if start == end {
		return 0, fmt.Errorf("start 与 end 需要构成区间")
	}
	gaps, err := s.missingGaps(ctx, symbol, tf, start, end)
	if err != nil {
		return 0, err
	}
	if len(gaps) == 0 {
		return 0, nil
	}
	logger.Infof("[sync] %s %s [%d,%d] 缺口=%d", symbol, tf.Key, start, end, len(gaps))

	total := 0
	step := tf.DurationMillis()
	for _, gap := range gaps {
		cursor := gap.Start
		for cursor <= gap.End {
			if err := s.limiter.Wait(ctx); err != nil {
				return total, err
			}
			batchEnd := cursor + int64(s.maxBatch-1)*step
			if batchEnd > gap.End {
				batchEnd = gap.End
			}
			candles, err := s.source.Fetch(ctx, FetchRequest{
				Symbol:   symbol,
				Interval: tf.SourceInterval,
				Start:    cursor,
				End:      batchEnd + step - 1,
				Limit:    s.maxBatch,
			})
			if err != nil {
				return total, fmt.Errorf("拉取 %s %s [%d,%d] 失败: %w", symbol, tf.Key, cursor, batchEnd, err)
			}
			if len(candles) == 0 {
				// 远端也没有这段数据（上市前），跳过避免死循环。
				logger.Warnf("[sync] %s %s [%d,%d] 远端无数据", symbol, tf.Key, cursor, batchEnd)
				cursor = batchEnd + step
				continue
			}
			n, err := s.store.InsertCandles(ctx, symbol, tf.Key, candles)
			if err != nil {
				return total, err
			}
			total += n
			last := candles[len(candles)-1].OpenTime
			if last < cursor {
				return total, fmt.Errorf("数据源返回区间倒退: %d < %d", last, cursor)
			}
			cursor = last + step
		}
	}
	return total, nil
}

// missingGaps 对照周期网格列出缺失区间，相邻缺口合并。
func (s *Syncer) missingGaps(ctx context.Context, symbol string, tf market.Timeframe, start, end int64) ([]Gap, error) {
	present, err := s.store.LoadOpenTimes(ctx, symbol, tf.Key, start, end)
	if err != nil {
		return nil, err
	}
	have := make(map[int64]struct{}, len(present))
	for _, ts := range present {
		have[ts] = struct{}{}
	}
	step := tf.DurationMillis()
	var gaps []Gap
	var cur *Gap
	for ts := start; ts <= end; ts += step {
		if _, ok := have[ts]; ok {
			cur = nil
			continue
		}
		if cur != nil && cur.End+step == ts {
			cur.End = ts
			continue
		}
		gaps = append(gaps, Gap{Start: ts, End: ts})
		cur = &gaps[len(gaps)-1]
	}
	return gaps, nil
}
