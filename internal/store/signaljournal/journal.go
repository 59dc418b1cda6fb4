package signaljournal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"strata/internal/logger"
	"strata/internal/signal"
	"strata/internal/strategy"
)

// signalModel 确认信号的持久化形态。signal_id 唯一，重复投递幂等。
type signalModel struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	SignalID       string `gorm:"uniqueIndex;size:64"`
	Symbol         string `gorm:"index;size:32"`
	StrategyID     string `gorm:"index;size:64"`
	Direction      string `gorm:"size:8"`
	CandleOpenTime int64  `gorm:"index"`
	Price          float64
	ConfirmedAt    time.Time
	CreatedAt      time.Time
}

func (signalModel) TableName() string { return "confirmed_signals" }

// Journal 确认信号流水账，实现 signal.Consumer。
// 实盘引擎每确认一个信号即落一条，重启后可追溯完整信号历史。
type Journal struct {
	db *gorm.DB
}

func New(path string) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("signal journal: 路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&signalModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// OnConfirmedSignal 实现 signal.Consumer。写入失败只记日志，
// 不能阻断其它消费者。
func (j *Journal) OnConfirmedSignal(sig signal.Confirmed) {
	if err := j.Append(context.Background(), sig); err != nil {
		logger.Errorf("[journal] 信号落库失败 %s/%s: %v", sig.Symbol, sig.StrategyID, err)
	}
}

// Append 写入一条确认信号，signal_id 冲突时忽略（幂等）。
func (j *Journal) Append(ctx context.Context, sig signal.Confirmed) error {
	m := signalModel{
		SignalID:       sig.ID,
		Symbol:         sig.Symbol,
		StrategyID:     sig.StrategyID,
		Direction:      sig.Direction.String(),
		CandleOpenTime: sig.CandleOpenTime,
		Price:          sig.Price,
		ConfirmedAt:    sig.ConfirmedAt,
	}
	return j.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "signal_id"}}, DoNothing: true}).
		Create(&m).Error
}

// Recent 按确认时间倒序返回最近 limit 条信号。
func (j *Journal) Recent(ctx context.Context, limit int) ([]signal.Confirmed, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []signalModel
	if err := j.db.WithContext(ctx).
		Order("confirmed_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return toConfirmed(rows), nil
}

// BySymbol 返回某 symbol 在时间区间内的信号（升序）。
func (j *Journal) BySymbol(ctx context.Context, symbol string, since, until time.Time) ([]signal.Confirmed, error) {
	var rows []signalModel
	q := j.db.WithContext(ctx).Where("symbol = ?", strings.ToUpper(symbol))
	if !since.IsZero() {
		q = q.Where("confirmed_at >= ?", since)
	}
	if !until.IsZero() {
		q = q.Where("confirmed_at <= ?", until)
	}
	if err := q.Order("confirmed_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return toConfirmed(rows), nil
}

func toConfirmed(rows []signalModel) []signal.Confirmed {
	out := make([]signal.Confirmed, 0, len(rows))
	for _, r := range rows {
		out = append(out, signal.Confirmed{
			ID:             r.SignalID,
			Symbol:         r.Symbol,
			StrategyID:     r.StrategyID,
			Direction:      strategy.ParseDecision(r.Direction),
			CandleOpenTime: r.CandleOpenTime,
			Price:          r.Price,
			ConfirmedAt:    r.ConfirmedAt,
		})
	}
	return out
}
