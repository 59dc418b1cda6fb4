package backtest

import (
	"encoding/json"
	"time"

	"strata/internal/position"
	"strata/internal/signal"
	"strata/internal/strategy"
)

const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusPartial = "partial" // 部分 symbol 回放失败，其余正常完成
	RunStatusFailed  = "failed"
)

// RunConfig 记录本次回测的参数快照，便于重放。
// 完全相同的配置 + 完全相同的 K 线输入必须产出完全相同的结果。
type RunConfig struct {
	Symbols         []string        `json:"symbols"`
	Strategies      []strategy.Spec `json:"strategies"`
	Timeframe       string          `json:"timeframe"`
	StartTS         int64           `json:"start_ts"`
	EndTS           int64           `json:"end_ts"`
	InitialBalance  float64         `json:"initial_balance"`
	BalanceFraction float64         `json:"balance_fraction"`
	Leverage        float64         `json:"leverage"`
	FeeRate         float64         `json:"fee_rate"`
	SlippageRate    float64         `json:"slippage_rate"`
	// SharedBalance 为 true 时所有 (symbol, strategy) 对共用一个资金池，
	// 回放按 open_time 串行交织；否则每对独立资金池，可并行回放。
	SharedBalance bool `json:"shared_balance"`
	// WarmupCandles 在 StartTS 之前额外加载的 K 线数，用于指标预热。
	WarmupCandles int    `json:"warmup_candles"`
	Notes         string `json:"notes,omitempty"`
}

// RunStats 汇总收益与风控指标。
type RunStats struct {
	InitialBalance float64   `json:"initial_balance"`
	FinalBalance   float64   `json:"final_balance"`
	Profit         float64   `json:"profit"`
	ReturnPct      float64   `json:"return_pct"`
	WinRate        float64   `json:"win_rate"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	Trades         int       `json:"trades"`
	Wins           int       `json:"wins"`
	Losses         int       `json:"losses"`
	Signals        int       `json:"signals"`
	Skipped        int       `json:"skipped"`
	EquityPeak     float64   `json:"equity_peak"`
	EquityValley   float64   `json:"equity_valley"`
	FinishedAt     time.Time `json:"finished_at"`
}

// PairResult 单个 (symbol, strategy) 对的回放结果。
// 某一对的数据流故障不影响其它对（部分失败语义）。
type PairResult struct {
	Symbol     string              `json:"symbol"`
	StrategyID string              `json:"strategy_id"`
	Status     string              `json:"status"`
	Error      string              `json:"error,omitempty"`
	Signals    []signal.Confirmed  `json:"signals,omitempty"`
	Trades     []position.Position `json:"trades,omitempty"`
	Candles    int                 `json:"candles"`

	skipped int
}

// Snapshot 资金曲线上的一个点。
type Snapshot struct {
	ID       int64   `json:"id"`
	RunID    string  `json:"run_id"`
	TS       int64   `json:"ts"`
	Equity   float64 `json:"equity"`
	Balance  float64 `json:"balance"`
	Drawdown float64 `json:"drawdown"`
}

// Run 一次完整的回测任务：配置、逐对结果、合并后的成交账本与汇总指标。
// 任务结束后不再修改。
type Run struct {
	ID          string              `json:"id"`
	Status      string              `json:"status"`
	Config      RunConfig           `json:"config"`
	Pairs       []PairResult        `json:"pairs"`
	Trades      []position.Position `json:"trades"`
	Snapshots   []Snapshot          `json:"snapshots"`
	Stats       RunStats            `json:"stats"`
	Message     string              `json:"message,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	CompletedAt time.Time           `json:"completed_at"`
}

// MarshalConfig 返回 config JSON。
func (r Run) MarshalConfig() ([]byte, error) {
	return json.Marshal(r.Config)
}

// MarshalStats 返回 stats JSON。
func (r Run) MarshalStats() ([]byte, error) {
	return json.Marshal(r.Stats)
}
