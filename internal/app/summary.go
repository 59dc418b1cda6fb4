package app

import (
	"fmt"
	"strings"

	"strata/internal/backtest"
)

// formatRunSummary 生成回测结果的多行文本摘要。
func formatRunSummary(run *backtest.Run) string {
	if run == nil {
		return "回测结果为空"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "回测完成 run=%s 状态=%s\n", run.ID, run.Status)
	fmt.Fprintf(&b, "- 区间：%d → %d（%s）\n", run.Config.StartTS, run.Config.EndTS, run.Config.Timeframe)
	fmt.Fprintf(&b, "- 初始=%0.2f 期末=%0.2f 收益=%0.2f（%0.2f%%）\n",
		run.Stats.InitialBalance, run.Stats.FinalBalance, run.Stats.Profit, run.Stats.ReturnPct)
	fmt.Fprintf(&b, "- 成交=%d（胜=%d 负=%d 胜率=%0.1f%%）信号=%d 跳过=%d\n",
		run.Stats.Trades, run.Stats.Wins, run.Stats.Losses, run.Stats.WinRate*100, run.Stats.Signals, run.Stats.Skipped)
	fmt.Fprintf(&b, "- 最大回撤=%0.2f%%", run.Stats.MaxDrawdownPct)
	for _, pair := range run.Pairs {
		if pair.Error == "" {
			continue
		}
		fmt.Fprintf(&b, "\n- 失败对 %s/%s：%s", pair.Symbol, pair.StrategyID, pair.Error)
	}
	if run.Message != "" {
		fmt.Fprintf(&b, "\n- 备注：%s", run.Message)
	}
	return b.String()
}
