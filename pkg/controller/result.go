package controller

import (
	"fmt"
	"strings"

	"github.com/kota-kawa/web-agent02-sub000/pkg/agent"
)

// RunResult is returned by a completed run.
type RunResult struct {
	// History is the agent's full step history after the run.
	History *agent.History

	// StepMessageIDs maps step numbers from this run to the message
	// ids the step plans were recorded under.
	StepMessageIDs map[int]int64

	// FilteredHistory contains only the steps produced by this run,
	// with bookkeeping-only entries removed.
	FilteredHistory *agent.History
}

// filterSteps trims a run's new step records to the entries worth
// presenting. When filtering would discard everything the originals
// are kept so a short run still reports something.
func filterSteps(steps []agent.StepRecord) []agent.StepRecord {
	filtered := make([]agent.StepRecord, 0, len(steps))
	for _, rec := range steps {
		if rec.Step < 1 {
			continue
		}
		if rec.ModelOutput == "" && len(rec.Results) == 0 {
			continue
		}
		filtered = append(filtered, rec)
	}
	if len(filtered) == 0 && len(steps) > 0 {
		return steps
	}
	return filtered
}

// formatStepPlan renders one step record as the history message body.
func formatStepPlan(rec agent.StepRecord) string {
	lines := []string{fmt.Sprintf("ステップ%d", rec.Step)}
	if eval := strings.TrimSpace(rec.Evaluation); eval != "" {
		lines = append(lines, "評価: "+eval)
	}
	if out := strings.TrimSpace(rec.ModelOutput); out != "" {
		lines = append(lines, "次の目標: "+out)
	}
	for _, res := range rec.Results {
		if content := strings.TrimSpace(res.Content); content != "" {
			lines = append(lines, "結果: "+content)
		}
	}
	return strings.Join(lines, "\n")
}

// SummarizeHistory renders a short human-readable completion notice.
func SummarizeHistory(h *agent.History) string {
	if h == nil {
		return ""
	}
	total := len(h.Steps)
	var prefix, status string
	switch {
	case h.IsSuccessful():
		prefix, status = "✅", "成功"
	case h.IsDone():
		prefix, status = "⚠️", "失敗"
	default:
		prefix, status = "ℹ️", "未確定"
	}
	lines := []string{fmt.Sprintf("%s %dステップでエージェントが実行されました（結果: %s）。", prefix, total, status)}
	if final := strings.TrimSpace(h.FinalResult()); final != "" {
		lines = append(lines, "最終報告: "+final)
	} else if h.IsSuccessful() {
		lines = append(lines, "最終報告: (詳細な結果テキストはありません)")
	}
	return strings.Join(lines, "\n")
}
