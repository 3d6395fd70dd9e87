package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kingrea/lattice-ci/internal/workflow/engine"
)

func instanceName(inst engine.InstanceStatus) string {
	if name := strings.TrimSpace(inst.Name); name != "" {
		return name
	}
	return inst.ID
}

func renderInstanceDetails(inst engine.InstanceStatus) string {
	var lines []string
	head := fmt.Sprintf("%s (%s)", instanceName(inst), inst.JobID)
	if len(inst.Matrix) > 0 {
		keys := make([]string, 0, len(inst.Matrix))
		for k := range inst.Matrix {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+inst.Matrix[k])
		}
		head += " matrix: " + strings.Join(pairs, ", ")
	}
	lines = append(lines, head)
	if inst.BestEffort {
		lines = append(lines, detailTextStyle.Render("  best effort: failures do not fail the run"))
	}
	if inst.Reason != "" || inst.Detail != "" {
		lines = append(lines, detailTextStyle.Render(fmt.Sprintf("  %s %s", friendlyLabel(string(inst.Reason)), inst.Detail)))
	}
	if inst.Error != "" {
		lines = append(lines, labelStyleFailed.Render("  error: "+inst.Error))
	}
	if len(inst.Steps) == 0 {
		lines = append(lines, detailTextStyle.Render("  no steps recorded yet"))
	}
	for _, step := range inst.Steps {
		line := fmt.Sprintf("  %d. %s [%s]", step.Index+1, step.Name, styleForOutcome(step.Outcome).Render(string(step.Outcome)))
		if step.Outcome != step.Conclusion && step.Conclusion != "" {
			line += detailTextStyle.Render(fmt.Sprintf(" → %s", step.Conclusion))
		}
		if d := stepDuration(step.StartedAt, step.FinishedAt); d != "" {
			line += detailTextStyle.Render(" " + d)
		}
		if step.Error != "" {
			line += labelStyleFailed.Render(" " + step.Error)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// RenderSummary formats a finished run for plain terminal output.
func RenderSummary(state engine.State) string {
	var b strings.Builder
	status := styleForStatus(state.Status).Render(strings.ToUpper(string(state.Status)))
	fmt.Fprintf(&b, "%s %s (%s) %s\n", headerStyle.Render("pipeline"), state.Pipeline, state.RunID, status)
	if state.StatusReason != "" {
		fmt.Fprintf(&b, "  %s\n", detailTextStyle.Render(state.StatusReason))
	}
	width := 0
	for _, inst := range state.Instances {
		width = max(width, len(instanceName(inst)))
	}
	for _, inst := range state.Instances {
		label := styleForState(inst.State).Render(string(inst.State))
		fmt.Fprintf(&b, "  %s %-*s %s", stateGlyph(inst.State), width, instanceName(inst), label)
		if d := stepDuration(inst.StartedAt, inst.FinishedAt); d != "" {
			fmt.Fprintf(&b, " %s", detailTextStyle.Render(d))
		}
		switch {
		case inst.Error != "":
			fmt.Fprintf(&b, " %s", labelStyleFailed.Render(inst.Error))
		case inst.Detail != "":
			fmt.Fprintf(&b, " %s", detailTextStyle.Render(inst.Detail))
		}
		b.WriteString("\n")
	}
	for _, warning := range state.Warnings {
		fmt.Fprintf(&b, "  %s %s\n", labelStyleRunnable.Render("warning:"), warning)
	}
	return b.String()
}

func stepDuration(start, end time.Time) string {
	if start.IsZero() || end.IsZero() {
		return ""
	}
	return humanizeDuration(end.Sub(start))
}

func humanizeDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}
