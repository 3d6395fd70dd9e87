package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/kingrea/lattice-ci/internal/runner"
	"github.com/kingrea/lattice-ci/internal/workflow/engine"
	"github.com/kingrea/lattice-ci/internal/workflow/scheduler"
)

var (
	labelStyleSucceeded = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStyleRunnable  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	labelStyleSkipped   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	labelStyleDefault   = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	detailTextStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	headerStyle         = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	footerStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	boxStyle            = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("#444444")).
				Padding(0, 1)
)

func styleForState(state scheduler.State) lipgloss.Style {
	switch state {
	case scheduler.StateSucceeded:
		return labelStyleSucceeded
	case scheduler.StateFailed:
		return labelStyleFailed
	case scheduler.StateRunning:
		return labelStyleRunning
	case scheduler.StateRunnable:
		return labelStyleRunnable
	case scheduler.StateSkipped, scheduler.StateCancelled:
		return labelStyleSkipped
	default:
		return labelStyleDefault
	}
}

func styleForStatus(status engine.RunStatus) lipgloss.Style {
	switch status {
	case engine.RunStatusSucceeded:
		return labelStyleSucceeded
	case engine.RunStatusFailed:
		return labelStyleFailed
	case engine.RunStatusRunning:
		return labelStyleRunning
	default:
		return labelStyleSkipped
	}
}

func styleForOutcome(outcome runner.Outcome) lipgloss.Style {
	switch outcome {
	case runner.OutcomeSuccess:
		return labelStyleSucceeded
	case runner.OutcomeFailure:
		return labelStyleFailed
	default:
		return labelStyleSkipped
	}
}

func stateGlyph(state scheduler.State) string {
	switch state {
	case scheduler.StateSucceeded:
		return "✓"
	case scheduler.StateFailed:
		return "✗"
	case scheduler.StateRunning:
		return "●"
	case scheduler.StateSkipped:
		return "↷"
	case scheduler.StateCancelled:
		return "⊘"
	default:
		return "·"
	}
}

var labelSeparators = strings.NewReplacer("_", " ", "-", " ")

func friendlyLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	words := strings.Fields(labelSeparators.Replace(value))
	// a Caser keeps state, so build one per call
	return cases.Title(language.English).String(strings.Join(words, " "))
}
