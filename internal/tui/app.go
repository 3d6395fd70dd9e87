// Package tui renders a live view of one pipeline run from the engine's event
// stream, plus a static summary for non-interactive output.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/lattice-ci/internal/workflow/engine"
	"github.com/kingrea/lattice-ci/internal/workflow/scheduler"
)

const logbookRefreshInterval = time.Second

type keyMap struct {
	Up     key.Binding
	Down   key.Binding
	Cancel key.Binding
	Quit   key.Binding
}

var keys = keyMap{
	Up:     key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:   key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Cancel: key.NewBinding(key.WithKeys("ctrl+c", "x"), key.WithHelp("x", "cancel run")),
	Quit:   key.NewBinding(key.WithKeys("q", "esc"), key.WithHelp("q", "quit")),
}

// Option customizes a Watch model.
type Option func(*Watch)

// WithCancel is invoked the first time the user asks to cancel the run.
func WithCancel(cancel func()) Option {
	return func(w *Watch) {
		w.cancel = cancel
	}
}

// WithLogbook supplies the tail of the run logbook for the log panel.
func WithLogbook(tail func(n int) []string) Option {
	return func(w *Watch) {
		w.logTail = tail
	}
}

// WithStayOpen keeps the view up after the run finishes until the user
// quits.
func WithStayOpen() Option {
	return func(w *Watch) {
		w.stayOpen = true
	}
}

// Watch is the bubbletea model for a running pipeline.
type Watch struct {
	pipeline string
	events   <-chan engine.Event
	cancel   func()
	logTail  func(n int) []string
	stayOpen bool

	state      engine.State
	started    bool
	finished   bool
	cancelling bool
	selection  int
	statusMsg  string
	logLines   []string

	spinner  spinner.Model
	details  viewport.Model
	width    int
	height   int
	quitting bool
}

type eventMsg engine.Event

type streamClosedMsg struct{}

type logbookTickMsg struct{}

// NewWatch builds a model that consumes events until the run finishes.
func NewWatch(pipeline string, events <-chan engine.Event, opts ...Option) *Watch {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = labelStyleRunning
	w := &Watch{
		pipeline:  pipeline,
		events:    events,
		spinner:   sp,
		details:   viewport.New(80, 8),
		statusMsg: "Waiting for the run to start…",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// State returns the latest snapshot seen.
func (w *Watch) State() engine.State {
	return w.state.Clone()
}

// Finished reports whether the run-finished event arrived.
func (w *Watch) Finished() bool {
	return w.finished
}

func (w *Watch) Init() tea.Cmd {
	cmds := []tea.Cmd{w.spinner.Tick, waitForEvent(w.events)}
	if w.logTail != nil {
		cmds = append(cmds, scheduleLogbook())
	}
	return tea.Batch(cmds...)
}

func waitForEvent(events <-chan engine.Event) tea.Cmd {
	return func() tea.Msg {
		evt, open := <-events
		if !open {
			return streamClosedMsg{}
		}
		return eventMsg(evt)
	}
}

func scheduleLogbook() tea.Cmd {
	return tea.Tick(logbookRefreshInterval, func(time.Time) tea.Msg {
		return logbookTickMsg{}
	})
}

func (w *Watch) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m := msg.(type) {
	case tea.WindowSizeMsg:
		w.width = m.Width
		w.height = m.Height
		w.details.Width = max(20, m.Width-6)
		w.details.Height = max(4, m.Height/3)
		w.refreshDetails()
		return w, nil
	case eventMsg:
		return w, w.applyEvent(engine.Event(m))
	case streamClosedMsg:
		if !w.finished {
			w.statusMsg = "Event stream closed"
		}
		if w.stayOpen {
			return w, nil
		}
		w.quitting = true
		return w, tea.Quit
	case logbookTickMsg:
		if w.logTail != nil {
			w.logLines = w.logTail(6)
		}
		if w.finished {
			return w, nil
		}
		return w, scheduleLogbook()
	case spinner.TickMsg:
		var cmd tea.Cmd
		w.spinner, cmd = w.spinner.Update(m)
		return w, cmd
	case tea.KeyMsg:
		return w, w.handleKey(m)
	}
	var cmd tea.Cmd
	w.details, cmd = w.details.Update(msg)
	return w, cmd
}

func (w *Watch) applyEvent(evt engine.Event) tea.Cmd {
	w.state = evt.Snapshot
	w.started = true
	switch evt.Kind {
	case engine.EventRunStarted:
		w.statusMsg = fmt.Sprintf("Run %s started", evt.RunID)
	case engine.EventInstance:
		w.statusMsg = fmt.Sprintf("%s: %s → %s", evt.Instance, evt.From, evt.To)
		if evt.Detail != "" {
			w.statusMsg += " · " + evt.Detail
		}
	case engine.EventRunFinished:
		w.finished = true
		w.statusMsg = fmt.Sprintf("Run %s %s", evt.RunID, evt.Snapshot.Status)
	}
	if w.selection >= len(w.state.Instances) {
		w.selection = max(0, len(w.state.Instances)-1)
	}
	w.refreshDetails()
	if w.finished {
		if w.logTail != nil {
			w.logLines = w.logTail(6)
		}
		if !w.stayOpen {
			w.quitting = true
			return tea.Quit
		}
		return nil
	}
	return waitForEvent(w.events)
}

func (w *Watch) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch {
	case key.Matches(msg, keys.Up):
		if w.selection > 0 {
			w.selection--
			w.refreshDetails()
		}
	case key.Matches(msg, keys.Down):
		if w.selection < len(w.state.Instances)-1 {
			w.selection++
			w.refreshDetails()
		}
	case key.Matches(msg, keys.Cancel):
		if w.finished {
			w.quitting = true
			return tea.Quit
		}
		if w.cancelling || w.cancel == nil {
			// second request: stop watching, the run winds down on its own
			w.quitting = true
			return tea.Quit
		}
		w.cancelling = true
		w.statusMsg = "Cancelling run…"
		w.cancel()
	case key.Matches(msg, keys.Quit):
		if w.finished || w.cancel == nil {
			w.quitting = true
			return tea.Quit
		}
		w.statusMsg = "Run still active: press x to cancel it"
	}
	return nil
}

func (w *Watch) refreshDetails() {
	if len(w.state.Instances) == 0 {
		w.details.SetContent("")
		return
	}
	w.details.SetContent(renderInstanceDetails(w.state.Instances[w.selection]))
}

func (w *Watch) View() string {
	if w.quitting {
		return ""
	}
	sections := []string{w.renderHeader()}
	if !w.started {
		sections = append(sections, w.spinner.View()+" "+w.statusMsg)
		return strings.Join(sections, "\n")
	}
	box := boxStyle.Width(w.boxWidth())
	sections = append(sections, box.Render(w.renderInstances()))
	sections = append(sections, box.Render(w.details.View()))
	if len(w.logLines) > 0 {
		head := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF")).Render("LOGBOOK")
		sections = append(sections, boxStyle.Render(head+"\n"+detailTextStyle.Render(strings.Join(w.logLines, "\n"))))
	}
	sections = append(sections, footerStyle.Render(w.statusMsg))
	sections = append(sections, footerStyle.Render(w.helpLine()))
	return strings.Join(sections, "\n")
}

func (w *Watch) boxWidth() int {
	if w.width <= 0 {
		return 100
	}
	return max(20, w.width-2)
}

func (w *Watch) renderHeader() string {
	title := headerStyle.Render("⬡ LATTICE CI") + " " + w.pipeline
	if !w.started {
		return title
	}
	status := styleForStatus(w.state.Status).Render(friendlyLabel(string(w.state.Status)))
	line := fmt.Sprintf("%s · %s · %s", title, w.state.RunID, status)
	if w.state.StatusReason != "" {
		line += detailTextStyle.Render(" · " + w.state.StatusReason)
	}
	return line
}

func (w *Watch) renderInstances() string {
	lines := make([]string, 0, len(w.state.Instances))
	for i, inst := range w.state.Instances {
		indicator := " "
		if i == w.selection {
			indicator = ">"
		}
		glyph := stateGlyph(inst.State)
		if inst.State == scheduler.StateRunning {
			glyph = w.spinner.View()
		}
		label := styleForState(inst.State).Render(friendlyLabel(string(inst.State)))
		line := fmt.Sprintf("%s %s %s · [%s]", indicator, glyph, instanceName(inst), label)
		if inst.RunsOn != "" {
			line += detailTextStyle.Render(" on " + inst.RunsOn)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (w *Watch) helpLine() string {
	bindings := []key.Binding{keys.Up, keys.Down, keys.Cancel, keys.Quit}
	parts := make([]string, 0, len(bindings))
	for _, b := range bindings {
		help := b.Help()
		parts = append(parts, help.Key+"="+help.Desc)
	}
	return strings.Join(parts, "  ")
}
