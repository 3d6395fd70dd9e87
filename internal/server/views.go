package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/lattice-ci/internal/workflow"
	"github.com/kingrea/lattice-ci/internal/workflow/engine"
	"github.com/kingrea/lattice-ci/internal/workflow/scheduler"
)

type runSummary struct {
	RunID      string                  `json:"run_id"`
	Pipeline   string                  `json:"pipeline"`
	Event      string                  `json:"event"`
	Status     engine.RunStatus        `json:"status"`
	Counts     map[scheduler.State]int `json:"counts"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at,omitempty"`
}

func summarize(st engine.State) runSummary {
	return runSummary{
		RunID:      st.RunID,
		Pipeline:   st.Pipeline,
		Event:      st.Event.Name,
		Status:     st.Status,
		Counts:     st.Counts(),
		StartedAt:  st.StartedAt,
		FinishedAt: st.FinishedAt,
	}
}

// eventView is the wire form of one streamed engine event.
type eventView struct {
	Kind     string           `json:"kind"`
	RunID    string           `json:"run_id"`
	Instance string           `json:"instance,omitempty"`
	From     scheduler.State  `json:"from,omitempty"`
	To       scheduler.State  `json:"to,omitempty"`
	Reason   scheduler.Reason `json:"reason,omitempty"`
	Detail   string           `json:"detail,omitempty"`
	Status   engine.RunStatus `json:"status"`
	At       time.Time        `json:"at"`
}

func viewOf(evt engine.Event) eventView {
	return eventView{
		Kind:     string(evt.Kind),
		RunID:    evt.RunID,
		Instance: evt.Instance,
		From:     evt.From,
		To:       evt.To,
		Reason:   evt.Reason,
		Detail:   evt.Detail,
		Status:   evt.Snapshot.Status,
		At:       evt.At,
	}
}

// finalView stands in for the event stream of a run that already finished.
func finalView(st engine.State) eventView {
	return eventView{
		Kind:   string(engine.EventRunFinished),
		RunID:  st.RunID,
		Detail: st.StatusReason,
		Status: st.Status,
		At:     st.FinishedAt,
	}
}

// submissionFromQuery builds the triggering event from query parameters:
// event, ref, base_ref, head_ref, sha, repository, actor, changed (repeatable
// or comma separated), max_parallel and var=key=value.
func submissionFromQuery(def workflow.Definition, r *http.Request) (Submission, error) {
	q := r.URL.Query()
	evt := workflow.Event{
		Name:       strings.TrimSpace(q.Get("event")),
		Ref:        strings.TrimSpace(q.Get("ref")),
		BaseRef:    strings.TrimSpace(q.Get("base_ref")),
		HeadRef:    strings.TrimSpace(q.Get("head_ref")),
		SHA:        strings.TrimSpace(q.Get("sha")),
		Repository: strings.TrimSpace(q.Get("repository")),
		Actor:      strings.TrimSpace(q.Get("actor")),
	}
	if evt.Name == "" {
		evt.Name = "push"
	}
	for _, raw := range q["changed"] {
		for _, path := range strings.Split(raw, ",") {
			if path = strings.TrimSpace(path); path != "" {
				evt.ChangedPaths = append(evt.ChangedPaths, path)
			}
		}
	}
	sub := Submission{Definition: def, Event: evt}
	if raw := strings.TrimSpace(q.Get("max_parallel")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Submission{}, fmt.Errorf("max_parallel must be a non-negative integer")
		}
		sub.MaxParallel = n
	}
	for _, raw := range q["var"] {
		key, value, ok := strings.Cut(raw, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return Submission{}, fmt.Errorf("var %q must be key=value", raw)
		}
		if sub.Vars == nil {
			sub.Vars = map[string]string{}
		}
		sub.Vars[key] = value
	}
	return sub, nil
}
