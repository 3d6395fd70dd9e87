package workflow

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Well-known event names.
const (
	EventPush        = "push"
	EventPullRequest = "pull_request"
)

// Event is the trigger that starts a pipeline run.
type Event struct {
	Name         string         `json:"name"`
	Ref          string         `json:"ref,omitempty"`
	BaseRef      string         `json:"base_ref,omitempty"`
	HeadRef      string         `json:"head_ref,omitempty"`
	Repository   string         `json:"repository,omitempty"`
	SHA          string         `json:"sha,omitempty"`
	Actor        string         `json:"actor,omitempty"`
	ChangedPaths []string       `json:"changed_paths,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// RefName strips the refs/heads/ or refs/tags/ prefix.
func (e Event) RefName() string {
	return shortRef(e.Ref)
}

// Clone returns a copy that shares no slices or maps with e.
func (e Event) Clone() Event {
	clone := e
	clone.ChangedPaths = cloneStringSlice(e.ChangedPaths)
	if len(e.Payload) > 0 {
		clone.Payload = make(map[string]any, len(e.Payload))
		for key, value := range e.Payload {
			clone.Payload[key] = value
		}
	}
	return clone
}

func shortRef(ref string) string {
	for _, prefix := range []string{"refs/heads/", "refs/tags/"} {
		if strings.HasPrefix(ref, prefix) {
			return strings.TrimPrefix(ref, prefix)
		}
	}
	return ref
}

// TriggerFilter narrows which events of one type start the pipeline.
type TriggerFilter struct {
	Branches       []string `json:"branches,omitempty" yaml:"branches,omitempty"`
	BranchesIgnore []string `json:"branches_ignore,omitempty" yaml:"branches-ignore,omitempty"`
	Paths          []string `json:"paths,omitempty" yaml:"paths,omitempty"`
	PathsIgnore    []string `json:"paths_ignore,omitempty" yaml:"paths-ignore,omitempty"`
}

// Triggers maps event names to their filters.
type Triggers map[string]TriggerFilter

// UnmarshalYAML accepts `on: push`, `on: [push, pull_request]` and the
// mapping form with per-event filters.
func (t *Triggers) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*t = Triggers{node.Value: {}}
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return err
		}
		out := make(Triggers, len(names))
		for _, name := range names {
			out[name] = TriggerFilter{}
		}
		*t = out
	case yaml.MappingNode:
		var raw map[string]*TriggerFilter
		if err := node.Decode(&raw); err != nil {
			return err
		}
		out := make(Triggers, len(raw))
		for name, filter := range raw {
			if filter == nil {
				out[name] = TriggerFilter{}
				continue
			}
			out[name] = *filter
		}
		*t = out
	default:
		return fmt.Errorf("line %d: on must be an event name, list, or mapping", node.Line)
	}
	return nil
}

// Clone returns a deep copy.
func (t Triggers) Clone() Triggers {
	if len(t) == 0 {
		return nil
	}
	out := make(Triggers, len(t))
	for name, filter := range t {
		out[name] = TriggerFilter{
			Branches:       cloneStringSlice(filter.Branches),
			BranchesIgnore: cloneStringSlice(filter.BranchesIgnore),
			Paths:          cloneStringSlice(filter.Paths),
			PathsIgnore:    cloneStringSlice(filter.PathsIgnore),
		}
	}
	return out
}

// Events returns the configured event names, sorted.
func (t Triggers) Events() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TriggerDecision is the outcome of matching an event against a definition.
type TriggerDecision struct {
	Run    bool
	Reason string
}

// Admits decides whether evt starts this pipeline. A definition with no `on`
// block admits every event. When every changed path matches paths-ignore the
// run is suppressed; an event without changed paths is never path-filtered.
func (def Definition) Admits(evt Event) TriggerDecision {
	if len(def.On) == 0 {
		return TriggerDecision{Run: true}
	}
	filter, ok := def.On[evt.Name]
	if !ok {
		return TriggerDecision{Reason: fmt.Sprintf("event %q is not a configured trigger", evt.Name)}
	}
	branch := evt.RefName()
	if evt.Name == EventPullRequest && evt.BaseRef != "" {
		branch = shortRef(evt.BaseRef)
	}
	if len(filter.Branches) > 0 && !MatchAny(filter.Branches, branch) {
		return TriggerDecision{Reason: fmt.Sprintf("branch %q does not match branches filter", branch)}
	}
	if len(filter.BranchesIgnore) > 0 && MatchAny(filter.BranchesIgnore, branch) {
		return TriggerDecision{Reason: fmt.Sprintf("branch %q matches branches-ignore", branch)}
	}
	if len(evt.ChangedPaths) == 0 {
		return TriggerDecision{Run: true}
	}
	if len(filter.PathsIgnore) > 0 {
		ignored := 0
		for _, changed := range evt.ChangedPaths {
			if MatchAny(filter.PathsIgnore, changed) {
				ignored++
			}
		}
		if ignored == len(evt.ChangedPaths) {
			return TriggerDecision{Reason: "every changed path matches paths-ignore"}
		}
	}
	if len(filter.Paths) > 0 {
		for _, changed := range evt.ChangedPaths {
			if MatchAny(filter.Paths, changed) {
				return TriggerDecision{Run: true}
			}
		}
		return TriggerDecision{Reason: "no changed path matches paths filter"}
	}
	return TriggerDecision{Run: true}
}
