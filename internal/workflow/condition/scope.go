package condition

import (
	"fmt"

	"github.com/zclconf/go-cty/cty"

	"github.com/kingrea/lattice-ci/internal/workflow"
)

// StepState is what later steps can observe about an earlier step.
type StepState struct {
	Outputs    map[string]string
	Outcome    string
	Conclusion string
}

// Status reports the instance's progress for the status functions.
type Status struct {
	Failed    bool
	Cancelled bool
}

// String renders the status the way job.status exposes it.
func (s Status) String() string {
	switch {
	case s.Cancelled:
		return "cancelled"
	case s.Failed:
		return "failure"
	default:
		return "success"
	}
}

// Scope is the data a guard or interpolation can reference.
type Scope struct {
	Event   workflow.Event
	Matrix  map[string]string
	Env     map[string]string
	Secrets map[string]string
	Vars    map[string]string
	Steps   map[string]StepState
	Runner  string
	Status  Status
}

// NewScope seeds a scope from the run context. Instance specific fields are
// filled in by the caller.
func NewScope(rc workflow.RunContext) Scope {
	return Scope{
		Event:   rc.Event(),
		Secrets: rc.Secrets(),
		Vars:    rc.Vars(),
	}
}

func (s Scope) variables() map[string]cty.Value {
	return map[string]cty.Value{
		"github":  githubValue(s.Event),
		"matrix":  stringMapValue(s.Matrix),
		"env":     stringMapValue(s.Env),
		"secrets": stringMapValue(s.Secrets),
		"vars":    stringMapValue(s.Vars),
		"steps":   stepsValue(s.Steps),
		"runner":  cty.ObjectVal(map[string]cty.Value{"label": cty.StringVal(s.Runner)}),
		"job":     cty.ObjectVal(map[string]cty.Value{"status": cty.StringVal(s.Status.String())}),
	}
}

func githubValue(evt workflow.Event) cty.Value {
	paths := make([]any, 0, len(evt.ChangedPaths))
	for _, p := range evt.ChangedPaths {
		paths = append(paths, p)
	}
	return cty.ObjectVal(map[string]cty.Value{
		"event_name":    cty.StringVal(evt.Name),
		"ref":           cty.StringVal(evt.Ref),
		"ref_name":      cty.StringVal(evt.RefName()),
		"base_ref":      cty.StringVal(evt.BaseRef),
		"head_ref":      cty.StringVal(evt.HeadRef),
		"sha":           cty.StringVal(evt.SHA),
		"repository":    cty.StringVal(evt.Repository),
		"actor":         cty.StringVal(evt.Actor),
		"changed_paths": toValue(paths),
		"event":         toValue(evt.Payload),
	})
}

func stringMapValue(in map[string]string) cty.Value {
	if len(in) == 0 {
		return cty.EmptyObjectVal
	}
	attrs := make(map[string]cty.Value, len(in))
	for key, value := range in {
		attrs[key] = cty.StringVal(value)
	}
	return cty.ObjectVal(attrs)
}

func stepsValue(steps map[string]StepState) cty.Value {
	if len(steps) == 0 {
		return cty.EmptyObjectVal
	}
	attrs := make(map[string]cty.Value, len(steps))
	for id, step := range steps {
		attrs[id] = cty.ObjectVal(map[string]cty.Value{
			"outputs":    stringMapValue(step.Outputs),
			"outcome":    cty.StringVal(step.Outcome),
			"conclusion": cty.StringVal(step.Conclusion),
		})
	}
	return cty.ObjectVal(attrs)
}

// toValue converts decoded JSON/YAML data into a cty value.
func toValue(v any) cty.Value {
	switch typed := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType)
	case cty.Value:
		return typed
	case string:
		return cty.StringVal(typed)
	case bool:
		return cty.BoolVal(typed)
	case int:
		return cty.NumberIntVal(int64(typed))
	case int64:
		return cty.NumberIntVal(typed)
	case float64:
		return cty.NumberFloatVal(typed)
	case map[string]string:
		return stringMapValue(typed)
	case map[string]any:
		if len(typed) == 0 {
			return cty.EmptyObjectVal
		}
		attrs := make(map[string]cty.Value, len(typed))
		for key, value := range typed {
			attrs[key] = toValue(value)
		}
		return cty.ObjectVal(attrs)
	case []string:
		items := make([]any, len(typed))
		for i, item := range typed {
			items[i] = item
		}
		return toValue(items)
	case []any:
		if len(typed) == 0 {
			return cty.EmptyTupleVal
		}
		items := make([]cty.Value, len(typed))
		for i, item := range typed {
			items[i] = toValue(item)
		}
		return cty.TupleVal(items)
	default:
		return cty.StringVal(fmt.Sprint(typed))
	}
}
