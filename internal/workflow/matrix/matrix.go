// Package matrix expands a job's matrix strategy into concrete assignments.
//
// Expansion is deterministic: the cross product varies the last declared axis
// fastest and keeps values in declared order. Include entries are folded in
// afterwards by an explicit merge pass over a tagged entry list.
package matrix

import (
	"sort"
	"strings"

	"github.com/kingrea/lattice-ci/internal/workflow"
)

// Kind tags how an entry came to exist.
type Kind string

const (
	// KindCrossProduct entries come from the axis cross product, possibly
	// augmented by matching include entries.
	KindCrossProduct Kind = "cross-product"
	// KindIncludeOverride entries are include entries that matched no
	// cross-product combination and stand alone.
	KindIncludeOverride Kind = "include"
)

// Entry is one concrete matrix assignment.
type Entry struct {
	Kind Kind
	// Keys lists the identity keys in display order.
	Keys []string
	// Values holds the full assignment, including merged include extras.
	Values map[string]string
	// Merged lists the indexes of include entries folded into this entry.
	Merged []int
}

// Get returns one value of the assignment.
func (e Entry) Get(key string) (string, bool) {
	value, ok := e.Values[key]
	return value, ok
}

// Map returns a copy of the full assignment.
func (e Entry) Map() map[string]string {
	out := make(map[string]string, len(e.Values))
	for key, value := range e.Values {
		out[key] = value
	}
	return out
}

// IsUnit reports whether the entry is the empty assignment of a job without
// a matrix.
func (e Entry) IsUnit() bool {
	return len(e.Values) == 0
}

// Label renders the identity values, e.g. "ubuntu-latest, stable".
func (e Entry) Label() string {
	parts := make([]string, 0, len(e.Keys))
	for _, key := range e.Keys {
		parts = append(parts, e.Values[key])
	}
	return strings.Join(parts, ", ")
}

// InstanceID combines a job id with the entry label: "test (ubuntu-latest, stable)".
// Unit entries use the bare job id.
func (e Entry) InstanceID(jobID string) string {
	if len(e.Keys) == 0 {
		return jobID
	}
	return jobID + " (" + e.Label() + ")"
}

// Expand produces the assignments for a matrix. A nil matrix yields exactly
// one unit entry.
func Expand(m *workflow.Matrix) ([]Entry, error) {
	if m == nil {
		return []Entry{{Kind: KindCrossProduct, Values: map[string]string{}}}, nil
	}
	if err := validate(m); err != nil {
		return nil, err
	}
	axisNames := m.AxisNames()
	axisSet := make(map[string]struct{}, len(axisNames))
	for _, name := range axisNames {
		axisSet[name] = struct{}{}
	}

	var entries []Entry
	if len(m.Axes) > 0 {
		entries = crossProduct(m.Axes)
		entries = applyExcludes(entries, m.Exclude)
	}
	crossCount := len(entries)

	for idx, row := range m.Include {
		subset, extras := splitRow(row, axisSet)
		matched := false
		for i := 0; i < crossCount; i++ {
			if !matches(entries[i].Values, subset) {
				continue
			}
			matched = true
			for key, value := range extras {
				entries[i].Values[key] = value
			}
			entries[i].Merged = append(entries[i].Merged, idx)
		}
		if matched {
			continue
		}
		entries = append(entries, standalone(row, axisNames, idx))
	}
	if len(entries) == 0 {
		return nil, workflow.NewConfigError(workflow.ErrMalformedMatrix, "", "matrix expands to zero instances")
	}
	return entries, nil
}

func validate(m *workflow.Matrix) error {
	if len(m.Axes) == 0 && len(m.Include) == 0 {
		return workflow.NewConfigError(workflow.ErrMalformedMatrix, "", "matrix declares no axes and no include entries")
	}
	seenAxes := make(map[string]struct{}, len(m.Axes))
	for _, axis := range m.Axes {
		if strings.TrimSpace(axis.Name) == "" {
			return workflow.NewConfigError(workflow.ErrMalformedMatrix, "", "axis name is empty")
		}
		if _, dup := seenAxes[axis.Name]; dup {
			return workflow.NewConfigError(workflow.ErrMalformedMatrix, "", "axis %s declared more than once", axis.Name)
		}
		seenAxes[axis.Name] = struct{}{}
		if len(axis.Values) == 0 {
			return workflow.NewConfigError(workflow.ErrMalformedMatrix, "", "axis %s has no values", axis.Name)
		}
		seenValues := make(map[string]struct{}, len(axis.Values))
		for _, value := range axis.Values {
			if _, dup := seenValues[value]; dup {
				return workflow.NewConfigError(workflow.ErrMalformedMatrix, "", "axis %s lists %q more than once", axis.Name, value)
			}
			seenValues[value] = struct{}{}
		}
	}
	for idx, row := range m.Exclude {
		if len(row) == 0 {
			return workflow.NewConfigError(workflow.ErrMalformedMatrix, "", "exclude[%d] is empty", idx)
		}
		for key := range row {
			if _, ok := seenAxes[key]; !ok {
				return workflow.NewConfigError(workflow.ErrMalformedMatrix, "", "exclude[%d] references unknown axis %s", idx, key)
			}
		}
	}
	for idx, row := range m.Include {
		if len(row) == 0 {
			return workflow.NewConfigError(workflow.ErrMalformedMatrix, "", "include[%d] is empty", idx)
		}
	}
	return nil
}

// crossProduct enumerates every combination, last axis varying fastest.
func crossProduct(axes []workflow.Axis) []Entry {
	keys := make([]string, len(axes))
	total := 1
	for i, axis := range axes {
		keys[i] = axis.Name
		total *= len(axis.Values)
	}
	entries := make([]Entry, 0, total)
	indexes := make([]int, len(axes))
	for n := 0; n < total; n++ {
		values := make(map[string]string, len(axes))
		for i, axis := range axes {
			values[axis.Name] = axis.Values[indexes[i]]
		}
		entries = append(entries, Entry{Kind: KindCrossProduct, Keys: keys, Values: values})
		for i := len(axes) - 1; i >= 0; i-- {
			indexes[i]++
			if indexes[i] < len(axes[i].Values) {
				break
			}
			indexes[i] = 0
		}
	}
	return entries
}

func applyExcludes(entries []Entry, excludes []workflow.MatrixRow) []Entry {
	if len(excludes) == 0 {
		return entries
	}
	kept := entries[:0]
	for _, entry := range entries {
		excluded := false
		for _, row := range excludes {
			if matches(entry.Values, row) {
				excluded = true
				break
			}
		}
		if !excluded {
			kept = append(kept, entry)
		}
	}
	return kept
}

func splitRow(row workflow.MatrixRow, axes map[string]struct{}) (subset, extras map[string]string) {
	subset = map[string]string{}
	extras = map[string]string{}
	for key, value := range row {
		if _, ok := axes[key]; ok {
			subset[key] = value
			continue
		}
		extras[key] = value
	}
	return subset, extras
}

func matches(values map[string]string, subset map[string]string) bool {
	for key, want := range subset {
		if got, ok := values[key]; !ok || got != want {
			return false
		}
	}
	return true
}

// standalone turns an unmatched include row into its own entry. Identity keys
// are the axes it sets, in axis order, followed by its other keys sorted.
func standalone(row workflow.MatrixRow, axisNames []string, idx int) Entry {
	values := make(map[string]string, len(row))
	for key, value := range row {
		values[key] = value
	}
	keys := make([]string, 0, len(row))
	used := map[string]struct{}{}
	for _, name := range axisNames {
		if _, ok := row[name]; ok {
			keys = append(keys, name)
			used[name] = struct{}{}
		}
	}
	rest := make([]string, 0, len(row))
	for key := range row {
		if _, ok := used[key]; !ok {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	keys = append(keys, rest...)
	return Entry{Kind: KindIncludeOverride, Keys: keys, Values: values, Merged: []int{idx}}
}
