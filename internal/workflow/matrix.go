package workflow

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Matrix fans a job out across the cross product of its axes. Axes keep their
// declaration order so expansion and instance identifiers are reproducible.
type Matrix struct {
	Axes    []Axis      `json:"axes,omitempty"`
	Include []MatrixRow `json:"include,omitempty"`
	Exclude []MatrixRow `json:"exclude,omitempty"`
}

// Axis is one named dimension of a matrix.
type Axis struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// MatrixRow is a partial or full assignment of matrix keys to values, used
// by include and exclude entries.
type MatrixRow map[string]string

// AxisNames returns axis names in declaration order.
func (m Matrix) AxisNames() []string {
	names := make([]string, 0, len(m.Axes))
	for _, axis := range m.Axes {
		names = append(names, axis.Name)
	}
	return names
}

// Clone returns a deep copy of the matrix.
func (m Matrix) Clone() Matrix {
	clone := Matrix{
		Include: cloneRows(m.Include),
		Exclude: cloneRows(m.Exclude),
	}
	if len(m.Axes) > 0 {
		clone.Axes = make([]Axis, len(m.Axes))
		for i, axis := range m.Axes {
			clone.Axes[i] = Axis{Name: axis.Name, Values: cloneStringSlice(axis.Values)}
		}
	}
	return clone
}

func cloneRows(rows []MatrixRow) []MatrixRow {
	if len(rows) == 0 {
		return nil
	}
	out := make([]MatrixRow, len(rows))
	for i, row := range rows {
		out[i] = MatrixRow(cloneStringMap(row))
	}
	return out
}

// UnmarshalYAML decodes the matrix mapping while preserving axis order.
func (m *Matrix) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return NewConfigError(ErrMalformedMatrix, "", "line %d: matrix must be a mapping", node.Line)
	}
	var out Matrix
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		switch key.Value {
		case "include":
			rows, err := decodeRows(key.Value, value)
			if err != nil {
				return err
			}
			out.Include = rows
		case "exclude":
			rows, err := decodeRows(key.Value, value)
			if err != nil {
				return err
			}
			out.Exclude = rows
		default:
			axis, err := decodeAxis(key.Value, value)
			if err != nil {
				return err
			}
			out.Axes = append(out.Axes, axis)
		}
	}
	*m = out
	return nil
}

func decodeAxis(name string, node *yaml.Node) (Axis, error) {
	if node.Kind != yaml.SequenceNode {
		return Axis{}, NewConfigError(ErrMalformedMatrix, "", "line %d: axis %s must be a list", node.Line, name)
	}
	axis := Axis{Name: name, Values: make([]string, 0, len(node.Content))}
	for _, item := range node.Content {
		if item.Kind != yaml.ScalarNode {
			return Axis{}, NewConfigError(ErrMalformedMatrix, "", "line %d: axis %s values must be scalars", item.Line, name)
		}
		axis.Values = append(axis.Values, item.Value)
	}
	return axis, nil
}

func decodeRows(section string, node *yaml.Node) ([]MatrixRow, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, NewConfigError(ErrMalformedMatrix, "", "line %d: %s must be a list of mappings", node.Line, section)
	}
	rows := make([]MatrixRow, 0, len(node.Content))
	for _, item := range node.Content {
		if item.Kind != yaml.MappingNode {
			return nil, NewConfigError(ErrMalformedMatrix, "", "line %d: %s entries must be mappings", item.Line, section)
		}
		row := MatrixRow{}
		for i := 0; i+1 < len(item.Content); i += 2 {
			key, value := item.Content[i], item.Content[i+1]
			if value.Kind != yaml.ScalarNode {
				return nil, NewConfigError(ErrMalformedMatrix, "", "line %d: %s.%s must be a scalar", value.Line, section, key.Value)
			}
			row[key.Value] = value.Value
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// String renders the row as k=v pairs for diagnostics.
func (r MatrixRow) String() string {
	return fmt.Sprint(map[string]string(r))
}
