package action

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/kingrea/lattice-ci/internal/workflow"
)

// Info describes an action's identity and its input contract.
type Info struct {
	Name        string
	Description string
	Version     string
	Inputs      []Input
	Outputs     []string
}

// Input declares one named input.
type Input struct {
	Name        string
	Description string
	Required    bool
	Default     string
}

// Validate ensures the info block is well-formed.
func (i Info) Validate() error {
	if i.Name == "" {
		return fmt.Errorf("action: name is required")
	}
	if i.Version == "" {
		return fmt.Errorf("action: version is required for %s", i.Name)
	}
	seen := map[string]struct{}{}
	for _, in := range i.Inputs {
		if in.Name == "" {
			return fmt.Errorf("action: %s declares an unnamed input", i.Name)
		}
		if _, dup := seen[in.Name]; dup {
			return fmt.Errorf("action: %s declares input %s twice", i.Name, in.Name)
		}
		seen[in.Name] = struct{}{}
	}
	return nil
}

// CheckInputs validates a `with` block against the declared inputs. Values
// may still contain unresolved expressions; only presence is checked.
func (i Info) CheckInputs(with map[string]string) error {
	declared := make(map[string]Input, len(i.Inputs))
	for _, in := range i.Inputs {
		declared[in.Name] = in
	}
	var unknown []string
	for name := range with {
		if _, ok := declared[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%s@%s does not accept input(s) %s", i.Name, i.Version, strings.Join(unknown, ", "))
	}
	for _, in := range i.Inputs {
		if !in.Required || in.Default != "" {
			continue
		}
		if _, ok := with[in.Name]; !ok {
			return fmt.Errorf("%s@%s requires input %s", i.Name, i.Version, in.Name)
		}
	}
	return nil
}

// WithDefaults returns inputs with declared defaults filled in.
func (i Info) WithDefaults(inputs Inputs) Inputs {
	out := make(Inputs, len(inputs)+len(i.Inputs))
	for _, in := range i.Inputs {
		if in.Default != "" {
			out[in.Name] = in.Default
		}
	}
	for key, value := range inputs {
		out[key] = value
	}
	return out
}

// Ref renders name@version.
func (i Info) Ref() string {
	return i.Name + "@" + i.Version
}

// Inputs are the resolved `with` values passed to an action.
type Inputs map[string]string

// Get returns the trimmed input value.
func (in Inputs) Get(name string) string {
	return strings.TrimSpace(in[name])
}

// Bool interprets an input as a boolean flag.
func (in Inputs) Bool(name string) bool {
	switch strings.ToLower(in.Get(name)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// List splits a multi-line or comma separated input.
func (in Inputs) List(name string) []string {
	raw := in[name]
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == '\n' || r == ',' })
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		if field = strings.TrimSpace(field); field != "" {
			out = append(out, field)
		}
	}
	return out
}

// Outputs are the named values an action returns to later steps.
type Outputs map[string]string

// Context carries the per-invocation environment into an action.
type Context struct {
	RunID       string
	JobID       string
	InstanceID  string
	StepID      string
	Workspace   string
	Env         map[string]string
	Matrix      map[string]string
	Permissions workflow.Permissions
	Run         workflow.RunContext
	Logger      *slog.Logger
	// Output receives human readable progress; it is the step log.
	Output io.Writer
}

// Printf writes a line to the step log.
func (c *Context) Printf(format string, args ...any) {
	if c == nil || c.Output == nil {
		return
	}
	line := strings.TrimRight(fmt.Sprintf(format, args...), "\n")
	fmt.Fprintln(c.Output, line)
}

// Allowed reports whether the job granted at least level for scope. An empty
// permission set grants everything.
func (c *Context) Allowed(scope, level string) bool {
	if c == nil || len(c.Permissions) == 0 {
		return true
	}
	granted, ok := c.Permissions[scope]
	if !ok {
		return false
	}
	switch level {
	case "read":
		return granted == "read" || granted == "write"
	case "write":
		return granted == "write"
	}
	return false
}

// Action is a versioned capability invoked by `uses` steps.
type Action interface {
	Info() Info
	Execute(ctx context.Context, actx *Context, inputs Inputs) (Outputs, error)
}

// ExternalServiceError wraps failures talking to services outside the
// pipeline (signing, coverage). Steps treat it as best-effort: it is logged
// and recorded but never fails the instance.
type ExternalServiceError struct {
	Service string
	Op      string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Service, e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}
