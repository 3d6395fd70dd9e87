package workflow

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// Definition declares a pipeline: its triggers, shared environment, and the
// jobs that make up its graph.
type Definition struct {
	Name        string            `json:"name" yaml:"name"`
	On          Triggers          `json:"on,omitempty" yaml:"on,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Permissions Permissions       `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Jobs        Jobs              `json:"jobs" yaml:"jobs"`
}

// Job is a named unit of work with ordered steps and declared dependencies.
type Job struct {
	ID              string            `json:"id" yaml:"-"`
	Name            string            `json:"name,omitempty" yaml:"name,omitempty"`
	Needs           StringList        `json:"needs,omitempty" yaml:"needs,omitempty"`
	If              string            `json:"if,omitempty" yaml:"if,omitempty"`
	RunsOn          string            `json:"runs_on,omitempty" yaml:"runs-on,omitempty"`
	ContinueOnError bool              `json:"continue_on_error,omitempty" yaml:"continue-on-error,omitempty"`
	TimeoutMinutes  int               `json:"timeout_minutes,omitempty" yaml:"timeout-minutes,omitempty"`
	Permissions     Permissions       `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Env             map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Strategy        *Strategy         `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Steps           []Step            `json:"steps" yaml:"steps"`
}

// Strategy configures matrix fan-out for a job.
type Strategy struct {
	FailFast    *bool   `json:"fail_fast,omitempty" yaml:"fail-fast,omitempty"`
	MaxParallel int     `json:"max_parallel,omitempty" yaml:"max-parallel,omitempty"`
	Matrix      *Matrix `json:"matrix,omitempty" yaml:"matrix,omitempty"`
}

// FailFastEnabled reports whether the first failed leg cancels its
// not-yet-started siblings. Defaults to true.
func (s *Strategy) FailFastEnabled() bool {
	if s == nil || s.FailFast == nil {
		return true
	}
	return *s.FailFast
}

// Step is a single unit inside a job: an inline command or an action call.
type Step struct {
	ID               string            `json:"id,omitempty" yaml:"id,omitempty"`
	Name             string            `json:"name,omitempty" yaml:"name,omitempty"`
	If               string            `json:"if,omitempty" yaml:"if,omitempty"`
	Run              string            `json:"run,omitempty" yaml:"run,omitempty"`
	Shell            string            `json:"shell,omitempty" yaml:"shell,omitempty"`
	WorkingDirectory string            `json:"working_directory,omitempty" yaml:"working-directory,omitempty"`
	Uses             string            `json:"uses,omitempty" yaml:"uses,omitempty"`
	With             map[string]string `json:"with,omitempty" yaml:"with,omitempty"`
	Env              map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	ContinueOnError  bool              `json:"continue_on_error,omitempty" yaml:"continue-on-error,omitempty"`
	TimeoutMinutes   int               `json:"timeout_minutes,omitempty" yaml:"timeout-minutes,omitempty"`
}

// DisplayName returns the step name, falling back to the action reference or
// the first line of the inline command.
func (s Step) DisplayName() string {
	if name := strings.TrimSpace(s.Name); name != "" {
		return name
	}
	if s.Uses != "" {
		return s.Uses
	}
	line := strings.TrimSpace(s.Run)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	if len(line) > 60 {
		line = line[:57] + "..."
	}
	return line
}

// Permissions maps a scope (contents, id-token, ...) to read, write or none.
type Permissions map[string]string

// StringList accepts either a scalar or a sequence in YAML.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if strings.TrimSpace(node.Value) == "" {
			*l = nil
			return nil
		}
		*l = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	default:
		return fmt.Errorf("line %d: expected string or list of strings", node.Line)
	}
}

// Jobs keeps jobs in declaration order; the YAML form is a mapping keyed by
// job id.
type Jobs []Job

// UnmarshalYAML implements yaml.Unmarshaler.
func (j *Jobs) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: jobs must be a mapping of job id to job", node.Line)
	}
	jobs := make(Jobs, 0, len(node.Content)/2)
	seen := map[string]struct{}{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if _, dup := seen[key.Value]; dup {
			return NewConfigError(ErrInvalidDefinition, key.Value, "declared more than once")
		}
		seen[key.Value] = struct{}{}
		var job Job
		if err := value.Decode(&job); err != nil {
			return fmt.Errorf("job %s: %w", key.Value, err)
		}
		job.ID = key.Value
		jobs = append(jobs, job)
	}
	*j = jobs
	return nil
}

// Job returns the job with the given id.
func (def Definition) Job(id string) (Job, bool) {
	for _, job := range def.Jobs {
		if job.ID == id {
			return job, true
		}
	}
	return Job{}, false
}

// JobIDs returns job identifiers in declaration order.
func (def Definition) JobIDs() []string {
	ids := make([]string, 0, len(def.Jobs))
	for _, job := range def.Jobs {
		ids = append(ids, job.ID)
	}
	return ids
}

// Clone returns a deep copy of the definition.
func (def Definition) Clone() Definition {
	clone := Definition{
		Name:        def.Name,
		On:          def.On.Clone(),
		Env:         cloneStringMap(def.Env),
		Permissions: Permissions(cloneStringMap(def.Permissions)),
	}
	if len(def.Jobs) > 0 {
		clone.Jobs = make(Jobs, len(def.Jobs))
		for i, job := range def.Jobs {
			clone.Jobs[i] = job.Clone()
		}
	}
	return clone
}

// Clone returns a deep copy of the job.
func (j Job) Clone() Job {
	clone := j
	clone.Needs = StringList(cloneStringSlice(j.Needs))
	clone.Permissions = Permissions(cloneStringMap(j.Permissions))
	clone.Env = cloneStringMap(j.Env)
	if j.Strategy != nil {
		strategy := *j.Strategy
		if j.Strategy.FailFast != nil {
			failFast := *j.Strategy.FailFast
			strategy.FailFast = &failFast
		}
		if j.Strategy.Matrix != nil {
			m := j.Strategy.Matrix.Clone()
			strategy.Matrix = &m
		}
		clone.Strategy = &strategy
	}
	if len(j.Steps) > 0 {
		clone.Steps = make([]Step, len(j.Steps))
		for i, step := range j.Steps {
			step.With = cloneStringMap(step.With)
			step.Env = cloneStringMap(step.Env)
			clone.Steps[i] = step
		}
	}
	return clone
}

// Validate checks the definition's structure. Dependency resolution and
// cycle detection belong to the graph builder; matrix shape belongs to the
// expander.
func (def Definition) Validate() error {
	if len(def.Jobs) == 0 {
		return NewConfigError(ErrInvalidDefinition, "", "pipeline %q declares no jobs", def.Name)
	}
	if err := def.Permissions.validate(""); err != nil {
		return err
	}
	seen := map[string]struct{}{}
	for _, job := range def.Jobs {
		if _, dup := seen[job.ID]; dup {
			return NewConfigError(ErrInvalidDefinition, job.ID, "declared more than once")
		}
		seen[job.ID] = struct{}{}
		if err := job.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (j Job) validate() error {
	if !identifierPattern.MatchString(j.ID) {
		return NewConfigError(ErrInvalidDefinition, j.ID, "job id must match %s", identifierPattern)
	}
	if j.TimeoutMinutes < 0 {
		return NewConfigError(ErrInvalidDefinition, j.ID, "timeout-minutes must be >= 0")
	}
	if j.Strategy != nil && j.Strategy.MaxParallel < 0 {
		return NewConfigError(ErrInvalidDefinition, j.ID, "strategy.max-parallel must be >= 0")
	}
	if err := j.Permissions.validate(j.ID); err != nil {
		return err
	}
	if len(j.Steps) == 0 {
		return NewConfigError(ErrInvalidDefinition, j.ID, "at least one step is required")
	}
	stepIDs := map[string]struct{}{}
	for idx, step := range j.Steps {
		hasRun := strings.TrimSpace(step.Run) != ""
		hasUses := strings.TrimSpace(step.Uses) != ""
		if hasRun == hasUses {
			return NewConfigError(ErrInvalidDefinition, j.ID, "step[%d] must set exactly one of run or uses", idx)
		}
		if step.TimeoutMinutes < 0 {
			return NewConfigError(ErrInvalidDefinition, j.ID, "step[%d] timeout-minutes must be >= 0", idx)
		}
		if step.ID == "" {
			continue
		}
		if !identifierPattern.MatchString(step.ID) {
			return NewConfigError(ErrInvalidDefinition, j.ID, "step id %q must match %s", step.ID, identifierPattern)
		}
		if _, dup := stepIDs[step.ID]; dup {
			return NewConfigError(ErrInvalidDefinition, j.ID, "duplicate step id %s", step.ID)
		}
		stepIDs[step.ID] = struct{}{}
	}
	return nil
}

func (p Permissions) validate(job string) error {
	for scope, level := range p {
		switch level {
		case "read", "write", "none":
		default:
			return NewConfigError(ErrInvalidDefinition, job, "permission %s has invalid level %q", scope, level)
		}
	}
	return nil
}

// Normalized clones the definition, trims and deduplicates fields, fills
// default names, and validates the result.
func (def Definition) Normalized() (Definition, error) {
	clone := def.Clone()
	clone.Name = strings.TrimSpace(clone.Name)
	if clone.Name == "" {
		clone.Name = "pipeline"
	}
	for i := range clone.Jobs {
		job := &clone.Jobs[i]
		job.ID = strings.TrimSpace(job.ID)
		job.Name = strings.TrimSpace(job.Name)
		if job.Name == "" {
			job.Name = job.ID
		}
		job.Needs = StringList(dedupe(job.Needs))
		job.RunsOn = strings.TrimSpace(job.RunsOn)
		for s := range job.Steps {
			step := &job.Steps[s]
			step.ID = strings.TrimSpace(step.ID)
			step.Uses = strings.TrimSpace(step.Uses)
			step.Shell = strings.TrimSpace(step.Shell)
		}
	}
	if err := clone.Validate(); err != nil {
		return Definition{}, err
	}
	return clone, nil
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func cloneStringSlice(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
