package workflow

// RunContext is the process-wide state of one pipeline execution. It is built
// once before the run starts and only hands out copies afterwards, so steps
// and actions cannot mutate what other instances observe.
type RunContext struct {
	event   Event
	secrets map[string]string
	vars    map[string]string
}

// NewRunContext snapshots the event, secrets and variables for a run.
func NewRunContext(evt Event, secrets, vars map[string]string) RunContext {
	return RunContext{
		event:   evt.Clone(),
		secrets: cloneStringMap(secrets),
		vars:    cloneStringMap(vars),
	}
}

// Event returns a copy of the triggering event.
func (rc RunContext) Event() Event {
	return rc.event.Clone()
}

// Secret looks up a single secret.
func (rc RunContext) Secret(name string) (string, bool) {
	value, ok := rc.secrets[name]
	return value, ok
}

// Secrets returns a copy of every secret.
func (rc RunContext) Secrets() map[string]string {
	return cloneStringMap(rc.secrets)
}

// Vars returns a copy of the run variables.
func (rc RunContext) Vars() map[string]string {
	return cloneStringMap(rc.vars)
}

// SecretValues lists secret values, used to mask step logs.
func (rc RunContext) SecretValues() []string {
	values := make([]string, 0, len(rc.secrets))
	for _, value := range rc.secrets {
		if value != "" {
			values = append(values, value)
		}
	}
	return values
}
