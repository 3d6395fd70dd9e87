package workflow

import (
	"errors"
	"fmt"
)

// Kinds of ConfigError. Use errors.Is against a returned error to branch on
// the failure class.
var (
	ErrInvalidDefinition = errors.New("invalid definition")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrCyclicDependency  = errors.New("cyclic dependency")
	ErrMalformedMatrix   = errors.New("malformed matrix")
	ErrUnknownAction     = errors.New("unknown action")
)

// ConfigError reports a pipeline definition problem detected before any
// instance is dispatched. A pipeline that fails with a ConfigError never
// starts.
type ConfigError struct {
	Kind error
	Job  string
	Msg  string
}

// NewConfigError builds a ConfigError of the given kind.
func NewConfigError(kind error, job string, format string, args ...any) *ConfigError {
	return &ConfigError{Kind: kind, Job: job, Msg: fmt.Sprintf(format, args...)}
}

func (e *ConfigError) Error() string {
	if e == nil {
		return "<nil>"
	}
	kind := "config error"
	if e.Kind != nil {
		kind = e.Kind.Error()
	}
	if e.Job == "" {
		return fmt.Sprintf("%s: %s", kind, e.Msg)
	}
	return fmt.Sprintf("%s: job %s: %s", kind, e.Job, e.Msg)
}

func (e *ConfigError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Kind
}

// IsConfigError reports whether err carries a ConfigError anywhere in its chain.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}
