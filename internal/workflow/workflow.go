// internal/workflow/workflow.go
//
// Defines the on-disk layout for pipeline runs.
// Every run is stored under .latticeci/runs/<run-id>/ so it can be inspected
// after the process exits.

package workflow

import (
	"os"
	"path/filepath"
	"strings"
)

// Directory names within .latticeci/
const (
	RunsDir      = "runs"
	ArtifactsDir = "artifacts"
	StepLogsDir  = "logs"
)

// File names inside a run directory.
const (
	FileState   = "state.json"
	FileLogbook = "logbook.log"
)

// Layout resolves run paths below a .latticeci directory.
type Layout struct {
	// Base path to the .latticeci directory
	root string
}

// NewLayout creates a layout rooted at the given .latticeci directory.
func NewLayout(root string) *Layout {
	return &Layout{root: root}
}

// Root returns the .latticeci directory.
func (l *Layout) Root() string {
	return l.root
}

// RunsDir returns the directory holding every run.
func (l *Layout) RunsDir() string {
	return filepath.Join(l.root, RunsDir)
}

// RunDir returns the directory for one run.
func (l *Layout) RunDir(runID string) string {
	return filepath.Join(l.RunsDir(), SanitizeName(runID))
}

// StatePath returns the persisted engine state for a run.
func (l *Layout) StatePath(runID string) string {
	return filepath.Join(l.RunDir(runID), FileState)
}

// LogbookPath returns the human readable progress log for a run.
func (l *Layout) LogbookPath(runID string) string {
	return filepath.Join(l.RunDir(runID), FileLogbook)
}

// StepLogDir returns the directory where an instance's step output lands.
func (l *Layout) StepLogDir(runID, instanceID string) string {
	return filepath.Join(l.RunDir(runID), StepLogsDir, SanitizeName(instanceID))
}

// ArtifactsDir returns the artifact store root.
func (l *Layout) ArtifactsDir() string {
	return filepath.Join(l.root, ArtifactsDir)
}

// Initialize creates the layout directories.
func (l *Layout) Initialize() error {
	for _, dir := range []string{l.RunsDir(), l.ArtifactsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// SanitizeName maps an identifier such as "test (ubuntu-latest, stable)" to a
// string that is safe to use as a single path segment.
func SanitizeName(name string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.Trim(b.String(), "-.")
	if out == "" {
		return "unnamed"
	}
	return out
}
