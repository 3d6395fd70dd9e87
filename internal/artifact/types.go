// Package artifact stores named file bundles produced by pipeline steps.
// Every artifact has a stable identifier derived from (run, name), a manifest
// with per-file checksums, and lives under the .latticeci/artifacts tree.

package artifact

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ID identifies an uploaded artifact.
type ID string

func (id ID) String() string {
	return string(id)
}

// artifactNamespace scopes name-based artifact ids.
var artifactNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://latticeci.dev/artifact"))

// IDFor derives the artifact id for name within a run. The same pair always
// yields the same id, so re-uploading replaces the earlier bundle.
func IDFor(runID, name string) ID {
	return ID(uuid.NewSHA1(artifactNamespace, []byte(runID+"/"+name)).String())
}

// ErrNotFound is returned when an artifact id has no manifest on disk.
var ErrNotFound = errors.New("artifact: not found")

// File describes one stored file.
type File struct {
	Path   string `yaml:"path"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}

// Metadata is the manifest stored next to an artifact's files.
type Metadata struct {
	ID        ID
	Name      string
	Run       string
	Producer  string
	CreatedAt time.Time
	Checksum  string
	Files     []File
	Notes     map[string]string
}

// WithDefaults fills the timestamp and normalizes it to UTC.
func (m Metadata) WithDefaults(now time.Time) Metadata {
	clone := m
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now.UTC()
	} else {
		clone.CreatedAt = clone.CreatedAt.UTC()
	}
	return clone
}

// Validate ensures the manifest can be written.
func (m Metadata) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("artifact: id is required")
	}
	if m.Name == "" {
		return fmt.Errorf("artifact: name is required for %s", m.ID)
	}
	if len(m.Files) == 0 {
		return fmt.Errorf("artifact: %s has no files", m.Name)
	}
	return nil
}

// State captures the readiness of an artifact on disk.
type State string

const (
	StateMissing State = "missing"
	StateReady   State = "ready"
	StateInvalid State = "invalid"
	StateError   State = "error"
)

// CheckResult captures Store.Check results.
type CheckResult struct {
	ID       ID
	Path     string
	State    State
	Metadata *Metadata
	Err      error
}
