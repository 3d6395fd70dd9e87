package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingFrontMatter indicates the manifest did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("artifact: missing frontmatter")
	// ErrMalformedFrontMatter indicates the YAML block could not be parsed.
	ErrMalformedFrontMatter = errors.New("artifact: malformed frontmatter")
)

// ParseFrontMatter extracts the metadata block and body from a manifest that
// starts with `---` YAML fences.
func ParseFrontMatter(content []byte) (Metadata, []byte, error) {
	if len(content) == 0 {
		return Metadata{}, nil, ErrMissingFrontMatter
	}
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return Metadata{}, nil, ErrMissingFrontMatter
	}
	parts := bytes.SplitN(normalized[4:], []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return Metadata{}, nil, ErrMalformedFrontMatter
	}
	var envelope manifestEnvelope
	if err := yaml.Unmarshal(parts[0], &envelope); err != nil {
		return Metadata{}, nil, fmt.Errorf("artifact: parse frontmatter: %w", err)
	}
	meta, err := envelope.toMetadata()
	if err != nil {
		return Metadata{}, nil, err
	}
	return meta, parts[1], nil
}

// WriteFrontMatter renders metadata + body with YAML fences.
func WriteFrontMatter(meta Metadata, body []byte) ([]byte, error) {
	if meta.ID == "" {
		return nil, fmt.Errorf("artifact: metadata missing artifact id")
	}
	envelope := manifestEnvelope{}
	envelope.fromMetadata(meta)
	data, err := yaml.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("artifact: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.Write(body)
	return buf.Bytes(), nil
}

type manifestEnvelope struct {
	Artifact manifestMetadata `yaml:"artifact"`
}

type manifestMetadata struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name"`
	Run      string            `yaml:"run,omitempty"`
	Producer string            `yaml:"producer,omitempty"`
	Created  string            `yaml:"created"`
	Checksum string            `yaml:"checksum,omitempty"`
	Files    []File            `yaml:"files"`
	Notes    map[string]string `yaml:"notes,omitempty"`
}

func (e manifestEnvelope) toMetadata() (Metadata, error) {
	if e.Artifact.ID == "" || e.Artifact.Name == "" {
		return Metadata{}, ErrMalformedFrontMatter
	}
	created, err := parseTime(e.Artifact.Created)
	if err != nil {
		return Metadata{}, fmt.Errorf("artifact: parse created timestamp: %w", err)
	}
	return Metadata{
		ID:        ID(e.Artifact.ID),
		Name:      e.Artifact.Name,
		Run:       e.Artifact.Run,
		Producer:  e.Artifact.Producer,
		CreatedAt: created,
		Checksum:  e.Artifact.Checksum,
		Files:     append([]File(nil), e.Artifact.Files...),
		Notes:     cloneNotes(e.Artifact.Notes),
	}, nil
}

func (e *manifestEnvelope) fromMetadata(meta Metadata) {
	e.Artifact = manifestMetadata{
		ID:       string(meta.ID),
		Name:     meta.Name,
		Run:      meta.Run,
		Producer: meta.Producer,
		Created:  meta.CreatedAt.UTC().Format(time.RFC3339),
		Checksum: meta.Checksum,
		Files:    append([]File(nil), meta.Files...),
		Notes:    cloneNotes(meta.Notes),
	}
}

func cloneNotes(notes map[string]string) map[string]string {
	if len(notes) == 0 {
		return nil
	}
	cloned := make(map[string]string, len(notes))
	for k, v := range notes {
		cloned[k] = v
	}
	return cloned
}

func parseTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("artifact: empty created timestamp")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
