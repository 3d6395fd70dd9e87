package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	manifestFile = "MANIFEST.md"
	filesDir     = "files"
)

// Store manages artifact IO rooted at the artifacts directory. A Store is
// bound to one run; ids are derived from that run and the artifact name.
type Store struct {
	root string
	run  string
	now  func() time.Time
}

// StoreOption customizes a Store during construction.
type StoreOption func(*Store)

// WithClock overrides the clock used for metadata timestamps.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = clock
	}
}

// WithRun binds uploads to a run id.
func WithRun(runID string) StoreOption {
	return func(s *Store) {
		s.run = runID
	}
}

// NewStore builds a store rooted at dir.
func NewStore(dir string, opts ...StoreOption) *Store {
	store := &Store{
		root: dir,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// ForRun returns a copy of the store bound to another run.
func (s *Store) ForRun(runID string) *Store {
	clone := *s
	clone.run = runID
	return &clone
}

// Run returns the bound run id.
func (s *Store) Run() string {
	return s.run
}

// Root returns the artifacts directory.
func (s *Store) Root() string {
	return s.root
}

// ID returns the id an upload of name would receive.
func (s *Store) ID(name string) ID {
	return IDFor(s.run, name)
}

// UploadOption annotates an upload.
type UploadOption func(*Metadata)

// WithProducer records which instance produced the artifact.
func WithProducer(instanceID string) UploadOption {
	return func(m *Metadata) {
		m.Producer = instanceID
	}
}

// WithNote attaches a free-form key/value to the manifest.
func WithNote(key, value string) UploadOption {
	return func(m *Metadata) {
		if m.Notes == nil {
			m.Notes = map[string]string{}
		}
		m.Notes[key] = value
	}
}

// Upload copies files and directories into the store under name. Directory
// contents keep their layout below the directory's base name. Uploading the
// same name again within a run replaces the earlier bundle.
func (s *Store) Upload(ctx context.Context, name string, paths []string, opts ...UploadOption) (ID, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("artifact: name is required")
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("artifact: %s: no paths to upload", name)
	}
	sources, err := collect(paths)
	if err != nil {
		return "", fmt.Errorf("artifact: %s: %w", name, err)
	}
	id := s.ID(name)
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return "", err
	}
	staging, err := os.MkdirTemp(s.root, ".upload-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(staging)

	meta := Metadata{ID: id, Name: name, Run: s.run}
	for _, opt := range opts {
		opt(&meta)
	}
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		file, err := copyFile(src.abs, filepath.Join(staging, filesDir, filepath.FromSlash(src.rel)))
		if err != nil {
			return "", fmt.Errorf("artifact: %s: %w", name, err)
		}
		file.Path = src.rel
		meta.Files = append(meta.Files, file)
	}
	meta.Checksum = bundleChecksum(meta.Files)
	meta = meta.WithDefaults(s.now())
	if err := meta.Validate(); err != nil {
		return "", err
	}
	content, err := WriteFrontMatter(meta, manifestBody(meta))
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(staging, manifestFile), content, 0o644); err != nil {
		return "", err
	}
	target := s.dir(id)
	if err := os.RemoveAll(target); err != nil {
		return "", err
	}
	if err := os.Rename(staging, target); err != nil {
		return "", err
	}
	return id, nil
}

// Check inspects the artifact on disk and returns its status and metadata.
func (s *Store) Check(id ID) (CheckResult, error) {
	path := filepath.Join(s.dir(id), manifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return CheckResult{ID: id, Path: path, State: StateMissing}, nil
		}
		return CheckResult{ID: id, Path: path, State: StateError, Err: err}, err
	}
	meta, _, err := ParseFrontMatter(data)
	if err != nil {
		return invalidResult(id, path, err)
	}
	if meta.ID != id {
		return invalidResult(id, path, fmt.Errorf("artifact: manifest id %s does not match %s", meta.ID, id))
	}
	return CheckResult{ID: id, Path: path, State: StateReady, Metadata: &meta}, nil
}

// Lookup returns the manifest for an artifact uploaded under name in the
// bound run.
func (s *Store) Lookup(name string) (Metadata, error) {
	return s.Metadata(s.ID(name))
}

// Metadata returns the manifest for id or ErrNotFound.
func (s *Store) Metadata(id ID) (Metadata, error) {
	result, err := s.Check(id)
	if err != nil {
		return Metadata{}, err
	}
	if result.State == StateMissing {
		return Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *result.Metadata, nil
}

// Download copies the artifact's files into dest, verifying every checksum,
// and returns the written paths.
func (s *Store) Download(ctx context.Context, id ID, dest string) ([]string, error) {
	meta, err := s.Metadata(id)
	if err != nil {
		return nil, err
	}
	written := make([]string, 0, len(meta.Files))
	for _, file := range meta.Files {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		target := filepath.Join(dest, filepath.FromSlash(file.Path))
		copied, err := copyFile(filepath.Join(s.dir(id), filesDir, filepath.FromSlash(file.Path)), target)
		if err != nil {
			return written, fmt.Errorf("artifact: download %s: %w", meta.Name, err)
		}
		if copied.SHA256 != file.SHA256 {
			return written, fmt.Errorf("artifact: %s/%s checksum mismatch", meta.Name, file.Path)
		}
		written = append(written, target)
	}
	return written, nil
}

// List returns the manifests uploaded by the bound run, sorted by name.
func (s *Store) List() ([]Metadata, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Metadata
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		result, err := s.Check(ID(entry.Name()))
		if err != nil || result.State != StateReady {
			continue
		}
		if result.Metadata.Run == s.run {
			out = append(out, *result.Metadata)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) dir(id ID) string {
	return filepath.Join(s.root, filepath.Base(string(id)))
}

type source struct {
	abs string
	rel string
}

func collect(paths []string) ([]source, error) {
	seen := map[string]string{}
	var out []source
	add := func(abs, rel string) error {
		rel = filepath.ToSlash(rel)
		if prev, dup := seen[rel]; dup {
			return fmt.Errorf("%s and %s both map to %s", prev, abs, rel)
		}
		seen[rel] = abs
		out = append(out, source{abs: abs, rel: rel})
		return nil
	}
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if err := add(p, filepath.Base(p)); err != nil {
				return nil, err
			}
			continue
		}
		base := filepath.Base(filepath.Clean(p))
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(p, path)
			if err != nil {
				return err
			}
			return add(path, filepath.Join(base, rel))
		})
		if err != nil {
			return nil, err
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no files found")
	}
	return out, nil
}

func copyFile(src, dst string) (File, error) {
	in, err := os.Open(src)
	if err != nil {
		return File{}, err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return File{}, err
	}
	out, err := os.Create(dst)
	if err != nil {
		return File{}, err
	}
	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(out, hash), in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return File{}, err
	}
	return File{Size: size, SHA256: hex.EncodeToString(hash.Sum(nil))}, nil
}

func bundleChecksum(files []File) string {
	hash := sha256.New()
	for _, f := range files {
		fmt.Fprintf(hash, "%s %s\n", f.SHA256, f.Path)
	}
	return hex.EncodeToString(hash.Sum(nil))
}

func manifestBody(meta Metadata) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", meta.Name)
	for _, f := range meta.Files {
		fmt.Fprintf(&b, "- %s (%d bytes)\n", f.Path, f.Size)
	}
	return []byte(b.String())
}

func invalidResult(id ID, path string, err error) (CheckResult, error) {
	return CheckResult{ID: id, Path: path, State: StateInvalid, Err: err}, err
}
