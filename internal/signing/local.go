package signing

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/kingrea/lattice-ci/internal/artifact"
	"github.com/kingrea/lattice-ci/internal/workflow"
)

// SignedSuffix is appended to an artifact name for its signed counterpart.
const SignedSuffix = "-signed"

// Policy restricts which artifacts a named policy will sign. An empty
// Artifacts list accepts every artifact name.
type Policy struct {
	Name      string
	Artifacts []string
}

func (p Policy) accepts(name string) bool {
	return len(p.Artifacts) == 0 || workflow.MatchAny(p.Artifacts, name)
}

// LocalService signs artifacts with an ed25519 key on the local machine.
// Requests are processed in the background; callers observe them through
// Poll exactly as they would a remote service.
type LocalService struct {
	store    *artifact.Store
	key      ed25519.PrivateKey
	policies map[string]Policy
	logger   *slog.Logger

	mu       sync.Mutex
	requests map[RequestID]PollResult
	wg       sync.WaitGroup
}

// LocalOption customizes a LocalService.
type LocalOption func(*LocalService)

// WithPolicies installs the accepted policies. Without any policy the service
// rejects every submission.
func WithPolicies(policies ...Policy) LocalOption {
	return func(s *LocalService) {
		for _, p := range policies {
			s.policies[p.Name] = p
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) LocalOption {
	return func(s *LocalService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewLocalService builds a service that reads and writes artifacts in store.
func NewLocalService(store *artifact.Store, key ed25519.PrivateKey, opts ...LocalOption) (*LocalService, error) {
	if store == nil {
		return nil, fmt.Errorf("signing: artifact store is required")
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing: invalid private key")
	}
	svc := &LocalService{
		store:    store,
		key:      key,
		policies: map[string]Policy{},
		logger:   slog.Default(),
		requests: map[RequestID]PollResult{},
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Submit queues id for signing under policy.
func (s *LocalService) Submit(ctx context.Context, id artifact.ID, policy string) (RequestID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	meta, err := s.store.Metadata(id)
	if err != nil {
		return "", err
	}
	req := RequestID(uuid.NewString())
	s.mu.Lock()
	s.requests[req] = PollResult{Status: StatusPending}
	s.mu.Unlock()

	p, ok := s.policies[policy]
	switch {
	case !ok:
		s.finish(req, PollResult{Status: StatusRejected, Reason: fmt.Sprintf("unknown policy %q", policy)})
		return req, nil
	case !p.accepts(meta.Name):
		s.finish(req, PollResult{Status: StatusRejected, Reason: fmt.Sprintf("policy %s does not cover %s", policy, meta.Name)})
		return req, nil
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		signed, err := s.sign(meta)
		if err != nil {
			s.logger.Warn("signing failed", "artifact", meta.Name, "request", req, "error", err)
			s.finish(req, PollResult{Status: StatusRejected, Reason: err.Error()})
			return
		}
		s.logger.Info("artifact signed", "artifact", meta.Name, "signed", signed, "request", req)
		s.finish(req, PollResult{Status: StatusSigned, Signed: signed})
	}()
	return req, nil
}

// Poll returns the current status of req.
func (s *LocalService) Poll(ctx context.Context, req RequestID) (PollResult, error) {
	if err := ctx.Err(); err != nil {
		return PollResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.requests[req]
	if !ok {
		return PollResult{}, fmt.Errorf("%w: %s", ErrUnknownRequest, req)
	}
	return result, nil
}

// Wait blocks until every background signature finished.
func (s *LocalService) Wait() {
	s.wg.Wait()
}

func (s *LocalService) finish(req RequestID, result PollResult) {
	s.mu.Lock()
	s.requests[req] = result
	s.mu.Unlock()
}

// sign downloads the artifact, writes a .sig next to each file, and uploads
// the lot as <name>-signed in the producing run.
func (s *LocalService) sign(meta artifact.Metadata) (artifact.ID, error) {
	work, err := os.MkdirTemp("", "latticeci-sign-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(work)
	ctx := context.Background()
	files, err := s.store.Download(ctx, meta.ID, work)
	if err != nil {
		return "", err
	}
	paths := make([]string, 0, len(files)*2)
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", err
		}
		sigPath := file + SignatureExt
		if err := os.WriteFile(sigPath, []byte(Sign(s.key, data)), 0o644); err != nil {
			return "", err
		}
	}
	entries, err := os.ReadDir(work)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		paths = append(paths, filepath.Join(work, entry.Name()))
	}
	return s.store.ForRun(meta.Run).Upload(ctx, meta.Name+SignedSuffix, paths,
		artifact.WithProducer("signing"),
		artifact.WithNote("signed-from", string(meta.ID)),
	)
}
