package signing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kingrea/lattice-ci/internal/action"
	"github.com/kingrea/lattice-ci/internal/artifact"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultTimeout      = 10 * time.Minute
)

// Relay runs the upload, submit, poll and download hand-off.
type Relay struct {
	Store        *artifact.Store
	Service      Service
	PollInterval time.Duration
	Timeout      time.Duration
	Logger       *slog.Logger
}

// Result describes a completed hand-off.
type Result struct {
	Uploaded artifact.ID
	Request  RequestID
	Signed   artifact.ID
	Files    []string
}

// Sign uploads paths as name, submits it under policy and waits for the
// signed artifact, which is downloaded into dest. Service failures, a
// rejection and the timeout are reported as *action.ExternalServiceError.
func (r *Relay) Sign(ctx context.Context, name string, paths []string, policy, dest string) (Result, error) {
	if r.Store == nil || r.Service == nil {
		return Result{}, fmt.Errorf("signing: relay requires a store and a service")
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var result Result
	id, err := r.Store.Upload(ctx, name, paths)
	if err != nil {
		return result, err
	}
	result.Uploaded = id
	logger.Info("artifact uploaded for signing", "artifact", name, "id", id, "policy", policy)

	req, err := r.Service.Submit(ctx, id, policy)
	if err != nil {
		return result, external("submit", err)
	}
	result.Request = req

	poll, err := r.wait(ctx, req)
	if err != nil {
		return result, err
	}
	if poll.Status == StatusRejected {
		return result, external("poll", fmt.Errorf("request %s rejected: %s", req, poll.Reason))
	}
	result.Signed = poll.Signed

	files, err := r.Store.Download(ctx, poll.Signed, dest)
	if err != nil {
		return result, external("download", err)
	}
	result.Files = files
	logger.Info("signed artifact downloaded", "artifact", name, "signed", poll.Signed, "files", len(files))
	return result, nil
}

// wait polls on a ticker until the request leaves pending or the timeout
// expires.
func (r *Relay) wait(ctx context.Context, req RequestID) (PollResult, error) {
	interval := r.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-waitCtx.Done():
			if errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return PollResult{}, external("poll", fmt.Errorf("request %s still pending after %s", req, timeout))
			}
			return PollResult{}, ctx.Err()
		case <-ticker.C:
			result, err := r.Service.Poll(waitCtx, req)
			if err != nil {
				if ctx.Err() != nil {
					return PollResult{}, ctx.Err()
				}
				return PollResult{}, external("poll", err)
			}
			if result.Status != StatusPending {
				return result, nil
			}
		}
	}
}

func external(op string, err error) error {
	return &action.ExternalServiceError{Service: "signing", Op: op, Err: err}
}
