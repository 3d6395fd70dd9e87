// Package signing hands release artifacts to a signing service and brings
// the signed result back into the artifact store.
package signing

import (
	"context"
	"errors"

	"github.com/kingrea/lattice-ci/internal/artifact"
)

// RequestID identifies one signing submission.
type RequestID string

// Status is the lifecycle of a signing request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSigned   Status = "signed"
	StatusRejected Status = "rejected"
)

// PollResult is the service's answer to a Poll.
type PollResult struct {
	Status Status
	// Signed is set once Status is StatusSigned.
	Signed artifact.ID
	// Reason is set when Status is StatusRejected.
	Reason string
}

// Service is an external signing authority.
type Service interface {
	Submit(ctx context.Context, id artifact.ID, policy string) (RequestID, error)
	Poll(ctx context.Context, req RequestID) (PollResult, error)
}

// ErrUnknownRequest is returned by Poll for ids the service never issued.
var ErrUnknownRequest = errors.New("signing: unknown request")
