// Package builtin provides the actions compiled into latticeci.
package builtin

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/kingrea/lattice-ci/internal/action"
	"github.com/kingrea/lattice-ci/internal/artifact"
	"github.com/kingrea/lattice-ci/internal/coverage"
	"github.com/kingrea/lattice-ci/internal/signing"
)

// Services are the shared backends the built-in actions talk to. Store is
// bound to a run by the action at call time.
type Services struct {
	Store    *artifact.Store
	Signing  signing.Service
	Relay    RelaySettings
	Coverage coverage.Uploader
	// CoverageTokenSecret names the secret holding the coverage token.
	CoverageTokenSecret string
	Logger              *slog.Logger
}

// RelaySettings tunes the signing hand-off.
type RelaySettings struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

// Register installs every built-in action into reg.
func Register(reg *action.Registry, svc Services) error {
	factories := map[string]action.Factory{
		CheckoutName:       action.VersionOneOf(func() action.Action { return &Checkout{} }, "v1"),
		SetupToolchainName: action.VersionOneOf(func() action.Action { return &SetupToolchain{} }, "v1"),
		UploadName:         action.VersionOneOf(func() action.Action { return &UploadArtifact{store: svc.Store} }, "v1"),
		DownloadName:       action.VersionOneOf(func() action.Action { return &DownloadArtifact{store: svc.Store} }, "v1"),
		SignName:           action.VersionOneOf(func() action.Action { return &Sign{svc: svc} }, "v1"),
		CoverageName:       action.VersionOneOf(func() action.Action { return &Coverage{svc: svc} }, "v1"),
		EchoName:           action.VersionOneOf(func() action.Action { return &Echo{} }, "v1"),
	}
	for _, name := range []string{CheckoutName, SetupToolchainName, UploadName, DownloadName, SignName, CoverageName, EchoName} {
		if err := reg.Register(name, factories[name]); err != nil {
			return err
		}
	}
	return nil
}

// resolve anchors a user supplied path in the workspace.
func resolve(actx *action.Context, p string) string {
	if p == "" || filepath.IsAbs(p) || actx == nil || actx.Workspace == "" {
		return p
	}
	return filepath.Join(actx.Workspace, p)
}

func storeFor(store *artifact.Store, actx *action.Context) (*artifact.Store, error) {
	if store == nil {
		return nil, fmt.Errorf("no artifact store configured")
	}
	return store.ForRun(actx.RunID), nil
}
