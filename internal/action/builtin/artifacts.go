package builtin

import (
	"context"
	"fmt"
	"strconv"

	"github.com/kingrea/lattice-ci/internal/action"
	"github.com/kingrea/lattice-ci/internal/artifact"
	"github.com/kingrea/lattice-ci/internal/coverage"
	"github.com/kingrea/lattice-ci/internal/signing"
)

const (
	UploadName   = "upload-artifact"
	DownloadName = "download-artifact"
	SignName     = "sign"
	CoverageName = "coverage"
)

// UploadArtifact stores workspace paths as a named artifact of the run.
type UploadArtifact struct {
	store *artifact.Store
}

func (u *UploadArtifact) Info() action.Info {
	return action.Info{
		Name:        UploadName,
		Version:     "v1",
		Description: "Store files as a named artifact of the run",
		Inputs: []action.Input{
			{Name: "name", Required: true},
			{Name: "path", Required: true, Description: "Files or directories, one per line"},
		},
		Outputs: []string{"id"},
	}
}

func (u *UploadArtifact) Execute(ctx context.Context, actx *action.Context, in action.Inputs) (action.Outputs, error) {
	store, err := storeFor(u.store, actx)
	if err != nil {
		return nil, fmt.Errorf("upload-artifact: %w", err)
	}
	paths := resolvePaths(actx, in.List("path"))
	if len(paths) == 0 {
		return nil, fmt.Errorf("upload-artifact: no paths given")
	}
	id, err := store.Upload(ctx, in.Get("name"), paths, artifact.WithProducer(actx.InstanceID))
	if err != nil {
		return nil, fmt.Errorf("upload-artifact: %w", err)
	}
	actx.Printf("uploaded %s as %s", in.Get("name"), id)
	return action.Outputs{"id": id.String()}, nil
}

// DownloadArtifact restores a named artifact of the run into the workspace.
type DownloadArtifact struct {
	store *artifact.Store
}

func (d *DownloadArtifact) Info() action.Info {
	return action.Info{
		Name:    DownloadName,
		Version: "v1",
		Inputs: []action.Input{
			{Name: "name", Required: true},
			{Name: "path", Default: "."},
		},
		Outputs: []string{"id", "files"},
	}
}

func (d *DownloadArtifact) Execute(ctx context.Context, actx *action.Context, in action.Inputs) (action.Outputs, error) {
	store, err := storeFor(d.store, actx)
	if err != nil {
		return nil, fmt.Errorf("download-artifact: %w", err)
	}
	id := store.ID(in.Get("name"))
	files, err := store.Download(ctx, id, resolve(actx, in.Get("path")))
	if err != nil {
		return nil, fmt.Errorf("download-artifact: %s: %w", in.Get("name"), err)
	}
	actx.Printf("downloaded %d file(s) from %s", len(files), in.Get("name"))
	return action.Outputs{"id": id.String(), "files": strconv.Itoa(len(files))}, nil
}

// Sign hands binaries to the signing service and downloads the signed
// bundle. Service trouble surfaces as *action.ExternalServiceError so the
// step is recorded as best-effort.
type Sign struct {
	svc Services
}

func (s *Sign) Info() action.Info {
	return action.Info{
		Name:        SignName,
		Version:     "v1",
		Description: "Relay binaries through the signing service",
		Inputs: []action.Input{
			{Name: "name", Required: true, Description: "Artifact name for the unsigned bundle"},
			{Name: "path", Required: true},
			{Name: "policy", Default: "default"},
			{Name: "destination", Default: "signed"},
		},
		Outputs: []string{"artifact", "request", "signed", "files"},
	}
}

func (s *Sign) Execute(ctx context.Context, actx *action.Context, in action.Inputs) (action.Outputs, error) {
	if !actx.Allowed("id-token", "write") {
		return nil, fmt.Errorf("sign: job lacks id-token: write permission")
	}
	store, err := storeFor(s.svc.Store, actx)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if s.svc.Signing == nil {
		return nil, &action.ExternalServiceError{Service: "signing", Op: "configure", Err: fmt.Errorf("no signing service configured")}
	}
	logger := actx.Logger
	if logger == nil {
		logger = s.svc.Logger
	}
	relay := &signing.Relay{
		Store:        store,
		Service:      s.svc.Signing,
		PollInterval: s.svc.Relay.PollInterval,
		Timeout:      s.svc.Relay.Timeout,
		Logger:       logger,
	}
	result, err := relay.Sign(ctx, in.Get("name"), resolvePaths(actx, in.List("path")), in.Get("policy"), resolve(actx, in.Get("destination")))
	if err != nil {
		return nil, err
	}
	actx.Printf("signed %s via request %s", in.Get("name"), result.Request)
	return action.Outputs{
		"artifact": result.Uploaded.String(),
		"request":  string(result.Request),
		"signed":   result.Signed.String(),
		"files":    strconv.Itoa(len(result.Files)),
	}, nil
}

// Coverage uploads a coverage report. The token comes from the secret named
// in the project config unless the step passes one explicitly.
type Coverage struct {
	svc Services
}

func (c *Coverage) Info() action.Info {
	return action.Info{
		Name:    CoverageName,
		Version: "v1",
		Inputs: []action.Input{
			{Name: "file", Required: true},
			{Name: "flags"},
			{Name: "token"},
		},
	}
}

func (c *Coverage) Execute(ctx context.Context, actx *action.Context, in action.Inputs) (action.Outputs, error) {
	if c.svc.Coverage == nil {
		return nil, &action.ExternalServiceError{Service: "coverage", Op: "configure", Err: fmt.Errorf("no coverage uploader configured")}
	}
	token := in.Get("token")
	if token == "" && c.svc.CoverageTokenSecret != "" {
		token, _ = actx.Run.Secret(c.svc.CoverageTokenSecret)
	}
	evt := actx.Run.Event()
	meta := coverage.Meta{
		Repository: evt.Repository,
		SHA:        evt.SHA,
		Ref:        evt.Ref,
		Flags:      in.List("flags"),
	}
	if err := c.svc.Coverage.Upload(ctx, token, resolve(actx, in.Get("file")), meta); err != nil {
		return nil, err
	}
	actx.Printf("coverage report %s uploaded", in.Get("file"))
	return action.Outputs{}, nil
}

func resolvePaths(actx *action.Context, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, resolve(actx, p))
	}
	return out
}
