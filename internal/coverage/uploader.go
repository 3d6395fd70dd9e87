// Package coverage ships coverage reports to a reporting service. Uploads are
// best-effort: every failure comes back as *action.ExternalServiceError.
package coverage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kingrea/lattice-ci/internal/action"
)

// Uploader sends one coverage report.
type Uploader interface {
	Upload(ctx context.Context, token, reportPath string, meta Meta) error
}

// Meta identifies the commit a report belongs to.
type Meta struct {
	Repository string
	SHA        string
	Ref        string
	Flags      []string
}

// HTTPUploader posts reports to an HTTP endpoint.
type HTTPUploader struct {
	Endpoint string
	Client   *http.Client
	Logger   *slog.Logger
}

// NewHTTPUploader builds an uploader with a pooled client bounded by timeout.
func NewHTTPUploader(endpoint string, timeout time.Duration) *HTTPUploader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPUploader{
		Endpoint: endpoint,
		Client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Upload posts the report body with the token as a bearer credential.
func (u *HTTPUploader) Upload(ctx context.Context, token, reportPath string, meta Meta) error {
	logger := u.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(u.Endpoint) == "" {
		return external("configure", fmt.Errorf("no coverage endpoint configured"))
	}
	if strings.TrimSpace(token) == "" {
		return external("authenticate", fmt.Errorf("no upload token available"))
	}
	file, err := os.Open(reportPath)
	if err != nil {
		return external("read report", err)
	}
	defer file.Close()

	target, err := url.Parse(u.Endpoint)
	if err != nil {
		return external("configure", err)
	}
	query := target.Query()
	query.Set("name", filepath.Base(reportPath))
	if meta.Repository != "" {
		query.Set("repository", meta.Repository)
	}
	if meta.SHA != "" {
		query.Set("sha", meta.SHA)
	}
	if meta.Ref != "" {
		query.Set("ref", meta.Ref)
	}
	if len(meta.Flags) > 0 {
		query.Set("flags", strings.Join(meta.Flags, ","))
	}
	target.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), file)
	if err != nil {
		return external("upload", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "text/plain")

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger.Info("uploading coverage report", "report", reportPath, "endpoint", u.Endpoint)
	resp, err := client.Do(req)
	if err != nil {
		return external("upload", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return external("upload", fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body))))
	}
	logger.Info("coverage report accepted", "status", resp.Status)
	return nil
}

func external(op string, err error) error {
	return &action.ExternalServiceError{Service: "coverage", Op: op, Err: err}
}
