package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, projectDir, body string) {
	t.Helper()
	dir := filepath.Join(projectDir, Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(strings.TrimSpace(body)), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDefaultsWhenMissing(t *testing.T) {
	projectDir := t.TempDir()
	cfg, err := Load(projectDir)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Project.Version != 1 {
		t.Fatalf("expected default version == 1, got %d", cfg.Project.Version)
	}
	if cfg.Project.Runtime.MaxParallel != 4 {
		t.Fatalf("expected default max_parallel 4, got %d", cfg.Project.Runtime.MaxParallel)
	}
	if !strings.HasPrefix(cfg.ArtifactsDir(), cfg.ProjectDir) {
		t.Fatalf("artifacts dir should be resolved, got %s", cfg.ArtifactsDir())
	}
	if cfg.Project.Signing.PollInterval != 2*time.Second {
		t.Fatalf("unexpected poll interval %s", cfg.Project.Signing.PollInterval)
	}
}

func TestLoadParsesYaml(t *testing.T) {
	projectDir := t.TempDir()
	writeConfig(t, projectDir, `
version: 1
runtime:
  max_parallel: 2
  workspace: src
logging:
  level: DEBUG
  format: json
signing:
  key_dir: keys
  poll_interval: 500ms
  timeout: 1m
  policies:
    - name: release
      artifacts: ["starship-*"]
coverage:
  endpoint: https://coverage.example.com/upload
secrets:
  from_env: [LATTICECI_TEST_TOKEN, LATTICECI_UNSET_TOKEN]
`)
	t.Setenv("LATTICECI_TEST_TOKEN", "s3cr3t")
	cfg, err := Load(projectDir)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Project.Runtime.MaxParallel != 2 {
		t.Fatalf("max_parallel = %d", cfg.Project.Runtime.MaxParallel)
	}
	if cfg.Workspace() != filepath.Join(cfg.ProjectDir, "src") {
		t.Fatalf("workspace = %s", cfg.Workspace())
	}
	if cfg.Project.Logging.Level != "debug" || cfg.Project.Logging.Format != "json" {
		t.Fatalf("logging = %+v", cfg.Project.Logging)
	}
	if cfg.Project.Signing.PollInterval != 500*time.Millisecond || cfg.Project.Signing.Timeout != time.Minute {
		t.Fatalf("signing = %+v", cfg.Project.Signing)
	}
	if len(cfg.Project.Signing.Policies) != 1 || cfg.Project.Signing.Policies[0].Artifacts[0] != "starship-*" {
		t.Fatalf("policies = %+v", cfg.Project.Signing.Policies)
	}
	if cfg.Project.Coverage.TokenSecret != DefaultCoverageTokenSecret {
		t.Fatalf("token secret default lost: %q", cfg.Project.Coverage.TokenSecret)
	}
	secrets := cfg.Secrets()
	if len(secrets) != 1 || secrets["LATTICECI_TEST_TOKEN"] != "s3cr3t" {
		t.Fatalf("secrets = %v", secrets)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	projectDir := t.TempDir()
	t.Setenv(EnvMaxParallel, "7")
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvServerPort, "9911")
	cfg, err := Load(projectDir)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Project.Runtime.MaxParallel != 7 {
		t.Fatalf("max_parallel = %d, want 7", cfg.Project.Runtime.MaxParallel)
	}
	if cfg.Project.Logging.Level != "warn" {
		t.Fatalf("level = %s, want warn", cfg.Project.Logging.Level)
	}
	if cfg.Project.Server.Port != 9911 {
		t.Fatalf("port = %d, want 9911", cfg.Project.Server.Port)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"format": "logging:\n  format: xml\n",
		"policy": "signing:\n  policies:\n    - artifacts: ['*']\n",
		"port":   "server:\n  port: 70000\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			projectDir := t.TempDir()
			writeConfig(t, projectDir, body)
			if _, err := Load(projectDir); err == nil {
				t.Fatalf("expected validation error but got none")
			}
		})
	}
}

func TestInitDirWritesDefaultConfigOnce(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitDir(projectDir); err != nil {
		t.Fatalf("InitDir: %v", err)
	}
	for _, sub := range []string{"pipelines", "runs", "artifacts", "keys", "logs"} {
		if info, err := os.Stat(filepath.Join(projectDir, Dir, sub)); err != nil || !info.IsDir() {
			t.Fatalf("missing %s: %v", sub, err)
		}
	}
	path := filepath.Join(projectDir, Dir, FileName)
	if err := os.WriteFile(path, []byte("version: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := InitDir(projectDir); err != nil {
		t.Fatalf("InitDir again: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "version: 2\n" {
		t.Fatalf("existing config was overwritten")
	}
	cfg, err := Load(projectDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Project.Version != 2 {
		t.Fatalf("version = %d", cfg.Project.Version)
	}
}

func TestDefaultConfigParses(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitDir(projectDir); err != nil {
		t.Fatalf("InitDir: %v", err)
	}
	cfg, err := Load(projectDir)
	if err != nil {
		t.Fatalf("default config must load: %v", err)
	}
	if len(cfg.Project.Signing.Policies) != 1 || cfg.Project.Signing.Policies[0].Name != "release" {
		t.Fatalf("policies = %+v", cfg.Project.Signing.Policies)
	}
}
