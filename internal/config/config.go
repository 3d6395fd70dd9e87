// internal/config/config.go
//
// This package handles configuration and the .latticeci directory structure.
// Every repository that runs pipelines locally gets a .latticeci/ folder in
// its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// Dir is the name of the directory we create in each repository.
	Dir = ".latticeci"

	// FileName is the project configuration file inside Dir.
	FileName = "config.yaml"

	// DefaultCoverageTokenSecret names the secret holding the coverage token.
	DefaultCoverageTokenSecret = "COVERAGE_TOKEN"
)

// Environment overrides applied after the file is read.
const (
	EnvMaxParallel = "LATTICECI_MAX_PARALLEL"
	EnvLogLevel    = "LATTICECI_LOG_LEVEL"
	EnvServerPort  = "LATTICECI_SERVER_PORT"
)

const defaultProjectConfigYAML = `# latticeci project configuration
version: 1

runtime:
  # How many job instances may run at once across the whole pipeline.
  max_parallel: 4
  # Directory steps run in, relative to the repository root.
  workspace: .
  shell: sh

logging:
  level: info   # debug | info | warn | error
  format: text  # text | json

artifacts:
  dir: .latticeci/artifacts

signing:
  key_dir: .latticeci/keys
  poll_interval: 2s
  timeout: 10m
  policies:
    - name: release
      artifacts: ["*"]

coverage:
  # endpoint: https://coverage.example.com/upload
  token_secret: COVERAGE_TOKEN
  timeout: 30s

secrets:
  # Environment variables exposed to pipelines as secrets.
  from_env: []

server:
  host: 127.0.0.1
  port: 8765
`

// RuntimeConfig controls local execution.
type RuntimeConfig struct {
	MaxParallel int    `yaml:"max_parallel"`
	Workspace   string `yaml:"workspace"`
	Shell       string `yaml:"shell"`
}

// LoggingConfig selects the structured log handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ArtifactsConfig locates the artifact store.
type ArtifactsConfig struct {
	Dir string `yaml:"dir"`
}

// PolicyConfig declares one signing policy.
type PolicyConfig struct {
	Name      string   `yaml:"name"`
	Artifacts []string `yaml:"artifacts,omitempty"`
}

// SigningConfig configures the local signing service and relay.
type SigningConfig struct {
	KeyDir       string         `yaml:"key_dir"`
	PollInterval time.Duration  `yaml:"poll_interval"`
	Timeout      time.Duration  `yaml:"timeout"`
	Policies     []PolicyConfig `yaml:"policies,omitempty"`
}

// CoverageConfig configures the coverage uploader.
type CoverageConfig struct {
	Endpoint    string        `yaml:"endpoint,omitempty"`
	TokenSecret string        `yaml:"token_secret"`
	Timeout     time.Duration `yaml:"timeout"`
}

// SecretsConfig lists environment variables surfaced as pipeline secrets.
type SecretsConfig struct {
	FromEnv []string `yaml:"from_env,omitempty"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ProjectConfig models .latticeci/config.yaml.
type ProjectConfig struct {
	Version   int             `yaml:"version"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Logging   LoggingConfig   `yaml:"logging"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Signing   SigningConfig   `yaml:"signing"`
	Coverage  CoverageConfig  `yaml:"coverage"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Server    ServerConfig    `yaml:"server"`
}

// Config holds the resolved runtime configuration.
type Config struct {
	// ProjectDir is the repository root latticeci runs from.
	ProjectDir string

	// StateDir is ProjectDir/.latticeci
	StateDir string

	Project ProjectConfig
}

// InitDir creates the .latticeci directory structure in projectDir and writes
// a commented default config when none exists.
//
// Structure created:
// .latticeci/
// ├── pipelines/   <- pipeline definitions
// ├── runs/        <- per-run state, logbook and step logs
// ├── artifacts/   <- uploaded artifacts
// ├── keys/        <- signing keys
// └── logs/        <- process log
func InitDir(projectDir string) error {
	root := filepath.Join(projectDir, Dir)
	dirs := []string{
		filepath.Join(root, "pipelines"),
		filepath.Join(root, "runs"),
		filepath.Join(root, "artifacts"),
		filepath.Join(root, "logs"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Join(root, "keys"), 0o700); err != nil {
		return err
	}
	return ensureProjectConfig(filepath.Join(root, FileName))
}

// Load reads the project config (defaults when the file is missing) and
// applies environment overrides.
func Load(projectDir string) (*Config, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve project dir: %w", err)
	}
	cfg := &Config{
		ProjectDir: abs,
		StateDir:   filepath.Join(abs, Dir),
		Project:    defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	cfg.Project.applyEnv()
	cfg.Project.normalize(cfg.ProjectDir)
	if err := cfg.Project.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// LogsDir returns the path to the process log directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// PipelinesDir returns the directory holding pipeline definitions.
func (c *Config) PipelinesDir() string {
	return filepath.Join(c.StateDir, "pipelines")
}

// ArtifactsDir returns the artifact store root.
func (c *Config) ArtifactsDir() string {
	return c.Project.Artifacts.Dir
}

// KeyDir returns the signing key directory.
func (c *Config) KeyDir() string {
	return c.Project.Signing.KeyDir
}

// Workspace returns the directory steps run in.
func (c *Config) Workspace() string {
	return c.Project.Runtime.Workspace
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.StateDir, FileName)
}

// Secrets collects the configured secrets from the process environment.
// Unset variables are skipped.
func (c *Config) Secrets() map[string]string {
	out := map[string]string{}
	for _, name := range c.Project.Secrets.FromEnv {
		if value, ok := os.LookupEnv(name); ok {
			out[name] = value
		}
	}
	return out
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	parsed := defaultProjectConfig()
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	parsed.applyDefaults()
	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version: 1,
		Runtime: RuntimeConfig{MaxParallel: 4, Workspace: ".", Shell: "sh"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Artifacts: ArtifactsConfig{
			Dir: filepath.Join(Dir, "artifacts"),
		},
		Signing: SigningConfig{
			KeyDir:       filepath.Join(Dir, "keys"),
			PollInterval: 2 * time.Second,
			Timeout:      10 * time.Minute,
		},
		Coverage: CoverageConfig{TokenSecret: DefaultCoverageTokenSecret, Timeout: 30 * time.Second},
		Server:   ServerConfig{Host: "127.0.0.1", Port: 8765},
	}
}

func (pc *ProjectConfig) applyDefaults() {
	defaults := defaultProjectConfig()
	if pc.Version == 0 {
		pc.Version = 1
	}
	if strings.TrimSpace(pc.Runtime.Shell) == "" {
		pc.Runtime.Shell = defaults.Runtime.Shell
	}
	if strings.TrimSpace(pc.Runtime.Workspace) == "" {
		pc.Runtime.Workspace = defaults.Runtime.Workspace
	}
	if pc.Logging.Level == "" {
		pc.Logging.Level = defaults.Logging.Level
	}
	if pc.Logging.Format == "" {
		pc.Logging.Format = defaults.Logging.Format
	}
	if pc.Artifacts.Dir == "" {
		pc.Artifacts.Dir = defaults.Artifacts.Dir
	}
	if pc.Signing.KeyDir == "" {
		pc.Signing.KeyDir = defaults.Signing.KeyDir
	}
	if pc.Signing.PollInterval <= 0 {
		pc.Signing.PollInterval = defaults.Signing.PollInterval
	}
	if pc.Signing.Timeout <= 0 {
		pc.Signing.Timeout = defaults.Signing.Timeout
	}
	if pc.Coverage.TokenSecret == "" {
		pc.Coverage.TokenSecret = defaults.Coverage.TokenSecret
	}
	if pc.Coverage.Timeout <= 0 {
		pc.Coverage.Timeout = defaults.Coverage.Timeout
	}
}

func (pc *ProjectConfig) applyEnv() {
	if value := strings.TrimSpace(os.Getenv(EnvMaxParallel)); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed >= 0 {
			pc.Runtime.MaxParallel = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv(EnvLogLevel)); value != "" {
		pc.Logging.Level = value
	}
	if value := strings.TrimSpace(os.Getenv(EnvServerPort)); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			pc.Server.Port = parsed
		}
	}
}

func (pc *ProjectConfig) normalize(base string) {
	pc.Runtime.Workspace = resolvePath(base, pc.Runtime.Workspace)
	pc.Artifacts.Dir = resolvePath(base, pc.Artifacts.Dir)
	pc.Signing.KeyDir = resolvePath(base, pc.Signing.KeyDir)
	pc.Logging.Level = strings.ToLower(strings.TrimSpace(pc.Logging.Level))
	pc.Logging.Format = strings.ToLower(strings.TrimSpace(pc.Logging.Format))
	pc.Coverage.Endpoint = strings.TrimSpace(pc.Coverage.Endpoint)
	pc.Server.Host = strings.TrimSpace(pc.Server.Host)
	for i := range pc.Signing.Policies {
		pc.Signing.Policies[i].Name = strings.TrimSpace(pc.Signing.Policies[i].Name)
	}
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if pc.Runtime.MaxParallel < 0 {
		return fmt.Errorf("runtime.max_parallel must be >= 0")
	}
	switch pc.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error")
	}
	switch pc.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be 'text' or 'json'")
	}
	seen := map[string]struct{}{}
	for i, p := range pc.Signing.Policies {
		if p.Name == "" {
			return fmt.Errorf("signing.policies[%d]: name is required", i)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("signing.policies[%d]: duplicate policy %s", i, p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	if pc.Server.Port <= 0 || pc.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	return nil
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}

// Save writes the project config back to disk.
func (c *Config) Save() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(c.StateDir, 0o755); err != nil {
		return fmt.Errorf("config: ensure state dir: %w", err)
	}
	data, err := yaml.Marshal(c.Project)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(c.ProjectConfigPath(), data, 0o644); err != nil {
		return fmt.Errorf("config: write project config: %w", err)
	}
	return nil
}
