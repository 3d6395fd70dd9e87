package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/lattice-ci/internal/config"
	"github.com/kingrea/lattice-ci/internal/signing"
)

const greetPipeline = `
name: greet
jobs:
  hello:
    steps:
      - uses: echo@v1
        with:
          message: hello
  after:
    needs: hello
    steps:
      - run: "true"
`

const brokenPipeline = `
name: broken
jobs:
  build:
    steps:
      - run: "exit 3"
  deploy:
    needs: build
    steps:
      - run: "true"
`

type captured struct {
	out bytes.Buffer
	err bytes.Buffer
}

func (c *captured) streams() Streams {
	return Streams{In: bytes.NewReader(nil), Out: &c.out, Err: &c.err}
}

func invoke(t *testing.T, args ...string) (*captured, error) {
	t.Helper()
	c := &captured{}
	err := Run(context.Background(), c.streams(), args)
	return c, err
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailed
}

func writePipeline(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestRunWithoutCommandPrintsUsage(t *testing.T) {
	c, err := invoke(t)
	assert.Equal(t, ExitUsage, exitCode(t, err))
	assert.Contains(t, c.out.String(), "Commands:")

	c, err = invoke(t, "help")
	assert.NoError(t, err)
	assert.Contains(t, c.out.String(), "keygen")
}

func TestUnknownCommand(t *testing.T) {
	c, err := invoke(t, "deploy")
	assert.Equal(t, ExitUsage, exitCode(t, err))
	assert.Contains(t, err.Error(), `unknown command "deploy"`)
	assert.Contains(t, c.err.String(), "Usage:")
}

func TestInitCreatesLayout(t *testing.T) {
	dir := t.TempDir()
	c, err := invoke(t, "init", dir)
	require.NoError(t, err)
	assert.Contains(t, c.out.String(), config.Dir)
	for _, sub := range []string{"pipelines", "runs", "artifacts", "keys", "logs"} {
		assert.DirExists(t, filepath.Join(dir, config.Dir, sub))
	}
	assert.FileExists(t, filepath.Join(dir, config.Dir, config.FileName))
}

func TestPlanListsInstances(t *testing.T) {
	dir := t.TempDir()
	path := writePipeline(t, dir, "ci.yaml", greetPipeline)
	c, err := invoke(t, "plan", "-project", dir, path)
	require.NoError(t, err)
	out := c.out.String()
	assert.Contains(t, out, "pipeline greet: 2 job(s), 2 instance(s)")
	assert.Contains(t, out, "after <- hello")
}

func TestPlanFindsPipelinesByName(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, config.InitDir(dir))
	writePipeline(t, filepath.Join(dir, config.Dir, "pipelines"), "greet.yaml", greetPipeline)
	c, err := invoke(t, "plan", "-project", dir, "greet")
	require.NoError(t, err)
	assert.Contains(t, c.out.String(), "pipeline greet")

	_, err = invoke(t, "plan", "-project", dir, "missing")
	assert.Equal(t, ExitUsage, exitCode(t, err))
}

func TestPlanRejectsCycles(t *testing.T) {
	dir := t.TempDir()
	path := writePipeline(t, dir, "cycle.yaml", "jobs:\n  a:\n    needs: b\n    steps: [{run: 'true'}]\n  b:\n    needs: a\n    steps: [{run: 'true'}]\n")
	_, err := invoke(t, "plan", "-project", dir, path)
	assert.Equal(t, ExitUsage, exitCode(t, err))
}

func TestRunCommandSucceeds(t *testing.T) {
	dir := t.TempDir()
	path := writePipeline(t, dir, "ci.yaml", greetPipeline)
	c, err := invoke(t, "run", "-project", dir, "-watch", "never", path)
	require.NoError(t, err, c.err.String())
	out := c.out.String()
	assert.Contains(t, out, "SUCCEEDED")
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "after")

	c, err = invoke(t, "runs", "-project", dir)
	require.NoError(t, err)
	assert.Contains(t, c.out.String(), "greet")
	assert.Contains(t, c.out.String(), "2 ok, 0 failed, 0 skipped")
}

func TestRunCommandFailureExitsOne(t *testing.T) {
	dir := t.TempDir()
	path := writePipeline(t, dir, "broken.yaml", brokenPipeline)
	c, err := invoke(t, "run", "-project", dir, "-watch", "never", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailed, exitCode(t, err))
	assert.Contains(t, err.Error(), "pipeline broken failed")
	assert.Contains(t, c.out.String(), "FAILED")
}

func TestRunCommandFlagValidation(t *testing.T) {
	dir := t.TempDir()
	path := writePipeline(t, dir, "ci.yaml", greetPipeline)
	cases := map[string][]string{
		"no pipeline":    {"run", "-project", dir, "-watch", "never"},
		"bad watch mode": {"run", "-project", dir, "-watch", "sometimes", path},
		"negative limit": {"run", "-project", dir, "-max-parallel", "-1", path},
		"malformed var":  {"run", "-project", dir, "-var", "novalue", path},
		"bad log level":  {"run", "-project", dir, "-log-level", "loud", "-watch", "never", path},
		"missing secret": {"run", "-project", dir, "-watch", "never", "-secret", "LATTICECI_TEST_UNSET_SECRET", path},
		"unknown flag":   {"run", "-nope", path},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := invoke(t, args...)
			assert.Equal(t, ExitUsage, exitCode(t, err))
		})
	}
}

func TestLogsPrintsLogbookTail(t *testing.T) {
	dir := t.TempDir()
	path := writePipeline(t, dir, "ci.yaml", greetPipeline)
	_, err := invoke(t, "run", "-project", dir, "-watch", "never", path)
	require.NoError(t, err)

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	entries, err := os.ReadDir(filepath.Join(cfg.StateDir, "runs"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	runID := entries[0].Name()

	c, err := invoke(t, "logs", "-project", dir, "-n", "50", runID)
	require.NoError(t, err)
	assert.NotEmpty(t, c.out.String())

	_, err = invoke(t, "logs", "-project", dir, "greet-missing")
	assert.Equal(t, ExitFailed, exitCode(t, err))
}

func TestKeygenAndVerify(t *testing.T) {
	dir := t.TempDir()
	c, err := invoke(t, "keygen", "-project", dir)
	require.NoError(t, err)
	assert.Contains(t, c.out.String(), signing.PublicKeyFile)

	_, err = invoke(t, "keygen", "-project", dir)
	assert.Equal(t, ExitUsage, exitCode(t, err), "existing keys need -force")

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	_, priv, err := signing.LoadKeyPair(cfg.KeyDir())
	require.NoError(t, err)

	file := filepath.Join(dir, "app.tar.gz")
	require.NoError(t, os.WriteFile(file, []byte("release bits"), 0o644))
	require.NoError(t, os.WriteFile(file+signing.SignatureExt, []byte(signing.Sign(priv, []byte("release bits"))), 0o644))

	c, err = invoke(t, "verify", "-project", dir, file)
	require.NoError(t, err)
	assert.Contains(t, c.out.String(), "signature ok")

	require.NoError(t, os.WriteFile(file, []byte("tampered"), 0o644))
	_, err = invoke(t, "verify", "-project", dir, file)
	assert.Equal(t, ExitFailed, exitCode(t, err))
}

func TestKeyValueAndListFlags(t *testing.T) {
	var kv keyValueFlag
	require.NoError(t, kv.Set("region=eu=west"))
	assert.Equal(t, "eu=west", kv["region"])
	assert.Error(t, kv.Set("=x"))

	var list listFlag
	require.NoError(t, list.Set("docs/a.md, src/b.go"))
	require.NoError(t, list.Set("c"))
	assert.Equal(t, listFlag{"docs/a.md", "src/b.go", "c"}, list)
}
