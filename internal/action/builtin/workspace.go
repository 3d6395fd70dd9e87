package builtin

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kingrea/lattice-ci/internal/action"
)

const (
	CheckoutName       = "checkout"
	SetupToolchainName = "setup-toolchain"
	EchoName           = "echo"
)

// skipped when copying a source tree into the workspace
var checkoutIgnore = map[string]struct{}{".git": {}, ".latticeci": {}}

// Checkout prepares the workspace for the triggering commit. With a source
// input the tree is copied in; otherwise the workspace is assumed to already
// hold the checkout and is only validated.
type Checkout struct{}

func (c *Checkout) Info() action.Info {
	return action.Info{
		Name:        CheckoutName,
		Version:     "v1",
		Description: "Prepare the workspace for the triggering commit",
		Inputs: []action.Input{
			{Name: "path", Description: "Directory inside the workspace", Default: "."},
			{Name: "source", Description: "Tree to copy into path"},
			{Name: "clean", Description: "Empty path before copying", Default: "false"},
		},
		Outputs: []string{"path", "ref", "sha"},
	}
}

func (c *Checkout) Execute(ctx context.Context, actx *action.Context, in action.Inputs) (action.Outputs, error) {
	if !actx.Allowed("contents", "read") {
		return nil, fmt.Errorf("checkout: job lacks contents: read permission")
	}
	target := resolve(actx, in.Get("path"))
	if target == "" {
		target = actx.Workspace
	}
	if in.Bool("clean") && in.Get("source") != "" {
		if err := os.RemoveAll(target); err != nil {
			return nil, fmt.Errorf("checkout: clean %s: %w", target, err)
		}
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, fmt.Errorf("checkout: %w", err)
	}
	if source := in.Get("source"); source != "" {
		copied, err := copyTree(ctx, resolve(actx, source), target)
		if err != nil {
			return nil, fmt.Errorf("checkout: %w", err)
		}
		actx.Printf("copied %d file(s) from %s", copied, source)
	}
	evt := actx.Run.Event()
	actx.Printf("checked out %s at %s", evt.Ref, evt.SHA)
	return action.Outputs{"path": target, "ref": evt.Ref, "sha": evt.SHA}, nil
}

func copyTree(ctx context.Context, src, dst string) (int, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("source %s is not a directory", src)
	}
	absDst, _ := filepath.Abs(dst)
	count := 0
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if _, skip := checkoutIgnore[d.Name()]; skip && path != src {
				return filepath.SkipDir
			}
			if abs, _ := filepath.Abs(path); abs == absDst {
				return filepath.SkipDir
			}
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		out := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(out, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := copyRegular(path, out); err != nil {
			return err
		}
		count++
		return nil
	})
	return count, err
}

func copyRegular(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// SetupToolchain locates a tool on PATH and reports its version.
type SetupToolchain struct{}

func (s *SetupToolchain) Info() action.Info {
	return action.Info{
		Name:        SetupToolchainName,
		Version:     "v1",
		Description: "Locate a toolchain binary and report its version",
		Inputs: []action.Input{
			{Name: "tool", Required: true},
			{Name: "version-flag", Default: "--version"},
			{Name: "require", Description: "Substring the version output must contain"},
		},
		Outputs: []string{"path", "version"},
	}
}

func (s *SetupToolchain) Execute(ctx context.Context, actx *action.Context, in action.Inputs) (action.Outputs, error) {
	tool := in.Get("tool")
	path, err := exec.LookPath(tool)
	if err != nil {
		return nil, fmt.Errorf("setup-toolchain: %s not found: %w", tool, err)
	}
	args := strings.Fields(in.Get("version-flag"))
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = actx.Workspace
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("setup-toolchain: %s %s: %w", tool, strings.Join(args, " "), err)
	}
	version := firstLine(buf.String())
	if want := in.Get("require"); want != "" && !strings.Contains(version, want) {
		return nil, fmt.Errorf("setup-toolchain: %s reports %q, want %q", tool, version, want)
	}
	actx.Printf("%s: %s", path, version)
	return action.Outputs{"path": path, "version": version}, nil
}

func firstLine(text string) string {
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			return line
		}
	}
	return ""
}

// Echo prints a message and hands it back as an output.
type Echo struct{}

func (e *Echo) Info() action.Info {
	return action.Info{
		Name:    EchoName,
		Version: "v1",
		Inputs:  []action.Input{{Name: "message", Required: true}},
		Outputs: []string{"message"},
	}
}

func (e *Echo) Execute(_ context.Context, actx *action.Context, in action.Inputs) (action.Outputs, error) {
	msg := in["message"]
	actx.Printf("%s", msg)
	return action.Outputs{"message": msg}, nil
}
