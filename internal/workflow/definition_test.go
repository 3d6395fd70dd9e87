package workflow

import (
	"errors"
	"strings"
	"testing"
)

const samplePipeline = `
name: ci
on:
  push:
    branches: [master]
    paths-ignore: ["docs/**", "*.md"]
  pull_request:
env:
  RUST_BACKTRACE: "1"
jobs:
  check:
    steps:
      - run: cargo check
  test:
    needs: check
    runs-on: ${{ matrix.os }}
    strategy:
      fail-fast: false
      max-parallel: 2
      matrix:
        os: [ubuntu-latest, macOS-latest, windows-latest]
        rust: [stable, nightly]
        include:
          - os: windows-latest
            rust: stable
            release: true
    steps:
      - id: build
        run: cargo build
      - uses: sign@v1
        if: matrix.release
        continue-on-error: true
        with:
          name: starship
`

func TestParseDefinitionYAMLPreservesDeclarationOrder(t *testing.T) {
	def, err := ParseDefinitionYAML([]byte(samplePipeline))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ids := def.JobIDs()
	if len(ids) != 2 || ids[0] != "check" || ids[1] != "test" {
		t.Fatalf("job order = %v, want [check test]", ids)
	}
	test, ok := def.Job("test")
	if !ok {
		t.Fatalf("job test missing")
	}
	if len(test.Needs) != 1 || test.Needs[0] != "check" {
		t.Fatalf("scalar needs not decoded: %v", test.Needs)
	}
	if test.Strategy.FailFastEnabled() {
		t.Fatalf("fail-fast should be disabled")
	}
	axes := test.Strategy.Matrix.AxisNames()
	if len(axes) != 2 || axes[0] != "os" || axes[1] != "rust" {
		t.Fatalf("axis order = %v", axes)
	}
	if got := test.Strategy.Matrix.Include[0]["release"]; got != "true" {
		t.Fatalf("include release = %q", got)
	}
	if test.Name != "test" {
		t.Fatalf("job name should default to id, got %q", test.Name)
	}
}

func TestParseDefinitionYAMLDecodesTriggerForms(t *testing.T) {
	def, err := ParseDefinitionYAML([]byte(samplePipeline))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	events := def.On.Events()
	if len(events) != 2 || events[0] != "pull_request" || events[1] != "push" {
		t.Fatalf("events = %v", events)
	}
	const listForm = `
on: [push, pull_request]
jobs:
  a:
    steps:
      - run: "true"
`
	def, err = ParseDefinitionYAML([]byte(listForm))
	if err != nil {
		t.Fatalf("parse list form: %v", err)
	}
	if _, ok := def.On[EventPullRequest]; !ok {
		t.Fatalf("list form lost pull_request: %v", def.On)
	}
}

func TestParseDefinitionYAMLRejectsStepWithRunAndUses(t *testing.T) {
	const payload = `
jobs:
  a:
    steps:
      - run: make
        uses: checkout@v1
`
	_, err := ParseDefinitionYAML([]byte(payload))
	if err == nil {
		t.Fatalf("expected error for step with run and uses")
	}
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}
	if !strings.Contains(err.Error(), "exactly one of run or uses") {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestParseDefinitionYAMLRejectsMissingJobs(t *testing.T) {
	_, err := ParseDefinitionYAML([]byte("name: empty\njobs: {}\n"))
	if err == nil {
		t.Fatalf("expected error when jobs are missing")
	}
	if !IsConfigError(err) {
		t.Fatalf("expected ConfigError, got %T", err)
	}
}

func TestParseDefinitionYAMLRejectsDuplicateStepIDs(t *testing.T) {
	const payload = `
jobs:
  a:
    steps:
      - id: same
        run: "true"
      - id: same
        run: "true"
`
	if _, err := ParseDefinitionYAML([]byte(payload)); err == nil {
		t.Fatalf("expected duplicate step id error")
	}
}

func TestParseDefinitionYAMLRejectsInvalidPermissionLevel(t *testing.T) {
	const payload = `
jobs:
  a:
    permissions:
      contents: admin
    steps:
      - run: "true"
`
	_, err := ParseDefinitionYAML([]byte(payload))
	if err == nil || !strings.Contains(err.Error(), "invalid level") {
		t.Fatalf("expected permission error, got %v", err)
	}
}

func TestParseDefinitionYAMLRejectsNonScalarMatrixValues(t *testing.T) {
	const payload = `
jobs:
  a:
    strategy:
      matrix:
        os:
          - {name: linux}
    steps:
      - run: "true"
`
	_, err := ParseDefinitionYAML([]byte(payload))
	if !errors.Is(err, ErrMalformedMatrix) {
		t.Fatalf("expected ErrMalformedMatrix, got %v", err)
	}
}

func TestDefinitionCloneIsDeep(t *testing.T) {
	def, err := ParseDefinitionYAML([]byte(samplePipeline))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	clone := def.Clone()
	clone.Jobs[1].Strategy.Matrix.Axes[0].Values[0] = "plan9"
	clone.Env["RUST_BACKTRACE"] = "0"
	if def.Jobs[1].Strategy.Matrix.Axes[0].Values[0] != "ubuntu-latest" {
		t.Fatalf("clone shares matrix values with original")
	}
	if def.Env["RUST_BACKTRACE"] != "1" {
		t.Fatalf("clone shares env with original")
	}
}

func TestStepDisplayName(t *testing.T) {
	cases := []struct {
		step Step
		want string
	}{
		{Step{Name: "Build", Run: "make"}, "Build"},
		{Step{Uses: "checkout@v1"}, "checkout@v1"},
		{Step{Run: "make test\nmake lint"}, "make test"},
	}
	for _, tc := range cases {
		if got := tc.step.DisplayName(); got != tc.want {
			t.Fatalf("DisplayName() = %q, want %q", got, tc.want)
		}
	}
}
