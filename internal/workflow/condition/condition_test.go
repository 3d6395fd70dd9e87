package condition

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/lattice-ci/internal/workflow"
)

func testScope() Scope {
	rc := workflow.NewRunContext(workflow.Event{
		Name:       workflow.EventPush,
		Ref:        "refs/heads/master",
		Repository: "starship/starship",
		SHA:        "abc123",
		Payload: map[string]any{
			"pull_request": map[string]any{"head": map[string]any{"repo": map[string]any{"fork": true}}},
		},
	}, map[string]string{"CODECOV_TOKEN": "t0k"}, map[string]string{"CHANNEL": "stable"})
	scope := NewScope(rc)
	scope.Matrix = map[string]string{"os": "windows-latest", "rust": "stable", "release": "true"}
	scope.Env = map[string]string{"PROFILE": "release"}
	scope.Steps = map[string]StepState{
		"version": {Outputs: map[string]string{"tag": "v1.2.3"}, Outcome: "success", Conclusion: "success"},
	}
	scope.Runner = "windows-latest"
	return scope
}

func TestEvaluateExpressions(t *testing.T) {
	e := New()
	scope := testScope()
	cases := map[string]bool{
		"":                                 true,
		"matrix.os == 'windows-latest'":    true,
		"${{ matrix.os == 'windows-latest' }}": true,
		"matrix.os != \"windows-latest\"": false,
		"matrix.release":                   true,
		"github.ref == 'refs/heads/master' && github.event_name == 'push'": true,
		"github.repository == 'starship/starship' || false":               true,
		"github.ref_name == 'master'":                                     true,
		"startsWith(github.ref, 'refs/heads/')":                           true,
		"endsWith(matrix.os, '-LATEST')":                                  true,
		"contains(github.repository, 'starship')":                         true,
		"contains(github.changed_paths, 'src/main.rs')":                   false,
		"steps.version.outputs.tag == 'v1.2.3'":                           true,
		"steps.version.outcome == 'success'":                              true,
		"secrets.CODECOV_TOKEN != ''":                                     true,
		"vars.CHANNEL == 'stable'":                                        true,
		"github.event.pull_request.head.repo.fork":                        true,
		"!(matrix.rust == 'nightly')":                                     true,
		"success()":                                                       true,
		"failure()":                                                       false,
		"always()":                                                        true,
		"format('{0}-{1}', matrix.os, matrix.rust) == 'windows-latest-stable'": true,
		"runner.label == 'windows-latest'":                                     true,
		"job.status == 'success'":                                              true,
	}
	for expr, want := range cases {
		got, err := e.Evaluate(expr, scope)
		require.NoError(t, err, expr)
		assert.Equal(t, want, got, expr)
	}
}

func TestEvaluateMissingFieldsAreFalse(t *testing.T) {
	e := New()
	scope := testScope()
	for _, expr := range []string{
		"secrets.NOT_THERE != ''",
		"matrix.arch == 'x86_64'",
		"steps.unknown.outputs.tag == 'x'",
		"unknownroot.value",
	} {
		got, err := e.Evaluate(expr, scope)
		assert.False(t, got, expr)
		var condErr *ConditionError
		require.True(t, errors.As(err, &condErr), "expected ConditionError for %s", expr)
		assert.Equal(t, expr, condErr.Expr)
	}
}

func TestEvaluateMalformedGuardIsFalse(t *testing.T) {
	e := New()
	got, err := e.Evaluate("matrix.os == ", testScope())
	assert.False(t, got)
	require.Error(t, err)
}

func TestEvaluateStringTruthiness(t *testing.T) {
	e := New()
	scope := testScope()
	scope.Matrix["release"] = "false"
	got, err := e.Evaluate("matrix.release", scope)
	require.NoError(t, err)
	assert.False(t, got)
	scope.Matrix["release"] = ""
	got, err = e.Evaluate("matrix.release", scope)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestStatusFunctionsFollowScope(t *testing.T) {
	e := New()
	scope := testScope()
	scope.Status = Status{Failed: true}
	got, err := e.Evaluate("failure()", scope)
	require.NoError(t, err)
	assert.True(t, got)
	got, err = e.Evaluate("success()", scope)
	require.NoError(t, err)
	assert.False(t, got)
	scope.Status = Status{Cancelled: true}
	got, err = e.Evaluate("cancelled() && job.status == 'cancelled'", scope)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestInterpolate(t *testing.T) {
	e := New()
	scope := testScope()
	out, err := e.Interpolate("starship-${{ matrix.os }}-${{ steps.version.outputs.tag }}.zip", scope)
	require.NoError(t, err)
	assert.Equal(t, "starship-windows-latest-v1.2.3.zip", out)

	out, err = e.Interpolate("plain text", scope)
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)

	out, err = e.Interpolate("token=${{ secrets.MISSING }};", scope)
	assert.Error(t, err)
	assert.Equal(t, "token=;", out)

	out, err = e.Interpolate("${{ matrix.release }}/${{ 1 + 2 }}", scope)
	require.NoError(t, err)
	assert.Equal(t, "true/3", out)
}

func TestInterpolateMap(t *testing.T) {
	e := New()
	out, err := e.InterpolateMap(map[string]string{"name": "bin-${{ matrix.os }}"}, testScope())
	require.NoError(t, err)
	assert.Equal(t, "bin-windows-latest", out["name"])
}

func TestRewriteQuotes(t *testing.T) {
	assert.Equal(t, `a == "it's"`, rewriteQuotes(`a == 'it''s'`))
	assert.Equal(t, `a == "say \"hi\""`, rewriteQuotes(`a == 'say "hi"'`))
	assert.Equal(t, `a == "$${x}"`, rewriteQuotes(`a == '${x}'`))
	assert.Equal(t, `a == "don't"`, rewriteQuotes(`a == "don't"`))
}
