package action

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAction struct{ info Info }

func (s stubAction) Info() Info { return s.info }

func (s stubAction) Execute(context.Context, *Context, Inputs) (Outputs, error) {
	return Outputs{"ok": "true"}, nil
}

func stubFactory() Factory {
	return VersionOneOf(func() Action {
		return stubAction{info: Info{
			Name:    "stub",
			Version: "v1",
			Inputs: []Input{
				{Name: "path", Required: true},
				{Name: "mode", Default: "fast"},
			},
		}}
	}, "v1")
}

func TestRegistryResolvesVersionedReference(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("stub", stubFactory())

	act, err := reg.Resolve("stub@v1")
	require.NoError(t, err)
	assert.Equal(t, "stub@v1", act.Info().Ref())

	_, err = reg.Resolve("stub")
	require.NoError(t, err, "missing version resolves to latest")

	_, err = reg.Resolve("stub@v9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version")

	_, err = reg.Resolve("missing@v1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action missing")
}

func TestRegistryRejectsDuplicatesAndBadNames(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("stub", stubFactory()))
	require.Error(t, reg.Register("stub", stubFactory()))
	require.Error(t, reg.Register("stub@v1", stubFactory()))
	require.Error(t, reg.Register("other", nil))
	assert.Panics(t, func() { reg.MustRegister("stub", stubFactory()) })
	assert.Equal(t, []string{"stub"}, reg.Names())
}

func TestParseRef(t *testing.T) {
	name, version, err := ParseRef(" sign@v1 ")
	require.NoError(t, err)
	assert.Equal(t, "sign", name)
	assert.Equal(t, "v1", version)

	_, _, err = ParseRef("@v1")
	require.Error(t, err)
	_, _, err = ParseRef("a@v1@v2")
	require.Error(t, err)
}

func TestCheckInputsAndDefaults(t *testing.T) {
	info := Info{Name: "stub", Version: "v1", Inputs: []Input{{Name: "path", Required: true}, {Name: "mode", Default: "fast"}}}

	require.NoError(t, info.CheckInputs(map[string]string{"path": "dist"}))
	err := info.CheckInputs(map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires input path")
	err = info.CheckInputs(map[string]string{"path": "x", "bogus": "1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")

	merged := info.WithDefaults(Inputs{"path": "dist"})
	assert.Equal(t, "fast", merged["mode"])
	merged = info.WithDefaults(Inputs{"path": "dist", "mode": "slow"})
	assert.Equal(t, "slow", merged["mode"])
}

func TestInputsHelpers(t *testing.T) {
	in := Inputs{"flag": " Yes ", "files": "a.txt, b.txt\n c.txt\n"}
	assert.True(t, in.Bool("flag"))
	assert.False(t, in.Bool("missing"))
	assert.Equal(t, []string{"a.txt", "b.txt", "c.txt"}, in.List("files"))
}

func TestContextAllowed(t *testing.T) {
	var open *Context
	assert.True(t, open.Allowed("contents", "write"))

	actx := &Context{Permissions: map[string]string{"contents": "read", "id-token": "write"}}
	assert.True(t, actx.Allowed("contents", "read"))
	assert.False(t, actx.Allowed("contents", "write"))
	assert.True(t, actx.Allowed("id-token", "read"))
	assert.False(t, actx.Allowed("packages", "read"))
}
