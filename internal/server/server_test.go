package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/lattice-ci/internal/action"
	"github.com/kingrea/lattice-ci/internal/action/builtin"
	"github.com/kingrea/lattice-ci/internal/config"
	"github.com/kingrea/lattice-ci/internal/workflow"
	"github.com/kingrea/lattice-ci/internal/workflow/engine"
	"github.com/kingrea/lattice-ci/internal/workflow/scheduler"
)

const echoPipeline = `
name: api-ci
jobs:
  greet:
    steps:
      - uses: echo@v1
        with:
          message: hello
  after:
    needs: greet
    steps:
      - run: "true"
`

const blockingPipeline = `
name: slow
jobs:
  wait:
    steps:
      - uses: block@v1
`

type blockAction struct {
	started chan<- struct{}
}

func (b *blockAction) Info() action.Info {
	return action.Info{Name: "block", Version: "v1"}
}

func (b *blockAction) Execute(ctx context.Context, _ *action.Context, _ action.Inputs) (action.Outputs, error) {
	b.started <- struct{}{}
	<-ctx.Done()
	return nil, ctx.Err()
}

type apiHarness struct {
	engine  *engine.Engine
	runs    *Runs
	hub     *Hub
	store   *engine.MemoryStore
	server  *Server
	http    *httptest.Server
	started chan struct{}
}

func newAPIHarness(t *testing.T, settings Settings) *apiHarness {
	t.Helper()
	h := &apiHarness{
		hub:     NewHub(),
		store:   engine.NewMemoryStore(),
		started: make(chan struct{}, 4),
	}
	reg := action.NewRegistry()
	require.NoError(t, builtin.Register(reg, builtin.Services{}))
	started := h.started
	reg.MustRegister("block", action.VersionOneOf(func() action.Action { return &blockAction{started: started} }, "v1"))
	layout := workflow.NewLayout(filepath.Join(t.TempDir(), ".latticeci"))
	eng, err := engine.New(reg, h.store,
		engine.WithLayout(layout),
		engine.WithWorkspace(t.TempDir()),
		engine.WithObserver(h.hub.Publish),
	)
	require.NoError(t, err)
	h.engine = eng
	h.runs = NewRuns(eng, h.store, layout)
	h.server = NewServer(settings, h.runs, h.hub)
	h.http = httptest.NewServer(h.server.Handler())
	t.Cleanup(func() {
		h.http.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.runs.Close(ctx)
	})
	return h
}

func testSettings() Settings {
	return Settings{Host: "127.0.0.1", Port: 0, MaxBodyBytes: 4096, ReadTimeout: time.Second, IdleTimeout: time.Second}
}

func (h *apiHarness) submit(t *testing.T, src, query string) (*http.Response, Accepted) {
	t.Helper()
	resp, err := http.Post(h.http.URL+"/pipelines?"+query, "application/yaml", strings.NewReader(src))
	require.NoError(t, err)
	defer resp.Body.Close()
	var accepted Accepted
	if resp.StatusCode == http.StatusAccepted {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	}
	return resp, accepted
}

func getJSON(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func waitRun(t *testing.T, runs *Runs, runID string) engine.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state, err := runs.Wait(ctx, runID)
	require.NoError(t, err)
	return state
}

func TestSettingsFromConfigHonorsEnv(t *testing.T) {
	t.Setenv(EnvServerHost, "0.0.0.0")
	t.Setenv(config.EnvServerPort, "9001")
	cfg := &config.Config{Project: config.ProjectConfig{Server: config.ServerConfig{Host: "10.0.0.1", Port: 8000}}}
	settings := SettingsFromConfig(cfg)
	assert.Equal(t, "0.0.0.0", settings.Host)
	assert.Equal(t, 9001, settings.Port)
	assert.Equal(t, DefaultMaxBodyBytes, settings.MaxBodyBytes)
	assert.Equal(t, "http://0.0.0.0:9001", settings.URL())
}

func TestSettingsFromConfigDefaults(t *testing.T) {
	settings := SettingsFromConfig(nil)
	assert.Equal(t, DefaultHost, settings.Host)
	assert.Equal(t, DefaultPort, settings.Port)
	assert.Equal(t, DefaultReadTimeout, settings.ReadTimeout)
}

func TestServerSubmitRunsPipeline(t *testing.T) {
	h := newAPIHarness(t, testSettings())
	resp, accepted := h.submit(t, echoPipeline, "event=push&ref=refs/heads/main&sha=abc")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "/pipelines/"+accepted.RunID, resp.Header.Get("Location"))
	assert.Equal(t, "api-ci", accepted.Pipeline)
	assert.Equal(t, 2, accepted.Instances)
	assert.False(t, accepted.Suppressed)

	final := waitRun(t, h.runs, accepted.RunID)
	assert.Equal(t, engine.RunStatusSucceeded, final.Status)

	var state engine.State
	require.Equal(t, http.StatusOK, getJSON(t, h.http.URL+"/pipelines/"+accepted.RunID, &state))
	assert.Equal(t, engine.RunStatusSucceeded, state.Status)
	assert.Equal(t, "abc", state.Event.SHA)
	greet, ok := state.Instance("greet")
	require.True(t, ok)
	assert.Equal(t, scheduler.StateSucceeded, greet.State)

	var book logbookResponse
	require.Equal(t, http.StatusOK, getJSON(t, h.http.URL+"/pipelines/"+accepted.RunID+"/logbook?n=2", &book))
	assert.Len(t, book.Lines, 2)
	assert.Greater(t, book.Total, 2)

	var list []runSummary
	require.Equal(t, http.StatusOK, getJSON(t, h.http.URL+"/pipelines", &list))
	require.Len(t, list, 1)
	assert.Equal(t, accepted.RunID, list[0].RunID)
	assert.Equal(t, 2, list[0].Counts[scheduler.StateSucceeded])
}

func TestServerRejectsBrokenPipelines(t *testing.T) {
	h := newAPIHarness(t, testSettings())
	cyclic := "jobs:\n  a:\n    needs: b\n    steps: [{run: 'true'}]\n  b:\n    needs: a\n    steps: [{run: 'true'}]\n"
	resp, _ := h.submit(t, cyclic, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.submit(t, "jobs: [", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.submit(t, echoPipeline, "max_parallel=-1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	states, err := h.store.List()
	require.NoError(t, err)
	assert.Empty(t, states, "rejected pipelines must not start")
}

func TestServerEnforcesPayloadLimit(t *testing.T) {
	settings := testSettings()
	settings.MaxBodyBytes = 64
	h := newAPIHarness(t, settings)
	resp, _ := h.submit(t, echoPipeline+strings.Repeat("#", 512), "")
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestServerUnknownRun(t *testing.T) {
	h := newAPIHarness(t, testSettings())
	assert.Equal(t, http.StatusNotFound, getJSON(t, h.http.URL+"/pipelines/missing", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, h.http.URL+"/pipelines/missing/logbook", nil))
	resp, err := http.Post(h.http.URL+"/pipelines/missing/cancel", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerCancelsActiveRun(t *testing.T) {
	h := newAPIHarness(t, testSettings())
	resp, accepted := h.submit(t, blockingPipeline, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	select {
	case <-h.started:
	case <-time.After(5 * time.Second):
		t.Fatal("blocking step never started")
	}

	cancelURL := h.http.URL + "/pipelines/" + accepted.RunID + "/cancel"
	resp, err := http.Post(cancelURL, "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	final := waitRun(t, h.runs, accepted.RunID)
	assert.Equal(t, engine.RunStatusCancelled, final.Status)

	resp, err = http.Post(cancelURL, "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServerStreamsEventsUntilFinished(t *testing.T) {
	h := newAPIHarness(t, testSettings())
	resp, accepted := h.submit(t, echoPipeline, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	stream, err := http.Get(h.http.URL + "/pipelines/" + accepted.RunID + "/events")
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "application/x-ndjson", stream.Header.Get("Content-Type"))

	var last eventView
	scanner := bufio.NewScanner(stream.Body)
	for scanner.Scan() {
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &last))
		assert.Equal(t, accepted.RunID, last.RunID)
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, string(engine.EventRunFinished), last.Kind)
	assert.Equal(t, engine.RunStatusSucceeded, last.Status)
}

func TestRunsEvictsFinishedResultsPastLimit(t *testing.T) {
	h := newAPIHarness(t, testSettings())
	runs := NewRuns(h.engine, h.store, nil, RunsWithFinishedLimit(2))
	t.Cleanup(func() { _ = runs.Close(context.Background()) })
	def, err := workflow.ParseDefinitionYAML([]byte(echoPipeline))
	require.NoError(t, err)

	var ids []string
	for range 5 {
		accepted, err := runs.Submit(Submission{Definition: def, Event: workflow.Event{Name: workflow.EventPush}})
		require.NoError(t, err)
		assert.Equal(t, engine.RunStatusSucceeded, waitRun(t, runs, accepted.RunID).Status)
		ids = append(ids, accepted.RunID)
	}

	runs.mu.Lock()
	assert.Len(t, runs.done, 2)
	assert.Equal(t, ids[3:], runs.doneOrder)
	runs.mu.Unlock()

	state := waitRun(t, runs, ids[0])
	assert.Equal(t, engine.RunStatusSucceeded, state.Status, "evicted runs come back from the store")
	got, err := runs.Get(ids[0])
	require.NoError(t, err)
	assert.Equal(t, ids[0], got.RunID)
	assert.False(t, runs.Active(ids[0]))
}

func TestServerStartAndShutdown(t *testing.T) {
	store := engine.NewMemoryStore()
	reg := action.NewRegistry()
	eng, err := engine.New(reg, store)
	require.NoError(t, err)
	srv := NewServer(testSettings(), NewRuns(eng, store, nil), nil)
	require.NoError(t, srv.Start(context.Background()))
	assert.Equal(t, StatusReady, srv.Status())
	assert.Error(t, srv.Start(context.Background()), "second start must fail")

	var health healthResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.BaseURL()+"/health", &health))
	assert.Equal(t, string(StatusReady), health.Status)
	assert.Equal(t, APIVersion, health.Version)

	require.NoError(t, srv.Shutdown(context.Background()))
	assert.Equal(t, StatusDraining, srv.Status())
	assert.Empty(t, srv.Addr())
}
