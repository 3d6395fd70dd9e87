package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/lattice-ci/internal/workflow/engine"
)

func instanceEvent(run, id string) engine.Event {
	return engine.Event{Kind: engine.EventInstance, RunID: run, Instance: id}
}

func TestHubReplaysBacklogToLateSubscribers(t *testing.T) {
	hub := NewHub()
	hub.Publish(engine.Event{Kind: engine.EventRunStarted, RunID: "r1"})
	hub.Publish(instanceEvent("r1", "build"))
	hub.Publish(instanceEvent("r2", "other"))

	sub := hub.Subscribe("r1")
	defer sub.Close()
	first := <-sub.Events
	second := <-sub.Events
	assert.Equal(t, engine.EventRunStarted, first.Kind)
	assert.Equal(t, "build", second.Instance)
	select {
	case evt := <-sub.Events:
		t.Fatalf("unexpected event for another run: %+v", evt)
	default:
	}
}

func TestHubAllRunsSeesEveryRun(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(AllRuns)
	defer sub.Close()
	hub.Publish(instanceEvent("r1", "a"))
	hub.Publish(instanceEvent("r2", "b"))
	assert.Equal(t, "r1", (<-sub.Events).RunID)
	assert.Equal(t, "r2", (<-sub.Events).RunID)
}

func TestHubKeepsRunFinishedOnOverflow(t *testing.T) {
	hub := NewHub(HubWithSubscriberCapacity(1))
	sub := hub.Subscribe("r1")
	defer sub.Close()
	hub.Publish(instanceEvent("r1", "a"))
	hub.Publish(engine.Event{Kind: engine.EventRunFinished, RunID: "r1"})
	hub.Publish(instanceEvent("r1", "late"))

	got := <-sub.Events
	assert.Equal(t, engine.EventRunFinished, got.Kind)
	select {
	case evt := <-sub.Events:
		t.Fatalf("unexpected extra event: %+v", evt)
	default:
	}
}

func TestHubCloseEndsSubscription(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("r1")
	sub.Close()
	_, open := <-sub.Events
	require.False(t, open)
	// publishing after close must not panic
	hub.Publish(instanceEvent("r1", "a"))
	sub.Close()
}

func TestHubBacklogIsBounded(t *testing.T) {
	hub := NewHub(HubWithBacklogLimit(2))
	hub.Publish(instanceEvent("r1", "a"))
	hub.Publish(instanceEvent("r1", "b"))
	hub.Publish(instanceEvent("r1", "c"))
	sub := hub.Subscribe("r1")
	defer sub.Close()
	assert.Equal(t, "b", (<-sub.Events).Instance)
	assert.Equal(t, "c", (<-sub.Events).Instance)
}
