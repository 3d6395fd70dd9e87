package server

import (
	"log/slog"
	"sync"

	"github.com/kingrea/lattice-ci/internal/workflow/engine"
)

const (
	defaultSubscriberCapacity = 64
	defaultBacklogLimit       = 32
	defaultTrackedRuns        = 256
)

// AllRuns subscribes to every run the hub sees.
const AllRuns = "*"

// HubOption customizes Hub construction.
type HubOption func(*Hub)

// HubWithSubscriberCapacity overrides the buffered channel size per subscriber.
func HubWithSubscriberCapacity(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.channelSize = n
		}
	}
}

// HubWithBacklogLimit overrides how many events are kept per run for late
// subscribers.
func HubWithBacklogLimit(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.backlogLimit = n
		}
	}
}

// HubWithLogger reports dropped events.
func HubWithLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// Hub fans engine events out to per-run subscribers. Publish never blocks:
// a full subscriber loses its oldest droppable event instead.
type Hub struct {
	mu           sync.Mutex
	subscribers  map[string]map[*subscriber]struct{}
	backlog      map[string][]engine.Event
	runOrder     []string
	channelSize  int
	backlogLimit int
	logger       *slog.Logger
}

// Subscription is an active feed of engine events.
type Subscription struct {
	Events <-chan engine.Event
	cancel func()
}

// Close terminates the subscription and closes Events.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewHub constructs an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subscribers:  map[string]map[*subscriber]struct{}{},
		backlog:      map[string][]engine.Event{},
		channelSize:  defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
		logger:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Subscribe registers for events of one run, or AllRuns. Events already
// published for that run are replayed first.
func (h *Hub) Subscribe(runID string) Subscription {
	sub := newSubscriber(h.channelSize, h.logger)
	h.mu.Lock()
	if h.subscribers[runID] == nil {
		h.subscribers[runID] = map[*subscriber]struct{}{}
	}
	h.subscribers[runID][sub] = struct{}{}
	if runID != AllRuns {
		// replay under the lock so no newer Publish overtakes the backlog
		for _, evt := range h.backlog[runID] {
			sub.deliver(evt)
		}
	}
	h.mu.Unlock()
	return Subscription{
		Events: sub.ch,
		cancel: func() { h.remove(runID, sub) },
	}
}

// Publish is an engine.Observer.
func (h *Hub) Publish(evt engine.Event) {
	h.mu.Lock()
	queue, seen := h.backlog[evt.RunID]
	if !seen {
		h.track(evt.RunID)
	}
	if len(queue) >= h.backlogLimit {
		queue = queue[1:]
	}
	h.backlog[evt.RunID] = append(queue, evt)
	for _, key := range []string{evt.RunID, AllRuns} {
		for sub := range h.subscribers[key] {
			sub.deliver(evt)
		}
	}
	h.mu.Unlock()
}

// track remembers runID and evicts the oldest run's backlog past the limit.
func (h *Hub) track(runID string) {
	h.runOrder = append(h.runOrder, runID)
	for len(h.runOrder) > defaultTrackedRuns {
		delete(h.backlog, h.runOrder[0])
		h.runOrder = h.runOrder[1:]
	}
}

func (h *Hub) remove(key string, sub *subscriber) {
	h.mu.Lock()
	if subs := h.subscribers[key]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subscribers, key)
		}
	}
	h.mu.Unlock()
	sub.close()
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan engine.Event
	closed bool
	logger *slog.Logger
}

func newSubscriber(capacity int, logger *slog.Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{ch: make(chan engine.Event, capacity), logger: logger}
}

// deliver holds the lock across the overflow swap so concurrent publishers
// and close never interleave on the channel.
func (s *subscriber) deliver(evt engine.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- evt:
		return
	default:
	}
	var oldest engine.Event
	select {
	case oldest = <-s.ch:
	default:
		// the reader drained it meanwhile
		s.ch <- evt
		return
	}
	if shouldDropOldest(oldest, evt) {
		s.logDrop(oldest)
		s.ch <- evt
		return
	}
	s.ch <- oldest
	s.logDrop(evt)
}

func (s *subscriber) logDrop(evt engine.Event) {
	s.logger.Debug("event dropped on full subscriber", "run", evt.RunID, "kind", evt.Kind, "instance", evt.Instance)
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func shouldDropOldest(oldest, incoming engine.Event) bool {
	oldestCritical := isCritical(oldest)
	incomingCritical := isCritical(incoming)
	if oldestCritical && !incomingCritical {
		return false
	}
	return true
}

// isCritical marks events a watcher cannot reconstruct from later ones.
func isCritical(evt engine.Event) bool {
	return evt.Kind == engine.EventRunFinished || evt.Kind == engine.EventRunStarted
}
