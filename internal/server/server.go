package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kingrea/lattice-ci/internal/workflow"
	"github.com/kingrea/lattice-ci/internal/workflow/engine"
)

// ServerStatus reports runtime lifecycle states for the HTTP server.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

// APIVersion is reported by /health.
const APIVersion = "1"

const defaultLogbookLines = 200

// Server exposes pipeline runs over HTTP.
type Server struct {
	settings Settings
	runs     *Runs
	hub      *Hub
	logger   *slog.Logger
	clock    func() time.Time

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	status    ServerStatus
	startTime time.Time
}

// Option customizes server construction.
type Option func(*Server)

// WithLogger overrides the discard logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewServer prepares an API server. hub may be nil, in which case the event
// stream endpoint only reports final snapshots.
func NewServer(settings Settings, runs *Runs, hub *Hub, opts ...Option) *Server {
	s := &Server{
		settings: settings,
		runs:     runs,
		hub:      hub,
		logger:   slog.New(slog.DiscardHandler),
		clock:    time.Now,
		status:   StatusStarting,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/pipelines", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleSubmit)
		r.Route("/{runID}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Get("/logbook", s.handleLogbook)
			r.Get("/events", s.handleEvents)
			r.Post("/cancel", s.handleCancel)
		})
	})
	return r
}

// Start binds the TCP listener and begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server: server is nil")
	}
	if s.runs == nil {
		return fmt.Errorf("server: no run tracker")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("server: already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = s.clock()
	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.server = server
	s.status = StatusReady
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve", "error", err)
		}
	}()
	s.logger.Info("api listening", "addr", listener.Addr().String())
	return nil
}

// Shutdown stops accepting connections, cancels active runs and waits for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.server == nil {
		return nil
	}
	s.status = StatusDraining
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	// runs first so open event streams see their run finish
	runsErr := s.runs.Close(ctx)
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.listener = nil
	s.server = nil
	return runsErr
}

// Addr returns the bound TCP address once the server has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns the HTTP base URL for the running server.
func (s *Server) BaseURL() string {
	addr := s.Addr()
	if addr == "" {
		return s.settings.URL()
	}
	return "http://" + addr
}

// Status reports the server's lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) uptimeSeconds() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return int64(s.clock().Sub(s.startTime).Seconds())
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        string(s.Status()),
		Version:       APIVersion,
		UptimeSeconds: s.uptimeSeconds(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	states, err := s.runs.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	summaries := make([]runSummary, 0, len(states))
	for _, st := range states {
		summaries = append(summaries, summarize(st))
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, s.settings.MaxBodyBytes)
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "pipeline exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "unable to read body")
		return
	}
	def, err := workflow.ParseDefinitionYAML(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sub, err := submissionFromQuery(def, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	accepted, err := s.runs.Submit(sub)
	if err != nil {
		if workflow.IsConfigError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.Header().Set("Location", "/pipelines/"+accepted.RunID)
	writeJSON(w, http.StatusAccepted, accepted)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	state, ok := s.lookup(w, chi.URLParam(r, "runID"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type logbookResponse struct {
	RunID string   `json:"run_id"`
	Total int      `json:"total"`
	Lines []string `json:"lines"`
}

func (s *Server) handleLogbook(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	n := defaultLogbookLines
	if raw := strings.TrimSpace(r.URL.Query().Get("n")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "n must be a non-negative integer")
			return
		}
		n = parsed
	}
	lines, total, err := s.runs.Logbook(runID, n)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, logbookResponse{RunID: runID, Total: total, Lines: lines})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	err := s.runs.Cancel(runID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "cancelling"})
	case errors.Is(err, ErrRunNotActive):
		writeError(w, http.StatusConflict, "run is not active")
	default:
		s.writeLookupError(w, err)
	}
}

// handleEvents streams newline-delimited JSON events until the run finishes
// or the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	state, ok := s.lookup(w, runID)
	if !ok {
		return
	}
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	enc := json.NewEncoder(w)
	if s.hub == nil || (!s.runs.Active(runID) && state.Status.Terminal()) {
		w.WriteHeader(http.StatusOK)
		_ = enc.Encode(finalView(state))
		return
	}
	sub := s.hub.Subscribe(runID)
	defer sub.Close()
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-sub.Events:
			if !open {
				return
			}
			if err := enc.Encode(viewOf(evt)); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			if evt.Kind == engine.EventRunFinished {
				return
			}
		}
	}
}

func (s *Server) lookup(w http.ResponseWriter, runID string) (engine.State, bool) {
	state, err := s.runs.Get(runID)
	if err != nil {
		s.writeLookupError(w, err)
		return engine.State{}, false
	}
	return state, true
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, engine.ErrStateNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.logger.Error("load run", "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

// logRequests is a slog access log in the shape of chi's middleware.Logger.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := s.clock()
		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", s.clock().Sub(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
