// Package server exposes the engine over HTTP and WebSocket: session
// lifecycle and input, durable event reads, flow authoring, and live
// observer attachment.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/convoflow/convoflow/engine"
	"github.com/convoflow/convoflow/fanout"
	"github.com/convoflow/convoflow/flow"
	"github.com/convoflow/convoflow/flowstore"
	"github.com/convoflow/convoflow/session"
	"github.com/convoflow/convoflow/telemetry"
)

type (
	// Server serves the HTTP and WebSocket API over one engine.
	Server struct {
		engine *engine.Engine
		hub    *fanout.Hub
		flows  flowstore.Repository
		logger telemetry.Logger

		corsOrigin string
		demoFlow   *flow.Config
		started    time.Time

		mu       sync.Mutex
		limiters map[string]*rate.Limiter
	}

	// Option configures optional Server behavior.
	Option func(*Server)
)

// Per-session input throttle: sustained 5 inputs/s with a burst of 10.
// Humans speak slower than this; the limit guards against runaway clients.
const (
	inputRate  = rate.Limit(5)
	inputBurst = 10
)

// WithLogger sets the server logger. Defaults to noop.
func WithLogger(logger telemetry.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithCORSOrigin sets the Access-Control-Allow-Origin header value.
// Defaults to "*".
func WithCORSOrigin(origin string) Option {
	return func(s *Server) { s.corsOrigin = origin }
}

// WithDemoFlow sets the flow bound by POST /sessions/demo.
func WithDemoFlow(cfg *flow.Config) Option {
	return func(s *Server) { s.demoFlow = cfg }
}

// New builds a server. The flow repository is required; deployments without
// a flow database pass flowstore.NewMemory().
func New(eng *engine.Engine, hub *fanout.Hub, flows flowstore.Repository, opts ...Option) (*Server, error) {
	if eng == nil {
		return nil, errors.New("engine is required")
	}
	if hub == nil {
		return nil, errors.New("hub is required")
	}
	if flows == nil {
		return nil, errors.New("flow repository is required")
	}
	s := &Server{
		engine:     eng,
		hub:        hub,
		flows:      flows,
		logger:     telemetry.NewNoopLogger(),
		corsOrigin: "*",
		demoFlow:   flow.Reservation(),
		started:    time.Now(),
		limiters:   make(map[string]*rate.Limiter),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s, nil
}

// Handler returns the routed HTTP handler, WebSocket endpoint included.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.cors)
	r.Use(s.requestLog)

	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", s.handleWS)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Post("/demo", s.handleCreateDemoSession)
		r.Get("/{id}", s.handleGetSession)
		r.Delete("/{id}", s.handleDeleteSession)
		r.Post("/{id}/input", s.handleInput)
		r.Get("/{id}/events", s.handleEvents)
	})
	r.Get("/flowinfo", s.handleFlowInfo)

	r.Route("/flows", func(r chi.Router) {
		r.Get("/", s.handleListFlows)
		r.Post("/", s.handleCreateFlow)
		r.Post("/validate", s.handleValidateFlow)
		r.Get("/{id}", s.handleGetFlow)
		r.Put("/{id}", s.handleUpdateFlow)
		r.Delete("/{id}", s.handleDeleteFlow)
		r.Post("/{id}/publish", s.handlePublishFlow)
		r.Get("/{id}/versions", s.handleFlowVersions)
	})
	return r
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug(r.Context(), "http request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	})
}

// createSessionRequest binds a new session either to an inline flow
// definition or to the active version of a stored flow.
type createSessionRequest struct {
	SessionID string          `json:"session_id,omitempty"`
	Flow      json.RawMessage `json:"flow,omitempty"`
	FlowID    string          `json:"flow_id,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	var cfg *flow.Config
	switch {
	case len(req.Flow) > 0:
		parsed, err := flow.ParseJSON(req.Flow)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		cfg = parsed
	case req.FlowID != "":
		rec, err := s.flows.Get(r.Context(), req.FlowID)
		if errors.Is(err, flowstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		cfg = rec.Definition
	default:
		writeError(w, http.StatusBadRequest, errors.New("flow or flow_id is required"))
		return
	}
	s.createSession(w, r, req.SessionID, cfg)
}

func (s *Server) handleCreateDemoSession(w http.ResponseWriter, r *http.Request) {
	s.createSession(w, r, "", s.demoFlow)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request, sessionID string, cfg *flow.Config) {
	id, err := s.engine.CreateSession(r.Context(), sessionID, cfg)
	if errors.Is(err, session.ErrExists) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if errors.Is(err, flow.ErrInvalid) {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session_id": id, "flow": cfg.Meta.Name})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.GetState(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.engine.DeleteSession(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.mu.Lock()
	delete(s.limiters, id)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}
	if !s.limiter(id).Allow() {
		writeError(w, http.StatusTooManyRequests, errors.New("input rate exceeded"))
		return
	}
	err := s.engine.ProcessUserInput(r.Context(), id, req.Text)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, session.ErrLockHeld):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "processed"})
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid since: %w", err))
			return
		}
		since = n
	}
	events, err := s.engine.EventsSince(r.Context(), id, since)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []session.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// flowInfoResponse is the visualization summary of a flow: its metadata and
// the names it is built from, plus the live state when a session is given.
type flowInfoResponse struct {
	Meta    flow.Meta      `json:"meta"`
	Start   string         `json:"start"`
	States  []string       `json:"states"`
	Intents []string       `json:"intents"`
	Tools   []string       `json:"tools"`
	Session *session.State `json:"session,omitempty"`
}

// handleFlowInfo summarizes a flow for visualization. Without a session_id
// it describes the demo flow; with one it describes the session's bound flow
// and attaches the session state.
func (s *Server) handleFlowInfo(w http.ResponseWriter, r *http.Request) {
	cfg := s.demoFlow
	var st *session.State
	if id := r.URL.Query().Get("session_id"); id != "" {
		var err error
		cfg, err = s.engine.GetFlow(r.Context(), id)
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		st, err = s.engine.GetState(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, flowInfoResponse{
		Meta:    cfg.Meta,
		Start:   cfg.Start,
		States:  sortedKeys(cfg.States),
		Intents: sortedKeys(cfg.Intents),
		Tools:   sortedKeys(cfg.Tools),
		Session: st,
	})
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// limiter returns the per-session input limiter, creating it on first use.
func (s *Server) limiter(sessionID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[sessionID]
	if !ok {
		l = rate.NewLimiter(inputRate, inputBurst)
		s.limiters[sessionID] = l
	}
	return l
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
