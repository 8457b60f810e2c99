// Package gateway exposes the engine over HTTP: a REST surface for task
// lifecycle and artifact browsing, and a WebSocket stream for live task
// events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/kirayoXkaki/mgxEngine/internal/artifacts"
	"github.com/kirayoXkaki/mgxEngine/internal/bus"
	"github.com/kirayoXkaki/mgxEngine/internal/persistence"
	"github.com/kirayoXkaki/mgxEngine/internal/ratelimit"
	"github.com/kirayoXkaki/mgxEngine/internal/runner"
	"github.com/kirayoXkaki/mgxEngine/internal/task"
)

const (
	defaultReplayEvents  = 10
	defaultWSIdleTimeout = 30 * time.Second
)

// Editor applies a follow-up instruction to an existing artifact and emits
// the resulting diff on the event stream.
type Editor interface {
	Edit(ctx context.Context, taskID, filePath, instruction string) (artifacts.Artifact, error)
}

// Config holds the dependencies for the HTTP gateway.
type Config struct {
	Runner    *runner.Runner
	Bus       *bus.TaskBus
	Artifacts *artifacts.Store
	Limiter   *ratelimit.Limiter
	Editor    Editor
	Logger    *slog.Logger

	// Store backs the historical task listing. Nil disables it; live tasks
	// stay reachable through the runner.
	Store *persistence.Store

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed by /healthz.
	ConfigFingerprint string

	// ReplayEventCount is how many buffered events a WS client receives on
	// connect before live streaming starts.
	ReplayEventCount int

	// WSIdleTimeout closes WS connections with no traffic in the window.
	WSIdleTimeout time.Duration
}

// Server is the HTTP gateway.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	createReq *requestSchema
	editReq   *requestSchema
}

// New builds a Server, compiling the request schemas eagerly so malformed
// schema text fails at startup.
func New(cfg Config) (*Server, error) {
	if cfg.ReplayEventCount <= 0 {
		cfg.ReplayEventCount = defaultReplayEvents
	}
	if cfg.WSIdleTimeout <= 0 {
		cfg.WSIdleTimeout = defaultWSIdleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	createReq, err := compileRequestSchema("create_task.json", createTaskSchema)
	if err != nil {
		return nil, fmt.Errorf("compile create schema: %w", err)
	}
	editReq, err := compileRequestSchema("edit_artifact.json", editArtifactSchema)
	if err != nil {
		return nil, fmt.Errorf("compile edit schema: %w", err)
	}
	return &Server{
		cfg:       cfg,
		logger:    logger.With("component", "gateway"),
		createReq: createReq,
		editReq:   editReq,
	}, nil
}

// Handler returns the gateway's HTTP mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/api/v1/tasks", s.handleTasks)
	mux.HandleFunc("/api/v1/tasks/active", s.handleActiveTasks)
	mux.HandleFunc("/api/v1/tasks/", s.handleTaskSubpath)
	mux.HandleFunc("/api/v1/ratelimit", s.handleRateLimit)
	mux.HandleFunc("/ws/tasks/", s.handleWS)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	if s.cfg.Store != nil {
		if _, err := s.cfg.Store.ListTasks(ctx, 1, 1, ""); err != nil {
			dbOK = false
		}
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"persistence":        s.cfg.Store != nil,
		"active_tasks":       len(s.cfg.Runner.ListActive()),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	if !dbOK {
		writeJSON(w, http.StatusServiceUnavailable, payload)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats := ratelimit.Stats{}
	if s.cfg.Limiter != nil {
		stats = s.cfg.Limiter.Stats()
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP mgx_active_tasks Tasks currently PENDING or RUNNING.\n")
	fmt.Fprintf(w, "# TYPE mgx_active_tasks gauge\n")
	fmt.Fprintf(w, "mgx_active_tasks %d\n", len(s.cfg.Runner.ListActive()))
	fmt.Fprintf(w, "# HELP mgx_llm_active_calls Model calls currently holding a permit.\n")
	fmt.Fprintf(w, "# TYPE mgx_llm_active_calls gauge\n")
	fmt.Fprintf(w, "mgx_llm_active_calls %d\n", stats.Active)
	fmt.Fprintf(w, "# HELP mgx_llm_calls_total Model calls admitted since start.\n")
	fmt.Fprintf(w, "# TYPE mgx_llm_calls_total counter\n")
	fmt.Fprintf(w, "mgx_llm_calls_total %d\n", stats.Total)
	fmt.Fprintf(w, "# HELP mgx_llm_saturation_total Permit waits that found the gate full.\n")
	fmt.Fprintf(w, "# TYPE mgx_llm_saturation_total counter\n")
	fmt.Fprintf(w, "mgx_llm_saturation_total %d\n", stats.Saturation)
	fmt.Fprintf(w, "# HELP mgx_llm_throttled_total Downstream rate-limit errors observed.\n")
	fmt.Fprintf(w, "# TYPE mgx_llm_throttled_total counter\n")
	fmt.Fprintf(w, "mgx_llm_throttled_total %d\n", stats.Throttled)
	fmt.Fprintf(w, "# HELP mgx_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE mgx_alloc_bytes gauge\n")
	fmt.Fprintf(w, "mgx_alloc_bytes %d\n", mem.Alloc)
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Limiter == nil {
		writeJSON(w, http.StatusOK, ratelimit.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Limiter.Stats())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps domain sentinels onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, task.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, task.ErrConflict):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": msg})
}
