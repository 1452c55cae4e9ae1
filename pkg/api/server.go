package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ihoward40/SintraPrime-sub012/pkg/budget"
	"github.com/ihoward40/SintraPrime-sub012/pkg/engine"
	"github.com/ihoward40/SintraPrime-sub012/pkg/observability"
	"github.com/ihoward40/SintraPrime-sub012/pkg/tiers"
)

// Engine is the part of *engine.Engine the API serves.
type Engine interface {
	Evaluate(ctx context.Context, req engine.SpeakRequest) engine.Result
	GateStatus(key string) budget.Status
	Route(ctx context.Context, c tiers.Context) tiers.Result
}

// Config configures the server.
type Config struct {
	RPS    float64
	Burst  int
	Secret string // empty disables bearer auth
	// IdempotencyTTL keeps speak responses for Idempotency-Key replay;
	// zero disables replay.
	IdempotencyTTL time.Duration
	// Chain is the resolved sink order reported by /v1/sinks.
	Chain []string
	// SLO, when set, adds per-sink delivery status to /v1/sinks.
	SLO *observability.SLOTracker
}

// Server routes HTTP requests to the engine.
type Server struct {
	engine  Engine
	cfg     Config
	schemas *Schemas
	limiter *GlobalRateLimiter
	idem    *IdempotencyStore
	auth    *TokenValidator
	logger  *slog.Logger
}

// NewServer compiles the request schemas and builds the middleware.
func NewServer(e Engine, cfg Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default().With("component", "api")
	}
	schemas, err := LoadSchemas()
	if err != nil {
		return nil, err
	}
	s := &Server{
		engine:  e,
		cfg:     cfg,
		schemas: schemas,
		auth:    NewTokenValidator(cfg.Secret),
		logger:  logger,
	}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RPS) + 1
		}
		s.limiter = NewGlobalRateLimiter(cfg.RPS, burst)
	}
	if cfg.IdempotencyTTL > 0 {
		s.idem = NewIdempotencyStore(cfg.IdempotencyTTL)
	}
	return s, nil
}

// Validator returns the bearer token validator, nil when auth is off.
func (s *Server) Validator() *TokenValidator { return s.auth }

// Close stops background work.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Close()
	}
	if s.idem != nil {
		s.idem.Close()
	}
}

// routePaths lists every served path; openapi.yaml must document each.
var routePaths = []string{
	"/healthz",
	"/v1/speak",
	"/v1/gates/{key}",
	"/v1/tiers/route",
	"/v1/sinks",
	"/v1/openapi.yaml",
}

// Handler returns the routed handler with middleware applied. Auth runs
// before the limiter so authenticated callers are limited per subject.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("POST /v1/speak", IdempotencyMiddleware(s.idem)(http.HandlerFunc(s.handleSpeak)))
	mux.HandleFunc("GET /v1/gates/{key}", s.handleGate)
	mux.HandleFunc("POST /v1/tiers/route", s.handleRoute)
	mux.HandleFunc("GET /v1/sinks", s.handleSinks)
	mux.HandleFunc("GET /v1/openapi.yaml", s.handleOpenAPI)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", "no route for "+r.URL.Path)
	})

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = AuthMiddleware(s.auth)(h)
	h = AccessLog(s.logger)(h)
	return RequestID(h)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, schema string, dst interface{}) bool {
	violations, err := s.schemas.decodeValidated(w, r, schema, dst)
	switch {
	case err != nil:
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteErrorR(w, r, http.StatusRequestEntityTooLarge, "Request Entity Too Large", "body exceeds 1MiB")
			return false
		}
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return false
	case len(violations) > 0:
		WriteUnprocessable(w, r, violations)
		return false
	}
	return true
}

// handleSpeak answers 202 whenever the request was evaluated, whatever the
// decision; the body carries the outcome.
func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var req engine.SpeakRequest
	if !s.decode(w, r, SchemaSpeak, &req) {
		return
	}
	res := s.engine.Evaluate(r.Context(), req)
	switch res.Dropped {
	case engine.DropMalformed:
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "text and category must not be blank")
		return
	case engine.DropClosed:
		WriteServiceUnavailable(w, "speech engine is shutting down")
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleGate(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "gate key is required")
		return
	}
	writeJSON(w, http.StatusOK, s.engine.GateStatus(key))
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var c tiers.Context
	if !s.decode(w, r, SchemaTierRoute, &c) {
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Route(r.Context(), c))
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	data, err := schemaFS.ReadFile("openapi.yaml")
	if err != nil {
		WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(data)
}

// SinkReport is the /v1/sinks body.
type SinkReport struct {
	Chain []string                   `json:"chain"`
	SLO   []*observability.SLOStatus `json:"slo,omitempty"`
}

func (s *Server) handleSinks(w http.ResponseWriter, _ *http.Request) {
	rep := SinkReport{Chain: s.cfg.Chain}
	if s.cfg.SLO != nil {
		for _, name := range s.cfg.SLO.Sinks() {
			st, err := s.cfg.SLO.Status(name)
			if err != nil {
				s.logger.Debug("slo status unavailable", "sink", name, "error", err)
				continue
			}
			rep.SLO = append(rep.SLO, st)
		}
	}
	writeJSON(w, http.StatusOK, rep)
}
