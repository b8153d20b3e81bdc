// Package server exposes Parley over HTTP and WebSocket.
//
// The server is a thin translation layer: handlers validate input,
// resolve the caller's identity from the gateway-installed header, and
// delegate to the stores, the retrieval engine and the orchestrator.
// Responses are JSON; errors use {"detail": string} bodies.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parley-ai/parley/internal/health"
	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/orchestrator"
	"github.com/parley-ai/parley/internal/rag"
	"github.com/parley-ai/parley/internal/runtime"
	"github.com/parley-ai/parley/internal/store"
)

// identityHeader carries the authenticated username. Authentication
// itself happens at the fronting gateway; the backend trusts this
// header and scopes every operation to its value.
const identityHeader = "X-Parley-User"

// Knowledge is the slice of the retrieval engine the handlers need.
// Satisfied by [rag.Engine].
type Knowledge interface {
	IngestText(ctx context.Context, persona *store.Persona, text, source string) (*rag.IngestResult, error)
	IngestURL(ctx context.Context, persona *store.Persona, url string) (*rag.IngestResult, error)
	DeleteBySource(ctx context.Context, persona *store.Persona, source string) error
	DeleteCollection(ctx context.Context, persona *store.Persona) error
}

var _ Knowledge = (*rag.Engine)(nil)

// Server holds the handler dependencies. Construct with New, mount with
// Handler.
type Server struct {
	st        orchestrator.Store
	orch      *orchestrator.Orchestrator
	knowledge Knowledge

	health  *health.Handler
	metrics *observe.Metrics
	log     *slog.Logger

	// probe factories, injectable for tests
	llmFactory   runtime.ProviderFactory
	embedFactory rag.EmbedderFactory
}

// Option is a functional option for New.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithHealth mounts liveness and readiness routes.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics sets the metrics instance used by the HTTP middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLLMFactory replaces the chat-provider factory used by the profile
// health probe.
func WithLLMFactory(f runtime.ProviderFactory) Option {
	return func(s *Server) { s.llmFactory = f }
}

// WithEmbedderFactory replaces the embeddings factory used by the
// profile health probe.
func WithEmbedderFactory(f rag.EmbedderFactory) Option {
	return func(s *Server) { s.embedFactory = f }
}

// New creates a Server. knowledge may be nil, in which case ingest
// routes report a configuration error (500).
func New(st orchestrator.Store, orch *orchestrator.Orchestrator, knowledge Knowledge, opts ...Option) *Server {
	s := &Server{
		st:           st,
		orch:         orch,
		knowledge:    knowledge,
		log:          slog.Default(),
		llmFactory:   runtime.OpenAIProviderFactory(probeTimeout),
		embedFactory: rag.OpenAIEmbedderFactory,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler builds the route table. All application routes require the
// identity header; health and metrics do not.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.health != nil {
		s.health.Register(mux)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	// sessions
	mux.HandleFunc("POST /sessions", s.withOwner(s.handleCreateSession))
	mux.HandleFunc("GET /sessions", s.withOwner(s.handleListSessions))
	mux.HandleFunc("PATCH /sessions/{id}", s.withOwner(s.handlePatchSession))
	mux.HandleFunc("DELETE /sessions/{id}", s.withOwner(s.handleDeleteSession))
	mux.HandleFunc("POST /sessions/{id}/messages", s.withOwner(s.handlePostMessage))
	mux.HandleFunc("GET /sessions/{id}/messages", s.withOwner(s.handleListMessages))
	mux.HandleFunc("GET /ws/sessions/{id}", s.withOwner(s.handleWS))

	// personas
	mux.HandleFunc("POST /personas", s.withOwner(s.handleCreatePersona))
	mux.HandleFunc("GET /personas", s.withOwner(s.handleListPersonas))
	mux.HandleFunc("GET /personas/{id}", s.withOwner(s.handleGetPersona))
	mux.HandleFunc("PATCH /personas/{id}", s.withOwner(s.handlePatchPersona))
	mux.HandleFunc("DELETE /personas/{id}", s.withOwner(s.handleDeletePersona))
	mux.HandleFunc("POST /personas/{id}/ingest-text", s.withOwner(s.handleIngestText))
	mux.HandleFunc("POST /personas/{id}/ingest-url", s.withOwner(s.handleIngestURL))
	mux.HandleFunc("POST /personas/{id}/refresh-rag", s.withOwner(s.handleRefreshRAG))

	// api profiles
	mux.HandleFunc("POST /api-profiles", s.withOwner(s.handleCreateProfile))
	mux.HandleFunc("GET /api-profiles", s.withOwner(s.handleListProfiles))
	mux.HandleFunc("GET /api-profiles/{id}", s.withOwner(s.handleGetProfile))
	mux.HandleFunc("PATCH /api-profiles/{id}", s.withOwner(s.handlePatchProfile))
	mux.HandleFunc("DELETE /api-profiles/{id}", s.withOwner(s.handleDeleteProfile))
	mux.HandleFunc("POST /api-profiles/{id}/health", s.withOwner(s.handleProfileHealth))

	var h http.Handler = mux
	if s.metrics != nil {
		h = observe.Middleware(s.metrics)(h)
	}
	return h
}

// ownerHandler is an HTTP handler with the caller identity resolved.
type ownerHandler func(w http.ResponseWriter, r *http.Request, owner string)

func (s *Server) withOwner(h ownerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(identityHeader))
		if owner == "" {
			respondDetail(w, http.StatusUnauthorized, "missing "+identityHeader+" header")
			return
		}
		h(w, r, owner)
	}
}

// sessionForOwner validates the session-id shape, checks the embedded
// owner token against the caller and loads the session. A mismatching
// owner yields permission denied without revealing existence.
func (s *Server) sessionForOwner(r *http.Request, owner, id string) (*store.Session, error) {
	embedded, err := store.ParseSessionID(id)
	if err != nil {
		return nil, err
	}
	if embedded != owner {
		return nil, store.ErrPermissionDenied
	}
	sess, err := s.st.GetSession(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if sess.Owner != owner {
		return nil, store.ErrPermissionDenied
	}
	return sess, nil
}
