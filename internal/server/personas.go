package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/store"
)

// backgroundSource tags knowledge chunks produced from a persona's
// background text, so a later refresh can replace exactly those.
const backgroundSource = "background"

// errKnowledgeUnconfigured is returned by ingest routes on a server
// running without a vector store. A deployment problem, not a client
// one, so it maps to the configuration-error status.
var errKnowledgeUnconfigured = fmt.Errorf("knowledge indexing is not configured: %w", store.ErrConfig)

func (s *Server) handleCreatePersona(w http.ResponseWriter, r *http.Request, owner string) {
	var p store.Persona
	if err := decodeJSON(r, &p); err != nil {
		s.respondError(w, r, err)
		return
	}
	p.ID = ""
	p.Owner = owner
	if p.MemoryWindow == 0 {
		p.MemoryWindow = 20
	}
	if p.MaxAgentsPerTurn == 0 {
		p.MaxAgentsPerTurn = 1
	}
	if err := p.Validate(); err != nil {
		s.respondError(w, r, badRequest(err.Error()))
		return
	}
	if err := s.st.CreatePersona(r.Context(), &p); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.ingestBackground(r, &p)
	respondJSON(w, http.StatusCreated, &p)
}

func (s *Server) handleListPersonas(w http.ResponseWriter, r *http.Request, owner string) {
	personas, err := s.st.ListPersonas(r.Context(), owner)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if personas == nil {
		personas = []store.Persona{}
	}
	respondJSON(w, http.StatusOK, personas)
}

func (s *Server) handleGetPersona(w http.ResponseWriter, r *http.Request, owner string) {
	p, err := s.st.GetPersona(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// personaPatch mirrors the mutable persona fields; nil means unchanged.
type personaPatch struct {
	Handle             *string  `json:"handle"`
	DisplayName        *string  `json:"display_name"`
	SystemPrompt       *string  `json:"system_prompt"`
	Tone               *string  `json:"tone"`
	Proactivity        *float64 `json:"proactivity"`
	MemoryWindow       *int     `json:"memory_window"`
	MaxAgentsPerTurn   *int     `json:"max_agents_per_turn"`
	APIProfileID       *string  `json:"api_profile_id"`
	EmbeddingProfileID *string  `json:"embedding_profile_id"`
	IsDefault          *bool    `json:"is_default"`
	BackgroundText     *string  `json:"background_text"`
}

func (s *Server) handlePatchPersona(w http.ResponseWriter, r *http.Request, owner string) {
	id := r.PathValue("id")
	p, err := s.st.GetPersona(r.Context(), owner, id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var patch personaPatch
	if err := decodeJSON(r, &patch); err != nil {
		s.respondError(w, r, err)
		return
	}
	if patch.Handle != nil {
		p.Handle = *patch.Handle
	}
	if patch.DisplayName != nil {
		p.DisplayName = *patch.DisplayName
	}
	if patch.SystemPrompt != nil {
		p.SystemPrompt = *patch.SystemPrompt
	}
	if patch.Tone != nil {
		p.Tone = *patch.Tone
	}
	if patch.Proactivity != nil {
		p.Proactivity = *patch.Proactivity
	}
	if patch.MemoryWindow != nil {
		p.MemoryWindow = *patch.MemoryWindow
	}
	if patch.MaxAgentsPerTurn != nil {
		p.MaxAgentsPerTurn = *patch.MaxAgentsPerTurn
	}
	if patch.APIProfileID != nil {
		p.APIProfileID = *patch.APIProfileID
	}
	if patch.EmbeddingProfileID != nil {
		p.EmbeddingProfileID = *patch.EmbeddingProfileID
	}
	if patch.IsDefault != nil {
		p.IsDefault = *patch.IsDefault
	}
	if patch.BackgroundText != nil {
		p.BackgroundText = *patch.BackgroundText
	}
	if err := p.Validate(); err != nil {
		s.respondError(w, r, badRequest(err.Error()))
		return
	}
	if err := s.st.UpdatePersona(r.Context(), p); err != nil {
		s.respondError(w, r, err)
		return
	}
	// Drop any cached provider built from the previous configuration.
	s.orch.ForgetPersona(p.ID)
	if patch.BackgroundText != nil {
		s.ingestBackground(r, p)
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePersona(w http.ResponseWriter, r *http.Request, owner string) {
	id := r.PathValue("id")
	p, err := s.st.GetPersona(r.Context(), owner, id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.st.DeletePersona(r.Context(), owner, id); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.orch.ForgetPersona(id)
	if s.knowledge != nil && p.EmbeddingProfileID != "" {
		if err := s.knowledge.DeleteCollection(r.Context(), p); err != nil {
			s.log.Warn("drop knowledge collection failed",
				slog.String("persona", p.Handle), slog.String("error", err.Error()))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// ingestBackground replaces the persona's background-derived knowledge.
// Best effort: an indexing failure does not fail the persona write.
func (s *Server) ingestBackground(r *http.Request, p *store.Persona) {
	if s.knowledge == nil || p.EmbeddingProfileID == "" {
		return
	}
	ctx := r.Context()
	if err := s.knowledge.DeleteBySource(ctx, p, backgroundSource); err != nil {
		s.log.Warn("clear background knowledge failed",
			slog.String("persona", p.Handle), slog.String("error", err.Error()))
	}
	if strings.TrimSpace(p.BackgroundText) == "" {
		return
	}
	if _, err := s.knowledge.IngestText(ctx, p, p.BackgroundText, backgroundSource); err != nil {
		s.log.Warn("index background knowledge failed",
			slog.String("persona", p.Handle), slog.String("error", err.Error()))
	}
}

func (s *Server) recordIngest(ctx context.Context, source string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.IngestDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("source", source)))
}

type ingestTextRequest struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

func (s *Server) handleIngestText(w http.ResponseWriter, r *http.Request, owner string) {
	p, err := s.st.GetPersona(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var req ingestTextRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.respondError(w, r, badRequest("text must not be empty"))
		return
	}
	if req.Source == "" {
		req.Source = "upload"
	}
	if s.knowledge == nil {
		s.respondError(w, r, errKnowledgeUnconfigured)
		return
	}
	start := time.Now()
	res, err := s.knowledge.IngestText(r.Context(), p, req.Text, req.Source)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.recordIngest(r.Context(), req.Source, start)
	respondJSON(w, http.StatusOK, res)
}

type ingestURLRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleIngestURL(w http.ResponseWriter, r *http.Request, owner string) {
	p, err := s.st.GetPersona(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var req ingestURLRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		s.respondError(w, r, badRequest("url must be http or https"))
		return
	}
	if s.knowledge == nil {
		s.respondError(w, r, errKnowledgeUnconfigured)
		return
	}
	start := time.Now()
	res, err := s.knowledge.IngestURL(r.Context(), p, req.URL)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.recordIngest(r.Context(), "url", start)
	respondJSON(w, http.StatusOK, res)
}

// handleRefreshRAG re-chunks and re-indexes the persona's background
// text, replacing previously background-derived chunks.
func (s *Server) handleRefreshRAG(w http.ResponseWriter, r *http.Request, owner string) {
	p, err := s.st.GetPersona(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if strings.TrimSpace(p.BackgroundText) == "" {
		s.respondError(w, r, badRequest("persona has no background_text to index"))
		return
	}
	if s.knowledge == nil {
		s.respondError(w, r, errKnowledgeUnconfigured)
		return
	}
	if err := s.knowledge.DeleteBySource(r.Context(), p, backgroundSource); err != nil {
		s.respondError(w, r, err)
		return
	}
	start := time.Now()
	res, err := s.knowledge.IngestText(r.Context(), p, p.BackgroundText, backgroundSource)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.recordIngest(r.Context(), backgroundSource, start)
	respondJSON(w, http.StatusOK, res)
}
