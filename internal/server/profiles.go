package server

import (
	"context"
	"net/http"
	"time"

	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/pkg/provider/llm"
)

// probeTimeout bounds the upstream round trip of the profile health
// check.
const probeTimeout = 10 * time.Second

// profileDTO is the wire shape of an API profile. The stored key is
// never serialised; clients see only a masked preview.
type profileDTO struct {
	ID               string    `json:"id"`
	Owner            string    `json:"owner"`
	Name             string    `json:"name"`
	BaseURL          string    `json:"base_url"`
	Model            string    `json:"model"`
	APIKeyPreview    string    `json:"api_key_preview"`
	Temperature      float64   `json:"temperature"`
	IsEmbeddingModel bool      `json:"is_embedding_model"`
	EmbeddingDim     int       `json:"embedding_dim,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (s *Server) profileDTO(p *store.APIProfile) profileDTO {
	return profileDTO{
		ID:               p.ID,
		Owner:            p.Owner,
		Name:             p.Name,
		BaseURL:          p.BaseURL,
		Model:            p.Model,
		APIKeyPreview:    s.st.KeyPreview(p),
		Temperature:      p.Temperature,
		IsEmbeddingModel: p.IsEmbeddingModel,
		EmbeddingDim:     p.EmbeddingDim,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

type createProfileRequest struct {
	Name             string  `json:"name"`
	BaseURL          string  `json:"base_url"`
	Model            string  `json:"model"`
	APIKey           string  `json:"api_key"`
	Temperature      float64 `json:"temperature"`
	IsEmbeddingModel bool    `json:"is_embedding_model"`
	EmbeddingDim     int     `json:"embedding_dim"`
}

func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request, owner string) {
	var req createProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.APIKey == "" {
		s.respondError(w, r, badRequest("api_key is required"))
		return
	}
	p := &store.APIProfile{
		Owner:            owner,
		Name:             req.Name,
		BaseURL:          req.BaseURL,
		Model:            req.Model,
		Temperature:      req.Temperature,
		IsEmbeddingModel: req.IsEmbeddingModel,
		EmbeddingDim:     req.EmbeddingDim,
	}
	if err := p.Validate(); err != nil {
		s.respondError(w, r, badRequest(err.Error()))
		return
	}
	if err := s.st.CreateProfile(r.Context(), p, req.APIKey); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, s.profileDTO(p))
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request, owner string) {
	profiles, err := s.st.ListProfiles(r.Context(), owner)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]profileDTO, 0, len(profiles))
	for i := range profiles {
		out = append(out, s.profileDTO(&profiles[i]))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request, owner string) {
	p, err := s.st.GetProfile(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.profileDTO(p))
}

// profilePatch mirrors the mutable profile fields; APIKey is write-only
// and replaces the stored key when present.
type profilePatch struct {
	Name             *string  `json:"name"`
	BaseURL          *string  `json:"base_url"`
	Model            *string  `json:"model"`
	APIKey           *string  `json:"api_key"`
	Temperature      *float64 `json:"temperature"`
	IsEmbeddingModel *bool    `json:"is_embedding_model"`
	EmbeddingDim     *int     `json:"embedding_dim"`
}

func (s *Server) handlePatchProfile(w http.ResponseWriter, r *http.Request, owner string) {
	id := r.PathValue("id")
	p, err := s.st.GetProfile(r.Context(), owner, id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var patch profilePatch
	if err := decodeJSON(r, &patch); err != nil {
		s.respondError(w, r, err)
		return
	}
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	if patch.BaseURL != nil {
		p.BaseURL = *patch.BaseURL
	}
	if patch.Model != nil {
		p.Model = *patch.Model
	}
	if patch.Temperature != nil {
		p.Temperature = *patch.Temperature
	}
	if patch.IsEmbeddingModel != nil {
		p.IsEmbeddingModel = *patch.IsEmbeddingModel
	}
	if patch.EmbeddingDim != nil {
		p.EmbeddingDim = *patch.EmbeddingDim
	}
	if err := p.Validate(); err != nil {
		s.respondError(w, r, badRequest(err.Error()))
		return
	}
	newKey := ""
	if patch.APIKey != nil {
		if *patch.APIKey == "" {
			s.respondError(w, r, badRequest("api_key must not be empty"))
			return
		}
		newKey = *patch.APIKey
	}
	if err := s.st.UpdateProfile(r.Context(), p, newKey); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.forgetProfileUsers(r.Context(), owner, id)
	respondJSON(w, http.StatusOK, s.profileDTO(p))
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request, owner string) {
	id := r.PathValue("id")
	// Personas cascade with the profile; invalidate their cached
	// providers before the rows disappear.
	s.forgetProfileUsers(r.Context(), owner, id)
	if err := s.st.DeleteProfile(r.Context(), owner, id); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// forgetProfileUsers drops cached providers for every persona that
// references the profile, for chat or embeddings.
func (s *Server) forgetProfileUsers(ctx context.Context, owner, profileID string) {
	personas, err := s.st.ListPersonas(ctx, owner)
	if err != nil {
		return
	}
	for i := range personas {
		if personas[i].APIProfileID == profileID || personas[i].EmbeddingProfileID == profileID {
			s.orch.ForgetPersona(personas[i].ID)
		}
	}
}

// handleProfileHealth issues a minimal upstream request with the stored
// credentials. Chat profiles get a one-token completion, embedding
// profiles a single embed call. The key itself is never echoed.
func (s *Server) handleProfileHealth(w http.ResponseWriter, r *http.Request, owner string) {
	cfg, profile, err := s.st.ResolveConfigByID(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	start := time.Now()
	if profile.IsEmbeddingModel {
		embedder, err := s.embedFactory(cfg, profile.EmbeddingDim)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		if _, err := embedder.Embed(ctx, "ping"); err != nil {
			respondDetail(w, http.StatusBadGateway, "upstream probe failed: "+err.Error())
			return
		}
	} else {
		provider, err := s.llmFactory(cfg)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		_, err = provider.Complete(ctx, llm.CompletionRequest{
			Messages:  []llm.Message{{Role: "user", Content: "ping"}},
			MaxTokens: 1,
		})
		if err != nil {
			respondDetail(w, http.StatusBadGateway, "upstream probe failed: "+err.Error())
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"model":      profile.Model,
		"latency_ms": time.Since(start).Milliseconds(),
	})
}
