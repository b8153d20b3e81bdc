package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// APIProfile describes one OpenAI-compatible endpoint plus credentials.
// The API key is held only in encrypted form; use
// [Store.ResolveLLMConfig] to obtain the plaintext for a single call.
type APIProfile struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
	Name  string `json:"name"`

	BaseURL string `json:"base_url"`
	Model   string `json:"model"`

	// EncryptedAPIKey is the sealed key token. Never serialised to
	// clients; DTO construction replaces it with a masked preview.
	EncryptedAPIKey string `json:"-"`

	Temperature float64 `json:"temperature"`

	// IsEmbeddingModel marks profiles that serve embeddings rather than
	// chat completions.
	IsEmbeddingModel bool `json:"is_embedding_model"`

	// EmbeddingDim bounds the vector dimension of collections created
	// with this profile. Zero means the dimension is taken from the
	// first embedding response.
	EmbeddingDim int `json:"embedding_dim,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks profile fields that do not require database access.
func (p *APIProfile) Validate() error {
	if p.Owner == "" {
		return fmt.Errorf("store: profile owner is required")
	}
	if p.Name == "" {
		return fmt.Errorf("store: profile name is required")
	}
	if p.BaseURL == "" {
		return fmt.Errorf("store: profile base_url is required")
	}
	if p.Model == "" {
		return fmt.Errorf("store: profile model is required")
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("store: profile temperature %v out of range [0,2]", p.Temperature)
	}
	if p.EmbeddingDim < 0 {
		return fmt.Errorf("store: profile embedding_dim must be non-negative")
	}
	return nil
}

// Persona is one LLM-backed participant in a group chat.
type Persona struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`

	// Handle is the @-mentionable slug, unique per owner.
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name"`

	SystemPrompt string `json:"system_prompt"`
	Tone         string `json:"tone"`

	// Proactivity in [0,1] biases the turn scheduler toward this persona.
	Proactivity float64 `json:"proactivity"`

	// MemoryWindow is how many history messages this persona sees.
	MemoryWindow int `json:"memory_window"`

	// MaxAgentsPerTurn caps how many personas reply in one turn.
	MaxAgentsPerTurn int `json:"max_agents_per_turn"`

	// APIProfileID references the chat-completion profile, same owner.
	APIProfileID string `json:"api_profile_id"`

	// EmbeddingProfileID optionally references an embedding profile for
	// this persona's knowledge base. Empty means no retrieval.
	EmbeddingProfileID string `json:"embedding_profile_id,omitempty"`

	// IsDefault marks the fallback speaker when no persona scores
	// positively and nothing is mentioned.
	IsDefault bool `json:"is_default"`

	// BackgroundText is chunked and indexed into the persona's retrieval
	// collection on create and update.
	BackgroundText string `json:"background_text,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks persona fields that do not require database access.
func (p *Persona) Validate() error {
	if p.Owner == "" {
		return fmt.Errorf("store: persona owner is required")
	}
	if !isValidHandle(p.Handle) {
		return fmt.Errorf("store: persona handle %q must be a lowercase slug", p.Handle)
	}
	if p.DisplayName == "" {
		return fmt.Errorf("store: persona display_name is required")
	}
	if p.Proactivity < 0 || p.Proactivity > 1 {
		return fmt.Errorf("store: persona proactivity %v out of range [0,1]", p.Proactivity)
	}
	if p.MemoryWindow < 1 {
		return fmt.Errorf("store: persona memory_window must be >= 1")
	}
	if p.MaxAgentsPerTurn < 1 {
		return fmt.Errorf("store: persona max_agents_per_turn must be >= 1")
	}
	if p.APIProfileID == "" {
		return fmt.Errorf("store: persona api_profile_id is required")
	}
	return nil
}

// isValidHandle reports whether h is a non-empty slug of lowercase
// letters, digits, hyphens and underscores.
func isValidHandle(h string) bool {
	if h == "" {
		return false
	}
	for _, r := range h {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

// Session is a long-lived group-chat context with one owner.
type Session struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`

	Title           string `json:"title,omitempty"`
	UserDisplayName string `json:"user_display_name,omitempty"`

	// UserHandle is the sender tag for user-authored messages.
	UserHandle string `json:"user_handle"`

	// UserPersona is free text describing the user to the personas.
	UserPersona string `json:"user_persona,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// SessionPatch carries partial updates for UpdateSessionMeta. Nil fields
// are left unchanged.
type SessionPatch struct {
	Title           *string `json:"title,omitempty"`
	UserDisplayName *string `json:"user_display_name,omitempty"`
	UserHandle      *string `json:"user_handle,omitempty"`
	UserPersona     *string `json:"user_persona,omitempty"`
}

// Message is one entry in a session's append-only log.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Position  int64     `json:"position"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// LLMConfig is the decrypted per-call configuration for dispatching to an
// OpenAI-compatible endpoint. The APIKey field holds plaintext; keep the
// value inside the dispatching call frame and never log it.
type LLMConfig struct {
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float64
}

// ProfileStore is the API-profile persistence contract.
type ProfileStore interface {
	CreateProfile(ctx context.Context, p *APIProfile, plaintextKey string) error
	GetProfile(ctx context.Context, owner, id string) (*APIProfile, error)
	ListProfiles(ctx context.Context, owner string) ([]APIProfile, error)
	UpdateProfile(ctx context.Context, p *APIProfile, newPlaintextKey string) error
	DeleteProfile(ctx context.Context, owner, id string) error

	// ResolveLLMConfig decrypts the profile referenced by the persona and
	// returns a ready-to-use config. Decryption failure wraps [ErrConfig].
	ResolveLLMConfig(ctx context.Context, persona *Persona) (*LLMConfig, error)

	// ResolveEmbeddingConfig is ResolveLLMConfig for the persona's
	// embedding profile. Returns [ErrConfig] when none is configured.
	ResolveEmbeddingConfig(ctx context.Context, persona *Persona) (*LLMConfig, *APIProfile, error)

	// ResolveConfigByID decrypts a profile addressed by id, scoped to
	// owner. Used by upstream health probes.
	ResolveConfigByID(ctx context.Context, owner, id string) (*LLMConfig, *APIProfile, error)

	// KeyPreview returns the masked API-key preview shown to clients.
	KeyPreview(p *APIProfile) string
}

// PersonaStore is the persona persistence contract.
type PersonaStore interface {
	CreatePersona(ctx context.Context, p *Persona) error
	GetPersona(ctx context.Context, owner, id string) (*Persona, error)
	ListPersonas(ctx context.Context, owner string) ([]Persona, error)
	UpdatePersona(ctx context.Context, p *Persona) error
	DeletePersona(ctx context.Context, owner, id string) error
}

// ConversationStore is the session and message persistence contract.
type ConversationStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, owner string) ([]Session, error)
	UpdateSessionMeta(ctx context.Context, id string, patch SessionPatch) (*Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteSessions(ctx context.Context, ids []string, owner string) error
	AppendMessage(ctx context.Context, sessionID, sender, content string) (*Message, error)
	ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
}

// NewMessageID allocates a message identifier of the form
// "{sender}_{8 hex}" with non-slug sender characters replaced.
func NewMessageID(sender string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, sender)
	if safe == "" {
		safe = "anon"
	}
	return safe + "_" + newID()
}
