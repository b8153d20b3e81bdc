// Package mock provides in-memory test doubles for the store contracts.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/parley-ai/parley/internal/secrets"
	"github.com/parley-ai/parley/internal/store"
)

// Store is an in-memory implementation of [store.ProfileStore],
// [store.PersonaStore] and [store.ConversationStore]. Keys are stored
// with a reversible "mock-sealed:" prefix instead of real encryption.
// Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	profiles map[string]*store.APIProfile
	personas map[string]*store.Persona
	sessions map[string]*store.Session
	messages map[string][]store.Message
	position int64

	appendErr error
}

// SetAppendErr injects (or clears) a failure returned by every
// subsequent AppendMessage call.
func (m *Store) SetAppendErr(err error) {
	m.mu.Lock()
	m.appendErr = err
	m.mu.Unlock()
}

// Compile-time interface checks.
var (
	_ store.ProfileStore      = (*Store)(nil)
	_ store.PersonaStore      = (*Store)(nil)
	_ store.ConversationStore = (*Store)(nil)
)

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		profiles: make(map[string]*store.APIProfile),
		personas: make(map[string]*store.Persona),
		sessions: make(map[string]*store.Session),
		messages: make(map[string][]store.Message),
	}
}

const sealedPrefix = "mock-sealed:"

func (m *Store) CreateProfile(_ context.Context, p *store.APIProfile, plaintextKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = fmt.Sprintf("prof%d", len(m.profiles)+1)
	}
	p.EncryptedAPIKey = sealedPrefix + plaintextKey
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	m.profiles[p.ID] = &cp
	return nil
}

func (m *Store) GetProfile(_ context.Context, owner, id string) (*store.APIProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok || p.Owner != owner {
		return nil, fmt.Errorf("mock: profile %q: %w", id, store.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *Store) ListProfiles(_ context.Context, owner string) ([]store.APIProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.APIProfile
	for _, p := range m.profiles {
		if p.Owner == owner {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Store) UpdateProfile(_ context.Context, p *store.APIProfile, newPlaintextKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.profiles[p.ID]
	if !ok || old.Owner != p.Owner {
		return fmt.Errorf("mock: profile %q: %w", p.ID, store.ErrNotFound)
	}
	if newPlaintextKey != "" {
		p.EncryptedAPIKey = sealedPrefix + newPlaintextKey
	} else {
		p.EncryptedAPIKey = old.EncryptedAPIKey
	}
	p.UpdatedAt = time.Now()
	cp := *p
	m.profiles[p.ID] = &cp
	return nil
}

func (m *Store) DeleteProfile(_ context.Context, owner, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok || p.Owner != owner {
		return fmt.Errorf("mock: profile %q: %w", id, store.ErrNotFound)
	}
	delete(m.profiles, id)
	for pid, persona := range m.personas {
		if persona.APIProfileID == id {
			delete(m.personas, pid)
		}
	}
	return nil
}

func (m *Store) ResolveLLMConfig(ctx context.Context, persona *store.Persona) (*store.LLMConfig, error) {
	p, err := m.GetProfile(ctx, persona.Owner, persona.APIProfileID)
	if err != nil {
		return nil, err
	}
	return &store.LLMConfig{
		BaseURL:     p.BaseURL,
		Model:       p.Model,
		APIKey:      p.EncryptedAPIKey[len(sealedPrefix):],
		Temperature: p.Temperature,
	}, nil
}

func (m *Store) ResolveEmbeddingConfig(ctx context.Context, persona *store.Persona) (*store.LLMConfig, *store.APIProfile, error) {
	if persona.EmbeddingProfileID == "" {
		return nil, nil, fmt.Errorf("mock: persona %q has no embedding profile: %w", persona.Handle, store.ErrConfig)
	}
	p, err := m.GetProfile(ctx, persona.Owner, persona.EmbeddingProfileID)
	if err != nil {
		return nil, nil, err
	}
	cfg := &store.LLMConfig{
		BaseURL:     p.BaseURL,
		Model:       p.Model,
		APIKey:      p.EncryptedAPIKey[len(sealedPrefix):],
		Temperature: p.Temperature,
	}
	return cfg, p, nil
}

func (m *Store) ResolveConfigByID(ctx context.Context, owner, id string) (*store.LLMConfig, *store.APIProfile, error) {
	p, err := m.GetProfile(ctx, owner, id)
	if err != nil {
		return nil, nil, err
	}
	cfg := &store.LLMConfig{
		BaseURL:     p.BaseURL,
		Model:       p.Model,
		APIKey:      p.EncryptedAPIKey[len(sealedPrefix):],
		Temperature: p.Temperature,
	}
	return cfg, p, nil
}

func (m *Store) KeyPreview(p *store.APIProfile) string {
	return secrets.Preview(p.EncryptedAPIKey[len(sealedPrefix):])
}

func (m *Store) CreatePersona(_ context.Context, p *store.Persona) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prof, ok := m.profiles[p.APIProfileID]; !ok {
		return fmt.Errorf("mock: profile %q: %w", p.APIProfileID, store.ErrNotFound)
	} else if prof.Owner != p.Owner {
		return fmt.Errorf("mock: profile %q: %w", p.APIProfileID, store.ErrPermissionDenied)
	}
	if p.ID == "" {
		p.ID = fmt.Sprintf("pers%d", len(m.personas)+1)
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	m.personas[p.ID] = &cp
	return nil
}

func (m *Store) GetPersona(_ context.Context, owner, id string) (*store.Persona, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.personas[id]
	if !ok || p.Owner != owner {
		return nil, fmt.Errorf("mock: persona %q: %w", id, store.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *Store) ListPersonas(_ context.Context, owner string) ([]store.Persona, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Persona
	for _, p := range m.personas {
		if p.Owner == owner {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

func (m *Store) UpdatePersona(_ context.Context, p *store.Persona) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.personas[p.ID]
	if !ok || old.Owner != p.Owner {
		return fmt.Errorf("mock: persona %q: %w", p.ID, store.ErrNotFound)
	}
	p.UpdatedAt = time.Now()
	cp := *p
	m.personas[p.ID] = &cp
	return nil
}

func (m *Store) DeletePersona(_ context.Context, owner, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.personas[id]
	if !ok || p.Owner != owner {
		return fmt.Errorf("mock: persona %q: %w", id, store.ErrNotFound)
	}
	delete(m.personas, id)
	return nil
}

func (m *Store) CreateSession(_ context.Context, s *store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		id, err := store.MakeSessionID(s.Owner)
		if err != nil {
			return err
		}
		s.ID = id
	}
	if s.UserHandle == "" {
		s.UserHandle = "user"
	}
	s.CreatedAt = time.Now()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *Store) GetSession(_ context.Context, id string) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("mock: session %q: %w", id, store.ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *Store) ListSessions(_ context.Context, owner string) ([]store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Session
	for _, s := range m.sessions {
		if s.Owner == owner {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Store) UpdateSessionMeta(_ context.Context, id string, patch store.SessionPatch) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("mock: session %q: %w", id, store.ErrNotFound)
	}
	if patch.Title != nil {
		s.Title = *patch.Title
	}
	if patch.UserDisplayName != nil {
		s.UserDisplayName = *patch.UserDisplayName
	}
	if patch.UserHandle != nil {
		s.UserHandle = *patch.UserHandle
	}
	if patch.UserPersona != nil {
		s.UserPersona = *patch.UserPersona
	}
	cp := *s
	return &cp, nil
}

func (m *Store) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("mock: session %q: %w", id, store.ErrNotFound)
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	return nil
}

func (m *Store) DeleteSessions(ctx context.Context, ids []string, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if s, ok := m.sessions[id]; ok && s.Owner == owner {
			delete(m.sessions, id)
			delete(m.messages, id)
		}
	}
	return nil
}

func (m *Store) AppendMessage(_ context.Context, sessionID, sender, content string) (*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return nil, m.appendErr
	}
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("mock: session %q: %w", sessionID, store.ErrNotFound)
	}
	m.position++
	msg := store.Message{
		ID:        store.NewMessageID(sender),
		SessionID: sessionID,
		Position:  m.position,
		Sender:    sender,
		Content:   content,
		CreatedAt: time.Now(),
	}
	m.messages[sessionID] = append(m.messages[sessionID], msg)
	return &msg, nil
}

func (m *Store) ListMessages(_ context.Context, sessionID string, limit int) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("mock: session %q: %w", sessionID, store.ErrNotFound)
	}
	msgs := m.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]store.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}
