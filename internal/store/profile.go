package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/parley-ai/parley/internal/secrets"
)

const profileColumns = `id, owner, name, base_url, model, encrypted_api_key,
       temperature, is_embedding_model, embedding_dim, created_at, updated_at`

// CreateProfile inserts a new API profile, sealing plaintextKey at rest.
// The generated id is written back into p.
func (s *Store) CreateProfile(ctx context.Context, p *APIProfile, plaintextKey string) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if plaintextKey == "" {
		return fmt.Errorf("store: profile api_key is required")
	}

	sealed, err := s.box.Seal(plaintextKey)
	if err != nil {
		return fmt.Errorf("store: seal api key: %w", err)
	}
	p.EncryptedAPIKey = sealed
	if p.ID == "" {
		p.ID = newID()
	}

	const query = `
		INSERT INTO api_profiles (
			id, owner, name, base_url, model, encrypted_api_key,
			temperature, is_embedding_model, embedding_dim
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		p.ID, p.Owner, p.Name, p.BaseURL, p.Model, p.EncryptedAPIKey,
		p.Temperature, p.IsEmbeddingModel, p.EmbeddingDim,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: profile %q already exists for owner %q: %w", p.Name, p.Owner, ErrConflict)
		}
		return fmt.Errorf("store: create profile: %w", err)
	}
	return nil
}

// GetProfile retrieves a profile scoped to owner. Returns [ErrNotFound]
// when no such profile is visible to the owner.
func (s *Store) GetProfile(ctx context.Context, owner, id string) (*APIProfile, error) {
	const query = `SELECT ` + profileColumns + ` FROM api_profiles WHERE id = $1 AND owner = $2`

	p, err := scanProfile(s.db.QueryRow(ctx, query, id, owner))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: profile %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get profile %q: %w", id, err)
	}
	return p, nil
}

// ListProfiles returns all profiles owned by owner, ordered by name.
func (s *Store) ListProfiles(ctx context.Context, owner string) ([]APIProfile, error) {
	const query = `SELECT ` + profileColumns + ` FROM api_profiles WHERE owner = $1 ORDER BY name`

	rows, err := s.db.Query(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("store: list profiles: %w", err)
	}
	defer rows.Close()

	var out []APIProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list profiles scan: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list profiles: %w", err)
	}
	return out, nil
}

// UpdateProfile replaces the mutable fields of an existing profile. When
// newPlaintextKey is non-empty the stored key is replaced; otherwise the
// existing encrypted key is kept (keys are write-only over the API).
func (s *Store) UpdateProfile(ctx context.Context, p *APIProfile, newPlaintextKey string) error {
	if err := p.Validate(); err != nil {
		return err
	}

	if newPlaintextKey != "" {
		sealed, err := s.box.Seal(newPlaintextKey)
		if err != nil {
			return fmt.Errorf("store: seal api key: %w", err)
		}
		p.EncryptedAPIKey = sealed
	}

	const query = `
		UPDATE api_profiles SET
			name = $3, base_url = $4, model = $5,
			encrypted_api_key = CASE WHEN $6 <> '' THEN $6 ELSE encrypted_api_key END,
			temperature = $7, is_embedding_model = $8, embedding_dim = $9,
			updated_at = now()
		WHERE id = $1 AND owner = $2
		RETURNING encrypted_api_key, updated_at`

	newKey := ""
	if newPlaintextKey != "" {
		newKey = p.EncryptedAPIKey
	}
	err := s.db.QueryRow(ctx, query,
		p.ID, p.Owner, p.Name, p.BaseURL, p.Model, newKey,
		p.Temperature, p.IsEmbeddingModel, p.EmbeddingDim,
	).Scan(&p.EncryptedAPIKey, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("store: profile %q: %w", p.ID, ErrNotFound)
		}
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: profile %q already exists for owner %q: %w", p.Name, p.Owner, ErrConflict)
		}
		return fmt.Errorf("store: update profile: %w", err)
	}
	return nil
}

// DeleteProfile removes a profile and cascades to personas referencing it.
func (s *Store) DeleteProfile(ctx context.Context, owner, id string) error {
	const query = `DELETE FROM api_profiles WHERE id = $1 AND owner = $2`
	tag, err := s.db.Exec(ctx, query, id, owner)
	if err != nil {
		return fmt.Errorf("store: delete profile %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: profile %q: %w", id, ErrNotFound)
	}
	return nil
}

// ResolveLLMConfig decrypts the chat profile referenced by the persona.
// The returned APIKey is plaintext; the caller must confine it to the call
// frame that dispatches to the LLM and never log it.
func (s *Store) ResolveLLMConfig(ctx context.Context, persona *Persona) (*LLMConfig, error) {
	profile, err := s.GetProfile(ctx, persona.Owner, persona.APIProfileID)
	if err != nil {
		return nil, err
	}
	return s.decryptConfig(profile)
}

// ResolveEmbeddingConfig decrypts the persona's embedding profile and
// returns it alongside the profile row (for its embedding dimension).
// Returns [ErrConfig] when the persona has no embedding profile.
func (s *Store) ResolveEmbeddingConfig(ctx context.Context, persona *Persona) (*LLMConfig, *APIProfile, error) {
	if persona.EmbeddingProfileID == "" {
		return nil, nil, fmt.Errorf("store: persona %q has no embedding profile: %w", persona.Handle, ErrConfig)
	}
	profile, err := s.GetProfile(ctx, persona.Owner, persona.EmbeddingProfileID)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := s.decryptConfig(profile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, profile, nil
}

// ResolveConfigByID decrypts a profile addressed directly by id, scoped
// to owner. Used by upstream health probes.
func (s *Store) ResolveConfigByID(ctx context.Context, owner, id string) (*LLMConfig, *APIProfile, error) {
	profile, err := s.GetProfile(ctx, owner, id)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := s.decryptConfig(profile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, profile, nil
}

// KeyPreview returns the masked API-key preview ("****" + last four
// characters) for a profile, or "****" when the stored key cannot be
// decrypted. The plaintext never leaves this call frame.
func (s *Store) KeyPreview(p *APIProfile) string {
	key, err := s.box.Open(p.EncryptedAPIKey)
	if err != nil {
		return "****"
	}
	return secrets.Preview(key)
}

func (s *Store) decryptConfig(profile *APIProfile) (*LLMConfig, error) {
	key, err := s.box.Open(profile.EncryptedAPIKey)
	if err != nil {
		if errors.Is(err, secrets.ErrDecrypt) {
			return nil, fmt.Errorf("store: profile %q key undecryptable: %w", profile.ID, ErrConfig)
		}
		return nil, fmt.Errorf("store: decrypt profile %q key: %w", profile.ID, err)
	}
	return &LLMConfig{
		BaseURL:     profile.BaseURL,
		Model:       profile.Model,
		APIKey:      key,
		Temperature: profile.Temperature,
	}, nil
}

// scannable is satisfied by pgx.Row and pgx.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanProfile(row scannable) (*APIProfile, error) {
	var p APIProfile
	err := row.Scan(
		&p.ID, &p.Owner, &p.Name, &p.BaseURL, &p.Model, &p.EncryptedAPIKey,
		&p.Temperature, &p.IsEmbeddingModel, &p.EmbeddingDim, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
