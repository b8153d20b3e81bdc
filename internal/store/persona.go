package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const personaColumns = `id, owner, handle, display_name, system_prompt, tone,
       proactivity, memory_window, max_agents_per_turn, api_profile_id,
       COALESCE(embedding_profile_id, ''), is_default, background_text,
       created_at, updated_at`

// CreatePersona inserts a new persona. Referenced API profiles must exist
// and be owned by the persona's owner; a cross-owner reference returns
// [ErrPermissionDenied]. The generated id is written back into p.
func (s *Store) CreatePersona(ctx context.Context, p *Persona) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := s.checkProfileOwner(ctx, p.Owner, p.APIProfileID); err != nil {
		return err
	}
	if p.EmbeddingProfileID != "" {
		if err := s.checkProfileOwner(ctx, p.Owner, p.EmbeddingProfileID); err != nil {
			return err
		}
	}
	if p.ID == "" {
		p.ID = newID()
	}

	const query = `
		INSERT INTO personas (
			id, owner, handle, display_name, system_prompt, tone,
			proactivity, memory_window, max_agents_per_turn,
			api_profile_id, embedding_profile_id, is_default, background_text
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULLIF($11,''),$12,$13)
		RETURNING created_at, updated_at`

	err := s.db.QueryRow(ctx, query,
		p.ID, p.Owner, p.Handle, p.DisplayName, p.SystemPrompt, p.Tone,
		p.Proactivity, p.MemoryWindow, p.MaxAgentsPerTurn,
		p.APIProfileID, p.EmbeddingProfileID, p.IsDefault, p.BackgroundText,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: persona handle %q already exists for owner %q: %w", p.Handle, p.Owner, ErrConflict)
		}
		return fmt.Errorf("store: create persona: %w", err)
	}
	return nil
}

// GetPersona retrieves a persona scoped to owner. Returns [ErrNotFound]
// when no such persona is visible to the owner.
func (s *Store) GetPersona(ctx context.Context, owner, id string) (*Persona, error) {
	const query = `SELECT ` + personaColumns + ` FROM personas WHERE id = $1 AND owner = $2`

	p, err := scanPersona(s.db.QueryRow(ctx, query, id, owner))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: persona %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get persona %q: %w", id, err)
	}
	return p, nil
}

// ListPersonas returns all personas owned by owner, ordered by handle.
func (s *Store) ListPersonas(ctx context.Context, owner string) ([]Persona, error) {
	const query = `SELECT ` + personaColumns + ` FROM personas WHERE owner = $1 ORDER BY handle`

	rows, err := s.db.Query(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("store: list personas: %w", err)
	}
	defer rows.Close()

	var out []Persona
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list personas scan: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list personas: %w", err)
	}
	return out, nil
}

// UpdatePersona replaces the mutable fields of an existing persona,
// re-validating profile ownership.
func (s *Store) UpdatePersona(ctx context.Context, p *Persona) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := s.checkProfileOwner(ctx, p.Owner, p.APIProfileID); err != nil {
		return err
	}
	if p.EmbeddingProfileID != "" {
		if err := s.checkProfileOwner(ctx, p.Owner, p.EmbeddingProfileID); err != nil {
			return err
		}
	}

	const query = `
		UPDATE personas SET
			handle = $3, display_name = $4, system_prompt = $5, tone = $6,
			proactivity = $7, memory_window = $8, max_agents_per_turn = $9,
			api_profile_id = $10, embedding_profile_id = NULLIF($11,''),
			is_default = $12, background_text = $13, updated_at = now()
		WHERE id = $1 AND owner = $2
		RETURNING updated_at`

	err := s.db.QueryRow(ctx, query,
		p.ID, p.Owner, p.Handle, p.DisplayName, p.SystemPrompt, p.Tone,
		p.Proactivity, p.MemoryWindow, p.MaxAgentsPerTurn,
		p.APIProfileID, p.EmbeddingProfileID, p.IsDefault, p.BackgroundText,
	).Scan(&p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("store: persona %q: %w", p.ID, ErrNotFound)
		}
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: persona handle %q already exists for owner %q: %w", p.Handle, p.Owner, ErrConflict)
		}
		return fmt.Errorf("store: update persona: %w", err)
	}
	return nil
}

// DeletePersona removes a persona. The caller is responsible for dropping
// the persona's retrieval collection.
func (s *Store) DeletePersona(ctx context.Context, owner, id string) error {
	const query = `DELETE FROM personas WHERE id = $1 AND owner = $2`
	tag, err := s.db.Exec(ctx, query, id, owner)
	if err != nil {
		return fmt.Errorf("store: delete persona %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: persona %q: %w", id, ErrNotFound)
	}
	return nil
}

// checkProfileOwner verifies that the profile exists and belongs to owner.
func (s *Store) checkProfileOwner(ctx context.Context, owner, profileID string) error {
	const query = `SELECT owner FROM api_profiles WHERE id = $1`
	var got string
	err := s.db.QueryRow(ctx, query, profileID).Scan(&got)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("store: profile %q: %w", profileID, ErrNotFound)
		}
		return fmt.Errorf("store: check profile %q: %w", profileID, err)
	}
	if got != owner {
		return fmt.Errorf("store: profile %q: %w", profileID, ErrPermissionDenied)
	}
	return nil
}

func scanPersona(row scannable) (*Persona, error) {
	var p Persona
	err := row.Scan(
		&p.ID, &p.Owner, &p.Handle, &p.DisplayName, &p.SystemPrompt, &p.Tone,
		&p.Proactivity, &p.MemoryWindow, &p.MaxAgentsPerTurn, &p.APIProfileID,
		&p.EmbeddingProfileID, &p.IsDefault, &p.BackgroundText,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
