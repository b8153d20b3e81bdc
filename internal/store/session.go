package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const sessionColumns = `id, owner, title, user_display_name, user_handle, user_persona, created_at`

// CreateSession inserts a new session. When s.ID is empty an id of the
// form "sess_{owner}_{8 hex}" is allocated; a caller-supplied id must
// embed the same owner.
func (st *Store) CreateSession(ctx context.Context, s *Session) error {
	if s.Owner == "" {
		return fmt.Errorf("store: session owner is required")
	}
	if s.ID == "" {
		id, err := MakeSessionID(s.Owner)
		if err != nil {
			return err
		}
		s.ID = id
	} else {
		owner, err := ParseSessionID(s.ID)
		if err != nil {
			return err
		}
		if owner != s.Owner {
			return fmt.Errorf("store: session id owner mismatch: %w", ErrPermissionDenied)
		}
	}
	if s.UserHandle == "" {
		s.UserHandle = "user"
	}

	const query = `
		INSERT INTO sessions (id, owner, title, user_display_name, user_handle, user_persona)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at`

	err := st.db.QueryRow(ctx, query,
		s.ID, s.Owner, s.Title, s.UserDisplayName, s.UserHandle, s.UserPersona,
	).Scan(&s.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: session %q already exists: %w", s.ID, ErrConflict)
		}
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id. Returns [ErrNotFound] when no such
// session exists. Callers enforce owner checks against the returned row.
func (st *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	const query = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`

	var s Session
	err := st.db.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.Owner, &s.Title, &s.UserDisplayName, &s.UserHandle, &s.UserPersona, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: session %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get session %q: %w", id, err)
	}
	return &s, nil
}

// ListSessions returns all sessions owned by owner, newest first.
func (st *Store) ListSessions(ctx context.Context, owner string) ([]Session, error) {
	const query = `SELECT ` + sessionColumns + ` FROM sessions WHERE owner = $1 ORDER BY created_at DESC`

	rows, err := st.db.Query(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(
			&s.ID, &s.Owner, &s.Title, &s.UserDisplayName, &s.UserHandle, &s.UserPersona, &s.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: list sessions scan: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	return out, nil
}

// UpdateSessionMeta applies a partial update and returns the new row.
func (st *Store) UpdateSessionMeta(ctx context.Context, id string, patch SessionPatch) (*Session, error) {
	const query = `
		UPDATE sessions SET
			title = COALESCE($2, title),
			user_display_name = COALESCE($3, user_display_name),
			user_handle = COALESCE($4, user_handle),
			user_persona = COALESCE($5, user_persona)
		WHERE id = $1
		RETURNING ` + sessionColumns

	var s Session
	err := st.db.QueryRow(ctx, query,
		id, patch.Title, patch.UserDisplayName, patch.UserHandle, patch.UserPersona,
	).Scan(
		&s.ID, &s.Owner, &s.Title, &s.UserDisplayName, &s.UserHandle, &s.UserPersona, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: session %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: update session %q: %w", id, err)
	}
	return &s, nil
}

// DeleteSession removes a session and cascades its messages.
func (st *Store) DeleteSession(ctx context.Context, id string) error {
	const query = `DELETE FROM sessions WHERE id = $1`
	tag, err := st.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("store: delete session %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: session %q: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteSessions removes every listed session that belongs to owner.
// Sessions in ids owned by someone else are skipped silently.
func (st *Store) DeleteSessions(ctx context.Context, ids []string, owner string) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `DELETE FROM sessions WHERE id = ANY($1) AND owner = $2`
	if _, err := st.db.Exec(ctx, query, ids, owner); err != nil {
		return fmt.Errorf("store: delete sessions: %w", err)
	}
	return nil
}

// AppendMessage appends one message to the session log. The BIGSERIAL
// position makes the append atomic and totally ordered per session.
// Returns [ErrNotFound] when the session does not exist.
func (st *Store) AppendMessage(ctx context.Context, sessionID, sender, content string) (*Message, error) {
	const query = `
		INSERT INTO messages (id, session_id, sender, content)
		VALUES ($1,$2,$3,$4)
		RETURNING position, created_at`

	m := &Message{
		ID:        NewMessageID(sender),
		SessionID: sessionID,
		Sender:    sender,
		Content:   content,
	}
	err := st.db.QueryRow(ctx, query, m.ID, sessionID, sender, content).
		Scan(&m.Position, &m.CreatedAt)
	if err != nil {
		if isForeignKeyError(err) {
			return nil, fmt.Errorf("store: session %q: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("store: append message: %w", err)
	}
	return m, nil
}

// ListMessages returns the most recent limit messages of a session in
// ascending position order. limit <= 0 returns the full log.
func (st *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	const query = `
		SELECT id, session_id, position, sender, content, created_at FROM (
			SELECT id, session_id, position, sender, content, created_at
			FROM messages
			WHERE session_id = $1
			ORDER BY position DESC
			LIMIT CASE WHEN $2 > 0 THEN $2 END
		) recent
		ORDER BY position ASC`

	rows, err := st.db.Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Position, &m.Sender, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: list messages scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	return out, nil
}
