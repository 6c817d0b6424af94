// Package postgres provides the PostgreSQL-backed implementation of
// [store.Store].
//
// Documents live in a single user_documents table keyed by (user_id, kind)
// with a jsonb payload. MergeSet maps onto the jsonb concatenation operator
// (stored || patch), which gives the same top-level field-upsert semantics as
// the in-memory store. Update takes row locks (SELECT … FOR UPDATE) on the
// requested kinds inside one transaction, so two concurrent turns for the
// same user are serialised rather than losing an increment.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatspeak/chatspeak/internal/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

const defaultMessageLimit = 200

const schema = `
CREATE TABLE IF NOT EXISTS user_documents (
	user_id    text        NOT NULL,
	kind       text        NOT NULL,
	doc        jsonb       NOT NULL DEFAULT '{}'::jsonb,
	updated_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, kind)
);

CREATE TABLE IF NOT EXISTS chat_messages (
	id      bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	user_id text        NOT NULL,
	chat_id text        NOT NULL,
	sender  text        NOT NULL,
	text    text        NOT NULL,
	sent_at timestamptz NOT NULL
);

CREATE INDEX IF NOT EXISTS chat_messages_chat_idx
	ON chat_messages (user_id, chat_id, id);
`

// Store is the PostgreSQL document repository. All operations are safe for
// concurrent use; the pool handles connection lifecycle.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database at dsn, verifies the connection, and ensures
// the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Get implements [store.Store].
func (s *Store) Get(ctx context.Context, userID string, kind store.Kind) (json.RawMessage, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM user_documents WHERE user_id = $1 AND kind = $2`,
		userID, string(kind),
	).Scan(&doc)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get %s/%s: %w", userID, kind, err)
	}
	return doc, nil
}

// MergeSet implements [store.Store].
func (s *Store) MergeSet(ctx context.Context, userID string, kind store.Kind, patch store.Patch) error {
	if len(patch) == 0 {
		return nil
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("postgres store: encode patch for %s/%s: %w", userID, kind, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO user_documents (user_id, kind, doc, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, kind) DO UPDATE
			SET doc = user_documents.doc || EXCLUDED.doc,
			    updated_at = now()`,
		userID, string(kind), raw,
	)
	if err != nil {
		return fmt.Errorf("postgres store: merge %s/%s: %w", userID, kind, err)
	}
	return nil
}

// Update implements [store.Store]. The read and every merge-write happen in
// one transaction; missing rows are created first so FOR UPDATE has a row to
// lock even on a user's very first turn.
func (s *Store) Update(ctx context.Context, userID string, kinds []store.Kind, fn func(docs store.Docs) (map[store.Kind]store.Patch, error)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin update for %s: %w", userID, err)
	}
	defer tx.Rollback(ctx)

	docs := make(store.Docs, len(kinds))
	for _, kind := range kinds {
		if _, err := tx.Exec(ctx, `
			INSERT INTO user_documents (user_id, kind)
			VALUES ($1, $2)
			ON CONFLICT (user_id, kind) DO NOTHING`,
			userID, string(kind),
		); err != nil {
			return fmt.Errorf("postgres store: ensure row %s/%s: %w", userID, kind, err)
		}

		var doc []byte
		if err := tx.QueryRow(ctx,
			`SELECT doc FROM user_documents WHERE user_id = $1 AND kind = $2 FOR UPDATE`,
			userID, string(kind),
		).Scan(&doc); err != nil {
			return fmt.Errorf("postgres store: lock %s/%s: %w", userID, kind, err)
		}
		// A freshly created row holds the empty object; present it as an
		// absent document so callers see the same defaults as Get.
		if string(doc) == "{}" {
			doc = nil
		}
		docs[kind] = doc
	}

	patches, err := fn(docs)
	if err != nil {
		return err
	}

	for kind, patch := range patches {
		if len(patch) == 0 {
			continue
		}
		raw, err := json.Marshal(patch)
		if err != nil {
			return fmt.Errorf("postgres store: encode patch for %s/%s: %w", userID, kind, err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE user_documents
			SET doc = doc || $3, updated_at = now()
			WHERE user_id = $1 AND kind = $2`,
			userID, string(kind), raw,
		); err != nil {
			return fmt.Errorf("postgres store: apply patch %s/%s: %w", userID, kind, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit update for %s: %w", userID, err)
	}
	return nil
}

// AppendMessage implements [store.Store].
func (s *Store) AppendMessage(ctx context.Context, userID, chatID string, msg store.ChatMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_messages (user_id, chat_id, sender, text, sent_at)
		VALUES ($1, $2, $3, $4, $5)`,
		userID, chatID, msg.Sender, msg.Text, msg.SentAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: append message %s/%s: %w", userID, chatID, err)
	}
	return nil
}

// Messages implements [store.Store].
func (s *Store) Messages(ctx context.Context, userID, chatID string, limit int) ([]store.ChatMessage, error) {
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT sender, text, sent_at FROM (
			SELECT id, sender, text, sent_at
			FROM chat_messages
			WHERE user_id = $1 AND chat_id = $2
			ORDER BY id DESC
			LIMIT $3
		) latest ORDER BY id ASC`,
		userID, chatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list messages %s/%s: %w", userID, chatID, err)
	}
	defer rows.Close()

	msgs := []store.ChatMessage{}
	for rows.Next() {
		var m store.ChatMessage
		if err := rows.Scan(&m.Sender, &m.Text, &m.SentAt); err != nil {
			return nil, fmt.Errorf("postgres store: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: iterate messages: %w", err)
	}
	return msgs, nil
}
