package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// defaultMessageLimit caps Messages results when the caller passes limit <= 0.
const defaultMessageLimit = 200

// MemStore is an in-memory [Store] used in tests and when no Postgres DSN is
// configured. Documents are held as decoded JSON objects so that MergeSet
// field semantics match the Postgres jsonb implementation.
//
// MemStore is safe for concurrent use. Update holds the store-wide mutex for
// the duration of fn, which serialises concurrent turns the same way the
// Postgres row locks do.
type MemStore struct {
	mu       sync.Mutex
	docs     map[string]map[string]any // key: userID + "/" + kind
	messages map[string][]ChatMessage  // key: userID + "/" + chatID
}

// NewMemStore returns an empty, ready-to-use [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		docs:     make(map[string]map[string]any),
		messages: make(map[string][]ChatMessage),
	}
}

func docKey(userID string, kind Kind) string { return userID + "/" + string(kind) }

// Get implements [Store].
func (m *MemStore) Get(_ context.Context, userID string, kind Kind) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(userID, kind)
}

func (m *MemStore) getLocked(userID string, kind Kind) (json.RawMessage, error) {
	doc, ok := m.docs[docKey(userID, kind)]
	if !ok {
		return nil, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("memstore: encode %s/%s: %w", userID, kind, err)
	}
	return raw, nil
}

// MergeSet implements [Store].
func (m *MemStore) MergeSet(_ context.Context, userID string, kind Kind, patch Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mergeLocked(userID, kind, patch)
}

func (m *MemStore) mergeLocked(userID string, kind Kind, patch Patch) error {
	if len(patch) == 0 {
		return nil
	}

	// Round-trip the patch through JSON so stored values carry the same
	// representation (e.g. RFC 3339 timestamps) as the Postgres backend.
	raw, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("memstore: encode patch for %s/%s: %w", userID, kind, err)
	}
	fields := make(map[string]any, len(patch))
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("memstore: decode patch for %s/%s: %w", userID, kind, err)
	}

	key := docKey(userID, kind)
	doc, ok := m.docs[key]
	if !ok {
		doc = make(map[string]any, len(fields))
		m.docs[key] = doc
	}
	for k, v := range fields {
		doc[k] = v
	}
	return nil
}

// Update implements [Store].
func (m *MemStore) Update(_ context.Context, userID string, kinds []Kind, fn func(docs Docs) (map[Kind]Patch, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	docs := make(Docs, len(kinds))
	for _, kind := range kinds {
		raw, err := m.getLocked(userID, kind)
		if err != nil {
			return err
		}
		docs[kind] = raw
	}

	patches, err := fn(docs)
	if err != nil {
		return err
	}
	for kind, patch := range patches {
		if err := m.mergeLocked(userID, kind, patch); err != nil {
			return err
		}
	}
	return nil
}

// AppendMessage implements [Store].
func (m *MemStore) AppendMessage(_ context.Context, userID, chatID string, msg ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := userID + "/" + chatID
	m.messages[key] = append(m.messages[key], msg)
	return nil
}

// Messages implements [Store].
func (m *MemStore) Messages(_ context.Context, userID, chatID string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.messages[userID+"/"+chatID]
	if len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := make([]ChatMessage, len(log))
	copy(out, log)
	return out, nil
}
