// Package store defines the per-user document repository used by the session
// state engine.
//
// Every user owns one document per [Kind]. Documents are schemaless JSON at
// the storage layer; the typed views live in
// [github.com/chatspeak/chatspeak/internal/therapy]. Two write primitives are
// offered:
//
//   - [Store.MergeSet] performs a field-level upsert: keys present in the
//     patch replace the stored value, absent keys are left untouched. An
//     empty patch is a no-op. Suitable for idempotent partial writes.
//   - [Store.Update] executes a read-modify-write across one or more kinds
//     for a single user atomically, serialising concurrent turns for that
//     user. Counter increments and history-window trims must go through
//     Update so that two devices cannot lose an update against each other.
//
// Implementations must be safe for concurrent use.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Kind names one of the per-user documents.
type Kind string

const (
	KindMemory     Kind = "memory"
	KindProgress   Kind = "progress"
	KindAssessment Kind = "assessment"
)

// IsValid reports whether k is a recognised document kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindMemory, KindProgress, KindAssessment:
		return true
	}
	return false
}

// Patch is a set of top-level fields to upsert into a document. Values must
// be JSON-marshalable.
type Patch map[string]any

// Docs maps each requested kind to the raw stored document. A kind that has
// never been written maps to nil.
type Docs map[Kind]json.RawMessage

// ChatMessage is one entry in a per-chat conversation log.
type ChatMessage struct {
	// Sender is "user" or "assistant".
	Sender string `json:"sender"`

	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}

// Store is the per-user document repository.
type Store interface {
	// Get returns the stored document for (userID, kind), or (nil, nil) when
	// the document has never been written.
	Get(ctx context.Context, userID string, kind Kind) (json.RawMessage, error)

	// MergeSet upserts the patch fields into the stored document. Fields
	// absent from the patch are left untouched; an empty patch changes
	// nothing. The write is idempotent by field.
	MergeSet(ctx context.Context, userID string, kind Kind, patch Patch) error

	// Update atomically reads the documents for the given kinds, invokes fn
	// with them, and merge-writes the returned patches — all under a lock or
	// transaction scoped to (userID, kinds). Returning a nil or empty patch
	// map leaves every document unchanged. fn must not retain docs beyond
	// the call. If fn returns an error the update is abandoned and the error
	// is returned unwrapped.
	Update(ctx context.Context, userID string, kinds []Kind, fn func(docs Docs) (map[Kind]Patch, error)) error

	// AppendMessage appends one message to the conversation log of
	// (userID, chatID).
	AppendMessage(ctx context.Context, userID, chatID string, msg ChatMessage) error

	// Messages returns up to limit messages of the conversation log in
	// chronological order. limit <= 0 applies an implementation default.
	Messages(ctx context.Context, userID, chatID string, limit int) ([]ChatMessage, error)
}

// DecodeInto unmarshals raw into v. A nil raw document leaves v at its zero
// value, which doubles as the "created on first access" default for every
// document kind.
func DecodeInto(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
