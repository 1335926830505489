package remote

import (
	"context"
	"time"

	"dm-sync/internal/models"
)

// ChangeType is the kind of delta delivered by a live subscription.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Document is an untyped message document as the remote store holds it.
type Document struct {
	ID   string
	Data []byte
}

// Change is one delta of a live subscription. Removed changes carry only the id.
type Change struct {
	Type ChangeType
	Doc  Document
}

// Cursor marks a position in the (createdAt, id) ordering of a conversation.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorOf returns the cursor positioned at m.
func CursorOf(m models.Message) Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// Before reports whether c sorts strictly before o.
func (c Cursor) Before(o Cursor) bool {
	if !c.CreatedAt.Equal(o.CreatedAt) {
		return c.CreatedAt.Before(o.CreatedAt)
	}
	return c.ID < o.ID
}

// Subscription is a live feed handle. Stop detaches it; it is safe to call twice.
type Subscription interface {
	Stop()
}

// WatchHandlers receive the deltas and listener failures of a subscription.
type WatchHandlers struct {
	OnChange func(changes []Change)
	OnError  func(err error)
}

// Stream is the push-based document store backing conversations.
type Stream interface {
	// Conversation loads the conversation document.
	Conversation(ctx context.Context, conversationID string) (models.Conversation, error)
	// Watch opens a live feed over the newest limit messages. The first OnChange
	// call is the initial snapshot, newest first.
	Watch(ctx context.Context, conversationID string, limit int, handlers WatchHandlers) (Subscription, error)
	// Page returns up to limit messages strictly older than before, newest first.
	Page(ctx context.Context, conversationID string, before Cursor, limit int) ([]Document, error)
	// ListReplies returns the ids of messages whose reply snapshot points at targetID.
	ListReplies(ctx context.Context, conversationID, targetID string) ([]string, error)
	// Commit applies the batch atomically.
	Commit(ctx context.Context, batch *Batch) error
	// MaxBatchSize bounds the number of operations in one Commit.
	MaxBatchSize() int
}
