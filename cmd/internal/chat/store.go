package chat

import (
	"context"
	"time"
)

// InsertMessageInput describes a message insert request.
type InsertMessageInput struct {
	MatchID     string
	SenderID    string
	SenderRole  Role
	Content     string
	IsSystem    bool
	ClientToken string
	Now         time.Time
}

// FetchMessagesInput describes a history query request.
// ViewerID scopes soft-delete filtering; Limit/Offset page the result.
// Latest selects the most recent Limit messages instead (still returned
// oldest-to-newest); Offset is ignored in that mode.
type FetchMessagesInput struct {
	MatchID  string
	ViewerID string
	Limit    int
	Offset   int
	Latest   bool
}

// MessageStore persists and queries messages.
//
// Requirements:
//   - InsertMessage rejects empty content with ErrEmptyContent and reports
//     unprovisioned optional columns as *SchemaError
//   - FetchMessages orders by created_at ASC (ties by id ASC) and excludes
//     rows soft-deleted for the viewer
//   - MarkRead and SoftDelete are idempotent
type MessageStore interface {
	InsertMessage(ctx context.Context, in InsertMessageInput) (Message, error)
	FetchMessages(ctx context.Context, in FetchMessagesInput) ([]Message, error)
	MarkRead(ctx context.Context, matchID, viewerID string, now time.Time) error
	SoftDelete(ctx context.Context, messageID, viewerID string) error
	Close() error
}

// insertFunc is one tier of the schema-drift fallback.
type insertFunc func(ctx context.Context, in InsertMessageInput) (Message, error)

// InsertWithFallback attempts the full-featured insert and, on a schema
// mismatch specifically, retries exactly once with the minimal field set
// (optional denormalized columns stripped). Any other error propagates.
func InsertWithFallback(ctx context.Context, in InsertMessageInput, do insertFunc) (Message, error) {
	m, err := do(ctx, in)
	if err == nil || !IsSchemaError(err) {
		return m, err
	}

	minimal := in
	minimal.SenderRole = ""
	minimal.ClientToken = ""
	return do(ctx, minimal)
}

// containsViewer reports whether deletedBy lists viewerID.
func containsViewer(deletedBy []string, viewerID string) bool {
	for _, v := range deletedBy {
		if v == viewerID {
			return true
		}
	}
	return false
}
