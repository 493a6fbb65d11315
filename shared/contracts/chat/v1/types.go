package v1

import "time"

// MessagePayload is the wire representation of one chat message.
//
// SenderRole may be absent on rows written through the minimal insert path
// (schema drift); clients fall back to sender-id based styling.
type MessagePayload struct {
	ID          string     `json:"id"`
	MatchID     string     `json:"match_id"`
	SenderID    string     `json:"sender_id"`
	SenderRole  string     `json:"sender_role,omitempty"`
	Content     string     `json:"content"`
	CreatedAt   time.Time  `json:"created_at"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	DeletedBy   []string   `json:"deleted_by,omitempty"`
	IsSystem    bool       `json:"is_system,omitempty"`
	ClientToken string     `json:"client_token,omitempty"`
}

// ---- UI gateway payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// HelloAckPayload carries the server-assigned connection session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// ConversationEnterPayload opens one conversation for the viewer.
type ConversationEnterPayload struct {
	MatchID    string `json:"match_id"`
	ViewerID   string `json:"viewer_id"`
	ViewerRole string `json:"viewer_role,omitempty"`
}

// ConversationSnapshotPayload returns the initial message page after enter.
type ConversationSnapshotPayload struct {
	MatchID  string           `json:"match_id"`
	Messages []MessagePayload `json:"messages"`
}

// ConversationLeavePayload closes one conversation.
type ConversationLeavePayload struct {
	MatchID string `json:"match_id"`
}

// MessageSendPayload requests sending a message into a conversation.
type MessageSendPayload struct {
	MatchID string `json:"match_id"`
	Content string `json:"content"`
}

// MessageNewPayload delivers one message. Pending marks an optimistic local
// echo whose id is temporary; a later message_resolved replaces it.
type MessageNewPayload struct {
	MatchID string         `json:"match_id"`
	Message MessagePayload `json:"message"`
	Pending bool           `json:"pending,omitempty"`
}

// MessageResolvedPayload replaces the echo identified by LocalID with the
// store-assigned message.
type MessageResolvedPayload struct {
	MatchID string         `json:"match_id"`
	LocalID string         `json:"local_id"`
	Message MessagePayload `json:"message"`
}

// MessageUpdatedPayload carries a metadata update (e.g. read receipt) for an
// already delivered message.
type MessageUpdatedPayload struct {
	MatchID string         `json:"match_id"`
	Message MessagePayload `json:"message"`
}

// MessageRemovedPayload hides one message from the viewer.
type MessageRemovedPayload struct {
	MatchID   string `json:"match_id"`
	MessageID string `json:"message_id"`
}

// MessageDeletePayload requests a per-viewer soft delete.
type MessageDeletePayload struct {
	MatchID   string `json:"match_id"`
	MessageID string `json:"message_id"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---- change-feed payloads ----

// FeedSubscribePayload scopes the feed connection to exactly one match.
// Conversation isolation is enforced by this filter on the feed side.
type FeedSubscribePayload struct {
	MatchID string `json:"match_id"`
}

// FeedEventPayload notifies about a row-level change on the message table.
// Message is set for insert/update; MessageID alone is set for delete.
type FeedEventPayload struct {
	Op        string          `json:"op"`
	MatchID   string          `json:"match_id"`
	Message   *MessagePayload `json:"message,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
}

// FeedStatusPayload reports a feed connection-state transition.
type FeedStatusPayload struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}
