// Package chat contains matchtalk's realtime message delivery core: the
// per-conversation deduplication layer, the polling fallback, the change-feed
// adapter, and the conversation session lifecycle that binds them.
package chat

import (
	"strings"
	"time"

	v1 "matchtalk/shared/contracts/chat/v1"
)

// Role identifies which side of a match authored a message.
type Role string

// Sender roles (denormalized onto messages at send time for styling without a join).
const (
	RoleOrganization Role = "organization"
	RoleEngineer     Role = "engineer"
)

// Message is the unit of conversation.
//
// ID is store-assigned; optimistic local echoes carry a temporary id
// recognizable via IsLocalID and are never persisted.
type Message struct {
	ID          string
	MatchID     string
	SenderID    string
	SenderRole  Role
	Content     string
	CreatedAt   time.Time
	ReadAt      *time.Time
	DeletedBy   []string
	IsSystem    bool
	ClientToken string
}

// VisibleTo reports whether the message is visible to viewerID.
// A message is hidden from exactly the viewers listed in DeletedBy.
func (m Message) VisibleTo(viewerID string) bool {
	for _, v := range m.DeletedBy {
		if v == viewerID {
			return false
		}
	}
	return true
}

// NormalizeContent trims message text the way the send path does.
func NormalizeContent(s string) string {
	return strings.TrimSpace(s)
}

// ToPayload converts a message to its wire representation.
func (m Message) ToPayload() v1.MessagePayload {
	return v1.MessagePayload{
		ID:          m.ID,
		MatchID:     m.MatchID,
		SenderID:    m.SenderID,
		SenderRole:  string(m.SenderRole),
		Content:     m.Content,
		CreatedAt:   m.CreatedAt,
		ReadAt:      m.ReadAt,
		DeletedBy:   m.DeletedBy,
		IsSystem:    m.IsSystem,
		ClientToken: m.ClientToken,
	}
}

// MessageFromPayload converts a wire message back to the domain type.
func MessageFromPayload(p v1.MessagePayload) Message {
	return Message{
		ID:          p.ID,
		MatchID:     p.MatchID,
		SenderID:    p.SenderID,
		SenderRole:  Role(p.SenderRole),
		Content:     p.Content,
		CreatedAt:   p.CreatedAt,
		ReadAt:      p.ReadAt,
		DeletedBy:   p.DeletedBy,
		IsSystem:    p.IsSystem,
		ClientToken: p.ClientToken,
	}
}
