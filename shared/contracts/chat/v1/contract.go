// Package v1 defines the matchtalk chat protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It covers both wire surfaces of the delivery subsystem:
//   - the UI gateway protocol (browser/client <-> matchtalk server)
//   - the change-feed protocol (matchtalk server <-> upstream row feed)
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// UI gateway types (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeConversationEnter opens one conversation for live delivery (client -> server).
	TypeConversationEnter = "conversation_enter"
	// TypeConversationSnapshot returns the initial message page (server -> client).
	TypeConversationSnapshot = "conversation_snapshot"
	// TypeConversationLeave closes one conversation (client -> server).
	TypeConversationLeave = "conversation_leave"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageNew delivers a message exactly once per open conversation (server -> client).
	TypeMessageNew = "message_new"
	// TypeMessageResolved replaces an optimistic local echo with its stored copy (server -> client).
	TypeMessageResolved = "message_resolved"
	// TypeMessageUpdated carries a metadata update for an already delivered message (server -> client).
	TypeMessageUpdated = "message_updated"
	// TypeMessageRemoved hides a message from the viewer (server -> client).
	TypeMessageRemoved = "message_removed"
	// TypeMessageDelete requests a per-viewer soft delete (client -> server).
	TypeMessageDelete = "message_delete"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Change-feed types (wire-stable).
const (
	// TypeFeedSubscribe scopes a feed connection to one match (subscriber -> feed).
	TypeFeedSubscribe = "feed_subscribe"
	// TypeFeedEvent notifies about a row-level change (feed -> subscriber).
	TypeFeedEvent = "feed_event"
	// TypeFeedStatus reports feed connection-state transitions (feed -> subscriber).
	TypeFeedStatus = "feed_status"
)

// Feed event operations carried by FeedEventPayload.Op.
const (
	FeedOpInsert = "insert"
	FeedOpUpdate = "update"
	FeedOpDelete = "delete"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeConversationEnter,
		TypeConversationSnapshot,
		TypeConversationLeave,
		TypeMessageSend,
		TypeMessageNew,
		TypeMessageResolved,
		TypeMessageUpdated,
		TypeMessageRemoved,
		TypeMessageDelete,
		TypeError,
		TypeFeedSubscribe,
		TypeFeedEvent,
		TypeFeedStatus:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}
