package chat

import (
	"sync"

	v1 "matchtalk/shared/contracts/chat/v1"
)

// Client is the gateway's handle for one connected UI websocket. Delivery
// callbacks and the request path both enqueue envelopes through TrySend;
// only the connection's writer goroutine drains Send. The Send channel is
// never closed, since enqueuers may race Close.
type Client struct {
	SessionID string
	ViewerID  string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(viewerID, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		ViewerID:  viewerID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// TrySend enqueues env without blocking. It reports false when the client
// is shutting down or the queue is full (the envelope is dropped; polling
// recovers dropped incremental deliveries).
func (c *Client) TrySend(env v1.Envelope) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Done returns a channel closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

// Close signals the client goroutines to stop. Idempotent.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() { close(c.done) })
}
