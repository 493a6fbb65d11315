package chat

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// localIDPrefix distinguishes optimistic echo ids from store-assigned ones.
// Store ids are bare ULIDs, so the two namespaces can never collide.
const localIDPrefix = "local-"

// NewMessageID returns a ULID used as store-assigned message id.
// ULIDs are time-ordered, which keeps created_at ties stable across fetches.
func NewMessageID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewLocalID returns a temporary id for an optimistic local echo.
func NewLocalID(now time.Time) (string, error) {
	id, err := NewMessageID(now)
	if err != nil {
		return "", err
	}
	return localIDPrefix + id, nil
}

// IsLocalID reports whether id belongs to an optimistic echo.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}

// NewClientToken returns the correlation token attached to a send so the
// stored copy can be matched back to its echo without the content heuristic.
func NewClientToken() string {
	return uuid.NewString()
}
