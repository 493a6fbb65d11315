package chat

import (
	"testing"
	"time"
)

func TestMessage_VisibleTo(t *testing.T) {
	t.Parallel()

	m := Message{ID: "x", DeletedBy: []string{"viewer-a"}}

	if m.VisibleTo("viewer-a") {
		t.Fatalf("expected hidden from viewer-a")
	}
	if !m.VisibleTo("viewer-b") {
		t.Fatalf("expected visible to viewer-b")
	}
	if !(Message{}).VisibleTo("anyone") {
		t.Fatalf("empty deleted_by should be visible to everyone")
	}
}

func TestNormalizeContent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"hello", "hello"},
		{"  hello  ", "hello"},
		{"\n\t  \n", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizeContent(tt.in); got != tt.want {
			t.Fatalf("NormalizeContent(%q)=%q want=%q", tt.in, got, tt.want)
		}
	}
}

func TestMessage_PayloadRoundTrip(t *testing.T) {
	t.Parallel()

	readAt := time.Date(2026, 5, 2, 9, 30, 0, 0, time.UTC)
	in := Message{
		ID:          "01J00000000000000000000001",
		MatchID:     "match-1",
		SenderID:    "org-1",
		SenderRole:  RoleOrganization,
		Content:     "hello",
		CreatedAt:   time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC),
		ReadAt:      &readAt,
		DeletedBy:   []string{"eng-1"},
		ClientToken: "tok-1",
	}

	out := MessageFromPayload(in.ToPayload())

	if out.ID != in.ID || out.MatchID != in.MatchID || out.SenderID != in.SenderID {
		t.Fatalf("identity fields mismatch: %+v", out)
	}
	if out.SenderRole != RoleOrganization || out.Content != in.Content {
		t.Fatalf("content fields mismatch: %+v", out)
	}
	if out.ReadAt == nil || !out.ReadAt.Equal(readAt) {
		t.Fatalf("read_at mismatch: %v", out.ReadAt)
	}
	if len(out.DeletedBy) != 1 || out.DeletedBy[0] != "eng-1" {
		t.Fatalf("deleted_by mismatch: %v", out.DeletedBy)
	}
	if out.ClientToken != "tok-1" {
		t.Fatalf("client_token mismatch: %q", out.ClientToken)
	}
}

func TestLocalIDs(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	id, err := NewMessageID(now)
	if err != nil {
		t.Fatalf("NewMessageID: %v", err)
	}
	if IsLocalID(id) {
		t.Fatalf("store id misclassified as local: %q", id)
	}

	local, err := NewLocalID(now)
	if err != nil {
		t.Fatalf("NewLocalID: %v", err)
	}
	if !IsLocalID(local) {
		t.Fatalf("local id not recognized: %q", local)
	}

	// Tokens must be unique per send.
	if NewClientToken() == NewClientToken() {
		t.Fatalf("client tokens must not repeat")
	}
}
