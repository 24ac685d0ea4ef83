package session

import (
	"testing"
	"time"
)

func TestConversationAppend(t *testing.T) {
	c := NewConversation()
	fixed := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	var notified []Entry
	c.Subscribe(func(e Entry) { notified = append(notified, e) })

	first := c.Append(EntryUser, "two burgers")
	second := c.Append(EntryAssistant, "Anything else?")

	if first.ID == "" || first.ID == second.ID {
		t.Fatalf("ids = %q, %q, want unique non-empty", first.ID, second.ID)
	}
	if !first.Timestamp.Equal(fixed) {
		t.Fatalf("timestamp = %v, want %v", first.Timestamp, fixed)
	}

	entries := c.Entries()
	if len(entries) != 2 || entries[0].Content != "two burgers" || entries[1].Type != EntryAssistant {
		t.Fatalf("entries = %+v", entries)
	}
	if len(notified) != 2 || notified[1].ID != second.ID {
		t.Fatalf("notified = %+v", notified)
	}

	entries[0].Content = "changed"
	if c.Entries()[0].Content != "two burgers" {
		t.Fatal("Entries should return a copy")
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{Idle, Connecting, true},
		{Idle, Active, false},
		{Connecting, Active, true},
		{Connecting, Idle, true},
		{Connecting, Ended, false},
		{Active, Ended, true},
		{Active, Idle, false},
		{Ended, Connecting, true},
		{Ended, Active, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%v, %v) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
	if Status(42).String() != "unknown" {
		t.Fatalf("String() = %q", Status(42).String())
	}
}
