package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/room4-2/voiceorder/cart"
	"github.com/room4-2/voiceorder/session"
)

func TestWriteResultJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := writeResult(&buf, map[string]int{"active_sessions": 2}, true); err != nil {
		t.Fatalf("writeResult: %v", err)
	}
	if !strings.Contains(buf.String(), `"active_sessions": 2`) {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestWriteResultYAML(t *testing.T) {
	var buf bytes.Buffer
	if err := writeResult(&buf, map[string]string{"status": "healthy"}, false); err != nil {
		t.Fatalf("writeResult: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != "status: healthy" {
		t.Fatalf("output = %q", got)
	}
}

func TestWriteCart(t *testing.T) {
	var buf bytes.Buffer
	writeCart(&buf, nil)
	if !strings.Contains(buf.String(), "empty") {
		t.Fatalf("empty cart output = %q", buf.String())
	}

	buf.Reset()
	writeCart(&buf, []cart.Item{
		{ID: "7", Name: "Burger", Price: 12.99, Quantity: 2, SpecialInstructions: "no onions"},
		{ID: "9", Name: "Fries", Price: 3.5, Quantity: 1},
	})
	out := buf.String()
	for _, want := range []string{"Burger", "no onions", "Fries", "3 items, total $29.48"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintEntry(t *testing.T) {
	ts := time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC)
	tests := []struct {
		entry session.Entry
		want  string
	}{
		{session.Entry{Type: session.EntryUser, Content: "a burger", Timestamp: ts}, "[12:30:00] You: a burger\n"},
		{session.Entry{Type: session.EntryAssistant, Content: "Sure", Timestamp: ts}, "[12:30:00] Assistant: Sure\n"},
		{session.Entry{Type: session.EntrySystem, Content: "ready", Timestamp: ts}, "[12:30:00] * ready\n"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		printEntry(&buf, tt.entry)
		if buf.String() != tt.want {
			t.Errorf("printEntry(%s) = %q, want %q", tt.entry.Type, buf.String(), tt.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger("debug", false); err != nil {
		t.Fatalf("newLogger(debug): %v", err)
	}
	if _, err := newLogger("loud", false); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := newLogger("loud", true); err != nil {
		t.Fatalf("verbose ignores level: %v", err)
	}
}
