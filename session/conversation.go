package session

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EntryType is who a conversation entry comes from.
type EntryType string

const (
	EntryUser      EntryType = "user"
	EntryAssistant EntryType = "assistant"
	EntrySystem    EntryType = "system"
)

// Entry is one line of the conversation log.
type Entry struct {
	ID        string
	Type      EntryType
	Content   string
	Timestamp time.Time
}

// Conversation is an append-only message log.
type Conversation struct {
	mu          sync.RWMutex
	entries     []Entry
	subscribers []func(Entry)
	now         func() time.Time
}

// NewConversation creates an empty log.
func NewConversation() *Conversation {
	return &Conversation{now: time.Now}
}

// Append adds an entry and notifies subscribers.
func (c *Conversation) Append(typ EntryType, content string) Entry {
	c.mu.Lock()
	e := Entry{
		ID:        uuid.NewString(),
		Type:      typ,
		Content:   content,
		Timestamp: c.now(),
	}
	c.entries = append(c.entries, e)
	subs := slices.Clone(c.subscribers)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
	return e
}

// Entries returns a snapshot of the log.
func (c *Conversation) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Entry(nil), c.entries...)
}

// Subscribe registers fn to run for every new entry.
func (c *Conversation) Subscribe(fn func(Entry)) {
	c.mu.Lock()
	c.subscribers = append(c.subscribers, fn)
	c.mu.Unlock()
}
