package chat

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrConversationBusy is returned when a second cycle tries to stream into a
// conversation that already has an active cycle. Appends to a single
// conversation are serialized; cross-conversation cycles run freely.
var ErrConversationBusy = errors.New("chat: conversation already has an active cycle")

// Message is one entry of a conversation history. Immutable once appended.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Thinking  string    `json:"thinking,omitempty"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation holds the in-memory message history for one conversation id
// plus the streaming attachments (connection pool, reader state).
type Conversation struct {
	ID        string
	CreatedAt time.Time

	mu       sync.Mutex
	messages []Message
	busy     bool

	pool *ConnectionPool

	readMu   sync.Mutex
	reading  bool
	stopRead func()
}

// Append adds a message at the end of the history. Insertion order is the
// conversation order.
func (c *Conversation) Append(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

// Messages returns a copy of the history in insertion order.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of stored messages.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// BeginCycle marks the conversation as owned by one streaming cycle.
func (c *Conversation) BeginCycle() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return ErrConversationBusy
	}
	c.busy = true
	return nil
}

// EndCycle releases the cycle ownership.
func (c *Conversation) EndCycle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false
}

// Pool returns the websocket connection pool attached to the conversation.
func (c *Conversation) Pool() *ConnectionPool { return c.pool }

// Registry stores all live conversations. Process-scoped and volatile:
// conversations are created on first reference and never evicted.
type Registry struct {
	mu    sync.Mutex
	convs map[string]*Conversation
}

func NewRegistry() *Registry {
	return &Registry{convs: map[string]*Conversation{}}
}

// GetOrCreate returns the conversation for id, creating it on first use.
func (r *Registry) GetOrCreate(id string) *Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.convs[id]; ok {
		return c
	}
	c := &Conversation{ID: id, CreatedAt: time.Now()}
	c.pool = NewConnectionPool(id, 0, nil)
	r.convs[id] = c
	return c
}

// Get returns the conversation for id if it exists.
func (r *Registry) Get(id string) (*Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	return c, ok
}

// ConversationSummary is the listing shape exposed over HTTP.
type ConversationSummary struct {
	ID           string    `json:"id"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastMessage  string    `json:"last_message"`
}

// List returns summaries of all conversations, last-message previews
// truncated to 100 characters.
func (r *Registry) List() []ConversationSummary {
	r.mu.Lock()
	convs := make([]*Conversation, 0, len(r.convs))
	for _, c := range r.convs {
		convs = append(convs, c)
	}
	r.mu.Unlock()

	out := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		msgs := c.Messages()
		last := ""
		if len(msgs) > 0 {
			last = truncate(msgs[len(msgs)-1].Content, 100)
		}
		out = append(out, ConversationSummary{
			ID:           c.ID,
			MessageCount: len(msgs),
			CreatedAt:    c.CreatedAt,
			LastMessage:  last,
		})
	}
	return out
}

// truncate caps s at n characters, never splitting a multi-byte rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
