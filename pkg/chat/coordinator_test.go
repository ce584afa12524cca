package chat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatcore/chatcore/pkg/agent"
	"github.com/chatcore/chatcore/pkg/learning"
)

// scriptedAgent replays a fixed event sequence and records the session
// configs it was asked to run with.
type scriptedAgent struct {
	mu       sync.Mutex
	events   []agent.Event
	startErr error
	configs  []agent.SessionConfig
}

func (a *scriptedAgent) Stream(_ context.Context, _ string, cfg agent.SessionConfig) (<-chan agent.Event, error) {
	a.mu.Lock()
	a.configs = append(a.configs, cfg)
	a.mu.Unlock()
	if a.startErr != nil {
		return nil, a.startErr
	}
	ch := make(chan agent.Event, len(a.events)+1)
	for _, ev := range a.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (a *scriptedAgent) lastConfig(t *testing.T) agent.SessionConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.configs)
	return a.configs[len(a.configs)-1]
}

func newTestCoordinator(t *testing.T, client agent.Client) (*Coordinator, *StreamBackend, *learning.Queue) {
	t.Helper()
	backend := NewStreamBackend(zerolog.Nop())
	t.Cleanup(func() { _ = backend.Close() })
	queue := learning.NewQueue()
	co := NewCoordinator(NewRegistry(), client, backend, queue, CoordinatorOptions{
		Model:    "test-model",
		MaxTurns: 10,
	}, zerolog.Nop())
	return co, backend, queue
}

func collectFrames(t *testing.T, ch <-chan *message.Message, n int) []map[string]any {
	t.Helper()
	var out []map[string]any
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case msg, ok := <-ch:
			require.True(t, ok, "frame channel closed after %d of %d frames", len(out), n)
			var frame map[string]any
			require.NoError(t, json.Unmarshal(msg.Payload, &frame))
			out = append(out, frame)
			msg.Ack()
		case <-deadline:
			t.Fatalf("timed out after %d of %d frames", len(out), n)
		}
	}
	return out
}

func TestRunCycleRelaysEventsInOrder(t *testing.T) {
	client := &scriptedAgent{events: []agent.Event{
		{Type: agent.EventThinking, Text: "pondering"},
		{Type: agent.EventText, Text: "Hel"},
		{Type: agent.EventText, Text: "lo"},
		{Type: agent.EventToolStart, ToolUseID: "t1", ToolName: "Bash", ToolInput: json.RawMessage(`{"command":"ls"}`)},
		{Type: agent.EventToolResult, ToolUseID: "t1", ToolContent: "file.txt"},
		{Type: agent.EventResult, Result: &agent.Result{CostUSD: 0.01, DurationMS: 1200, NumTurns: 2}},
	}}
	co, backend, queue := newTestCoordinator(t, client)

	conv := co.Registry().GetOrCreate("c1")
	sub, err := backend.Subscribe(context.Background(), "c1")
	require.NoError(t, err)

	require.NoError(t, co.RunCycle(context.Background(), conv, ChatRequest{Message: "hi"}, true))

	frames := collectFrames(t, sub, 7)
	types := make([]string, len(frames))
	for i, f := range frames {
		types[i] = f["type"].(string)
	}
	assert.Equal(t, []string{"user_message_saved", "thinking", "text_chunk", "text_chunk", "tool_start", "tool_result", "result"}, types)

	assert.Equal(t, "c1", frames[0]["conversation_id"])
	assert.Equal(t, "Hel", frames[2]["content"])
	assert.Equal(t, "Hel", frames[2]["full_content"])
	assert.Equal(t, "lo", frames[3]["content"])
	assert.Equal(t, "Hello", frames[3]["full_content"])
	assert.Equal(t, "Bash", frames[4]["tool"])
	assert.Equal(t, "Bash", frames[5]["tool"])
	assert.Equal(t, "file.txt", frames[5]["content"])
	assert.Equal(t, "Hello", frames[6]["content"])
	assert.Equal(t, "pondering", frames[6]["thinking"])
	assert.Equal(t, float64(2), frames[6]["num_turns"])

	msgs := conv.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello", msgs[1].Content)
	assert.Equal(t, "pondering", msgs[1].Thinking)

	pending := queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "memory.learn_from_result", pending[0].Tool)
	assert.Equal(t, true, pending[0].Params["success"])
}

func TestRunCycleAccumulatesFragments(t *testing.T) {
	fragments := []string{"a", "bc", "", "def", "g"}
	var events []agent.Event
	for _, f := range fragments {
		events = append(events, agent.Event{Type: agent.EventText, Text: f})
	}
	events = append(events, agent.Event{Type: agent.EventResult, Result: &agent.Result{}})
	co, backend, _ := newTestCoordinator(t, &scriptedAgent{events: events})

	conv := co.Registry().GetOrCreate("c1")
	sub, err := backend.Subscribe(context.Background(), "c1")
	require.NoError(t, err)

	require.NoError(t, co.RunCycle(context.Background(), conv, ChatRequest{Message: "hi"}, true))

	frames := collectFrames(t, sub, len(fragments)+2)
	var concat strings.Builder
	for i, f := range fragments {
		frame := frames[i+1]
		concat.WriteString(f)
		assert.Equal(t, "text_chunk", frame["type"])
		assert.Equal(t, f, frame["content"])
		assert.Equal(t, concat.String(), frame["full_content"])
	}
	result := frames[len(frames)-1]
	assert.Equal(t, concat.String(), result["content"])
	_, hasThinking := result["thinking"]
	assert.False(t, hasThinking, "empty thinking must be absent from the result frame")
}

func TestRunCycleUnknownToolFallback(t *testing.T) {
	co, backend, _ := newTestCoordinator(t, &scriptedAgent{events: []agent.Event{
		{Type: agent.EventToolResult, ToolUseID: "never-started", ToolContent: map[string]any{"ok": true}},
		{Type: agent.EventResult, Result: &agent.Result{}},
	}})

	conv := co.Registry().GetOrCreate("c1")
	sub, err := backend.Subscribe(context.Background(), "c1")
	require.NoError(t, err)

	require.NoError(t, co.RunCycle(context.Background(), conv, ChatRequest{Message: "hi"}, true))

	frames := collectFrames(t, sub, 3)
	assert.Equal(t, "unknown_tool", frames[1]["tool"])
	assert.JSONEq(t, `{"ok": true}`, frames[1]["content"].(string))
}

func TestRunCycleAgentFailure(t *testing.T) {
	co, backend, queue := newTestCoordinator(t, &scriptedAgent{events: []agent.Event{
		{Type: agent.EventText, Text: "partial"},
		{Type: agent.EventFailure, Err: errors.New("runtime exploded")},
	}})

	conv := co.Registry().GetOrCreate("c1")
	sub, err := backend.Subscribe(context.Background(), "c1")
	require.NoError(t, err)

	err = co.RunCycle(context.Background(), conv, ChatRequest{Message: "hi"}, true)
	require.Error(t, err)

	frames := collectFrames(t, sub, 3)
	assert.Equal(t, "error", frames[2]["type"])
	assert.Contains(t, frames[2]["error"], "runtime exploded")

	// no partial assistant message is persisted
	msgs := conv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Empty(t, queue.Pending())
}

func TestRunCycleStreamStartFailure(t *testing.T) {
	co, backend, _ := newTestCoordinator(t, &scriptedAgent{startErr: errors.New("binary missing")})

	conv := co.Registry().GetOrCreate("c1")
	sub, err := backend.Subscribe(context.Background(), "c1")
	require.NoError(t, err)

	require.Error(t, co.RunCycle(context.Background(), conv, ChatRequest{Message: "hi"}, true))

	frames := collectFrames(t, sub, 2)
	assert.Equal(t, "user_message_saved", frames[0]["type"])
	assert.Equal(t, "error", frames[1]["type"])
}

// hangingAgent never produces events; the stream closes only when the
// context ends, without a terminal event.
type hangingAgent struct{}

func (hangingAgent) Stream(ctx context.Context, _ string, _ agent.SessionConfig) (<-chan agent.Event, error) {
	ch := make(chan agent.Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func TestRunCycleDeadlineReportsErrorToClient(t *testing.T) {
	backend := NewStreamBackend(zerolog.Nop())
	t.Cleanup(func() { _ = backend.Close() })
	co := NewCoordinator(NewRegistry(), hangingAgent{}, backend, nil, CoordinatorOptions{
		StreamTimeout: 50 * time.Millisecond,
	}, zerolog.Nop())

	conv := co.Registry().GetOrCreate("c1")
	sub, err := backend.Subscribe(context.Background(), "c1")
	require.NoError(t, err)

	err = co.RunCycle(context.Background(), conv, ChatRequest{Message: "hi"}, true)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the still-connected client learns about the aborted cycle
	frames := collectFrames(t, sub, 2)
	assert.Equal(t, "user_message_saved", frames[0]["type"])
	assert.Equal(t, "error", frames[1]["type"])
	assert.Contains(t, frames[1]["error"], "deadline")

	msgs := conv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleUser, msgs[0].Role)
}

func TestRunCycleClientCancelStaysQuiet(t *testing.T) {
	backend := NewStreamBackend(zerolog.Nop())
	t.Cleanup(func() { _ = backend.Close() })
	co := NewCoordinator(NewRegistry(), hangingAgent{}, backend, nil, CoordinatorOptions{}, zerolog.Nop())

	conv := co.Registry().GetOrCreate("c1")
	sub, err := backend.Subscribe(context.Background(), "c1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- co.RunCycle(ctx, conv, ChatRequest{Message: "hi"}, true) }()

	frames := collectFrames(t, sub, 1)
	assert.Equal(t, "user_message_saved", frames[0]["type"])

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("RunCycle did not return after cancellation")
	}

	// a disconnect emits nothing further for the cycle
	select {
	case msg := <-sub:
		t.Fatalf("unexpected frame after cancellation: %s", msg.Payload)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRunCycleBusyConversation(t *testing.T) {
	co, backend, _ := newTestCoordinator(t, &scriptedAgent{})

	conv := co.Registry().GetOrCreate("c1")
	sub, err := backend.Subscribe(context.Background(), "c1")
	require.NoError(t, err)

	require.NoError(t, conv.BeginCycle())
	err = co.RunCycle(context.Background(), conv, ChatRequest{Message: "hi"}, true)
	require.ErrorIs(t, err, ErrConversationBusy)

	frames := collectFrames(t, sub, 1)
	assert.Equal(t, "error", frames[0]["type"])
}

func TestRunCycleSessionConfigMapping(t *testing.T) {
	terminal := []agent.Event{{Type: agent.EventResult, Result: &agent.Result{}}}

	t.Run("fresh dialogue", func(t *testing.T) {
		client := &scriptedAgent{events: terminal}
		co, _, _ := newTestCoordinator(t, client)
		conv := co.Registry().GetOrCreate("c1")
		require.NoError(t, co.RunCycle(context.Background(), conv, ChatRequest{Message: "hi"}, true))
		cfg := client.lastConfig(t)
		assert.Empty(t, cfg.Resume)
		assert.False(t, cfg.Continue)
	})

	t.Run("explicit session ref resumes", func(t *testing.T) {
		client := &scriptedAgent{events: terminal}
		co, _, _ := newTestCoordinator(t, client)
		conv := co.Registry().GetOrCreate("c1")
		require.NoError(t, co.RunCycle(context.Background(), conv, ChatRequest{Message: "hi", SessionID: "sess-9"}, false))
		cfg := client.lastConfig(t)
		assert.Equal(t, "sess-9", cfg.Resume)
		assert.False(t, cfg.Continue)
	})

	t.Run("grown history continues in memory", func(t *testing.T) {
		client := &scriptedAgent{events: terminal}
		co, _, _ := newTestCoordinator(t, client)
		conv := co.Registry().GetOrCreate("c1")
		require.NoError(t, co.RunCycle(context.Background(), conv, ChatRequest{Message: "first"}, true))
		require.NoError(t, co.RunCycle(context.Background(), conv, ChatRequest{Message: "second", ConversationID: "c1"}, false))
		cfg := client.lastConfig(t)
		assert.Empty(t, cfg.Resume)
		assert.True(t, cfg.Continue)
		require.NoError(t, cfg.Validate())
	})
}
