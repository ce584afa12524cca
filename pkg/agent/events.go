package agent

import "encoding/json"

// EventType discriminates the items of an agent event stream.
type EventType string

const (
	// EventText is an assistant text fragment.
	EventText EventType = "text"
	// EventThinking is a reasoning fragment.
	EventThinking EventType = "thinking"
	// EventToolStart marks the beginning of a tool invocation.
	EventToolStart EventType = "tool_start"
	// EventToolResult carries the output of a previously started tool.
	EventToolResult EventType = "tool_result"
	// EventResult is the terminal event of a successful stream.
	EventResult EventType = "result"
	// EventFailure is the terminal event of a failed stream. Failure is part
	// of the stream type rather than a separate error channel, so consumers
	// see exactly one terminal event either way.
	EventFailure EventType = "failure"
)

// Event is one item of the ordered stream produced by the agent runtime.
// Only the fields relevant to the given Type are populated.
type Event struct {
	Type EventType

	// EventText / EventThinking
	Text string

	// EventToolStart / EventToolResult
	ToolUseID string
	ToolName  string
	ToolInput json.RawMessage

	// EventToolResult
	ToolContent any
	ToolIsError bool

	// EventResult
	Result *Result

	// EventFailure
	Err error
}

// Result summarizes a completed agent run.
type Result struct {
	CostUSD    float64
	DurationMS int64
	NumTurns   int
	IsError    bool
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Type == EventResult || e.Type == EventFailure
}
