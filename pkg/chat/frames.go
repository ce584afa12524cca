package chat

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// ChatRequest is the client → server frame of the streaming protocol.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
}

// Server → client frames. Type discriminates; each frame maps to exactly one
// agent event, in arrival order.

type userMessageSavedFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

type textChunkFrame struct {
	Type        string `json:"type"`
	Content     string `json:"content"`
	FullContent string `json:"full_content"`
}

type thinkingFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type toolStartFrame struct {
	Type      string          `json:"type"`
	Tool      string          `json:"tool"`
	ToolUseID string          `json:"tool_use_id"`
	Input     json.RawMessage `json:"input"`
}

type toolResultFrame struct {
	Type      string `json:"type"`
	Tool      string `json:"tool"`
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

type resultFrame struct {
	Type       string  `json:"type"`
	Content    string  `json:"content"`
	Thinking   *string `json:"thinking,omitempty"`
	Cost       float64 `json:"cost"`
	DurationMS int64   `json:"duration_ms"`
	NumTurns   int     `json:"num_turns"`
	IsError    bool    `json:"is_error"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func marshalFrame(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("component", "chat").Msg("frame marshal failed")
		return nil
	}
	return b
}

func newUserMessageSavedFrame(convID string) []byte {
	return marshalFrame(userMessageSavedFrame{Type: "user_message_saved", ConversationID: convID})
}

func newTextChunkFrame(content, fullContent string) []byte {
	return marshalFrame(textChunkFrame{Type: "text_chunk", Content: content, FullContent: fullContent})
}

func newThinkingFrame(content string) []byte {
	return marshalFrame(thinkingFrame{Type: "thinking", Content: content})
}

func newToolStartFrame(tool, toolUseID string, input json.RawMessage) []byte {
	if input == nil {
		input = json.RawMessage("null")
	}
	return marshalFrame(toolStartFrame{Type: "tool_start", Tool: tool, ToolUseID: toolUseID, Input: input})
}

func newToolResultFrame(tool, toolUseID, content string, isError bool) []byte {
	return marshalFrame(toolResultFrame{Type: "tool_result", Tool: tool, ToolUseID: toolUseID, Content: content, IsError: isError})
}

func newResultFrame(content, thinking string, cost float64, durationMS int64, numTurns int, isError bool) []byte {
	f := resultFrame{
		Type:       "result",
		Content:    content,
		Cost:       cost,
		DurationMS: durationMS,
		NumTurns:   numTurns,
		IsError:    isError,
	}
	if thinking != "" {
		f.Thinking = &thinking
	}
	return marshalFrame(f)
}

func newErrorFrame(msg string) []byte {
	return marshalFrame(errorFrame{Type: "error", Error: msg})
}

// stringifyToolContent renders a tool result for the client: structured
// payloads as pretty-printed JSON, plain strings as-is.
func stringifyToolContent(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return ""
		}
		return string(b)
	}
}
