package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatcore/chatcore/pkg/agent"
)

// LearningSink records coordinator outcomes for asynchronous external
// consumption. The coordinator only appends; it never interprets entries.
type LearningSink interface {
	Record(tool string, params map[string]any)
}

// CoordinatorOptions carries the per-run agent configuration plus the
// deadline applied around the streaming phase.
type CoordinatorOptions struct {
	Model          string
	MaxTurns       int
	PermissionMode string
	SystemPrompt   string
	// StreamTimeout bounds one agent call. Zero disables the deadline.
	StreamTimeout time.Duration
}

// Coordinator drives one request cycle from receipt to terminal event:
// register the user message, compute the resume directive, relay the agent
// event stream as client-visible frames, and persist the outcome.
type Coordinator struct {
	registry *Registry
	agent    agent.Client
	backend  *StreamBackend
	learning LearningSink
	opts     CoordinatorOptions
	logger   zerolog.Logger
}

func NewCoordinator(registry *Registry, client agent.Client, backend *StreamBackend, learning LearningSink, opts CoordinatorOptions, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		registry: registry,
		agent:    client,
		backend:  backend,
		learning: learning,
		opts:     opts,
		logger:   logger.With().Str("component", "coordinator").Logger(),
	}
}

// Registry exposes the conversation registry backing the coordinator.
func (co *Coordinator) Registry() *Registry { return co.registry }

// RunCycle executes one request cycle against an already-resolved
// conversation. forceNew is true when the client supplied no identifiers at
// all. Frames are published to the conversation topic in agent order; the
// error return is for the caller's logging only, every failure has already
// been reported to the client as an error frame.
func (co *Coordinator) RunCycle(ctx context.Context, conv *Conversation, req ChatRequest, forceNew bool) error {
	logger := co.logger.With().Str("conv_id", conv.ID).Logger()

	if err := conv.BeginCycle(); err != nil {
		co.publish(conv.ID, newErrorFrame(err.Error()))
		return err
	}
	defer conv.EndCycle()

	conv.Append(Message{Role: RoleUser, Content: req.Message, Timestamp: time.Now()})

	// The acknowledgement goes out before any agent interaction so the client
	// learns its conversation id even if the agent call fails.
	co.publish(conv.ID, newUserMessageSavedFrame(conv.ID))

	directive := DecideResume(conv.ID, req.SessionID, conv.Len(), forceNew)
	cfg := co.sessionConfig(directive)
	logger.Debug().
		Str("resume_target", directive.ResumeTarget).
		Bool("continue_in_memory", directive.ContinueInMemory).
		Msg("resume directive computed")

	streamCtx := ctx
	if co.opts.StreamTimeout > 0 {
		var cancel context.CancelFunc
		streamCtx, cancel = context.WithTimeout(ctx, co.opts.StreamTimeout)
		defer cancel()
	}

	events, err := co.agent.Stream(streamCtx, req.Message, cfg)
	if err != nil {
		logger.Warn().Err(err).Msg("agent stream failed to start")
		co.publish(conv.ID, newErrorFrame(err.Error()))
		return err
	}

	var (
		fullContent strings.Builder
		thinking    strings.Builder
		toolNames   = map[string]string{}
	)

	for ev := range events {
		switch ev.Type {
		case agent.EventText:
			fullContent.WriteString(ev.Text)
			co.publish(conv.ID, newTextChunkFrame(ev.Text, fullContent.String()))

		case agent.EventThinking:
			thinking.WriteString(ev.Text)
			co.publish(conv.ID, newThinkingFrame(ev.Text))

		case agent.EventToolStart:
			toolNames[ev.ToolUseID] = ev.ToolName
			co.publish(conv.ID, newToolStartFrame(ev.ToolName, ev.ToolUseID, ev.ToolInput))

		case agent.EventToolResult:
			name, ok := toolNames[ev.ToolUseID]
			if !ok {
				name = "unknown_tool"
			}
			co.publish(conv.ID, newToolResultFrame(name, ev.ToolUseID, stringifyToolContent(ev.ToolContent), ev.ToolIsError))

		case agent.EventResult:
			res := ev.Result
			co.publish(conv.ID, newResultFrame(fullContent.String(), thinking.String(), res.CostUSD, res.DurationMS, res.NumTurns, res.IsError))
			conv.Append(Message{
				Role:      RoleAssistant,
				Content:   fullContent.String(),
				Timestamp: time.Now(),
				Thinking:  thinking.String(),
			})
			if co.learning != nil {
				co.learning.Record("memory.learn_from_result", map[string]any{
					"task":     "chat response generated",
					"result":   fmt.Sprintf("%d turns, %dms, $%.4f", res.NumTurns, res.DurationMS, res.CostUSD),
					"success":  !res.IsError,
					"category": "chat_interaction",
				})
			}
			logger.Info().
				Int("num_turns", res.NumTurns).
				Int64("duration_ms", res.DurationMS).
				Bool("is_error", res.IsError).
				Msg("cycle completed")
			return nil

		case agent.EventFailure:
			logger.Warn().Err(ev.Err).Msg("agent stream failed")
			co.publish(conv.ID, newErrorFrame(ev.Err.Error()))
			return ev.Err
		}
	}

	// The stream closed without a terminal event. Stay quiet only when the
	// client itself went away; a deadline the client did not cause still
	// gets reported to it as an error frame. Committed state stays as is
	// either way.
	if err := ctx.Err(); err != nil {
		logger.Info().Err(err).Msg("cycle cancelled by client")
		return err
	}
	err = streamCtx.Err()
	if err == nil {
		err = fmt.Errorf("agent stream ended without a terminal event")
	}
	logger.Warn().Err(err).Msg("cycle ended without a terminal event")
	co.publish(conv.ID, newErrorFrame(err.Error()))
	return err
}

func (co *Coordinator) sessionConfig(d ResumeDirective) agent.SessionConfig {
	cfg := agent.SessionConfig{
		Model:          co.opts.Model,
		MaxTurns:       co.opts.MaxTurns,
		PermissionMode: co.opts.PermissionMode,
		SystemPrompt:   co.opts.SystemPrompt,
	}
	// The directive never sets both: continue-in-memory targets the
	// conversation itself, a persisted resume names a transcript.
	if d.ContinueInMemory {
		cfg.Continue = true
	} else if d.ResumeTarget != "" {
		cfg.Resume = d.ResumeTarget
	}
	return cfg
}

func (co *Coordinator) publish(convID string, frame []byte) {
	if err := co.backend.Publish(convID, frame); err != nil {
		co.logger.Warn().Err(err).Str("conv_id", convID).Msg("frame publish failed")
	}
}
