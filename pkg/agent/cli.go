package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// CLIClient runs the agent CLI as a subprocess and translates its
// line-delimited stream-JSON output into typed events.
type CLIClient struct {
	binary  string
	workDir string
}

// NewCLIClient builds a client around the given agent binary. workDir is the
// working directory for spawned runs; empty means inherit.
func NewCLIClient(binary, workDir string) *CLIClient {
	if binary == "" {
		binary = "claude"
	}
	return &CLIClient{binary: binary, workDir: workDir}
}

func (c *CLIClient) Stream(ctx context.Context, prompt string, cfg SessionConfig) (<-chan Event, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(cfg.MaxTurns))
	}
	if cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", cfg.PermissionMode)
	}
	if cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", cfg.SystemPrompt)
	}
	if cfg.Resume != "" {
		args = append(args, "--resume", cfg.Resume)
	} else if cfg.Continue {
		args = append(args, "--continue")
	}

	cmd := exec.CommandContext(ctx, c.binary, args...)
	if c.workDir != "" {
		cmd.Dir = c.workDir
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdout pipe")
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", c.binary)
	}

	logger := log.With().Str("component", "agent").Str("binary", c.binary).Logger()
	logger.Debug().Str("resume", cfg.Resume).Bool("continue", cfg.Continue).Msg("agent run started")

	out := make(chan Event, 64)
	go func() {
		defer close(out)

		emit := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		sawTerminal := false
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			for _, ev := range eventsFromLine(line) {
				if ev.Terminal() {
					sawTerminal = true
				}
				if !emit(ev) {
					_ = cmd.Wait()
					return
				}
			}
		}
		scanErr := scanner.Err()

		waitErr := cmd.Wait()
		if sawTerminal {
			return
		}
		err := waitErr
		if err == nil {
			err = scanErr
		}
		if err == nil {
			err = errors.New("agent stream ended without a result")
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = errors.Wrap(err, tail(msg, 512))
		}
		logger.Warn().Err(err).Msg("agent run failed")
		// The terminal event must reach the consumer even when ctx is
		// already done; the consumer drains the channel until close.
		out <- Event{Type: EventFailure, Err: err}
	}()

	return out, nil
}

// wire shapes of the agent CLI stream-JSON output

type wireLine struct {
	Type    string       `json:"type"`
	Message *wireMessage `json:"message"`

	// terminal result fields
	TotalCostUSD float64 `json:"total_cost_usd"`
	DurationMS   int64   `json:"duration_ms"`
	NumTurns     int     `json:"num_turns"`
	IsError      bool    `json:"is_error"`
}

type wireMessage struct {
	Content []wireBlock `json:"content"`
}

type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   any             `json:"content"`
	IsError   bool            `json:"is_error"`
}

// eventsFromLine translates one output line into zero or more events.
// Unknown line and block types are skipped so newer runtimes stay compatible.
func eventsFromLine(line []byte) []Event {
	var wl wireLine
	if err := json.Unmarshal(line, &wl); err != nil {
		log.Debug().Err(err).Str("component", "agent").Msg("skipping unparseable agent output line")
		return nil
	}

	switch wl.Type {
	case "assistant", "user":
		if wl.Message == nil {
			return nil
		}
		var evs []Event
		for _, b := range wl.Message.Content {
			switch b.Type {
			case "text":
				if b.Text != "" {
					evs = append(evs, Event{Type: EventText, Text: b.Text})
				}
			case "thinking":
				if b.Thinking != "" {
					evs = append(evs, Event{Type: EventThinking, Text: b.Thinking})
				}
			case "tool_use":
				evs = append(evs, Event{Type: EventToolStart, ToolUseID: b.ID, ToolName: b.Name, ToolInput: b.Input})
			case "tool_result":
				evs = append(evs, Event{Type: EventToolResult, ToolUseID: b.ToolUseID, ToolContent: b.Content, ToolIsError: b.IsError})
			}
		}
		return evs
	case "result":
		return []Event{{Type: EventResult, Result: &Result{
			CostUSD:    wl.TotalCostUSD,
			DurationMS: wl.DurationMS,
			NumTurns:   wl.NumTurns,
			IsError:    wl.IsError,
		}}}
	default:
		return nil
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
