package agent

import (
	"context"

	"github.com/pkg/errors"
)

// ErrResumeConflict is returned when a session config asks for both a
// persisted-session resume and an in-memory continuation. The runtime treats
// the two as mutually exclusive; callers are expected to never request both.
var ErrResumeConflict = errors.New("agent: resume and continue are mutually exclusive")

// SessionConfig controls how the runtime loads prior context for one run.
type SessionConfig struct {
	Model          string
	MaxTurns       int
	PermissionMode string
	SystemPrompt   string

	// Resume names a persisted session transcript to reload. Empty means no
	// persisted resume.
	Resume string
	// Continue asks the runtime to continue its most recent dialogue instead
	// of resuming a named transcript.
	Continue bool
}

// Validate enforces the resume/continue exclusivity invariant.
func (c SessionConfig) Validate() error {
	if c.Resume != "" && c.Continue {
		return ErrResumeConflict
	}
	return nil
}

// Client produces an ordered, terminatable event stream for a single prompt.
//
// The returned channel yields events in the order the runtime produced them
// and is closed after exactly one terminal event (EventResult or
// EventFailure). A non-nil error from Stream means the run never started and
// no channel was opened.
type Client interface {
	Stream(ctx context.Context, prompt string, cfg SessionConfig) (<-chan Event, error)
}
