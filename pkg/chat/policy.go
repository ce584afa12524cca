package chat

// ResumeDirective tells the agent runtime whether and how to reload prior
// context for a request cycle.
type ResumeDirective struct {
	// ResumeTarget is the identifier to reload, empty for a fresh dialogue.
	ResumeTarget string
	// ContinueInMemory is set when the target is the in-memory conversation
	// rather than a persisted transcript. The two mechanisms are mutually
	// exclusive at the runtime level.
	ContinueInMemory bool
}

// DecideResume classifies one request cycle. Rules apply in priority order:
//
//  1. forceNew wins over everything: no resume at all.
//  2. An explicit persisted session reference resumes that transcript.
//  3. A conversation with more than one stored message continues in memory.
//  4. Otherwise start fresh.
//
// The classification is deterministic and side-effect free; it controls
// whether the runtime loads prior context, so a wrong answer silently drops
// or wrongly merges history.
func DecideResume(convID, sessionRef string, historyLen int, forceNew bool) ResumeDirective {
	switch {
	case forceNew:
		return ResumeDirective{}
	case sessionRef != "":
		return ResumeDirective{ResumeTarget: sessionRef}
	case historyLen > 1:
		return ResumeDirective{ResumeTarget: convID, ContinueInMemory: true}
	default:
		return ResumeDirective{}
	}
}
