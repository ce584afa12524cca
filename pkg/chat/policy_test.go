package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecideResume(t *testing.T) {
	tests := []struct {
		name       string
		sessionRef string
		historyLen int
		forceNew   bool
		want       ResumeDirective
	}{
		{
			name:     "force new ignores everything",
			forceNew: true,
			want:     ResumeDirective{},
		},
		{
			name:       "force new overrides an explicit session ref",
			sessionRef: "sess-1",
			historyLen: 5,
			forceNew:   true,
			want:       ResumeDirective{},
		},
		{
			name:       "explicit session ref resumes the persisted transcript",
			sessionRef: "sess-1",
			want:       ResumeDirective{ResumeTarget: "sess-1"},
		},
		{
			name:       "session ref wins over in-memory history",
			sessionRef: "sess-1",
			historyLen: 4,
			want:       ResumeDirective{ResumeTarget: "sess-1"},
		},
		{
			name:       "history above one continues in memory",
			historyLen: 2,
			want:       ResumeDirective{ResumeTarget: "conv-1", ContinueInMemory: true},
		},
		{
			name:       "single stored message starts fresh",
			historyLen: 1,
			want:       ResumeDirective{},
		},
		{
			name: "empty history starts fresh",
			want: ResumeDirective{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecideResume("conv-1", tt.sessionRef, tt.historyLen, tt.forceNew)
			assert.Equal(t, tt.want, got)
		})
	}
}
