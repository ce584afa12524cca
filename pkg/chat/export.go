package chat

import (
	"fmt"
	"strings"
	"time"
)

// ExportMarkdown renders a conversation as a Markdown document, one section
// per message, thinking traces as emphasized asides.
func ExportMarkdown(conv *Conversation) string {
	msgs := conv.Messages()

	var b strings.Builder
	b.WriteString("# Conversation\n\n")
	fmt.Fprintf(&b, "**Date:** %s\n", conv.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "**ID:** %s\n", conv.ID)
	fmt.Fprintf(&b, "**Messages:** %d\n\n---\n\n", len(msgs))

	for _, msg := range msgs {
		name := "Assistant"
		if msg.Role == RoleUser {
			name = "You"
		}
		fmt.Fprintf(&b, "## %s (%s)\n\n", name, msg.Timestamp.Format(time.RFC3339))
		b.WriteString(msg.Content)
		b.WriteString("\n\n")
		if msg.Thinking != "" {
			fmt.Fprintf(&b, "*Thinking: %s*\n\n", msg.Thinking)
		}
		b.WriteString("---\n\n")
	}
	return b.String()
}

// ExportFilename suggests a download name for an exported conversation.
func ExportFilename(convID string) string {
	id := convID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("conversation_%s.md", id)
}
