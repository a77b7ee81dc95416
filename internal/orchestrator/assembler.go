package orchestrator

import (
	"fmt"
	"strings"

	"github.com/arcfield/parley/internal/domain"
)

// AssembleInput is everything the context assembler works from.
type AssembleInput struct {
	SystemPrompt string
	References   []domain.Reference
	History      []domain.Message
	Incoming     []domain.Message

	// MaxMessages bounds the assembled window. 0 means unbounded.
	MaxMessages int
}

// Assemble builds the message window for one provider call. Pure function:
// the system message (prompt plus reference material) is pinned at index 0,
// replayed history is stripped of reasoning and error turns, and trimming
// drops oldest history first while the incoming messages always survive.
func Assemble(in AssembleInput) []domain.Message {
	var out []domain.Message

	system := systemContent(in.SystemPrompt, in.References)
	if system != "" {
		out = append(out, domain.Message{Role: domain.RoleSystem, Content: system})
	}

	for _, msg := range in.History {
		if msg.Error {
			continue
		}
		msg.Reasoning = ""
		out = append(out, msg)
	}
	out = append(out, in.Incoming...)

	if in.MaxMessages <= 0 || len(out) <= in.MaxMessages {
		return out
	}

	keepTail := in.MaxMessages
	hasSystem := system != ""
	if hasSystem {
		keepTail--
	}
	if keepTail < len(in.Incoming) {
		keepTail = len(in.Incoming)
	}

	trimmed := out[len(out)-keepTail:]
	if hasSystem {
		return append([]domain.Message{out[0]}, trimmed...)
	}
	return trimmed
}

func systemContent(prompt string, refs []domain.Reference) string {
	if len(refs) == 0 {
		return prompt
	}

	var sb strings.Builder
	sb.WriteString(prompt)
	if prompt != "" {
		sb.WriteString("\n\n")
	}
	sb.WriteString("Reference material:\n")
	for _, ref := range refs {
		if ref.Source != "" {
			fmt.Fprintf(&sb, "[%s] %s\n", ref.Source, ref.Content)
		} else {
			fmt.Fprintf(&sb, "- %s\n", ref.Content)
		}
	}
	return sb.String()
}

// deriveTitle builds a conversation title from the first user message:
// the first 20 runes, with an ellipsis when truncated.
func deriveTitle(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= 20 {
		return text
	}
	return string(runes[:20]) + "…"
}
