package daemon

import (
	"strings"

	"github.com/courier-bot/courier/pkg/store"
)

// assemblePrompt builds the backend prompt from memory facts, recent
// conversation history, and the new message. The output is a pure
// function of its inputs: the same facts, history, and text always
// produce the same bytes.
//
// Sections in order: persistent memory, conversation history (oldest
// first), the new message. When the character budget would be
// exceeded, oldest history rows are dropped first, then trailing
// facts; the new message and the top-ranked fact survive whenever
// the budget allows.
func assemblePrompt(facts []string, history []store.Message, text string, budget int) string {
	if budget <= 0 {
		budget = 8000
	}

	current := "User: " + text

	// History arrives newest-first from the store; render oldest-first.
	lines := make([]string, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		speaker := "User"
		if m.Direction == store.DirOutbound {
			speaker = "Assistant"
		}
		lines = append(lines, speaker+": "+m.Content)
	}

	for {
		prompt := renderPrompt(facts, lines, current)
		if len(prompt) <= budget {
			return prompt
		}
		// Oldest history first, then trailing facts.
		if len(lines) > 0 {
			lines = lines[1:]
			continue
		}
		if len(facts) > 1 {
			facts = facts[:len(facts)-1]
			continue
		}
		if len(facts) == 1 && len(renderPrompt(facts, nil, current)) > budget {
			facts = nil
			continue
		}
		// Nothing left to trim; an oversized message goes through as-is
		// rather than being silently truncated.
		return prompt
	}
}

func renderPrompt(facts, lines []string, current string) string {
	var b strings.Builder

	if len(facts) > 0 {
		b.WriteString("<persistent_memory>\n")
		b.WriteString("Relevant facts from previous conversations:\n")
		for _, f := range facts {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteByte('\n')
		}
		b.WriteString("</persistent_memory>\n\n")
	}

	if len(lines) > 0 {
		b.WriteString("<conversation_history>\n")
		for _, l := range lines {
			b.WriteString(l)
			b.WriteByte('\n')
		}
		b.WriteString("</conversation_history>\n\n")
	}

	b.WriteString(current)
	return b.String()
}
