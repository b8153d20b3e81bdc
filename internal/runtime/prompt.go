package runtime

import (
	"fmt"
	"strings"

	"github.com/parley-ai/parley/internal/rag"
	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/pkg/provider/llm"
)

// buildSystemPrompt composes the system message for one invocation:
// the persona's own prompt, a tone hint, the group-chat behaviour rules,
// and optionally inline pre-fetched passages.
func buildSystemPrompt(persona *store.Persona, userPersona string, passages []rag.Passage) string {
	var b strings.Builder

	if p := strings.TrimSpace(persona.SystemPrompt); p != "" {
		b.WriteString(p)
		b.WriteString("\n\n")
	}

	if tone := strings.TrimSpace(persona.Tone); tone != "" {
		fmt.Fprintf(&b, "Tone: %s.\n\n", tone)
	}

	fmt.Fprintf(&b,
		"You are %s (@%s), one of several assistant personas in a group chat with a human user. "+
			"Speak only as yourself and never for other participants. "+
			"Messages are prefixed with the sender's handle; do not prefix your own reply. "+
			"Keep replies conversational and respond to @%s mentions directly.",
		persona.DisplayName, persona.Handle, persona.Handle)

	if up := strings.TrimSpace(userPersona); up != "" {
		fmt.Fprintf(&b, "\n\nAbout the human user: %s", up)
	}

	if len(passages) > 0 {
		b.WriteString("\n\nRelevant knowledge:\n")
		for _, p := range passages {
			fmt.Fprintf(&b, "- %s\n", p.Text)
		}
	}

	return b.String()
}

// buildMessages renders the last window history messages as
// "{sender}: {content}" lines followed by the triggering user message.
func buildMessages(history []store.Message, trigger store.Message, window int) []llm.Message {
	if window < 1 {
		window = 1
	}
	if len(history) > window {
		history = history[len(history)-window:]
	}

	out := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		out = append(out, llm.Message{
			Role:    "user",
			Content: renderLine(m),
		})
	}
	out = append(out, llm.Message{
		Role:    "user",
		Content: renderLine(trigger),
	})
	return out
}

func renderLine(m store.Message) string {
	return m.Sender + ": " + m.Content
}
