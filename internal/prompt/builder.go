// Package prompt assembles the deterministic message list sent to the LLM:
// one system message, the recent history verbatim, and the new user turn.
package prompt

import (
	"strings"

	"github.com/haasonsaas/cortex/pkg/models"
)

// Input is everything the builder folds into a prompt.
type Input struct {
	Memories     []models.Memory
	TopicSummary string
	Turns        []models.ChatMessage
	UserText     string
	ToolNames    []string
}

const identity = `You are Cortex, a helpful personal assistant. You answer concisely and truthfully, and you say so when you do not know something.`

const memoryInstruction = `Use the remembered facts below when they are relevant, but do not recite them unprompted.`

const formattingRules = `Reply in plain text unless the user asks for another format. Keep answers short; expand only when asked.`

// Build produces the full message list. Ordering is fixed: system, history,
// user. The memory block precedes the summary block; both are omitted when
// empty.
func Build(input Input) []models.ChatMessage {
	messages := make([]models.ChatMessage, 0, len(input.Turns)+2)
	messages = append(messages, models.ChatMessage{
		Role:    models.RoleSystem,
		Content: buildSystem(input),
	})
	messages = append(messages, input.Turns...)
	messages = append(messages, models.UserMessage(input.UserText))
	return messages
}

func buildSystem(input Input) string {
	var b strings.Builder
	b.WriteString(identity)
	b.WriteString("\n\n")

	if len(input.ToolNames) == 0 {
		b.WriteString("You have no tools available; answer from knowledge and the conversation alone.")
	} else {
		b.WriteString("You can call the following tools when they help: ")
		b.WriteString(strings.Join(input.ToolNames, ", "))
		b.WriteString(".")
	}
	b.WriteString("\n\n")

	b.WriteString(memoryInstruction)
	b.WriteString("\n\n")
	b.WriteString(formattingRules)

	if len(input.Memories) > 0 {
		b.WriteString("\n\nRemembered facts:\n")
		for _, mem := range input.Memories {
			b.WriteString("- ")
			b.WriteString(mem.Content)
			b.WriteString("\n")
		}
	}

	if input.TopicSummary != "" {
		b.WriteString("\n\nConversation so far:\n")
		b.WriteString(input.TopicSummary)
	}

	return b.String()
}
