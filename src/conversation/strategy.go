package conversation

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"tripmesh/pkg"
)

type ContextStrategy interface {
	BuildContext(state *pkg.SessionState) string
	GetMaxTurns() int
}

// ====================== Classifier ======================
// ClassifierContextStrategy - follow-up classification sees the last 6 turns
// plus the tracked trip parameters
type ClassifierContextStrategy struct {
	maxTurns int
}

func NewClassifierContextStrategy() *ClassifierContextStrategy {
	return &ClassifierContextStrategy{maxTurns: 6}
}

func (s *ClassifierContextStrategy) GetMaxTurns() int {
	return s.maxTurns
}

func (s *ClassifierContextStrategy) BuildContext(state *pkg.SessionState) string {
	var b strings.Builder
	b.WriteString("<conversation_context>\n")
	for _, msg := range trimTail(ToMessages(state.ConversationHistory), s.maxTurns) {
		switch msg.Role {
		case schema.User:
			b.WriteString("UserMessage(" + msg.Content + ")\n")
		case schema.Assistant:
			b.WriteString("AssistantMessage(" + msg.Content + ")\n")
		}
	}
	b.WriteString("</conversation_context>\n")

	p := state.Params
	b.WriteString("<trip_parameters>\n")
	writeField(&b, "destination", p.Destination)
	writeField(&b, "origin", p.Origin)
	writeField(&b, "mode", p.Mode)
	writeField(&b, "dates", strings.Join(p.Dates, ", "))
	if p.Travelers > 0 {
		writeField(&b, "travelers", fmt.Sprint(p.Travelers))
	}
	writeField(&b, "budget_range", p.BudgetRange)
	writeField(&b, "interests", strings.Join(p.Interests, ", "))
	b.WriteString("</trip_parameters>\n")

	var done []string
	for _, w := range state.CompletedWorkers() {
		done = append(done, string(w))
	}
	b.WriteString("<completed_workers>" + strings.Join(done, ", ") + "</completed_workers>")
	return b.String()
}

// ====================== Summary ======================
// SummaryContextStrategy - narrative generation sees the last 10 turns
type SummaryContextStrategy struct {
	maxTurns int
}

func NewSummaryContextStrategy() *SummaryContextStrategy {
	return &SummaryContextStrategy{maxTurns: 10}
}

func (s *SummaryContextStrategy) GetMaxTurns() int {
	return s.maxTurns
}

func (s *SummaryContextStrategy) BuildContext(state *pkg.SessionState) string {
	var b strings.Builder
	b.WriteString("<conversation_context>\n")
	for _, msg := range trimTail(ToMessages(state.ConversationHistory), s.maxTurns) {
		b.WriteString(string(msg.Role) + ": " + msg.Content + "\n")
	}
	b.WriteString("</conversation_context>")
	return b.String()
}

// ToMessages converts stored history into eino chat messages
func ToMessages(history []pkg.ConversationMessage) []*schema.Message {
	out := make([]*schema.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case schema.Assistant:
			out = append(out, schema.AssistantMessage(m.Content, nil))
		default:
			out = append(out, schema.UserMessage(m.Content))
		}
	}
	return out
}

// Helper function
func trimTail(messages []*schema.Message, maxTurns int) []*schema.Message {
	if len(messages) <= maxTurns {
		return messages
	}
	return messages[len(messages)-maxTurns:]
}

func writeField(b *strings.Builder, name, value string) {
	if value == "" {
		return
	}
	b.WriteString(name + ": " + value + "\n")
}
