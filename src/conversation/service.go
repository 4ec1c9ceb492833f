package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"tripmesh/pkg"
)

type Service struct {
	classifier ContextStrategy
	summary    ContextStrategy
}

func NewService() *Service {
	return &Service{
		classifier: NewClassifierContextStrategy(),
		summary:    NewSummaryContextStrategy(),
	}
}

// RecordUser appends the user input of a round to the session history
func (s *Service) RecordUser(state *pkg.SessionState, input string, at time.Time) {
	state.AppendHistory(schema.User, input, at)
}

// RecordAssistant appends the outcome of a round to the session history
func (s *Service) RecordAssistant(state *pkg.SessionState, response string, at time.Time) {
	state.AppendHistory(schema.Assistant, response, at)
}

// ClassifierInput builds the prior-context summary handed to the classifier
// together with the new input.
func (s *Service) ClassifierInput(state *pkg.SessionState, query string) string {
	var fullContext strings.Builder
	fullContext.WriteString(s.classifier.BuildContext(state))
	fullContext.WriteString("\n<current_message_to_analyze>\n")
	fullContext.WriteString("UserMessage(" + query + ")\n")
	fullContext.WriteString("</current_message_to_analyze>")
	return fullContext.String()
}

// SummaryContext builds the conversation context for narrative generation
func (s *Service) SummaryContext(state *pkg.SessionState) string {
	return s.summary.BuildContext(state)
}

// DescribeParams renders structured task parameters as the user turn of a
// round submitted without free text.
func DescribeParams(p pkg.TaskParams) string {
	if p.Query != "" {
		return p.Query
	}
	var b strings.Builder
	b.WriteString("Plan a trip")
	if p.Destination != "" {
		b.WriteString(" to " + p.Destination)
	}
	if p.Origin != "" {
		b.WriteString(" from " + p.Origin)
	}
	if p.Mode != "" {
		b.WriteString(" by " + p.Mode)
	}
	if len(p.Dates) > 0 {
		b.WriteString(" on " + strings.Join(p.Dates, ", "))
	}
	if p.Travelers > 0 {
		fmt.Fprintf(&b, " for %d traveler", p.Travelers)
		if p.Travelers > 1 {
			b.WriteString("s")
		}
	}
	if p.BudgetRange != "" {
		b.WriteString(", " + p.BudgetRange + " budget")
	}
	if len(p.Interests) > 0 {
		b.WriteString(", interested in " + strings.Join(p.Interests, ", "))
	}
	return b.String()
}
