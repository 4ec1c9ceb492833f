package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
)

// Summarizer turns the structured outcome of a round into a short narrative
type Summarizer struct {
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewSummarizer builds the template → chat model chain
func NewSummarizer(ctx context.Context, chatModel einomodel.BaseChatModel) (*Summarizer, error) {
	template := prompt.FromMessages(schema.GoTemplate,
		schema.SystemMessage(summarySystemPrompt),
		schema.UserMessage("Instructions: {{.instructions}}\n\nTrip data:\n{{.data}}"),
	)
	chain, err := compose.NewChain[map[string]any, *schema.Message]().
		AppendChatTemplate(template).
		AppendChatModel(chatModel).
		Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("error creating summary chain: %v", err)
	}
	return &Summarizer{chain: chain}, nil
}

// Summarize returns the narrative for data
func (s *Summarizer) Summarize(ctx context.Context, data map[string]any, instructions string) (string, error) {
	encoded, err := sonic.ConfigStd.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal summary data: %w", err)
	}
	out, err := s.chain.Invoke(ctx, map[string]any{
		"instructions": instructions,
		"data":         string(encoded),
	})
	if err != nil {
		return "", fmt.Errorf("summary call failed: %w", err)
	}
	text := strings.TrimSpace(out.Content)
	if text == "" {
		return "", fmt.Errorf("summary model returned empty text")
	}
	return text, nil
}

const summarySystemPrompt = `You are a travel assistant. Write a concise, friendly summary of the trip data for the traveler.
Mention what could not be completed. Do not invent data that is not present.`
