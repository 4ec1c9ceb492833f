package nodes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"tripmesh/src/conversation"
	"tripmesh/src/logger"
)

// Classifier asks a chat model how a follow-up input relates to the
// prior session. On the first message of a session it extracts the trip
// parameters instead.
type Classifier struct {
	chain compose.Runnable[map[string]any, *schema.Message]
	log   zerolog.Logger
}

// NewClassifier builds the template → chat model chain
func NewClassifier(ctx context.Context, chatModel einomodel.BaseChatModel) (*Classifier, error) {
	chain, err := compose.NewChain[map[string]any, *schema.Message]().
		AppendChatTemplate(classifierTemplate()).
		AppendChatModel(chatModel).
		Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("error creating classifier chain: %v", err)
	}
	return &Classifier{chain: chain, log: logger.Component("classifier")}, nil
}

// Classify returns the classification of input given the prior context
func (c *Classifier) Classify(ctx context.Context, input, priorContext string) (conversation.Classification, error) {
	start := time.Now()
	out, err := c.chain.Invoke(ctx, map[string]any{
		"context": priorContext,
		"input":   input,
	})
	if err != nil {
		return conversation.Classification{}, fmt.Errorf("classifier call failed: %w", err)
	}

	result, err := ParseClassification(out.Content)
	if err != nil {
		return conversation.Classification{}, err
	}
	c.log.Debug().
		Str("classification", string(result.Kind)).
		Strs("fields", result.Update.Fields()).
		Dur("elapsed", time.Since(start)).
		Msg("Classified follow-up")
	return result, nil
}

// ParseClassification decodes the model reply, tolerating code fences and
// text around the JSON object.
func ParseClassification(content string) (conversation.Classification, error) {
	raw := strings.TrimSpace(content)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return conversation.Classification{}, fmt.Errorf("no JSON object in classifier reply")
	}

	var result conversation.Classification
	if err := sonic.UnmarshalString(raw[start:end+1], &result); err != nil {
		return conversation.Classification{}, fmt.Errorf("failed to parse classifier reply: %w", err)
	}
	result.Kind = conversation.Kind(strings.ToLower(strings.TrimSpace(string(result.Kind))))
	if result.Kind == "" {
		return conversation.Classification{}, fmt.Errorf("classifier reply has no classification")
	}
	return result, nil
}

func classifierTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(schema.GoTemplate,
		schema.SystemMessage(classifierSystemPrompt),
		schema.UserMessage("{{.context}}\n\nNew message: {{.input}}"),
	)
}

const classifierSystemPrompt = `You classify a traveler's new message against their existing trip plan.

Reply with one JSON object and nothing else:
{"classification": "<kind>", "update_field": "<field or empty>", "update": {<changed fields only>}, "answer": "<short answer or empty>"}

Kinds:
- new_query: a different trip altogether
- <field>_update: one tracked field changes, e.g. cost_update, dates_update, origin_update, interests_update, travelers_update, budget_update, destination_update
- simple_question: a question answerable from the existing plan; put the answer in "answer"
- refinement: anything else that needs the plan recomputed

Tracked fields for "update": destination (string), origin (string), mode (string), dates (list of YYYY-MM-DD), travelers (integer), budget_range (string), interests (list of strings).
Leave a field out of "update" when it does not change.

When the trip parameters are empty the message starts a new trip: reply new_query and put every tracked field the message mentions in "update". Dates are absolute YYYY-MM-DD days; when the traveler count is not mentioned use 1.`
