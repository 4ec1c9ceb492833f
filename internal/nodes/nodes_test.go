package nodes

import (
	"context"
	"errors"
	"testing"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripmesh/src/conversation"
	"tripmesh/src/model"
)

// fakeChatModel replies with a fixed message and records the prompt
type fakeChatModel struct {
	reply string
	err   error
	seen  []*schema.Message
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	f.seen = input
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := f.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func TestParseClassification(t *testing.T) {
	tests := []struct {
		name    string
		content string
		kind    conversation.Kind
		wantErr bool
	}{
		{"plain", `{"classification": "cost_update", "update": {"travelers": 4}}`, "cost_update", false},
		{"fenced", "```json\n{\"classification\": \"Simple_Question\", \"answer\": \"yes\"}\n```", conversation.KindSimpleQuestion, false},
		{"chatty", `Sure! {"classification": "new_query"} Hope that helps.`, conversation.KindNewQuery, false},
		{"no json", "cost update", "", true},
		{"missing kind", `{"update": {}}`, "", true},
		{"broken", `{"classification": `, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseClassification(tt.content)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, c.Kind)
		})
	}
}

func TestParseClassificationTypedUpdate(t *testing.T) {
	c, err := ParseClassification(`{"classification": "dates_update", "update": {"dates": ["2026-09-01", "2026-09-02"], "travelers": 3}}`)
	require.NoError(t, err)

	require.NotNil(t, c.Update.Dates)
	assert.Equal(t, []string{"2026-09-01", "2026-09-02"}, *c.Update.Dates)
	require.NotNil(t, c.Update.Travelers)
	assert.Equal(t, 3, *c.Update.Travelers)
	assert.Nil(t, c.Update.Destination)
}

func TestClassifierUsesChatModel(t *testing.T) {
	ctx := context.Background()
	fake := &fakeChatModel{reply: `{"classification": "travelers_update", "update": {"travelers": 5}}`}

	classifier, err := NewClassifier(ctx, fake)
	require.NoError(t, err)

	c, err := classifier.Classify(ctx, "we are 5 now", "<conversation_context>\n</conversation_context>")
	require.NoError(t, err)
	assert.Equal(t, conversation.Kind("travelers_update"), c.Kind)
	assert.Equal(t, 5, *c.Update.Travelers)

	require.Len(t, fake.seen, 2)
	assert.Equal(t, schema.System, fake.seen[0].Role)
	assert.Contains(t, fake.seen[1].Content, "we are 5 now")
}

func TestClassifierPropagatesModelError(t *testing.T) {
	ctx := context.Background()
	classifier, err := NewClassifier(ctx, &fakeChatModel{err: errors.New("rate limited")})
	require.NoError(t, err)

	_, err = classifier.Classify(ctx, "hi", "")
	assert.Error(t, err)
}

func TestSummarizer(t *testing.T) {
	ctx := context.Background()
	fake := &fakeChatModel{reply: "  Three sunny days in Lisbon.  "}
	summarizer, err := NewSummarizer(ctx, fake)
	require.NoError(t, err)

	text, err := summarizer.Summarize(ctx, map[string]any{"destination": "Lisbon"}, "be brief")
	require.NoError(t, err)
	assert.Equal(t, "Three sunny days in Lisbon.", text)
	assert.Contains(t, fake.seen[1].Content, "Lisbon")

	empty, err := NewSummarizer(ctx, &fakeChatModel{reply: " "})
	require.NoError(t, err)
	_, err = empty.Summarize(ctx, nil, "")
	assert.Error(t, err)
}

func TestNewChatModelRejectsUnknownProvider(t *testing.T) {
	_, err := NewChatModel(context.Background(), model.LLMConfig{Provider: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestNewChatModelOpenAI(t *testing.T) {
	m, err := NewChatModel(context.Background(), model.LLMConfig{
		Provider: "openai",
		APIKey:   "test-key",
		BaseURL:  "http://127.0.0.1:1/v1",
		Model:    "gpt-test",
	})
	require.NoError(t, err)
	assert.NotNil(t, m)
}
