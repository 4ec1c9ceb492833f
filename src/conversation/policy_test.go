package conversation

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripmesh/pkg"
)

var full = pkg.PrimaryWorkers

func TestDecideForcesNewQueryWithoutPrior(t *testing.T) {
	for _, kind := range []Kind{KindNewQuery, KindSimpleQuestion, KindRefinement, "cost_update", ""} {
		d := Decide(false, Classification{Kind: kind}, nil, full)
		assert.Equal(t, KindNewQuery, d.Effective.Kind, kind)
		assert.Equal(t, full, d.Workers)
		assert.False(t, d.SkipDispatch)
	}

	d := Decide(false, Classification{Kind: KindSimpleQuestion}, errors.New("down"), full)
	assert.Equal(t, KindNewQuery, d.Effective.Kind)
	assert.True(t, d.Forced)
}

func TestDecideClassifierFailureFallsBackToFull(t *testing.T) {
	d := Decide(true, Classification{Kind: "cost_update"}, errors.New("timeout"), full)
	assert.True(t, d.Fallback)
	assert.Equal(t, full, d.Workers)
	assert.False(t, d.Incremental)
}

func TestDecideSimpleQuestionSkipsDispatch(t *testing.T) {
	d := Decide(true, Classification{Kind: KindSimpleQuestion, Answer: "It will be sunny."}, nil, full)
	assert.True(t, d.SkipDispatch)
	assert.Empty(t, d.Workers)
	assert.Equal(t, "It will be sunny.", d.Effective.Answer)
}

func TestDecideFieldUpdates(t *testing.T) {
	travelers := 3
	dates := []string{"2026-07-01"}
	destination := "Madrid"

	tests := []struct {
		name        string
		c           Classification
		workers     []pkg.WorkerType
		incremental bool
	}{
		{"cost", Classification{Kind: "cost_update", Update: pkg.ParamsUpdate{Travelers: &travelers}}, []pkg.WorkerType{pkg.WorkerCost}, true},
		{"budget alias", Classification{Kind: "budget_update"}, []pkg.WorkerType{pkg.WorkerCost}, true},
		{"routing", Classification{Kind: "routing_update"}, []pkg.WorkerType{pkg.WorkerRouting}, true},
		{"dates fan out", Classification{Kind: "dates_update", Update: pkg.ParamsUpdate{Dates: &dates}}, []pkg.WorkerType{pkg.WorkerForecast, pkg.WorkerCost, pkg.WorkerPlan}, true},
		{"union of changed fields", Classification{Kind: "cost_update", Update: pkg.ParamsUpdate{Dates: &dates}}, []pkg.WorkerType{pkg.WorkerForecast, pkg.WorkerCost, pkg.WorkerPlan}, true},
		{"destination needs full", Classification{Kind: "destination_update", Update: pkg.ParamsUpdate{Destination: &destination}}, full, false},
		{"unknown field", Classification{Kind: "mood_update"}, full, false},
		{"update field only", Classification{Kind: "something", UpdateField: "interests"}, []pkg.WorkerType{pkg.WorkerPlan}, true},
		{"refinement", Classification{Kind: KindRefinement}, full, false},
		{"new query", Classification{Kind: KindNewQuery}, full, false},
		{"garbage", Classification{Kind: "???"}, full, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(true, tt.c, nil, full)
			assert.Equal(t, tt.workers, d.Workers)
			assert.Equal(t, tt.incremental, d.Incremental)
			assert.False(t, d.SkipDispatch)
		})
	}
}

func TestKindUpdateField(t *testing.T) {
	field, ok := UpdateKind("cost").UpdateField()
	require.True(t, ok)
	assert.Equal(t, "cost", field)

	_, ok = KindRefinement.UpdateField()
	assert.False(t, ok)
	_, ok = Kind("_update").UpdateField()
	assert.False(t, ok)
}

func TestFullRoutingHonorsFocus(t *testing.T) {
	assert.Equal(t, pkg.PrimaryWorkers, FullRouting(pkg.TaskParams{}))
	assert.Equal(t, []pkg.WorkerType{pkg.WorkerForecast}, FullRouting(pkg.TaskParams{Focus: []pkg.WorkerType{pkg.WorkerForecast}}))
	assert.Equal(t, pkg.PrimaryWorkers, FullRouting(pkg.TaskParams{Focus: []pkg.WorkerType{pkg.WorkerSynthesis}}))
}

func TestClassifierInput(t *testing.T) {
	svc := NewService()
	state := pkg.NewSessionState("s", pkg.Now())
	state.Params = pkg.TaskParams{Destination: "Lisbon", Dates: []string{"2026-04-01", "2026-04-02"}, Travelers: 2}
	state.SetWorker(pkg.WorkerForecast, pkg.WorkerStatus{Status: pkg.WorkerCompleted})
	for i := 0; i < 8; i++ {
		svc.RecordUser(state, "question", time.Now())
		svc.RecordAssistant(state, "answer", time.Now())
	}
	svc.RecordUser(state, "latest", time.Now())

	input := svc.ClassifierInput(state, "make it 4 people")

	assert.Contains(t, input, "<conversation_context>")
	assert.Contains(t, input, "UserMessage(latest)")
	assert.Contains(t, input, "destination: Lisbon")
	assert.Contains(t, input, "dates: 2026-04-01, 2026-04-02")
	assert.Contains(t, input, "travelers: 2")
	assert.Contains(t, input, "<completed_workers>forecast</completed_workers>")
	assert.Contains(t, input, "UserMessage(make it 4 people)")
	// six history turns plus the current message
	assert.Equal(t, 7, strings.Count(input, "Message("))
}

func TestToMessagesKeepsRoles(t *testing.T) {
	msgs := ToMessages([]pkg.ConversationMessage{
		{Role: schema.User, Content: "hi"},
		{Role: schema.Assistant, Content: "hello"},
	})
	require.Len(t, msgs, 2)
	assert.Equal(t, schema.User, msgs[0].Role)
	assert.Equal(t, schema.Assistant, msgs[1].Role)
}

func TestDescribeParams(t *testing.T) {
	assert.Equal(t, "Plan a trip to Kyoto on 2026-11-01 for 1 traveler",
		DescribeParams(pkg.TaskParams{Destination: "Kyoto", Dates: []string{"2026-11-01"}, Travelers: 1}))
	assert.Equal(t, "Plan a trip", DescribeParams(pkg.TaskParams{}))
	assert.Equal(t, "weekend in Porto", DescribeParams(pkg.TaskParams{Query: "weekend in Porto", Destination: "Porto"}))
}
