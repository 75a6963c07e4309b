package interview

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/krshsl/interviewcoach/backend/apperrors"
	"github.com/krshsl/interviewcoach/backend/clock"
	"github.com/krshsl/interviewcoach/backend/llm"
	"github.com/krshsl/interviewcoach/backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReply(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Reply
	}{
		{
			name: "strict json",
			raw:  `{"question_text": "Why Go?", "question_type": "motivation"}`,
			want: StructuredQuestion{Text: "Why Go?", Type: "motivation"},
		},
		{
			name: "fenced json",
			raw:  "```json\n{\"question_text\": \"Tell me about CI.\", \"question_type\": \"tooling\"}\n```",
			want: StructuredQuestion{Text: "Tell me about CI.", Type: "tooling"},
		},
		{
			name: "json inside prose",
			raw:  "Sure! Here it is: {\"question\": \"What did you learn?\"} Good luck.",
			want: StructuredQuestion{Text: "What did you learn?"},
		},
		{
			name: "plain prose",
			raw:  "  What motivates you at work?  ",
			want: RawTextFallback{Text: "What motivates you at work?"},
		},
		{
			name: "json without a question",
			raw:  `{"question_type": "x"}`,
			want: RawTextFallback{Text: `{"question_type": "x"}`},
		},
		{
			name: "empty",
			raw:  "",
			want: RawTextFallback{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseReply(tt.raw))
		})
	}
}

func TestGenerateWithoutConversationUsesFixedQuestions(t *testing.T) {
	g := NewQuestionGenerator(nil, nil, llm.PollPolicy{}, 0)
	require.False(t, g.Configured())

	stages := []struct {
		d    Decision
		typ  models.QuestionType
		term bool
	}{
		{Decision{Stage: StageSelfIntroRequest}, models.QuestionSelfIntro, false},
		{Decision{Stage: StageInitialQuestion, Ordinal: 1}, models.QuestionInitial, false},
		{Decision{Stage: StageFollowUpQuestion, Ordinal: 2, ParentOrdinal: 1}, models.QuestionFollowUp, false},
		{Decision{Stage: StageNextQuestion, Ordinal: 3}, models.QuestionNext, false},
		{Decision{Stage: StageClosing, Ordinal: 15, Terminal: true, Reason: ClosingBudget}, models.QuestionClosing, true},
	}
	for _, s := range stages {
		q, err := g.Generate(context.Background(), QuestionRequest{Decision: s.d, Context: SessionContext{CompanyName: "Acme"}})
		require.NoError(t, err)
		assert.NotEmpty(t, q.Text)
		assert.Equal(t, s.typ, q.Type)
		assert.Equal(t, s.term, q.Terminal)
		assert.Equal(t, s.d.Ordinal, q.Ordinal)
		assert.Equal(t, SourceFallback, q.Source)
		assert.Equal(t, s.d.Stage == StageFollowUpQuestion, q.IsFollowUp)
	}

	q, _ := g.Generate(context.Background(), QuestionRequest{Decision: Decision{Stage: StageSelfIntroRequest}, Context: SessionContext{CompanyName: "Acme"}})
	assert.Contains(t, q.Text, "Acme")
}

func TestGenerateUsesConversation(t *testing.T) {
	conv := newFakeConversation()
	conv.replies = []string{"```json\n{\"question_text\": \"How do you test?\", \"question_type\": \"quality\"}\n```", "Plain question?"}
	g := NewQuestionGenerator(conv, clock.NewFake(time.Unix(0, 0)), testPoll, time.Minute)

	req := QuestionRequest{
		ThreadID:         "thread-1",
		Decision:         Decision{Stage: StageFollowUpQuestion, Ordinal: 4, ParentOrdinal: 3},
		Context:          SessionContext{Resume: "Go developer"},
		PreviousQuestion: "What do you build?",
		Transcript:       "APIs.",
		Budget:           15,
	}
	q, err := g.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "How do you test?", q.Text)
	assert.Equal(t, "quality", q.Category)
	assert.Equal(t, SourceLLM, q.Source)
	assert.True(t, q.IsFollowUp)
	assert.Equal(t, 4, q.Ordinal)

	require.Len(t, conv.posted, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(conv.posted[0]), &payload))
	assert.Equal(t, "follow_up_question", payload["task"])
	assert.Equal(t, "APIs.", payload["answer"])
	assert.Equal(t, "general", payload["context"].(map[string]any)["company"])

	q, err = g.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Plain question?", q.Text)
	assert.Equal(t, SourceRawText, q.Source)
	assert.Equal(t, models.QuestionFollowUp, q.Type)
}

func TestGenerateClosingSkipsConversation(t *testing.T) {
	conv := newFakeConversation()
	g := NewQuestionGenerator(conv, clock.NewFake(time.Unix(0, 0)), testPoll, time.Minute)
	q, err := g.Generate(context.Background(), QuestionRequest{
		ThreadID: "thread-1",
		Decision: Decision{Stage: StageClosing, Ordinal: 6, Terminal: true, Reason: ClosingKeyword},
	})
	require.NoError(t, err)
	assert.Equal(t, keywordClosingText, q.Text)
	assert.Empty(t, conv.posted)
}

func TestGenerateFailureIsClassified(t *testing.T) {
	conv := newFakeConversation()
	conv.failRuns = 1
	g := NewQuestionGenerator(conv, clock.NewFake(time.Unix(0, 0)), testPoll, time.Minute)
	_, err := g.Generate(context.Background(), QuestionRequest{ThreadID: "t", Decision: Decision{Stage: StageNextQuestion, Ordinal: 3}})
	require.ErrorIs(t, err, apperrors.ErrServiceUnavailable)
	assert.True(t, apperrors.Retryable(err))
}
