package interview

import (
	"strings"
	"testing"

	"github.com/krshsl/interviewcoach/backend/apperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var longAnswer = strings.Repeat("I led the migration of our billing service and measured the results carefully. ", 3)

func newMachine(t *testing.T) *StageMachine {
	t.Helper()
	m, err := NewStageMachine(DefaultPolicy())
	require.NoError(t, err)
	return m
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name     string
		state    State
		input    Input
		stage    Stage
		ordinal  int
		terminal bool
		reason   ClosingReason
	}{
		{
			name:  "first call asks for self introduction",
			state: State{},
			stage: StageSelfIntroRequest,
		},
		{
			name:    "intro answer leads to initial question",
			state:   State{Stage: StageSelfIntroRequest},
			input:   Input{Transcript: "hi"},
			stage:   StageInitialQuestion,
			ordinal: 1,
		},
		{
			name:    "short answer gets a follow-up",
			state:   State{Stage: StageInitialQuestion, QuestionCount: 1, BaseOrdinal: 1},
			input:   Input{Transcript: "I used Go there."},
			stage:   StageFollowUpQuestion,
			ordinal: 2,
		},
		{
			name:    "requested follow-up on a long answer",
			state:   State{Stage: StageNextQuestion, QuestionCount: 4, BaseOrdinal: 4},
			input:   Input{Transcript: longAnswer, RequestFollowUp: true},
			stage:   StageFollowUpQuestion,
			ordinal: 5,
		},
		{
			name:    "long answer advances",
			state:   State{Stage: StageInitialQuestion, QuestionCount: 1, BaseOrdinal: 1},
			input:   Input{Transcript: longAnswer},
			stage:   StageNextQuestion,
			ordinal: 2,
		},
		{
			name:    "degraded transcript advances",
			state:   State{Stage: StageInitialQuestion, QuestionCount: 1, BaseOrdinal: 1},
			input:   Input{Transcript: "[inaudible]", Degraded: true},
			stage:   StageNextQuestion,
			ordinal: 2,
		},
		{
			name:    "follow-up cap reached advances",
			state:   State{Stage: StageFollowUpQuestion, QuestionCount: 2, FollowUpCount: 1, BaseOrdinal: 1},
			input:   Input{Transcript: "short"},
			stage:   StageNextQuestion,
			ordinal: 3,
		},
		{
			name:    "no follow-up when only the closing slot remains",
			state:   State{Stage: StageNextQuestion, QuestionCount: 13, BaseOrdinal: 13},
			input:   Input{Transcript: "short"},
			stage:   StageNextQuestion,
			ordinal: 14,
		},
		{
			name:     "budget forces closing regardless of transcript",
			state:    State{Stage: StageNextQuestion, QuestionCount: 14, BaseOrdinal: 14},
			input:    Input{Transcript: "short", RequestFollowUp: true},
			stage:    StageClosing,
			ordinal:  15,
			terminal: true,
			reason:   ClosingBudget,
		},
		{
			name:     "end keyword in transcript closes early",
			state:    State{Stage: StageNextQuestion, QuestionCount: 5, BaseOrdinal: 5},
			input:    Input{Transcript: "Lastly, I want to thank you for the opportunity."},
			stage:    StageClosing,
			ordinal:  6,
			terminal: true,
			reason:   ClosingKeyword,
		},
		{
			name:     "end keyword in last question closes",
			state:    State{Stage: StageNextQuestion, QuestionCount: 7, BaseOrdinal: 7},
			input:    Input{Transcript: longAnswer, LastQuestion: "In closing, is there anything you want to add?"},
			stage:    StageClosing,
			ordinal:  8,
			terminal: true,
			reason:   ClosingKeyword,
		},
	}

	m := newMachine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := m.Decide(tt.state, tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.stage, d.Stage)
			assert.Equal(t, tt.ordinal, d.Ordinal)
			assert.Equal(t, tt.terminal, d.Terminal)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.ordinal, d.Next.QuestionCount)
		})
	}
}

func TestDecideTerminalState(t *testing.T) {
	m := newMachine(t)
	_, err := m.Decide(State{Stage: StageClosing, QuestionCount: 15, Terminal: true}, Input{})
	require.ErrorIs(t, err, apperrors.ErrSessionClosed)
}

func TestDecideFollowUpBookkeeping(t *testing.T) {
	m := newMachine(t)

	d, err := m.Decide(State{Stage: StageNextQuestion, QuestionCount: 3, BaseOrdinal: 3}, Input{Transcript: "too short"})
	require.NoError(t, err)
	require.True(t, d.IsFollowUp())
	assert.Equal(t, 3, d.ParentOrdinal)
	assert.Equal(t, 1, d.Next.FollowUpCount)
	assert.Equal(t, 3, d.Next.BaseOrdinal)

	d, err = m.Decide(d.Next, Input{Transcript: "still short"})
	require.NoError(t, err)
	assert.Equal(t, StageNextQuestion, d.Stage)
	assert.Equal(t, 0, d.Next.FollowUpCount)
	assert.Equal(t, 5, d.Next.BaseOrdinal)
}

// Walking a whole session with short answers must never exceed the budget
// nor give one base question more than one follow-up.
func TestWalkRespectsBudgetAndFollowUpCap(t *testing.T) {
	for _, answer := range []string{"short", longAnswer} {
		m := newMachine(t)
		st := State{}
		followUps := map[int]int{}
		emitted := 0
		for i := 0; i < 40; i++ {
			d, err := m.Decide(st, Input{Transcript: answer})
			if st.Terminal {
				require.ErrorIs(t, err, apperrors.ErrSessionClosed)
				break
			}
			require.NoError(t, err)
			if d.Stage != StageSelfIntroRequest {
				emitted++
				assert.Equal(t, emitted, d.Ordinal, "ordinals are gapless")
			}
			if d.IsFollowUp() {
				followUps[d.ParentOrdinal]++
			}
			st = d.Next
		}
		assert.Equal(t, 15, emitted)
		assert.Equal(t, StageClosing, st.Stage)
		for parent, n := range followUps {
			assert.LessOrEqual(t, n, 1, "base question %d", parent)
		}
	}
}

type alwaysFollowUp struct{}

func (alwaysFollowUp) NeedsFollowUp(string) bool { return true }

func TestCustomPolicy(t *testing.T) {
	p := DefaultPolicy()
	p.MaxFollowUps = 2
	p.FollowUp = alwaysFollowUp{}
	p.EndKeywords = []string{"  WRAP IT UP "}
	m, err := NewStageMachine(p)
	require.NoError(t, err)

	st := State{Stage: StageInitialQuestion, QuestionCount: 1, BaseOrdinal: 1}
	for want := 1; want <= 2; want++ {
		d, err := m.Decide(st, Input{Transcript: longAnswer})
		require.NoError(t, err)
		require.True(t, d.IsFollowUp())
		assert.Equal(t, want, d.Next.FollowUpCount)
		st = d.Next
	}
	d, err := m.Decide(st, Input{Transcript: longAnswer})
	require.NoError(t, err)
	assert.Equal(t, StageNextQuestion, d.Stage)

	assert.True(t, m.HasEndKeyword("ok let's wrap it up now"))
	assert.False(t, m.HasEndKeyword("lastly"))
}

func TestPolicyValidate(t *testing.T) {
	p := DefaultPolicy()
	p.QuestionBudget = 1
	_, err := NewStageMachine(p)
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestParseStage(t *testing.T) {
	for s := StageNone; s <= StageClosing; s++ {
		got, err := ParseStage(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseStage("warmup")
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)
}
