// Package interview runs voice mock interviews: it decides which question
// comes next, generates it, records answered turns and closes sessions.
package interview

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/krshsl/interviewcoach/backend/apperrors"
	"github.com/krshsl/interviewcoach/backend/models"
)

// Stage is the task the question generator performs next.
type Stage int

const (
	StageNone Stage = iota
	StageSelfIntroRequest
	StageInitialQuestion
	StageFollowUpQuestion
	StageNextQuestion
	StageClosing
)

func (s Stage) String() string {
	switch s {
	case StageNone:
		return ""
	case StageSelfIntroRequest:
		return "self_introduction_request"
	case StageInitialQuestion:
		return "initial_question"
	case StageFollowUpQuestion:
		return "follow_up_question"
	case StageNextQuestion:
		return "next_question"
	case StageClosing:
		return "closing"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// QuestionType is the turn type recorded for questions emitted in this stage.
func (s Stage) QuestionType() models.QuestionType {
	switch s {
	case StageSelfIntroRequest:
		return models.QuestionSelfIntro
	case StageInitialQuestion:
		return models.QuestionInitial
	case StageFollowUpQuestion:
		return models.QuestionFollowUp
	case StageNextQuestion:
		return models.QuestionNext
	case StageClosing:
		return models.QuestionClosing
	}
	return ""
}

func ParseStage(v string) (Stage, error) {
	for s := StageNone; s <= StageClosing; s++ {
		if s.String() == v {
			return s, nil
		}
	}
	return StageNone, fmt.Errorf("unknown stage %q: %w", v, apperrors.ErrInvalidInput)
}

// FollowUpTrigger decides whether an answer deserves a probing follow-up.
type FollowUpTrigger interface {
	NeedsFollowUp(transcript string) bool
}

// ShortAnswerTrigger asks for a follow-up when the answer has fewer than
// MinLength characters.
type ShortAnswerTrigger struct {
	MinLength int
}

func (t ShortAnswerTrigger) NeedsFollowUp(transcript string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(transcript)) < t.MinLength
}

var DefaultEndKeywords = []string{
	"lastly",
	"in closing",
	"to wrap up",
	"this concludes the interview",
	"that concludes the interview",
	"end the interview",
	"마지막으로",
	"면접을 마치",
	"이상으로 면접",
}

type Policy struct {
	QuestionBudget       int
	MaxFollowUps         int
	ShortAnswerThreshold int
	EndKeywords          []string
	// FollowUp overrides the short-answer heuristic when set.
	FollowUp FollowUpTrigger
}

func DefaultPolicy() Policy {
	return Policy{
		QuestionBudget:       15,
		MaxFollowUps:         1,
		ShortAnswerThreshold: 100,
		EndKeywords:          DefaultEndKeywords,
	}
}

func (p Policy) Validate() error {
	if p.QuestionBudget < 2 {
		return fmt.Errorf("question budget must be at least 2, got %d: %w", p.QuestionBudget, apperrors.ErrInvalidInput)
	}
	if p.MaxFollowUps < 0 {
		return fmt.Errorf("max follow-ups must not be negative: %w", apperrors.ErrInvalidInput)
	}
	if p.ShortAnswerThreshold < 0 {
		return fmt.Errorf("short answer threshold must not be negative: %w", apperrors.ErrInvalidInput)
	}
	return nil
}

// State is the stage machine state persisted on the session row.
// QuestionCount is the ordinal of the last emitted question; the
// self-introduction request has ordinal 0.
type State struct {
	Stage         Stage
	QuestionCount int
	FollowUpCount int
	BaseOrdinal   int
	Terminal      bool
}

func StateOf(s *models.InterviewSession) (State, error) {
	stage, err := ParseStage(s.Stage)
	if err != nil {
		return State{}, err
	}
	return State{
		Stage:         stage,
		QuestionCount: s.QuestionCount,
		FollowUpCount: s.FollowUpCount,
		BaseOrdinal:   s.BaseOrdinal,
		Terminal:      s.Terminal,
	}, nil
}

type ClosingReason string

const (
	ClosingBudget  ClosingReason = "budget"
	ClosingKeyword ClosingReason = "end_keyword"
)

// Input is what the machine sees of the latest exchange.
type Input struct {
	Transcript      string
	LastQuestion    string
	RequestFollowUp bool
	// Degraded marks a sentinel transcript; it never triggers a follow-up
	// or an end keyword on its own.
	Degraded bool
}

// Decision is the next task. Next is the state to persist once the question
// for this decision has been generated.
type Decision struct {
	Stage         Stage
	Ordinal       int
	ParentOrdinal int
	Terminal      bool
	Reason        ClosingReason
	Next          State
}

func (d Decision) IsFollowUp() bool {
	return d.Stage == StageFollowUpQuestion
}

// StageMachine is pure: it holds only configuration and never mutates state.
type StageMachine struct {
	policy   Policy
	trigger  FollowUpTrigger
	keywords []string
}

func NewStageMachine(policy Policy) (*StageMachine, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	m := &StageMachine{policy: policy, trigger: policy.FollowUp}
	if m.trigger == nil {
		m.trigger = ShortAnswerTrigger{MinLength: policy.ShortAnswerThreshold}
	}
	for _, k := range policy.EndKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			m.keywords = append(m.keywords, k)
		}
	}
	return m, nil
}

func (m *StageMachine) Policy() Policy {
	return m.policy
}

// Decide applies the transition rules in precedence order: budget
// exhaustion, session start, end keyword, post-introduction, follow-up and
// finally a plain advance.
func (m *StageMachine) Decide(st State, in Input) (Decision, error) {
	if st.Terminal || st.Stage == StageClosing {
		return Decision{}, apperrors.ErrSessionClosed
	}

	n := st.QuestionCount
	switch {
	case n+1 >= m.policy.QuestionBudget:
		return m.closing(st, ClosingBudget), nil

	case st.Stage == StageNone:
		return Decision{
			Stage: StageSelfIntroRequest,
			Next:  State{Stage: StageSelfIntroRequest},
		}, nil

	case (!in.Degraded && m.HasEndKeyword(in.Transcript)) || m.HasEndKeyword(in.LastQuestion):
		return m.closing(st, ClosingKeyword), nil

	case st.Stage == StageSelfIntroRequest:
		return Decision{
			Stage:   StageInitialQuestion,
			Ordinal: 1,
			Next:    State{Stage: StageInitialQuestion, QuestionCount: 1, BaseOrdinal: 1},
		}, nil

	case m.followUpEligible(st, in):
		return Decision{
			Stage:         StageFollowUpQuestion,
			Ordinal:       n + 1,
			ParentOrdinal: st.BaseOrdinal,
			Next: State{
				Stage:         StageFollowUpQuestion,
				QuestionCount: n + 1,
				FollowUpCount: st.FollowUpCount + 1,
				BaseOrdinal:   st.BaseOrdinal,
			},
		}, nil

	default:
		return Decision{
			Stage:   StageNextQuestion,
			Ordinal: n + 1,
			Next:    State{Stage: StageNextQuestion, QuestionCount: n + 1, BaseOrdinal: n + 1},
		}, nil
	}
}

func (m *StageMachine) closing(st State, reason ClosingReason) Decision {
	n := st.QuestionCount + 1
	return Decision{
		Stage:    StageClosing,
		Ordinal:  n,
		Terminal: true,
		Reason:   reason,
		Next: State{
			Stage:         StageClosing,
			QuestionCount: n,
			BaseOrdinal:   n,
			Terminal:      true,
		},
	}
}

func (m *StageMachine) followUpEligible(st State, in Input) bool {
	remaining := m.policy.QuestionBudget - (st.QuestionCount + 1)
	if remaining <= 1 || st.FollowUpCount >= m.policy.MaxFollowUps {
		return false
	}
	if in.RequestFollowUp {
		return true
	}
	return !in.Degraded && m.trigger.NeedsFollowUp(in.Transcript)
}

// HasEndKeyword reports whether text contains one of the closing phrases.
func (m *StageMachine) HasEndKeyword(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, k := range m.keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
