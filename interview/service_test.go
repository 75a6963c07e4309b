package interview

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/krshsl/interviewcoach/backend/apperrors"
	"github.com/krshsl/interviewcoach/backend/clock"
	"github.com/krshsl/interviewcoach/backend/llm"
	"github.com/krshsl/interviewcoach/backend/models"
	"github.com/krshsl/interviewcoach/backend/report"
	"github.com/krshsl/interviewcoach/backend/repository"
	"github.com/krshsl/interviewcoach/backend/speech"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPoll = llm.PollPolicy{Interval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxWait: time.Second}

// fakeConversation completes every run immediately. Replies are served in
// order, then generated. failRuns makes the next StartRun calls fail, and
// hang makes GetRun block until its context is cancelled.
type fakeConversation struct {
	mu       sync.Mutex
	threads  int
	replies  []string
	served   int
	posted   []string
	deleted  []string
	failRuns int
	hang     bool
	hanging  chan struct{}
}

func newFakeConversation() *fakeConversation {
	return &fakeConversation{hanging: make(chan struct{}, 1)}
}

func (f *fakeConversation) CreateThread(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads++
	return fmt.Sprintf("thread-%d", f.threads), nil
}

func (f *fakeConversation) PostMessage(_ context.Context, _ string, msg llm.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, msg.Content)
	return nil
}

func (f *fakeConversation) StartRun(context.Context, string, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRuns > 0 {
		f.failRuns--
		return "", errors.New("upstream 503")
	}
	return "run", nil
}

func (f *fakeConversation) GetRun(ctx context.Context, threadID, runID string) (llm.Run, error) {
	f.mu.Lock()
	hang := f.hang
	f.mu.Unlock()
	if hang {
		f.hanging <- struct{}{}
		<-ctx.Done()
		return llm.Run{}, ctx.Err()
	}
	return llm.Run{ID: runID, ThreadID: threadID, Status: llm.RunCompleted}, nil
}

func (f *fakeConversation) LastAssistantMessage(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.served++
	if len(f.replies) > 0 {
		r := f.replies[0]
		f.replies = f.replies[1:]
		return r, nil
	}
	return fmt.Sprintf(`{"question_text": "Model question %d?", "question_type": "experience"}`, f.served), nil
}

func (f *fakeConversation) DeleteThread(_ context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, threadID)
	return nil
}

type fixture struct {
	repo *repository.MemoryRepository
	svc  *Service
	clk  *clock.Fake
	user *models.User
}

func newFixture(t *testing.T, conv llm.Conversation) *fixture {
	t.Helper()
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	user := &models.User{Email: "candidate@example.com", FullName: "Jamie Park"}
	require.NoError(t, repo.CreateUser(ctx, user))

	clk := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	svc, err := NewService(Options{
		Store:        repo,
		Locker:       repository.NewMemoryLocker(),
		Conversation: conv,
		Clock:        clk,
		Poll:         testPoll,
		LLMTimeout:   time.Minute,
		IdleTimeout:  10 * time.Minute,
	})
	require.NoError(t, err)
	return &fixture{repo: repo, svc: svc, clk: clk, user: user}
}

func (f *fixture) start(t *testing.T) *StartResult {
	t.Helper()
	res, err := f.svc.StartSession(context.Background(), StartInput{UserID: f.user.ID})
	require.NoError(t, err)
	return res
}

func (f *fixture) answer(t *testing.T, sessionID, text string) *AnswerResult {
	t.Helper()
	res, err := f.svc.SubmitAnswer(context.Background(), AnswerInput{SessionID: sessionID, UserID: f.user.ID, Text: text})
	require.NoError(t, err)
	return res
}

func (f *fixture) session(t *testing.T, id string) *models.InterviewSession {
	t.Helper()
	s, err := f.repo.GetInterviewSession(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func (f *fixture) turns(t *testing.T, id string) []models.Turn {
	t.Helper()
	turns, err := f.repo.GetTurns(context.Background(), id)
	require.NoError(t, err)
	return turns
}

func TestStartSessionAsksForIntroduction(t *testing.T) {
	f := newFixture(t, nil)
	res := f.start(t)

	assert.Equal(t, models.QuestionSelfIntro, res.Question.Type)
	assert.False(t, res.Question.Terminal)
	assert.Equal(t, 0, res.Question.Ordinal)
	assert.Nil(t, res.Audio)

	s := f.session(t, res.Session.ID)
	assert.Equal(t, StageSelfIntroRequest.String(), s.Stage)
	assert.Equal(t, res.Question.Text, s.CurrentQuestion)
	assert.Equal(t, models.SessionActive, s.Status)
	assert.Equal(t, 1, f.svc.Tracker().Active())
}

func TestStartSessionValidatesDocuments(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.StartSession(ctx, StartInput{UserID: f.user.ID, CompanyID: "missing"})
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)

	other := &models.User{Email: "other@example.com"}
	require.NoError(t, f.repo.CreateUser(ctx, other))
	resume := &models.Resume{UserID: other.ID, Title: "CV", Content: "Rust"}
	require.NoError(t, f.repo.CreateResume(ctx, resume))
	_, err = f.svc.StartSession(ctx, StartInput{UserID: f.user.ID, ResumeID: resume.ID})
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)

	company := &models.Company{Name: "Acme"}
	require.NoError(t, f.repo.CreateCompany(ctx, company))
	res, err := f.svc.StartSession(ctx, StartInput{UserID: f.user.ID, CompanyID: company.ID})
	require.NoError(t, err)
	assert.Equal(t, "Acme", res.Session.CompanyName)
	assert.Contains(t, res.Question.Text, "Acme")
}

func TestIntroAnswerLeadsToInitialQuestion(t *testing.T) {
	f := newFixture(t, nil)
	start := f.start(t)

	res := f.answer(t, start.Session.ID, "Hi, I am Jamie.")
	require.NotNil(t, res.Question)
	assert.Equal(t, models.QuestionInitial, res.Question.Type)
	assert.Equal(t, 1, res.Question.Ordinal)
	assert.Nil(t, res.Turn)
	assert.Empty(t, f.turns(t, start.Session.ID))
	assert.Equal(t, "Hi, I am Jamie.", f.session(t, start.Session.ID).IntroTranscript)
}

func TestShortAnswerGetsFollowUp(t *testing.T) {
	f := newFixture(t, nil)
	start := f.start(t)
	f.answer(t, start.Session.ID, longAnswer)

	res := f.answer(t, start.Session.ID, "I wrote Go services")
	require.Len(t, []rune("I wrote Go services"), 19)
	require.NotNil(t, res.Question)
	assert.True(t, res.Question.IsFollowUp)
	assert.Equal(t, 2, res.Question.Ordinal)
	require.NotNil(t, res.Turn)
	assert.Equal(t, 1, res.Turn.Ordinal)

	res = f.answer(t, start.Session.ID, "ok")
	require.NotNil(t, res.Turn)
	assert.True(t, res.Turn.IsFollowUp)
	require.NotNil(t, res.Turn.ParentOrdinal)
	assert.Equal(t, 1, *res.Turn.ParentOrdinal)
	assert.False(t, res.Question.IsFollowUp, "one follow-up per base question")
}

func TestEndKeywordClosesEarly(t *testing.T) {
	f := newFixture(t, nil)
	id := f.start(t).Session.ID
	f.answer(t, id, longAnswer)
	for i := 0; i < 4; i++ {
		f.answer(t, id, longAnswer)
	}
	require.Equal(t, 5, f.session(t, id).QuestionCount)

	res := f.answer(t, id, "Lastly, I would like to say I enjoyed this conversation a lot.")
	require.NotNil(t, res.Question)
	assert.Equal(t, models.QuestionClosing, res.Question.Type)
	assert.True(t, res.Terminal)
	assert.Equal(t, 6, res.Question.Ordinal)

	res = f.answer(t, id, longAnswer)
	assert.True(t, res.Terminal)
	assert.NotEmpty(t, res.ClosingNotice)
	assert.Nil(t, res.Question)
	assert.Equal(t, models.QuestionClosing, res.Turn.QuestionType)
	assert.Equal(t, models.SessionCompleted, f.session(t, id).Status)

	_, err := f.svc.SubmitAnswer(context.Background(), AnswerInput{SessionID: id, UserID: f.user.ID, Text: "more"})
	require.ErrorIs(t, err, apperrors.ErrSessionClosed)
}

// A whole interview with every external service unconfigured runs to the
// budget and produces a templated report.
func TestDegradedInterviewEndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.start(t).Session.ID

	var last *AnswerResult
	submits := 0
	for !f.session(t, id).Closed() {
		answer := longAnswer
		if submits%3 == 1 {
			answer = "um, short"
		}
		res, err := f.svc.SubmitAnswer(ctx, AnswerInput{
			SessionID: id,
			UserID:    f.user.ID,
			Audio:     speech.Audio{Data: []byte("voice"), MIMEType: "audio/webm", Duration: 20 * time.Second},
			Text:      answer,
		})
		require.NoError(t, err)
		last = res
		submits++
		require.Less(t, submits, 20)
	}
	assert.Equal(t, 16, submits, "intro plus 15 questions")
	assert.True(t, last.Terminal)

	turns := f.turns(t, id)
	require.Len(t, turns, 15)
	for i, turn := range turns {
		assert.Equal(t, i+1, turn.Ordinal)
	}
	assert.Equal(t, models.QuestionClosing, turns[14].QuestionType)
	assert.True(t, f.session(t, id).Terminal)

	rep, err := f.svc.EndSession(ctx, id, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, report.SourceTemplate, rep.Report.Source)
	assert.True(t, rep.Persisted)
	assert.GreaterOrEqual(t, rep.Score, 0)
	assert.LessOrEqual(t, rep.Score, 100)
	assert.Contains(t, rep.Markdown, "Overall Score")

	again, err := f.svc.GetReport(ctx, id, f.user.ID)
	require.NoError(t, err)
	assert.True(t, again.Deduped)
	assert.Equal(t, rep.Report.ContentHash, again.Report.ContentHash)
	assert.Equal(t, 1, f.repo.ReportCount())
	assert.Equal(t, 1, f.repo.ReportWrites)
}

func TestDegradedTranscriptionStillRecordsTurn(t *testing.T) {
	f := newFixture(t, nil)
	id := f.start(t).Session.ID
	f.answer(t, id, "intro")

	res, err := f.svc.SubmitAnswer(context.Background(), AnswerInput{
		SessionID: id,
		UserID:    f.user.ID,
		Audio:     speech.Audio{Data: []byte("voice"), Duration: 5 * time.Second},
	})
	require.NoError(t, err)
	assert.True(t, res.TranscriptDegraded)
	assert.Equal(t, speech.UnavailableTranscript, res.Transcript)
	require.NotNil(t, res.Turn)
	assert.True(t, res.Turn.TranscriptDegraded)
	assert.Nil(t, res.Turn.SpeedWPM)
}

func TestGenerationFailureLeavesSessionUnchanged(t *testing.T) {
	conv := newFakeConversation()
	f := newFixture(t, conv)
	ctx := context.Background()
	id := f.start(t).Session.ID
	f.answer(t, id, "intro")
	f.answer(t, id, longAnswer)

	before := f.session(t, id)
	require.Equal(t, 2, before.QuestionCount)

	conv.mu.Lock()
	conv.failRuns = 1
	conv.mu.Unlock()
	in := AnswerInput{SessionID: id, UserID: f.user.ID, Text: longAnswer}
	_, err := f.svc.SubmitAnswer(ctx, in)
	require.ErrorIs(t, err, apperrors.ErrServiceUnavailable)
	assert.True(t, apperrors.Retryable(err))

	after := f.session(t, id)
	assert.Equal(t, before.QuestionCount, after.QuestionCount)
	assert.Equal(t, before.FollowUpCount, after.FollowUpCount)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.CurrentQuestion, after.CurrentQuestion)
	assert.Len(t, f.turns(t, id), 1)

	res, err := f.svc.SubmitAnswer(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Question.Ordinal)
	assert.Equal(t, 3, f.session(t, id).QuestionCount)

	turns := f.turns(t, id)
	require.Len(t, turns, 2)
	assert.Equal(t, []int{1, 2}, []int{turns[0].Ordinal, turns[1].Ordinal})
}

func TestExpectedOrdinalMismatch(t *testing.T) {
	f := newFixture(t, nil)
	id := f.start(t).Session.ID
	f.answer(t, id, "intro")

	stale := 0
	_, err := f.svc.SubmitAnswer(context.Background(), AnswerInput{SessionID: id, UserID: f.user.ID, Text: "x", ExpectedOrdinal: &stale})
	require.ErrorIs(t, err, apperrors.ErrConflict)

	current := 1
	_, err = f.svc.SubmitAnswer(context.Background(), AnswerInput{SessionID: id, UserID: f.user.ID, Text: longAnswer, ExpectedOrdinal: &current})
	require.NoError(t, err)
}

func TestSubmitAnswerErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.SubmitAnswer(ctx, AnswerInput{SessionID: "nope", UserID: f.user.ID, Text: "x"})
	require.ErrorIs(t, err, apperrors.ErrSessionNotFound)

	id := f.start(t).Session.ID
	_, err = f.svc.SubmitAnswer(ctx, AnswerInput{SessionID: id, UserID: "someone-else", Text: "x"})
	require.ErrorIs(t, err, apperrors.ErrSessionNotFound)

	_, err = f.svc.SubmitAnswer(ctx, AnswerInput{SessionID: id, UserID: f.user.ID, Text: "   "})
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestEndSessionDiscardsInFlightGeneration(t *testing.T) {
	conv := newFakeConversation()
	f := newFixture(t, conv)
	ctx := context.Background()
	id := f.start(t).Session.ID
	f.answer(t, id, "intro")
	f.answer(t, id, longAnswer)

	conv.mu.Lock()
	conv.hang = true
	conv.mu.Unlock()

	errc := make(chan error, 1)
	go func() {
		_, err := f.svc.SubmitAnswer(ctx, AnswerInput{SessionID: id, UserID: f.user.ID, Text: longAnswer})
		errc <- err
	}()
	<-conv.hanging

	rep, err := f.svc.EndSession(ctx, id, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Stats.TurnCount)

	select {
	case err := <-errc:
		require.ErrorIs(t, err, apperrors.ErrSessionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight answer was not cancelled")
	}

	assert.Len(t, f.turns(t, id), 1)
	s := f.session(t, id)
	assert.Equal(t, models.SessionCompleted, s.Status)
	assert.Equal(t, 2, s.QuestionCount)
	assert.Contains(t, conv.deleted, s.ThreadID)
}

func TestEndSessionIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.start(t).Session.ID
	f.answer(t, id, "intro")
	f.answer(t, id, longAnswer)

	first, err := f.svc.EndSession(ctx, id, f.user.ID)
	require.NoError(t, err)
	assert.False(t, first.Deduped)

	second, err := f.svc.EndSession(ctx, id, f.user.ID)
	require.NoError(t, err)
	assert.True(t, second.Deduped)
	assert.Equal(t, first.Markdown, second.Markdown)
	assert.Equal(t, 1, f.repo.ReportWrites)
	assert.Equal(t, 0, f.svc.Tracker().Active())
}

func TestAbandonIdle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.start(t).Session.ID
	f.answer(t, id, "intro")
	f.answer(t, id, longAnswer)

	assert.Empty(t, f.svc.Tracker().Idle(10*time.Minute))
	f.clk.Advance(11 * time.Minute)
	idle := f.svc.Tracker().Idle(10 * time.Minute)
	require.Equal(t, []string{id}, idle)

	require.NoError(t, f.svc.AbandonIdle(ctx, id))
	assert.Equal(t, models.SessionAbandoned, f.session(t, id).Status)
	assert.Equal(t, 1, f.repo.ReportCount())
	assert.Equal(t, 0, f.svc.Tracker().Active())

	require.NoError(t, f.svc.AbandonIdle(ctx, id))
	assert.Equal(t, 1, f.repo.ReportWrites)
}

func TestConversationThreadPerSession(t *testing.T) {
	conv := newFakeConversation()
	f := newFixture(t, conv)
	a := f.start(t)
	b := f.start(t)

	assert.NotEmpty(t, a.Session.ThreadID)
	assert.NotEqual(t, a.Session.ThreadID, b.Session.ThreadID)
	assert.Equal(t, SourceLLM, a.Question.Source)
	assert.True(t, strings.HasPrefix(a.Question.Text, "Model question"))
}

func TestGetSessionIncludesTurns(t *testing.T) {
	f := newFixture(t, nil)
	id := f.start(t).Session.ID
	f.answer(t, id, "intro")
	f.answer(t, id, longAnswer)
	f.answer(t, id, longAnswer)

	s, err := f.svc.GetSession(context.Background(), id, f.user.ID)
	require.NoError(t, err)
	require.Len(t, s.Turns, 2)
	assert.Equal(t, 1, s.Turns[0].Ordinal)

	list, err := f.svc.ListSessions(context.Background(), f.user.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDegradedTranscriptionDoesNotAskFollowUp(t *testing.T) {
	f := newFixture(t, nil)
	id := f.start(t).Session.ID
	f.answer(t, id, longAnswer)

	res, err := f.svc.SubmitAnswer(context.Background(), AnswerInput{
		SessionID: id,
		UserID:    f.user.ID,
		Audio:     speech.Audio{Data: []byte("voice"), Duration: 5 * time.Second},
	})
	require.NoError(t, err)
	require.True(t, res.TranscriptDegraded)
	require.NotNil(t, res.Question)
	assert.False(t, res.Question.IsFollowUp)
	assert.Equal(t, 2, res.Question.Ordinal)
}
