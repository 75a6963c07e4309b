package interview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/krshsl/interviewcoach/backend/apperrors"
	"github.com/krshsl/interviewcoach/backend/clock"
	"github.com/krshsl/interviewcoach/backend/llm"
	"github.com/krshsl/interviewcoach/backend/models"
	"github.com/krshsl/interviewcoach/backend/report"
	"github.com/krshsl/interviewcoach/backend/speech"
)

const (
	threadCreateAttempts = 3
	threadCreateBackoff  = 250 * time.Millisecond
)

type Options struct {
	Store        Store
	Locker       Locker
	Conversation llm.Conversation // nil serves the fixed question bank
	Speech       *speech.Services
	Composer     *report.Composer
	Archive      AudioArchive // optional
	Clock        clock.Clock
	Policy       Policy
	Poll         llm.PollPolicy
	LLMTimeout   time.Duration
	IdleTimeout  time.Duration
	// PickVoice chooses the interviewer voice for a company name.
	PickVoice func(company string) string
}

// Service orchestrates interview sessions. The session row is the single
// source of truth; per-session work is serialized by the Locker.
type Service struct {
	store       Store
	locker      Locker
	conv        llm.Conversation
	speech      *speech.Services
	composer    *report.Composer
	archive     AudioArchive
	clock       clock.Clock
	machine     *StageMachine
	generator   *QuestionGenerator
	tracker     *SessionTracker
	idleTimeout time.Duration
	pickVoice   func(string) string
}

func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("interview store is required: %w", apperrors.ErrInvalidInput)
	}
	if opts.Locker == nil {
		return nil, fmt.Errorf("interview locker is required: %w", apperrors.ErrInvalidInput)
	}
	if opts.Policy.QuestionBudget == 0 {
		opts.Policy = DefaultPolicy()
	}
	machine, err := NewStageMachine(opts.Policy)
	if err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.SystemClock{}
	}
	if opts.Speech == nil {
		opts.Speech = speech.NewServices(nil, nil, nil, speech.Timeouts{})
	}
	if opts.Composer == nil {
		opts.Composer = report.NewComposer(report.Options{Store: opts.Store})
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	if opts.PickVoice == nil {
		opts.PickVoice = func(string) string { return "" }
	}

	return &Service{
		store:       opts.Store,
		locker:      opts.Locker,
		conv:        opts.Conversation,
		speech:      opts.Speech,
		composer:    opts.Composer,
		archive:     opts.Archive,
		clock:       opts.Clock,
		machine:     machine,
		generator:   NewQuestionGenerator(opts.Conversation, opts.Clock, opts.Poll, opts.LLMTimeout),
		tracker:     NewSessionTracker(opts.Clock),
		idleTimeout: opts.IdleTimeout,
		pickVoice:   opts.PickVoice,
	}, nil
}

func (s *Service) Tracker() *SessionTracker {
	return s.tracker
}

func (s *Service) Policy() Policy {
	return s.machine.Policy()
}

type StartInput struct {
	UserID      string `json:"-"`
	CompanyID   string `json:"company_id,omitempty"`
	ResumeID    string `json:"resume_id,omitempty"`
	SelfIntroID string `json:"self_intro_id,omitempty"`
}

type StartResult struct {
	Session  *models.InterviewSession `json:"session"`
	Question Question                 `json:"question"`
	Audio    []byte                   `json:"-"`
}

// StartSession creates a session with its own conversation thread and asks
// the self-introduction request.
func (s *Service) StartSession(ctx context.Context, in StartInput) (*StartResult, error) {
	user, err := s.store.GetUserByID(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("user %s not found: %w", in.UserID, apperrors.ErrInvalidInput)
	}

	session := &models.InterviewSession{
		UserID:    user.ID,
		Status:    models.SessionActive,
		StartedAt: s.clock.Now(),
	}
	if in.CompanyID != "" {
		company, err := s.store.GetCompany(ctx, in.CompanyID)
		if err != nil {
			return nil, fmt.Errorf("failed to load company: %w", err)
		}
		if company == nil {
			return nil, fmt.Errorf("company %s not found: %w", in.CompanyID, apperrors.ErrInvalidInput)
		}
		session.CompanyID = &company.ID
		session.CompanyName = company.Name
	}
	if in.ResumeID != "" {
		resume, err := s.store.GetResume(ctx, in.ResumeID, user.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load resume: %w", err)
		}
		if resume == nil {
			return nil, fmt.Errorf("resume %s not found: %w", in.ResumeID, apperrors.ErrInvalidInput)
		}
		session.ResumeID = &resume.ID
	}
	if in.SelfIntroID != "" {
		intro, err := s.store.GetSelfIntroduction(ctx, in.SelfIntroID, user.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load self-introduction: %w", err)
		}
		if intro == nil {
			return nil, fmt.Errorf("self-introduction %s not found: %w", in.SelfIntroID, apperrors.ErrInvalidInput)
		}
		session.SelfIntroID = &intro.ID
	}

	d, err := s.machine.Decide(State{}, Input{})
	if err != nil {
		return nil, err
	}

	if s.conv != nil {
		err := llm.Retry(ctx, s.clock, threadCreateAttempts, threadCreateBackoff, func(ctx context.Context) error {
			id, err := s.conv.CreateThread(ctx)
			session.ThreadID = id
			return err
		})
		if err != nil {
			if ctxErr := apperrors.FromContext(ctx, "llm"); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, apperrors.Unavailable("llm create thread", err)
		}
	}

	sc := s.sessionContext(ctx, session)
	q, err := s.generator.Generate(ctx, QuestionRequest{
		ThreadID: session.ThreadID,
		Decision: d,
		Context:  sc,
		Budget:   s.machine.Policy().QuestionBudget,
	})
	if err != nil {
		s.deleteThread(ctx, session.ThreadID)
		return nil, err
	}

	applyDecision(session, d, q)
	session.VoiceID = s.pickVoice(session.CompanyName)
	if err := s.store.CreateInterviewSession(ctx, session); err != nil {
		s.deleteThread(ctx, session.ThreadID)
		return nil, fmt.Errorf("failed to create interview session: %w", err)
	}
	s.tracker.Register(session.ID, session.UserID)

	slog.Info("Interview started",
		"session_id", session.ID,
		"user_id", session.UserID,
		"company", session.CompanyName,
		"question_source", q.Source)

	return &StartResult{
		Session:  session,
		Question: q,
		Audio:    s.speech.Synthesize(ctx, q.Text, session.VoiceID),
	}, nil
}

type AnswerInput struct {
	SessionID       string
	UserID          string
	Audio           speech.Audio
	Text            string // replaces audio transcription when set
	RequestFollowUp bool
	// ExpectedOrdinal, when set, must match the ordinal of the question being
	// answered.
	ExpectedOrdinal *int
}

type AnswerResult struct {
	Turn               *models.Turn             `json:"turn,omitempty"`
	Transcript         string                   `json:"transcript"`
	TranscriptDegraded bool                     `json:"transcript_degraded"`
	Metrics            speech.Metrics           `json:"metrics"`
	Question           *Question                `json:"question,omitempty"`
	ClosingNotice      string                   `json:"closing_notice,omitempty"`
	Terminal           bool                     `json:"terminal"`
	Session            *models.InterviewSession `json:"session"`
	Audio              []byte                   `json:"-"`
}

// SubmitAnswer runs transcribe, analyze, record, advance and generate for
// one answer. The turn and the advanced stage are committed together only
// after the next question exists, so a failed call can be retried as is.
func (s *Service) SubmitAnswer(ctx context.Context, in AnswerInput) (*AnswerResult, error) {
	ctx, done := s.tracker.Begin(ctx, in.SessionID, in.UserID)
	defer done()

	unlock, err := s.locker.Lock(ctx, "interview:"+in.SessionID)
	if err != nil {
		if ctxErr := apperrors.FromContext(ctx, "session lock"); ctxErr != nil {
			return nil, s.interrupted(ctx, in.SessionID, ctxErr)
		}
		return nil, apperrors.Unavailable("session lock", err)
	}
	defer unlock()

	session, err := s.loadOwned(ctx, in.SessionID, in.UserID)
	if err != nil {
		return nil, err
	}
	if session.Closed() {
		s.tracker.Forget(session.ID)
		return nil, apperrors.ErrSessionClosed
	}
	if in.ExpectedOrdinal != nil && *in.ExpectedOrdinal != session.QuestionCount {
		return nil, fmt.Errorf("answer is for question %d but the session is at question %d: %w",
			*in.ExpectedOrdinal, session.QuestionCount, apperrors.ErrConflict)
	}
	st, err := StateOf(session)
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(in.Text)
	if text == "" && in.Audio.Empty() {
		return nil, fmt.Errorf("answer needs audio or text: %w", apperrors.ErrInvalidInput)
	}

	var tr speech.Transcription
	if text != "" {
		tr.Text = text
	} else {
		tr = s.speech.Transcribe(ctx, in.Audio)
	}
	if err := ctx.Err(); err != nil {
		return nil, s.interrupted(ctx, session.ID, apperrors.FromContext(ctx, "stt"))
	}

	analyzed := tr.Text
	if tr.Degraded {
		analyzed = ""
	}
	metrics := s.speech.AnalyzeVoice(ctx, in.Audio, analyzed)

	var turn *models.Turn
	if st.Stage != StageSelfIntroRequest {
		turn = s.buildTurn(ctx, session, tr, metrics, in.Audio)
	}
	version := session.Version

	res := &AnswerResult{
		Turn:               turn,
		Transcript:         tr.Text,
		TranscriptDegraded: tr.Degraded,
		Metrics:            metrics,
		Session:            session,
	}

	if st.Terminal {
		now := s.clock.Now()
		session.Status = models.SessionCompleted
		session.EndedAt = &now
		if err := s.commit(ctx, session, version, turn); err != nil {
			return nil, err
		}
		s.tracker.Forget(session.ID)
		s.deleteThread(ctx, session.ThreadID)

		slog.Info("Interview completed", "session_id", session.ID, "turns", session.QuestionCount)
		res.ClosingNotice = closingNotice
		res.Terminal = true
		res.Audio = s.speech.Synthesize(ctx, closingNotice, session.VoiceID)
		return res, nil
	}

	d, err := s.machine.Decide(st, Input{
		Transcript:      tr.Text,
		LastQuestion:    session.CurrentQuestion,
		RequestFollowUp: in.RequestFollowUp,
		Degraded:        tr.Degraded,
	})
	if err != nil {
		return nil, err
	}

	sc := s.sessionContext(ctx, session)
	if st.Stage == StageSelfIntroRequest {
		sc.IntroAnswer = tr.Text
	}
	q, err := s.generator.Generate(ctx, QuestionRequest{
		ThreadID:         session.ThreadID,
		Decision:         d,
		Context:          sc,
		PreviousQuestion: session.CurrentQuestion,
		Transcript:       tr.Text,
		Budget:           s.machine.Policy().QuestionBudget,
	})
	if err != nil {
		slog.Warn("Question generation failed, stage unchanged",
			"error", err,
			"session_id", session.ID,
			"stage", d.Stage.String(),
			"retryable", apperrors.Retryable(err))
		return nil, s.interrupted(ctx, session.ID, err)
	}

	if st.Stage == StageSelfIntroRequest {
		session.IntroTranscript = tr.Text
	}
	applyDecision(session, d, q)
	if err := s.commit(ctx, session, version, turn); err != nil {
		return nil, err
	}

	slog.Info("Answer recorded",
		"session_id", session.ID,
		"answered_ordinal", st.QuestionCount,
		"next_ordinal", q.Ordinal,
		"stage", d.Stage.String(),
		"terminal", q.Terminal)

	res.Question = &q
	res.Terminal = q.Terminal
	res.Audio = s.speech.Synthesize(ctx, q.Text, session.VoiceID)
	return res, nil
}

func (s *Service) buildTurn(ctx context.Context, session *models.InterviewSession, tr speech.Transcription, m speech.Metrics, audio speech.Audio) *models.Turn {
	turn := &models.Turn{
		SessionID:          session.ID,
		Ordinal:            session.QuestionCount,
		Question:           session.CurrentQuestion,
		QuestionType:       session.CurrentQuestionType,
		IsFollowUp:         session.CurrentIsFollowUp,
		Transcript:         tr.Text,
		TranscriptDegraded: tr.Degraded,
		Pronunciation:      m.Pronunciation,
		Emotion:            m.Emotion,
		SpeedWPM:           m.SpeedWPM,
		FillerCount:        m.FillerCount,
		PitchVariation:     m.PitchVariation,
		AudioDurationMS:    audio.Duration.Milliseconds(),
	}
	if session.CurrentIsFollowUp {
		parent := session.BaseOrdinal
		turn.ParentOrdinal = &parent
	}
	if s.archive != nil && !audio.Empty() {
		key, err := s.archive.PutTurnAudio(ctx, session.ID, turn.Ordinal, audio)
		if err != nil {
			slog.Warn("Failed to archive answer audio", "error", err, "session_id", session.ID, "ordinal", turn.Ordinal)
		} else {
			turn.AudioKey = key
		}
	}
	return turn
}

func applyDecision(session *models.InterviewSession, d Decision, q Question) {
	session.Stage = d.Next.Stage.String()
	session.QuestionCount = d.Next.QuestionCount
	session.FollowUpCount = d.Next.FollowUpCount
	session.BaseOrdinal = d.Next.BaseOrdinal
	session.Terminal = d.Next.Terminal
	session.CurrentQuestion = q.Text
	session.CurrentQuestionType = q.Type
	session.CurrentIsFollowUp = q.IsFollowUp
}

// commit stores the advanced session. A lost race against EndSession is
// reported as ErrSessionClosed and the result is dropped.
func (s *Service) commit(ctx context.Context, session *models.InterviewSession, version int, turn *models.Turn) error {
	err := s.store.CommitTurn(ctx, session, version, turn)
	if err == nil {
		return nil
	}
	if errors.Is(err, apperrors.ErrConflict) || ctx.Err() != nil {
		return s.interrupted(ctx, session.ID, err)
	}
	return fmt.Errorf("failed to commit turn: %w", err)
}

// interrupted maps err to ErrSessionClosed when the session was closed
// while the call was running.
func (s *Service) interrupted(ctx context.Context, sessionID string, err error) error {
	current, lerr := s.store.GetInterviewSession(context.WithoutCancel(ctx), sessionID)
	if lerr == nil && current != nil && current.Closed() {
		slog.Info("Discarding result for closed session", "session_id", sessionID, "cause", err)
		return apperrors.ErrSessionClosed
	}
	return err
}

// EndSession closes the session in any state, cancels work still running
// for it and composes the report. Ending a closed session returns its report.
func (s *Service) EndSession(ctx context.Context, sessionID, userID string) (*report.Result, error) {
	session, err := s.loadOwned(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	if !session.Closed() {
		now := s.clock.Now()
		closed, err := s.store.CloseInterviewSession(ctx, session.ID, models.SessionCompleted, now)
		if err != nil {
			return nil, fmt.Errorf("failed to close session: %w", err)
		}
		if closed {
			session.Status = models.SessionCompleted
			session.EndedAt = &now
			slog.Info("Interview ended by user", "session_id", session.ID, "question_count", session.QuestionCount)
		}
		s.deleteThread(ctx, session.ThreadID)
	}
	s.tracker.Cancel(session.ID)

	return s.compose(ctx, session)
}

// GetReport returns the session's report, composing it when the turns have
// changed since it was last written.
func (s *Service) GetReport(ctx context.Context, sessionID, userID string) (*report.Result, error) {
	session, err := s.loadOwned(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	return s.compose(ctx, session)
}

// AbandonIdle closes a session that has gone quiet and composes its report
// when it has turns.
func (s *Service) AbandonIdle(ctx context.Context, sessionID string) error {
	s.tracker.Cancel(sessionID)

	session, err := s.store.GetInterviewSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load idle session: %w", err)
	}
	if session == nil || session.Closed() {
		return nil
	}
	closed, err := s.store.CloseInterviewSession(ctx, sessionID, models.SessionAbandoned, s.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to abandon session: %w", err)
	}
	if !closed {
		return nil
	}
	s.deleteThread(ctx, session.ThreadID)
	slog.Info("Idle session abandoned", "session_id", sessionID, "question_count", session.QuestionCount)

	if session.QuestionCount == 0 {
		return nil
	}
	if _, err := s.compose(ctx, session); err != nil {
		return fmt.Errorf("failed to compose report for idle session: %w", err)
	}
	return nil
}

// RunReaper closes idle sessions until ctx is done.
func (s *Service) RunReaper(ctx context.Context, interval time.Duration) {
	s.tracker.Run(ctx, interval, s.idleTimeout, func(ctx context.Context, id string) {
		if err := s.AbandonIdle(ctx, id); err != nil {
			slog.Error("Failed to abandon idle session", "error", err, "session_id", id)
		}
	})
}

func (s *Service) ListSessions(ctx context.Context, userID string) ([]models.InterviewSession, error) {
	sessions, err := s.store.ListInterviewSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// GetSession returns the session with its turns in ordinal order.
func (s *Service) GetSession(ctx context.Context, sessionID, userID string) (*models.InterviewSession, error) {
	session, err := s.loadOwned(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	turns, err := s.store.GetTurns(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load turns: %w", err)
	}
	session.Turns = turns
	return session, nil
}

func (s *Service) compose(ctx context.Context, session *models.InterviewSession) (*report.Result, error) {
	turns, err := s.store.GetTurns(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load turns: %w", err)
	}
	sc := s.sessionContext(ctx, session)
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		slog.Warn("Failed to load user for report", "error", err, "user_id", session.UserID)
	}

	return s.composer.Compose(ctx, report.Input{
		SessionID: session.ID,
		UserID:    session.UserID,
		Profile: report.Profile{
			Name:             user.DisplayName(),
			Company:          sc.CompanyName,
			Resume:           sc.Resume,
			SelfIntroduction: sc.SelfIntroduction,
			IntroAnswer:      sc.IntroAnswer,
		},
		Turns: turns,
	})
}

// loadOwned hides sessions of other users behind ErrSessionNotFound. An
// empty userID skips the ownership check.
func (s *Service) loadOwned(ctx context.Context, sessionID, userID string) (*models.InterviewSession, error) {
	session, err := s.store.GetInterviewSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil || (userID != "" && session.UserID != userID) {
		return nil, fmt.Errorf("session %s: %w", sessionID, apperrors.ErrSessionNotFound)
	}
	return session, nil
}

// sessionContext loads the candidate documents linked to the session.
// Missing documents degrade to empty text.
func (s *Service) sessionContext(ctx context.Context, session *models.InterviewSession) SessionContext {
	sc := SessionContext{CompanyName: session.CompanyName, IntroAnswer: session.IntroTranscript}
	if session.ResumeID != nil {
		resume, err := s.store.GetResume(ctx, *session.ResumeID, session.UserID)
		if err != nil {
			slog.Warn("Failed to load resume", "error", err, "resume_id", *session.ResumeID)
		} else if resume != nil {
			sc.Resume = resume.Content
		}
	}
	if session.SelfIntroID != nil {
		intro, err := s.store.GetSelfIntroduction(ctx, *session.SelfIntroID, session.UserID)
		if err != nil {
			slog.Warn("Failed to load self-introduction", "error", err, "self_intro_id", *session.SelfIntroID)
		} else if intro != nil {
			sc.SelfIntroduction = intro.Content
		}
	}
	return sc
}

func (s *Service) deleteThread(ctx context.Context, threadID string) {
	if s.conv == nil || threadID == "" {
		return
	}
	if err := s.conv.DeleteThread(context.WithoutCancel(ctx), threadID); err != nil {
		slog.Warn("Failed to delete conversation thread", "error", err, "thread_id", threadID)
	}
}
