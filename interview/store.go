package interview

import (
	"context"
	"time"

	"github.com/krshsl/interviewcoach/backend/models"
	"github.com/krshsl/interviewcoach/backend/report"
	"github.com/krshsl/interviewcoach/backend/speech"
)

// Store is the persistence the orchestrator needs. Getters return (nil, nil)
// when the row does not exist.
type Store interface {
	report.Store

	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetCompany(ctx context.Context, id string) (*models.Company, error)
	GetResume(ctx context.Context, id, userID string) (*models.Resume, error)
	GetSelfIntroduction(ctx context.Context, id, userID string) (*models.SelfIntroduction, error)

	CreateInterviewSession(ctx context.Context, session *models.InterviewSession) error
	GetInterviewSession(ctx context.Context, id string) (*models.InterviewSession, error)
	ListInterviewSessions(ctx context.Context, userID string) ([]models.InterviewSession, error)
	// CommitTurn persists the session state and appends turn (when non-nil)
	// atomically, provided the stored version still equals expectedVersion
	// and the session is active.
	CommitTurn(ctx context.Context, session *models.InterviewSession, expectedVersion int, turn *models.Turn) error
	// CloseInterviewSession reports whether the session was active before.
	CloseInterviewSession(ctx context.Context, id string, status models.SessionStatus, endedAt time.Time) (bool, error)
	GetTurns(ctx context.Context, sessionID string) ([]models.Turn, error)
}

// Locker serializes turns of one session across processes.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// AudioArchive stores answer audio once per turn and returns its key.
type AudioArchive interface {
	PutTurnAudio(ctx context.Context, sessionID string, ordinal int, audio speech.Audio) (string, error)
}
