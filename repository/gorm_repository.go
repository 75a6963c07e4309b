package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/krshsl/interviewcoach/backend/apperrors"
	"github.com/krshsl/interviewcoach/backend/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrStaleSession is returned when a session row changed or closed since it
// was read.
var ErrStaleSession = fmt.Errorf("stale interview session: %w", apperrors.ErrConflict)

// IsNumericOutOfRange reports a postgres numeric_value_out_of_range error.
func IsNumericOutOfRange(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22003"
}

type GORMRepository struct {
	db *gorm.DB
}

func NewGORMRepository(db *gorm.DB) *GORMRepository {
	return &GORMRepository{db: db}
}

// AutoMigrate runs database migrations
func (r *GORMRepository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&models.User{},
		&models.Company{},
		&models.Resume{},
		&models.SelfIntroduction{},
		&models.InterviewSession{},
		&models.Turn{},
		&models.Report{},
		&models.ConversationThread{},
		&models.ThreadMessage{},
	)
}

// Ping checks the underlying connection.
func (r *GORMRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// User operations
func (r *GORMRepository) CreateUser(ctx context.Context, user *models.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		slog.Error("Failed to create user", "error", err)
		return err
	}
	slog.Info("User created", "user_id", user.ID, "email", user.Email)
	return nil
}

func (r *GORMRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get user by email", "error", err, "email", email)
		return nil, err
	}
	return &user, nil
}

func (r *GORMRepository) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get user by ID", "error", err, "user_id", id)
		return nil, err
	}
	return &user, nil
}

// Document operations
func (r *GORMRepository) CreateCompany(ctx context.Context, company *models.Company) error {
	if err := r.db.WithContext(ctx).Create(company).Error; err != nil {
		slog.Error("Failed to create company", "error", err, "name", company.Name)
		return err
	}
	return nil
}

func (r *GORMRepository) GetCompany(ctx context.Context, id string) (*models.Company, error) {
	var company models.Company
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&company).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get company", "error", err, "company_id", id)
		return nil, err
	}
	return &company, nil
}

func (r *GORMRepository) GetCompanyByName(ctx context.Context, name string) (*models.Company, error) {
	var company models.Company
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&company).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &company, nil
}

func (r *GORMRepository) ListCompanies(ctx context.Context) ([]models.Company, error) {
	var companies []models.Company
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&companies).Error; err != nil {
		slog.Error("Failed to list companies", "error", err)
		return nil, err
	}
	return companies, nil
}

func (r *GORMRepository) CreateResume(ctx context.Context, resume *models.Resume) error {
	if err := r.db.WithContext(ctx).Create(resume).Error; err != nil {
		slog.Error("Failed to create resume", "error", err, "user_id", resume.UserID)
		return err
	}
	return nil
}

func (r *GORMRepository) GetResume(ctx context.Context, id, userID string) (*models.Resume, error) {
	var resume models.Resume
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&resume).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get resume", "error", err, "resume_id", id)
		return nil, err
	}
	return &resume, nil
}

func (r *GORMRepository) ListResumes(ctx context.Context, userID string) ([]models.Resume, error) {
	var resumes []models.Resume
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&resumes).Error; err != nil {
		slog.Error("Failed to list resumes", "error", err, "user_id", userID)
		return nil, err
	}
	return resumes, nil
}

func (r *GORMRepository) CreateSelfIntroduction(ctx context.Context, intro *models.SelfIntroduction) error {
	if err := r.db.WithContext(ctx).Create(intro).Error; err != nil {
		slog.Error("Failed to create self-introduction", "error", err, "user_id", intro.UserID)
		return err
	}
	return nil
}

func (r *GORMRepository) GetSelfIntroduction(ctx context.Context, id, userID string) (*models.SelfIntroduction, error) {
	var intro models.SelfIntroduction
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&intro).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get self-introduction", "error", err, "self_intro_id", id)
		return nil, err
	}
	return &intro, nil
}

func (r *GORMRepository) ListSelfIntroductions(ctx context.Context, userID string) ([]models.SelfIntroduction, error) {
	var intros []models.SelfIntroduction
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&intros).Error; err != nil {
		slog.Error("Failed to list self-introductions", "error", err, "user_id", userID)
		return nil, err
	}
	return intros, nil
}

// Interview session operations
func (r *GORMRepository) CreateInterviewSession(ctx context.Context, session *models.InterviewSession) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		slog.Error("Failed to create interview session", "error", err, "user_id", session.UserID)
		return fmt.Errorf("failed to create interview session: %w", err)
	}
	slog.Info("Interview session created", "session_id", session.ID, "user_id", session.UserID)
	return nil
}

func (r *GORMRepository) GetInterviewSession(ctx context.Context, id string) (*models.InterviewSession, error) {
	var session models.InterviewSession
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get interview session", "error", err, "session_id", id)
		return nil, err
	}
	return &session, nil
}

func (r *GORMRepository) ListInterviewSessions(ctx context.Context, userID string) ([]models.InterviewSession, error) {
	var sessions []models.InterviewSession
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("started_at DESC").
		Find(&sessions).Error; err != nil {
		slog.Error("Failed to list interview sessions", "error", err, "user_id", userID)
		return nil, err
	}
	return sessions, nil
}

func sessionStateColumns(s *models.InterviewSession, version int) map[string]any {
	return map[string]any{
		"stage":                 s.Stage,
		"question_count":        s.QuestionCount,
		"follow_up_count":       s.FollowUpCount,
		"base_ordinal":          s.BaseOrdinal,
		"current_question":      s.CurrentQuestion,
		"current_question_type": s.CurrentQuestionType,
		"current_is_follow_up":  s.CurrentIsFollowUp,
		"intro_transcript":      s.IntroTranscript,
		"terminal":              s.Terminal,
		"status":                s.Status,
		"ended_at":              s.EndedAt,
		"version":               version,
	}
}

// CommitTurn atomically appends turn (if any) and stores the session's stage
// state, provided the row is still active at expectedVersion.
func (r *GORMRepository) CommitTurn(ctx context.Context, session *models.InterviewSession, expectedVersion int, turn *models.Turn) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.InterviewSession{}).
			Where("id = ? AND version = ? AND status = ?", session.ID, expectedVersion, models.SessionActive).
			Updates(sessionStateColumns(session, expectedVersion+1))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStaleSession
		}
		if turn != nil {
			turn.SessionID = session.ID
			if err := tx.Create(turn).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrStaleSession) {
			slog.Error("Failed to commit turn", "error", err, "session_id", session.ID)
		}
		return err
	}
	session.Version = expectedVersion + 1
	return nil
}

// CloseInterviewSession marks an active session closed. It reports false if
// the session was already closed.
func (r *GORMRepository) CloseInterviewSession(ctx context.Context, id string, status models.SessionStatus, endedAt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.InterviewSession{}).
		Where("id = ? AND status = ?", id, models.SessionActive).
		Updates(map[string]any{
			"status":   status,
			"ended_at": endedAt,
			"version":  gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		slog.Error("Failed to close interview session", "error", res.Error, "session_id", id)
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *GORMRepository) GetTurns(ctx context.Context, sessionID string) ([]models.Turn, error) {
	var turns []models.Turn
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("ordinal ASC").
		Find(&turns).Error; err != nil {
		slog.Error("Failed to get turns", "error", err, "session_id", sessionID)
		return nil, err
	}
	return turns, nil
}

// Report operations
func (r *GORMRepository) GetReport(ctx context.Context, sessionID string) (*models.Report, error) {
	var report models.Report
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&report).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("Failed to get report", "error", err, "session_id", sessionID)
		return nil, err
	}
	return &report, nil
}

// UpsertReport inserts the report or replaces the one stored for its session.
func (r *GORMRepository) UpsertReport(ctx context.Context, report *models.Report) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"overall_score", "score_scale", "markdown",
			"avg_pronunciation", "avg_speed_wpm", "avg_filler_count", "turn_count",
			"questions", "content_hash", "model", "source", "updated_at",
		}),
	}).Create(report).Error
	if err != nil {
		return fmt.Errorf("failed to upsert report: %w", err)
	}
	return nil
}
