package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionAbandoned SessionStatus = "abandoned"
)

type QuestionType string

const (
	QuestionSelfIntro QuestionType = "self_introduction_request"
	QuestionInitial   QuestionType = "initial_question"
	QuestionFollowUp  QuestionType = "follow_up_question"
	QuestionNext      QuestionType = "next_question"
	QuestionClosing   QuestionType = "closing"
)

// InterviewSession is the authoritative state of one interview run. Stage
// counters are only changed together with the Version column.
type InterviewSession struct {
	ID          string  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID      string  `gorm:"type:uuid;not null;index" json:"user_id"`
	CompanyID   *string `gorm:"type:uuid;index" json:"company_id,omitempty"`
	ResumeID    *string `gorm:"type:uuid" json:"resume_id,omitempty"`
	SelfIntroID *string `gorm:"type:uuid" json:"self_intro_id,omitempty"`
	CompanyName string  `gorm:"size:255" json:"company_name"`
	ThreadID    string  `gorm:"size:255" json:"-"`
	VoiceID     string  `gorm:"size:64" json:"voice_id,omitempty"`

	Stage               string       `gorm:"size:50;not null" json:"stage"`
	QuestionCount       int          `gorm:"not null;default:0" json:"question_count"`
	FollowUpCount       int          `gorm:"not null;default:0" json:"follow_up_count"`
	BaseOrdinal         int          `gorm:"not null;default:0" json:"base_ordinal"`
	CurrentQuestion     string       `gorm:"type:text" json:"current_question"`
	CurrentQuestionType QuestionType `gorm:"size:50" json:"current_question_type"`
	CurrentIsFollowUp   bool         `json:"current_is_follow_up"`
	IntroTranscript     string       `gorm:"type:text" json:"intro_transcript,omitempty"`
	Terminal            bool         `json:"terminal"`

	Status    SessionStatus  `gorm:"size:20;not null;default:'active';check:status IN ('active', 'completed', 'abandoned')" json:"status"`
	Version   int            `gorm:"not null;default:0" json:"version"`
	StartedAt time.Time      `gorm:"not null" json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	// Relationships
	Turns  []Turn  `gorm:"foreignKey:SessionID" json:"turns,omitempty"`
	Report *Report `gorm:"foreignKey:SessionID" json:"report,omitempty"`
}

func (s *InterviewSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

func (s *InterviewSession) Closed() bool {
	return s.Status != SessionActive
}

// Turn is one answered question. Turns are append-only; Ordinal equals the
// ordinal of the question that was answered.
type Turn struct {
	ID                 string       `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID          string       `gorm:"type:uuid;not null;uniqueIndex:idx_turns_session_ordinal" json:"session_id"`
	Ordinal            int          `gorm:"not null;uniqueIndex:idx_turns_session_ordinal" json:"ordinal"`
	Question           string       `gorm:"type:text;not null" json:"question"`
	QuestionType       QuestionType `gorm:"size:50;not null" json:"question_type"`
	IsFollowUp         bool         `json:"is_follow_up"`
	ParentOrdinal      *int         `json:"parent_ordinal,omitempty"`
	Transcript         string       `gorm:"type:text" json:"transcript"`
	TranscriptDegraded bool         `json:"transcript_degraded"`
	Pronunciation      *float64     `json:"pronunciation"`
	Emotion            *string      `gorm:"size:50" json:"emotion"`
	SpeedWPM           *int         `json:"speed_wpm"`
	FillerCount        int          `gorm:"not null;default:0" json:"filler_count"`
	PitchVariation     *float64     `json:"pitch_variation"`
	AudioKey           string       `gorm:"size:500" json:"audio_key,omitempty"`
	AudioDurationMS    int64        `json:"audio_duration_ms,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
}

func (t *Turn) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

type ScoreScale string

const (
	ScorePercent ScoreScale = "percent" // 0 to 100
	ScoreUnit    ScoreScale = "unit"    // 0 to 1
)

// Report is the single live feedback report of a session.
type Report struct {
	ID               string         `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID        string         `gorm:"type:uuid;not null;uniqueIndex" json:"session_id"`
	UserID           string         `gorm:"type:uuid;not null;index" json:"user_id"`
	OverallScore     float64        `gorm:"type:decimal(5,2);not null" json:"overall_score"`
	ScoreScale       ScoreScale     `gorm:"size:10;not null;default:'percent'" json:"score_scale"`
	Markdown         string         `gorm:"type:text;not null" json:"markdown"`
	AvgPronunciation float64        `json:"avg_pronunciation"`
	AvgSpeedWPM      float64        `json:"avg_speed_wpm"`
	AvgFillerCount   float64        `json:"avg_filler_count"`
	TurnCount        int            `json:"turn_count"`
	Questions        datatypes.JSON `json:"questions"`
	ContentHash      string         `gorm:"size:64;not null;index" json:"content_hash"`
	Model            string         `gorm:"size:100" json:"model"`
	Source           string         `gorm:"size:20" json:"source"` // llm or template
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func (r *Report) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}
