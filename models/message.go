package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ConversationThread backs the Gemini conversation handle of one session.
type ConversationThread struct {
	ID        string         `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Messages []ThreadMessage `gorm:"foreignKey:ThreadID;constraint:OnDelete:CASCADE" json:"messages,omitempty"`
}

// ThreadMessage is one entry of a thread history, ordered by Seq.
type ThreadMessage struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	ThreadID  string    `gorm:"type:uuid;not null;uniqueIndex:idx_thread_messages_seq" json:"thread_id"`
	Seq       int       `gorm:"not null;uniqueIndex:idx_thread_messages_seq" json:"seq"`
	Role      string    `gorm:"type:varchar(20);not null;check:role IN ('user', 'assistant')" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (ConversationThread) TableName() string {
	return "conversation_threads"
}

func (ThreadMessage) TableName() string {
	return "thread_messages"
}

func (t *ConversationThread) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

func (m *ThreadMessage) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}
