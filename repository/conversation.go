package repository

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/krshsl/interviewcoach/backend/models"
	"gorm.io/gorm"
)

// ConversationRepository stores the message history behind conversation
// threads.
type ConversationRepository struct {
	db *gorm.DB
}

func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

func (r *ConversationRepository) CreateThread(ctx context.Context) (string, error) {
	thread := &models.ConversationThread{}
	if err := r.db.WithContext(ctx).Create(thread).Error; err != nil {
		slog.Error("Failed to create thread", "error", err)
		return "", fmt.Errorf("failed to create thread: %w", err)
	}
	return thread.ID, nil
}

// AppendThreadMessage adds a message after the current last one.
func (r *ConversationRepository) AppendThreadMessage(ctx context.Context, threadID, role, content string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.ConversationThread{}).Where("id = ?", threadID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("thread %s not found", threadID)
		}

		var seq int
		if err := tx.Model(&models.ThreadMessage{}).
			Where("thread_id = ?", threadID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&seq).Error; err != nil {
			return err
		}
		return tx.Create(&models.ThreadMessage{
			ThreadID: threadID,
			Seq:      seq + 1,
			Role:     role,
			Content:  content,
		}).Error
	})
	if err != nil {
		slog.Error("Failed to save thread message", "error", err, "thread_id", threadID)
		return fmt.Errorf("failed to save thread message: %w", err)
	}
	return nil
}

// GetThreadMessages returns the newest limit messages in chronological order.
func (r *ConversationRepository) GetThreadMessages(ctx context.Context, threadID string, limit int) ([]models.ThreadMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	var messages []models.ThreadMessage
	if err := r.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("seq DESC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		slog.Error("Failed to get thread messages", "error", err, "thread_id", threadID)
		return nil, fmt.Errorf("failed to get thread messages: %w", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *ConversationRepository) DeleteThread(ctx context.Context, threadID string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("thread_id = ?", threadID).Delete(&models.ThreadMessage{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", threadID).Delete(&models.ConversationThread{}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}
