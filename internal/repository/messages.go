package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"teamsbridge/internal/models"
)

// InsertMessageIfAbsent stores msg unless a message with the same MessageID exists.
// It reports whether a row was inserted. Concurrent callers with the same id insert at most one row.
func (s *Store) InsertMessageIfAbsent(ctx context.Context, msg *models.ChatMessage) (bool, error) {
	if msg.MessageID == "" {
		return false, fmt.Errorf("message id cannot be empty")
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "message_id"}}, DoNothing: true}).
		Create(msg)
	if res.Error != nil {
		return false, fmt.Errorf("error saving message %s: %w", msg.MessageID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MessageExists reports whether a message with that id is mirrored.
func (s *Store) MessageExists(ctx context.Context, messageID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.ChatMessage{}).Where("message_id = ?", messageID).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("error checking message %s: %w", messageID, err)
	}
	return n > 0, nil
}

// MessageQuery selects mirrored messages.
type MessageQuery struct {
	ChatID      string // empty selects all chats
	Limit       int    // <= 0 means no limit
	Offset      int
	NewestFirst bool
}

// ListMessages returns mirrored messages ordered by sent time.
func (s *Store) ListMessages(ctx context.Context, q MessageQuery) ([]models.ChatMessage, error) {
	tx := s.db.WithContext(ctx).Model(&models.ChatMessage{})
	if q.ChatID != "" {
		tx = tx.Where("chat_id = ?", q.ChatID)
	}
	if q.NewestFirst {
		tx = tx.Order("sent_at DESC").Order("id DESC")
	} else {
		tx = tx.Order("sent_at ASC").Order("id ASC")
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}
	var msgs []models.ChatMessage
	if err := tx.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("error listing messages: %w", err)
	}
	return msgs, nil
}

// DeleteMessagesBefore removes messages sent before cutoff and returns how many went.
func (s *Store) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("sent_at < ?", cutoff.UTC()).Delete(&models.ChatMessage{})
	if res.Error != nil {
		return 0, fmt.Errorf("error deleting messages before %s: %w", cutoff.UTC().Format(models.TimestampLayout), res.Error)
	}
	return res.RowsAffected, nil
}
