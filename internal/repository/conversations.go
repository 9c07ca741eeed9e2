package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"teamsbridge/internal/models"
)

// CreateConversation records a chat. An existing record for the same chat id is kept as is.
func (s *Store) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "chat_id"}}, DoNothing: true}).
		Create(conv).Error
	if err != nil {
		return fmt.Errorf("error saving conversation %s: %w", conv.ChatID, err)
	}
	return nil
}

// ConversationByChatID returns the record for chatID or ErrNotFound.
func (s *Store) ConversationByChatID(ctx context.Context, chatID string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).First(&conv).Error; err != nil {
		return nil, notFound(err)
	}
	return &conv, nil
}

// ListConversations returns every recorded chat, newest first.
func (s *Store) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("error listing conversations: %w", err)
	}
	return convs, nil
}

// TouchConversation sets last_synced on a recorded chat. Unknown chats are ignored.
func (s *Store) TouchConversation(ctx context.Context, chatID string, at time.Time) error {
	at = at.UTC()
	err := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("chat_id = ?", chatID).
		Update("last_synced", &at).Error
	if err != nil {
		return fmt.Errorf("error updating last_synced for %s: %w", chatID, err)
	}
	return nil
}
