package repository

import (
	"context"
	"fmt"
	"time"

	"teamsbridge/internal/models"
)

// MessageCounts aggregates mirrored messages.
type MessageCounts struct {
	Total       int64 `db:"total" json:"total_messages"`
	Inbound     int64 `db:"inbound" json:"inbound_messages"`
	Outbound    int64 `db:"outbound" json:"outbound_messages"`
	UniqueChats int64 `db:"unique_chats" json:"unique_chats"`
	Senders     int64 `db:"senders" json:"unique_senders"`
}

// ChatCount is a chat with its message count.
type ChatCount struct {
	ChatID       string `db:"chat_id" json:"chat_id"`
	MessageCount int64  `db:"message_count" json:"message_count"`
}

const countsQuery = `SELECT
	COUNT(*) AS total,
	COALESCE(SUM(CASE WHEN direction = ? THEN 1 ELSE 0 END), 0) AS inbound,
	COALESCE(SUM(CASE WHEN direction = ? THEN 1 ELSE 0 END), 0) AS outbound,
	COUNT(DISTINCT chat_id) AS unique_chats,
	COUNT(DISTINCT sender_id) AS senders
FROM chat_messages`

// MessageCounts aggregates every message, or those of one chat when chatID is set.
func (s *Store) MessageCounts(ctx context.Context, chatID string) (*MessageCounts, error) {
	q := countsQuery
	args := []interface{}{models.DirectionInbound, models.DirectionOutbound}
	if chatID != "" {
		q += " WHERE chat_id = ?"
		args = append(args, chatID)
	}
	var c MessageCounts
	if err := s.x.GetContext(ctx, &c, s.x.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("error counting messages: %w", err)
	}
	return &c, nil
}

// CountMessagesSince counts messages sent at or after since.
func (s *Store) CountMessagesSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	q := s.x.Rebind(`SELECT COUNT(*) FROM chat_messages WHERE sent_at >= ?`)
	if err := s.x.GetContext(ctx, &n, q, since.UTC()); err != nil {
		return 0, fmt.Errorf("error counting recent messages: %w", err)
	}
	return n, nil
}

// TopChats returns the chats with the most messages.
func (s *Store) TopChats(ctx context.Context, limit int) ([]ChatCount, error) {
	var out []ChatCount
	q := s.x.Rebind(`SELECT chat_id, COUNT(*) AS message_count FROM chat_messages
GROUP BY chat_id ORDER BY message_count DESC, chat_id LIMIT ?`)
	if err := s.x.SelectContext(ctx, &out, q, limit); err != nil {
		return nil, fmt.Errorf("error listing top chats: %w", err)
	}
	return out, nil
}

// CountLinkedUsers counts local users with a resolved directory id.
func (s *Store) CountLinkedUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := s.x.GetContext(ctx, &n, `SELECT COUNT(*) FROM users WHERE external_id <> ''`); err != nil {
		return 0, fmt.Errorf("error counting linked users: %w", err)
	}
	return n, nil
}

// MessageSpan returns the first and last sent time of a chat's messages.
// Both are nil when the chat has none.
func (s *Store) MessageSpan(ctx context.Context, chatID string) (first, last *time.Time, err error) {
	var msgs []models.ChatMessage
	if err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).Order("sent_at ASC").Limit(1).Find(&msgs).Error; err != nil {
		return nil, nil, fmt.Errorf("error loading first message: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil, nil
	}
	f := msgs[0].SentAt
	if err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).Order("sent_at DESC").Limit(1).Find(&msgs).Error; err != nil {
		return nil, nil, fmt.Errorf("error loading last message: %w", err)
	}
	l := msgs[0].SentAt
	return &f, &l, nil
}
