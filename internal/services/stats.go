package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"teamsbridge/internal/models"
	"teamsbridge/internal/repository"
)

// Archiver stores export files somewhere durable and returns where.
type Archiver interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// IntegrationStats is the dashboard summary.
type IntegrationStats struct {
	repository.MessageCounts
	LinkedUsers    int64                  `json:"users_with_external_id"`
	Last7Days      int64                  `json:"messages_last_7_days"`
	TopChats       []repository.ChatCount `json:"top_chats"`
	Authenticated  bool                   `json:"authenticated"`
	Conversations  int                    `json:"conversations"`
	GeneratedAtUTC string                 `json:"generated_at"`
}

// ChatStats summarises one chat.
type ChatStats struct {
	repository.MessageCounts
	ChatID       string       `json:"chat_id"`
	FirstMessage string       `json:"first_message,omitempty"`
	LastMessage  string       `json:"last_message,omitempty"`
	LastSynced   string       `json:"last_synced,omitempty"`
	Document     *DocumentRef `json:"document,omitempty"`
}

// Export is a rendered history file.
type Export struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
	Messages    int    `json:"messages"`
	ArchiveURL  string `json:"archive_url,omitempty"`
}

// StatsService reports on and maintains the mirrored history.
type StatsService struct {
	store    *repository.Store
	archiver Archiver
	now      func() time.Time
}

// NewStatsService creates the service. archiver may be nil.
func NewStatsService(store *repository.Store, archiver Archiver) (*StatsService, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	return &StatsService{store: store, archiver: archiver, now: time.Now}, nil
}

// IntegrationStats aggregates the whole mirror.
func (s *StatsService) IntegrationStats(ctx context.Context) (*IntegrationStats, error) {
	counts, err := s.store.MessageCounts(ctx, "")
	if err != nil {
		return nil, err
	}
	linked, err := s.store.CountLinkedUsers(ctx)
	if err != nil {
		return nil, err
	}
	recent, err := s.store.CountMessagesSince(ctx, s.now().Add(-7*24*time.Hour))
	if err != nil {
		return nil, err
	}
	top, err := s.store.TopChats(ctx, 5)
	if err != nil {
		return nil, err
	}
	convs, err := s.store.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	cred, err := s.store.Credential(ctx)
	if err != nil {
		return nil, err
	}
	if top == nil {
		top = []repository.ChatCount{}
	}
	return &IntegrationStats{
		MessageCounts:  *counts,
		LinkedUsers:    linked,
		Last7Days:      recent,
		TopChats:       top,
		Authenticated:  cred.HasTokens(),
		Conversations:  len(convs),
		GeneratedAtUTC: s.now().UTC().Format(models.TimestampLayout),
	}, nil
}

// ChatStats aggregates one chat.
func (s *StatsService) ChatStats(ctx context.Context, chatID string) (*ChatStats, error) {
	if chatID == "" {
		return nil, validationf("chat id is required")
	}
	counts, err := s.store.MessageCounts(ctx, chatID)
	if err != nil {
		return nil, err
	}
	st := &ChatStats{MessageCounts: *counts, ChatID: chatID}

	first, last, err := s.store.MessageSpan(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if first != nil {
		st.FirstMessage = first.UTC().Format(models.TimestampLayout)
		st.LastMessage = last.UTC().Format(models.TimestampLayout)
	}
	if conv, err := s.store.ConversationByChatID(ctx, chatID); err == nil {
		if conv.LastSynced != nil {
			st.LastSynced = conv.LastSynced.UTC().Format(models.TimestampLayout)
		}
		if conv.DocumentKind != "" {
			st.Document = &DocumentRef{Kind: conv.DocumentKind, Name: conv.DocumentName}
		}
	}
	return st, nil
}

// Cleanup deletes mirrored messages older than days. days must be at least 1.
func (s *StatsService) Cleanup(ctx context.Context, days int) (int64, error) {
	if days < 1 {
		return 0, validationf("days must be at least 1")
	}
	cutoff := s.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := s.store.DeleteMessagesBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	log.Info().Int("days", days).Int64("deleted", n).Msg("Old messages cleaned up")
	return n, nil
}

type exportedMessage struct {
	MessageID    string `json:"message_id"`
	ChatID       string `json:"chat_id"`
	SenderID     string `json:"sender_id"`
	SenderName   string `json:"sender_name"`
	Body         string `json:"body"`
	SentAt       string `json:"sent_at"`
	Direction    string `json:"direction"`
	DocumentKind string `json:"document_kind,omitempty"`
	DocumentName string `json:"document_name,omitempty"`
}

// ExportHistory renders the history of one chat, or of all chats, as json or csv.
// With archive set and an archiver configured the file is also uploaded.
func (s *StatsService) ExportHistory(ctx context.Context, chatID, format string, archive bool) (*Export, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		return nil, validationf("unsupported export format %q", format)
	}

	msgs, err := s.store.ListMessages(ctx, repository.MessageQuery{ChatID: chatID})
	if err != nil {
		return nil, err
	}
	rows := make([]exportedMessage, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		rows = append(rows, exportedMessage{
			MessageID:    m.MessageID,
			ChatID:       m.ChatID,
			SenderID:     m.SenderID,
			SenderName:   m.SenderDisplay,
			Body:         m.Body,
			SentAt:       m.SentAtDisplay(),
			Direction:    m.Direction,
			DocumentKind: m.DocumentKind,
			DocumentName: m.DocumentName,
		})
	}

	exp := &Export{Messages: len(rows)}
	stamp := s.now().UTC().Format("20060102-150405")
	scope := "all"
	if chatID != "" {
		scope = sanitizeKey(chatID)
	}
	exp.Filename = fmt.Sprintf("chat-history-%s-%s.%s", scope, stamp, format)

	switch format {
	case "json":
		exp.ContentType = "application/json"
		exp.Data, err = json.MarshalIndent(rows, "", "  ")
	case "csv":
		exp.ContentType = "text/csv"
		exp.Data, err = renderCSV(rows)
	}
	if err != nil {
		return nil, fmt.Errorf("error rendering export: %w", err)
	}

	if archive && s.archiver != nil {
		url, err := s.archiver.Upload(ctx, "exports/"+exp.Filename, exp.Data, exp.ContentType)
		if err != nil {
			log.Error().Err(err).Str("filename", exp.Filename).Msg("Failed to archive export")
			return nil, fmt.Errorf("failed to archive export: %w", err)
		}
		exp.ArchiveURL = url
	}
	return exp, nil
}

func renderCSV(rows []exportedMessage) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"message_id", "chat_id", "sender_id", "sender_name", "body", "sent_at", "direction", "document_kind", "document_name"}); err != nil {
		return nil, err
	}
	for _, r := range rows {
		rec := []string{r.MessageID, r.ChatID, r.SenderID, r.SenderName, r.Body, r.SentAt, r.Direction, r.DocumentKind, r.DocumentName}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func sanitizeKey(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}
