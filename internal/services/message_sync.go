package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog/log"

	"teamsbridge/internal/adapters/graph"
	"teamsbridge/internal/models"
	"teamsbridge/internal/repository"
)

// Fetch and history limits.
const (
	DefaultFetchCount   = 50
	MaxFetchCount       = 100
	DefaultHistoryLimit = 200
	MaxHistoryLimit     = 500
	SyncFetchCount      = 50
)

// FetchResult counts what a fetch saw and what it newly stored.
type FetchResult struct {
	Fetched int `json:"fetched"`
	Stored  int `json:"stored"`
}

// SyncResult summarises a conversation sync.
type SyncResult struct {
	Chats   int      `json:"chats"`
	Fetched int      `json:"fetched"`
	Stored  int      `json:"stored"`
	Failed  []string `json:"failed"`
}

// MessageSyncService mirrors chat messages into the local store.
type MessageSyncService struct {
	store     *repository.Store
	graph     *graph.Client
	auth      *AuthService
	events    Publisher
	sanitizer *bluemonday.Policy
	now       func() time.Time
}

// NewMessageSyncService creates a new MessageSyncService.
func NewMessageSyncService(store *repository.Store, gc *graph.Client, auth *AuthService, events Publisher) (*MessageSyncService, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if gc == nil {
		return nil, fmt.Errorf("graph client cannot be nil")
	}
	if auth == nil {
		return nil, fmt.Errorf("auth service cannot be nil")
	}
	return &MessageSyncService{
		store:     store,
		graph:     gc,
		auth:      auth,
		events:    publisherOrNop(events),
		sanitizer: bluemonday.UGCPolicy(),
		now:       time.Now,
	}, nil
}

// NormalizeTimestamp parses an API timestamp into UTC at seconds precision.
// Values with no zone are taken as UTC. Anything unparseable becomes now.
func NormalizeTimestamp(value string, now time.Time) time.Time {
	value = strings.TrimSpace(value)
	if value != "" {
		// Fractional seconds are accepted by every layout below.
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", models.TimestampLayout} {
			if t, err := time.Parse(layout, value); err == nil {
				return t.UTC().Truncate(time.Second)
			}
		}
		log.Warn().Str("timestamp", value).Msg("Unparseable message timestamp, using current time")
	}
	return now.UTC().Truncate(time.Second)
}

// Send posts text to a chat and mirrors the sent message as Outbound.
// The text is HTML-escaped before sending. ref, when set, is recorded as the owning
// document instead of the one linked to the chat.
func (s *MessageSyncService) Send(ctx context.Context, chatID, text string, ref *DocumentRef) (*models.ChatMessage, error) {
	if chatID == "" {
		return nil, validationf("chat id is required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, validationf("message cannot be empty")
	}

	sent, err := s.graph.SendChatMessage(ctx, chatID, html.EscapeString(text))
	if err != nil {
		log.Error().Err(err).Str("chatID", chatID).Msg("Failed to send Teams chat message")
		return nil, s.auth.requireAuth(ctx, s.refFor(ctx, chatID, ref), err)
	}

	msg := s.mirror(chatID, sent, models.DirectionOutbound, s.refFor(ctx, chatID, ref))
	if sent.ID == "" {
		log.Warn().Str("chatID", chatID).Msg("Sent message has no id, not mirrored")
		return msg, nil
	}
	if msg.SenderID == "" {
		if cred, err := s.store.Credential(ctx); err == nil {
			msg.SenderID = cred.OwnerExternalID
		}
	}
	if _, err := s.store.InsertMessageIfAbsent(ctx, msg); err != nil {
		return nil, err
	}

	s.events.Publish(EventMessageSent, map[string]interface{}{
		"chat_id":    chatID,
		"message_id": msg.MessageID,
	})
	return msg, nil
}

// FetchAndStore pulls the latest count messages of a chat and stores those not yet mirrored.
// count is clamped to [1, 100]; 0 means 50. ref overrides the chat's linked document.
func (s *MessageSyncService) FetchAndStore(ctx context.Context, chatID string, count int, ref *DocumentRef) (*FetchResult, error) {
	if chatID == "" {
		return nil, validationf("chat id is required")
	}
	res, err := s.fetchAndStore(ctx, chatID, ClampFetchCount(count), ref)
	if err != nil {
		return nil, s.auth.requireAuth(ctx, s.refFor(ctx, chatID, ref), err)
	}
	return res, nil
}

// ClampFetchCount applies the fetch limits.
func ClampFetchCount(count int) int {
	switch {
	case count == 0:
		return DefaultFetchCount
	case count < 1:
		return 1
	case count > MaxFetchCount:
		return MaxFetchCount
	}
	return count
}

func (s *MessageSyncService) fetchAndStore(ctx context.Context, chatID string, count int, ref *DocumentRef) (*FetchResult, error) {
	msgs, err := s.graph.ListChatMessages(ctx, chatID, count)
	if err != nil {
		log.Error().Err(err).Str("chatID", chatID).Msg("Failed to fetch Teams chat messages")
		return nil, err
	}

	owner := s.refFor(ctx, chatID, ref)
	res := &FetchResult{Fetched: len(msgs)}
	for i := range msgs {
		if msgs[i].ID == "" {
			continue
		}
		ok, err := s.store.InsertMessageIfAbsent(ctx, s.mirror(chatID, &msgs[i], models.DirectionInbound, owner))
		if err != nil {
			return nil, err
		}
		if ok {
			res.Stored++
		}
	}
	if err := s.store.TouchConversation(ctx, chatID, s.now()); err != nil {
		log.Warn().Err(err).Str("chatID", chatID).Msg("Failed to update last_synced")
	}

	log.Info().Str("chatID", chatID).Int("fetched", res.Fetched).Int("stored", res.Stored).Msg("Teams chat messages mirrored")
	if res.Stored > 0 {
		s.events.Publish(EventMessagesFetched, map[string]interface{}{
			"chat_id": chatID,
			"fetched": res.Fetched,
			"stored":  res.Stored,
		})
	}
	return res, nil
}

func (s *MessageSyncService) mirror(chatID string, m *graph.ChatMessage, direction string, owner *DocumentRef) *models.ChatMessage {
	msg := &models.ChatMessage{
		MessageID:     m.ID,
		ChatID:        chatID,
		SenderID:      m.SenderID(),
		SenderDisplay: m.SenderName(),
		Body:          s.sanitizer.Sanitize(m.Body.Content),
		SentAt:        NormalizeTimestamp(m.CreatedDateTime, s.now()),
		Direction:     direction,
	}
	if owner != nil {
		msg.DocumentKind = owner.Kind
		msg.DocumentName = owner.Name
	}
	return msg
}

// refFor returns ref when set, otherwise the document the chat was created for.
func (s *MessageSyncService) refFor(ctx context.Context, chatID string, ref *DocumentRef) *DocumentRef {
	if ref != nil && !ref.IsZero() {
		return ref
	}
	conv, err := s.store.ConversationByChatID(ctx, chatID)
	if err != nil || conv.DocumentKind == "" {
		return nil
	}
	return &DocumentRef{Kind: conv.DocumentKind, Name: conv.DocumentName}
}

// HistoryQuery selects local history.
type HistoryQuery struct {
	Limit       int
	Offset      int
	NewestFirst bool
}

// LocalMessages returns the latest mirrored messages of a chat. limit is capped at 500 and
// defaults to 200. Unless NewestFirst is set the page is returned oldest first.
func (s *MessageSyncService) LocalMessages(ctx context.Context, chatID string, q HistoryQuery) ([]models.ChatMessage, error) {
	if chatID == "" {
		return nil, validationf("chat id is required")
	}
	limit := q.Limit
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	msgs, err := s.store.ListMessages(ctx, repository.MessageQuery{
		ChatID:      chatID,
		Limit:       limit,
		Offset:      offset,
		NewestFirst: true,
	})
	if err != nil {
		return nil, err
	}
	if !q.NewestFirst {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, nil
}

// SyncConversations mirrors the latest messages of one chat, or of every chat of the
// authorized account when chatID is empty. A chat that fails is reported and skipped; an
// authentication failure stops the run.
func (s *MessageSyncService) SyncConversations(ctx context.Context, chatID string) (*SyncResult, error) {
	var chatIDs []string
	if chatID != "" {
		chatIDs = []string{chatID}
	} else {
		chats, err := s.graph.ListChats(ctx)
		if err != nil {
			return nil, s.auth.requireAuth(ctx, nil, err)
		}
		for _, c := range chats {
			chatIDs = append(chatIDs, c.ID)
		}
	}

	res := &SyncResult{Failed: []string{}}
	for _, id := range chatIDs {
		r, err := s.fetchAndStore(ctx, id, SyncFetchCount, nil)
		if err != nil {
			if errors.Is(err, graph.ErrAuthRequired) {
				return nil, s.auth.requireAuth(ctx, nil, err)
			}
			res.Failed = append(res.Failed, id)
			continue
		}
		res.Chats++
		res.Fetched += r.Fetched
		res.Stored += r.Stored
	}
	log.Info().Int("chats", res.Chats).Int("stored", res.Stored).Int("failed", len(res.Failed)).Msg("Conversation sync finished")
	return res, nil
}

// PostToChannel sends text to a team channel. Channel posts are not mirrored.
func (s *MessageSyncService) PostToChannel(ctx context.Context, teamID, channelID, text string) (*graph.ChatMessage, error) {
	if teamID == "" || channelID == "" {
		return nil, validationf("team id and channel id are required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, validationf("message cannot be empty")
	}
	m, err := s.graph.SendChannelMessage(ctx, teamID, channelID, html.EscapeString(text))
	if err != nil {
		log.Error().Err(err).Str("teamID", teamID).Str("channelID", channelID).Msg("Failed to post channel message")
		return nil, s.auth.requireAuth(ctx, nil, err)
	}
	return m, nil
}
