package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"teamsbridge/internal/adapters/graph"
	"teamsbridge/internal/models"
	"teamsbridge/internal/repository"
)

// ChatResult describes what CreateOrUpdateChat did.
type ChatResult struct {
	ChatID       string   `json:"chat_id"`
	Created      bool     `json:"created"`
	AddedMembers []string `json:"added_members"`
	Members      int      `json:"members"`
}

// ConversationSyncService keeps one group chat per document in step with its participants.
type ConversationSyncService struct {
	store    *repository.Store
	graph    *graph.Client
	identity *IdentityResolver
	auth     *AuthService
	kinds    models.KindAllowList
	locks    *keyedMutex
	events   Publisher
}

// NewConversationSyncService creates a new ConversationSyncService.
func NewConversationSyncService(store *repository.Store, gc *graph.Client, identity *IdentityResolver, auth *AuthService, kinds models.KindAllowList, events Publisher) (*ConversationSyncService, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if gc == nil {
		return nil, fmt.Errorf("graph client cannot be nil")
	}
	if identity == nil || auth == nil {
		return nil, fmt.Errorf("identity resolver and auth service are required")
	}
	return &ConversationSyncService{
		store:    store,
		graph:    gc,
		identity: identity,
		auth:     auth,
		kinds:    kinds,
		locks:    newKeyedMutex(),
		events:   publisherOrNop(events),
	}, nil
}

// CreateOrUpdateChat makes sure the document has a group chat containing every resolvable
// participant plus the acting user. An existing chat only ever gains members.
func (s *ConversationSyncService) CreateOrUpdateChat(ctx context.Context, kind, name, actingEmail string) (*ChatResult, error) {
	ref := &DocumentRef{Kind: kind, Name: name}
	res, err := s.createOrUpdateChat(ctx, kind, name, actingEmail)
	if err != nil {
		return nil, s.auth.requireAuth(ctx, ref, err)
	}
	return res, nil
}

func (s *ConversationSyncService) createOrUpdateChat(ctx context.Context, kind, name, actingEmail string) (*ChatResult, error) {
	ks, ok := s.kinds.Get(kind)
	if !ok {
		return nil, validationf("document type %q is not supported", kind)
	}
	unlock := s.locks.Lock(ks.Kind + "/" + name)
	defer unlock()

	doc, err := loadDocument(ctx, s.store, s.kinds, kind, name)
	if err != nil {
		return nil, err
	}
	log.Info().Str("documentKind", doc.Kind).Str("documentName", doc.Name).Str("chatID", doc.ChatID).Msg("Creating or updating Teams chat for document")

	members, err := collectMembers(ctx, s.store, s.identity, doc, actingEmail, true)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, validationf("none of the participants of %s %q could be found in Teams", doc.Kind, doc.Name)
	}

	if doc.ChatID != "" {
		return s.addMissingMembers(ctx, doc, members)
	}
	return s.createChat(ctx, doc, members)
}

func (s *ConversationSyncService) createChat(ctx context.Context, doc *models.Document, members []string) (*ChatResult, error) {
	topic := doc.Subject
	if topic == "" {
		topic = doc.Name
	}
	chat, err := s.graph.CreateChat(ctx, topic, members)
	if err != nil {
		log.Error().Err(err).Str("documentName", doc.Name).Msg("Failed to create Teams chat")
		return nil, fmt.Errorf("failed to create Teams chat: %w", err)
	}

	if err := s.store.SetDocumentChat(ctx, doc.ID, chat.ID); err != nil {
		return nil, err
	}
	conv := &models.Conversation{ChatID: chat.ID, DocumentKind: doc.Kind, DocumentName: doc.Name}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}

	s.events.Publish(EventChatCreated, map[string]interface{}{
		"chat_id":       chat.ID,
		"document_kind": doc.Kind,
		"document_name": doc.Name,
		"members":       len(members),
	})
	return &ChatResult{ChatID: chat.ID, Created: true, AddedMembers: members, Members: len(members)}, nil
}

func (s *ConversationSyncService) addMissingMembers(ctx context.Context, doc *models.Document, target []string) (*ChatResult, error) {
	existing, err := s.graph.ListChatMembers(ctx, doc.ChatID)
	if err != nil {
		log.Error().Err(err).Str("chatID", doc.ChatID).Msg("Failed to list Teams chat members")
		return nil, fmt.Errorf("failed to list chat members: %w", err)
	}
	present := make(map[string]bool, len(existing))
	for _, m := range existing {
		present[m.UserID] = true
	}

	missing := make([]string, 0)
	for _, id := range target {
		if !present[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)

	for _, id := range missing {
		if err := s.graph.AddChatMember(ctx, doc.ChatID, id); err != nil {
			log.Error().Err(err).Str("chatID", doc.ChatID).Str("userID", id).Msg("Failed to add member to Teams chat")
			return nil, fmt.Errorf("failed to add chat member: %w", err)
		}
	}

	if len(missing) > 0 {
		s.events.Publish(EventChatUpdated, map[string]interface{}{
			"chat_id":       doc.ChatID,
			"document_kind": doc.Kind,
			"document_name": doc.Name,
			"added":         len(missing),
		})
	}
	log.Info().Str("chatID", doc.ChatID).Int("added", len(missing)).Msg("Teams chat members reconciled")
	return &ChatResult{ChatID: doc.ChatID, AddedMembers: missing, Members: len(existing) + len(missing)}, nil
}

// collectMembers resolves a document's participants to directory ids, in participant order,
// without duplicates. Participants without a directory account are skipped. With includeActing
// the acting user, or else the integration owner, is added once.
func collectMembers(ctx context.Context, store *repository.Store, identity *IdentityResolver, doc *models.Document, actingEmail string, includeActing bool) ([]string, error) {
	seen := map[string]bool{}
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	for _, p := range doc.Participants {
		id, err := identity.ResolveParticipant(ctx, p)
		if err != nil {
			if errors.Is(err, graph.ErrAuthRequired) || errors.Is(err, graph.ErrTransient) {
				return nil, err
			}
			log.Warn().Err(err).Str("email", p.Email).Msg("Skipping participant that could not be resolved")
			continue
		}
		if id == "" {
			log.Info().Str("email", p.Email).Msg("Skipping participant without a Teams account")
			continue
		}
		add(id)
	}

	if !includeActing {
		return ids, nil
	}

	actingID := ""
	if actingEmail != "" {
		id, err := identity.Resolve(ctx, actingEmail)
		if err != nil {
			if errors.Is(err, graph.ErrAuthRequired) || errors.Is(err, graph.ErrTransient) {
				return nil, err
			}
			log.Warn().Err(err).Str("email", actingEmail).Msg("Could not resolve acting user")
		}
		actingID = id
	}
	if actingID == "" {
		cred, err := store.Credential(ctx)
		if err != nil {
			return nil, err
		}
		actingID = cred.OwnerExternalID
	}
	add(actingID)
	return ids, nil
}
