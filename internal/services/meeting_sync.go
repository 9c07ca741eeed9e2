package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"teamsbridge/internal/adapters/graph"
	"teamsbridge/internal/models"
	"teamsbridge/internal/repository"
)

const graphTimeLayout = "2006-01-02T15:04:05Z"

// Meeting length limits.
const (
	MinMeetingDuration = 15 * time.Minute
	MaxMeetingDuration = 24 * time.Hour
)

// FormatGraphTime renders t as the UTC timestamp the meetings API expects.
func FormatGraphTime(t time.Time) string {
	return t.UTC().Format(graphTimeLayout)
}

// MeetingResult describes what CreateOrUpdateMeeting did.
type MeetingResult struct {
	MeetingID      string `json:"meeting_id"`
	JoinURL        string `json:"join_url"`
	Created        bool   `json:"created"`
	AddedAttendees int    `json:"added_attendees"`
}

// Attendee is a meeting attendee with whatever we know about them locally.
type Attendee struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
}

// MeetingSyncService keeps one online meeting per document.
type MeetingSyncService struct {
	store    *repository.Store
	graph    *graph.Client
	identity *IdentityResolver
	auth     *AuthService
	kinds    models.KindAllowList
	locks    *keyedMutex
	events   Publisher
	loc      *time.Location
	now      func() time.Time
}

// NewMeetingSyncService creates the service. loc is used for times without a zone.
func NewMeetingSyncService(store *repository.Store, gc *graph.Client, identity *IdentityResolver, auth *AuthService, kinds models.KindAllowList, loc *time.Location, events Publisher) (*MeetingSyncService, error) {
	if store == nil || gc == nil || identity == nil || auth == nil {
		return nil, fmt.Errorf("store, graph client, identity resolver and auth service are required")
	}
	if loc == nil {
		loc = time.UTC
	}
	return &MeetingSyncService{
		store:    store,
		graph:    gc,
		identity: identity,
		auth:     auth,
		kinds:    kinds,
		locks:    newKeyedMutex(),
		events:   publisherOrNop(events),
		loc:      loc,
		now:      time.Now,
	}, nil
}

func (s *MeetingSyncService) lockDocument(kind, name string) (func(), error) {
	ks, ok := s.kinds.Get(kind)
	if !ok {
		return nil, validationf("document type %q is not supported", kind)
	}
	return s.locks.Lock(ks.Kind + "/" + name), nil
}

// CreateOrUpdateMeeting schedules a meeting for the document, or adds newly resolvable
// participants to the one it already has.
func (s *MeetingSyncService) CreateOrUpdateMeeting(ctx context.Context, kind, name string) (*MeetingResult, error) {
	res, err := s.createOrUpdateMeeting(ctx, kind, name)
	if err != nil {
		return nil, s.auth.requireAuth(ctx, &DocumentRef{Kind: kind, Name: name}, err)
	}
	return res, nil
}

func (s *MeetingSyncService) createOrUpdateMeeting(ctx context.Context, kind, name string) (*MeetingResult, error) {
	unlock, err := s.lockDocument(kind, name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	doc, err := loadDocument(ctx, s.store, s.kinds, kind, name)
	if err != nil {
		return nil, err
	}
	attendees, err := collectMembers(ctx, s.store, s.identity, doc, "", false)
	if err != nil {
		return nil, err
	}

	existing, err := s.linkedMeeting(ctx, doc)
	if err != nil && !graph.IsNotFound(err) {
		return nil, err
	}
	if existing != nil {
		return s.addAttendees(ctx, doc, existing, attendees)
	}
	if doc.MeetingID != "" || doc.MeetingURL != "" {
		log.Warn().Str("documentName", doc.Name).Msg("Linked meeting no longer exists, scheduling a new one")
	}
	return s.createMeeting(ctx, doc, attendees)
}

// linkedMeeting loads the document's meeting. Rows that only carry a join URL are resolved
// through a filter query and the id is stored for next time. No link yields nil, nil.
func (s *MeetingSyncService) linkedMeeting(ctx context.Context, doc *models.Document) (*graph.OnlineMeeting, error) {
	if doc.MeetingID != "" {
		return s.graph.GetOnlineMeeting(ctx, doc.MeetingID)
	}
	if doc.MeetingURL == "" {
		return nil, nil
	}
	m, err := s.graph.FindOnlineMeetingByJoinURL(ctx, doc.MeetingURL)
	if err != nil || m == nil {
		return nil, err
	}
	if err := s.store.SetDocumentMeeting(ctx, doc.ID, m.ID, doc.MeetingURL); err != nil {
		return nil, err
	}
	doc.MeetingID = m.ID
	return m, nil
}

func (s *MeetingSyncService) window(doc *models.Document) (time.Time, time.Time, error) {
	if doc.StartsOn == nil {
		return time.Time{}, time.Time{}, validationf("%s %q has no start time", doc.Kind, doc.Name)
	}
	start := doc.StartsOn.UTC()
	end := start.Add(time.Hour)
	if doc.EndsOn != nil && doc.EndsOn.After(start) {
		end = doc.EndsOn.UTC()
	}
	return start, end, nil
}

func (s *MeetingSyncService) createMeeting(ctx context.Context, doc *models.Document, attendees []string) (*MeetingResult, error) {
	start, end, err := s.window(doc)
	if err != nil {
		return nil, err
	}
	ks, _ := models.LookupKind(doc.Kind)
	subject := doc.Subject
	if subject == "" {
		subject = ks.FallbackSubject(doc.Name)
	}

	req := graph.MeetingRequest{
		Subject:       subject,
		StartDateTime: FormatGraphTime(start),
		EndDateTime:   FormatGraphTime(end),
		Participants:  &graph.MeetingParticipants{Attendees: make([]graph.MeetingParticipant, 0, len(attendees))},
	}
	for _, id := range attendees {
		req.Participants.Attendees = append(req.Participants.Attendees, graph.AttendeeFor(id))
	}

	m, err := s.graph.CreateOnlineMeeting(ctx, req)
	if err != nil {
		log.Error().Err(err).Str("documentName", doc.Name).Msg("Failed to create online meeting")
		return nil, fmt.Errorf("failed to create online meeting: %w", err)
	}
	if err := s.store.SetDocumentMeeting(ctx, doc.ID, m.ID, m.Link()); err != nil {
		return nil, err
	}

	s.events.Publish(EventMeetingCreated, map[string]interface{}{
		"meeting_id":    m.ID,
		"join_url":      m.Link(),
		"document_kind": doc.Kind,
		"document_name": doc.Name,
	})
	return &MeetingResult{MeetingID: m.ID, JoinURL: m.Link(), Created: true, AddedAttendees: len(attendees)}, nil
}

func (s *MeetingSyncService) addAttendees(ctx context.Context, doc *models.Document, m *graph.OnlineMeeting, target []string) (*MeetingResult, error) {
	current := m.Attendees()
	present := make(map[string]bool, len(current))
	for _, a := range current {
		present[a.UserID()] = true
	}

	merged := append([]graph.MeetingParticipant{}, current...)
	added := 0
	for _, id := range target {
		if !present[id] {
			present[id] = true
			merged = append(merged, graph.AttendeeFor(id))
			added++
		}
	}

	res := &MeetingResult{MeetingID: m.ID, JoinURL: firstNonEmpty(m.Link(), doc.MeetingURL), AddedAttendees: added}
	if added == 0 {
		return res, nil
	}

	patch := graph.MeetingPatch{Participants: &graph.MeetingParticipants{Attendees: merged}}
	if _, err := s.graph.UpdateOnlineMeeting(ctx, m.ID, patch); err != nil {
		log.Error().Err(err).Str("meetingID", m.ID).Msg("Failed to add meeting attendees")
		return nil, fmt.Errorf("failed to update meeting attendees: %w", err)
	}
	s.events.Publish(EventMeetingUpdated, map[string]interface{}{
		"meeting_id":    m.ID,
		"document_kind": doc.Kind,
		"document_name": doc.Name,
		"added":         added,
	})
	return res, nil
}

// MeetingDetails returns the document's meeting as the API reports it.
func (s *MeetingSyncService) MeetingDetails(ctx context.Context, kind, name string) (*graph.OnlineMeeting, error) {
	doc, err := loadDocument(ctx, s.store, s.kinds, kind, name)
	if err != nil {
		return nil, err
	}
	m, err := s.linkedMeeting(ctx, doc)
	if err != nil {
		if graph.IsNotFound(err) {
			return nil, validationf("the meeting linked to %s %q no longer exists", doc.Kind, doc.Name)
		}
		return nil, s.auth.requireAuth(ctx, &DocumentRef{Kind: kind, Name: name}, err)
	}
	if m == nil {
		return nil, validationf("%s %q has no meeting", doc.Kind, doc.Name)
	}
	return m, nil
}

// DeleteMeeting cancels the document's meeting and clears the link. A meeting already gone
// remotely still has its link cleared.
func (s *MeetingSyncService) DeleteMeeting(ctx context.Context, kind, name string) error {
	unlock, err := s.lockDocument(kind, name)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := loadDocument(ctx, s.store, s.kinds, kind, name)
	if err != nil {
		return err
	}
	if doc.MeetingID == "" && doc.MeetingURL == "" {
		return validationf("%s %q has no meeting", doc.Kind, doc.Name)
	}

	m, err := s.linkedMeeting(ctx, doc)
	if err != nil && !graph.IsNotFound(err) {
		return s.auth.requireAuth(ctx, &DocumentRef{Kind: kind, Name: name}, err)
	}
	if m != nil {
		if err := s.graph.DeleteOnlineMeeting(ctx, m.ID); err != nil {
			return s.auth.requireAuth(ctx, &DocumentRef{Kind: kind, Name: name}, err)
		}
	}
	if err := s.store.SetDocumentMeeting(ctx, doc.ID, "", ""); err != nil {
		return err
	}
	s.events.Publish(EventMeetingDeleted, map[string]interface{}{
		"meeting_id":    doc.MeetingID,
		"document_kind": doc.Kind,
		"document_name": doc.Name,
	})
	return nil
}

// RescheduleMeeting moves the document's meeting. Empty start or end keep the document's
// stored value; given values are saved on the document first.
func (s *MeetingSyncService) RescheduleMeeting(ctx context.Context, kind, name, startsOn, endsOn string) (*graph.OnlineMeeting, error) {
	ref := &DocumentRef{Kind: kind, Name: name}
	unlock, err := s.lockDocument(kind, name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	doc, err := loadDocument(ctx, s.store, s.kinds, kind, name)
	if err != nil {
		return nil, err
	}
	ks, _ := models.LookupKind(doc.Kind)

	// New times are stored only once the meeting accepted them.
	timesChanged := false
	if startsOn != "" || endsOn != "" {
		start, err := ParseDocumentTime(startsOn, ks, false, s.loc)
		if err != nil {
			return nil, validationf("starts_on: %v", err)
		}
		end, err := ParseDocumentTime(endsOn, ks, true, s.loc)
		if err != nil {
			return nil, validationf("ends_on: %v", err)
		}
		if start == nil {
			start = doc.StartsOn
		}
		if end == nil {
			end = doc.EndsOn
		}
		doc.StartsOn, doc.EndsOn = start, end
		timesChanged = true
	}

	start, end, err := s.window(doc)
	if err != nil {
		return nil, err
	}

	m, err := s.linkedMeeting(ctx, doc)
	if err != nil {
		if graph.IsNotFound(err) {
			return nil, validationf("the meeting linked to %s %q no longer exists", doc.Kind, doc.Name)
		}
		return nil, s.auth.requireAuth(ctx, ref, err)
	}
	if m == nil {
		return nil, validationf("%s %q has no meeting", doc.Kind, doc.Name)
	}

	startStr, endStr := FormatGraphTime(start), FormatGraphTime(end)
	updated, err := s.graph.UpdateOnlineMeeting(ctx, m.ID, graph.MeetingPatch{StartDateTime: &startStr, EndDateTime: &endStr})
	if err != nil {
		log.Error().Err(err).Str("meetingID", m.ID).Msg("Failed to reschedule online meeting")
		return nil, s.auth.requireAuth(ctx, ref, fmt.Errorf("failed to reschedule meeting: %w", err))
	}
	if timesChanged {
		if err := s.store.SetDocumentTimes(ctx, doc.ID, doc.StartsOn, doc.EndsOn); err != nil {
			return nil, err
		}
	}
	s.events.Publish(EventMeetingUpdated, map[string]interface{}{
		"meeting_id":     m.ID,
		"document_kind":  doc.Kind,
		"document_name":  doc.Name,
		"start_datetime": startStr,
		"end_datetime":   endStr,
	})
	return updated, nil
}

// Attendees lists the document's meeting attendees.
func (s *MeetingSyncService) Attendees(ctx context.Context, kind, name string) ([]Attendee, error) {
	m, err := s.MeetingDetails(ctx, kind, name)
	if err != nil {
		return nil, err
	}
	out := make([]Attendee, 0, len(m.Attendees()))
	for _, p := range m.Attendees() {
		a := Attendee{ID: p.UserID(), Email: p.UPN}
		if p.Identity.User != nil {
			a.DisplayName = p.Identity.User.DisplayName
		}
		if a.ID != "" {
			u, err := s.store.UserByExternalID(ctx, a.ID)
			if err == nil {
				a.Email = firstNonEmpty(a.Email, u.Email)
				a.DisplayName = firstNonEmpty(a.DisplayName, u.FullName)
			} else if !errors.Is(err, repository.ErrNotFound) {
				return nil, err
			}
		}
		out = append(out, a)
	}
	return out, nil
}

// ValidateMeetingTime checks a proposed meeting window.
func (s *MeetingSyncService) ValidateMeetingTime(start, end time.Time) error {
	return validateMeetingTime(start, end, s.now())
}

func validateMeetingTime(start, end, now time.Time) error {
	switch d := end.Sub(start); {
	case d <= 0:
		return validationf("end time must be after start time")
	case d > MaxMeetingDuration:
		return validationf("meeting cannot be longer than 24 hours")
	case d < MinMeetingDuration:
		return validationf("meeting must be at least 15 minutes long")
	}
	if start.Before(now) {
		return validationf("meeting cannot start in the past")
	}
	return nil
}

// ParseMeetingTime reads a time for ValidateMeetingTime, using loc when no zone is given.
func (s *MeetingSyncService) ParseMeetingTime(value string) (time.Time, error) {
	t, err := ParseDocumentTime(value, models.KindSpec{}, false, s.loc)
	if err != nil {
		return time.Time{}, validationf("%v", err)
	}
	if t == nil {
		return time.Time{}, validationf("time is required")
	}
	return *t, nil
}
