package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"teamsbridge/internal/models"
	"teamsbridge/internal/repository"
)

// DocumentRef names a business document.
type DocumentRef struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// IsZero reports whether the ref names nothing.
func (r DocumentRef) IsZero() bool {
	return r.Kind == "" && r.Name == ""
}

// DocumentFields is what callers send when saving a document. Times may be RFC 3339,
// a zone-less date-time (read in the default timezone) or a bare date.
type DocumentFields struct {
	Subject      string   `json:"subject"`
	StartsOn     string   `json:"starts_on"`
	EndsOn       string   `json:"ends_on"`
	Participants []string `json:"participants"`
	// ParticipantUsers maps a participant email to the local user it belongs to, when different.
	ParticipantUsers map[string]string `json:"participant_users,omitempty"`
}

// DocumentService stores the documents chats and meetings are attached to.
type DocumentService struct {
	store *repository.Store
	kinds models.KindAllowList
	loc   *time.Location
}

// NewDocumentService creates the service. loc is used for times without a zone.
func NewDocumentService(store *repository.Store, kinds models.KindAllowList, loc *time.Location) (*DocumentService, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if loc == nil {
		loc = time.UTC
	}
	return &DocumentService{store: store, kinds: kinds, loc: loc}, nil
}

// Upsert saves a document and its participants.
func (s *DocumentService) Upsert(ctx context.Context, kind, name string, f DocumentFields) (*models.Document, error) {
	ks, ok := s.kinds.Get(kind)
	if !ok {
		return nil, validationf("document type %q is not supported", kind)
	}
	if strings.TrimSpace(name) == "" {
		return nil, validationf("document name is required")
	}

	in := repository.DocumentInput{Subject: f.Subject}
	var err error
	if in.StartsOn, err = ParseDocumentTime(f.StartsOn, ks, false, s.loc); err != nil {
		return nil, validationf("starts_on: %v", err)
	}
	if in.EndsOn, err = ParseDocumentTime(f.EndsOn, ks, true, s.loc); err != nil {
		return nil, validationf("ends_on: %v", err)
	}
	for _, email := range f.Participants {
		if repository.NormalizeEmail(email) == "" {
			continue
		}
		in.Participants = append(in.Participants, models.DocumentParticipant{
			Email:     email,
			UserEmail: f.ParticipantUsers[email],
		})
	}
	return s.store.UpsertDocument(ctx, ks.Kind, name, in)
}

// Get loads a document of a supported kind.
func (s *DocumentService) Get(ctx context.Context, kind, name string) (*models.Document, error) {
	return loadDocument(ctx, s.store, s.kinds, kind, name)
}

func loadDocument(ctx context.Context, store *repository.Store, kinds models.KindAllowList, kind, name string) (*models.Document, error) {
	ks, ok := kinds.Get(kind)
	if !ok {
		return nil, validationf("document type %q is not supported", kind)
	}
	doc, err := store.Document(ctx, ks.Kind, name)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, validationf("%s %q not found", ks.Kind, name)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

var zonelessLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// ParseDocumentTime reads a document time. An empty value yields nil. A bare date gets the
// kind's business hours: start of day for starts, end of day for ends.
func ParseDocumentTime(value string, ks models.KindSpec, isEnd bool, loc *time.Location) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		t = t.UTC()
		return &t, nil
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	d, err := time.ParseInLocation("2006-01-02", value, loc)
	if err != nil {
		return nil, fmt.Errorf("unrecognised time %q", value)
	}
	h, m := ks.DayStartHour, ks.DayStartMinute
	if isEnd {
		h, m = ks.DayEndHour, ks.DayEndMinute
	}
	t := time.Date(d.Year(), d.Month(), d.Day(), h, m, 0, 0, loc).UTC()
	return &t, nil
}
