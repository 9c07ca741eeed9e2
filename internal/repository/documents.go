package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"teamsbridge/internal/models"
)

// DocumentInput is the caller-owned part of a document.
type DocumentInput struct {
	Subject      string
	StartsOn     *time.Time
	EndsOn       *time.Time
	Participants []models.DocumentParticipant
}

// Document loads a document with its participants or returns ErrNotFound.
func (s *Store) Document(ctx context.Context, kind, name string) (*models.Document, error) {
	var doc models.Document
	err := s.db.WithContext(ctx).
		Preload("Participants").
		Where("kind = ? AND name = ?", kind, name).
		First(&doc).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &doc, nil
}

// UpsertDocument creates or updates a document and replaces its participant list.
// Chat and meeting links are preserved.
func (s *Store) UpsertDocument(ctx context.Context, kind, name string, in DocumentInput) (*models.Document, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc models.Document
		err := tx.Where("kind = ? AND name = ?", kind, name).First(&doc).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			doc = models.Document{Kind: kind, Name: name, Subject: in.Subject, StartsOn: in.StartsOn, EndsOn: in.EndsOn}
			if err := tx.Create(&doc).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			err = tx.Model(&doc).Updates(map[string]interface{}{
				"subject":   in.Subject,
				"starts_on": in.StartsOn,
				"ends_on":   in.EndsOn,
			}).Error
			if err != nil {
				return err
			}
		}

		if err := tx.Where("document_id = ?", doc.ID).Delete(&models.DocumentParticipant{}).Error; err != nil {
			return err
		}
		for _, p := range in.Participants {
			p.ID = 0
			p.DocumentID = doc.ID
			p.Email = NormalizeEmail(p.Email)
			p.UserEmail = NormalizeEmail(p.UserEmail)
			if err := tx.Create(&p).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error saving document %s/%s: %w", kind, name, err)
	}
	return s.Document(ctx, kind, name)
}

// SetDocumentChat links a chat to a document.
func (s *Store) SetDocumentChat(ctx context.Context, documentID uint, chatID string) error {
	err := s.db.WithContext(ctx).Model(&models.Document{ID: documentID}).Update("chat_id", chatID).Error
	if err != nil {
		return fmt.Errorf("error saving chat id on document %d: %w", documentID, err)
	}
	return nil
}

// SetDocumentMeeting links a meeting to a document. Empty values clear the link.
func (s *Store) SetDocumentMeeting(ctx context.Context, documentID uint, meetingID, joinURL string) error {
	err := s.db.WithContext(ctx).Model(&models.Document{ID: documentID}).Updates(map[string]interface{}{
		"meeting_id":  meetingID,
		"meeting_url": joinURL,
	}).Error
	if err != nil {
		return fmt.Errorf("error saving meeting on document %d: %w", documentID, err)
	}
	return nil
}

// SetDocumentTimes overwrites a document's start and end.
func (s *Store) SetDocumentTimes(ctx context.Context, documentID uint, startsOn, endsOn *time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.Document{ID: documentID}).Updates(map[string]interface{}{
		"starts_on": startsOn,
		"ends_on":   endsOn,
	}).Error
	if err != nil {
		return fmt.Errorf("error saving times on document %d: %w", documentID, err)
	}
	return nil
}
