package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	"teamsbridge/internal/models"
)

// UserByEmail returns the local user with that email or ErrNotFound.
func (s *Store) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := s.db.WithContext(ctx).Where("email = ?", NormalizeEmail(email)).First(&u).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// UpsertUser creates a local user or updates its display name.
func (s *Store) UpsertUser(ctx context.Context, email, fullName string) (*models.User, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("email cannot be empty")
	}
	u := models.User{Email: email, FullName: fullName}
	onConflict := clause.OnConflict{Columns: []clause.Column{{Name: "email"}}, DoNothing: true}
	if fullName != "" {
		onConflict = clause.OnConflict{
			Columns:   []clause.Column{{Name: "email"}},
			DoUpdates: clause.AssignmentColumns([]string{"full_name", "updated_at"}),
		}
	}
	if err := s.db.WithContext(ctx).Clauses(onConflict).Create(&u).Error; err != nil {
		return nil, fmt.Errorf("error upserting user %s: %w", email, err)
	}
	return s.UserByEmail(ctx, email)
}

// SetExternalID stores the directory id for email, creating the user row if it does not exist.
func (s *Store) SetExternalID(ctx context.Context, email, externalID string) error {
	email = NormalizeEmail(email)
	u := models.User{Email: email, ExternalID: externalID}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoUpdates: clause.AssignmentColumns([]string{"external_id", "updated_at"}),
	}).Create(&u).Error
	if err != nil {
		return fmt.Errorf("error saving external id for %s: %w", email, err)
	}
	return nil
}

// UpdateExternalIDIfExists sets the directory id only on an existing user.
// It reports whether a row was updated.
func (s *Store) UpdateExternalIDIfExists(ctx context.Context, email, externalID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.User{}).
		Where("email = ?", NormalizeEmail(email)).
		Update("external_id", externalID)
	if res.Error != nil {
		return false, fmt.Errorf("error updating external id for %s: %w", email, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ListUsers returns every local user ordered by email.
func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := s.db.WithContext(ctx).Order("email").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("error listing users: %w", err)
	}
	return users, nil
}

// UserByExternalID returns the local user linked to a directory id or ErrNotFound.
func (s *Store) UserByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	var u models.User
	err := s.db.WithContext(ctx).Where("external_id = ?", externalID).First(&u).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}
