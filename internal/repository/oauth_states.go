package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"teamsbridge/internal/models"
)

// SaveOAuthState stores a pending sign-in and prunes the ones that expired before now.
func (s *Store) SaveOAuthState(ctx context.Context, st models.OAuthState, now time.Time) error {
	pruned := s.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&models.OAuthState{})
	if pruned.Error != nil {
		log.Warn().Err(pruned.Error).Msg("Failed to prune expired OAuth states")
	} else if pruned.RowsAffected > 0 {
		log.Debug().Int64("pruned", pruned.RowsAffected).Msg("Pruned expired OAuth states")
	}

	if err := s.db.WithContext(ctx).Create(&st).Error; err != nil {
		return fmt.Errorf("error saving OAuth state: %w", err)
	}
	return nil
}

// ConsumeOAuthState redeems a state exactly once. Unknown, already used and expired
// states return ErrNotFound.
func (s *Store) ConsumeOAuthState(ctx context.Context, state string, now time.Time) (*models.OAuthState, error) {
	var st models.OAuthState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("state = ?", state).First(&st).Error; err != nil {
			return notFound(err)
		}
		res := tx.Where("state = ?", state).Delete(&models.OAuthState{})
		if res.Error != nil {
			return res.Error
		}
		// A concurrent callback redeemed it first.
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error consuming OAuth state: %w", err)
	}
	if !st.ExpiresAt.After(now) {
		return nil, ErrNotFound
	}
	return &st, nil
}
