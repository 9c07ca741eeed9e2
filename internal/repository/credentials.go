package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"teamsbridge/internal/models"
)

// ClientConfig is the OAuth application registration.
type ClientConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	TenantID     string `json:"tenant_id"`
	RedirectURI  string `json:"redirect_uri"`
}

// Credential returns the single credential row, creating an empty one if absent.
// Only the first call on a fresh database writes.
func (s *Store) Credential(ctx context.Context) (*models.Credential, error) {
	var cred models.Credential
	err := s.db.WithContext(ctx).First(&cred, models.CredentialID).Error
	if err == nil {
		return &cred, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("error loading credential row: %w", err)
	}

	cred = models.Credential{ID: models.CredentialID}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&cred).Error
	if err != nil {
		return nil, fmt.Errorf("error creating credential row: %w", err)
	}
	log.Info().Msg("Created empty credential row")
	if err := s.db.WithContext(ctx).First(&cred, models.CredentialID).Error; err != nil {
		return nil, fmt.Errorf("error loading credential row: %w", notFound(err))
	}
	return &cred, nil
}

// SaveClientConfig overwrites the non-empty fields of cfg on the credential row.
// Tokens are left alone.
func (s *Store) SaveClientConfig(ctx context.Context, cfg ClientConfig) error {
	if _, err := s.Credential(ctx); err != nil {
		return err
	}
	updates := map[string]interface{}{}
	if cfg.ClientID != "" {
		updates["client_id"] = cfg.ClientID
	}
	if cfg.ClientSecret != "" {
		updates["client_secret"] = cfg.ClientSecret
	}
	if cfg.TenantID != "" {
		updates["tenant_id"] = cfg.TenantID
	}
	if cfg.RedirectURI != "" {
		updates["redirect_uri"] = cfg.RedirectURI
	}
	if len(updates) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&models.Credential{ID: models.CredentialID}).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("error saving client config: %w", err)
	}
	log.Info().Int("fieldsUpdated", len(updates)).Msg("OAuth client configuration saved")
	return nil
}

// SaveTokens stores a new access token and expiry. An empty refreshToken keeps the stored one.
func (s *Store) SaveTokens(ctx context.Context, accessToken, refreshToken string, expiry *time.Time) error {
	updates := map[string]interface{}{
		"access_token": accessToken,
		"token_expiry": expiry,
	}
	if refreshToken != "" {
		updates["refresh_token"] = refreshToken
	}
	err := s.db.WithContext(ctx).Model(&models.Credential{ID: models.CredentialID}).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("error saving tokens: %w", err)
	}
	return nil
}

// ClearTokens empties the token pair and expiry.
func (s *Store) ClearTokens(ctx context.Context) error {
	err := s.db.WithContext(ctx).Model(&models.Credential{ID: models.CredentialID}).Updates(map[string]interface{}{
		"access_token":  "",
		"refresh_token": "",
		"token_expiry":  nil,
	}).Error
	if err != nil {
		return fmt.Errorf("error clearing tokens: %w", err)
	}
	return nil
}

// SetOwner records the account that authorized the integration.
func (s *Store) SetOwner(ctx context.Context, email, externalID string) error {
	err := s.db.WithContext(ctx).Model(&models.Credential{ID: models.CredentialID}).Updates(map[string]interface{}{
		"owner_email":       NormalizeEmail(email),
		"owner_external_id": externalID,
	}).Error
	if err != nil {
		return fmt.Errorf("error saving owner: %w", err)
	}
	return nil
}

// ResetIntegration clears tokens and owner in one statement.
func (s *Store) ResetIntegration(ctx context.Context) error {
	err := s.db.WithContext(ctx).Model(&models.Credential{ID: models.CredentialID}).Updates(map[string]interface{}{
		"access_token":      "",
		"refresh_token":     "",
		"token_expiry":      nil,
		"owner_email":       "",
		"owner_external_id": "",
	}).Error
	if err != nil {
		return fmt.Errorf("error resetting integration: %w", err)
	}
	return nil
}
