package services

import (
	"errors"
	"fmt"

	"teamsbridge/internal/adapters/graph"
)

var (
	// ErrNotConfigured means the OAuth client registration is incomplete.
	ErrNotConfigured = errors.New("integration is not configured")
	// ErrNotAuthenticated means no account has authorized the integration yet.
	ErrNotAuthenticated = fmt.Errorf("no authorized account: %w", graph.ErrAuthRequired)
	// ErrReauthRequired means the token endpoint rejected the refresh token. Tokens have been cleared.
	ErrReauthRequired = fmt.Errorf("refresh token rejected: %w", graph.ErrAuthRequired)
	// ErrClientRejected means the token endpoint refused the client id or secret. Stored tokens are untouched.
	ErrClientRejected = fmt.Errorf("client credentials rejected: %w", ErrNotConfigured)
	// ErrTokenUnavailable means the token endpoint could not be reached. Stored tokens are untouched.
	ErrTokenUnavailable = fmt.Errorf("token endpoint unavailable: %w", graph.ErrTransient)
)

// AuthRequiredError tells the caller to send the user through the sign-in flow.
type AuthRequiredError struct {
	LoginURL string
	Err      error
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("authentication required: %v", e.Err)
}

func (e *AuthRequiredError) Unwrap() error {
	return e.Err
}

// ValidationError is a caller mistake; the message is safe to show to users.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationf(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
