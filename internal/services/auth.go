package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"teamsbridge/config"
	"teamsbridge/internal/adapters/graph"
	"teamsbridge/internal/models"
	"teamsbridge/internal/repository"
)

// StateTTL is how long a sign-in state value stays redeemable.
const StateTTL = 10 * time.Minute

// AuthService drives the sign-in flow and reports on the integration's authorization.
type AuthService struct {
	store  *repository.Store
	tokens *TokenProvider
	graph  *graph.Client
	events Publisher
	now    func() time.Time
}

// NewAuthService wires the sign-in flow.
func NewAuthService(store *repository.Store, tokens *TokenProvider, gc *graph.Client, events Publisher) (*AuthService, error) {
	if store == nil || tokens == nil || gc == nil {
		return nil, fmt.Errorf("store, token provider and graph client are required")
	}
	return &AuthService{
		store:  store,
		tokens: tokens,
		graph:  gc,
		events: publisherOrNop(events),
		now:    time.Now,
	}, nil
}

// LoginURL issues a one-time state and returns the authorize URL carrying it.
// ref, when set, is where the callback sends the user afterwards. The state is stored,
// so any process sharing the database can redeem it.
func (a *AuthService) LoginURL(ctx context.Context, ref *DocumentRef) (string, error) {
	state := uuid.NewString()
	u, err := a.tokens.LoginURL(ctx, state)
	if err != nil {
		return "", err
	}
	now := a.now().UTC()
	st := models.OAuthState{State: state, ExpiresAt: now.Add(StateTTL)}
	if ref != nil {
		st.DocumentKind = ref.Kind
		st.DocumentName = ref.Name
	}
	if err := a.store.SaveOAuthState(ctx, st, now); err != nil {
		return "", err
	}
	return u, nil
}

// ConsumeState redeems a state value. ok is false for unknown, used or expired states.
func (a *AuthService) ConsumeState(ctx context.Context, state string) (ref DocumentRef, ok bool, err error) {
	if state == "" {
		return DocumentRef{}, false, nil
	}
	st, err := a.store.ConsumeOAuthState(ctx, state, a.now().UTC())
	if errors.Is(err, repository.ErrNotFound) {
		return DocumentRef{}, false, nil
	}
	if err != nil {
		return DocumentRef{}, false, err
	}
	return DocumentRef{Kind: st.DocumentKind, Name: st.DocumentName}, true, nil
}

// requireAuth converts an authentication failure into an AuthRequiredError that carries a sign-in link.
func (a *AuthService) requireAuth(ctx context.Context, ref *DocumentRef, err error) error {
	if err == nil || !errors.Is(err, graph.ErrAuthRequired) {
		return err
	}
	var already *AuthRequiredError
	if errors.As(err, &already) {
		return err
	}
	loginURL, urlErr := a.LoginURL(ctx, ref)
	if urlErr != nil {
		log.Warn().Err(urlErr).Msg("Could not build login URL for authentication error")
	}
	return &AuthRequiredError{LoginURL: loginURL, Err: err}
}

// CompleteAuthorization redeems the code, then records the signed-in account as the owner
// and links its directory id to the local user with the same email.
func (a *AuthService) CompleteAuthorization(ctx context.Context, code string) (*graph.User, error) {
	if err := a.tokens.Exchange(ctx, code); err != nil {
		return nil, err
	}
	me, err := a.graph.Me(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load signed-in account after authorization")
		return nil, err
	}
	email := accountEmail(me)
	if email != "" {
		if err := a.store.SetExternalID(ctx, email, me.ID); err != nil {
			return nil, err
		}
	}
	if err := a.store.SetOwner(ctx, email, me.ID); err != nil {
		return nil, err
	}
	log.Info().Str("ownerEmail", email).Str("ownerID", me.ID).Msg("Integration authorized")
	a.events.Publish(EventAuthConnected, map[string]interface{}{"owner_email": email, "owner_id": me.ID})
	return me, nil
}

func accountEmail(u *graph.User) string {
	if u.Mail != "" {
		return repository.NormalizeEmail(u.Mail)
	}
	return repository.NormalizeEmail(u.UserPrincipalName)
}

// AuthStatus summarises the integration's authorization.
type AuthStatus struct {
	Configured      bool       `json:"configured"`
	Authenticated   bool       `json:"authenticated"`
	TokenExpiry     *time.Time `json:"token_expiry,omitempty"`
	OwnerEmail      string     `json:"owner_email,omitempty"`
	ConnectionValid bool       `json:"connection_valid"`
	Error           string     `json:"error,omitempty"`
}

// Status reports configuration and, when authorized, whether the API accepts our token.
func (a *AuthService) Status(ctx context.Context) (*AuthStatus, error) {
	cred, err := a.store.Credential(ctx)
	if err != nil {
		return nil, err
	}
	st := &AuthStatus{
		Configured:    configured(cred),
		Authenticated: cred.HasTokens(),
		TokenExpiry:   cred.TokenExpiry,
		OwnerEmail:    cred.OwnerEmail,
	}
	if !st.Authenticated {
		return st, nil
	}
	if _, err := a.graph.Me(ctx); err != nil {
		st.Error = err.Error()
		// A rejected refresh clears tokens.
		if errors.Is(err, graph.ErrAuthRequired) {
			if cred, err := a.store.Credential(ctx); err == nil {
				st.Authenticated = cred.HasTokens()
			}
		}
		return st, nil
	}
	st.ConnectionValid = true
	return st, nil
}

// Revoke forgets the stored tokens. The owner link is kept.
func (a *AuthService) Revoke(ctx context.Context) error {
	if err := a.store.ClearTokens(ctx); err != nil {
		return err
	}
	log.Info().Msg("Stored tokens revoked")
	a.events.Publish(EventAuthRevoked, map[string]interface{}{"reset": false})
	return nil
}

// Reset forgets tokens and the owner.
func (a *AuthService) Reset(ctx context.Context) error {
	if err := a.store.ResetIntegration(ctx); err != nil {
		return err
	}
	log.Info().Msg("Integration reset")
	a.events.Publish(EventAuthRevoked, map[string]interface{}{"reset": true})
	return nil
}

// SettingsReport lists configuration problems.
type SettingsReport struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// ValidateClientConfig checks a client registration without saving it.
func ValidateClientConfig(cfg repository.ClientConfig) *SettingsReport {
	r := &SettingsReport{Errors: []string{}, Warnings: []string{}}
	if cfg.ClientID == "" {
		r.Errors = append(r.Errors, "client id is required")
	}
	if cfg.ClientSecret == "" {
		r.Errors = append(r.Errors, "client secret is required")
	}
	switch {
	case cfg.TenantID == "":
		r.Errors = append(r.Errors, "tenant id is required")
	case !config.IsGUID(cfg.TenantID):
		r.Warnings = append(r.Warnings, "tenant id does not look like a GUID")
	}
	switch {
	case cfg.RedirectURI == "":
		r.Errors = append(r.Errors, "redirect URI is required")
	case !strings.HasPrefix(cfg.RedirectURI, "http://") && !strings.HasPrefix(cfg.RedirectURI, "https://"):
		r.Errors = append(r.Errors, "redirect URI must start with http:// or https://")
	case strings.HasPrefix(cfg.RedirectURI, "http://"):
		r.Warnings = append(r.Warnings, "redirect URI is not HTTPS")
	}
	r.Valid = len(r.Errors) == 0
	return r
}

// ValidateSettings checks the stored client registration.
func (a *AuthService) ValidateSettings(ctx context.Context) (*SettingsReport, error) {
	cred, err := a.store.Credential(ctx)
	if err != nil {
		return nil, err
	}
	return ValidateClientConfig(repository.ClientConfig{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		TenantID:     cred.TenantID,
		RedirectURI:  cred.RedirectURI,
	}), nil
}

// SaveSettings stores a client registration after merging it over the current one and validating the result.
func (a *AuthService) SaveSettings(ctx context.Context, cfg repository.ClientConfig) (*SettingsReport, error) {
	cred, err := a.store.Credential(ctx)
	if err != nil {
		return nil, err
	}
	merged := repository.ClientConfig{
		ClientID:     firstNonEmpty(cfg.ClientID, cred.ClientID),
		ClientSecret: firstNonEmpty(cfg.ClientSecret, cred.ClientSecret),
		TenantID:     firstNonEmpty(cfg.TenantID, cred.TenantID),
		RedirectURI:  firstNonEmpty(cfg.RedirectURI, cred.RedirectURI),
	}
	report := ValidateClientConfig(merged)
	if !report.Valid {
		return report, &ValidationError{Message: strings.Join(report.Errors, "; ")}
	}
	if err := a.store.SaveClientConfig(ctx, cfg); err != nil {
		return nil, err
	}
	return report, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// CheckResult is the outcome of one connection check.
type CheckResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// TestConnection exercises the permissions the integration needs: profile, chats and meetings.
// The meeting check creates a short meeting and deletes it again.
func (a *AuthService) TestConnection(ctx context.Context) ([]CheckResult, error) {
	cred, err := a.store.Credential(ctx)
	if err != nil {
		return nil, err
	}
	if !configured(cred) {
		return nil, ErrNotConfigured
	}
	if !cred.HasTokens() {
		return nil, a.requireAuth(ctx, nil, ErrNotAuthenticated)
	}

	results := make([]CheckResult, 0, 3)
	record := func(name string, err error) {
		r := CheckResult{Name: name, OK: err == nil}
		if err != nil {
			r.Error = err.Error()
		}
		results = append(results, r)
	}

	_, err = a.graph.Me(ctx)
	record("profile", err)
	if errors.Is(err, graph.ErrAuthRequired) {
		return results, a.requireAuth(ctx, nil, err)
	}

	record("chats", a.graph.ProbeChats(ctx))

	start := a.now().UTC().Add(time.Hour).Truncate(time.Minute)
	m, err := a.graph.CreateOnlineMeeting(ctx, graph.MeetingRequest{
		Subject:       "Connection test",
		StartDateTime: FormatGraphTime(start),
		EndDateTime:   FormatGraphTime(start.Add(15 * time.Minute)),
	})
	if err == nil {
		err = a.graph.DeleteOnlineMeeting(ctx, m.ID)
	}
	record("meetings", err)

	return results, nil
}
