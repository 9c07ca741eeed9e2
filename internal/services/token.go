package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"teamsbridge/internal/models"
	"teamsbridge/internal/repository"
	"teamsbridge/pkg/httputil"
)

// ExpiryMargin is subtracted from the provider's token lifetime, and a token closer
// than this to its stored expiry is refreshed before use.
const ExpiryMargin = 5 * time.Minute

const defaultTokenLifetime = time.Hour

// DefaultScopes are requested at sign-in.
var DefaultScopes = []string{
	"User.Read",
	"OnlineMeetings.ReadWrite",
	"offline_access",
	"Chat.ReadWrite",
	"Chat.Create",
	"Chat.ReadBasic",
	"User.ReadBasic.All",
	"ChannelMessage.Send",
}

// OptionalScopes widen what the integration can see when granted by an administrator.
var OptionalScopes = []string{"Chat.ReadWrite.All", "User.Read.All"}

// refreshScope is sent with refresh requests so the new token keeps every consented permission.
const refreshScope = "https://graph.microsoft.com/.default offline_access"

// TokenProvider hands out access tokens for the authorized account and keeps them fresh.
type TokenProvider struct {
	store      *repository.Store
	authority  string
	httpClient *resty.Client
	scopes     []string
	now        func() time.Time

	mu sync.Mutex // serialises refreshes
}

// NewTokenProvider creates a provider that talks to the identity platform at authorityURL,
// e.g. https://login.microsoftonline.com.
func NewTokenProvider(store *repository.Store, authorityURL string, timeout time.Duration) (*TokenProvider, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if authorityURL == "" {
		return nil, fmt.Errorf("authority URL cannot be empty")
	}
	return &TokenProvider{
		store:      store,
		authority:  strings.TrimSuffix(authorityURL, "/"),
		httpClient: httputil.NewDefaultRestyClient(timeout),
		scopes:     DefaultScopes,
		now:        time.Now,
	}, nil
}

// Scopes returns the scopes requested at sign-in.
func (p *TokenProvider) Scopes() []string {
	return append([]string(nil), p.scopes...)
}

func configured(cred *models.Credential) bool {
	return cred.ClientID != "" && cred.ClientSecret != "" && cred.TenantID != "" && cred.RedirectURI != ""
}

func (p *TokenProvider) tokenURL(cred *models.Credential) string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/token", p.authority, cred.TenantID)
}

func (p *TokenProvider) oauthConfig(cred *models.Credential) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		RedirectURL:  cred.RedirectURI,
		Scopes:       p.scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   fmt.Sprintf("%s/%s/oauth2/v2.0/authorize", p.authority, cred.TenantID),
			TokenURL:  p.tokenURL(cred),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// Token returns a usable access token. A token whose expiry is unset, or more than
// ExpiryMargin ahead, is returned without any network call.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	cred, err := p.store.Credential(ctx)
	if err != nil {
		return "", err
	}
	if cred.AccessToken == "" {
		return "", ErrNotAuthenticated
	}
	if p.fresh(cred) {
		return cred.AccessToken, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Another caller may have refreshed while we waited.
	cred, err = p.store.Credential(ctx)
	if err != nil {
		return "", err
	}
	if cred.AccessToken == "" {
		return "", ErrNotAuthenticated
	}
	if p.fresh(cred) {
		return cred.AccessToken, nil
	}
	return p.refreshLocked(ctx, cred)
}

func (p *TokenProvider) fresh(cred *models.Credential) bool {
	if cred.TokenExpiry == nil {
		return true
	}
	return cred.TokenExpiry.Sub(p.now()) > ExpiryMargin
}

// Refresh exchanges the stored refresh token for a new access token unconditionally.
func (p *TokenProvider) Refresh(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cred, err := p.store.Credential(ctx)
	if err != nil {
		return "", err
	}
	return p.refreshLocked(ctx, cred)
}

type tokenResponse struct {
	AccessToken      string          `json:"access_token"`
	RefreshToken     string          `json:"refresh_token"`
	ExpiresIn        json.RawMessage `json:"expires_in"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

func (t *tokenResponse) lifetime() time.Duration {
	raw := strings.Trim(string(t.ExpiresIn), `"`)
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultTokenLifetime
}

func (p *TokenProvider) refreshLocked(ctx context.Context, cred *models.Credential) (string, error) {
	if cred.RefreshToken == "" {
		return "", ErrNotAuthenticated
	}
	if !configured(cred) {
		return "", ErrNotConfigured
	}

	url := p.tokenURL(cred)
	resp, err := p.httpClient.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": cred.RefreshToken,
			"client_id":     cred.ClientID,
			"client_secret": cred.ClientSecret,
			"scope":         refreshScope,
		}).
		SetResult(&tokenResponse{}).
		SetError(&tokenResponse{}).
		Post(url)
	if err != nil {
		log.Error().Err(err).Str("url", url).Msg("Token refresh request failed")
		return "", fmt.Errorf("%w: %w", ErrTokenUnavailable, err)
	}

	if resp.IsError() {
		body, _ := resp.Error().(*tokenResponse)
		code := ""
		if body != nil {
			code = body.Error
		}
		switch {
		case code == "invalid_grant" || (code == "" && resp.StatusCode() == http.StatusBadRequest):
			log.Warn().Int("statusCode", resp.StatusCode()).Str("errorCode", code).Msg("Refresh token rejected, clearing stored tokens")
			if err := p.store.ClearTokens(ctx); err != nil {
				return "", err
			}
			return "", ErrReauthRequired
		case code == "invalid_client" || code == "unauthorized_client":
			log.Error().Int("statusCode", resp.StatusCode()).Str("errorCode", code).Str("errorDescription", body.ErrorDescription).Msg("Token endpoint rejected the client registration")
			return "", fmt.Errorf("%w: %s", ErrClientRejected, code)
		}
		log.Error().Int("statusCode", resp.StatusCode()).Str("responseBody", resp.String()).Msg("Token endpoint returned an error")
		return "", fmt.Errorf("%w: status %s", ErrTokenUnavailable, resp.Status())
	}

	tr := resp.Result().(*tokenResponse)
	if tr.AccessToken == "" {
		log.Error().Str("responseBody", resp.String()).Msg("Token endpoint returned no access token")
		return "", fmt.Errorf("%w: empty access token", ErrTokenUnavailable)
	}

	expiry := p.now().Add(tr.lifetime() - ExpiryMargin).UTC()
	if err := p.store.SaveTokens(ctx, tr.AccessToken, tr.RefreshToken, &expiry); err != nil {
		return "", err
	}
	log.Info().Time("tokenExpiry", expiry).Bool("newRefreshToken", tr.RefreshToken != "").Msg("Access token refreshed")
	return tr.AccessToken, nil
}

// Exchange redeems an authorization code and stores the resulting token pair.
// A response without a refresh token is rejected and nothing is stored.
func (p *TokenProvider) Exchange(ctx context.Context, code string) error {
	if code == "" {
		return validationf("authorization code is missing")
	}
	cred, err := p.store.Credential(ctx)
	if err != nil {
		return err
	}
	if !configured(cred) {
		return ErrNotConfigured
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient.GetClient())
	tok, err := p.oauthConfig(cred).Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			log.Error().Str("errorCode", re.ErrorCode).Str("errorDescription", re.ErrorDescription).Msg("Authorization code exchange rejected")
			return validationf("authorization code rejected: %s", re.ErrorCode)
		}
		log.Error().Err(err).Msg("Authorization code exchange failed")
		return fmt.Errorf("%w: %w", ErrTokenUnavailable, err)
	}
	if tok.RefreshToken == "" {
		log.Error().Msg("Authorization code exchange returned no refresh token; is offline_access granted?")
		return validationf("no refresh token was issued; the offline_access permission is required")
	}

	lifetime := defaultTokenLifetime
	if !tok.Expiry.IsZero() {
		lifetime = time.Until(tok.Expiry)
	}
	expiry := p.now().Add(lifetime - ExpiryMargin).UTC()
	if err := p.store.SaveTokens(ctx, tok.AccessToken, tok.RefreshToken, &expiry); err != nil {
		return err
	}
	log.Info().Time("tokenExpiry", expiry).Msg("Authorization completed, tokens stored")
	return nil
}

// LoginURL returns the authorize URL carrying state.
func (p *TokenProvider) LoginURL(ctx context.Context, state string) (string, error) {
	cred, err := p.store.Credential(ctx)
	if err != nil {
		return "", err
	}
	if !configured(cred) {
		return "", ErrNotConfigured
	}
	return p.oauthConfig(cred).AuthCodeURL(state, oauth2.SetAuthURLParam("response_mode", "query")), nil
}
