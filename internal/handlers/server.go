package handlers

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"teamsbridge/internal/events"
	"teamsbridge/internal/services"
)

// Deps are the services the HTTP API exposes.
type Deps struct {
	Auth      *services.AuthService
	Tokens    *services.TokenProvider
	Identity  *services.IdentityResolver
	Documents *services.DocumentService
	Chats     *services.ConversationSyncService
	Meetings  *services.MeetingSyncService
	Messages  *services.MessageSyncService
	Stats     *services.StatsService
	// Events may be nil when event delivery is not set up.
	Events *events.Manager

	AppBaseURL string
	APIKey     string
}

// Server holds the handler dependencies.
type Server struct {
	auth      *services.AuthService
	tokens    *services.TokenProvider
	identity  *services.IdentityResolver
	documents *services.DocumentService
	chats     *services.ConversationSyncService
	meetings  *services.MeetingSyncService
	messages  *services.MessageSyncService
	stats     *services.StatsService
	events    *events.Manager

	appBaseURL string
	apiKey     string
}

// NewServer checks the dependencies and builds a Server.
func NewServer(d Deps) (*Server, error) {
	switch {
	case d.Auth == nil, d.Tokens == nil:
		return nil, fmt.Errorf("auth service and token provider are required")
	case d.Identity == nil, d.Documents == nil:
		return nil, fmt.Errorf("identity resolver and document service are required")
	case d.Chats == nil, d.Meetings == nil, d.Messages == nil:
		return nil, fmt.Errorf("chat, meeting and message services are required")
	case d.Stats == nil:
		return nil, fmt.Errorf("stats service is required")
	}
	if d.APIKey == "" {
		log.Warn().Msg("API_KEY is not set, the API is open to anyone who can reach it")
	}
	return &Server{
		auth:       d.Auth,
		tokens:     d.Tokens,
		identity:   d.Identity,
		documents:  d.Documents,
		chats:      d.Chats,
		meetings:   d.Meetings,
		messages:   d.Messages,
		stats:      d.Stats,
		events:     d.Events,
		appBaseURL: strings.TrimSuffix(d.AppBaseURL, "/"),
		apiKey:     d.APIKey,
	}, nil
}

// Routes builds the router. The OAuth callback and the health check skip the API key.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()

	c := alice.New(
		hlog.NewHandler(log.Logger),
		hlog.RemoteAddrHandler("ip"),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Stringer("url", r.URL).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("Request handled")
		}),
	)
	authed := c.Append(s.requireAPIKey)

	r.Handle("/health", c.ThenFunc(s.Health())).Methods(http.MethodGet)
	r.Handle("/api/auth/callback", c.ThenFunc(s.AuthCallback())).Methods(http.MethodGet)

	api := func(method, path string, h http.HandlerFunc) {
		r.Handle(path, authed.ThenFunc(h)).Methods(method)
	}

	api(http.MethodGet, "/api/auth/status", s.AuthStatus())
	api(http.MethodPost, "/api/auth/revoke", s.AuthRevoke())
	api(http.MethodPost, "/api/auth/reset", s.AuthReset())
	api(http.MethodGet, "/api/auth/login-url", s.LoginURL())
	api(http.MethodGet, "/api/auth/scopes", s.Scopes())

	api(http.MethodGet, "/api/settings/validate", s.ValidateSettings())
	api(http.MethodGet, "/api/settings/test", s.TestConnection())
	api(http.MethodPut, "/api/settings", s.SaveSettings())

	api(http.MethodPost, "/api/users/sync", s.SyncUsers())
	api(http.MethodPut, "/api/users/{email}", s.UpsertUser())

	api(http.MethodPut, "/api/documents/{kind}/{name}", s.UpsertDocument())
	api(http.MethodPost, "/api/documents/{kind}/{name}/chat", s.CreateChat())
	api(http.MethodPost, "/api/documents/{kind}/{name}/meeting", s.CreateMeeting())
	api(http.MethodGet, "/api/documents/{kind}/{name}/meeting", s.MeetingDetails())
	api(http.MethodDelete, "/api/documents/{kind}/{name}/meeting", s.DeleteMeeting())
	api(http.MethodPost, "/api/documents/{kind}/{name}/meeting/reschedule", s.RescheduleMeeting())
	api(http.MethodGet, "/api/documents/{kind}/{name}/meeting/attendees", s.MeetingAttendees())
	api(http.MethodPost, "/api/meetings/validate-time", s.ValidateMeetingTime())

	api(http.MethodGet, "/api/chats/export", s.ExportHistory())
	api(http.MethodPost, "/api/chats/sync", s.SyncChats())
	api(http.MethodPost, "/api/chats/{chatId}/messages", s.SendMessage())
	api(http.MethodGet, "/api/chats/{chatId}/messages", s.LocalMessages())
	api(http.MethodPost, "/api/chats/{chatId}/fetch", s.FetchMessages())
	api(http.MethodGet, "/api/chats/{chatId}/stats", s.ChatStats())
	api(http.MethodPost, "/api/channels/{teamId}/{channelId}/messages", s.PostChannelMessage())

	api(http.MethodGet, "/api/stats", s.IntegrationStats())
	api(http.MethodPost, "/api/maintenance/cleanup", s.Cleanup())

	api(http.MethodGet, "/api/events/status", s.DeliveryStatus())
	api(http.MethodPost, "/api/events/retry", s.ForceRetry())
	api(http.MethodPost, "/api/events/retry/{eventId}", s.ForceRetry())
	api(http.MethodGet, "/api/events/{eventId}", s.EventStatus())

	return r
}

// requireAPIKey checks the bearer token when an API key is configured.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			log.Warn().Str("path", r.URL.Path).Msg("Rejected request with missing or invalid API key")
			s.Respond(w, r, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Health reports that the process is serving.
func (s *Server) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Respond(w, r, http.StatusOK, map[string]string{"status": "ok"})
	}
}
