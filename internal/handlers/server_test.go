package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamsbridge/internal/adapters/graph"
	"teamsbridge/internal/db"
	"teamsbridge/internal/models"
	"teamsbridge/internal/repository"
	"teamsbridge/internal/services"
)

const (
	testAPIKey = "secret-key"
	appBase    = "https://app.example"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// fakeGraph answers just enough of Graph for the handler flows.
func fakeGraph() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"id": "owner-id", "mail": "owner@example.com"})
	})
	mux.HandleFunc("/users/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/a@example.com") {
			writeJSON(w, http.StatusOK, map[string]string{"id": "A", "mail": "a@example.com"})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{})
	})
	mux.HandleFunc("/chats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]string{"id": "chat-1"})
	})
	mux.HandleFunc("/chats/chat-1/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"id":              "msg-1",
			"createdDateTime": "2024-01-01T10:00:00Z",
			"body":            map[string]string{"contentType": "html", "content": "hello"},
		})
	})
	return mux
}

type testServer struct {
	store   *repository.Store
	handler http.Handler
	auth    *services.AuthService
	tokens  *services.TokenProvider
	graph   *graph.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	gdb, err := db.Open("sqlite://" + filepath.Join(t.TempDir(), "handlers.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb, models.All()...))
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})
	store, err := repository.NewStore(gdb)
	require.NoError(t, err)
	require.NoError(t, store.SaveClientConfig(ctx, repository.ClientConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		TenantID:     "11111111-2222-3333-4444-555555555555",
		RedirectURI:  "http://localhost:8080/api/auth/callback",
	}))

	graphSrv := httptest.NewServer(fakeGraph())
	t.Cleanup(graphSrv.Close)
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token": "access-1", "refresh_token": "refresh-1", "token_type": "Bearer", "expires_in": 3600,
		})
	}))
	t.Cleanup(tokenSrv.Close)

	tokens, err := services.NewTokenProvider(store, tokenSrv.URL, 5*time.Second)
	require.NoError(t, err)
	gc, err := graph.NewClient(graphSrv.URL, tokens, graph.Options{Timeout: 5 * time.Second})
	require.NoError(t, err)
	kinds, err := models.NewKindAllowList(models.KindNames())
	require.NoError(t, err)

	identity, err := services.NewIdentityResolver(store, gc, nil)
	require.NoError(t, err)
	auth, err := services.NewAuthService(store, tokens, gc, nil)
	require.NoError(t, err)
	documents, err := services.NewDocumentService(store, kinds, time.UTC)
	require.NoError(t, err)
	chats, err := services.NewConversationSyncService(store, gc, identity, auth, kinds, nil)
	require.NoError(t, err)
	meetings, err := services.NewMeetingSyncService(store, gc, identity, auth, kinds, time.UTC, nil)
	require.NoError(t, err)
	messages, err := services.NewMessageSyncService(store, gc, auth, nil)
	require.NoError(t, err)
	stats, err := services.NewStatsService(store, nil)
	require.NoError(t, err)

	srv, err := NewServer(Deps{
		Auth:       auth,
		Tokens:     tokens,
		Identity:   identity,
		Documents:  documents,
		Chats:      chats,
		Meetings:   meetings,
		Messages:   messages,
		Stats:      stats,
		AppBaseURL: appBase,
		APIKey:     testAPIKey,
	})
	require.NoError(t, err)
	return &testServer{store: store, handler: srv.Routes(), auth: auth, tokens: tokens, graph: gc}
}

func (ts *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func (ts *testServer) authorize(t *testing.T) {
	t.Helper()
	exp := time.Now().Add(time.Hour)
	require.NoError(t, ts.store.SaveTokens(context.Background(), "access-1", "refresh-1", &exp))
}

func TestAPIKeyIsRequired(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/scopes", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/auth/scopes", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, true, env["success"])
	assert.Contains(t, rec.Body.String(), "offline_access")
}

func TestCallbackProviderErrorRedirects(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/callback?error=access_denied&error_description=no", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, appBase+"/app/teams-settings?teams_authentication_status=error", rec.Header().Get("Location"))
}

func TestCallbackUnknownStateRedirectsToSettings(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/callback?code=abc&state=forged", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "teams_authentication_status=error")

	cred, err := ts.store.Credential(context.Background())
	require.NoError(t, err)
	assert.False(t, cred.HasTokens())
}

func TestCallbackSuccessReturnsToDocument(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/auth/login-url?doc_type=event&doc_name=EV%2F1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeEnvelope(t, rec)["data"].(map[string]interface{})
	u, err := url.Parse(data["login_url"].(string))
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/callback?code=abc&state="+state, nil)
	cb := httptest.NewRecorder()
	ts.handler.ServeHTTP(cb, req)

	assert.Equal(t, http.StatusFound, cb.Code)
	assert.Equal(t, appBase+"/app/event/EV%2F1?teams_authentication_status=success", cb.Header().Get("Location"))

	cred, err := ts.store.Credential(context.Background())
	require.NoError(t, err)
	assert.True(t, cred.HasTokens())
	assert.Equal(t, "owner-id", cred.OwnerExternalID)
}

func TestCallbackRedeemsStateIssuedByAnotherProcess(t *testing.T) {
	ts := newTestServer(t)

	// A separate service on the same database stands in for the login-url command.
	cli, err := services.NewAuthService(ts.store, ts.tokens, ts.graph, nil)
	require.NoError(t, err)
	loginURL, err := cli.LoginURL(context.Background(), &services.DocumentRef{Kind: "Project", Name: "PRJ-7"})
	require.NoError(t, err)
	u, err := url.Parse(loginURL)
	require.NoError(t, err)
	state := u.Query().Get("state")

	req := httptest.NewRequest(http.MethodGet, "/api/auth/callback?code=abc&state="+state, nil)
	cb := httptest.NewRecorder()
	ts.handler.ServeHTTP(cb, req)
	assert.Equal(t, http.StatusFound, cb.Code)
	assert.Equal(t, appBase+"/app/project/PRJ-7?teams_authentication_status=success", cb.Header().Get("Location"))

	cred, err := ts.store.Credential(context.Background())
	require.NoError(t, err)
	assert.True(t, cred.HasTokens())

	// A state is single use.
	replay := httptest.NewRecorder()
	ts.handler.ServeHTTP(replay, httptest.NewRequest(http.MethodGet, "/api/auth/callback?code=abc&state="+state, nil))
	assert.Equal(t, appBase+"/app/teams-settings?teams_authentication_status=error", replay.Header().Get("Location"))
}

func TestCallbackWithoutStateLandsOnSettings(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/callback?code=abc", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, appBase+"/app/teams-settings?teams_authentication_status=success", rec.Header().Get("Location"))

	cred, err := ts.store.Credential(context.Background())
	require.NoError(t, err)
	assert.True(t, cred.HasTokens())
	assert.Equal(t, "owner@example.com", cred.OwnerEmail)
}

func TestLoginURLWithQRCode(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/auth/login-url?qr=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeEnvelope(t, rec)["data"].(map[string]interface{})
	assert.True(t, strings.HasPrefix(data["qr_code"].(string), "data:image/png;base64,"))
}

func TestCreateChatWithoutAuthorizationReturnsLoginURL(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPut, "/api/documents/Event/EV-1", `{"subject":"Kickoff","participants":["a@example.com"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/documents/Event/EV-1/chat", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, false, env["success"])
	assert.Contains(t, env["login_url"], "/oauth2/v2.0/authorize")
}

func TestCreateChatAndSendMessage(t *testing.T) {
	ts := newTestServer(t)
	ts.authorize(t)
	rec := ts.do(t, http.MethodPut, "/api/documents/Event/EV-1", `{"subject":"Kickoff","participants":["a@example.com"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/documents/Event/EV-1/chat", `{}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	data := decodeEnvelope(t, rec)["data"].(map[string]interface{})
	assert.Equal(t, "chat-1", data["chat_id"])

	rec = ts.do(t, http.MethodPost, "/api/chats/chat-1/messages", `{"message":"hello"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/chats/chat-1/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decodeEnvelope(t, rec)["data"].([]interface{})
	require.Len(t, msgs, 1)
	first := msgs[0].(map[string]interface{})
	assert.Equal(t, models.DirectionOutbound, first["direction"])
	assert.Equal(t, "msg-1", first["message_id"])
	assert.Equal(t, "chat-1", first["chat_id"])
	assert.Contains(t, first, "sent_at")
	assert.NotContains(t, first, "MessageID")

	rec = ts.do(t, http.MethodGet, "/api/chats/export?format=csv&chat_id=chat-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".csv")
	assert.Contains(t, rec.Body.String(), "msg-1")
}

func TestUnsupportedDocumentKindIsBadRequest(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/documents/Invoice/INV-1/chat", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCleanupValidatesDays(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/maintenance/cleanup", `{"days":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/maintenance/cleanup", `{"days":30}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestValidateMeetingTimeEndpoint(t *testing.T) {
	ts := newTestServer(t)
	start := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Minute)

	body := `{"start":"` + start.Format(time.RFC3339) + `","end":"` + start.Add(5*time.Minute).Format(time.RFC3339) + `"}`
	rec := ts.do(t, http.MethodPost, "/api/meetings/validate-time", body)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeEnvelope(t, rec)["data"].(map[string]interface{})
	assert.Equal(t, false, data["valid"])
	assert.Contains(t, data["message"], "15 minutes")
}

func TestEventsEndpointsWithoutManager(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/events/status", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
