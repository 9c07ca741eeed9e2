package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"teamsbridge/internal/adapters/graph"
	"teamsbridge/internal/db"
	"teamsbridge/internal/models"
	"teamsbridge/internal/repository"
)

const testTenant = "11111111-2222-3333-4444-555555555555"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// fakeGraph is an in-memory stand-in for the parts of Graph the services use.
type fakeGraph struct {
	mu sync.Mutex

	users    map[string]string              // email -> id
	chats    map[string][]string            // chat id -> member ids
	messages map[string][]map[string]any    // chat id -> messages returned by list
	meetings map[string]*graph.OnlineMeeting // meeting id -> meeting

	validToken   string
	calls        map[string]int
	lastTop      string
	lastBody     map[string]any
	createdChats int
	addedMembers []string
	sent         []string
	failPatch    bool
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		users:      map[string]string{},
		chats:      map[string][]string{},
		messages:   map[string][]map[string]any{},
		meetings:   map[string]*graph.OnlineMeeting{},
		validToken: "access-1",
		calls:      map[string]int{},
	}
}

func (f *fakeGraph) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeGraph) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	key := r.Method + " /" + parts[0]
	if len(parts) > 2 {
		key += "/*/" + parts[2]
	} else if len(parts) == 2 {
		key += "/*"
	}
	if parts[0] == "me" && len(parts) > 1 {
		key = r.Method + " /me/" + parts[1]
		if len(parts) > 2 {
			key += "/*"
		}
	}
	f.calls[key]++

	if r.Header.Get("Authorization") != "Bearer "+f.validToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var body map[string]any
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}
	f.lastBody = body

	switch key {
	case "GET /me":
		writeJSON(w, http.StatusOK, map[string]string{"id": "owner-id", "mail": "owner@example.com"})
	case "GET /users/*":
		id, ok := f.users[strings.ToLower(parts[1])]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]string{"code": "Request_ResourceNotFound"}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "mail": parts[1]})
	case "GET /users":
		var value []map[string]string
		for email, id := range f.users {
			value = append(value, map[string]string{"id": id, "mail": email})
		}
		writeJSON(w, http.StatusOK, map[string]any{"value": value})
	case "POST /chats":
		f.createdChats++
		id := "chat-" + string(rune('0'+f.createdChats))
		var members []string
		for _, m := range body["members"].([]any) {
			bind := m.(map[string]any)["user@odata.bind"].(string)
			members = append(members, strings.TrimSuffix(bind[strings.Index(bind, "('")+2:], "')"))
		}
		f.chats[id] = members
		writeJSON(w, http.StatusCreated, map[string]string{"id": id, "chatType": "group"})
	case "GET /chats":
		var value []map[string]string
		for id := range f.chats {
			value = append(value, map[string]string{"id": id})
		}
		writeJSON(w, http.StatusOK, map[string]any{"value": value})
	case "GET /chats/*/members":
		var value []map[string]string
		for _, id := range f.chats[parts[1]] {
			value = append(value, map[string]string{"id": "m-" + id, "userId": id})
		}
		writeJSON(w, http.StatusOK, map[string]any{"value": value})
	case "POST /chats/*/members":
		bind := body["user@odata.bind"].(string)
		id := strings.TrimSuffix(bind[strings.Index(bind, "('")+2:], "')")
		f.chats[parts[1]] = append(f.chats[parts[1]], id)
		f.addedMembers = append(f.addedMembers, id)
		writeJSON(w, http.StatusCreated, map[string]string{"id": "m-" + id})
	case "GET /chats/*/messages":
		f.lastTop = r.URL.Query().Get("$top")
		writeJSON(w, http.StatusOK, map[string]any{"value": f.messages[parts[1]]})
	case "POST /chats/*/messages":
		content := body["body"].(map[string]any)["content"].(string)
		f.sent = append(f.sent, content)
		writeJSON(w, http.StatusCreated, map[string]any{
			"id":              "sent-" + string(rune('0'+len(f.sent))),
			"createdDateTime": "2024-03-01T08:30:00.123Z",
			"body":            map[string]string{"contentType": "html", "content": content},
			"from":            map[string]any{"user": map[string]string{"id": "owner-id", "displayName": "Owner"}},
		})
	case "POST /teams/*/channels":
		content := body["body"].(map[string]any)["content"].(string)
		f.sent = append(f.sent, content)
		writeJSON(w, http.StatusCreated, map[string]any{
			"id":              "channel-" + parts[3],
			"createdDateTime": "2024-03-01T08:30:00Z",
			"body":            map[string]string{"contentType": "html", "content": content},
		})
	case "POST /me/onlineMeetings":
		id := "meeting-" + string(rune('0'+len(f.meetings)+1))
		m := &graph.OnlineMeeting{
			ID:            id,
			Subject:       body["subject"].(string),
			StartDateTime: body["startDateTime"].(string),
			EndDateTime:   body["endDateTime"].(string),
			JoinWebURL:    "https://teams.example/join/" + id,
			Participants:  &graph.MeetingParticipants{},
		}
		if p, ok := body["participants"].(map[string]any); ok {
			for _, a := range p["attendees"].([]any) {
				uid := a.(map[string]any)["identity"].(map[string]any)["user"].(map[string]any)["id"].(string)
				m.Participants.Attendees = append(m.Participants.Attendees, graph.AttendeeFor(uid))
			}
		}
		f.meetings[id] = m
		writeJSON(w, http.StatusCreated, m)
	case "GET /me/onlineMeetings":
		filter := r.URL.Query().Get("$filter")
		var value []*graph.OnlineMeeting
		for _, m := range f.meetings {
			if strings.Contains(filter, "'"+m.JoinWebURL+"'") {
				value = append(value, m)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"value": value})
	case "GET /me/onlineMeetings/*":
		m, ok := f.meetings[parts[2]]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{})
			return
		}
		writeJSON(w, http.StatusOK, m)
	case "PATCH /me/onlineMeetings/*":
		if f.failPatch {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": map[string]string{"code": "InternalServerError"}})
			return
		}
		m, ok := f.meetings[parts[2]]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{})
			return
		}
		if p, ok := body["participants"].(map[string]any); ok {
			m.Participants = &graph.MeetingParticipants{}
			for _, a := range p["attendees"].([]any) {
				uid := a.(map[string]any)["identity"].(map[string]any)["user"].(map[string]any)["id"].(string)
				m.Participants.Attendees = append(m.Participants.Attendees, graph.AttendeeFor(uid))
			}
		}
		if s, ok := body["startDateTime"].(string); ok {
			m.StartDateTime = s
		}
		if s, ok := body["endDateTime"].(string); ok {
			m.EndDateTime = s
		}
		writeJSON(w, http.StatusOK, m)
	case "DELETE /me/onlineMeetings/*":
		if _, ok := f.meetings[parts[2]]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.meetings, parts[2])
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"unhandled": key})
	}
}

// fakeTokenEndpoint answers refresh and code grants.
type fakeTokenEndpoint struct {
	calls   int32
	handler func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeTokenEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&f.calls, 1)
	r.ParseForm()
	if f.handler != nil {
		f.handler(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"access_token": "access-2", "token_type": "Bearer", "expires_in": 3600})
}

type fixture struct {
	ctx       context.Context
	store     *repository.Store
	graphAPI  *fakeGraph
	tokenAPI  *fakeTokenEndpoint
	tokens    *TokenProvider
	client    *graph.Client
	identity  *IdentityResolver
	auth      *AuthService
	chats     *ConversationSyncService
	meetings  *MeetingSyncService
	messages  *MessageSyncService
	documents *DocumentService
	stats     *StatsService
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	gdb, err := db.Open("sqlite://" + filepath.Join(t.TempDir(), "services.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb, models.All()...))
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})
	store, err := repository.NewStore(gdb)
	require.NoError(t, err)

	f := &fixture{
		ctx:      ctx,
		store:    store,
		graphAPI: newFakeGraph(),
		tokenAPI: &fakeTokenEndpoint{},
		now:      time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	graphSrv := httptest.NewServer(f.graphAPI)
	t.Cleanup(graphSrv.Close)
	tokenSrv := httptest.NewServer(f.tokenAPI)
	t.Cleanup(tokenSrv.Close)

	require.NoError(t, store.SaveClientConfig(ctx, repository.ClientConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		TenantID:     testTenant,
		RedirectURI:  "http://localhost:8080/api/auth/callback",
	}))

	f.tokens, err = NewTokenProvider(store, tokenSrv.URL, 5*time.Second)
	require.NoError(t, err)
	f.tokens.now = func() time.Time { return f.now }

	f.client, err = graph.NewClient(graphSrv.URL, f.tokens, graph.Options{Timeout: 5 * time.Second})
	require.NoError(t, err)

	kinds, err := models.NewKindAllowList(models.KindNames())
	require.NoError(t, err)

	f.identity, err = NewIdentityResolver(store, f.client, nil)
	require.NoError(t, err)
	f.auth, err = NewAuthService(store, f.tokens, f.client, nil)
	require.NoError(t, err)
	f.auth.now = func() time.Time { return f.now }
	f.chats, err = NewConversationSyncService(store, f.client, f.identity, f.auth, kinds, nil)
	require.NoError(t, err)
	f.meetings, err = NewMeetingSyncService(store, f.client, f.identity, f.auth, kinds, time.UTC, nil)
	require.NoError(t, err)
	f.meetings.now = func() time.Time { return f.now }
	f.messages, err = NewMessageSyncService(store, f.client, f.auth, nil)
	require.NoError(t, err)
	f.messages.now = func() time.Time { return f.now }
	f.documents, err = NewDocumentService(store, kinds, time.UTC)
	require.NoError(t, err)
	f.stats, err = NewStatsService(store, nil)
	require.NoError(t, err)
	f.stats.now = func() time.Time { return f.now }

	return f
}

// authorize stores a token pair whose expiry is in after from the fixture's clock.
func (f *fixture) authorize(t *testing.T, access string, in time.Duration) {
	t.Helper()
	exp := f.now.Add(in)
	require.NoError(t, f.store.SaveTokens(f.ctx, access, "refresh-1", &exp))
}
