package repository_test

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"teamsbridge/internal/db"
	"teamsbridge/internal/models"
	"teamsbridge/internal/repository"
)

func newTestStore(t *testing.T) *repository.Store {
	t.Helper()
	gdb, err := db.Open("sqlite://" + filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb, models.All()...))
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})
	store, err := repository.NewStore(gdb)
	require.NoError(t, err)
	return store
}

func TestCredentialIsSingleton(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c1, err := store.Credential(ctx)
	require.NoError(t, err)
	c2, err := store.Credential(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(models.CredentialID), c1.ID)
	assert.Equal(t, c1.ID, c2.ID)

	var n int64
	require.NoError(t, store.DB().Model(&models.Credential{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestCredentialReadsDoNotWrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var creates int32
	require.NoError(t, store.DB().Callback().Create().After("gorm:create").Register("test:count_creates", func(*gorm.DB) {
		atomic.AddInt32(&creates, 1)
	}))

	for i := 0; i < 5; i++ {
		_, err := store.Credential(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&creates))
}

func TestOAuthStateIsRedeemedOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveOAuthState(ctx, models.OAuthState{
		State:        "s-1",
		DocumentKind: "Event",
		DocumentName: "EV/1",
		ExpiresAt:    now.Add(10 * time.Minute),
	}, now))

	// Another store on the same database sees the state.
	other, err := repository.NewStore(store.DB())
	require.NoError(t, err)
	st, err := other.ConsumeOAuthState(ctx, "s-1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "Event", st.DocumentKind)
	assert.Equal(t, "EV/1", st.DocumentName)

	_, err = store.ConsumeOAuthState(ctx, "s-1", now.Add(time.Minute))
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = store.ConsumeOAuthState(ctx, "unknown", now)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestOAuthStateExpiresAndIsPruned(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveOAuthState(ctx, models.OAuthState{State: "old", ExpiresAt: now.Add(time.Minute)}, now))
	_, err := store.ConsumeOAuthState(ctx, "old", now.Add(2*time.Minute))
	assert.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, store.SaveOAuthState(ctx, models.OAuthState{State: "stale", ExpiresAt: now.Add(time.Minute)}, now))
	require.NoError(t, store.SaveOAuthState(ctx, models.OAuthState{State: "fresh", ExpiresAt: now.Add(time.Hour)}, now.Add(2*time.Minute)))

	var n int64
	require.NoError(t, store.DB().Model(&models.OAuthState{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestSaveTokensKeepsRefreshTokenWhenNoneIssued(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Credential(ctx)
	require.NoError(t, err)

	exp := time.Now().Add(time.Hour).UTC()
	require.NoError(t, store.SaveTokens(ctx, "access-1", "refresh-1", &exp))
	require.NoError(t, store.SaveTokens(ctx, "access-2", "", &exp))

	cred, err := store.Credential(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-2", cred.AccessToken)
	assert.Equal(t, "refresh-1", cred.RefreshToken)

	require.NoError(t, store.ClearTokens(ctx))
	cred, err = store.Credential(ctx)
	require.NoError(t, err)
	assert.False(t, cred.HasTokens())
	assert.Empty(t, cred.RefreshToken)
	assert.Nil(t, cred.TokenExpiry)
}

func TestSetExternalIDCreatesUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetExternalID(ctx, " Alice@Example.com ", "ext-a"))
	u, err := store.UserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "ext-a", u.ExternalID)

	updated, err := store.UpdateExternalIDIfExists(ctx, "nobody@example.com", "ext-x")
	require.NoError(t, err)
	assert.False(t, updated)

	_, err = store.UserByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestInsertMessageIfAbsentIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	msg := func() *models.ChatMessage {
		return &models.ChatMessage{
			MessageID: "m-1",
			ChatID:    "chat-1",
			Body:      "hello",
			SentAt:    time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
			Direction: models.DirectionInbound,
		}
	}

	var inserted int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.InsertMessageIfAbsent(ctx, msg())
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&inserted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), inserted)
	msgs, err := store.ListMessages(ctx, repository.MessageQuery{ChatID: "chat-1"})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestMessageCountsAndCleanup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	seed := []models.ChatMessage{
		{MessageID: "a", ChatID: "c1", SenderID: "u1", SentAt: now.Add(-40 * 24 * time.Hour), Direction: models.DirectionInbound},
		{MessageID: "b", ChatID: "c1", SenderID: "u2", SentAt: now.Add(-time.Hour), Direction: models.DirectionOutbound},
		{MessageID: "c", ChatID: "c2", SenderID: "u1", SentAt: now, Direction: models.DirectionInbound},
	}
	for i := range seed {
		_, err := store.InsertMessageIfAbsent(ctx, &seed[i])
		require.NoError(t, err)
	}

	counts, err := store.MessageCounts(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts.Total)
	assert.Equal(t, int64(2), counts.Inbound)
	assert.Equal(t, int64(1), counts.Outbound)
	assert.Equal(t, int64(2), counts.UniqueChats)

	top, err := store.TopChats(ctx, 5)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "c1", top[0].ChatID)

	deleted, err := store.DeleteMessagesBefore(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	first, last, err := store.MessageSpan(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.True(t, first.Equal(*last))
}

func TestUpsertDocumentReplacesParticipants(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc, err := store.UpsertDocument(ctx, "Event", "EV-1", repository.DocumentInput{
		Subject:      "Kickoff",
		Participants: []models.DocumentParticipant{{Email: "a@example.com"}, {Email: "b@example.com"}},
	})
	require.NoError(t, err)
	require.NoError(t, store.SetDocumentChat(ctx, doc.ID, "chat-9"))

	doc, err = store.UpsertDocument(ctx, "Event", "EV-1", repository.DocumentInput{
		Subject:      "Kickoff v2",
		Participants: []models.DocumentParticipant{{Email: "C@example.com"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Kickoff v2", doc.Subject)
	assert.Equal(t, "chat-9", doc.ChatID)
	require.Len(t, doc.Participants, 1)
	assert.Equal(t, "c@example.com", doc.Participants[0].Email)
}
