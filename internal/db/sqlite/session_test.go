package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thebtf/mnemo/pkg/models"
)

func TestCreateOrGetIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	sessions := NewSessionStore(store)
	ctx := context.Background()

	first, err := sessions.CreateOrGet(ctx, "sess-1", "proj", "hello")
	require.NoError(t, err)
	require.Equal(t, models.SessionActive, first.Status)

	// A second call for the same session must not create another row or
	// disturb the original prompt.
	second, err := sessions.CreateOrGet(ctx, "sess-1", "proj", "different prompt")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "hello", second.UserPrompt.String)
}

func TestIncrementPromptCounter(t *testing.T) {
	store := newTestStore(t)
	sessions := NewSessionStore(store)
	ctx := context.Background()

	_, err := sessions.CreateOrGet(ctx, "sess-1", "proj", "")
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		n, err := sessions.IncrementPromptCounter(ctx, "sess-1")
		require.NoError(t, err)
		require.Equal(t, want, n)
	}

	_, err = sessions.IncrementPromptCounter(ctx, "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestUpdateMemorySessionIDCascades(t *testing.T) {
	store := newTestStore(t)
	sessions := NewSessionStore(store)
	observations := NewObservationStore(store)
	ctx := context.Background()

	sess := seedSession(t, store, "sess-1", "synthetic-id")

	obs := models.NewObservation("synthetic-id", "proj", &models.ParsedObservation{
		Type:  models.ObsTypeDiscovery,
		Title: "queue drains in claim order",
	}, 1, 42)
	_, _, err := observations.Insert(ctx, obs, 0)
	require.NoError(t, err)

	// Rows written under the synthetic ID follow the rename to the real one.
	require.NoError(t, sessions.UpdateMemorySessionID(ctx, sess.ID, "real-id"))

	got, err := observations.ListBySession(ctx, "real-id")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "queue drains in claim order", got[0].Title.String)

	orphaned, err := observations.ListBySession(ctx, "synthetic-id")
	require.NoError(t, err)
	require.Empty(t, orphaned)
}

func TestDeleteSessionCascades(t *testing.T) {
	store := newTestStore(t)
	sessions := NewSessionStore(store)
	pending := NewPendingStore(store)
	ctx := context.Background()

	sess := seedSession(t, store, "sess-1", "mem-1")
	seedPending(t, store, sess, "Edit")

	require.NoError(t, sessions.Delete(ctx, "sess-1"))

	has, err := pending.HasWork(ctx, sess.ID)
	require.NoError(t, err)
	require.False(t, has)

	_, err = sessions.GetByContentID(ctx, "sess-1")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestReapStaleSessions(t *testing.T) {
	store := newTestStore(t)
	sessions := NewSessionStore(store)
	pending := NewPendingStore(store)
	ctx := context.Background()

	old := seedSession(t, store, "sess-old", "")
	fresh := seedSession(t, store, "sess-fresh", "")
	seedPending(t, store, old, "Edit")

	_, err := store.DB().Exec(
		"UPDATE sessions SET started_at_epoch = ? WHERE id = ?",
		time.Now().Add(-7*time.Hour).UnixMilli(), old.ID,
	)
	require.NoError(t, err)

	n, err := sessions.ReapStale(ctx, 6*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := sessions.GetByID(ctx, old.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionFailed, got.Status)

	// Queued work of the reaped session is failed, not silently dropped.
	has, err := pending.HasWork(ctx, old.ID)
	require.NoError(t, err)
	require.False(t, has)
	failed, err := pending.FailedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), failed)

	got, err = sessions.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionActive, got.Status)
}

func TestCompleteSession(t *testing.T) {
	store := newTestStore(t)
	sessions := NewSessionStore(store)
	ctx := context.Background()

	seedSession(t, store, "sess-1", "")
	require.NoError(t, sessions.Complete(ctx, "sess-1", models.SessionCompleted))

	got, err := sessions.GetByContentID(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, models.SessionCompleted, got.Status)
	require.True(t, got.CompletedAt.Valid)
}
