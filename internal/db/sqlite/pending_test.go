package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thebtf/mnemo/pkg/models"
)

const testStaleAfter = 60 * time.Second

func TestEnqueueClaimConfirm(t *testing.T) {
	store := newTestStore(t)
	sess := seedSession(t, store, "sess-1", "")
	pending := NewPendingStore(store)
	ctx := context.Background()

	id := seedPending(t, store, sess, "Edit")

	msg, err := pending.ClaimNext(ctx, sess.ID, testStaleAfter)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, id, msg.ID)
	require.Equal(t, models.PendingStatusProcessing, msg.Status)
	require.Equal(t, "Edit", msg.ToolName)
	require.NotZero(t, msg.StartedProcessingAt)

	require.NoError(t, pending.ConfirmProcessed(ctx, msg.ID))

	// Nothing left to claim.
	msg, err = pending.ClaimNext(ctx, sess.ID, testStaleAfter)
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestClaimIsExclusivePerSession(t *testing.T) {
	store := newTestStore(t)
	sess := seedSession(t, store, "sess-1", "")
	pending := NewPendingStore(store)
	ctx := context.Background()

	seedPending(t, store, sess, "Edit")
	seedPending(t, store, sess, "Bash")

	first, err := pending.ClaimNext(ctx, sess.ID, testStaleAfter)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Second claim must refuse while the first is still processing.
	second, err := pending.ClaimNext(ctx, sess.ID, testStaleAfter)
	require.NoError(t, err)
	require.Nil(t, second)

	require.NoError(t, pending.ConfirmProcessed(ctx, first.ID))

	second, err = pending.ClaimNext(ctx, sess.ID, testStaleAfter)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.Equal(t, "Bash", second.ToolName)
}

func TestClaimOrderIsOldestFirst(t *testing.T) {
	store := newTestStore(t)
	sess := seedSession(t, store, "sess-1", "")
	pending := NewPendingStore(store)
	ctx := context.Background()

	for _, tool := range []string{"Read", "Edit", "Bash"} {
		seedPending(t, store, sess, tool)
	}

	var claimed []string
	for {
		msg, err := pending.ClaimNext(ctx, sess.ID, testStaleAfter)
		require.NoError(t, err)
		if msg == nil {
			break
		}
		claimed = append(claimed, msg.ToolName)
		require.NoError(t, pending.ConfirmProcessed(ctx, msg.ID))
	}
	require.Equal(t, []string{"Read", "Edit", "Bash"}, claimed)
}

func TestStaleClaimIsReclaimed(t *testing.T) {
	store := newTestStore(t)
	sess := seedSession(t, store, "sess-1", "")
	pending := NewPendingStore(store)
	ctx := context.Background()

	id := seedPending(t, store, sess, "Edit")

	msg, err := pending.ClaimNext(ctx, sess.ID, testStaleAfter)
	require.NoError(t, err)
	require.NotNil(t, msg)

	// Backdate the claim past the staleness threshold.
	_, err = store.DB().Exec(
		"UPDATE pending_messages SET started_processing_at_epoch = ? WHERE id = ?",
		time.Now().Add(-2*time.Minute).UnixMilli(), id,
	)
	require.NoError(t, err)

	// The stale claim is eligible again.
	msg, err = pending.ClaimNext(ctx, sess.ID, testStaleAfter)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, id, msg.ID)
	require.Equal(t, models.PendingStatusProcessing, msg.Status)
	require.Equal(t, 1, msg.RetryCount)
}

func TestResetStaleAtStartup(t *testing.T) {
	store := newTestStore(t)
	sess := seedSession(t, store, "sess-1", "")
	pending := NewPendingStore(store)
	ctx := context.Background()

	seedPending(t, store, sess, "Edit")
	seedPending(t, store, sess, "Bash")

	msg, err := pending.ClaimNext(ctx, sess.ID, testStaleAfter)
	require.NoError(t, err)
	require.NotNil(t, msg)

	// maxAge zero treats every processing claim as orphaned.
	n, err := pending.ResetStale(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	count, err := pending.PendingCount(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestMarkFailedAndFailedCount(t *testing.T) {
	store := newTestStore(t)
	sess := seedSession(t, store, "sess-1", "")
	pending := NewPendingStore(store)
	ctx := context.Background()

	seedPending(t, store, sess, "Edit")

	msg, err := pending.ClaimNext(ctx, sess.ID, testStaleAfter)
	require.NoError(t, err)
	require.NoError(t, pending.MarkFailed(ctx, msg.ID))

	count, err := pending.FailedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	// Failed messages are terminal, never reclaimed.
	msg, err = pending.ClaimNext(ctx, sess.ID, testStaleAfter)
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestReleaseReturnsMessageToQueue(t *testing.T) {
	store := newTestStore(t)
	sess := seedSession(t, store, "sess-1", "")
	pending := NewPendingStore(store)
	ctx := context.Background()

	id := seedPending(t, store, sess, "Edit")

	msg, err := pending.ClaimNext(ctx, sess.ID, testStaleAfter)
	require.NoError(t, err)
	require.NoError(t, pending.Release(ctx, msg.ID))

	msg, err = pending.ClaimNext(ctx, sess.ID, testStaleAfter)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, id, msg.ID)
	require.Equal(t, 1, msg.RetryCount)
}

func TestAbandonSession(t *testing.T) {
	store := newTestStore(t)
	sess := seedSession(t, store, "sess-1", "")
	pending := NewPendingStore(store)
	ctx := context.Background()

	seedPending(t, store, sess, "Edit")
	seedPending(t, store, sess, "Bash")
	_, err := pending.ClaimNext(ctx, sess.ID, testStaleAfter)
	require.NoError(t, err)

	n, err := pending.AbandonSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	has, err := pending.HasWork(ctx, sess.ID)
	require.NoError(t, err)
	require.False(t, has)
}

func TestSessionsWithPending(t *testing.T) {
	store := newTestStore(t)
	a := seedSession(t, store, "sess-a", "")
	b := seedSession(t, store, "sess-b", "")
	seedSession(t, store, "sess-c", "")
	pending := NewPendingStore(store)
	ctx := context.Background()

	seedPending(t, store, a, "Edit")
	seedPending(t, store, b, "Bash")

	ids, err := pending.SessionsWithPending(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{a.ID, b.ID}, ids)
}

func TestSummarizeMessageRoundTrip(t *testing.T) {
	store := newTestStore(t)
	sess := seedSession(t, store, "sess-1", "")
	pending := NewPendingStore(store)
	ctx := context.Background()

	_, err := pending.Enqueue(ctx, &models.PendingMessage{
		SessionDBID:          sess.ID,
		ContentSessionID:     sess.ContentSessionID,
		MessageType:          models.PendingSummarize,
		LastAssistantMessage: "done: refactored the parser",
		PromptNumber:         3,
	})
	require.NoError(t, err)

	msg, err := pending.ClaimNext(ctx, sess.ID, testStaleAfter)
	require.NoError(t, err)
	require.NotNil(t, msg)

	inMem := msg.ToMessage()
	require.Equal(t, models.PendingSummarize, inMem.Type)
	require.NotNil(t, inMem.Summarize)
	require.Equal(t, "done: refactored the parser", inMem.Summarize.LastAssistantMessage)
	require.Equal(t, 3, inMem.Summarize.PromptNumber)
}
