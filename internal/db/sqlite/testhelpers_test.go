package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thebtf/mnemo/pkg/models"
)

// newTestStore creates a migrated store backed by a temp database.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(StoreConfig{
		Path:     filepath.Join(t.TempDir(), "test.db"),
		MaxConns: 2,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })
	return store
}

// seedSession creates a session row and optionally assigns a memory session ID.
func seedSession(t *testing.T, store *Store, contentID, memoryID string) *models.Session {
	t.Helper()

	sessions := NewSessionStore(store)
	sess, err := sessions.CreateOrGet(context.Background(), contentID, "test-project", "initial prompt")
	require.NoError(t, err)

	if memoryID != "" {
		require.NoError(t, sessions.UpdateMemorySessionID(context.Background(), sess.ID, memoryID))
		sess, err = sessions.GetByID(context.Background(), sess.ID)
		require.NoError(t, err)
	}
	return sess
}

// seedPending enqueues an observation message and returns its ID.
func seedPending(t *testing.T, store *Store, sess *models.Session, toolName string) int64 {
	t.Helper()

	pending := NewPendingStore(store)
	id, err := pending.Enqueue(context.Background(), &models.PendingMessage{
		SessionDBID:      sess.ID,
		ContentSessionID: sess.ContentSessionID,
		MessageType:      models.PendingObservation,
		ToolName:         toolName,
		ToolInput:        `{"file_path":"main.go"}`,
		ToolResponse:     "ok",
		PromptNumber:     1,
	})
	require.NoError(t, err)
	return id
}
