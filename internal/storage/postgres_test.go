package storage_test

import (
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/serroba/collabtext/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openPostgres connects to COLLABTEXT_TEST_POSTGRES or skips the test.
func openPostgres(t *testing.T) *storage.PostgresStore {
	t.Helper()

	dsn := os.Getenv("COLLABTEXT_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("COLLABTEXT_TEST_POSTGRES not set")
	}

	store, err := storage.OpenPostgres(dsn)
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestPostgresStore_Lifecycle(t *testing.T) {
	t.Parallel()

	store := openPostgres(t)
	docID := "doc-" + uuid.NewString()

	require.NoError(t, store.CreateDocument(docID))
	assert.ErrorIs(t, store.CreateDocument(docID), storage.ErrDocumentExists)

	_, err := store.LoadSnapshot(docID)
	assert.ErrorIs(t, err, storage.ErrSnapshotNotFound)

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.AppendTransaction(docID, tx(i)))
	}

	compact := tx(4)
	compact.Kind = storage.KindCompact
	require.NoError(t, store.AppendTransaction(docID, compact))

	assert.ErrorIs(t, store.AppendTransaction(docID, tx(4)), storage.ErrRevisionConflict)

	rev, err := store.LatestRevision(docID)
	require.NoError(t, err)
	assert.Equal(t, 4, rev)

	require.NoError(t, store.SaveSnapshot(docID, 2, fields("body", `{"seq":1}`)))

	snapshot, err := store.LoadSnapshot(docID)
	require.NoError(t, err)
	assert.Equal(t, 2, snapshot.Revision)
	assert.JSONEq(t, `{"seq":1}`, string(snapshot.Fields["body"]))

	txs, err := store.LoadTransactions(docID, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, 3, txs[0].Revision)
	assert.Equal(t, "user1", txs[0].UserID)
	assert.Equal(t, storage.KindOperation, txs[0].Kind)
	assert.Equal(t, storage.KindCompact, txs[1].Kind)

	require.NoError(t, store.DeleteDocument(docID))
	assert.ErrorIs(t, store.DeleteDocument(docID), storage.ErrDocumentNotFound)
}

func TestPostgresStore_MissingDocument(t *testing.T) {
	t.Parallel()

	store := openPostgres(t)
	docID := "missing-" + uuid.NewString()

	err := store.AppendTransaction(docID, tx(1))
	if !errors.Is(err, storage.ErrDocumentNotFound) {
		t.Errorf("expected ErrDocumentNotFound, got %v", err)
	}

	_, err = store.LoadTransactions(docID, 0)
	assert.ErrorIs(t, err, storage.ErrDocumentNotFound)

	assert.ErrorIs(t, store.SaveSnapshot(docID, 1, fields()), storage.ErrDocumentNotFound)
}
