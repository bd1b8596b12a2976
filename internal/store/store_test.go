package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airelay/airelay/internal/credhash"
	"github.com/airelay/airelay/internal/credresolver"
	"github.com/airelay/airelay/internal/principal"
	"github.com/airelay/airelay/internal/store"
)

func newTestStore(t *testing.T) (*store.SQLiteStore, *sql.DB) {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	t.Cleanup(func() { _ = db.Close() })

	hasher, err := credhash.NewHasher([]byte("test-pepper"))
	require.NoError(t, err)
	return store.NewSQLiteStore(db, hasher), db
}

func TestUpsertWorkerMetadataThenReupsert(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	err := s.UpsertWorkerMetadata(ctx, "w1", store.WorkerMetadata{
		CredentialHash: "hash1",
		Tier:           principal.Tier{Kind: principal.Shared},
		RegisteredAt:   time.Now(),
	})
	require.NoError(t, err)

	// Upsert again with a changed tier; must not error (ON CONFLICT path).
	err = s.UpsertWorkerMetadata(ctx, "w1", store.WorkerMetadata{
		CredentialHash: "hash1",
		Tier:           principal.Tier{Kind: principal.Dedicated, WorkerSetTag: "team-a"},
		RegisteredAt:   time.Now(),
	})
	require.NoError(t, err)
}

func TestLookupPrincipalByCredentialNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.LookupPrincipalByCredential(context.Background(), []byte("unknown"))
	assert.ErrorIs(t, err, credresolver.ErrNotFound)
}

func TestLookupPrincipalByCredentialRoundTrips(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	hasher, err := credhash.NewHasher([]byte("test-pepper"))
	require.NoError(t, err)

	hash, err := hasher.Hash([]byte("cred-abc"))
	require.NoError(t, err)

	_, err = db.ExecContext(ctx,
		`INSERT INTO credentials (credential_hash, tier, worker_set_tag, created_at) VALUES (?, 'shared', '', ?)`,
		hash, time.Now().Format(time.RFC3339))
	require.NoError(t, err)

	p, err := s.LookupPrincipalByCredential(ctx, []byte("cred-abc"))
	require.NoError(t, err)
	assert.Equal(t, hash, p.CredentialHash)
	assert.False(t, p.IsDedicated())
}

func TestInsertHeartbeatsBatch(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	batch := []store.HeartbeatEvent{
		{ID: "h1", WorkerID: "w1", At: time.Now(), CPUPct: 10, MemPct: 20, DiskPct: 30, BandwidthIn: 1, BandwidthOut: 2},
		{ID: "h2", WorkerID: "w1", At: time.Now(), CPUPct: 15, MemPct: 25, DiskPct: 35, HasTemp: true, Temperature: 55.5, BandwidthIn: 3, BandwidthOut: 4},
	}
	require.NoError(t, s.InsertHeartbeats(ctx, batch))
}

func TestInsertHeartbeatsEmptyBatchIsNoop(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.InsertHeartbeats(context.Background(), nil))
}

func TestInsertAccounting(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.InsertAccounting(context.Background(), store.AccountingRecord{
		ID:            "a1",
		PrincipalHash: "ph1",
		WorkerID:      "w1",
		RendezvousID:  "rv1",
		ModelHint:     "llama-3-70b",
		At:            time.Now(),
	})
	require.NoError(t, err)
}
