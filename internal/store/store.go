// Package store implements the persistent datastore (spec §6.3): four
// logical tables (credentials, workers, heartbeats, accounting) behind
// a narrow Store interface, backed by SQLite via modernc.org/sqlite
// (cgo-free) with goose migrations.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/airelay/airelay/internal/credhash"
	"github.com/airelay/airelay/internal/credresolver"
	"github.com/airelay/airelay/internal/principal"
	"github.com/airelay/airelay/internal/util/timefmt"
)

// HeartbeatEvent is one row for the heartbeats table (spec §3
// "Heartbeat event").
type HeartbeatEvent struct {
	ID           string
	WorkerID     string
	At           time.Time
	CPUPct       float64
	MemPct       float64
	DiskPct      float64
	HasTemp      bool
	Temperature  float64
	BandwidthIn  uint64
	BandwidthOut uint64
	HasPower     bool
	Power        float64
}

// AccountingRecord is one row emitted by the dispatcher for a
// Shared-tier dispatch (spec §4.9).
type AccountingRecord struct {
	ID            string
	PrincipalHash string
	WorkerID      string
	RendezvousID  string
	ModelHint     string
	At            time.Time
}

// WorkerMetadata is the set of fields C6 upserts into the workers table
// on login and on credential re-resolution.
type WorkerMetadata struct {
	CredentialHash string
	Tier           principal.Tier
	RegisteredAt   time.Time
}

// Store is the narrow persistence contract the core requires (spec
// §6.3): lookup_principal_by_credential, insert_heartbeats,
// insert_accounting, upsert_worker_metadata.
type Store interface {
	LookupPrincipalByCredential(ctx context.Context, cred []byte) (principal.Principal, error)
	InsertHeartbeats(ctx context.Context, batch []HeartbeatEvent) error
	InsertAccounting(ctx context.Context, rec AccountingRecord) error
	UpsertWorkerMetadata(ctx context.Context, workerID string, fields WorkerMetadata) error
	Close() error
}

// SQLiteStore is the production Store implementation.
type SQLiteStore struct {
	db     *sql.DB
	hasher *credhash.Hasher
}

// NewSQLiteStore wraps an already-opened, already-migrated *sql.DB (see
// Open and Migrate).
func NewSQLiteStore(db *sql.DB, hasher *credhash.Hasher) *SQLiteStore {
	return &SQLiteStore{db: db, hasher: hasher}
}

// LookupPrincipalByCredential hashes cred and looks up its tier in the
// credentials table. Returns credresolver.ErrNotFound when no row
// matches (sql.ErrNoRows is translated to it); callers in
// internal/credresolver treat any non-nil, non-ErrNotFound error as
// Unavailable, so this method does not need to distinguish connection
// failures from "no such row" beyond that.
func (s *SQLiteStore) LookupPrincipalByCredential(ctx context.Context, cred []byte) (principal.Principal, error) {
	hash, err := s.hasher.Hash(cred)
	if err != nil {
		return principal.Principal{}, fmt.Errorf("store: hash credential: %w", err)
	}

	var tier, workerSetTag string
	err = s.db.QueryRowContext(ctx,
		`SELECT tier, worker_set_tag FROM credentials WHERE credential_hash = ?`, hash,
	).Scan(&tier, &workerSetTag)
	if err == sql.ErrNoRows {
		return principal.Principal{}, credresolver.ErrNotFound
	}
	if err != nil {
		return principal.Principal{}, fmt.Errorf("store: lookup principal: %w", err)
	}

	return principal.Principal{
		CredentialHash: hash,
		Tier:           tierFromRow(tier, workerSetTag),
	}, nil
}

// InsertHeartbeats writes a batch of heartbeat events in one
// transaction (the batch/timeout drain unit from C10).
func (s *SQLiteStore) InsertHeartbeats(ctx context.Context, batch []HeartbeatEvent) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin heartbeat batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO heartbeats
			(id, worker_id, at, cpu_pct, mem_pct, disk_pct, temperature, bandwidth_in, bandwidth_out, power)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare heartbeat insert: %w", err)
	}
	defer stmt.Close()

	for _, h := range batch {
		var temp, power interface{}
		if h.HasTemp {
			temp = h.Temperature
		}
		if h.HasPower {
			power = h.Power
		}
		if _, err := stmt.ExecContext(ctx, h.ID, h.WorkerID, timefmt.Format(h.At),
			h.CPUPct, h.MemPct, h.DiskPct, temp, h.BandwidthIn, h.BandwidthOut, power); err != nil {
			return fmt.Errorf("store: insert heartbeat %s: %w", h.ID, err)
		}
	}

	return tx.Commit()
}

// InsertAccounting writes one accounting row immediately, in its own
// statement; it is not batched. There is no cross-table transaction
// with the dispatch decision itself.
func (s *SQLiteStore) InsertAccounting(ctx context.Context, rec AccountingRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounting (id, principal_hash, worker_id, rendezvous_id, model_hint, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PrincipalHash, rec.WorkerID, rec.RendezvousID, rec.ModelHint, timefmt.Format(rec.At))
	if err != nil {
		return fmt.Errorf("store: insert accounting %s: %w", rec.ID, err)
	}
	return nil
}

// UpsertWorkerMetadata records or refreshes a worker's credential/tier
// metadata at login.
func (s *SQLiteStore) UpsertWorkerMetadata(ctx context.Context, workerID string, fields WorkerMetadata) error {
	tag := fields.Tier.WorkerSetTag
	tier := "shared"
	if fields.Tier.Kind == principal.Dedicated {
		tier = "dedicated"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (worker_id, credential_hash, tier, worker_set_tag, registered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			credential_hash = excluded.credential_hash,
			tier            = excluded.tier,
			worker_set_tag  = excluded.worker_set_tag`,
		workerID, fields.CredentialHash, tier, tag, timefmt.Format(fields.RegisteredAt))
	if err != nil {
		return fmt.Errorf("store: upsert worker metadata for %s: %w", workerID, err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func tierFromRow(tier, workerSetTag string) principal.Tier {
	if tier == "dedicated" {
		return principal.Tier{Kind: principal.Dedicated, WorkerSetTag: workerSetTag}
	}
	return principal.Tier{Kind: principal.Shared}
}
