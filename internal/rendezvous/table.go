// Package rendezvous implements C5: the table pairing a public stream
// awaiting relay with the worker proxy connection that will eventually
// claim it by rendezvous_id.
package rendezvous

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/airelay/airelay/internal/metrics"
)

// ErrDuplicateID is returned by Publish when rendezvous_id already has
// a pending entry (I4: a rendezvous_id appears in at-most-one pending
// entry).
var ErrDuplicateID = fmt.Errorf("rendezvous: duplicate rendezvous_id")

// Entry is a PendingRendezvous (spec §3): a public stream whose
// ownership has been transferred into the table, plus whatever prefix
// bytes were already peeked off it for auth/model sniffing.
type Entry struct {
	PublicStream   net.Conn
	BufferedPrefix []byte
	CreatedAt      time.Time
}

// shardCount bounds lock contention. The shard index is the id's first
// byte modulo shardCount; for lowercase-hex rendezvous ids that byte
// takes 16 values, so entries spread evenly over 16 of the 32 shards.
const shardCount = 32

type shard struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// ErrMaxPendingExceeded is returned by Publish when the table already
// holds max_pending_rendezvous entries (spec §5 resource caps, P2: "at
// no time does the rendezvous table hold more than max_pending_rendezvous
// entries").
var ErrMaxPendingExceeded = fmt.Errorf("rendezvous: max_pending_rendezvous capacity reached")

// Table implements C5. A Table is safe for concurrent use; no bucket
// lock is ever held across socket I/O (spec §5).
type Table struct {
	shards     [shardCount]*shard
	now        func() time.Time
	maxPending int
	count      atomic.Int64
}

// New constructs an empty Table. maxPending caps the number of
// simultaneously pending entries; zero or negative means unlimited.
func New(maxPending int) *Table {
	t := &Table{now: time.Now, maxPending: maxPending}
	for i := range t.shards {
		t.shards[i] = &shard{entries: make(map[string]Entry)}
	}
	return t
}

func (t *Table) shardFor(rendezvousID string) *shard {
	if len(rendezvousID) == 0 {
		return t.shards[0]
	}
	return t.shards[rendezvousID[0]%shardCount]
}

// Publish installs a pending entry for rendezvousID. Returns
// ErrDuplicateID if one already exists (I4), or ErrMaxPendingExceeded if
// the table is already at max_pending_rendezvous (P2) — in either case
// the caller still owns publicStream and must close or retry it itself.
func (t *Table) Publish(rendezvousID string, publicStream net.Conn, bufferedPrefix []byte) error {
	sh := t.shardFor(rendezvousID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.entries[rendezvousID]; exists {
		return ErrDuplicateID
	}
	if t.maxPending > 0 && t.count.Load() >= int64(t.maxPending) {
		metrics.RendezvousRejectionsTotal.Inc()
		return ErrMaxPendingExceeded
	}
	sh.entries[rendezvousID] = Entry{
		PublicStream:   publicStream,
		BufferedPrefix: bufferedPrefix,
		CreatedAt:      t.now(),
	}
	t.count.Add(1)
	metrics.RendezvousPending.Inc()
	return nil
}

// Claim atomically removes and returns the pending entry for
// rendezvousID, if any. A claim succeeds at most once (P5): the first
// caller to call Claim wins; every subsequent caller sees ok=false, as
// does any caller after ReapOlderThan has removed the entry under the
// same shard lock.
func (t *Table) Claim(rendezvousID string) (Entry, bool) {
	sh := t.shardFor(rendezvousID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[rendezvousID]
	if !ok {
		return Entry{}, false
	}
	delete(sh.entries, rendezvousID)
	t.count.Add(-1)
	metrics.RendezvousPending.Dec()
	metrics.RendezvousClaimedTotal.Inc()
	return e, true
}

// Len returns the number of pending entries across all shards.
func (t *Table) Len() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// ReapOlderThan removes every pending entry older than maxAge,
// closing its public stream, and returns how many were reaped. Run
// periodically (default T_reap=1s) by the caller (spec §4.5).
func (t *Table) ReapOlderThan(maxAge time.Duration) int {
	cutoff := t.now().Add(-maxAge)
	reaped := 0
	for _, sh := range t.shards {
		var toClose []net.Conn

		sh.mu.Lock()
		for id, e := range sh.entries {
			if e.CreatedAt.Before(cutoff) {
				toClose = append(toClose, e.PublicStream)
				delete(sh.entries, id)
				t.count.Add(-1)
				reaped++
				metrics.RendezvousPending.Dec()
				metrics.RendezvousReapedTotal.Inc()
			}
		}
		sh.mu.Unlock()

		// Socket I/O happens after releasing the bucket lock (spec §5:
		// "holding a bucket lock across socket I/O is forbidden").
		for _, c := range toClose {
			_ = c.Close()
		}
	}
	return reaped
}
