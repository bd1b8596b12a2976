// Package registry implements C4, the table of authenticated worker
// sessions: inserts, duplicate-id eviction, model-aware snapshots for
// the dispatcher, and serialized per-session sends.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/airelay/airelay/internal/metrics"
	"github.com/airelay/airelay/internal/wire"
)

// SystemInfo mirrors wire.SystemInfo; kept as a separate type so the
// registry doesn't force every caller to depend on the wire package's
// decode-time shape.
type SystemInfo = wire.SystemInfo

// DeviceInfo mirrors wire.DeviceInfo.
type DeviceInfo = wire.DeviceInfo

// ModelOffered mirrors wire.ModelOffered.
type ModelOffered = wire.ModelOffered

// Sender is the narrow interface a Session needs to push a message to
// its worker's control socket, and to tear the socket down when the
// session is evicted. internal/controlplane implements this over the
// live TLS connection; tests substitute a recording fake.
type Sender interface {
	Send(msg wire.Message) error
	Close() error
}

// Session is the registry's record for one authenticated worker (spec
// §3 WorkerSession). Exactly one owner may send on the underlying
// connection at a time (I3); Session.Send serializes that for callers.
type Session struct {
	WorkerID        string
	ProtocolVersion uint32

	ConnectedAt     time.Time
	LastHeartbeatAt time.Time

	sendMu sync.Mutex
	sender Sender

	mu            sync.RWMutex
	lastSystem    *SystemInfo
	devices       []DeviceInfo
	modelsOffered []ModelOffered
}

// Send pushes msg to the worker's control socket, serialized against
// any concurrent Send on the same Session (I3).
func (s *Session) Send(msg wire.Message) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.sender.Send(msg)
}

// Close tears down the session's underlying control socket. Called by
// C6 on the session that Registry.Insert returns as evicted by a
// duplicate login, by EvictDeadBefore for each dead session it removes,
// and by C6's SendToWorker when a send fails.
func (s *Session) Close() error {
	return s.sender.Close()
}

// UpdateTelemetry records a heartbeat's system/device/model snapshot.
// Newest-wins: callers need not serialize heartbeat arrival themselves.
func (s *Session) UpdateTelemetry(at time.Time, sys *SystemInfo, devices []DeviceInfo, models []ModelOffered) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastHeartbeatAt = at
	if sys != nil {
		s.lastSystem = sys
	}
	if devices != nil {
		s.devices = devices
	}
	if models != nil {
		s.modelsOffered = models
	}
}

// Snapshot is a point-in-time, lock-free-to-read copy of a Session's
// routing-relevant state, returned by Registry.Snapshot.
type Snapshot struct {
	WorkerID        string
	LastHeartbeatAt time.Time
	Devices         []DeviceInfo
	ModelsOffered   []ModelOffered
}

// OffersModel reports whether the snapshot advertises a model with the
// given lowercased name (spec §3: "equality for routing is by
// lowercased name").
func (s Snapshot) OffersModel(lowercasedName string) bool {
	for _, m := range s.ModelsOffered {
		if lowercasedName == lowercaseASCII(m.Name) {
			return true
		}
	}
	return false
}

func lowercaseASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// shardCount bounds lock contention on the registry under many
// concurrent worker logins/heartbeats; workers are distributed across
// shards by a simple hash of their WorkerID.
const shardCount = 32

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// ErrMaxWorkersExceeded is returned by Insert when registering sess
// would exceed the configured max_workers cap (spec §5 resource caps).
// It is never returned for a duplicate-login replacement of an
// already-registered worker_id, since that doesn't grow the registry.
var ErrMaxWorkersExceeded = fmt.Errorf("registry: max_workers capacity reached")

// Registry tracks connected workers (C4). A Registry is safe for
// concurrent use.
type Registry struct {
	shards     [shardCount]*shard
	maxWorkers int
	count      atomic.Int64
}

// New constructs an empty Registry. maxWorkers caps the number of
// simultaneously registered sessions (spec §5); zero or negative means
// unlimited.
func New(maxWorkers int) *Registry {
	r := &Registry{maxWorkers: maxWorkers}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return r
}

func (r *Registry) shardFor(workerID string) *shard {
	var h uint32
	for i := 0; i < len(workerID); i++ {
		h = h*31 + uint32(workerID[i])
	}
	return r.shards[h%shardCount]
}

// Insert registers sess, evicting and returning any prior session for
// the same WorkerID first (spec §3: "if a second login arrives with a
// duplicate id the previous session is evicted first"). If sess names a
// worker_id not already registered and the registry is at its
// max_workers cap, Insert rejects it with ErrMaxWorkersExceeded instead
// (spec §5: breaching a resource cap rejects the new request, never an
// in-flight one — so an existing worker's re-login is never rejected).
func (r *Registry) Insert(sess *Session) (evicted *Session, err error) {
	sh := r.shardFor(sess.WorkerID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	prev, existed := sh.sessions[sess.WorkerID]
	if !existed && r.maxWorkers > 0 && r.count.Load() >= int64(r.maxWorkers) {
		metrics.WorkerLoginRejectionsTotal.WithLabelValues("max_workers").Inc()
		return nil, ErrMaxWorkersExceeded
	}

	sh.sessions[sess.WorkerID] = sess
	if existed {
		metrics.WorkerEvictionsTotal.WithLabelValues("duplicate_login").Inc()
		return prev, nil
	}
	r.count.Add(1)
	metrics.RegisteredWorkers.Inc()
	return nil, nil
}

// Remove deletes the session for workerID, but only if sess is still
// the currently-registered session (guards against a stale session's
// deferred cleanup removing a newer replacement). Returns true if a
// session was actually removed.
func (r *Registry) Remove(workerID string, sess *Session) bool {
	sh := r.shardFor(workerID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if cur, ok := sh.sessions[workerID]; ok && cur == sess {
		delete(sh.sessions, workerID)
		r.count.Add(-1)
		metrics.RegisteredWorkers.Dec()
		return true
	}
	return false
}

// Get returns the session for workerID, or nil if not registered.
func (r *Registry) Get(workerID string) *Session {
	sh := r.shardFor(workerID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.sessions[workerID]
}

// Snapshot returns a point-in-time copy of every registered session's
// routing-relevant state, for the dispatcher (C9) to filter over
// without holding any registry lock while it decides.
func (r *Registry) Snapshot() []Snapshot {
	out := make([]Snapshot, 0)
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			s.mu.RLock()
			out = append(out, Snapshot{
				WorkerID:        s.WorkerID,
				LastHeartbeatAt: s.LastHeartbeatAt,
				Devices:         append([]DeviceInfo(nil), s.devices...),
				ModelsOffered:   append([]ModelOffered(nil), s.modelsOffered...),
			})
			s.mu.RUnlock()
		}
		sh.mu.RUnlock()
	}
	return out
}

// Len returns the number of currently registered sessions.
func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// EvictDeadBefore removes every session whose LastHeartbeatAt is older
// than cutoff, closes each one's control socket, and returns their
// worker ids. Used by C10's periodic GC sweep as the backstop for a
// session whose own read loop (C6) is itself wedged and never reaches
// its own heartbeat-deadline check.
func (r *Registry) EvictDeadBefore(cutoff time.Time) []string {
	var evicted []string
	for _, sh := range r.shards {
		var toClose []*Session

		sh.mu.Lock()
		for id, s := range sh.sessions {
			s.mu.RLock()
			last := s.LastHeartbeatAt
			s.mu.RUnlock()
			if last.Before(cutoff) {
				delete(sh.sessions, id)
				r.count.Add(-1)
				metrics.RegisteredWorkers.Dec()
				metrics.WorkerEvictionsTotal.WithLabelValues("heartbeat_timeout").Inc()
				evicted = append(evicted, id)
				toClose = append(toClose, s)
			}
		}
		sh.mu.Unlock()

		// Socket I/O happens after releasing the bucket lock, matching
		// C5's ReapOlderThan discipline.
		for _, s := range toClose {
			_ = s.Close()
		}
	}
	return evicted
}

// NewSession constructs a Session bound to sender, ready for Insert.
func NewSession(workerID string, protocolVersion uint32, sender Sender, now time.Time) *Session {
	return &Session{
		WorkerID:        workerID,
		ProtocolVersion: protocolVersion,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
		sender:          sender,
	}
}

// ErrNilSender describes a session built without a live Sender.
// NewSession does not check its sender and does not return this error.
var ErrNilSender = fmt.Errorf("registry: session requires a non-nil Sender")
