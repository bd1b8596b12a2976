// Package dispatch implements C9: model-aware, tier-aware worker
// selection with a uniform-random tie-break, and accounting emission
// for Shared-tier dispatches.
package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/airelay/airelay/internal/id"
	"github.com/airelay/airelay/internal/metrics"
	"github.com/airelay/airelay/internal/principal"
	"github.com/airelay/airelay/internal/registry"
	"github.com/airelay/airelay/internal/store"
)

// ErrNoEligibleWorker is returned when no worker in the candidate set
// matches the request (spec §4.9 step 3, §7 NoEligibleWorker).
var ErrNoEligibleWorker = fmt.Errorf("dispatch: no eligible worker")

// Registry is the subset of internal/registry.Registry the dispatcher
// needs: a point-in-time snapshot of routing-relevant worker state.
type Registry interface {
	Snapshot() []registry.Snapshot
}

// AccountingSink is the subset of internal/store.Store the dispatcher
// needs to emit accounting rows for Shared-tier dispatches.
type AccountingSink interface {
	InsertAccounting(ctx context.Context, rec store.AccountingRecord) error
}

// Dispatcher selects a worker for an incoming public request. It holds
// no long-lived state itself; every decision is derived fresh from a
// Registry snapshot (spec §4.9: "Dispatcher state is derived from C4").
type Dispatcher struct {
	registry   Registry
	accounting AccountingSink
}

// New constructs a Dispatcher over reg, emitting accounting rows for
// Shared-tier dispatches to sink.
func New(reg Registry, sink AccountingSink) *Dispatcher {
	return &Dispatcher{registry: reg, accounting: sink}
}

// Select picks a worker_id for p, given an optional lowercased model
// hint (empty string means no hint) and a rendezvous_id this dispatch
// is for (used only for the accounting record). It implements spec
// §4.9's selection policy exactly, including the shared-tier-only
// fallback to the full candidate set when a model hint matches no one.
func (d *Dispatcher) Select(ctx context.Context, p principal.Principal, modelHint, rendezvousID string) (workerID string, err error) {
	return d.SelectExcluding(ctx, p, modelHint, rendezvousID, nil)
}

// SelectExcluding is Select, additionally excluding any worker_id present
// in excluded. C8 uses this to retry dispatch up to N times after a
// send_to_worker failure without re-selecting the same dead worker
// (spec §4.8 step 7).
func (d *Dispatcher) SelectExcluding(ctx context.Context, p principal.Principal, modelHint, rendezvousID string, excluded map[string]struct{}) (workerID string, err error) {
	snaps := d.registry.Snapshot()

	candidates := filterByTier(snaps, p.Tier)
	candidates = filterExcluded(candidates, excluded)

	if modelHint != "" {
		filtered := filterByModel(candidates, strings.ToLower(modelHint))
		if len(filtered) > 0 {
			candidates = filtered
		} else if p.IsDedicated() {
			metrics.DispatchOutcomesTotal.WithLabelValues("no_eligible_worker").Inc()
			return "", ErrNoEligibleWorker
		}
		// Shared principals with an unmatched hint fall through to the
		// full tier-filtered candidate set (spec §4.9 step 3).
	}

	if len(candidates) == 0 {
		metrics.DispatchOutcomesTotal.WithLabelValues("no_eligible_worker").Inc()
		return "", ErrNoEligibleWorker
	}

	chosen := candidates[uniformRandomIndex(len(candidates))]
	metrics.DispatchOutcomesTotal.WithLabelValues("dispatched").Inc()

	if !p.IsDedicated() {
		d.recordAccounting(ctx, p, chosen.WorkerID, rendezvousID, modelHint)
	}

	return chosen.WorkerID, nil
}

func (d *Dispatcher) recordAccounting(ctx context.Context, p principal.Principal, workerID, rendezvousID, modelHint string) {
	rec := store.AccountingRecord{
		ID:            id.Generate(),
		PrincipalHash: p.CredentialHash,
		WorkerID:      workerID,
		RendezvousID:  rendezvousID,
		ModelHint:     modelHint,
		At:            time.Now(),
	}
	if err := d.accounting.InsertAccounting(ctx, rec); err != nil {
		slog.Warn("dispatch: failed to record accounting", "rendezvous_id", rendezvousID, "worker_id", workerID, "error", err)
		return
	}
	metrics.AccountingRecordsTotal.Inc()
}

func filterByTier(snaps []registry.Snapshot, tier principal.Tier) []registry.Snapshot {
	if tier.Kind == principal.Shared {
		return snaps
	}
	// Dedicated(tag): spec.md doesn't name a concrete field for the
	// worker-side tag carrier beyond "session metadata declares this
	// tag" — modeled here as a model-offered capability flag of the
	// form "dedicated:<tag>", set by the worker at login.
	flag := "dedicated:" + tier.WorkerSetTag
	var out []registry.Snapshot
	for _, s := range snaps {
		for _, m := range s.ModelsOffered {
			for _, cap := range m.CapabilityFlags {
				if cap == flag {
					out = append(out, s)
					break
				}
			}
		}
	}
	return out
}

func filterExcluded(snaps []registry.Snapshot, excluded map[string]struct{}) []registry.Snapshot {
	if len(excluded) == 0 {
		return snaps
	}
	var out []registry.Snapshot
	for _, s := range snaps {
		if _, skip := excluded[s.WorkerID]; !skip {
			out = append(out, s)
		}
	}
	return out
}

func filterByModel(snaps []registry.Snapshot, lowercasedModel string) []registry.Snapshot {
	var out []registry.Snapshot
	for _, s := range snaps {
		if s.OffersModel(lowercasedModel) {
			out = append(out, s)
		}
	}
	return out
}

// uniformRandomIndex returns a uniformly random index in [0, n) using
// crypto/rand, matching spec §4.9's "the spec requires uniform"
// tie-break (math/rand's global source is not safe to reason about
// under concurrent dispatch without its own locking; crypto/rand's
// Reader already is).
func uniformRandomIndex(n int) int {
	if n == 1 {
		return 0
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("dispatch: read random bytes: %v", err))
	}
	return int(binary.BigEndian.Uint64(buf[:]) % uint64(n))
}
