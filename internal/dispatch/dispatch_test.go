package dispatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airelay/airelay/internal/dispatch"
	"github.com/airelay/airelay/internal/principal"
	"github.com/airelay/airelay/internal/registry"
	"github.com/airelay/airelay/internal/store"
	"github.com/airelay/airelay/internal/wire"
)

type fakeRegistry struct {
	snaps []registry.Snapshot
}

func (f *fakeRegistry) Snapshot() []registry.Snapshot { return f.snaps }

type fakeSink struct {
	mu      sync.Mutex
	records []store.AccountingRecord
}

func (f *fakeSink) InsertAccounting(ctx context.Context, rec store.AccountingRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func snapshotOffering(workerID string, models ...string) registry.Snapshot {
	var offered []registry.ModelOffered
	for _, m := range models {
		offered = append(offered, wire.ModelOffered{Name: m})
	}
	return registry.Snapshot{
		WorkerID:        workerID,
		LastHeartbeatAt: time.Now(),
		ModelsOffered:   offered,
	}
}

func snapshotDedicated(workerID, tag string, models ...string) registry.Snapshot {
	s := snapshotOffering(workerID, models...)
	s.ModelsOffered = append(s.ModelsOffered, wire.ModelOffered{
		Name:            "__dedicated_marker__",
		CapabilityFlags: []string{"dedicated:" + tag},
	})
	return s
}

func sharedPrincipal() principal.Principal {
	return principal.Principal{CredentialHash: "ph1", Tier: principal.Tier{Kind: principal.Shared}}
}

func dedicatedPrincipal(tag string) principal.Principal {
	return principal.Principal{CredentialHash: "ph2", Tier: principal.Tier{Kind: principal.Dedicated, WorkerSetTag: tag}}
}

func TestSelectSharedNoHintPicksAnyWorker(t *testing.T) {
	reg := &fakeRegistry{snaps: []registry.Snapshot{
		snapshotOffering("w1", "llama-3-70b"),
		snapshotOffering("w2", "mixtral"),
	}}
	sink := &fakeSink{}
	d := dispatch.New(reg, sink)

	workerID, err := d.Select(context.Background(), sharedPrincipal(), "", "rv1")
	require.NoError(t, err)
	assert.Contains(t, []string{"w1", "w2"}, workerID)
	assert.Equal(t, 1, sink.count())
}

func TestSelectSharedWithMatchingHintNarrowsCandidates(t *testing.T) {
	reg := &fakeRegistry{snaps: []registry.Snapshot{
		snapshotOffering("w1", "llama-3-70b"),
		snapshotOffering("w2", "mixtral"),
	}}
	d := dispatch.New(reg, &fakeSink{})

	workerID, err := d.Select(context.Background(), sharedPrincipal(), "Mixtral", "rv1")
	require.NoError(t, err)
	assert.Equal(t, "w2", workerID)
}

func TestSelectSharedWithUnmatchedHintFallsBackToFullSet(t *testing.T) {
	reg := &fakeRegistry{snaps: []registry.Snapshot{
		snapshotOffering("w1", "llama-3-70b"),
	}}
	d := dispatch.New(reg, &fakeSink{})

	workerID, err := d.Select(context.Background(), sharedPrincipal(), "nonexistent-model", "rv1")
	require.NoError(t, err)
	assert.Equal(t, "w1", workerID)
}

func TestSelectDedicatedWithUnmatchedHintFails(t *testing.T) {
	reg := &fakeRegistry{snaps: []registry.Snapshot{
		snapshotDedicated("w1", "team-a", "llama-3-70b"),
	}}
	d := dispatch.New(reg, &fakeSink{})

	_, err := d.Select(context.Background(), dedicatedPrincipal("team-a"), "nonexistent-model", "rv1")
	assert.ErrorIs(t, err, dispatch.ErrNoEligibleWorker)
}

func TestSelectDedicatedOnlyConsidersMatchingTag(t *testing.T) {
	reg := &fakeRegistry{snaps: []registry.Snapshot{
		snapshotDedicated("w1", "team-a", "llama-3-70b"),
		snapshotDedicated("w2", "team-b", "llama-3-70b"),
		snapshotOffering("w3", "llama-3-70b"), // shared worker, not tagged for any team
	}}
	d := dispatch.New(reg, &fakeSink{})

	workerID, err := d.Select(context.Background(), dedicatedPrincipal("team-b"), "", "rv1")
	require.NoError(t, err)
	assert.Equal(t, "w2", workerID)
}

func TestSelectNoWorkersReturnsNoEligibleWorker(t *testing.T) {
	d := dispatch.New(&fakeRegistry{}, &fakeSink{})
	_, err := d.Select(context.Background(), sharedPrincipal(), "", "rv1")
	assert.ErrorIs(t, err, dispatch.ErrNoEligibleWorker)
}

func TestSelectDedicatedNoMatchingTagReturnsNoEligibleWorker(t *testing.T) {
	reg := &fakeRegistry{snaps: []registry.Snapshot{
		snapshotOffering("w1", "llama-3-70b"),
	}}
	d := dispatch.New(reg, &fakeSink{})
	_, err := d.Select(context.Background(), dedicatedPrincipal("team-a"), "", "rv1")
	assert.ErrorIs(t, err, dispatch.ErrNoEligibleWorker)
}

func TestSelectDedicatedDoesNotEmitAccounting(t *testing.T) {
	reg := &fakeRegistry{snaps: []registry.Snapshot{
		snapshotDedicated("w1", "team-a", "llama-3-70b"),
	}}
	sink := &fakeSink{}
	d := dispatch.New(reg, sink)

	_, err := d.Select(context.Background(), dedicatedPrincipal("team-a"), "", "rv1")
	require.NoError(t, err)
	assert.Equal(t, 0, sink.count())
}

func TestSelectSharedEmitsAccountingWithRequestDetails(t *testing.T) {
	reg := &fakeRegistry{snaps: []registry.Snapshot{snapshotOffering("w1", "llama-3-70b")}}
	sink := &fakeSink{}
	d := dispatch.New(reg, sink)

	workerID, err := d.Select(context.Background(), sharedPrincipal(), "llama-3-70b", "rv-xyz")
	require.NoError(t, err)
	require.Equal(t, 1, sink.count())

	rec := sink.records[0]
	assert.Equal(t, "ph1", rec.PrincipalHash)
	assert.Equal(t, workerID, rec.WorkerID)
	assert.Equal(t, "rv-xyz", rec.RendezvousID)
	assert.Equal(t, "llama-3-70b", rec.ModelHint)
}

func TestSelectUniformRandomUsesEveryCandidateOverManyTrials(t *testing.T) {
	reg := &fakeRegistry{snaps: []registry.Snapshot{
		snapshotOffering("w1", "m"),
		snapshotOffering("w2", "m"),
		snapshotOffering("w3", "m"),
	}}
	d := dispatch.New(reg, &fakeSink{})

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		workerID, err := d.Select(context.Background(), sharedPrincipal(), "", "rv1")
		require.NoError(t, err)
		seen[workerID] = true
		if len(seen) == 3 {
			break
		}
	}
	assert.Len(t, seen, 3)
}

func TestSelectExcludingSkipsExcludedWorkers(t *testing.T) {
	reg := &fakeRegistry{snaps: []registry.Snapshot{
		snapshotOffering("w1", "m"),
		snapshotOffering("w2", "m"),
	}}
	d := dispatch.New(reg, &fakeSink{})

	workerID, err := d.SelectExcluding(context.Background(), sharedPrincipal(), "", "rv1", map[string]struct{}{"w1": {}})
	require.NoError(t, err)
	assert.Equal(t, "w2", workerID)
}

func TestSelectExcludingAllCandidatesIsNoEligibleWorker(t *testing.T) {
	reg := &fakeRegistry{snaps: []registry.Snapshot{
		snapshotOffering("w1", "m"),
	}}
	d := dispatch.New(reg, &fakeSink{})

	_, err := d.SelectExcluding(context.Background(), sharedPrincipal(), "", "rv1", map[string]struct{}{"w1": {}})
	require.ErrorIs(t, err, dispatch.ErrNoEligibleWorker)
}
