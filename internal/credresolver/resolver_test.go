package credresolver

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airelay/airelay/internal/credcache"
	"github.com/airelay/airelay/internal/credhash"
	"github.com/airelay/airelay/internal/principal"
)

type fakeStore struct {
	mu        sync.Mutex
	lookups   int32
	principal map[string]principal.Principal
	err       error
	delay     time.Duration
}

func (f *fakeStore) LookupPrincipalByCredential(ctx context.Context, cred []byte) (principal.Principal, error) {
	atomic.AddInt32(&f.lookups, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return principal.Principal{}, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.principal[string(cred)]
	if !ok {
		return principal.Principal{}, ErrNotFound
	}
	return p, nil
}

func newResolver(t *testing.T, store Datastore, staticFallback []byte) *Resolver {
	t.Helper()
	cache, err := credcache.New(64, time.Minute)
	require.NoError(t, err)
	hasher, err := credhash.NewHasher([]byte("test-pepper"))
	require.NoError(t, err)
	r, err := New(Config{Cache: cache, Store: store, Hasher: hasher, StaticFallbackCredential: staticFallback})
	require.NoError(t, err)
	return r
}

func TestResolveCacheHit(t *testing.T) {
	want := principal.Principal{Tier: principal.Tier{Kind: principal.Dedicated, WorkerSetTag: "team-a"}}
	store := &fakeStore{principal: map[string]principal.Principal{"cred": want}}
	r := newResolver(t, store, nil)

	p1, err := r.Resolve(context.Background(), []byte("cred"))
	require.NoError(t, err)

	p2, err := r.Resolve(context.Background(), []byte("cred"))
	require.NoError(t, err)

	assert.Equal(t, p1, p2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&store.lookups), "second resolve should hit the cache, not the datastore")
}

func TestResolveDatastoreHitPopulatesCache(t *testing.T) {
	want := principal.Principal{Tier: principal.Tier{Kind: principal.Shared}}
	store := &fakeStore{principal: map[string]principal.Principal{"cred": want}}
	r := newResolver(t, store, nil)

	_, err := r.Resolve(context.Background(), []byte("cred"))
	require.NoError(t, err)
	assert.Equal(t, 1, r.cache.Len())
}

func TestResolveUnauthorizedWhenNoMatch(t *testing.T) {
	store := &fakeStore{principal: map[string]principal.Principal{}}
	r := newResolver(t, store, nil)

	_, err := r.Resolve(context.Background(), []byte("unknown"))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestResolveUnavailableWithoutFallback(t *testing.T) {
	store := &fakeStore{err: assertAnErr{}}
	r := newResolver(t, store, nil)

	_, err := r.Resolve(context.Background(), []byte("cred"))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestResolveStaticFallbackWhenDatastoreDown(t *testing.T) {
	store := &fakeStore{err: assertAnErr{}}
	r := newResolver(t, store, []byte("fallback-cred"))

	p, err := r.Resolve(context.Background(), []byte("fallback-cred"))
	require.NoError(t, err)
	assert.True(t, p.IsDedicated() == false) // synthetic fallback principal is Shared
}

func TestResolveStaticFallbackRejectsNonMatchingCredential(t *testing.T) {
	store := &fakeStore{err: assertAnErr{}}
	r := newResolver(t, store, []byte("fallback-cred"))

	_, err := r.Resolve(context.Background(), []byte("something-else"))
	assert.ErrorIs(t, err, ErrUnavailable)
}

// TestResolveSingleFlightCollapsesConcurrentLookups exercises scenario
// S5: 100 concurrent resolves of the same previously-unseen credential
// must produce at most one datastore lookup.
func TestResolveSingleFlightCollapsesConcurrentLookups(t *testing.T) {
	want := principal.Principal{Tier: principal.Tier{Kind: principal.Shared}}
	store := &fakeStore{principal: map[string]principal.Principal{"cred": want}, delay: 20 * time.Millisecond}
	r := newResolver(t, store, nil)

	const n = 100
	var wg sync.WaitGroup
	results := make([]principal.Principal, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Resolve(context.Background(), []byte("cred"))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, want, results[i])
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&store.lookups), "100 concurrent resolves of the same credential must collapse to one datastore lookup")
	assert.Equal(t, 1, r.cache.Len())
}

// TestResolveWithoutCacheAlwaysHitsDatastore exercises spec §6.4's
// cache_url-absent behavior: every resolve goes to the datastore, and
// nothing is ever cached.
func TestResolveWithoutCacheAlwaysHitsDatastore(t *testing.T) {
	want := principal.Principal{Tier: principal.Tier{Kind: principal.Shared}}
	store := &fakeStore{principal: map[string]principal.Principal{"cred": want}}
	hasher, err := credhash.NewHasher([]byte("test-pepper"))
	require.NoError(t, err)
	r, err := New(Config{Store: store, Hasher: hasher})
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), []byte("cred"))
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), []byte("cred"))
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&store.lookups), "with no cache configured every resolve must hit the datastore")
}

type assertAnErr struct{}

func (assertAnErr) Error() string { return "datastore connection refused" }
