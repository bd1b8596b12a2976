package rendezvous

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeConn(t *testing.T) net.Conn {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	return a
}

// TestPublishThenClaimRoundTrips exercises L3: publishing and
// immediately claiming a rendezvous yields back the exact pair
// published.
func TestPublishThenClaimRoundTrips(t *testing.T) {
	table := New(0)
	conn := pipeConn(t)
	prefix := []byte("GET / HTTP/1.1\r\n")

	require.NoError(t, table.Publish("rv1", conn, prefix))

	entry, ok := table.Claim("rv1")
	require.True(t, ok)
	assert.Equal(t, conn, entry.PublicStream)
	assert.Equal(t, prefix, entry.BufferedPrefix)
}

func TestPublishDuplicateIDRejected(t *testing.T) {
	table := New(0)
	require.NoError(t, table.Publish("rv1", pipeConn(t), nil))

	err := table.Publish("rv1", pipeConn(t), nil)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestClaimMissReturnsFalse(t *testing.T) {
	table := New(0)
	_, ok := table.Claim("never-published")
	assert.False(t, ok)
}

// TestClaimSucceedsAtMostOnce exercises P5: concurrent claims of the
// same rendezvous_id must see exactly one winner.
func TestClaimSucceedsAtMostOnce(t *testing.T) {
	table := New(0)
	require.NoError(t, table.Publish("rv1", pipeConn(t), nil))

	const n = 32
	var successes int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := table.Claim("rv1"); ok {
				atomic.AddInt32(&successes, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes)
	assert.Equal(t, 0, table.Len())
}

// TestPublishRejectsBeyondMaxPending exercises P2: the table never
// holds more than max_pending_rendezvous entries.
func TestPublishRejectsBeyondMaxPending(t *testing.T) {
	table := New(1)
	require.NoError(t, table.Publish("rv1", pipeConn(t), nil))

	err := table.Publish("rv2", pipeConn(t), nil)
	assert.ErrorIs(t, err, ErrMaxPendingExceeded)
	assert.Equal(t, 1, table.Len())

	_, ok := table.Claim("rv1")
	require.True(t, ok)

	require.NoError(t, table.Publish("rv2", pipeConn(t), nil), "capacity must free up once the prior entry is claimed")
}

func TestReapOlderThanRemovesStaleEntriesAndClosesStream(t *testing.T) {
	table := New(0)
	clock := time.Now()
	table.now = func() time.Time { return clock }

	a, b := net.Pipe()
	defer b.Close()
	require.NoError(t, table.Publish("stale", a, nil))

	clock = clock.Add(2 * time.Minute)
	require.NoError(t, table.Publish("fresh", pipeConn(t), nil))

	reaped := table.ReapOlderThan(time.Minute)
	assert.Equal(t, 1, reaped)
	assert.Equal(t, 1, table.Len())

	_, staleOK := table.Claim("stale")
	assert.False(t, staleOK)
	_, freshOK := table.Claim("fresh")
	assert.True(t, freshOK)

	// The reaped stream should now be closed: a write should fail.
	_, err := a.Write([]byte("x"))
	assert.Error(t, err)
}
