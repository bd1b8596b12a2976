package bufpool_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/airelay/airelay/internal/bufpool"
)

func TestGetReturnsBufferOfExpectedSize(t *testing.T) {
	buf := bufpool.Get()
	assert.Len(t, buf, bufpool.Size)
}

func TestPutThenGetReusesCapacity(t *testing.T) {
	buf := bufpool.Get()
	buf[0] = 0xAB
	bufpool.Put(buf)

	buf2 := bufpool.Get()
	assert.Len(t, buf2, bufpool.Size)
}

func TestPutIgnoresWrongSizedBuffer(t *testing.T) {
	// Must not panic, and must not corrupt the pool for subsequent Gets.
	bufpool.Put(make([]byte, 16))
	buf := bufpool.Get()
	assert.Len(t, buf, bufpool.Size)
}
