// Package bufpool provides a sync.Pool of fixed-size byte buffers for
// the proxy-plane splice relay (C7), avoiding a per-connection
// allocation on every io.CopyBuffer call.
package bufpool

import "sync"

// Size is the buffer length handed out by Get. Chosen to match a
// typical TCP socket read size without over-allocating per relayed
// connection (spec §5 resource caps keep per-connection memory small).
const Size = 32 * 1024

var pool = sync.Pool{
	New: func() interface{} {
		return make([]byte, Size)
	},
}

// Get returns a buffer of length Size. Callers must return it with Put
// once they are done; after Put, the caller must not touch the slice
// again, since another goroutine may immediately reuse it.
func Get() []byte {
	return pool.Get().([]byte)
}

// Put returns buf to the pool. buf must have been obtained from Get and
// must not be resliced to a different length before being returned.
func Put(buf []byte) {
	if len(buf) != Size {
		return
	}
	pool.Put(buf)
}
