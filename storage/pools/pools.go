// Package pools provides a reusable 64 KiB buffer pool for the
// Deduplicator's content hashing, adapted from entitydb's
// storage/pools package (there sized for whole-entity content buffers;
// here sized to match spec.md §4.F's "buffered read of at most 64 KiB
// per chunk" hashing contract).
package pools

import "sync"

// LargeBufferPool hands out byte slices sized for chunked file hashing.
var LargeBufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 65536)
		return &b
	},
}

// GetHashBuffer returns a pooled 64 KiB buffer.
func GetHashBuffer() *[]byte {
	return LargeBufferPool.Get().(*[]byte)
}

// PutHashBuffer returns buf to the pool.
func PutHashBuffer(buf *[]byte) {
	LargeBufferPool.Put(buf)
}
