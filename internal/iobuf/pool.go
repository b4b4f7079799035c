// Package iobuf pools the scratch buffers used by the session relay and
// read loops.
package iobuf

import "sync"

// Size matches PIPE_BUF on Linux so a single relay write into a named pipe
// stays atomic. See pipe(7).
const Size = 4096

var pool = sync.Pool{
	New: func() any {
		b := make([]byte, Size)
		return &b
	},
}

// Get returns a pooled buffer of length Size.
func Get() *[]byte {
	return pool.Get().(*[]byte)
}

// Put returns a buffer obtained from Get to the pool. Passing nil is a no-op.
func Put(b *[]byte) {
	if b == nil {
		return
	}
	pool.Put(b)
}
