package buffer

import "sync"

// Pool recycles fixed-size working buffers. Every buffer handed out by Get
// has exactly Size() bytes and is zeroed.
type Pool struct {
	size int
	pool sync.Pool
}

// NewPool creates a pool of buffers of the given size
func NewPool(size int) *Pool {
	p := &Pool{size: size}
	p.pool.New = func() interface{} {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Size returns the length of buffers handed out by the pool
func (p *Pool) Size() int {
	return p.size
}

// Get retrieves a zeroed buffer from the pool
func (p *Pool) Get() []byte {
	return *(p.pool.Get().(*[]byte))
}

// Put clears a buffer and returns it to the pool.
// Buffers of a foreign size are dropped for the GC to collect.
func (p *Pool) Put(buf []byte) {
	if cap(buf) != p.size {
		return
	}
	buf = buf[:p.size]
	clear(buf)
	p.pool.Put(&buf)
}
