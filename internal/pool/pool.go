// Package pool provides a ref-counted slab buffer pool shared by the
// packet/conn/transport layers, so a datagram's backing array survives
// from socket read through decode without a fresh allocation on every
// packet.
package pool

import (
	"sync"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/mem"
)

// SlabSize is the size of every pooled buffer, large enough for one MTU
// packet plus header protection slack.
const SlabSize = 2048

// defaultSlabHint is the fallback slab count used when host memory can't
// be queried (e.g. in a sandboxed test environment).
const defaultSlabHint = 512

// Pool hands out ref-counted Buffers backed by a sync.Pool of fixed-size
// slabs. Sizing the underlying sync.Pool itself isn't meaningful (Go's
// sync.Pool has no capacity knob), but Hint reports how many slabs a
// shard-aware caller should pre-warm, scaled to host memory the way
// nishisan-dev-n-backup's SystemMonitor samples gopsutil for operational
// metrics.
type Pool struct {
	raw  sync.Pool
	hint int
}

// New constructs a Pool, sizing its warm-up Hint from the host's total
// memory: roughly one slab per 2MiB, bounded to a sane range so a
// constrained container doesn't under- or over-commit.
func New() *Pool {
	hint := defaultSlabHint
	if v, err := mem.VirtualMemory(); err == nil && v.Total > 0 {
		h := int(v.Total / (2 << 20))
		if h < 64 {
			h = 64
		}
		if h > 1<<16 {
			h = 1 << 16
		}
		hint = h
	}
	p := &Pool{hint: hint}
	p.raw.New = func() interface{} {
		return &Buffer{data: make([]byte, SlabSize), pool: p}
	}
	return p
}

// Hint reports the recommended number of slabs to pre-warm for this host.
func (p *Pool) Hint() int { return p.hint }

// Get returns a ref-counted Buffer with one outstanding reference.
func (p *Pool) Get() *Buffer {
	b := p.raw.Get().(*Buffer)
	atomic.StoreInt32(&b.refs, 1)
	return b
}

// Buffer is a pooled, fixed-capacity byte slab with explicit reference
// counting: a packet buffer handed to a worker goroutine may need to
// outlive the socket-read loop that produced it, so ownership is tracked
// rather than returned to the pool the moment the read loop moves on.
type Buffer struct {
	data []byte
	pool *Pool
	refs int32
}

// Bytes returns the full-capacity backing slice.
func (b *Buffer) Bytes() []byte { return b.data }

// Retain adds one reference, returning the same Buffer for chaining. Call
// once per goroutine/structure that will independently call Release.
func (b *Buffer) Retain() *Buffer {
	atomic.AddInt32(&b.refs, 1)
	return b
}

// Release drops one reference. Once the count reaches zero the slab is
// returned to the pool; using the Buffer afterward is a use-after-free.
func (b *Buffer) Release() {
	if atomic.AddInt32(&b.refs, -1) == 0 {
		b.pool.raw.Put(b)
	}
}
