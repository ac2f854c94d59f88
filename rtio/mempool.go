package rtio

import (
	"fmt"
	"sync"

	"github.com/ardnew/softimu/internal/metrics"
	"github.com/ardnew/softimu/pkg"
)

// PoolConfig sizes a BufferPool.
type PoolConfig struct {
	Slots     int // Number of buffers that may be checked out at once
	SlotSize  int // Requested bytes per buffer, before rounding
	BlockSize int // Slot size granularity; zero means no rounding
}

// slotSize returns the effective slot size: SlotSize rounded up to a
// multiple of BlockSize.
func (c PoolConfig) slotSize() int {
	if c.BlockSize <= 1 {
		return c.SlotSize
	}
	return (c.SlotSize + c.BlockSize - 1) / c.BlockSize * c.BlockSize
}

// BufferPool is a fixed-capacity pool of fixed-size byte slots carved out of
// one preallocated arena. No allocation happens after construction.
type BufferPool struct {
	name     string
	arena    []byte
	slotSize int
	slots    int

	mutex       sync.Mutex
	free        []int32 // stack of free slot indices
	outstanding int
	highWater   int
	exhausted   uint64

	metrics *metrics.Collector
}

// Buffer is a handle to one checked-out pool slot. The zero value is an
// empty handle. A Buffer is owned by exactly one holder at a time; passing
// it to Release consumes it.
type Buffer struct {
	pool *BufferPool
	slot int32
	size int
}

// NewBufferPool creates a pool with cfg.Slots slots of the rounded slot size.
func NewBufferPool(name string, cfg PoolConfig, m *metrics.Collector) (*BufferPool, error) {
	if cfg.Slots <= 0 || cfg.SlotSize <= 0 || cfg.BlockSize < 0 {
		return nil, fmt.Errorf("%w: pool slots=%d size=%d block=%d",
			pkg.ErrInvalidParameter, cfg.Slots, cfg.SlotSize, cfg.BlockSize)
	}

	size := cfg.slotSize()
	p := &BufferPool{
		name:     name,
		arena:    make([]byte, cfg.Slots*size),
		slotSize: size,
		slots:    cfg.Slots,
		free:     make([]int32, cfg.Slots),
		metrics:  m,
	}
	// Lowest slot index on top of the stack.
	for i := range p.free {
		p.free[i] = int32(cfg.Slots - 1 - i)
	}

	m.PoolCapacity(name, cfg.Slots)
	m.PoolOutstanding(name, 0)
	pkg.LogDebug(pkg.ComponentPool, "buffer pool created",
		"pool", name,
		"slots", cfg.Slots,
		"slotSize", size)
	return p, nil
}

// Capacity returns the number of slots.
func (p *BufferPool) Capacity() int {
	return p.slots
}

// SlotSize returns the effective size of each slot in bytes.
func (p *BufferPool) SlotSize() int {
	return p.slotSize
}

// Acquire checks out one slot able to hold size bytes.
// Returns pkg.ErrNoMemory when every slot is checked out, and
// pkg.ErrBufferTooSmall when size exceeds the slot size.
func (p *BufferPool) Acquire(size int) (Buffer, error) {
	if size <= 0 {
		return Buffer{}, fmt.Errorf("%w: acquire size %d", pkg.ErrInvalidParameter, size)
	}
	if size > p.slotSize {
		return Buffer{}, fmt.Errorf("%w: need %d bytes, slot is %d",
			pkg.ErrBufferTooSmall, size, p.slotSize)
	}

	p.mutex.Lock()
	n := len(p.free)
	if n == 0 {
		p.exhausted++
		p.mutex.Unlock()
		p.metrics.PoolExhausted(p.name)
		pkg.LogDebug(pkg.ComponentPool, "pool exhausted", "pool", p.name)
		return Buffer{}, fmt.Errorf("%w: %s has %d of %d slots out",
			pkg.ErrNoMemory, p.name, p.slots, p.slots)
	}
	slot := p.free[n-1]
	p.free = p.free[:n-1]
	p.outstanding++
	if p.outstanding > p.highWater {
		p.highWater = p.outstanding
	}
	out := p.outstanding
	p.mutex.Unlock()

	p.metrics.PoolOutstanding(p.name, out)
	return Buffer{pool: p, slot: slot, size: size}, nil
}

// Release returns the slot held by b to the pool and clears b.
// Releasing an empty handle does nothing, so a handle that has been
// released once cannot be released again.
// Releasing a buffer into a pool that did not issue it panics.
func (p *BufferPool) Release(b *Buffer) {
	if b == nil || b.pool == nil {
		return
	}
	if b.pool != p {
		panic("rtio: buffer released to foreign pool")
	}

	p.mutex.Lock()
	p.free = append(p.free, b.slot)
	p.outstanding--
	out := p.outstanding
	p.mutex.Unlock()

	*b = Buffer{}
	p.metrics.PoolOutstanding(p.name, out)
}

// Outstanding returns the number of checked-out slots.
func (p *BufferPool) Outstanding() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.outstanding
}

// PoolStats is a point-in-time snapshot of pool usage.
type PoolStats struct {
	Capacity    int
	SlotSize    int
	Outstanding int
	HighWater   int
	Exhausted   uint64
}

// Stats returns a snapshot of pool usage.
func (p *BufferPool) Stats() PoolStats {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return PoolStats{
		Capacity:    p.slots,
		SlotSize:    p.slotSize,
		Outstanding: p.outstanding,
		HighWater:   p.highWater,
		Exhausted:   p.exhausted,
	}
}

// Valid reports whether b holds a slot.
func (b Buffer) Valid() bool {
	return b.pool != nil
}

// Len returns the number of usable bytes in b.
func (b Buffer) Len() int {
	if b.pool == nil {
		return 0
	}
	return b.size
}

// Bytes returns the slot memory covered by b, or nil for an empty handle.
// The slice must not be retained after the buffer is released.
func (b Buffer) Bytes() []byte {
	if b.pool == nil {
		return nil
	}
	off := int(b.slot) * b.pool.slotSize
	return b.pool.arena[off : off+b.size : off+b.size]
}

// truncate shrinks the usable length of b to n bytes.
func (b Buffer) truncate(n int) Buffer {
	if n < 0 {
		n = 0
	}
	if n < b.size {
		b.size = n
	}
	return b
}
