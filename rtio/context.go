package rtio

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/softimu/internal/metrics"
	"github.com/ardnew/softimu/pkg"
)

// Config sizes a queue context.
type Config struct {
	Name        string     // Label used in logs and metrics
	Submissions int        // Outstanding submission slots
	Completions int        // Completion queue depth
	Pool        PoolConfig // Owned buffer pool
}

// Context is a submission/completion queue pair with an owned buffer pool.
//
// A Context is created once by the streaming subsystem and shared by every
// device that streams into it. Producers (device drivers) post completions
// with Produce; exactly one consumer goroutine drains them with WaitNext.
type Context struct {
	name string
	pool *BufferPool

	// Completion entries are preallocated; cqeFree holds the idle ones and
	// cq the posted ones, so neither channel can overflow.
	cqes    []Completion
	cqeFree chan *Completion
	cq      chan *Completion

	// Submission slots - fixed-size table, nil entries are free
	subMutex sync.Mutex
	subs     []*Submission
	subCount int

	closed    chan struct{}
	closeOnce sync.Once

	metrics *metrics.Collector
}

// NewContext creates a queue context and its buffer pool.
func NewContext(cfg Config, m *metrics.Collector) (*Context, error) {
	if cfg.Submissions <= 0 || cfg.Completions <= 0 {
		return nil, fmt.Errorf("%w: %w: submissions=%d completions=%d",
			pkg.ErrStartup, pkg.ErrInvalidParameter, cfg.Submissions, cfg.Completions)
	}
	if cfg.Name == "" {
		cfg.Name = "rtio"
	}

	pool, err := NewBufferPool(cfg.Name, cfg.Pool, m)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pkg.ErrStartup, err)
	}

	c := &Context{
		name:    cfg.Name,
		pool:    pool,
		cqes:    make([]Completion, cfg.Completions),
		cqeFree: make(chan *Completion, cfg.Completions),
		cq:      make(chan *Completion, cfg.Completions),
		subs:    make([]*Submission, cfg.Submissions),
		closed:  make(chan struct{}),
		metrics: m,
	}
	for i := range c.cqes {
		c.cqes[i].q = c
		c.cqeFree <- &c.cqes[i]
	}

	pkg.LogInfo(pkg.ComponentQueue, "queue context created",
		"name", cfg.Name,
		"submissions", cfg.Submissions,
		"completions", cfg.Completions,
		"poolSlots", pool.Capacity(),
		"slotSize", pool.SlotSize())
	return c, nil
}

// Name returns the context label.
func (c *Context) Name() string {
	return c.name
}

// Pool returns the context's buffer pool.
func (c *Context) Pool() *BufferPool {
	return c.pool
}

// Close cancels every outstanding submission and wakes blocked waiters.
// A closed context cannot be reused.
func (c *Context) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.subMutex.Lock()
		var active []*Submission
		for _, s := range c.subs {
			if s != nil {
				active = append(active, s)
			}
		}
		c.subMutex.Unlock()

		for _, s := range active {
			s.Cancel()
		}
		pkg.LogInfo(pkg.ComponentQueue, "queue context closed", "name", c.name)
	})
}

// =============================================================================
// Consumer side
// =============================================================================

// WaitNext blocks until a completion is available and returns it.
// Completions are delivered in the order they were posted.
//
// The wait has no deadline of its own; ctx is observed only so that a
// consumer can be shut down, and context.Background() waits forever.
func (c *Context) WaitNext(ctx context.Context) (*Completion, error) {
	select {
	case cqe := <-c.cq:
		return cqe, nil
	default:
	}

	select {
	case cqe := <-c.cq:
		return cqe, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", pkg.ErrCancelled, ctx.Err())
	case <-c.closed:
		return nil, pkg.ErrClosed
	}
}

// ResolveBuffer transfers ownership of the completion's buffer to the
// caller and returns it with the number of valid bytes. It must be called
// before ReleaseEvent and only on a successful completion.
func (c *Context) ResolveBuffer(cqe *Completion) (Buffer, int, error) {
	if cqe == nil || cqe.q != c {
		return Buffer{}, 0, fmt.Errorf("%w: %w: completion not issued by %s",
			pkg.ErrResolve, pkg.ErrInvalidParameter, c.name)
	}
	if cqe.Result != pkg.ResultOK {
		return Buffer{}, 0, fmt.Errorf("%w: result %v", pkg.ErrResolve, cqe.Result)
	}
	if !cqe.buf.Valid() {
		return Buffer{}, 0, fmt.Errorf("%w: completion carries no buffer", pkg.ErrResolve)
	}

	buf := cqe.buf
	cqe.buf = Buffer{}
	return buf, buf.Len(), nil
}

// ReleaseEvent returns a completion entry to the queue. A buffer that was
// never resolved has no other owner and is returned to the pool with it.
func (c *Context) ReleaseEvent(cqe *Completion) {
	if cqe == nil || cqe.q != c || !cqe.live {
		return
	}
	cqe.live = false
	if cqe.buf.Valid() {
		c.pool.Release(&cqe.buf)
	}
	cqe.Result = pkg.ResultOK
	cqe.sub = nil
	c.cqeFree <- cqe
}

// ReleaseBuffer returns a resolved buffer to the pool and clears the handle.
func (c *Context) ReleaseBuffer(b *Buffer) {
	c.pool.Release(b)
}

// =============================================================================
// Producer side
// =============================================================================

// Produce acquires a pool buffer of up to size bytes, lets fill write into
// it, and posts a completion for sub. fill returns the number of bytes it
// wrote.
//
// Produce first reserves a completion entry, blocking while every entry is
// queued or held by the consumer, and only then acquires the buffer. The
// buffers out at any time are therefore bounded by the completion depth
// plus those the consumer is still decoding; a pool sized above that never
// runs dry and the stall on completion entries is the backpressure.
//
// A pool that cannot supply the buffer is not retried: the failure is
// posted as a ResultNoMemory completion and also returned.
func (c *Context) Produce(sub *Submission, size int, fill func(buf []byte) (int, error)) error {
	cqe, err := c.reserve(sub)
	if err != nil {
		return err
	}

	buf, err := c.pool.Acquire(size)
	if err != nil {
		c.commit(cqe, sub, pkg.ResultOf(err), Buffer{})
		return err
	}

	n, err := fill(buf.Bytes())
	if err != nil {
		c.pool.Release(&buf)
		c.commit(cqe, sub, pkg.ResultOf(err), Buffer{})
		return err
	}

	c.commit(cqe, sub, pkg.ResultOK, buf.truncate(n))
	return nil
}

// Fail posts a failed completion for sub without a buffer.
func (c *Context) Fail(sub *Submission, result pkg.Result) error {
	if result == pkg.ResultOK {
		result = pkg.ResultIO
	}
	cqe, err := c.reserve(sub)
	if err != nil {
		return err
	}
	c.commit(cqe, sub, result, Buffer{})
	return nil
}

// reserve waits for a free completion entry.
func (c *Context) reserve(sub *Submission) (*Completion, error) {
	var done <-chan struct{}
	if sub != nil {
		done = sub.ctx.Done()
	}

	select {
	case cqe := <-c.cqeFree:
		return cqe, nil
	case <-done:
		return nil, pkg.ErrCancelled
	case <-c.closed:
		return nil, pkg.ErrClosed
	}
}

// commit fills a reserved entry and queues it. cq has room for every
// entry, so the send never blocks.
func (c *Context) commit(cqe *Completion, sub *Submission, result pkg.Result, buf Buffer) {
	cqe.Result = result
	cqe.sub = sub
	cqe.buf = buf
	cqe.live = true
	c.cq <- cqe

	c.metrics.Completion(result.String())
	if result != pkg.ResultOK {
		pkg.LogDebug(pkg.ComponentQueue, "failed completion posted",
			"name", c.name,
			"result", int32(result))
	}
}

// =============================================================================
// Statistics
// =============================================================================

// Stats is a point-in-time snapshot of queue usage.
type Stats struct {
	Name            string
	Pool            PoolStats
	Submissions     int // Outstanding submissions
	SubmissionSlots int
	Pending         int // Completions posted and not yet taken by WaitNext
	CompletionSlots int
}

// Stats returns a snapshot of queue and pool usage.
func (c *Context) Stats() Stats {
	c.subMutex.Lock()
	n := c.subCount
	c.subMutex.Unlock()

	return Stats{
		Name:            c.name,
		Pool:            c.pool.Stats(),
		Submissions:     n,
		SubmissionSlots: len(c.subs),
		Pending:         len(c.cq),
		CompletionSlots: len(c.cqes),
	}
}
