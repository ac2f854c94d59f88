package rtio

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ardnew/softimu/pkg"
)

// Flags modify how a submission is serviced.
type Flags uint8

// Submission flags.
const (
	// FlagMultishot keeps the submission armed after each completion.
	FlagMultishot Flags = 1 << iota

	// FlagMempool asks the producer to take its buffer from the context pool.
	FlagMempool
)

// Submission is one request queued against a Context. A multishot
// submission stays armed until it is cancelled, so the producer keeps
// posting completions for it without the caller resubmitting.
type Submission struct {
	id       uuid.UUID
	q        *Context
	slot     int
	flags    Flags
	userdata any

	ctx    context.Context
	cancel context.CancelFunc

	done       chan struct{}
	finishOnce sync.Once
}

// Completion is a transient record posted by a producer. It must be handed
// back with ReleaseEvent once the buffer (if any) has been resolved.
type Completion struct {
	Result pkg.Result // Zero on success

	q    *Context
	sub  *Submission
	buf  Buffer
	live bool
}

// Submission returns the submission this completion belongs to.
func (c *Completion) Submission() *Submission {
	return c.sub
}

// Userdata returns the userdata of the originating submission.
func (c *Completion) Userdata() any {
	if c.sub == nil {
		return nil
	}
	return c.sub.userdata
}

// Prepare reserves a submission slot. The returned submission is armed
// until Cancel is called, its parent ctx ends, or the context is closed.
// Returns pkg.ErrNoResources (wrapped in pkg.ErrSubmit) when every slot is
// taken.
func (c *Context) Prepare(ctx context.Context, flags Flags, userdata any) (*Submission, error) {
	select {
	case <-c.closed:
		return nil, fmt.Errorf("%w: %w", pkg.ErrSubmit, pkg.ErrClosed)
	default:
	}

	c.subMutex.Lock()
	slot := -1
	for i, s := range c.subs {
		if s == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		c.subMutex.Unlock()
		return nil, fmt.Errorf("%w: %w: %d of %d submission slots in use",
			pkg.ErrSubmit, pkg.ErrNoResources, len(c.subs), len(c.subs))
	}

	s := &Submission{
		id:       uuid.New(),
		q:        c,
		slot:     slot,
		flags:    flags,
		userdata: userdata,
		done:     make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	c.subs[slot] = s
	c.subCount++
	n := c.subCount
	c.subMutex.Unlock()

	c.metrics.SubmissionsOpen(n)
	pkg.LogDebug(pkg.ComponentQueue, "submission prepared",
		"name", c.name,
		"id", s.id.String(),
		"multishot", flags&FlagMultishot != 0)
	return s, nil
}

// ID returns the unique identifier of the submission.
func (s *Submission) ID() uuid.UUID {
	return s.id
}

// Queue returns the context the submission was prepared on.
func (s *Submission) Queue() *Context {
	return s.q
}

// Userdata returns the value supplied to Prepare.
func (s *Submission) Userdata() any {
	return s.userdata
}

// Multishot reports whether the submission re-arms after each completion.
func (s *Submission) Multishot() bool {
	return s.flags&FlagMultishot != 0
}

// Mempool reports whether the producer should use the context pool.
func (s *Submission) Mempool() bool {
	return s.flags&FlagMempool != 0
}

// Context returns a context that ends when the submission is cancelled.
// Producers block on it.
func (s *Submission) Context() context.Context {
	return s.ctx
}

// Cancel disarms the submission. The producer observes the cancellation,
// stops posting, and calls Finish.
func (s *Submission) Cancel() {
	s.cancel()
}

// Finish releases the submission slot. It is called by the producer once
// it will post nothing more for s, and is safe to call more than once.
func (s *Submission) Finish() {
	s.finishOnce.Do(func() {
		s.cancel()

		c := s.q
		c.subMutex.Lock()
		if c.subs[s.slot] == s {
			c.subs[s.slot] = nil
			c.subCount--
		}
		n := c.subCount
		c.subMutex.Unlock()

		close(s.done)
		c.metrics.SubmissionsOpen(n)
		pkg.LogDebug(pkg.ComponentQueue, "submission finished",
			"name", c.name,
			"id", s.id.String())
	})
}

// Done returns a channel closed after Finish.
func (s *Submission) Done() <-chan struct{} {
	return s.done
}

// Handle is the caller's token for an outstanding submission.
type Handle struct {
	sub *Submission
}

// Handle returns the caller-facing token for s.
func (s *Submission) Handle() Handle {
	return Handle{sub: s}
}

// ID returns the submission identifier, or the nil UUID for an empty handle.
func (h Handle) ID() uuid.UUID {
	if h.sub == nil {
		return uuid.Nil
	}
	return h.sub.id
}

// Valid reports whether h refers to a submission.
func (h Handle) Valid() bool {
	return h.sub != nil
}

// Cancel disarms the submission.
func (h Handle) Cancel() {
	if h.sub != nil {
		h.sub.Cancel()
	}
}

// Wait blocks until the producer has finished the submission or ctx ends.
func (h Handle) Wait(ctx context.Context) error {
	if h.sub == nil {
		return nil
	}
	select {
	case <-h.sub.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
