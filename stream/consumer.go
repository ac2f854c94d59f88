package stream

import (
	"context"
	"fmt"

	"github.com/ardnew/softimu/pkg"
	"github.com/ardnew/softimu/rtio"
	"github.com/ardnew/softimu/sensor"
)

// Queue is the consumer side of a queue context. *rtio.Context implements
// it.
type Queue interface {
	WaitNext(ctx context.Context) (*rtio.Completion, error)
	ResolveBuffer(cqe *rtio.Completion) (rtio.Buffer, int, error)
	ReleaseEvent(cqe *rtio.Completion)
	ReleaseBuffer(b *rtio.Buffer)
}

var _ Queue = (*rtio.Context)(nil)

// Event is a successful completion resolved to its buffer. The completion
// entry itself has already been released; the caller owns Buffer and must
// return it with ReleaseBuffer.
type Event struct {
	Userdata any
	Buffer   rtio.Buffer
	Len      int
}

// Device returns the originating device when the userdata is one.
func (e Event) Device() (sensor.Device, bool) {
	d, ok := e.Userdata.(sensor.Device)
	return d, ok
}

// Bytes returns the valid bytes of the buffer.
func (e Event) Bytes() []byte {
	return e.Buffer.Bytes()[:e.Len]
}

// Consumer takes completions off a queue one at a time.
type Consumer struct {
	q Queue
}

// NewConsumer returns a consumer for q.
func NewConsumer(q Queue) *Consumer {
	return &Consumer{q: q}
}

// Next blocks for the next completion. A non-zero result is returned as a
// *pkg.CompletionError carrying the code unchanged, and the buffer is never
// resolved. Either way the completion entry is released before Next returns.
func (c *Consumer) Next(ctx context.Context) (Event, error) {
	cqe, err := c.q.WaitNext(ctx)
	if err != nil {
		return Event{}, err
	}
	userdata := cqe.Userdata()

	if cqe.Result != pkg.ResultOK {
		result := cqe.Result
		c.q.ReleaseEvent(cqe)
		return Event{}, &pkg.CompletionError{Device: deviceName(userdata), Result: result}
	}

	buf, n, err := c.q.ResolveBuffer(cqe)
	c.q.ReleaseEvent(cqe)
	if err != nil {
		return Event{}, fmt.Errorf("%s: %w", deviceName(userdata), err)
	}
	return Event{Userdata: userdata, Buffer: buf, Len: n}, nil
}

func deviceName(userdata any) string {
	switch v := userdata.(type) {
	case sensor.Device:
		return v.Name()
	case string:
		return v
	}
	return ""
}
