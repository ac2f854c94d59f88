package sensor

import (
	"context"
	"fmt"

	"github.com/ardnew/softimu/pkg"
	"github.com/ardnew/softimu/rtio"
)

// Decoder interprets buffers of one data format. Implementations are
// stateless: all per-pass state lives in the FrameIterator the caller
// supplies, so one Decoder may serve any number of devices.
type Decoder interface {
	// FrameCount returns the number of frames of ch in buf, or zero when the
	// buffer carries none.
	FrameCount(buf []byte, ch ChannelSpec) (int, error)

	// Decode writes at most min(maxOut, len(out)) frames of ch, starting at
	// the iterator position, and advances the iterator. It returns zero once
	// the channel is exhausted.
	Decode(buf []byte, ch ChannelSpec, it *FrameIterator, maxOut int, out []Sample) (int, error)

	// HasTrigger reports whether trigger fired for buf. It consumes no frames.
	HasTrigger(buf []byte, trigger TriggerKind) bool
}

// Device is a named sensor whose buffers are decoded by one Decoder.
type Device interface {
	Name() string
	Decoder() (Decoder, error)
}

// Streamer is a Device that services persistent stream submissions.
type Streamer interface {
	Device

	// Ready reports whether the device passed bring-up.
	Ready() bool

	// SubmitStream starts servicing sub. The device posts one completion per
	// delivered FIFO batch until sub is cancelled, then calls sub.Finish.
	SubmitStream(sub *rtio.Submission, triggers []TriggerSpec) error
}

// Stream starts a persistent stream of dev into q. Completions for the
// stream carry dev as their userdata and keep arriving without resubmission
// until the handle is cancelled, ctx ends, or q is closed.
//
// A device that is not ready yields an error wrapping pkg.ErrStartup. A
// context with no free submission slot yields pkg.ErrSubmit.
func Stream(ctx context.Context, dev Streamer, q *rtio.Context, triggers []TriggerSpec) (rtio.Handle, error) {
	if !dev.Ready() {
		return rtio.Handle{}, fmt.Errorf("%w: %s: %w", pkg.ErrStartup, dev.Name(), pkg.ErrDeviceNotReady)
	}
	for _, t := range triggers {
		if err := t.Validate(); err != nil {
			return rtio.Handle{}, fmt.Errorf("%w: %s: %w", pkg.ErrStartup, dev.Name(), err)
		}
	}

	sub, err := q.Prepare(ctx, rtio.FlagMultishot|rtio.FlagMempool, dev)
	if err != nil {
		return rtio.Handle{}, fmt.Errorf("%s: %w", dev.Name(), err)
	}
	if err := dev.SubmitStream(sub, triggers); err != nil {
		sub.Finish()
		return rtio.Handle{}, fmt.Errorf("%w: %s: %w", pkg.ErrSubmit, dev.Name(), err)
	}

	pkg.LogInfo(pkg.ComponentStream, "stream started",
		"device", dev.Name(),
		"id", sub.ID().String(),
		"triggers", len(triggers))
	return sub.Handle(), nil
}
