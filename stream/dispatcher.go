package stream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/ardnew/softimu/internal/metrics"
	"github.com/ardnew/softimu/pkg"
	"github.com/ardnew/softimu/sensor"
)

// State is a dispatcher state.
type State int32

// Dispatcher states.
const (
	StateAwaitCompletion State = iota
	StateComputeFrameCounts
	StateDecodeChannels
	StateRelease
	StateAborted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateAwaitCompletion:
		return "await_completion"
	case StateComputeFrameCounts:
		return "compute_frame_counts"
	case StateDecodeChannels:
		return "decode_channels"
	case StateRelease:
		return "release"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Default per-channel decode batch sizes, in frames.
const (
	DefaultAccelBatch = 8
	DefaultGyroBatch  = 8
	DefaultTempBatch  = 4
	DefaultMagnBatch  = 8
)

// MaxDevices bounds the number of devices attached to one dispatcher.
const MaxDevices = 10

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBatchSize sets the decode batch size for a channel kind. Values
// below one are ignored.
func WithBatchSize(kind sensor.ChannelKind, frames int) Option {
	return func(d *Dispatcher) {
		if int(kind) < sensor.NumChannelKinds && frames > 0 {
			d.batch[kind] = frames
		}
	}
}

// WithMetrics records decode passes, frames and triggers on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// binding is the per-device decode configuration. The count and iterator
// arrays are reused across passes.
type binding struct {
	dev      sensor.Device
	name     string
	decoder  sensor.Decoder
	channels []sensor.ChannelSpec
	triggers []sensor.TriggerKind
	counts   []int
	iters    []sensor.FrameIterator
}

// Stats counts dispatcher activity.
type Stats struct {
	Passes   uint64 // Buffers decoded and released
	Frames   uint64 // Samples emitted
	Triggers uint64 // Trigger notifications emitted
}

// Dispatcher drives the decode loop for one queue context: it waits for a
// completion, decodes every configured channel of the buffer into the
// sink, and returns the buffer to the pool.
//
// Run and Step must be called from a single goroutine. State and Stats may
// be read from any goroutine.
type Dispatcher struct {
	consumer *Consumer
	q        Queue
	sink     Sink
	metrics  *metrics.Collector

	batch    [sensor.NumChannelKinds]int
	bindings []*binding
	out      []sensor.Sample

	state    atomic.Int32
	passes   atomic.Uint64
	frames   atomic.Uint64
	triggers atomic.Uint64
}

// NewDispatcher creates a dispatcher reading q and writing to sink.
func NewDispatcher(q Queue, sink Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		consumer: NewConsumer(q),
		q:        q,
		sink:     sink,
	}
	d.batch[sensor.ChannelAccelXYZ] = DefaultAccelBatch
	d.batch[sensor.ChannelGyroXYZ] = DefaultGyroBatch
	d.batch[sensor.ChannelDieTemp] = DefaultTempBatch
	d.batch[sensor.ChannelMagnXYZ] = DefaultMagnBatch
	for _, opt := range opts {
		opt(d)
	}
	if d.sink == nil {
		d.sink = SinkFuncs{}
	}

	largest := 0
	for _, n := range d.batch {
		largest = max(largest, n)
	}
	d.out = make([]sensor.Sample, largest)
	return d
}

// Attach registers dev with the channels to decode and the discrete
// triggers to check on each of its buffers. Channels are decoded in fixed
// kind order (accel, gyro, temperature, magnetometer) regardless of the
// order given.
func (d *Dispatcher) Attach(dev sensor.Device, channels []sensor.ChannelSpec, triggers []sensor.TriggerKind) error {
	if len(d.bindings) >= MaxDevices {
		return fmt.Errorf("%w: %w: more than %d devices", pkg.ErrStartup, pkg.ErrNoResources, MaxDevices)
	}
	if len(channels) == 0 {
		return fmt.Errorf("%w: %s: %w: no channels", pkg.ErrStartup, dev.Name(), pkg.ErrInvalidParameter)
	}
	for _, b := range d.bindings {
		if b.dev == dev || b.name == dev.Name() {
			return fmt.Errorf("%w: %s: %w: already attached", pkg.ErrStartup, dev.Name(), pkg.ErrInvalidParameter)
		}
	}
	for _, ch := range channels {
		if int(ch.Kind) >= sensor.NumChannelKinds {
			return fmt.Errorf("%w: %s: %w: channel %v", pkg.ErrStartup, dev.Name(), pkg.ErrNotSupported, ch)
		}
	}

	decoder, err := dev.Decoder()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", pkg.ErrStartup, dev.Name(), err)
	}

	chs := slices.Clone(channels)
	slices.SortStableFunc(chs, func(a, b sensor.ChannelSpec) int {
		if a.Kind != b.Kind {
			return int(a.Kind) - int(b.Kind)
		}
		return int(a.Index) - int(b.Index)
	})
	chs = slices.Compact(chs)

	var trigs []sensor.TriggerKind
	for _, t := range triggers {
		if t.Discrete() && !slices.Contains(trigs, t) {
			trigs = append(trigs, t)
		}
	}

	d.bindings = append(d.bindings, &binding{
		dev:      dev,
		name:     dev.Name(),
		decoder:  decoder,
		channels: chs,
		triggers: trigs,
		counts:   make([]int, len(chs)),
		iters:    make([]sensor.FrameIterator, len(chs)),
	})

	pkg.LogInfo(pkg.ComponentDispatch, "device attached",
		"device", dev.Name(),
		"channels", len(chs),
		"triggers", len(trigs))
	return nil
}

// State returns the current state.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

func (d *Dispatcher) setState(s State) {
	d.state.Store(int32(s))
}

// Stats returns a snapshot of the activity counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Passes:   d.passes.Load(),
		Frames:   d.frames.Load(),
		Triggers: d.triggers.Load(),
	}
}

// Run processes completions until an error ends the session. Cancelling
// ctx or closing the queue ends the session cleanly with a nil error; any
// other failure is returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	pkg.LogInfo(pkg.ComponentDispatch, "dispatcher running", "devices", len(d.bindings))
	for {
		err := d.Step(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, pkg.ErrClosed) || (errors.Is(err, pkg.ErrCancelled) && ctx.Err() != nil) {
			pkg.LogInfo(pkg.ComponentDispatch, "dispatcher stopped",
				"passes", d.passes.Load(),
				"frames", d.frames.Load())
			return nil
		}
		pkg.LogError(pkg.ComponentDispatch, "dispatcher aborted", "error", err)
		return err
	}
}

// Step processes exactly one completion. On failure the dispatcher is left
// in StateAborted and the error is returned.
func (d *Dispatcher) Step(ctx context.Context) error {
	d.setState(StateAwaitCompletion)
	ev, err := d.consumer.Next(ctx)
	if err != nil {
		d.setState(StateAborted)
		return err
	}

	b := d.lookup(ev.Userdata)
	if b == nil {
		d.q.ReleaseBuffer(&ev.Buffer)
		d.setState(StateAborted)
		return fmt.Errorf("%w: %w: completion from unattached device %q",
			pkg.ErrResolve, pkg.ErrInvalidParameter, deviceName(ev.Userdata))
	}

	start := time.Now()
	if err := d.decode(b, ev.Bytes()); err != nil {
		// The buffer is abandoned with the session.
		d.metrics.DecodePass(b.name, "error", time.Since(start))
		d.setState(StateAborted)
		return err
	}

	d.setState(StateRelease)
	d.q.ReleaseBuffer(&ev.Buffer)
	d.passes.Add(1)
	d.metrics.DecodePass(b.name, "ok", time.Since(start))
	return nil
}

func (d *Dispatcher) lookup(userdata any) *binding {
	for _, b := range d.bindings {
		if any(b.dev) == userdata {
			return b
		}
	}
	return nil
}

// Dispatch runs one decode pass of buf for an attached device: frame
// counts, trigger check, then bounded batches per channel until the
// combined frame total is consumed. The caller keeps ownership of buf.
func (d *Dispatcher) Dispatch(dev sensor.Device, buf []byte) error {
	b := d.lookup(dev)
	if b == nil {
		return fmt.Errorf("%w: %w: device %q not attached",
			pkg.ErrResolve, pkg.ErrInvalidParameter, deviceName(dev))
	}
	return d.decode(b, buf)
}

func (d *Dispatcher) decode(b *binding, buf []byte) error {
	d.setState(StateComputeFrameCounts)
	total := 0
	for i, ch := range b.channels {
		n, err := b.decoder.FrameCount(buf, ch)
		if err != nil {
			return fmt.Errorf("%w: %s: frame count %v: %w", pkg.ErrDecode, b.name, ch, err)
		}
		if n < 0 {
			return fmt.Errorf("%w: %s: frame count %v is %d", pkg.ErrDecode, b.name, ch, n)
		}
		b.counts[i] = n
		b.iters[i].Reset()
		total += n
	}

	for _, t := range b.triggers {
		if b.decoder.HasTrigger(buf, t) {
			d.triggers.Add(1)
			d.metrics.Trigger(b.name, t.String())
			d.sink.Trigger(TriggerEvent{Device: b.name, Kind: t})
		}
	}

	if total == 0 {
		return nil
	}

	d.setState(StateDecodeChannels)
	consumed := 0
	for consumed < total {
		progress := 0
		for i, ch := range b.channels {
			left := b.counts[i] - b.iters[i].Consumed()
			if left <= 0 || consumed >= total {
				continue
			}
			limit := min(d.batch[ch.Kind], left)

			before := b.iters[i].Consumed()
			n, err := b.decoder.Decode(buf, ch, &b.iters[i], limit, d.out[:limit])
			if err != nil {
				return fmt.Errorf("%w: %s: decode %v: %w", pkg.ErrDecode, b.name, ch, err)
			}
			if n < 0 || n > limit {
				return fmt.Errorf("%w: %s: decode %v returned %d frames for a batch of %d",
					pkg.ErrDecode, b.name, ch, n, limit)
			}
			// Per-channel remainders sum to total-consumed only while each
			// cursor moves by exactly the frames returned.
			if b.iters[i].Consumed() != before+n {
				return fmt.Errorf("%w: %s: decode %v returned %d frames but moved the cursor by %d",
					pkg.ErrDecode, b.name, ch, n, b.iters[i].Consumed()-before)
			}

			for k := 0; k < n; k++ {
				d.sink.Sample(SampleEvent{Device: b.name, Channel: ch, Sample: d.out[k]})
			}
			if n > 0 {
				d.metrics.Frames(b.name, ch.Kind.String(), n)
			}
			consumed += n
			progress += n
		}
		if progress == 0 {
			return fmt.Errorf("%w: %s: decoders stalled at %d of %d frames",
				pkg.ErrDecode, b.name, consumed, total)
		}
	}
	d.frames.Add(uint64(consumed))

	pkg.LogDebug(pkg.ComponentDecoder, "buffer decoded",
		"device", b.name,
		"frames", consumed,
		"bytes", len(buf))
	return nil
}
