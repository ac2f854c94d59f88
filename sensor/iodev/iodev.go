package iodev

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/softimu/pkg"
	"github.com/ardnew/softimu/rtio"
	"github.com/ardnew/softimu/sensor"
	"github.com/ardnew/softimu/sensor/hal"
)

// Format is the driver side of a data format: it packs HAL batches into
// pool buffers that its Decoder understands.
type Format interface {
	Name() string
	Channels() []sensor.ChannelKind

	// EncodedSize returns the buffer size Encode needs. Without include the
	// buffer carries only the header and trigger flags.
	EncodedSize(b *hal.Batch, include bool) int
	Encode(dst []byte, b *hal.Batch, include bool) (int, error)

	Decoder() sensor.Decoder
}

// Device is a streaming sensor built from a HAL source and a data format.
// It services one persistent stream submission at a time.
type Device struct {
	name   string
	src    hal.Source
	format Format

	mutex   sync.Mutex
	ready   bool
	active  *rtio.Submission
	batches uint64
	posted  uint64
	wg      sync.WaitGroup

	// Owned by the serving goroutine
	batch hal.Batch
}

// New creates a device. It is not ready until Init succeeds.
func New(name string, src hal.Source, f Format) *Device {
	return &Device{name: name, src: src, format: f}
}

// Name returns the device name.
func (d *Device) Name() string {
	return d.name
}

// Format returns the device's data format.
func (d *Device) Format() Format {
	return d.format
}

// Decoder returns the decoder for the device's data format.
func (d *Device) Decoder() (sensor.Decoder, error) {
	if d.format == nil {
		return nil, fmt.Errorf("%w: %s: no data format", pkg.ErrNotSupported, d.name)
	}
	return d.format.Decoder(), nil
}

// Init brings up the source. A device whose source fails to initialize or
// start stays not ready.
func (d *Device) Init(ctx context.Context) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.ready {
		return pkg.ErrAlreadyRunning
	}
	if d.src == nil || d.format == nil {
		return fmt.Errorf("%w: %s: %w", pkg.ErrStartup, d.name, pkg.ErrDeviceNotReady)
	}
	if err := d.src.Init(ctx); err != nil {
		return fmt.Errorf("%w: %s: %w", pkg.ErrStartup, d.name, err)
	}
	if err := d.src.Start(); err != nil {
		_ = d.src.Stop()
		return fmt.Errorf("%w: %s: %w", pkg.ErrStartup, d.name, err)
	}
	d.ready = true

	pkg.LogInfo(pkg.ComponentIODev, "device ready",
		"device", d.name,
		"format", d.format.Name())
	return nil
}

// Ready reports whether Init succeeded and the device is not closed.
func (d *Device) Ready() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.ready
}

// SubmitStream starts servicing sub in a new goroutine. Each FIFO batch is
// checked against triggers and posted according to the winning policy.
// Returns pkg.ErrBusy while another stream is active.
func (d *Device) SubmitStream(sub *rtio.Submission, triggers []sensor.TriggerSpec) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.ready {
		return pkg.ErrDeviceNotReady
	}
	if d.active != nil {
		return pkg.ErrBusy
	}
	d.active = sub

	// The caller's slice may be reused after return.
	specs := append([]sensor.TriggerSpec(nil), triggers...)
	d.wg.Add(1)
	go d.serve(sub, specs)
	return nil
}

// Close cancels the active stream, waits for it to finish, and stops the
// source.
func (d *Device) Close() error {
	d.mutex.Lock()
	sub := d.active
	wasReady := d.ready
	d.ready = false
	d.mutex.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	d.wg.Wait()

	if !wasReady {
		return nil
	}
	err := d.src.Stop()
	pkg.LogInfo(pkg.ComponentIODev, "device closed",
		"device", d.name,
		"batches", d.Batches(),
		"posted", d.Posted())
	return err
}

// Batches returns the number of FIFO batches read.
func (d *Device) Batches() uint64 {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.batches
}

// Posted returns the number of completions posted.
func (d *Device) Posted() uint64 {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.posted
}

// serve drains the source into sub until it is cancelled or a completion
// reports failure.
func (d *Device) serve(sub *rtio.Submission, triggers []sensor.TriggerSpec) {
	defer d.wg.Done()
	defer func() {
		d.mutex.Lock()
		d.active = nil
		d.mutex.Unlock()
		sub.Finish()
	}()

	ctx := sub.Context()
	q := sub.Queue()

	include := true
	fill := func(buf []byte) (int, error) {
		return d.format.Encode(buf, &d.batch, include)
	}

	pkg.LogDebug(pkg.ComponentIODev, "stream serving",
		"device", d.name,
		"id", sub.ID().String())

	for {
		d.batch.Reset()
		if err := d.src.ReadBatch(ctx, &d.batch); err != nil {
			if ctx.Err() != nil {
				return
			}
			pkg.LogWarn(pkg.ComponentIODev, "source read failed",
				"device", d.name,
				"error", err)
			result := pkg.ResultOf(err)
			if result == pkg.ResultCancelled {
				result = pkg.ResultIO
			}
			_ = q.Fail(sub, result)
			return
		}

		d.mutex.Lock()
		d.batches++
		d.mutex.Unlock()

		policy, fired := Evaluate(d.batch.Status, triggers)
		if !fired || policy == sensor.PolicyNop {
			continue
		}
		include = policy == sensor.PolicyInclude

		size := d.format.EncodedSize(&d.batch, include)
		if err := q.Produce(sub, size, fill); err != nil {
			if !errors.Is(err, pkg.ErrCancelled) && !errors.Is(err, pkg.ErrClosed) {
				pkg.LogWarn(pkg.ComponentIODev, "stream stopped",
					"device", d.name,
					"error", err)
			}
			return
		}

		d.mutex.Lock()
		d.posted++
		d.mutex.Unlock()

		if !sub.Multishot() {
			return
		}
	}
}

// Evaluate resolves the policy for a batch with status s. It reports
// whether any subscribed trigger fired; INCLUDE wins over DROP, which wins
// over NOP. With no subscriptions every batch is included.
func Evaluate(s hal.Status, triggers []sensor.TriggerSpec) (sensor.StreamPolicy, bool) {
	if len(triggers) == 0 {
		return sensor.PolicyInclude, true
	}
	best := sensor.PolicyNop
	fired := false
	for _, t := range triggers {
		flag, ok := StatusFor(t.Kind)
		if !ok || !s.Has(flag) {
			continue
		}
		fired = true
		if t.Policy > best {
			best = t.Policy
		}
	}
	return best, fired
}

// StatusFor maps a trigger kind to the FIFO status flag that signals it.
func StatusFor(k sensor.TriggerKind) (hal.Status, bool) {
	switch k {
	case sensor.TriggerTap:
		return hal.StatusTap, true
	case sensor.TriggerFIFOWatermark:
		return hal.StatusWatermark, true
	case sensor.TriggerFIFOFull:
		return hal.StatusFull, true
	case sensor.TriggerDataReady:
		return hal.StatusDataReady, true
	}
	return 0, false
}

var _ sensor.Streamer = (*Device)(nil)
