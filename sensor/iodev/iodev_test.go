package iodev

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softimu/pkg"
	"github.com/ardnew/softimu/rtio"
	"github.com/ardnew/softimu/sensor"
	"github.com/ardnew/softimu/sensor/format/lsm6dsv16x"
	"github.com/ardnew/softimu/sensor/hal"
	"github.com/ardnew/softimu/sensor/hal/sim"
)

func watermark(p sensor.StreamPolicy) sensor.TriggerSpec {
	return sensor.TriggerSpec{Kind: sensor.TriggerFIFOWatermark, Policy: p}
}

func newDevice(t *testing.T, cfg sim.Config) *Device {
	t.Helper()
	f, err := lsm6dsv16x.New(lsm6dsv16x.DefaultConfig())
	require.NoError(t, err)
	d := New("imu0", sim.New(cfg), f)
	require.NoError(t, d.Init(context.Background()))
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func newQueue(t *testing.T, slots int) *rtio.Context {
	t.Helper()
	q, err := rtio.NewContext(rtio.Config{
		Name:        "test",
		Submissions: 2,
		Completions: 8,
		Pool:        rtio.PoolConfig{Slots: slots, SlotSize: 256},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

// accel-only batches of four frames: 20 + 4*7 bytes when included
func batchConfig(batches int) sim.Config {
	return sim.Config{Watermark: 4, Batches: batches}
}

// next waits for a completion and returns its result and buffer length,
// releasing everything.
func next(t *testing.T, q *rtio.Context) (pkg.Result, int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cqe, err := q.WaitNext(ctx)
	require.NoError(t, err)
	defer q.ReleaseEvent(cqe)
	if cqe.Result != pkg.ResultOK {
		return cqe.Result, 0
	}
	buf, n, err := q.ResolveBuffer(cqe)
	require.NoError(t, err)
	q.ReleaseBuffer(&buf)
	return cqe.Result, n
}

func waitDone(t *testing.T, h rtio.Handle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))
}

func TestEvaluate(t *testing.T) {
	tap := func(p sensor.StreamPolicy) sensor.TriggerSpec {
		return sensor.TriggerSpec{Kind: sensor.TriggerTap, Policy: p}
	}
	full := sensor.TriggerSpec{Kind: sensor.TriggerFIFOFull, Policy: sensor.PolicyInclude}

	tests := []struct {
		name      string
		status    hal.Status
		triggers  []sensor.TriggerSpec
		want      sensor.StreamPolicy
		wantFired bool
	}{
		{"no subscriptions", 0, nil, sensor.PolicyInclude, true},
		{"nothing fired", hal.StatusWatermark, []sensor.TriggerSpec{full}, sensor.PolicyNop, false},
		{"include", hal.StatusWatermark, []sensor.TriggerSpec{watermark(sensor.PolicyInclude)}, sensor.PolicyInclude, true},
		{"drop", hal.StatusWatermark, []sensor.TriggerSpec{watermark(sensor.PolicyDrop)}, sensor.PolicyDrop, true},
		{"nop", hal.StatusWatermark, []sensor.TriggerSpec{watermark(sensor.PolicyNop)}, sensor.PolicyNop, true},
		{"include beats drop", hal.StatusWatermark | hal.StatusTap,
			[]sensor.TriggerSpec{watermark(sensor.PolicyDrop), tap(sensor.PolicyInclude)}, sensor.PolicyInclude, true},
		{"drop beats nop", hal.StatusWatermark | hal.StatusTap,
			[]sensor.TriggerSpec{tap(sensor.PolicyDrop), watermark(sensor.PolicyNop)}, sensor.PolicyDrop, true},
		{"unfired include ignored", hal.StatusTap,
			[]sensor.TriggerSpec{full, tap(sensor.PolicyDrop)}, sensor.PolicyDrop, true},
		{"unknown kind", hal.StatusTap | hal.StatusWatermark,
			[]sensor.TriggerSpec{{Kind: sensor.TriggerKind(99), Policy: sensor.PolicyInclude}}, sensor.PolicyNop, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, fired := Evaluate(tt.status, tt.triggers)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantFired, fired)
		})
	}
}

func TestDevice_Init(t *testing.T) {
	d := newDevice(t, batchConfig(0))
	assert.True(t, d.Ready())
	assert.Equal(t, "imu0", d.Name())
	assert.Equal(t, lsm6dsv16x.Name, d.Format().Name())
	assert.ErrorIs(t, d.Init(context.Background()), pkg.ErrAlreadyRunning)

	dec, err := d.Decoder()
	require.NoError(t, err)
	assert.NotNil(t, dec)
}

type failingSource struct {
	hal.Source
	initErr  error
	startErr error
	stopped  bool
}

func (s *failingSource) Init(context.Context) error { return s.initErr }
func (s *failingSource) Start() error { return s.startErr }
func (s *failingSource) Stop() error { s.stopped = true; return nil }

func TestDevice_InitErrors(t *testing.T) {
	f, err := lsm6dsv16x.New(lsm6dsv16x.DefaultConfig())
	require.NoError(t, err)

	src := &failingSource{initErr: errors.New("no such port")}
	d := New("imu0", src, f)
	assert.ErrorIs(t, d.Init(context.Background()), pkg.ErrStartup)
	assert.False(t, d.Ready())

	src = &failingSource{startErr: pkg.ErrIO}
	d = New("imu0", src, f)
	err = d.Init(context.Background())
	assert.ErrorIs(t, err, pkg.ErrStartup)
	assert.ErrorIs(t, err, pkg.ErrIO)
	assert.True(t, src.stopped)

	d = New("imu0", nil, f)
	assert.ErrorIs(t, d.Init(context.Background()), pkg.ErrDeviceNotReady)

	d = New("imu0", src, nil)
	_, err = d.Decoder()
	assert.ErrorIs(t, err, pkg.ErrNotSupported)
}

func TestDevice_StreamInclude(t *testing.T) {
	d := newDevice(t, batchConfig(3))
	q := newQueue(t, 8)

	h, err := sensor.Stream(context.Background(), d, q,
		[]sensor.TriggerSpec{watermark(sensor.PolicyInclude)})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, n := next(t, q)
		assert.Equal(t, pkg.ResultOK, res)
		assert.Equal(t, lsm6dsv16x.HeaderSize+4*hal.WordSize, n)
	}
	// The source runs dry: its failure ends the stream.
	res, _ := next(t, q)
	assert.Equal(t, pkg.ResultIO, res)

	waitDone(t, h)
	assert.Equal(t, uint64(3), d.Batches())
	assert.Equal(t, uint64(3), d.Posted())
	assert.Zero(t, q.Stats().Submissions)
	assert.Zero(t, q.Pool().Outstanding())
}

func TestDevice_StreamDrop(t *testing.T) {
	d := newDevice(t, batchConfig(2))
	q := newQueue(t, 8)

	h, err := sensor.Stream(context.Background(), d, q,
		[]sensor.TriggerSpec{watermark(sensor.PolicyDrop)})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, n := next(t, q)
		assert.Equal(t, pkg.ResultOK, res)
		assert.Equal(t, lsm6dsv16x.HeaderSize, n, "header only")
	}
	res, _ := next(t, q)
	assert.Equal(t, pkg.ResultIO, res)
	waitDone(t, h)
}

func TestDevice_StreamNop(t *testing.T) {
	d := newDevice(t, batchConfig(3))
	q := newQueue(t, 8)

	h, err := sensor.Stream(context.Background(), d, q,
		[]sensor.TriggerSpec{watermark(sensor.PolicyNop)})
	require.NoError(t, err)

	// Nothing is posted until the source fails.
	res, _ := next(t, q)
	assert.Equal(t, pkg.ResultIO, res)
	waitDone(t, h)
	assert.Equal(t, uint64(3), d.Batches())
	assert.Zero(t, d.Posted())
}

func TestDevice_StreamTap(t *testing.T) {
	cfg := batchConfig(4)
	cfg.TapEvery = 2
	d := newDevice(t, cfg)
	q := newQueue(t, 8)

	h, err := sensor.Stream(context.Background(), d, q,
		[]sensor.TriggerSpec{{Kind: sensor.TriggerTap, Policy: sensor.PolicyInclude}})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		cqe, err := q.WaitNext(ctx)
		cancel()
		require.NoError(t, err)
		require.Equal(t, pkg.ResultOK, cqe.Result)
		buf, _, err := q.ResolveBuffer(cqe)
		require.NoError(t, err)
		assert.True(t, lsm6dsv16x.Decoder{}.HasTrigger(buf.Bytes(), sensor.TriggerTap))
		q.ReleaseBuffer(&buf)
		q.ReleaseEvent(cqe)
	}
	res, _ := next(t, q)
	assert.Equal(t, pkg.ResultIO, res)
	waitDone(t, h)
	assert.Equal(t, uint64(2), d.Posted())
}

func TestDevice_PoolExhausted(t *testing.T) {
	d := newDevice(t, batchConfig(0))
	q := newQueue(t, 1)

	h, err := sensor.Stream(context.Background(), d, q,
		[]sensor.TriggerSpec{watermark(sensor.PolicyInclude)})
	require.NoError(t, err)

	// Hold the only buffer; the next batch has nowhere to go.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	first, err := q.WaitNext(ctx)
	require.NoError(t, err)
	require.Equal(t, pkg.ResultOK, first.Result)

	second, err := q.WaitNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, pkg.ResultNoMemory, second.Result)
	q.ReleaseEvent(second)

	waitDone(t, h)
	q.ReleaseEvent(first)
	assert.Zero(t, q.Pool().Outstanding())
}

func TestDevice_Busy(t *testing.T) {
	cfg := batchConfig(0)
	cfg.Realtime = true
	d := newDevice(t, cfg)
	q := newQueue(t, 8)

	h, err := sensor.Stream(context.Background(), d, q, nil)
	require.NoError(t, err)

	_, err = sensor.Stream(context.Background(), d, q, nil)
	assert.ErrorIs(t, err, pkg.ErrSubmit)
	assert.ErrorIs(t, err, pkg.ErrBusy)
	assert.Equal(t, 1, q.Stats().Submissions, "rejected submission freed its slot")

	h.Cancel()
	waitDone(t, h)
}

func TestDevice_CancelPostsNothing(t *testing.T) {
	cfg := batchConfig(0)
	cfg.Realtime = true
	cfg.ODR = 1 // four seconds per batch
	d := newDevice(t, cfg)
	q := newQueue(t, 8)

	h, err := sensor.Stream(context.Background(), d, q, nil)
	require.NoError(t, err)
	h.Cancel()
	waitDone(t, h)

	assert.Zero(t, q.Stats().Pending)
	assert.Zero(t, q.Stats().Submissions)
}

func TestDevice_Close(t *testing.T) {
	cfg := batchConfig(0)
	cfg.Realtime = true
	d := newDevice(t, cfg)
	q := newQueue(t, 8)

	h, err := sensor.Stream(context.Background(), d, q, nil)
	require.NoError(t, err)

	require.NoError(t, d.Close())
	waitDone(t, h)
	assert.False(t, d.Ready())
	assert.NoError(t, d.Close())

	_, err = sensor.Stream(context.Background(), d, q, nil)
	assert.ErrorIs(t, err, pkg.ErrStartup)
	assert.ErrorIs(t, err, pkg.ErrDeviceNotReady)
}
