package sensor

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softimu/pkg"
	"github.com/ardnew/softimu/rtio"
)

func TestChannelKind_String(t *testing.T) {
	tests := []struct {
		kind ChannelKind
		want string
		axes int
	}{
		{ChannelAccelXYZ, "accel_xyz", 3},
		{ChannelGyroXYZ, "gyro_xyz", 3},
		{ChannelDieTemp, "die_temp", 1},
		{ChannelMagnXYZ, "magn_xyz", 3},
		{ChannelKind(99), "channel(99)", 3},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
			if got := tt.kind.Axes(); got != tt.axes {
				t.Errorf("Axes() = %d, want %d", got, tt.axes)
			}
		})
	}
}

func TestChannelKind_DecodeOrder(t *testing.T) {
	assert.Less(t, ChannelAccelXYZ, ChannelGyroXYZ)
	assert.Less(t, ChannelGyroXYZ, ChannelDieTemp)
	assert.Less(t, ChannelDieTemp, ChannelMagnXYZ)
}

func TestParseNames(t *testing.T) {
	k, err := ParseChannelKind(" Gyro_XYZ ")
	require.NoError(t, err)
	assert.Equal(t, ChannelGyroXYZ, k)
	_, err = ParseChannelKind("pressure")
	assert.ErrorIs(t, err, pkg.ErrNotSupported)

	tk, err := ParseTriggerKind("fifo_watermark")
	require.NoError(t, err)
	assert.Equal(t, TriggerFIFOWatermark, tk)
	_, err = ParseTriggerKind("motion")
	assert.ErrorIs(t, err, pkg.ErrNotSupported)

	p, err := ParseStreamPolicy("DROP")
	require.NoError(t, err)
	assert.Equal(t, PolicyDrop, p)
	_, err = ParseStreamPolicy("keep")
	assert.ErrorIs(t, err, pkg.ErrNotSupported)
}

func TestTriggerSpec(t *testing.T) {
	spec := TriggerSpec{Kind: TriggerTap, Policy: PolicyInclude}
	assert.Equal(t, "tap:include", spec.String())
	assert.NoError(t, spec.Validate())
	assert.True(t, TriggerTap.Discrete())
	assert.False(t, TriggerFIFOFull.Discrete())

	assert.ErrorIs(t, TriggerSpec{Kind: 42}.Validate(), pkg.ErrInvalidParameter)
	assert.ErrorIs(t, TriggerSpec{Policy: 42}.Validate(), pkg.ErrInvalidParameter)
}

func TestChannelSpec_String(t *testing.T) {
	assert.Equal(t, "accel_xyz", ChannelSpec{Kind: ChannelAccelXYZ}.String())
	assert.Equal(t, "magn_xyz[1]", ChannelSpec{Kind: ChannelMagnXYZ, Index: 1}.String())
}

func TestQ31(t *testing.T) {
	tests := []struct {
		name  string
		value float64
		shift int8
	}{
		{"one g", 9.80665, 5},
		{"negative", -3.25, 2},
		{"zero", 0, 0},
		{"temperature", 36.5, 7},
		{"small", 0.001, -3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := ToQ31(tt.value, tt.shift)
			got := q.Float(tt.shift)
			tol := math.Ldexp(1, int(tt.shift)-30)
			if math.Abs(got-tt.value) > tol {
				t.Errorf("round trip %v -> %d -> %v, tolerance %v", tt.value, q, got, tol)
			}
		})
	}
}

func TestToQ31_Saturates(t *testing.T) {
	assert.Equal(t, Q31(math.MaxInt32), ToQ31(100, 2))
	assert.Equal(t, Q31(math.MinInt32), ToQ31(-100, 2))
}

func TestShiftFor(t *testing.T) {
	tests := []struct {
		limit float64
		want  int8
	}{
		{0, 0},
		{1, 1},
		{19.6133, 5},
		{156.9, 8},
		{2.18, 2},
		{0.5, 0},
	}
	for _, tt := range tests {
		if got := ShiftFor(tt.limit); got != tt.want {
			t.Errorf("ShiftFor(%v) = %d, want %d", tt.limit, got, tt.want)
		}
		if tt.limit > 0 && tt.limit >= math.Ldexp(1, int(ShiftFor(tt.limit))) {
			t.Errorf("ShiftFor(%v) does not cover the limit", tt.limit)
		}
	}
}

func TestSample_Float(t *testing.T) {
	s := Sample{Shift: 5, Axes: 3}
	s.Values[0] = ToQ31(1, 5)
	s.Values[1] = ToQ31(-2, 5)
	s.Values[2] = ToQ31(9.5, 5)
	v := s.Vector()
	assert.InDelta(t, 1, v[0], 1e-6)
	assert.InDelta(t, -2, v[1], 1e-6)
	assert.InDelta(t, 9.5, v[2], 1e-6)
	assert.InDelta(t, 1, s.Scalar(), 1e-6)
}

func TestFrameIterator(t *testing.T) {
	var it FrameIterator
	assert.Equal(t, 0, it.Consumed())
	it.Advance(3, 21)
	it.Advance(2, 35)
	assert.Equal(t, 5, it.Consumed())
	assert.Equal(t, 35, it.Offset())
	it.Reset()
	assert.Equal(t, FrameIterator{}, it)
}

// fakeStreamer records the submission it is handed.
type fakeStreamer struct {
	name      string
	ready     bool
	submitErr error
	sub       *rtio.Submission
	triggers  []TriggerSpec
}

func (f *fakeStreamer) Name() string { return f.name }
func (f *fakeStreamer) Decoder() (Decoder, error) { return nil, pkg.ErrNotSupported }
func (f *fakeStreamer) Ready() bool { return f.ready }
func (f *fakeStreamer) SubmitStream(sub *rtio.Submission, triggers []TriggerSpec) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.sub = sub
	f.triggers = triggers
	return nil
}

func newQueue(t *testing.T, subs int) *rtio.Context {
	t.Helper()
	q, err := rtio.NewContext(rtio.Config{
		Name:        "sensor-test",
		Submissions: subs,
		Completions: 2,
		Pool:        rtio.PoolConfig{Slots: 2, SlotSize: 64},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

func TestStream(t *testing.T) {
	q := newQueue(t, 1)
	dev := &fakeStreamer{name: "imu0", ready: true}
	triggers := []TriggerSpec{
		{Kind: TriggerFIFOWatermark, Policy: PolicyInclude},
		{Kind: TriggerTap, Policy: PolicyInclude},
	}

	h, err := Stream(context.Background(), dev, q, triggers)
	require.NoError(t, err)
	assert.True(t, h.Valid())
	require.NotNil(t, dev.sub)
	assert.Equal(t, h.ID(), dev.sub.ID())
	assert.True(t, dev.sub.Multishot())
	assert.True(t, dev.sub.Mempool())
	assert.Same(t, dev, dev.sub.Userdata())
	assert.Equal(t, triggers, dev.triggers)
}

func TestStream_NotReady(t *testing.T) {
	q := newQueue(t, 1)
	h, err := Stream(context.Background(), &fakeStreamer{name: "imu0"}, q, nil)
	assert.ErrorIs(t, err, pkg.ErrStartup)
	assert.ErrorIs(t, err, pkg.ErrDeviceNotReady)
	assert.False(t, h.Valid())
	assert.Equal(t, 0, q.Stats().Submissions)
}

func TestStream_InvalidTrigger(t *testing.T) {
	q := newQueue(t, 1)
	dev := &fakeStreamer{name: "imu0", ready: true}
	_, err := Stream(context.Background(), dev, q, []TriggerSpec{{Kind: 200}})
	assert.ErrorIs(t, err, pkg.ErrStartup)
	assert.Nil(t, dev.sub)
}

func TestStream_NoSubmissionSlot(t *testing.T) {
	q := newQueue(t, 1)
	_, err := Stream(context.Background(), &fakeStreamer{name: "imu0", ready: true}, q, nil)
	require.NoError(t, err)

	_, err = Stream(context.Background(), &fakeStreamer{name: "imu1", ready: true}, q, nil)
	assert.ErrorIs(t, err, pkg.ErrSubmit)
	assert.ErrorIs(t, err, pkg.ErrNoResources)
}

func TestStream_DeviceRejects(t *testing.T) {
	q := newQueue(t, 1)
	dev := &fakeStreamer{name: "imu0", ready: true, submitErr: pkg.ErrBusy}

	_, err := Stream(context.Background(), dev, q, nil)
	assert.True(t, errors.Is(err, pkg.ErrSubmit))
	assert.True(t, errors.Is(err, pkg.ErrBusy))
	assert.Equal(t, 0, q.Stats().Submissions, "rejected submission must free its slot")
}
