package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/softimu/pkg"
	"github.com/ardnew/softimu/rtio"
	"github.com/ardnew/softimu/sensor"
)

// Test buffers are laid out for fakeDecoder:
//
//	[0:4] frame count per channel kind
//	[4]   1 when a tap fired
//	[5]   failure mode
const (
	failNone = iota
	failAccelCount
	failGyroDecode
	failGyroStall
	failGyroOvershoot
	failGyroSkew
)

func testBuffer(accel, gyro, temp, magn int, tap bool, fail byte) []byte {
	b := []byte{byte(accel), byte(gyro), byte(temp), byte(magn), 0, fail}
	if tap {
		b[4] = 1
	}
	return b
}

var (
	accel = sensor.ChannelSpec{Kind: sensor.ChannelAccelXYZ}
	gyro  = sensor.ChannelSpec{Kind: sensor.ChannelGyroXYZ}
	temp  = sensor.ChannelSpec{Kind: sensor.ChannelDieTemp}
	magn  = sensor.ChannelSpec{Kind: sensor.ChannelMagnXYZ}

	imuChannels = []sensor.ChannelSpec{accel, gyro, temp}
)

// fakeDecoder decodes testBuffer layouts and records every call.
type fakeDecoder struct {
	mutex sync.Mutex
	calls []string
}

func (f *fakeDecoder) record(format string, args ...any) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeDecoder) Calls() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDecoder) FrameCount(buf []byte, ch sensor.ChannelSpec) (int, error) {
	f.record("count:%v", ch)
	if len(buf) < 6 {
		return 0, pkg.ErrMalformed
	}
	if buf[5] == failAccelCount && ch.Kind == sensor.ChannelAccelXYZ {
		return 0, pkg.ErrMalformed
	}
	return int(buf[ch.Kind]), nil
}

func (f *fakeDecoder) Decode(buf []byte, ch sensor.ChannelSpec, it *sensor.FrameIterator, maxOut int, out []sensor.Sample) (int, error) {
	f.record("decode:%v:%d", ch, maxOut)
	if ch.Kind == sensor.ChannelGyroXYZ {
		switch buf[5] {
		case failGyroDecode:
			return 0, pkg.ErrNotSupported
		case failGyroStall:
			return 0, nil
		case failGyroOvershoot:
			return maxOut + 1, nil
		case failGyroSkew:
			it.Advance(2, 2)
			return 1, nil
		}
	}

	start := it.Offset()
	n := min(maxOut, len(out), int(buf[ch.Kind])-start)
	for i := 0; i < n; i++ {
		out[i] = sensor.Sample{
			Timestamp: uint64(1000*int(ch.Kind) + start + i),
			Axes:      uint8(ch.Kind.Axes()),
		}
	}
	it.Advance(n, start+n)
	return n, nil
}

func (f *fakeDecoder) HasTrigger(buf []byte, trigger sensor.TriggerKind) bool {
	f.record("trigger:%v", trigger)
	return trigger == sensor.TriggerTap && len(buf) > 4 && buf[4] == 1
}

type fakeDevice struct {
	name string
	dec  *fakeDecoder
	err  error
}

func newFakeDevice(name string) *fakeDevice {
	return &fakeDevice{name: name, dec: &fakeDecoder{}}
}

func (d *fakeDevice) Name() string { return d.name }

func (d *fakeDevice) Decoder() (sensor.Decoder, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.dec, nil
}

// recordingQueue counts consumer calls on a real queue context.
type recordingQueue struct {
	*rtio.Context
	resolves       int
	eventReleases  int
	bufferReleases int
}

func (q *recordingQueue) ResolveBuffer(cqe *rtio.Completion) (rtio.Buffer, int, error) {
	q.resolves++
	return q.Context.ResolveBuffer(cqe)
}

func (q *recordingQueue) ReleaseEvent(cqe *rtio.Completion) {
	q.eventReleases++
	q.Context.ReleaseEvent(cqe)
}

func (q *recordingQueue) ReleaseBuffer(b *rtio.Buffer) {
	q.bufferReleases++
	q.Context.ReleaseBuffer(b)
}

func newRecordingQueue(t *testing.T) *recordingQueue {
	t.Helper()
	q, err := rtio.NewContext(rtio.Config{
		Name:        "test",
		Submissions: 4,
		Completions: 8,
		Pool:        rtio.PoolConfig{Slots: 8, SlotSize: 64},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return &recordingQueue{Context: q}
}

// post produces one completion carrying data for dev.
func post(t *testing.T, q *recordingQueue, dev any, data []byte) {
	t.Helper()
	sub, err := q.Prepare(context.Background(), rtio.FlagMempool, dev)
	require.NoError(t, err)
	defer sub.Finish()
	require.NoError(t, q.Produce(sub, len(data), func(buf []byte) (int, error) {
		return copy(buf, data), nil
	}))
}

// postFailure produces one failed completion for dev.
func postFailure(t *testing.T, q *recordingQueue, dev any, result pkg.Result) {
	t.Helper()
	sub, err := q.Prepare(context.Background(), 0, dev)
	require.NoError(t, err)
	defer sub.Finish()
	require.NoError(t, q.Fail(sub, result))
}

// recordingSink records events as strings, in arrival order.
type recordingSink struct {
	events []string
}

func (s *recordingSink) Sample(e SampleEvent) {
	s.events = append(s.events, fmt.Sprintf("%s/%v/%d", e.Device, e.Channel, e.Sample.Timestamp))
}

func (s *recordingSink) Trigger(e TriggerEvent) {
	s.events = append(s.events, fmt.Sprintf("%s/trigger:%v", e.Device, e.Kind))
}

func (s *recordingSink) count(prefix string) int {
	n := 0
	for _, e := range s.events {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}
