package serial

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tarm "github.com/tarm/serial"

	"github.com/ardnew/softimu/pkg"
	"github.com/ardnew/softimu/sensor/hal"
)

// fakePort replays a byte stream, reporting a timeout (0, io.EOF) when it
// runs dry, the way a port with a read timeout does.
type fakePort struct {
	mutex   sync.Mutex
	data    bytes.Buffer
	flushed bool
	closed  bool
	readErr error
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.readErr != nil {
		return 0, p.readErr
	}
	if p.data.Len() == 0 {
		time.Sleep(time.Millisecond)
		return 0, io.EOF
	}
	return p.data.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.data.Write(b)
}

func (p *fakePort) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) Flush() error {
	p.flushed = true
	return nil
}

func newTestSource(t *testing.T, port *fakePort) (*Source, *tarm.Config) {
	t.Helper()
	var opened tarm.Config
	s := New(Config{Name: "/dev/ttyTEST"})
	s.open = func(c *tarm.Config) (io.ReadWriteCloser, error) {
		opened = *c
		return port, nil
	}
	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s, &opened
}

func writeFrame(t *testing.T, w io.Writer, b *hal.Batch) {
	t.Helper()
	var buf [hal.MaxFrameSize]byte
	n, err := hal.MarshalBatch(buf[:], b)
	require.NoError(t, err)
	_, err = w.Write(buf[:n])
	require.NoError(t, err)
}

func TestSource_Init(t *testing.T) {
	port := &fakePort{}
	_, opened := newTestSource(t, port)
	assert.True(t, port.flushed)
	assert.Equal(t, "/dev/ttyTEST", opened.Name)
	assert.Equal(t, DefaultBaud, opened.Baud)
	assert.Equal(t, DefaultReadTimeout, opened.ReadTimeout)
}

func TestSource_InitErrors(t *testing.T) {
	s := New(Config{})
	assert.ErrorIs(t, s.Init(context.Background()), pkg.ErrInvalidParameter)

	s = New(Config{Name: "/dev/missing"})
	s.open = func(*tarm.Config) (io.ReadWriteCloser, error) {
		return nil, errors.New("no such device")
	}
	assert.ErrorIs(t, s.Init(context.Background()), pkg.ErrIO)
}

func TestSource_ReadBatch(t *testing.T) {
	port := &fakePort{}
	s, _ := newTestSource(t, port)

	b := &hal.Batch{Timestamp: 42, Period: 1000, Status: hal.StatusTap}
	b.Append(hal.VectorWord(hal.TagAccel, 7, 8, 9))
	port.Write([]byte{0xFF, 0x00}) // line noise
	writeFrame(t, port, b)

	var out hal.Batch
	require.NoError(t, s.ReadBatch(context.Background(), &out))
	assert.Equal(t, uint64(42), out.Timestamp)
	assert.True(t, out.Status.Has(hal.StatusTap))
	assert.Equal(t, b.Slice(), out.Slice())
}

func TestSource_SkipsCorruptFrame(t *testing.T) {
	port := &fakePort{}
	s, _ := newTestSource(t, port)

	var buf [hal.MaxFrameSize]byte
	n, err := hal.MarshalBatch(buf[:], &hal.Batch{Timestamp: 1})
	require.NoError(t, err)
	buf[4] ^= 0xFF // CRC low byte
	port.Write(buf[:n])
	writeFrame(t, port, &hal.Batch{Timestamp: 2})

	var out hal.Batch
	require.NoError(t, s.ReadBatch(context.Background(), &out))
	assert.Equal(t, uint64(2), out.Timestamp)
	assert.Equal(t, uint64(1), s.Dropped())
}

func TestSource_ReadBatchCancelled(t *testing.T) {
	s, _ := newTestSource(t, &fakePort{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var out hal.Batch
	assert.ErrorIs(t, s.ReadBatch(ctx, &out), context.DeadlineExceeded)
}

func TestSource_ReadError(t *testing.T) {
	port := &fakePort{readErr: errors.New("device unplugged")}
	s, _ := newTestSource(t, port)

	var out hal.Batch
	assert.ErrorIs(t, s.ReadBatch(context.Background(), &out), pkg.ErrIO)
}

func TestSource_Stop(t *testing.T) {
	port := &fakePort{}
	s, _ := newTestSource(t, port)
	require.NoError(t, s.Stop())
	assert.True(t, port.closed)

	var out hal.Batch
	assert.ErrorIs(t, s.ReadBatch(context.Background(), &out), pkg.ErrNotRunning)
	assert.NoError(t, s.Stop())
}
