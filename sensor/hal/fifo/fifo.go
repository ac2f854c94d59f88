package fifo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ardnew/softimu/pkg"
	"github.com/ardnew/softimu/sensor/hal"
)

// pollInterval bounds each blocking read so cancellation is observed.
const pollInterval = 100 * time.Millisecond

// Source implements hal.Source by reading framed batches from a named pipe.
// The pipe is created by Init when it does not exist and removed by Stop
// only if this source created it.
type Source struct {
	path string

	mutex    sync.Mutex
	file     *os.File
	created  bool
	initDone bool
	running  bool
	closeCh  chan struct{}

	framer  hal.Framer
	readBuf [512]byte
	pending []byte // Unconsumed bytes of readBuf
	dropped uint64 // Frames rejected by the framer
}

// New creates a source reading from the named pipe at path.
func New(path string) *Source {
	return &Source{
		path:    path,
		closeCh: make(chan struct{}),
	}
}

// Path returns the pipe path.
func (s *Source) Path() string {
	return s.path
}

// Init creates the pipe if needed and opens it.
func (s *Source) Init(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.initDone {
		return pkg.ErrAlreadyRunning
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create pipe dir: %w", err)
	}
	created, err := makeFIFO(s.path)
	if err != nil {
		return err
	}
	s.created = created

	// O_RDWR keeps the pipe open with no writer attached, so reads block
	// instead of returning EOF between writers.
	f, err := os.OpenFile(s.path, os.O_RDWR|syscall.O_NONBLOCK, 0)
	if err != nil {
		s.cleanup()
		return fmt.Errorf("open fifo %s: %w", s.path, err)
	}
	s.file = f
	s.initDone = true

	pkg.LogInfo(pkg.ComponentHAL, "fifo source initialized",
		"path", s.path,
		"created", created)
	return nil
}

// Start enables reads.
func (s *Source) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.initDone {
		return pkg.ErrNotRunning
	}
	s.running = true
	return nil
}

// Stop closes the pipe and wakes a blocked ReadBatch.
func (s *Source) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		close(s.closeCh)
		s.closeCh = make(chan struct{})
	}
	s.running = false
	s.cleanup()
	s.initDone = false
	pkg.LogInfo(pkg.ComponentHAL, "fifo source stopped",
		"path", s.path,
		"dropped", s.dropped)
	return nil
}

// cleanup closes the pipe and removes it if this source created it.
func (s *Source) cleanup() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	if s.created {
		os.Remove(s.path)
		s.created = false
	}
}

// Dropped returns the number of corrupt frames discarded.
func (s *Source) Dropped() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.dropped
}

// ReadBatch blocks until a complete, valid frame has been read.
func (s *Source) ReadBatch(ctx context.Context, out *hal.Batch) error {
	s.mutex.Lock()
	f := s.file
	closeCh := s.closeCh
	running := s.running
	s.mutex.Unlock()

	if f == nil || !running {
		return pkg.ErrNotRunning
	}

	for {
		for len(s.pending) > 0 {
			b := s.pending[0]
			s.pending = s.pending[1:]
			ok, err := s.framer.Push(b, out)
			if err != nil {
				s.mutex.Lock()
				s.dropped++
				s.mutex.Unlock()
				pkg.LogDebug(pkg.ComponentHAL, "fifo frame dropped", "path", s.path, "error", err)
				continue
			}
			if ok {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-closeCh:
			return pkg.ErrCancelled
		default:
		}

		f.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := f.Read(s.readBuf[:])
		if n > 0 {
			s.pending = s.readBuf[:n]
		}
		if err != nil {
			if os.IsTimeout(err) {
				continue
			}
			if errors.Is(err, os.ErrClosed) {
				return pkg.ErrCancelled
			}
			return fmt.Errorf("%w: read %s: %w", pkg.ErrIO, s.path, err)
		}
	}
}

// makeFIFO creates a named pipe at path. It reports false when a pipe
// already exists there.
func makeFIFO(path string) (bool, error) {
	if info, err := os.Stat(path); err == nil {
		if info.Mode()&os.ModeNamedPipe == 0 {
			return false, fmt.Errorf("%w: %s exists and is not a fifo", pkg.ErrInvalidParameter, path)
		}
		return false, nil
	}
	if err := syscall.Mkfifo(path, 0o666); err != nil {
		return false, fmt.Errorf("create fifo %s: %w", path, err)
	}
	return true, nil
}

// Writer sends framed batches into a named pipe, the producing end used by
// bridges and tests.
type Writer struct {
	path string
	file *os.File
	buf  [hal.MaxFrameSize]byte
}

// OpenWriter opens (creating if needed) the pipe at path for writing.
func OpenWriter(path string) (*Writer, error) {
	if _, err := makeFIFO(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open fifo %s: %w", path, err)
	}
	return &Writer{path: path, file: f}, nil
}

// WriteBatch frames b and writes it in full.
func (w *Writer) WriteBatch(b *hal.Batch) error {
	n, err := hal.MarshalBatch(w.buf[:], b)
	if err != nil {
		return err
	}
	written := 0
	for written < n {
		m, err := w.file.Write(w.buf[written:n])
		written += m
		if err != nil {
			return fmt.Errorf("%w: write %s: %w", pkg.ErrIO, w.path, err)
		}
	}
	return nil
}

// Close closes the pipe. The pipe itself is left in place.
func (w *Writer) Close() error {
	return w.file.Close()
}

var _ hal.Source = (*Source)(nil)
