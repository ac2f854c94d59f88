package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	tarm "github.com/tarm/serial"

	"github.com/ardnew/softimu/pkg"
	"github.com/ardnew/softimu/sensor/hal"
)

// Defaults for the bridge UART.
const (
	DefaultBaud        = 115200
	DefaultReadTimeout = 100 * time.Millisecond
)

// Config selects the serial port.
type Config struct {
	Name        string        // Device path, e.g. /dev/ttyACM0
	Baud        int           // Baud rate
	ReadTimeout time.Duration // Bound on each blocking read
}

// flusher is implemented by ports that can discard buffered input.
type flusher interface {
	Flush() error
}

// Source implements hal.Source over a UART connected to a bridge
// microcontroller that drains the sensor FIFO and forwards framed batches.
type Source struct {
	cfg  Config
	open func(*tarm.Config) (io.ReadWriteCloser, error)

	mutex   sync.Mutex
	port    io.ReadWriteCloser
	running bool

	framer  hal.Framer
	readBuf [512]byte
	pending []byte
	dropped uint64
}

// New creates a serial source. Zero fields of cfg take their defaults.
func New(cfg Config) *Source {
	if cfg.Baud <= 0 {
		cfg.Baud = DefaultBaud
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	return &Source{
		cfg: cfg,
		open: func(c *tarm.Config) (io.ReadWriteCloser, error) {
			p, err := tarm.OpenPort(c)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
	}
}

// Init opens the port and discards stale input.
func (s *Source) Init(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.port != nil {
		return pkg.ErrAlreadyRunning
	}
	if s.cfg.Name == "" {
		return fmt.Errorf("%w: serial port name", pkg.ErrInvalidParameter)
	}

	port, err := s.open(&tarm.Config{
		Name:        s.cfg.Name,
		Baud:        s.cfg.Baud,
		ReadTimeout: s.cfg.ReadTimeout,
	})
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", pkg.ErrIO, s.cfg.Name, err)
	}
	if f, ok := port.(flusher); ok {
		if err := f.Flush(); err != nil {
			port.Close()
			return fmt.Errorf("%w: flush %s: %w", pkg.ErrIO, s.cfg.Name, err)
		}
	}
	s.port = port
	s.framer.Reset()
	s.pending = nil

	pkg.LogInfo(pkg.ComponentHAL, "serial source initialized",
		"port", s.cfg.Name,
		"baud", s.cfg.Baud)
	return nil
}

// Start enables reads.
func (s *Source) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.port == nil {
		return pkg.ErrNotRunning
	}
	s.running = true
	return nil
}

// Stop closes the port.
func (s *Source) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.running = false
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	pkg.LogInfo(pkg.ComponentHAL, "serial source stopped",
		"port", s.cfg.Name,
		"dropped", s.dropped)
	return err
}

// Dropped returns the number of corrupt frames discarded.
func (s *Source) Dropped() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.dropped
}

// ReadBatch reads until a complete, valid frame arrives. Corrupt frames are
// counted and skipped; the bridge keeps streaming.
func (s *Source) ReadBatch(ctx context.Context, out *hal.Batch) error {
	s.mutex.Lock()
	port := s.port
	running := s.running
	s.mutex.Unlock()

	if port == nil || !running {
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
				pkg.LogDebug(pkg.ComponentHAL, "serial frame dropped",
					"port", s.cfg.Name,
					"error", err)
				continue
			}
			if ok {
				return nil
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := port.Read(s.readBuf[:])
		if n > 0 {
			s.pending = s.readBuf[:n]
			continue
		}
		// A read timeout surfaces as zero bytes, with or without io.EOF.
		if err != nil && !errors.Is(err, io.EOF) {
			s.mutex.Lock()
			stopped := !s.running
			s.mutex.Unlock()
			if stopped {
				return pkg.ErrCancelled
			}
			return fmt.Errorf("%w: read %s: %w", pkg.ErrIO, s.cfg.Name, err)
		}
	}
}

// Port describes a USB serial port found by Probe.
type Port struct {
	Path         string // Device node, e.g. /dev/ttyACM0
	Driver       string // Kernel driver bound to the interface
	VendorID     uint16
	ProductID    uint16
	Name         string // Vendor and product from the USB ID database
	Manufacturer string // USB string descriptors
	Product      string
	Serial       string
}

var _ hal.Source = (*Source)(nil)
