package sim

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/ardnew/softimu/pkg"
	"github.com/ardnew/softimu/sensor/hal"
)

// Default configuration values.
const (
	DefaultODR       = 120 // Hz
	DefaultWatermark = 16  // Frames per batch
	DefaultTempEvery = 8   // One temperature word per this many frames
)

// Raw sensitivities of the generated words. Formats decode with the same
// full-scale settings by default.
const (
	accelLSBPerG    = 1 / 0.000061 // +/-2 g
	gyroLSBPerDPS   = 1 / 0.004375 // +/-125 dps
	tempLSBPerC     = 256
	tempOffsetC     = 25
	magnLSBPerGauss = 1 / 0.0015
)

// Config selects what the simulated FIFO produces.
type Config struct {
	ODR       float64 // Output data rate in Hz
	Watermark int     // Frames per batch
	Capacity  int     // FIFO depth in words; a batch reaching it reports full
	Gyro      bool    // Batch gyroscope words
	Temp      bool    // Batch temperature words
	TempEvery int     // Frames between temperature words
	Magn      bool    // Batch sensor-hub magnetometer words
	Timestamp bool    // Open every batch with a timestamp word
	TapEvery  int     // Report a tap every this many batches; zero disables
	Batches   int     // Fail with pkg.ErrClosed after this many batches; zero is unbounded
	Realtime  bool    // Pace batches at the ODR
}

// DefaultConfig returns a configuration batching accel, gyro and
// temperature at 120 Hz.
func DefaultConfig() Config {
	return Config{
		ODR:       DefaultODR,
		Watermark: DefaultWatermark,
		Capacity:  hal.MaxWords,
		Gyro:      true,
		Temp:      true,
		TempEvery: DefaultTempEvery,
		Timestamp: true,
	}
}

// Source is a deterministic simulated IMU. Sample values follow slow
// sinusoids of the frame index so decoded output is reproducible.
type Source struct {
	cfg Config

	mutex   sync.Mutex
	started bool
	frame   uint64 // Frames generated so far
	batches int
	clock   uint64 // Virtual nanoseconds
}

// New creates a simulated source. Zero fields of cfg take their defaults.
func New(cfg Config) *Source {
	if cfg.ODR <= 0 {
		cfg.ODR = DefaultODR
	}
	if cfg.Watermark <= 0 {
		cfg.Watermark = DefaultWatermark
	}
	if cfg.Capacity <= 0 || cfg.Capacity > hal.MaxWords {
		cfg.Capacity = hal.MaxWords
	}
	if cfg.TempEvery <= 0 {
		cfg.TempEvery = DefaultTempEvery
	}
	return &Source{cfg: cfg}
}

// Init resets the virtual clock.
func (s *Source) Init(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.frame = 0
	s.batches = 0
	s.clock = 0
	pkg.LogInfo(pkg.ComponentHAL, "simulated source initialized",
		"odr", s.cfg.ODR,
		"watermark", s.cfg.Watermark)
	return nil
}

// Start enables batching.
func (s *Source) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.started {
		return pkg.ErrAlreadyRunning
	}
	s.started = true
	return nil
}

// Stop disables batching.
func (s *Source) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.started = false
	return nil
}

// Period returns the frame period.
func (s *Source) Period() time.Duration {
	return time.Duration(float64(time.Second) / s.cfg.ODR)
}

// ReadBatch generates the next batch. With Realtime set it first waits one
// watermark interval.
func (s *Source) ReadBatch(ctx context.Context, out *hal.Batch) error {
	s.mutex.Lock()
	if !s.started {
		s.mutex.Unlock()
		return pkg.ErrNotRunning
	}
	if s.cfg.Batches > 0 && s.batches >= s.cfg.Batches {
		s.mutex.Unlock()
		return pkg.ErrClosed
	}
	s.mutex.Unlock()

	period := s.Period()
	if s.cfg.Realtime {
		timer := time.NewTimer(period * time.Duration(s.cfg.Watermark))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.fill(out, uint32(period))
	return nil
}

// fill generates one watermark's worth of frames into out.
func (s *Source) fill(out *hal.Batch, period uint32) {
	out.Reset()
	out.Timestamp = s.clock
	out.Period = period
	out.Status = hal.StatusWatermark | hal.StatusDataReady

	if s.cfg.Timestamp {
		var w hal.Word
		w.Tag = hal.TagTimestamp
		ts := uint32(s.clock / 1000) // microseconds
		w.Data[0] = byte(ts)
		w.Data[1] = byte(ts >> 8)
		w.Data[2] = byte(ts >> 16)
		w.Data[3] = byte(ts >> 24)
		out.Append(w)
	}

	for i := 0; i < s.cfg.Watermark; i++ {
		if out.Count >= s.cfg.Capacity {
			out.Status |= hal.StatusOverrun
			break
		}
		x := float64(s.frame) * 2 * math.Pi / s.cfg.ODR // one cycle per second
		out.Append(hal.VectorWord(hal.TagAccel,
			lsb(0.1*math.Sin(x)*accelLSBPerG),
			lsb(0.1*math.Cos(x)*accelLSBPerG),
			lsb(1.0*accelLSBPerG)))
		if s.cfg.Gyro {
			out.Append(hal.VectorWord(hal.TagGyro,
				lsb(10*math.Sin(x)*gyroLSBPerDPS),
				lsb(-5*math.Sin(x)*gyroLSBPerDPS),
				lsb(2*math.Cos(x)*gyroLSBPerDPS)))
		}
		if s.cfg.Magn {
			out.Append(hal.VectorWord(hal.TagExternal,
				lsb(0.25*math.Cos(x)*magnLSBPerGauss),
				lsb(0.25*math.Sin(x)*magnLSBPerGauss),
				lsb(-0.4*magnLSBPerGauss)))
		}
		if s.cfg.Temp && s.frame%uint64(s.cfg.TempEvery) == 0 {
			out.Append(hal.ScalarWord(hal.TagTemp,
				lsb((30+0.5*math.Sin(x/10)-tempOffsetC)*tempLSBPerC)))
		}
		s.frame++
		s.clock += uint64(period)
	}

	if out.Count >= s.cfg.Capacity {
		out.Status |= hal.StatusFull
	}
	s.batches++
	if s.cfg.TapEvery > 0 && s.batches%s.cfg.TapEvery == 0 {
		out.Status |= hal.StatusTap
	}
}

func lsb(v float64) int16 {
	v = math.Round(v)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

var _ hal.Source = (*Source)(nil)
