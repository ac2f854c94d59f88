package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softimu/internal/config"
	"github.com/ardnew/softimu/internal/metrics"
	"github.com/ardnew/softimu/pkg"
	"github.com/ardnew/softimu/pkg/prof"
	"github.com/ardnew/softimu/rtio"
	"github.com/ardnew/softimu/sensor"
	"github.com/ardnew/softimu/sensor/format/lis2dux12"
	"github.com/ardnew/softimu/sensor/format/lsm6dsv16x"
	"github.com/ardnew/softimu/sensor/hal"
	"github.com/ardnew/softimu/sensor/hal/fifo"
	"github.com/ardnew/softimu/sensor/hal/serial"
	"github.com/ardnew/softimu/sensor/hal/sim"
	"github.com/ardnew/softimu/sensor/iodev"
	"github.com/ardnew/softimu/stream"
)

const shutdownTimeout = 2 * time.Second

// device is one configured stream source with its subscriptions.
type device struct {
	dev      *iodev.Device
	channels []sensor.ChannelSpec
	triggers []sensor.TriggerSpec
}

// App owns every runtime object of one streaming session: the queue
// context and its pool, the devices sharing it, the dispatcher and its
// sinks, and the optional metrics endpoint.
type App struct {
	opt config.IMUStreamOpt

	registry   *prometheus.Registry
	metrics    *metrics.Collector
	queue      *rtio.Context
	devices    []device
	dispatcher *stream.Dispatcher

	logSink *stream.LogSink
	csvSink *stream.CSVSink
	csvFile io.Closer

	mutex    sync.Mutex
	listener net.Listener
	running  bool
}

// New validates opt and builds the session. CSV output named "-" goes to
// stdout; extra sinks receive every event after the configured ones.
func New(opt config.IMUStreamOpt, stdout io.Writer, extra ...stream.Sink) (*App, error) {
	if err := opt.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", pkg.ErrStartup, err)
	}

	a := &App{opt: opt, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(opt.Metrics.Namespace, a.registry)

	q, err := rtio.NewContext(rtio.Config{
		Name:        config.DefaultAppName,
		Submissions: opt.Queue.Submissions,
		Completions: opt.Queue.Completions,
		Pool: rtio.PoolConfig{
			Slots:     opt.PoolSlots(),
			SlotSize:  opt.Queue.Pool.SlotSize,
			BlockSize: opt.Queue.Pool.BlockSize,
		},
	}, a.metrics)
	if err != nil {
		return nil, err
	}
	a.queue = q

	var sinks stream.MultiSink
	if opt.Sink.Log {
		a.logSink = stream.NewLogSink(slog.LevelInfo, opt.Sink.LogRate, opt.Sink.LogBurst)
		sinks = append(sinks, a.logSink)
	}
	switch opt.Sink.CSV {
	case "":
	case "-":
		a.csvSink = stream.NewCSVSink(stdout)
	default:
		f, err := os.Create(opt.Sink.CSV)
		if err != nil {
			q.Close()
			return nil, fmt.Errorf("%w: csv output: %w", pkg.ErrStartup, err)
		}
		a.csvFile = f
		a.csvSink = stream.NewCSVSink(f)
	}
	if a.csvSink != nil {
		sinks = append(sinks, a.csvSink)
	}
	sinks = append(sinks, extra...)

	a.dispatcher = stream.NewDispatcher(q, sinks,
		stream.WithBatchSize(sensor.ChannelAccelXYZ, opt.Dispatch.AccelBatch),
		stream.WithBatchSize(sensor.ChannelGyroXYZ, opt.Dispatch.GyroBatch),
		stream.WithBatchSize(sensor.ChannelDieTemp, opt.Dispatch.TempBatch),
		stream.WithBatchSize(sensor.ChannelMagnXYZ, opt.Dispatch.MagnBatch),
		stream.WithMetrics(a.metrics),
	)

	for _, d := range opt.Devices {
		if err := a.addDevice(d); err != nil {
			a.cleanup()
			return nil, err
		}
	}
	return a, nil
}

func (a *App) addDevice(d config.DeviceOpt) error {
	f, err := NewFormat(d.Format)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", pkg.ErrStartup, d.Name, err)
	}
	channels, err := d.ChannelSpecs()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", pkg.ErrStartup, d.Name, err)
	}
	for _, ch := range channels {
		if !slices.Contains(f.Channels(), ch.Kind) {
			return fmt.Errorf("%w: %s: %w: format %s has no %v channel",
				pkg.ErrStartup, d.Name, pkg.ErrNotSupported, f.Name(), ch.Kind)
		}
	}
	triggers, err := d.TriggerSpecs()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", pkg.ErrStartup, d.Name, err)
	}

	dev := iodev.New(d.Name, NewSource(d.Source), f)

	var discrete []sensor.TriggerKind
	for _, t := range triggers {
		discrete = append(discrete, t.Kind)
	}
	if err := a.dispatcher.Attach(dev, channels, discrete); err != nil {
		return err
	}
	a.devices = append(a.devices, device{dev: dev, channels: channels, triggers: triggers})
	return nil
}

// NewSource builds the HAL source a device row names.
func NewSource(o config.SourceOpt) hal.Source {
	switch o.Kind {
	case config.SourceFIFO:
		return fifo.New(o.Path)
	case config.SourceSerial:
		return serial.New(serial.Config{Name: o.Path, Baud: o.Baud})
	default:
		return sim.New(SimConfig(o))
	}
}

// SimConfig maps a source row onto the simulator configuration.
func SimConfig(o config.SourceOpt) sim.Config {
	cfg := sim.DefaultConfig()
	if o.ODR > 0 {
		cfg.ODR = o.ODR
	}
	if o.Watermark > 0 {
		cfg.Watermark = o.Watermark
	}
	cfg.Gyro = o.Gyro
	cfg.Temp = o.Temp
	cfg.Magn = o.Magn
	cfg.TapEvery = o.TapEvery
	cfg.Batches = o.Batches
	cfg.Realtime = o.Realtime
	return cfg
}

// NewFormat builds the data format a device row names. Unset ranges take
// the format's defaults.
func NewFormat(o config.FormatOpt) (iodev.Format, error) {
	switch o.Name {
	case config.FormatLSM6DSV16X:
		cfg := lsm6dsv16x.DefaultConfig()
		if o.AccelRange != 0 {
			cfg.AccelRange = o.AccelRange
		}
		if o.GyroRange != 0 {
			cfg.GyroRange = o.GyroRange
		}
		return lsm6dsv16x.New(cfg)
	case config.FormatLIS2DUX12:
		r := o.AccelRange
		if r == 0 {
			r = 2
		}
		return lis2dux12.New(r)
	default:
		return nil, fmt.Errorf("%w: format %q", pkg.ErrNotSupported, o.Name)
	}
}

// Formats lists the supported data formats with the channels each decodes.
func Formats() map[string][]sensor.ChannelKind {
	out := make(map[string][]sensor.ChannelKind)
	for _, name := range []string{config.FormatLSM6DSV16X, config.FormatLIS2DUX12} {
		if f, err := NewFormat(config.FormatOpt{Name: name}); err == nil {
			out[name] = f.Channels()
		}
	}
	return out
}

// Registry returns the registry the session's metrics are exported from.
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

// Dispatcher returns the session dispatcher.
func (a *App) Dispatcher() *stream.Dispatcher {
	return a.dispatcher
}

// Queue returns the shared queue context.
func (a *App) Queue() *rtio.Context {
	return a.queue
}

// MetricsAddr returns the bound metrics address once Run has started
// listening, or "".
func (a *App) MetricsAddr() string {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Run initializes every device, opens one persistent stream per device
// and dispatches completions until ctx ends or a stage fails. Devices,
// the queue and the sinks are shut down before Run returns; an App runs
// once.
func (a *App) Run(ctx context.Context) (err error) {
	a.mutex.Lock()
	if a.running {
		a.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	a.running = true
	a.mutex.Unlock()

	defer func() {
		if cerr := a.cleanup(); err == nil {
			err = cerr
		}
	}()

	for _, d := range a.devices {
		if err := d.dev.Init(ctx); err != nil {
			return err
		}
	}

	handles := make([]rtio.Handle, 0, len(a.devices))
	for _, d := range a.devices {
		h, err := sensor.Stream(ctx, d.dev, a.queue, d.triggers)
		if err != nil {
			return err
		}
		handles = append(handles, h)
		pkg.LogInfo(pkg.ComponentApp, "stream opened",
			"device", d.dev.Name(),
			"format", d.dev.Format().Name(),
			"submission", h.ID().String())
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.opt.Metrics.Listen != "" {
		if err := a.serveMetrics(gctx, g); err != nil {
			return err
		}
	}

	g.Go(func() error {
		defer func() {
			for _, h := range handles {
				h.Cancel()
			}
		}()
		return a.dispatcher.Run(gctx)
	})

	err = g.Wait()
	stats := a.dispatcher.Stats()
	pkg.LogInfo(pkg.ComponentApp, "session finished",
		"passes", stats.Passes,
		"frames", stats.Frames,
		"triggers", stats.Triggers)
	if a.logSink != nil && a.logSink.Suppressed() > 0 {
		pkg.LogDebug(pkg.ComponentApp, "log sink suppressed samples", "count", a.logSink.Suppressed())
	}
	return err
}

func (a *App) serveMetrics(ctx context.Context, g *errgroup.Group) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	prof.Register(mux)

	ln, err := net.Listen("tcp", a.opt.Metrics.Listen)
	if err != nil {
		return fmt.Errorf("%w: metrics listener: %w", pkg.ErrStartup, err)
	}
	a.mutex.Lock()
	a.listener = ln
	a.mutex.Unlock()

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	pkg.LogInfo(pkg.ComponentApp, "metrics server started", "addr", ln.Addr().String())

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return nil
}

// cleanup closes devices before the queue so no producer is left blocked
// on a completion entry, then flushes the sinks.
func (a *App) cleanup() error {
	var errs []error
	for _, d := range a.devices {
		if err := d.dev.Close(); err != nil && !errors.Is(err, pkg.ErrNotRunning) {
			errs = append(errs, fmt.Errorf("%s: %w", d.dev.Name(), err))
		}
	}
	a.queue.Close()

	if a.csvSink != nil {
		if err := a.csvSink.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("csv output: %w", err))
		}
	}
	if a.csvFile != nil {
		if err := a.csvFile.Close(); err != nil {
			errs = append(errs, err)
		}
		a.csvFile = nil
	}

	st := a.queue.Stats()
	pkg.LogDebug(pkg.ComponentApp, "queue released",
		"pool_outstanding", st.Pool.Outstanding,
		"pool_high_water", st.Pool.HighWater,
		"pool_exhausted", st.Pool.Exhausted)
	return errors.Join(errs...)
}

// Feed writes simulated batches into the named pipe at path until ctx
// ends or the simulator runs out of batches. It is the producing end for
// a device configured with a fifo source.
func Feed(ctx context.Context, path string, o config.SourceOpt) (int, error) {
	w, err := fifo.OpenWriter(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = w.Close() }()

	src := sim.New(SimConfig(o))
	if err := src.Init(ctx); err != nil {
		return 0, err
	}
	if err := src.Start(); err != nil {
		return 0, err
	}
	defer func() { _ = src.Stop() }()

	var batch hal.Batch
	n := 0
	for {
		if err := src.ReadBatch(ctx, &batch); err != nil {
			if errors.Is(err, pkg.ErrClosed) || ctx.Err() != nil {
				return n, nil
			}
			return n, err
		}
		if err := w.WriteBatch(&batch); err != nil {
			return n, err
		}
		n++
	}
}
