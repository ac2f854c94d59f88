package stream

import (
	"encoding/csv"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ardnew/softimu/pkg"
	"github.com/ardnew/softimu/sensor"
)

// SampleEvent is one decoded frame.
type SampleEvent struct {
	Device  string
	Channel sensor.ChannelSpec
	Sample  sensor.Sample
}

// TriggerEvent is one discrete trigger detected in a buffer.
type TriggerEvent struct {
	Device string
	Kind   sensor.TriggerKind
}

// Sink receives dispatcher output. Calls are made from the dispatcher
// goroutine, in decode order, and must not retain pointers into the
// events after returning.
type Sink interface {
	Sample(SampleEvent)
	Trigger(TriggerEvent)
}

// SinkFuncs adapts functions to a Sink. Nil functions discard.
type SinkFuncs struct {
	OnSample  func(SampleEvent)
	OnTrigger func(TriggerEvent)
}

// Sample implements Sink.
func (f SinkFuncs) Sample(e SampleEvent) {
	if f.OnSample != nil {
		f.OnSample(e)
	}
}

// Trigger implements Sink.
func (f SinkFuncs) Trigger(e TriggerEvent) {
	if f.OnTrigger != nil {
		f.OnTrigger(e)
	}
}

// ChanSink forwards events to channels. Sends block, so a slow reader
// stalls the dispatcher and, through the completion queue, the producers. Nil
// channels discard.
type ChanSink struct {
	Samples  chan<- SampleEvent
	Triggers chan<- TriggerEvent
}

// Sample implements Sink.
func (c ChanSink) Sample(e SampleEvent) {
	if c.Samples != nil {
		c.Samples <- e
	}
}

// Trigger implements Sink.
func (c ChanSink) Trigger(e TriggerEvent) {
	if c.Triggers != nil {
		c.Triggers <- e
	}
}

// MultiSink fans events out to every sink in order.
type MultiSink []Sink

// Sample implements Sink.
func (m MultiSink) Sample(e SampleEvent) {
	for _, s := range m {
		s.Sample(e)
	}
}

// Trigger implements Sink.
func (m MultiSink) Trigger(e TriggerEvent) {
	for _, s := range m {
		s.Trigger(e)
	}
}

// LogSink writes events to the package logger. Sample lines are rate
// limited; triggers are always logged.
type LogSink struct {
	level      slog.Level
	limiter    *rate.Limiter
	suppressed uint64
}

// NewLogSink logs samples at level, at most perSecond lines per second
// with bursts of burst lines. A non-positive perSecond disables the limit.
func NewLogSink(level slog.Level, perSecond float64, burst int) *LogSink {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &LogSink{level: level, limiter: rate.NewLimiter(limit, burst)}
}

// Suppressed returns the number of sample lines dropped by the limiter.
func (l *LogSink) Suppressed() uint64 {
	return l.suppressed
}

// Sample implements Sink.
func (l *LogSink) Sample(e SampleEvent) {
	if !pkg.LogEnabled(l.level) {
		return
	}
	if !l.limiter.Allow() {
		l.suppressed++
		return
	}
	args := []any{
		"device", e.Device,
		"channel", e.Channel.String(),
		"ts", e.Sample.Timestamp,
	}
	if e.Sample.Axes == 1 {
		args = append(args, "value", e.Sample.Scalar())
	} else {
		v := e.Sample.Vector()
		args = append(args, "x", v[0], "y", v[1], "z", v[2])
	}
	if l.suppressed > 0 {
		args = append(args, "suppressed", l.suppressed)
		l.suppressed = 0
	}
	pkg.Log(l.level, pkg.ComponentDispatch, "sample", args...)
}

// Trigger implements Sink.
func (l *LogSink) Trigger(e TriggerEvent) {
	pkg.LogInfo(pkg.ComponentDispatch, "trigger",
		"device", e.Device,
		"trigger", e.Kind.String())
}

// CSVHeader is the first record written by a CSVSink.
var CSVHeader = []string{"device", "event", "timestamp_ns", "x", "y", "z"}

// CSVSink writes one record per sample and per trigger. Scalar samples
// leave y and z empty; trigger records leave every value empty and name
// the trigger in the event column as "trigger:<kind>".
type CSVSink struct {
	mutex  sync.Mutex
	w      *csv.Writer
	header bool
	err    error
	record [6]string
}

// NewCSVSink returns a sink writing to w.
func NewCSVSink(w io.Writer) *CSVSink {
	return &CSVSink{w: csv.NewWriter(w)}
}

// write emits the assembled record. The caller holds the mutex.
func (c *CSVSink) write() {
	if c.err != nil {
		return
	}
	if !c.header {
		c.header = true
		if c.err = c.w.Write(CSVHeader); c.err != nil {
			return
		}
	}
	c.err = c.w.Write(c.record[:])
}

// Sample implements Sink.
func (c *CSVSink) Sample(e SampleEvent) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	r := &c.record
	r[0] = e.Device
	r[1] = e.Channel.String()
	r[2] = strconv.FormatUint(e.Sample.Timestamp, 10)
	for i := 0; i < 3; i++ {
		if i < int(e.Sample.Axes) {
			r[3+i] = strconv.FormatFloat(e.Sample.Float(i), 'f', 6, 64)
		} else {
			r[3+i] = ""
		}
	}
	c.write()
}

// Trigger implements Sink.
func (c *CSVSink) Trigger(e TriggerEvent) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.record = [6]string{e.Device, "trigger:" + e.Kind.String()}
	c.write()
}

// Flush writes buffered records and returns the first error seen.
func (c *CSVSink) Flush() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.w.Flush()
	if c.err == nil {
		c.err = c.w.Error()
	}
	return c.err
}

// Err returns the first write error.
func (c *CSVSink) Err() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.err
}

var (
	_ Sink = SinkFuncs{}
	_ Sink = ChanSink{}
	_ Sink = MultiSink(nil)
	_ Sink = (*LogSink)(nil)
	_ Sink = (*CSVSink)(nil)
)
