// Package metrics provides Prometheus instrumentation for the streaming
// pipeline. A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the pipeline's metric vectors.
type Collector struct {
	poolOutstanding *prometheus.GaugeVec
	poolCapacity    *prometheus.GaugeVec
	poolExhausted   *prometheus.CounterVec

	completionsTotal *prometheus.CounterVec
	submissionsOpen  prometheus.Gauge

	decodePasses   *prometheus.CounterVec
	decodeDuration *prometheus.HistogramVec
	framesDecoded  *prometheus.CounterVec
	triggersTotal  *prometheus.CounterVec
}

// New creates a collector and registers it on reg. A nil reg gets a
// private registry, which keeps repeated construction in tests legal.
func New(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		poolOutstanding: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "outstanding_buffers",
				Help:      "Buffers currently checked out of the pool",
			},
			[]string{"pool"},
		),
		poolCapacity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "capacity_buffers",
				Help:      "Configured pool capacity in slots",
			},
			[]string{"pool"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "exhausted_total",
				Help:      "Acquire attempts rejected because every slot was checked out",
			},
			[]string{"pool"},
		),
		completionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "completions_total",
				Help:      "Completions posted, by result code",
			},
			[]string{"result"},
		),
		submissionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "submissions_open",
				Help:      "Outstanding persistent submissions",
			},
		),
		decodePasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "passes_total",
				Help:      "Decode passes, by device and outcome",
			},
			[]string{"device", "outcome"},
		),
		decodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "pass_duration_seconds",
				Help:      "Time spent decoding one buffer",
				Buckets:   prometheus.ExponentialBuckets(10e-6, 4, 8),
			},
			[]string{"device"},
		),
		framesDecoded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "frames_total",
				Help:      "Frames decoded, by device and channel",
			},
			[]string{"device", "channel"},
		),
		triggersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "triggers_total",
				Help:      "Discrete trigger events detected, by device and kind",
			},
			[]string{"device", "trigger"},
		),
	}

	reg.MustRegister(
		c.poolOutstanding,
		c.poolCapacity,
		c.poolExhausted,
		c.completionsTotal,
		c.submissionsOpen,
		c.decodePasses,
		c.decodeDuration,
		c.framesDecoded,
		c.triggersTotal,
	)
	return c
}

// PoolCapacity records the configured capacity of a pool.
func (c *Collector) PoolCapacity(pool string, slots int) {
	if c == nil {
		return
	}
	c.poolCapacity.WithLabelValues(pool).Set(float64(slots))
}

// PoolOutstanding records the current number of checked-out buffers.
func (c *Collector) PoolOutstanding(pool string, n int) {
	if c == nil {
		return
	}
	c.poolOutstanding.WithLabelValues(pool).Set(float64(n))
}

// PoolExhausted counts a rejected acquire.
func (c *Collector) PoolExhausted(pool string) {
	if c == nil {
		return
	}
	c.poolExhausted.WithLabelValues(pool).Inc()
}

// Completion counts a posted completion.
func (c *Collector) Completion(result string) {
	if c == nil {
		return
	}
	c.completionsTotal.WithLabelValues(result).Inc()
}

// SubmissionsOpen records the number of outstanding submissions.
func (c *Collector) SubmissionsOpen(n int) {
	if c == nil {
		return
	}
	c.submissionsOpen.Set(float64(n))
}

// DecodePass records one finished decode pass.
func (c *Collector) DecodePass(device, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.decodePasses.WithLabelValues(device, outcome).Inc()
	c.decodeDuration.WithLabelValues(device).Observe(elapsed.Seconds())
}

// Frames counts decoded frames for a channel.
func (c *Collector) Frames(device, channel string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.framesDecoded.WithLabelValues(device, channel).Add(float64(n))
}

// Trigger counts a detected discrete trigger.
func (c *Collector) Trigger(device, trigger string) {
	if c == nil {
		return
	}
	c.triggersTotal.WithLabelValues(device, trigger).Inc()
}
