/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package rangingstats implements the rate counters and per-anchor
// gauges named in spec.md §4.6, exported as Prometheus metrics the way
// the teacher's pkg/exporter exports TCPInfo fields: a hand-written
// Collector plus a struct-tag-driven generated_metrics.go produced by
// cmd/tdoa-metrics-gen (SPEC_FULL.md §B.1).
package rangingstats

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Counters holds the process-wide rate counters named in spec.md §4.6.
// Fields tagged `tdoa:"..."` are read by cmd/tdoa-metrics-gen to build
// generated_metrics.go; the tag format mirrors the teacher's `tcpi:"..."`
// convention in pkg/linux/tcpinfo.go.
type Counters struct {
	mu sync.Mutex

	ContextHits   uint64 `tdoa:"name=context_hits_total,prom_type=counter,prom_help='Packets matched against an existing anchor record.'"`
	ContextMisses uint64 `tdoa:"name=context_misses_total,prom_type=counter,prom_help='Packets that created a new anchor record.'"`

	ClockCorrectionsAccepted uint64 `tdoa:"name=clock_corrections_accepted_total,prom_type=counter,prom_help='Clock-correction candidates accepted by the noise gate.'"`
	GoodTimeSamples          uint64 `tdoa:"name=good_time_samples_total,prom_type=counter,prom_help='Packets that produced a reliable clock-correction update.'"`
	PeersFound               uint64 `tdoa:"name=peers_found_total,prom_type=counter,prom_help='Packets for which a suitable ranging peer was selected.'"`
	PacketsEmitted           uint64 `tdoa:"name=packets_emitted_total,prom_type=counter,prom_help='TDoA measurements enqueued to the estimator.'"`
}

func (c *Counters) ContextHit() { c.mu.Lock(); c.ContextHits++; c.mu.Unlock() }
func (c *Counters) ContextMiss() { c.mu.Lock(); c.ContextMisses++; c.mu.Unlock() }
func (c *Counters) ClockCorrectionAccepted() { c.mu.Lock(); c.ClockCorrectionsAccepted++; c.mu.Unlock() }
func (c *Counters) GoodTimeSample() { c.mu.Lock(); c.GoodTimeSamples++; c.mu.Unlock() }
func (c *Counters) PeerFound() { c.mu.Lock(); c.PeersFound++; c.mu.Unlock() }
func (c *Counters) PacketEmitted() { c.mu.Lock(); c.PacketsEmitted++; c.mu.Unlock() }

func (c *Counters) snapshot() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Counters{
		ContextHits:              c.ContextHits,
		ContextMisses:            c.ContextMisses,
		ClockCorrectionsAccepted: c.ClockCorrectionsAccepted,
		GoodTimeSamples:          c.GoodTimeSamples,
		PeersFound:               c.PeersFound,
		PacketsEmitted:           c.PacketsEmitted,
	}
}

// AnchorSample is one focus anchor's latest per-anchor readings (spec.md
// §4.6's clockCorrection/tof/tdoa/distance gauges).
type AnchorSample struct {
	AnchorID       uint8
	ClockCorrection float64
	TofTicks        float64
	TdoaTicks       float64
	DistanceDiff    float64
}

// FocusTracker holds the single "focus anchor" gauges the firmware
// exposes: one anchor's readings at a time, swapped out by
// logAnchorDistance's rotation rule rather than one gauge set per anchor,
// to match spec.md §4.6 exactly (one set of gauges, relabeled).
type FocusTracker struct {
	mu             sync.Mutex
	previousAnchor uint8
	hasPrevious    bool
	current        AnchorSample
	hasCurrent     bool
}

// Observe records a new sample for anchorID, and reports whether it
// passed the logAnchorDistance gate: the focus only rotates when
// anchorID is exactly one past the previously-logged anchor, modulo the
// 8-slot range packet layout (spec.md §4.6's log-throttling rule).
func (f *FocusTracker) Observe(s AnchorSample) (logged bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.hasPrevious || (f.previousAnchor+1)%8 == s.AnchorID%8 {
		f.current = s
		f.hasCurrent = true
		f.previousAnchor = s.AnchorID
		f.hasPrevious = true
		return true
	}
	return false
}

func (f *FocusTracker) snapshot() (AnchorSample, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.hasCurrent
}

// Collector adapts Counters and a FocusTracker to prometheus.Collector,
// grounded on the teacher's TCPInfoCollector in pkg/exporter/exporter.go:
// a small struct pairing live state with a slice of (Desc, supplier)
// pairs built by generated_metrics.go.
type Collector struct {
	counters *Counters
	focus    *FocusTracker
}

// NewCollector wires counters and focus into a prometheus.Collector.
// Both may be shared with the Sink that feeds them.
func NewCollector(counters *Counters, focus *FocusTracker) *Collector {
	return &Collector{counters: counters, focus: focus}
}

// Sink aggregates Counters and FocusTracker into the one object
// pkg/tdoaengine.Engine expects as its StatsSink: the rate counters
// named in spec.md §4.6 plus the single focus-anchor gauge set. Every
// emission is offered to FocusTracker.Observe, which rotates the focus
// only when its sequential-anchor gate passes.
type Sink struct {
	*Counters
	*FocusTracker
}

// NewSink wires counters and focus into a tdoaengine.StatsSink.
func NewSink(counters *Counters, focus *FocusTracker) *Sink {
	return &Sink{Counters: counters, FocusTracker: focus}
}

// Observe satisfies tdoaengine.StatsSink, forwarding to the
// FocusTracker with the field names spec.md §4.6 uses.
func (s *Sink) Observe(anchorID uint8, clockCorrection, tofTicks, tdoaTicks, distDiff float64) {
	s.FocusTracker.Observe(AnchorSample{
		AnchorID:        anchorID,
		ClockCorrection: clockCorrection,
		TofTicks:        tofTicks,
		TdoaTicks:       tdoaTicks,
		DistanceDiff:    distDiff,
	})
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	for _, m := range counterMetrics {
		descs <- m.description
	}
	for _, m := range anchorGaugeMetrics {
		descs <- m.description
	}
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	snap := c.counters.snapshot()
	for _, m := range counterMetrics {
		metrics <- m.supplier(&snap)
	}

	if sample, ok := c.focus.snapshot(); ok {
		for _, m := range anchorGaugeMetrics {
			metrics <- m.supplier(sample)
		}
	}
}
