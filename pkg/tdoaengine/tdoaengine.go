/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package tdoaengine implements the core per-packet pipeline (spec.md
// §4.3-§4.4): clock-correction update, peer selection, TDoA
// arithmetic, and emission to an injected estimator capability.
//
// The estimator is wired as a single-method capability object rather
// than a baked-in function pointer (spec.md §9's explicit design
// note), mirroring the teacher's ReportStatsFn-style callback in
// sockstats.go/wrap.go: a small interface supplied at construction,
// never part of the core type's identity.
package tdoaengine

import (
	"math"

	"github.com/skyloco/tdoa-engine/pkg/anchorstore"
	"github.com/skyloco/tdoa-engine/pkg/clockfilter"
	"github.com/skyloco/tdoa-engine/pkg/wireclock"
)

// SpeedOfLight in metres/second, used to convert a TDoA tick count to
// a distance difference.
const SpeedOfLight = 299792458.0

// MatchingAlgorithm selects the peer-selection strategy. This is a
// tagged enum dispatched with a switch at the selection site rather
// than an interface, per spec.md §9: "implement as a tagged variant
// dispatched at the selection site, not dynamic dispatch."
type MatchingAlgorithm int

const (
	MatchingAlgorithmRandom MatchingAlgorithm = iota
	MatchingAlgorithmYoungest
)

// Measurement is the TDoA reading emitted to the estimator (spec.md §3).
type Measurement struct {
	AnchorIDs [2]uint8
	Positions [2]anchorstore.Position
	DistDiff  float64
	StdDev    float64
}

// Estimator is the downstream consumer's capability contract (spec.md §6.4).
type Estimator interface {
	Enqueue(Measurement)
	// EnqueueHeight is called once per emission when Config.TwoD is
	// set and a fresh height reading is available (SPEC_FULL.md §C.1).
	EnqueueHeight(height, stdDev float64)
}

// StatsSink receives the rate-counter and focus-anchor events named in
// spec.md §4.6. Implemented by pkg/rangingstats.Sink; kept as a narrow
// interface here so the engine never imports the stats/exporter package.
type StatsSink interface {
	ContextHit()
	ContextMiss()
	ClockCorrectionAccepted()
	GoodTimeSample()
	PeerFound()
	PacketEmitted()

	// Observe reports the current anchor's latest readings on every
	// emission, for the focus-anchor gauges (spec.md §4.6).
	Observe(anchorID uint8, clockCorrection, tofTicks, tdoaTicks, distDiff float64)
}

type noopStats struct{}

func (noopStats) ContextHit() {}
func (noopStats) ContextMiss() {}
func (noopStats) ClockCorrectionAccepted() {}
func (noopStats) GoodTimeSample() {}
func (noopStats) PeerFound() {}
func (noopStats) PacketEmitted() {}
func (noopStats) Observe(anchorID uint8, clockCorrection, tofTicks, tdoaTicks, distDiff float64) {}

// Config configures an Engine. Zero-value fields fall back to the
// spec's named constants where documented below.
type Config struct {
	Algorithm MatchingAlgorithm

	// FTS is the UWB timestamp tick frequency (hardware-defined,
	// spec.md §4.3 step 4). Defaults to 499.2e6 * 128 if zero.
	FTS float64

	// StdDev overrides the per-measurement standard deviation
	// (spec.md §6.5's "stddev" parameter). Defaults to 0.25 if zero.
	StdDev float64

	// TwoD and HeightProvider implement the absolute-height emission
	// named in spec.md §6.4 (SPEC_FULL.md §C.1).
	TwoD           bool
	HeightProvider func() (height float64, ok bool)

	Estimator Estimator
	Stats     StatsSink
}

const (
	defaultFTS    = 499.2e6 * 128
	defaultStdDev = 0.25
)

// Engine is the TDoA ranging engine: an anchor store plus the
// clock/peer/arithmetic pipeline over it. It holds no goroutines and
// is not safe for concurrent use — the spec's single-threaded radio
// task owns it exclusively (spec.md §5).
type Engine struct {
	store *anchorstore.Store
	cfg   Config

	randOffset uint32
}

// New constructs an Engine backed by store. store is owned by the
// caller and must outlive the Engine (anchorstore.Store has no
// internal locking — see spec.md §5).
func New(store *anchorstore.Store, cfg Config) *Engine {
	if cfg.FTS == 0 {
		cfg.FTS = defaultFTS
	}
	if cfg.StdDev == 0 {
		cfg.StdDev = defaultStdDev
	}
	if cfg.Stats == nil {
		cfg.Stats = noopStats{}
	}
	return &Engine{store: store, cfg: cfg}
}

// Store exposes the backing anchor store, e.g. so a driver can list
// ids or persist a sample after ProcessPacket returns.
func (e *Engine) Store() *anchorstore.Store { return e.store }

// GetOrCreateAnchor retrieves (creating if necessary) anchorID's
// record, reporting ContextHit/ContextMiss (spec.md §4.6) exactly once.
// Callers that must touch the record before calling ProcessPacketCtx —
// e.g. the driver's updateRemoteData, which writes this packet's
// remote-rx/remote-tof observations in per spec.md §4.5 step 5 before
// process_packet runs — call this themselves instead of letting
// ProcessPacket perform its own, separate lookup.
func (e *Engine) GetOrCreateAnchor(anchorID uint8, nowMs int64) *anchorstore.Record {
	rec, found := e.store.GetOrCreate(anchorID, nowMs)
	if found {
		e.cfg.Stats.ContextHit()
	} else {
		e.cfg.Stats.ContextMiss()
	}
	return rec
}

// ProcessPacket is the core per-packet routine (spec.md §4.3). It does
// not persist the new (txAnchor, rxTag, seqNr) sample into the anchor
// record — the caller does that afterward (spec.md §4.5 step 6),
// since the clock-correction candidate must be computed against the
// *previous* persisted sample, not this one.
//
// Returns the anchor's record (a short-lived borrow, per spec.md §9 —
// callers must not retain it across packets) and whether a
// measurement was emitted.
func (e *Engine) ProcessPacket(anchorID uint8, txAnchor, rxTag uint64, nowMs int64) (*anchorstore.Record, bool) {
	rec := e.GetOrCreateAnchor(anchorID, nowMs)
	return rec, e.processPacket(rec, anchorID, txAnchor, rxTag, nowMs, nil)
}

// ProcessPacketFiltered is identical to ProcessPacket but forbids
// choosing excludeID as the peer (spec.md §4.3 "filtered variant").
func (e *Engine) ProcessPacketFiltered(anchorID uint8, txAnchor, rxTag uint64, nowMs int64, excludeID uint8) (*anchorstore.Record, bool) {
	rec := e.GetOrCreateAnchor(anchorID, nowMs)
	return rec, e.processPacket(rec, anchorID, txAnchor, rxTag, nowMs, &excludeID)
}

// ProcessPacketCtx is the context-first variant of ProcessPacket: the
// caller has already retrieved rec via GetOrCreateAnchor (spec.md §4.5
// step 5's "process_packet(ctx, tx_anchor, rx_tag)"), so this performs
// no anchor lookup of its own and reports no ContextHit/ContextMiss.
func (e *Engine) ProcessPacketCtx(rec *anchorstore.Record, anchorID uint8, txAnchor, rxTag uint64, nowMs int64) bool {
	return e.processPacket(rec, anchorID, txAnchor, rxTag, nowMs, nil)
}

// ProcessPacketCtxFiltered combines ProcessPacketCtx and
// ProcessPacketFiltered: an already-retrieved ctx, with excludeID
// forbidden as the peer.
func (e *Engine) ProcessPacketCtxFiltered(rec *anchorstore.Record, anchorID uint8, txAnchor, rxTag uint64, nowMs int64, excludeID uint8) bool {
	return e.processPacket(rec, anchorID, txAnchor, rxTag, nowMs, &excludeID)
}

func (e *Engine) processPacket(rec *anchorstore.Record, anchorID uint8, txAnchor, rxTag uint64, nowMs int64, excludeID *uint8) bool {
	if !rec.HasSample {
		// No previous sample to diff against; this packet only seeds
		// the record (persisted by the caller). Matches spec.md S1.
		return false
	}

	deltaRxTag := wireclock.Sub(rxTag, rec.RxTime)
	deltaTxAnchor := wireclock.Sub(txAnchor, rec.TxTime)

	cand, ok := clockfilter.Candidate(deltaRxTag, deltaTxAnchor)
	if !ok {
		return false
	}

	reliable := rec.Clock.Update(cand)
	if !reliable {
		return false
	}
	e.cfg.Stats.ClockCorrectionAccepted()
	e.cfg.Stats.GoodTimeSample()

	if rec.Clock.Correction <= 0 {
		return false
	}

	if !rec.FirmwareMeetsMinimum {
		// This anchor's own remote-TOF reports are not trusted, so no
		// TDoA is formed from its packets.
		return false
	}

	peerID, ok := e.selectPeer(rec, nowMs, excludeID)
	if !ok {
		return false
	}
	e.cfg.Stats.PeerFound()

	return e.emit(anchorID, rec, peerID, txAnchor, rxTag, nowMs)
}

func (e *Engine) emit(anchorID uint8, rec *anchorstore.Record, peerID uint8, txAnchor, rxTag uint64, nowMs int64) bool {
	peerRec, ok := e.store.Get(peerID)
	if !ok {
		return false
	}

	rxRByA, _, ok := rec.GetRemoteRx(peerID, nowMs)
	if !ok {
		return false
	}
	tofRA, ok := rec.GetRemoteTof(peerID, nowMs)
	if !ok {
		return false
	}

	posA, okA := rec.GetPosition(nowMs)
	posR, okR := peerRec.GetPosition(nowMs)
	if !okA || !okR {
		return false
	}

	deltaTxRToA := float64(tofRA) + float64(wireclock.Sub(txAnchor, rxRByA))
	tdoaTicks := float64(wireclock.Sub(rxTag, peerRec.RxTime)) - deltaTxRToA*rec.Clock.Correction
	distDiff := SpeedOfLight * tdoaTicks / e.cfg.FTS

	e.cfg.Estimator.Enqueue(Measurement{
		AnchorIDs: [2]uint8{peerID, anchorID},
		Positions: [2]anchorstore.Position{posR, posA},
		DistDiff:  distDiff,
		StdDev:    e.cfg.StdDev,
	})

	if e.cfg.TwoD && e.cfg.HeightProvider != nil {
		if h, ok := e.cfg.HeightProvider(); ok {
			e.cfg.Estimator.EnqueueHeight(h, 1e-4)
		}
	}

	e.cfg.Stats.PacketEmitted()
	e.cfg.Stats.Observe(anchorID, rec.Clock.Correction, float64(tofRA), tdoaTicks, distDiff)
	return true
}

// selectPeer dispatches to the configured matching algorithm. The
// precondition from spec.md §4.4 ("clock_correction > 0") is enforced
// by the caller before this is reached.
func (e *Engine) selectPeer(rec *anchorstore.Record, nowMs int64, excludeID *uint8) (uint8, bool) {
	seqBuf := make([]anchorstore.RemoteSeq, 0, rec.RemoteCapacity())
	seqs := rec.ListRemoteSeq(nowMs, seqBuf)
	if len(seqs) == 0 {
		return 0, false
	}

	switch e.cfg.Algorithm {
	case MatchingAlgorithmYoungest:
		return e.selectYoungest(rec, seqs, nowMs, excludeID)
	default:
		return e.selectRandom(rec, seqs, nowMs, excludeID)
	}
}

func (e *Engine) selectRandom(rec *anchorstore.Record, seqs []anchorstore.RemoteSeq, nowMs int64, excludeID *uint8) (uint8, bool) {
	e.randOffset++
	start := int(e.randOffset % uint32(len(seqs)))

	for i := 0; i < len(seqs); i++ {
		cand := seqs[(start+i)%len(seqs)]
		if excludeID != nil && cand.ID == *excludeID {
			continue
		}
		if ok := e.candidateQualifies(rec, cand, nowMs); ok {
			return cand.ID, true
		}
	}
	return 0, false
}

func (e *Engine) selectYoungest(rec *anchorstore.Record, seqs []anchorstore.RemoteSeq, nowMs int64, excludeID *uint8) (uint8, bool) {
	best := uint8(0)
	bestUpdate := int64(math.MinInt64)
	found := false

	for _, cand := range seqs {
		if excludeID != nil && cand.ID == *excludeID {
			continue
		}
		candRec, ok := e.store.Get(cand.ID)
		if !ok {
			continue // spec.md §4.4 only creates-on-miss for the random algorithm
		}
		if candRec.SeqNr != cand.SeqNr {
			continue
		}
		if !candRec.FirmwareMeetsMinimum {
			continue
		}
		if _, ok := rec.GetRemoteTof(cand.ID, nowMs); !ok {
			continue
		}
		if !found || candRec.LastUpdateMs > bestUpdate {
			best = cand.ID
			bestUpdate = candRec.LastUpdateMs
			found = true
		}
	}
	return best, found
}

// candidateQualifies checks the random-algorithm's acceptance
// conditions (spec.md §4.4): the candidate must exist, report a
// seq_nr matching what this anchor heard from it, meet the optional
// firmware gate, and have a still-valid remote-TOF reading.
func (e *Engine) candidateQualifies(rec *anchorstore.Record, cand anchorstore.RemoteSeq, nowMs int64) bool {
	candRec, found := e.store.Get(cand.ID)
	if !found {
		candRec, found = e.store.GetOrCreate(cand.ID, nowMs)
		if !found {
			return false // just created: no seq_nr of its own yet
		}
	}
	if candRec.SeqNr != cand.SeqNr {
		return false
	}
	if !candRec.FirmwareMeetsMinimum {
		return false
	}
	_, ok := rec.GetRemoteTof(cand.ID, nowMs)
	return ok
}
