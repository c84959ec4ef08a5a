/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package tagdriver implements the boundary state machine a radio event
// loop drives (spec.md §4.5): decoding incoming range packets, feeding
// them to a pkg/tdoaengine.Engine, pacing outgoing LPP short packets,
// and tracking per-anchor ranging-state for isRangingOk/getAnchorIdList.
//
// The Driver is owned exclusively by the caller's single radio task — it
// holds no goroutines or locks, matching spec.md §5's cooperative,
// single-threaded scheduling model. Structured logging and the
// process-lifetime session id follow the teacher's cmd/get/main.go and
// sockstats.go idiom of wrapping a transport with a report callback.
package tagdriver

import (
	"fmt"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/skyloco/tdoa-engine/pkg/anchorstore"
	"github.com/skyloco/tdoa-engine/pkg/tdoaengine"
	"github.com/skyloco/tdoa-engine/pkg/tdoapacket"
)

// Event is a radio event dispatched to Driver.OnEvent.
type Event int

const (
	EventReceiveTimeout Event = iota
	EventReceiveFailed
	EventTimeout
)

// LPPSendTimeout is the retry cap from spec.md §4.5/§7: a queued LPP
// short packet is dropped after this many failure/timeout events pass
// without an opportunity to send it.
const LPPSendTimeout = 3

// AnchorStatusTimeoutMs bounds how long an anchor stays "ranging" in the
// bitmap after its last successfully processed packet. It uses the same
// window as anchorstore's active-record listing; the bitmap is tracked
// apart from the store, so an anchor evicted from the store keeps its
// bit until this timeout elapses.
const AnchorStatusTimeoutMs = anchorstore.ActiveValidityMs

// RadioTransport is the hardware boundary the driver calls into: arm the
// receiver for the next packet, or transmit a short payload to dest.
type RadioTransport interface {
	ArmReceive() error
	Send(dest uint64, payload []byte) error
}

// FirmwareGate is consulted when an anchor reports its firmware version
// (SPEC_FULL.md §C.2); satisfied by *pkg/anchorvers.Gate.
type FirmwareGate interface {
	Meets(reportedVersion string) bool
}

type pendingLPP struct {
	dest     uint64
	payload  []byte
	attempts int
}

// Config configures a Driver.
type Config struct {
	Engine       *tdoaengine.Engine
	Radio        RadioTransport
	FirmwareGate FirmwareGate // optional; nil accepts every reported version

	// ExcludeID, when non-nil, forbids process_packet_filtered from
	// selecting this id as a peer (spec.md §4.3's filtered variant);
	// most deployments leave this nil and use process_packet.
	ExcludeID *uint8

	Logger *logrus.Logger // optional; defaults to logrus.StandardLogger()

	// OnRangingBitmap, if set, is invoked at the end of every event with
	// the rebuilt per-anchor ranging bitmap (spec.md §4.5's "publish"
	// step), mirroring the teacher's single-function ReportStatsFn
	// capability rather than a dedicated sink interface.
	OnRangingBitmap func(bitmap uint64)
}

// Driver is the tag-side boundary state machine.
type Driver struct {
	SessionID string

	engine       *tdoaengine.Engine
	radio        RadioTransport
	firmwareGate FirmwareGate
	excludeID    *uint8
	onBitmap     func(uint64)
	log          *logrus.Entry

	rangingOk         bool
	hasPreviousAnchor bool
	previousAnchor    uint8

	pending map[uint8]*pendingLPP

	// anchorStatusTimeout[id] is the deadline (ms) up to which anchor id
	// counts as "ranging" for the bitmap and active-id queries.
	anchorStatusTimeout map[uint8]int64
}

// New constructs a Driver. cfg.Engine and cfg.Radio are required.
func New(cfg Config) *Driver {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	sessionID := xid.New().String()
	return &Driver{
		SessionID:           sessionID,
		engine:              cfg.Engine,
		radio:               cfg.Radio,
		firmwareGate:        cfg.FirmwareGate,
		excludeID:           cfg.ExcludeID,
		onBitmap:            cfg.OnRangingBitmap,
		log:                 logger.WithField("session", sessionID),
		pending:             make(map[uint8]*pendingLPP),
		anchorStatusTimeout: make(map[uint8]int64),
	}
}

// QueueLPP enqueues a short LPP packet for transmission the next time
// this anchor's packet-received slot gives the driver an opportunity to
// send (spec.md §4.5 step 3). Replaces any packet already queued for id.
func (d *Driver) QueueLPP(id uint8, dest uint64, payload []byte) {
	d.pending[id] = &pendingLPP{dest: dest, payload: payload}
}

// OnPacketReceived handles the PacketReceived event (spec.md §4.5).
// srcAddr is the packet's source MAC address (its low byte is the
// sending anchor's id); rxTag is the tag's hardware RX timestamp;
// nowMs is the driver's monotonic clock at the time of this event.
func (d *Driver) OnPacketReceived(payload []byte, srcAddr uint64, rxTag uint64, nowMs int64) {
	pkt, err := tdoapacket.Decode(payload)
	if err != nil || pkt.Type != tdoapacket.PacketTypeTDoA2 {
		// spec.md §4.5 step 1: malformed or non-TDoA2 packets are
		// dropped before any other processing, including re-arming —
		// the radio stack is assumed to re-arm on its own for frames it
		// never hands up as a full event.
		d.log.WithError(err).Debug("dropped non-TDoA2 packet")
		return
	}

	anchorID := uint8(srcAddr)

	if pend, ok := d.pending[anchorID]; ok {
		if err := d.radio.Send(pend.dest, pend.payload); err != nil {
			d.log.WithError(err).Warn("LPP send failed")
		}
	} else if err := d.radio.ArmReceive(); err != nil {
		d.log.WithError(err).Warn("re-arm receive failed")
	}

	txAnchor := pkt.Timestamps[anchorID]

	// Retrieve ctx once (spec.md §4.5 step 5), write this packet's
	// remote observations into it, then hand the same ctx to
	// process_packet — never a second, independent lookup.
	rec := d.engine.GetOrCreateAnchor(anchorID, nowMs)
	d.updateRemoteData(rec, pkt, anchorID, nowMs)

	if d.excludeID != nil {
		d.engine.ProcessPacketCtxFiltered(rec, anchorID, txAnchor, rxTag, nowMs, *d.excludeID)
	} else {
		d.engine.ProcessPacketCtx(rec, anchorID, txAnchor, rxTag, nowMs)
	}

	rec.PersistSample(rxTag, txAnchor, pkt.SequenceNrs[anchorID], nowMs)

	if pkt.HasTrailing {
		d.applyTrailingLPP(rec, pkt.TrailingLPP)
	}

	d.previousAnchor = anchorID
	d.hasPreviousAnchor = true
	d.anchorStatusTimeout[anchorID] = nowMs + AnchorStatusTimeoutMs
	d.rangingOk = true

	d.publishBitmap(nowMs)
}

func (d *Driver) updateRemoteData(rec *anchorstore.Record, pkt tdoapacket.Packet, anchorID uint8, nowMs int64) {
	for i := uint8(0); i < tdoapacket.AnchorSlots; i++ {
		if i == anchorID {
			continue
		}
		if tdoapacket.IsValidTimestamp(pkt.Timestamps[i]) {
			rec.SetRemoteRx(i, pkt.Timestamps[i], pkt.SequenceNrs[i], nowMs)
		}
		if tdoapacket.IsValidDistance(pkt.Distances[i]) {
			rec.SetRemoteTof(i, uint64(pkt.Distances[i]), nowMs)
		}
	}
}

func (d *Driver) applyTrailingLPP(rec *anchorstore.Record, trailing []byte) {
	lpp, ok := tdoapacket.DecodeLPPShort(trailing)
	if !ok {
		return
	}
	switch lpp.Type {
	case tdoapacket.LPPShortAnchorPos:
		pos, err := tdoapacket.DecodeAnchorPosition(lpp.Body)
		if err != nil {
			d.log.WithError(err).Debug("malformed LPP_SHORT_ANCHORPOS")
			return
		}
		rec.SetPosition(float64(pos.X), float64(pos.Y), float64(pos.Z), rec.LastUpdateMs)
	case tdoapacket.LPPShortAnchorFirmware:
		version, err := tdoapacket.DecodeFirmwareVersion(lpp.Body)
		if err != nil {
			d.log.WithError(err).Debug("malformed LPP_SHORT_ANCHOR_FIRMWARE")
			return
		}
		rec.FirmwareMeetsMinimum = d.firmwareGate == nil || d.firmwareGate.Meets(version)
		if !rec.FirmwareMeetsMinimum {
			d.log.WithField("anchor", rec.ID).WithField("firmware", version).
				Info("anchor firmware below minimum; remote TOF from it will be ignored")
		}
	}
}

// OnEvent handles the three failure/timeout events (spec.md §4.5): the
// receiver is re-armed, and any queued LPP packet's retry count is
// advanced, dropping it once it crosses LPPSendTimeout. Any other Event
// value is an invariant violation and panics.
func (d *Driver) OnEvent(ev Event, anchorID uint8, nowMs int64) {
	switch ev {
	case EventReceiveTimeout, EventReceiveFailed, EventTimeout:
	default:
		panic(fmt.Sprintf("tagdriver: unknown radio event %v", ev))
	}
	if err := d.radio.ArmReceive(); err != nil {
		d.log.WithError(err).Warn("re-arm receive failed")
	}
	if pend, ok := d.pending[anchorID]; ok {
		pend.attempts++
		if pend.attempts > LPPSendTimeout {
			delete(d.pending, anchorID)
			d.log.WithField("anchor", anchorID).Debug("dropped stale queued LPP packet")
		}
	}
	d.publishBitmap(nowMs)
}

// OnPacketSent handles the PacketSent event: the queued LPP packet for
// anchorID was transmitted, so it is retired from the pending queue.
func (d *Driver) OnPacketSent(anchorID uint8) {
	delete(d.pending, anchorID)
}

func (d *Driver) publishBitmap(nowMs int64) {
	if d.onBitmap == nil {
		return
	}
	d.onBitmap(d.RangingBitmap(nowMs))
}

// RangingBitmap rebuilds the per-anchor ranging-state bitmap (spec.md
// §4.5): bit id is set iff anchor id's status timeout has not yet
// elapsed. Anchor ids above 63 cannot be represented and are omitted —
// no deployment in spec.md scope uses more than a handful of anchors.
func (d *Driver) RangingBitmap(nowMs int64) uint64 {
	var bitmap uint64
	for id, deadline := range d.anchorStatusTimeout {
		if id > 63 {
			continue
		}
		if nowMs < deadline {
			bitmap |= 1 << uint(id)
		}
	}
	return bitmap
}

// IsRangingOk reports the latched ranging-health flag (spec.md §7):
// true from the first successfully processed packet onward, for the
// lifetime of the Driver.
func (d *Driver) IsRangingOk() bool { return d.rangingOk }

// GetAnchorPosition returns id's position and true if id is tracked and
// its reported position is still fresh; otherwise a zero Position and
// false.
func (d *Driver) GetAnchorPosition(id uint8, nowMs int64) (anchorstore.Position, bool) {
	rec, ok := d.engine.Store().Get(id)
	if !ok {
		return anchorstore.Position{}, false
	}
	return rec.GetPosition(nowMs)
}

// GetAnchorIDList writes every tracked anchor id into buf (spec.md §6.6).
func (d *Driver) GetAnchorIDList(buf []uint8) int {
	return d.engine.Store().ListIDs(buf)
}

// GetActiveAnchorIDList writes every anchor id touched within
// anchorstore.ActiveValidityMs of nowMs into buf (spec.md §6.6).
func (d *Driver) GetActiveAnchorIDList(buf []uint8, nowMs int64) int {
	return d.engine.Store().ListActiveIDs(buf, nowMs)
}

func (e Event) String() string {
	switch e {
	case EventReceiveTimeout:
		return "receive_timeout"
	case EventReceiveFailed:
		return "receive_failed"
	case EventTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}
