/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package anchorstore implements the bounded, statically-sized anchor
// record table (spec.md §3, §4.2): one record per tracked anchor,
// age-based LRU replacement when full, and per-record remote-rx /
// remote-tof / position sub-caches with their own validity windows.
//
// The table itself is grounded on the mutex-guarded
// map[net.Conn]connEntry in the teacher's pkg/exporter/exporter.go
// (a small bounded table of live entries, scanned and pruned on every
// access) generalized from a Go map to a fixed-size array scanned
// linearly, since the embedded target has no heap.
package anchorstore

import "github.com/skyloco/tdoa-engine/pkg/clockfilter"

const (
	// ActiveValidityMs is how recently a record must have been
	// touched to count as "active" for ListActiveIDs.
	ActiveValidityMs = 2000

	// RemoteRxValidityMs is how long a remote-rx observation remains
	// usable after being recorded.
	RemoteRxValidityMs = 30

	// RemoteTofValidityMs is how long a remote-tof observation remains
	// usable after being recorded.
	RemoteTofValidityMs = 2000

	// PositionValidityMs is how long a reported anchor position
	// remains usable after being recorded.
	PositionValidityMs = 2000
)

// Position is an anchor's last known location, with its own
// freshness window independent of LastUpdateMs.
type Position struct {
	X, Y, Z     float64
	TimestampMs int64
}

func (p Position) fresh(nowMs int64) bool {
	return p.TimestampMs > nowMs-PositionValidityMs
}

// RemoteRxEntry is one observation, carried by some anchor a, of when
// it heard a packet from another anchor "RemoteID".
type RemoteRxEntry struct {
	ID          uint8
	valid       bool
	RxTime      uint64
	SeqNr       uint8
	EndOfLifeMs int64
}

// RemoteTofEntry is one anchor-to-anchor time-of-flight reading
// broadcast inside a range packet.
type RemoteTofEntry struct {
	ID          uint8
	valid       bool
	Tof         uint64
	EndOfLifeMs int64
}

// Record is one tracked anchor's full state. The zero value is an
// uninitialized slot ready to be claimed by GetOrCreate.
type Record struct {
	ID           uint8
	Initialized  bool
	LastUpdateMs int64

	RxTime, TxTime uint64
	SeqNr          uint8

	// HasSample is false until the first call to PersistSample, and is
	// the gate pkg/tdoaengine uses to decide whether RxTime/TxTime hold
	// a real previous packet to diff against, rather than the zero
	// value left by reset. Unlike Store.GetOrCreate's found return,
	// this stays correct no matter how many times (or by whom) the
	// record is looked up before a sample is ever persisted into it.
	HasSample bool

	Clock clockfilter.State

	Position Position

	// positionSet is false until the first SetPosition; GetPosition
	// reports no position before then.
	positionSet bool

	// FirmwareMeetsMinimum is true unless this anchor has explicitly
	// reported a firmware version below the configured minimum (see
	// pkg/anchorvers). Defaults true: unversioned anchors are trusted.
	FirmwareMeetsMinimum bool

	remoteRx  []RemoteRxEntry
	remoteTof []RemoteTofEntry
}

func (r *Record) reset(id uint8, remoteCap int) {
	*r = Record{
		ID:                   id,
		Initialized:          true,
		FirmwareMeetsMinimum: true,
		remoteRx:             make([]RemoteRxEntry, remoteCap),
		remoteTof:            make([]RemoteTofEntry, remoteCap),
	}
}

// Store is the fixed-capacity anchor table. Capacity is fixed at
// construction time and never grows, matching the embedded target's
// static-allocation-only memory model.
type Store struct {
	records   []Record
	remoteCap int
}

// New allocates a store with room for capacity anchors, each with
// remoteCap remote-rx and remote-tof sub-cache entries.
func New(capacity, remoteCap int) *Store {
	s := &Store{
		records:   make([]Record, capacity),
		remoteCap: remoteCap,
	}
	for i := range s.records {
		s.records[i].remoteRx = make([]RemoteRxEntry, remoteCap)
		s.records[i].remoteTof = make([]RemoteTofEntry, remoteCap)
	}
	return s
}

// Capacity returns N_STORAGE for this store.
func (s *Store) Capacity() int { return len(s.records) }

// RemoteCapacity returns R, the number of remote-rx/remote-tof
// sub-cache entries carried by each record in this store.
func (r *Record) RemoteCapacity() int { return len(r.remoteRx) }

// find returns the index of the initialized record matching id, or -1.
func (s *Store) find(id uint8) int {
	for i := range s.records {
		if s.records[i].Initialized && s.records[i].ID == id {
			return i
		}
	}
	return -1
}

// Get looks up an existing record without creating one.
func (s *Store) Get(id uint8) (*Record, bool) {
	i := s.find(id)
	if i < 0 {
		return nil, false
	}
	return &s.records[i], true
}

// GetOrCreate returns the record for id, creating (and, if the table
// is full, evicting the least-recently-updated record) one if needed.
// The returned bool is true iff the record already existed.
func (s *Store) GetOrCreate(id uint8, nowMs int64) (*Record, bool) {
	if i := s.find(id); i >= 0 {
		return &s.records[i], true
	}

	// First free an uninitialized slot...
	for i := range s.records {
		if !s.records[i].Initialized {
			s.records[i].reset(id, s.remoteCap)
			return &s.records[i], false
		}
	}

	// ...else evict the least-recently-updated slot (ties: first found).
	victim := 0
	for i := 1; i < len(s.records); i++ {
		if s.records[i].LastUpdateMs < s.records[victim].LastUpdateMs {
			victim = i
		}
	}
	s.records[victim].reset(id, s.remoteCap)
	return &s.records[victim], false
}

// ListIDs enumerates initialized anchor ids into buf, returning the
// count written (capped at len(buf)).
func (s *Store) ListIDs(buf []uint8) int {
	n := 0
	for i := range s.records {
		if n >= len(buf) {
			break
		}
		if s.records[i].Initialized {
			buf[n] = s.records[i].ID
			n++
		}
	}
	return n
}

// ListActiveIDs is like ListIDs but filters to records touched within
// ActiveValidityMs of now.
func (s *Store) ListActiveIDs(buf []uint8, nowMs int64) int {
	n := 0
	cutoff := nowMs - ActiveValidityMs
	for i := range s.records {
		if n >= len(buf) {
			break
		}
		if s.records[i].Initialized && s.records[i].LastUpdateMs > cutoff {
			buf[n] = s.records[i].ID
			n++
		}
	}
	return n
}

// PersistSample records the (rxTag, txAnchor, seqNr) sample from the
// packet just processed by the engine, so the next packet's
// clock-correction candidate has a previous sample to diff against
// (spec.md §4.5 step 6). The engine deliberately does not do this
// itself — see pkg/tdoaengine.ProcessPacket.
func (r *Record) PersistSample(rxTag, txAnchor uint64, seqNr uint8, nowMs int64) {
	r.RxTime = rxTag
	r.TxTime = txAnchor
	r.SeqNr = seqNr & 0x7f
	r.LastUpdateMs = nowMs
	r.HasSample = true
}

// SetPosition records an anchor's reported position.
func (r *Record) SetPosition(x, y, z float64, nowMs int64) {
	r.Position = Position{X: x, Y: y, Z: z, TimestampMs: nowMs}
	r.positionSet = true
}

// GetPosition returns the anchor's position if one has been set and it
// is still fresh.
func (r *Record) GetPosition(nowMs int64) (Position, bool) {
	if !r.positionSet || !r.Position.fresh(nowMs) {
		return Position{}, false
	}
	return r.Position, true
}

// SetRemoteRx records that this anchor reported hearing remoteID at
// rxTime (anchor clock) carrying seqNr, valid for RemoteRxValidityMs.
func (r *Record) SetRemoteRx(remoteID uint8, rxTime uint64, seqNr uint8, nowMs int64) {
	i := r.findOrEvictRemoteRx(remoteID)
	r.remoteRx[i] = RemoteRxEntry{
		ID:          remoteID,
		valid:       true,
		RxTime:      rxTime,
		SeqNr:       seqNr,
		EndOfLifeMs: nowMs + RemoteRxValidityMs,
	}
}

func (r *Record) findOrEvictRemoteRx(remoteID uint8) int {
	oldest := 0
	for i := range r.remoteRx {
		if r.remoteRx[i].valid && r.remoteRx[i].ID == remoteID {
			return i
		}
		if r.remoteRx[i].EndOfLifeMs < r.remoteRx[oldest].EndOfLifeMs {
			oldest = i
		}
	}
	return oldest
}

// GetRemoteRx returns the most recent non-expired remote-rx
// observation of remoteID, if any.
func (r *Record) GetRemoteRx(remoteID uint8, nowMs int64) (rxTime uint64, seqNr uint8, ok bool) {
	for i := range r.remoteRx {
		e := &r.remoteRx[i]
		if e.valid && e.ID == remoteID && e.EndOfLifeMs > nowMs {
			return e.RxTime, e.SeqNr, true
		}
	}
	return 0, 0, false
}

// RemoteSeq is one non-expired remote-rx entry's identity, returned by
// ListRemoteSeq for peer-selection scans.
type RemoteSeq struct {
	ID    uint8
	SeqNr uint8
}

// ListRemoteSeq returns all non-expired remote-rx entries for this
// anchor, in stable (table) order.
func (r *Record) ListRemoteSeq(nowMs int64, buf []RemoteSeq) []RemoteSeq {
	out := buf[:0]
	for i := range r.remoteRx {
		e := &r.remoteRx[i]
		if e.valid && e.EndOfLifeMs > nowMs {
			out = append(out, RemoteSeq{ID: e.ID, SeqNr: e.SeqNr})
		}
	}
	return out
}

// SetRemoteTof records a measured anchor-to-anchor time-of-flight,
// valid for RemoteTofValidityMs.
func (r *Record) SetRemoteTof(remoteID uint8, tof uint64, nowMs int64) {
	i := r.findOrEvictRemoteTof(remoteID)
	r.remoteTof[i] = RemoteTofEntry{
		ID:          remoteID,
		valid:       true,
		Tof:         tof,
		EndOfLifeMs: nowMs + RemoteTofValidityMs,
	}
}

func (r *Record) findOrEvictRemoteTof(remoteID uint8) int {
	oldest := 0
	for i := range r.remoteTof {
		if r.remoteTof[i].valid && r.remoteTof[i].ID == remoteID {
			return i
		}
		if r.remoteTof[i].EndOfLifeMs < r.remoteTof[oldest].EndOfLifeMs {
			oldest = i
		}
	}
	return oldest
}

// GetRemoteTof returns the most recent non-expired TOF measurement to
// remoteID, if any.
func (r *Record) GetRemoteTof(remoteID uint8, nowMs int64) (tof uint64, ok bool) {
	for i := range r.remoteTof {
		e := &r.remoteTof[i]
		if e.valid && e.ID == remoteID && e.EndOfLifeMs > nowMs {
			return e.Tof, true
		}
	}
	return 0, false
}
