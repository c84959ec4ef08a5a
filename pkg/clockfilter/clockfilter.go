/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package clockfilter implements the per-anchor clock-correction
// estimator: a scalar c such that tag-clock elapsed time ~= c *
// anchor-clock elapsed time, derived from consecutive packet pairs
// and disciplined with a noise gate plus a leaky-bucket reseed.
//
// Structurally this mirrors the kernel-version capability gate in the
// teacher's pkg/linux/tcpinfo.go Unpack(): a scalar piece of state is
// updated from a new observation subject to a validity predicate, and
// an explicit "not yet known" zero value guards every downstream use.
package clockfilter

const (
	// MaxDev bounds the anchors' and tag's oscillator spec: both are
	// guaranteed within +/-10ppm of nominal.
	MaxDev = 10e-6

	// SpecMin and SpecMax bound a plausible reseed candidate: two
	// independent +/-10ppm oscillators can disagree by at most 2*MaxDev.
	SpecMin = 1 - 2*MaxDev
	SpecMax = 1 + 2*MaxDev

	// Noise is the acceptance gate around the current estimate.
	Noise = 0.03e-6

	// Filter is the low-pass weight given to the existing estimate.
	Filter = 0.1

	// BucketMax is the saturation point of the leaky bucket.
	BucketMax = 4
)

// State is one anchor's clock-correction estimator. The zero value is
// the documented "unknown" state: Correction == 0 means "do not use
// this for TDoA yet".
type State struct {
	Correction float64
	Bucket     int
}

// Candidate computes cand = deltaRxTag / deltaTxAnchor. Returns
// ok=false if deltaTxAnchor is zero (spec's "-1" invalid signal); the
// caller must skip the sample entirely in that case.
func Candidate(deltaRxTag, deltaTxAnchor uint64) (cand float64, ok bool) {
	if deltaTxAnchor == 0 {
		return 0, false
	}
	return float64(deltaRxTag) / float64(deltaTxAnchor), true
}

// Update applies one candidate sample to the filter state and reports
// whether the resulting correction is reliable enough to use for a
// TDoA computation this packet.
//
// Update policy (spec.md §4.1):
//   - |cand - c| < Noise: low-pass blend, bump bucket, reliable.
//   - otherwise: decrement bucket; if it hits zero and cand is within
//     hardware spec, reseed c = cand (still not reliable this sample).
//     Otherwise leave c untouched.
func (s *State) Update(cand float64) (reliable bool) {
	if within(cand, s.Correction, Noise) {
		s.Correction = Filter*s.Correction + (1-Filter)*cand
		if s.Bucket < BucketMax {
			s.Bucket++
		}
		return true
	}

	s.Bucket--
	if s.Bucket <= 0 {
		s.Bucket = 0
		if cand > SpecMin && cand < SpecMax {
			s.Correction = cand
		}
	}
	return false
}

func within(a, b, tol float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < tol
}
