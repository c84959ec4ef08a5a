/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package anchorvers gates an additive capability (trusting an
// anchor's remote-TOF reports) behind a reported firmware version
// string, the same way the teacher's pkg/linux package gates which
// tcp_info fields are populated behind the running kernel version.
//
// Anchors predating this capability never report a version at all;
// that is treated as "meets the minimum" rather than "fails the
// gate", since the base TDoA2 protocol is itself versionless and
// silence here is the overwhelmingly common case, not an anomaly.
package anchorvers

import (
	"fmt"

	"github.com/docker/docker/pkg/parsers/kernel"
)

// Gate answers whether a reported anchor firmware version meets a
// configured minimum, using the exact VersionInfo/Compare machinery
// the teacher uses for Linux kernel gating.
type Gate struct {
	min kernel.VersionInfo
}

// NewGate parses a "major.minor.patch"-shaped minimum version string.
func NewGate(minVersion string) (*Gate, error) {
	v, err := kernel.ParseRelease(minVersion)
	if err != nil {
		return nil, fmt.Errorf("anchorvers: parsing minimum version %q: %w", minVersion, err)
	}
	return &Gate{min: *v}, nil
}

// Meets reports whether the given reported version string is at least
// the configured minimum. An empty string (anchor never reported a
// version) meets the gate: see package doc.
func (g *Gate) Meets(reported string) bool {
	if reported == "" {
		return true
	}
	v, err := kernel.ParseRelease(reported)
	if err != nil {
		// An anchor reporting garbage is treated conservatively: it
		// does not meet the gate: its remote-TOF reports are recorded
		// but not used, and it is never offered as a peer candidate.
		return false
	}
	return kernel.CompareKernelVersion(*v, g.min) >= 0
}
