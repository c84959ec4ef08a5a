/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package wireclock implements masked arithmetic over the 40-bit
// anchor-clock timestamps carried in TDoA2 range packets. The anchor
// transmits a free-running hardware tick counter that wraps at 2^40;
// every subtraction between two such values must be taken modulo that
// range rather than as plain unsigned arithmetic, or a wrap during the
// measurement window produces a huge bogus delta instead of a small
// negative-looking one.
package wireclock

// Mask is the wrap point of the anchor clock: timestamps are 40-bit.
const Mask uint64 = (1 << 40) - 1

// Sub returns a-b modulo the 40-bit anchor clock range, i.e. the
// elapsed ticks from b to a accounting for wraparound. Both a and b
// are assumed already reduced to the low 40 bits; Sub reduces its
// result again so callers may chain it freely.
func Sub(a, b uint64) uint64 {
	return (a - b) & Mask
}

// SeqNr masks off the undocumented high bit of a wire sequence number,
// per spec: only the low 7 bits are meaningful and the high bit is
// masked unconditionally regardless of what it carries.
func SeqNr(raw uint8) uint8 {
	return raw & 0x7f
}
