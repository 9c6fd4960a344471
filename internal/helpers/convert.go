// Package helpers provides the numeric clamps the wire codecs lean on
// so a length or size never silently wraps: chunk lengths narrowing
// from int to uint16 (§4.1), chunk-size configuration bounded to a
// valid range, and the handful of other narrowing casts PackStream's
// size-prefixed encodings require.
package helpers

import "math"

// clampInt restricts v to the range [minVal, maxVal].
// Used internally for int-based clamping.
func clampInt(v, minVal, maxVal int) int {
	if v < minVal {
		return minVal
	}
	if v > maxVal {
		return maxVal
	}
	return v
}

// ClampInt restricts v to the range [lowerLimit, upperLimit].
func ClampInt(v, lowerLimit, upperLimit int) int {
	return clampInt(v, lowerLimit, upperLimit)
}

// ClampIntToUint16 converts v to uint16 with clamping.
// Values below 0 become 0; values above math.MaxUint16 become math.MaxUint16.
func ClampIntToUint16(v int) uint16 {
	clamped := clampInt(v, 0, math.MaxUint16)
	return uint16(clamped) //nolint:gosec // clamped to valid range
}

// ClampIntToUint32 converts v to uint32 with clamping.
// Values below 0 become 0; values above math.MaxUint32 become math.MaxUint32.
func ClampIntToUint32(v int) uint32 {
	clamped := clampInt(v, 0, math.MaxUint32)
	return uint32(clamped) //nolint:gosec // clamped to valid range
}

// ClampUint32ToUint8 converts v to uint8 with clamping.
// Values above math.MaxUint8 become math.MaxUint8.
func ClampUint32ToUint8(v uint32) uint8 {
	if v > math.MaxUint8 {
		return math.MaxUint8
	}
	return uint8(v)
}

// ClampChunkSize returns v if it falls in (0, max]; otherwise it
// returns def. Chunk-size configuration (§4.1) has no meaningful
// "clamp to the nearest bound" behavior the way a numeric cast does —
// an unset or out-of-range size should fall back to a sane default
// rather than silently saturate at max.
func ClampChunkSize(v, def, max int) int {
	if v <= 0 || v > max {
		return def
	}
	return v
}
