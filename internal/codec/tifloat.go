package codec

import (
	"math"

	"golang.org/x/exp/constraints"
)

// TIFloatSize is the width of a gas gauge floating point field.
const TIFloatSize = 4

// The exponent correction bumps values just below a power of two up to it.
const tiEpsilon = 1.0 / (1 << 35)

// EncodeTIFloat converts v to the 4-byte floating point format used by the
// gas gauge firmware: a biased exponent byte followed by a 24-bit mantissa
// whose top bit carries the sign.
func EncodeTIFloat(v float64) [TIFloatSize]byte {
	var out [TIFloatSize]byte
	if v == 0 || math.IsNaN(v) {
		return out
	}
	if math.IsInf(v, 0) {
		// Saturate to the largest representable magnitude.
		out = [TIFloatSize]byte{0xFF, 0x7F, 0xFF, 0xFF}
		if v < 0 {
			out[1] |= 0x80
		}
		return out
	}
	abs := math.Abs(v)
	m, exp := math.Frexp(abs)
	if m *= 1 + tiEpsilon; m >= 1.0 {
		exp++
	}
	exp = clamp(exp, -128, 127)

	t := math.Pow(2, float64(8-exp))*abs - 128
	// Clamped exponents and values just below a power of two can push the
	// mantissa outside the 23-bit field.
	t = clamp(t, 0, 128-1.0/65536)

	b2 := math.Floor(t)
	t = (t - b2) * 256
	b1 := math.Floor(t)
	t = (t - b1) * 256
	b0 := math.Floor(t)

	out[0] = byte(exp + 128)
	out[1] = byte(b2)
	out[2] = byte(b1)
	out[3] = byte(b0)
	if v < 0 {
		out[1] |= 0x80
	}
	return out
}

// DecodeTIFloat is the inverse of EncodeTIFloat. An all-zero field is zero.
func DecodeTIFloat(b [TIFloatSize]byte) float64 {
	if b == [TIFloatSize]byte{} {
		return 0
	}
	exp := int(b[0]) - 128
	neg := b[1]&0x80 != 0
	t := (float64(b[3])/256+float64(b[2]))/256 + float64(b[1]&0x7F)
	v := (t + 128) / math.Pow(2, float64(8-exp))
	if neg {
		return -v
	}
	return v
}

func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
