// Package codec converts typed data flash values to and from the fixed-length
// byte fields stored in the gas gauge. Multi-byte fields are big-endian.
package codec

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/exp/constraints"
)

var (
	ErrSize       = errors.New("field size must be positive")
	ErrInvalidHex = errors.New("invalid hex")
	ErrHexTooLong = errors.New("hex value does not fit in field")
	ErrNullString = errors.New("string value is absent")
	ErrTooLong    = errors.New("string does not fit in field")
	ErrNotASCII   = errors.New("string contains non-ASCII characters")
)

// EncodeInteger masks v to size*8 bits and emits it most significant byte
// first. Negative values wrap as two's complement.
func EncodeInteger[T constraints.Integer](v T, size int) ([]byte, error) {
	if size <= 0 {
		return nil, ErrSize
	}
	neg := v < 0
	u := uint64(v)
	out := make([]byte, size)
	for i := 0; i < size; i++ {
		var b byte
		switch {
		case i < 8:
			b = byte(u >> (8 * i))
		case neg:
			b = 0xFF
		}
		out[size-1-i] = b
	}
	return out, nil
}

// DecodeUnsigned reads a big-endian unsigned field of up to 8 bytes.
func DecodeUnsigned(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// DecodeSigned reads a big-endian two's complement field of up to 8 bytes.
func DecodeSigned(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	v := DecodeUnsigned(b)
	if n := uint(len(b)) * 8; n < 64 && b[0]&0x80 != 0 {
		v |= ^uint64(0) << n
	}
	return int64(v)
}

// EncodeHex parses a hex string, with or without a 0x prefix, into size bytes.
// Short values are left-padded with zero bytes; values with more significant
// digits than fit are rejected.
func EncodeHex(s string, size int) ([]byte, error) {
	if size <= 0 {
		return nil, ErrSize
	}
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidHex, s, err)
	}
	if len(raw) > size {
		extra := raw[:len(raw)-size]
		for _, b := range extra {
			if b != 0 {
				return nil, fmt.Errorf("%w: %d bytes into %d", ErrHexTooLong, len(raw), size)
			}
		}
		raw = raw[len(raw)-size:]
	}
	out := make([]byte, size)
	copy(out[size-len(raw):], raw)
	return out, nil
}

// DecodeHex renders a field as an upper-case 0x-prefixed hex string.
func DecodeHex(b []byte) string {
	return "0x" + strings.ToUpper(hex.EncodeToString(b))
}

// EncodeFixedString writes a length-prefixed ASCII string zero-padded to size.
// An absent string encodes as size zero bytes together with ErrNullString.
func EncodeFixedString(s *string, size int) ([]byte, error) {
	if size <= 0 {
		return nil, ErrSize
	}
	out := make([]byte, size)
	if s == nil {
		return out, ErrNullString
	}
	if len(*s)+1 > size || len(*s) > 0xFF {
		return out, fmt.Errorf("%w: %d characters into %d bytes", ErrTooLong, len(*s), size)
	}
	out[0] = byte(len(*s))
	for i := 0; i < len(*s); i++ {
		c := (*s)[i]
		if c > 0x7F {
			return make([]byte, size), ErrNotASCII
		}
		out[i+1] = c
	}
	return out, nil
}

// DecodeFixedString reads a length-prefixed string, clipping the declared
// length to the field.
func DecodeFixedString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	n := int(b[0])
	if n > len(b)-1 {
		n = len(b) - 1
	}
	return string(b[1 : 1+n])
}
