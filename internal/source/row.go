// Package source turns rows of a data flash configuration table into the
// byte fields patched into the gas gauge image.
package source

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"bm2flash/internal/codec"
)

// Format is the encoding named in a row's Format column.
type Format int

const (
	Unrecognized Format = iota
	Integer
	UnsignedInteger
	Hex
	String
	Float
)

var formatNames = map[Format]string{
	Integer:         "Integer",
	UnsignedInteger: "Unsigned Integer",
	Hex:             "Hex",
	String:          "String",
	Float:           "Float",
}

// ParseFormat maps a Format column tag to its variant. Unknown tags map to
// Unrecognized.
func ParseFormat(tag string) Format {
	tag = strings.TrimSpace(tag)
	for f, name := range formatNames {
		if strings.EqualFold(tag, name) {
			return f
		}
	}
	return Unrecognized
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return "Unrecognized"
}

// Value is the raw content of a table cell.
type Value struct {
	Text    string
	Present bool
}

// Text returns a present Value.
func Text(s string) Value { return Value{Text: s, Present: true} }

var (
	ErrUnrecognizedFormat = errors.New("unrecognized format")
	ErrInvalidValue       = errors.New("invalid value")
	ErrSizeMismatch       = errors.New("size does not match format")
)

// Result is the outcome of parsing one row. Bytes always holds exactly the
// declared size; on failure it is all zero and Err says why.
type Result struct {
	Bytes []byte
	Err   error
}

// OK reports whether the row parsed cleanly.
func (r Result) OK() bool { return r.Err == nil }

// ParseRow converts a raw value into size bytes according to format.
func ParseRow(size int, format Format, v Value) Result {
	if size <= 0 {
		return Result{Err: codec.ErrSize}
	}
	b, err := encode(size, format, v)
	if err != nil {
		return Result{Bytes: make([]byte, size), Err: err}
	}
	return Result{Bytes: b}
}

func encode(size int, format Format, v Value) ([]byte, error) {
	switch format {
	case Integer, UnsignedInteger:
		n, err := parseInteger(v)
		if err != nil {
			return nil, err
		}
		return n.encode(size)
	case Hex:
		if !v.Present {
			return nil, fmt.Errorf("%w: empty hex cell", ErrInvalidValue)
		}
		return codec.EncodeHex(v.Text, size)
	case String:
		if !v.Present {
			_, err := codec.EncodeFixedString(nil, size)
			return nil, err
		}
		s := v.Text
		return codec.EncodeFixedString(&s, size)
	case Float:
		if size != codec.TIFloatSize {
			return nil, fmt.Errorf("%w: float needs %d bytes, got %d", ErrSizeMismatch, codec.TIFloatSize, size)
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(v.Text), 64)
		if !v.Present || err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", ErrInvalidValue, v.Text)
		}
		if math.IsInf(x, 0) || math.IsNaN(x) {
			return nil, fmt.Errorf("%w: %q is not a finite number", ErrInvalidValue, v.Text)
		}
		b := codec.EncodeTIFloat(x)
		return b[:], nil
	default:
		return nil, ErrUnrecognizedFormat
	}
}

type integer struct {
	signed   int64
	unsigned uint64
	isSigned bool
}

func (n integer) encode(size int) ([]byte, error) {
	if n.isSigned {
		return codec.EncodeInteger(n.signed, size)
	}
	return codec.EncodeInteger(n.unsigned, size)
}

// parseInteger accepts decimal, 0x-prefixed and integral float text, which is
// how spreadsheet tools render whole numbers.
func parseInteger(v Value) (integer, error) {
	s := strings.TrimSpace(v.Text)
	if !v.Present || s == "" {
		return integer{}, fmt.Errorf("%w: empty integer cell", ErrInvalidValue)
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 0
	}
	if i, err := strconv.ParseInt(s, base, 64); err == nil {
		return integer{signed: i, isSigned: true}, nil
	}
	if u, err := strconv.ParseUint(s, base, 64); err == nil {
		return integer{unsigned: u}, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || f < -(1<<63) || f >= 1<<63 {
		return integer{}, fmt.Errorf("%w: %q is not an integer", ErrInvalidValue, v.Text)
	}
	return integer{signed: int64(f), isSigned: true}, nil
}
