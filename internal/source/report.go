package source

import (
	"errors"
	"fmt"
	"strings"

	"bm2flash/internal/codec"
	"bm2flash/internal/flash"
)

// Code is a short, stable identifier for a reported condition.
type Code string

func (c Code) Error() string { return string(c) }

const (
	CodeUnrecognizedFormat Code = "unrecognized_format"
	CodeInvalidValue       Code = "invalid_value"
	CodeNullString         Code = "null_string"
	CodeOverrun            Code = "overrun"
	CodeNewSubclass        Code = "new_subclass"
	CodeError              Code = "error"
)

// CodeOf classifies a row or patch error.
func CodeOf(err error) Code {
	var overrun *flash.OverrunError
	switch {
	case errors.As(err, &overrun):
		return CodeOverrun
	case errors.Is(err, ErrUnrecognizedFormat):
		return CodeUnrecognizedFormat
	case errors.Is(err, codec.ErrNullString):
		return CodeNullString
	case errors.Is(err, ErrInvalidValue), errors.Is(err, ErrSizeMismatch),
		errors.Is(err, codec.ErrSize), errors.Is(err, codec.ErrInvalidHex), errors.Is(err, codec.ErrHexTooLong),
		errors.Is(err, codec.ErrTooLong), errors.Is(err, codec.ErrNotASCII):
		return CodeInvalidValue
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return CodeError
}

// Condition is a recoverable problem found while applying a row.
type Condition struct {
	Row  Row
	Code Code
	Err  error
}

func (c Condition) String() string {
	return fmt.Sprintf("%s row %d (subclass %d, offset %d): %s: %v",
		c.Row.Sheet, c.Row.Line, c.Row.SubclassID, c.Row.Offset, c.Code, c.Err)
}

// Report aggregates the outcome of a patch pass.
type Report struct {
	Applied    int
	Protected  int
	Conditions []Condition
}

func (r *Report) add(row Row, err error) {
	r.Conditions = append(r.Conditions, Condition{Row: row, Code: CodeOf(err), Err: err})
}

// Count returns the number of conditions with the given code.
func (r *Report) Count(code Code) int {
	n := 0
	for _, c := range r.Conditions {
		if c.Code == code {
			n++
		}
	}
	return n
}

func (r *Report) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d rows applied, %d protected rows skipped, %d conditions",
		r.Applied, r.Protected, len(r.Conditions))
	for _, c := range r.Conditions {
		sb.WriteString("\n  ")
		sb.WriteString(c.String())
	}
	return sb.String()
}

// Apply patches img with every row the gate allows. Protected rows are
// skipped before their value is parsed. A bad row never stops the pass: its
// field is written as zeros and the problem is recorded in the report.
//
// Rows for a subclass missing from img introduce that subclass, zero-filled
// up to the end of the field. Such a subclass never grows past
// flash.MaxSubclassSize; rows beyond it are reported as overruns.
func Apply(img *flash.Image, rows []Row, gate Gate) *Report {
	r := &Report{}
	introduced := make(map[int]bool)
	for _, row := range rows {
		if !gate.Allows(row.Class) {
			r.Protected++
			continue
		}

		res := ParseRow(row.Size, row.Format, row.Value)
		if res.Err != nil {
			if errors.Is(res.Err, ErrUnrecognizedFormat) {
				res.Err = fmt.Errorf("%w %q", res.Err, row.FormatTag)
			}
			r.add(row, res.Err)
		}

		s, ok := img.Get(row.SubclassID)
		if end := row.Offset + len(res.Bytes); (!ok || introduced[row.SubclassID]) && end > flash.MaxSubclassSize {
			r.add(row, &flash.OverrunError{SubclassID: row.SubclassID, Offset: row.Offset, Length: flash.MaxSubclassSize})
			continue
		}
		if !ok {
			s = flash.NewSubclass(row.SubclassID)
			img.Put(s)
			introduced[row.SubclassID] = true
			r.add(row, fmt.Errorf("%w: subclass %d was not read from the device", CodeNewSubclass, row.SubclassID))
		}
		if grow := row.Offset + len(res.Bytes) - s.Len(); introduced[row.SubclassID] && grow > 0 {
			s.Append(make([]byte, grow))
		}

		for _, o := range s.Insert(row.Offset, res.Bytes) {
			r.add(row, o)
		}
		r.Applied++
	}
	return r
}
