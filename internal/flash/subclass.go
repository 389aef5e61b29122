package flash

import (
	"bytes"
	"fmt"
)

// MaxSubclassSize bounds the length of a subclass that is not read from the
// device. No BQ34Z651 subclass spans more than a few pages.
const MaxSubclassSize = 8 * PageSize

// OverrunError reports a byte write past the end of a subclass.
type OverrunError struct {
	SubclassID int
	Offset     int
	Length     int
}

func (e *OverrunError) Error() string {
	return fmt.Sprintf("subclass %d, offset %d is an overrun (length %d)",
		e.SubclassID, e.Offset, e.Length)
}

// Subclass is a contiguous region of data flash identified by its ID.
type Subclass struct {
	ID   int
	data []byte
}

// NewSubclass returns an empty subclass.
func NewSubclass(id int) *Subclass {
	return &Subclass{ID: id}
}

// SubclassOf returns a subclass holding a copy of data.
func SubclassOf(id int, data []byte) *Subclass {
	s := NewSubclass(id)
	s.Append(data)
	return s
}

// Len returns the number of bytes stored.
func (s *Subclass) Len() int { return len(s.data) }

// Data returns the subclass contents. The slice must not be modified.
func (s *Subclass) Data() []byte { return s.data }

// Append grows the subclass. There is no cap at subclass level.
func (s *Subclass) Append(b []byte) {
	s.data = append(s.data, b...)
}

// Insert overwrites bytes starting at offset. Bytes that fall outside the
// subclass are skipped and reported; the remaining bytes are still written.
func (s *Subclass) Insert(offset int, b []byte) []*OverrunError {
	var overruns []*OverrunError
	for _, c := range b {
		if offset < 0 || offset >= len(s.data) {
			overruns = append(overruns, &OverrunError{SubclassID: s.ID, Offset: offset, Length: len(s.data)})
		} else {
			s.data[offset] = c
		}
		offset++
	}
	return overruns
}

// Pages splits the subclass into consecutive pages numbered from 1. An empty
// subclass still yields a single zero-length page.
func (s *Subclass) Pages() []*Page {
	page := NewPage(s.ID, 1)
	pages := []*Page{page}
	rest := page.Append(s.data)
	for len(rest) > 0 {
		page = NewPage(s.ID, page.Number+1)
		pages = append(pages, page)
		rest = page.Append(rest)
	}
	return pages
}

// Copy returns a deep copy of the subclass.
func (s *Subclass) Copy() (*Subclass, error) {
	c := SubclassOf(s.ID, s.data)
	if c.Len() != s.Len() {
		return nil, fmt.Errorf("subclass %d: %w", s.ID, ErrLengthMismatch)
	}
	return c, nil
}

// Equal compares ID, length and every byte.
func (s *Subclass) Equal(o *Subclass) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.ID == o.ID && bytes.Equal(s.data, o.data)
}

func (s *Subclass) String() string {
	return fmt.Sprintf("[%d %d %v]", s.ID, len(s.data), s.data)
}
