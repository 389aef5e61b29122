// Package flash models the gas gauge data flash as subclasses of 32-byte
// pages, and computes the pages that must be rewritten after a patch.
package flash

import (
	"bytes"
	"errors"
	"fmt"
)

// PageSize is the capacity of a single data flash page.
const PageSize = 32

// ErrLengthMismatch signals a copy whose length disagrees with its source.
// It indicates a logic defect, not bad input.
var ErrLengthMismatch = errors.New("mismatched data lengths")

// Page is a single addressable chunk of a subclass.
type Page struct {
	SubclassID int
	Number     int // 1-based position within the subclass
	data       []byte
}

// NewPage returns an empty page.
func NewPage(subclassID, number int) *Page {
	return &Page{SubclassID: subclassID, Number: number}
}

// PageOf returns a page pre-populated with data. Bytes beyond PageSize are
// dropped.
func PageOf(subclassID, number int, data []byte) *Page {
	p := NewPage(subclassID, number)
	p.Append(data)
	return p
}

// Len returns the number of valid bytes held by the page.
func (p *Page) Len() int { return len(p.data) }

// Data returns the page contents. The slice must not be modified.
func (p *Page) Data() []byte { return p.data }

// Offset is the byte offset of the page within its subclass.
func (p *Page) Offset() int { return (p.Number - 1) * PageSize }

// Append fills the page with as many bytes as fit and returns the rest.
// A nil result means everything was stored.
func (p *Page) Append(b []byte) (overflow []byte) {
	room := PageSize - len(p.data)
	if len(b) <= room {
		p.data = append(p.data, b...)
		return nil
	}
	p.data = append(p.data, b[:room]...)
	return b[room:]
}

// Copy returns a deep copy of the page.
func (p *Page) Copy() (*Page, error) {
	c := NewPage(p.SubclassID, p.Number)
	if rest := c.Append(p.data); rest != nil || c.Len() != p.Len() {
		return nil, fmt.Errorf("page %d of subclass %d: %w", p.Number, p.SubclassID, ErrLengthMismatch)
	}
	return c, nil
}

// Equal reports whether both pages address the same location and hold the
// same bytes.
func (p *Page) Equal(o *Page) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.SubclassID == o.SubclassID &&
		p.Number == o.Number &&
		bytes.Equal(p.data, o.data)
}

func (p *Page) String() string {
	return fmt.Sprintf("[%d %d %d %v]", p.SubclassID, p.Number, len(p.data), p.data)
}
