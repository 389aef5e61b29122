package flash

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/multierr"
)

// DefaultCatalog lists the data flash subclasses of the BQ34Z651 gas gauge in
// the order they are read from the device.
var DefaultCatalog = []int{
	0, 1, 2, 4, 16, 17, 18, 19, 20, 21, 32, 33, 34, 36, 37, 38, 39, 48, 49, 56, 58, 59,
	60, 64, 65, 67, 68, 80, 81, 82, 88, 89, 90, 91, 92, 93, 94, 95, 96, 97, 104,
	105, 106, 107,
}

// PageReader fetches a single page from the device. A failed read is treated
// as a zero-length page.
type PageReader interface {
	ReadPage(ctx context.Context, subclassID, page int) (*Page, error)
}

// Image is a set of subclasses keyed by ID.
type Image struct {
	subclasses map[int]*Subclass
}

// NewImage returns an empty image.
func NewImage() *Image {
	return &Image{subclasses: make(map[int]*Subclass)}
}

// Put stores s, replacing any subclass with the same ID.
func (img *Image) Put(s *Subclass) {
	img.subclasses[s.ID] = s
}

// Get returns the subclass with the given ID.
func (img *Image) Get(id int) (*Subclass, bool) {
	s, ok := img.subclasses[id]
	return s, ok
}

// Len returns the number of subclasses in the image.
func (img *Image) Len() int { return len(img.subclasses) }

// IDs returns the subclass IDs in ascending order.
func (img *Image) IDs() []int {
	ids := make([]int, 0, len(img.subclasses))
	for id := range img.subclasses {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Subclasses returns the subclasses in ascending ID order.
func (img *Image) Subclasses() []*Subclass {
	out := make([]*Subclass, 0, len(img.subclasses))
	for _, id := range img.IDs() {
		out = append(out, img.subclasses[id])
	}
	return out
}

// Clone deep-copies every subclass into a new image for patching.
func (img *Image) Clone() (*Image, error) {
	c := NewImage()
	for id, s := range img.subclasses {
		cp, err := s.Copy()
		if err != nil {
			return nil, err
		}
		c.subclasses[id] = cp
	}
	return c, nil
}

// ReadAll reads every subclass in ids from r. Pages are requested while the
// previous page came back full. When the first page of a subclass is empty it
// is re-read up to emptyRetries times before the subclass is taken as empty.
// Empty subclasses are left out of the image.
//
// The returned image is always usable. The error combines the transport failures
// seen along the way, or carries ctx.Err() if the read was cancelled between
// subclasses.
func ReadAll(ctx context.Context, ids []int, r PageReader, emptyRetries int) (*Image, error) {
	img := NewImage()
	var errs error
	// A subclass that has started is read to the end.
	pctx := context.WithoutCancel(ctx)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return img, err
		}
		s := NewSubclass(id)
		var failed error
		read := func(n int) int {
			p, err := r.ReadPage(pctx, id, n)
			if err != nil {
				if failed == nil {
					failed = fmt.Errorf("read subclass %d page %d: %w", id, n, err)
				}
				return 0
			}
			if p == nil {
				return 0
			}
			s.Append(p.Data())
			return p.Len()
		}

		n := read(1)
		for retry := 0; n == 0 && retry < emptyRetries; retry++ {
			n = read(1)
		}
		for page := 2; n == PageSize; page++ {
			n = read(page)
		}

		if failed != nil {
			errs = multierr.Append(errs, failed)
		}
		if s.Len() > 0 {
			img.Put(s)
		}
	}
	return img, errs
}

// Diff returns the subclasses of working that differ from base or are absent
// from it, in ascending ID order.
func Diff(base, working *Image) []*Subclass {
	var changed []*Subclass
	for _, s := range working.Subclasses() {
		if orig, ok := base.Get(s.ID); ok && orig.Equal(s) {
			continue
		}
		changed = append(changed, s)
	}
	return changed
}

// PagesToWrite flattens the given subclasses into the ordered pages the
// device must receive.
func PagesToWrite(changed []*Subclass) []*Page {
	var pages []*Page
	for _, s := range changed {
		pages = append(pages, s.Pages()...)
	}
	return pages
}
