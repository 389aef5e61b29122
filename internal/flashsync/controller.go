// Package flashsync drives a data flash update: read the gas gauge, patch a
// working copy from a configuration table, and write back only the subclasses
// that changed.
package flashsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bm2flash/internal/flash"
	"bm2flash/internal/scpi"
	"bm2flash/internal/source"
)

var (
	ErrBusy       = errors.New("a read or write cycle is already running")
	ErrNoBaseline = errors.New("no baseline image, read the device first")
	ErrNoPlan     = errors.New("no patched image, load a configuration table first")
)

// Device is the gas gauge as seen through the I2C adapter.
type Device interface {
	flash.PageReader
	WritePage(ctx context.Context, p *flash.Page) error
	SerialNumber(ctx context.Context) (uint16, error)
	UnlockNVM(ctx context.Context, key int) error
	CommitNVM(ctx context.Context) error
}

// Session is the state of one tool session.
type Session struct {
	Baseline  *flash.Image
	Working   *flash.Image
	Report    *source.Report
	Changed   []*flash.Subclass
	Pages     []*flash.Page
	NoAdapter bool
}

// Controller owns a Session and runs read, patch and write cycles against a
// Device. Only one cycle runs at a time.
type Controller struct {
	dev  Device
	cfg  Config
	busy atomic.Bool

	mu      sync.Mutex
	session Session
}

// New creates a Controller for dev.
func New(dev Device, opts ...Option) *Controller {
	if dev == nil {
		panic("device cannot be nil")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Controller{dev: dev, cfg: cfg}
}

func (c *Controller) acquire() error {
	if !c.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	return nil
}

func (c *Controller) release() { c.busy.Store(false) }

// Read reads every catalog subclass from the device into a fresh baseline.
// Any previous working image and plan are discarded. A missing adapter is
// not an error: it leaves an empty baseline and sets Session.NoAdapter.
func (c *Controller) Read(ctx context.Context) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	start := time.Now()
	r := &progressReader{dev: c.dev, c: c, start: start, index: make(map[int]int)}
	for i, id := range c.cfg.Catalog {
		r.index[id] = i
	}

	img, err := flash.ReadAll(ctx, c.cfg.Catalog, r, c.cfg.EmptyRetries)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("read cancelled: %w", ctxErr)
	}
	noAdapter := errors.Is(err, scpi.ErrNoAdapter)
	if err != nil && !noAdapter {
		c.cfg.Logger.Warn().Err(err).Msg("some data flash pages could not be read")
	}

	c.mu.Lock()
	c.session = Session{Baseline: img, NoAdapter: noAdapter}
	c.mu.Unlock()

	if noAdapter {
		c.cfg.Logger.Warn().Msg("no I2C adapter connected")
	}
	c.cfg.Logger.Info().
		Int("subclasses", img.Len()).
		Dur("elapsed", time.Since(start)).
		Msg("data flash read")
	return nil
}

// UseBaseline installs img as the baseline, e.g. from a saved export.
func (c *Controller) UseBaseline(img *flash.Image) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = Session{Baseline: img}
	return nil
}

// Baseline returns the current baseline image.
func (c *Controller) Baseline() *flash.Image {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Baseline
}

// Session returns a copy of the session state.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// LoadSource clones the baseline and patches the clone with the rows of
// every table, taking values from the named configuration column. The
// resulting changed subclasses and pages are kept as the write plan.
func (c *Controller) LoadSource(tables []*source.Table, column string) (*source.Report, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()

	c.mu.Lock()
	base := c.session.Baseline
	c.mu.Unlock()
	if base == nil {
		return nil, ErrNoBaseline
	}

	working, err := base.Clone()
	if err != nil {
		return nil, err
	}

	var rows []source.Row
	for _, t := range tables {
		tr, err := source.Extract(t, column)
		if err != nil {
			return nil, err
		}
		rows = append(rows, tr...)
	}
	c.report(Progress{Phase: PhasePatching, Total: len(rows)})

	report := source.Apply(working, rows, c.cfg.Gate)
	for _, cond := range report.Conditions {
		c.cfg.Logger.Warn().
			Str("sheet", cond.Row.Sheet).
			Int("line", cond.Row.Line).
			Int("subclass", cond.Row.SubclassID).
			Int("offset", cond.Row.Offset).
			Str("code", string(cond.Code)).
			Err(cond.Err).
			Msg("row condition")
	}

	changed := flash.Diff(base, working)
	pages := flash.PagesToWrite(changed)
	for _, s := range changed {
		c.cfg.Logger.Debug().Int("subclass", s.ID).Int("length", s.Len()).Msg("subclass has changes")
	}
	c.cfg.Logger.Info().
		Int("rows", len(rows)).
		Int("applied", report.Applied).
		Int("protected", report.Protected).
		Int("changed", len(changed)).
		Int("pages", len(pages)).
		Msg("configuration table applied")

	c.mu.Lock()
	c.session.Working = working
	c.session.Report = report
	c.session.Changed = changed
	c.session.Pages = pages
	c.mu.Unlock()
	return report, nil
}

// Plan returns the changed subclasses and the pages that would be written.
func (c *Controller) Plan() ([]*flash.Subclass, []*flash.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.Working == nil {
		return nil, nil, ErrNoPlan
	}
	return c.session.Changed, c.session.Pages, nil
}

// Write unlocks the NVM, writes every planned page in order and commits.
// Cancellation is honoured between subclasses only; a subclass that has
// started is written to completion. On success the patched image becomes the
// new baseline.
func (c *Controller) Write(ctx context.Context) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	c.mu.Lock()
	working, pages := c.session.Working, c.session.Pages
	c.mu.Unlock()
	if working == nil {
		return ErrNoPlan
	}
	if len(pages) == 0 {
		c.cfg.Logger.Info().Msg("data flash is up to date, nothing to write")
		return nil
	}

	start := time.Now()
	c.report(Progress{Phase: PhaseUnlocking, Total: len(pages), ElapsedTime: time.Since(start)})

	serial, err := c.dev.SerialNumber(ctx)
	if err != nil {
		return fmt.Errorf("read serial number: %w", err)
	}
	if err := c.dev.UnlockNVM(ctx, scpi.NVMKey(serial)); err != nil {
		return fmt.Errorf("unlock NVM: %w", err)
	}
	c.cfg.Logger.Debug().Uint16("serial", serial).Msg("NVM unlocked")

	wctx := context.WithoutCancel(ctx)
	for i, p := range pages {
		if p.Number == 1 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("cancelled before subclass %d: %w", p.SubclassID, err)
			}
		}
		if err := c.dev.WritePage(wctx, p); err != nil {
			return fmt.Errorf("write subclass %d page %d: %w", p.SubclassID, p.Number, err)
		}
		c.report(Progress{
			Phase:       PhaseWriting,
			Current:     i + 1,
			Total:       len(pages),
			SubclassID:  p.SubclassID,
			ElapsedTime: time.Since(start),
		})
	}

	c.report(Progress{Phase: PhaseCommitting, Current: len(pages), Total: len(pages), ElapsedTime: time.Since(start)})
	if err := c.dev.CommitNVM(wctx); err != nil {
		return fmt.Errorf("commit NVM: %w", err)
	}

	c.mu.Lock()
	c.session = Session{Baseline: working}
	c.mu.Unlock()

	c.report(Progress{Phase: PhaseComplete, Current: len(pages), Total: len(pages), ElapsedTime: time.Since(start)})
	c.cfg.Logger.Info().
		Int("pages", len(pages)).
		Dur("elapsed", time.Since(start)).
		Msg("data flash written")
	return nil
}

func (c *Controller) report(p Progress) {
	if c.cfg.Progress != nil {
		c.cfg.Progress(p)
	}
}

// progressReader reports a Progress event as each subclass starts.
type progressReader struct {
	dev   flash.PageReader
	c     *Controller
	start time.Time
	index map[int]int
}

func (r *progressReader) ReadPage(ctx context.Context, id, page int) (*flash.Page, error) {
	if page == 1 {
		r.c.report(Progress{
			Phase:       PhaseReading,
			Current:     r.index[id] + 1,
			Total:       len(r.index),
			SubclassID:  id,
			ElapsedTime: time.Since(r.start),
		})
	}
	return r.dev.ReadPage(ctx, id, page)
}
