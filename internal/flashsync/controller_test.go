package flashsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"bm2flash/internal/flash"
	"bm2flash/internal/scpi"
	"bm2flash/internal/source"
)

// fakeDevice serves pages from an in-memory image and records writes.
type fakeDevice struct {
	image    map[int][]byte
	serial   uint16
	log      []string
	written  map[int][]byte
	missing  bool
	failPage int
}

func newFakeDevice(image map[int][]byte) *fakeDevice {
	return &fakeDevice{image: image, serial: 100, written: make(map[int][]byte)}
}

func (d *fakeDevice) ReadPage(ctx context.Context, id, page int) (*flash.Page, error) {
	if d.missing {
		return nil, scpi.ErrNoAdapter
	}
	data := d.image[id]
	start := (page - 1) * flash.PageSize
	if start >= len(data) {
		return flash.NewPage(id, page), nil
	}
	return flash.PageOf(id, page, data[start:]), nil
}

func (d *fakeDevice) WritePage(ctx context.Context, p *flash.Page) error {
	if d.failPage != 0 && p.SubclassID == d.failPage {
		return errors.New("nack")
	}
	d.log = append(d.log, scpi.WriteCommand("BM2", p))
	buf := d.written[p.SubclassID]
	for len(buf) < p.Offset() {
		buf = append(buf, 0)
	}
	d.written[p.SubclassID] = append(buf[:p.Offset()], p.Data()...)
	return nil
}

func (d *fakeDevice) SerialNumber(ctx context.Context) (uint16, error) {
	return d.serial, nil
}

func (d *fakeDevice) UnlockNVM(ctx context.Context, key int) error {
	d.log = append(d.log, fmt.Sprintf("UNLOCK %d", key))
	return nil
}

func (d *fakeDevice) CommitNVM(ctx context.Context) error {
	d.log = append(d.log, "COMMIT")
	return nil
}

func seq(n int, base byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = base + byte(i)
	}
	return b
}

const table = `Subclass ID,Offset,Size,Format,Type,Name,2 Cell
48,0,2,Integer,,Design Voltage,7400
48,40,1,Integer,,Late Field,9
49,0,1,Integer,Lifetime,Cycle Count,0
`

func loadTable(t *testing.T) []*source.Table {
	t.Helper()
	tbl, err := source.ReadCSV("Gas Gauging", strings.NewReader(table))
	if err != nil {
		t.Fatalf("ReadCSV returned error: %v", err)
	}
	return []*source.Table{tbl}
}

func TestReadPatchWrite(t *testing.T) {
	dev := newFakeDevice(map[int][]byte{
		48: seq(45, 0),
		49: seq(3, 100),
		64: seq(5, 50),
	})
	var phases []string
	c := New(dev,
		WithCatalog([]int{48, 49, 56, 64}),
		WithProgress(func(p Progress) {
			if len(phases) == 0 || phases[len(phases)-1] != p.Phase {
				phases = append(phases, p.Phase)
			}
		}),
	)
	ctx := context.Background()

	if err := c.Read(ctx); err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if ids := c.Baseline().IDs(); len(ids) != 3 {
		t.Fatalf("Expected 3 subclasses read, got %v", ids)
	}

	report, err := c.LoadSource(loadTable(t), "2 Cell")
	if err != nil {
		t.Fatalf("LoadSource returned error: %v", err)
	}
	if report.Applied != 2 || report.Protected != 1 || len(report.Conditions) != 0 {
		t.Errorf("Unexpected report: %v", report)
	}

	changed, pages, err := c.Plan()
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	if len(changed) != 1 || changed[0].ID != 48 {
		t.Fatalf("Expected only subclass 48 to change, got %v", changed)
	}
	if len(pages) != 2 || pages[0].Len() != 32 || pages[1].Len() != 13 {
		t.Fatalf("Expected pages of 32 and 13 bytes, got %v", pages)
	}

	if err := c.Write(ctx); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if dev.log[0] != "UNLOCK 12445" || dev.log[len(dev.log)-1] != "COMMIT" {
		t.Errorf("Unexpected command sequence: %v", dev.log)
	}
	if !strings.HasPrefix(dev.log[1], "BM2:BQF WRITE,48,0,32,28,232,") {
		t.Errorf("Unexpected first write %q", dev.log[1])
	}
	if !strings.HasPrefix(dev.log[2], "BM2:BQF WRITE,48,32,13,") {
		t.Errorf("Unexpected second write %q", dev.log[2])
	}
	want := seq(45, 0)
	want[0], want[1], want[40] = 0x1C, 0xE8, 9
	if !bytes.Equal(dev.written[48], want) {
		t.Errorf("Expected device subclass % X, got % X", want, dev.written[48])
	}
	if _, ok := dev.written[49]; ok {
		t.Errorf("Unchanged subclass 49 was written")
	}

	wantPhases := []string{PhaseReading, PhasePatching, PhaseUnlocking, PhaseWriting, PhaseCommitting, PhaseComplete}
	if strings.Join(phases, ",") != strings.Join(wantPhases, ",") {
		t.Errorf("Expected phases %v, got %v", wantPhases, phases)
	}

	// The written image is the new baseline, so there is nothing left to do.
	if _, _, err := c.Plan(); !errors.Is(err, ErrNoPlan) {
		t.Errorf("Expected ErrNoPlan after write, got %v", err)
	}
	if s, _ := c.Baseline().Get(48); !bytes.Equal(s.Data(), want) {
		t.Errorf("Baseline was not updated after write")
	}
}

func TestLoadSourceGates(t *testing.T) {
	dev := newFakeDevice(map[int][]byte{48: seq(45, 0), 49: seq(3, 100)})
	c := New(dev, WithCatalog([]int{48, 49}), WithEraseLifetime(true))
	if err := c.Read(context.Background()); err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if _, err := c.LoadSource(loadTable(t), "2 Cell"); err != nil {
		t.Fatalf("LoadSource returned error: %v", err)
	}
	changed, _, _ := c.Plan()
	if len(changed) != 2 || changed[1].ID != 49 {
		t.Errorf("Expected lifetime subclass 49 to change, got %v", changed)
	}
}

func TestNoAdapter(t *testing.T) {
	dev := newFakeDevice(nil)
	dev.missing = true
	c := New(dev, WithCatalog([]int{1, 2}))

	if err := c.Read(context.Background()); err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if !c.Session().NoAdapter {
		t.Errorf("Expected NoAdapter to be set")
	}
	if c.Baseline().Len() != 0 {
		t.Errorf("Expected empty baseline")
	}
	if !c.Summary().NoAdapter {
		t.Errorf("Expected summary to carry NoAdapter")
	}
}

func TestPreconditions(t *testing.T) {
	c := New(newFakeDevice(nil))
	if _, err := c.LoadSource(nil, "2 Cell"); !errors.Is(err, ErrNoBaseline) {
		t.Errorf("Expected ErrNoBaseline, got %v", err)
	}
	if err := c.Write(context.Background()); !errors.Is(err, ErrNoPlan) {
		t.Errorf("Expected ErrNoPlan, got %v", err)
	}

	c.busy.Store(true)
	if err := c.Read(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy, got %v", err)
	}
}

func TestUseBaselineWhileBusy(t *testing.T) {
	c := New(newFakeDevice(nil))
	first := flash.NewImage()
	first.Put(flash.SubclassOf(48, seq(4, 0)))
	if err := c.UseBaseline(first); err != nil {
		t.Fatalf("UseBaseline returned error: %v", err)
	}

	// A running write cycle holds the controller.
	c.busy.Store(true)
	if err := c.UseBaseline(flash.NewImage()); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy, got %v", err)
	}
	if c.Baseline() != first {
		t.Errorf("Baseline replaced during a running cycle")
	}

	c.busy.Store(false)
	if err := c.UseBaseline(flash.NewImage()); err != nil {
		t.Errorf("Expected UseBaseline to succeed once idle, got %v", err)
	}
}

func TestWriteNothingChanged(t *testing.T) {
	dev := newFakeDevice(nil)
	c := New(dev)
	img := flash.NewImage()
	img.Put(flash.SubclassOf(48, seq(45, 0)))
	if err := c.UseBaseline(img); err != nil {
		t.Fatalf("UseBaseline returned error: %v", err)
	}

	if _, err := c.LoadSource(nil, "2 Cell"); err != nil {
		t.Fatalf("LoadSource returned error: %v", err)
	}
	if err := c.Write(context.Background()); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if len(dev.log) != 0 {
		t.Errorf("Expected no device traffic, got %v", dev.log)
	}
}

func TestWriteStopsOnFailure(t *testing.T) {
	dev := newFakeDevice(nil)
	dev.failPage = 48
	c := New(dev)
	img := flash.NewImage()
	img.Put(flash.SubclassOf(48, seq(45, 0)))
	if err := c.UseBaseline(img); err != nil {
		t.Fatalf("UseBaseline returned error: %v", err)
	}
	if _, err := c.LoadSource(loadTable(t), "2 Cell"); err != nil {
		t.Fatalf("LoadSource returned error: %v", err)
	}

	if err := c.Write(context.Background()); err == nil {
		t.Fatalf("Expected write failure")
	}
	for _, l := range dev.log {
		if l == "COMMIT" {
			t.Errorf("NVM committed after a failed write")
		}
	}
	if _, _, err := c.Plan(); err != nil {
		t.Errorf("Plan should survive a failed write, got %v", err)
	}
}

func TestSummary(t *testing.T) {
	c := New(newFakeDevice(nil))
	img := flash.NewImage()
	img.Put(flash.SubclassOf(48, seq(45, 0)))
	img.Put(flash.SubclassOf(49, seq(3, 0)))
	if err := c.UseBaseline(img); err != nil {
		t.Fatalf("UseBaseline returned error: %v", err)
	}
	if _, err := c.LoadSource(loadTable(t), "2 Cell"); err != nil {
		t.Fatalf("LoadSource returned error: %v", err)
	}

	sum := c.Summary()
	if !sum.Read || !sum.Patched {
		t.Errorf("Expected read and patched, got %+v", sum)
	}
	if len(sum.Changed) != 1 || sum.Changed[0] != 48 || sum.PagesToWrite != 2 {
		t.Errorf("Unexpected plan in summary: %+v", sum)
	}
	if len(sum.Subclasses) != 2 || !sum.Subclasses[0].Changed || sum.Subclasses[1].Changed {
		t.Errorf("Unexpected subclasses in summary: %+v", sum.Subclasses)
	}
}
