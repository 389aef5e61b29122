// Package scpi talks to a Pumpkin SupMCU module over I2C using its ASCII
// command set.
package scpi

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"periph.io/x/conn/v3/i2c"

	"bm2flash/internal/flash"
)

const (
	// Addr is the default I2C address of the BM2 module.
	Addr = 0x5C

	// Module is the command prefix of the battery module.
	Module = "BM2"

	// PreambleSize is the write flag byte and 4-byte timestamp that lead
	// every telemetry response.
	PreambleSize = 5

	// NVMKeyOffset is added to the serial number to form the NVM unlock key.
	NVMKeyOffset = 12345

	telPage       = 78
	telSerial     = 9
	terminator    = 0x0A
	defaultSettle = 400 * time.Millisecond
	defaultPage   = 100 * time.Millisecond
)

// ErrNoAdapter is returned when no I2C adapter is available.
var ErrNoAdapter = errors.New("no I2C adapter connected")

// Adapter sends commands to one module on an I2C bus.
type Adapter struct {
	dev       *i2c.Dev
	module    string
	settle    time.Duration
	pageDelay time.Duration
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithModule sets the command prefix, e.g. "BM2".
func WithModule(m string) Option {
	return func(a *Adapter) { a.module = m }
}

// WithSettle sets the delay after every command.
func WithSettle(d time.Duration) Option {
	return func(a *Adapter) { a.settle = d }
}

// WithPageDelay sets the delay between requesting a page and reading it.
func WithPageDelay(d time.Duration) Option {
	return func(a *Adapter) { a.pageDelay = d }
}

// New returns an Adapter for the module at addr. A nil bus gives an adapter
// whose every call fails with ErrNoAdapter.
func New(bus i2c.Bus, addr uint16, opts ...Option) *Adapter {
	a := &Adapter{
		module:    Module,
		settle:    defaultSettle,
		pageDelay: defaultPage,
	}
	if bus != nil {
		a.dev = &i2c.Dev{Addr: addr, Bus: bus}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Connected reports whether the adapter has a bus.
func (a *Adapter) Connected() bool { return a.dev != nil }

// Module returns the command prefix in use.
func (a *Adapter) Module() string { return a.module }

// Send writes cmd followed by a newline and waits for the module to settle.
func (a *Adapter) Send(ctx context.Context, cmd string) error {
	if a.dev == nil {
		return ErrNoAdapter
	}
	w := make([]byte, 0, len(cmd)+1)
	w = append(w, cmd...)
	w = append(w, terminator)
	if err := a.dev.Tx(w, nil); err != nil {
		return fmt.Errorf("send %q: %w", cmd, err)
	}
	return sleep(ctx, a.settle)
}

// Query sends cmd and reads n bytes of response data, dropping the preamble.
func (a *Adapter) Query(ctx context.Context, cmd string, n int) ([]byte, error) {
	if err := a.Send(ctx, cmd); err != nil {
		return nil, err
	}
	r := make([]byte, PreambleSize+n)
	if err := a.dev.Tx(nil, r); err != nil {
		return nil, fmt.Errorf("read %q: %w", cmd, err)
	}
	if err := sleep(ctx, a.settle); err != nil {
		return nil, err
	}
	return r[PreambleSize:], nil
}

// Telemetry reads size bytes of telemetry item index from the module.
func (a *Adapter) Telemetry(ctx context.Context, index, size int) ([]byte, error) {
	return a.Query(ctx, fmt.Sprintf("%s:TEL? %d,data", a.module, index), size)
}

// ReadPage reads one data flash page from the gas gauge.
func (a *Adapter) ReadPage(ctx context.Context, subclassID, page int) (*flash.Page, error) {
	cmd := fmt.Sprintf("%s:BQF READ_PAGE,%d,%d", a.module, subclassID, page)
	if err := a.Send(ctx, cmd); err != nil {
		return nil, err
	}
	if err := sleep(ctx, a.pageDelay); err != nil {
		return nil, err
	}
	resp, err := a.Telemetry(ctx, telPage, 1+flash.PageSize)
	if err != nil {
		return nil, err
	}
	n := int(resp[0])
	if n > flash.PageSize {
		n = flash.PageSize
	}
	return flash.PageOf(subclassID, page, resp[1:1+n]), nil
}

// WriteCommand renders the command that writes page p.
func WriteCommand(module string, p *flash.Page) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s:BQF WRITE,%d,%d,%d", module, p.SubclassID, p.Offset(), p.Len())
	for _, b := range p.Data() {
		sb.WriteByte(',')
		sb.WriteString(strconv.Itoa(int(b)))
	}
	return sb.String()
}

// WritePage writes one data flash page to the gas gauge.
func (a *Adapter) WritePage(ctx context.Context, p *flash.Page) error {
	return a.Send(ctx, WriteCommand(a.module, p))
}

// SerialNumber reads the module serial number.
func (a *Adapter) SerialNumber(ctx context.Context) (uint16, error) {
	b, err := a.Query(ctx, fmt.Sprintf("SUP:TEL? %d,data", telSerial), 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// NVMKey derives the NVM unlock key from a serial number.
func NVMKey(serial uint16) int {
	return int(serial) + NVMKeyOffset
}

// UnlockNVM authorizes non-volatile memory writes.
func (a *Adapter) UnlockNVM(ctx context.Context, key int) error {
	return a.Send(ctx, fmt.Sprintf("SUP:NVM UNLOCK,%d", key))
}

// CommitNVM finalizes all staged writes.
func (a *Adapter) CommitNVM(ctx context.Context) error {
	return a.Send(ctx, "SUP:NVM WRITE,1")
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
