package flashsync

import (
	"time"

	"github.com/rs/zerolog"

	"bm2flash/internal/flash"
	"bm2flash/internal/source"
)

// Phases reported through Progress.
const (
	PhaseReading    = "reading"
	PhasePatching   = "patching"
	PhaseUnlocking  = "unlocking"
	PhaseWriting    = "writing"
	PhaseCommitting = "committing"
	PhaseComplete   = "complete"
)

// Progress describes how far a read or write cycle has got.
type Progress struct {
	Phase       string
	Current     int
	Total       int
	SubclassID  int
	ElapsedTime time.Duration
}

// ProgressCallback is called synchronously; it should return quickly.
type ProgressCallback func(Progress)

// Config holds the controller configuration.
type Config struct {
	Logger       zerolog.Logger
	Progress     ProgressCallback
	Catalog      []int
	EmptyRetries int
	Gate         source.Gate
}

func defaultConfig() Config {
	return Config{
		Logger:       zerolog.Nop(),
		Catalog:      flash.DefaultCatalog,
		EmptyRetries: 1,
	}
}

// Option configures a Controller.
type Option func(*Config)

// WithLogger sets the logger for controller operations.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithProgress sets a callback to track read and write progress.
func WithProgress(cb ProgressCallback) Option {
	return func(c *Config) { c.Progress = cb }
}

// WithCatalog overrides the list of subclasses read from the device.
func WithCatalog(ids []int) Option {
	return func(c *Config) {
		if len(ids) > 0 {
			c.Catalog = ids
		}
	}
}

// WithEmptyPageRetries sets how many times an empty first page is re-read
// before a subclass is taken as empty.
func WithEmptyPageRetries(n int) Option {
	return func(c *Config) {
		if n >= 0 {
			c.EmptyRetries = n
		}
	}
}

// WithEraseLifetime allows rows classified as Lifetime to be written.
func WithEraseLifetime(erase bool) Option {
	return func(c *Config) { c.Gate.EraseLifetime = erase }
}

// WithEraseCalibration allows rows classified as Calibration to be written.
func WithEraseCalibration(erase bool) Option {
	return func(c *Config) { c.Gate.EraseCalibration = erase }
}
