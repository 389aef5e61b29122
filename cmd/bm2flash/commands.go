package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"bm2flash/internal/flash"
	"bm2flash/internal/flashsync"
	"bm2flash/internal/heater"
	"bm2flash/internal/server"
	"bm2flash/internal/source"
	"bm2flash/internal/telemetry"
)

func newController(dev flashsync.Device, o *options, extra ...flashsync.Option) *flashsync.Controller {
	opts := []flashsync.Option{
		flashsync.WithLogger(log.Logger),
		flashsync.WithEmptyPageRetries(o.retries),
		flashsync.WithProgress(func(p flashsync.Progress) {
			log.Debug().
				Str("phase", p.Phase).
				Int("current", p.Current).
				Int("total", p.Total).
				Int("subclass", p.SubclassID).
				Dur("elapsed", p.ElapsedTime).
				Msg("progress")
		}),
	}
	return flashsync.New(dev, append(opts, extra...)...)
}

func runRead(ctx context.Context, args []string) error {
	var o options
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	o.register(fs)
	export := fs.String("export", "", "save the data flash to this file")
	_ = fs.Parse(args)

	dev, closeBus := o.open()
	defer closeBus()

	c := newController(dev, &o)
	if err := c.Read(ctx); err != nil {
		return err
	}
	if c.Session().NoAdapter {
		return errors.New("no I2C adapter connected")
	}

	img := c.Baseline()
	for _, s := range img.Subclasses() {
		fmt.Println(s)
	}
	if *export != "" {
		if err := flash.SaveExport(*export, img); err != nil {
			return err
		}
		log.Info().Str("path", *export).Int("subclasses", img.Len()).Msg("data flash exported")
	}
	return nil
}

// runPlan patches the baseline from a configuration table. With write set
// the changed subclasses are then written to the device.
func runPlan(ctx context.Context, args []string, write bool) error {
	var o options
	name := "plan"
	if write {
		name = "write"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	o.register(fs)
	src := fs.String("source", "", "configuration workbook (.xlsx) or table (.csv)")
	column := fs.String("config", "", "configuration column, e.g. \"2 Cell\"")
	baseline := fs.String("baseline", "", "use a saved export instead of reading the device (plan only)")
	save := fs.String("export", "", "save the patched data flash to this file")
	eraseLifetime := fs.Bool("erase-lifetime", false, "write rows classified as Lifetime")
	eraseCalibration := fs.Bool("erase-calibration", false, "write rows classified as Calibration")
	_ = fs.Parse(args)

	if *src == "" {
		return errors.New("-source is required")
	}
	if write && *baseline != "" {
		return errors.New("-baseline cannot be used with write")
	}

	tables, err := loadTables(*src)
	if err != nil {
		return err
	}
	col, err := pickConfiguration(tables, *column)
	if err != nil {
		return err
	}

	dev, closeBus := o.open()
	defer closeBus()

	c := newController(dev, &o,
		flashsync.WithEraseLifetime(*eraseLifetime),
		flashsync.WithEraseCalibration(*eraseCalibration),
	)

	if *baseline != "" {
		img, err := flash.LoadExport(*baseline)
		if err != nil {
			return err
		}
		if err := c.UseBaseline(img); err != nil {
			return err
		}
	} else {
		if err := c.Read(ctx); err != nil {
			return err
		}
		if c.Session().NoAdapter {
			return errors.New("no I2C adapter connected")
		}
	}

	report, err := c.LoadSource(tables, col)
	if err != nil {
		return err
	}
	fmt.Println(report)

	changed, pages, err := c.Plan()
	if err != nil {
		return err
	}
	for _, s := range changed {
		fmt.Println(s)
	}
	log.Info().Int("subclasses", len(changed)).Int("pages", len(pages)).Str("config", col).Msg("write plan")

	if *save != "" {
		if err := flash.SaveExport(*save, c.Session().Working); err != nil {
			return err
		}
	}
	if !write {
		return nil
	}
	return c.Write(ctx)
}

func loadTables(path string) ([]*source.Table, error) {
	if !strings.EqualFold(filepath.Ext(path), ".csv") {
		return source.ReadWorkbook(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := source.ReadCSV(filepath.Base(path), f)
	if err != nil {
		return nil, err
	}
	return []*source.Table{t}, nil
}

// pickConfiguration checks that column exists in the first table. An empty
// column is accepted when the table offers exactly one configuration.
func pickConfiguration(tables []*source.Table, column string) (string, error) {
	if len(tables) == 0 {
		return "", errors.New("no data sheets found")
	}
	configs := source.Configurations(tables[0])
	if column == "" {
		if len(configs) == 1 {
			return configs[0], nil
		}
		return "", fmt.Errorf("-config is required, choose one of %q", configs)
	}
	for _, c := range configs {
		if c == column {
			return column, nil
		}
	}
	return "", fmt.Errorf("configuration %q not found, choose one of %q", column, configs)
}

func runTelemetry(ctx context.Context, args []string) error {
	var o options
	fs := flag.NewFlagSet("telemetry", flag.ExitOnError)
	o.register(fs)
	_ = fs.Parse(args)

	dev, closeBus := o.open()
	defer closeBus()

	st, err := telemetry.NewGauge(dev).GetStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Println(st)
	return nil
}

func runHeater(ctx context.Context, args []string) error {
	var o options
	fs := flag.NewFlagSet("heater", flag.ExitOnError)
	o.register(fs)
	warmup := fs.Duration("warmup", heater.DefaultWarmup, "heater on time before sampling")
	_ = fs.Parse(args)

	dev, closeBus := o.open()
	defer closeBus()

	t := heater.NewTester(dev)
	t.Warmup = *warmup
	res, err := t.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Println(res)
	return nil
}

func runServe(ctx context.Context, args []string) error {
	var o options
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	o.register(fs)
	port := fs.Int("port", 3000, "HTTP port")
	src := fs.String("source", "", "configuration table to plan against after the read")
	column := fs.String("config", "", "configuration column")
	_ = fs.Parse(args)

	dev, closeBus := o.open()
	defer closeBus()

	c := newController(dev, &o)
	if err := c.Read(ctx); err != nil {
		return err
	}
	if *src != "" {
		tables, err := loadTables(*src)
		if err != nil {
			return err
		}
		col, err := pickConfiguration(tables, *column)
		if err != nil {
			return err
		}
		if _, err := c.LoadSource(tables, col); err != nil {
			return err
		}
	}

	return server.Run(*port, telemetry.NewGauge(dev), c)
}
