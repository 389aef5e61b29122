package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"bm2flash/internal/scpi"
)

const usage = `usage: bm2flash <command> [flags]

commands:
  read       read the data flash and optionally save an export
  plan       patch the data flash from a configuration table and list the changes
  write      patch the data flash and write the changed subclasses
  telemetry  print voltage, temperature, current and state of charge
  heater     run the heater check
  serve      serve telemetry and the data flash session over HTTP
`

// options shared by every command.
type options struct {
	bus       string
	addr      uint
	module    string
	settle    time.Duration
	pageDelay time.Duration
	retries   int
	verbose   bool
}

func (o *options) register(fs *flag.FlagSet) {
	fs.StringVar(&o.bus, "bus", "", "I2C bus name, empty for the first bus")
	fs.UintVar(&o.addr, "addr", scpi.Addr, "I2C address of the module")
	fs.StringVar(&o.module, "module", scpi.Module, "module command prefix")
	fs.DurationVar(&o.settle, "settle", 400*time.Millisecond, "delay after every command")
	fs.DurationVar(&o.pageDelay, "pagedelay", 100*time.Millisecond, "delay between requesting a data flash page and reading it")
	fs.IntVar(&o.retries, "retries", 1, "re-reads of an empty first page")
	fs.BoolVar(&o.verbose, "v", false, "debug logging")
}

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "read":
		err = runRead(ctx, args)
	case "plan":
		err = runPlan(ctx, args, false)
	case "write":
		err = runPlan(ctx, args, true)
	case "telemetry":
		err = runTelemetry(ctx, args)
	case "heater":
		err = runHeater(ctx, args)
	case "serve":
		err = runServe(ctx, args)
	case "-h", "-help", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("failed")
	}
}

// open initialises the host drivers and returns an adapter for the module.
// A missing bus is not fatal: the adapter then reports scpi.ErrNoAdapter.
func (o *options) open() (*scpi.Adapter, func()) {
	if o.verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	opts := []scpi.Option{
		scpi.WithModule(o.module),
		scpi.WithSettle(o.settle),
		scpi.WithPageDelay(o.pageDelay),
	}

	if _, err := host.Init(); err != nil {
		log.Warn().Err(err).Msg("failed to initialise host drivers")
		return scpi.New(nil, uint16(o.addr), opts...), func() {}
	}

	bus, err := i2creg.Open(o.bus)
	if err != nil {
		log.Warn().Err(err).Msg("failed to open I2C")
		return scpi.New(nil, uint16(o.addr), opts...), func() {}
	}
	log.Info().Str("bus", bus.String()).Str("addr", fmt.Sprintf("0x%X", o.addr)).Msg("I2C adapter opened")
	return scpi.New(i2c.Bus(bus), uint16(o.addr), opts...), func() { _ = bus.Close() }
}
