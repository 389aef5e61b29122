// Package heater runs the BM2 battery heater check.
package heater

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/multierr"
	"periph.io/x/conn/v3/physic"

	"bm2flash/internal/telemetry"
)

// DefaultWarmup is how long the heater runs before the current is sampled.
const DefaultWarmup = 2 * time.Second

// Commander sends commands and reads telemetry on the module.
type Commander interface {
	telemetry.Querier
	Send(ctx context.Context, cmd string) error
	Module() string
}

// Result holds the heater check measurements.
type Result struct {
	Voltage     float64 // V
	RestCurrent float64 // A
	HeatCurrent float64 // A
	Power       float64 // W drawn by the heaters
}

// HeaterPower returns the power drawn by the heaters.
func (r *Result) HeaterPower() physic.Power {
	return physic.Power(math.Round(r.Power * float64(physic.Watt)))
}

func (r *Result) String() string {
	amps := func(a float64) physic.ElectricCurrent {
		return physic.ElectricCurrent(math.Round(a * float64(physic.Ampere)))
	}
	return fmt.Sprintf("Voltage: %s\nRest current: %s\nHeater current: %s\nHeater power: %s",
		physic.ElectricPotential(math.Round(r.Voltage*float64(physic.Volt))),
		amps(r.RestCurrent), amps(r.HeatCurrent), r.HeaterPower())
}

type Tester struct {
	c      Commander
	gauge  *telemetry.Gauge
	Warmup time.Duration
}

func NewTester(c Commander) *Tester {
	return &Tester{c: c, gauge: telemetry.NewGauge(c), Warmup: DefaultWarmup}
}

// Run measures the rest power, switches the heater on, samples the current
// after the warmup, and switches the heater off again. The heater is switched
// off even when sampling fails.
func (t *Tester) Run(ctx context.Context) (*Result, error) {
	restMA, err := t.gauge.Uint(ctx, telemetry.TelCurrent)
	if err != nil {
		return nil, err
	}
	mv, err := t.gauge.Uint(ctx, telemetry.TelVoltage)
	if err != nil {
		return nil, err
	}
	res := &Result{
		Voltage:     float64(mv) / 1000.0,
		RestCurrent: float64(restMA) / 1000.0,
	}

	if err := t.c.Send(ctx, t.c.Module()+":HEA ON"); err != nil {
		return nil, fmt.Errorf("heater on: %w", err)
	}

	heatMA, sampleErr := t.sample(ctx)

	// HEA OFF goes out even when ctx is already cancelled.
	if err := t.c.Send(context.WithoutCancel(ctx), t.c.Module()+":HEA OFF"); err != nil {
		return nil, multierr.Combine(sampleErr, fmt.Errorf("heater off: %w", err))
	}
	if sampleErr != nil {
		return nil, sampleErr
	}

	// Discharge current reads negative while the heater draws from the pack.
	res.HeatCurrent = float64(heatMA) / -1000.0
	res.Power = res.HeatCurrent*res.Voltage - res.RestCurrent*res.Voltage
	return res, nil
}

func (t *Tester) sample(ctx context.Context) (int16, error) {
	timer := time.NewTimer(t.Warmup)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
	}
	return t.gauge.Int(ctx, telemetry.TelCurrent)
}
