// Package telemetry reads battery measurements from the BM2 module.
package telemetry

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"periph.io/x/conn/v3/physic"
)

// Telemetry items reported by the BM2.
const (
	TelTemperature = 8  // 0.01 degC
	TelVoltage     = 9  // mV
	TelCurrent     = 10 // mA, discharge is negative
	TelSOC         = 13 // %
)

// Querier reads raw telemetry items.
type Querier interface {
	Telemetry(ctx context.Context, index, size int) ([]byte, error)
}

// Status is a snapshot of the battery measurements.
type Status struct {
	Voltage     float64 // V
	Temperature float64 // degC
	Current     float64 // A
	SOC         int     // %
}

// Potential returns the pack voltage.
func (s *Status) Potential() physic.ElectricPotential {
	return physic.ElectricPotential(math.Round(s.Voltage * float64(physic.Volt)))
}

// Amperage returns the pack current.
func (s *Status) Amperage() physic.ElectricCurrent {
	return physic.ElectricCurrent(math.Round(s.Current * float64(physic.Ampere)))
}

// Temp returns the pack temperature.
func (s *Status) Temp() physic.Temperature {
	return physic.ZeroCelsius + physic.Temperature(math.Round(s.Temperature*float64(physic.Celsius)))
}

func (s *Status) String() string {
	return fmt.Sprintf("Voltage: %s\nTemperature: %s\nCurrent: %s\nSOC: %d %%",
		s.Potential(), s.Temp(), s.Amperage(), s.SOC)
}

type Gauge struct {
	q Querier
}

func NewGauge(q Querier) *Gauge {
	return &Gauge{q: q}
}

// Uint reads a 16-bit unsigned telemetry item.
func (g *Gauge) Uint(ctx context.Context, index int) (uint16, error) {
	b, err := g.q.Telemetry(ctx, index, 2)
	if err != nil {
		return 0, fmt.Errorf("telemetry %d: %w", index, err)
	}
	// Telemetry words arrive LSB first.
	return binary.LittleEndian.Uint16(b), nil
}

// Int reads a 16-bit signed telemetry item.
func (g *Gauge) Int(ctx context.Context, index int) (int16, error) {
	u, err := g.Uint(ctx, index)
	return int16(u), err
}

func (g *Gauge) GetStatus(ctx context.Context) (*Status, error) {
	mv, err := g.Uint(ctx, TelVoltage)
	if err != nil {
		return nil, err
	}
	temp, err := g.Uint(ctx, TelTemperature)
	if err != nil {
		return nil, err
	}
	ma, err := g.Int(ctx, TelCurrent)
	if err != nil {
		return nil, err
	}
	soc, err := g.Uint(ctx, TelSOC)
	if err != nil {
		return nil, err
	}

	return &Status{
		Voltage:     float64(mv) / 1000.0,
		Temperature: float64(temp) / 100.0,
		Current:     float64(ma) / 1000.0,
		SOC:         int(soc),
	}, nil
}
