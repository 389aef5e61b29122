package heater

import (
	"context"
	"errors"
	"math"
	"testing"

	"periph.io/x/conn/v3/physic"

	"bm2flash/internal/telemetry"
)

type MockModule struct {
	Current  []byte
	Voltage  []byte
	Heated   []byte
	Sent     []string
	heaterOn bool
	FailRead bool
}

func (m *MockModule) Module() string { return "BM2" }

func (m *MockModule) Send(ctx context.Context, cmd string) error {
	m.Sent = append(m.Sent, cmd)
	m.heaterOn = cmd == "BM2:HEA ON"
	return nil
}

func (m *MockModule) Telemetry(ctx context.Context, index, size int) ([]byte, error) {
	switch {
	case index == telemetry.TelVoltage:
		return m.Voltage, nil
	case index == telemetry.TelCurrent && m.heaterOn:
		if m.FailRead {
			return nil, errors.New("read failed")
		}
		return m.Heated, nil
	case index == telemetry.TelCurrent:
		return m.Current, nil
	}
	return []byte{0, 0}, nil
}

func TestRun(t *testing.T) {
	m := &MockModule{
		Current: []byte{0x64, 0x00}, // 100 mA
		Voltage: []byte{0xA0, 0x0F}, // 4000 mV
		Heated:  []byte{0x3C, 0xF6}, // -2500 mA
	}
	tester := NewTester(m)
	tester.Warmup = 0

	res, err := tester.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if res.HeatCurrent != 2.5 {
		t.Errorf("Expected HeatCurrent 2.5, got %f", res.HeatCurrent)
	}
	if math.Abs(res.Power-9.6) > 1e-9 {
		t.Errorf("Expected Power 9.6, got %f", res.Power)
	}
	if res.HeaterPower() != 9600*physic.MilliWatt {
		t.Errorf("Expected 9600mW, got %s", res.HeaterPower())
	}
	if len(m.Sent) != 2 || m.Sent[0] != "BM2:HEA ON" || m.Sent[1] != "BM2:HEA OFF" {
		t.Errorf("Unexpected commands %v", m.Sent)
	}
}

func TestRunSwitchesOffOnFailure(t *testing.T) {
	m := &MockModule{
		Current:  []byte{0x64, 0x00},
		Voltage:  []byte{0xA0, 0x0F},
		FailRead: true,
	}
	tester := NewTester(m)
	tester.Warmup = 0

	if _, err := tester.Run(context.Background()); err == nil {
		t.Fatalf("Expected error when the heated current cannot be read")
	}
	if m.Sent[len(m.Sent)-1] != "BM2:HEA OFF" {
		t.Errorf("Heater left on: %v", m.Sent)
	}
}
