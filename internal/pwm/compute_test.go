package pwm

import (
	"math"
	"testing"
	"time"

	"github.com/excavator-teleop/server/internal/pwm/pwmsim"
)

func testChannel() ChannelConfig {
	return ChannelConfig{
		Name:          "lift_boom",
		OutputIndex:   0,
		PulseMinUs:    1000,
		PulseMaxUs:    2000,
		CenterUs:      1500,
		Direction:     1,
		DeadzonePct:   0,
		DeadbandPosUs: 40,
		DeadbandNegUs: 40,
		Gamma:         1.0,
	}
}

func almostEqual(t *testing.T, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Fatalf("got %v, want %v (tol %v)", got, want, tol)
	}
}

// Scenario 1: deadband + gamma, positive.
func TestComputePulse_DeadbandPositive(t *testing.T) {
	c := testChannel()
	got := ComputePulse(c, 0.5)
	almostEqual(t, got, 1770, 1e-9)
}

// Scenario 2: gamma shaping.
func TestComputePulse_GammaShaping(t *testing.T) {
	c := testChannel()
	c.Gamma = 2.0
	got := ComputePulse(c, 0.5)
	almostEqual(t, got, 1655, 1e-9)
}

// Scenario 3: deadzone.
func TestComputePulse_Deadzone(t *testing.T) {
	c := testChannel()
	c.DeadzonePct = 10
	got := ComputePulse(c, 0.05)
	almostEqual(t, got, 1500, 1e-9)
}

func TestComputePulse_ZeroIsCenter(t *testing.T) {
	c := testChannel()
	for _, gamma := range []float64{0.5, 1, 2, 4.5} {
		c.Gamma = gamma
		got := ComputePulse(c, 0)
		almostEqual(t, got, c.center(), 1e-9)
	}
}

func TestComputePulse_Deterministic(t *testing.T) {
	c := testChannel()
	a := ComputePulse(c, 0.37)
	b := ComputePulse(c, 0.37)
	if a != b {
		t.Fatalf("ComputePulse is not deterministic: %v != %v", a, b)
	}
}

func TestComputePulse_NegativeSide(t *testing.T) {
	c := testChannel()
	got := ComputePulse(c, -0.5)
	// base = 1500-40=1460; pulse = 1460 - 0.5*(1460-1000) = 1460-230=1230
	almostEqual(t, got, 1230, 1e-9)
}

func TestComputePulse_AlwaysWithinBounds(t *testing.T) {
	c := testChannel()
	for v := -1.0; v <= 1.0; v += 0.05 {
		p := ComputePulse(c, v)
		if p < float64(c.PulseMinUs) || p > float64(c.PulseMaxUs) {
			t.Fatalf("pulse %v out of [%d,%d] for value %v", p, c.PulseMinUs, c.PulseMaxUs, v)
		}
	}
}

func basicControllerConfig() ControllerConfig {
	return ControllerConfig{
		PWMFrequencyHz: 250, // period = 4000us
		Pump: PumpConfig{
			OutputIndex: 15,
			PulseMinUs:  1000,
			PulseMaxUs:  2000,
			Idle:        0,
			Multiplier:  0.5,
		},
		Channels: []ChannelConfig{testChannel()},
	}
}

func TestDriver_ApplyCommands_DutyCycleInvariant(t *testing.T) {
	cfg := basicControllerConfig()
	bus := pwmsim.New()
	d, err := NewDriver(cfg, bus)
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	if err := d.ApplyCommands(map[string]float64{"lift_boom": 0.5}, true, nil); err != nil {
		t.Fatalf("ApplyCommands: %v", err)
	}
	pulse, ok := d.LastPulse("lift_boom")
	if !ok {
		t.Fatalf("no last pulse recorded")
	}
	if pulse < 1000 || pulse > 2000 {
		t.Fatalf("pulse %v out of bounds", pulse)
	}
	wantDuty := uint16(math.Round(pulse / d.PeriodUs() * 65535))
	if got := bus.Duty(0); got != wantDuty {
		t.Fatalf("duty = %d, want %d", got, wantDuty)
	}
}

func TestDriver_UnknownChannelIsSkippedNotError(t *testing.T) {
	cfg := basicControllerConfig()
	bus := pwmsim.New()
	d, err := NewDriver(cfg, bus)
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	if err := d.ApplyCommands(map[string]float64{"does_not_exist": 1}, true, nil); err != nil {
		t.Fatalf("ApplyCommands should not error on unknown channel: %v", err)
	}
}

func TestDriver_RampLimitsSlew(t *testing.T) {
	cfg := basicControllerConfig()
	cfg.Channels[0].Ramp = RampConfig{Enabled: true, RateUsPerSec: 100} // 100us/s
	bus := pwmsim.New()
	d, err := NewDriver(cfg, bus)
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	fakeNow := time.Now()
	d.clock = func() time.Time { return fakeNow }

	// First tick establishes baseline (center, since value=0).
	if err := d.ApplyCommands(map[string]float64{"lift_boom": 0}, true, nil); err != nil {
		t.Fatal(err)
	}
	start, _ := d.LastPulse("lift_boom")

	// Jump straight to full deflection one second later: step must be
	// bounded by ramp_rate * dt = 100us.
	fakeNow = fakeNow.Add(1 * time.Second)
	if err := d.ApplyCommands(map[string]float64{"lift_boom": 1.0}, true, nil); err != nil {
		t.Fatal(err)
	}
	next, _ := d.LastPulse("lift_boom")
	if math.Abs(next-start) > 100+1e-6 {
		t.Fatalf("ramp step %v exceeds 100us bound", next-start)
	}
}

func TestDriver_ResetWritesCenterAndPumpMin(t *testing.T) {
	cfg := basicControllerConfig()
	bus := pwmsim.New()
	d, err := NewDriver(cfg, bus)
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	if err := d.ApplyCommands(map[string]float64{"lift_boom": 1}, true, nil); err != nil {
		t.Fatal(err)
	}
	if err := d.Reset(true); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	pulse, _ := d.LastPulse("lift_boom")
	if pulse != 1500 {
		t.Fatalf("after reset pulse = %v, want center 1500", pulse)
	}
}

func TestDriver_PeripheralWriteFailurePropagates(t *testing.T) {
	cfg := basicControllerConfig()
	bus := pwmsim.New()
	d, err := NewDriver(cfg, bus)
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	bus.FailWrites(errWriteFailed)
	if err := d.ApplyCommands(map[string]float64{"lift_boom": 0.5}, true, nil); err == nil {
		t.Fatalf("expected peripheral write failure to propagate")
	}
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

const errWriteFailed = simpleErr("simulated write failure")
