package coordinator

import (
	"context"
	"testing"

	"github.com/excavator-teleop/server/internal/config"
	"github.com/excavator-teleop/server/internal/control"
	"github.com/excavator-teleop/server/internal/orientation"
	"github.com/excavator-teleop/server/internal/pwm"
	"github.com/excavator-teleop/server/internal/pwm/pwmsim"
)

func testRegistry(t *testing.T) *config.Registry {
	t.Helper()
	dir := t.TempDir()
	reg, err := config.New(dir, struct {
		PWM         pwm.ControllerConfig
		Orientation orientation.TrackerConfig
		Screen      config.ScreenConfig
		Excavator   config.ExcavatorConfig
	}{
		PWM: pwm.ControllerConfig{
			PWMFrequencyHz: 50,
			Pump:           pwm.PumpConfig{OutputIndex: 0, PulseMinUs: 1000, PulseMaxUs: 2000, Idle: 0, Multiplier: 0.5},
			Channels: []pwm.ChannelConfig{
				{Name: "boom", OutputIndex: 1, PulseMinUs: 1000, PulseMaxUs: 2000, CenterUs: 1500, Direction: 1, Gamma: 1, AffectsPump: true, Toggleable: true},
			},
		},
		Orientation: orientation.TrackerConfig{
			GyroDataRateHz: 104, AccelDataRateHz: 104, GyroRangeDps: 250, AccelRangeG: 2,
			TrackingRateHz: 50, Format: orientation.FormatEulerRadians,
		},
		Screen:    config.ScreenConfig{RenderTime: 1, FontSizeHeader: 10, FontSizeBody: 8},
		Excavator: config.ExcavatorConfig{HasScreen: false},
	}, config.Reloaders{})
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}
	return reg
}

func testCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	reg := testRegistry(t)
	return New("127.0.0.1", 15432, 1, reg,
		func() (pwm.Peripheral, error) { return pwmsim.New(), nil },
		func() (orientation.Sensor, error) { return orientation.NewFakeSensor(), nil },
		nil,
		nil,
	)
}

// TestHandleStart_RejectsWhileAlreadyTransitioning covers scenario 7: a
// second start_driving while the first is still mid-transition (no peer
// ever completes the handshake, so the engine stays "starting") must be
// rejected with an error event naming the same context.
func TestHandleStart_RejectsWhileAlreadyTransitioning(t *testing.T) {
	c := testCoordinator(t)

	c.mu.Lock()
	c.operation = OperationDriving
	c.engine = engineStarting
	c.mu.Unlock()

	resp := c.Dispatch(context.Background(), nil, control.StartDrivingAction{})
	if resp.Event != "error" {
		t.Fatalf("expected error event, got %q", resp.Event)
	}
	errFields, ok := resp.Fields["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error fields, got %#v", resp.Fields)
	}
	if errFields["context"] != "start_driving" {
		t.Fatalf("expected context=start_driving, got %v", errFields["context"])
	}
}

// TestHandleStart_RejectsDifferentOperationWhileOneActive covers the
// single-active-operation invariant (spec.md §4.6): Mirroring is running,
// so start_driving must be rejected outright rather than queued.
func TestHandleStart_RejectsDifferentOperationWhileOneActive(t *testing.T) {
	c := testCoordinator(t)

	c.mu.Lock()
	c.operation = OperationMirroring
	c.engine = engineRunning
	c.mu.Unlock()

	resp := c.Dispatch(context.Background(), nil, control.StartDrivingAction{})
	if resp.Event != "error" {
		t.Fatalf("expected error event, got %q", resp.Event)
	}

	c.mu.Lock()
	op := c.operation
	c.mu.Unlock()
	if op != OperationMirroring {
		t.Fatalf("expected operation to remain mirroring, got %s", op)
	}
}

// TestHandleStop_RejectsWhenOperationNotActive covers stopGuard's first
// check: stop_driving with nothing running must fail, not silently no-op.
func TestHandleStop_RejectsWhenOperationNotActive(t *testing.T) {
	c := testCoordinator(t)

	resp := c.Dispatch(context.Background(), nil, control.StopDrivingAction{})
	if resp.Event != "error" {
		t.Fatalf("expected error event, got %q", resp.Event)
	}
}

// TestHandleStart_SameOperationAlreadyRunningRejected ensures a redundant
// start_mirroring while Mirroring is already Running is rejected rather
// than restarting the engines out from under the active session.
func TestHandleStart_SameOperationAlreadyRunningRejected(t *testing.T) {
	c := testCoordinator(t)

	c.mu.Lock()
	c.operation = OperationMirroring
	c.engine = engineRunning
	c.mu.Unlock()

	resp := c.Dispatch(context.Background(), nil, control.StartMirroringAction{})
	if resp.Event != "error" {
		t.Fatalf("expected error event, got %q", resp.Event)
	}
}

func TestHandleStatus_CoordinatorReportsIdleInitially(t *testing.T) {
	c := testCoordinator(t)
	resp := c.Dispatch(context.Background(), nil, control.StatusAction{Target: control.StatusCoordinator})
	if resp.Event != "status" {
		t.Fatalf("expected status event, got %q", resp.Event)
	}
	if resp.Fields["operation"] != OperationNone.String() {
		t.Fatalf("expected idle operation, got %v", resp.Fields["operation"])
	}
}

func TestHandleAddPWMChannel_RejectsReservedPumpName(t *testing.T) {
	c := testCoordinator(t)
	resp := c.Dispatch(context.Background(), nil, control.AddPWMChannelAction{
		Channel: pwm.ChannelConfig{Name: pwm.PumpName, OutputIndex: 5, PulseMinUs: 1000, PulseMaxUs: 2000, Direction: 1, Gamma: 1},
	})
	if resp.Event != "error" {
		t.Fatalf("expected error event, got %q", resp.Event)
	}
}

func TestHandleSetManualLoadBias_RejectsWithNoActiveDriver(t *testing.T) {
	c := testCoordinator(t)
	resp := c.Dispatch(context.Background(), nil, control.SetManualLoadBiasAction{Bias: 0.2})
	if resp.Event != "error" {
		t.Fatalf("expected error event with no active driver, got %q", resp.Event)
	}
}
