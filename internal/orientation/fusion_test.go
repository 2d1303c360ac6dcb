package orientation

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

func testTrackerConfig() TrackerConfig {
	return TrackerConfig{
		GyroDataRateHz:  104,
		AccelDataRateHz: 104,
		GyroRangeDps:    250,
		AccelRangeG:     2,
		TrackingRateHz:  100,
		EnableLPF2:      false,
		EnableSimpleLPF: false,
		Alpha:           0.2,
		Format:          FormatEulerDegrees,
	}
}

// stubSensor is a deterministic Sensor for loop tests: returns a fixed
// reading for every call, with an optional injected error on the Nth read.
type stubSensor struct {
	mu        sync.Mutex
	gyro      [3]float64
	accel     [3]float64
	failAfter int // number of successful reads before error; 0 = never
	reads     int
}

func (s *stubSensor) Name() string   { return "stub" }
func (s *stubSensor) Connect() error { return nil }
func (s *stubSensor) Close() error   { return nil }
func (s *stubSensor) SetIntegratedLowPassFilter(bool) error    { return nil }
func (s *stubSensor) SetOutputDataRates(int, int) error        { return nil }
func (s *stubSensor) SetRanges(int, int) error                  { return nil }

var errStubRead = errors.New("stub read failure")

func (s *stubSensor) ReadGyroAccel() ([3]float64, [3]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.failAfter > 0 && s.reads > s.failAfter {
		return [3]float64{}, [3]float64{}, errStubRead
	}
	return s.gyro, s.accel, nil
}

func TestLoop_LatestIsZeroBeforeFirstSample(t *testing.T) {
	sensor := &stubSensor{accel: [3]float64{0, 0, 1}}
	l := NewLoop(sensor, testTrackerConfig())
	got := l.Latest()
	if got.Euler != ([3]float64{}) {
		t.Fatalf("expected zero sample before loop runs, got %+v", got)
	}
}

func TestLoop_RestingAccelConvergesToLevelAttitude(t *testing.T) {
	sensor := &stubSensor{gyro: [3]float64{0, 0, 0}, accel: [3]float64{0, 0, 1}}
	l := NewLoop(sensor, testTrackerConfig())

	// Run several fusion steps directly rather than through the deadline
	// loop, so the test is not wall-clock dependent.
	for i := 0; i < 50; i++ {
		gyro, accel, err := sensor.ReadGyroAccel()
		if err != nil {
			t.Fatal(err)
		}
		l.integrate(gyro, accel, 0.01)
	}
	l.storeSample(FormatEulerDegrees)

	got := l.Latest()
	almostEqualOrient(t, got.Euler[0], 0, 0.5)
	almostEqualOrient(t, got.Euler[1], 0, 0.5)
}

func TestLoop_GyroIntegrationAccumulatesYaw(t *testing.T) {
	sensor := &stubSensor{gyro: [3]float64{0, 0, 1.0}, accel: [3]float64{0, 0, 1}}
	l := NewLoop(sensor, testTrackerConfig())

	for i := 0; i < 100; i++ {
		gyro, accel, _ := sensor.ReadGyroAccel()
		l.integrate(gyro, accel, 0.01)
	}
	l.storeSample(FormatEulerRadians)

	got := l.Latest()
	// 1 rad/s for 1s (100 steps * 0.01s) => yaw ~= 1 rad. Accel has no
	// opinion on yaw, so this is pure integration with no correction.
	almostEqualOrient(t, got.Euler[2], 1.0, 0.05)
}

func TestLoop_MissedDeadlineCounterWrapsAt65535(t *testing.T) {
	l := NewLoop(&stubSensor{accel: [3]float64{0, 0, 1}}, testTrackerConfig())
	l.missedDeadlines = 65535
	l.bumpMissed()
	if l.MissedDeadlines() != 0 {
		t.Fatalf("missed deadline counter = %d, want wrap to 0", l.MissedDeadlines())
	}
}

func TestLoop_RunAbortsOnSensorError(t *testing.T) {
	sensor := &stubSensor{accel: [3]float64{0, 0, 1}, failAfter: 2}
	cfg := testTrackerConfig()
	cfg.TrackingRateHz = 300 // fast, so the test doesn't wait long
	l := NewLoop(sensor, cfg)

	err := l.Run(context.Background())
	if !errors.Is(err, errStubRead) {
		t.Fatalf("Run() error = %v, want wrapping errStubRead", err)
	}
}

func TestLoop_RunStopsOnContextCancel(t *testing.T) {
	sensor := &stubSensor{accel: [3]float64{0, 0, 1}}
	cfg := testTrackerConfig()
	cfg.TrackingRateHz = 300
	l := NewLoop(sensor, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error on cancel = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestLoop_SetConfigRejectsInvalidConfig(t *testing.T) {
	l := NewLoop(&stubSensor{}, testTrackerConfig())
	bad := testTrackerConfig()
	bad.TrackingRateHz = 0
	if err := l.SetConfig(bad); err == nil {
		t.Fatal("expected SetConfig to reject out-of-range tracking rate")
	}
}

func TestLoop_QuaternionFormatIsNormalized(t *testing.T) {
	sensor := &stubSensor{gyro: [3]float64{0.1, 0.2, 0.3}, accel: [3]float64{0.1, 0.05, 1}}
	l := NewLoop(sensor, testTrackerConfig())
	for i := 0; i < 20; i++ {
		gyro, accel, _ := sensor.ReadGyroAccel()
		l.integrate(gyro, accel, 0.01)
	}
	l.storeSample(FormatQuaternion)

	got := l.Latest()
	norm := math.Sqrt(got.Quat[0]*got.Quat[0] + got.Quat[1]*got.Quat[1] + got.Quat[2]*got.Quat[2] + got.Quat[3]*got.Quat[3])
	almostEqualOrient(t, norm, 1.0, 1e-9)
}

func almostEqualOrient(t *testing.T, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Fatalf("got %v, want %v (tol %v)", got, want, tol)
	}
}
