package orientation

import (
	"math"
	"sync"
)

// FakeSensor is a deterministic simulated gyro+accel source for tests and
// -demo mode, grounded on gps.DemoGPS's sinusoidal generator pattern in
// the teacher repo.
type FakeSensor struct {
	mu  sync.Mutex
	t   float64
	lpf bool
}

func NewFakeSensor() *FakeSensor { return &FakeSensor{} }

func (f *FakeSensor) Name() string   { return "Fake IMU (simulated)" }
func (f *FakeSensor) Connect() error { return nil }
func (f *FakeSensor) Close() error   { return nil }

func (f *FakeSensor) SetIntegratedLowPassFilter(enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lpf = enabled
	return nil
}

func (f *FakeSensor) SetOutputDataRates(gyroHz, accelHz int) error { return nil }
func (f *FakeSensor) SetRanges(gyroDps, accelG int) error          { return nil }

// ReadGyroAccel produces a slow gentle rocking motion so fusion tests and
// demo runs have something visibly changing to track.
func (f *FakeSensor) ReadGyroAccel() ([3]float64, [3]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t += 0.01

	gyro := [3]float64{
		0.05 * math.Sin(f.t*0.7),
		0.03 * math.Cos(f.t*0.5),
		0.02 * math.Sin(f.t*0.3),
	}
	accel := [3]float64{
		0.05 * math.Sin(f.t*0.2),
		0.05 * math.Cos(f.t*0.2),
		1.0, // resting on gravity
	}
	return gyro, accel, nil
}
