package orientation

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Loop is the IMU sampler & fusion loop (C3, spec.md §4.3): a single
// cooperative loop running at a user-configurable tracking_rate, deadline-
// driven the same way the teacher's pollLoop runs its ECU/GPS/broadcast
// tickers, each on its own goroutine with its own cadence.
type Loop struct {
	sensor Sensor
	clock  func() time.Time

	cfgMu sync.Mutex
	cfg   TrackerConfig

	sampleMu sync.RWMutex
	sample   Sample

	missedDeadlines uint16
	missedMu        sync.Mutex

	// Fusion state.
	hasPrev             bool
	prevGyro, prevAccel [3]float64
	roll, pitch, yaw     float64 // radians
	lastUpdate           time.Time
}

// NewLoop constructs a Loop sampling sensor under the given initial
// configuration. cfg must already be valid (call cfg.Validate() first).
func NewLoop(sensor Sensor, cfg TrackerConfig) *Loop {
	return &Loop{
		sensor: sensor,
		clock:  time.Now,
		cfg:    cfg,
	}
}

// SetConfig honors a configuration change on the next iteration without
// restarting the loop (spec.md §4.3).
func (l *Loop) SetConfig(cfg TrackerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	l.cfgMu.Lock()
	defer l.cfgMu.Unlock()
	l.cfg = cfg
	if err := l.sensor.SetRanges(cfg.GyroRangeDps, cfg.AccelRangeG); err != nil {
		return fmt.Errorf("orientation: set ranges: %w", err)
	}
	if err := l.sensor.SetOutputDataRates(cfg.GyroDataRateHz, cfg.AccelDataRateHz); err != nil {
		return fmt.Errorf("orientation: set data rates: %w", err)
	}
	return l.sensor.SetIntegratedLowPassFilter(cfg.EnableLPF2)
}

func (l *Loop) config() TrackerConfig {
	l.cfgMu.Lock()
	defer l.cfgMu.Unlock()
	return l.cfg
}

// Latest returns the most recently stored orientation sample. The slot is
// a single atomic whole-value swap: readers never see a half-written
// value (spec.md §5).
func (l *Loop) Latest() Sample {
	l.sampleMu.RLock()
	defer l.sampleMu.RUnlock()
	return l.sample
}

// MissedDeadlines returns the wrap-at-65535 missed-deadline counter
// (spec.md §4.3's "reset-to-zero counter policy").
func (l *Loop) MissedDeadlines() uint16 {
	l.missedMu.Lock()
	defer l.missedMu.Unlock()
	return l.missedDeadlines
}

func (l *Loop) bumpMissed() {
	l.missedMu.Lock()
	defer l.missedMu.Unlock()
	l.missedDeadlines++
}

// Run executes the fusion loop until ctx is cancelled or a sensor read
// fails. A read error aborts the loop and is returned so the Coordinator
// can classify it as SubsystemFatal and tear down the active operation.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.sensor.Connect(); err != nil {
		return fmt.Errorf("orientation: connect: %w", err)
	}
	defer l.sensor.Close()

	cfg := l.config()
	if err := l.sensor.SetRanges(cfg.GyroRangeDps, cfg.AccelRangeG); err != nil {
		return fmt.Errorf("orientation: set ranges: %w", err)
	}
	if err := l.sensor.SetOutputDataRates(cfg.GyroDataRateHz, cfg.AccelDataRateHz); err != nil {
		return fmt.Errorf("orientation: set data rates: %w", err)
	}
	if err := l.sensor.SetIntegratedLowPassFilter(cfg.EnableLPF2); err != nil {
		return fmt.Errorf("orientation: set lpf2: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		cfg := l.config()
		now := l.clock()
		deadline := now.Add(time.Duration(float64(time.Second) / cfg.TrackingRateHz))

		gyro, accel, err := l.sensor.ReadGyroAccel()
		if err != nil {
			return fmt.Errorf("orientation: read: %w", err)
		}

		if cfg.EnableSimpleLPF {
			gyro, accel = l.lowPass(gyro, accel, cfg.Alpha)
		}

		var dt float64
		if l.lastUpdate.IsZero() {
			dt = 1 / cfg.TrackingRateHz
		} else {
			dt = now.Sub(l.lastUpdate).Seconds()
		}
		l.integrate(gyro, accel, dt)
		l.lastUpdate = now

		l.storeSample(cfg.Format)

		remaining := time.Until(deadline)
		if remaining <= 0 {
			l.bumpMissed()
			continue
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// lowPass applies the first-order complementary filter from spec.md §4.3
// step 2 to the raw gyro/accel readings themselves: v <- (1-a)*v_prev + a*v.
func (l *Loop) lowPass(gyro, accel [3]float64, alpha float64) ([3]float64, [3]float64) {
	if !l.hasPrev {
		l.prevGyro, l.prevAccel = gyro, accel
		l.hasPrev = true
		return gyro, accel
	}
	var fg, fa [3]float64
	for i := 0; i < 3; i++ {
		fg[i] = (1-alpha)*l.prevGyro[i] + alpha*gyro[i]
		fa[i] = (1-alpha)*l.prevAccel[i] + alpha*accel[i]
	}
	l.prevGyro, l.prevAccel = fg, fa
	return fg, fa
}

// complementaryTrust is the fixed gyro/accel blend weight for the AHRS
// attitude update (spec.md §4.3 step 3; spec.md's Non-goals forbid
// rewriting the attitude-filter math, so this stays the textbook simple
// complementary filter rather than a fancier estimator).
const complementaryTrust = 0.98

// integrate feeds the AHRS update: gyro integration for all three axes,
// corrected toward the accelerometer's gravity-vector tilt estimate for
// roll/pitch (accel alone cannot observe yaw).
func (l *Loop) integrate(gyro, accel [3]float64, dt float64) {
	l.roll += gyro[0] * dt
	l.pitch += gyro[1] * dt
	l.yaw += gyro[2] * dt

	accelRoll := math.Atan2(accel[1], accel[2])
	accelPitch := math.Atan2(-accel[0], math.Hypot(accel[1], accel[2]))

	l.roll = complementaryTrust*l.roll + (1-complementaryTrust)*accelRoll
	l.pitch = complementaryTrust*l.pitch + (1-complementaryTrust)*accelPitch
}

func (l *Loop) storeSample(format Format) {
	s := Sample{Format: format}
	switch format {
	case FormatEulerDegrees:
		s.Euler = [3]float64{
			l.roll * 180 / math.Pi,
			l.pitch * 180 / math.Pi,
			l.yaw * 180 / math.Pi,
		}
	case FormatQuaternion:
		s.Quat = eulerToQuaternion(l.roll, l.pitch, l.yaw)
	default: // FormatEulerRadians
		s.Euler = [3]float64{l.roll, l.pitch, l.yaw}
	}
	l.sampleMu.Lock()
	l.sample = s
	l.sampleMu.Unlock()
}

// eulerToQuaternion converts roll/pitch/yaw (radians, ZYX convention) to a
// (w, x, y, z) quaternion.
func eulerToQuaternion(roll, pitch, yaw float64) [4]float64 {
	cr, sr := math.Cos(roll*0.5), math.Sin(roll*0.5)
	cp, sp := math.Cos(pitch*0.5), math.Sin(pitch*0.5)
	cy, sy := math.Cos(yaw*0.5), math.Sin(yaw*0.5)

	return [4]float64{
		cr*cp*cy + sr*sp*sy, // w
		sr*cp*cy - cr*sp*sy, // x
		cr*sp*cy + sr*cp*sy, // y
		cr*cp*sy - sr*sp*cy, // z
	}
}
