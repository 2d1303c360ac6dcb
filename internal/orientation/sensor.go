package orientation

// Sensor is the gyro+accel source the fusion loop samples, abstracted the
// same way the teacher repo abstracts ecu.Provider/gps.Provider behind an
// interface so the loop is hardware-free in tests.
type Sensor interface {
	Name() string
	Connect() error
	Close() error

	// ReadGyroAccel returns angular rate in rad/s and linear acceleration
	// in g, in sensor body axes (x, y, z).
	ReadGyroAccel() (gyro [3]float64, accel [3]float64, err error)

	// SetIntegratedLowPassFilter wraps the IMU's hardware LPF2 register
	// bit behind a named operation, per spec.md §9's design note — no raw
	// register access leaks past this adapter.
	SetIntegratedLowPassFilter(enabled bool) error

	// SetOutputDataRates configures the gyro/accel sample rates.
	SetOutputDataRates(gyroHz, accelHz int) error
	// SetRanges configures the gyro/accel full-scale ranges.
	SetRanges(gyroDps, accelG int) error
}
