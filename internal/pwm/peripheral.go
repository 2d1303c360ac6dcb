package pwm

// Peripheral is the I²C PWM chip abstraction the Driver writes duty cycles
// to. Real hardware is internal/pwm/pca9685; internal/pwm/pwmsim is the
// in-memory fake used in tests and -demo mode — the same Provider-behind-an-
// interface split the teacher repo uses for its ECU/GPS backends.
type Peripheral interface {
	// SetDutyCycle writes a 16-bit duty cycle (0..65535) to the given
	// output channel (0..15).
	SetDutyCycle(channel int, duty uint16) error
	// SetFrequency configures the peripheral's PWM frequency in Hz.
	SetFrequency(hz float64) error
	// Close releases the underlying bus handle, if any.
	Close() error
}
