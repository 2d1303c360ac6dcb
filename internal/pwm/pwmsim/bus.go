// Package pwmsim is an in-memory fake PWM peripheral for tests and
// -demo mode, grounded on the same package-local fake pattern as
// ecu.DemoProvider/gps.DemoGPS in the teacher repo: deterministic,
// no hardware, safe to construct in any test.
package pwmsim

import (
	"fmt"
	"sync"
)

// Bus records the last duty cycle written to each channel and the last
// configured frequency, so tests can assert on them.
type Bus struct {
	mu        sync.Mutex
	freqHz    float64
	duties    [16]uint16
	writeErr  error // if set, every SetDutyCycle call fails with this
	closed    bool
}

// New returns a ready-to-use fake bus.
func New() *Bus { return &Bus{} }

// FailWrites makes every subsequent SetDutyCycle call fail with err,
// simulating a peripheral write failure (spec.md §4.1: "Fails only if the
// peripheral write fails").
func (b *Bus) FailWrites(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeErr = err
}

func (b *Bus) SetFrequency(hz float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if hz <= 0 {
		return fmt.Errorf("pwmsim: frequency must be positive")
	}
	b.freqHz = hz
	return nil
}

func (b *Bus) SetDutyCycle(channel int, duty uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return b.writeErr
	}
	if channel < 0 || channel > 15 {
		return fmt.Errorf("pwmsim: channel %d out of [0,15]", channel)
	}
	b.duties[channel] = duty
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Duty returns the last duty cycle written to channel, for assertions.
func (b *Bus) Duty(channel int) uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.duties[channel]
}

// Frequency returns the last configured frequency.
func (b *Bus) Frequency() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.freqHz
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
