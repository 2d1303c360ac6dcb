// Package pca9685 drives a PCA9685 16-channel I²C PWM peripheral over
// Linux's /dev/i2c-N character device. No host-side I²C library exists in
// the retrieved corpus (tinygo.org/x/drivers targets bare-metal TinyGo
// boards with no os/exec process-fork or net sockets, both of which this
// daemon needs elsewhere), so the bus is written directly against the
// kernel ioctl the way any Linux I²C client must — see DESIGN.md.
package pca9685

import (
	"fmt"
	"math"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	i2cSlave = 0x0703 // I2C_SLAVE ioctl request

	regMode1    = 0x00
	regMode2    = 0x01
	regPrescale = 0xFE
	regLed0OnL  = 0x06

	oscillatorHz = 25_000_000.0
)

// Bus is a PCA9685 peripheral reached over a given I²C bus device and
// 7-bit address. It implements pwm.Peripheral.
type Bus struct {
	mu   sync.Mutex
	f    *os.File
	addr uintptr
}

// Open opens /dev/i2c-<busNum> and selects addr (typically 0x40) as the
// active slave for all subsequent register writes.
func Open(busNum int, addr uint8) (*Bus, error) {
	path := fmt.Sprintf("/dev/i2c-%d", busNum)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("pca9685: open %s: %w", path, err)
	}
	b := &Bus{f: f, addr: uintptr(addr)}
	if err := b.selectSlave(); err != nil {
		f.Close()
		return nil, err
	}
	if err := b.writeReg(regMode1, 0x20); err != nil { // auto-increment on
		f.Close()
		return nil, fmt.Errorf("pca9685: init mode1: %w", err)
	}
	if err := b.writeReg(regMode2, 0x04); err != nil { // totem-pole outputs
		f.Close()
		return nil, fmt.Errorf("pca9685: init mode2: %w", err)
	}
	return b, nil
}

func (b *Bus) selectSlave() error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, b.f.Fd(), uintptr(i2cSlave), b.addr)
	if errno != 0 {
		return fmt.Errorf("pca9685: I2C_SLAVE ioctl: %w", errno)
	}
	return nil
}

func (b *Bus) writeReg(reg, value byte) error {
	_, err := b.f.Write([]byte{reg, value})
	return err
}

// SetFrequency sets the PCA9685 prescaler to target hz, per the datasheet
// formula prescale = round(osc_clock / (4096 * hz)) - 1. The chip must be
// put to sleep to change the prescaler, then restarted.
func (b *Bus) SetFrequency(hz float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if hz <= 0 {
		return fmt.Errorf("pca9685: frequency must be positive, got %v", hz)
	}
	prescale := byte(math.Round(oscillatorHz/(4096*hz)) - 1)

	if err := b.writeReg(regMode1, 0x10); err != nil { // sleep
		return fmt.Errorf("pca9685: sleep: %w", err)
	}
	if err := b.writeReg(regPrescale, prescale); err != nil {
		return fmt.Errorf("pca9685: prescale: %w", err)
	}
	if err := b.writeReg(regMode1, 0x20); err != nil { // wake, auto-increment
		return fmt.Errorf("pca9685: wake: %w", err)
	}
	return nil
}

// SetDutyCycle writes the 12-bit-equivalent ON/OFF registers for channel
// (0..15) from a 16-bit duty cycle, spreading the ON edge across channels
// by channel index to avoid every channel switching simultaneously.
func (b *Bus) SetDutyCycle(channel int, duty uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if channel < 0 || channel > 15 {
		return fmt.Errorf("pca9685: channel %d out of [0,15]", channel)
	}
	onTicks := uint16(channel) * (4096 / 16) % 4096
	offTicks := (onTicks + uint16(uint32(duty)*4096/65536)) % 4096

	reg := regLed0OnL + byte(channel)*4
	payload := []byte{
		reg,
		byte(onTicks & 0xFF), byte(onTicks >> 8),
		byte(offTicks & 0xFF), byte(offTicks >> 8),
	}
	if _, err := b.f.Write(payload); err != nil {
		return fmt.Errorf("pca9685: write channel %d: %w", channel, err)
	}
	return nil
}

// Close closes the underlying device file.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return nil
	}
	err := b.f.Close()
	b.f = nil
	return err
}
