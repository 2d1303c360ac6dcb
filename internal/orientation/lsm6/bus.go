// Package lsm6 reads an LSM6-family gyro+accelerometer over Linux's
// /dev/i2c-N character device, following the same raw ioctl approach as
// internal/pwm/pca9685 — see DESIGN.md for why no host I²C library from
// the corpus covers this.
package lsm6

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	i2cSlave = 0x0703 // I2C_SLAVE ioctl request

	regCtrl1XL  = 0x10 // accel ODR + full-scale
	regCtrl2G   = 0x11 // gyro ODR + full-scale
	regCtrl6C   = 0x15 // gyro LPF1 bandwidth
	regOutXLG   = 0x22 // gyro X low byte, 6 bytes gyro then 6 bytes accel
	regOutXLXL  = 0x28 // accel X low byte
)

// odrCodes maps a data rate in Hz to the CTRL1_XL/CTRL2_G ODR nibble
// (shifted into bits 7:4), per the LSM6DS3 datasheet table.
var odrCodes = map[int]byte{
	104:  0x04,
	208:  0x05,
	416:  0x06,
	833:  0x07,
	1666: 0x08,
	3333: 0x09,
	6666: 0x0A,
}

// gyroFSCodes maps gyro full-scale dps to the CTRL2_G FS_G bits (3:2).
var gyroFSCodes = map[int]byte{
	250:  0x00,
	500:  0x01,
	1000: 0x02,
	2000: 0x03,
}

// accelFSCodes maps accel full-scale g to the CTRL1_XL FS_XL bits (3:2).
var accelFSCodes = map[int]byte{
	2:  0x00,
	4:  0x02,
	8:  0x03,
	16: 0x01,
}

// Bus is an LSM6-family sensor reached over a given I²C bus device and
// 7-bit address (typically 0x6A or 0x6B). It implements orientation.Sensor.
type Bus struct {
	mu   sync.Mutex
	f    *os.File
	addr uintptr

	gyroFS  int // dps, for raw-to-rad/s scaling
	accelFS int // g, for raw-to-g scaling
	lpf2    bool
}

// Open opens /dev/i2c-<busNum> and selects addr as the active slave.
func Open(busNum int, addr uint8) (*Bus, error) {
	path := fmt.Sprintf("/dev/i2c-%d", busNum)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("lsm6: open %s: %w", path, err)
	}
	b := &Bus{f: f, addr: uintptr(addr), gyroFS: 2000, accelFS: 16}
	if err := b.selectSlave(); err != nil {
		f.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bus) selectSlave() error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, b.f.Fd(), uintptr(i2cSlave), b.addr)
	if errno != 0 {
		return fmt.Errorf("lsm6: I2C_SLAVE ioctl: %w", errno)
	}
	return nil
}

func (b *Bus) Name() string { return "LSM6 (I2C)" }

// Connect is a no-op beyond Open: the bus is already selected and ready to
// be configured via SetRanges/SetOutputDataRates/SetIntegratedLowPassFilter.
func (b *Bus) Connect() error { return nil }

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

func (b *Bus) writeReg(reg, value byte) error {
	_, err := b.f.Write([]byte{reg, value})
	return err
}

func (b *Bus) readBlock(startReg byte, n int) ([]byte, error) {
	if _, err := b.f.Write([]byte{startReg}); err != nil {
		return nil, fmt.Errorf("lsm6: select register 0x%02x: %w", startReg, err)
	}
	buf := make([]byte, n)
	if _, err := b.f.Read(buf); err != nil {
		return nil, fmt.Errorf("lsm6: read %d bytes from 0x%02x: %w", n, startReg, err)
	}
	return buf, nil
}

// SetRanges configures the gyro/accel full-scale ranges.
func (b *Bus) SetRanges(gyroDps, accelG int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	gfs, ok := gyroFSCodes[gyroDps]
	if !ok {
		return fmt.Errorf("lsm6: unsupported gyro range %d dps", gyroDps)
	}
	afs, ok := accelFSCodes[accelG]
	if !ok {
		return fmt.Errorf("lsm6: unsupported accel range %d g", accelG)
	}
	odrG, err := b.readBlock(regCtrl2G, 1)
	if err != nil {
		return err
	}
	odrXL, err := b.readBlock(regCtrl1XL, 1)
	if err != nil {
		return err
	}
	if err := b.writeReg(regCtrl2G, (odrG[0]&0xF0)|(gfs<<2)); err != nil {
		return fmt.Errorf("lsm6: ctrl2_g: %w", err)
	}
	if err := b.writeReg(regCtrl1XL, (odrXL[0]&0xF0)|(afs<<2)); err != nil {
		return fmt.Errorf("lsm6: ctrl1_xl: %w", err)
	}
	b.gyroFS, b.accelFS = gyroDps, accelG
	return nil
}

// SetOutputDataRates configures the gyro/accel sample rates.
func (b *Bus) SetOutputDataRates(gyroHz, accelHz int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	gCode, ok := odrCodes[gyroHz]
	if !ok {
		return fmt.Errorf("lsm6: unsupported gyro data rate %d Hz", gyroHz)
	}
	aCode, ok := odrCodes[accelHz]
	if !ok {
		return fmt.Errorf("lsm6: unsupported accel data rate %d Hz", accelHz)
	}
	fsG, err := b.readBlock(regCtrl2G, 1)
	if err != nil {
		return err
	}
	fsXL, err := b.readBlock(regCtrl1XL, 1)
	if err != nil {
		return err
	}
	if err := b.writeReg(regCtrl2G, (gCode<<4)|(fsG[0]&0x0F)); err != nil {
		return fmt.Errorf("lsm6: ctrl2_g odr: %w", err)
	}
	if err := b.writeReg(regCtrl1XL, (aCode<<4)|(fsXL[0]&0x0F)); err != nil {
		return fmt.Errorf("lsm6: ctrl1_xl odr: %w", err)
	}
	return nil
}

// SetIntegratedLowPassFilter toggles the gyro's onboard LPF1, per
// orientation.Sensor's named wrapper over the raw CTRL6_C register bit.
func (b *Bus) SetIntegratedLowPassFilter(enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lpf2 = enabled
	var v byte
	if enabled {
		v = 0x10 // FTYPE bit, moderate bandwidth
	}
	if err := b.writeReg(regCtrl6C, v); err != nil {
		return fmt.Errorf("lsm6: ctrl6_c: %w", err)
	}
	return nil
}

// ReadGyroAccel reads the 6 gyro + 6 accel output registers in one block
// read and converts raw int16 counts to rad/s and g using the configured
// full-scale ranges.
func (b *Bus) ReadGyroAccel() ([3]float64, [3]float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, err := b.readBlock(regOutXLG, 12)
	if err != nil {
		return [3]float64{}, [3]float64{}, err
	}

	gyroScale := (float64(b.gyroFS) / 32768.0) * (math.Pi / 180.0) // dps/LSB -> rad/s
	accelScale := float64(b.accelFS) / 32768.0                     // g/LSB

	var gyro, accel [3]float64
	for i := 0; i < 3; i++ {
		raw16 := int16(binary.LittleEndian.Uint16(raw[i*2 : i*2+2]))
		gyro[i] = float64(raw16) * gyroScale
	}
	for i := 0; i < 3; i++ {
		raw16 := int16(binary.LittleEndian.Uint16(raw[6+i*2 : 6+i*2+2]))
		accel[i] = float64(raw16) * accelScale
	}
	return gyro, accel, nil
}
