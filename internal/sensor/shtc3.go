package sensor

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// SHTC3Addr is the fixed I2C address of the Sensirion SHTC3.
const SHTC3Addr = 0x70

// Command words, big-endian on the wire.
const (
	cmdWakeup        = 0x3517
	cmdSleep         = 0xB098
	cmdSoftReset     = 0x805D
	cmdReadID        = 0xEFC8
	cmdMeasureNormal = 0x7866 // temperature first, no clock stretching
	cmdMeasureLowPwr = 0x609C // temperature first, no clock stretching
)

const wakeupDelay = 240 * time.Microsecond

// ErrCRC is returned when a word read from the sensor fails its checksum.
var ErrCRC = errors.New("shtc3: crc mismatch")

// Bus is the subset of an I2C bus the driver needs. periph.io's i2c.Bus satisfies it.
type Bus interface {
	Tx(addr uint16, w, r []byte) error
}

// SHTC3 drives a Sensirion SHTC3 over I2C. The sensor sleeps between measurements.
type SHTC3 struct {
	bus  Bus
	addr uint16

	mu      sync.Mutex
	pending bool
}

// NewSHTC3 resets the sensor, checks its id register and puts it to sleep.
func NewSHTC3(bus Bus) (*SHTC3, error) {
	d := &SHTC3{bus: bus, addr: SHTC3Addr}

	if err := d.wake(); err != nil {
		return nil, err
	}
	if err := d.command(cmdSoftReset); err != nil {
		return nil, fmt.Errorf("shtc3 reset: %w", err)
	}
	time.Sleep(wakeupDelay)

	id, err := d.readID()
	if err != nil {
		return nil, err
	}
	// Bits 11 and 5:0 identify the part; 0b0000_1xxx_xx00_0111 for SHTC3.
	if id&0x083F != 0x0807 {
		return nil, fmt.Errorf("shtc3: unexpected id 0x%04x", id)
	}

	if err := d.command(cmdSleep); err != nil {
		return nil, fmt.Errorf("shtc3 sleep: %w", err)
	}
	return d, nil
}

// StartMeasurement wakes the sensor and issues a measurement command.
func (d *SHTC3) StartMeasurement(mode Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cmd := uint16(cmdMeasureNormal)
	if mode == ModeLowPower {
		cmd = cmdMeasureLowPwr
	}

	if err := d.wake(); err != nil {
		return err
	}
	if err := d.command(cmd); err != nil {
		return fmt.Errorf("shtc3 measure: %w", err)
	}
	d.pending = true
	return nil
}

// ReadMeasurement reads the pending result and puts the sensor back to sleep.
func (d *SHTC3) ReadMeasurement() (Reading, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.pending {
		return Reading{}, ErrNotStarted
	}
	d.pending = false

	buf := make([]byte, 6)
	if err := d.bus.Tx(d.addr, nil, buf); err != nil {
		return Reading{}, fmt.Errorf("shtc3 read: %w", err)
	}
	if err := d.command(cmdSleep); err != nil {
		return Reading{}, fmt.Errorf("shtc3 sleep: %w", err)
	}
	return decodeMeasurement(buf)
}

func (d *SHTC3) wake() error {
	if err := d.command(cmdWakeup); err != nil {
		return fmt.Errorf("shtc3 wakeup: %w", err)
	}
	time.Sleep(wakeupDelay)
	return nil
}

func (d *SHTC3) command(cmd uint16) error {
	return d.bus.Tx(d.addr, []byte{byte(cmd >> 8), byte(cmd)}, nil)
}

func (d *SHTC3) readID() (uint16, error) {
	buf := make([]byte, 3)
	if err := d.bus.Tx(d.addr, []byte{byte(cmdReadID >> 8), byte(cmdReadID & 0xFF)}, buf); err != nil {
		return 0, fmt.Errorf("shtc3 read id: %w", err)
	}
	return word(buf)
}

func decodeMeasurement(buf []byte) (Reading, error) {
	rawT, err := word(buf[0:3])
	if err != nil {
		return Reading{}, fmt.Errorf("temperature: %w", err)
	}
	rawRH, err := word(buf[3:6])
	if err != nil {
		return Reading{}, fmt.Errorf("humidity: %w", err)
	}
	return Reading{
		TemperatureCelsius:      -45 + 175*float64(rawT)/65536,
		RelativeHumidityPercent: 100 * float64(rawRH) / 65536,
	}, nil
}

// word validates a 2-byte big-endian value followed by its CRC byte.
func word(b []byte) (uint16, error) {
	if crc8(b[:2]) != b[2] {
		return 0, ErrCRC
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

// crc8 is the Sensirion checksum: polynomial 0x31, init 0xFF, no reflection.
func crc8(data []byte) byte {
	crc := byte(0xFF)
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x31
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
