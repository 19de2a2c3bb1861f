// Package sensor provides temperature/humidity transducer drivers.
package sensor

import "errors"

// Mode selects the measurement power mode.
type Mode int

const (
	// ModeNormal trades power for repeatability.
	ModeNormal Mode = iota
	// ModeLowPower measures faster with lower repeatability.
	ModeLowPower
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeLowPower:
		return "low-power"
	default:
		return "unknown"
	}
}

// ErrNotStarted is returned by ReadMeasurement when no measurement is pending.
var ErrNotStarted = errors.New("sensor: no measurement in progress")

// Reading is a measurement in physical units.
type Reading struct {
	TemperatureCelsius      float64
	RelativeHumidityPercent float64
}

// Sensor is a two-phase measurement driver. Callers start a measurement, wait the
// settling delay, then read it back.
type Sensor interface {
	StartMeasurement(mode Mode) error
	ReadMeasurement() (Reading, error)
}
