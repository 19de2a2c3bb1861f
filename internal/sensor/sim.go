package sensor

import (
	"math"
	"sync"
)

// Simulated produces a slow deterministic drift around a base point. It is used
// on hosts without a sensor bus.
type Simulated struct {
	BaseTemperature float64
	BaseHumidity    float64

	mu      sync.Mutex
	step    int
	pending bool
}

// NewSimulated returns a simulated sensor centred on 21.5 °C / 55 %RH.
func NewSimulated() *Simulated {
	return &Simulated{BaseTemperature: 21.5, BaseHumidity: 55}
}

func (s *Simulated) StartMeasurement(Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = true
	return nil
}

func (s *Simulated) ReadMeasurement() (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pending {
		return Reading{}, ErrNotStarted
	}
	s.pending = false

	phase := float64(s.step) / 20
	s.step++

	return Reading{
		TemperatureCelsius:      round2(s.BaseTemperature + 0.8*math.Sin(phase)),
		RelativeHumidityPercent: clampHumidity(round2(s.BaseHumidity + 3*math.Cos(phase))),
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clampHumidity(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
