package slave

import (
	"math/rand"
	"sync"
	"time"

	"bmsnet/internal/model"
)

// Simulated produces plausible readings for host runs without acquisition
// hardware.
type Simulated struct {
	cells   int
	temps   int
	nominal float32
	spread  float32
	temp    float32

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewSimulated(id model.Identity, nominal, spread, temp float32) *Simulated {
	return &Simulated{
		cells:   int(id.CellCount),
		temps:   int(id.TempCount),
		nominal: nominal,
		spread:  spread,
		temp:    temp,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Simulated) Measure() (model.Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := model.Measurement{
		CellVoltages: make([]float32, s.cells),
		Temperatures: make([]float32, s.temps),
	}
	for i := range m.CellVoltages {
		v := s.nominal + s.spread*(s.rnd.Float32()-0.5)
		m.CellVoltages[i] = clamp(v, model.MinCellVoltage, model.MaxCellVoltage)
		m.StringVoltage += m.CellVoltages[i]
	}
	for i := range m.Temperatures {
		m.Temperatures[i] = clamp(s.temp+(s.rnd.Float32()-0.5), model.MinTemperature, model.MaxTemperature)
	}
	return m, nil
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Static always reports the same snapshot.
type Static struct {
	M model.Measurement
}

func (s Static) Measure() (model.Measurement, error) {
	out := s.M
	out.CellVoltages = append([]float32(nil), s.M.CellVoltages...)
	out.Temperatures = append([]float32(nil), s.M.Temperatures...)
	return out, nil
}
