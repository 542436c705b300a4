package tektronix

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/nasa-jpl/muonscope/oscilloscope"
)

const (
	muonLifetime = 2.197e-6 // seconds, at rest
	mockNoise    = 40.      // sample codes, RMS
	mockPulse    = -9000.   // sample codes, peak
	mockRise     = 4e-9     // seconds
)

// Mock is a simulated scope that stops a few polls after being armed and
// serves two channel records containing a muon pulse and its decay electron.
type Mock struct {
	sync.Mutex

	// Polls is how many acquisition state queries report running after Arm
	Polls int

	// Pre is the preamble served for every channel
	Pre oscilloscope.Preamble

	rng      *rand.Rand
	enc      Encoding
	source   int
	polls    int
	decay    float64
	received []string
}

// NewMock returns a mock scope with a 1250 point record and a trigger at
// 10% of the record, as produced by the coincidence setup
func NewMock() *Mock {
	return &Mock{
		Polls: 2,
		Pre: oscilloscope.Preamble{
			RecordLength:     1250,
			PreTriggerOffset: 125,
			TimeIncrement:    3.2e-8,
			VoltsPerLevel:    1.5625e-6,
			VerticalPosition: 0,
		},
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Identify returns a fixed identity string
func (m *Mock) Identify() (string, error) {
	return "TEKTRONIX,MOCK,0,0", nil
}

// Configure records cmds
func (m *Mock) Configure(cmds []string) error {
	m.Lock()
	defer m.Unlock()
	m.received = append(m.received, cmds...)
	return nil
}

// Received returns every command sent to the mock by Configure
func (m *Mock) Received() []string {
	m.Lock()
	defer m.Unlock()
	return append([]string(nil), m.received...)
}

// SetEncoding sets the encoding Curve replies in
func (m *Mock) SetEncoding(enc Encoding) error {
	m.Lock()
	defer m.Unlock()
	m.enc = enc
	return nil
}

// Arm starts a new simulated shot with a random decay time
func (m *Mock) Arm() error {
	m.Lock()
	defer m.Unlock()
	m.polls = 0
	m.decay = m.rng.ExpFloat64() * muonLifetime
	return nil
}

// AcquisitionState reports running for m.Polls queries after Arm
func (m *Mock) AcquisitionState() (string, error) {
	m.Lock()
	defer m.Unlock()
	m.polls++
	if m.polls > m.Polls {
		return StateStopped, nil
	}
	return StateRunning, nil
}

// SetSource selects the channel Curve describes
func (m *Mock) SetSource(channel int) error {
	m.Lock()
	defer m.Unlock()
	m.source = channel
	return nil
}

// Preamble returns m.Pre
func (m *Mock) Preamble() (oscilloscope.Preamble, error) {
	m.Lock()
	defer m.Unlock()
	return m.Pre, nil
}

// Curve returns noise with a pulse at the trigger on CH2 and
// a second pulse at the decay time on CH1
func (m *Mock) Curve() (oscilloscope.Data, error) {
	m.Lock()
	defer m.Unlock()
	p := m.Pre
	codes := make([]float64, p.RecordLength)
	for i := range codes {
		t := float64(i-p.PreTriggerOffset)*p.TimeIncrement + p.TimeZero
		v := p.VerticalPosition + m.rng.NormFloat64()*mockNoise
		if m.source == 1 {
			t -= m.decay
		}
		if t >= 0 {
			v += mockPulse * math.Exp(-t/mockRise)
		}
		codes[i] = math.Round(v)
	}
	if m.enc == ASCII {
		return codes, nil
	}
	ary := make([]int16, len(codes))
	for i, v := range codes {
		ary[i] = int16(math.Max(math.MinInt16, math.Min(math.MaxInt16, v)))
	}
	return ary, nil
}
