// Package oscilloscope provides type definitions for oscilloscope waveforms
// and the conversion of raw sample codes to physical units
package oscilloscope

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// ErrMalformedPreamble is returned when a preamble field cannot be parsed or
// is inconsistent with the waveform it describes
var ErrMalformedPreamble = errors.New("malformed waveform preamble")

// Preamble is the instrument reported metadata describing how to convert
// raw sample codes to physical units.  Scale fields may drift between shots
// and are channel specific, so a preamble is queried for every readback.
type Preamble struct {
	// RecordLength is the number of points in the waveform record
	RecordLength int

	// PreTriggerOffset is the index of the trigger point in the record
	PreTriggerOffset int

	// TimeIncrement is the temporal sample spacing in seconds
	TimeIncrement float64

	// TimeZero is the sub-sample trigger correction in seconds
	TimeZero float64

	// VoltsPerLevel is the vertical scale, volts per sample code
	VoltsPerLevel float64

	// VoltZero is the reference voltage
	VoltZero float64

	// VerticalPosition is the reference position in sample codes (levels)
	VerticalPosition float64
}

// Validate checks that the preamble describes a usable record
func (p Preamble) Validate() error {
	if p.RecordLength < 1 {
		return errors.Wrapf(ErrMalformedPreamble, "record length %d", p.RecordLength)
	}
	for name, v := range map[string]float64{
		"time increment":    p.TimeIncrement,
		"time zero":         p.TimeZero,
		"volts per level":   p.VoltsPerLevel,
		"volt zero":         p.VoltZero,
		"vertical position": p.VerticalPosition,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Wrapf(ErrMalformedPreamble, "%s is %v", name, v)
		}
	}
	return nil
}

// Data is a moniker for an empty interface, expected to be a slice of a concrete
// numerical type, []int16 for binary transfers or []float64 for ASCII ones
type Data interface{}

// Converter computes the affine mapping from raw sample codes to time and voltage
type Converter struct {
	p Preamble

	tStart float64
	tStop  float64
}

// NewConverter returns a converter for p, or an error wrapping
// ErrMalformedPreamble if p fails validation
func NewConverter(p Preamble) (*Converter, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	tStart := -float64(p.PreTriggerOffset)*p.TimeIncrement + p.TimeZero
	return &Converter{
		p:      p,
		tStart: tStart,
		tStop:  tStart + float64(p.RecordLength)*p.TimeIncrement,
	}, nil
}

// Preamble returns the preamble the converter was built from
func (c *Converter) Preamble() Preamble {
	return c.p
}

// ScaledTime returns RecordLength evenly spaced times on [tStart, tStop).
// The endpoint is excluded; the last nominal point is never sampled.
func (c *Converter) ScaledTime() []float64 {
	n := c.p.RecordLength
	ret := make([]float64, n)
	step := (c.tStop - c.tStart) / float64(n)
	for i := 0; i < n; i++ {
		ret[i] = c.tStart + float64(i)*step
	}
	return ret
}

// ScaledVoltage converts raw sample codes to volts,
// (raw - VerticalPosition) * VoltsPerLevel + VoltZero
func (c *Converter) ScaledVoltage(raw Data) ([]float64, error) {
	codes, err := float64s(raw)
	if err != nil {
		return nil, err
	}
	if len(codes) != c.p.RecordLength {
		return nil, errors.Wrapf(ErrMalformedPreamble, "record length %d but %d samples were read", c.p.RecordLength, len(codes))
	}
	ret := make([]float64, len(codes))
	for i, v := range codes {
		ret[i] = (v-c.p.VerticalPosition)*c.p.VoltsPerLevel + c.p.VoltZero
	}
	return ret, nil
}

// float64s converts a slice of any numeric type to float64
func float64s(d Data) ([]float64, error) {
	// a lot of copy paste, but this gets us around the type system
	switch v := d.(type) {
	case []float64:
		return v, nil
	case []float32:
		ret := make([]float64, len(v))
		for i := range v {
			ret[i] = float64(v[i])
		}
		return ret, nil
	case []int8:
		ret := make([]float64, len(v))
		for i := range v {
			ret[i] = float64(v[i])
		}
		return ret, nil
	case []uint8:
		ret := make([]float64, len(v))
		for i := range v {
			ret[i] = float64(v[i])
		}
		return ret, nil
	case []int16:
		ret := make([]float64, len(v))
		for i := range v {
			ret[i] = float64(v[i])
		}
		return ret, nil
	case []uint16:
		ret := make([]float64, len(v))
		for i := range v {
			ret[i] = float64(v[i])
		}
		return ret, nil
	case []int32:
		ret := make([]float64, len(v))
		for i := range v {
			ret[i] = float64(v[i])
		}
		return ret, nil
	case []int:
		ret := make([]float64, len(v))
		for i := range v {
			ret[i] = float64(v[i])
		}
		return ret, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to physical units", d)
	}
}

// Trace is one channel of a shot in physical units
type Trace struct {
	// Channel is the 1-based channel number
	Channel int

	// Volts holds one voltage per point of the shot's time axis
	Volts []float64

	// Preamble is the preamble the trace was scaled with
	Preamble Preamble
}

// Shot is one completed single-sequence acquisition.  All traces share
// the time axis of the first channel read.
type Shot struct {
	// Time is the time of each sample in seconds, relative to the trigger
	Time []float64

	// Traces holds the channels in the order they were read
	Traces []Trace
}

// Len returns the number of points in the shot
func (s Shot) Len() int {
	return len(s.Time)
}
