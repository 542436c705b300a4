package oscilloscope_test

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/nasa-jpl/muonscope/oscilloscope"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

func muonPreamble() oscilloscope.Preamble {
	return oscilloscope.Preamble{
		RecordLength:     4,
		PreTriggerOffset: 1,
		TimeIncrement:    1e-9,
		TimeZero:         0,
		VoltsPerLevel:    0.004,
		VoltZero:         0,
		VerticalPosition: 4.0,
	}
}

func ExampleConverter_ScaledVoltage() {
	conv, _ := oscilloscope.NewConverter(muonPreamble())
	v, _ := conv.ScaledVoltage([]int16{1000, 1002, 998, 1001})
	for _, x := range v {
		fmt.Printf("%.3f\n", x)
	}
	// Output:
	// 3.984
	// 3.992
	// 3.976
	// 3.988
}

func TestScaledTimeEndToEnd(t *testing.T) {
	conv, err := oscilloscope.NewConverter(muonPreamble())
	if err != nil {
		t.Fatal(err)
	}
	expected := []float64{-1e-9, 0, 1e-9, 2e-9}
	if diff := cmp.Diff(expected, conv.ScaledTime(), cmpopts.EquateApprox(0, 1e-18)); diff != "" {
		t.Errorf("unexpected time axis (-want +got):\n%s", diff)
	}
}

func TestScaledVoltageEndToEnd(t *testing.T) {
	conv, err := oscilloscope.NewConverter(muonPreamble())
	if err != nil {
		t.Fatal(err)
	}
	v, err := conv.ScaledVoltage([]float64{1000, 1002, 998, 1001})
	if err != nil {
		t.Fatal(err)
	}
	expected := []float64{3.984, 3.992, 3.976, 3.988}
	if diff := cmp.Diff(expected, v, approx); diff != "" {
		t.Errorf("unexpected voltages (-want +got):\n%s", diff)
	}
}

func TestScaledTimeSpacing(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 100; trial++ {
		p := oscilloscope.Preamble{
			RecordLength:     1 + rng.Intn(5000),
			PreTriggerOffset: rng.Intn(5000),
			TimeIncrement:    math.Pow(10, -12+6*rng.Float64()),
			TimeZero:         (rng.Float64() - 0.5) * 1e-9,
			VoltsPerLevel:    1,
		}
		conv, err := oscilloscope.NewConverter(p)
		if err != nil {
			t.Fatal(err)
		}
		ts := conv.ScaledTime()
		if len(ts) != p.RecordLength {
			t.Fatalf("expected %d points got %d", p.RecordLength, len(ts))
		}
		start := -float64(p.PreTriggerOffset)*p.TimeIncrement + p.TimeZero
		if math.Abs(ts[0]-start) > 1e-9*p.TimeIncrement+1e-24 {
			t.Errorf("expected first point %g got %g", start, ts[0])
		}
		for i := 0; i < len(ts)-1; i++ {
			dt := ts[i+1] - ts[i]
			if math.Abs(dt-p.TimeIncrement) > 1e-6*p.TimeIncrement {
				t.Fatalf("trial %d: spacing at %d was %g, expected %g", trial, i, dt, p.TimeIncrement)
			}
		}
	}
}

func TestScaledVoltageIsAffine(t *testing.T) {
	p := muonPreamble()
	p.RecordLength = 64
	p.VoltZero = 0.125
	conv, err := oscilloscope.NewConverter(p)
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(2))
	raw := make([]float64, p.RecordLength)
	for i := range raw {
		raw[i] = float64(rng.Intn(65536) - 32768)
	}
	base, err := conv.ScaledVoltage(raw)
	if err != nil {
		t.Fatal(err)
	}

	// scaling the codes about the reference position scales (v - VoltZero)
	const k = 3.
	scaled := make([]float64, len(raw))
	for i := range raw {
		scaled[i] = (raw[i]-p.VerticalPosition)*k + p.VerticalPosition
	}
	got, err := conv.ScaledVoltage(scaled)
	if err != nil {
		t.Fatal(err)
	}
	for i := range got {
		want := (base[i] - p.VoltZero) * k
		if math.Abs((got[i]-p.VoltZero)-want) > 1e-9*math.Max(1, math.Abs(want)) {
			t.Errorf("sample %d: expected %g got %g", i, want, got[i]-p.VoltZero)
		}
	}

	// codes sitting at the reference position come out at VoltZero
	flat := make([]float64, len(raw))
	for i := range flat {
		flat[i] = p.VerticalPosition
	}
	got, err = conv.ScaledVoltage(flat)
	if err != nil {
		t.Fatal(err)
	}
	for i := range got {
		if got[i] != p.VoltZero {
			t.Errorf("sample %d: expected %g got %g", i, p.VoltZero, got[i])
		}
	}
}

func TestScaledVoltageLengthMismatch(t *testing.T) {
	conv, err := oscilloscope.NewConverter(muonPreamble())
	if err != nil {
		t.Fatal(err)
	}
	_, err = conv.ScaledVoltage([]int16{1, 2, 3})
	if !errors.Is(err, oscilloscope.ErrMalformedPreamble) {
		t.Errorf("expected ErrMalformedPreamble, got %v", err)
	}
}

func TestNewConverterRejectsBadPreambles(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*oscilloscope.Preamble)
	}{
		{"zero record length", func(p *oscilloscope.Preamble) { p.RecordLength = 0 }},
		{"NaN increment", func(p *oscilloscope.Preamble) { p.TimeIncrement = math.NaN() }},
		{"infinite scale", func(p *oscilloscope.Preamble) { p.VoltsPerLevel = math.Inf(1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := muonPreamble()
			tt.mod(&p)
			if _, err := oscilloscope.NewConverter(p); !errors.Is(err, oscilloscope.ErrMalformedPreamble) {
				t.Errorf("expected ErrMalformedPreamble, got %v", err)
			}
		})
	}
}

func TestScaledVoltageRejectsNonNumeric(t *testing.T) {
	conv, err := oscilloscope.NewConverter(muonPreamble())
	if err != nil {
		t.Fatal(err)
	}
	if _, err = conv.ScaledVoltage([]string{"a", "b", "c", "d"}); err == nil {
		t.Error("expected an error converting strings")
	}
}
