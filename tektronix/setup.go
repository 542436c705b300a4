package tektronix

import (
	"fmt"
	"strconv"
)

// Setup holds the front panel configuration of a coincidence measurement.
// All values are SI: seconds, volts, hertz, ohms.  Zero valued optional
// fields leave the instrument's setting alone.
type Setup struct {
	// Reset issues *RST before anything else
	Reset bool `yaml:"Reset" koanf:"Reset"`

	// TimeGridLength is the horizontal scale, seconds per division
	TimeGridLength float64 `yaml:"TimeGridLength" koanf:"TimeGridLength"`

	// HorizontalPosition is the trigger position, percent of the record
	HorizontalPosition float64 `yaml:"HorizontalPosition" koanf:"HorizontalPosition"`

	// RecordLength and SampleRate, if either is nonzero,
	// put the horizontal system in manual mode
	RecordLength int     `yaml:"RecordLength" koanf:"RecordLength"`
	SampleRate   float64 `yaml:"SampleRate" koanf:"SampleRate"`

	// CH1Scale and CH2Scale are the vertical scales, volts per division
	CH1Scale float64 `yaml:"CH1Scale" koanf:"CH1Scale"`
	CH2Scale float64 `yaml:"CH2Scale" koanf:"CH2Scale"`

	// CH1Position and CH2Position are vertical positions, divisions
	CH1Position float64 `yaml:"CH1Position" koanf:"CH1Position"`
	CH2Position float64 `yaml:"CH2Position" koanf:"CH2Position"`

	// Termination is the input impedance of both channels, ohms
	Termination float64 `yaml:"Termination" koanf:"Termination"`

	// CH2TriggerLevel is the level of the A trigger, a falling edge on CH2
	CH2TriggerLevel float64 `yaml:"CH2TriggerLevel" koanf:"CH2TriggerLevel"`

	// CH1TriggerLevel is the level of the B trigger, a falling edge on CH1.
	// it is only used when DelayTime is nonzero.
	CH1TriggerLevel float64 `yaml:"CH1TriggerLevel" koanf:"CH1TriggerLevel"`

	// DelayTime, when nonzero, arms the B trigger this long after A
	DelayTime float64 `yaml:"DelayTime" koanf:"DelayTime"`

	// ResetTimeout resets the A->B sequence if B has not fired in this long
	ResetTimeout float64 `yaml:"ResetTimeout" koanf:"ResetTimeout"`
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'E', -1, 64)
}

// Commands builds the ordered list of commands that apply the setup
func (s Setup) Commands() []string {
	var cmds []string
	if s.Reset {
		cmds = append(cmds, "*RST")
	}
	cmds = append(cmds, "DISplay:WAVEView1:CH2:STATE ON")
	if s.Termination != 0 {
		cmds = append(cmds,
			"CH1:TERmination "+num(s.Termination),
			"CH2:TERmination "+num(s.Termination))
	}

	// horizontal
	if s.RecordLength != 0 || s.SampleRate != 0 {
		cmds = append(cmds, "HORizontal:MODE MANual")
		if s.RecordLength != 0 {
			cmds = append(cmds, "HORizontal:MODE:RECOrdlength "+strconv.Itoa(s.RecordLength))
		}
		if s.SampleRate != 0 {
			cmds = append(cmds, "HORizontal:SAMPLERate "+num(s.SampleRate))
		}
	}
	if s.TimeGridLength != 0 {
		cmds = append(cmds, "HORizontal:SCAle "+num(s.TimeGridLength))
	}
	cmds = append(cmds, "HORizontal:POSition "+num(s.HorizontalPosition))

	// vertical
	for i, ch := range []struct{ scale, pos float64 }{{s.CH1Scale, s.CH1Position}, {s.CH2Scale, s.CH2Position}} {
		if ch.scale != 0 {
			cmds = append(cmds, fmt.Sprintf("CH%d:SCAle %s", i+1, num(ch.scale)))
		}
		cmds = append(cmds, fmt.Sprintf("CH%d:POSition %s", i+1, num(ch.pos)))
	}

	// trigger
	if s.DelayTime != 0 {
		cmds = append(cmds, "TRIGger:B:STATE ON")
	}
	cmds = append(cmds, "TRIGger:A:EDGE:SLOpe FALL")
	if s.DelayTime != 0 {
		cmds = append(cmds, "TRIGger:B:EDGE:SLOpe FALL")
	}
	cmds = append(cmds, "TRIGger:A:EDGE:SOUrce CH2")
	if s.DelayTime != 0 {
		cmds = append(cmds, "TRIGger:B:LEVel:CH1 "+num(s.CH1TriggerLevel))
	}
	cmds = append(cmds, "TRIGger:A:LEVel:CH2 "+num(s.CH2TriggerLevel))
	if s.DelayTime != 0 {
		cmds = append(cmds, "TRIGger:B:TIMe "+num(s.DelayTime))
		if s.ResetTimeout != 0 {
			cmds = append(cmds,
				"TRIGger:B:RESET:TYPe TIMEOut",
				"TRIGger:B:RESET:TIMEOut:TIMe "+num(s.ResetTimeout))
		}
	}
	return cmds
}
