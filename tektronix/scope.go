// Package tektronix provides access to Tektronix MSO 4/5/6 series oscilloscopes
package tektronix

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"

	"github.com/nasa-jpl/muonscope/comm"
	"github.com/nasa-jpl/muonscope/oscilloscope"
	"github.com/nasa-jpl/muonscope/scpi"
)

// DefaultPort is the raw socket port of the scope's SCPI server
const DefaultPort = "4000"

// StateStopped and StateRunning are the replies to ACQuire:STATE?
const (
	StateStopped = "0"
	StateRunning = "1"
)

// Encoding is the waveform transfer encoding, a session-level setting
type Encoding int

const (
	// ASCII transfers comma separated decimal sample codes
	ASCII Encoding = iota

	// Binary transfers signed 16-bit big-endian sample codes
	Binary
)

func (e Encoding) String() string {
	switch e {
	case ASCII:
		return "ascii"
	case Binary:
		return "binary"
	default:
		return "Encoding(" + strconv.Itoa(int(e)) + ")"
	}
}

// ParseEncoding converts "ascii" or "binary" (any case) to an Encoding
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(s) {
	case "ascii", "":
		return ASCII, nil
	case "binary", "ribinary":
		return Binary, nil
	default:
		return ASCII, fmt.Errorf("unknown waveform encoding %q", s)
	}
}

// Scope is an interface to a Tektronix oscilloscope
type Scope struct {
	scpi.SCPI

	// Reply, if not nil, is called with the reply to every query issued by Configure
	Reply func(cmd, resp string)

	enc Encoding
}

// NewScope creates a new scope instance.  addr is host or host:port for
// network instruments; if connectSerial is true it is a serial device path.
func NewScope(addr string, connectSerial bool, timeout time.Duration) *Scope {
	var maker comm.CreationFunc
	if connectSerial {
		maker = comm.SerialConnMaker(&serial.Config{Name: addr, Baud: 9600, ReadTimeout: timeout})
	} else {
		if !strings.Contains(addr, ":") {
			addr = addr + ":" + DefaultPort
		}
		maker = comm.BackingOffTCPConnMaker(addr, 3*time.Second)
	}
	pool := comm.NewPool(1, time.Hour, maker)
	return &Scope{SCPI: scpi.SCPI{Pool: pool, ErrorQuery: "*ESR?", Timeout: timeout}}
}

// Identify returns the reply to *IDN?
func (s *Scope) Identify() (string, error) {
	return s.ReadString("*IDN?")
}

// Reset restores the factory default setup
func (s *Scope) Reset() error {
	return s.Write("*RST")
}

// Configure sends a list of commands in order.  Commands containing a ?
// are queries; their replies are passed to s.Reply.
func (s *Scope) Configure(cmds []string) error {
	for _, c := range cmds {
		if strings.Contains(c, "?") {
			resp, err := s.ReadString(c)
			if err != nil {
				return err
			}
			if s.Reply != nil {
				s.Reply(c, resp)
			}
			continue
		}
		if err := s.Write(c); err != nil {
			return err
		}
	}
	return nil
}

// SetEncoding sets the waveform transfer encoding used by Curve
func (s *Scope) SetEncoding(enc Encoding) error {
	var err error
	switch enc {
	case ASCII:
		err = s.Write("DATa:ENCdg ASCIi")
	case Binary:
		err = s.Configure([]string{"DATa:ENCdg RIBinary", "WFMOutpre:BYT_Nr 2"})
	default:
		return fmt.Errorf("unknown waveform encoding %v", enc)
	}
	if err != nil {
		return err
	}
	s.enc = enc
	return nil
}

// Encoding returns the waveform transfer encoding in use
func (s *Scope) Encoding() Encoding {
	return s.enc
}

// Arm enables acquisition and stops after a single sequence
func (s *Scope) Arm() error {
	if err := s.Write("ACQuire:STATE ON"); err != nil {
		return err
	}
	return s.Write("ACQuire:STOPAfter SEQuence")
}

// AcquisitionState returns the reply to ACQuire:STATE?, StateStopped once
// a single sequence has completed
func (s *Scope) AcquisitionState() (string, error) {
	return s.ReadString("ACQuire:STATE?")
}

// SetSource selects the channel (1-based) that Preamble and Curve describe
func (s *Scope) SetSource(channel int) error {
	return s.Write("DATa:SOUrce", "CH"+strconv.Itoa(channel))
}

// Preamble queries the outgoing waveform preamble of the current source
func (s *Scope) Preamble() (oscilloscope.Preamble, error) {
	var p oscilloscope.Preamble
	ints := []struct {
		cmd string
		dst *int
	}{
		{"WFMOutpre:NR_Pt?", &p.RecordLength},
		{"WFMOutpre:PT_Off?", &p.PreTriggerOffset},
	}
	for _, f := range ints {
		str, err := s.ReadString(f.cmd)
		if err != nil {
			return p, err
		}
		// some firmware report integers in NR3 form, e.g. 1.25E+3
		v, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
		if err != nil || math.IsNaN(v) || v != math.Trunc(v) || v < math.MinInt || v >= -math.MinInt {
			return p, errors.Wrapf(oscilloscope.ErrMalformedPreamble, "%s returned %q", f.cmd, str)
		}
		*f.dst = int(v)
	}
	floats := []struct {
		cmd string
		dst *float64
	}{
		{"WFMOutpre:XINcr?", &p.TimeIncrement},
		{"WFMOutpre:XZEro?", &p.TimeZero},
		{"WFMOutpre:YMUlt?", &p.VoltsPerLevel},
		{"WFMOutpre:YZEro?", &p.VoltZero},
		{"WFMOutpre:YOFf?", &p.VerticalPosition},
	}
	for _, f := range floats {
		str, err := s.ReadString(f.cmd)
		if err != nil {
			return p, err
		}
		*f.dst, err = strconv.ParseFloat(strings.TrimSpace(str), 64)
		if err != nil {
			return p, errors.Wrapf(oscilloscope.ErrMalformedPreamble, "%s returned %q", f.cmd, str)
		}
	}
	return p, nil
}

// Curve transfers the waveform record of the current source in the
// session's encoding.  ASCII transfers yield []float64, binary []int16.
func (s *Scope) Curve() (oscilloscope.Data, error) {
	if s.enc == ASCII {
		return s.ReadASCIIValues("CURVe?")
	}
	buf, err := s.ReadBlock("CURVe?")
	if err != nil {
		return nil, err
	}
	if len(buf)%2 != 0 {
		return nil, fmt.Errorf("binary curve of %d bytes is not a whole number of 16-bit samples", len(buf))
	}
	ary := make([]int16, len(buf)/2)
	for i := range ary {
		ary[i] = int16(binary.BigEndian.Uint16(buf[2*i:]))
	}
	return ary, nil
}
