package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/theckman/yacspin"

	"github.com/nasa-jpl/muonscope/experiment"
	"github.com/nasa-jpl/muonscope/tektronix"
)

// Config is the muondaq configuration.  Times are in seconds.
type Config struct {
	// Addr is the network address of the scope, host or host:port.
	// if Serial is true, it is the path to a serial device
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Serial connects over a serial line instead of TCP
	Serial bool `yaml:"Serial" koanf:"Serial"`

	// Mock uses a simulated scope and ignores Addr
	Mock bool `yaml:"Mock" koanf:"Mock"`

	// Handshaking checks the scope's event status after every command
	Handshaking bool `yaml:"Handshaking" koanf:"Handshaking"`

	// Timeout bounds each command/reply exchange
	Timeout float64 `yaml:"Timeout" koanf:"Timeout"`

	// OutputDir holds the dataset, YYYYMMDD.csv, and its metadata file
	OutputDir string `yaml:"OutputDir" koanf:"OutputDir"`

	// Encoding is the waveform transfer encoding, ascii or binary
	Encoding string `yaml:"Encoding" koanf:"Encoding"`

	// Channels are recorded each shot, in order
	Channels []int `yaml:"Channels" koanf:"Channels"`

	// Shots is the number of shots to record
	Shots int `yaml:"Shots" koanf:"Shots"`

	// PollInterval is the pause between acquisition state queries
	PollInterval float64 `yaml:"PollInterval" koanf:"PollInterval"`

	// MaxWait bounds the wait for a trigger, 0 waits forever
	MaxWait float64 `yaml:"MaxWait" koanf:"MaxWait"`

	// SignificantDigits is the number of mantissa digits after the decimal
	// point written to the dataset, 0 writes full precision
	SignificantDigits int `yaml:"SignificantDigits" koanf:"SignificantDigits"`

	// SettleTime is slept after configuring the scope
	SettleTime float64 `yaml:"SettleTime" koanf:"SettleTime"`

	// SkipFailedShots logs failed shots instead of ending the run
	SkipFailedShots bool `yaml:"SkipFailedShots" koanf:"SkipFailedShots"`

	// FITSArchive, if not empty, is a directory each shot is archived to
	FITSArchive string `yaml:"FITSArchive" koanf:"FITSArchive"`

	// Debug enables debug logging
	Debug bool `yaml:"Debug" koanf:"Debug"`

	// Setup is the front panel configuration
	Setup tektronix.Setup `yaml:"Setup" koanf:"Setup"`
}

// defaults are for the two channel delayed coincidence measurement
var defaults = Config{
	Addr:              "192.168.1.100",
	Timeout:           10,
	OutputDir:         ".",
	Encoding:          "ascii",
	Channels:          []int{1, 2},
	Shots:             2,
	PollInterval:      2,
	SignificantDigits: 6,
	SettleTime:        1,
	Setup: tektronix.Setup{
		Reset:              true,
		TimeGridLength:     4e-6,
		HorizontalPosition: 90,
		CH1Scale:           7e-3,
		CH2Scale:           100e-3,
		CH1Position:        4,
		CH2Position:        4,
		Termination:        50,
		CH1TriggerLevel:    -10e-3,
		CH2TriggerLevel:    -100e-3,
		DelayTime:          50e-9,
		ResetTimeout:       36e-6,
	},
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// scope is what the commands need from an instrument
type scope interface {
	experiment.Scope
	Identify() (string, error)
}

func connect(c Config, l *log.Logger) scope {
	if c.Mock {
		l.Warn("using a simulated scope")
		return tektronix.NewMock()
	}
	s := tektronix.NewScope(c.Addr, c.Serial, seconds(c.Timeout))
	s.Handshaking = c.Handshaking
	s.Reply = func(cmd, resp string) {
		l.Debug("reply", "cmd", cmd, "resp", resp)
	}
	return s
}

// progress shows a spinner while waiting for a trigger and takes it down
// before anything else is written to the terminal
type progress struct {
	sp *yacspin.Spinner
	w  io.Writer
}

func newProgress(w io.Writer) (*progress, error) {
	sp, err := yacspin.New(yacspin.Config{
		Writer:          w,
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[14],
		Suffix:          " ",
		SuffixAutoColon: false,
		StopCharacter:   "",
		StopMessage:     "",
	})
	if err != nil {
		return nil, err
	}
	return &progress{sp: sp, w: w}, nil
}

func (p *progress) tick(n int) {
	if p.sp.Status() != yacspin.SpinnerRunning {
		if err := p.sp.Start(); err != nil {
			return
		}
	}
	p.sp.Message(fmt.Sprintf("waiting for trigger (%d)", n))
}

func (p *progress) stop() {
	if p.sp.Status() == yacspin.SpinnerRunning {
		p.sp.Stop()
	}
}

// Write stops the spinner, then writes b
func (p *progress) Write(b []byte) (int, error) {
	p.stop()
	return p.w.Write(b)
}

func mkdirs(dirs ...string) error {
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}
	return nil
}
