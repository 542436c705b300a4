// Command muondaq records muon decay waveforms from a Tektronix oscilloscope
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/muonscope/dataset"
	"github.com/nasa-jpl/muonscope/experiment"
	"github.com/nasa-jpl/muonscope/tektronix"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "muondaq.yml"
	k              = koanf.New(".")
)

func setupconfig(l *log.Logger) {
	k.Load(structs.Provider(defaults, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			l.Fatal("error loading config", "err", err)
		}
	}
	// the address may also come from the environment
	k.Load(env.Provider("", ".", func(s string) string {
		switch s {
		case "MUONDAQ_ADDR", "IP_ADDRESS":
			return "Addr"
		default:
			return ""
		}
	}), nil)
}

func root() {
	str := `muondaq records muon decay events with a Tektronix oscilloscope.
Each shot arms the scope for a single sequence, waits for the trigger, and
appends the scaled waveforms to a dated CSV file.

Usage:
	muondaq <command>

Commands:
	run
	idn
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `muondaq is amenable to configuration via its .yml file, muondaq.yml in the
working directory.  For a primer on YAML, see https://yaml.org/start.html
"muondaq mkconf" writes the defaults to get started.

The scope address may also be given by the MUONDAQ_ADDR or IP_ADDRESS
environment variables, which take precedence over the file.  Port 4000, the
scope's raw socket server, is used if none is given.

Data are written to OutputDir/YYYYMMDD.csv with the date at UTC+9, and the
preamble snapshot to OutputDir/meta_YYYYMMDD.csv.  If either file exists the
run stops before talking to the scope; existing data are never overwritten.

All values in Setup are SI: seconds, volts, hertz, ohms.  A nonzero DelayTime
enables the B trigger, CH1 falling DelayTime after CH2 fell.  A nonzero
RecordLength or SampleRate puts the horizontal system in manual mode.

Interrupt (Ctrl+C) stops the run; shots already written are kept.`
	fmt.Println(str)
}

func mkconf(l *log.Logger) {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		l.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		l.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		l.Fatal(err)
	}
}

func printconf(l *log.Logger) {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		l.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("muondaq version %v\n", Version)
}

func idn(l *log.Logger) {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		l.Fatal(err)
	}
	sc := connect(c, l)
	id, err := sc.Identify()
	if err != nil {
		l.Fatal("no reply to *IDN?", "addr", c.Addr, "err", err)
	}
	fmt.Println(id)
	if tek, ok := sc.(*tektronix.Scope); ok {
		tek.ErrorQuery = "SYSTem:ERRor?"
		if err = tek.PopError(); err != nil {
			l.Warn("scope has a queued error", "err", err)
		}
	}
}

func run(l *log.Logger, prog *progress) {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		l.Fatal(err)
	}
	if c.Debug {
		l.SetLevel(log.DebugLevel)
	}
	enc, err := tektronix.ParseEncoding(c.Encoding)
	if err != nil {
		l.Fatal(err)
	}
	if err = mkdirs(c.OutputDir, c.FITSArchive); err != nil {
		l.Fatal(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess := &experiment.Session{
		Scope: connect(c, l),
		Params: experiment.Params{
			Setup:             c.Setup,
			Channels:          c.Channels,
			Shots:             c.Shots,
			Encoding:          enc,
			SettleTime:        seconds(c.SettleTime),
			PollInterval:      seconds(c.PollInterval),
			MaxWait:           seconds(c.MaxWait),
			OutputDir:         c.OutputDir,
			SignificantDigits: c.SignificantDigits,
			SkipFailedShots:   c.SkipFailedShots,
			FITSArchive:       c.FITSArchive,
		},
		Log:    l,
		OnTick: prog.tick,
	}
	start := time.Now()
	n, err := sess.Start(ctx)
	prog.stop()
	if err != nil {
		if errors.Is(err, dataset.ErrDatasetExists) || errors.Is(err, dataset.ErrMetadataExists) {
			l.Fatal("refusing to overwrite existing data, change OutputDir or move the file", "err", err)
		}
		l.Fatal("run failed", "shots", n, "err", err)
	}
	l.Info("done", "shots", n, "elapsed", time.Since(start).Round(time.Second))
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	prog, err := newProgress(os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	l := log.NewWithOptions(prog, log.Options{ReportTimestamp: true, Prefix: "muondaq"})
	setupconfig(l)
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf(l)
		return
	case "conf":
		printconf(l)
		return
	case "run":
		run(l, prog)
		return
	case "idn":
		idn(l)
		return
	case "version":
		pversion()
		return
	default:
		l.Fatal("unknown command", "cmd", cmd)
	}
}
