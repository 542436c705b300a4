// Package experiment runs a muon decay measurement: it configures the scope,
// snapshots the waveform preamble, and records a fixed number of shots.
package experiment

import (
	"context"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/muonscope/acquire"
	"github.com/nasa-jpl/muonscope/dataset"
	"github.com/nasa-jpl/muonscope/oscilloscope"
	"github.com/nasa-jpl/muonscope/tektronix"
)

// Scope is an instrument that can be configured and take shots
type Scope interface {
	acquire.Instrument

	// Configure sends setup commands in order
	Configure(cmds []string) error

	// SetEncoding sets the waveform transfer encoding for the session
	SetEncoding(tektronix.Encoding) error
}

// Params are the per-run parameters
type Params struct {
	// Setup is the front panel configuration
	Setup tektronix.Setup

	// Channels are read in order each shot.  The first supplies the time axis.
	Channels []int

	// Shots is the number of shots to record
	Shots int

	// Encoding is the waveform transfer encoding
	Encoding tektronix.Encoding

	// SettleTime is slept after configuration, before the first query
	SettleTime time.Duration

	// PollInterval is the pause between acquisition state queries
	PollInterval time.Duration

	// MaxWait bounds the wait for each shot, zero is unbounded
	MaxWait time.Duration

	// OutputDir holds the dataset and metadata files
	OutputDir string

	// SignificantDigits is passed to dataset.Formatter
	SignificantDigits int

	// SkipFailedShots logs shots that fail and carries on
	// instead of ending the run
	SkipFailedShots bool

	// FITSArchive, if not empty, is a directory each shot is also archived to
	FITSArchive string
}

// PreambleFields is the metadata snapshot written at the start of a run
func PreambleFields(p oscilloscope.Preamble) []dataset.Field {
	return []dataset.Field{
		{Key: "Sample Interval", Value: strconv.FormatFloat(p.TimeIncrement, 'e', 8, 64)},
		{Key: "Record Length", Value: strconv.Itoa(p.RecordLength)},
		{Key: "Zero Index", Value: strconv.Itoa(p.PreTriggerOffset)},
		{Key: "yOffset", Value: strconv.FormatFloat(p.VoltZero, 'e', 8, 64)},
	}
}

// Session is one run of the experiment against one scope
type Session struct {
	Scope Scope
	Params

	// Log, if nil, is log.Default()
	Log *log.Logger

	// OnTick is forwarded to the acquisition controller
	OnTick func(n int)

	// Now, if nil, is time.Now
	Now func() time.Time
}

func (s *Session) logger() *log.Logger {
	if s.Log == nil {
		return log.Default()
	}
	return s.Log
}

func (s *Session) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// Start configures the scope, snapshots the preamble, creates the dataset
// and its metadata file, and runs the shots.  It returns the number of shots
// written.
//
// If the dataset or its metadata file already exist, Start returns before
// sending anything to the scope.  Nothing is written to OutputDir until the
// preamble snapshot succeeds.  Cancellation of ctx ends the run early
// without error.
func (s *Session) Start(ctx context.Context) (int, error) {
	l := s.logger()
	if len(s.Channels) == 0 {
		return 0, errors.New("no channels to record")
	}
	path := dataset.Filename(s.OutputDir, s.now())
	if err := dataset.CheckFree(path); err != nil {
		return 0, err
	}

	cmds := s.Setup.Commands()
	l.Debug("configuring scope", "commands", len(cmds))
	if err := s.Scope.Configure(cmds); err != nil {
		return 0, &acquire.InstrumentCommError{Op: "configure", Err: err}
	}
	select {
	case <-time.After(s.SettleTime):
	case <-ctx.Done():
		l.Warn("interrupted before the first shot")
		return 0, nil
	}
	if err := s.Scope.SetEncoding(s.Encoding); err != nil {
		return 0, &acquire.InstrumentCommError{Op: "set encoding", Err: err}
	}

	ch := s.Channels[0]
	if err := s.Scope.SetSource(ch); err != nil {
		return 0, &acquire.InstrumentCommError{Op: "select source CH" + strconv.Itoa(ch), Err: err}
	}
	p, err := s.Scope.Preamble()
	if err != nil {
		if errors.Is(err, oscilloscope.ErrMalformedPreamble) {
			return 0, err
		}
		return 0, &acquire.InstrumentCommError{Op: "preamble snapshot", Err: err}
	}
	if err := p.Validate(); err != nil {
		return 0, errors.Wrapf(err, "CH%d", ch)
	}

	if err := dataset.Create(path, dataset.Header(s.Channels)); err != nil {
		return 0, err
	}
	l.Info("created dataset", "path", path)
	meta := dataset.MetaFilename(path)
	if err := dataset.CreateMetadata(meta, PreambleFields(p)); err != nil {
		return 0, err
	}
	l.Info("created metadata", "path", meta, "sampleInterval", p.TimeIncrement, "recordLength", p.RecordLength)

	ctl := acquire.NewController(s.Scope, s.PollInterval)
	ctl.MaxWait = s.MaxWait
	ctl.OnTick = s.OnTick
	r := &Runner{
		Controller: ctl,
		Writer:     dataset.NewWriter(path, s.SignificantDigits),
		Channels:   s.Channels,
		Shots:      s.Shots,
		SkipFailed: s.SkipFailedShots,
		Log:        l,
		Now:        s.Now,
	}
	if s.FITSArchive != "" {
		r.Archive = &dataset.FITSArchive{Dir: s.FITSArchive}
	}
	return r.Run(ctx)
}

// Runner repeats shots and appends them to a dataset
type Runner struct {
	Controller *acquire.Controller
	Writer     *dataset.Writer
	Channels   []int
	Shots      int

	// SkipFailed logs failed shots and moves on to the next
	SkipFailed bool

	// Archive, if not nil, receives every shot written
	Archive *dataset.FITSArchive

	Log *log.Logger
	Now func() time.Time
}

func stopped(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Run takes r.Shots shots and returns the number written.  Cancellation of
// ctx is not an error; rows already written are kept and the shot in flight
// is abandoned.
func (r *Runner) Run(ctx context.Context) (int, error) {
	l := r.Log
	if l == nil {
		l = log.Default()
	}
	now := r.Now
	if now == nil {
		now = time.Now
	}
	written := 0
	for n := 1; n <= r.Shots; n++ {
		if ctx.Err() != nil {
			l.Warn("run interrupted", "shot", n, "written", written)
			return written, nil
		}
		l.Info("waiting for trigger", "shot", n, "of", r.Shots)
		shot, err := r.Controller.Acquire(ctx, r.Channels)
		if err != nil {
			if stopped(err) {
				l.Warn("run interrupted", "shot", n, "written", written)
				return written, nil
			}
			if r.SkipFailed {
				l.Error("shot failed", "shot", n, "err", err)
				continue
			}
			return written, errors.Wrapf(err, "shot %d", n)
		}
		rows, err := r.Writer.AppendShot(shot)
		if err != nil {
			return written, err
		}
		if r.Archive != nil {
			if err := r.Archive.Write(shot, now(), n); err != nil {
				return written, err
			}
		}
		written++
		l.Info("shot written", "shot", n, "rows", rows)
	}
	l.Info("run complete", "shots", written, "path", r.Writer.Path)
	return written, nil
}
