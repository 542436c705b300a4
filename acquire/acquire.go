// Package acquire drives an oscilloscope through single-sequence shots:
// arm, wait for the acquisition to stop, then read back and scale each channel.
//
// A Controller is not safe for concurrent use; the instrument serializes
// requests anyway.
package acquire

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/muonscope/oscilloscope"
)

// ErrAcquisitionTimeout is returned by PollUntilStopped when MaxWait elapses
// before the instrument reports the stopped state
var ErrAcquisitionTimeout = errors.New("acquisition did not stop before the maximum wait")

// InstrumentCommError wraps a failure talking to the instrument with the
// step of the shot that failed
type InstrumentCommError struct {
	Op  string
	Err error
}

func (e *InstrumentCommError) Error() string {
	return "instrument communication failed during " + e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying transport or device error
func (e *InstrumentCommError) Unwrap() error { return e.Err }

// commErr wraps err unless it is already a preamble error
func commErr(op string, err error) error {
	if errors.Is(err, oscilloscope.ErrMalformedPreamble) {
		return err
	}
	return &InstrumentCommError{Op: op, Err: err}
}

// Instrument is the subset of an oscilloscope needed to take a shot
type Instrument interface {
	// Arm enables acquisition, stopping after one sequence
	Arm() error

	// AcquisitionState reports the acquisition state without line terminators
	AcquisitionState() (string, error)

	// SetSource selects the channel described by Preamble and Curve
	SetSource(channel int) error

	// Preamble queries the waveform preamble of the current source
	Preamble() (oscilloscope.Preamble, error)

	// Curve transfers the raw sample codes of the current source
	Curve() (oscilloscope.Data, error)
}

// State is the position of a shot in its life cycle
type State int

const (
	// Idle is before the instrument is armed
	Idle State = iota

	// Armed is after arming, while waiting for the trigger sequence
	Armed

	// Stopped is after the instrument reports the sequence complete
	Stopped

	// Reading is while channels are read back
	Reading

	// Done is after every channel has been read and scaled
	Done

	// Cancelled is after the wait was interrupted
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Stopped:
		return "stopped"
	case Reading:
		return "reading"
	case Done:
		return "done"
	case Cancelled:
		return "cancelled"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// DefaultStoppedState is the acquisition state reply of a stopped Tektronix scope
const DefaultStoppedState = "0"

// Controller takes shots on an Instrument
type Controller struct {
	// Inst is the instrument
	Inst Instrument

	// PollInterval is the pause between acquisition state queries
	PollInterval time.Duration

	// MaxWait bounds the wait for a single shot.  Zero waits forever.
	MaxWait time.Duration

	// StoppedState is the state reply that means a shot is complete.
	// if empty, DefaultStoppedState is used
	StoppedState string

	// OnTick, if not nil, is called after each pause with the number of
	// pauses so far in the current wait
	OnTick func(n int)

	state State
}

// NewController returns a controller for inst that polls every interval
func NewController(inst Instrument, interval time.Duration) *Controller {
	return &Controller{Inst: inst, PollInterval: interval}
}

// State returns the state of the current (or last) shot
func (c *Controller) State() State {
	return c.state
}

func (c *Controller) stopped() string {
	if c.StoppedState == "" {
		return DefaultStoppedState
	}
	return c.StoppedState
}

// Arm starts a new shot.  Nothing is sent if ctx is already done.
func (c *Controller) Arm(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		c.state = Cancelled
		return err
	}
	c.state = Idle
	if err := c.Inst.Arm(); err != nil {
		return commErr("arm", err)
	}
	c.state = Armed
	return nil
}

// PollUntilStopped queries the acquisition state until it equals the
// stopped state, pausing PollInterval between queries.
//
// Cancellation of ctx is observed before each query and during each pause
// and returns ctx.Err().  If MaxWait is nonzero, a pause that would run past
// it is cut short and the state is queried once more at the deadline;
// ErrAcquisitionTimeout is returned only if that query still reports running.
func (c *Controller) PollUntilStopped(ctx context.Context) error {
	wctx := ctx
	if c.MaxWait > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, c.MaxWait)
		defer cancel()
	}

	var lim *rate.Limiter
	if c.PollInterval > 0 {
		lim = rate.NewLimiter(rate.Every(c.PollInterval), 1)
	} else {
		lim = rate.NewLimiter(rate.Inf, 1)
	}
	lim.Allow() // spend the initial token on the first query
	for n := 0; ; n++ {
		if err := ctx.Err(); err != nil {
			c.state = Cancelled
			return err
		}
		state, err := c.Inst.AcquisitionState()
		if err != nil {
			return commErr("acquisition state query", err)
		}
		if state == c.stopped() {
			c.state = Stopped
			return nil
		}
		// the caller's context takes precedence over the wait limit
		if err := ctx.Err(); err != nil {
			c.state = Cancelled
			return err
		}
		if wctx.Err() != nil {
			return ErrAcquisitionTimeout
		}
		if !pause(wctx, lim) {
			continue // the deadline passed mid-pause, query once more
		}
		if c.OnTick != nil {
			c.OnTick(n + 1)
		}
	}
}

// pause blocks until lim grants the next query.  It returns false if ctx
// ended first.
func pause(ctx context.Context, lim *rate.Limiter) bool {
	r := lim.Reserve()
	d := r.Delay()
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		r.Cancel()
		return false
	}
}

// ReadChannel selects ch as the data source, queries its preamble and
// transfers its record, returning the time axis and the scaled trace
func (c *Controller) ReadChannel(ch int) ([]float64, oscilloscope.Trace, error) {
	tr := oscilloscope.Trace{Channel: ch}
	if err := c.Inst.SetSource(ch); err != nil {
		return nil, tr, commErr(fmt.Sprintf("select source CH%d", ch), err)
	}
	p, err := c.Inst.Preamble()
	if err != nil {
		return nil, tr, commErr(fmt.Sprintf("preamble query CH%d", ch), err)
	}
	conv, err := oscilloscope.NewConverter(p)
	if err != nil {
		return nil, tr, errors.Wrapf(err, "CH%d", ch)
	}
	raw, err := c.Inst.Curve()
	if err != nil {
		return nil, tr, commErr(fmt.Sprintf("curve transfer CH%d", ch), err)
	}
	tr.Volts, err = conv.ScaledVoltage(raw)
	if err != nil {
		return nil, tr, errors.Wrapf(err, "CH%d", ch)
	}
	tr.Preamble = p
	return conv.ScaledTime(), tr, nil
}

// ReadShot reads each channel in order.  The time axis of the first channel
// is reused for the rest, which must have the same record length.
// If any channel fails the partial shot is discarded.
func (c *Controller) ReadShot(channels []int) (oscilloscope.Shot, error) {
	var shot oscilloscope.Shot
	if len(channels) == 0 {
		return shot, errors.New("no channels to read")
	}
	c.state = Reading
	for i, ch := range channels {
		t, tr, err := c.ReadChannel(ch)
		if err != nil {
			return oscilloscope.Shot{}, err
		}
		if i == 0 {
			shot.Time = t
		} else if len(tr.Volts) != len(shot.Time) {
			return oscilloscope.Shot{}, errors.Wrapf(oscilloscope.ErrMalformedPreamble,
				"CH%d has %d points but CH%d has %d", ch, len(tr.Volts), channels[0], len(shot.Time))
		}
		shot.Traces = append(shot.Traces, tr)
	}
	c.state = Done
	return shot, nil
}

// Acquire takes one complete shot: Arm, PollUntilStopped, ReadShot.
// Once the instrument has stopped, the readback runs to completion
// regardless of ctx.
func (c *Controller) Acquire(ctx context.Context, channels []int) (oscilloscope.Shot, error) {
	if err := c.Arm(ctx); err != nil {
		return oscilloscope.Shot{}, err
	}
	if err := c.PollUntilStopped(ctx); err != nil {
		return oscilloscope.Shot{}, err
	}
	return c.ReadShot(channels)
}
