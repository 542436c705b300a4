/*Package comm provides the transport layer used to talk to lab instruments.

Most usages of this package will boil down to:
	1.  make a CreationFunc for the device, BackingOffTCPConnMaker for network
		instruments or SerialConnMaker for ones on an RS232 line
	2.  put it in a Pool, usually of size 1 since instruments serialize requests
	3.  for each transaction, Get a connection, wrap it with NewTimeout and
		NewTerminator, do the I/O, and give it back with ReturnWithError

A minimal example for a device that responds to "RD?" with a reading:

	maker := comm.BackingOffTCPConnMaker("192.168.100.123:4000", time.Second)
	pool := comm.NewPool(1, time.Minute, maker)

	func read(pool *comm.Pool) (resp []byte, err error) {
		conn, err := pool.Get()
		if err != nil {
			return nil, err
		}
		defer func() { pool.ReturnWithError(conn, err) }()
		wrap := comm.NewTerminator(conn, '\n', '\n')
		if _, err = io.WriteString(wrap, "RD?"); err != nil {
			return nil, err
		}
		return wrap.ReadMessage()
	}
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")

	// ErrNoTimeout is generated when NewTimeout is given a non-positive duration
	ErrNoTimeout = errors.New("timeout must be positive")
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// TCPSetup opens a new TCP connection with a timeout on connect
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

// BackingOffTCPConnMaker returns a CreationFunc that dials addr over TCP.
// Refused connections are returned immediately, anything else
// (timeouts, unreachable hosts) is retried with an exponential backoff
// for up to three seconds; some instruments do not like being connection thrashed.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var (
			conn    net.Conn
			lastErr error
		)
		op := func() error {
			c, err := TCPSetup(addr, timeout)
			if err != nil {
				lastErr = err
				if strings.Contains(strings.ToLower(err.Error()), "refused") {
					return nil // stop retrying, lastErr is kept
				}
				return err
			}
			conn = c
			lastErr = nil
			return nil
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * time.Second,
			Clock:               backoff.SystemClock})
		if err != nil {
			return nil, fmt.Errorf("connection timeout to %s: %w", addr, err)
		}
		if lastErr != nil {
			return nil, lastErr
		}
		return conn, nil
	}
}

// SerialConnMaker returns a CreationFunc that opens the serial port described by conf
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(conf)
	}
}

// Terminator wraps a connection, appending the Tx byte to every write
// and splitting reads on the Rx byte
type Terminator struct {
	rw     io.ReadWriter
	br     *bufio.Reader
	rx, tx byte
}

// NewTerminator returns a Terminator around rw.  A Terminator buffers reads
// and should live for one transaction only.
func NewTerminator(rw io.ReadWriter, rx, tx byte) *Terminator {
	return &Terminator{rw: rw, br: bufio.NewReader(rw), rx: rx, tx: tx}
}

// Write sends b followed by the Tx terminator in a single write
func (t *Terminator) Write(b []byte) (int, error) {
	buf := make([]byte, len(b), len(b)+1)
	copy(buf, b)
	buf = append(buf, t.tx)
	n, err := t.rw.Write(buf)
	if n > len(b) {
		n = len(b)
	}
	return n, err
}

// Read copies one message, without its terminator, into b.
// If b is too small, io.ErrShortBuffer is returned along with what fit.
func (t *Terminator) Read(b []byte) (int, error) {
	msg, err := t.ReadMessage()
	n := copy(b, msg)
	if err == nil && n < len(msg) {
		err = io.ErrShortBuffer
	}
	return n, err
}

// ReadMessage reads up to and including the Rx terminator and returns the
// message with the terminator stripped
func (t *Terminator) ReadMessage() ([]byte, error) {
	buf, err := t.br.ReadBytes(t.rx)
	if err != nil {
		if err == io.EOF && len(buf) > 0 {
			return buf, ErrTerminatorNotFound
		}
		return buf, err
	}
	return bytes.TrimSuffix(buf, []byte{t.rx}), nil
}

// Reader exposes the buffered reader so binary payloads that may contain
// the terminator byte can be read without losing buffered data
func (t *Terminator) Reader() *bufio.Reader {
	return t.br
}

type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// Timeout wraps a connection and pushes its deadline forward by a fixed
// duration before every read and write.  Connections without deadlines
// (serial ports, which carry their own read timeout) pass straight through.
type Timeout struct {
	rw io.ReadWriter
	d  time.Duration
}

// NewTimeout returns a Timeout around rw
func NewTimeout(rw io.ReadWriter, d time.Duration) (*Timeout, error) {
	if d <= 0 {
		return nil, ErrNoTimeout
	}
	return &Timeout{rw: rw, d: d}, nil
}

func (t *Timeout) Read(b []byte) (int, error) {
	if dl, ok := t.rw.(deadliner); ok {
		if err := dl.SetReadDeadline(time.Now().Add(t.d)); err != nil {
			return 0, err
		}
	}
	return t.rw.Read(b)
}

func (t *Timeout) Write(b []byte) (int, error) {
	if dl, ok := t.rw.(deadliner); ok {
		if err := dl.SetWriteDeadline(time.Now().Add(t.d)); err != nil {
			return 0, err
		}
	}
	return t.rw.Write(b)
}
