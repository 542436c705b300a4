// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/muonscope/comm"
)

const (
	// DefaultTimeout is used when SCPI.Timeout is zero
	DefaultTimeout = 10 * time.Second

	// DefaultChunkSize is used when SCPI.ChunkSize is zero.  As of 2020,
	// even jumbo frames aren't bigger than this
	DefaultChunkSize = 9000

	// DefaultErrorQuery is used when SCPI.ErrorQuery is empty
	DefaultErrorQuery = "SYSTem:ERRor?"
)

// CommError is a failure to exchange a message with the device
type CommError struct {
	Cmd string
	Err error
}

func (e *CommError) Error() string {
	return fmt.Sprintf("scpi: %q: %v", e.Cmd, e.Err)
}

// Unwrap returns the underlying transport error
func (e *CommError) Unwrap() error { return e.Err }

// DeviceError is an error reported by the device itself in response to
// an error query
type DeviceError string

func (e DeviceError) Error() string {
	return "scpi: device reported " + string(e)
}

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	Pool *comm.Pool

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool

	// ErrorQuery is the query used for handshaking and PopError.  A reply
	// of 0 or +0 (optionally followed by a message) means no error.
	ErrorQuery string

	// Timeout bounds every read and write on the connection
	Timeout time.Duration

	// ChunkSize bounds the size of each read during block transfers
	ChunkSize int
}

func (s *SCPI) timeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultTimeout
	}
	return s.Timeout
}

func (s *SCPI) errorQuery() string {
	if s.ErrorQuery == "" {
		return DefaultErrorQuery
	}
	return s.ErrorQuery
}

func (s *SCPI) chunkSize() int {
	if s.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return s.ChunkSize
}

// transact checks out a connection, writes cmd and hands the wrapped
// connection to read, if read is not nil
func (s *SCPI) transact(cmd string, read func(*comm.Terminator) error) (err error) {
	conn, err := s.Pool.Get()
	if err != nil {
		return &CommError{Cmd: cmd, Err: err}
	}
	defer func() {
		var ce *CommError
		// device-reported errors leave the connection in a good state
		s.Pool.ReturnWithError(conn, func() error {
			if errors.As(err, &ce) {
				return err
			}
			return nil
		}())
	}()
	to, err := comm.NewTimeout(conn, s.timeout())
	if err != nil {
		return &CommError{Cmd: cmd, Err: err}
	}
	wrap := comm.NewTerminator(to, '\n', '\n')
	if _, err = io.WriteString(wrap, cmd); err != nil {
		return &CommError{Cmd: cmd, Err: err}
	}
	if read == nil {
		return nil
	}
	return read(wrap)
}

func isOK(reply string) bool {
	reply = strings.TrimSpace(reply)
	return strings.HasPrefix(reply, "0") || strings.HasPrefix(reply, "+0")
}

// Write sends a command to the device.  if s.Handshaking == true,
// it also requests an error response and checks that it is OK
// it is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	str := strings.Join(cmds, " ")
	if !s.Handshaking {
		return s.transact(str, nil)
	}
	str = str + ";:" + s.errorQuery()
	return s.transact(str, func(t *comm.Terminator) error {
		resp, err := t.ReadMessage()
		if err != nil {
			return &CommError{Cmd: str, Err: err}
		}
		if !isOK(string(resp)) {
			return DeviceError(strings.TrimSpace(string(resp)))
		}
		return nil
	})
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism
func (s *SCPI) WriteRead(cmds ...string) ([]byte, error) {
	var resp []byte
	str := strings.Join(cmds, " ")
	if s.Handshaking {
		str = str + ";:" + s.errorQuery()
	}
	err := s.transact(str, func(t *comm.Terminator) error {
		var err error
		resp, err = t.ReadMessage()
		if err != nil {
			return &CommError{Cmd: str, Err: err}
		}
		if s.Handshaking {
			idx := bytes.LastIndexByte(resp, ';')
			if idx == -1 {
				return &CommError{Cmd: str, Err: errors.New("device ignored the error query")}
			}
			errS := string(resp[idx+1:])
			resp = resp[:idx]
			if !isOK(errS) {
				return DeviceError(strings.TrimSpace(errS))
			}
		}
		return nil
	})
	return resp, err
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string.  Trailing line
// terminators are always stripped here, so callers compare bare values.
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.WriteRead(cmds...)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(resp), "\r\n"), nil
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(resp), 64)
}

// ReadBool sends a command to the device, then reads the
// response and parses it as a boolean
func (s *SCPI) ReadBool(cmds ...string) (bool, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(strings.TrimSpace(resp))
}

// ReadInt sends a command to the device, then reads the
// response and parses it as an integer
func (s *SCPI) ReadInt(cmds ...string) (int, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(resp))
}

// ReadASCIIValues sends a query whose reply is a comma separated list of
// numbers, e.g. CURVe? with ASCII encoding, and parses it
func (s *SCPI) ReadASCIIValues(cmds ...string) ([]float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return nil, err
	}
	resp = strings.TrimSpace(resp)
	if resp == "" {
		return []float64{}, nil
	}
	pieces := strings.Split(resp, ",")
	out := make([]float64, len(pieces))
	for i, p := range pieces {
		out[i], err = strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "value %d of %d", i, len(pieces))
		}
	}
	return out, nil
}

// ReadBlock sends a query whose reply is an IEEE 488.2 definite length
// block, "#<n><length><data>\n", and returns the data.  The transfer
// is done in reads of at most ChunkSize bytes.
func (s *SCPI) ReadBlock(cmds ...string) ([]byte, error) {
	var data []byte
	str := strings.Join(cmds, " ")
	err := s.transact(str, func(t *comm.Terminator) error {
		var err error
		data, err = readBlock(t.Reader(), s.chunkSize())
		if err != nil {
			return &CommError{Cmd: str, Err: err}
		}
		return nil
	})
	return data, err
}

func readBlock(r *bufio.Reader, chunk int) ([]byte, error) {
	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if b != '#' {
		return nil, fmt.Errorf("first byte in block was %q, expected #", b)
	}
	b, err = r.ReadByte()
	if err != nil {
		return nil, err
	}
	nDigits := int(b) - '0' // shift down by 48, ASCII->int
	if nDigits < 1 || nDigits > 9 {
		return nil, fmt.Errorf("block length header digit count %q is not in 1..9", b)
	}
	lenText := make([]byte, nDigits)
	if _, err = io.ReadFull(r, lenText); err != nil {
		return nil, err
	}
	nbytes, err := strconv.Atoi(string(lenText))
	if err != nil {
		return nil, err
	}
	data := make([]byte, nbytes)
	for off := 0; off < nbytes; {
		end := off + chunk
		if end > nbytes {
			end = nbytes
		}
		n, err := io.ReadFull(r, data[off:end])
		off += n
		if err != nil {
			return nil, errors.Wrapf(err, "block read %d of %d bytes", off, nbytes)
		}
	}
	// now we need to pop off the terminator
	if term, err := r.ReadByte(); err == nil && term != '\n' {
		r.UnreadByte()
	}
	return data, nil
}

// Raw sends a command to the device and returns a response if it was a query,
// else a blank string
func (s *SCPI) Raw(str string) (string, error) {
	prev := s.Handshaking
	s.Handshaking = false
	defer func() { s.Handshaking = prev }()
	if strings.Contains(str, "?") {
		return s.ReadString(str)
	}
	return "", s.Write(str)
}

// PopError gets a single error from the queue on the device
func (s *SCPI) PopError() error {
	prev := s.Handshaking
	s.Handshaking = false
	defer func() { s.Handshaking = prev }()
	str, err := s.ReadString(s.errorQuery())
	if err != nil {
		return err
	}
	if isOK(str) {
		return nil
	}
	return DeviceError(strings.TrimSpace(str))
}
