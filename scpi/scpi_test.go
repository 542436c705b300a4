package scpi_test

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nasa-jpl/muonscope/comm"
	"github.com/nasa-jpl/muonscope/scpi"
)

// fakeDevice answers queries from a table over a net.Pipe and records writes
type fakeDevice struct {
	sync.Mutex
	replies  map[string]string
	received []string
}

func (d *fakeDevice) maker() (io.ReadWriteCloser, error) {
	client, server := net.Pipe()
	go d.serve(server)
	return client, nil
}

func (d *fakeDevice) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSuffix(line, "\n")
		d.Lock()
		d.received = append(d.received, line)
		reply, ok := d.replies[line]
		d.Unlock()
		if ok {
			io.WriteString(conn, reply)
		}
	}
}

func newSCPI(d *fakeDevice) *scpi.SCPI {
	return &scpi.SCPI{Pool: comm.NewPool(1, time.Minute, d.maker), Timeout: time.Second}
}

func TestReadStringStripsTerminators(t *testing.T) {
	d := &fakeDevice{replies: map[string]string{"ACQuire:STATE?": "0\r\n"}}
	s := newSCPI(d)
	str, err := s.ReadString("ACQuire:STATE?")
	if err != nil {
		t.Fatal(err)
	}
	if str != "0" {
		t.Errorf("expected \"0\" got %q", str)
	}
}

func TestReadFloatAndInt(t *testing.T) {
	d := &fakeDevice{replies: map[string]string{
		"WFMOutpre:XINcr?":  "4.0000E-9\n",
		"WFMOutpre:NR_Pt?":  "1250\n",
		"WFMOutpre:BYT_Nr?": "two\n",
	}}
	s := newSCPI(d)
	f, err := s.ReadFloat("WFMOutpre:XINcr?")
	if err != nil {
		t.Fatal(err)
	}
	if f != 4e-9 {
		t.Errorf("expected 4e-9 got %g", f)
	}
	i, err := s.ReadInt("WFMOutpre:NR_Pt?")
	if err != nil {
		t.Fatal(err)
	}
	if i != 1250 {
		t.Errorf("expected 1250 got %d", i)
	}
	if _, err = s.ReadInt("WFMOutpre:BYT_Nr?"); err == nil {
		t.Error("expected parse error for non-numeric reply")
	}
}

func TestWriteJoinsArguments(t *testing.T) {
	d := &fakeDevice{replies: map[string]string{"*IDN?": "TEKTRONIX,MSO44,C012345,CF:91.1CT FV:1.44\n"}}
	s := newSCPI(d)
	if err := s.Write("DATa:SOUrce", "CH2"); err != nil {
		t.Fatal(err)
	}
	// a query after the write makes sure the device has consumed it
	if _, err := s.ReadString("*IDN?"); err != nil {
		t.Fatal(err)
	}
	d.Lock()
	defer d.Unlock()
	if diff := cmp.Diff([]string{"DATa:SOUrce CH2", "*IDN?"}, d.received); diff != "" {
		t.Errorf("unexpected commands (-want +got):\n%s", diff)
	}
}

func TestHandshakingSurfacesDeviceErrors(t *testing.T) {
	d := &fakeDevice{replies: map[string]string{
		"CH1:SCAle 7E-03;:*ESR?": "0\n",
		"CH9:SCAle 1;:*ESR?":     "32\n",
	}}
	s := newSCPI(d)
	s.Handshaking = true
	s.ErrorQuery = "*ESR?"
	if err := s.Write("CH1:SCAle 7E-03"); err != nil {
		t.Fatalf("expected accepted command, got %v", err)
	}
	err := s.Write("CH9:SCAle 1")
	var de scpi.DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeviceError, got %v", err)
	}
	if string(de) != "32" {
		t.Errorf("expected device error 32, got %q", de)
	}
}

func TestReadASCIIValues(t *testing.T) {
	d := &fakeDevice{replies: map[string]string{"CURVe?": "1000,1002,998,1001\n"}}
	s := newSCPI(d)
	vals, err := s.ReadASCIIValues("CURVe?")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{1000, 1002, 998, 1001}, vals); diff != "" {
		t.Errorf("unexpected values (-want +got):\n%s", diff)
	}
}

func TestReadBlockChunked(t *testing.T) {
	payload := strings.Repeat("\x01\x02\n\x04", 50) // contains the terminator byte
	d := &fakeDevice{replies: map[string]string{"CURVe?": "#3200" + payload + "\n"}}
	s := newSCPI(d)
	s.ChunkSize = 7
	data, err := s.ReadBlock("CURVe?")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != payload {
		t.Errorf("block payload mismatch, got %d bytes expected %d", len(data), len(payload))
	}
}

func TestReadBlockRejectsBadHeader(t *testing.T) {
	d := &fakeDevice{replies: map[string]string{"CURVe?": "1,2,3\n"}}
	s := newSCPI(d)
	_, err := s.ReadBlock("CURVe?")
	var ce *scpi.CommError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CommError, got %v", err)
	}
}

func TestTimeoutIsCommError(t *testing.T) {
	d := &fakeDevice{replies: map[string]string{}} // never answers
	s := newSCPI(d)
	s.Timeout = 20 * time.Millisecond
	_, err := s.ReadString("ACQuire:STATE?")
	var ce *scpi.CommError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CommError, got %v", err)
	}
	if s.Pool.Size() != 0 {
		t.Errorf("expected timed out connection to be destroyed, pool size %d", s.Pool.Size())
	}
}

func TestRawDispatchesOnQuestionMark(t *testing.T) {
	d := &fakeDevice{replies: map[string]string{"*IDN?": "TEKTRONIX,MSO44\n"}}
	s := newSCPI(d)
	s.Handshaking = true
	resp, err := s.Raw("*IDN?")
	if err != nil {
		t.Fatal(err)
	}
	if resp != "TEKTRONIX,MSO44" {
		t.Errorf("expected identity string, got %q", resp)
	}
	if !s.Handshaking {
		t.Error("Raw must restore handshaking")
	}
}

func TestReadBool(t *testing.T) {
	d := &fakeDevice{replies: map[string]string{"TRIGger:B:STATE?": "1\n", "CH2:INVert?": "0\n"}}
	s := newSCPI(d)
	on, err := s.ReadBool("TRIGger:B:STATE?")
	if err != nil {
		t.Fatal(err)
	}
	off, err := s.ReadBool("CH2:INVert?")
	if err != nil {
		t.Fatal(err)
	}
	if !on || off {
		t.Errorf("expected true, false got %v, %v", on, off)
	}
}

func TestPopError(t *testing.T) {
	d := &fakeDevice{replies: map[string]string{"SYSTem:ERRor?": "-113,\"Undefined header\"\n"}}
	s := newSCPI(d)
	err := s.PopError()
	var de scpi.DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeviceError, got %v", err)
	}
	d.Lock()
	d.replies["SYSTem:ERRor?"] = "0,\"No error\"\n"
	d.Unlock()
	if err = s.PopError(); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}
