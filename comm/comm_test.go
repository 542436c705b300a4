package comm_test

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/nasa-jpl/muonscope/comm"
)

func tcpEchoServer(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("could not listen, test aborted:", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { io.Copy(conn, conn) }() // use goroutines to handle multiple connections
		}
	}()
	return ln.Addr().String()
}

func TestPoolToCapacity(t *testing.T) {
	addr := tcpEchoServer(t)
	pool := comm.NewPool(3, time.Second, comm.BackingOffTCPConnMaker(addr, time.Second))
	for i := 0; i < 3; i++ {
		if _, err := pool.Get(); err != nil {
			t.Fatal("could not get connection:", err)
		}
	}
	if pool.Active() != 3 {
		t.Errorf("expected 3 connections on lease, got %d", pool.Active())
	}
}

func TestPoolReleasesReuse(t *testing.T) {
	addr := tcpEchoServer(t)
	made := 0
	maker := func() (io.ReadWriteCloser, error) {
		made++
		return net.Dial("tcp", addr)
	}
	pool := comm.NewPool(1, time.Second, maker)
	for i := 0; i < 5; i++ {
		conn, err := pool.Get()
		if err != nil {
			t.Fatal("could not get connection:", err)
		}
		pool.Put(conn)
	}
	if made != 1 {
		t.Errorf("expected a single connection to be made and reused, made %d", made)
	}
	if pool.Size() != 1 {
		t.Errorf("expected pool size 1, got %d", pool.Size())
	}
}

func TestPoolReleasesExpire(t *testing.T) {
	addr := tcpEchoServer(t)
	pool := comm.NewPool(2, 10*time.Millisecond, comm.BackingOffTCPConnMaker(addr, time.Second))
	conn, err := pool.Get()
	if err != nil {
		t.Fatal("could not get connection:", err)
	}
	pool.Put(conn)
	time.Sleep(200 * time.Millisecond)
	if pool.Size() != 0 {
		t.Errorf("expected idle connections to be reclaimed, pool size is %d", pool.Size())
	}
}

func TestPoolMaintainsSize(t *testing.T) {
	addr := tcpEchoServer(t)
	pool := comm.NewPool(2, time.Second, comm.BackingOffTCPConnMaker(addr, time.Second))
	held := []io.ReadWriter{}
	for i := 0; i < 2; i++ {
		rw, err := pool.Get()
		if err != nil {
			t.Fatal("could not get connection:", err)
		}
		held = append(held, rw)
	}
	newConn := make(chan io.ReadWriter, 1)
	go func() {
		rw, _ := pool.Get()
		newConn <- rw
	}()
	select {
	case <-newConn:
		t.Fatal("failed to prevent pool overflow")
	case <-time.After(100 * time.Millisecond):
	}
	pool.Put(held[0])
	select {
	case <-newConn:
	case <-time.After(time.Second):
		t.Fatal("returned connection was not handed to the waiting Get")
	}
}

func TestReturnWithErrorDestroys(t *testing.T) {
	addr := tcpEchoServer(t)
	pool := comm.NewPool(1, time.Second, comm.BackingOffTCPConnMaker(addr, time.Second))
	conn, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	pool.ReturnWithError(conn, io.ErrUnexpectedEOF)
	if pool.Size() != 0 {
		t.Errorf("expected errored connection to be destroyed, pool size is %d", pool.Size())
	}
}

func TestRefusedConnectionFailsFast(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	start := time.Now()
	_, err = comm.BackingOffTCPConnMaker(addr, time.Second)()
	if err == nil {
		t.Fatal("expected dial to a closed port to fail")
	}
	if time.Since(start) > time.Second {
		t.Errorf("refused connection should not be retried, took %v", time.Since(start))
	}
}

func TestTerminatorRoundTrip(t *testing.T) {
	addr := tcpEchoServer(t)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	to, err := comm.NewTimeout(conn, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	wrap := comm.NewTerminator(to, '\n', '\n')
	if _, err = io.WriteString(wrap, "ACQuire:STATE?"); err != nil {
		t.Fatal(err)
	}
	msg, err := wrap.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(msg, []byte("ACQuire:STATE?")) {
		t.Errorf("expected terminator to be stripped, got %q", msg)
	}
}

func TestTerminatorShortBuffer(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("0123456789\n")
	wrap := comm.NewTerminator(&buf, '\n', '\n')
	b := make([]byte, 4)
	n, err := wrap.Read(b)
	if err != io.ErrShortBuffer {
		t.Errorf("expected ErrShortBuffer, got %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 bytes copied, got %d", n)
	}
}

func TestTimeoutRejectsZero(t *testing.T) {
	if _, err := comm.NewTimeout(&bytes.Buffer{}, 0); err != comm.ErrNoTimeout {
		t.Errorf("expected ErrNoTimeout, got %v", err)
	}
}
