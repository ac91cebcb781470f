package comm_test

import (
	"bufio"
	"io"
	"net"
	"testing"
	"time"

	"github.com/nasa-jpl/pimotion/comm"
)

// tcpEchoServer listens on a random loopback port and echoes every connection
func tcpEchoServer(t *testing.T) string {
	t.Helper()
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

func dialer(addr string) comm.CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return net.Dial("tcp", addr)
	}
}

func TestPoolFillsToCapacity(t *testing.T) {
	addr := tcpEchoServer(t)
	pool := comm.NewPool(3, time.Second, dialer(addr))
	for i := 0; i < 3; i++ {
		if _, err := pool.Get(); err != nil {
			t.Fatal("could not get connection:", err)
		}
	}
	if pool.Active() != 3 {
		t.Errorf("expected 3 active connections, got %d", pool.Active())
	}
}

func TestPoolReusesReleased(t *testing.T) {
	addr := tcpEchoServer(t)
	pool := comm.NewPool(3, time.Second, dialer(addr))
	var first io.ReadWriter
	for i := 0; i < 3; i++ {
		conn, err := pool.Get()
		if err != nil {
			t.Fatal("could not get connection:", err)
		}
		if first == nil {
			first = conn
		} else if conn != first {
			t.Errorf("iteration %d got a new connection, expected reuse", i)
		}
		pool.Put(conn)
	}
	if pool.Size() != 1 {
		t.Errorf("expected a single pooled connection, got %d", pool.Size())
	}
}

func TestPoolReleasesExpire(t *testing.T) {
	addr := tcpEchoServer(t)
	pool := comm.NewPool(3, 10*time.Millisecond, dialer(addr))
	conn, err := pool.Get()
	if err != nil {
		t.Fatal("could not get connection:", err)
	}
	pool.Put(conn)
	time.Sleep(100 * time.Millisecond)
	if pool.Size() != 0 {
		t.Errorf("expected idle connections to be reclaimed, size is %d", pool.Size())
	}
}

func TestPoolMaintainsSize(t *testing.T) {
	addr := tcpEchoServer(t)
	pool := comm.NewPool(2, time.Second, dialer(addr))
	held := []io.ReadWriter{}
	for i := 0; i < 2; i++ {
		rw, err := pool.Get()
		if err != nil {
			t.Fatal("could not get connection:", err)
		}
		held = append(held, rw)
	}
	newConn := make(chan io.ReadWriter, 1)
	// now that they are all taken out, try to get a new one
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
	case rw := <-newConn:
		if rw != held[0] {
			t.Error("waiting Get should receive the returned connection")
		}
	case <-time.After(time.Second):
		t.Fatal("waiting Get was not woken by Put")
	}
}

func TestPoolDestroyFreesSlot(t *testing.T) {
	addr := tcpEchoServer(t)
	pool := comm.NewPool(1, time.Second, dialer(addr))
	rw, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	pool.Destroy(rw)
	if pool.Active() != 0 {
		t.Errorf("expected no active connections after Destroy, got %d", pool.Active())
	}
	if _, err = pool.Get(); err != nil {
		t.Errorf("expected a fresh connection after Destroy, got %v", err)
	}
}

func TestPoolDestroyWakesWaiter(t *testing.T) {
	addr := tcpEchoServer(t)
	pool := comm.NewPool(1, time.Second, dialer(addr))
	rw, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	got := make(chan error, 1)
	go func() {
		_, err := pool.Get()
		got <- err
	}()
	select {
	case <-got:
		t.Fatal("second Get should block while the only connection is leased")
	case <-time.After(50 * time.Millisecond):
	}
	pool.Destroy(rw)
	select {
	case err := <-got:
		if err != nil {
			t.Errorf("expected a fresh connection after Destroy, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiting Get was not woken by Destroy")
	}
	if pool.Active() != 1 {
		t.Errorf("expected 1 active connection, got %d", pool.Active())
	}
}

func TestRemoteDeviceSendRecvStripsTerminator(t *testing.T) {
	addr := tcpEchoServer(t)
	rd := comm.NewRemoteDevice(addr, false, &comm.Terminators{Rx: '\n', Tx: '\n'}, nil)
	resp, err := rd.OpenSendRecvClose([]byte("POS? 1"))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "POS? 1" {
		t.Errorf("expected echo of POS? 1, got %q", resp)
	}
}

func TestRemoteDeviceNotConnected(t *testing.T) {
	rd := comm.NewRemoteDevice("127.0.0.1:1", false, nil, nil)
	if err := rd.Send([]byte("x")); err != comm.ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if _, err := rd.Recv(); err != comm.ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestRemoteDeviceSerialWithoutConfig(t *testing.T) {
	rd := comm.NewRemoteDevice("/dev/ttyS99", true, nil, nil)
	if err := rd.Open(); err == nil {
		t.Error("expected an error opening a serial device without a config")
	}
}

func TestRemoteDeviceCloseEventually(t *testing.T) {
	addr := tcpEchoServer(t)
	rd := comm.NewRemoteDevice(addr, false, nil, nil)
	rd.IdleTimeout = 10 * time.Millisecond
	if _, err := rd.OpenSendRecvClose([]byte("x")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	rd.Lock()
	defer rd.Unlock()
	if rd.Conn != nil {
		t.Error("expected the idle connection to be closed")
	}
}

func TestRecvKeepsBufferedLines(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	go func() {
		w := bufio.NewWriter(server)
		w.WriteString("1=0.5\r2=1.5\r")
		w.Flush()
	}()
	rd := comm.NewRemoteDevice("pipe", false, nil, nil)
	rd.Conn = client
	for _, want := range []string{"1=0.5", "2=1.5"} {
		got, err := rd.Recv()
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != want {
			t.Errorf("expected %q got %q", want, got)
		}
	}
}
