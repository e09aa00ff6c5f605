package broadcast

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/dbgbridge/internal/testutil/testlog"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	srv := New(Config{
		Name:         "test",
		Addr:         "127.0.0.1:0",
		PollTimeout:  5 * time.Millisecond,
		WriteTimeout: 2 * time.Second,
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func dialClient(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	before := srv.Clients()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	waitFor(t, "client registered", func() bool { return srv.Clients() == before+1 })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func readExactly(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	return buf
}

func TestSendWithoutClientsIsNoop(t *testing.T) {
	testlog.Start(t)

	srv := startTestServer(t)
	if got := srv.Send([]byte("nobody home")); got != 0 {
		t.Fatalf("Send = %d, want 0", got)
	}
	if srv.Clients() != 0 {
		t.Fatalf("clients = %d", srv.Clients())
	}
}

func TestSendFansOutInOrder(t *testing.T) {
	testlog.Start(t)

	srv := startTestServer(t)
	a := dialClient(t, srv)
	b := dialClient(t, srv)

	msgs := []string{"one\r\n", "two\r\n", "three\r\n"}
	for _, m := range msgs {
		if got := srv.Send([]byte(m)); got != 2 {
			t.Fatalf("Send(%q) delivered to %d clients, want 2", m, got)
		}
	}
	want := "one\r\ntwo\r\nthree\r\n"
	for name, conn := range map[string]net.Conn{"a": a, "b": b} {
		if got := string(readExactly(t, conn, len(want))); got != want {
			t.Fatalf("client %s got %q, want %q", name, got, want)
		}
	}
}

func TestResetClientIsRemovedOnNextSend(t *testing.T) {
	testlog.Start(t)

	srv := startTestServer(t)
	stay := dialClient(t, srv)
	leave := dialClient(t, srv)

	// Linger 0 makes Close send a reset instead of a FIN.
	if err := leave.(*net.TCPConn).SetLinger(0); err != nil {
		t.Fatalf("set linger: %v", err)
	}
	_ = leave.Close()

	if got := srv.Send([]byte("after\r\n")); got != 1 {
		t.Fatalf("Send delivered to %d clients, want 1", got)
	}
	if srv.Clients() != 1 {
		t.Fatalf("clients = %d, want 1", srv.Clients())
	}
	if got := string(readExactly(t, stay, 7)); got != "after\r\n" {
		t.Fatalf("remaining client got %q", got)
	}
	if got := srv.Send([]byte("again\r\n")); got != 1 {
		t.Fatalf("second Send delivered to %d clients, want 1", got)
	}
	if got := string(readExactly(t, stay, 7)); got != "again\r\n" {
		t.Fatalf("remaining client got %q", got)
	}
}

func TestClosedClientIsRemovedBySend(t *testing.T) {
	testlog.Start(t)

	srv := startTestServer(t)
	stay := dialClient(t, srv)
	leave := dialClient(t, srv)
	_ = leave.Close()

	// The first write to a closed peer can still be accepted by the kernel;
	// the reset it provokes fails a following one.
	sent := 0
	waitFor(t, "closed client removed", func() bool {
		srv.Send([]byte("x"))
		sent++
		return srv.Clients() == 1
	})
	if got := srv.Send([]byte("x")); got != 1 {
		t.Fatalf("Send delivered to %d clients, want 1", got)
	}
	sent++
	if got := readExactly(t, stay, sent); len(got) != sent {
		t.Fatalf("remaining client got %d bytes, want %d", len(got), sent)
	}
}

func TestHalfClosedClientKeepsReceiving(t *testing.T) {
	testlog.Start(t)

	srv := startTestServer(t)
	conn := dialClient(t, srv)
	if err := conn.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("close write: %v", err)
	}
	// Give the server time to read the FIN.
	time.Sleep(50 * time.Millisecond)

	if srv.Clients() != 1 {
		t.Fatalf("clients after half-close = %d, want 1", srv.Clients())
	}
	if got := srv.Send([]byte("hello\r\n")); got != 1 {
		t.Fatalf("Send delivered to %d clients, want 1", got)
	}
	if got := string(readExactly(t, conn, 7)); got != "hello\r\n" {
		t.Fatalf("half-closed client got %q", got)
	}
}

func TestShutdownDisconnectsClients(t *testing.T) {
	testlog.Start(t)

	srv := startTestServer(t)
	conn := dialClient(t, srv)

	srv.Shutdown()
	srv.Shutdown()

	if srv.Clients() != 0 {
		t.Fatalf("clients after shutdown = %d", srv.Clients())
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := bufio.NewReader(conn).ReadByte(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after shutdown, got %v", err)
	}
	if _, err := net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond); err == nil {
		t.Fatalf("listener still accepting after shutdown")
	}
}

func TestAcceptPendingStates(t *testing.T) {
	testlog.Start(t)

	srv := New(Config{Name: "idle", PollTimeout: time.Millisecond})
	if err := srv.AcceptPending(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	srv.Shutdown()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := srv.Listen(context.Background(), ln); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after shutdown, got %v", err)
	}
	if srv.Addr() != nil {
		t.Fatalf("stopped server took the listener: %v", srv.Addr())
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	manual := New(Config{Name: "manual", PollTimeout: 10 * time.Millisecond})
	// A cancelled ctx keeps the background loop out of the way.
	if err := manual.Listen(ctx, ln); err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer manual.Shutdown()
	if err := manual.Listen(ctx, ln); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}

	start := time.Now()
	if err := manual.AcceptPending(); err != nil {
		t.Fatalf("idle accept: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("idle accept blocked for %v", elapsed)
	}

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, "pending accept", func() bool {
		if err := manual.AcceptPending(); err != nil {
			t.Fatalf("accept: %v", err)
		}
		return manual.Clients() == 1
	})
}

// fakeConn is a net.Conn whose Write result is scripted.
type fakeConn struct {
	writeN   int
	writeErr error

	mu     sync.Mutex
	writes int
	closed chan struct{}
	once   sync.Once
}

func newFakeConn(n int, err error) *fakeConn {
	return &fakeConn{writeN: n, writeErr: err, closed: make(chan struct{})}
}

func (c *fakeConn) Read(p []byte) (int, error) {
	<-c.closed
	return 0, net.ErrClosed
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeN, c.writeErr
	}
	return len(p), nil
}

func (c *fakeConn) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) LocalAddr() net.Addr              { return &net.TCPAddr{} }
func (c *fakeConn) RemoteAddr() net.Addr             { return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1} }
func (c *fakeConn) SetDeadline(time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func TestSendIsolatesFailingAndStalledClients(t *testing.T) {
	testlog.Start(t)

	srv := New(Config{Name: "fake"})
	defer srv.Shutdown()

	healthy := newFakeConn(0, nil)
	broken := newFakeConn(0, errors.New("connection reset by peer"))
	stalled := newFakeConn(0, os.ErrDeadlineExceeded)
	partial := newFakeConn(3, os.ErrDeadlineExceeded)
	for _, c := range []*fakeConn{healthy, broken, stalled, partial} {
		srv.addClient(c)
	}

	if got := srv.Send([]byte("payload")); got != 1 {
		t.Fatalf("Send delivered to %d clients, want 1", got)
	}
	if srv.Clients() != 2 {
		t.Fatalf("clients = %d, want healthy and stalled only", srv.Clients())
	}

	if got := srv.Send([]byte("payload")); got != 1 {
		t.Fatalf("second Send delivered to %d clients, want 1", got)
	}
	if broken.Writes() != 1 || partial.Writes() != 1 {
		t.Fatalf("dropped clients written again: broken=%d partial=%d", broken.Writes(), partial.Writes())
	}
	if stalled.Writes() != 2 || healthy.Writes() != 2 {
		t.Fatalf("kept clients missed a send: stalled=%d healthy=%d", stalled.Writes(), healthy.Writes())
	}
}

// flakyListener fails its first Accept and then hands out one connection.
type flakyListener struct {
	conn net.Conn

	mu       sync.Mutex
	calls    int
	deadline time.Time
	closed   bool
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	l.calls++
	calls, deadline, closed, conn := l.calls, l.deadline, l.closed, l.conn
	if calls == 2 {
		l.conn = nil
	}
	l.mu.Unlock()

	switch {
	case closed:
		return nil, net.ErrClosed
	case calls == 1:
		return nil, errors.New("too many open files")
	case conn != nil:
		return conn, nil
	}
	time.Sleep(time.Until(deadline))
	return nil, os.ErrDeadlineExceeded
}

func (l *flakyListener) SetDeadline(t time.Time) error {
	l.mu.Lock()
	l.deadline = t
	l.mu.Unlock()
	return nil
}

func (l *flakyListener) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *flakyListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func (l *flakyListener) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func TestAcceptLoopContinuesAfterError(t *testing.T) {
	testlog.Start(t)

	conn := newFakeConn(0, nil)
	ln := &flakyListener{conn: conn}
	srv := New(Config{Name: "flaky", PollTimeout: 2 * time.Millisecond})
	if err := srv.Listen(context.Background(), ln); err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Shutdown()

	waitFor(t, "client accepted after a failed accept", func() bool { return srv.Clients() == 1 })
	if ln.Calls() < 2 {
		t.Fatalf("accept called %d times, want at least 2", ln.Calls())
	}
	if got := srv.Send([]byte("ok")); got != 1 {
		t.Fatalf("Send delivered to %d clients, want 1", got)
	}
}
