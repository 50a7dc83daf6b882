package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/collabhub/pushgate/internal/registry"
)

var errFakeClosed = errors.New("fake conn closed")

// fakeWSConn implements wsConn for tests, fed lines over a channel and recording every outbound write.
type fakeWSConn struct {
	in     chan []byte
	closed chan struct{}

	mu       sync.Mutex
	messages [][]byte
	controls [][]byte
}

func newFakeWSConn() *fakeWSConn {
	return &fakeWSConn{in: make(chan []byte, 8), closed: make(chan struct{})}
}

func (f *fakeWSConn) ReadMessage() (int, []byte, error) {
	select {
	case line, ok := <-f.in:
		if !ok {
			return 0, nil, errFakeClosed
		}
		return 1, line, nil
	case <-f.closed:
		return 0, nil, errFakeClosed
	}
}

func (f *fakeWSConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, data)
	return nil
}

func (f *fakeWSConn) WriteControl(_ int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, data)
	return nil
}

func (f *fakeWSConn) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeWSConn) SetReadLimit(int64)               {}
func (f *fakeWSConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeWSConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWSConn) sentMessages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.messages))
	copy(out, f.messages)
	return out
}

func (f *fakeWSConn) send(line string) { f.in <- []byte(line) }

type fakeAuthenticator struct {
	userID string
	ok     bool
	err    error
}

func (a fakeAuthenticator) Authenticate(context.Context, string, string) (string, bool, error) {
	return a.userID, a.ok, a.err
}

func TestConnHappyPathAuthenticates(t *testing.T) {
	t.Parallel()
	ws := newFakeWSConn()
	reg := registry.New()
	c := NewConn(ws, fakeAuthenticator{userID: "alice", ok: true}, reg, zerolog.Nop())

	done := make(chan struct{})
	go func() { c.Serve(context.Background()); close(done) }()

	ws.send("alice")
	ws.send("secret")

	waitForMessages(t, ws, 1)
	if c.UserID() != "alice" {
		t.Fatalf("UserID() = %q, want alice", c.UserID())
	}
	if got := reg.ConnectionsFor("alice"); len(got) != 1 {
		t.Fatalf("registry has %d connections for alice, want 1", len(got))
	}

	ws.Close()
	<-done
}

func TestConnRejectsBadCredentials(t *testing.T) {
	t.Parallel()
	ws := newFakeWSConn()
	reg := registry.New()
	c := NewConn(ws, fakeAuthenticator{ok: false}, reg, zerolog.Nop())

	done := make(chan struct{})
	go func() { c.Serve(context.Background()); close(done) }()

	ws.send("mallory")
	ws.send("wrong")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("connection did not close after failed authentication")
	}

	if len(reg.ConnectionsFor("mallory")) != 0 {
		t.Fatal("registry should not have added an unauthenticated connection")
	}
}

func TestConnNotifyFileIDOptIn(t *testing.T) {
	t.Parallel()
	ws := newFakeWSConn()
	reg := registry.New()
	c := NewConn(ws, fakeAuthenticator{userID: "bob", ok: true}, reg, zerolog.Nop())

	done := make(chan struct{})
	go func() { c.Serve(context.Background()); close(done) }()

	ws.send("bob")
	ws.send("secret")
	waitForMessages(t, ws, 1)

	ws.send("listen notify_file_id")
	waitForNotifyFileID(t, c)

	ws.Close()
	<-done
}

func TestConnSendNeverBlocksOnFullBuffer(t *testing.T) {
	t.Parallel()
	ws := newFakeWSConn()
	reg := registry.New()
	c := NewConn(ws, fakeAuthenticator{userID: "carol", ok: true}, reg, zerolog.Nop())

	var dropped int
	var mu sync.Mutex
	c.OnDropped = func() {
		mu.Lock()
		dropped++
		mu.Unlock()
	}

	for i := 0; i < sendBufferSize+10; i++ {
		c.Send([]byte("notify_file"))
	}

	mu.Lock()
	defer mu.Unlock()
	if dropped == 0 {
		t.Fatal("expected at least one dropped frame once the buffer filled")
	}
}

func waitForMessages(t *testing.T, ws *fakeWSConn, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(ws.sentMessages()) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, got %d", n, len(ws.sentMessages()))
}

func waitForNotifyFileID(t *testing.T, c *Conn) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.NotifyFileIDEnabled() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for notify_file_id opt-in to be recorded")
}
