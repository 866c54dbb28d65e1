package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/omochice/listing-chat/pkg/protocol"
)

// fakeConn is an in-memory Conn. With ack set it answers connect frames
// and with pong set it answers pings, like a healthy server.
type fakeConn struct {
	ack  bool
	pong bool

	inbox     chan []byte
	readErr   chan error
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
	// beforeAck is pushed right before the connected frame.
	beforeAck [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		ack:     true,
		pong:    true,
		inbox:   make(chan []byte, 64),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbox:
		return data, nil
	case err := <-c.readErr:
		return nil, err
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return err
	}
	c.written = append(c.written, append([]byte(nil), data...))
	early := c.beforeAck
	c.mu.Unlock()

	var f protocol.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil
	}
	switch {
	case f.Type == protocol.FrameConnect && c.ack:
		for _, e := range early {
			c.push(e)
		}
		c.pushFrame(protocol.Frame{Type: protocol.FrameConnected, RequestID: f.RequestID})
	case f.Type == protocol.FramePing && c.pong:
		c.pushFrame(protocol.Frame{Type: protocol.FramePong, RequestID: f.RequestID})
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "fake" }

func (c *fakeConn) push(data []byte) { c.inbox <- data }

func (c *fakeConn) pushFrame(f protocol.Frame) {
	data, _ := protocol.EncodeFrame(f)
	c.push(data)
}

func (c *fakeConn) failRead(err error) { c.readErr <- err }

func (c *fakeConn) failWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *fakeConn) frames() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Frame
	for _, data := range c.written {
		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err == nil && f.Type != "" {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) lastWrite() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.written) == 0 {
		return nil
	}
	return c.written[len(c.written)-1]
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeDialer hands out connections from dial, counting calls.
type fakeDialer struct {
	mu     sync.Mutex
	dials  int
	tokens []string
	dial   func(ctx context.Context, n int) (Conn, error)
}

func (d *fakeDialer) Dial(ctx context.Context, url, token string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.tokens = append(d.tokens, token)
	dial := d.dial
	d.mu.Unlock()
	return dial(ctx, n)
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// dialConns returns the given connections in order, then refuses.
func dialConns(conns ...*fakeConn) func(context.Context, int) (Conn, error) {
	return func(_ context.Context, n int) (Conn, error) {
		if n <= len(conns) {
			return conns[n-1], nil
		}
		return nil, errors.New("connection refused")
	}
}

// fakeClock records timers instead of running them.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// fire runs the most recently scheduled timer, even a stopped one, to
// model a fire racing with Stop.
func (c *fakeClock) fire(t *testing.T) {
	t.Helper()
	c.mu.Lock()
	if len(c.timers) == 0 {
		c.mu.Unlock()
		t.Fatal("no timer scheduled")
	}
	timer := c.timers[len(c.timers)-1]
	c.timers = c.timers[:len(c.timers)-1]
	c.mu.Unlock()
	timer.f()
}

func (c *fakeClock) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func waitForState(t *testing.T, tr *Transport, want func(ConnectionState) bool) ConnectionState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := tr.State(); want(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never matched, last state %v", tr.State())
	return ConnectionState{}
}

func isStatus(status Status) func(ConnectionState) bool {
	return func(s ConnectionState) bool { return s.Status == status }
}

func receive(t *testing.T, ch <-chan protocol.Message) protocol.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return protocol.Message{}
	}
}
