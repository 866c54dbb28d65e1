package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// WSDialer dials the chat server over websocket using gobwas/ws. The token
// is sent as a bearer Authorization header on the upgrade request.
type WSDialer struct {
	WriteTimeout time.Duration
}

// Dial implements Dialer.
func (d WSDialer) Dial(ctx context.Context, url, token string) (Conn, error) {
	var dialer ws.Dialer
	if token != "" {
		dialer.Header = ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + token},
		})
	}

	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		var status ws.StatusError
		if errors.As(err, &status) && (int(status) == http.StatusUnauthorized || int(status) == http.StatusForbidden) {
			return nil, ErrAuthenticationRequired
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
		return nil, fmt.Errorf("%w: dial: %v", ErrTransportFailure, err)
	}
	return newWebSocketConn(conn, br, d.WriteTimeout), nil
}

// webSocketConn wraps a client-side net.Conn. Writes, including control
// replies produced while reading, are serialised by mu.
type webSocketConn struct {
	conn         net.Conn
	reader       *wsutil.Reader
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
}

func newWebSocketConn(conn net.Conn, br *bufio.Reader, writeTimeout time.Duration) *webSocketConn {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	c := &webSocketConn{conn: conn, writeTimeout: writeTimeout}

	var src io.Reader = conn
	if br != nil {
		// The server wrote frames right after the handshake.
		src = io.MultiReader(br, conn)
	}
	c.reader = &wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: c.handleControl,
	}
	return c
}

func (c *webSocketConn) handleControl(hdr ws.Header, r io.Reader) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.ControlFrameHandler(c.conn, ws.StateClientSide)(hdr, r)
}

// Read returns the next text or binary message. Pings are answered and
// a close frame ends the read with an error.
func (c *webSocketConn) Read(ctx context.Context) ([]byte, error) {
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}
	// Expire the read once ctx is done, so ctx.Err() is set by the time
	// the read fails.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	for {
		hdr, err := c.reader.NextFrame()
		if err != nil {
			return nil, c.readErr(ctx, err)
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, c.reader); err != nil {
				return nil, c.readErr(ctx, err)
			}
			continue
		}
		if hdr.OpCode != ws.OpText && hdr.OpCode != ws.OpBinary {
			if err := c.reader.Discard(); err != nil {
				return nil, c.readErr(ctx, err)
			}
			continue
		}

		data, err := io.ReadAll(c.reader)
		if err != nil {
			return nil, c.readErr(ctx, err)
		}
		return data, nil
	}
}

func (c *webSocketConn) readErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// Write sends data as one text frame.
func (c *webSocketConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	defer c.conn.SetWriteDeadline(time.Time{})

	return wsutil.WriteClientText(c.conn, data)
}

// Close sends a close frame and closes the connection.
func (c *webSocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, nil)
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr returns the server address.
func (c *webSocketConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
