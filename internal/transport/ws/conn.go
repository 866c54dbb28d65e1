// Package ws provides the server side of the chat websocket transport.
package ws

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn is an upgraded server-side websocket connection.
type Conn struct {
	conn       net.Conn
	reader     *wsutil.Reader
	remoteAddr string

	mu        sync.Mutex
	closeOnce sync.Once
}

// Upgrade upgrades the HTTP request to a websocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, err
	}
	return NewConnWithAddr(conn, rw.Reader, r.RemoteAddr), nil
}

// NewConnWithAddr wraps an upgraded net.Conn. br holds bytes buffered
// during the upgrade and may be nil.
func NewConnWithAddr(conn net.Conn, br *bufio.Reader, addr string) *Conn {
	c := &Conn{conn: conn, remoteAddr: addr}
	var src io.Reader = conn
	if br != nil {
		src = br
	}
	c.reader = &wsutil.Reader{
		Source:         src,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: c.handleControl,
	}
	return c
}

func (c *Conn) handleControl(hdr ws.Header, r io.Reader) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.ControlFrameHandler(c.conn, ws.StateServerSide)(hdr, r)
}

// Read reads the next data frame. Returns io.EOF when the peer closes.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}
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
				if _, closed := err.(wsutil.ClosedError); closed {
					return nil, io.EOF
				}
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

func (c *Conn) readErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// Write sends data as a text frame.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerText(c.conn, data)
}

// Close sends a close frame and closes the connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr returns the client address.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}
