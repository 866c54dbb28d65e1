// Package client implements the chat transport: one websocket connection
// per conversation with authentication, keepalive and automatic
// reconnection.
package client

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned by Send when the transport is not Connected.
	ErrNotConnected = errors.New("not connected to server")

	// ErrTransportFailure wraps network failures. These always lead to an
	// automatic reconnect.
	ErrTransportFailure = errors.New("transport failure")

	// ErrTimeout is returned when the server does not acknowledge a
	// connect or keepalive request in time.
	ErrTimeout = errors.New("server did not acknowledge in time")

	// ErrAuthenticationRequired is returned when the credential is missing,
	// expired or rejected. The transport does not retry after it.
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrDisconnected is returned by a connect attempt abandoned by Disconnect.
	ErrDisconnected = errors.New("disconnected")
)

// Credentials authenticate a connection.
type Credentials struct {
	UserID int64
	Token  string
}

// Conn abstracts one bidirectional message connection.
type Conn interface {
	// Read reads a single data frame.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single data frame.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Dialer opens connections. A dialer returns ErrAuthenticationRequired
// when the server rejects the token during the handshake.
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Conn, error)
}
