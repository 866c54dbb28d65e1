package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/omochice/listing-chat/internal/log"
	"github.com/omochice/listing-chat/pkg/protocol"
)

const (
	DefaultLivenessTimeout   = 10 * time.Second
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultRetryDelay        = 5 * time.Second
	DefaultMaxRetryDelay     = time.Minute
)

// Config configures a Transport. Zero values take the defaults above.
type Config struct {
	URL string

	LivenessTimeout   time.Duration
	KeepaliveInterval time.Duration
	WriteTimeout      time.Duration
	MaxRetryDelay     time.Duration

	// NewBackOff returns the retry policy for one connect cycle. It is
	// reset whenever a connection is established.
	NewBackOff func() backoff.BackOff

	Dialer        Dialer
	Clock         Clock
	Codec         *protocol.Codec
	Logger        *zerolog.Logger
	MessageBuffer int
}

// RetryPolicy returns a constant retry policy, or an exponential one
// starting at base and capped at max.
func RetryPolicy(base, max time.Duration, exponential bool) func() backoff.BackOff {
	if !exponential {
		return func() backoff.BackOff { return backoff.NewConstantBackOff(base) }
	}
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = base
		b.MaxInterval = max
		b.Reset()
		return b
	}
}

// Transport keeps one authenticated connection to a conversation alive.
// Network failures never surface as terminal errors: the transport moves
// to Reconnecting and retries until Disconnect is called or the server
// rejects the credential.
type Transport struct {
	cfg    Config
	logger zerolog.Logger

	mu             sync.Mutex
	state          ConnectionState
	creds          Credentials
	conversationID int64
	// epoch is bumped whenever the current connect cycle is abandoned.
	// Completions, timer fires and read errors carrying an older epoch
	// are dropped.
	epoch         uint64
	conn          Conn
	stop          chan struct{}
	cancelAttempt context.CancelFunc
	retryTimer    Timer
	backoff       backoff.BackOff
	pongs         map[string]chan struct{}

	messages chan protocol.Message
	states   chan ConnectionState
	wg       sync.WaitGroup
}

// NewTransport creates a Transport in the Disconnected state.
func NewTransport(cfg Config) *Transport {
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = DefaultLivenessTimeout
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = RetryPolicy(DefaultRetryDelay, cfg.MaxRetryDelay, false)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = WSDialer{WriteTimeout: cfg.WriteTimeout}
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Codec == nil {
		cfg.Codec = protocol.NewCodec()
	}
	if cfg.MessageBuffer <= 0 {
		cfg.MessageBuffer = 64
	}

	logger := log.L()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Transport{
		cfg:      cfg,
		logger:   logger.With().Str(log.FieldComponent, "transport").Logger(),
		state:    ConnectionState{Status: Disconnected},
		backoff:  cfg.NewBackOff(),
		pongs:    make(map[string]chan struct{}),
		messages: make(chan protocol.Message, cfg.MessageBuffer),
		states:   make(chan ConnectionState, 16),
	}
}

// Connect opens a connection for conversationID and blocks until the
// server acknowledges it or the first attempt fails. It is a no-op while
// the transport is already working on the same conversation and tears
// down a connection to any other conversation first.
//
// A failed first attempt returns ErrTimeout or ErrTransportFailure with
// the transport already Reconnecting. ErrAuthenticationRequired leaves
// it Disconnected with no retry.
func (t *Transport) Connect(ctx context.Context, creds Credentials, conversationID int64) error {
	t.mu.Lock()
	if t.state.Status != Disconnected {
		if t.conversationID == conversationID {
			t.mu.Unlock()
			return nil
		}
		t.logger.Info().
			Int64(log.FieldConversationID, t.conversationID).
			Msg("switching conversation")
		t.teardownLocked()
	}

	t.creds = creds
	t.conversationID = conversationID
	if err := checkToken(creds.Token, t.cfg.Clock.Now()); err != nil {
		t.epoch++
		t.setStateLocked(ConnectionState{Status: Disconnected, Err: err})
		t.mu.Unlock()
		return err
	}

	t.epoch++
	epoch := t.epoch
	t.backoff = t.cfg.NewBackOff()
	t.setStateLocked(ConnectionState{Status: Connecting})
	t.mu.Unlock()

	return t.attempt(ctx, epoch, 0)
}

// checkToken rejects missing and locally expired JWTs. Tokens that are
// not JWTs are left for the server to judge.
func checkToken(token string, now time.Time) error {
	if token == "" {
		return ErrAuthenticationRequired
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(now) {
		return ErrAuthenticationRequired
	}
	return nil
}

// attempt runs one dial and liveness round trip. n is the retry number,
// zero for the attempt started by Connect.
func (t *Transport) attempt(ctx context.Context, epoch uint64, n int) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.LivenessTimeout)
	defer cancel()

	t.mu.Lock()
	if t.epoch != epoch {
		t.mu.Unlock()
		return ErrDisconnected
	}
	t.cancelAttempt = cancel
	creds, conversationID := t.creds, t.conversationID
	t.mu.Unlock()

	conn, early, err := t.handshake(ctx, creds, conversationID)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.epoch != epoch || t.state.Status != Connecting {
		if conn != nil {
			conn.Close()
		}
		return ErrDisconnected
	}
	t.cancelAttempt = nil

	if err != nil {
		if errors.Is(err, ErrAuthenticationRequired) {
			t.epoch++
			t.setStateLocked(ConnectionState{Status: Disconnected, Err: ErrAuthenticationRequired})
			return ErrAuthenticationRequired
		}
		t.scheduleRetryLocked(n+1, err)
		return err
	}

	t.startLocked(conn, early)
	return nil
}

// handshake dials, sends the connect frame and reads until the server
// acknowledges it. Chat payloads that arrive first are returned so they
// can be delivered once the connection is up.
func (t *Transport) handshake(ctx context.Context, creds Credentials, conversationID int64) (Conn, []protocol.Message, error) {
	conn, err := t.cfg.Dialer.Dial(ctx, t.cfg.URL, creds.Token)
	if err != nil {
		return nil, nil, classify(ctx, err)
	}

	requestID := uuid.NewString()
	frame, err := protocol.EncodeFrame(protocol.Frame{
		Type:       protocol.FrameConnect,
		RequestID:  requestID,
		Token:      creds.Token,
		ChatRoomID: conversationID,
	})
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if err := conn.Write(ctx, frame); err != nil {
		conn.Close()
		return nil, nil, classify(ctx, err)
	}

	var early []protocol.Message
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			conn.Close()
			return nil, nil, classify(ctx, err)
		}

		switch protocol.PeekType(data) {
		case protocol.FrameConnected:
			f, err := protocol.DecodeFrame(data)
			if err == nil && f.RequestID != "" && f.RequestID != requestID {
				continue
			}
			return conn, early, nil
		case protocol.FrameError:
			f, _ := protocol.DecodeFrame(data)
			conn.Close()
			if f.Code == protocol.ErrorCodeUnauthorized {
				return nil, nil, ErrAuthenticationRequired
			}
			return nil, nil, fmt.Errorf("%w: server error %q: %s", ErrTransportFailure, f.Code, f.Message)
		case protocol.FramePing:
			f, _ := protocol.DecodeFrame(data)
			if err := t.writeFrame(ctx, conn, protocol.Frame{Type: protocol.FramePong, RequestID: f.RequestID}); err != nil {
				conn.Close()
				return nil, nil, classify(ctx, err)
			}
		case protocol.FrameMessage:
			early = append(early, t.decode(data, conversationID))
		}
	}
}

func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrAuthenticationRequired), errors.Is(err, ErrTimeout), errors.Is(err, ErrTransportFailure):
		return err
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
}

func (t *Transport) startLocked(conn Conn, early []protocol.Message) {
	t.conn = conn
	t.stop = make(chan struct{})
	t.backoff.Reset()
	t.setStateLocked(ConnectionState{Status: Connected})

	t.logger.Info().
		Int64(log.FieldConversationID, t.conversationID).
		Str(log.FieldRemoteAddr, conn.RemoteAddr()).
		Msg("connected")

	t.wg.Add(2)
	go t.readLoop(conn, t.epoch, t.stop, t.conversationID, early)
	go t.keepalive(conn, t.epoch, t.stop)
}

// scheduleRetryLocked moves to Reconnecting(n, d) and arms the retry timer.
func (t *Transport) scheduleRetryLocked(n int, cause error) {
	d := t.backoff.NextBackOff()
	if d == backoff.Stop || d > t.cfg.MaxRetryDelay {
		d = t.cfg.MaxRetryDelay
	}
	t.setStateLocked(ConnectionState{Status: Reconnecting, Attempt: n, NextDelay: d})

	t.logger.Warn().
		Err(cause).
		Int(log.FieldAttempt, n).
		Dur(log.FieldDelay, d).
		Msg("connection lost, retrying")

	epoch := t.epoch
	t.retryTimer = t.cfg.Clock.AfterFunc(d, func() { t.retry(epoch, n) })
}

func (t *Transport) retry(epoch uint64, n int) {
	t.mu.Lock()
	if t.epoch != epoch || t.state.Status != Reconnecting || t.state.Attempt != n {
		t.mu.Unlock()
		return
	}
	t.retryTimer = nil
	t.setStateLocked(ConnectionState{Status: Connecting, Attempt: n})
	t.mu.Unlock()

	_ = t.attempt(context.Background(), epoch, n)
}

// fail handles the loss of an established connection. Failures of a
// connection that is no longer current are ignored.
func (t *Transport) fail(conn Conn, epoch uint64, cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.epoch != epoch || t.conn != conn {
		return
	}
	t.closeConnLocked()

	if errors.Is(cause, ErrAuthenticationRequired) {
		t.epoch++
		t.setStateLocked(ConnectionState{Status: Disconnected, Err: ErrAuthenticationRequired})
		return
	}
	t.backoff.Reset()
	t.scheduleRetryLocked(1, cause)
}

func (t *Transport) readLoop(conn Conn, epoch uint64, stop chan struct{}, conversationID int64, early []protocol.Message) {
	defer t.wg.Done()

	for _, m := range early {
		if !t.deliver(m, stop) {
			return
		}
	}

	for {
		data, err := conn.Read(context.Background())
		if err != nil {
			t.fail(conn, epoch, fmt.Errorf("%w: read: %v", ErrTransportFailure, err))
			return
		}

		switch protocol.PeekType(data) {
		case protocol.FramePong:
			f, _ := protocol.DecodeFrame(data)
			t.resolvePong(f.RequestID)
		case protocol.FramePing:
			f, _ := protocol.DecodeFrame(data)
			ctx, cancel := context.WithTimeout(context.Background(), t.cfg.WriteTimeout)
			err := t.writeFrame(ctx, conn, protocol.Frame{Type: protocol.FramePong, RequestID: f.RequestID})
			cancel()
			if err != nil {
				t.fail(conn, epoch, fmt.Errorf("%w: pong: %v", ErrTransportFailure, err))
				return
			}
		case protocol.FrameError:
			f, _ := protocol.DecodeFrame(data)
			if f.Code == protocol.ErrorCodeUnauthorized {
				t.fail(conn, epoch, ErrAuthenticationRequired)
				return
			}
			t.logger.Warn().Str("code", f.Code).Str("detail", f.Message).Msg("server error frame")
		case protocol.FrameConnect, protocol.FrameConnected:
		default:
			if !t.deliver(t.decode(data, conversationID), stop) {
				return
			}
		}
	}
}

func (t *Transport) decode(data []byte, conversationID int64) protocol.Message {
	m, err := t.cfg.Codec.Decode(data)
	if err != nil {
		t.logger.Debug().Err(err).Int("size", len(data)).Msg("undecodable payload, using raw text")
		m = t.cfg.Codec.Fallback(data)
	}
	if m.ConversationID == 0 {
		m.ConversationID = conversationID
	}
	return m
}

func (t *Transport) deliver(m protocol.Message, stop chan struct{}) bool {
	select {
	case t.messages <- m:
		return true
	case <-stop:
		return false
	}
}

func (t *Transport) keepalive(conn Conn, epoch uint64, stop chan struct{}) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := t.probe(conn, stop); err != nil {
				t.fail(conn, epoch, err)
				return
			}
		}
	}
}

// probe sends one ping and waits for its pong. It is skipped when conn
// is no longer the live connection.
func (t *Transport) probe(conn Conn, stop chan struct{}) error {
	requestID := uuid.NewString()
	pong := make(chan struct{})

	t.mu.Lock()
	if t.state.Status != Connected || t.conn != conn {
		t.mu.Unlock()
		return nil
	}
	t.pongs[requestID] = pong
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pongs, requestID)
		t.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.LivenessTimeout)
	defer cancel()

	if err := t.writeFrame(ctx, conn, protocol.Frame{Type: protocol.FramePing, RequestID: requestID}); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrTransportFailure, err)
	}

	select {
	case <-pong:
		return nil
	case <-stop:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: keepalive", ErrTimeout)
	}
}

func (t *Transport) resolvePong(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.pongs[requestID]; ok {
		close(ch)
		delete(t.pongs, requestID)
	}
}

func (t *Transport) writeFrame(ctx context.Context, conn Conn, f protocol.Frame) error {
	data, err := protocol.EncodeFrame(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, data)
}

// Send writes a chat message to the current conversation. It never
// queues: outside Connected it fails with ErrNotConnected, or with
// ErrAuthenticationRequired after the credential was rejected.
func (t *Transport) Send(ctx context.Context, text string) error {
	t.mu.Lock()
	state, conn, conversationID, epoch := t.state, t.conn, t.conversationID, t.epoch
	t.mu.Unlock()

	if state.Status != Connected || conn == nil {
		if errors.Is(state.Err, ErrAuthenticationRequired) {
			return ErrAuthenticationRequired
		}
		return ErrNotConnected
	}

	data, err := t.cfg.Codec.Encode(text, conversationID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, data); err != nil {
		t.fail(conn, epoch, fmt.Errorf("%w: send: %v", ErrTransportFailure, err))
		return fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	return nil
}

// Disconnect closes the connection and cancels reconnect timers and
// in-flight attempts. It is safe to call any number of times.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.teardownLocked()
	t.setStateLocked(ConnectionState{Status: Disconnected})
	t.mu.Unlock()

	t.wg.Wait()
}

func (t *Transport) teardownLocked() {
	t.epoch++
	if t.cancelAttempt != nil {
		t.cancelAttempt()
		t.cancelAttempt = nil
	}
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
	t.closeConnLocked()
}

func (t *Transport) closeConnLocked() {
	if t.conn == nil {
		return
	}
	close(t.stop)
	t.conn.Close()
	t.conn = nil
	t.stop = nil
	clear(t.pongs)
}

// setStateLocked records and publishes s. Subscribers that fall behind
// lose the oldest states, never the latest.
func (t *Transport) setStateLocked(s ConnectionState) {
	if s == t.state {
		return
	}
	t.state = s
	t.logger.Debug().Stringer(log.FieldState, s).Msg("state changed")

	select {
	case t.states <- s:
		return
	default:
	}
	select {
	case <-t.states:
	default:
	}
	select {
	case t.states <- s:
	default:
	}
}

// State returns the current connection state.
func (t *Transport) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Conversation returns the conversation of the last Connect call.
func (t *Transport) Conversation() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conversationID
}

// Messages returns the inbound message stream. It is shared by every
// connection the transport makes and is never closed.
func (t *Transport) Messages() <-chan protocol.Message {
	return t.messages
}

// States returns the connection state stream.
func (t *Transport) States() <-chan ConnectionState {
	return t.states
}
