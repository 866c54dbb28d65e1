// Package relay is a small chat server speaking the client's wire
// protocol. It backs local development and the integration tests.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/omochice/listing-chat/internal/log"
	chatws "github.com/omochice/listing-chat/internal/transport/ws"
	"github.com/omochice/listing-chat/pkg/protocol"
)

// Error codes sent in error frames besides protocol.ErrorCodeUnauthorized.
const (
	ErrorCodeBadRequest = "bad_request"
)

// Options configures a Relay.
type Options struct {
	Secret           string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Now              func() time.Time
	Logger           *zerolog.Logger
}

// Relay assigns server ids to posted messages, keeps each room's
// history in memory and broadcasts messages to the room's clients.
type Relay struct {
	hub              *Hub
	auth             *Authenticator
	codec            *protocol.Codec
	logger           zerolog.Logger
	now              func() time.Time
	handshakeTimeout time.Duration
	writeTimeout     time.Duration

	mu     sync.Mutex
	nextID int64
	rooms  map[int64][]protocol.Message
}

// New creates a Relay.
func New(opts Options) *Relay {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := log.L()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	auth := NewAuthenticator(opts.Secret)
	auth.now = opts.Now

	return &Relay{
		hub:              NewHub(),
		auth:             auth,
		codec:            protocol.NewCodec(protocol.WithClock(opts.Now)),
		logger:           logger.With().Str(log.FieldComponent, "relay").Logger(),
		now:              opts.Now,
		handshakeTimeout: opts.HandshakeTimeout,
		writeTimeout:     opts.WriteTimeout,
		rooms:            make(map[int64][]protocol.Message),
	}
}

// Authenticator returns the relay's token authority.
func (r *Relay) Authenticator() *Authenticator { return r.auth }

// Hub returns the relay's client registry.
func (r *Relay) Hub() *Hub { return r.hub }

// Handler routes the websocket endpoint and the history API.
func (r *Relay) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(log.HTTPMiddleware(r.logger))
	router.HandleFunc("/ws", r.handleSocket).Methods(http.MethodGet)
	router.HandleFunc("/api/chat-rooms/{id:[0-9]+}/messages", r.handleHistory).Methods(http.MethodGet)
	return router
}

// OpenRoom makes a room known so its history can be fetched before
// anyone has posted.
func (r *Relay) OpenRoom(room int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[room]; !ok {
		r.rooms[room] = []protocol.Message{}
	}
}

// Post stores a message from senderID and broadcasts it to the room.
func (r *Relay) Post(room, senderID int64, text string) (protocol.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	m := protocol.Message{
		ID:             r.nextID,
		ConversationID: room,
		SenderID:       senderID,
		Text:           text,
		SentAt:         r.now().UTC(),
	}
	r.rooms[room] = append(r.rooms[room], m)

	data, err := protocol.EncodeChat(m, nickname(senderID))
	if err != nil {
		return protocol.Message{}, err
	}
	delivered := r.hub.Broadcast(room, data)

	r.logger.Debug().
		Int64(log.FieldConversationID, room).
		Int64(log.FieldMessageID, m.ID).
		Int("delivered", delivered).
		Msg("message posted")
	return m, nil
}

// History returns the messages of room, oldest first.
func (r *Relay) History(room int64) ([]protocol.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	messages, ok := r.rooms[room]
	return append([]protocol.Message(nil), messages...), ok
}

// Close disconnects every client.
func (r *Relay) Close() {
	for _, client := range r.hub.Clients() {
		client.Conn.Close()
	}
}

func nickname(userID int64) string {
	return "user" + strconv.FormatInt(userID, 10)
}

func bearerToken(req *http.Request) string {
	const prefix = "Bearer "
	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func (r *Relay) handleSocket(w http.ResponseWriter, req *http.Request) {
	// A token on the upgrade request is checked before upgrading. The
	// connect frame carries it as well and is always checked.
	if token := bearerToken(req); token != "" {
		if _, err := r.auth.Validate(token); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := chatws.Upgrade(w, req)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to upgrade")
		return
	}
	r.serveConn(conn)
}

func (r *Relay) serveConn(conn Conn) {
	defer conn.Close()

	client, err := r.handshake(conn)
	if err != nil {
		r.logger.Info().Err(err).Str(log.FieldRemoteAddr, conn.RemoteAddr()).Msg("handshake rejected")
		return
	}
	logger := r.logger.With().
		Int64(log.FieldUserID, client.UserID).
		Int64(log.FieldConversationID, client.Room).
		Logger()
	logger.Info().Msg("client joined")

	r.hub.Register(client)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.writeLoop(client)
	}()
	defer wg.Wait()
	defer close(client.Outgoing)
	defer r.hub.Unregister(client)

	r.readLoop(client, logger)
	logger.Info().Msg("client left")
}

func (r *Relay) handshake(conn Conn) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.handshakeTimeout)
	defer cancel()

	data, err := conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read connect frame: %w", err)
	}
	f, err := protocol.DecodeFrame(data)
	if err != nil || f.Type != protocol.FrameConnect {
		r.reject(ctx, conn, f.RequestID, ErrorCodeBadRequest, "expected connect frame")
		return nil, errors.New("first frame was not a connect frame")
	}

	userID, err := r.auth.Validate(f.Token)
	if err != nil {
		r.reject(ctx, conn, f.RequestID, protocol.ErrorCodeUnauthorized, err.Error())
		return nil, err
	}
	if f.ChatRoomID <= 0 {
		r.reject(ctx, conn, f.RequestID, ErrorCodeBadRequest, "chatRoomId is required")
		return nil, errors.New("connect frame without chatRoomId")
	}

	r.OpenRoom(f.ChatRoomID)
	client := &Client{
		Conn:     conn,
		UserID:   userID,
		Room:     f.ChatRoomID,
		Outgoing: make(chan []byte, 32),
	}
	ack, err := protocol.EncodeFrame(protocol.Frame{Type: protocol.FrameConnected, RequestID: f.RequestID})
	if err != nil {
		return nil, err
	}
	client.Outgoing <- ack
	return client, nil
}

func (r *Relay) reject(ctx context.Context, conn Conn, requestID, code, message string) {
	data, err := protocol.EncodeFrame(protocol.Frame{
		Type:      protocol.FrameError,
		RequestID: requestID,
		Code:      code,
		Message:   message,
	})
	if err != nil {
		return
	}
	_ = conn.Write(ctx, data)
}

func (r *Relay) readLoop(client *Client, logger zerolog.Logger) {
	for {
		data, err := client.Conn.Read(context.Background())
		if err != nil {
			return
		}

		switch protocol.PeekType(data) {
		case protocol.FramePing:
			f, _ := protocol.DecodeFrame(data)
			pong, err := protocol.EncodeFrame(protocol.Frame{Type: protocol.FramePong, RequestID: f.RequestID})
			if err == nil {
				client.Outgoing <- pong
			}
		case protocol.FrameMessage:
			m, err := r.codec.Decode(data)
			if err != nil || strings.TrimSpace(m.Text) == "" {
				logger.Debug().Err(err).Msg("ignoring malformed send")
				continue
			}
			if _, err := r.Post(client.Room, client.UserID, m.Text); err != nil {
				logger.Warn().Err(err).Msg("failed to post message")
			}
		}
	}
}

// writeLoop is the only writer of client.Conn once the client is
// registered. After a write error it closes the connection and drains
// the queue so senders never block.
func (r *Relay) writeLoop(client *Client) {
	failed := false
	for data := range client.Outgoing {
		if failed {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		err := client.Conn.Write(ctx, data)
		cancel()
		if err != nil {
			failed = true
			client.Conn.Close()
		}
	}
}

type historyResponse struct {
	Data []json.RawMessage `json:"data"`
}

// handleHistory handles GET /api/chat-rooms/{id}/messages
func (r *Relay) handleHistory(w http.ResponseWriter, req *http.Request) {
	if _, err := r.auth.Validate(bearerToken(req)); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	room, err := strconv.ParseInt(mux.Vars(req)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	messages, ok := r.History(room)
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	resp := historyResponse{Data: make([]json.RawMessage, 0, len(messages))}
	for _, m := range messages {
		data, err := protocol.EncodeChat(m, nickname(m.SenderID))
		if err != nil {
			http.Error(w, "failed to encode history", http.StatusInternalServerError)
			return
		}
		resp.Data = append(resp.Data, data)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
