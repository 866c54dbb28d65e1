// Package session wires history, the transport and the reconciler
// together for the lifetime of one conversation.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/omochice/listing-chat/internal/chat"
	"github.com/omochice/listing-chat/internal/client"
	"github.com/omochice/listing-chat/internal/history"
	"github.com/omochice/listing-chat/internal/log"
	"github.com/omochice/listing-chat/internal/store"
	"github.com/omochice/listing-chat/pkg/protocol"
)

var (
	// ErrEmptyMessage is returned by Send for blank text.
	ErrEmptyMessage = errors.New("message text is empty")

	// ErrStopped is returned by a Start that Stop overtook.
	ErrStopped = errors.New("session stopped while starting")

	// ErrAuthenticationRequired wraps every credential failure Start
	// surfaces, from history or from the transport.
	ErrAuthenticationRequired = errors.New("authentication required")
)

// Credentials identify the local user.
type Credentials interface {
	CurrentUserID() int64
	AuthToken() (string, bool)
}

// StaticCredentials is a fixed user id and token.
type StaticCredentials struct {
	UserID int64
	Token  string
}

func (c StaticCredentials) CurrentUserID() int64 { return c.UserID }

func (c StaticCredentials) AuthToken() (string, bool) { return c.Token, c.Token != "" }

// Transport is the connection a session drives. *client.Transport
// implements it.
type Transport interface {
	Connect(ctx context.Context, creds client.Credentials, conversationID int64) error
	Send(ctx context.Context, text string) error
	Disconnect()
	State() client.ConnectionState
	Messages() <-chan protocol.Message
	States() <-chan client.ConnectionState
}

// Store persists snapshots between runs. *store.Store implements it.
type Store interface {
	Save(conversationID int64, entries []chat.Entry) error
	Load(conversationID int64) (store.Snapshot, bool, error)
}

// Update is what an Observer sees after every change.
type Update struct {
	Messages []protocol.Message
	State    client.ConnectionState
}

// Observer is called with every update, in order, while the session's
// lock is held. It must not call back into the session.
type Observer func(Update)

// Options configures a Session. Transport and Credentials are required.
type Options struct {
	ConversationID int64
	Credentials    Credentials
	Transport      Transport
	History        history.Fetcher
	Store          Store
	Reconciler     *chat.Reconciler
	Observer       Observer
	Now            func() time.Time
	Logger         *zerolog.Logger
}

// Session is one conversation's lifetime: history, live transport and
// optimistic sends merged by a Reconciler.
type Session struct {
	conversationID int64
	creds          Credentials
	transport      Transport
	history        history.Fetcher
	store          Store
	reconciler     *chat.Reconciler
	observer       Observer
	now            func() time.Time
	logger         zerolog.Logger

	mu        sync.Mutex
	running   bool
	lastState client.ConnectionState
	stop      chan struct{}
	wg        sync.WaitGroup

	// gen changes on every Start and Stop. A Start whose generation is
	// no longer current must not connect.
	gen uint64
}

// New creates a stopped Session.
func New(opts Options) *Session {
	if opts.Reconciler == nil {
		opts.Reconciler = chat.NewReconciler(chat.Options{ConversationID: opts.ConversationID})
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := log.L()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Session{
		conversationID: opts.ConversationID,
		creds:          opts.Credentials,
		transport:      opts.Transport,
		history:        opts.History,
		store:          opts.Store,
		reconciler:     opts.Reconciler,
		observer:       opts.Observer,
		now:            opts.Now,
		logger: logger.With().
			Str(log.FieldComponent, "session").
			Int64(log.FieldConversationID, opts.ConversationID).
			Logger(),
		lastState: opts.Transport.State(),
	}
}

// Start restores a saved snapshot when the session is empty, applies
// history and connects. A history failure other than a rejected
// credential does not prevent connecting. Start on a running session
// is a no-op. A Stop that runs before Start has connected makes Start
// return ErrStopped without leaving a connection behind.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.gen++
	gen := s.gen
	s.restoreLocked()
	s.mu.Unlock()

	if err := s.loadHistory(ctx); err != nil {
		s.abort(gen)
		return err
	}

	token, ok := s.creds.AuthToken()
	if !ok {
		s.abort(gen)
		return ErrAuthenticationRequired
	}

	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		return ErrStopped
	}
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.pump(s.stop)
	s.mu.Unlock()

	creds := client.Credentials{UserID: s.creds.CurrentUserID(), Token: token}
	err := s.transport.Connect(ctx, creds, s.conversationID)

	s.mu.Lock()
	current, running := s.currentLocked(gen), s.running
	s.mu.Unlock()
	if !current {
		// Stop ran while connecting. Undo the connection unless a newer
		// Start owns the transport now.
		if !running {
			s.transport.Disconnect()
		}
		return ErrStopped
	}

	if err != nil {
		if errors.Is(err, client.ErrAuthenticationRequired) {
			s.Stop()
			return fmt.Errorf("%w: %w", ErrAuthenticationRequired, err)
		}
		s.logger.Warn().Err(err).Msg("first connect attempt failed, transport keeps retrying")
	}
	return nil
}

func (s *Session) restoreLocked() {
	if s.store == nil || s.reconciler.Len() > 0 {
		return
	}
	snap, ok, err := s.store.Load(s.conversationID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to load snapshot")
		return
	}
	if !ok {
		return
	}
	s.reconciler.Restore(snap.Entries)
	s.logger.Info().
		Int("count", len(snap.Entries)).
		Time("saved_at", snap.SavedAt).
		Msg("snapshot restored")
	s.notifyLocked()
}

func (s *Session) loadHistory(ctx context.Context) error {
	if s.history == nil {
		return nil
	}
	messages, err := s.history.FetchHistory(ctx, s.conversationID)
	if err != nil {
		if errors.Is(err, history.ErrAuthenticationRequired) {
			return fmt.Errorf("%w: %w", ErrAuthenticationRequired, err)
		}
		s.logger.Warn().Err(err).Msg("history unavailable, continuing without it")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconciler.ApplyHistory(messages)
	s.notifyLocked()
	return nil
}

func (s *Session) abort(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.running = false
	}
}

func (s *Session) currentLocked(gen uint64) bool {
	return s.running && s.gen == gen
}

func (s *Session) pump(stop chan struct{}) {
	defer s.wg.Done()
	messages, states := s.transport.Messages(), s.transport.States()
	for {
		select {
		case <-stop:
			return
		case m := <-messages:
			s.onTransportMessage(m)
		case st := <-states:
			s.onState(st)
		}
	}
}

func (s *Session) onTransportMessage(m protocol.Message) {
	if m.ConversationID != s.conversationID {
		s.logger.Debug().Int64("other_conversation_id", m.ConversationID).Msg("ignoring message for another conversation")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	action := s.reconciler.ApplyIncoming(m)
	s.logger.Debug().
		Int64(log.FieldMessageID, m.ID).
		Stringer(log.FieldAction, action).
		Msg("incoming message")
	if action != chat.ActionDuplicate {
		s.notifyLocked()
	}
}

func (s *Session) onState(st client.ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastState = st
	s.notifyLocked()
}

func (s *Session) notifyLocked() {
	if s.observer == nil {
		return
	}
	s.observer(Update{Messages: s.reconciler.Snapshot(), State: s.lastState})
}

// Send shows text immediately as a pending message and then sends it.
// The pending message stays visible when sending fails.
func (s *Session) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	p := s.reconciler.InsertPendingSend(text, s.creds.CurrentUserID(), s.now())
	s.notifyLocked()
	s.mu.Unlock()

	if err := s.transport.Send(ctx, text); err != nil {
		s.logger.Warn().Err(err).Int64(log.FieldMessageID, p.ProvisionalID).Msg("send failed, message kept as pending")
		return err
	}
	return nil
}

// Stop disconnects and saves a snapshot. Reconciled state is kept, so a
// later Start resumes where this one left off.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.gen++
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()

	s.transport.Disconnect()
	if stop != nil {
		close(stop)
		s.wg.Wait()
	}

	if s.store != nil {
		if err := s.store.Save(s.conversationID, s.reconciler.Entries()); err != nil {
			s.logger.Warn().Err(err).Msg("failed to save snapshot")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastState = s.transport.State()
	s.notifyLocked()
}

// Snapshot returns the visible messages, newest first.
func (s *Session) Snapshot() []protocol.Message {
	return s.reconciler.Snapshot()
}

// Pending returns the sends the server has not confirmed yet.
func (s *Session) Pending() []chat.PendingSend {
	return s.reconciler.Pending()
}

// State returns the transport's connection state.
func (s *Session) State() client.ConnectionState {
	return s.transport.State()
}

// ConversationID returns the session's conversation.
func (s *Session) ConversationID() int64 {
	return s.conversationID
}
