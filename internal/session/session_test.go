package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/omochice/listing-chat/internal/chat"
	"github.com/omochice/listing-chat/internal/client"
	"github.com/omochice/listing-chat/internal/history"
	"github.com/omochice/listing-chat/internal/store"
	"github.com/omochice/listing-chat/pkg/protocol"
)

type fakeTransport struct {
	mu          sync.Mutex
	state       client.ConnectionState
	connects    []client.Credentials
	sent        []string
	disconnects int
	connectErr  error
	sendErr     error
	// fetchesAtConnect records how many history fetches had completed
	// when Connect was called.
	fetcher          *fakeFetcher
	fetchesAtConnect int

	messages chan protocol.Message
	states   chan client.ConnectionState
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		messages: make(chan protocol.Message, 16),
		states:   make(chan client.ConnectionState, 16),
	}
}

func (f *fakeTransport) Connect(_ context.Context, creds client.Credentials, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, creds)
	if f.fetcher != nil {
		f.fetchesAtConnect = f.fetcher.count()
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	f.setLocked(client.ConnectionState{Status: client.Connected})
	return nil
}

func (f *fakeTransport) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return f.sendErr
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.setLocked(client.ConnectionState{Status: client.Disconnected})
}

func (f *fakeTransport) setLocked(s client.ConnectionState) {
	f.state = s
	select {
	case f.states <- s:
	default:
	}
}

func (f *fakeTransport) State() client.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Messages() <-chan protocol.Message { return f.messages }

func (f *fakeTransport) States() <-chan client.ConnectionState { return f.states }

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}

type fakeFetcher struct {
	mu       sync.Mutex
	messages []protocol.Message
	err      error
	calls    int
}

func (f *fakeFetcher) FetchHistory(context.Context, int64) ([]protocol.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]protocol.Message(nil), f.messages...), nil
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memStore struct {
	mu    sync.Mutex
	snaps map[int64]store.Snapshot
}

func newMemStore() *memStore {
	return &memStore{snaps: make(map[int64]store.Snapshot)}
}

func (m *memStore) Save(conversationID int64, entries []chat.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[conversationID] = store.Snapshot{Entries: entries, SavedAt: time.Now()}
	return nil
}

func (m *memStore) Load(conversationID int64) (store.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[conversationID]
	return snap, ok, nil
}

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) observe(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) last() (Update, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		return Update{}, false
	}
	return r.updates[len(r.updates)-1], true
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func msg(id, sender int64, text string, at time.Duration) protocol.Message {
	return protocol.Message{ID: id, ConversationID: 7, SenderID: sender, Text: text, SentAt: base.Add(at)}
}

func newSession(t *testing.T, tr *fakeTransport, f history.Fetcher, opts ...func(*Options)) *Session {
	t.Helper()
	nop := zerolog.Nop()
	o := Options{
		ConversationID: 7,
		Credentials:    StaticCredentials{UserID: 5, Token: "tok"},
		Transport:      tr,
		History:        f,
		Now:            func() time.Time { return base.Add(time.Minute) },
		Logger:         &nop,
	}
	for _, opt := range opts {
		opt(&o)
	}
	s := New(o)
	t.Cleanup(s.Stop)
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSession_StartFetchesHistoryBeforeConnecting(t *testing.T) {
	tr := newFakeTransport()
	f := &fakeFetcher{messages: []protocol.Message{msg(1, 6, "is this available?", 0)}}
	tr.fetcher = f
	s := newSession(t, tr, f)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if tr.connectCount() != 1 {
		t.Fatalf("Connect called %d times, want 1", tr.connectCount())
	}
	if tr.fetchesAtConnect != 1 {
		t.Errorf("history fetches before connect = %d, want 1", tr.fetchesAtConnect)
	}
	if got := tr.connects[0]; got.UserID != 5 || got.Token != "tok" {
		t.Errorf("Connect credentials = %+v", got)
	}
	if got := s.Snapshot(); len(got) != 1 || got[0].ID != 1 {
		t.Errorf("Snapshot() = %+v", got)
	}
}

func TestSession_StartHistoryErrors(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantErr     error
		wantConnect bool
	}{
		{"authentication", fmt.Errorf("%w: status 401", history.ErrAuthenticationRequired), ErrAuthenticationRequired, false},
		{"not found", history.ErrNotFound, nil, true},
		{"other", fmt.Errorf("%w: status 500", history.ErrOther), nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTransport()
			s := newSession(t, tr, &fakeFetcher{err: tt.err})

			err := s.Start(context.Background())
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Start() error = %v, want %v", err, tt.wantErr)
			}
			if got := tr.connectCount() == 1; got != tt.wantConnect {
				t.Errorf("connected = %v, want %v", got, tt.wantConnect)
			}
		})
	}
}

func TestSession_StartWithoutToken(t *testing.T) {
	tr := newFakeTransport()
	s := newSession(t, tr, nil, func(o *Options) {
		o.Credentials = StaticCredentials{UserID: 5}
	})

	if err := s.Start(context.Background()); !errors.Is(err, ErrAuthenticationRequired) {
		t.Fatalf("Start() error = %v, want ErrAuthenticationRequired", err)
	}
	if tr.connectCount() != 0 {
		t.Error("Connect called without a token")
	}
}

func TestSession_StartConnectErrors(t *testing.T) {
	t.Run("authentication is surfaced", func(t *testing.T) {
		tr := newFakeTransport()
		tr.connectErr = client.ErrAuthenticationRequired
		s := newSession(t, tr, nil)

		err := s.Start(context.Background())
		if !errors.Is(err, ErrAuthenticationRequired) || !errors.Is(err, client.ErrAuthenticationRequired) {
			t.Fatalf("Start() error = %v, want ErrAuthenticationRequired", err)
		}
	})

	t.Run("timeout keeps retrying", func(t *testing.T) {
		tr := newFakeTransport()
		tr.connectErr = client.ErrTimeout
		s := newSession(t, tr, nil)

		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if tr.disconnects != 0 {
			t.Error("session disconnected after a retryable failure")
		}
	})
}

func TestSession_StartIsIdempotent(t *testing.T) {
	tr := newFakeTransport()
	s := newSession(t, tr, nil)

	for range 2 {
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	}
	if tr.connectCount() != 1 {
		t.Errorf("Connect called %d times, want 1", tr.connectCount())
	}
}

func TestSession_SendEmpty(t *testing.T) {
	tr := newFakeTransport()
	s := newSession(t, tr, nil)

	for _, text := range []string{"", "   ", "\n\t"} {
		if err := s.Send(context.Background(), text); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("Send(%q) error = %v, want ErrEmptyMessage", text, err)
		}
	}
	if len(s.Snapshot()) != 0 || len(tr.sent) != 0 {
		t.Error("empty message was inserted or sent")
	}
}

func TestSession_SendNotConnectedKeepsPending(t *testing.T) {
	tr := newFakeTransport()
	tr.sendErr = client.ErrNotConnected
	s := newSession(t, tr, nil)

	if err := s.Send(context.Background(), "hello"); !errors.Is(err, client.ErrNotConnected) {
		t.Fatalf("Send() error = %v, want ErrNotConnected", err)
	}

	pending := s.Pending()
	if len(pending) != 1 || pending[0].Text != "hello" || pending[0].SenderID != 5 {
		t.Fatalf("Pending() = %+v", pending)
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].ID != pending[0].ProvisionalID {
		t.Errorf("Snapshot() = %+v, want the pending message", snap)
	}
}

func TestSession_EchoResolvesPending(t *testing.T) {
	tr := newFakeTransport()
	rec := &recorder{}
	s := newSession(t, tr, nil, func(o *Options) { o.Observer = rec.observe })
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := s.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(s.Pending()) != 1 {
		t.Fatalf("Pending() before echo = %+v", s.Pending())
	}

	tr.messages <- msg(42, 5, "hello", time.Minute+time.Second)
	waitFor(t, "echo to resolve the pending send", func() bool { return len(s.Pending()) == 0 })

	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].ID != 42 || snap[0].Text != "hello" {
		t.Errorf("Snapshot() = %+v, want the server copy only", snap)
	}
	waitFor(t, "observer to see the resolved message", func() bool {
		u, ok := rec.last()
		return ok && len(u.Messages) == 1 && u.Messages[0].ID == 42
	})
}

func TestSession_HistoryAndPushDeduplicate(t *testing.T) {
	tr := newFakeTransport()
	f := &fakeFetcher{messages: []protocol.Message{msg(1, 6, "hi", 0), msg(2, 5, "hello", time.Second)}}
	s := newSession(t, tr, f)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	tr.messages <- msg(2, 5, "hello", time.Second)
	tr.messages <- msg(3, 6, "how much?", 2*time.Second)
	waitFor(t, "new message", func() bool { return len(s.Snapshot()) == 3 })

	snap := s.Snapshot()
	want := []int64{3, 2, 1}
	for i, id := range want {
		if snap[i].ID != id {
			t.Errorf("Snapshot()[%d].ID = %d, want %d", i, snap[i].ID, id)
		}
	}
}

func TestSession_IgnoresOtherConversations(t *testing.T) {
	tr := newFakeTransport()
	s := newSession(t, tr, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	other := msg(9, 6, "wrong room", 0)
	other.ConversationID = 8
	tr.messages <- other
	tr.messages <- msg(10, 6, "right room", 0)
	waitFor(t, "message", func() bool { return len(s.Snapshot()) == 1 })

	if got := s.Snapshot()[0].ID; got != 10 {
		t.Errorf("Snapshot()[0].ID = %d, want 10", got)
	}
}

func TestSession_ObserverSeesStates(t *testing.T) {
	tr := newFakeTransport()
	rec := &recorder{}
	s := newSession(t, tr, nil, func(o *Options) { o.Observer = rec.observe })
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "connected update", func() bool {
		u, ok := rec.last()
		return ok && u.State.Status == client.Connected
	})

	s.Stop()
	u, _ := rec.last()
	if u.State.Status != client.Disconnected {
		t.Errorf("last update state = %v, want disconnected", u.State)
	}
}

func TestSession_StopSavesAndRestartRestores(t *testing.T) {
	mem := newMemStore()
	tr := newFakeTransport()
	f := &fakeFetcher{messages: []protocol.Message{msg(1, 6, "hi", 0)}}
	s := newSession(t, tr, f, func(o *Options) { o.Store = mem })

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	tr.sendErr = client.ErrNotConnected
	_ = s.Send(context.Background(), "offline reply")
	s.Stop()

	if tr.disconnects != 1 {
		t.Errorf("Disconnect called %d times, want 1", tr.disconnects)
	}
	snap, ok, _ := mem.Load(7)
	if !ok || len(snap.Entries) != 2 {
		t.Fatalf("saved snapshot = %+v, %v", snap, ok)
	}

	t.Run("restart keeps state", func(t *testing.T) {
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if got := len(s.Snapshot()); got != 2 {
			t.Errorf("len(Snapshot()) = %d, want 2", got)
		}
		if tr.connectCount() != 2 {
			t.Errorf("Connect called %d times, want 2", tr.connectCount())
		}
	})

	t.Run("new session restores from store", func(t *testing.T) {
		fresh := newSession(t, newFakeTransport(), &fakeFetcher{err: history.ErrOther}, func(o *Options) { o.Store = mem })
		if err := fresh.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if got := len(fresh.Snapshot()); got != 2 {
			t.Errorf("len(Snapshot()) = %d, want 2", got)
		}
		pending := fresh.Pending()
		if len(pending) != 1 || pending[0].Text != "offline reply" {
			t.Errorf("Pending() = %+v, want the unsent reply", pending)
		}
	})
}

type blockingFetcher struct {
	entered chan struct{}
	release chan struct{}
}

func (f *blockingFetcher) FetchHistory(ctx context.Context, _ int64) ([]protocol.Message, error) {
	select {
	case f.entered <- struct{}{}:
	default:
	}
	<-f.release
	return nil, nil
}

func TestSession_StopWhileStarting(t *testing.T) {
	tr := newFakeTransport()
	f := &blockingFetcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	s := newSession(t, tr, f)

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background()) }()

	select {
	case <-f.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Start never fetched history")
	}
	s.Stop()
	close(f.release)

	if err := <-started; !errors.Is(err, ErrStopped) {
		t.Fatalf("Start() error = %v, want ErrStopped", err)
	}
	if tr.connectCount() != 0 {
		t.Errorf("Connect called %d times after Stop", tr.connectCount())
	}
	if got := tr.State().Status; got != client.Disconnected {
		t.Errorf("transport state = %v, want disconnected", got)
	}

	t.Run("later start connects", func(t *testing.T) {
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if tr.connectCount() != 1 {
			t.Errorf("Connect called %d times, want 1", tr.connectCount())
		}
		s.Stop()
		if got := tr.State().Status; got != client.Disconnected {
			t.Errorf("transport state after Stop = %v, want disconnected", got)
		}
	})
}

type stopDuringConnect struct {
	*fakeTransport
	session *Session
}

func (t *stopDuringConnect) Connect(ctx context.Context, creds client.Credentials, conversationID int64) error {
	err := t.fakeTransport.Connect(ctx, creds, conversationID)
	t.session.Stop()
	// The connection comes up after Stop's Disconnect.
	t.fakeTransport.mu.Lock()
	t.fakeTransport.setLocked(client.ConnectionState{Status: client.Connected})
	t.fakeTransport.mu.Unlock()
	return err
}

func TestSession_StopWhileConnecting(t *testing.T) {
	tr := &stopDuringConnect{fakeTransport: newFakeTransport()}
	nop := zerolog.Nop()
	s := New(Options{
		ConversationID: 7,
		Credentials:    StaticCredentials{UserID: 5, Token: "tok"},
		Transport:      tr,
		Logger:         &nop,
	})
	tr.session = s

	if err := s.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Start() error = %v, want ErrStopped", err)
	}
	if got := tr.State().Status; got != client.Disconnected {
		t.Errorf("transport state = %v, want disconnected", got)
	}
}
