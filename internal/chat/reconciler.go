// Package chat merges history, pushed messages and optimistic sends into
// one ordered, duplicate-free conversation.
package chat

import (
	"slices"
	"sync"
	"time"

	"github.com/omochice/listing-chat/pkg/protocol"
)

// DefaultDuplicateWindow is how close two messages with the same sender and
// text must be to count as the same message. The server does not send
// idempotent ids on every path, so this is a heuristic; a server that
// delays its echo past the window defeats it.
const DefaultDuplicateWindow = 5 * time.Second

// ReconcileAction reports what ApplyIncoming did with a message.
type ReconcileAction int

const (
	ActionInserted ReconcileAction = iota
	ActionDuplicate
	ActionResolved
)

// String returns the string representation of ReconcileAction
func (a ReconcileAction) String() string {
	switch a {
	case ActionInserted:
		return "inserted"
	case ActionDuplicate:
		return "duplicate"
	case ActionResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Origin records where a visible entry came from.
type Origin int

const (
	OriginHistory Origin = iota
	OriginPush
	OriginPending
)

// Entry is a visible message with its origin.
type Entry struct {
	Message protocol.Message
	Origin  Origin
}

// PendingSend is a locally sent message the server has not confirmed.
type PendingSend struct {
	ProvisionalID int64
	SenderID      int64
	Text          string
	CreatedAt     time.Time
}

// Options configures a Reconciler.
type Options struct {
	ConversationID  int64
	DuplicateWindow time.Duration
	ProvisionalIDs  protocol.IDRange
}

// Reconciler is the single source of truth for one conversation.
// All methods are safe for concurrent use.
type Reconciler struct {
	conversationID int64
	window         time.Duration
	ids            protocol.IDRange

	mu sync.Mutex
	// entries is kept newest first.
	entries []Entry
	byID    map[int64]Entry
	pending map[int64]PendingSend
}

// NewReconciler creates an empty Reconciler.
func NewReconciler(opts Options) *Reconciler {
	if opts.DuplicateWindow <= 0 {
		opts.DuplicateWindow = DefaultDuplicateWindow
	}
	if opts.ProvisionalIDs.Max <= opts.ProvisionalIDs.Min {
		opts.ProvisionalIDs = protocol.DefaultProvisionalIDs
	}
	return &Reconciler{
		conversationID: opts.ConversationID,
		window:         opts.DuplicateWindow,
		ids:            opts.ProvisionalIDs,
		byID:           make(map[int64]Entry),
		pending:        make(map[int64]PendingSend),
	}
}

// ApplyHistory merges a history snapshot. Applying the same list twice
// leaves the same set as applying it once. History never removes an
// outstanding pending send unless it carries that send's confirmation.
func (r *Reconciler) ApplyHistory(messages []protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch := make(map[int64]struct{}, len(messages))
	for _, m := range messages {
		batch[m.ID] = struct{}{}
	}

	for _, m := range messages {
		if _, ok := r.pending[m.ID]; ok {
			continue
		}
		if _, ok := r.byID[m.ID]; ok {
			r.removeLocked(m.ID)
			r.insertLocked(Entry{Message: m, Origin: OriginHistory})
			continue
		}
		if r.resolveLocked(m, OriginHistory) {
			continue
		}

		// A pushed copy of this message that arrived under another id is
		// replaced by the authoritative history entry.
		provisional := r.ids.Contains(m.ID)
		if e, ok := r.similarLocked(m, func(e Entry) bool {
			if e.Origin == OriginPending {
				return false
			}
			if _, inBatch := batch[e.Message.ID]; inBatch {
				return false
			}
			return e.Origin == OriginPush || provisional
		}); ok {
			r.removeLocked(e.Message.ID)
		}
		r.insertLocked(Entry{Message: m, Origin: OriginHistory})
	}
}

// ApplyIncoming merges a message pushed by the transport. A message is a
// duplicate when it carries a server id already visible, or when a visible
// message has the same sender and text within the duplicate window. A
// message confirming an outstanding pending send replaces it.
func (r *Reconciler) ApplyIncoming(m protocol.Message) ReconcileAction {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.ids.Contains(m.ID) {
		if _, ok := r.byID[m.ID]; ok {
			return ActionDuplicate
		}
	}
	if r.resolveLocked(m, OriginPush) {
		return ActionResolved
	}
	if _, ok := r.similarLocked(m, func(Entry) bool { return true }); ok {
		return ActionDuplicate
	}

	if _, taken := r.byID[m.ID]; taken {
		m.ID = r.mintLocked()
	}
	r.insertLocked(Entry{Message: m, Origin: OriginPush})
	return ActionInserted
}

// ReconcilePendingSend resolves the outstanding pending send that m
// confirms, if any. The authoritative message takes its own chronological
// position, which moves it when the server time differs materially.
func (r *Reconciler) ReconcilePendingSend(m protocol.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(m, OriginPush)
}

// InsertPendingSend shows a locally sent message immediately under a
// fresh provisional id.
func (r *Reconciler) InsertPendingSend(text string, senderID int64, createdAt time.Time) PendingSend {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := PendingSend{
		ProvisionalID: r.mintLocked(),
		SenderID:      senderID,
		Text:          text,
		CreatedAt:     createdAt,
	}
	r.pending[p.ProvisionalID] = p
	r.insertLocked(Entry{Message: r.pendingMessage(p), Origin: OriginPending})
	return p
}

// Snapshot returns the visible messages, newest first.
func (r *Reconciler) Snapshot() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]protocol.Message, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Message
	}
	return out
}

// Entries returns the visible entries with their origins, newest first.
func (r *Reconciler) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.entries)
}

// Pending returns the outstanding pending sends, oldest first.
func (r *Reconciler) Pending() []PendingSend {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PendingSend, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b PendingSend) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return compareInt(a.ProvisionalID, b.ProvisionalID)
	})
	return out
}

// Len returns the number of visible messages.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Restore loads previously saved entries. Entries whose id is already
// visible are skipped; pending entries become outstanding again.
func (r *Reconciler) Restore(entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range entries {
		if _, ok := r.byID[e.Message.ID]; ok {
			continue
		}
		if e.Origin == OriginPending {
			r.pending[e.Message.ID] = PendingSend{
				ProvisionalID: e.Message.ID,
				SenderID:      e.Message.SenderID,
				Text:          e.Message.Text,
				CreatedAt:     e.Message.SentAt,
			}
		}
		r.insertLocked(e)
	}
}

func (r *Reconciler) pendingMessage(p PendingSend) protocol.Message {
	return protocol.Message{
		ID:             p.ProvisionalID,
		ConversationID: r.conversationID,
		SenderID:       p.SenderID,
		Text:           p.Text,
		SentAt:         p.CreatedAt,
		IsRead:         false,
	}
}

// resolveLocked replaces the pending send m confirms. The pending send
// with the closest creation time wins when several have the same text.
func (r *Reconciler) resolveLocked(m protocol.Message, origin Origin) bool {
	if m.Degraded {
		return false
	}

	var (
		best  PendingSend
		found bool
	)
	for _, p := range r.pending {
		if p.SenderID != m.SenderID || p.Text != m.Text || !r.ids.Contains(p.ProvisionalID) {
			continue
		}
		if !found || absDuration(p.CreatedAt.Sub(m.SentAt)) < absDuration(best.CreatedAt.Sub(m.SentAt)) {
			best, found = p, true
		}
	}
	if !found {
		return false
	}

	delete(r.pending, best.ProvisionalID)
	r.removeLocked(best.ProvisionalID)
	if _, ok := r.byID[m.ID]; ok {
		return true
	}
	r.insertLocked(Entry{Message: m, Origin: origin})
	return true
}

// similarLocked finds a visible entry with the same sender and text whose
// time is strictly within the duplicate window of m.
func (r *Reconciler) similarLocked(m protocol.Message, accept func(Entry) bool) (Entry, bool) {
	upper := m.SentAt.Add(r.window)
	lower := m.SentAt.Add(-r.window)

	// First entry strictly older than upper.
	start, _ := slices.BinarySearchFunc(r.entries, upper, func(e Entry, t time.Time) int {
		if e.Message.SentAt.Before(t) {
			return 1
		}
		return -1
	})
	for i := start; i < len(r.entries); i++ {
		e := r.entries[i]
		if !e.Message.SentAt.After(lower) {
			break
		}
		if e.Message.SenderID == m.SenderID && e.Message.Text == m.Text && accept(e) {
			return e, true
		}
	}
	return Entry{}, false
}

// insertLocked places e by (sentAt, id), newest first.
func (r *Reconciler) insertLocked(e Entry) {
	i, _ := slices.BinarySearchFunc(r.entries, e.Message, newestFirst)
	r.entries = slices.Insert(r.entries, i, e)
	r.byID[e.Message.ID] = e
}

func (r *Reconciler) removeLocked(id int64) {
	e, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	i, found := slices.BinarySearchFunc(r.entries, e.Message, newestFirst)
	if found {
		r.entries = slices.Delete(r.entries, i, i+1)
	}
}

func (r *Reconciler) mintLocked() int64 {
	for {
		id := r.ids.Mint()
		if _, taken := r.byID[id]; taken {
			continue
		}
		if _, taken := r.pending[id]; taken {
			continue
		}
		return id
	}
}

func newestFirst(e Entry, target protocol.Message) int {
	switch {
	case protocol.Before(target, e.Message):
		return -1
	case protocol.Before(e.Message, target):
		return 1
	default:
		return 0
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
