// Package store persists reconciled conversations in a local pebble
// database so a session can resume without waiting for history.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/omochice/listing-chat/internal/chat"
	"github.com/omochice/listing-chat/pkg/protocol"
)

const (
	entriesPrefix = "conv:"
	savedPrefix   = "saved:"
)

// Snapshot is what was saved for one conversation.
type Snapshot struct {
	Entries []chat.Entry
	SavedAt time.Time
}

// Store is a pebble-backed snapshot store.
type Store struct {
	db *pebble.DB
}

// Option configures Open.
type Option func(*pebble.Options)

// WithFS runs the database on fs, e.g. vfs.NewMem() in tests.
func WithFS(fs vfs.FS) Option {
	return func(o *pebble.Options) { o.FS = fs }
}

// Open opens or creates the database at path.
func Open(path string, opts ...Option) (*Store, error) {
	o := &pebble.Options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.FS == nil {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	db, err := pebble.Open(path, o)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save replaces the snapshot of conversationID.
func (s *Store) Save(conversationID int64, entries []chat.Entry) error {
	value, err := encodeEntries(entries)
	if err != nil {
		return err
	}
	savedAt, err := proto.Marshal(timestamppb.Now())
	if err != nil {
		return fmt.Errorf("failed to encode timestamp: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(entriesKey(conversationID), value, nil); err != nil {
		return err
	}
	if err := b.Set(savedKey(conversationID), savedAt, nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// Load returns the snapshot of conversationID. ok is false when none
// was saved.
func (s *Store) Load(conversationID int64) (snap Snapshot, ok bool, err error) {
	value, err := s.get(entriesKey(conversationID))
	if errors.Is(err, pebble.ErrNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}

	entries, err := decodeEntries(value)
	if err != nil {
		return Snapshot{}, false, err
	}
	snap.Entries = entries

	if raw, err := s.get(savedKey(conversationID)); err == nil {
		var ts timestamppb.Timestamp
		if err := proto.Unmarshal(raw, &ts); err == nil {
			snap.SavedAt = ts.AsTime()
		}
	}
	return snap, true, nil
}

// Delete removes the snapshot of conversationID.
func (s *Store) Delete(conversationID int64) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(entriesKey(conversationID), nil); err != nil {
		return err
	}
	if err := b.Delete(savedKey(conversationID), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// Conversations lists the conversations with a saved snapshot.
func (s *Store) Conversations() ([]int64, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(entriesPrefix),
		UpperBound: prefixEnd(entriesPrefix),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var ids []int64
	for ok := it.First(); ok; ok = it.Next() {
		id, err := strconv.ParseInt(strings.TrimPrefix(string(it.Key()), entriesPrefix), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, it.Error()
}

func (s *Store) get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func entriesKey(id int64) []byte { return []byte(entriesPrefix + strconv.FormatInt(id, 10)) }

func savedKey(id int64) []byte { return []byte(savedPrefix + strconv.FormatInt(id, 10)) }

func prefixEnd(prefix string) []byte {
	end := []byte(prefix)
	end[len(end)-1]++
	return end
}

// Entries are stored as a protobuf ListValue of Structs. Ids are strings
// because Struct numbers are float64. Struct strings must be valid UTF-8,
// so invalid bytes in text are replaced.
func encodeEntries(entries []chat.Entry) ([]byte, error) {
	list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(entries))}
	for _, e := range entries {
		m := e.Message
		fields, err := structpb.NewStruct(map[string]interface{}{
			"id":              strconv.FormatInt(m.ID, 10),
			"conversation_id": strconv.FormatInt(m.ConversationID, 10),
			"sender_id":       strconv.FormatInt(m.SenderID, 10),
			"text":            strings.ToValidUTF8(m.Text, "\uFFFD"),
			"sent_at":         m.SentAt.UTC().Format(time.RFC3339Nano),
			"is_read":         m.IsRead,
			"degraded":        m.Degraded,
			"origin":          float64(e.Origin),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode entry %d: %w", m.ID, err)
		}
		list.Values = append(list.Values, structpb.NewStructValue(fields))
	}

	data, err := proto.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

func decodeEntries(data []byte) ([]chat.Entry, error) {
	var list structpb.ListValue
	if err := proto.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	entries := make([]chat.Entry, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		f := v.GetStructValue().GetFields()
		if f == nil {
			continue
		}
		id, err := strconv.ParseInt(f["id"].GetStringValue(), 10, 64)
		if err != nil {
			continue
		}
		conversationID, _ := strconv.ParseInt(f["conversation_id"].GetStringValue(), 10, 64)
		senderID, _ := strconv.ParseInt(f["sender_id"].GetStringValue(), 10, 64)
		sentAt, _ := time.Parse(time.RFC3339Nano, f["sent_at"].GetStringValue())

		entries = append(entries, chat.Entry{
			Message: protocol.Message{
				ID:             id,
				ConversationID: conversationID,
				SenderID:       senderID,
				Text:           f["text"].GetStringValue(),
				SentAt:         sentAt,
				IsRead:         f["is_read"].GetBoolValue(),
				Degraded:       f["degraded"].GetBoolValue(),
			},
			Origin: chat.Origin(f["origin"].GetNumberValue()),
		})
	}
	return entries, nil
}
