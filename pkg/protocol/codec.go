package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMissingContent is returned when no candidate shape carries a
	// non-empty content or text field.
	ErrMissingContent = errors.New("payload has no content")

	// ErrMalformed is returned when the payload is not a JSON object.
	ErrMalformed = errors.New("malformed payload")
)

// Codec decodes inbound chat payloads and encodes outbound sends.
// It is safe for concurrent use.
type Codec struct {
	now func() time.Time
	ids IDRange
	loc *time.Location
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithClock sets the clock used for missing timestamps and fallbacks.
func WithClock(now func() time.Time) CodecOption {
	return func(c *Codec) { c.now = now }
}

// WithProvisionalIDs sets the range minted ids are drawn from.
func WithProvisionalIDs(r IDRange) CodecOption {
	return func(c *Codec) { c.ids = r }
}

// WithLocation sets the zone applied to timestamps that carry none.
func WithLocation(loc *time.Location) CodecOption {
	return func(c *Codec) { c.loc = loc }
}

// NewCodec creates a Codec.
func NewCodec(opts ...CodecOption) *Codec {
	c := &Codec{
		now: time.Now,
		ids: DefaultProvisionalIDs,
		loc: time.UTC,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProvisionalIDs returns the range the codec mints ids from.
func (c *Codec) ProvisionalIDs() IDRange {
	return c.ids
}

// Now returns the codec clock's current time.
func (c *Codec) Now() time.Time {
	return c.now()
}

// candidate is one accepted payload shape. ok is false when the shape
// does not apply to the payload.
type candidate func(c *Codec, data []byte) (msg Message, ok bool)

// candidates are tried in order; the first that applies wins.
var candidates = []candidate{decodeShapeA, decodeShapeB}

// Decode turns a payload into a Message.
func (c *Codec) Decode(payload []byte) (Message, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return Message{}, ErrMalformed
	}

	for _, try := range candidates {
		if msg, ok := try(c, trimmed); ok {
			return msg, nil
		}
	}
	return Message{}, ErrMissingContent
}

// Fallback builds a degraded but displayable message from a payload that
// failed to decode.
func (c *Codec) Fallback(raw []byte) Message {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		text = "(empty message)"
	}
	return Message{
		ID:       c.ids.Mint(),
		SenderID: UnknownSender,
		Text:     text,
		SentAt:   c.now(),
		Degraded: true,
	}
}

type outbound struct {
	Content    string `json:"content"`
	ChatRoomID int64  `json:"chatRoomId"`
}

// Encode produces the send payload. The sender is implied by the
// connection's authenticated identity.
func (c *Codec) Encode(text string, conversationID int64) ([]byte, error) {
	data, err := json.Marshal(outbound{Content: text, ChatRoomID: conversationID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// shapeA is the structured chat message: nested sender object.
type shapeA struct {
	ID         *flexInt        `json:"id"`
	Content    *string         `json:"content"`
	Sender     *senderRef      `json:"sender"`
	SenderID   *flexInt        `json:"senderId"`
	SentAt     json.RawMessage `json:"sentAt"`
	ChatRoomID *flexInt        `json:"chatRoomId"`
	IsRead     *bool           `json:"isRead"`
}

type senderRef struct {
	ID       *flexInt `json:"id"`
	Nickname string   `json:"nickname,omitempty"`
}

func decodeShapeA(c *Codec, data []byte) (Message, bool) {
	var s shapeA
	if err := json.Unmarshal(data, &s); err != nil {
		return Message{}, false
	}
	if s.Content == nil || *s.Content == "" {
		return Message{}, false
	}
	// A flat senderId without a sender object is shape B.
	if s.Sender == nil && s.SenderID != nil {
		return Message{}, false
	}

	msg := Message{
		ID:             c.idOrMint(s.ID),
		ConversationID: s.ChatRoomID.value(),
		SenderID:       UnknownSender,
		Text:           *s.Content,
		SentAt:         c.parseTime(s.SentAt),
	}
	if s.Sender != nil {
		msg.SenderID = s.Sender.ID.value()
	}
	if s.IsRead != nil {
		msg.IsRead = *s.IsRead
	}
	return msg, true
}

// shapeB is the flat shape with senderId at the top level.
type shapeB struct {
	ID         *flexInt        `json:"id"`
	Content    *string         `json:"content"`
	Text       *string         `json:"text"`
	SenderID   *flexInt        `json:"senderId"`
	SentAt     json.RawMessage `json:"sentAt"`
	Timestamp  json.RawMessage `json:"timestamp"`
	ChatRoomID *flexInt        `json:"chatRoomId"`
	IsRead     *bool           `json:"isRead"`
}

func decodeShapeB(c *Codec, data []byte) (Message, bool) {
	var s shapeB
	if err := json.Unmarshal(data, &s); err != nil {
		return Message{}, false
	}

	var text string
	switch {
	case s.Content != nil && *s.Content != "":
		text = *s.Content
	case s.Text != nil && *s.Text != "":
		text = *s.Text
	default:
		return Message{}, false
	}

	ts := s.SentAt
	if len(ts) == 0 || string(ts) == "null" {
		ts = s.Timestamp
	}

	msg := Message{
		ID:             c.idOrMint(s.ID),
		ConversationID: s.ChatRoomID.value(),
		SenderID:       s.SenderID.value(),
		Text:           text,
		SentAt:         c.parseTime(ts),
	}
	if s.IsRead != nil {
		msg.IsRead = *s.IsRead
	}
	return msg, true
}

func (c *Codec) idOrMint(id *flexInt) int64 {
	if id == nil {
		return c.ids.Mint()
	}
	return int64(*id)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
}

// parseTime accepts RFC 3339, zone-less local date-times and epoch
// seconds or milliseconds. Anything else is "now".
func (c *Codec) parseTime(raw json.RawMessage) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return c.now()
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		for _, layout := range timeLayouts {
			if t, err := time.ParseInLocation(layout, s, c.loc); err == nil {
				return t
			}
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return epoch(n)
		}
		return c.now()
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return epoch(i)
		}
		if f, err := n.Float64(); err == nil {
			return time.UnixMilli(int64(f * 1000))
		}
	}
	return c.now()
}

// epoch treats values past the year 33658 in seconds as milliseconds.
func epoch(n int64) time.Time {
	if n > 1e12 || n < -1e12 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	s := string(data)
	if len(s) >= 2 && s[0] == '"' {
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		s = strings.TrimSpace(unquoted)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("not an integer: %s", data)
	}
	*f = flexInt(n)
	return nil
}

func (f *flexInt) value() int64 {
	if f == nil {
		return 0
	}
	return int64(*f)
}
