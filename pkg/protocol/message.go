// Package protocol defines the canonical chat message and the codec that
// maps the server's loosely-typed JSON payloads onto it.
package protocol

import (
	"math/rand/v2"
	"time"
)

// Message is the canonical unit of conversation content.
type Message struct {
	ID             int64
	ConversationID int64
	SenderID       int64
	Text           string
	SentAt         time.Time
	IsRead         bool

	// Degraded marks a fallback message built from a payload that could
	// not be decoded.
	Degraded bool
}

// UnknownSender is the sender id used when a payload does not name one.
const UnknownSender int64 = 0

// IDRange is a half-open range [Min, Max) of ids reserved for messages
// the server has not confirmed yet. It must be disjoint from server ids.
type IDRange struct {
	Min int64
	Max int64
}

// DefaultProvisionalIDs is far above any id a marketplace server assigns
// and stays below 2^53 so ids survive float64 round trips.
var DefaultProvisionalIDs = IDRange{Min: 1 << 40, Max: 1 << 50}

// Contains reports whether id is a provisional id.
func (r IDRange) Contains(id int64) bool {
	return id >= r.Min && id < r.Max
}

// Mint returns a random id from the range.
func (r IDRange) Mint() int64 {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + rand.Int64N(r.Max-r.Min)
}

// Before reports whether a sorts before b in the conversation's total
// order (sentAt, id).
func Before(a, b Message) bool {
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.Before(b.SentAt)
	}
	return a.ID < b.ID
}
