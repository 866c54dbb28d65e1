package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameType identifies a control frame on the chat socket.
type FrameType string

const (
	FrameConnect   FrameType = "connect"
	FrameConnected FrameType = "connected"
	FramePing      FrameType = "ping"
	FramePong      FrameType = "pong"
	FrameError     FrameType = "error"
	FrameMessage   FrameType = "message"
)

// ErrorCodeUnauthorized is sent by the server when the credential is rejected.
const ErrorCodeUnauthorized = "unauthorized"

// Frame is a control frame. Chat payloads are not Frames; they go through
// Codec.Decode.
type Frame struct {
	Type       FrameType `json:"type"`
	RequestID  string    `json:"requestId,omitempty"`
	Token      string    `json:"token,omitempty"`
	ChatRoomID int64     `json:"chatRoomId,omitempty"`
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// IsControl reports whether t is handled by the transport rather than
// the codec.
func (t FrameType) IsControl() bool {
	switch t {
	case FrameConnect, FrameConnected, FramePing, FramePong, FrameError:
		return true
	default:
		return false
	}
}

// PeekType returns the frame type of data. Anything that is not a
// control frame, including malformed input, reports FrameMessage.
func PeekType(data []byte) FrameType {
	var head struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return FrameMessage
	}
	if head.Type.IsControl() {
		return head.Type
	}
	return FrameMessage
}

// EncodeFrame encodes a control frame.
func EncodeFrame(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return data, nil
}

// DecodeFrame decodes a control frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	return f, nil
}

// ChatPayload is the structured (shape A) chat message the server pushes.
type ChatPayload struct {
	Type       FrameType `json:"type"`
	ID         int64     `json:"id"`
	Content    string    `json:"content"`
	Sender     *Sender   `json:"sender,omitempty"`
	SentAt     string    `json:"sentAt,omitempty"`
	ChatRoomID int64     `json:"chatRoomId"`
	IsRead     bool      `json:"isRead,omitempty"`
}

// Sender is the nested sender object of a ChatPayload.
type Sender struct {
	ID       int64  `json:"id"`
	Nickname string `json:"nickname,omitempty"`
}

// EncodeChat encodes m as a shape A payload.
func EncodeChat(m Message, nickname string) ([]byte, error) {
	p := ChatPayload{
		Type:       FrameMessage,
		ID:         m.ID,
		Content:    m.Text,
		Sender:     &Sender{ID: m.SenderID, Nickname: nickname},
		SentAt:     m.SentAt.UTC().Format(time.RFC3339Nano),
		ChatRoomID: m.ConversationID,
		IsRead:     m.IsRead,
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}
