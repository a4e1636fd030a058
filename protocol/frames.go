// Package protocol defines the JSON frames exchanged on the push channel and
// the payloads of the request/response fallback. Both fronts share the same
// shapes so a client can switch between them without translating.
package protocol

import (
	"encoding/json"
	"fmt"
	"market-chat/domain/event"
	"market-chat/errors"
)

// Frame types from client to server
const (
	TypeSend      = "send"
	TypeTyping    = "typing"
	TypeMarkRead  = "markRead"
	TypeSubscribe = "subscribe"
	TypeEdit      = "edit"
	TypeDelete    = "delete"
	TypePing      = "ping"
)

// Frame types from server to client
const (
	TypeHello               = "hello"
	TypeMessage             = "message"
	TypeMessageEdited       = "messageEdited"
	TypeMessageDeleted      = "messageDeleted"
	TypePresence            = "presence"
	TypeRead                = "read"
	TypeParticipantJoined   = "participantJoined"
	TypeParticipantLeft     = "participantLeft"
	TypeConversationUpdated = "conversationUpdated"
	TypeAck                 = "ack"
	TypeError               = "error"
	TypePong                = "pong"
)

// Frame is the envelope of every push frame. Data holds the payload of Type.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals data into a frame of the given type.
func NewFrame(frameType, requestID string, data any) (Frame, error) {
	f := Frame{Type: frameType, RequestID: requestID}
	if data == nil {
		return f, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s frame: %w", frameType, err)
	}
	f.Data = raw
	return f, nil
}

// Decode parses a frame envelope. The payload stays raw until the receiver
// knows which type to expect.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", errors.ErrInvalidRequest, err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing frame type", errors.ErrInvalidRequest)
	}
	return f, nil
}

// Payload decodes the frame data into v and validates it.
func (f Frame) Payload(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%w: %s frame without data", errors.ErrInvalidRequest, f.Type)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", errors.ErrInvalidRequest, f.Type, err)
	}
	return Validate(v)
}

// EncodeEvent turns a domain event into the frame pushed to sessions.
func EncodeEvent(e event.DomainEvent) (Frame, error) {
	switch evt := e.(type) {
	case event.MessagePosted:
		return NewFrame(TypeMessage, "", FromMessage(evt.Message))
	case event.MessageEdited:
		return NewFrame(TypeMessageEdited, "", FromMessage(evt.Message))
	case event.MessageDeleted:
		return NewFrame(TypeMessageDeleted, "", MessageDeleted{
			MessageID:      string(evt.MessageID),
			ConversationID: string(evt.ConversationID),
			Sequence:       evt.Sequence,
			DeletedBy:      string(evt.DeletedBy),
		})
	case event.TypingChanged:
		return NewFrame(TypeTyping, "", Typing{
			ConversationID: string(evt.ConversationID),
			UserID:         string(evt.UserID),
			IsTyping:       evt.IsTyping,
		})
	case event.PresenceChanged:
		return NewFrame(TypePresence, "", FromPresenceEvent(evt))
	case event.ReadAdvanced:
		return NewFrame(TypeRead, "", Read{
			ConversationID: string(evt.ConversationID),
			UserID:         string(evt.UserID),
			UpToSequence:   evt.UpToSequence,
		})
	case event.ParticipantJoined:
		return NewFrame(TypeParticipantJoined, "", ParticipantChange{
			ConversationID: string(evt.ConversationID),
			UserID:         string(evt.UserID),
			By:             string(evt.AddedBy),
		})
	case event.ParticipantLeft:
		return NewFrame(TypeParticipantLeft, "", ParticipantChange{
			ConversationID: string(evt.ConversationID),
			UserID:         string(evt.UserID),
			By:             string(evt.RemovedBy),
		})
	case event.ConversationUpdated:
		return NewFrame(TypeConversationUpdated, "", ConversationUpdated{
			ConversationID: string(evt.ConversationID),
			Name:           evt.Name,
			By:             string(evt.UpdatedBy),
		})
	default:
		return Frame{}, fmt.Errorf("no frame for event %T", e)
	}
}

// ErrorFrame reports err to the client, keyed by the request that caused it.
func ErrorFrame(requestID string, err error) Frame {
	f, encErr := NewFrame(TypeError, requestID, FromError(err))
	if encErr != nil {
		return Frame{Type: TypeError, RequestID: requestID}
	}
	return f
}
