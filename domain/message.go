// Package domain contains core concepts of the chat system.
// This file defines Message entities and their kinds.
// Sequence numbers are assigned by the dispatcher, never by clients,
// and are never changed by an edit or a delete.
package domain

import (
	"fmt"
	"time"
	"unicode/utf8"
)

type MessageID string

type MessageKind string

const (
	Text     MessageKind = "TEXT"
	ImageRef MessageKind = "IMAGE_REF"
	System   MessageKind = "SYSTEM"
)

// Tombstone replaces the content of a soft-deleted message on every read path.
const Tombstone = "[Message deleted]"

const previewLength = 64

func ParseMessageKind(s string) (MessageKind, error) {
	switch k := MessageKind(s); k {
	case Text, ImageRef, System:
		return k, nil
	case "":
		return Text, nil
	default:
		return "", fmt.Errorf("unknown message kind %q", s)
	}
}

// ClientSendable reports whether a client may emit this kind. SYSTEM messages
// are only produced by the server.
func (k MessageKind) ClientSendable() bool {
	switch k {
	case Text, ImageRef:
		return true
	case System:
		return false
	default:
		return false
	}
}

type Message struct {
	ID             MessageID
	ConversationID ConversationID
	Sequence       int64
	SenderID       UserID
	Content        string
	Kind           MessageKind
	ReplyTo        MessageID
	CreatedAt      time.Time
	EditedAt       *time.Time
	Deleted        bool
}

// Visible returns the message as it must be shown to readers.
func (m Message) Visible() Message {
	if m.Deleted {
		m.Content = Tombstone
	}
	return m
}

// Preview is the short text carried by offline notifications.
func (m Message) Preview() string {
	switch m.Kind {
	case ImageRef:
		return "[image]"
	case Text, System:
		return truncate(m.Visible().Content, previewLength)
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "…"
}

// HistoryPage is an ascending slice of a conversation's messages.
type HistoryPage struct {
	ConversationID ConversationID
	Messages       []Message
	HasMore        bool
	LastSequence   int64
}

// Notification asks an external collaborator to reach a user who has no live session.
type Notification struct {
	UserID         UserID
	ConversationID ConversationID
	SenderID       UserID
	MessageID      MessageID
	Preview        string
	At             time.Time
}
