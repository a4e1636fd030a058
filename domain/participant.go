// Package domain contains core concepts of the chat system.
// This file defines Participant entities and related invariants.
// A user appears at most once per conversation.
package domain

import (
	"fmt"
	"time"
)

type Role string

const (
	Member Role = "MEMBER"
	Admin  Role = "ADMIN"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case Member, Admin:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

type Participant struct {
	ConversationID ConversationID
	UserID         UserID
	Role           Role
	JoinedAt       time.Time
	// ReadCursor is the highest sequence acknowledged as read. It never moves backward.
	ReadCursor int64
	Muted      bool
}

func (p Participant) IsAdmin() bool {
	return p.Role == Admin
}

// ReadReceipt is derived from a participant's read cursor.
type ReadReceipt struct {
	ConversationID ConversationID
	UserID         UserID
	UpToSequence   int64
	Unread         int
}

type UnreadSummary struct {
	Total          int
	ByConversation map[ConversationID]int
}
