// Package domain contains core concepts of the chat system.
// This file defines Conversation entities and their kinds.
// No runtime, network, or storage logic should be added here.
package domain

import (
	"fmt"
	"time"
)

type ConversationID string

type UserID string

type ListingID string

type ConversationKind string

const (
	Private        ConversationKind = "PRIVATE"
	Group          ConversationKind = "GROUP"
	ListingInquiry ConversationKind = "LISTING_INQUIRY"
)

func ParseConversationKind(s string) (ConversationKind, error) {
	switch k := ConversationKind(s); k {
	case Private, Group, ListingInquiry:
		return k, nil
	default:
		return "", fmt.Errorf("unknown conversation kind %q", s)
	}
}

// Conversation is a chat thread. Sequence is the last sequence number assigned
// to a message of this conversation and the sole ordering authority.
type Conversation struct {
	ID        ConversationID
	Kind      ConversationKind
	ListingID ListingID
	Name      string
	CreatedBy UserID
	CreatedAt time.Time
	Sequence  int64
	// UniqueKey identifies conversations that must exist at most once
	// (a private pair, a listing inquiry). Empty for groups.
	UniqueKey string
}

// Mutable reports whether participants can be added or removed after creation.
func (c Conversation) Mutable() bool {
	switch c.Kind {
	case Group:
		return true
	case Private, ListingInquiry:
		return false
	default:
		return false
	}
}

// PrivateKey is order independent: (a, b) and (b, a) share the same key.
func PrivateKey(a, b UserID) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("private:%s:%s", a, b)
}

func InquiryKey(listingID ListingID, buyer, seller UserID) string {
	return fmt.Sprintf("inquiry:%s:%s:%s", listingID, buyer, seller)
}

// ConversationSummary is a conversation seen from one participant.
type ConversationSummary struct {
	Conversation Conversation
	Participant  Participant
	Unread       int
}
