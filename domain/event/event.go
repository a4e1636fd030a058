// Package event holds the closed set of events fanned out to live sessions.
// Adding a new event type requires updating every type switch over DomainEvent,
// starting with protocol.EncodeEvent.
package event

import (
	"market-chat/domain"
	"time"
)

type DomainEvent interface {
	// sealed keeps implementations inside this package.
	sealed()
}

type MessagePosted struct {
	Message domain.Message
}

type MessageEdited struct {
	Message domain.Message
}

type MessageDeleted struct {
	MessageID      domain.MessageID
	ConversationID domain.ConversationID
	Sequence       int64
	DeletedBy      domain.UserID
}

type TypingChanged struct {
	ConversationID domain.ConversationID
	UserID         domain.UserID
	IsTyping       bool
}

type PresenceChanged struct {
	UserID   domain.UserID
	Status   domain.PresenceStatus
	LastSeen time.Time
}

type ReadAdvanced struct {
	ConversationID domain.ConversationID
	UserID         domain.UserID
	UpToSequence   int64
}

type ParticipantJoined struct {
	ConversationID domain.ConversationID
	UserID         domain.UserID
	AddedBy        domain.UserID
}

type ParticipantLeft struct {
	ConversationID domain.ConversationID
	UserID         domain.UserID
	RemovedBy      domain.UserID
}

type ConversationUpdated struct {
	ConversationID domain.ConversationID
	Name           string
	UpdatedBy      domain.UserID
}

func (MessagePosted) sealed()       {}
func (MessageEdited) sealed()       {}
func (MessageDeleted) sealed()      {}
func (TypingChanged) sealed()       {}
func (PresenceChanged) sealed()     {}
func (ReadAdvanced) sealed()        {}
func (ParticipantJoined) sealed()   {}
func (ParticipantLeft) sealed()     {}
func (ConversationUpdated) sealed() {}
