package services

import (
	"context"
	"market-chat/contract"
	"market-chat/domain"
)

// Membership is the single authorization primitive. Every read or write on a
// conversation goes through AssertMember first.
type Membership struct {
	store contract.ConversationStore
}

func NewMembership(store contract.ConversationStore) Membership {
	return Membership{store: store}
}

// AssertMember returns the participant or ErrNotAMember. An unknown conversation
// also yields ErrNotAMember so ids cannot be probed.
func (m Membership) AssertMember(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) (domain.Participant, error) {
	return m.store.GetParticipant(ctx, conversationID, userID)
}
