package contract

import (
	"context"
	"market-chat/domain"
)

// ConversationStore owns durability and pagination of conversations, participants and messages.
//
// Adapters must guarantee:
//   - CreateConversation fails with ErrConversationExists when UniqueKey is already taken.
//   - AppendMessage persists msg only if msg.Sequence == conversation.Sequence+1, and
//     advances the conversation sequence in the same transaction. (conversation, sequence)
//     is unique. Nothing changes on failure.
//   - UpdateReadCursor never moves a cursor backward.
//   - Driver failures are wrapped in ErrStorageUnavailable.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv domain.Conversation, participants []domain.Participant) error
	GetConversation(ctx context.Context, id domain.ConversationID) (domain.Conversation, error)
	// SetName renames a conversation.
	SetName(ctx context.Context, id domain.ConversationID, name string) error
	FindByUniqueKey(ctx context.Context, key string) (domain.Conversation, error)
	ListConversations(ctx context.Context, userID domain.UserID) ([]domain.Conversation, error)

	GetParticipant(ctx context.Context, id domain.ConversationID, userID domain.UserID) (domain.Participant, error)
	ListParticipants(ctx context.Context, id domain.ConversationID) ([]domain.Participant, error)
	AddParticipant(ctx context.Context, p domain.Participant) error
	RemoveParticipant(ctx context.Context, id domain.ConversationID, userID domain.UserID) error
	UpdateReadCursor(ctx context.Context, id domain.ConversationID, userID domain.UserID, upTo int64) (int64, error)
	SetMuted(ctx context.Context, id domain.ConversationID, userID domain.UserID, muted bool) error

	AppendMessage(ctx context.Context, msg domain.Message) error
	GetMessage(ctx context.Context, id domain.MessageID) (domain.Message, error)
	UpdateMessage(ctx context.Context, msg domain.Message) error
	History(ctx context.Context, id domain.ConversationID, afterSequence int64, limit int) ([]domain.Message, error)
	CountUnread(ctx context.Context, id domain.ConversationID, userID domain.UserID, afterSequence int64) (int, error)

	Close() error
}
