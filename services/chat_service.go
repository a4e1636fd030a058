//go:generate go run go.uber.org/mock/mockgen -source=chat_service.go -destination=../mocks/mock_chat_service.go -package=mocks
package services

import (
	"context"
	"fmt"
	"market-chat/contract"
	"market-chat/domain"
	"market-chat/errors"
)

// IChatService is the single entry point of both gateways. The push and the
// request/response fronts call the same methods, so they produce the same
// persisted state and the same fan-out.
type IChatService interface {
	Connect(ctx context.Context, userID domain.UserID, sink contract.EventSink)
	Disconnect(ctx context.Context, userID domain.UserID, sessionID domain.SessionID)
	Touch(userID domain.UserID, sessionID domain.SessionID)
	Presence(userID domain.UserID) domain.Presence

	Send(ctx context.Context, cmd domain.SendCommand) (domain.Message, error)
	Edit(ctx context.Context, cmd domain.EditCommand) (domain.Message, error)
	Delete(ctx context.Context, cmd domain.DeleteCommand) (domain.Message, error)
	History(ctx context.Context, query domain.HistoryQuery) (domain.HistoryPage, error)
	Subscribe(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) (int64, error)
	SetTyping(ctx context.Context, cmd domain.TypingCommand) error
	MarkRead(ctx context.Context, cmd domain.MarkReadCommand) (domain.ReadReceipt, error)
	UnreadCounts(ctx context.Context, userID domain.UserID) (domain.UnreadSummary, error)

	CreatePrivate(ctx context.Context, userA, userB domain.UserID) (domain.Conversation, error)
	CreateGroup(ctx context.Context, cmd domain.CreateGroupCommand) (domain.Conversation, error)
	CreateListingInquiry(ctx context.Context, cmd domain.CreateInquiryCommand) (domain.Conversation, error)
	AddParticipant(ctx context.Context, conversationID domain.ConversationID, actorID, userID domain.UserID) (domain.Participant, error)
	RemoveParticipant(ctx context.Context, conversationID domain.ConversationID, actorID, userID domain.UserID) error
	Leave(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) error
	RenameGroup(ctx context.Context, conversationID domain.ConversationID, actorID domain.UserID, name string) (domain.Conversation, error)
	SetMuted(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID, muted bool) error
	Participants(ctx context.Context, conversationID domain.ConversationID, actorID domain.UserID) ([]domain.Participant, error)
	GetConversation(ctx context.Context, conversationID domain.ConversationID, actorID domain.UserID) (domain.Conversation, error)
	ListConversations(ctx context.Context, userID domain.UserID) ([]domain.ConversationSummary, error)
}

// PresenceTracker is what the chat service needs from presence.
type PresenceTracker interface {
	Connect(ctx context.Context, userID domain.UserID, sink contract.EventSink)
	Disconnect(ctx context.Context, userID domain.UserID, sessionID domain.SessionID)
	Touch(userID domain.UserID, sessionID domain.SessionID)
	SetTyping(ctx context.Context, cmd domain.TypingCommand) error
	Status(userID domain.UserID) domain.Presence
}

var _ IChatService = (*ChatService)(nil)

type ChatService struct {
	*ConversationManager
	*ReadReceipts
	store           contract.ConversationStore
	dispatcher      MessageDispatcher
	presence        PresenceTracker
	defaultPageSize int
	maxPageSize     int
}

func NewChatService(
	store contract.ConversationStore,
	manager *ConversationManager,
	reads *ReadReceipts,
	dispatcher MessageDispatcher,
	presence PresenceTracker,
	defaultPageSize, maxPageSize int,
) *ChatService {
	return &ChatService{
		ConversationManager: manager,
		ReadReceipts:        reads,
		store:               store,
		dispatcher:          dispatcher,
		presence:            presence,
		defaultPageSize:     defaultPageSize,
		maxPageSize:         maxPageSize,
	}
}

func (s *ChatService) Connect(ctx context.Context, userID domain.UserID, sink contract.EventSink) {
	s.presence.Connect(ctx, userID, sink)
}

func (s *ChatService) Disconnect(ctx context.Context, userID domain.UserID, sessionID domain.SessionID) {
	s.presence.Disconnect(ctx, userID, sessionID)
}

func (s *ChatService) Touch(userID domain.UserID, sessionID domain.SessionID) {
	s.presence.Touch(userID, sessionID)
}

func (s *ChatService) Presence(userID domain.UserID) domain.Presence {
	return s.presence.Status(userID)
}

func (s *ChatService) SetTyping(ctx context.Context, cmd domain.TypingCommand) error {
	return s.presence.SetTyping(ctx, cmd)
}

func (s *ChatService) Send(ctx context.Context, cmd domain.SendCommand) (domain.Message, error) {
	return s.dispatcher.Send(ctx, cmd)
}

func (s *ChatService) Edit(ctx context.Context, cmd domain.EditCommand) (domain.Message, error) {
	return s.dispatcher.Edit(ctx, cmd)
}

func (s *ChatService) Delete(ctx context.Context, cmd domain.DeleteCommand) (domain.Message, error) {
	return s.dispatcher.Delete(ctx, cmd)
}

// History returns the page of messages after query.AfterSequence in ascending
// order. Deleted messages come back as tombstones.
func (s *ChatService) History(ctx context.Context, query domain.HistoryQuery) (domain.HistoryPage, error) {
	if _, err := s.AssertMember(ctx, query.ConversationID, query.UserID); err != nil {
		return domain.HistoryPage{}, err
	}
	if query.AfterSequence < 0 {
		return domain.HistoryPage{}, fmt.Errorf("%w: afterSequence %d", errors.ErrInvalidSequence, query.AfterSequence)
	}
	pageSize := query.PageSize
	switch {
	case pageSize <= 0:
		pageSize = s.defaultPageSize
	case pageSize > s.maxPageSize:
		pageSize = s.maxPageSize
	}
	messages, err := s.store.History(ctx, query.ConversationID, query.AfterSequence, pageSize+1)
	if err != nil {
		return domain.HistoryPage{}, err
	}
	page := domain.HistoryPage{ConversationID: query.ConversationID, LastSequence: query.AfterSequence}
	if len(messages) > pageSize {
		page.HasMore = true
		messages = messages[:pageSize]
	}
	page.Messages = make([]domain.Message, len(messages))
	for i, m := range messages {
		page.Messages[i] = m.Visible()
	}
	if len(messages) > 0 {
		page.LastSequence = messages[len(messages)-1].Sequence
	}
	return page, nil
}

// Subscribe confirms membership and returns the current max sequence so the
// client knows where to resume history from.
func (s *ChatService) Subscribe(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) (int64, error) {
	conv, err := s.GetConversation(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	return conv.Sequence, nil
}
