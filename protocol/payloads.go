package protocol

import (
	"fmt"
	"market-chat/domain"
	"market-chat/domain/event"
	"market-chat/errors"
	"time"
)

// Client requests. The push frames and the fallback bodies use the same structs.

type SendRequest struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
	Content        string `json:"content" validate:"required"`
	Kind           string `json:"kind,omitempty" validate:"omitempty,oneof=TEXT IMAGE_REF"`
	ReplyTo        string `json:"replyTo,omitempty" validate:"max=128"`
}

type TypingRequest struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
	IsTyping       bool   `json:"isTyping"`
}

type MarkReadRequest struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
	UpToSequence   int64  `json:"upToSequence" validate:"gte=0"`
}

type SubscribeRequest struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
}

type EditRequest struct {
	MessageID string `json:"messageId" validate:"required,max=128"`
	Content   string `json:"content" validate:"required"`
}

type DeleteRequest struct {
	MessageID string `json:"messageId" validate:"required,max=128"`
}

type CreatePrivateRequest struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

type CreateGroupRequest struct {
	Name           string   `json:"name" validate:"max=200"`
	ParticipantIDs []string `json:"participantIds" validate:"required,min=1,dive,required,max=128"`
}

type CreateInquiryRequest struct {
	ListingID      string `json:"listingId" validate:"required,max=128"`
	SellerID       string `json:"sellerId" validate:"required,max=128"`
	OpeningMessage string `json:"openingMessage,omitempty"`
}

type AddParticipantRequest struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

type RenameGroupRequest struct {
	Name string `json:"name" validate:"required,max=200"`
}

type MuteRequest struct {
	Muted bool `json:"muted"`
}

// Server payloads

type Hello struct {
	UserID     string    `json:"userId"`
	SessionID  string    `json:"sessionId"`
	ServerTime time.Time `json:"serverTime"`
}

type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	Sequence       int64      `json:"sequence"`
	SenderID       string     `json:"senderId"`
	Content        string     `json:"content"`
	Kind           string     `json:"kind"`
	ReplyTo        string     `json:"replyTo,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
	Deleted        bool       `json:"deleted,omitempty"`
}

type MessageDeleted struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Sequence       int64  `json:"sequence"`
	DeletedBy      string `json:"deletedBy"`
}

type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

type Presence struct {
	UserID   string     `json:"userId"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type Read struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UpToSequence   int64  `json:"upToSequence"`
}

type ParticipantChange struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	By             string `json:"by"`
}

type ConversationUpdated struct {
	ConversationID string `json:"conversationId"`
	Name           string `json:"name"`
	By             string `json:"by"`
}

type ReadReceipt struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UpToSequence   int64  `json:"upToSequence"`
	Unread         int    `json:"unread"`
}

type Unread struct {
	Total          int            `json:"total"`
	ByConversation map[string]int `json:"byConversation"`
}

type HistoryPage struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
	HasMore        bool      `json:"hasMore"`
	LastSequence   int64     `json:"lastSequence"`
}

type Conversation struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	ListingID string    `json:"listingId,omitempty"`
	Name      string    `json:"name,omitempty"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	Sequence  int64     `json:"sequence"`
}

type Participant struct {
	UserID     string    `json:"userId"`
	Role       string    `json:"role"`
	JoinedAt   time.Time `json:"joinedAt"`
	ReadCursor int64     `json:"readCursor"`
	Muted      bool      `json:"muted,omitempty"`
}

type ConversationSummary struct {
	Conversation Conversation `json:"conversation"`
	Role         string       `json:"role"`
	Muted        bool         `json:"muted,omitempty"`
	Unread       int          `json:"unread"`
}

// Ack answers a client frame that carried a requestId.
type Ack struct {
	Message     *Message     `json:"message,omitempty"`
	Receipt     *ReadReceipt `json:"receipt,omitempty"`
	MaxSequence *int64       `json:"maxSequence,omitempty"`
}

type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Notification is what travels on the offline notification bus.
type Notification struct {
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	MessageID      string    `json:"messageId"`
	Preview        string    `json:"preview"`
	At             time.Time `json:"at"`
}

func FromMessage(m domain.Message) Message {
	m = m.Visible()
	return Message{
		ID:             string(m.ID),
		ConversationID: string(m.ConversationID),
		Sequence:       m.Sequence,
		SenderID:       string(m.SenderID),
		Content:        m.Content,
		Kind:           string(m.Kind),
		ReplyTo:        string(m.ReplyTo),
		CreatedAt:      m.CreatedAt,
		EditedAt:       m.EditedAt,
		Deleted:        m.Deleted,
	}
}

func FromPresence(p domain.Presence) Presence {
	out := Presence{UserID: string(p.UserID), Status: string(p.Status)}
	if p.Status == domain.Offline && !p.LastSeen.IsZero() {
		lastSeen := p.LastSeen
		out.LastSeen = &lastSeen
	}
	return out
}

func FromPresenceEvent(e event.PresenceChanged) Presence {
	return FromPresence(domain.Presence{UserID: e.UserID, Status: e.Status, LastSeen: e.LastSeen})
}

func FromReceipt(r domain.ReadReceipt) ReadReceipt {
	return ReadReceipt{
		ConversationID: string(r.ConversationID),
		UserID:         string(r.UserID),
		UpToSequence:   r.UpToSequence,
		Unread:         r.Unread,
	}
}

func FromUnread(u domain.UnreadSummary) Unread {
	out := Unread{Total: u.Total, ByConversation: make(map[string]int, len(u.ByConversation))}
	for id, n := range u.ByConversation {
		out.ByConversation[string(id)] = n
	}
	return out
}

func FromHistory(p domain.HistoryPage) HistoryPage {
	out := HistoryPage{
		ConversationID: string(p.ConversationID),
		Messages:       make([]Message, 0, len(p.Messages)),
		HasMore:        p.HasMore,
		LastSequence:   p.LastSequence,
	}
	for _, m := range p.Messages {
		out.Messages = append(out.Messages, FromMessage(m))
	}
	return out
}

func FromConversation(c domain.Conversation) Conversation {
	return Conversation{
		ID:        string(c.ID),
		Kind:      string(c.Kind),
		ListingID: string(c.ListingID),
		Name:      c.Name,
		CreatedBy: string(c.CreatedBy),
		CreatedAt: c.CreatedAt,
		Sequence:  c.Sequence,
	}
}

func FromParticipant(p domain.Participant) Participant {
	return Participant{
		UserID:     string(p.UserID),
		Role:       string(p.Role),
		JoinedAt:   p.JoinedAt,
		ReadCursor: p.ReadCursor,
		Muted:      p.Muted,
	}
}

func FromSummary(s domain.ConversationSummary) ConversationSummary {
	return ConversationSummary{
		Conversation: FromConversation(s.Conversation),
		Role:         string(s.Participant.Role),
		Muted:        s.Participant.Muted,
		Unread:       s.Unread,
	}
}

func FromNotification(n domain.Notification) Notification {
	return Notification{
		UserID:         string(n.UserID),
		ConversationID: string(n.ConversationID),
		SenderID:       string(n.SenderID),
		MessageID:      string(n.MessageID),
		Preview:        n.Preview,
		At:             n.At,
	}
}

func (n Notification) ToDomain() domain.Notification {
	return domain.Notification{
		UserID:         domain.UserID(n.UserID),
		ConversationID: domain.ConversationID(n.ConversationID),
		SenderID:       domain.UserID(n.SenderID),
		MessageID:      domain.MessageID(n.MessageID),
		Preview:        n.Preview,
		At:             n.At,
	}
}

func FromError(err error) Error {
	return Error{
		Code:      string(errors.Code(err)),
		Message:   err.Error(),
		Retryable: errors.Retryable(err),
	}
}

// ToSendCommand binds a request to the authenticated sender.
func (r SendRequest) ToSendCommand(sender domain.UserID) (domain.SendCommand, error) {
	kind, err := domain.ParseMessageKind(r.Kind)
	if err != nil {
		return domain.SendCommand{}, fmt.Errorf("%w: %v", errors.ErrInvalidContent, err)
	}
	return domain.SendCommand{
		ConversationID: domain.ConversationID(r.ConversationID),
		SenderID:       sender,
		Content:        r.Content,
		Kind:           kind,
		ReplyTo:        domain.MessageID(r.ReplyTo),
	}, nil
}
