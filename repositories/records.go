package repositories

import (
	"market-chat/domain"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Records are the on-disk shape of domain entities. Integer keys keep the
// encoded values compact; timestamps are unix nanoseconds in UTC.

type conversationRecord struct {
	ID        string `cbor:"1,keyasint"`
	Kind      string `cbor:"2,keyasint"`
	ListingID string `cbor:"3,keyasint,omitempty"`
	Name      string `cbor:"4,keyasint,omitempty"`
	CreatedBy string `cbor:"5,keyasint"`
	CreatedAt int64  `cbor:"6,keyasint"`
	Sequence  int64  `cbor:"7,keyasint"`
	UniqueKey string `cbor:"8,keyasint,omitempty"`
}

type participantRecord struct {
	ConversationID string `cbor:"1,keyasint"`
	UserID         string `cbor:"2,keyasint"`
	Role           string `cbor:"3,keyasint"`
	JoinedAt       int64  `cbor:"4,keyasint"`
	ReadCursor     int64  `cbor:"5,keyasint"`
	Muted          bool   `cbor:"6,keyasint,omitempty"`
}

type messageRecord struct {
	ID             string `cbor:"1,keyasint"`
	ConversationID string `cbor:"2,keyasint"`
	Sequence       int64  `cbor:"3,keyasint"`
	SenderID       string `cbor:"4,keyasint"`
	Content        string `cbor:"5,keyasint"`
	Kind           string `cbor:"6,keyasint"`
	ReplyTo        string `cbor:"7,keyasint,omitempty"`
	CreatedAt      int64  `cbor:"8,keyasint"`
	EditedAt       int64  `cbor:"9,keyasint,omitempty"`
	Deleted        bool   `cbor:"10,keyasint,omitempty"`
}

var encMode, _ = cbor.CanonicalEncOptions().EncMode()

func encode(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func decode(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

func fromConversation(c domain.Conversation) conversationRecord {
	return conversationRecord{
		ID:        string(c.ID),
		Kind:      string(c.Kind),
		ListingID: string(c.ListingID),
		Name:      c.Name,
		CreatedBy: string(c.CreatedBy),
		CreatedAt: c.CreatedAt.UnixNano(),
		Sequence:  c.Sequence,
		UniqueKey: c.UniqueKey,
	}
}

func (r conversationRecord) toDomain() domain.Conversation {
	return domain.Conversation{
		ID:        domain.ConversationID(r.ID),
		Kind:      domain.ConversationKind(r.Kind),
		ListingID: domain.ListingID(r.ListingID),
		Name:      r.Name,
		CreatedBy: domain.UserID(r.CreatedBy),
		CreatedAt: fromNanos(r.CreatedAt),
		Sequence:  r.Sequence,
		UniqueKey: r.UniqueKey,
	}
}

func fromParticipant(p domain.Participant) participantRecord {
	return participantRecord{
		ConversationID: string(p.ConversationID),
		UserID:         string(p.UserID),
		Role:           string(p.Role),
		JoinedAt:       p.JoinedAt.UnixNano(),
		ReadCursor:     p.ReadCursor,
		Muted:          p.Muted,
	}
}

func (r participantRecord) toDomain() domain.Participant {
	return domain.Participant{
		ConversationID: domain.ConversationID(r.ConversationID),
		UserID:         domain.UserID(r.UserID),
		Role:           domain.Role(r.Role),
		JoinedAt:       fromNanos(r.JoinedAt),
		ReadCursor:     r.ReadCursor,
		Muted:          r.Muted,
	}
}

func fromMessage(m domain.Message) messageRecord {
	rec := messageRecord{
		ID:             string(m.ID),
		ConversationID: string(m.ConversationID),
		Sequence:       m.Sequence,
		SenderID:       string(m.SenderID),
		Content:        m.Content,
		Kind:           string(m.Kind),
		ReplyTo:        string(m.ReplyTo),
		CreatedAt:      m.CreatedAt.UnixNano(),
		Deleted:        m.Deleted,
	}
	if m.EditedAt != nil {
		rec.EditedAt = m.EditedAt.UnixNano()
	}
	return rec
}

func (r messageRecord) toDomain() domain.Message {
	msg := domain.Message{
		ID:             domain.MessageID(r.ID),
		ConversationID: domain.ConversationID(r.ConversationID),
		Sequence:       r.Sequence,
		SenderID:       domain.UserID(r.SenderID),
		Content:        r.Content,
		Kind:           domain.MessageKind(r.Kind),
		ReplyTo:        domain.MessageID(r.ReplyTo),
		CreatedAt:      fromNanos(r.CreatedAt),
		Deleted:        r.Deleted,
	}
	if r.EditedAt != 0 {
		editedAt := fromNanos(r.EditedAt)
		msg.EditedAt = &editedAt
	}
	return msg
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
