package services

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"market-chat/contract"
	"market-chat/domain"
	"market-chat/domain/event"
	"market-chat/errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// MessageDispatcher is the write path for messages.
type MessageDispatcher interface {
	Send(ctx context.Context, cmd domain.SendCommand) (domain.Message, error)
	SendSystem(ctx context.Context, conversationID domain.ConversationID, actorID domain.UserID, content string) (domain.Message, error)
	Edit(ctx context.Context, cmd domain.EditCommand) (domain.Message, error)
	Delete(ctx context.Context, cmd domain.DeleteCommand) (domain.Message, error)
}

// EventPublisher enqueues events on a conversation's ordered outbox.
// Exclusive runs fn under the conversation write lock; events handed to
// enqueue are ordered with the messages committed around them.
type EventPublisher interface {
	Publish(conversationID domain.ConversationID, events ...event.DomainEvent)
	Exclusive(conversationID domain.ConversationID, fn func(enqueue func(...event.DomainEvent)) error) error
}

const (
	minGroupNameLength = 3
	maxGroupNameLength = 50
)

// ConversationManager creates conversations and enforces membership rules.
type ConversationManager struct {
	log             *slog.Logger
	store           contract.ConversationStore
	membership      Membership
	dispatcher      MessageDispatcher
	publisher       EventPublisher
	listings        contract.ListingOracle
	maxParticipants int
	now             func() time.Time
	newID           func() string
}

func NewConversationManager(
	log *slog.Logger,
	store contract.ConversationStore,
	membership Membership,
	dispatcher MessageDispatcher,
	publisher EventPublisher,
	listings contract.ListingOracle,
	maxParticipants int,
) *ConversationManager {
	return &ConversationManager{
		log:             log,
		store:           store,
		membership:      membership,
		dispatcher:      dispatcher,
		publisher:       publisher,
		listings:        listings,
		maxParticipants: maxParticipants,
		now:             time.Now,
		newID:           uuid.NewString,
	}
}

func (m *ConversationManager) AssertMember(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) (domain.Participant, error) {
	return m.membership.AssertMember(ctx, conversationID, userID)
}

// CreatePrivate returns the PRIVATE conversation of the pair, creating it on first call.
func (m *ConversationManager) CreatePrivate(ctx context.Context, userA, userB domain.UserID) (domain.Conversation, error) {
	if userA == "" || userB == "" || userA == userB {
		return domain.Conversation{}, fmt.Errorf("%w: cannot open a private conversation between %q and %q", errors.ErrInvalidParticipant, userA, userB)
	}
	now := m.now().UTC()
	conv := domain.Conversation{
		ID:        domain.ConversationID(m.newID()),
		Kind:      domain.Private,
		CreatedBy: userA,
		CreatedAt: now,
		UniqueKey: domain.PrivateKey(userA, userB),
	}
	return m.findOrCreate(ctx, conv, []domain.Participant{
		{ConversationID: conv.ID, UserID: userA, Role: domain.Member, JoinedAt: now},
		{ConversationID: conv.ID, UserID: userB, Role: domain.Member, JoinedAt: now},
	})
}

// findOrCreate relies on the store's unique key: when two callers race, the
// loser reads back the winner's conversation.
func (m *ConversationManager) findOrCreate(ctx context.Context, conv domain.Conversation, participants []domain.Participant) (domain.Conversation, error) {
	existing, err := m.store.FindByUniqueKey(ctx, conv.UniqueKey)
	if err == nil {
		return existing, nil
	}
	if !stderrors.Is(err, errors.ErrConversationNotFound) {
		return domain.Conversation{}, err
	}
	err = m.store.CreateConversation(ctx, conv, participants)
	if stderrors.Is(err, errors.ErrConversationExists) {
		return m.store.FindByUniqueKey(ctx, conv.UniqueKey)
	}
	if err != nil {
		return domain.Conversation{}, err
	}
	m.log.Info("Conversation created", "conversation_id", conv.ID, "kind", conv.Kind)
	return conv, nil
}

// CreateGroup creates a GROUP with the creator as ADMIN.
func (m *ConversationManager) CreateGroup(ctx context.Context, cmd domain.CreateGroupCommand) (domain.Conversation, error) {
	members := lo.Uniq(lo.Compact(append([]domain.UserID{cmd.CreatorID}, cmd.ParticipantIDs...)))
	if cmd.CreatorID == "" || len(members) < 2 {
		return domain.Conversation{}, fmt.Errorf("%w: a group needs at least 2 distinct participants", errors.ErrTooFewParticipants)
	}
	if len(members) > m.maxParticipants {
		return domain.Conversation{}, fmt.Errorf("%w: %d participants, at most %d", errors.ErrParticipantLimit, len(members), m.maxParticipants)
	}
	now := m.now().UTC()
	conv := domain.Conversation{
		ID:        domain.ConversationID(m.newID()),
		Kind:      domain.Group,
		Name:      strings.TrimSpace(cmd.Name),
		CreatedBy: cmd.CreatorID,
		CreatedAt: now,
	}
	participants := lo.Map(members, func(u domain.UserID, _ int) domain.Participant {
		role := domain.Member
		if u == cmd.CreatorID {
			role = domain.Admin
		}
		return domain.Participant{ConversationID: conv.ID, UserID: u, Role: role, JoinedAt: now}
	})
	if err := m.store.CreateConversation(ctx, conv, participants); err != nil {
		return domain.Conversation{}, err
	}
	m.log.Info("Conversation created", "conversation_id", conv.ID, "kind", conv.Kind, "participants", len(participants))
	return conv, nil
}

// CreateListingInquiry opens, or reuses, the conversation of a buyer and the
// seller about one listing, then sends the opening message if there is one.
func (m *ConversationManager) CreateListingInquiry(ctx context.Context, cmd domain.CreateInquiryCommand) (domain.Conversation, error) {
	if cmd.BuyerID == "" || cmd.BuyerID == cmd.SellerID {
		return domain.Conversation{}, fmt.Errorf("%w: buyer and seller must differ", errors.ErrInvalidParticipant)
	}
	listing, err := m.listings.Listing(ctx, cmd.ListingID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if listing.SellerID != cmd.SellerID {
		return domain.Conversation{}, fmt.Errorf("%w: %s does not sell listing %s", errors.ErrInvalidParticipant, cmd.SellerID, cmd.ListingID)
	}

	now := m.now().UTC()
	conv := domain.Conversation{
		ID:        domain.ConversationID(m.newID()),
		Kind:      domain.ListingInquiry,
		ListingID: cmd.ListingID,
		Name:      inquiryName(listing),
		CreatedBy: cmd.BuyerID,
		CreatedAt: now,
		UniqueKey: domain.InquiryKey(cmd.ListingID, cmd.BuyerID, cmd.SellerID),
	}
	conv, err = m.findOrCreate(ctx, conv, []domain.Participant{
		{ConversationID: conv.ID, UserID: cmd.BuyerID, Role: domain.Member, JoinedAt: now},
		{ConversationID: conv.ID, UserID: cmd.SellerID, Role: domain.Member, JoinedAt: now},
	})
	if err != nil {
		return domain.Conversation{}, err
	}

	if strings.TrimSpace(cmd.OpeningMessage) == "" {
		return conv, nil
	}
	opening, err := m.dispatcher.Send(ctx, domain.SendCommand{
		ConversationID: conv.ID,
		SenderID:       cmd.BuyerID,
		Content:        cmd.OpeningMessage,
		Kind:           domain.Text,
	})
	if err != nil {
		return conv, fmt.Errorf("opening message: %w", err)
	}
	conv.Sequence = opening.Sequence
	return conv, nil
}

func inquiryName(listing domain.Listing) string {
	if listing.Title == "" {
		return fmt.Sprintf("Inquiry: %s", listing.ID)
	}
	return fmt.Sprintf("Inquiry: %s", listing.Title)
}

// mutableGroup loads a conversation that accepts membership changes.
func (m *ConversationManager) mutableGroup(ctx context.Context, conversationID domain.ConversationID) (domain.Conversation, error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if !conv.Mutable() {
		return domain.Conversation{}, fmt.Errorf("%w: %s conversations have fixed participants", errors.ErrUnsupportedForKind, conv.Kind)
	}
	return conv, nil
}

func (m *ConversationManager) assertAdmin(ctx context.Context, conversationID domain.ConversationID, actorID domain.UserID) error {
	actor, err := m.membership.AssertMember(ctx, conversationID, actorID)
	if err != nil {
		return err
	}
	if !actor.IsAdmin() {
		return fmt.Errorf("%w: %s is not an admin", errors.ErrForbidden, actorID)
	}
	return nil
}

// AddParticipant adds userID to a GROUP. Only an ADMIN may do it.
func (m *ConversationManager) AddParticipant(ctx context.Context, conversationID domain.ConversationID, actorID, userID domain.UserID) (domain.Participant, error) {
	if userID == "" {
		return domain.Participant{}, fmt.Errorf("%w: empty user id", errors.ErrInvalidParticipant)
	}
	if _, err := m.mutableGroup(ctx, conversationID); err != nil {
		return domain.Participant{}, err
	}
	if err := m.assertAdmin(ctx, conversationID, actorID); err != nil {
		return domain.Participant{}, err
	}

	p := domain.Participant{ConversationID: conversationID, UserID: userID, Role: domain.Member, JoinedAt: m.now().UTC()}
	err := m.publisher.Exclusive(conversationID, func(enqueue func(...event.DomainEvent)) error {
		participants, err := m.store.ListParticipants(ctx, conversationID)
		if err != nil {
			return err
		}
		if len(participants) >= m.maxParticipants {
			return fmt.Errorf("%w: at most %d", errors.ErrParticipantLimit, m.maxParticipants)
		}
		if err := m.store.AddParticipant(ctx, p); err != nil {
			return err
		}
		enqueue(event.ParticipantJoined{ConversationID: conversationID, UserID: userID, AddedBy: actorID})
		return nil
	})
	if err != nil {
		return domain.Participant{}, err
	}
	m.systemMessage(ctx, conversationID, actorID, fmt.Sprintf("%s joined the conversation", userID))
	return p, nil
}

// RemoveParticipant removes userID from a GROUP. Only an ADMIN may do it.
func (m *ConversationManager) RemoveParticipant(ctx context.Context, conversationID domain.ConversationID, actorID, userID domain.UserID) error {
	if _, err := m.mutableGroup(ctx, conversationID); err != nil {
		return err
	}
	if err := m.assertAdmin(ctx, conversationID, actorID); err != nil {
		return err
	}
	if err := m.removeParticipant(ctx, conversationID, userID, actorID); err != nil {
		return err
	}
	m.systemMessage(ctx, conversationID, actorID, fmt.Sprintf("%s was removed from the conversation", userID))
	return nil
}

// Leave lets a member quit a GROUP.
func (m *ConversationManager) Leave(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) error {
	if _, err := m.mutableGroup(ctx, conversationID); err != nil {
		return err
	}
	if _, err := m.membership.AssertMember(ctx, conversationID, userID); err != nil {
		return err
	}
	if err := m.removeParticipant(ctx, conversationID, userID, userID); err != nil {
		return err
	}
	m.systemMessage(ctx, conversationID, userID, fmt.Sprintf("%s left the conversation", userID))
	return nil
}

// removeParticipant deletes the participant under the conversation lock so
// messages committed after it no longer reach the user.
func (m *ConversationManager) removeParticipant(ctx context.Context, conversationID domain.ConversationID, userID, actorID domain.UserID) error {
	return m.publisher.Exclusive(conversationID, func(enqueue func(...event.DomainEvent)) error {
		if err := m.store.RemoveParticipant(ctx, conversationID, userID); err != nil {
			return err
		}
		enqueue(event.ParticipantLeft{ConversationID: conversationID, UserID: userID, RemovedBy: actorID})
		return nil
	})
}

// RenameGroup changes the name of a GROUP. Only an ADMIN may do it.
func (m *ConversationManager) RenameGroup(ctx context.Context, conversationID domain.ConversationID, actorID domain.UserID, name string) (domain.Conversation, error) {
	name = strings.TrimSpace(name)
	if n := utf8.RuneCountInString(name); n < minGroupNameLength || n > maxGroupNameLength {
		return domain.Conversation{}, fmt.Errorf("%w: group name must be between %d and %d characters", errors.ErrInvalidRequest, minGroupNameLength, maxGroupNameLength)
	}
	conv, err := m.mutableGroup(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if err := m.assertAdmin(ctx, conversationID, actorID); err != nil {
		return domain.Conversation{}, err
	}
	if conv.Name == name {
		return conv, nil
	}

	err = m.publisher.Exclusive(conversationID, func(enqueue func(...event.DomainEvent)) error {
		if err := m.store.SetName(ctx, conversationID, name); err != nil {
			return err
		}
		enqueue(event.ConversationUpdated{ConversationID: conversationID, Name: name, UpdatedBy: actorID})
		return nil
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	m.log.Info("Group renamed", "conversation_id", conversationID, "actor_id", actorID)
	m.systemMessage(ctx, conversationID, actorID, fmt.Sprintf("%s renamed the group to %q", actorID, name))
	return m.store.GetConversation(ctx, conversationID)
}

// systemMessage is best effort: the membership change is already durable.
func (m *ConversationManager) systemMessage(ctx context.Context, conversationID domain.ConversationID, actorID domain.UserID, content string) {
	if _, err := m.dispatcher.SendSystem(ctx, conversationID, actorID, content); err != nil {
		m.log.Error("System message failed", "conversation_id", conversationID, "error", err)
	}
}

func (m *ConversationManager) SetMuted(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID, muted bool) error {
	if _, err := m.membership.AssertMember(ctx, conversationID, userID); err != nil {
		return err
	}
	return m.store.SetMuted(ctx, conversationID, userID, muted)
}

func (m *ConversationManager) Participants(ctx context.Context, conversationID domain.ConversationID, actorID domain.UserID) ([]domain.Participant, error) {
	if _, err := m.membership.AssertMember(ctx, conversationID, actorID); err != nil {
		return nil, err
	}
	return m.store.ListParticipants(ctx, conversationID)
}

func (m *ConversationManager) GetConversation(ctx context.Context, conversationID domain.ConversationID, actorID domain.UserID) (domain.Conversation, error) {
	if _, err := m.membership.AssertMember(ctx, conversationID, actorID); err != nil {
		return domain.Conversation{}, err
	}
	return m.store.GetConversation(ctx, conversationID)
}

// ListConversations returns every conversation of userID with its unread count.
func (m *ConversationManager) ListConversations(ctx context.Context, userID domain.UserID) ([]domain.ConversationSummary, error) {
	convs, err := m.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	summaries := make([]domain.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		p, err := m.store.GetParticipant(ctx, conv.ID, userID)
		if err != nil {
			return nil, err
		}
		unread, err := m.store.CountUnread(ctx, conv.ID, userID, p.ReadCursor)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, domain.ConversationSummary{Conversation: conv, Participant: p, Unread: unread})
	}
	return summaries, nil
}
