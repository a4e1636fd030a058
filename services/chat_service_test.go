package services

import (
	"context"
	"fmt"
	"log/slog"
	"market-chat/domain"
	"market-chat/domain/event"
	"market-chat/errors"
	"market-chat/mocks"
	"market-chat/observability"
	"market-chat/repositories"
	"market-chat/runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type recordingSink struct {
	id     domain.SessionID
	mu     sync.Mutex
	events []event.DomainEvent
}

func newRecordingSink() *recordingSink {
	return &recordingSink{id: domain.SessionID(uuid.NewString())}
}

func (s *recordingSink) ID() domain.SessionID { return s.id }
func (s *recordingSink) Close() error         { return nil }

func (s *recordingSink) Consume(_ context.Context, e event.DomainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) Events() []event.DomainEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.DomainEvent(nil), s.events...)
}

type passthroughResolver struct{}

func (passthroughResolver) Resolve(_ context.Context, fileID string) (string, error) {
	return "https://cdn.example.test/" + fileID, nil
}

type stack struct {
	svc   *ChatService
	arena *runtime.Arena
}

func newStack(t *testing.T, listings *mocks.MockListingOracle) stack {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	store := repositories.NewMemoryStore()
	monitoring := observability.NewMonitoringManager(log)
	registry := runtime.NewRegistry()
	membership := NewMembership(store)
	fanout := runtime.NewEventFanout(log, registry, store, nil, monitoring, 200*time.Millisecond)
	arena := runtime.NewArena(context.Background(), log, fanout)
	presence := runtime.NewPresence(log, registry, store, fanout, arena, membership, 5*time.Second)
	dispatcher := runtime.NewDispatcher(log, store, arena, membership, presence, passthroughResolver{}, monitoring, 1000, 15*time.Minute)
	manager := NewConversationManager(log, store, membership, dispatcher, arena, listings, 5)
	reads := NewReadReceipts(log, store, membership, arena)
	return stack{
		svc:   NewChatService(store, manager, reads, dispatcher, presence, 3, 10),
		arena: arena,
	}
}

func (s stack) send(t *testing.T, conv domain.ConversationID, sender domain.UserID, content string) domain.Message {
	t.Helper()
	msg, err := s.svc.Send(context.Background(), domain.SendCommand{ConversationID: conv, SenderID: sender, Content: content, Kind: domain.Text})
	require.NoError(t, err)
	return msg
}

func TestChatService_CreatePrivate_Is_Idempotent(t *testing.T) {
	req := require.New(t)
	s := newStack(t, nil)
	ctx := context.Background()

	first, err := s.svc.CreatePrivate(ctx, "alice", "bob")
	req.NoError(err)
	second, err := s.svc.CreatePrivate(ctx, "alice", "bob")
	req.NoError(err)
	reversed, err := s.svc.CreatePrivate(ctx, "bob", "alice")
	req.NoError(err)

	req.Equal(first.ID, second.ID)
	req.Equal(first.ID, reversed.ID)
	req.Equal(domain.Private, first.Kind)

	_, err = s.svc.CreatePrivate(ctx, "alice", "alice")
	req.ErrorIs(err, errors.ErrInvalidParticipant)
}

func TestChatService_CreatePrivate_Concurrent_Callers_Share_One_Conversation(t *testing.T) {
	req := require.New(t)
	s := newStack(t, nil)
	ids := make(chan domain.ConversationID, 20)
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := domain.UserID("alice"), domain.UserID("bob")
			if i%2 == 0 {
				a, b = b, a
			}
			conv, err := s.svc.CreatePrivate(context.Background(), a, b)
			if err == nil {
				ids <- conv.ID
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	var distinct = map[domain.ConversationID]struct{}{}
	for id := range ids {
		distinct[id] = struct{}{}
	}
	req.Len(distinct, 1)
}

func TestChatService_CreateGroup(t *testing.T) {
	req := require.New(t)
	s := newStack(t, nil)
	ctx := context.Background()

	// Duplicates and the creator collapse to a single participant
	_, err := s.svc.CreateGroup(ctx, domain.CreateGroupCommand{CreatorID: "alice", ParticipantIDs: []domain.UserID{"alice", "alice", ""}, Name: "solo"})
	req.ErrorIs(err, errors.ErrTooFewParticipants)

	_, err = s.svc.CreateGroup(ctx, domain.CreateGroupCommand{CreatorID: "alice", ParticipantIDs: []domain.UserID{"b", "c", "d", "e", "f"}})
	req.ErrorIs(err, errors.ErrParticipantLimit)

	conv, err := s.svc.CreateGroup(ctx, domain.CreateGroupCommand{CreatorID: "alice", ParticipantIDs: []domain.UserID{"bob", "bob", "carol"}, Name: " garage "})
	req.NoError(err)
	req.Equal("garage", conv.Name)
	participants, err := s.svc.Participants(ctx, conv.ID, "bob")
	req.NoError(err)
	req.Len(participants, 3)
	roles := map[domain.UserID]domain.Role{}
	for _, p := range participants {
		roles[p.UserID] = p.Role
	}
	req.Equal(map[domain.UserID]domain.Role{"alice": domain.Admin, "bob": domain.Member, "carol": domain.Member}, roles)

	_, err = s.svc.Participants(ctx, conv.ID, "mallory")
	req.ErrorIs(err, errors.ErrNotAMember)
}

func TestChatService_Listing_Inquiry(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	listings := mocks.NewMockListingOracle(ctrl)
	listings.EXPECT().Listing(gomock.Any(), domain.ListingID("car-1")).
		Return(domain.Listing{ID: "car-1", SellerID: "seller", Title: "2012 Corolla"}, nil).AnyTimes()
	listings.EXPECT().Listing(gomock.Any(), domain.ListingID("ghost")).
		Return(domain.Listing{}, fmt.Errorf("%w: ghost", errors.ErrListingNotFound)).AnyTimes()
	s := newStack(t, listings)
	ctx := context.Background()

	// The declared seller must be the listing's seller
	_, err := s.svc.CreateListingInquiry(ctx, domain.CreateInquiryCommand{BuyerID: "buyer", SellerID: "impostor", ListingID: "car-1"})
	req.ErrorIs(err, errors.ErrInvalidParticipant)
	_, err = s.svc.CreateListingInquiry(ctx, domain.CreateInquiryCommand{BuyerID: "buyer", SellerID: "seller", ListingID: "ghost"})
	req.ErrorIs(err, errors.ErrListingNotFound)

	// First inquiry creates the conversation and sends the opening message
	first, err := s.svc.CreateListingInquiry(ctx, domain.CreateInquiryCommand{BuyerID: "buyer", SellerID: "seller", ListingID: "car-1", OpeningMessage: "Is it still available?"})
	req.NoError(err)
	req.Equal(domain.ListingInquiry, first.Kind)
	req.Equal("Inquiry: 2012 Corolla", first.Name)
	req.Equal(int64(1), first.Sequence)

	// Asking again reuses it and sends the new opening message
	again, err := s.svc.CreateListingInquiry(ctx, domain.CreateInquiryCommand{BuyerID: "buyer", SellerID: "seller", ListingID: "car-1", OpeningMessage: "Hello?"})
	req.NoError(err)
	req.Equal(first.ID, again.ID)

	// Without opening message nothing is sent
	quiet, err := s.svc.CreateListingInquiry(ctx, domain.CreateInquiryCommand{BuyerID: "buyer", SellerID: "seller", ListingID: "car-1"})
	req.NoError(err)
	req.Equal(first.ID, quiet.ID)

	page, err := s.svc.History(ctx, domain.HistoryQuery{ConversationID: first.ID, UserID: "seller", PageSize: 10})
	req.NoError(err)
	req.Len(page.Messages, 2)
	req.Equal("Is it still available?", page.Messages[0].Content)
	req.Equal("Hello?", page.Messages[1].Content)

	// Participants and name of an inquiry are fixed
	_, err = s.svc.AddParticipant(ctx, first.ID, "buyer", "friend")
	req.ErrorIs(err, errors.ErrUnsupportedForKind)
	_, err = s.svc.RenameGroup(ctx, first.ID, "buyer", "my car")
	req.ErrorIs(err, errors.ErrUnsupportedForKind)
}

func TestChatService_Group_Membership_Changes(t *testing.T) {
	req := require.New(t)
	s := newStack(t, nil)
	ctx := context.Background()
	conv, err := s.svc.CreateGroup(ctx, domain.CreateGroupCommand{CreatorID: "alice", ParticipantIDs: []domain.UserID{"bob"}, Name: "club"})
	req.NoError(err)
	bob := newRecordingSink()
	s.svc.Connect(ctx, "bob", bob)

	// A member cannot add people
	_, err = s.svc.AddParticipant(ctx, conv.ID, "bob", "carol")
	req.ErrorIs(err, errors.ErrForbidden)

	// The admin can, once
	_, err = s.svc.AddParticipant(ctx, conv.ID, "alice", "carol")
	req.NoError(err)
	_, err = s.svc.AddParticipant(ctx, conv.ID, "alice", "carol")
	req.ErrorIs(err, errors.ErrAlreadyMember)

	// Carol leaves, then the admin removes bob
	req.NoError(s.svc.Leave(ctx, conv.ID, "carol"))
	req.NoError(s.svc.RemoveParticipant(ctx, conv.ID, "alice", "bob"))
	s.arena.Wait()

	// Then each change left a system message at its place in the sequence
	page, err := s.svc.History(ctx, domain.HistoryQuery{ConversationID: conv.ID, UserID: "alice", PageSize: 10})
	req.NoError(err)
	req.Len(page.Messages, 3)
	for i, content := range []string{"carol joined the conversation", "carol left the conversation", "bob was removed from the conversation"} {
		req.Equal(domain.System, page.Messages[i].Kind)
		req.Equal(content, page.Messages[i].Content)
		req.Equal(int64(i+1), page.Messages[i].Sequence)
	}

	// And bob was told about the removal
	var left []event.ParticipantLeft
	for _, e := range bob.Events() {
		if l, ok := e.(event.ParticipantLeft); ok {
			left = append(left, l)
		}
	}
	req.Contains(left, event.ParticipantLeft{ConversationID: conv.ID, UserID: "bob", RemovedBy: "alice"})

	_, err = s.svc.History(ctx, domain.HistoryQuery{ConversationID: conv.ID, UserID: "bob"})
	req.ErrorIs(err, errors.ErrNotAMember)
}

func TestChatService_Membership_Changes_Are_Ordered_With_Messages(t *testing.T) {
	req := require.New(t)
	s := newStack(t, nil)
	ctx := context.Background()
	conv, err := s.svc.CreateGroup(ctx, domain.CreateGroupCommand{CreatorID: "alice", ParticipantIDs: []domain.UserID{"bob"}, Name: "club"})
	req.NoError(err)
	bob, carol := newRecordingSink(), newRecordingSink()
	s.svc.Connect(ctx, "bob", bob)
	s.svc.Connect(ctx, "carol", carol)

	// When alice posts, bob is removed, carol is added, and alice posts again
	before := s.send(t, conv.ID, "alice", "before")
	req.NoError(s.svc.RemoveParticipant(ctx, conv.ID, "alice", "bob"))
	_, err = s.svc.AddParticipant(ctx, conv.ID, "alice", "carol")
	req.NoError(err)
	after := s.send(t, conv.ID, "alice", "after")
	s.arena.Wait()

	// Then bob only got what was committed while he was a participant
	posted := func(events []event.DomainEvent) []string {
		var res []string
		for _, e := range events {
			if p, ok := e.(event.MessagePosted); ok && p.Message.Kind != domain.System {
				res = append(res, p.Message.Content)
			}
		}
		return res
	}
	req.Equal([]string{before.Content}, posted(bob.Events()))

	// And carol only what was committed after she joined
	req.Equal([]string{after.Content}, posted(carol.Events()))
}

func TestChatService_RenameGroup(t *testing.T) {
	req := require.New(t)
	s := newStack(t, nil)
	ctx := context.Background()
	conv, err := s.svc.CreateGroup(ctx, domain.CreateGroupCommand{CreatorID: "alice", ParticipantIDs: []domain.UserID{"bob"}, Name: "club"})
	req.NoError(err)
	bob := newRecordingSink()
	s.svc.Connect(ctx, "bob", bob)

	// A member cannot rename the group
	_, err = s.svc.RenameGroup(ctx, conv.ID, "bob", "bob's club")
	req.ErrorIs(err, errors.ErrForbidden)

	// Names are trimmed and must be 3 to 50 characters long
	_, err = s.svc.RenameGroup(ctx, conv.ID, "alice", "  x  ")
	req.ErrorIs(err, errors.ErrInvalidRequest)
	_, err = s.svc.RenameGroup(ctx, conv.ID, "alice", strings.Repeat("a", 51))
	req.ErrorIs(err, errors.ErrInvalidRequest)

	// When the admin renames it
	renamed, err := s.svc.RenameGroup(ctx, conv.ID, "alice", "  Bike club ")
	req.NoError(err)
	s.arena.Wait()

	// Then the new name is stored
	req.Equal("Bike club", renamed.Name)
	fetched, err := s.svc.GetConversation(ctx, conv.ID, "bob")
	req.NoError(err)
	req.Equal("Bike club", fetched.Name)

	// And bob hears about it, then sees the system message
	events := bob.Events()
	req.Len(events, 2)
	req.Equal(event.ConversationUpdated{ConversationID: conv.ID, Name: "Bike club", UpdatedBy: "alice"}, events[0])
	system, ok := events[1].(event.MessagePosted)
	req.True(ok)
	req.Equal(domain.System, system.Message.Kind)
	req.Equal(`alice renamed the group to "Bike club"`, system.Message.Content)

	// Renaming to the same name changes nothing
	_, err = s.svc.RenameGroup(ctx, conv.ID, "alice", "Bike club")
	req.NoError(err)
	s.arena.Wait()
	req.Len(bob.Events(), 2)
}

func TestChatService_Private_Is_Not_Mutable(t *testing.T) {
	req := require.New(t)
	s := newStack(t, nil)
	ctx := context.Background()
	conv, err := s.svc.CreatePrivate(ctx, "alice", "bob")
	req.NoError(err)

	_, err = s.svc.AddParticipant(ctx, conv.ID, "alice", "carol")
	req.ErrorIs(err, errors.ErrUnsupportedForKind)
	req.ErrorIs(s.svc.RemoveParticipant(ctx, conv.ID, "alice", "bob"), errors.ErrUnsupportedForKind)
	req.ErrorIs(s.svc.Leave(ctx, conv.ID, "bob"), errors.ErrUnsupportedForKind)
	_, err = s.svc.RenameGroup(ctx, conv.ID, "alice", "us two")
	req.ErrorIs(err, errors.ErrUnsupportedForKind)
}

func TestChatService_MarkRead_And_Unread_Counts(t *testing.T) {
	req := require.New(t)
	s := newStack(t, nil)
	ctx := context.Background()
	conv, err := s.svc.CreatePrivate(ctx, "alice", "bob")
	req.NoError(err)
	for i := range 5 {
		s.send(t, conv.ID, "alice", fmt.Sprintf("msg %d", i))
	}
	s.send(t, conv.ID, "bob", "mine")

	// Out of range marks are refused
	_, err = s.svc.MarkRead(ctx, domain.MarkReadCommand{ConversationID: conv.ID, UserID: "bob", UpToSequence: 7})
	req.ErrorIs(err, errors.ErrInvalidSequence)
	_, err = s.svc.MarkRead(ctx, domain.MarkReadCommand{ConversationID: conv.ID, UserID: "mallory", UpToSequence: 1})
	req.ErrorIs(err, errors.ErrNotAMember)

	counts, err := s.svc.UnreadCounts(ctx, "bob")
	req.NoError(err)
	req.Equal(5, counts.Total)

	// Unread never grows as the mark advances, and a lower mark does not move the cursor back
	previous := counts.Total
	for _, upTo := range []int64{2, 4, 3, 6} {
		receipt, err := s.svc.MarkRead(ctx, domain.MarkReadCommand{ConversationID: conv.ID, UserID: "bob", UpToSequence: upTo})
		req.NoError(err)
		req.LessOrEqual(receipt.Unread, previous)
		previous = receipt.Unread
	}
	counts, err = s.svc.UnreadCounts(ctx, "bob")
	req.NoError(err)
	req.Zero(counts.Total)
	req.Equal(map[domain.ConversationID]int{conv.ID: 0}, counts.ByConversation)

	receipt, err := s.svc.MarkRead(ctx, domain.MarkReadCommand{ConversationID: conv.ID, UserID: "bob", UpToSequence: 1})
	req.NoError(err)
	req.Equal(int64(6), receipt.UpToSequence)

	summaries, err := s.svc.ListConversations(ctx, "alice")
	req.NoError(err)
	req.Len(summaries, 1)
	req.Equal(1, summaries[0].Unread)
}

func TestChatService_Read_Event_Reaches_Other_Participants(t *testing.T) {
	req := require.New(t)
	s := newStack(t, nil)
	ctx := context.Background()
	conv, err := s.svc.CreatePrivate(ctx, "alice", "bob")
	req.NoError(err)
	alice := newRecordingSink()
	s.svc.Connect(ctx, "alice", alice)
	s.send(t, conv.ID, "alice", "seen?")

	_, err = s.svc.MarkRead(ctx, domain.MarkReadCommand{ConversationID: conv.ID, UserID: "bob", UpToSequence: 1})
	req.NoError(err)
	// Marking the same sequence again broadcasts nothing
	_, err = s.svc.MarkRead(ctx, domain.MarkReadCommand{ConversationID: conv.ID, UserID: "bob", UpToSequence: 1})
	req.NoError(err)
	s.arena.Wait()

	var reads []event.ReadAdvanced
	for _, e := range alice.Events() {
		if r, ok := e.(event.ReadAdvanced); ok {
			reads = append(reads, r)
		}
	}
	req.Equal([]event.ReadAdvanced{{ConversationID: conv.ID, UserID: "bob", UpToSequence: 1}}, reads)
}

func TestChatService_History_Pages_And_Tombstones(t *testing.T) {
	req := require.New(t)
	s := newStack(t, nil)
	ctx := context.Background()
	conv, err := s.svc.CreatePrivate(ctx, "alice", "bob")
	req.NoError(err)

	// Given bob is offline while alice says hello then more
	hello := s.send(t, conv.ID, "alice", "hello")
	for i := range 4 {
		s.send(t, conv.ID, "alice", fmt.Sprintf("more %d", i))
	}
	_, err = s.svc.Delete(ctx, domain.DeleteCommand{MessageID: hello.ID, ActorID: "alice"})
	req.NoError(err)

	// When bob resyncs with the default page size of 3
	page, err := s.svc.History(ctx, domain.HistoryQuery{ConversationID: conv.ID, UserID: "bob"})
	req.NoError(err)
	req.True(page.HasMore)
	req.Len(page.Messages, 3)
	req.Equal(domain.Tombstone, page.Messages[0].Content)
	req.Equal(int64(1), page.Messages[0].Sequence)
	req.Equal(int64(3), page.LastSequence)

	next, err := s.svc.History(ctx, domain.HistoryQuery{ConversationID: conv.ID, UserID: "bob", AfterSequence: page.LastSequence, PageSize: 50})
	req.NoError(err)
	req.False(next.HasMore)
	req.Len(next.Messages, 2)
	req.Equal(int64(5), next.LastSequence)

	_, err = s.svc.History(ctx, domain.HistoryQuery{ConversationID: conv.ID, UserID: "bob", AfterSequence: -1})
	req.ErrorIs(err, errors.ErrInvalidSequence)

	max, err := s.svc.Subscribe(ctx, conv.ID, "bob")
	req.NoError(err)
	req.Equal(int64(5), max)
}
