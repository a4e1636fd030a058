package runtime

import (
	"context"
	"log/slog"
	"market-chat/contract"
	"market-chat/domain"
	"market-chat/domain/event"
	"market-chat/observability"
	"market-chat/repositories"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

type storeGuard struct {
	store contract.ConversationStore
}

func (g storeGuard) AssertMember(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) (domain.Participant, error) {
	return g.store.GetParticipant(ctx, conversationID, userID)
}

type cdnResolver struct{}

func (cdnResolver) Resolve(_ context.Context, fileID string) (string, error) {
	return "https://cdn.example.test/" + fileID, nil
}

type harness struct {
	store      contract.ConversationStore
	registry   *Registry
	arena      *Arena
	fanout     *EventFanout
	presence   *Presence
	dispatcher *Dispatcher
}

func newHarness(t *testing.T, store contract.ConversationStore, notifier contract.NotificationSink) *harness {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	if store == nil {
		store = repositories.NewMemoryStore()
	}
	monitoring := observability.NewMonitoringManager(log)
	registry := NewRegistry()
	fanout := NewEventFanout(log, registry, store, notifier, monitoring, 200*time.Millisecond)
	arena := NewArena(context.Background(), log, fanout)
	guard := storeGuard{store: store}
	presence := NewPresence(log, registry, store, fanout, arena, guard, 5*time.Second)
	dispatcher := NewDispatcher(log, store, arena, guard, presence, cdnResolver{}, monitoring, 500, 15*time.Minute)
	return &harness{
		store:      store,
		registry:   registry,
		arena:      arena,
		fanout:     fanout,
		presence:   presence,
		dispatcher: dispatcher,
	}
}

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// givenGroup creates a GROUP whose first user is the admin.
func (h *harness) givenGroup(t *testing.T, id domain.ConversationID, users ...domain.UserID) {
	t.Helper()
	h.givenConversation(t, domain.Conversation{ID: id, Kind: domain.Group, Name: "group", CreatedBy: users[0], CreatedAt: epoch}, users...)
}

func (h *harness) givenConversation(t *testing.T, conv domain.Conversation, users ...domain.UserID) {
	t.Helper()
	var participants []domain.Participant
	for i, u := range users {
		role := domain.Member
		if i == 0 && conv.Kind == domain.Group {
			role = domain.Admin
		}
		participants = append(participants, domain.Participant{ConversationID: conv.ID, UserID: u, Role: role, JoinedAt: epoch})
	}
	require.NoError(t, h.store.CreateConversation(context.Background(), conv, participants))
}

// connect opens a live session for userID and returns the sink it pushes to.
func (h *harness) connect(userID domain.UserID) *Sink {
	sink := newSink()
	h.presence.Connect(context.Background(), userID, sink)
	return sink
}

func (h *harness) send(t *testing.T, conv domain.ConversationID, sender domain.UserID, content string) domain.Message {
	t.Helper()
	msg, err := h.dispatcher.Send(context.Background(), domain.SendCommand{
		ConversationID: conv,
		SenderID:       sender,
		Content:        content,
		Kind:           domain.Text,
	})
	require.NoError(t, err)
	return msg
}

func postedSequences(events []event.DomainEvent) []int64 {
	var res []int64
	for _, e := range events {
		if posted, ok := e.(event.MessagePosted); ok {
			res = append(res, posted.Message.Sequence)
		}
	}
	return res
}
