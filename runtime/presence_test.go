package runtime

import (
	"context"
	"market-chat/domain"
	"market-chat/domain/event"
	"market-chat/errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func presenceEvents(events []event.DomainEvent) []event.PresenceChanged {
	var res []event.PresenceChanged
	for _, e := range events {
		if p, ok := e.(event.PresenceChanged); ok {
			res = append(res, p)
		}
	}
	return res
}

func TestPresence_Broadcasts_Only_First_And_Last_Session(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil, nil)
	h.givenGroup(t, "c1", "alice", "bob")
	h.presence.now = func() time.Time { return epoch }
	bob := h.connect("bob")

	// Given alice connects from two devices
	phone := h.connect("alice")
	laptop := h.connect("alice")
	req.Equal([]event.PresenceChanged{{UserID: "alice", Status: domain.Online}}, presenceEvents(bob.Events()))

	// When one device leaves, nothing is broadcast
	h.presence.Disconnect(context.Background(), "alice", phone.ID())
	req.Len(presenceEvents(bob.Events()), 1)
	req.Equal(domain.Online, h.presence.Status("alice").Status)

	// When the last device leaves, bob learns alice is offline
	h.presence.Disconnect(context.Background(), "alice", laptop.ID())
	events := presenceEvents(bob.Events())
	req.Len(events, 2)
	req.Equal(event.PresenceChanged{UserID: "alice", Status: domain.Offline, LastSeen: epoch}, events[1])
	req.Equal(domain.Presence{UserID: "alice", Status: domain.Offline, LastSeen: epoch}, h.presence.Status("alice"))
}

func TestPresence_Typing_Expires(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil, nil)
	h.givenGroup(t, "c1", "alice", "bob")
	bob := h.connect("bob")
	now := epoch
	h.presence.now = func() time.Time { return now }

	// Given alice starts typing twice, the second only extends the deadline
	typing := domain.TypingCommand{ConversationID: "c1", UserID: "alice", IsTyping: true}
	req.NoError(h.presence.SetTyping(context.Background(), typing))
	now = epoch.Add(3 * time.Second)
	req.NoError(h.presence.SetTyping(context.Background(), typing))

	// When the sweeper runs before the refreshed deadline, nothing expires
	req.Zero(h.presence.ExpireTyping(epoch.Add(6 * time.Second)))
	req.Equal([]domain.UserID{"alice"}, h.presence.Typing("c1"))

	// When it runs after, typing is cleared and broadcast
	req.Equal(1, h.presence.ExpireTyping(epoch.Add(8*time.Second)))
	h.arena.Wait()
	req.Equal([]event.DomainEvent{
		event.TypingChanged{ConversationID: "c1", UserID: "alice", IsTyping: true},
		event.TypingChanged{ConversationID: "c1", UserID: "alice", IsTyping: false},
	}, bob.Events())
}

func TestPresence_Going_Offline_Clears_Typing(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil, nil)
	h.givenGroup(t, "c1", "alice", "bob")
	alice := h.connect("alice")
	req.NoError(h.presence.SetTyping(context.Background(), domain.TypingCommand{ConversationID: "c1", UserID: "alice", IsTyping: true}))

	h.presence.Disconnect(context.Background(), "alice", alice.ID())
	h.arena.Wait()

	req.Empty(h.presence.Typing("c1"))
}

func TestPresence_Typing_Requires_Membership(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.givenGroup(t, "c1", "alice", "bob")

	err := h.presence.SetTyping(context.Background(), domain.TypingCommand{ConversationID: "c1", UserID: "mallory", IsTyping: true})

	require.ErrorIs(t, err, errors.ErrNotAMember)
}

func TestPresence_Broadcasts_Follow_Connection_Order(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil, nil)
	h.givenGroup(t, "c1", "alice", "bob")
	bob := h.connect("bob")

	// When alice's devices connect and disconnect concurrently
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				sink := newSink()
				h.presence.Connect(context.Background(), "alice", sink)
				h.presence.Disconnect(context.Background(), "alice", sink.ID())
			}
		}()
	}
	wg.Wait()

	// Then bob sees ONLINE and OFFLINE alternate, ending on the final state
	events := presenceEvents(bob.Events())
	req.NotEmpty(events)
	for i, e := range events {
		want := domain.Online
		if i%2 == 1 {
			want = domain.Offline
		}
		req.Equal(want, e.Status, "event %d", i)
	}
	req.Equal(domain.Offline, events[len(events)-1].Status)
	req.Equal(domain.Offline, h.presence.Status("alice").Status)
}

func TestPresence_Dropped_Session_Of_A_Reconnected_User_Stays_Online(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil, nil)
	h.givenGroup(t, "c1", "alice", "bob")
	bob := h.connect("bob")
	stale := h.connect("alice")

	// Given the fanout dropped alice's only session and she reconnected
	_, removed := h.registry.Unregister("alice", stale.ID())
	req.True(removed)
	h.connect("alice")

	// When the offline callback of the drop runs late
	h.presence.droppedOffline("alice")

	// Then no OFFLINE reaches bob and alice is online
	for _, e := range presenceEvents(bob.Events()) {
		req.Equal(domain.Online, e.Status)
	}
	req.Equal(domain.Online, h.presence.Status("alice").Status)
}
