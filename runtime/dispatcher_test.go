package runtime

import (
	"context"
	"fmt"
	"market-chat/domain"
	"market-chat/domain/event"
	"market-chat/errors"
	"market-chat/repositories"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDispatcher_Sequences_Are_Gapless_Under_Concurrent_Senders(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil, nil)
	h.givenGroup(t, "c1", "alice", "bob", "carol")
	h.givenGroup(t, "c2", "alice", "bob")
	senders := []domain.UserID{"alice", "bob", "carol"}

	// Given 90 concurrent sends spread over two conversations
	var wg sync.WaitGroup
	for i := range 90 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv := domain.ConversationID("c1")
			if i%3 == 0 {
				conv = "c2"
			}
			sender := senders[i%3]
			if conv == "c2" {
				sender = senders[i%2]
			}
			h.send(t, conv, sender, fmt.Sprintf("message %d", i))
		}(i)
	}
	wg.Wait()
	h.arena.Wait()

	// Then each conversation holds a contiguous range starting at 1
	for conv, expected := range map[domain.ConversationID]int{"c1": 60, "c2": 30} {
		history, err := h.store.History(context.Background(), conv, 0, 0)
		req.NoError(err)
		req.Len(history, expected)
		for i, m := range history {
			req.Equal(int64(i+1), m.Sequence)
		}
		stored, err := h.store.GetConversation(context.Background(), conv)
		req.NoError(err)
		req.Equal(int64(expected), stored.Sequence)
	}
	req.Zero(h.arena.Size())
}

func TestDispatcher_Every_Live_Participant_Receives_Messages_In_Order(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil, nil)
	users := []domain.UserID{"alice", "bob", "carol", "dave"}
	h.givenGroup(t, "c1", users...)
	sinks := map[domain.UserID]*Sink{}
	for _, u := range users {
		sinks[u] = h.connect(u)
	}

	// When 40 messages are sent concurrently by every participant
	const n = 40
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.send(t, "c1", users[i%len(users)], fmt.Sprintf("hi %d", i))
		}(i)
	}
	wg.Wait()
	h.arena.Wait()

	// Then every session saw exactly n message frames in increasing sequence order
	for u, sink := range sinks {
		seqs := postedSequences(sink.Events())
		req.Len(seqs, n, "user %s", u)
		for i, seq := range seqs {
			req.Equal(int64(i+1), seq, "user %s", u)
		}
	}
}

func TestDispatcher_Non_Member_Cannot_Send(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil, nil)
	h.givenGroup(t, "c1", "alice", "bob")

	_, err := h.dispatcher.Send(context.Background(), domain.SendCommand{ConversationID: "c1", SenderID: "mallory", Content: "let me in", Kind: domain.Text})

	req.ErrorIs(err, errors.ErrNotAMember)
	conv, err := h.store.GetConversation(context.Background(), "c1")
	req.NoError(err)
	req.Zero(conv.Sequence)
	history, err := h.store.History(context.Background(), "c1", 0, 0)
	req.NoError(err)
	req.Empty(history)
}

func TestDispatcher_Offline_Recipient_Catches_Up_From_History(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil, nil)
	h.givenConversation(t, domain.Conversation{ID: "p1", Kind: domain.Private, CreatedBy: "alice", CreatedAt: epoch, UniqueKey: domain.PrivateKey("alice", "bob")}, "alice", "bob")

	// Given bob is offline when alice says hello
	h.send(t, "p1", "alice", "hello")
	h.arena.Wait()

	// When bob comes back and reads history from the start
	bob := h.connect("bob")
	history, err := h.store.History(context.Background(), "p1", 0, 50)

	// Then hello is there at sequence 1, and nothing was replayed on the new session
	req.NoError(err)
	req.Len(history, 1)
	req.Equal("hello", history[0].Content)
	req.Equal(int64(1), history[0].Sequence)
	req.Empty(postedSequences(bob.Events()))
}

func TestDispatcher_Typing_Stops_Before_The_Message(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil, nil)
	h.givenGroup(t, "c1", "alice", "bob")
	bob := h.connect("bob")

	// Given alice is typing
	req.NoError(h.presence.SetTyping(context.Background(), domain.TypingCommand{ConversationID: "c1", UserID: "alice", IsTyping: true}))

	// When alice sends a message
	h.send(t, "c1", "alice", "done typing")
	h.arena.Wait()

	// Then bob sees typing on, typing off, then the message
	events := bob.Events()
	req.Len(events, 3)
	req.Equal(event.TypingChanged{ConversationID: "c1", UserID: "alice", IsTyping: true}, events[0])
	req.Equal(event.TypingChanged{ConversationID: "c1", UserID: "alice", IsTyping: false}, events[1])
	posted, ok := events[2].(event.MessagePosted)
	req.True(ok)
	req.Equal("done typing", posted.Message.Content)
	req.Empty(h.presence.Typing("c1"))
}

func TestDispatcher_Admin_Deletes_Any_Group_Message(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil, nil)
	h.givenGroup(t, "c1", "alice", "bob", "carol")
	carolSink := h.connect("carol")
	first := h.send(t, "c1", "bob", "buy my bike")
	second := h.send(t, "c1", "carol", "no thanks")

	// A plain member cannot delete someone else's message
	_, err := h.dispatcher.Delete(context.Background(), domain.DeleteCommand{MessageID: first.ID, ActorID: "carol"})
	req.ErrorIs(err, errors.ErrForbidden)

	// The admin can
	deleted, err := h.dispatcher.Delete(context.Background(), domain.DeleteCommand{MessageID: first.ID, ActorID: "alice"})
	req.NoError(err)
	req.Equal(domain.Tombstone, deleted.Content)
	req.Equal(first.Sequence, deleted.Sequence)

	// Deleting again is a no-op
	again, err := h.dispatcher.Delete(context.Background(), domain.DeleteCommand{MessageID: first.ID, ActorID: "bob"})
	req.NoError(err)
	req.True(again.Deleted)
	h.arena.Wait()

	history, err := h.store.History(context.Background(), "c1", 0, 0)
	req.NoError(err)
	req.Len(history, 2)
	req.Equal(int64(1), history[0].Sequence)
	req.Equal(domain.Tombstone, history[0].Visible().Content)
	req.Equal(second.ID, history[1].ID)
	req.Equal(int64(2), history[1].Sequence)

	var deletions []event.MessageDeleted
	for _, e := range carolSink.Events() {
		if d, ok := e.(event.MessageDeleted); ok {
			deletions = append(deletions, d)
		}
	}
	req.Equal([]event.MessageDeleted{{MessageID: first.ID, ConversationID: "c1", Sequence: 1, DeletedBy: "alice"}}, deletions)
}

func TestDispatcher_Private_Participant_Cannot_Delete_Other_Message(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.givenConversation(t, domain.Conversation{ID: "p1", Kind: domain.Private, CreatedBy: "alice", CreatedAt: epoch}, "alice", "bob")
	msg := h.send(t, "p1", "alice", "mine")

	_, err := h.dispatcher.Delete(context.Background(), domain.DeleteCommand{MessageID: msg.ID, ActorID: "bob"})
	require.ErrorIs(t, err, errors.ErrForbidden)
}

func TestDispatcher_Edit_Rules(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil, nil)
	h.givenGroup(t, "c1", "alice", "bob")
	now := epoch
	h.dispatcher.now = func() time.Time { return now }
	msg := h.send(t, "c1", "alice", "frist")
	h.send(t, "c1", "bob", "lol")

	// Only the sender edits
	_, err := h.dispatcher.Edit(context.Background(), domain.EditCommand{MessageID: msg.ID, EditorID: "bob", Content: "first"})
	req.ErrorIs(err, errors.ErrNotOwner)

	// Within the window the content changes and the sequence does not
	now = epoch.Add(time.Minute)
	edited, err := h.dispatcher.Edit(context.Background(), domain.EditCommand{MessageID: msg.ID, EditorID: "alice", Content: "first"})
	req.NoError(err)
	req.Equal("first", edited.Content)
	req.Equal(int64(1), edited.Sequence)
	req.NotNil(edited.EditedAt)

	// Past the window it is too old
	now = epoch.Add(16 * time.Minute)
	_, err = h.dispatcher.Edit(context.Background(), domain.EditCommand{MessageID: msg.ID, EditorID: "alice", Content: "first!"})
	req.ErrorIs(err, errors.ErrTooOld)

	// A deleted message cannot be edited
	now = epoch.Add(2 * time.Minute)
	_, err = h.dispatcher.Delete(context.Background(), domain.DeleteCommand{MessageID: msg.ID, ActorID: "alice"})
	req.NoError(err)
	_, err = h.dispatcher.Edit(context.Background(), domain.EditCommand{MessageID: msg.ID, EditorID: "alice", Content: "back"})
	req.ErrorIs(err, errors.ErrMessageDeleted)
	h.arena.Wait()

	history, err := h.store.History(context.Background(), "c1", 0, 0)
	req.NoError(err)
	req.Equal([]int64{1, 2}, []int64{history[0].Sequence, history[1].Sequence})
}

func TestDispatcher_Content_Validation(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil, nil)
	h.givenGroup(t, "c1", "alice", "bob")
	h.givenGroup(t, "c2", "alice", "bob")
	other := h.send(t, "c2", "bob", "elsewhere")
	anchor := h.send(t, "c1", "bob", "anchor")

	cases := []struct {
		name string
		cmd  domain.SendCommand
		err  error
	}{
		{"blank", domain.SendCommand{Content: "   ", Kind: domain.Text}, errors.ErrInvalidContent},
		{"too long", domain.SendCommand{Content: string(make([]rune, 501)), Kind: domain.Text}, errors.ErrInvalidContent},
		{"system from client", domain.SendCommand{Content: "I am root", Kind: domain.System}, errors.ErrInvalidContent},
		{"image without file", domain.SendCommand{Content: "", Kind: domain.ImageRef}, errors.ErrInvalidAttachment},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			c.cmd.ConversationID = "c1"
			c.cmd.SenderID = "alice"
			_, err := h.dispatcher.Send(context.Background(), c.cmd)
			require.ErrorIs(t, err, c.err)
		})
	}

	image, err := h.dispatcher.Send(context.Background(), domain.SendCommand{ConversationID: "c1", SenderID: "alice", Content: "file-42", Kind: domain.ImageRef, ReplyTo: anchor.ID})
	req.NoError(err)
	req.Equal("https://cdn.example.test/file-42", image.Content)
	req.Equal(anchor.ID, image.ReplyTo)

	stray, err := h.dispatcher.Send(context.Background(), domain.SendCommand{ConversationID: "c1", SenderID: "alice", Content: "re", Kind: domain.Text, ReplyTo: other.ID})
	req.NoError(err)
	req.Empty(stray.ReplyTo)
}

// flakyStore fails appends while down is set.
type flakyStore struct {
	*repositories.MemoryStore
	down atomic.Bool
}

func (s *flakyStore) AppendMessage(ctx context.Context, msg domain.Message) error {
	if s.down.Load() {
		return fmt.Errorf("%w: disk full", errors.ErrStorageUnavailable)
	}
	return s.MemoryStore.AppendMessage(ctx, msg)
}

func TestDispatcher_Storage_Failure_Aborts_Without_Gap(t *testing.T) {
	req := require.New(t)
	store := &flakyStore{MemoryStore: repositories.NewMemoryStore()}
	h := newHarness(t, store, nil)
	h.givenGroup(t, "c1", "alice", "bob")
	bob := h.connect("bob")

	// Given storage is down
	store.down.Store(true)
	_, err := h.dispatcher.Send(context.Background(), domain.SendCommand{ConversationID: "c1", SenderID: "alice", Content: "lost?", Kind: domain.Text})
	req.ErrorIs(err, errors.ErrStorageUnavailable)
	req.True(errors.Retryable(err))

	// When it recovers, the next message still takes sequence 1
	store.down.Store(false)
	msg := h.send(t, "c1", "alice", "retry")
	h.arena.Wait()

	req.Equal(int64(1), msg.Sequence)
	req.Equal([]int64{1}, postedSequences(bob.Events()))
}
