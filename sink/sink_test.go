package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"market-chat/domain"
	"market-chat/domain/event"
	"market-chat/errors"
	"market-chat/protocol"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

func TestSessionSink_Buffers_Then_Times_Out(t *testing.T) {
	req := require.New(t)
	s := NewSessionSink("alice", 2)
	req.Equal(domain.UserID("alice"), s.UserID())
	req.NotEmpty(s.ID())

	// Given a buffer of two events nobody drains
	typing := event.TypingChanged{ConversationID: "c1", UserID: "bob", IsTyping: true}
	req.NoError(s.Consume(context.Background(), typing))
	req.NoError(s.Consume(context.Background(), typing))

	// When a third event is pushed with a short deadline
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Consume(ctx, typing)

	// Then the push fails instead of blocking the fan-out
	req.ErrorIs(err, context.DeadlineExceeded)
	req.Len(s.Events(), 2)
}

func TestSessionSink_Close_Is_Idempotent(t *testing.T) {
	req := require.New(t)
	s := NewSessionSink("alice", 1)

	req.NoError(s.Close())
	req.NoError(s.Close())

	select {
	case <-s.Done():
	default:
		req.Fail("done should be closed")
	}
	req.ErrorIs(s.Consume(context.Background(), event.ReadAdvanced{}), errors.ErrSessionClosed)
}

func TestWatermillNotifier_Publishes_On_Topic(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NewSlogLogger(log))
	defer pubSub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	messages, err := pubSub.Subscribe(ctx, "chat.notifications")
	req.NoError(err)

	n := domain.Notification{UserID: "bob", ConversationID: "c1", SenderID: "alice", MessageID: "m1", Preview: "hello", At: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	req.NoError(NewWatermillNotifier(log, pubSub, "chat.notifications").Notify(ctx, n))

	select {
	case msg := <-messages:
		msg.Ack()
		req.Equal("bob", msg.Metadata.Get("user_id"))
		var decoded protocol.Notification
		req.NoError(json.Unmarshal(msg.Payload, &decoded))
		req.Equal(n, decoded.ToDomain())
	case <-ctx.Done():
		req.Fail("notification never published")
	}
}
