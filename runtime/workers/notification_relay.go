package workers

import (
	"context"
	"encoding/json"
	"log/slog"
	"market-chat/domain"
	"market-chat/protocol"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Deliver pushes a notification to the user's devices (mobile push, e-mail).
// Those channels live outside this service.
type Deliver func(ctx context.Context, n domain.Notification) error

// NotificationRelay consumes the notification topic and hands each entry to
// the external delivery channel. A failed delivery is nacked and redelivered.
type NotificationRelay struct {
	log        *slog.Logger
	subscriber message.Subscriber
	topic      string
	deliver    Deliver
}

func NewNotificationRelay(log *slog.Logger, subscriber message.Subscriber, topic string, deliver Deliver) *NotificationRelay {
	if deliver == nil {
		deliver = func(_ context.Context, n domain.Notification) error {
			log.Info("Offline notification", "user_id", n.UserID, "conversation_id", n.ConversationID, "preview", n.Preview)
			return nil
		}
	}
	return &NotificationRelay{log: log, subscriber: subscriber, topic: topic, deliver: deliver}
}

func (w *NotificationRelay) Run(ctx context.Context) error {
	messages, err := w.subscriber.Subscribe(ctx, w.topic)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			w.handle(ctx, msg)
		}
	}
}

func (w *NotificationRelay) handle(ctx context.Context, msg *message.Message) {
	var payload protocol.Notification
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		// Poison message: redelivering it would never succeed.
		w.log.Error("Dropping malformed notification", "message_uuid", msg.UUID, "error", err)
		msg.Ack()
		return
	}
	if err := w.deliver(ctx, payload.ToDomain()); err != nil {
		w.log.Warn("Notification delivery failed", "user_id", payload.UserID, "error", err)
		msg.Nack()
		return
	}
	msg.Ack()
}
