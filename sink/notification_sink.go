package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"market-chat/domain"
	"market-chat/protocol"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// WatermillNotifier hands offline notifications to the notification bus.
// Delivery to devices is done by whoever consumes the topic.
type WatermillNotifier struct {
	log       *slog.Logger
	publisher message.Publisher
	topic     string
}

func NewWatermillNotifier(log *slog.Logger, publisher message.Publisher, topic string) *WatermillNotifier {
	return &WatermillNotifier{log: log, publisher: publisher, topic: topic}
}

func (n *WatermillNotifier) Notify(ctx context.Context, notification domain.Notification) error {
	payload, err := json.Marshal(protocol.FromNotification(notification))
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("user_id", string(notification.UserID))
	msg.Metadata.Set("conversation_id", string(notification.ConversationID))
	msg.SetContext(ctx)
	if err = n.publisher.Publish(n.topic, msg); err != nil {
		return fmt.Errorf("publishing notification on %s: %w", n.topic, err)
	}
	n.log.Debug("Offline notification published", "user_id", notification.UserID, "conversation_id", notification.ConversationID)
	return nil
}
