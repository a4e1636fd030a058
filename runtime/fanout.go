package runtime

import (
	"context"
	"log/slog"
	"market-chat/contract"
	"market-chat/domain"
	"market-chat/domain/event"
	"market-chat/observability"
	"time"

	"github.com/samber/lo"
)

// EventFanout pushes committed events to every live session of every recipient.
//
// A session that cannot take an event within pushTimeout is dropped: it is
// unregistered and closed, and the client is expected to reconnect and resync
// from history. A slow session never blocks the others for longer than pushTimeout.
type EventFanout struct {
	log         *slog.Logger
	registry    contract.IRegistry
	store       contract.ConversationStore
	notifier    contract.NotificationSink
	monitoring  *observability.MonitoringManager
	pushTimeout time.Duration
	now         func() time.Time
	onOffline   func(userID domain.UserID)
}

func NewEventFanout(
	log *slog.Logger,
	registry contract.IRegistry,
	store contract.ConversationStore,
	notifier contract.NotificationSink,
	monitoring *observability.MonitoringManager,
	pushTimeout time.Duration,
) *EventFanout {
	return &EventFanout{
		log:         log,
		registry:    registry,
		store:       store,
		notifier:    notifier,
		monitoring:  monitoring,
		pushTimeout: pushTimeout,
		now:         time.Now,
	}
}

// OnOffline is called when a dropped session was the last one of its user.
func (f *EventFanout) OnOffline(fn func(userID domain.UserID)) {
	f.onOffline = fn
}

// Recipients lists the participants an event enqueued now goes to.
func (f *EventFanout) Recipients(ctx context.Context, conversationID domain.ConversationID) ([]domain.Participant, error) {
	return f.store.ListParticipants(ctx, conversationID)
}

// Deliver is the conversation outbox callback. It pushes to the participants
// taken at enqueue time, so membership changes after a commit do not change
// who receives it.
func (f *EventFanout) Deliver(ctx context.Context, conversationID domain.ConversationID, env Envelope) {
	participants := env.Recipients
	if !env.Resolved {
		var err error
		participants, err = f.store.ListParticipants(ctx, conversationID)
		if err != nil {
			f.log.Error("Unable to resolve recipients", "conversation_id", conversationID, "error", err)
			f.monitoring.IncrErrorCount()
			return
		}
	}
	recipients := lo.Map(participants, func(p domain.Participant, _ int) domain.UserID { return p.UserID })
	// A removed user still learns about the removal.
	if left, ok := env.Event.(event.ParticipantLeft); ok {
		recipients = lo.Uniq(append(recipients, left.UserID))
	}

	for _, userID := range recipients {
		f.PushTo(ctx, userID, env.Event)
	}

	if posted, ok := env.Event.(event.MessagePosted); ok {
		f.notifyOffline(ctx, posted.Message, participants)
	}
}

// PushTo delivers e to every live session of userID.
func (f *EventFanout) PushTo(ctx context.Context, userID domain.UserID, e event.DomainEvent) {
	for _, sink := range f.registry.SessionsFor(userID) {
		pushCtx, cancel := context.WithTimeout(ctx, f.pushTimeout)
		err := sink.Consume(pushCtx, e)
		cancel()
		if err != nil {
			f.log.Warn("Dropping slow or closed session", "user_id", userID, "session_id", sink.ID(), "error", err)
			f.drop(userID, sink)
			continue
		}
		f.monitoring.IncrEventsDelivered()
	}
}

// drop unregisters the session before returning so the next event does not
// wait on it again. Closing and the offline callback run in the background.
func (f *EventFanout) drop(userID domain.UserID, sink contract.EventSink) {
	last, removed := f.registry.Unregister(userID, sink.ID())
	if !removed {
		return
	}
	f.monitoring.IncrSessionsDropped()
	go func() {
		if err := sink.Close(); err != nil {
			f.log.Debug("Closing dropped session failed", "session_id", sink.ID(), "error", err)
		}
		if last && f.onOffline != nil {
			f.onOffline(userID)
		}
	}()
}

// notifyOffline hands a notification to the external channel for every
// participant that has no live session, except the sender and muted participants.
func (f *EventFanout) notifyOffline(ctx context.Context, msg domain.Message, participants []domain.Participant) {
	if f.notifier == nil || msg.Kind == domain.System {
		return
	}
	for _, p := range participants {
		if p.UserID == msg.SenderID || p.Muted || f.registry.IsOnline(p.UserID) {
			continue
		}
		n := domain.Notification{
			UserID:         p.UserID,
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderID,
			MessageID:      msg.ID,
			Preview:        msg.Preview(),
			At:             f.now().UTC(),
		}
		if err := f.notifier.Notify(ctx, n); err != nil {
			f.log.Warn("Offline notification failed", "user_id", p.UserID, "error", err)
			continue
		}
		f.monitoring.IncrNotifications()
	}
}
