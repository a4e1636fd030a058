package runtime

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"market-chat/contract"
	"market-chat/domain"
	"market-chat/domain/event"
	"market-chat/errors"
	"market-chat/observability"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MembershipGuard is the authorization primitive called before any read or write.
type MembershipGuard interface {
	AssertMember(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) (domain.Participant, error)
}

// TypingState is cleared by the dispatcher when a user sends a message.
type TypingState interface {
	// StopTyping emits a typing stop event through enqueue if the user was typing.
	StopTyping(conversationID domain.ConversationID, userID domain.UserID, enqueue func(...event.DomainEvent))
}

// Dispatcher is the single write path for messages.
//
// Sequence assignment and persistence happen under the conversation lock, and
// resulting events are enqueued on the conversation outbox before the lock is
// released, so fan-out order is commit order.
type Dispatcher struct {
	log              *slog.Logger
	store            contract.ConversationStore
	arena            *Arena
	guard            MembershipGuard
	typing           TypingState
	attachments      contract.AttachmentResolver
	monitoring       *observability.MonitoringManager
	maxContentLength int
	editWindow       time.Duration
	now              func() time.Time
	newID            func() string
}

func NewDispatcher(
	log *slog.Logger,
	store contract.ConversationStore,
	arena *Arena,
	guard MembershipGuard,
	typing TypingState,
	attachments contract.AttachmentResolver,
	monitoring *observability.MonitoringManager,
	maxContentLength int,
	editWindow time.Duration,
) *Dispatcher {
	return &Dispatcher{
		log:              log,
		store:            store,
		arena:            arena,
		guard:            guard,
		typing:           typing,
		attachments:      attachments,
		monitoring:       monitoring,
		maxContentLength: maxContentLength,
		editWindow:       editWindow,
		now:              time.Now,
		newID:            uuid.NewString,
	}
}

// Send persists a client message and returns it with its assigned sequence.
func (d *Dispatcher) Send(ctx context.Context, cmd domain.SendCommand) (domain.Message, error) {
	if _, err := d.guard.AssertMember(ctx, cmd.ConversationID, cmd.SenderID); err != nil {
		return domain.Message{}, err
	}
	content, err := d.validateContent(ctx, cmd.Kind, cmd.Content)
	if err != nil {
		return domain.Message{}, err
	}
	replyTo := d.resolveReply(ctx, cmd.ConversationID, cmd.ReplyTo)

	msg := domain.Message{
		ConversationID: cmd.ConversationID,
		SenderID:       cmd.SenderID,
		Content:        content,
		Kind:           cmd.Kind,
		ReplyTo:        replyTo,
	}
	return d.commit(ctx, msg)
}

// SendSystem records a server generated message, such as a membership change.
// The actor is not required to be a member: a user who just left still authors the notice.
func (d *Dispatcher) SendSystem(ctx context.Context, conversationID domain.ConversationID, actorID domain.UserID, content string) (domain.Message, error) {
	return d.commit(ctx, domain.Message{
		ConversationID: conversationID,
		SenderID:       actorID,
		Content:        content,
		Kind:           domain.System,
	})
}

func (d *Dispatcher) commit(ctx context.Context, msg domain.Message) (domain.Message, error) {
	err := d.arena.Locked(msg.ConversationID, func(seq *Sequencer) error {
		load := func() (int64, error) {
			conv, err := d.store.GetConversation(ctx, msg.ConversationID)
			return conv.Sequence, err
		}
		// A cached sequence can be stale if another writer bypassed this process;
		// the store refuses the append and the second attempt reloads it.
		for attempt := 0; ; attempt++ {
			next, err := seq.Next(load)
			if err != nil {
				return err
			}
			msg.ID = domain.MessageID(d.newID())
			msg.Sequence = next
			msg.CreatedAt = d.now().UTC()
			err = d.store.AppendMessage(ctx, msg)
			if err == nil {
				seq.Commit(next)
				break
			}
			seq.Invalidate()
			if !stderrors.Is(err, errors.ErrSequenceConflict) || attempt > 0 {
				return err
			}
			d.log.Warn("Sequence conflict, reloading", "conversation_id", msg.ConversationID, "sequence", next)
		}

		if msg.Kind != domain.System {
			d.typing.StopTyping(msg.ConversationID, msg.SenderID, seq.Enqueue)
		}
		seq.Enqueue(event.MessagePosted{Message: msg})
		return nil
	})
	if err != nil {
		d.monitoring.IncrErrorCount()
		return domain.Message{}, err
	}
	d.monitoring.IncrMessagesSent()
	d.log.Debug("Message committed", "conversation_id", msg.ConversationID, "sequence", msg.Sequence, "kind", msg.Kind)
	return msg, nil
}

// Edit replaces the content of a text message. The sequence never changes.
func (d *Dispatcher) Edit(ctx context.Context, cmd domain.EditCommand) (domain.Message, error) {
	original, err := d.store.GetMessage(ctx, cmd.MessageID)
	if err != nil {
		return domain.Message{}, err
	}
	if _, err = d.guard.AssertMember(ctx, original.ConversationID, cmd.EditorID); err != nil {
		return domain.Message{}, err
	}
	content, err := d.validateContent(ctx, domain.Text, cmd.Content)
	if err != nil {
		return domain.Message{}, err
	}

	var edited domain.Message
	err = d.arena.Locked(original.ConversationID, func(seq *Sequencer) error {
		// Re-read under the lock so a concurrent delete is not overwritten.
		msg, err := d.store.GetMessage(ctx, cmd.MessageID)
		if err != nil {
			return err
		}
		if msg.SenderID != cmd.EditorID {
			return fmt.Errorf("%w: message %s", errors.ErrNotOwner, msg.ID)
		}
		if msg.Deleted {
			return fmt.Errorf("%w: message %s", errors.ErrMessageDeleted, msg.ID)
		}
		switch msg.Kind {
		case domain.Text:
		case domain.ImageRef, domain.System:
			return fmt.Errorf("%w: %s messages cannot be edited", errors.ErrInvalidContent, msg.Kind)
		default:
			return fmt.Errorf("%w: unknown kind %s", errors.ErrInvalidContent, msg.Kind)
		}
		now := d.now().UTC()
		if now.Sub(msg.CreatedAt) > d.editWindow {
			return fmt.Errorf("%w: sent at %s", errors.ErrTooOld, msg.CreatedAt.Format(time.RFC3339))
		}
		msg.Content = content
		msg.EditedAt = &now
		if err = d.store.UpdateMessage(ctx, msg); err != nil {
			return err
		}
		edited = msg
		seq.Enqueue(event.MessageEdited{Message: msg})
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	d.monitoring.IncrMessagesEdited()
	return edited, nil
}

// Delete soft-deletes a message. The sender may delete their own message and a
// GROUP admin may delete any message of the group. Deleting twice is a no-op.
func (d *Dispatcher) Delete(ctx context.Context, cmd domain.DeleteCommand) (domain.Message, error) {
	original, err := d.store.GetMessage(ctx, cmd.MessageID)
	if err != nil {
		return domain.Message{}, err
	}
	actor, err := d.guard.AssertMember(ctx, original.ConversationID, cmd.ActorID)
	if err != nil {
		return domain.Message{}, err
	}
	conv, err := d.store.GetConversation(ctx, original.ConversationID)
	if err != nil {
		return domain.Message{}, err
	}
	if !canDelete(conv, actor, original) {
		return domain.Message{}, fmt.Errorf("%w: %s cannot delete message %s", errors.ErrForbidden, cmd.ActorID, original.ID)
	}

	var deleted domain.Message
	err = d.arena.Locked(original.ConversationID, func(seq *Sequencer) error {
		msg, err := d.store.GetMessage(ctx, cmd.MessageID)
		if err != nil {
			return err
		}
		if msg.Deleted {
			deleted = msg
			return nil
		}
		msg.Deleted = true
		if err = d.store.UpdateMessage(ctx, msg); err != nil {
			return err
		}
		deleted = msg
		seq.Enqueue(event.MessageDeleted{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			Sequence:       msg.Sequence,
			DeletedBy:      cmd.ActorID,
		})
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	d.monitoring.IncrMessagesDeleted()
	return deleted.Visible(), nil
}

func canDelete(conv domain.Conversation, actor domain.Participant, msg domain.Message) bool {
	if msg.SenderID == actor.UserID && msg.Kind != domain.System {
		return true
	}
	switch conv.Kind {
	case domain.Group:
		return actor.IsAdmin()
	case domain.Private, domain.ListingInquiry:
		return false
	default:
		return false
	}
}

// validateContent returns the content to store for kind.
func (d *Dispatcher) validateContent(ctx context.Context, kind domain.MessageKind, content string) (string, error) {
	switch kind {
	case domain.Text:
		if strings.TrimSpace(content) == "" {
			return "", fmt.Errorf("%w: empty content", errors.ErrInvalidContent)
		}
		if utf8.RuneCountInString(content) > d.maxContentLength {
			return "", fmt.Errorf("%w: longer than %d characters", errors.ErrInvalidContent, d.maxContentLength)
		}
		return content, nil
	case domain.ImageRef:
		if strings.TrimSpace(content) == "" {
			return "", fmt.Errorf("%w: missing file id", errors.ErrInvalidAttachment)
		}
		url, err := d.attachments.Resolve(ctx, content)
		if err != nil {
			return "", err
		}
		return url, nil
	case domain.System:
		return "", fmt.Errorf("%w: system messages are server generated", errors.ErrInvalidContent)
	default:
		return "", fmt.Errorf("%w: unknown kind %q", errors.ErrInvalidContent, kind)
	}
}

// resolveReply drops a reply reference that does not point into the same conversation.
func (d *Dispatcher) resolveReply(ctx context.Context, conversationID domain.ConversationID, replyTo domain.MessageID) domain.MessageID {
	if replyTo == "" {
		return ""
	}
	target, err := d.store.GetMessage(ctx, replyTo)
	if err != nil || target.ConversationID != conversationID {
		d.log.Debug("Ignoring invalid reply reference", "conversation_id", conversationID, "reply_to", replyTo)
		return ""
	}
	return replyTo
}
