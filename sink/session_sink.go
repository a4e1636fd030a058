package sink

import (
	"context"
	"fmt"
	"market-chat/domain"
	"market-chat/domain/event"
	"market-chat/errors"
	"sync"

	"github.com/google/uuid"
)

// SessionSink is the connection handle of one live session. Fan-out pushes
// into a bounded buffer; the transport owning the connection drains Events.
// A full buffer for longer than the push timeout means a slow consumer, and
// the caller drops the session.
type SessionSink struct {
	id     domain.SessionID
	userID domain.UserID
	events chan event.DomainEvent
	done   chan struct{}
	once   sync.Once
}

func NewSessionSink(userID domain.UserID, bufferSize int) *SessionSink {
	return &SessionSink{
		id:     domain.SessionID(uuid.NewString()),
		userID: userID,
		events: make(chan event.DomainEvent, bufferSize),
		done:   make(chan struct{}),
	}
}

func (s *SessionSink) ID() domain.SessionID { return s.id }

func (s *SessionSink) UserID() domain.UserID { return s.userID }

// Consume never blocks longer than ctx allows.
func (s *SessionSink) Consume(ctx context.Context, e event.DomainEvent) error {
	select {
	case <-s.done:
		return errors.ErrSessionClosed
	default:
	}
	select {
	case s.events <- e:
		return nil
	case <-s.done:
		return errors.ErrSessionClosed
	case <-ctx.Done():
		return fmt.Errorf("session %s buffer full: %w", s.id, ctx.Err())
	}
}

// Events is read by the write loop of the transport.
func (s *SessionSink) Events() <-chan event.DomainEvent {
	return s.events
}

// Done is closed once the session is closed, by either side.
func (s *SessionSink) Done() <-chan struct{} {
	return s.done
}

// Close is idempotent. The events channel is left open: a concurrent
// Consume may still be selecting on it.
func (s *SessionSink) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
