//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"market-chat/domain"
	"market-chat/domain/event"
	"reflect"
	"time"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// Worker doesn't protect itself
// The supervisor restarts it when it crashes
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// EventSink is a connection handle. Only the transport owning it knows what is behind.
// Consume must not block longer than ctx allows.
type EventSink interface {
	ID() domain.SessionID
	Consume(ctx context.Context, e event.DomainEvent) error
	Close() error
}

// Session is a live connection of a user as tracked by the registry.
type Session struct {
	UserID       domain.UserID
	Sink         EventSink
	ConnectedAt  time.Time
	LastActivity time.Time
}

type IRegistry interface {
	// Register returns true when sink is the first live session of userID.
	Register(userID domain.UserID, sink EventSink) bool
	// Unregister returns true when the removed session was the last one of userID.
	Unregister(userID domain.UserID, sessionID domain.SessionID) (last bool, removed bool)
	SessionsFor(userID domain.UserID) []EventSink
	Touch(userID domain.UserID, sessionID domain.SessionID, at time.Time)
	IsOnline(userID domain.UserID) bool
	Idle(cutoff time.Time) []Session
}

// Verifier resolves a bearer token into an authenticated principal.
type Verifier interface {
	Principal(ctx context.Context, token string) (domain.UserID, error)
}

// ListingOracle confirms who sells a listing.
type ListingOracle interface {
	Listing(ctx context.Context, id domain.ListingID) (domain.Listing, error)
}

// NotificationSink is fire-and-forget: the caller never waits for the delivery itself.
type NotificationSink interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// AttachmentResolver turns an uploaded file id into the URL stored in an IMAGE_REF message.
type AttachmentResolver interface {
	Resolve(ctx context.Context, fileID string) (string, error)
}
