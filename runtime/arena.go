package runtime

import (
	"context"
	"log/slog"
	"market-chat/domain"
	"market-chat/domain/event"
	"sync"

	"github.com/samber/lo"
)

// Envelope is a queued event with the participants it goes to. Recipients is
// taken when the event is enqueued; Resolved is false when that lookup failed.
type Envelope struct {
	Event      event.DomainEvent
	Recipients []domain.Participant
	Resolved   bool
}

// Delivery resolves recipients when events are enqueued and pushes them later.
// Deliver is called from a single goroutine per conversation, in the order the
// events were enqueued.
type Delivery interface {
	Recipients(ctx context.Context, conversationID domain.ConversationID) ([]domain.Participant, error)
	Deliver(ctx context.Context, conversationID domain.ConversationID, env Envelope)
}

// slot is the per-conversation state. refs counts the callers and drainers
// holding the slot so idle conversations do not keep memory around.
type slot struct {
	id   domain.ConversationID
	refs int

	// seqMu serializes writers of the conversation.
	seqMu     sync.Mutex
	seq       int64
	seqLoaded bool

	outMu    sync.Mutex
	queue    []Envelope
	draining bool
}

// Arena hands out per-conversation locks and ordered outboxes.
// There is no global lock on the write path: two conversations never wait on each other.
type Arena struct {
	mu       sync.Mutex
	slots    map[domain.ConversationID]*slot
	ctx      context.Context
	delivery Delivery
	log      *slog.Logger
	wg       sync.WaitGroup
}

func NewArena(ctx context.Context, log *slog.Logger, delivery Delivery) *Arena {
	return &Arena{
		slots:    make(map[domain.ConversationID]*slot),
		ctx:      ctx,
		delivery: delivery,
		log:      log,
	}
}

func (a *Arena) acquire(id domain.ConversationID) *slot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.slots[id]
	if !ok {
		s = &slot{id: id}
		a.slots[id] = s
	}
	s.refs++
	return s
}

func (a *Arena) release(s *slot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(a.slots, s.id)
	}
}

// Sequencer is the handle given to a writer holding a conversation lock.
type Sequencer struct {
	arena *Arena
	slot  *slot
}

// Next returns the next sequence to assign. load reads the last committed
// sequence from storage when the slot has no cached value.
func (s *Sequencer) Next(load func() (int64, error)) (int64, error) {
	if !s.slot.seqLoaded {
		seq, err := load()
		if err != nil {
			return 0, err
		}
		s.slot.seq = seq
		s.slot.seqLoaded = true
	}
	return s.slot.seq + 1, nil
}

// Commit records that seq was persisted.
func (s *Sequencer) Commit(seq int64) {
	s.slot.seq = seq
}

// Invalidate drops the cached sequence so the next writer reloads it from storage.
func (s *Sequencer) Invalidate() {
	s.slot.seqLoaded = false
}

// Enqueue appends events to the conversation outbox. Events enqueued under the
// lock are delivered in commit order, to the participants as of the commit.
func (s *Sequencer) Enqueue(events ...event.DomainEvent) {
	s.arena.enqueue(s.slot, events)
}

// Locked runs fn while holding the conversation lock.
func (a *Arena) Locked(id domain.ConversationID, fn func(seq *Sequencer) error) error {
	s := a.acquire(id)
	defer a.release(s)
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	return fn(&Sequencer{arena: a, slot: s})
}

// Exclusive runs fn while holding the conversation lock, for writes that assign
// no sequence. Membership changes go through here so that recipient lists taken
// by concurrent commits see them in one order.
func (a *Arena) Exclusive(id domain.ConversationID, fn func(enqueue func(...event.DomainEvent)) error) error {
	return a.Locked(id, func(seq *Sequencer) error {
		return fn(seq.Enqueue)
	})
}

// Publish enqueues events for a conversation without taking its write lock.
// Used for events that are ordered but assign no sequence, such as typing.
func (a *Arena) Publish(id domain.ConversationID, events ...event.DomainEvent) {
	s := a.acquire(id)
	defer a.release(s)
	a.enqueue(s, events)
}

func (a *Arena) enqueue(s *slot, events []event.DomainEvent) {
	if len(events) == 0 {
		return
	}
	recipients, err := a.delivery.Recipients(a.ctx, s.id)
	if err != nil {
		a.log.Warn("Unable to resolve recipients at enqueue", "conversation_id", s.id, "error", err)
	}
	envelopes := lo.Map(events, func(e event.DomainEvent, _ int) Envelope {
		return Envelope{Event: e, Recipients: recipients, Resolved: err == nil}
	})

	s.outMu.Lock()
	s.queue = append(s.queue, envelopes...)
	start := !s.draining
	s.draining = true
	s.outMu.Unlock()

	if start {
		// The drainer holds its own reference until the outbox is empty.
		a.mu.Lock()
		s.refs++
		a.mu.Unlock()
		a.wg.Add(1)
		go a.drain(s)
	}
}

func (a *Arena) drain(s *slot) {
	defer a.wg.Done()
	defer a.release(s)
	for {
		s.outMu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.queue = nil
			s.outMu.Unlock()
			return
		}
		env := s.queue[0]
		s.queue = s.queue[1:]
		s.outMu.Unlock()

		a.safeDeliver(s.id, env)
	}
}

func (a *Arena) safeDeliver(id domain.ConversationID, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("Event delivery panicked", "conversation_id", id, "panic", r)
		}
	}()
	a.delivery.Deliver(a.ctx, id, env)
}

// Wait blocks until every outbox is drained. Used on shutdown and in tests.
func (a *Arena) Wait() {
	a.wg.Wait()
}

// Size returns the number of conversations currently held in memory.
func (a *Arena) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots)
}
