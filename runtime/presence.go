package runtime

import (
	"context"
	"log/slog"
	"market-chat/contract"
	"market-chat/domain"
	"market-chat/domain/event"
	"sync"
	"time"

	"github.com/samber/lo"
)

// userLock orders the online and offline transitions of one user with their broadcasts.
type userLock struct {
	mu   sync.Mutex
	refs int
}

type typingKey struct {
	conversationID domain.ConversationID
	userID         domain.UserID
}

// Presence derives online, offline and typing state from sessions and inbound frames.
// Online and offline are broadcast only on the first and last session of a user.
// Typing is server enforced: a typing state expires after typingTimeout without a refresh.
type Presence struct {
	log           *slog.Logger
	registry      contract.IRegistry
	store         contract.ConversationStore
	fanout        *EventFanout
	arena         *Arena
	guard         MembershipGuard
	typingTimeout time.Duration
	now           func() time.Time

	mu       sync.Mutex
	typing   map[typingKey]time.Time
	lastSeen map[domain.UserID]time.Time

	usersMu sync.Mutex
	users   map[domain.UserID]*userLock
}

func NewPresence(
	log *slog.Logger,
	registry contract.IRegistry,
	store contract.ConversationStore,
	fanout *EventFanout,
	arena *Arena,
	guard MembershipGuard,
	typingTimeout time.Duration,
) *Presence {
	p := &Presence{
		log:           log,
		registry:      registry,
		store:         store,
		fanout:        fanout,
		arena:         arena,
		guard:         guard,
		typingTimeout: typingTimeout,
		now:           time.Now,
		typing:        make(map[typingKey]time.Time),
		lastSeen:      make(map[domain.UserID]time.Time),
		users:         make(map[domain.UserID]*userLock),
	}
	fanout.OnOffline(p.droppedOffline)
	return p
}

// lockUser serializes presence transitions of one user. The returned func unlocks.
func (p *Presence) lockUser(userID domain.UserID) func() {
	p.usersMu.Lock()
	l, ok := p.users[userID]
	if !ok {
		l = &userLock{}
		p.users[userID] = l
	}
	l.refs++
	p.usersMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.usersMu.Lock()
		defer p.usersMu.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(p.users, userID)
		}
	}
}

// Connect registers a live session and broadcasts ONLINE when it is the user's first.
func (p *Presence) Connect(ctx context.Context, userID domain.UserID, sink contract.EventSink) {
	unlock := p.lockUser(userID)
	defer unlock()
	if !p.registry.Register(userID, sink) {
		return
	}
	p.log.Info("User online", "user_id", userID)
	p.broadcast(ctx, userID, event.PresenceChanged{UserID: userID, Status: domain.Online})
}

// Disconnect unregisters a session and broadcasts OFFLINE when it was the user's last.
func (p *Presence) Disconnect(ctx context.Context, userID domain.UserID, sessionID domain.SessionID) {
	unlock := p.lockUser(userID)
	defer unlock()
	last, removed := p.registry.Unregister(userID, sessionID)
	if removed && last {
		p.wentOffline(ctx, userID)
	}
}

// droppedOffline handles the last session of a user dropped by the fanout.
// The user may have reconnected in between, in which case nothing is broadcast.
func (p *Presence) droppedOffline(userID domain.UserID) {
	unlock := p.lockUser(userID)
	defer unlock()
	if p.registry.IsOnline(userID) {
		return
	}
	p.wentOffline(context.Background(), userID)
}

func (p *Presence) wentOffline(ctx context.Context, userID domain.UserID) {
	now := p.now().UTC()
	p.mu.Lock()
	p.lastSeen[userID] = now
	for key := range p.typing {
		if key.userID == userID {
			delete(p.typing, key)
			p.arena.Publish(key.conversationID, event.TypingChanged{ConversationID: key.conversationID, UserID: userID, IsTyping: false})
		}
	}
	p.mu.Unlock()

	p.log.Info("User offline", "user_id", userID)
	p.broadcast(ctx, userID, event.PresenceChanged{UserID: userID, Status: domain.Offline, LastSeen: now})
}

// Touch records activity on a session. Every inbound frame counts.
func (p *Presence) Touch(userID domain.UserID, sessionID domain.SessionID) {
	p.registry.Touch(userID, sessionID, p.now())
}

// SetTyping applies a typing frame. Repeated starts only extend the deadline.
func (p *Presence) SetTyping(ctx context.Context, cmd domain.TypingCommand) error {
	if _, err := p.guard.AssertMember(ctx, cmd.ConversationID, cmd.UserID); err != nil {
		return err
	}
	key := typingKey{cmd.ConversationID, cmd.UserID}
	// Publishing under the lock keeps the outbox order consistent with the
	// typing map when a send clears the same key concurrently.
	p.mu.Lock()
	defer p.mu.Unlock()
	_, wasTyping := p.typing[key]
	if cmd.IsTyping {
		p.typing[key] = p.now().Add(p.typingTimeout)
	} else {
		delete(p.typing, key)
	}
	if wasTyping != cmd.IsTyping {
		p.arena.Publish(cmd.ConversationID, event.TypingChanged{
			ConversationID: cmd.ConversationID,
			UserID:         cmd.UserID,
			IsTyping:       cmd.IsTyping,
		})
	}
	return nil
}

// StopTyping clears typing and, if the user was typing, hands the stop event to
// enqueue while still holding the lock.
func (p *Presence) StopTyping(conversationID domain.ConversationID, userID domain.UserID, enqueue func(...event.DomainEvent)) {
	key := typingKey{conversationID, userID}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.typing[key]; !ok {
		return
	}
	delete(p.typing, key)
	enqueue(event.TypingChanged{ConversationID: conversationID, UserID: userID, IsTyping: false})
}

// ExpireTyping clears every typing state past its deadline and returns how many expired.
func (p *Presence) ExpireTyping(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	expired := 0
	for key, deadline := range p.typing {
		if now.Before(deadline) {
			continue
		}
		delete(p.typing, key)
		expired++
		p.arena.Publish(key.conversationID, event.TypingChanged{ConversationID: key.conversationID, UserID: key.userID, IsTyping: false})
	}
	return expired
}

// Typing lists users currently typing in a conversation.
func (p *Presence) Typing(conversationID domain.ConversationID) []domain.UserID {
	p.mu.Lock()
	defer p.mu.Unlock()
	var users []domain.UserID
	for key := range p.typing {
		if key.conversationID == conversationID {
			users = append(users, key.userID)
		}
	}
	return users
}

// Status returns the presence of a user. LastSeen is zero for users never seen leaving.
func (p *Presence) Status(userID domain.UserID) domain.Presence {
	if p.registry.IsOnline(userID) {
		return domain.Presence{UserID: userID, Status: domain.Online}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return domain.Presence{UserID: userID, Status: domain.Offline, LastSeen: p.lastSeen[userID]}
}

// broadcast pushes a presence change to every user sharing a conversation with userID.
// Presence carries no conversation order, so it bypasses the outboxes.
func (p *Presence) broadcast(ctx context.Context, userID domain.UserID, e event.PresenceChanged) {
	convs, err := p.store.ListConversations(ctx, userID)
	if err != nil {
		p.log.Warn("Unable to list conversations for presence", "user_id", userID, "error", err)
		return
	}
	var contacts []domain.UserID
	for _, conv := range convs {
		participants, err := p.store.ListParticipants(ctx, conv.ID)
		if err != nil {
			p.log.Warn("Unable to list participants for presence", "conversation_id", conv.ID, "error", err)
			continue
		}
		for _, participant := range participants {
			contacts = append(contacts, participant.UserID)
		}
	}
	contacts = lo.Without(lo.Uniq(contacts), userID)
	for _, contact := range contacts {
		p.fanout.PushTo(ctx, contact, e)
	}
}
