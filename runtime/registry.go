package runtime

import (
	"market-chat/contract"
	"market-chat/domain"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

var _ contract.IRegistry = (*Registry)(nil)

const registryShards = 32

type sessionEntry struct {
	sink         contract.EventSink
	connectedAt  time.Time
	lastActivity time.Time
}

type shard struct {
	mu       sync.RWMutex
	sessions map[domain.UserID]map[domain.SessionID]*sessionEntry
}

// Registry tracks the live sessions of every user, several per user (one per device).
// Users are spread over shards so connects and fan-out lookups of unrelated
// users never contend on the same lock.
type Registry struct {
	shards [registryShards]*shard
	now    func() time.Time
}

func NewRegistry() *Registry {
	r := &Registry{now: time.Now}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[domain.UserID]map[domain.SessionID]*sessionEntry)}
	}
	return r
}

func (r *Registry) shardFor(userID domain.UserID) *shard {
	return r.shards[xxhash.Sum64String(string(userID))%registryShards]
}

// Register adds a session for userID. Registering the same session id twice replaces its sink.
func (r *Registry) Register(userID domain.UserID, sink contract.EventSink) bool {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, ok := s.sessions[userID]
	if !ok {
		sessions = make(map[domain.SessionID]*sessionEntry)
		s.sessions[userID] = sessions
	}
	now := r.now()
	sessions[sink.ID()] = &sessionEntry{sink: sink, connectedAt: now, lastActivity: now}
	return len(sessions) == 1
}

// Unregister removes the session and cleans up empty users so the map does not grow forever.
func (r *Registry) Unregister(userID domain.UserID, sessionID domain.SessionID) (bool, bool) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, ok := s.sessions[userID]
	if !ok {
		return false, false
	}
	if _, ok = sessions[sessionID]; !ok {
		return false, false
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(s.sessions, userID)
		return true, true
	}
	return false, true
}

func (r *Registry) SessionsFor(userID domain.UserID) []contract.EventSink {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := s.sessions[userID]
	if len(sessions) == 0 {
		return nil
	}
	sinks := make([]contract.EventSink, 0, len(sessions))
	for _, entry := range sessions {
		sinks = append(sinks, entry.sink)
	}
	return sinks
}

func (r *Registry) Touch(userID domain.UserID, sessionID domain.SessionID, at time.Time) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.sessions[userID][sessionID]; ok && at.After(entry.lastActivity) {
		entry.lastActivity = at
	}
}

func (r *Registry) IsOnline(userID domain.UserID) bool {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions[userID]) > 0
}

// Idle lists sessions whose last activity is before cutoff.
func (r *Registry) Idle(cutoff time.Time) []contract.Session {
	var idle []contract.Session
	for _, s := range r.shards {
		s.mu.RLock()
		for userID, sessions := range s.sessions {
			for _, entry := range sessions {
				if entry.lastActivity.Before(cutoff) {
					idle = append(idle, contract.Session{
						UserID:       userID,
						Sink:         entry.sink,
						ConnectedAt:  entry.connectedAt,
						LastActivity: entry.lastActivity,
					})
				}
			}
		}
		s.mu.RUnlock()
	}
	return idle
}

// Count returns the number of online users and live sessions.
func (r *Registry) Count() (users int, sessions int) {
	for _, s := range r.shards {
		s.mu.RLock()
		users += len(s.sessions)
		for _, entries := range s.sessions {
			sessions += len(entries)
		}
		s.mu.RUnlock()
	}
	return users, sessions
}
