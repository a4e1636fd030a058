package repositories

import (
	"context"
	"fmt"
	"market-chat/contract"
	"market-chat/domain"
	"market-chat/errors"
	"sort"
	"sync"

	"github.com/samber/lo"
)

var _ contract.ConversationStore = (*MemoryStore)(nil)

type participantKey struct {
	conversationID domain.ConversationID
	userID         domain.UserID
}

// MemoryStore is the in-process ConversationStore. Every call is atomic under a single lock.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[domain.ConversationID]domain.Conversation
	uniqueKeys    map[string]domain.ConversationID
	participants  map[participantKey]domain.Participant
	memberships   map[domain.UserID]map[domain.ConversationID]struct{}
	messages      map[domain.ConversationID][]domain.Message
	messageIndex  map[domain.MessageID]domain.ConversationID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[domain.ConversationID]domain.Conversation),
		uniqueKeys:    make(map[string]domain.ConversationID),
		participants:  make(map[participantKey]domain.Participant),
		memberships:   make(map[domain.UserID]map[domain.ConversationID]struct{}),
		messages:      make(map[domain.ConversationID][]domain.Message),
		messageIndex:  make(map[domain.MessageID]domain.ConversationID),
	}
}

func (s *MemoryStore) CreateConversation(_ context.Context, conv domain.Conversation, participants []domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conv.ID]; ok {
		return fmt.Errorf("%w: %s", errors.ErrConversationExists, conv.ID)
	}
	if conv.UniqueKey != "" {
		if _, ok := s.uniqueKeys[conv.UniqueKey]; ok {
			return fmt.Errorf("%w: %s", errors.ErrConversationExists, conv.UniqueKey)
		}
		s.uniqueKeys[conv.UniqueKey] = conv.ID
	}
	s.conversations[conv.ID] = conv
	for _, p := range participants {
		s.putParticipant(p)
	}
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id domain.ConversationID) (domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return domain.Conversation{}, fmt.Errorf("%w: %s", errors.ErrConversationNotFound, id)
	}
	return conv, nil
}

func (s *MemoryStore) SetName(_ context.Context, id domain.ConversationID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrConversationNotFound, id)
	}
	conv.Name = name
	s.conversations[id] = conv
	return nil
}

func (s *MemoryStore) FindByUniqueKey(_ context.Context, key string) (domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.uniqueKeys[key]
	if !ok {
		return domain.Conversation{}, fmt.Errorf("%w: %s", errors.ErrConversationNotFound, key)
	}
	return s.conversations[id], nil
}

func (s *MemoryStore) ListConversations(_ context.Context, userID domain.UserID) ([]domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := lo.Map(lo.Keys(s.memberships[userID]), func(id domain.ConversationID, _ int) domain.Conversation {
		return s.conversations[id]
	})
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (s *MemoryStore) GetParticipant(_ context.Context, id domain.ConversationID, userID domain.UserID) (domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[participantKey{id, userID}]
	if !ok {
		return domain.Participant{}, fmt.Errorf("%w: %s in %s", errors.ErrNotAMember, userID, id)
	}
	return p, nil
}

func (s *MemoryStore) ListParticipants(_ context.Context, id domain.ConversationID) ([]domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[id]; !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrConversationNotFound, id)
	}
	var res []domain.Participant
	for key, p := range s.participants {
		if key.conversationID == id {
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].JoinedAt.Equal(res[j].JoinedAt) {
			return res[i].UserID < res[j].UserID
		}
		return res[i].JoinedAt.Before(res[j].JoinedAt)
	})
	return res, nil
}

func (s *MemoryStore) AddParticipant(_ context.Context, p domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[p.ConversationID]; !ok {
		return fmt.Errorf("%w: %s", errors.ErrConversationNotFound, p.ConversationID)
	}
	if _, ok := s.participants[participantKey{p.ConversationID, p.UserID}]; ok {
		return fmt.Errorf("%w: %s", errors.ErrAlreadyMember, p.UserID)
	}
	s.putParticipant(p)
	return nil
}

func (s *MemoryStore) RemoveParticipant(_ context.Context, id domain.ConversationID, userID domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := participantKey{id, userID}
	if _, ok := s.participants[key]; !ok {
		return fmt.Errorf("%w: %s in %s", errors.ErrNotAMember, userID, id)
	}
	delete(s.participants, key)
	delete(s.memberships[userID], id)
	if len(s.memberships[userID]) == 0 {
		delete(s.memberships, userID)
	}
	return nil
}

func (s *MemoryStore) UpdateReadCursor(_ context.Context, id domain.ConversationID, userID domain.UserID, upTo int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := participantKey{id, userID}
	p, ok := s.participants[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s in %s", errors.ErrNotAMember, userID, id)
	}
	p.ReadCursor = max(p.ReadCursor, upTo)
	s.participants[key] = p
	return p.ReadCursor, nil
}

func (s *MemoryStore) SetMuted(_ context.Context, id domain.ConversationID, userID domain.UserID, muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := participantKey{id, userID}
	p, ok := s.participants[key]
	if !ok {
		return fmt.Errorf("%w: %s in %s", errors.ErrNotAMember, userID, id)
	}
	p.Muted = muted
	s.participants[key] = p
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrConversationNotFound, msg.ConversationID)
	}
	if msg.Sequence != conv.Sequence+1 {
		return fmt.Errorf("%w: got %d, expected %d", errors.ErrSequenceConflict, msg.Sequence, conv.Sequence+1)
	}
	conv.Sequence = msg.Sequence
	s.conversations[conv.ID] = conv
	s.messages[conv.ID] = append(s.messages[conv.ID], msg)
	s.messageIndex[msg.ID] = conv.ID
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id domain.MessageID) (domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, _, ok := s.findMessage(id)
	if !ok {
		return domain.Message{}, fmt.Errorf("%w: %s", errors.ErrMessageNotFound, id)
	}
	return msg, nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, idx, ok := s.findMessage(msg.ID)
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrMessageNotFound, msg.ID)
	}
	current.Content = msg.Content
	current.EditedAt = msg.EditedAt
	current.Deleted = msg.Deleted
	s.messages[current.ConversationID][idx] = current
	return nil
}

// History relies on messages being stored in sequence order: sequence n lives at index n-1.
func (s *MemoryStore) History(_ context.Context, id domain.ConversationID, afterSequence int64, limit int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	messages := s.messages[id]
	start := int(max(afterSequence, 0))
	if start >= len(messages) {
		return nil, nil
	}
	end := len(messages)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	res := make([]domain.Message, end-start)
	copy(res, messages[start:end])
	return res, nil
}

func (s *MemoryStore) CountUnread(_ context.Context, id domain.ConversationID, userID domain.UserID, afterSequence int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	messages := s.messages[id]
	start := int(max(afterSequence, 0))
	if start >= len(messages) {
		return 0, nil
	}
	return lo.CountBy(messages[start:], func(m domain.Message) bool {
		return m.SenderID != userID && !m.Deleted
	}), nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) putParticipant(p domain.Participant) {
	s.participants[participantKey{p.ConversationID, p.UserID}] = p
	if s.memberships[p.UserID] == nil {
		s.memberships[p.UserID] = make(map[domain.ConversationID]struct{})
	}
	s.memberships[p.UserID][p.ConversationID] = struct{}{}
}

func (s *MemoryStore) findMessage(id domain.MessageID) (domain.Message, int, bool) {
	convID, ok := s.messageIndex[id]
	if !ok {
		return domain.Message{}, 0, false
	}
	for i, m := range s.messages[convID] {
		if m.ID == id {
			return m, i, true
		}
	}
	return domain.Message{}, 0, false
}
