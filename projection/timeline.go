// Package projection builds local timelines from observed frames.
// Handles ordering and deduplication of what a client sees.
// Does not send frames or talk to the server.
package projection

import (
	"market-chat/protocol"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Timeline holds the messages of one conversation as a client would render them,
// ordered by sequence whatever order the frames arrived in.
type Timeline struct {
	ConversationID string

	mu       sync.RWMutex
	messages []protocol.Message
	readers  map[string]int64
}

func NewTimeline(conversationID string) *Timeline {
	return &Timeline{
		ConversationID: conversationID,
		readers:        make(map[string]int64),
	}
}

// Apply folds one frame into the timeline and reports whether it changed anything.
// Frames of other conversations and of other types are ignored.
func (t *Timeline) Apply(frame protocol.Frame) (bool, error) {
	switch frame.Type {
	case protocol.TypeMessage, protocol.TypeMessageEdited:
		var msg protocol.Message
		if err := frame.Payload(&msg); err != nil {
			return false, err
		}
		return t.Upsert(msg), nil
	case protocol.TypeMessageDeleted:
		var deleted protocol.MessageDeleted
		if err := frame.Payload(&deleted); err != nil {
			return false, err
		}
		return t.tombstone(deleted), nil
	case protocol.TypeRead:
		var read protocol.Read
		if err := frame.Payload(&read); err != nil {
			return false, err
		}
		return t.advance(read), nil
	default:
		return false, nil
	}
}

// Upsert inserts msg at its sequence, or replaces the copy already held.
// An older edit never overwrites a newer one.
func (t *Timeline) Upsert(msg protocol.Message) bool {
	if msg.ConversationID != t.ConversationID {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.search(msg.Sequence)
	if i < len(t.messages) && t.messages[i].Sequence == msg.Sequence {
		current := t.messages[i]
		if current.Deleted || stale(current, msg) {
			return false
		}
		t.messages[i] = msg
		return true
	}
	t.messages = append(t.messages, protocol.Message{})
	copy(t.messages[i+1:], t.messages[i:])
	t.messages[i] = msg
	return true
}

func stale(current, next protocol.Message) bool {
	if next.EditedAt == nil {
		return true
	}
	return current.EditedAt != nil && !next.EditedAt.After(*current.EditedAt)
}

func (t *Timeline) tombstone(deleted protocol.MessageDeleted) bool {
	if deleted.ConversationID != t.ConversationID {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.search(deleted.Sequence)
	if i == len(t.messages) || t.messages[i].ID != deleted.MessageID || t.messages[i].Deleted {
		return false
	}
	t.messages[i].Deleted = true
	t.messages[i].Content = ""
	return true
}

func (t *Timeline) advance(read protocol.Read) bool {
	if read.ConversationID != t.ConversationID {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if read.UpToSequence <= t.readers[read.UserID] {
		return false
	}
	t.readers[read.UserID] = read.UpToSequence
	return true
}

func (t *Timeline) search(sequence int64) int {
	return sort.Search(len(t.messages), func(i int) bool { return t.messages[i].Sequence >= sequence })
}

// Messages returns a copy of the timeline in sequence order.
func (t *Timeline) Messages() []protocol.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]protocol.Message(nil), t.messages...)
}

// Gaps lists the sequences missing between the first and the last message held.
func (t *Timeline) Gaps() []int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.messages) == 0 {
		return nil
	}
	first, last := t.messages[0].Sequence, t.messages[len(t.messages)-1].Sequence
	held := lo.SliceToMap(t.messages, func(m protocol.Message) (int64, struct{}) { return m.Sequence, struct{}{} })
	return lo.Filter(lo.RangeFrom(first, int(last-first+1)), func(seq int64, _ int) bool {
		_, ok := held[seq]
		return !ok
	})
}

// SeenBy lists the users whose read cursor reached sequence.
func (t *Timeline) SeenBy(sequence int64) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	users := lo.Keys(lo.PickBy(t.readers, func(_ string, upTo int64) bool { return upTo >= sequence }))
	sort.Strings(users)
	return users
}
