package runtime

import (
	"context"
	"log/slog"
	"market-chat/domain"
	"market-chat/domain/event"
	"sync"
	"testing"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

// deliverFunc is a Delivery with no recipients of its own.
type deliverFunc func(ctx context.Context, id domain.ConversationID, e event.DomainEvent)

func (deliverFunc) Recipients(context.Context, domain.ConversationID) ([]domain.Participant, error) {
	return nil, nil
}

func (f deliverFunc) Deliver(ctx context.Context, id domain.ConversationID, env Envelope) {
	f(ctx, id, env.Event)
}

func TestArena_Delivers_In_Enqueue_Order_And_Releases_Slots(t *testing.T) {
	req := require.New(t)
	var mu sync.Mutex
	delivered := map[domain.ConversationID][]int64{}
	arena := NewArena(context.Background(), logs.GetLoggerFromLevel(slog.LevelDebug),
		deliverFunc(func(_ context.Context, id domain.ConversationID, e event.DomainEvent) {
			mu.Lock()
			defer mu.Unlock()
			delivered[id] = append(delivered[id], e.(event.MessagePosted).Message.Sequence)
		}))

	// committed plays the store: a released slot reloads its sequence from it.
	var committedMu sync.Mutex
	committed := map[domain.ConversationID]int64{}
	load := func(id domain.ConversationID) func() (int64, error) {
		return func() (int64, error) {
			committedMu.Lock()
			defer committedMu.Unlock()
			return committed[id], nil
		}
	}

	var wg sync.WaitGroup
	for _, id := range []domain.ConversationID{"a", "b", "c"} {
		for range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				req.NoError(arena.Locked(id, func(seq *Sequencer) error {
					next, err := seq.Next(load(id))
					if err != nil {
						return err
					}
					committedMu.Lock()
					committed[id] = next
					committedMu.Unlock()
					seq.Commit(next)
					seq.Enqueue(event.MessagePosted{Message: domain.Message{ConversationID: id, Sequence: next}})
					return nil
				}))
			}()
		}
	}
	wg.Wait()
	arena.Wait()

	for _, id := range []domain.ConversationID{"a", "b", "c"} {
		req.Len(delivered[id], 50)
		for i, seq := range delivered[id] {
			req.Equal(int64(i+1), seq)
		}
	}
	req.Zero(arena.Size())
}

func TestArena_Survives_Panicking_Delivery(t *testing.T) {
	req := require.New(t)
	calls := 0
	arena := NewArena(context.Background(), logs.GetLoggerFromLevel(slog.LevelDebug),
		deliverFunc(func(_ context.Context, _ domain.ConversationID, _ event.DomainEvent) {
			calls++
			if calls == 1 {
				panic("boom")
			}
		}))

	arena.Publish("a", event.TypingChanged{}, event.TypingChanged{})
	arena.Wait()

	req.Equal(2, calls)
}
