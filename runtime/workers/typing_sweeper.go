package workers

import (
	"context"
	"log/slog"
	"time"
)

// TypingExpirer is the part of presence the sweeper drives.
type TypingExpirer interface {
	ExpireTyping(now time.Time) int
}

// TypingSweeper clears typing indicators the client never stopped.
// The timeout is enforced here, never trusted to the client.
type TypingSweeper struct {
	log      *slog.Logger
	typing   TypingExpirer
	interval time.Duration
}

func NewTypingSweeper(log *slog.Logger, typing TypingExpirer, interval time.Duration) *TypingSweeper {
	return &TypingSweeper{log: log, typing: typing, interval: interval}
}

func (w *TypingSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if n := w.typing.ExpireTyping(now); n > 0 {
				w.log.Debug("Typing indicators expired", "count", n)
			}
		}
	}
}
