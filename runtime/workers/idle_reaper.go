package workers

import (
	"context"
	"log/slog"
	"market-chat/contract"
	"market-chat/domain"
	"time"
)

// Disconnector is called for each reaped session so presence can go OFFLINE.
type Disconnector interface {
	Disconnect(ctx context.Context, userID domain.UserID, sessionID domain.SessionID)
}

// IdleReaper closes sessions that sent nothing, not even a pong, for longer
// than the keep-alive timeout.
type IdleReaper struct {
	log          *slog.Logger
	registry     contract.IRegistry
	disconnector Disconnector
	keepAlive    time.Duration
	interval     time.Duration
	now          func() time.Time
}

func NewIdleReaper(log *slog.Logger, registry contract.IRegistry, disconnector Disconnector, keepAlive, interval time.Duration) *IdleReaper {
	return &IdleReaper{
		log:          log,
		registry:     registry,
		disconnector: disconnector,
		keepAlive:    keepAlive,
		interval:     interval,
		now:          time.Now,
	}
}

func (w *IdleReaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Reap(ctx)
		}
	}
}

// Reap closes every idle session and returns how many were closed.
func (w *IdleReaper) Reap(ctx context.Context) int {
	idle := w.registry.Idle(w.now().Add(-w.keepAlive))
	for _, session := range idle {
		w.log.Info("Closing idle session",
			"user_id", session.UserID,
			"session_id", session.Sink.ID(),
			"last_activity", session.LastActivity)
		if err := session.Sink.Close(); err != nil {
			w.log.Debug("Closing idle session failed", "session_id", session.Sink.ID(), "error", err)
		}
		w.disconnector.Disconnect(ctx, session.UserID, session.Sink.ID())
	}
	return len(idle)
}
