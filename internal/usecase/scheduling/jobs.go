package scheduling

import (
	"context"
	"log/slog"
	"time"

	"agentdeck/internal/domain"
)

// Job names.
const (
	JobHistoryPrune = "history_prune"
	JobSessionReap  = "session_reap"
)

// PruneHistory deletes cached turns older than retention.
func PruneHistory(store domain.TurnStore, schedule string, retention time.Duration, logger *slog.Logger) Job {
	return Job{
		Name:     JobHistoryPrune,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := store.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("pruned turn history", "deleted", n, "retention", retention)
			}
			return nil
		},
	}
}

// SessionReaper closes idle sessions.
type SessionReaper interface {
	ReapIdle(ctx context.Context, ttl time.Duration) int
}

// ReapSessions closes sessions idle for at least ttl.
func ReapSessions(reaper SessionReaper, schedule string, ttl time.Duration) Job {
	return Job{
		Name:     JobSessionReap,
		Schedule: schedule,
		Timeout:  time.Minute,
		Run: func(ctx context.Context) error {
			reaper.ReapIdle(ctx, ttl)
			return nil
		},
	}
}
