package hub

import (
	"context"
	"log/slog"
	"time"
)

const cullerInterval = 5 * time.Minute

// StartIdleCuller runs a background goroutine that periodically stops
// servers whose users have been inactive longer than maxIdle. A maxIdle of
// zero disables culling.
func (c *Controller) StartIdleCuller(ctx context.Context, maxIdle time.Duration) {
	if maxIdle <= 0 {
		return
	}
	ticker := time.NewTicker(cullerInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Idle culler started", "interval", cullerInterval, "max_idle", maxIdle)

		for {
			select {
			case <-ticker.C:
				c.cullIdle(ctx, maxIdle)
			case <-ctx.Done():
				slog.Info("Idle culler shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (c *Controller) cullIdle(ctx context.Context, maxIdle time.Duration) {
	users, err := c.repo.ListAll(ctx)
	if err != nil {
		slog.Error("Idle culler failed to list users", "error", err)
		return
	}

	cutoff := time.Now().Add(-maxIdle)
	for _, user := range users {
		if user.LastActivity.After(cutoff) {
			continue
		}
		st := c.peekState(user.Name)
		if st == nil {
			continue
		}

		st.mu.Lock()
		if !st.running || st.spawnPending || st.stopPending {
			st.mu.Unlock()
			continue
		}
		slog.Info("Idle culler stopping server",
			"user", user.Name,
			"last_activity", user.LastActivity)
		c.beginStop(st, user.Name)
		st.mu.Unlock()
	}
}
