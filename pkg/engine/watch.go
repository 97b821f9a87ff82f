package engine

import (
	"context"
	"time"
)

// watchRemote picks up messages the other party wrote straight to the remote
// store, for example after its own ack wait ran out.
func (e *Engine) watchRemote(ctx context.Context, userID string, since time.Time) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		since = e.pollRemote(ctx, userID, since)
	}
}

// pollRemote applies one batch of remote inserts and returns the cursor for
// the next call. The cursor only advances past a fully applied batch.
func (e *Engine) pollRemote(ctx context.Context, userID string, since time.Time) time.Time {
	msgs, next, err := e.remote.ListInsertedSince(ctx, userID, since)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("poll remote messages", "err", err)
		}
		return since
	}
	for _, m := range msgs {
		exists, err := e.store.MessageExists(ctx, m.ServerID, m.LocalID)
		if err != nil {
			e.logger.Error("check polled message", "local_id", m.LocalID, "err", err)
			return since
		}
		if exists {
			continue
		}
		e.receiveMessage(ctx, m, "remote")
	}
	return next
}
