package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"chatsync/pkg/domain"
	"chatsync/pkg/envelope"
	"chatsync/pkg/remote"
)

// reconcile brings the local log up to date. Phases run in order; within a
// phase conversations are processed concurrently. Remote and transport
// failures are logged and skipped; local store failures are returned.
func (e *Engine) reconcile(ctx context.Context) error {
	userID, ok := e.session()
	if !ok {
		return ErrNotStarted
	}
	convs, err := e.syncConversations(ctx, userID)
	if err != nil {
		return err
	}
	if err := e.eachConversation(ctx, convs, e.drainQueuedAcks); err != nil {
		return fmt.Errorf("drain queued acks: %w", err)
	}
	if err := e.eachConversation(ctx, convs, e.applyRemoteStatuses); err != nil {
		return fmt.Errorf("apply remote statuses: %w", err)
	}
	if err := e.eachConversation(ctx, convs, e.pullMessages); err != nil {
		return fmt.Errorf("pull messages: %w", err)
	}
	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	e.events.emit(ConversationsUpdated{ConversationIDs: ids})

	if err := e.flushPending(ctx); err != nil {
		return fmt.Errorf("flush pending: %w", err)
	}
	return nil
}

// syncConversations copies the user's remote conversations into the local
// store and returns every local conversation of the user.
func (e *Engine) syncConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	remoteConvs, err := e.remote.ListConversations(ctx, userID)
	if err != nil {
		e.logger.Warn("list remote conversations", "err", err)
	}
	for _, c := range remoteConvs {
		if err := e.store.UpsertConversation(ctx, c); err != nil {
			return nil, fmt.Errorf("store conversation: %w", err)
		}
	}
	overviews, err := e.store.ListConversationOverviews(ctx, userID, 0, 0)
	if err != nil {
		return nil, err
	}
	convs := make([]domain.Conversation, 0, len(overviews))
	for _, ov := range overviews {
		convs = append(convs, ov.Conversation)
	}
	return convs, nil
}

func (e *Engine) eachConversation(ctx context.Context, convs []domain.Conversation, fn func(context.Context, domain.Conversation) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, c := range convs {
		c := c
		g.Go(func() error {
			return fn(gctx, c)
		})
	}
	return g.Wait()
}

// drainQueuedAcks re-sends statuses owed to the agent. A confirmed status is
// dropped; an unconfirmed one moves to the remote queue and is dropped only
// when that write succeeds.
func (e *Engine) drainQueuedAcks(ctx context.Context, conv domain.Conversation) error {
	acks, err := e.store.QueuedStatusAcks(ctx, conv.ID)
	if err != nil {
		return err
	}
	for _, queued := range acks {
		ack := statusAck{
			localID:        queued.LocalID,
			conversationID: conv.ID,
			agentID:        conv.AgentID,
			status:         queued.Status,
			upgrade:        queued.Status == domain.StatusRead,
		}
		fut := e.waiter.Expect(envelope.KindAckOfAck, ack.localID)
		confirmed := false
		if err := e.publish(ctx, ack.agentID, ack.envelope()); err != nil {
			fut.Cancel()
		} else {
			confirmed = fut.Await(ctx, e.ackTimeout)
		}
		e.metrics.acks.WithLabelValues(string(ack.envelope().Kind()), outcome(confirmed)).Inc()
		if !confirmed {
			err := e.remote.QueueStatusSync(ctx, remote.StatusSync{
				LocalID:        ack.localID,
				ConversationID: conv.ID,
				Status:         ack.status,
				AckRole:        domain.RoleUser,
				AckAt:          queued.AckAt,
			})
			e.metrics.fallbacks.WithLabelValues("remote_status", result(err)).Inc()
			if err != nil {
				e.logger.Warn("move queued status to remote", "local_id", ack.localID, "err", err)
				continue
			}
		}
		if err := e.store.DeleteQueuedStatusAck(ctx, ack.localID); err != nil {
			return err
		}
	}
	return nil
}

// applyRemoteStatuses applies statuses the agent queued for our messages
// while we were unreachable.
func (e *Engine) applyRemoteStatuses(ctx context.Context, conv domain.Conversation) error {
	syncs, err := e.remote.TakeStatusSyncs(ctx, conv.ID, domain.RoleAgent)
	if err != nil {
		e.logger.Warn("take remote statuses", "conversation_id", conv.ID, "err", err)
		return nil
	}
	var order []domain.MessageStatus
	byStatus := make(map[domain.MessageStatus][]string)
	for _, s := range syncs {
		changed, err := e.store.RaiseStatus(ctx, s.LocalID, s.Status)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		if _, seen := byStatus[s.Status]; !seen {
			order = append(order, s.Status)
		}
		byStatus[s.Status] = append(byStatus[s.Status], s.LocalID)
	}
	for _, status := range order {
		e.events.emit(StatusSync{ConversationID: conv.ID, Status: status, MessageIDs: byStatus[status]})
	}
	return nil
}

// pullMessages fetches messages newer than the local high-water mark.
func (e *Engine) pullMessages(ctx context.Context, conv domain.Conversation) error {
	since, _, err := e.store.LastKnownMessageTime(ctx, conv.ID)
	if err != nil {
		return err
	}
	msgs, err := e.remote.ListMessagesSince(ctx, conv.ID, since)
	if err != nil {
		e.logger.Warn("pull remote messages", "conversation_id", conv.ID, "err", err)
		return nil
	}
	for _, m := range msgs {
		exists, err := e.store.MessageExists(ctx, m.ServerID, m.LocalID)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		e.receiveMessage(ctx, m, "pull")
	}
	return nil
}

// flushPending sends every pending message. Messages of one conversation go
// out in created_at order.
func (e *Engine) flushPending(ctx context.Context) error {
	pending, err := e.store.PendingMessages(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	var order []string
	byConv := make(map[string][]domain.Message)
	for _, m := range pending {
		if _, seen := byConv[m.ConversationID]; !seen {
			order = append(order, m.ConversationID)
		}
		byConv[m.ConversationID] = append(byConv[m.ConversationID], m)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, convID := range order {
		msgs := byConv[convID]
		g.Go(func() error {
			for _, m := range msgs {
				if e.uploads != nil && e.uploads.InFlight(m.LocalID) {
					continue
				}
				if _, err := e.flushMessage(gctx, m); err != nil {
					e.logger.Warn("flush pending message", "local_id", m.LocalID, "err", err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}
