package engine

import (
	"context"
	"time"

	"chatsync/pkg/broadcast"
	"chatsync/pkg/domain"
	"chatsync/pkg/envelope"
	"chatsync/pkg/remote"
)

// handlePayload is the inbox subscription handler. Envelopes are applied in
// arrival order; waiting for acknowledgments happens on other goroutines.
func (e *Engine) handlePayload(ctx context.Context, payload []byte) {
	env, err := envelope.Decode(payload)
	if err != nil {
		e.logger.Warn("drop inbound envelope", "err", err)
		return
	}
	switch ev := env.(type) {
	case envelope.Message:
		e.receiveMessage(ctx, ev.Message, "broadcast")
	case envelope.DeliveryAck:
		e.receiveStatusAck(ctx, ev.LocalID, ev.ConversationID, ev.ServerID, envelope.AckStatus(ev.Status))
	case envelope.ReadAck:
		e.receiveStatusAck(ctx, ev.LocalID, ev.ConversationID, "", domain.StatusRead)
	case envelope.AckOfAck:
		e.waiter.Resolve(envelope.KindAckOfAck, ev.LocalID)
	}
}

// receiveMessage stores a message from the other party once and acknowledges
// it. It reports whether the message was new.
func (e *Engine) receiveMessage(ctx context.Context, m domain.Message, source string) bool {
	userID, _ := e.session()
	m = inboundCopy(m)

	if err := e.ensureLocalConversation(ctx, m.ConversationID, userID, peerOf(m, userID)); err != nil {
		e.logger.Error("ensure conversation", "conversation_id", m.ConversationID, "err", err)
		return false
	}
	inserted, err := e.store.InsertMessage(ctx, m)
	if err != nil {
		e.logger.Error("store inbound message", "local_id", m.LocalID, "err", err)
		e.metrics.inbound.WithLabelValues(source, "error").Inc()
		return false
	}
	if !inserted {
		e.metrics.inbound.WithLabelValues(source, "duplicate").Inc()
		return false
	}
	e.metrics.inbound.WithLabelValues(source, "inserted").Inc()
	e.events.emit(IncomingMessage{Message: m})

	active := e.isActive(m.ConversationID)
	if active {
		if err := e.store.MarkConversationRead(ctx, m.ConversationID, time.Now()); err != nil {
			e.logger.Warn("mark conversation read", "conversation_id", m.ConversationID, "err", err)
		}
	}
	if m.SenderRole == domain.RoleAgent {
		status := domain.StatusReceived
		if active {
			status = domain.StatusRead
		}
		if _, err := e.store.RaiseStatus(ctx, m.LocalID, status); err != nil {
			e.logger.Warn("raise inbound status", "local_id", m.LocalID, "err", err)
		}
		e.sendStatusAck(ctx, statusAck{
			localID:        m.LocalID,
			conversationID: m.ConversationID,
			serverID:       m.ServerID,
			agentID:        m.SenderID,
			status:         status,
		})
	}
	return true
}

// receiveStatusAck applies the other party's acknowledgment of a message we
// sent, releases any send waiting on it and confirms with an ack-of-ack.
func (e *Engine) receiveStatusAck(ctx context.Context, localID, conversationID, serverID string, status domain.MessageStatus) {
	msg, found, err := e.store.GetMessage(ctx, localID)
	if err != nil {
		e.logger.Error("load acked message", "local_id", localID, "err", err)
	}
	if found {
		if err := e.store.MarkSynced(ctx, localID, serverID); err != nil {
			e.logger.Error("mark acked message synced", "local_id", localID, "err", err)
		}
		changed, err := e.store.RaiseStatus(ctx, localID, status)
		if err != nil {
			e.logger.Error("raise acked status", "local_id", localID, "err", err)
		}
		if changed || msg.Pending {
			current, _, _ := e.store.GetMessage(ctx, localID)
			e.events.emit(MessageAck{
				LocalID:        localID,
				ConversationID: msg.ConversationID,
				ServerID:       current.ServerID,
				Status:         current.Status,
			})
		}
	}
	e.waiter.Resolve(envelope.KindDeliveryAck, localID)

	agentID := msg.ReceiverID
	if agentID == "" {
		if conv, ok, _ := e.store.GetConversation(ctx, conversationID); ok {
			agentID = conv.AgentID
		}
	}
	if agentID == "" {
		e.logger.Debug("no peer to confirm ack", "local_id", localID)
		return
	}
	e.publish(ctx, agentID, envelope.AckOfAck{LocalID: localID, ConversationID: conversationID})
}

type statusAck struct {
	localID        string
	conversationID string
	serverID       string
	agentID        string
	status         domain.MessageStatus
	// upgrade marks a later read of a message that was already acknowledged.
	upgrade bool
}

// sendStatusAck publishes a delivery or read acknowledgment and waits in the
// background for the ack-of-ack. Without one the status is queued remotely
// and locally.
func (e *Engine) sendStatusAck(ctx context.Context, ack statusAck) {
	fut := e.waiter.Expect(envelope.KindAckOfAck, ack.localID)
	if err := e.publish(ctx, ack.agentID, ack.envelope()); err != nil {
		fut.Cancel()
		e.queueStatusFallback(ctx, ack)
		return
	}
	started := e.goAsync(func(runCtx context.Context) {
		ok := fut.Await(runCtx, e.ackTimeout)
		e.metrics.acks.WithLabelValues(string(ack.envelope().Kind()), outcome(ok)).Inc()
		if !ok {
			e.queueStatusFallback(runCtx, ack)
		}
	})
	if !started {
		fut.Cancel()
		e.queueStatusFallback(ctx, ack)
	}
}

func (a statusAck) envelope() envelope.Envelope {
	if a.upgrade && a.status == domain.StatusRead {
		return envelope.ReadAck{LocalID: a.localID, ConversationID: a.conversationID}
	}
	return envelope.DeliveryAck{LocalID: a.localID, ConversationID: a.conversationID, ServerID: a.serverID, Status: a.status}
}

func (e *Engine) queueStatusFallback(ctx context.Context, ack statusAck) {
	wctx, cancel := detached(ctx)
	defer cancel()
	err := e.remote.QueueStatusSync(wctx, remote.StatusSync{
		LocalID:        ack.localID,
		ConversationID: ack.conversationID,
		Status:         ack.status,
		AckRole:        domain.RoleUser,
	})
	e.metrics.fallbacks.WithLabelValues("remote_status", result(err)).Inc()
	if err != nil {
		e.logger.Warn("queue status on remote", "local_id", ack.localID, "err", err)
	}
	if err := e.store.QueueStatusAck(wctx, domain.StatusAck{
		LocalID:        ack.localID,
		ConversationID: ack.conversationID,
		Status:         ack.status,
		AckAt:          time.Now(),
	}); err != nil {
		e.logger.Error("queue status locally", "local_id", ack.localID, "err", err)
	}
}

// publish encodes env and sends it to the agent's inbox. Failures are logged
// and returned.
func (e *Engine) publish(ctx context.Context, agentID string, env envelope.Envelope) error {
	data, err := envelope.Encode(env)
	if err != nil {
		e.logger.Error("encode envelope", "kind", env.Kind(), "err", err)
		return err
	}
	if err := e.transport.Publish(ctx, broadcast.InboxChannel(domain.RoleAgent, agentID), data); err != nil {
		e.logger.Warn("publish envelope", "kind", env.Kind(), "local_id", envelope.LocalID(env), "err", err)
		return err
	}
	return nil
}

func (e *Engine) ensureLocalConversation(ctx context.Context, conversationID, userID, agentID string) error {
	_, ok, err := e.store.GetConversation(ctx, conversationID)
	if err != nil || ok {
		return err
	}
	return e.store.UpsertConversation(ctx, domain.Conversation{ID: conversationID, UserID: userID, AgentID: agentID})
}

// inboundCopy prepares a message from elsewhere for the local store.
func inboundCopy(m domain.Message) domain.Message {
	m.Pending = false
	m.Status = domain.MaxStatus(m.Status, domain.StatusSent)
	m.DevicePath = ""
	m.UploadStatus = domain.UploadIdle
	if m.ContentType.IsFile() {
		m.Body = domain.StripDeviceURI(m.Body)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	return m
}

func peerOf(m domain.Message, userID string) string {
	if m.SenderRole == domain.RoleAgent {
		return m.SenderID
	}
	if m.ReceiverID != "" && m.ReceiverID != userID {
		return m.ReceiverID
	}
	return m.SenderID
}
