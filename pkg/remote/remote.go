package remote

import (
	"context"
	"errors"
	"time"

	"chatsync/pkg/domain"
)

// ErrInvalidMessage is returned for messages missing identity fields.
var ErrInvalidMessage = errors.New("remote: message requires local_id and conversation_id")

// StatusSync is a delivery status queued for the other party. AckRole is the
// role of the party that issued the acknowledgment.
type StatusSync struct {
	LocalID        string
	ConversationID string
	Status         domain.MessageStatus
	AckRole        domain.SenderRole
	AckAt          time.Time
}

// Store is the remote relational store shared by both parties.
type Store interface {
	// EnsureConversation creates the conversation if it does not exist yet.
	EnsureConversation(ctx context.Context, c domain.Conversation) error
	ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error)
	// InsertMessage persists m and returns its server id. Inserting a message
	// whose local_id is already stored returns the existing server id.
	InsertMessage(ctx context.Context, m domain.Message) (string, error)
	// ListMessagesSince returns messages created strictly after since, oldest
	// first. A zero since returns the whole history.
	ListMessagesSince(ctx context.Context, conversationID string, since time.Time) ([]domain.Message, error)
	// ListInsertedSince returns messages addressed to receiverID that reached
	// the store at or after since, in insertion order, and the insertion time
	// of the last one. Callers pass that time back in to continue.
	ListInsertedSince(ctx context.Context, receiverID string, since time.Time) ([]domain.Message, time.Time, error)
	QueueStatusSync(ctx context.Context, s StatusSync) error
	// TakeStatusSyncs removes and returns the queued statuses issued by ackRole.
	TakeStatusSyncs(ctx context.Context, conversationID string, ackRole domain.SenderRole) ([]StatusSync, error)
}
