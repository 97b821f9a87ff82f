package store

import (
	"context"
	"errors"
	"time"

	"chatsync/pkg/domain"
)

// ErrEmptyUpdate is returned when an update names no columns.
var ErrEmptyUpdate = errors.New("store: update has no fields")

// Store defines on-device persistence for conversations, messages, read
// watermarks, and queued status acknowledgments.
type Store interface {
	// conversations
	UpsertConversation(ctx context.Context, c domain.Conversation) error
	GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error)
	ListConversationOverviews(ctx context.Context, userID string, limit, offset int) ([]domain.ConversationOverview, error)

	// messages
	InsertMessage(ctx context.Context, m domain.Message) (bool, error)
	MessageExists(ctx context.Context, serverID, localID string) (bool, error)
	GetMessage(ctx context.Context, localID string) (domain.Message, bool, error)
	ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]domain.Message, error)
	UpdateMessage(ctx context.Context, localID string, upd MessageUpdate) error
	RaiseStatus(ctx context.Context, localID string, status domain.MessageStatus) (bool, error)
	MarkSynced(ctx context.Context, localID, serverID string) error
	PendingMessages(ctx context.Context) ([]domain.Message, error)
	LastKnownMessageTime(ctx context.Context, conversationID string) (time.Time, bool, error)
	UnreadAgentMessages(ctx context.Context, conversationID string, since time.Time) ([]domain.Message, error)

	// read state
	MarkConversationRead(ctx context.Context, conversationID string, at time.Time) error
	LastReadAt(ctx context.Context, conversationID string) (time.Time, bool, error)

	// queued status acknowledgments
	QueueStatusAck(ctx context.Context, ack domain.StatusAck) error
	QueuedStatusAcks(ctx context.Context, conversationID string) ([]domain.StatusAck, error)
	DeleteQueuedStatusAck(ctx context.Context, localID string) error
	ClearQueuedStatusAcks(ctx context.Context, conversationID string) error

	Close() error
}
