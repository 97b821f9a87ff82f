package broadcast

import (
	"context"
	"errors"

	"chatsync/pkg/domain"
)

// ErrClosed is returned by transports that have been closed.
var ErrClosed = errors.New("broadcast: transport closed")

// Handler receives one payload. A subscription calls its handler from a single
// goroutine, so payloads are handled one at a time.
type Handler func(ctx context.Context, payload []byte)

// Subscription stops delivery when closed.
type Subscription interface {
	Close() error
}

// Transport is a best-effort publish/subscribe channel. Delivery is not
// guaranteed and payloads may arrive more than once.
type Transport interface {
	Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error)
	Publish(ctx context.Context, channel string, payload []byte) error
	Close() error
}

// InboxChannel names the channel a party listens on.
func InboxChannel(role domain.SenderRole, id string) string {
	return "inbox:" + string(role) + ":" + id
}
