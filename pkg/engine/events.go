package engine

import (
	"sync"

	"chatsync/pkg/domain"
)

// Event is something the engine reports to its subscribers.
type Event interface {
	EventName() string
}

// OutgoingMessage is emitted after a message is stored locally for sending.
type OutgoingMessage struct {
	Message domain.Message
}

// IncomingMessage is emitted for each newly stored message from the remote party.
type IncomingMessage struct {
	Message domain.Message
}

// MessageAck is emitted when a sent message is confirmed, by the other party
// or by the remote store.
type MessageAck struct {
	LocalID        string
	ConversationID string
	ServerID       string
	Status         domain.MessageStatus
}

// UploadProgress reports attachment upload progress: 0 at start, 1-99 while
// sending, 100 when done and -1 on failure.
type UploadProgress struct {
	LocalID  string
	Progress int
}

// FileDownload reports a change in an attachment download.
type FileDownload struct {
	LocalID      string
	Body         string
	UploadStatus domain.UploadStatus
}

// StatusSync is emitted when queued statuses from the other party are applied.
type StatusSync struct {
	ConversationID string
	Status         domain.MessageStatus
	MessageIDs     []string
}

// ConversationsUpdated is emitted after a reconciliation pass.
type ConversationsUpdated struct {
	ConversationIDs []string
}

func (OutgoingMessage) EventName() string      { return "message:outgoing" }
func (IncomingMessage) EventName() string      { return "message:incoming" }
func (MessageAck) EventName() string           { return "message:ack" }
func (UploadProgress) EventName() string       { return "upload:progress" }
func (FileDownload) EventName() string         { return "file:download" }
func (StatusSync) EventName() string           { return "status:sync" }
func (ConversationsUpdated) EventName() string { return "conversations:updated" }

// notifier fans events out to subscribers. Handlers run synchronously on the
// emitting goroutine and must not block.
type notifier struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[int]func(Event))}
}

func (n *notifier) subscribe(fn func(Event)) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = fn
	n.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}
}

func (n *notifier) emit(ev Event) {
	n.mu.RLock()
	handlers := make([]func(Event), 0, len(n.subs))
	for _, fn := range n.subs {
		handlers = append(handlers, fn)
	}
	n.mu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}
