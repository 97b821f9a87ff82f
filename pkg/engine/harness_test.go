package engine

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"

	"chatsync/pkg/broadcast"
	"chatsync/pkg/domain"
	"chatsync/pkg/envelope"
	"chatsync/pkg/remote"
	"chatsync/pkg/storage"
	"chatsync/pkg/store"
	"chatsync/pkg/upload"
)

const (
	testUser  = "u1"
	testAgent = "a1"
	testConv  = "c1"
)

type harness struct {
	engine    *Engine
	store     *store.GormStore
	remote    *remote.GormRemote
	transport *broadcast.WatermillTransport
	blobs     *storage.MemoryStore
	mediaRoot string
	events    *eventLog
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	dir := t.TempDir()
	logger := quietLogger()

	local, err := store.NewGormStore(filepath.Join(dir, "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	// the remote watch reads while tests write
	rem, err := remote.NewGormRemote(sqlite.Open(filepath.Join(dir, "remote.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rem.Close() })

	transport := broadcast.NewGoChannelTransport(logger)
	t.Cleanup(func() { _ = transport.Close() })

	blobs := storage.NewMemoryStore("")
	srv := httptest.NewServer(blobs)
	t.Cleanup(srv.Close)
	blobs.SetBaseURL(srv.URL)

	mediaRoot := filepath.Join(dir, "media")
	media, err := storage.NewMediaDir(mediaRoot)
	require.NoError(t, err)

	cfg := Config{
		Store:      local,
		Remote:     rem,
		Transport:  transport,
		Uploads:    upload.NewManager(blobs, upload.Config{PartSize: 4, RetryDelay: time.Millisecond, Logger: logger}),
		Media:      media,
		AckTimeout: 150 * time.Millisecond,
		Logger:     logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	eng, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(eng.Stop)

	events := &eventLog{}
	eng.Subscribe(events.add)

	return &harness{
		engine:    eng,
		store:     local,
		remote:    rem,
		transport: transport,
		blobs:     blobs,
		mediaRoot: mediaRoot,
		events:    events,
	}
}

func (h *harness) start(t *testing.T, active string) {
	t.Helper()
	require.NoError(t, h.engine.Start(context.Background(), testUser, active))
}

func (h *harness) message(t *testing.T, localID string) domain.Message {
	t.Helper()
	m, ok, err := h.store.GetMessage(context.Background(), localID)
	require.NoError(t, err)
	require.True(t, ok, "message %s not stored", localID)
	return m
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func eventsOf[T Event](l *eventLog) []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []T
	for _, ev := range l.events {
		if typed, ok := ev.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}

// fakeAgent listens on the agent inbox and, when responsive, acknowledges
// like a well-behaved peer.
type fakeAgent struct {
	transport broadcast.Transport

	mu         sync.Mutex
	responsive bool
	messages   []domain.Message
	statusAcks []envelope.Envelope
	ackOfAcks  []string
}

func startAgent(t *testing.T, transport broadcast.Transport, responsive bool) *fakeAgent {
	t.Helper()
	a := &fakeAgent{transport: transport, responsive: responsive}
	sub, err := transport.Subscribe(context.Background(), broadcast.InboxChannel(domain.RoleAgent, testAgent), a.handle)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return a
}

func (a *fakeAgent) handle(ctx context.Context, payload []byte) {
	env, err := envelope.Decode(payload)
	if err != nil {
		return
	}
	a.mu.Lock()
	responsive := a.responsive
	switch ev := env.(type) {
	case envelope.Message:
		a.messages = append(a.messages, ev.Message)
	case envelope.DeliveryAck, envelope.ReadAck:
		a.statusAcks = append(a.statusAcks, env)
	case envelope.AckOfAck:
		a.ackOfAcks = append(a.ackOfAcks, ev.LocalID)
	}
	a.mu.Unlock()
	if !responsive {
		return
	}
	switch ev := env.(type) {
	case envelope.Message:
		a.send(ctx, envelope.DeliveryAck{LocalID: ev.Message.LocalID, ConversationID: ev.Message.ConversationID})
	case envelope.DeliveryAck:
		a.send(ctx, envelope.AckOfAck{LocalID: ev.LocalID, ConversationID: ev.ConversationID})
	case envelope.ReadAck:
		a.send(ctx, envelope.AckOfAck{LocalID: ev.LocalID, ConversationID: ev.ConversationID})
	}
}

func (a *fakeAgent) send(ctx context.Context, env envelope.Envelope) {
	data, err := envelope.Encode(env)
	if err != nil {
		return
	}
	_ = a.transport.Publish(ctx, broadcast.InboxChannel(domain.RoleUser, testUser), data)
}

func (a *fakeAgent) sendMessage(t *testing.T, m domain.Message) {
	t.Helper()
	data, err := envelope.Encode(envelope.Message{Message: m})
	require.NoError(t, err)
	require.NoError(t, a.transport.Publish(context.Background(), broadcast.InboxChannel(domain.RoleUser, testUser), data))
}

func (a *fakeAgent) received() (msgs []domain.Message, statusAcks []envelope.Envelope, ackOfAcks []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.Message(nil), a.messages...),
		append([]envelope.Envelope(nil), a.statusAcks...),
		append([]string(nil), a.ackOfAcks...)
}

func agentMessage(localID string, at time.Time) domain.Message {
	return domain.Message{
		LocalID:        localID,
		ConversationID: testConv,
		SenderRole:     domain.RoleAgent,
		SenderID:       testAgent,
		ReceiverID:     testUser,
		ContentType:    domain.ContentText,
		Body:           "from agent " + localID,
		CreatedAt:      at,
		Status:         domain.StatusSent,
	}
}

func userMessage(localID string) domain.Message {
	return domain.Message{
		LocalID:        localID,
		ConversationID: testConv,
		ReceiverID:     testAgent,
		ContentType:    domain.ContentText,
		Body:           "from user " + localID,
	}
}
