// Package engine keeps the on-device message log in step with the remote
// party. It sends over the broadcast transport, waits for acknowledgments and
// falls back to the remote store when none arrive.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"chatsync/pkg/ackwait"
	"chatsync/pkg/broadcast"
	"chatsync/pkg/domain"
	"chatsync/pkg/remote"
	"chatsync/pkg/storage"
	"chatsync/pkg/store"
	"chatsync/pkg/upload"
)

const defaultSyncConcurrency = 4

// Config wires the engine to its collaborators. Store, Remote and Transport
// are required. Uploads and Media are needed only for file messages.
type Config struct {
	Store     store.Store
	Remote    remote.Store
	Transport broadcast.Transport
	Uploads   *upload.Manager
	Media     *storage.MediaDir

	AckTimeout      time.Duration
	SyncConcurrency int
	Logger          *slog.Logger
	Registerer      prometheus.Registerer

	// PollInterval is how often the remote store is checked for messages
	// addressed to the user. Zero disables the watch.
	PollInterval time.Duration
}

// Engine is the message synchronization engine for one signed-in user.
type Engine struct {
	store     store.Store
	remote    remote.Store
	transport broadcast.Transport
	uploads   *upload.Manager
	media     *storage.MediaDir

	ackTimeout   time.Duration
	concurrency  int
	pollInterval time.Duration
	logger       *slog.Logger
	metrics      *metrics
	events       *notifier
	waiter       *ackwait.Waiter

	mu         sync.Mutex
	started    bool
	userID     string
	activeConv string
	sub        broadcast.Subscription
	runCtx     context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New validates cfg and returns a stopped engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: local store is required")
	}
	if cfg.Remote == nil {
		return nil, errors.New("engine: remote store is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("engine: transport is required")
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = ackwait.DefaultTimeout
	}
	if cfg.SyncConcurrency <= 0 {
		cfg.SyncConcurrency = defaultSyncConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:        cfg.Store,
		remote:       cfg.Remote,
		transport:    cfg.Transport,
		uploads:      cfg.Uploads,
		media:        cfg.Media,
		ackTimeout:   cfg.AckTimeout,
		concurrency:  cfg.SyncConcurrency,
		pollInterval: cfg.PollInterval,
		logger:       logger,
		metrics:      newMetrics(cfg.Registerer),
		events:       newNotifier(),
		waiter:       ackwait.New(),
	}, nil
}

// Subscribe registers fn for every engine event and returns a function that
// removes it. fn runs on engine goroutines and must not block.
func (e *Engine) Subscribe(fn func(Event)) func() {
	return e.events.subscribe(fn)
}

// Start subscribes to the user's inbox and runs a full reconciliation. The
// engine stays started when reconciliation fails; call Resync to retry.
func (e *Engine) Start(ctx context.Context, userID, activeConversationID string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("engine: user id is required")
	}
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.userID = userID
	e.activeConv = activeConversationID
	e.runCtx = runCtx
	e.cancel = cancel
	e.started = true
	e.mu.Unlock()

	sub, err := e.transport.Subscribe(runCtx, broadcast.InboxChannel(domain.RoleUser, userID), e.handlePayload)
	if err != nil {
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		cancel()
		return fmt.Errorf("subscribe inbox: %w", err)
	}
	e.mu.Lock()
	e.sub = sub
	e.mu.Unlock()
	e.logger.Info("engine started", "user_id", userID, "active_conversation_id", activeConversationID)

	if e.pollInterval > 0 {
		since := time.Now().UTC()
		e.goAsync(func(runCtx context.Context) {
			e.watchRemote(runCtx, userID, since)
		})
	}
	if err := e.reconcile(ctx); err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}
	return nil
}

// Stop unsubscribes and waits for outstanding acknowledgment waits. Waits
// cut short by Stop record their status for the next start.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	sub := e.sub
	cancel := e.cancel
	e.sub = nil
	e.mu.Unlock()

	cancel()
	if sub != nil {
		if err := sub.Close(); err != nil {
			e.logger.Warn("close inbox subscription", "err", err)
		}
	}
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

// Resync runs the reconciliation routine again, for example after the
// network comes back.
func (e *Engine) Resync(ctx context.Context) error {
	if _, ok := e.session(); !ok {
		return ErrNotStarted
	}
	return e.reconcile(ctx)
}

// UpdateActiveConversationID sets the conversation on screen. An empty id
// means none.
func (e *Engine) UpdateActiveConversationID(conversationID string) {
	e.mu.Lock()
	e.activeConv = conversationID
	e.mu.Unlock()
}

func (e *Engine) session() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userID, e.started
}

func (e *Engine) isActive(conversationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return conversationID != "" && e.activeConv == conversationID
}

// goAsync runs fn on an engine-owned goroutine that Stop waits for. It
// reports false when the engine is stopped.
func (e *Engine) goAsync(fn func(ctx context.Context)) bool {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return false
	}
	ctx := e.runCtx
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
	return true
}

// detached returns a short-lived context that survives cancellation of ctx,
// for writes that must land even while stopping.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}
