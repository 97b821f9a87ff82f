package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatsync/internal/config"
	"chatsync/internal/util"
	"chatsync/pkg/broadcast"
	"chatsync/pkg/engine"
	"chatsync/pkg/remote"
	"chatsync/pkg/storage"
	"chatsync/pkg/store"
	"chatsync/pkg/upload"
)

// app owns the engine and everything it was wired to.
type app struct {
	cfg     config.FileConfig
	logger  *slog.Logger
	engine  *engine.Engine
	server  *http.Server
	closers []func() error
}

func newApp(cfg config.FileConfig, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	local, err := store.NewGormStore(cfg.LocalDatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	a.closers = append(a.closers, local.Close)

	rem, err := remote.OpenPostgres(cfg.RemoteDatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open remote store: %w", err)
	}
	a.closers = append(a.closers, rem.Close)

	transport, err := openTransport(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, transport.Close)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	var endpoint upload.Endpoint
	if cfg.ObjectStore.Endpoint != "" {
		minioStore, err := storage.NewMinioStore(cfg.ObjectStore.Endpoint, cfg.ObjectStore.AccessKey, cfg.ObjectStore.SecretKey, cfg.ObjectStore.Bucket, cfg.ObjectStore.UseSSL)
		if err != nil {
			return nil, fmt.Errorf("open object store: %w", err)
		}
		endpoint = minioStore
	} else {
		blobs := storage.NewMemoryStore(httpBaseURL(cfg.MetricsAddr))
		mux.Handle("/files/", blobs)
		endpoint = blobs
		logger.Warn("no object store configured, attachments kept in memory")
	}

	media, err := storage.NewMediaDir(cfg.MediaDir)
	if err != nil {
		return nil, fmt.Errorf("open media dir: %w", err)
	}

	eng, err := engine.New(engine.Config{
		Store:     local,
		Remote:    rem,
		Transport: transport,
		Uploads: upload.NewManager(endpoint, upload.Config{
			PartSize: cfg.UploadPartSize(),
			URLTTL:   cfg.DownloadURLTTL(),
			Logger:   logger,
		}),
		Media:           media,
		AckTimeout:      cfg.AckTimeout(),
		SyncConcurrency: cfg.SyncConcurrency,
		Logger:          logger,
		Registerer:      registry,
		PollInterval:    cfg.RemotePollInterval(),
	})
	if err != nil {
		return nil, err
	}
	a.engine = eng

	if cfg.MetricsAddr != "" {
		a.server = &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      util.WithRequestLog(logger, mux),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}
	ok = true
	return a, nil
}

func openTransport(cfg config.FileConfig, logger *slog.Logger) (broadcast.Transport, error) {
	switch cfg.Transport {
	case config.TransportRedis:
		t, err := broadcast.NewRedisTransport(broadcast.RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}, logger)
		if err != nil {
			return nil, fmt.Errorf("open redis transport: %w", err)
		}
		return t, nil
	case config.TransportRedisStream:
		t, err := broadcast.NewRedisStreamTransport(broadcast.RedisStreamConfig{
			Addr:          cfg.RedisAddr,
			Password:      cfg.RedisPassword,
			ConsumerGroup: "device-" + cfg.UserID,
			Consumer:      cfg.UserID,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open redis stream transport: %w", err)
		}
		return t, nil
	case config.TransportAMQP:
		t, err := broadcast.NewAMQPTransport(broadcast.AMQPConfig{URL: cfg.AMQPURL}, logger)
		if err != nil {
			return nil, fmt.Errorf("open amqp transport: %w", err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// serve starts the metrics listener when one is configured.
func (a *app) serve() {
	if a.server == nil {
		return
	}
	go func() {
		a.logger.Info("metrics listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "err", err)
		}
	}()
}

func (a *app) start(ctx context.Context) error {
	return a.engine.Start(ctx, a.cfg.UserID, a.cfg.ActiveConversationID)
}

func (a *app) close() {
	if a.engine != nil {
		a.engine.Stop()
	}
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.server.Shutdown(ctx)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close resource", "err", err)
		}
	}
	a.closers = nil
}

func httpBaseURL(addr string) string {
	if addr == "" {
		return ""
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}
