package main

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"chatsync/internal/config"
	"chatsync/internal/util"
	"chatsync/pkg/domain"
	"chatsync/pkg/engine"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "chatsync",
		Short:         "Offline-first chat message synchronization",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.ConfigPath, "path to config.yaml")
	rootCmd.AddCommand(newRunCommand(), newSendCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}

func loadApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := util.InitLogger(cfg.LogLevel)
	return newApp(cfg, logger)
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the engine and keep it in sync until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			unsubscribe := a.engine.Subscribe(func(ev engine.Event) {
				a.logger.Info("engine event", "event", ev.EventName(), "payload", ev)
			})
			defer unsubscribe()

			a.serve()
			if err := a.start(ctx); err != nil {
				// the inbox stays subscribed; a later resync can recover
				a.logger.Error("initial sync failed", "err", err)
			}
			<-ctx.Done()
			a.logger.Info("shutting down")
			return nil
		},
	}
}

func newSendCommand() *cobra.Command {
	var (
		conversationID string
		to             string
		text           string
		file           string
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one message and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.start(ctx); err != nil {
				a.logger.Warn("initial sync failed", "err", err)
			}
			sent, err := sendOne(ctx, a.engine, conversationID, to, text, file)
			if err != nil {
				return err
			}
			slog.Info("message sent",
				"local_id", sent.LocalID,
				"server_id", sent.ServerID,
				"status", sent.Status,
				"pending", sent.Pending,
			)
			fmt.Fprintln(cmd.OutOrStdout(), sent.LocalID)
			return nil
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id")
	cmd.Flags().StringVar(&to, "to", "", "agent id of the receiver")
	cmd.Flags().StringVar(&text, "text", "", "message text, or caption with --file")
	cmd.Flags().StringVar(&file, "file", "", "path of a file to attach")
	_ = cmd.MarkFlagRequired("conversation")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func sendOne(ctx context.Context, eng *engine.Engine, conversationID, to, text, file string) (domain.Message, error) {
	msg := domain.Message{
		ConversationID: conversationID,
		ReceiverID:     to,
		ContentType:    domain.ContentText,
		Body:           text,
	}
	if file == "" {
		return eng.SendMessage(ctx, msg, false)
	}
	msg.ContentType = domain.ContentDoc
	msg.MimeType = mime.TypeByExtension(filepath.Ext(file))
	if strings.HasPrefix(msg.MimeType, "image/") {
		msg.ContentType = domain.ContentImage
	}
	msg.DevicePath = file
	msg.Body = domain.FileBody{Caption: text}.String()
	return eng.SendFileMessage(ctx, msg, false)
}
