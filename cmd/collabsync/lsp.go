// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/collabcore/services/collab/airesolver"
	"github.com/AleutianAI/collabcore/services/collab/bridge"
	"github.com/AleutianAI/collabcore/services/collab/config"
	"github.com/AleutianAI/collabcore/services/collab/conflict"
	"github.com/AleutianAI/collabcore/services/collab/lsp"
	"github.com/AleutianAI/collabcore/services/collab/runtime"
	"github.com/AleutianAI/collabcore/services/collab/session"
	"github.com/AleutianAI/collabcore/services/collab/telemetry"
	"github.com/AleutianAI/collabcore/services/collab/transport"
)

var (
	relayURL   string
	lspSession string
	lspUser    string
	lspClient  string

	lspCmd = &cobra.Command{
		Use:   "lsp",
		Short: "Bridge an LSP stream on stdin/stdout into a relay session",
		Long: `lsp reads textDocument notifications from stdin, keeps the opened
document in sync with the session's other replicas through the relay,
and writes collaborative edits back to stdout as didChange notifications.`,
		Args: cobra.NoArgs,
		RunE: runLSP,
	}
)

func init() {
	lspCmd.Flags().StringVar(&relayURL, "relay", "ws://localhost:8765/ws", "relay websocket endpoint")
	lspCmd.Flags().StringVar(&lspSession, "session", "", "session to join")
	lspCmd.Flags().StringVar(&lspUser, "user", os.Getenv("USER"), "participant user id")
	lspCmd.Flags().StringVar(&lspClient, "client", "", "replica client id (generated when empty)")
	_ = lspCmd.MarkFlagRequired("session")
}

// MessageType values of window/showMessage.
const (
	messageError   = 1
	messageWarning = 2
	messageInfo    = 3
)

// editorSink logs bridge events and surfaces the ones needing a human in
// the editor.
type editorSink struct {
	stream *lsp.Stream
	logger *slog.Logger
}

func (s *editorSink) Emit(ev bridge.BridgeEvent) {
	s.logger.Info("bridge event",
		slog.String("kind", string(ev.Kind)),
		slog.String("uri", ev.URI),
		slog.String("status", string(ev.Status)),
		slog.String("message", ev.Message))

	var kind int
	switch ev.Kind {
	case bridge.EventConflictDetected:
		kind = messageWarning
	case bridge.EventSyncFailed, bridge.EventOutOfSync:
		kind = messageError
	case bridge.EventConflictResolved:
		kind = messageInfo
	default:
		return
	}
	msg := fmt.Sprintf("collabsync: %s on %s", ev.Kind, ev.URI)
	if ev.Message != "" {
		msg += ": " + ev.Message
	}
	if err := s.stream.Notify("window/showMessage", map[string]any{"type": kind, "message": msg}); err != nil {
		s.logger.Warn("showMessage failed", slog.String("error", err.Error()))
	}
}

// newAIResolver returns the OpenAI resolver when AI resolution is enabled
// and credentials are available.
func newAIResolver(cfg config.BridgeConfig, logger *slog.Logger) conflict.AIResolver {
	if !cfg.EnableAIConflictResolution {
		return nil
	}
	opts := airesolver.OptionsFromEnv()
	opts.Logger = logger
	ai, err := airesolver.New(opts)
	if err != nil {
		logger.Warn("ai conflict resolution disabled", slog.String("error", err.Error()))
		return nil
	}
	return ai
}

func runLSP(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := slog.Default()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	tcfg := telemetryConfig()
	if metricExporter == "" {
		// Nothing scrapes a stdio process.
		tcfg.MetricExporter = telemetry.ExporterNone
	}
	shutdownTelemetry, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTelemetry(sctx)
	}()

	if lspClient == "" {
		lspClient = session.NewClientID()
	}
	if lspUser == "" {
		lspUser = lspClient
	}
	logger = logger.With(slog.String("session", lspSession), slog.String("client", lspClient))

	relay, err := transport.Dial(ctx, relayURL, transport.Identity{
		SessionID: lspSession,
		UserID:    lspUser,
		ClientID:  lspClient,
	}, logger)
	if err != nil {
		return err
	}
	defer relay.Close()

	stream := lsp.NewStream(os.Stdin, os.Stdout)
	defer stream.Close()

	rt, err := runtime.New(runtime.Options{
		UserID:     lspUser,
		ClientID:   lspClient,
		Config:     cfg,
		Transport:  relay,
		AI:         newAIResolver(cfg, logger),
		LSP:        stream,
		Events:     &editorSink{stream: stream, logger: logger},
		Registerer: prometheus.DefaultRegisterer,
		AutoSync:   true,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	if configPath != "" {
		w, err := config.NewWatcher(configPath, logger)
		if err != nil {
			return err
		}
		go func() {
			_ = w.Run(ctx, func(next config.BridgeConfig) {
				if err := rt.Bridge().SetConfig(next); err != nil {
					logger.Warn("rejected config revision", slog.String("error", err.Error()))
				}
			})
		}()
	}

	go func() {
		select {
		case <-relay.Done():
			logger.Warn("relay connection closed")
			stop()
		case <-ctx.Done():
		}
	}()

	err = stream.Serve(ctx, rt.LSPHandler(lspSession), func(method string, err error) {
		logger.Warn("lsp notification failed", slog.String("method", method), slog.String("error", err.Error()))
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
