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
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/collabcore/services/collab/session"
	"github.com/AleutianAI/collabcore/services/collab/telemetry"
	"github.com/AleutianAI/collabcore/services/collab/transport"
)

const (
	serviceName     = "collabsync"
	shutdownTimeout = 5 * time.Second
	reapInterval    = time.Minute
)

var (
	listenAddr     string
	historyLimit   int
	traceExporter  string
	metricExporter string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket relay that fans operations out to a session",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
)

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", ":8765", "address to listen on")
	serveCmd.Flags().IntVar(&historyLimit, "history", transport.DefaultHistoryLimit, "operations replayed to late joiners, per session")
	rootCmd.PersistentFlags().StringVar(&traceExporter, "trace-exporter", "", "trace exporter: otlp, stdout or none (default from OTEL_TRACES_EXPORTER)")
	rootCmd.PersistentFlags().StringVar(&metricExporter, "metric-exporter", "", "metric exporter: prometheus, stdout or none (default from OTEL_METRICS_EXPORTER)")
}

func telemetryConfig() telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if traceExporter != "" {
		cfg.TraceExporter = traceExporter
	}
	if metricExporter != "" {
		cfg.MetricExporter = metricExporter
	}
	return cfg
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := slog.Default()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetryConfig())
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	sessions := session.NewManager(logger)
	hub := transport.NewWSHub(sessions, transport.HubOptions{HistoryLimit: historyLimit, Logger: logger})

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           newRouter(hub, sessions, metricsHandler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", slog.String("addr", listenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	go reapSessions(ctx, sessions, hub, logger)

	select {
	case err := <-errCh:
		return fmt.Errorf("relay server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down relay")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

// metricsHandler prefers the OpenTelemetry Prometheus exporter's handler
// and falls back to the default registry.
func metricsHandler() http.Handler {
	if h := telemetry.MetricsHandler(); h != nil {
		return h
	}
	return promhttp.Handler()
}

// reapSessions drops sessions nobody has been connected to since the last
// tick, along with their relay history.
func reapSessions(ctx context.Context, sessions *session.Manager, hub *transport.WSHub, logger *slog.Logger) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range sessions.Sessions() {
				if p, ok := sessions.GetSessionParticipants(id); ok && len(p) == 0 && hub.Connections(id) == 0 {
					hub.Forget(id)
				}
			}
			if n := sessions.ReapEmpty(); n > 0 {
				logger.Info("reaped empty sessions", slog.Int("count", n))
			}
		}
	}
}

type sessionView struct {
	session.Session
	Connections int `json:"connections"`
	History     int `json:"history"`
}

type createSessionRequest struct {
	SessionID  string `json:"session_id"`
	DocumentID string `json:"document_id" binding:"required"`
}

// newRouter wires the relay routes.
func newRouter(hub *transport.WSHub, sessions *session.Manager, metrics http.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(serviceName))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": len(sessions.Sessions())})
	})
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
	r.GET("/ws", hub.Handle)

	view := func(s session.Session) sessionView {
		return sessionView{Session: s, Connections: hub.Connections(s.ID), History: hub.HistoryLen(s.ID)}
	}

	r.GET("/sessions", func(c *gin.Context) {
		out := []sessionView{}
		for _, id := range sessions.Sessions() {
			if s, ok := sessions.Session(id); ok {
				out = append(out, view(s))
			}
		}
		c.JSON(http.StatusOK, out)
	})

	r.GET("/sessions/:id", func(c *gin.Context) {
		s, ok := sessions.Session(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": session.ErrSessionNotFound.Error()})
			return
		}
		c.JSON(http.StatusOK, view(s))
	})

	r.POST("/sessions", func(c *gin.Context) {
		var req createSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.SessionID == "" {
			req.SessionID = session.NewSessionID()
		}
		err := sessions.CreateSession(req.SessionID, req.DocumentID)
		switch {
		case errors.Is(err, session.ErrSessionExists):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		case err != nil:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s, _ := sessions.Session(req.SessionID)
		c.JSON(http.StatusCreated, view(s))
	})

	return r
}
