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
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/collabcore/pkg/logging"
	"github.com/AleutianAI/collabcore/services/collab/config"
)

// --- Global flags ---
var (
	configPath string
	logLevel   string
	logFormat  string
	logDir     string

	processLogger *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "collabsync",
		Short: "Keep LSP buffers and collaborative replicas in sync",
		Long: `collabsync bridges language-server document buffers with a
CRDT replica shared over a websocket relay.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(logLevel, logFormat, logDir)
			if err != nil {
				return err
			}
			processLogger = logger
			slog.SetDefault(logger.Logger)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if processLogger == nil {
				return nil
			}
			return processLogger.Close()
		},
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the bridge configuration",
	}
	configInitCmd = &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default bridge configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigInit,
	}
	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Validate and print the effective configuration",
		RunE:  runConfigShow,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "bridge configuration file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text or json")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "also append JSON logs to a daily file in this directory")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(serveCmd, lspCmd, simulateCmd, configCmd)
}

// newLogger builds the process logger. Logs go to stderr because the lsp
// command owns stdout.
func newLogger(level, format, dir string) (*logging.Logger, error) {
	lv, err := logging.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := logging.Config{Level: lv, LogDir: dir, Service: "collabsync"}
	switch strings.ToLower(format) {
	case "json":
		cfg.JSON = true
	case "text", "":
	default:
		return nil, fmt.Errorf("invalid --log-format %q", format)
	}
	return logging.New(cfg)
}

// loadConfig returns the file configuration, or the defaults when no
// --config was given.
func loadConfig() (config.BridgeConfig, error) {
	if configPath == "" {
		return config.DefaultBridgeConfig(), nil
	}
	return config.Load(configPath)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		path = "collabsync.yaml"
	}
	if err := config.WriteDefault(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), cfg)
}
