// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates BridgeConfig.
//
// A config file is YAML layered over DefaultBridgeConfig, so a file only
// needs the keys it changes. Watcher reloads the file on change and hands
// every valid revision to a callback; invalid revisions are logged and
// skipped.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/collabcore/services/collab/conflict"
	"github.com/AleutianAI/collabcore/services/collab/lsp"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid bridge config")

// BridgeConfig tunes the sync bridge.
type BridgeConfig struct {
	// EnableAIConflictResolution gates the ai_resolution strategy.
	EnableAIConflictResolution bool `yaml:"enable_ai_conflict_resolution" json:"enable_ai_conflict_resolution"`

	// MaxSyncDelayMs bounds one sync pass. Expiry fails the pass with a
	// timeout and triggers the retry policy.
	MaxSyncDelayMs uint64 `yaml:"max_sync_delay_ms" json:"max_sync_delay_ms" validate:"gte=1,lte=600000"`

	// ConflictResolutionTimeoutMs bounds each AI resolver call.
	ConflictResolutionTimeoutMs uint64 `yaml:"conflict_resolution_timeout_ms" json:"conflict_resolution_timeout_ms" validate:"gte=1,lte=600000"`

	DiagnosticsSyncEnabled bool `yaml:"diagnostics_sync_enabled" json:"diagnostics_sync_enabled"`
	CodeActionsSyncEnabled bool `yaml:"code_actions_sync_enabled" json:"code_actions_sync_enabled"`
	CompletionSyncEnabled  bool `yaml:"completion_sync_enabled" json:"completion_sync_enabled"`
	HoverSyncEnabled       bool `yaml:"hover_sync_enabled" json:"hover_sync_enabled"`
	WorkspaceSyncEnabled   bool `yaml:"workspace_sync_enabled" json:"workspace_sync_enabled"`

	DefaultStrategy       conflict.Strategy `yaml:"default_strategy" json:"default_strategy" validate:"strategy"`
	MaxResolutionAttempts int               `yaml:"max_resolution_attempts" json:"max_resolution_attempts" validate:"gte=1,lte=100"`

	// MaxPendingChanges bounds the per-document LSP change queue.
	MaxPendingChanges int `yaml:"max_pending_changes" json:"max_pending_changes" validate:"gte=1,lte=100000"`

	// MaxSyncRetries bounds retries of a timed out sync before the
	// document is marked failed.
	MaxSyncRetries int `yaml:"max_sync_retries" json:"max_sync_retries" validate:"gte=0,lte=20"`

	HighOverlapFraction float64 `yaml:"high_overlap_fraction" json:"high_overlap_fraction" validate:"gt=0,lte=1"`
	AIMinConfidence     float64 `yaml:"ai_min_confidence" json:"ai_min_confidence" validate:"gte=0,lte=1"`
	AIRequestsPerSecond float64 `yaml:"ai_requests_per_second" json:"ai_requests_per_second" validate:"gte=0"`

	// MetricsWindow is the number of samples the performance monitor keeps
	// per session.
	MetricsWindow int `yaml:"metrics_window" json:"metrics_window" validate:"gte=1,lte=1000000"`
}

// DefaultBridgeConfig returns production defaults. Payload passthrough is
// on for diagnostics only.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		EnableAIConflictResolution:  false,
		MaxSyncDelayMs:              2000,
		ConflictResolutionTimeoutMs: 5000,
		DiagnosticsSyncEnabled:      true,
		DefaultStrategy:             conflict.StrategyMerge,
		MaxResolutionAttempts:       3,
		MaxPendingChanges:           256,
		MaxSyncRetries:              3,
		HighOverlapFraction:         conflict.DefaultHighOverlapFraction,
		AIMinConfidence:             0.7,
		AIRequestsPerSecond:         2,
		MetricsWindow:               1000,
	}
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	if err := validate.RegisterValidation("strategy", validStrategy); err != nil {
		panic(fmt.Sprintf("register strategy validation: %v", err))
	}
}

func validStrategy(fl validator.FieldLevel) bool {
	return conflict.Strategy(fl.Field().String()).Valid()
}

// Validate checks every field against its bounds.
func (c BridgeConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q (value %v)", ErrInvalidConfig, fe.Field(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// SyncDeadline is MaxSyncDelayMs as a duration.
func (c BridgeConfig) SyncDeadline() time.Duration {
	return time.Duration(c.MaxSyncDelayMs) * time.Millisecond
}

// ResolutionTimeout is ConflictResolutionTimeoutMs as a duration.
func (c BridgeConfig) ResolutionTimeout() time.Duration {
	return time.Duration(c.ConflictResolutionTimeoutMs) * time.Millisecond
}

// ResolverConfig derives the conflict resolver settings.
func (c BridgeConfig) ResolverConfig() conflict.ResolverConfig {
	return conflict.ResolverConfig{
		MaxAttempts:         c.MaxResolutionAttempts,
		AIEnabled:           c.EnableAIConflictResolution,
		AITimeout:           c.ResolutionTimeout(),
		AIMinConfidence:     c.AIMinConfidence,
		AIRequestsPerSecond: c.AIRequestsPerSecond,
	}
}

// PassthroughEnabled reports whether payloads of kind are forwarded.
func (c BridgeConfig) PassthroughEnabled(kind lsp.PayloadKind) bool {
	switch kind {
	case lsp.PayloadDiagnostics:
		return c.DiagnosticsSyncEnabled
	case lsp.PayloadCodeActions:
		return c.CodeActionsSyncEnabled
	case lsp.PayloadCompletion:
		return c.CompletionSyncEnabled
	case lsp.PayloadHover:
		return c.HoverSyncEnabled
	case lsp.PayloadWorkspace:
		return c.WorkspaceSyncEnabled
	default:
		return false
	}
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (BridgeConfig, error) {
	cfg := DefaultBridgeConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return BridgeConfig{}, fmt.Errorf("failed to parse bridge config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return BridgeConfig{}, err
	}
	return cfg, nil
}

// Load reads path. An empty path yields the defaults.
func Load(path string) (BridgeConfig, error) {
	if path == "" {
		return DefaultBridgeConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return BridgeConfig{}, fmt.Errorf("failed to read bridge config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return BridgeConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// WriteDefault writes the defaults to path, creating parent directories.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(DefaultBridgeConfig())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
