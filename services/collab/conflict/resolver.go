// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("collabcore.conflict")

// AIResolver proposes a resolution for one conflicting region.
//
// Implementations must honor ctx cancellation.
type AIResolver interface {
	Resolve(ctx context.Context, req AIRequest) (AIResponse, error)
}

// ResolverConfig bounds automatic resolution.
type ResolverConfig struct {
	// MaxAttempts forces Manual once a document has failed to resolve this
	// many times in a row. Zero disables the cap.
	MaxAttempts int

	// AIEnabled gates StrategyAIResolution.
	AIEnabled bool

	// AITimeout bounds each AIResolver call.
	AITimeout time.Duration

	// AIMinConfidence rejects AI answers below it.
	AIMinConfidence float64

	// AIRequestsPerSecond rate limits AIResolver calls. Zero means unlimited.
	AIRequestsPerSecond float64
}

// DefaultResolverConfig returns production defaults.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		MaxAttempts:         3,
		AITimeout:           5 * time.Second,
		AIMinConfidence:     0.7,
		AIRequestsPerSecond: 2,
	}
}

// Request asks for the resolution of every conflicting region of one
// document in one sync pass.
type Request struct {
	URI      string
	Strategy Strategy

	// Attempts is the number of consecutive conflicting passes so far.
	Attempts int

	Regions []Region
}

// Outcome is the result of Resolve.
type Outcome struct {
	// Requested is the strategy asked for. Applied is the strategy that
	// produced Texts, or StrategyManual when resolution escalated.
	Requested Strategy
	Applied   Strategy

	// Texts holds the resolved text of each region, index-aligned with
	// Request.Regions. Nil when Manual.
	Texts []string

	// Confidence is 1 for deterministic strategies and the lowest AI
	// confidence for AIResolution.
	Confidence float64

	// Reason explains an escalation to Manual. It wraps
	// ErrConflictUnresolved.
	Reason error
}

// Manual reports whether the conflict needs an external decision.
func (o Outcome) Manual() bool {
	return o.Applied == StrategyManual
}

// Resolver applies a Strategy to conflicting regions.
//
// # Thread Safety
//
// Safe for concurrent use. The AIResolver is passed per call so callers
// can swap it without rebuilding the Resolver.
type Resolver struct {
	cfg     ResolverConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewResolver creates a resolver. A nil logger uses slog.Default().
func NewResolver(cfg ResolverConfig, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.AIRequestsPerSecond > 0 {
		limit = rate.Limit(cfg.AIRequestsPerSecond)
	}
	return &Resolver{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// Config returns the resolver configuration.
func (r *Resolver) Config() ResolverConfig {
	return r.cfg
}

// Resolve reconciles req.Regions with req.Strategy.
//
// # Description
//
// LSPWins and CollaborationWins pick one side. Merge runs Merge3 on every
// region. AIResolution asks ai for every region within AITimeout and the
// rate limit. Any failure, and any request at or beyond MaxAttempts,
// escalates to Manual. Resolve never returns partial results.
//
// # Inputs
//
//   - ctx: Cancels AI calls.
//   - req: Regions and strategy.
//   - ai: Consulted only for StrategyAIResolution. May be nil.
func (r *Resolver) Resolve(ctx context.Context, req Request, ai AIResolver) Outcome {
	ctx, span := tracer.Start(ctx, "conflict.Resolver.Resolve",
		trace.WithAttributes(
			attribute.String("document.uri", req.URI),
			attribute.String("conflict.strategy", string(req.Strategy)),
			attribute.Int("conflict.attempts", req.Attempts),
			attribute.Int("conflict.regions", len(req.Regions)),
		),
	)
	defer span.End()

	out := r.resolve(ctx, req, ai)
	span.SetAttributes(attribute.String("conflict.applied", string(out.Applied)))
	if out.Manual() {
		span.RecordError(out.Reason)
		span.SetStatus(codes.Error, "escalated to manual")
		r.logger.Info("conflict escalated to manual",
			slog.String("uri", req.URI),
			slog.String("strategy", string(req.Strategy)),
			slog.Int("attempts", req.Attempts),
			slog.String("reason", out.Reason.Error()))
	}
	return out
}

func (r *Resolver) resolve(ctx context.Context, req Request, ai AIResolver) Outcome {
	out := Outcome{Requested: req.Strategy, Applied: req.Strategy, Confidence: 1}
	manual := func(reason error) Outcome {
		out.Applied = StrategyManual
		out.Texts = nil
		out.Reason = fmt.Errorf("%w: %w", ErrConflictUnresolved, reason)
		return out
	}

	if r.cfg.MaxAttempts > 0 && req.Attempts >= r.cfg.MaxAttempts {
		return manual(fmt.Errorf("%d resolution attempts reached the cap of %d", req.Attempts, r.cfg.MaxAttempts))
	}

	texts := make([]string, len(req.Regions))
	switch req.Strategy {
	case StrategyLSPWins:
		for i, rg := range req.Regions {
			texts[i] = rg.LSP
		}

	case StrategyCollaborationWins:
		for i, rg := range req.Regions {
			texts[i] = rg.CRDT
		}

	case StrategyMerge:
		for i, rg := range req.Regions {
			merged, err := Merge3(rg.Base, rg.LSP, rg.CRDT)
			if err != nil {
				return manual(err)
			}
			texts[i] = merged
		}

	case StrategyAIResolution:
		if !r.cfg.AIEnabled || ai == nil {
			return manual(ErrAIDisabled)
		}
		lowest := math.Inf(1)
		for i, rg := range req.Regions {
			resp, err := r.askAI(ctx, req.URI, rg, ai)
			if err != nil {
				return manual(err)
			}
			texts[i] = resp.Text
			lowest = math.Min(lowest, resp.Confidence)
		}
		if len(req.Regions) > 0 {
			out.Confidence = lowest
		}

	case StrategyManual:
		return manual(errors.New("manual strategy configured"))

	default:
		return manual(fmt.Errorf("unknown strategy %q", req.Strategy))
	}

	out.Texts = texts
	return out
}

func (r *Resolver) askAI(ctx context.Context, uri string, rg Region, ai AIResolver) (AIResponse, error) {
	timeout := r.cfg.AITimeout
	if timeout <= 0 {
		timeout = DefaultResolverConfig().AITimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := r.limiter.Wait(ctx); err != nil {
		return AIResponse{}, fmt.Errorf("waiting for ai rate limit: %w", err)
	}

	resp, err := ai.Resolve(ctx, AIRequest{
		URI:     uri,
		Base:    rg.Base,
		Local:   rg.LSP,
		Remote:  rg.CRDT,
		Timeout: timeout,
	})
	if err != nil {
		return AIResponse{}, fmt.Errorf("ai resolver: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return AIResponse{}, fmt.Errorf("ai resolver: %w", err)
	}
	if resp.Confidence < r.cfg.AIMinConfidence {
		return AIResponse{}, fmt.Errorf("%w: %.2f < %.2f", ErrLowConfidence, resp.Confidence, r.cfg.AIMinConfidence)
	}
	return resp, nil
}
