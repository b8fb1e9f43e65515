// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conflict detects and resolves overlaps between edits made in the
// LSP buffer and edits that arrived through the CRDT.
//
// Both sides are expressed as rune spans against the same base text: the
// content both surfaces agreed on at the last successful sync.
//
//	base ──► LSP pending edits  ─┐
//	                             ├─► Detector ─► Resolver ─► resolved text
//	base ──► CRDT edits since   ─┘
//
// Detection is pure. Resolution may call an AIResolver and is bounded by a
// timeout and a rate limiter.
package conflict

import (
	"errors"
	"time"
)

// Sentinel errors for conflict handling.
var (
	// ErrMergeConflict indicates a three-way merge found overlapping
	// non-identical changes.
	ErrMergeConflict = errors.New("merge conflict")

	// ErrConflictUnresolved indicates resolution escalated to Manual.
	ErrConflictUnresolved = errors.New("conflict unresolved")

	// ErrLowConfidence indicates an AI answer below the configured threshold.
	ErrLowConfidence = errors.New("ai resolution below confidence threshold")

	// ErrAIDisabled indicates AIResolution was requested without a resolver.
	ErrAIDisabled = errors.New("ai conflict resolution disabled")
)

// Edit replaces the runes [Start, End) of the base text with Text.
type Edit struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text"`

	// FullReplace marks a full document replacement.
	FullReplace bool `json:"full_replace,omitempty"`
}

// IsInsert reports whether the edit is zero width.
func (e Edit) IsInsert() bool {
	return e.Start == e.End
}

// Range is a rune span [Start, End) of the base text.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Severity grades a detection pass.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from Low (0) to Critical (3).
func (s Severity) Rank() int {
	switch s {
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// ConflictDetection is the result of one detection pass.
//
// HasConflict is true exactly when ConflictRanges is non-empty.
type ConflictDetection struct {
	HasConflict    bool     `json:"has_conflict"`
	ConflictRanges []Range  `json:"conflict_ranges"`
	Severity       Severity `json:"severity"`

	// AdjacentRanges lists touching but non-overlapping pairs. They never
	// make HasConflict true and are kept for audit.
	AdjacentRanges []Range `json:"adjacent_ranges,omitempty"`
}

// Strategy selects how a conflicting region is reconciled.
type Strategy string

const (
	StrategyLSPWins           Strategy = "lsp_wins"
	StrategyCollaborationWins Strategy = "collaboration_wins"
	StrategyMerge             Strategy = "merge"
	StrategyManual            Strategy = "manual"
	StrategyAIResolution      Strategy = "ai_resolution"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyLSPWins, StrategyCollaborationWins, StrategyMerge, StrategyManual, StrategyAIResolution:
		return true
	}
	return false
}

// Region is one conflicting cluster expanded to whole lines of the base.
type Region struct {
	// Start and End delimit the region in base runes.
	Start int `json:"start"`
	End   int `json:"end"`

	// Line is the 1-based base line the region starts on.
	Line int `json:"line"`

	// Base is the base text of the region. LSP and CRDT are the region as
	// each side has rewritten it.
	Base string `json:"base"`
	LSP  string `json:"lsp"`
	CRDT string `json:"crdt"`
}

// AIRequest is handed to an AIResolver for one region.
type AIRequest struct {
	URI     string        `json:"uri"`
	Base    string        `json:"base"`
	Local   string        `json:"local"`
	Remote  string        `json:"remote"`
	Timeout time.Duration `json:"-"`
}

// AIResponse is the resolver's proposal.
type AIResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}
