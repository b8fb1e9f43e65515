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
	"sort"
)

// DefaultHighOverlapFraction is the share of the base length above which
// an overlap is graded High.
const DefaultHighOverlapFraction = 0.25

// Detector finds overlaps between LSP-pending and CRDT edits.
type Detector struct {
	// HighOverlapFraction grades an overlap High when the overlapping runes
	// exceed this fraction of the base length.
	HighOverlapFraction float64
}

// NewDetector creates a detector. A non-positive fraction uses
// DefaultHighOverlapFraction.
func NewDetector(highOverlapFraction float64) Detector {
	if highOverlapFraction <= 0 {
		highOverlapFraction = DefaultHighOverlapFraction
	}
	return Detector{HighOverlapFraction: highOverlapFraction}
}

// Detect compares two sets of edits against a base of baseLen runes.
//
// # Description
//
// An LSP edit and a CRDT edit conflict when their spans share at least one
// rune, when one is an insertion strictly inside the other's span, or when
// both insert at the same point. A full replacement conflicts with any edit
// on the other side. Spans that only touch are reported as adjacent.
//
// # Outputs
//
//   - ConflictDetection: ranges are merged, sorted and expressed as the
//     union of each conflicting pair.
func (d Detector) Detect(lspEdits, crdtEdits []Edit, baseLen int) ConflictDetection {
	var (
		conflicts []Range
		adjacent  []Range
		full      bool
		overlap   int
	)

	for _, l := range lspEdits {
		for _, c := range crdtEdits {
			if l.FullReplace || c.FullReplace {
				full = true
				conflicts = append(conflicts, Range{Start: 0, End: baseLen})
				continue
			}
			switch {
			case intersects(l, c):
				conflicts = append(conflicts, union(l, c))
				if n := min(l.End, c.End) - max(l.Start, c.Start); n > overlap {
					overlap = n
				}
			case l.End == c.Start || c.End == l.Start:
				adjacent = append(adjacent, union(l, c))
			}
		}
	}

	out := ConflictDetection{
		ConflictRanges: mergeRanges(conflicts),
		AdjacentRanges: mergeRanges(adjacent),
		Severity:       SeverityLow,
	}
	out.HasConflict = len(out.ConflictRanges) > 0

	switch {
	case !out.HasConflict:
	case full:
		out.Severity = SeverityCritical
	case float64(overlap) > d.HighOverlapFraction*float64(baseLen):
		out.Severity = SeverityHigh
	default:
		out.Severity = SeverityMedium
	}
	return out
}

func intersects(a, b Edit) bool {
	switch {
	case a.IsInsert() && b.IsInsert():
		return a.Start == b.Start
	case a.IsInsert():
		return b.Start < a.Start && a.Start < b.End
	case b.IsInsert():
		return a.Start < b.Start && b.Start < a.End
	default:
		return max(a.Start, b.Start) < min(a.End, b.End)
	}
}

func union(a, b Edit) Range {
	return Range{Start: min(a.Start, b.Start), End: max(a.End, b.End)}
}

// mergeRanges sorts ranges and merges the ones that overlap or touch.
func mergeRanges(rs []Range) []Range {
	if len(rs) == 0 {
		return nil
	}
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Start != rs[j].Start {
			return rs[i].Start < rs[j].Start
		}
		return rs[i].End < rs[j].End
	})
	out := []Range{rs[0]}
	for _, r := range rs[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End {
			last.End = max(last.End, r.End)
			continue
		}
		out = append(out, r)
	}
	return out
}
