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
	"fmt"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// hunk replaces base lines [i1, i2) with lines.
type hunk struct {
	i1, i2 int
	lines  []string
	side   int
}

// Merge3 merges the line-level changes of ours and theirs relative to base.
//
// # Description
//
// Both sides are diffed against base line by line. Changes to disjoint
// line ranges are combined. Overlapping changes are accepted only when both
// sides made the identical change; otherwise ErrMergeConflict is returned.
//
// # Outputs
//
//   - string: merged text.
//   - error: ErrMergeConflict wrapped with the first conflicting line range.
func Merge3(base, ours, theirs string) (string, error) {
	if ours == theirs {
		return ours, nil
	}
	if ours == base {
		return theirs, nil
	}
	if theirs == base {
		return ours, nil
	}

	b := splitLines(base)
	hunks := append(lineHunks(b, splitLines(ours), 0), lineHunks(b, splitLines(theirs), 1)...)
	sort.SliceStable(hunks, func(i, j int) bool {
		if hunks[i].i1 != hunks[j].i1 {
			return hunks[i].i1 < hunks[j].i1
		}
		return hunks[i].side < hunks[j].side
	})

	var out strings.Builder
	cursor := 0
	for i := 0; i < len(hunks); {
		start, end := hunks[i].i1, hunks[i].i2
		j := i + 1
		for j < len(hunks) && overlaps(start, end, hunks[j]) {
			end = max(end, hunks[j].i2)
			j++
		}
		group := hunks[i:j]

		writeLines(&out, b[cursor:start])
		text, err := resolveGroup(b, start, end, group)
		if err != nil {
			return "", err
		}
		out.WriteString(text)
		cursor = end
		i = j
	}
	writeLines(&out, b[cursor:])
	return out.String(), nil
}

func overlaps(start, end int, h hunk) bool {
	if h.i1 < end {
		return true
	}
	// An insertion at the start of another change cannot be ordered
	// against it.
	return h.i1 == start && (start == end || h.i1 == h.i2)
}

// resolveGroup rebuilds base lines [start, end) once per side and accepts
// the result when only one side changed it or both agree.
func resolveGroup(base []string, start, end int, group []hunk) (string, error) {
	var texts [2]*string
	for side := 0; side < 2; side++ {
		var mine []hunk
		for _, h := range group {
			if h.side == side {
				mine = append(mine, h)
			}
		}
		if len(mine) == 0 {
			continue
		}
		var sb strings.Builder
		at := start
		for _, h := range mine {
			writeLines(&sb, base[at:h.i1])
			writeLines(&sb, h.lines)
			at = h.i2
		}
		writeLines(&sb, base[at:end])
		s := sb.String()
		texts[side] = &s
	}

	switch {
	case texts[0] == nil:
		return *texts[1], nil
	case texts[1] == nil:
		return *texts[0], nil
	case *texts[0] == *texts[1]:
		return *texts[0], nil
	default:
		return "", fmt.Errorf("%w: base lines %d-%d changed on both sides", ErrMergeConflict, start+1, end)
	}
}

func lineHunks(base, other []string, side int) []hunk {
	m := difflib.NewMatcher(base, other)
	var out []hunk
	for _, op := range m.GetOpCodes() {
		if op.Tag == 'e' {
			continue
		}
		out = append(out, hunk{i1: op.I1, i2: op.I2, lines: other[op.J1:op.J2], side: side})
	}
	return out
}

// splitLines splits s after each newline, keeping terminators so joining
// the pieces restores s exactly.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func writeLines(sb *strings.Builder, lines []string) {
	for _, l := range lines {
		sb.WriteString(l)
	}
}
