// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"fmt"
	"sort"
)

// BaseEdit replaces the runes [Start, End) of a base text with Text.
type BaseEdit struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text"`

	// Full is set when the edit came from a full document replacement.
	Full bool `json:"full,omitempty"`
}

// ApplyChanges applies change events in order and returns the new text.
func ApplyChanges(text string, changes []TextDocumentContentChangeEvent) (string, error) {
	for i, ch := range changes {
		if ch.IsFull() {
			text = ch.Text
			continue
		}
		pc := NewPositionConverter(text)
		start, end, err := pc.RangeToRunes(*ch.Range)
		if err != nil {
			return "", fmt.Errorf("change %d: %w", i, err)
		}
		cur := []rune(text)
		text = string(cur[:start]) + ch.Text + string(cur[end:])
	}
	return text, nil
}

// CollapseChanges folds sequential change events into sorted,
// non-overlapping edits against base.
//
// Description:
//
//	Every event is expressed against the text produced by the previous
//	ones. Collapsing rewrites them against base so they can be compared
//	with edits from another source. Events that touch or overlap an
//	earlier edit are merged into it. Edits that end up restoring the base
//	text are dropped.
//
// Outputs:
//
//	[]BaseEdit - Edits sorted by Start.
//	string - The text after all events.
//	error - ErrInvalidRange if an event does not fit its text.
func CollapseChanges(base string, changes []TextDocumentContentChangeEvent) ([]BaseEdit, string, error) {
	baseRunes := []rune(base)
	cur := baseRunes
	var edits []BaseEdit

	for i, ch := range changes {
		if ch.IsFull() {
			edits = []BaseEdit{{Start: 0, End: len(baseRunes), Text: ch.Text, Full: true}}
			cur = []rune(ch.Text)
			continue
		}

		pc := NewPositionConverter(string(cur))
		s, e, err := pc.RangeToRunes(*ch.Range)
		if err != nil {
			return nil, "", fmt.Errorf("change %d: %w", i, err)
		}
		edits = fold(edits, cur, s, e, ch.Text)

		next := make([]rune, 0, len(cur)-(e-s)+len(ch.Text))
		next = append(next, cur[:s]...)
		next = append(next, []rune(ch.Text)...)
		next = append(next, cur[e:]...)
		cur = next
	}

	kept := edits[:0]
	for _, ed := range edits {
		if !ed.Full && string(baseRunes[ed.Start:ed.End]) == ed.Text {
			continue
		}
		kept = append(kept, ed)
	}
	return kept, string(cur), nil
}

// fold merges the replacement of [s, e) in cur with text into edits.
// cur is base with edits applied.
func fold(edits []BaseEdit, cur []rune, s, e int, text string) []BaseEdit {
	type span struct{ start, end, delta int }
	spans := make([]span, len(edits))
	delta := 0
	for i, ed := range edits {
		start := ed.Start + delta
		n := len([]rune(ed.Text))
		spans[i] = span{start: start, end: start + n, delta: delta}
		delta += n - (ed.End - ed.Start)
	}

	first, last := -1, -1
	for i, sp := range spans {
		if sp.start <= e && s <= sp.end {
			if first < 0 {
				first = i
			}
			last = i
		}
	}

	if first < 0 {
		before := 0
		for i, sp := range spans {
			if sp.end <= s {
				before = spans[i].delta + len([]rune(edits[i].Text)) - (edits[i].End - edits[i].Start)
			}
		}
		ed := BaseEdit{Start: s - before, End: e - before, Text: text}
		out := append(edits, ed)
		sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
		return out
	}

	lo, hi := spans[first], spans[last]
	regionStart := min(s, lo.start)
	regionEnd := max(e, hi.end)

	merged := BaseEdit{
		Start: edits[first].Start,
		End:   edits[last].End,
		Text:  string(cur[regionStart:s]) + text + string(cur[e:regionEnd]),
	}
	if s < lo.start {
		merged.Start = s - lo.delta
	}
	if after := hi.delta + len([]rune(edits[last].Text)) - (edits[last].End - edits[last].Start); e > hi.end {
		merged.End = e - after
	}
	for _, ed := range edits[first : last+1] {
		merged.Full = merged.Full || ed.Full
	}

	out := make([]BaseEdit, 0, len(edits)-(last-first))
	out = append(out, edits[:first]...)
	out = append(out, merged)
	out = append(out, edits[last+1:]...)
	return out
}
