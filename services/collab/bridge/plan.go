// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bridge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/collabcore/services/collab/conflict"
	"github.com/AleutianAI/collabcore/services/collab/crdt"
	"github.com/AleutianAI/collabcore/services/collab/lsp"
)

// patch replaces runes [start, end) of the replica text with text.
type patch struct {
	start, end int
	text       string
}

// plan is the outcome of reconciling both sides against the synced base.
type plan struct {
	// merged is the text both sides hold after the commit.
	merged string

	// crdtText and lspText rebuild each side from the base. They must
	// match the snapshot.
	crdtText string
	lspText  string

	// patches turn crdtText into merged, in ascending order.
	patches []patch
}

// segment is a span of the base with the text each side holds for it.
type segment struct {
	start, end int
	crdt       string
	lsp        string
	merged     string
}

func lspConflictEdits(edits []lsp.BaseEdit) []conflict.Edit {
	out := make([]conflict.Edit, len(edits))
	for i, e := range edits {
		out[i] = conflict.Edit{Start: e.Start, End: e.End, Text: e.Text, FullReplace: e.Full}
	}
	return out
}

func crdtConflictEdits(edits []crdt.Edit) []conflict.Edit {
	out := make([]conflict.Edit, len(edits))
	for i, e := range edits {
		out[i] = conflict.Edit{Start: e.Start, End: e.End, Text: e.Text}
	}
	return out
}

// lineSpan widens [s, e) of base to whole lines. A zero-width span at a
// line start covers that line.
func lineSpan(base []rune, s, e int) (int, int) {
	for s > 0 && base[s-1] != '\n' {
		s--
	}
	j := max(e, s+1)
	for j < len(base) && base[j-1] != '\n' {
		j++
	}
	return s, min(j, len(base))
}

// absorbs reports whether edit e belongs to the region [s, end).
func absorbs(s, end int, e conflict.Edit) bool {
	if e.IsInsert() {
		return s <= e.Start && e.Start <= end
	}
	return e.Start < end && s < e.End
}

func within(rg conflict.Region, e conflict.Edit) bool {
	return e.Start >= rg.Start && e.End <= rg.End
}

// buildRegions turns conflicting ranges into line-aligned regions that
// fully contain every edit they touch.
func buildRegions(base []rune, ranges []conflict.Range, lspEdits, crdtEdits []conflict.Edit) []conflict.Region {
	if len(ranges) == 0 {
		return nil
	}
	type span struct{ s, e int }
	spans := make([]span, 0, len(ranges))
	for _, r := range ranges {
		s, e := lineSpan(base, r.Start, r.End)
		spans = append(spans, span{s, e})
	}
	all := append(append([]conflict.Edit(nil), lspEdits...), crdtEdits...)

	for changed := true; changed; {
		changed = false

		sort.Slice(spans, func(i, j int) bool { return spans[i].s < spans[j].s })
		merged := spans[:1]
		for _, sp := range spans[1:] {
			last := &merged[len(merged)-1]
			if sp.s <= last.e {
				last.e = max(last.e, sp.e)
				continue
			}
			merged = append(merged, sp)
		}
		spans = merged

		for i := range spans {
			for _, ed := range all {
				if !absorbs(spans[i].s, spans[i].e, ed) {
					continue
				}
				if ed.Start >= spans[i].s && ed.End <= spans[i].e {
					continue
				}
				spans[i].s, spans[i].e = lineSpan(base, min(spans[i].s, ed.Start), max(spans[i].e, ed.End))
				changed = true
			}
		}
	}

	regions := make([]conflict.Region, len(spans))
	for i, sp := range spans {
		rg := conflict.Region{
			Start: sp.s,
			End:   sp.e,
			Line:  1 + strings.Count(string(base[:sp.s]), "\n"),
			Base:  string(base[sp.s:sp.e]),
		}
		rg.LSP = applyWithin(base, rg, lspEdits)
		rg.CRDT = applyWithin(base, rg, crdtEdits)
		regions[i] = rg
	}
	return regions
}

// applyWithin rebuilds the region text with the edits it contains.
// Edits are sorted and non-overlapping.
func applyWithin(base []rune, rg conflict.Region, edits []conflict.Edit) string {
	var sb strings.Builder
	at := rg.Start
	for _, e := range edits {
		if !within(rg, e) {
			continue
		}
		sb.WriteString(string(base[at:e.Start]))
		sb.WriteString(e.Text)
		at = e.End
	}
	sb.WriteString(string(base[at:rg.End]))
	return sb.String()
}

// buildPlan lays every edit and resolved region over base and derives the
// merged text and the replica patches that produce it.
//
// Edits outside regions pass through from their side. resolved holds the
// text chosen for each region, index-aligned with regions.
func buildPlan(base []rune, lspEdits, crdtEdits []conflict.Edit, regions []conflict.Region, resolved []string) (plan, error) {
	if len(resolved) != len(regions) {
		return plan{}, fmt.Errorf("%d resolved texts for %d regions", len(resolved), len(regions))
	}
	inRegion := func(e conflict.Edit) bool {
		for _, rg := range regions {
			if within(rg, e) {
				return true
			}
		}
		return false
	}

	var segs []segment
	for _, e := range crdtEdits {
		if !inRegion(e) {
			segs = append(segs, segment{start: e.Start, end: e.End, crdt: e.Text, lsp: string(base[e.Start:e.End]), merged: e.Text})
		}
	}
	for _, e := range lspEdits {
		if !inRegion(e) {
			segs = append(segs, segment{start: e.Start, end: e.End, crdt: string(base[e.Start:e.End]), lsp: e.Text, merged: e.Text})
		}
	}
	for i, rg := range regions {
		segs = append(segs, segment{start: rg.Start, end: rg.End, crdt: rg.CRDT, lsp: rg.LSP, merged: resolved[i]})
	}
	sort.SliceStable(segs, func(i, j int) bool {
		if segs[i].start != segs[j].start {
			return segs[i].start < segs[j].start
		}
		return segs[i].start == segs[i].end && segs[j].start != segs[j].end
	})

	var (
		p                  plan
		crdtB, lspB, merge strings.Builder
		at, offset         int
	)
	for _, sg := range segs {
		if sg.start < at {
			return plan{}, fmt.Errorf("overlapping edits at base offset %d", sg.start)
		}
		gap := string(base[at:sg.start])
		crdtB.WriteString(gap)
		lspB.WriteString(gap)
		merge.WriteString(gap)
		offset += sg.start - at

		n := len([]rune(sg.crdt))
		if sg.crdt != sg.merged {
			p.patches = append(p.patches, patch{start: offset, end: offset + n, text: sg.merged})
		}
		crdtB.WriteString(sg.crdt)
		lspB.WriteString(sg.lsp)
		merge.WriteString(sg.merged)
		offset += n
		at = sg.end
	}
	tail := string(base[at:])
	crdtB.WriteString(tail)
	lspB.WriteString(tail)
	merge.WriteString(tail)

	p.crdtText = crdtB.String()
	p.lspText = lspB.String()
	p.merged = merge.String()
	return p, nil
}

// TranslateCRDTToLSP expresses the change from before to after as LSP
// change events against before.
//
// # Description
//
// The change is coalesced into a single ranged event covering everything
// between the common prefix and suffix. The LSP only needs the resulting
// text, so coalescing is safe, but the per-operation history is lost:
// when more than one operation contributed, confidence drops below 1 and
// a warning is attached.
func TranslateCRDTToLSP(before, after string, ops []crdt.Operation) CRDTTranslationResult {
	res := CRDTTranslationResult{TranslationConfidence: 1}
	if before == after {
		return res
	}

	b, a := []rune(before), []rune(after)
	p := 0
	for p < len(b) && p < len(a) && b[p] == a[p] {
		p++
	}
	s := 0
	for s < len(b)-p && s < len(a)-p && b[len(b)-1-s] == a[len(a)-1-s] {
		s++
	}

	rng := lsp.NewPositionConverter(before).RunesToRange(p, len(b)-s)
	res.LSPChanges = []lsp.TextDocumentContentChangeEvent{{
		Range: &rng,
		Text:  string(a[p : len(a)-s]),
	}}

	if n := len(ops); n > 1 {
		res.TranslationConfidence = max(0.5, 1-0.1*float64(n-1))
		res.Warnings = append(res.Warnings, fmt.Sprintf("coalesced %d operations into one change", n))
	}
	return res
}
