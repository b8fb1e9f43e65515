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
	"testing"

	"github.com/AleutianAI/collabcore/services/collab/conflict"
	"github.com/AleutianAI/collabcore/services/collab/crdt"
	"github.com/AleutianAI/collabcore/services/collab/lsp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineSpan(t *testing.T) {
	base := []rune("a\nb\nc\n")
	tests := []struct {
		name       string
		s, e       int
		wantS, end int
	}{
		{"insert at line start covers the line", 2, 2, 2, 4},
		{"span inside one line", 2, 3, 2, 4},
		{"span across lines", 0, 3, 0, 4},
		{"span ending at a line boundary", 0, 4, 0, 4},
		{"insert at end of text", 6, 6, 6, 6},
		{"middle of last line", 5, 5, 4, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, e := lineSpan(base, tt.s, tt.e)
			assert.Equal(t, tt.wantS, s)
			assert.Equal(t, tt.end, e)
		})
	}

	s, e := lineSpan(nil, 0, 0)
	assert.Equal(t, 0, s)
	assert.Equal(t, 0, e)
}

func TestBuildRegions_AbsorbsTouchingEdits(t *testing.T) {
	base := []rune("a\nb\nc\n")
	lspEdits := []conflict.Edit{{Start: 0, End: 3, Text: "A\nb"}}
	crdtEdits := []conflict.Edit{{Start: 2, End: 2, Text: "X"}, {Start: 5, End: 5, Text: "!"}}

	regions := buildRegions(base, []conflict.Range{{Start: 0, End: 3}}, lspEdits, crdtEdits)
	require.Len(t, regions, 1)
	rg := regions[0]
	assert.Equal(t, 0, rg.Start)
	assert.Equal(t, 4, rg.End)
	assert.Equal(t, 1, rg.Line)
	assert.Equal(t, "a\nb\n", rg.Base)
	assert.Equal(t, "A\nb\n", rg.LSP)
	assert.Equal(t, "a\nXb\n", rg.CRDT)
}

func TestBuildRegions_GrowsToCoverPartialEdits(t *testing.T) {
	base := []rune("one\ntwo\nthree\n")
	// The CRDT deletion spans lines two and three, so the region covering
	// line two must grow to include line three.
	lspEdits := []conflict.Edit{{Start: 4, End: 7, Text: "TWO"}}
	crdtEdits := []conflict.Edit{{Start: 5, End: 10, Text: ""}}

	regions := buildRegions(base, []conflict.Range{{Start: 4, End: 7}}, lspEdits, crdtEdits)
	require.Len(t, regions, 1)
	assert.Equal(t, 4, regions[0].Start)
	assert.Equal(t, 14, regions[0].End)
	assert.Equal(t, 2, regions[0].Line)
	assert.Equal(t, "TWO\nthree\n", regions[0].LSP)
	assert.Equal(t, "tree\n", regions[0].CRDT)
}

func TestBuildPlan_DisjointEdits(t *testing.T) {
	base := []rune("hello world")
	lspEdits := []conflict.Edit{{Start: 0, End: 5, Text: "HELLO"}}
	crdtEdits := []conflict.Edit{{Start: 6, End: 11, Text: "there"}}

	p, err := buildPlan(base, lspEdits, crdtEdits, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "HELLO there", p.merged)
	assert.Equal(t, "hello there", p.crdtText)
	assert.Equal(t, "HELLO world", p.lspText)
	assert.Equal(t, []patch{{start: 0, end: 5, text: "HELLO"}}, p.patches)
}

func TestBuildPlan_InsertBeforeAdjacentSpan(t *testing.T) {
	base := []rune("abcdef")
	lspEdits := []conflict.Edit{{Start: 2, End: 4, Text: "XY"}}
	crdtEdits := []conflict.Edit{{Start: 2, End: 2, Text: "+"}}

	p, err := buildPlan(base, lspEdits, crdtEdits, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "ab+XYef", p.merged)
	assert.Equal(t, "ab+cdef", p.crdtText)
	assert.Equal(t, "abXYef", p.lspText)
	assert.Equal(t, []patch{{start: 3, end: 5, text: "XY"}}, p.patches)
}

func TestBuildPlan_ResolvedRegion(t *testing.T) {
	base := []rune("Hello World")
	lspEdits := []conflict.Edit{{Start: 0, End: 5, Text: "Howdy"}}
	crdtEdits := []conflict.Edit{{Start: 0, End: 5, Text: " Beautiful"}}
	regions := buildRegions(base, []conflict.Range{{Start: 0, End: 5}}, lspEdits, crdtEdits)

	p, err := buildPlan(base, lspEdits, crdtEdits, regions, []string{"Howdy World"})
	require.NoError(t, err)
	assert.Equal(t, "Howdy World", p.merged)
	assert.Equal(t, " Beautiful World", p.crdtText)
	assert.Equal(t, []patch{{start: 0, end: 16, text: "Howdy World"}}, p.patches)

	_, err = buildPlan(base, lspEdits, crdtEdits, regions, nil)
	assert.Error(t, err)
}

func TestTranslateCRDTToLSP(t *testing.T) {
	op := crdt.Operation{ID: "a:1"}

	t.Run("no change", func(t *testing.T) {
		res := TranslateCRDTToLSP("same", "same", []crdt.Operation{op})
		assert.Empty(t, res.LSPChanges)
		assert.Equal(t, 1.0, res.TranslationConfidence)
		assert.Empty(t, res.Warnings)
	})

	t.Run("single operation", func(t *testing.T) {
		res := TranslateCRDTToLSP("A\nb\nc\n", "A\nXb\nc\n", []crdt.Operation{op})
		require.Len(t, res.LSPChanges, 1)
		ch := res.LSPChanges[0]
		require.NotNil(t, ch.Range)
		assert.Equal(t, lsp.Range{Start: lsp.Position{Line: 1}, End: lsp.Position{Line: 1}}, *ch.Range)
		assert.Equal(t, "X", ch.Text)
		assert.Equal(t, 1.0, res.TranslationConfidence)
		assert.Empty(t, res.Warnings)

		out, err := lsp.ApplyChanges("A\nb\nc\n", res.LSPChanges)
		require.NoError(t, err)
		assert.Equal(t, "A\nXb\nc\n", out)
	})

	t.Run("coalesced operations", func(t *testing.T) {
		ops := []crdt.Operation{op, op, op}
		res := TranslateCRDTToLSP("Hello World", "Howdy World", ops)
		require.Len(t, res.LSPChanges, 1)
		assert.Equal(t, "owdy", res.LSPChanges[0].Text)
		assert.InDelta(t, 0.8, res.TranslationConfidence, 1e-9)
		assert.Less(t, res.TranslationConfidence, 1.0)
		assert.Len(t, res.Warnings, 1)
	})

	t.Run("confidence floor", func(t *testing.T) {
		res := TranslateCRDTToLSP("a", "b", make([]crdt.Operation, 20))
		assert.Equal(t, 0.5, res.TranslationConfidence)
	})

	t.Run("utf16 positions", func(t *testing.T) {
		res := TranslateCRDTToLSP("😀a", "😀b", nil)
		require.Len(t, res.LSPChanges, 1)
		assert.Equal(t, 2, res.LSPChanges[0].Range.Start.Character)
		out, err := lsp.ApplyChanges("😀a", res.LSPChanges)
		require.NoError(t, err)
		assert.Equal(t, "😀b", out)
	})
}
