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
	"unicode/utf8"
)

// PositionConverter translates LSP positions to rune offsets and back for
// one snapshot of text.
//
// Description:
//
//	LSP counts UTF-16 code units within a line. Runes outside the Basic
//	Multilingual Plane take two units. The converter indexes line starts
//	once so each conversion only scans a single line.
type PositionConverter struct {
	text  string
	lines []lineInfo
	runes int
}

type lineInfo struct {
	byteOffset int
	runeOffset int
	byteLen    int
	runeLen    int
}

// NewPositionConverter indexes text.
func NewPositionConverter(text string) *PositionConverter {
	pc := &PositionConverter{text: text}

	lineStart, runeStart, runes := 0, 0, 0
	for i, r := range text {
		if r == '\n' {
			pc.lines = append(pc.lines, lineInfo{
				byteOffset: lineStart,
				runeOffset: runeStart,
				byteLen:    i - lineStart,
				runeLen:    runes - runeStart,
			})
			lineStart = i + 1
			runeStart = runes + 1
		}
		runes++
	}
	pc.lines = append(pc.lines, lineInfo{
		byteOffset: lineStart,
		runeOffset: runeStart,
		byteLen:    len(text) - lineStart,
		runeLen:    runes - runeStart,
	})
	pc.runes = runes
	return pc
}

// Len returns the number of runes in the snapshot.
func (pc *PositionConverter) Len() int {
	return pc.runes
}

// LineCount returns the number of lines, counting a trailing empty line.
func (pc *PositionConverter) LineCount() int {
	return len(pc.lines)
}

// ToRune converts pos to a rune offset.
//
// A character past the end of its line is clamped to the line end, as LSP
// requires. The position one line past the last, character 0, addresses
// the end of the text.
func (pc *PositionConverter) ToRune(pos Position) (int, error) {
	if pos.Line < 0 || pos.Character < 0 {
		return 0, fmt.Errorf("%w: negative position %d:%d", ErrInvalidRange, pos.Line, pos.Character)
	}
	if pos.Line >= len(pc.lines) {
		if pos.Line == len(pc.lines) && pos.Character == 0 {
			return pc.runes, nil
		}
		return 0, fmt.Errorf("%w: line %d beyond %d lines", ErrInvalidRange, pos.Line, len(pc.lines))
	}

	line := pc.lines[pos.Line]
	content := pc.text[line.byteOffset : line.byteOffset+line.byteLen]

	units, n := 0, 0
	for _, r := range content {
		if units >= pos.Character {
			break
		}
		units += utf16Width(r)
		n++
	}
	return line.runeOffset + n, nil
}

// FromRune converts a rune offset to a position. Offsets are clamped to
// the text.
func (pc *PositionConverter) FromRune(offset int) Position {
	if offset <= 0 {
		return Position{}
	}
	if offset > pc.runes {
		offset = pc.runes
	}

	i := sort.Search(len(pc.lines), func(i int) bool {
		return pc.lines[i].runeOffset > offset
	}) - 1
	line := pc.lines[i]
	content := pc.text[line.byteOffset : line.byteOffset+line.byteLen]

	units, n := 0, offset-line.runeOffset
	for _, r := range content {
		if n == 0 {
			break
		}
		units += utf16Width(r)
		n--
	}
	return Position{Line: i, Character: units}
}

// RangeToRunes converts r to a rune span [start, end).
func (pc *PositionConverter) RangeToRunes(r Range) (int, int, error) {
	start, err := pc.ToRune(r.Start)
	if err != nil {
		return 0, 0, err
	}
	end, err := pc.ToRune(r.End)
	if err != nil {
		return 0, 0, err
	}
	if end < start {
		return 0, 0, fmt.Errorf("%w: end %d:%d before start %d:%d",
			ErrInvalidRange, r.End.Line, r.End.Character, r.Start.Line, r.Start.Character)
	}
	return start, end, nil
}

// RunesToRange converts the rune span [start, end) to a range.
func (pc *PositionConverter) RunesToRange(start, end int) Range {
	return Range{Start: pc.FromRune(start), End: pc.FromRune(end)}
}

func utf16Width(r rune) int {
	if r >= 0x10000 && r <= utf8.MaxRune {
		return 2
	}
	return 1
}
