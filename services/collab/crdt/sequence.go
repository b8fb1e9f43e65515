// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package crdt

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/collabcore/services/collab/clock"
)

// element is one rune of the replicated sequence.
type element struct {
	r         rune
	origin    clock.LamportClock
	deletedBy []clock.LamportClock
}

func (e *element) visible() bool {
	return len(e.deletedBy) == 0
}

// visibleAt reports whether the element was visible to a replica that had
// applied exactly the operations covered by v.
func (e *element) visibleAt(v clock.VersionVector) bool {
	if !v.Covers(e.origin) {
		return false
	}
	for _, d := range e.deletedBy {
		if v.Covers(d) {
			return false
		}
	}
	return true
}

func (e *element) markDeleted(by clock.LamportClock) {
	for _, d := range e.deletedBy {
		if d.Equal(by) {
			return
		}
	}
	e.deletedBy = append(e.deletedBy, by)
}

// sequence is the ordered element list, tombstones included.
type sequence []element

func newSequence(text string) sequence {
	s := make(sequence, 0, len(text))
	for _, r := range text {
		s = append(s, element{r: r})
	}
	return s
}

// clone deep-copies the sequence so tombstone marks on the copy never leak
// into the original.
func (s sequence) clone() sequence {
	out := make(sequence, len(s))
	for i, e := range s {
		out[i] = element{r: e.r, origin: e.origin}
		if len(e.deletedBy) > 0 {
			out[i].deletedBy = append([]clock.LamportClock(nil), e.deletedBy...)
		}
	}
	return out
}

func (s sequence) text() string {
	var b strings.Builder
	b.Grow(len(s))
	for i := range s {
		if s[i].visible() {
			b.WriteRune(s[i].r)
		}
	}
	return b.String()
}

func (s sequence) visibleCount() int {
	n := 0
	for i := range s {
		if s[i].visible() {
			n++
		}
	}
	return n
}

// viewIndexes returns the sequence indexes of the elements inside the
// operation's logical view, in order.
func (s sequence) viewIndexes(op Operation) []int {
	idx := make([]int, 0, len(s))
	for i := range s {
		if op.Context == nil || op.Context.Covers(s[i].origin) {
			idx = append(idx, i)
		}
	}
	return idx
}

// integrate applies op to the sequence. Bounds are validated before any
// mutation so a failed call leaves the sequence untouched.
//
// Inserts are placed immediately before the element at op.Position of the
// operation's view, after any concurrent elements already sitting in that
// gap. Replay order guarantees those elements carry lower stamps.
func (s *sequence) integrate(op Operation) error {
	view := s.viewIndexes(op)

	switch op.Kind {
	case OpInsert:
		if op.Position > len(view) {
			return fmt.Errorf("%w: insert at %d, view length %d", ErrOutOfBounds, op.Position, len(view))
		}
		at := len(*s)
		if op.Position < len(view) {
			at = view[op.Position]
		}

		runes := []rune(op.Content)
		ins := make(sequence, len(runes))
		for i, r := range runes {
			ins[i] = element{r: r, origin: op.Clock}
		}

		out := make(sequence, 0, len(*s)+len(ins))
		out = append(out, (*s)[:at]...)
		out = append(out, ins...)
		out = append(out, (*s)[at:]...)
		*s = out

	case OpDelete:
		end := op.Position + op.Length
		if end > len(view) {
			return fmt.Errorf("%w: delete [%d,%d), view length %d", ErrOutOfBounds, op.Position, end, len(view))
		}
		for _, i := range view[op.Position:end] {
			(*s)[i].markDeleted(op.Clock)
		}

	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedOperation, op.Kind)
	}
	return nil
}

// replay materializes base followed by ops in the given (stamp) order.
func replay(base sequence, ops []Operation) (sequence, error) {
	s := base.clone()
	for _, op := range ops {
		if err := s.integrate(op); err != nil {
			return nil, rejected(op.ID, err)
		}
	}
	return s, nil
}
