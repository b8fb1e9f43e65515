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
	"sort"

	"github.com/AleutianAI/collabcore/services/collab/clock"
)

// OperationLog is the append-only ledger of applied operations.
//
// Operations live in an arena in arrival order. The id index answers
// idempotence queries and the order slice keeps arena positions sorted by
// clock stamp for replay. Compaction is the only way entries leave the log.
type OperationLog struct {
	arena []Operation
	index map[string]int
	order []int
}

// NewOperationLog creates an empty log.
func NewOperationLog() *OperationLog {
	return &OperationLog{index: make(map[string]int)}
}

// Len returns the number of retained operations.
func (l *OperationLog) Len() int {
	return len(l.arena)
}

// Contains reports whether an operation with id is retained.
func (l *OperationLog) Contains(id string) bool {
	_, ok := l.index[id]
	return ok
}

// Get returns the retained operation with id.
func (l *OperationLog) Get(id string) (Operation, bool) {
	i, ok := l.index[id]
	if !ok {
		return Operation{}, false
	}
	return l.arena[i], true
}

// Ordered returns the retained operations sorted by stamp.
func (l *OperationLog) Ordered() []Operation {
	out := make([]Operation, len(l.order))
	for i, idx := range l.order {
		out[i] = l.arena[idx]
	}
	return out
}

// Since returns, in stamp order, the operations not covered by v.
func (l *OperationLog) Since(v clock.VersionVector) []Operation {
	var out []Operation
	for _, idx := range l.order {
		if !v.Covers(l.arena[idx].Clock) {
			out = append(out, l.arena[idx])
		}
	}
	return out
}

// Last returns the highest stamp in the log, zero if empty.
func (l *OperationLog) Last() clock.LamportClock {
	if len(l.order) == 0 {
		return clock.LamportClock{}
	}
	return l.arena[l.order[len(l.order)-1]].Clock
}

// position returns where c belongs in stamp order and whether an entry
// with the identical stamp already exists.
func (l *OperationLog) position(c clock.LamportClock) (int, bool) {
	i := sort.Search(len(l.order), func(i int) bool {
		return l.arena[l.order[i]].Clock.Compare(c) >= 0
	})
	found := i < len(l.order) && l.arena[l.order[i]].Clock.Equal(c)
	return i, found
}

// insertAt appends op to the arena and records it at stamp position pos.
func (l *OperationLog) insertAt(pos int, op Operation) {
	idx := len(l.arena)
	l.arena = append(l.arena, op)
	l.index[op.ID] = idx

	l.order = append(l.order, 0)
	copy(l.order[pos+1:], l.order[pos:])
	l.order[pos] = idx
}

// stablePrefix returns the longest stamp-ordered prefix whose operations
// are all covered by stable.
func (l *OperationLog) stablePrefix(stable clock.VersionVector) []Operation {
	var out []Operation
	for _, idx := range l.order {
		if !stable.Covers(l.arena[idx].Clock) {
			break
		}
		out = append(out, l.arena[idx])
	}
	return out
}

// truncate removes the first n operations in stamp order and returns them.
//
// The arena is rebuilt so the memory of removed entries is released.
func (l *OperationLog) truncate(n int) []Operation {
	if n <= 0 {
		return nil
	}
	ordered := l.Ordered()
	if n > len(ordered) {
		n = len(ordered)
	}
	removed := ordered[:n]
	kept := ordered[n:]

	l.arena = make([]Operation, len(kept))
	l.order = make([]int, len(kept))
	l.index = make(map[string]int, len(kept))
	for i, op := range kept {
		l.arena[i] = op
		l.order[i] = i
		l.index[op.ID] = i
	}
	return removed
}
