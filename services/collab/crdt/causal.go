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
	"github.com/AleutianAI/collabcore/services/collab/clock"
)

// CausalQueue buffers remote operations until everything in their causal
// context has been applied locally.
//
// Transports may reorder across senders and duplicate; the queue absorbs
// both. It never applies operations itself.
type CausalQueue struct {
	pending []Operation
	queued  map[string]struct{}
}

// NewCausalQueue creates an empty queue.
func NewCausalQueue() *CausalQueue {
	return &CausalQueue{queued: make(map[string]struct{})}
}

// Len returns the number of buffered operations.
func (q *CausalQueue) Len() int {
	return len(q.pending)
}

// Offer adds op and returns every buffered operation that is now
// deliverable against applied, in delivery order.
//
// The caller must apply the returned operations in order. Operations
// already covered by applied are discarded as duplicates.
func (q *CausalQueue) Offer(op Operation, applied clock.VersionVector) []Operation {
	if applied.Covers(op.Clock) {
		return nil
	}
	if _, ok := q.queued[op.ID]; !ok {
		q.queued[op.ID] = struct{}{}
		q.pending = append(q.pending, op)
	}
	return q.Drain(applied)
}

// Drain returns buffered operations that are deliverable against applied.
func (q *CausalQueue) Drain(applied clock.VersionVector) []Operation {
	seen := applied.Clone()
	var ready []Operation

	for progress := true; progress; {
		progress = false
		kept := q.pending[:0]
		for _, op := range q.pending {
			switch {
			case seen.Covers(op.Clock):
				delete(q.queued, op.ID)
			case deliverable(op, seen):
				ready = append(ready, op)
				seen.Observe(op.Clock)
				delete(q.queued, op.ID)
				progress = true
			default:
				kept = append(kept, op)
			}
		}
		q.pending = kept
	}
	return ready
}

func deliverable(op Operation, seen clock.VersionVector) bool {
	for client, n := range op.Context {
		if seen.Get(client) < n {
			return false
		}
	}
	return true
}
