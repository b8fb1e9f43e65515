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
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/collabcore/services/collab/clock"
)

// TextDocument is one replica of a collaboratively edited plain-text buffer.
//
// # Description
//
// Content is always the replay of every applied operation in stamp order
// on top of the compacted base. Applied operations are tracked by the
// OperationLog, which is the single source of truth for idempotence.
//
// # Thread Safety
//
// Not safe for concurrent use; callers hold the owning document lock.
type TextDocument struct {
	clientID string
	clock    clock.LamportClock

	// version covers every operation ever applied, compacted or not.
	version clock.VersionVector

	// purged covers the operations folded into base by Compact.
	purged purgedSet

	log  *OperationLog
	base sequence
	seq  sequence

	content string
	dirty   bool
}

// WithContent creates a replica for clientID holding initialText.
//
// Every replica of a session must start from the same initial text.
func WithContent(clientID, initialText string) *TextDocument {
	base := newSequence(initialText)
	return &TextDocument{
		clientID: clientID,
		clock:    clock.New(clientID),
		version:  clock.NewVersionVector(),
		purged:   make(purgedSet),
		log:      NewOperationLog(),
		base:     base,
		seq:      base.clone(),
		content:  initialText,
	}
}

// ClientID returns the id of the replica owner.
func (d *TextDocument) ClientID() string {
	return d.clientID
}

// Clock returns a copy of the replica's Lamport clock.
func (d *TextDocument) Clock() clock.LamportClock {
	return d.clock
}

// Version returns a copy of the applied version vector.
func (d *TextDocument) Version() clock.VersionVector {
	return d.version.Clone()
}

// Log exposes the operation log for read-only inspection.
func (d *TextDocument) Log() *OperationLog {
	return d.log
}

// Content returns the materialized, tombstone-free text.
func (d *TextDocument) Content() string {
	if d.dirty {
		d.content = d.seq.text()
		d.dirty = false
	}
	return d.content
}

// Len returns the number of visible runes.
func (d *TextDocument) Len() int {
	return d.seq.visibleCount()
}

// LogicalLen returns the number of elements including tombstones.
func (d *TextDocument) LogicalLen() int {
	return len(d.seq)
}

// HasOperation reports whether the operation with id has been applied.
//
// Operations purged by Compact are recognized exactly when id has the
// canonical "client:counter" form.
func (d *TextDocument) HasOperation(id string) bool {
	if d.log.Contains(id) {
		return true
	}
	if len(d.purged) == 0 {
		return false
	}
	c, err := clock.Parse(id)
	if err != nil {
		return false
	}
	return d.purged.contains(c)
}

// ApplyOperation integrates op into the replica.
//
// # Description
//
// Already-applied operations are a successful no-op. Malformed or
// out-of-bounds operations are rejected without touching any state. An
// operation whose stamp sorts after the log tail is integrated in place;
// otherwise the replica is rebuilt by replaying the ordered log with op
// inserted at its stamp position. The replica clock merges op.Clock.
//
// # Outputs
//
//   - OperationResult: Success=false only on rejection.
//   - error: *OperationRejectedError on rejection, nil otherwise.
func (d *TextDocument) ApplyOperation(op Operation) (OperationResult, error) {
	start := time.Now()

	if err := op.Validate(); err != nil {
		return d.reject(op, err)
	}
	if d.log.Contains(op.ID) || d.purged.contains(op.Clock) {
		return OperationResult{Success: true, NewContent: d.Content()}, nil
	}

	pos, dup := d.log.position(op.Clock)
	if dup {
		return d.reject(op, fmt.Errorf("%w: %s", ErrDuplicateStamp, op.Clock))
	}

	replayed := false
	if pos == d.log.Len() {
		if err := d.seq.integrate(op); err != nil {
			return d.reject(op, err)
		}
	} else {
		ordered := d.log.Ordered()
		ordered = append(ordered, Operation{})
		copy(ordered[pos+1:], ordered[pos:])
		ordered[pos] = op

		seq, err := replay(d.base, ordered)
		if err != nil {
			return d.reject(op, err)
		}
		d.seq = seq
		replayed = true
	}

	d.log.insertAt(pos, op)
	d.version.Observe(op.Clock)
	d.clock.Merge(op.Clock)
	d.dirty = true

	recordApply(context.Background(), op.Kind, replayed, time.Since(start))
	return OperationResult{Success: true, NewContent: d.Content()}, nil
}

func (d *TextDocument) reject(op Operation, reason error) (OperationResult, error) {
	recordReject(context.Background(), op.Kind)
	var err error = &OperationRejectedError{OpID: op.ID, Reason: reason}
	if re, ok := reason.(*OperationRejectedError); ok {
		err = re
	}
	return OperationResult{Success: false, NewContent: d.Content()}, err
}

// logicalIndex maps a visible offset to its logical position. The visible
// length maps to the logical end of the sequence.
func (d *TextDocument) logicalIndex(visible int) int {
	n := 0
	for i := range d.seq {
		if !d.seq[i].visible() {
			continue
		}
		if n == visible {
			return i
		}
		n++
	}
	return len(d.seq)
}

// stamp issues the next local clock and the causal context for it.
func (d *TextDocument) stamp() (clock.LamportClock, clock.VersionVector) {
	ctx := d.version.Clone()
	return d.clock.Increment(), ctx
}

// LocalInsert inserts text at the visible offset pos and returns the
// stamped operation for broadcast.
func (d *TextDocument) LocalInsert(pos int, text string) (Operation, error) {
	if pos < 0 || pos > d.Len() {
		return Operation{}, rejected("", fmt.Errorf("%w: insert at %d, length %d", ErrOutOfBounds, pos, d.Len()))
	}
	c, ctx := d.stamp()
	op := NewInsert(d.logicalIndex(pos), text, c, ctx)
	if _, err := d.ApplyOperation(op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// LocalDelete deletes n visible runes starting at the visible offset pos.
//
// The logical span may include tombstones between the first and last
// deleted rune; marking them again is harmless.
func (d *TextDocument) LocalDelete(pos, n int) (Operation, error) {
	if pos < 0 || n <= 0 || pos+n > d.Len() {
		return Operation{}, rejected("", fmt.Errorf("%w: delete [%d,%d), length %d", ErrOutOfBounds, pos, pos+n, d.Len()))
	}
	first := d.logicalIndex(pos)
	last := d.logicalIndex(pos + n - 1)

	c, ctx := d.stamp()
	op := NewDelete(first, last-first+1, c, ctx)
	if _, err := d.ApplyOperation(op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// LocalReplace replaces the visible range [start, end) with text.
//
// Common prefix and suffix are trimmed first so unchanged runes keep
// their identity. Returns the delete and/or insert produced, possibly none.
func (d *TextDocument) LocalReplace(start, end int, text string) ([]Operation, error) {
	cur := []rune(d.Content())
	if start < 0 || end < start || end > len(cur) {
		return nil, rejected("", fmt.Errorf("%w: replace [%d,%d), length %d", ErrOutOfBounds, start, end, len(cur)))
	}

	old := cur[start:end]
	repl := []rune(text)

	p := 0
	for p < len(old) && p < len(repl) && old[p] == repl[p] {
		p++
	}
	s := 0
	for s < len(old)-p && s < len(repl)-p && old[len(old)-1-s] == repl[len(repl)-1-s] {
		s++
	}

	var ops []Operation
	if del := len(old) - p - s; del > 0 {
		op, err := d.LocalDelete(start+p, del)
		if err != nil {
			return ops, err
		}
		ops = append(ops, op)
	}
	if ins := repl[p : len(repl)-s]; len(ins) > 0 {
		op, err := d.LocalInsert(start+p, string(ins))
		if err != nil {
			return ops, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Edit is a change region expressed against an earlier view of the text.
type Edit struct {
	// Start and End delimit the replaced runes of the earlier view.
	Start int `json:"start"`
	End   int `json:"end"`

	// Text is the current content of the region.
	Text string `json:"text"`

	// Ops counts the distinct operations that contributed to the region.
	Ops int `json:"ops"`
}

// EditsSince describes how the content changed since the replica had
// applied exactly the operations covered by since.
//
// Regions are sorted, non-overlapping and expressed in rune offsets of the
// text visible at since. Runes inserted and deleted after since are
// transparent and do not split regions.
func (d *TextDocument) EditsSince(since clock.VersionVector) []Edit {
	var (
		out  []Edit
		cur  *Edit
		text strings.Builder
		ops  map[clock.LamportClock]struct{}
		k    int
	)
	flush := func() {
		if cur == nil {
			return
		}
		cur.Text = text.String()
		cur.Ops = len(ops)
		out = append(out, *cur)
		cur = nil
		text.Reset()
	}
	open := func() {
		if cur == nil {
			cur = &Edit{Start: k, End: k}
			ops = make(map[clock.LamportClock]struct{})
		}
	}

	for i := range d.seq {
		e := &d.seq[i]
		switch {
		case e.visibleAt(since) && e.visible():
			flush()
			k++
		case e.visibleAt(since):
			open()
			for _, by := range e.deletedBy {
				if !since.Covers(by) {
					ops[by] = struct{}{}
				}
			}
			k++
			cur.End = k
		case !since.Covers(e.origin) && e.visible():
			open()
			ops[e.origin] = struct{}{}
			text.WriteRune(e.r)
		}
	}
	flush()
	return out
}

// OperationsSince returns the retained operations not covered by v in
// stamp order.
func (d *TextDocument) OperationsSince(v clock.VersionVector) []Operation {
	return d.log.Since(v)
}

// Compact folds the longest stamp-ordered prefix of operations covered by
// stable into the base snapshot and releases their log entries.
//
// stable must be a frontier no future operation can sort below, such as
// clock.StableFrontier over every replica's acknowledgement. Tombstone
// markers stay in place because operations still in flight may address
// them by logical position. Returns the number of operations purged.
func (d *TextDocument) Compact(stable clock.VersionVector) (int, error) {
	prefix := d.log.stablePrefix(stable)
	if len(prefix) == 0 {
		return 0, nil
	}
	base, err := replay(d.base, prefix)
	if err != nil {
		return 0, fmt.Errorf("compacting stable prefix: %w", err)
	}
	removed := d.log.truncate(len(prefix))
	d.base = base
	for _, op := range removed {
		d.purged.add(op.Clock)
	}
	recordCompaction(context.Background(), len(removed))
	return len(removed), nil
}
