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
	"unicode/utf8"

	"github.com/AleutianAI/collabcore/services/collab/clock"
)

// OpKind distinguishes inserts from deletes.
type OpKind string

const (
	// OpInsert splices Content at Position.
	OpInsert OpKind = "insert"

	// OpDelete tombstones Length elements starting at Position.
	OpDelete OpKind = "delete"
)

// Operation is the unit of replication.
//
// Positions and lengths count runes in the logical (tombstone-inclusive)
// view of the origin replica: the elements inserted by operations covered
// by Context. Once created an Operation is never modified.
type Operation struct {
	// Kind selects insert or delete.
	Kind OpKind `json:"kind"`

	// Position is the logical rune offset.
	Position int `json:"position"`

	// Content is the inserted text. Empty for deletes.
	Content string `json:"content,omitempty"`

	// Length is the number of logical elements deleted. Zero for inserts.
	Length int `json:"length,omitempty"`

	// ID is globally unique, conventionally Clock.String().
	ID string `json:"op_id"`

	// Clock is the Lamport stamp of the operation.
	Clock clock.LamportClock `json:"clock"`

	// Context is the version vector the origin had applied when the
	// operation was produced. Nil means every operation ordered before
	// this one was visible to the origin.
	Context clock.VersionVector `json:"context"`
}

// OperationResult is returned by TextDocument.ApplyOperation.
type OperationResult struct {
	// Success is false only when the operation was rejected.
	Success bool `json:"success"`

	// NewContent is the materialized content after the call.
	NewContent string `json:"new_content"`
}

// NewInsert builds an insert stamped with c.
func NewInsert(position int, content string, c clock.LamportClock, ctx clock.VersionVector) Operation {
	return Operation{
		Kind:     OpInsert,
		Position: position,
		Content:  content,
		ID:       c.String(),
		Clock:    c,
		Context:  ctx,
	}
}

// NewDelete builds a delete stamped with c.
func NewDelete(position, length int, c clock.LamportClock, ctx clock.VersionVector) Operation {
	return Operation{
		Kind:     OpDelete,
		Position: position,
		Length:   length,
		ID:       c.String(),
		Clock:    c,
		Context:  ctx,
	}
}

// Validate checks the operation is well formed. Bounds are checked at
// application time against the operation's logical view.
func (op Operation) Validate() error {
	if op.ID == "" {
		return fmt.Errorf("%w: empty op_id", ErrMalformedOperation)
	}
	if op.Clock.ClientID == "" || op.Clock.Counter == 0 {
		return fmt.Errorf("%w: clock %s is not an issued stamp", ErrMalformedOperation, op.Clock)
	}
	if op.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrOutOfBounds, op.Position)
	}

	switch op.Kind {
	case OpInsert:
		if op.Content == "" {
			return fmt.Errorf("%w: empty insert", ErrMalformedOperation)
		}
		if !utf8.ValidString(op.Content) {
			return fmt.Errorf("%w: insert content is not valid utf-8", ErrMalformedOperation)
		}
	case OpDelete:
		if op.Length <= 0 {
			return fmt.Errorf("%w: delete length %d", ErrMalformedOperation, op.Length)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedOperation, op.Kind)
	}
	return nil
}

// Span returns the logical [start, end) touched by the operation.
// Inserts are zero width.
func (op Operation) Span() (int, int) {
	if op.Kind == OpDelete {
		return op.Position, op.Position + op.Length
	}
	return op.Position, op.Position
}

// String is a compact description for logs.
func (op Operation) String() string {
	if op.Kind == OpDelete {
		return fmt.Sprintf("delete(%s @%d len=%d)", op.ID, op.Position, op.Length)
	}
	return fmt.Sprintf("insert(%s @%d %q)", op.ID, op.Position, op.Content)
}
