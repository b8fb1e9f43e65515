// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package clock provides the logical clocks used to order collaborative edits.
//
// A LamportClock stamps every operation a client produces. The pair
// (Counter, ClientID) is a strict total order that every replica evaluates
// identically, which is what lets concurrent inserts at the same position be
// placed without coordination. A VersionVector summarizes which stamps a
// replica has applied and is carried on operations as their causal context.
//
// # Thread Safety
//
// Clocks and vectors are plain values owned by a single document task.
// Callers that share them across goroutines must synchronize externally.
package clock

import (
	"fmt"
	"strconv"
	"strings"
)

// LamportClock is a per-client logical clock.
type LamportClock struct {
	// ClientID identifies the replica that owns the clock.
	ClientID string `json:"client_id"`

	// Counter is the logical time. Zero means nothing has been issued yet.
	Counter uint64 `json:"counter"`
}

// New creates a clock for clientID with a zero counter.
func New(clientID string) LamportClock {
	return LamportClock{ClientID: clientID}
}

// Increment advances the clock by one and returns the new value.
//
// Both the stored clock and the returned copy reflect the increment.
func (c *LamportClock) Increment() LamportClock {
	c.Counter++
	return *c
}

// Merge sets the counter to max(local, other).
//
// Merge never advances past the maximum. Callers that need a fresh stamp
// after observing a remote clock must call Increment separately.
func (c *LamportClock) Merge(other LamportClock) {
	if other.Counter > c.Counter {
		c.Counter = other.Counter
	}
}

// Compare orders clocks by (Counter, ClientID) ascending.
//
// Returns -1 if c sorts before other, 1 if after, 0 only when both fields match.
func (c LamportClock) Compare(other LamportClock) int {
	switch {
	case c.Counter < other.Counter:
		return -1
	case c.Counter > other.Counter:
		return 1
	}
	return strings.Compare(c.ClientID, other.ClientID)
}

// Less reports whether c sorts strictly before other.
func (c LamportClock) Less(other LamportClock) bool {
	return c.Compare(other) < 0
}

// Equal reports whether both fields match.
func (c LamportClock) Equal(other LamportClock) bool {
	return c.Counter == other.Counter && c.ClientID == other.ClientID
}

// IsZero reports whether the clock has never issued a stamp.
func (c LamportClock) IsZero() bool {
	return c.Counter == 0
}

// String renders the clock as "client:counter", the canonical operation id.
func (c LamportClock) String() string {
	return c.ClientID + ":" + strconv.FormatUint(c.Counter, 10)
}

// Parse reverses String. The client id may itself contain colons; the
// counter is taken from the last segment.
func Parse(s string) (LamportClock, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return LamportClock{}, fmt.Errorf("parse clock %q: missing client or counter", s)
	}
	n, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return LamportClock{}, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return LamportClock{ClientID: s[:i], Counter: n}, nil
}
