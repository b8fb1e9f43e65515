// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package clock

import (
	"sort"
	"strconv"
	"strings"
)

// VersionVector maps a client id to the highest counter applied from it.
//
// Because transports deliver each sender's operations in order, an entry
// of n implies every operation of that client stamped <= n has been seen.
type VersionVector map[string]uint64

// NewVersionVector returns an empty vector.
func NewVersionVector() VersionVector {
	return make(VersionVector)
}

// Get returns the counter recorded for clientID, zero if absent.
func (v VersionVector) Get(clientID string) uint64 {
	return v[clientID]
}

// Observe records c if it is newer than what is stored for its client.
func (v VersionVector) Observe(c LamportClock) {
	if c.Counter > v[c.ClientID] {
		v[c.ClientID] = c.Counter
	}
}

// Covers reports whether the stamp c is included in v.
//
// A zero counter denotes the shared initial content and is always covered.
func (v VersionVector) Covers(c LamportClock) bool {
	if c.Counter == 0 {
		return true
	}
	return v[c.ClientID] >= c.Counter
}

// Clone returns an independent copy. A nil vector clones to nil.
func (v VersionVector) Clone() VersionVector {
	if v == nil {
		return nil
	}
	out := make(VersionVector, len(v))
	for k, n := range v {
		out[k] = n
	}
	return out
}

// Merge raises every entry of v to at least the entry in other.
func (v VersionVector) Merge(other VersionVector) {
	for k, n := range other {
		if n > v[k] {
			v[k] = n
		}
	}
}

// Meet returns the pointwise minimum of v and other.
//
// Clients missing from either side are treated as zero and dropped.
func (v VersionVector) Meet(other VersionVector) VersionVector {
	out := make(VersionVector)
	for k, n := range v {
		m, ok := other[k]
		if !ok {
			continue
		}
		if m < n {
			n = m
		}
		if n > 0 {
			out[k] = n
		}
	}
	return out
}

// StableFrontier returns the stamps that can be folded away without an
// operation still in flight sorting below them.
//
// acks maps each other replica to the vector it acknowledged. A replica
// never issues a stamp below one it has applied, so once local holds every
// operation r had issued when it acknowledged, nothing r sends later can
// sort under the meet. If local still lacks any of those operations the
// frontier is empty.
func StableFrontier(local VersionVector, acks map[string]VersionVector) VersionVector {
	out := local.Clone()
	if out == nil {
		out = NewVersionVector()
	}
	for replica, ack := range acks {
		if local.Get(replica) < ack.Get(replica) {
			return NewVersionVector()
		}
		out = out.Meet(ack)
	}
	return out
}

// Dominates reports whether v covers every entry of other.
func (v VersionVector) Dominates(other VersionVector) bool {
	for k, n := range other {
		if v[k] < n {
			return false
		}
	}
	return true
}

// Equal reports whether both vectors cover exactly the same stamps.
func (v VersionVector) Equal(other VersionVector) bool {
	return v.Dominates(other) && other.Dominates(v)
}

// String renders entries sorted by client id, e.g. "{a:3 b:1}".
func (v VersionVector) String() string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(v[k], 10))
	}
	b.WriteByte('}')
	return b.String()
}
