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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	c := New("client-a")
	assert.Equal(t, "client-a", c.ClientID)
	assert.Equal(t, uint64(0), c.Counter)
	assert.True(t, c.IsZero())
}

func TestIncrement_AdvancesStoredAndReturned(t *testing.T) {
	c := New("a")

	for i := uint64(1); i <= 5; i++ {
		got := c.Increment()
		assert.Equal(t, i, got.Counter, "returned clock")
		assert.Equal(t, i, c.Counter, "stored clock")
	}
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name  string
		local uint64
		other uint64
		want  uint64
	}{
		{"remote ahead", 2, 7, 7},
		{"local ahead", 9, 3, 9},
		{"equal", 4, 4, 4},
		{"both zero", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := LamportClock{ClientID: "a", Counter: tt.local}
			c.Merge(LamportClock{ClientID: "b", Counter: tt.other})
			assert.Equal(t, tt.want, c.Counter)
			assert.Equal(t, "a", c.ClientID, "merge must not change ownership")
		})
	}
}

func TestMerge_DoesNotAutoIncrement(t *testing.T) {
	c := LamportClock{ClientID: "a", Counter: 1}
	c.Merge(LamportClock{ClientID: "b", Counter: 5})
	require.Equal(t, uint64(5), c.Counter)

	next := c.Increment()
	assert.Equal(t, uint64(6), next.Counter)
}

func TestCompare_TotalOrder(t *testing.T) {
	clocks := []LamportClock{
		{ClientID: "b", Counter: 2},
		{ClientID: "a", Counter: 2},
		{ClientID: "z", Counter: 1},
		{ClientID: "a", Counter: 10},
	}
	sort.Slice(clocks, func(i, j int) bool { return clocks[i].Less(clocks[j]) })

	assert.Equal(t, []LamportClock{
		{ClientID: "z", Counter: 1},
		{ClientID: "a", Counter: 2},
		{ClientID: "b", Counter: 2},
		{ClientID: "a", Counter: 10},
	}, clocks)
}

func TestCompare_EqualityOnlyForIdenticalClocks(t *testing.T) {
	a := LamportClock{ClientID: "a", Counter: 3}

	assert.Equal(t, 0, a.Compare(LamportClock{ClientID: "a", Counter: 3}))
	assert.True(t, a.Equal(LamportClock{ClientID: "a", Counter: 3}))
	assert.NotEqual(t, 0, a.Compare(LamportClock{ClientID: "b", Counter: 3}))
	assert.NotEqual(t, 0, a.Compare(LamportClock{ClientID: "a", Counter: 4}))

	// antisymmetry
	b := LamportClock{ClientID: "b", Counter: 3}
	assert.Equal(t, -a.Compare(b), b.Compare(a))
}

func TestStringAndParse(t *testing.T) {
	c := LamportClock{ClientID: "host:42", Counter: 17}
	assert.Equal(t, "host:42:17", c.String())

	parsed, err := Parse(c.String())
	require.NoError(t, err)
	assert.Equal(t, c, parsed)

	for _, bad := range []string{"", "abc", ":3", "abc:", "abc:x"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}
