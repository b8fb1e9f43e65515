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

// counterRun is an inclusive range of consecutive counters.
type counterRun struct {
	lo, hi uint64
}

// purgedSet records the exact stamps folded away by Compact as runs of
// consecutive counters per client. Counters merged past on Lamport receive
// leave gaps, and those are never reported as purged.
type purgedSet map[string][]counterRun

func (p purgedSet) add(c clock.LamportClock) {
	runs := p[c.ClientID]
	if n := len(runs); n > 0 {
		last := &runs[n-1]
		switch {
		case c.Counter >= last.lo && c.Counter <= last.hi:
			return
		case c.Counter == last.hi+1:
			last.hi = c.Counter
			return
		case c.Counter > last.hi:
			p[c.ClientID] = append(runs, counterRun{lo: c.Counter, hi: c.Counter})
			return
		}
	}
	// Below the last run.
	i := sort.Search(len(runs), func(i int) bool { return runs[i].hi >= c.Counter })
	if i < len(runs) && runs[i].lo <= c.Counter {
		return
	}
	runs = append(runs, counterRun{})
	copy(runs[i+1:], runs[i:])
	runs[i] = counterRun{lo: c.Counter, hi: c.Counter}
	p[c.ClientID] = runs
}

func (p purgedSet) contains(c clock.LamportClock) bool {
	runs := p[c.ClientID]
	i := sort.Search(len(runs), func(i int) bool { return runs[i].hi >= c.Counter })
	return i < len(runs) && runs[i].lo <= c.Counter
}
