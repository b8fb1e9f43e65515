// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conflict

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"
)

// RenderPatch renders the regions as a unified diff from the LSP version
// to the collaborative version, for a human deciding a Manual conflict.
func RenderPatch(uri string, regions []Region) (string, error) {
	name := strings.TrimLeft(strings.TrimPrefix(uri, "file://"), "/")
	fd := &diff.FileDiff{
		OrigName: "lsp/" + name,
		NewName:  "collab/" + name,
	}

	for _, r := range regions {
		from := splitLines(r.LSP)
		to := splitLines(r.CRDT)

		var body strings.Builder
		m := difflib.NewMatcher(from, to)
		for _, op := range m.GetOpCodes() {
			switch op.Tag {
			case 'e':
				writeBody(&body, ' ', from[op.I1:op.I2])
			case 'd':
				writeBody(&body, '-', from[op.I1:op.I2])
			case 'i':
				writeBody(&body, '+', to[op.J1:op.J2])
			case 'r':
				writeBody(&body, '-', from[op.I1:op.I2])
				writeBody(&body, '+', to[op.J1:op.J2])
			}
		}

		line := int32(max(r.Line, 1))
		fd.Hunks = append(fd.Hunks, &diff.Hunk{
			OrigStartLine: line,
			OrigLines:     int32(len(from)),
			NewStartLine:  line,
			NewLines:      int32(len(to)),
			Body:          []byte(body.String()),
		})
	}

	out, err := diff.PrintFileDiff(fd)
	if err != nil {
		return "", fmt.Errorf("render conflict patch: %w", err)
	}
	return string(out), nil
}

func writeBody(sb *strings.Builder, prefix byte, lines []string) {
	for _, l := range lines {
		sb.WriteByte(prefix)
		sb.WriteString(l)
		if !strings.HasSuffix(l, "\n") {
			sb.WriteByte('\n')
		}
	}
}
