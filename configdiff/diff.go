// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package configdiff reports line-level edits between two versions of
// a text config file, e.g. a drafted synonym map and the curated copy.
package configdiff

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Edit replaces the Old lines, starting at line Line of the original
// text, with the New lines.
type Edit struct {
	Line int
	Old  []string
	New  []string
}

// String returns a compact description of the edited line range, in
// the style of sequence variant notation: "7del", "7_9del", "6_7ins",
// "7c" (one line changed), "7_8c".
func (e *Edit) String() string {
	last := e.Line + len(e.Old) - 1
	switch {
	case len(e.Old) == 0:
		return fmt.Sprintf("%d_%dins", e.Line-1, e.Line)
	case len(e.New) == 0 && len(e.Old) == 1:
		return fmt.Sprintf("%ddel", e.Line)
	case len(e.New) == 0:
		return fmt.Sprintf("%d_%ddel", e.Line, last)
	case len(e.Old) == 1:
		return fmt.Sprintf("%dc", e.Line)
	default:
		return fmt.Sprintf("%d_%dc", e.Line, last)
	}
}

// WriteTo writes the edit's description followed by the removed
// lines ("- ") and added lines ("+ ").
func (e *Edit) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	sb.WriteString(e.String())
	sb.WriteByte('\n')
	for _, line := range e.Old {
		sb.WriteString("- " + line + "\n")
	}
	for _, line := range e.New {
		sb.WriteString("+ " + line + "\n")
	}
	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

// Diff returns the edits that turn a into b. If timeout > 0 and the
// diff takes longer, the result is still correct but may not be
// minimal, and the second return value is true.
func Diff(a, b string, timeout time.Duration) ([]Edit, bool) {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = timeout
	start := time.Now()
	ca, cb, lines := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)
	timedOut := timeout > 0 && time.Since(start) > timeout
	diffs = merge(diffs)

	pos := 1
	var edits []Edit
	for i := 0; i < len(diffs); {
		for ; i < len(diffs) && diffs[i].Type == diffmatchpatch.DiffEqual; i++ {
			pos += len(splitLines(diffs[i].Text))
		}
		if i >= len(diffs) {
			break
		}
		e := Edit{Line: pos}
		for ; i < len(diffs) && diffs[i].Type != diffmatchpatch.DiffEqual; i++ {
			if diffs[i].Type == diffmatchpatch.DiffDelete {
				e.Old = append(e.Old, splitLines(diffs[i].Text)...)
			} else {
				e.New = append(e.New, splitLines(diffs[i].Text)...)
			}
		}
		pos += len(e.Old)
		edits = append(edits, e)
	}
	return edits, timedOut
}

// merge joins consecutive entries of the same type (e.g., "insert A;
// insert B").
func merge(in []diffmatchpatch.Diff) []diffmatchpatch.Diff {
	out := make([]diffmatchpatch.Diff, 0, len(in))
	for i := 0; i < len(in); i++ {
		d := in[i]
		for i < len(in)-1 && in[i].Type == in[i+1].Type {
			d.Text += in[i+1].Text
			i++
		}
		out = append(out, d)
	}
	return out
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}

// StripComments removes blank lines and lines starting with "#", so
// edits to comments are not reported.
func StripComments(text string) string {
	var sb strings.Builder
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}
