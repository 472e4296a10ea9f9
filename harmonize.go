// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package harmonize

import (
	"strings"

	"gopkg.in/guregu/null.v3"
)

// Harmonizer renames table columns to canonical names. The synonym map
// must be complete before the first Apply call.
type Harmonizer struct {
	Synonyms *SynonymMap

	wl       *warningLog
	reported map[string]bool
}

func NewHarmonizer(sm *SynonymMap, wl *warningLog) *Harmonizer {
	return &Harmonizer{Synonyms: sm, wl: wl, reported: map[string]bool{}}
}

// target returns the output name for a source column.
func (h *Harmonizer) target(col, study string) string {
	for _, key := range []string{colPatientID, colSampleID, colStudyName} {
		if strings.EqualFold(col, key) {
			return key
		}
	}
	if canonical, ok := h.Synonyms.Lookup(col); ok {
		return canonical
	}
	if !h.reported[strings.ToUpper(col)] {
		h.reported[strings.ToUpper(col)] = true
		h.wl.Schema(study, col, "column %q has no canonical name; kept as is", col)
	}
	return col
}

// Apply returns a copy of t with columns renamed. Columns that end up
// with the same name are collapsed into one, taking the first
// non-empty value in column order.
func (h *Harmonizer) Apply(t *Table, study string) *Table {
	if t == nil {
		return nil
	}
	out := &Table{}
	var groups [][]int
	pos := map[string]int{}
	for i, col := range t.Columns {
		name := h.target(col, study)
		g, ok := pos[name]
		if !ok {
			g = len(groups)
			pos[name] = g
			groups = append(groups, nil)
			out.Columns = append(out.Columns, name)
		}
		groups[g] = append(groups[g], i)
	}
	for g, members := range groups {
		if len(members) < 2 {
			continue
		}
		var srcs []string
		for _, i := range members {
			srcs = append(srcs, t.Columns[i])
		}
		h.wl.Integrity(study, out.Columns[g], "columns %s all map to %s; using first non-empty value per row", strings.Join(srcs, ", "), out.Columns[g])
	}
	out.Rows = make([][]null.String, len(t.Rows))
	vals := make([]null.String, 0, len(t.Columns))
	for r, row := range t.Rows {
		nrow := make([]null.String, len(groups))
		for g, members := range groups {
			if len(members) == 1 {
				nrow[g] = row[members[0]]
				continue
			}
			vals = vals[:0]
			for _, i := range members {
				vals = append(vals, row[i])
			}
			nrow[g] = coalesce(vals...)
		}
		out.Rows[r] = nrow
	}
	return out
}

// SelectColumns keeps the listed columns (case-insensitive) plus the
// key and provenance columns, in the table's own column order.
func SelectColumns(t *Table, keep []string) *Table {
	if t == nil {
		return nil
	}
	want := map[string]bool{}
	for _, name := range keep {
		want[strings.ToUpper(name)] = true
	}
	var names []string
	for _, col := range t.Columns {
		if want[strings.ToUpper(col)] || isKeyColumn(col) {
			names = append(names, col)
		}
	}
	return t.Select(names)
}
