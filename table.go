// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package harmonize

import (
	"strings"

	"gopkg.in/guregu/null.v3"
)

const (
	colPatientID = "PATIENT_ID"
	colSampleID  = "SAMPLE_ID"
	colStudyName = "study_name"
)

// Table is an in-memory tab-delimited table. All rows have
// len(Columns) cells. Stages never modify a table they were given;
// they return a new one.
type Table struct {
	Columns []string
	Rows    [][]null.String
}

// ColumnIndex returns the index of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// ColumnIndexFold is ColumnIndex with case-insensitive matching. An
// exact match wins over a case-folded one.
func (t *Table) ColumnIndexFold(name string) int {
	if i := t.ColumnIndex(name); i >= 0 {
		return i
	}
	for i, c := range t.Columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// Column returns a copy of the named column's values, or nil if there
// is no such column.
func (t *Table) Column(name string) []null.String {
	idx := t.ColumnIndex(name)
	if idx < 0 {
		return nil
	}
	vals := make([]null.String, len(t.Rows))
	for i, row := range t.Rows {
		vals[i] = row[idx]
	}
	return vals
}

// WithColumn returns a copy of t with a column appended (or replaced,
// if it already exists) holding the same value in every row.
func (t *Table) WithColumn(name string, value null.String) *Table {
	out := &Table{Columns: append([]string(nil), t.Columns...)}
	idx := out.ColumnIndex(name)
	if idx < 0 {
		idx = len(out.Columns)
		out.Columns = append(out.Columns, name)
	}
	out.Rows = make([][]null.String, len(t.Rows))
	for i, row := range t.Rows {
		nrow := make([]null.String, len(out.Columns))
		copy(nrow, row)
		nrow[idx] = value
		out.Rows[i] = nrow
	}
	return out
}

// Select returns a table with only the named columns, in the given
// order. Names that are not present are skipped.
func (t *Table) Select(names []string) *Table {
	var idx []int
	out := &Table{}
	for _, name := range names {
		if i := t.ColumnIndex(name); i >= 0 {
			idx = append(idx, i)
			out.Columns = append(out.Columns, name)
		}
	}
	out.Rows = make([][]null.String, len(t.Rows))
	for r, row := range t.Rows {
		nrow := make([]null.String, len(idx))
		for o, i := range idx {
			nrow[o] = row[i]
		}
		out.Rows[r] = nrow
	}
	return out
}

// nullCount returns the number of null cells in row, not counting the
// cells at the skip indexes.
func nullCount(row []null.String, skip ...int) int {
	n := 0
CELL:
	for i, v := range row {
		for _, s := range skip {
			if i == s {
				continue CELL
			}
		}
		if !v.Valid {
			n++
		}
	}
	return n
}

// Concat stacks tables vertically. The result's columns are the
// union of the inputs' columns in first-seen order; cells for columns
// a table lacks are null. Nil tables are ignored.
func Concat(tables ...*Table) *Table {
	out := &Table{}
	pos := map[string]int{}
	for _, t := range tables {
		if t == nil {
			continue
		}
		for _, c := range t.Columns {
			if _, ok := pos[c]; !ok {
				pos[c] = len(out.Columns)
				out.Columns = append(out.Columns, c)
			}
		}
	}
	for _, t := range tables {
		if t == nil {
			continue
		}
		dst := make([]int, len(t.Columns))
		for i, c := range t.Columns {
			dst[i] = pos[c]
		}
		for _, row := range t.Rows {
			nrow := make([]null.String, len(out.Columns))
			for i, v := range row {
				nrow[dst[i]] = v
			}
			out.Rows = append(out.Rows, nrow)
		}
	}
	return out
}

// coalesce returns the first valid, non-empty value.
func coalesce(vals ...null.String) null.String {
	for _, v := range vals {
		if v.Valid && v.String != "" {
			return v
		}
	}
	return null.String{}
}
