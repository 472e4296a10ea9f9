// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package harmonize

import (
	"fmt"
	"strings"

	"gopkg.in/guregu/null.v3"
)

// Deduplicate returns a copy of t with one row per distinct value of
// the key column. In each group the row with the fewest null non-key
// cells is kept; ties go to the earliest row. Groups appear in the
// order their key was first seen.
//
// Rows with an empty key are dropped. It is an error for t to have no
// key column.
func Deduplicate(t *Table, key string, wl *warningLog) (*Table, error) {
	if t == nil {
		return nil, nil
	}
	kidx := t.ColumnIndex(key)
	if kidx < 0 {
		return nil, fmt.Errorf("cannot deduplicate: no %s column", key)
	}
	sidx := t.ColumnIndex(colStudyName)

	var order []string
	groups := map[string][]int{}
	for r, row := range t.Rows {
		k := row[kidx]
		if !k.Valid || strings.TrimSpace(k.String) == "" {
			wl.Schema(studyOf(row, sidx), fmt.Sprintf("row %d", r+1), "empty %s; row dropped", key)
			continue
		}
		if _, ok := groups[k.String]; !ok {
			order = append(order, k.String)
		}
		groups[k.String] = append(groups[k.String], r)
	}

	out := &Table{Columns: append([]string(nil), t.Columns...)}
	for _, k := range order {
		rows := groups[k]
		best, bestNulls := rows[0], nullCount(t.Rows[rows[0]], kidx, sidx)
		for _, r := range rows[1:] {
			if n := nullCount(t.Rows[r], kidx, sidx); n < bestNulls {
				best, bestNulls = r, n
			}
		}
		if len(rows) > 1 {
			var dropped []string
			for _, r := range rows {
				if r != best {
					dropped = append(dropped, studyOf(t.Rows[r], sidx))
				}
			}
			wl.Integrity(studyOf(t.Rows[best], sidx), k, "%d rows with %s %s; kept row with %d nulls, dropped rows from [%s]", len(rows), key, k, bestNulls, strings.Join(dropped, " "))
		}
		out.Rows = append(out.Rows, append([]null.String(nil), t.Rows[best]...))
	}
	return out, nil
}

func studyOf(row []null.String, sidx int) string {
	if sidx < 0 {
		return ""
	}
	return row[sidx].String
}
