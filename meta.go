// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package harmonize

import (
	"encoding/json"
	"io"
	"math"
	"strconv"

	"gonum.org/v1/gonum/stat"
)

// Metadata describes an output table. It is written next to the
// output as <output>.meta.json.
type Metadata struct {
	Studies  []string            `json:"studies"`
	Output   string              `json:"output"`
	Format   string              `json:"format"`
	Rows     int                 `json:"rows"`
	Genes    []string            `json:"genes"`
	Panels   []string            `json:"panels"`
	MinCalls int                 `json:"min_calls"`
	Warnings map[WarningKind]int `json:"warnings"`
	Columns  []ColumnStats       `json:"columns"`
}

type ColumnStats struct {
	Name    string `json:"name"`
	NonNull int    `json:"non_null"`
	// Set for columns whose non-null values are all numeric.
	Mean   *float64 `json:"mean,omitempty"`
	StdDev *float64 `json:"stddev,omitempty"`
	// Fraction of rows with a non-zero value; feature columns only.
	Frequency *float64 `json:"frequency,omitempty"`
}

func columnStats(t *Table, fb FeatureBlock) []ColumnStats {
	feature := map[string]bool{}
	for _, c := range fb.Columns() {
		feature[c] = true
	}
	out := make([]ColumnStats, len(t.Columns))
	vals := make([]float64, 0, len(t.Rows))
	for ci, name := range t.Columns {
		cs := ColumnStats{Name: name}
		vals = vals[:0]
		numeric := true
		for _, row := range t.Rows {
			v := row[ci]
			if !v.Valid {
				continue
			}
			cs.NonNull++
			if !numeric {
				continue
			}
			f, err := strconv.ParseFloat(v.String, 64)
			if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
				numeric = false
				continue
			}
			vals = append(vals, f)
		}
		if numeric && len(vals) > 0 && name != colPatientID && name != colSampleID {
			mean, sd := stat.MeanStdDev(vals, nil)
			if len(vals) < 2 {
				sd = 0
			}
			cs.Mean, cs.StdDev = &mean, &sd
			if feature[name] {
				for i, v := range vals {
					if v != 0 {
						vals[i] = 1
					}
				}
				freq := stat.Mean(vals, nil)
				cs.Frequency = &freq
			}
		}
		out[ci] = cs
	}
	return out
}

func (m *Metadata) WriteTo(w io.Writer) (int64, error) {
	buf, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return 0, err
	}
	n, err := w.Write(append(buf, '\n'))
	return int64(n), err
}
