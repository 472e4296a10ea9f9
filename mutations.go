// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package harmonize

import (
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/guregu/null.v3"
)

const (
	colBarcode        = "Tumor_Sample_Barcode"
	colHugoSymbol     = "Hugo_Symbol"
	colConsequence    = "Consequence"
	colMutationStatus = "Mutation_Status"
)

// PoolMutations stacks the mutation tables of all studies, keeping
// only the call columns (and study_name). Column names are matched
// case-insensitively. Tables without a barcode or gene column are
// skipped.
func PoolMutations(studies []StudyTables, wl *warningLog) *Table {
	var tables []*Table
	for _, st := range studies {
		t := st.Mutation
		if t == nil {
			continue
		}
		sel := &Table{}
		var idx []int
		for _, want := range []string{colBarcode, colHugoSymbol, colConsequence, colMutationStatus, colStudyName} {
			if i := t.ColumnIndexFold(want); i >= 0 {
				idx = append(idx, i)
				sel.Columns = append(sel.Columns, want)
			}
		}
		if sel.ColumnIndex(colBarcode) < 0 || sel.ColumnIndex(colHugoSymbol) < 0 {
			wl.Schema(st.Study.Name, string(MutationTable), "mutation table has no %s or %s column; skipped", colBarcode, colHugoSymbol)
			continue
		}
		sel.Rows = make([][]null.String, len(t.Rows))
		for r, row := range t.Rows {
			nrow := make([]null.String, len(idx))
			for o, i := range idx {
				nrow[o] = row[i]
			}
			sel.Rows[r] = nrow
		}
		tables = append(tables, sel)
	}
	return Concat(tables...)
}

// FeatureBlock names the mutation-derived columns AggregateMutations
// appended, in output order.
type FeatureBlock struct {
	Genes  []string
	Panels []string
}

func (fb FeatureBlock) Columns() []string {
	return append(append([]string(nil), fb.Genes...), fb.Panels...)
}

// AggregateMutations counts calls per (sample, gene), turns the counts
// into 0/1 presence flags (1 iff count >= threshold), sums the flags of
// each panel's genes, and appends the flag and panel columns to the
// sample table. Samples without calls get zeros.
//
// Calls whose barcode is not a SAMPLE_ID in samples are not counted;
// each such barcode is reported once.
//
// With a nil panel config, every gene seen in a counted call gets a
// column, in sorted order.
func AggregateMutations(calls, samples *Table, pc *PanelConfig, threshold int, wl *warningLog) (*Table, FeatureBlock, error) {
	var fb FeatureBlock
	if threshold < 1 {
		return nil, fb, fmt.Errorf("presence threshold %d < 1", threshold)
	}
	if samples == nil {
		samples = &Table{Columns: []string{colSampleID}}
	}
	sidx := samples.ColumnIndex(colSampleID)
	if sidx < 0 {
		return nil, fb, fmt.Errorf("sample table has no %s column", colSampleID)
	}
	known := map[string]bool{}
	for _, row := range samples.Rows {
		if row[sidx].Valid {
			known[row[sidx].String] = true
		}
	}

	counts := map[string]map[string]int{}
	orphans := map[string]int{}
	var orphanOrder []string
	orphanStudy := map[string]string{}
	observed := map[string]bool{}
	if calls != nil && len(calls.Rows) > 0 {
		bidx, gidx, stidx := calls.ColumnIndex(colBarcode), calls.ColumnIndex(colHugoSymbol), calls.ColumnIndex(colStudyName)
		if bidx < 0 || gidx < 0 {
			return nil, fb, fmt.Errorf("mutation table has no %s or %s column", colBarcode, colHugoSymbol)
		}
		incomplete := 0
		for _, row := range calls.Rows {
			barcode, gene := row[bidx], row[gidx]
			if !barcode.Valid || barcode.String == "" || !gene.Valid || gene.String == "" {
				incomplete++
				continue
			}
			if !known[barcode.String] {
				if orphans[barcode.String] == 0 {
					orphanOrder = append(orphanOrder, barcode.String)
					orphanStudy[barcode.String] = studyOf(row, stidx)
				}
				orphans[barcode.String]++
				continue
			}
			bySample := counts[barcode.String]
			if bySample == nil {
				bySample = map[string]int{}
				counts[barcode.String] = bySample
			}
			bySample[gene.String]++
			observed[gene.String] = true
		}
		if incomplete > 0 {
			wl.Schema("", string(MutationTable), "%d mutation calls with empty %s or %s ignored", incomplete, colBarcode, colHugoSymbol)
		}
	}
	for _, barcode := range orphanOrder {
		wl.Schema(orphanStudy[barcode], barcode, "%d mutation calls reference unknown sample; excluded", orphans[barcode])
	}

	if pc != nil {
		fb.Genes = pc.GeneColumns()
		fb.Panels = pc.PanelNames()
	} else {
		for g := range observed {
			fb.Genes = append(fb.Genes, g)
		}
		sort.Strings(fb.Genes)
	}
	geneIdx := make(map[string]int, len(fb.Genes))
	for i, g := range fb.Genes {
		geneIdx[g] = i
	}
	featureCol := map[string]bool{}
	for _, c := range fb.Columns() {
		featureCol[c] = true
	}
	var keep []string
	for _, c := range samples.Columns {
		if featureCol[c] && c != colSampleID {
			wl.Schema("", c, "sample column %s has the same name as a mutation feature; dropped", c)
			continue
		}
		keep = append(keep, c)
	}
	if len(keep) < len(samples.Columns) {
		samples = samples.Select(keep)
		sidx = samples.ColumnIndex(colSampleID)
	}

	out := &Table{Columns: append(append([]string(nil), samples.Columns...), fb.Columns()...)}
	ncol := len(samples.Columns)
	out.Rows = make([][]null.String, len(samples.Rows))
	flags := make([]int, len(fb.Genes))
	for r, row := range samples.Rows {
		nrow := make([]null.String, len(out.Columns))
		copy(nrow, row)
		bySample := counts[row[sidx].String]
		for i, g := range fb.Genes {
			flags[i] = 0
			if bySample[g] >= threshold {
				flags[i] = 1
			}
			nrow[ncol+i] = null.StringFrom(strconv.Itoa(flags[i]))
		}
		if pc != nil {
			for p, panel := range pc.Panels {
				sum := 0
				for _, g := range panel.Genes {
					sum += flags[geneIdx[g]]
				}
				nrow[ncol+len(fb.Genes)+p] = null.StringFrom(strconv.Itoa(sum))
			}
		}
		out.Rows[r] = nrow
	}
	return out, fb, nil
}
