// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package harmonize

import (
	"errors"

	"gopkg.in/guregu/null.v3"
)

// Assemble left-joins the patient table with the sample table (which
// already carries the mutation feature columns) on PATIENT_ID.
//
// The result has one row per sample, with the patient's fields
// repeated on each of its samples. A patient with no samples gets a
// single row with null sample fields and zero feature values. Samples
// whose patient is not in the patient table are dropped.
//
// Columns are: patient columns, sample columns, study_name, then the
// feature block. A sample column with the same name as a patient
// column is merged into it, using the patient value unless that is
// empty.
func Assemble(patients, samples *Table, fb FeatureBlock, wl *warningLog) (*Table, error) {
	if patients == nil {
		return nil, errors.New("no patient records to assemble")
	}
	ppid := patients.ColumnIndex(colPatientID)
	if ppid < 0 {
		return nil, errors.New("patient table has no " + colPatientID + " column")
	}
	if samples == nil {
		samples = &Table{}
	}

	featureCol := map[string]bool{}
	for _, c := range fb.Columns() {
		featureCol[c] = true
	}

	out := &Table{}
	// source index for each output column; -1 if absent
	var pSrc, sSrc []int
	pos := map[string]int{}
	for i, c := range patients.Columns {
		if c == colStudyName {
			continue
		}
		if featureCol[c] {
			wl.Schema("", c, "patient column %s has the same name as a mutation feature; dropped", c)
			continue
		}
		pos[c] = len(out.Columns)
		out.Columns = append(out.Columns, c)
		pSrc = append(pSrc, i)
		sSrc = append(sSrc, -1)
	}
	for i, c := range samples.Columns {
		if c == colStudyName || c == colPatientID || featureCol[c] {
			continue
		}
		if o, ok := pos[c]; ok {
			sSrc[o] = i
			continue
		}
		pos[c] = len(out.Columns)
		out.Columns = append(out.Columns, c)
		pSrc = append(pSrc, -1)
		sSrc = append(sSrc, i)
	}
	studyOut := len(out.Columns)
	out.Columns = append(out.Columns, colStudyName)
	featOut := len(out.Columns)
	out.Columns = append(out.Columns, fb.Columns()...)
	featSrc := make([]int, len(fb.Columns()))
	for i, c := range fb.Columns() {
		featSrc[i] = samples.ColumnIndex(c)
	}
	pStudy, sStudy := patients.ColumnIndex(colStudyName), samples.ColumnIndex(colStudyName)

	// samples grouped by patient, in sample table order
	bySample := map[string][]int{}
	known := map[string]bool{}
	for _, row := range patients.Rows {
		if row[ppid].Valid {
			known[row[ppid].String] = true
		}
	}
	spid := samples.ColumnIndex(colPatientID)
	ssid := samples.ColumnIndex(colSampleID)
	if spid < 0 && len(samples.Rows) > 0 {
		wl.Schema("", colPatientID, "sample table has no %s column; %d samples dropped", colPatientID, len(samples.Rows))
	} else if spid >= 0 {
		for r, row := range samples.Rows {
			pid := row[spid]
			if !pid.Valid || !known[pid.String] {
				record := ""
				if ssid >= 0 {
					record = row[ssid].String
				}
				wl.Schema(studyOf(row, sStudy), record, "sample references unknown patient %q; dropped", pid.String)
				continue
			}
			bySample[pid.String] = append(bySample[pid.String], r)
		}
	}

	zero := null.StringFrom("0")
	for _, prow := range patients.Rows {
		srows := bySample[prow[ppid].String]
		if len(srows) == 0 {
			srows = []int{-1}
		}
		for _, r := range srows {
			var srow []null.String
			if r >= 0 {
				srow = samples.Rows[r]
			}
			nrow := make([]null.String, len(out.Columns))
			for o := 0; o < studyOut; o++ {
				var pv, sv null.String
				if pSrc[o] >= 0 {
					pv = prow[pSrc[o]]
				}
				if srow != nil && sSrc[o] >= 0 {
					sv = srow[sSrc[o]]
				}
				if pSrc[o] >= 0 && sSrc[o] >= 0 {
					nrow[o] = coalesce(pv, sv)
				} else if pSrc[o] >= 0 {
					nrow[o] = pv
				} else {
					nrow[o] = sv
				}
			}
			var pv, sv null.String
			if pStudy >= 0 {
				pv = prow[pStudy]
			}
			if srow != nil && sStudy >= 0 {
				sv = srow[sStudy]
			}
			nrow[studyOut] = coalesce(pv, sv)
			for i, src := range featSrc {
				if srow != nil && src >= 0 && srow[src].Valid {
					nrow[featOut+i] = srow[src]
				} else {
					nrow[featOut+i] = zero
				}
			}
			out.Rows = append(out.Rows, nrow)
		}
	}
	return out, nil
}
