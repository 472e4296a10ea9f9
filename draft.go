// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package harmonize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	draftSynonymsFile = "synonyms.draft.txt"
	draftColumnsFile  = "columns.tsv"
	draftCategories   = "categories.txt"
)

// Categories with more distinct values than this are not listed in
// categories.txt.
const maxCategories = 25

// Draft runs the first phase of a two-phase harmonization: it loads
// the studies, computes a synonym map, and writes it to outdir for a
// curator to review, along with a column inventory and the distinct
// values of categorical columns. The reviewed synonym file is the
// input of Run.
func Draft(ctx context.Context, cfg Config, outdir string) error {
	if cfg.DataRoot == "" {
		return &ConfigurationError{Err: errors.New("data root not specified")}
	}
	if cfg.SynonymsPath == "" && cfg.FeaturesPath == "" {
		return &ConfigurationError{Err: errors.New("need a feature list or a synonym file to start from")}
	}
	if err := cfg.validateParams(); err != nil {
		return err
	}
	wl := &warningLog{}
	in, err := readInputs(&cfg, wl)
	if err != nil {
		return err
	}
	_, tables, err := loadAll(ctx, &cfg, wl)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(outdir, 0777); err != nil {
		return err
	}
	sm := buildSynonyms(in, &cfg, tables, wl)

	err = writeStream(filepath.Join(outdir, draftSynonymsFile), func(w io.Writer) error {
		if err := writeCheckpoint(w, fingerprint(tables)); err != nil {
			return err
		}
		fmt.Fprintf(w, "# Draft synonym map for %d studies under %s.\n", len(tables), cfg.DataRoot)
		fmt.Fprintf(w, "# Edit as needed and pass the result to \"assemble -synonyms\".\n")
		_, err := sm.WriteTo(w)
		return err
	})
	if err != nil {
		return err
	}

	err = writeStream(filepath.Join(outdir, draftColumnsFile), func(w io.Writer) error {
		return writeColumnInventory(w, tables, sm)
	})
	if err != nil {
		return err
	}

	h := NewHarmonizer(sm, nil)
	var harmonized []*Table
	for _, st := range tables {
		harmonized = append(harmonized, h.Apply(st.Patient, st.Study.Name), h.Apply(st.Sample, st.Study.Name))
	}
	err = writeStream(filepath.Join(outdir, draftCategories), func(w io.Writer) error {
		return writeCategories(w, Concat(harmonized...))
	})
	if err != nil {
		return err
	}
	log.Infof("wrote draft synonym map (%d canonical columns) to %s", sm.Len(), outdir)
	wl.logSummary()
	return nil
}

type columnUsage struct {
	studies map[string]bool
	rows    int
	nulls   int
}

// writeColumnInventory lists every source column with its canonical
// name (or "-"), how many studies have it, and its row and null
// counts.
func writeColumnInventory(w io.Writer, studies []StudyTables, sm *SynonymMap) error {
	usage := map[string]*columnUsage{}
	for _, st := range studies {
		for _, t := range []*Table{st.Patient, st.Sample} {
			if t == nil {
				continue
			}
			for ci, c := range t.Columns {
				if c == colStudyName {
					continue
				}
				u := usage[c]
				if u == nil {
					u = &columnUsage{studies: map[string]bool{}}
					usage[c] = u
				}
				u.studies[st.Study.Name] = true
				for _, row := range t.Rows {
					u.rows++
					if !row[ci].Valid {
						u.nulls++
					}
				}
			}
		}
	}
	names := make([]string, 0, len(usage))
	for c := range usage {
		names = append(names, c)
	}
	sort.Strings(names)
	if _, err := fmt.Fprintln(w, "column\tcanonical\tstudies\trows\tnulls"); err != nil {
		return err
	}
	for _, c := range names {
		u := usage[c]
		canonical, ok := sm.Lookup(c)
		if !ok {
			canonical = "-"
		}
		if _, err := fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", c, canonical, len(u.studies), u.rows, u.nulls); err != nil {
			return err
		}
	}
	return nil
}

// writeCategories lists the distinct values of each non-numeric column
// with at most maxCategories of them.
func writeCategories(w io.Writer, t *Table) error {
	for ci, c := range t.Columns {
		if isKeyColumn(c) {
			continue
		}
		distinct := map[string]bool{}
		numeric := true
		for _, row := range t.Rows {
			v := row[ci]
			if !v.Valid {
				continue
			}
			if _, err := strconv.ParseFloat(v.String, 64); err != nil {
				numeric = false
			}
			distinct[v.String] = true
			if len(distinct) > maxCategories {
				break
			}
		}
		if numeric || len(distinct) == 0 || len(distinct) > maxCategories {
			continue
		}
		vals := make([]string, 0, len(distinct))
		for v := range distinct {
			vals = append(vals, v)
		}
		sort.Strings(vals)
		if _, err := fmt.Fprintf(w, "%s: %s\n", c, strings.Join(vals, ", ")); err != nil {
			return err
		}
	}
	return nil
}
