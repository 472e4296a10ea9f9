// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package harmonize

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Result is the outcome of a successful pipeline run.
type Result struct {
	Table    *Table
	Features FeatureBlock
	Synonyms *SynonymMap
	Studies  []Study
	Warnings []Warning
}

// inputs holds the configuration files, read before any data is
// touched so a bad file aborts the run without output.
type inputs struct {
	synonyms *SynonymMap
	features []Feature
	panels   *PanelConfig
	columns  []string
}

func readInputs(cfg *Config, wl *warningLog) (*inputs, error) {
	in := &inputs{}
	var err error
	if cfg.SynonymsPath != "" {
		if in.synonyms, err = ReadSynonymFile(cfg.SynonymsPath, wl); err != nil {
			return nil, err
		}
	}
	if cfg.FeaturesPath != "" {
		if in.features, err = ReadFeatureFile(cfg.FeaturesPath); err != nil {
			return nil, err
		}
	}
	if cfg.PanelsPath != "" {
		if in.panels, err = ReadPanelFile(cfg.PanelsPath); err != nil {
			return nil, err
		}
	}
	if cfg.ColumnsPath != "" {
		if in.columns, err = ReadColumnFile(cfg.ColumnsPath); err != nil {
			return nil, err
		}
	}
	return in, nil
}

// ReadColumnFile reads a column selection file: one column name per
// line, "#" comments allowed.
func ReadColumnFile(fnm string) ([]string, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, &ConfigurationError{Path: fnm, Err: err}
	}
	defer f.Close()
	var cols []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			cols = append(cols, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ConfigurationError{Path: fnm, Err: err}
	}
	return cols, nil
}

func loadAll(ctx context.Context, cfg *Config, wl *warningLog) ([]Study, []StudyTables, error) {
	studies, err := DiscoverStudies(cfg.DataRoot, cfg.Studies, wl)
	if err != nil {
		return nil, nil, err
	}
	log.Infof("found %d studies in %s", len(studies), cfg.DataRoot)
	tables, err := LoadStudies(ctx, studies, cfg.loadOptions(), wl)
	if err != nil {
		return nil, nil, err
	}
	return studies, tables, nil
}

// clinicalColumns returns the distinct column names of all patient
// and sample tables.
func clinicalColumns(studies []StudyTables) []string {
	var cols []string
	seen := map[string]bool{}
	for _, st := range studies {
		for _, t := range []*Table{st.Patient, st.Sample} {
			if t == nil {
				continue
			}
			for _, c := range t.Columns {
				if !seen[c] {
					seen[c] = true
					cols = append(cols, c)
				}
			}
		}
	}
	return cols
}

// buildSynonyms returns the explicit synonym map, extended by fuzzy
// matching of any columns it does not cover if a feature list was
// given.
func buildSynonyms(in *inputs, cfg *Config, studies []StudyTables, wl *warningLog) *SynonymMap {
	sm := in.synonyms
	if in.features == nil {
		if sm == nil {
			sm = NewSynonymMap()
		}
		return sm
	}
	var unmapped []string
	for _, c := range clinicalColumns(studies) {
		if sm == nil {
			unmapped = append(unmapped, c)
		} else if _, ok := sm.Lookup(c); !ok {
			unmapped = append(unmapped, c)
		}
	}
	fuzzy := MatchFeatures(in.features, unmapped, cfg.matchOptions(), wl)
	if sm == nil {
		return fuzzy
	}
	for _, canonical := range fuzzy.Canonical() {
		for _, syn := range fuzzy.Synonyms(canonical) {
			sm.Add(canonical, syn)
		}
	}
	return sm
}

// harmonizeTables renames, selects and pools the clinical tables of
// all studies, and deduplicates the pooled tables by their keys.
func harmonizeTables(studies []StudyTables, h *Harmonizer, columns []string, wl *warningLog) (patients, samples *Table, err error) {
	var ptables, stables []*Table
	for _, st := range studies {
		name := st.Study.Name
		for _, x := range []struct {
			t    *Table
			key  string
			kind TableKind
			dst  *[]*Table
		}{
			{st.Patient, colPatientID, PatientTable, &ptables},
			{st.Sample, colSampleID, SampleTable, &stables},
		} {
			t := h.Apply(x.t, name)
			if t == nil {
				continue
			}
			if columns != nil {
				t = SelectColumns(t, columns)
			}
			if t.ColumnIndex(x.key) < 0 {
				wl.Schema(name, string(x.kind), "%s table has no %s column; skipped", x.kind, x.key)
				continue
			}
			*x.dst = append(*x.dst, t)
		}
	}

	if len(ptables) == 0 {
		patients = &Table{Columns: []string{colPatientID}}
	} else if patients, err = Deduplicate(Concat(ptables...), colPatientID, wl); err != nil {
		return nil, nil, err
	}
	if len(stables) == 0 {
		samples = &Table{Columns: []string{colSampleID, colPatientID}}
	} else if samples, err = Deduplicate(Concat(stables...), colSampleID, wl); err != nil {
		return nil, nil, err
	}
	log.Infof("pooled %d patients, %d samples", len(patients.Rows), len(samples.Rows))
	return patients, samples, nil
}

// Run executes the whole pipeline and writes the output table, its
// metadata file, and (if configured) the metrics file.
//
// Configuration problems are reported as *ConfigurationError before
// anything is written. After that, bad records produce warnings, not
// errors.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	metrics := newRunMetrics()
	wl := &warningLog{onAdd: metrics.observeWarning}
	in, err := readInputs(&cfg, wl)
	if err != nil {
		return nil, err
	}

	studies, tables, err := loadAll(ctx, &cfg, wl)
	if err != nil {
		return nil, err
	}
	metrics.observeStudies(tables)
	if cfg.SynonymsPath != "" {
		if err := verifyCheckpoint(cfg.SynonymsPath, tables, wl); err != nil {
			return nil, err
		}
	}

	sm := buildSynonyms(in, &cfg, tables, wl)
	log.Infof("synonym map has %d canonical columns", sm.Len())
	patients, samples, err := harmonizeTables(tables, NewHarmonizer(sm, wl), in.columns, wl)
	if err != nil {
		return nil, err
	}

	calls := PoolMutations(tables, wl)
	samples, fb, err := AggregateMutations(calls, samples, in.panels, cfg.PresenceThreshold, wl)
	if err != nil {
		return nil, err
	}
	log.Infof("%d mutation calls, %d gene columns, %d panel columns", len(calls.Rows), len(fb.Genes), len(fb.Panels))

	out, err := Assemble(patients, samples, fb, wl)
	if err != nil {
		return nil, err
	}
	metrics.output.Set(float64(len(out.Rows)))

	format := cfg.format()
	if err = WriteTable(cfg.OutputPath, format, out, fb); err != nil {
		return nil, fmt.Errorf("writing %s: %w", cfg.OutputPath, err)
	}
	meta := &Metadata{
		Output:   cfg.OutputPath,
		Format:   format,
		Rows:     len(out.Rows),
		Genes:    fb.Genes,
		Panels:   fb.Panels,
		MinCalls: cfg.PresenceThreshold,
		Warnings: wl.Summary(),
		Columns:  columnStats(out, fb),
	}
	for _, s := range studies {
		meta.Studies = append(meta.Studies, s.Name)
	}
	if err = writeStream(cfg.OutputPath+".meta.json", func(w io.Writer) error {
		_, err := meta.WriteTo(w)
		return err
	}); err != nil {
		return nil, err
	}
	if cfg.MetricsPath != "" {
		if err = metrics.WriteFile(cfg.MetricsPath); err != nil {
			return nil, err
		}
	}
	wl.logSummary()
	return &Result{
		Table:    out,
		Features: fb,
		Synonyms: sm,
		Studies:  studies,
		Warnings: wl.Warnings(),
	}, nil
}
