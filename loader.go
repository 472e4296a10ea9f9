// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package harmonize

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/csimplestring/go-csv/detector"
	log "github.com/sirupsen/logrus"
	"gopkg.in/guregu/null.v3"
)

type TableKind string

const (
	PatientTable  TableKind = "patient"
	SampleTable   TableKind = "sample"
	MutationTable TableKind = "mutation"
)

var defaultFileNames = map[TableKind]string{
	PatientTable:  "data_clinical_patient.txt",
	SampleTable:   "data_clinical_sample.txt",
	MutationTable: "data_mutations.txt",
}

// Tokens read as missing values (the pandas read_csv defaults).
var defaultNAValues = []string{"", "NA", "N/A", "n/a", "NaN", "-NaN", "nan", "-nan", "NULL", "null", "None", "<NA>", "#N/A"}

type LoadOptions struct {
	// File name per table kind; defaults to the cBioPortal names.
	FileNames map[TableKind]string
	// Cell values loaded as null. Defaults to defaultNAValues.
	NAValues []string
	// Guess the delimiter instead of assuming tab.
	DetectDelimiter bool
	// Number of studies loaded concurrently.
	Parallel int
}

func (opts LoadOptions) fileName(kind TableKind) string {
	if fnm, ok := opts.FileNames[kind]; ok && fnm != "" {
		return fnm
	}
	return defaultFileNames[kind]
}

func (opts LoadOptions) naSet() map[string]bool {
	vals := opts.NAValues
	if vals == nil {
		vals = defaultNAValues
	}
	set := make(map[string]bool, len(vals))
	for _, v := range vals {
		set[v] = true
	}
	return set
}

// LoadTable reads one table of the given kind from the study
// directory. It returns a nil table (and nil error) if the study does
// not provide that file. Compressed copies (".gz", ".xz") are used
// when the plain file is absent.
//
// Lines starting with "#" are dropped before parsing. The file on
// disk is only read.
func LoadTable(study Study, kind TableKind, opts LoadOptions, wl *warningLog) (*Table, error) {
	base := filepath.Join(study.Path, opts.fileName(kind))
	for _, fnm := range []string{base, base + ".gz", base + ".xz"} {
		f, err := zopen(fnm)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("%s: %w", fnm, err)
		}
		buf, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fnm, err)
		}
		t, err := parseTable(buf, fnm, study.Name, opts, wl)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fnm, err)
		} else if t == nil {
			return nil, nil
		}
		log.Infof("read %s: %d rows, %d columns", fnm, len(t.Rows), len(t.Columns))
		return t, nil
	}
	log.Debugf("%s: no %s table", study.Name, kind)
	return nil, nil
}

func parseTable(buf []byte, fnm, study string, opts LoadOptions, wl *warningLog) (*Table, error) {
	// Sanitized copy: comment and blank lines removed, line numbers
	// kept for warnings.
	var clean bytes.Buffer
	var lines [][]byte
	var lineno []int
	for i, line := range bytes.Split(buf, []byte{'\n'}) {
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		clean.Write(line)
		clean.WriteByte('\n')
		lines = append(lines, line)
		lineno = append(lineno, i+1)
	}
	if clean.Len() == 0 {
		wl.Schema(study, fnm, "no header line; table ignored")
		return nil, nil
	}

	delim := '\t'
	if opts.DetectDelimiter {
		delim = detectDelimiter(clean.Bytes())
	}
	var records [][]string
	var recLine []int
	if delim == '\t' {
		// cBioPortal files are plain TSV: quotes are data.
		for i, line := range lines {
			records = append(records, strings.Split(string(line), "\t"))
			recLine = append(recLine, lineno[i])
		}
	} else {
		rdr := csv.NewReader(&clean)
		rdr.Comma = delim
		rdr.LazyQuotes = true
		rdr.FieldsPerRecord = -1
		for {
			fields, err := rdr.Read()
			if err == io.EOF {
				break
			} else if err != nil {
				return nil, err
			}
			line := sourceLine(rdr, lineno)
			for _, v := range fields {
				if strings.Contains(v, "\n") {
					wl.Schema(study, fmt.Sprintf("%s:%d", fnm, line), "quoted field spans several lines; check for an unbalanced quote")
					break
				}
			}
			records = append(records, fields)
			recLine = append(recLine, line)
		}
	}

	t := &Table{Columns: dedupHeader(records[0])}
	na := opts.naSet()
	for r, fields := range records[1:] {
		if len(fields) > len(t.Columns) {
			wl.Schema(study, fmt.Sprintf("%s:%d", fnm, recLine[r+1]), "row has %d fields, header has %d; extra fields dropped", len(fields), len(t.Columns))
			fields = fields[:len(t.Columns)]
		}
		row := make([]null.String, len(t.Columns))
		for i, v := range fields {
			if !na[v] {
				row[i] = null.StringFrom(v)
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// sourceLine maps the reader's position in the sanitized copy back
// to a line number in the original file.
func sourceLine(rdr *csv.Reader, lineno []int) int {
	line, _ := rdr.FieldPos(0)
	if line < 1 || line > len(lineno) {
		return 0
	}
	return lineno[line-1]
}

// dedupHeader trims column names and renames repeats the way pandas
// does ("X", "X.1", "X.2").
func dedupHeader(header []string) []string {
	seen := map[string]int{}
	out := make([]string, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if n := seen[name]; n > 0 {
			out[i] = fmt.Sprintf("%s.%d", name, n)
		} else {
			out[i] = name
		}
		seen[name]++
	}
	return out
}

func detectDelimiter(buf []byte) rune {
	d := detector.New()
	delimiters := d.DetectDelimiter(bytes.NewReader(buf), '"')
	if len(delimiters) > 0 && len(delimiters[0]) == 1 {
		return rune(delimiters[0][0])
	}
	return '\t'
}

// StudyTables holds whichever tables a study provides, each with a
// study_name column added.
type StudyTables struct {
	Study    Study
	Patient  *Table
	Sample   *Table
	Mutation *Table
}

// LoadStudies loads all three table kinds for every study, running up
// to opts.Parallel studies at once. Results are in the same order as
// studies.
func LoadStudies(ctx context.Context, studies []Study, opts LoadOptions, wl *warningLog) ([]StudyTables, error) {
	out := make([]StudyTables, len(studies))
	thr := throttle{Max: opts.Parallel}
	for i, study := range studies {
		i, study := i, study
		thr.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			st := StudyTables{Study: study}
			for _, dst := range []struct {
				kind  TableKind
				table **Table
			}{
				{PatientTable, &st.Patient},
				{SampleTable, &st.Sample},
				{MutationTable, &st.Mutation},
			} {
				t, err := LoadTable(study, dst.kind, opts, wl)
				if err != nil {
					return err
				}
				if t != nil {
					t = withStudyName(t, study.Name, dst.kind, wl)
				}
				*dst.table = t
			}
			out[i] = st
			return nil
		})
	}
	if err := thr.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// withStudyName adds the study_name provenance column. A column the
// file already has under that name (any case) is renamed to
// "<name>.source" so it cannot override the directory name.
func withStudyName(t *Table, study string, kind TableKind, wl *warningLog) *Table {
	if i := t.ColumnIndexFold(colStudyName); i >= 0 {
		renamed := t.Columns[i] + ".source"
		wl.Schema(study, string(kind), "%s table has its own %s column; renamed to %s", kind, t.Columns[i], renamed)
		cols := append([]string(nil), t.Columns...)
		cols[i] = renamed
		t = &Table{Columns: cols, Rows: t.Rows}
	}
	return t.WithColumn(colStudyName, null.StringFrom(study))
}
