// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package harmonize

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/pgzip"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// writeAtomic calls write with a temporary file in the same directory
// as fnm, and renames it to fnm if write succeeds. Nothing is left at
// fnm if write fails.
func writeAtomic(fnm string, write func(tmpfnm string) error) error {
	dir, base := filepath.Split(fnm)
	if dir == "" {
		dir = "."
	}
	f, err := os.CreateTemp(dir, "."+base+".tmp-")
	if err != nil {
		return err
	}
	tmpfnm := f.Name()
	f.Close()
	defer os.Remove(tmpfnm)
	if err = write(tmpfnm); err != nil {
		return err
	}
	if err = os.Chmod(tmpfnm, 0644); err != nil {
		return err
	}
	return os.Rename(tmpfnm, fnm)
}

// writeStream is writeAtomic for stream formats. Output is gzipped if
// fnm ends in ".gz".
func writeStream(fnm string, write func(io.Writer) error) error {
	return writeAtomic(fnm, func(tmpfnm string) error {
		f, err := os.OpenFile(tmpfnm, os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		defer f.Close()
		var w io.WriteCloser = nopCloser{f}
		if strings.HasSuffix(fnm, ".gz") {
			w = pgzip.NewWriter(f)
		}
		bufw := bufio.NewWriterSize(w, 1<<20)
		if err = write(bufw); err != nil {
			return err
		}
		if err = bufw.Flush(); err != nil {
			return err
		}
		if err = w.Close(); err != nil {
			return err
		}
		return f.Close()
	})
}

// writeDelimited writes t with a header row. Null cells are written
// as empty fields.
func writeDelimited(w io.Writer, t *Table, comma rune) error {
	cw := csv.NewWriter(w)
	cw.Comma = comma
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	rec := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for i, v := range row {
			rec[i] = v.String
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteTable writes the assembled table to fnm in the given format
// ("tsv", "csv", "npy" or "sqlite"). For npy, only the feature block
// goes in the array; row labels are written to a TSV file alongside.
func WriteTable(fnm, format string, t *Table, fb FeatureBlock) error {
	log.WithFields(log.Fields{
		"filename": fnm,
		"format":   format,
		"rows":     len(t.Rows),
		"cols":     len(t.Columns),
	}).Info("writing output")
	switch format {
	case "tsv":
		return writeStream(fnm, func(w io.Writer) error { return writeDelimited(w, t, '\t') })
	case "csv":
		return writeStream(fnm, func(w io.Writer) error { return writeDelimited(w, t, ',') })
	case "npy":
		return writeNumpy(fnm, t, fb)
	case "sqlite":
		return writeSQLite(fnm, t)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func labelsFilename(npyfnm string) string {
	return strings.TrimSuffix(npyfnm, ".npy") + ".labels.tsv"
}

func writeNumpy(fnm string, t *Table, fb FeatureBlock) error {
	cols := fb.Columns()
	idx := make([]int, len(cols))
	for i, c := range cols {
		if idx[i] = t.ColumnIndex(c); idx[i] < 0 {
			return fmt.Errorf("feature column %s missing from output table", c)
		}
	}
	rows := len(t.Rows)
	out := make([]int16, rows*len(cols))
	for r, row := range t.Rows {
		for i, ci := range idx {
			v, err := strconv.ParseInt(row[ci].String, 10, 16)
			if err != nil {
				return fmt.Errorf("row %d column %s: %w", r, cols[i], err)
			}
			out[r*len(cols)+i] = int16(v)
		}
	}
	err := writeAtomic(fnm, func(tmpfnm string) error {
		output, err := os.OpenFile(tmpfnm, os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		defer output.Close()
		bufw := bufio.NewWriter(output)
		npw, err := gonpy.NewWriter(nopCloser{bufw})
		if err != nil {
			return fmt.Errorf("gonpy.NewWriter: %w", err)
		}
		npw.Shape = []int{rows, len(cols)}
		if err = npw.WriteInt16(out); err != nil {
			return err
		}
		if err = bufw.Flush(); err != nil {
			return err
		}
		return output.Close()
	})
	if err != nil {
		return err
	}

	labels := t.Select([]string{colPatientID, colSampleID, colStudyName})
	return writeStream(labelsFilename(fnm), func(w io.Writer) error {
		if _, err := fmt.Fprintf(w, "index\t%s\n", strings.Join(labels.Columns, "\t")); err != nil {
			return err
		}
		for r, row := range labels.Rows {
			vals := make([]string, len(row))
			for i, v := range row {
				vals[i] = v.String
			}
			if _, err := fmt.Fprintf(w, "%d\t%s\n", r, strings.Join(vals, "\t")); err != nil {
				return err
			}
		}
		return nil
	})
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// writeSQLite writes t to a new database file as table "features",
// all columns TEXT, null cells as SQL NULL.
func writeSQLite(fnm string, t *Table) error {
	return writeAtomic(fnm, func(tmpfnm string) error {
		if err := os.Remove(tmpfnm); err != nil {
			return err
		}
		db, err := sql.Open("sqlite", tmpfnm)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		defer db.Close()
		ctx := context.Background()
		var defs, qcols, marks []string
		for _, c := range t.Columns {
			defs = append(defs, quoteIdent(c)+" TEXT")
			qcols = append(qcols, quoteIdent(c))
			marks = append(marks, "?")
		}
		if _, err = db.ExecContext(ctx, "CREATE TABLE features ("+strings.Join(defs, ", ")+")"); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, "INSERT INTO features ("+strings.Join(qcols, ", ")+") VALUES ("+strings.Join(marks, ", ")+")")
		if err != nil {
			tx.Rollback()
			return err
		}
		args := make([]interface{}, len(t.Columns))
		for _, row := range t.Rows {
			for i, v := range row {
				args[i] = v
			}
			if _, err = stmt.ExecContext(ctx, args...); err != nil {
				stmt.Close()
				tx.Rollback()
				return fmt.Errorf("insert: %w", err)
			}
		}
		stmt.Close()
		if err = tx.Commit(); err != nil {
			return err
		}
		return db.Close()
	})
}
