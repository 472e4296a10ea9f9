// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package harmonize

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

const checkpointPrefix = "# checkpoint:"

// fingerprint identifies the input a synonym draft was computed from:
// the study names and the union of their clinical column names.
func fingerprint(studies []StudyTables) string {
	var names []string
	cols := map[string]bool{}
	for _, st := range studies {
		names = append(names, st.Study.Name)
		for _, t := range []*Table{st.Patient, st.Sample} {
			if t == nil {
				continue
			}
			for _, c := range t.Columns {
				cols[c] = true
			}
		}
	}
	sort.Strings(names)
	var colnames []string
	for c := range cols {
		colnames = append(colnames, c)
	}
	sort.Strings(colnames)

	h, _ := blake2b.New256(nil)
	for _, name := range names {
		fmt.Fprintf(h, "study\t%s\n", name)
	}
	for _, c := range colnames {
		fmt.Fprintf(h, "column\t%s\n", c)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

func writeCheckpoint(w io.Writer, fp string) error {
	_, err := fmt.Fprintf(w, "%s %s\n", checkpointPrefix, fp)
	return err
}

// readCheckpoint returns the fingerprint recorded in a synonym file,
// or "" if there is none.
func readCheckpoint(fnm string) (string, error) {
	f, err := zopen(fnm)
	if err != nil {
		return "", &ConfigurationError{Path: fnm, Err: err}
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, checkpointPrefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, checkpointPrefix)), nil
		}
		if line != "" && !strings.HasPrefix(line, "#") {
			break
		}
	}
	return "", scanner.Err()
}

// verifyCheckpoint warns if the synonym file was drafted from
// different input data than the current run is using.
func verifyCheckpoint(fnm string, studies []StudyTables, wl *warningLog) error {
	recorded, err := readCheckpoint(fnm)
	if err != nil {
		return err
	}
	if recorded == "" {
		log.Infof("%s has no checkpoint line, not checking against input data", fnm)
		return nil
	}
	if current := fingerprint(studies); current != recorded {
		wl.Integrity("", fnm, "checkpoint %s does not match input data (%s); studies or columns changed since the draft was written", recorded, current)
	} else {
		log.Infof("%s checkpoint matches input data", fnm)
	}
	return nil
}
