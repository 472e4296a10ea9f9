// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package harmonize

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ConfigurationError reports a missing or malformed input that makes
// the run impossible (data root, synonym file, panel file, config
// file). It is always fatal.
type ConfigurationError struct {
	Path string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("configuration error: %s", e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Path, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErrorf(path, format string, args ...interface{}) error {
	return &ConfigurationError{Path: path, Err: fmt.Errorf(format, args...)}
}

type WarningKind string

const (
	SchemaWarning        WarningKind = "schema"
	DataIntegrityWarning WarningKind = "data-integrity"
)

// Warning is a non-fatal problem: the offending record or column was
// excluded, or a tie was broken, and processing continued.
type Warning struct {
	Kind   WarningKind
	Study  string
	Record string
	Reason string
}

// warningLog logs each warning as it happens and keeps them for the
// end-of-run summary. Safe for concurrent use (studies are loaded in
// parallel).
type warningLog struct {
	mtx      sync.Mutex
	warnings []Warning
	onAdd    func(Warning)
}

func (wl *warningLog) add(kind WarningKind, study, record, reason string) {
	if wl == nil {
		return
	}
	w := Warning{Kind: kind, Study: study, Record: record, Reason: reason}
	log.WithFields(log.Fields{
		"kind":   string(kind),
		"study":  study,
		"record": record,
	}).Warn(reason)
	wl.mtx.Lock()
	wl.warnings = append(wl.warnings, w)
	onAdd := wl.onAdd
	wl.mtx.Unlock()
	if onAdd != nil {
		onAdd(w)
	}
}

func (wl *warningLog) Schema(study, record, format string, args ...interface{}) {
	wl.add(SchemaWarning, study, record, fmt.Sprintf(format, args...))
}

func (wl *warningLog) Integrity(study, record, format string, args ...interface{}) {
	wl.add(DataIntegrityWarning, study, record, fmt.Sprintf(format, args...))
}

// Warnings returns a copy of everything logged so far, in the order
// it was logged.
func (wl *warningLog) Warnings() []Warning {
	if wl == nil {
		return nil
	}
	wl.mtx.Lock()
	defer wl.mtx.Unlock()
	return append([]Warning(nil), wl.warnings...)
}

// Summary counts warnings per kind.
func (wl *warningLog) Summary() map[WarningKind]int {
	counts := map[WarningKind]int{}
	for _, w := range wl.Warnings() {
		counts[w.Kind]++
	}
	return counts
}

func (wl *warningLog) logSummary() {
	counts := wl.Summary()
	kinds := make([]string, 0, len(counts))
	for kind := range counts {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	if len(kinds) == 0 {
		log.Info("no warnings")
		return
	}
	for _, kind := range kinds {
		log.Infof("%d %s warnings", counts[WarningKind(kind)], kind)
	}
}
