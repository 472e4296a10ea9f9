// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package harmonize

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// SynonymMap maps canonical column names to the source column names
// that mean the same thing. Canonical names keep insertion order, and
// each source name belongs to at most one canonical name.
type SynonymMap struct {
	canonical []string
	synonyms  map[string][]string
	owner     map[string]string // upper-cased synonym => canonical
}

func NewSynonymMap() *SynonymMap {
	return &SynonymMap{
		synonyms: map[string][]string{},
		owner:    map[string]string{},
	}
}

// Add records syn as a synonym of canonical. It returns false, and
// changes nothing, if syn already belongs to a different canonical
// name.
func (sm *SynonymMap) Add(canonical, syn string) bool {
	key := strings.ToUpper(syn)
	if owner, ok := sm.owner[key]; ok {
		return owner == canonical
	}
	if _, ok := sm.synonyms[canonical]; !ok {
		sm.canonical = append(sm.canonical, canonical)
	}
	sm.synonyms[canonical] = append(sm.synonyms[canonical], syn)
	sm.owner[key] = canonical
	return true
}

// remove deletes syn from whichever canonical name holds it, dropping
// the canonical name if it has no synonyms left.
func (sm *SynonymMap) remove(syn string) {
	key := strings.ToUpper(syn)
	canonical, ok := sm.owner[key]
	if !ok {
		return
	}
	delete(sm.owner, key)
	var keep []string
	for _, s := range sm.synonyms[canonical] {
		if strings.ToUpper(s) != key {
			keep = append(keep, s)
		}
	}
	if len(keep) > 0 {
		sm.synonyms[canonical] = keep
		return
	}
	delete(sm.synonyms, canonical)
	for i, c := range sm.canonical {
		if c == canonical {
			sm.canonical = append(sm.canonical[:i:i], sm.canonical[i+1:]...)
			break
		}
	}
}

// Canonical returns the canonical names in insertion order.
func (sm *SynonymMap) Canonical() []string {
	return append([]string(nil), sm.canonical...)
}

func (sm *SynonymMap) Synonyms(canonical string) []string {
	return append([]string(nil), sm.synonyms[canonical]...)
}

// Lookup returns the canonical name for a source column name. Matching
// is case-insensitive.
func (sm *SynonymMap) Lookup(column string) (string, bool) {
	canonical, ok := sm.owner[strings.ToUpper(column)]
	return canonical, ok
}

func (sm *SynonymMap) Len() int { return len(sm.canonical) }

// WriteTo writes the map in the synonym file format read by
// ParseSynonymConfig.
func (sm *SynonymMap) WriteTo(w io.Writer) (int64, error) {
	var n int64
	for _, canonical := range sm.canonical {
		nn, err := fmt.Fprintf(w, "%s = %s\n", canonical, strings.Join(sm.synonyms[canonical], ", "))
		n += int64(nn)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// ParseSynonymConfig reads a synonym file: one "CANONICAL = syn1,
// syn2, ..." rule per line. Blank lines and lines starting with "#" are
// ignored. Malformed lines are skipped with a warning.
func ParseSynonymConfig(r io.Reader, fnm string, wl *warningLog) (*SynonymMap, error) {
	sm := NewSynonymMap()
	scanner := bufio.NewScanner(r)
	for lineno := 1; scanner.Scan(); lineno++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		where := fmt.Sprintf("%s:%d", fnm, lineno)
		if strings.Count(line, "=") != 1 {
			wl.Schema("", where, "synonym rule must contain exactly one '=': %q", line)
			continue
		}
		eq := strings.Index(line, "=")
		canonical := strings.TrimSpace(line[:eq])
		if canonical == "" {
			wl.Schema("", where, "synonym rule has no canonical name: %q", line)
			continue
		}
		var syns []string
		for _, syn := range strings.Split(line[eq+1:], ",") {
			if syn = strings.TrimSpace(syn); syn != "" {
				syns = append(syns, syn)
			}
		}
		if len(syns) == 0 {
			wl.Schema("", where, "synonym rule for %s lists no synonyms", canonical)
			continue
		}
		for _, syn := range syns {
			if !sm.Add(canonical, syn) {
				other, _ := sm.Lookup(syn)
				wl.Integrity("", where, "column %q already maps to %s; not adding it to %s", syn, other, canonical)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ConfigurationError{Path: fnm, Err: err}
	}
	return sm, nil
}

// ReadSynonymFile opens and parses a synonym file. An unreadable file
// is a ConfigurationError.
func ReadSynonymFile(fnm string, wl *warningLog) (*SynonymMap, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, &ConfigurationError{Path: fnm, Err: err}
	}
	defer f.Close()
	return ParseSynonymConfig(f, fnm, wl)
}
