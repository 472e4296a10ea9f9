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

	"github.com/pmezard/go-difflib/difflib"
	log "github.com/sirupsen/logrus"
)

// Feature is one entry of the canonical feature list. Source columns
// are matched against Stem; matches are renamed to Name.
type Feature struct {
	Stem string
	Name string
}

// ParseFeatureList reads one feature per line. "STEM -> NAME" matches
// columns against STEM but names the canonical column NAME. Blank and
// "#" lines are ignored. Stems are upper-cased; repeated stems are
// dropped.
func ParseFeatureList(r io.Reader, fnm string) ([]Feature, error) {
	var features []Feature
	seen := map[string]bool{}
	scanner := bufio.NewScanner(r)
	for lineno := 1; scanner.Scan(); lineno++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		stem, name := line, line
		if i := strings.Index(line, "->"); i >= 0 {
			stem, name = strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+2:])
		}
		if stem == "" || name == "" {
			return nil, configErrorf(fmt.Sprintf("%s:%d", fnm, lineno), "malformed feature line %q", line)
		}
		stem, name = strings.ToUpper(stem), strings.ToUpper(name)
		if seen[stem] {
			continue
		}
		seen[stem] = true
		features = append(features, Feature{Stem: stem, Name: name})
	}
	if err := scanner.Err(); err != nil {
		return nil, &ConfigurationError{Path: fnm, Err: err}
	}
	return features, nil
}

func ReadFeatureFile(fnm string) ([]Feature, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, &ConfigurationError{Path: fnm, Err: err}
	}
	defer f.Close()
	return ParseFeatureList(f, fnm)
}

// FoldRule moves every synonym containing Substring into the Target
// canonical name.
type FoldRule struct {
	Substring string
	Target    string
}

type MatchOptions struct {
	// A feature/column pair is a candidate only if its similarity
	// exceeds MinRatio.
	MinRatio float64
	// A candidate is accepted if the column starts with the feature
	// stem, or its similarity exceeds StrongRatio.
	StrongRatio float64
	Fold        []FoldRule
}

var DefaultMatchOptions = MatchOptions{
	MinRatio:    0.25,
	StrongRatio: 0.8,
	Fold:        []FoldRule{{Substring: "NONSYNONYMOUS", Target: "TMB"}},
}

// similarity is difflib's SequenceMatcher ratio over the characters
// of a and b: 2*M/T, where M is the total size of the matching blocks
// found by recursive longest-common-substring search and T is
// len(a)+len(b).
func similarity(a, b string) float64 {
	return difflib.NewMatcher(strings.Split(a, ""), strings.Split(b, "")).Ratio()
}

// MatchFeatures builds a synonym map by approximate matching of the
// source column names against the feature list.
//
// Column names are compared upper-cased and visited in sorted order,
// so the result does not depend on the order studies were loaded in.
// Each column goes to the feature with the highest similarity; ties
// go to the feature listed first.
func MatchFeatures(features []Feature, columns []string, opts MatchOptions, wl *warningLog) *SynonymMap {
	distinct := map[string]bool{}
	for _, c := range columns {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" || isKeyColumn(c) {
			continue
		}
		distinct[c] = true
	}
	cols := make([]string, 0, len(distinct))
	for c := range distinct {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	assigned := make([][]string, len(features))
	for _, col := range cols {
		best, bestRatio := -1, 0.0
		var tied []string
		for fi, feat := range features {
			ratio := similarity(feat.Stem, col)
			if ratio <= opts.MinRatio {
				continue
			}
			if !strings.HasPrefix(col, feat.Stem) && ratio <= opts.StrongRatio {
				continue
			}
			if best < 0 || ratio > bestRatio {
				best, bestRatio = fi, ratio
				tied = tied[:0]
			} else if ratio == bestRatio {
				tied = append(tied, feat.Stem)
			}
		}
		if len(tied) > 0 {
			wl.Integrity("", col, "column matches %s and %s equally (ratio %.3f); using %s", features[best].Stem, strings.Join(tied, ", "), bestRatio, features[best].Name)
		}
		if best >= 0 {
			log.Debugf("column %s => %s (ratio %.3f)", col, features[best].Name, bestRatio)
			assigned[best] = append(assigned[best], col)
		}
	}

	sm := NewSynonymMap()
	for fi, feat := range features {
		for _, col := range assigned[fi] {
			sm.Add(feat.Name, col)
		}
	}
	foldSynonyms(sm, opts.Fold)
	return sm
}

// foldSynonyms applies fold rules, e.g. moving NONSYNONYMOUS_* columns
// into the TMB bucket.
func foldSynonyms(sm *SynonymMap, rules []FoldRule) {
	for _, rule := range rules {
		sub := strings.ToUpper(rule.Substring)
		for _, canonical := range sm.Canonical() {
			if canonical == rule.Target {
				continue
			}
			for _, syn := range sm.Synonyms(canonical) {
				if !strings.Contains(strings.ToUpper(syn), sub) {
					continue
				}
				sm.remove(syn)
				sm.Add(rule.Target, syn)
				log.Infof("column %s folded from %s into %s", syn, canonical, rule.Target)
			}
		}
	}
}

func isKeyColumn(name string) bool {
	switch strings.ToUpper(name) {
	case colPatientID, colSampleID, strings.ToUpper(colStudyName):
		return true
	}
	return false
}
