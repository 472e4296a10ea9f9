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

// GenePanel is a named set of genes whose presence flags are summed
// into one aggregate column.
type GenePanel struct {
	Name  string
	Genes []string
}

// PanelConfig lists the genes of interest and the panels built from
// them.
type PanelConfig struct {
	Genes  []string
	Panels []GenePanel
}

// GeneColumns returns the gene flag columns to output: standalone
// genes in file order, then panel members that were not listed on
// their own.
func (pc *PanelConfig) GeneColumns() []string {
	var genes []string
	seen := map[string]bool{}
	add := func(g string) {
		if !seen[g] {
			seen[g] = true
			genes = append(genes, g)
		}
	}
	for _, g := range pc.Genes {
		add(g)
	}
	for _, p := range pc.Panels {
		for _, g := range p.Genes {
			add(g)
		}
	}
	return genes
}

func (pc *PanelConfig) PanelNames() []string {
	names := make([]string, len(pc.Panels))
	for i, p := range pc.Panels {
		names[i] = p.Name
	}
	return names
}

var panelCutset = strings.NewReplacer("[", "", "]", "", "'", "", `"`, "")

// ParsePanelConfig reads a gene panel file. Each non-comment line is
// either "NAME = gene1, gene2, ..." (a panel) or a comma-separated
// list of genes. Brackets and quotes are ignored, so Python list
// literals are accepted.
func ParsePanelConfig(r io.Reader, fnm string) (*PanelConfig, error) {
	pc := &PanelConfig{}
	panelSeen := map[string]bool{}
	geneSeen := map[string]bool{}
	scanner := bufio.NewScanner(r)
	for lineno := 1; scanner.Scan(); lineno++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		where := fmt.Sprintf("%s:%d", fnm, lineno)
		line = panelCutset.Replace(line)
		name, members := "", line
		switch strings.Count(line, "=") {
		case 0:
		case 1:
			eq := strings.Index(line, "=")
			name, members = strings.TrimSpace(line[:eq]), line[eq+1:]
			if name == "" {
				return nil, configErrorf(where, "panel has no name: %q", line)
			}
			if panelSeen[name] {
				return nil, configErrorf(where, "panel %s defined twice", name)
			}
			panelSeen[name] = true
		default:
			return nil, configErrorf(where, "more than one '=' in %q", line)
		}
		genes := splitList(members)
		if len(genes) == 0 {
			return nil, configErrorf(where, "no genes listed in %q", line)
		}
		if name != "" {
			pc.Panels = append(pc.Panels, GenePanel{Name: name, Genes: genes})
			continue
		}
		for _, g := range genes {
			if !geneSeen[g] {
				geneSeen[g] = true
				pc.Genes = append(pc.Genes, g)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ConfigurationError{Path: fnm, Err: err}
	}
	return pc, nil
}

// splitList splits a comma-separated list, dropping blanks and
// repeats.
func splitList(s string) []string {
	var out []string
	seen := map[string]bool{}
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}

func ReadPanelFile(fnm string) (*PanelConfig, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, &ConfigurationError{Path: fnm, Err: err}
	}
	defer f.Close()
	return ParsePanelConfig(f, fnm)
}
