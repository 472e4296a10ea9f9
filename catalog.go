// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package harmonize

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Study is one source dataset: a directory under the data root that
// may hold patient, sample and mutation tables.
type Study struct {
	Name string
	Path string
}

// DiscoverStudies lists the immediate subdirectories of root as
// studies, sorted by name. If include is non-empty, only the named
// studies are returned, and names not found are reported to wl.
//
// A missing or non-directory root is a ConfigurationError; an empty
// root is not.
func DiscoverStudies(root string, include []string, wl *warningLog) ([]Study, error) {
	if root == "" {
		return nil, &ConfigurationError{Err: errors.New("no data root specified")}
	}
	f, err := open(root)
	if err != nil {
		return nil, &ConfigurationError{Path: root, Err: err}
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, &ConfigurationError{Path: root, Err: err}
	} else if !fi.IsDir() {
		return nil, configErrorf(root, "not a directory")
	}
	ents, err := f.Readdir(-1)
	if err != nil {
		return nil, &ConfigurationError{Path: root, Err: err}
	}

	want := map[string]bool{}
	for _, name := range include {
		want[name] = true
	}
	var studies []Study
	for _, ent := range ents {
		name := ent.Name()
		if !isDir(root, ent) || strings.HasPrefix(name, ".") {
			continue
		}
		if len(want) > 0 && !want[name] {
			continue
		}
		delete(want, name)
		studies = append(studies, Study{Name: name, Path: filepath.Join(root, name)})
	}
	sort.Slice(studies, func(i, j int) bool { return studies[i].Name < studies[j].Name })

	for _, name := range include {
		if want[name] {
			wl.Schema(name, "", "requested study not found under %s", root)
		}
	}
	return studies, nil
}

// isDir follows symlinks, which Readdir does not.
func isDir(root string, fi os.FileInfo) bool {
	if fi.Mode()&os.ModeSymlink == 0 {
		return fi.IsDir()
	}
	target, err := os.Stat(filepath.Join(root, fi.Name()))
	return err == nil && target.IsDir()
}
