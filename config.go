// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package harmonize

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every parameter of a pipeline run. Stages read their
// settings from here, never from the environment or working
// directory.
type Config struct {
	DataRoot string   `yaml:"data_root"`
	Studies  []string `yaml:"studies"`

	// Synonym file (explicit mode). If empty, FeaturesPath is
	// required and the synonym map is computed by fuzzy matching.
	SynonymsPath string `yaml:"synonyms"`
	FeaturesPath string `yaml:"features"`
	PanelsPath   string `yaml:"panels"`
	ColumnsPath  string `yaml:"columns"`

	OutputPath   string `yaml:"output"`
	OutputFormat string `yaml:"output_format"`

	PresenceThreshold int        `yaml:"min_calls"`
	MinRatio          float64    `yaml:"min_ratio"`
	StrongRatio       float64    `yaml:"strong_ratio"`
	Fold              []FoldRule `yaml:"fold"`

	FileNames       map[TableKind]string `yaml:"file_names"`
	NAValues        []string             `yaml:"na_values"`
	DetectDelimiter bool                 `yaml:"detect_delimiter"`
	Parallel        int                  `yaml:"parallel"`

	MetricsPath string `yaml:"metrics_file"`
}

func DefaultConfig() Config {
	return Config{
		OutputFormat:      "auto",
		PresenceThreshold: 2,
		MinRatio:          DefaultMatchOptions.MinRatio,
		StrongRatio:       DefaultMatchOptions.StrongRatio,
		Fold:              append([]FoldRule(nil), DefaultMatchOptions.Fold...),
		Parallel:          4,
	}
}

// LoadConfigFile reads a YAML config file on top of the defaults.
// Unknown keys are rejected.
func LoadConfigFile(fnm string) (Config, error) {
	buf, err := os.ReadFile(fnm)
	if err != nil {
		return DefaultConfig(), &ConfigurationError{Path: fnm, Err: err}
	}
	return parseConfig(buf, fnm)
}

func parseConfig(buf []byte, fnm string) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, &ConfigurationError{Path: fnm, Err: err}
	}
	return cfg, nil
}

func (fr *FoldRule) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	sub, target, ok := strings.Cut(s, "->")
	sub, target = strings.TrimSpace(sub), strings.TrimSpace(target)
	if !ok || sub == "" || target == "" {
		return fmt.Errorf("line %d: fold rule %q is not SUBSTRING -> TARGET", node.Line, s)
	}
	fr.Substring, fr.Target = strings.ToUpper(sub), target
	return nil
}

func (fr FoldRule) String() string {
	return fr.Substring + " -> " + fr.Target
}

func (fr FoldRule) MarshalYAML() (interface{}, error) {
	return fr.String(), nil
}

func (cfg *Config) matchOptions() MatchOptions {
	return MatchOptions{MinRatio: cfg.MinRatio, StrongRatio: cfg.StrongRatio, Fold: cfg.Fold}
}

func (cfg *Config) loadOptions() LoadOptions {
	return LoadOptions{
		FileNames:       cfg.FileNames,
		NAValues:        cfg.NAValues,
		DetectDelimiter: cfg.DetectDelimiter,
		Parallel:        cfg.Parallel,
	}
}

var outputFormats = map[string]bool{"": true, "auto": true, "tsv": true, "csv": true, "npy": true, "sqlite": true}

// Validate checks the settings needed by the assemble phase.
func (cfg *Config) Validate() error {
	if cfg.DataRoot == "" {
		return &ConfigurationError{Err: errors.New("data root not specified")}
	}
	if cfg.OutputPath == "" {
		return &ConfigurationError{Err: errors.New("output path not specified")}
	}
	if cfg.SynonymsPath == "" && cfg.FeaturesPath == "" {
		return &ConfigurationError{Err: errors.New("need a synonym file or a feature list")}
	}
	if !outputFormats[cfg.OutputFormat] {
		return &ConfigurationError{Err: fmt.Errorf("unknown output format %q", cfg.OutputFormat)}
	}
	return cfg.validateParams()
}

func (cfg *Config) validateParams() error {
	if cfg.PresenceThreshold < 1 {
		return &ConfigurationError{Err: fmt.Errorf("min calls must be at least 1, got %d", cfg.PresenceThreshold)}
	}
	if cfg.MinRatio < 0 || cfg.MinRatio > 1 || cfg.StrongRatio < 0 || cfg.StrongRatio > 1 {
		return &ConfigurationError{Err: fmt.Errorf("similarity ratios must be in [0,1], got %g and %g", cfg.MinRatio, cfg.StrongRatio)}
	}
	for kind := range cfg.FileNames {
		if _, ok := defaultFileNames[kind]; !ok {
			return &ConfigurationError{Err: fmt.Errorf("unknown table kind %q in file_names", kind)}
		}
	}
	return nil
}

// format returns the effective output format.
func (cfg *Config) format() string {
	if cfg.OutputFormat != "" && cfg.OutputFormat != "auto" {
		return cfg.OutputFormat
	}
	fnm := strings.TrimSuffix(cfg.OutputPath, ".gz")
	switch strings.ToLower(filepath.Ext(fnm)) {
	case ".csv":
		return "csv"
	case ".npy":
		return "npy"
	case ".sqlite", ".sqlite3", ".db":
		return "sqlite"
	}
	return "tsv"
}
