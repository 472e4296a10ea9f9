// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package harmonize

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/check.v1"
)

type pipelineSuite struct{}

var _ = check.Suite(&pipelineSuite{})

var testStudies = map[string]string{
	"studyA/data_clinical_patient.txt": "#Patient Identifier\tAge\tSmoking\n#STRING\tNUMBER\tSTRING\n" +
		"PATIENT_ID\tAGE\tSMOKING_STATUS\n" +
		"P1\t60\t\n" +
		"P2\t45\tNever\n",
	"studyB/data_clinical_patient.txt": "PATIENT_ID\tAGE_AT_DIAGNOSIS\tSMOKER\n" +
		"P1\t60\tFormer\n",
	"studyB/data_clinical_sample.txt": "#Sample Identifier\tPatient Identifier\tTMB\n" +
		"SAMPLE_ID\tPATIENT_ID\tTMB_NONSYNONYMOUS\n" +
		"S1\tP1\t5.2\n",
	"studyB/data_mutations.txt": "#version 2.4\n" +
		"Hugo_Symbol\tTumor_Sample_Barcode\tConsequence\tMutation_Status\n" +
		"TP53\tS1\tmissense_variant\tSomatic\n" +
		"TP53\tS1\tstop_gained\tSomatic\n" +
		"TP53\tS1\tmissense_variant\tSomatic\n" +
		"KRAS\tGHOST\tmissense_variant\tSomatic\n",
}

const testSynonyms = "# test synonyms\nAGE = AGE, AGE_AT_DIAGNOSIS\nSMOKING_HISTORY = SMOKING_STATUS, SMOKER\nTMB = TMB_NONSYNONYMOUS\n"

const testPanels = "TP53\nDCB_genes = ['KRAS', 'TP53']\n"

const expectTSV = "PATIENT_ID\tAGE\tSMOKING_HISTORY\tSAMPLE_ID\tTMB\tstudy_name\tTP53\tKRAS\tDCB_genes\n" +
	"P1\t60\tFormer\tS1\t5.2\tstudyB\t1\t0\t1\n" +
	"P2\t45\tNever\t\t\tstudyA\t0\t0\t0\n"

// setupStudies writes the test studies and config files, and returns
// a config that uses them.
func setupStudies(c *check.C) Config {
	tmpdir := c.MkDir()
	writeFiles(c, filepath.Join(tmpdir, "data"), testStudies)
	writeFiles(c, tmpdir, map[string]string{
		"synonyms.txt": testSynonyms,
		"panels.txt":   testPanels,
		"features.txt": "AGE\nSMOK -> SMOKING_HISTORY\nTMB\n",
	})
	cfg := DefaultConfig()
	cfg.DataRoot = filepath.Join(tmpdir, "data")
	cfg.SynonymsPath = filepath.Join(tmpdir, "synonyms.txt")
	cfg.PanelsPath = filepath.Join(tmpdir, "panels.txt")
	cfg.OutputPath = filepath.Join(tmpdir, "out", "features.tsv")
	c.Assert(os.Mkdir(filepath.Join(tmpdir, "out"), 0777), check.IsNil)
	return cfg
}

func (s *pipelineSuite) TestEndToEnd(c *check.C) {
	cfg := setupStudies(c)
	result, err := Run(context.Background(), cfg)
	c.Assert(err, check.IsNil)
	buf, err := os.ReadFile(cfg.OutputPath)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, expectTSV)

	c.Check(result.Features.Genes, check.DeepEquals, []string{"TP53", "KRAS"})
	c.Check(result.Features.Panels, check.DeepEquals, []string{"DCB_genes"})
	c.Check(result.Studies, check.HasLen, 2)
	var kinds []WarningKind
	for _, w := range result.Warnings {
		kinds = append(kinds, w.Kind)
		c.Logf("%+v", w)
	}
	c.Check(kinds, check.DeepEquals, []WarningKind{DataIntegrityWarning, SchemaWarning})
	c.Check(result.Warnings[0].Record, check.Equals, "P1")
	c.Check(result.Warnings[1].Record, check.Equals, "GHOST")

	meta, err := os.ReadFile(cfg.OutputPath + ".meta.json")
	c.Assert(err, check.IsNil)
	c.Check(string(meta), check.Matches, `(?s).*"studies": \[\s*"studyA",\s*"studyB"\s*\].*`)
	c.Check(string(meta), check.Matches, `(?s).*"name": "TP53",\s*"non_null": 2,\s*"mean": 0.5,\s*"stddev": [0-9.]+,\s*"frequency": 0.5.*`)
}

func (s *pipelineSuite) TestDeterministic(c *check.C) {
	cfg := setupStudies(c)
	cfg.Parallel = 1
	_, err := Run(context.Background(), cfg)
	c.Assert(err, check.IsNil)
	out1, err := os.ReadFile(cfg.OutputPath)
	c.Assert(err, check.IsNil)

	cfg.Parallel = 8
	cfg.OutputPath += ".2"
	_, err = Run(context.Background(), cfg)
	c.Assert(err, check.IsNil)
	out2, err := os.ReadFile(cfg.OutputPath)
	c.Assert(err, check.IsNil)
	c.Check(bytes.Equal(out1, out2), check.Equals, true)
}

func (s *pipelineSuite) TestFuzzyMatchingMode(c *check.C) {
	cfg := setupStudies(c)
	cfg.FeaturesPath = filepath.Join(filepath.Dir(cfg.SynonymsPath), "features.txt")
	cfg.SynonymsPath = ""
	result, err := Run(context.Background(), cfg)
	c.Assert(err, check.IsNil)
	c.Check(result.Synonyms.Canonical(), check.DeepEquals, []string{"AGE", "SMOKING_HISTORY", "TMB"})
	buf, err := os.ReadFile(cfg.OutputPath)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, expectTSV)
}

func (s *pipelineSuite) TestConfigurationErrors(c *check.C) {
	for _, trial := range []struct {
		desc  string
		setup func(cfg *Config)
	}{
		{"missing data root", func(cfg *Config) { cfg.DataRoot += "/nonexistent" }},
		{"no data root", func(cfg *Config) { cfg.DataRoot = "" }},
		{"unreadable synonyms", func(cfg *Config) { cfg.SynonymsPath += ".missing" }},
		{"bad panel file", func(cfg *Config) {
			c.Assert(os.WriteFile(cfg.PanelsPath, []byte("A = B = C\n"), 0644), check.IsNil)
		}},
		{"bad threshold", func(cfg *Config) { cfg.PresenceThreshold = 0 }},
		{"bad format", func(cfg *Config) { cfg.OutputFormat = "xlsx" }},
	} {
		c.Logf("trial: %s", trial.desc)
		cfg := setupStudies(c)
		trial.setup(&cfg)
		_, err := Run(context.Background(), cfg)
		var cerr *ConfigurationError
		c.Check(errors.As(err, &cerr), check.Equals, true, check.Commentf("%s: %v", trial.desc, err))
		_, err = os.Stat(cfg.OutputPath)
		c.Check(os.IsNotExist(err), check.Equals, true)
	}
}

func (s *pipelineSuite) TestDraftAndAssemble(c *check.C) {
	cfg := setupStudies(c)
	tmpdir := filepath.Dir(cfg.SynonymsPath)
	draftdir := filepath.Join(tmpdir, "draft")
	var stdout, stderr bytes.Buffer
	exited := (&drafter{}).RunCommand("harmonize draft", []string{
		"-data-root", cfg.DataRoot,
		"-features", filepath.Join(tmpdir, "features.txt"),
		"-o", draftdir,
	}, nil, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	c.Check(stdout.String(), check.Equals, filepath.Join(draftdir, "synonyms.draft.txt")+"\n")

	draft, err := os.ReadFile(filepath.Join(draftdir, "synonyms.draft.txt"))
	c.Assert(err, check.IsNil)
	c.Check(string(draft), check.Matches, `(?s)# checkpoint: [0-9a-f]{64}\n.*`)
	c.Check(string(draft), check.Matches, `(?s).*\nAGE = AGE, AGE_AT_DIAGNOSIS\nSMOKING_HISTORY = SMOKER, SMOKING_STATUS\nTMB = TMB_NONSYNONYMOUS\n$`)

	columns, err := os.ReadFile(filepath.Join(draftdir, "columns.tsv"))
	c.Assert(err, check.IsNil)
	c.Check(string(columns), check.Equals, "column\tcanonical\tstudies\trows\tnulls\n"+
		"AGE\tAGE\t1\t2\t0\n"+
		"AGE_AT_DIAGNOSIS\tAGE\t1\t1\t0\n"+
		"PATIENT_ID\t-\t2\t4\t0\n"+
		"SAMPLE_ID\t-\t1\t1\t0\n"+
		"SMOKER\tSMOKING_HISTORY\t1\t1\t0\n"+
		"SMOKING_STATUS\tSMOKING_HISTORY\t1\t2\t1\n"+
		"TMB_NONSYNONYMOUS\tTMB\t1\t1\t0\n")

	categories, err := os.ReadFile(filepath.Join(draftdir, "categories.txt"))
	c.Assert(err, check.IsNil)
	c.Check(string(categories), check.Equals, "SMOKING_HISTORY: Former, Never\n")

	// Assemble with the draft as the final synonym file: checkpoint
	// matches, so the only warnings are the ones about the data.
	cfg.SynonymsPath = filepath.Join(draftdir, "synonyms.draft.txt")
	result, err := Run(context.Background(), cfg)
	c.Assert(err, check.IsNil)
	c.Check(result.Warnings, check.HasLen, 2)
	buf, err := os.ReadFile(cfg.OutputPath)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, expectTSV)

	// A new column since the draft: checkpoint mismatch.
	writeFiles(c, cfg.DataRoot, map[string]string{
		"studyB/data_clinical_patient.txt": "PATIENT_ID\tAGE_AT_DIAGNOSIS\tSMOKER\tOS_MONTHS\nP1\t60\tFormer\t12\n",
	})
	result, err = Run(context.Background(), cfg)
	c.Assert(err, check.IsNil)
	c.Assert(len(result.Warnings) > 0, check.Equals, true)
	c.Check(result.Warnings[0].Kind, check.Equals, DataIntegrityWarning)
	c.Check(result.Warnings[0].Reason, check.Matches, `checkpoint .* does not match.*`)
}

func (s *pipelineSuite) TestAssembleCommand(c *check.C) {
	cfg := setupStudies(c)
	metrics := filepath.Join(filepath.Dir(cfg.OutputPath), "harmonize.prom")
	var stdout, stderr bytes.Buffer
	exited := (&assembler{}).RunCommand("harmonize assemble", []string{
		"-data-root", cfg.DataRoot,
		"-synonyms", cfg.SynonymsPath,
		"-panels", cfg.PanelsPath,
		"-min-calls", "4",
		"-o", cfg.OutputPath,
		"-metrics-file", metrics,
	}, nil, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	c.Check(stdout.String(), check.Equals, cfg.OutputPath+"\n")
	buf, err := os.ReadFile(cfg.OutputPath)
	c.Assert(err, check.IsNil)
	c.Check(strings.Split(string(buf), "\n")[1], check.Equals, "P1\t60\tFormer\tS1\t5.2\tstudyB\t0\t0\t0")

	prom, err := os.ReadFile(metrics)
	c.Assert(err, check.IsNil)
	c.Check(string(prom), check.Matches, `(?s).*harmonize_warnings_total{kind="schema"} 1\n.*`)
	c.Check(string(prom), check.Matches, `(?s).*harmonize_input_rows_total{kind="mutation"} 4\n.*`)
	c.Check(string(prom), check.Matches, `(?s).*harmonize_output_rows 2\n.*`)
}

func (s *pipelineSuite) TestAssembleCommandConfigFile(c *check.C) {
	cfg := setupStudies(c)
	cfgfile := filepath.Join(c.MkDir(), "harmonize.yml")
	writeFiles(c, filepath.Dir(cfgfile), map[string]string{
		"harmonize.yml": "data_root: " + cfg.DataRoot + "\n" +
			"synonyms: " + cfg.SynonymsPath + "\n" +
			"panels: " + cfg.PanelsPath + "\n" +
			"output: /nonexistent/overridden.tsv\n" +
			"min_calls: 4\n",
	})
	var stderr bytes.Buffer
	exited := (&assembler{}).RunCommand("harmonize assemble", []string{
		"-config", cfgfile,
		"-o", cfg.OutputPath,
		"-min-calls", "2",
	}, nil, &bytes.Buffer{}, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	buf, err := os.ReadFile(cfg.OutputPath)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, expectTSV)
}

func (s *pipelineSuite) TestCommandErrors(c *check.C) {
	cfg := setupStudies(c)
	for _, trial := range []struct {
		args   []string
		exited int
	}{
		{[]string{"-no-such-flag"}, 2},
		{[]string{"-o", cfg.OutputPath, "extra-arg"}, 2},
		{[]string{"-log-level", "loud"}, 2},
		{[]string{"-data-root", cfg.DataRoot + "/missing", "-synonyms", cfg.SynonymsPath, "-o", cfg.OutputPath}, 1},
		{[]string{"-data-root", cfg.DataRoot, "-o", cfg.OutputPath}, 1},
	} {
		var stderr bytes.Buffer
		exited := (&assembler{}).RunCommand("harmonize assemble", trial.args, nil, &bytes.Buffer{}, &stderr)
		c.Check(exited, check.Equals, trial.exited, check.Commentf("%q: %s", trial.args, stderr.String()))
	}
}

func (s *pipelineSuite) TestDiffSynonymsCommand(c *check.C) {
	tmpdir := c.MkDir()
	writeFiles(c, tmpdir, map[string]string{
		"draft.txt": "# checkpoint: abc\nAGE = AGE, AGE_AT_DIAGNOSIS\nSEX = SEX, GENDER, MSEX\n",
		"final.txt": "# checkpoint: abc\n# reviewed\nAGE = AGE, AGE_AT_DIAGNOSIS\nSEX = SEX, GENDER\n",
	})
	var stdout, stderr bytes.Buffer
	exited := (&synonymDiff{}).RunCommand("harmonize diff-synonyms", []string{
		filepath.Join(tmpdir, "draft.txt"),
		filepath.Join(tmpdir, "final.txt"),
	}, nil, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	c.Check(stdout.String(), check.Equals, "2c\n- SEX = SEX, GENDER, MSEX\n+ SEX = SEX, GENDER\n")

	exited = (&synonymDiff{}).RunCommand("harmonize diff-synonyms", []string{filepath.Join(tmpdir, "draft.txt")}, nil, &stdout, &stderr)
	c.Check(exited, check.Equals, 2)
}

func (s *pipelineSuite) TestColumnSelection(c *check.C) {
	cfg := setupStudies(c)
	cfg.ColumnsPath = filepath.Join(filepath.Dir(cfg.SynonymsPath), "columns.txt")
	c.Assert(os.WriteFile(cfg.ColumnsPath, []byte("# clinical columns to keep\n\n  AGE  \n"), 0644), check.IsNil)
	cols, err := ReadColumnFile(cfg.ColumnsPath)
	c.Assert(err, check.IsNil)
	c.Check(cols, check.DeepEquals, []string{"AGE"})

	_, err = Run(context.Background(), cfg)
	c.Assert(err, check.IsNil)
	buf, err := os.ReadFile(cfg.OutputPath)
	c.Assert(err, check.IsNil)
	// Both P1 rows are complete once SMOKING_HISTORY is gone, so the
	// first one (studyA) is kept.
	c.Check(string(buf), check.Equals, "PATIENT_ID\tAGE\tSAMPLE_ID\tstudy_name\tTP53\tKRAS\tDCB_genes\n"+
		"P1\t60\tS1\tstudyA\t1\t0\t1\n"+
		"P2\t45\t\tstudyA\t0\t0\t0\n")
}
