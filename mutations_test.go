// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package harmonize

import (
	"strings"

	"gopkg.in/check.v1"
)

type panelSuite struct{}

var _ = check.Suite(&panelSuite{})

func (s *panelSuite) TestParse(c *check.C) {
	pc, err := ParsePanelConfig(strings.NewReader(`# genes of interest
['TP53', 'KRAS', 'EGFR']
STK11
DCB_genes = ['KRAS', 'TP53']
NDB_genes = STK11, KEAP1, SMARCA4
KRAS
`), "panels.txt")
	c.Assert(err, check.IsNil)
	c.Check(pc.Genes, check.DeepEquals, []string{"TP53", "KRAS", "EGFR", "STK11"})
	c.Check(pc.Panels, check.DeepEquals, []GenePanel{
		{Name: "DCB_genes", Genes: []string{"KRAS", "TP53"}},
		{Name: "NDB_genes", Genes: []string{"STK11", "KEAP1", "SMARCA4"}},
	})
	c.Check(pc.GeneColumns(), check.DeepEquals, []string{"TP53", "KRAS", "EGFR", "STK11", "KEAP1", "SMARCA4"})
	c.Check(pc.PanelNames(), check.DeepEquals, []string{"DCB_genes", "NDB_genes"})
}

func (s *panelSuite) TestMalformed(c *check.C) {
	for _, text := range []string{
		"A = B = C\n",
		" = TP53\n",
		"EMPTY = []\n",
		"P = TP53\nP = KRAS\n",
		"[]\n",
	} {
		_, err := ParsePanelConfig(strings.NewReader(text), "panels.txt")
		c.Check(err, check.FitsTypeOf, &ConfigurationError{}, check.Commentf("%q", text))
	}
}

type mutationSuite struct{}

var _ = check.Suite(&mutationSuite{})

func (s *mutationSuite) TestPool(c *check.C) {
	wl := &warningLog{}
	pooled := PoolMutations([]StudyTables{
		{Study: Study{Name: "a"}, Mutation: mktable(
			[]string{"Hugo_Symbol", "Entrez_Gene_Id", "TUMOR_SAMPLE_BARCODE", "Consequence", "study_name"},
			[]string{"TP53", "7157", "S1", "missense_variant", "a"})},
		{Study: Study{Name: "b"}},
		{Study: Study{Name: "c"}, Mutation: mktable(
			[]string{"Gene", "Sample"},
			[]string{"TP53", "S9"})},
		{Study: Study{Name: "d"}, Mutation: mktable(
			[]string{"Tumor_Sample_Barcode", "Hugo_Symbol", "Mutation_Status", "study_name"},
			[]string{"S2", "KRAS", "Somatic", "d"})},
	}, wl)
	c.Check(pooled.Columns, check.DeepEquals, []string{"Tumor_Sample_Barcode", "Hugo_Symbol", "Consequence", "study_name", "Mutation_Status"})
	c.Assert(pooled.Rows, check.HasLen, 2)
	c.Check(strs(pooled.Rows[0]), check.DeepEquals, []string{"S1", "TP53", "missense_variant", "a", "<nil>"})
	c.Check(strs(pooled.Rows[1]), check.DeepEquals, []string{"S2", "KRAS", "<nil>", "d", "Somatic"})
	c.Check(warningKinds(wl), check.DeepEquals, []WarningKind{SchemaWarning})
	c.Check(wl.Warnings()[0].Study, check.Equals, "c")
}

func calls(pairs ...string) *Table {
	t := &Table{Columns: []string{colBarcode, colHugoSymbol, colStudyName}}
	for i := 0; i < len(pairs); i += 2 {
		t.Rows = append(t.Rows, mktable(t.Columns, []string{pairs[i], pairs[i+1], "s"}).Rows[0])
	}
	return t
}

// Flag is 1 iff the number of calls is at least the threshold.
func (s *mutationSuite) TestThreshold(c *check.C) {
	samples := mktable([]string{"SAMPLE_ID", "PATIENT_ID"},
		[]string{"S0", "P0"},
		[]string{"S1", "P1"},
		[]string{"S2", "P2"},
		[]string{"S3", "P3"},
	)
	muts := calls(
		"S1", "TP53",
		"S2", "TP53", "S2", "TP53",
		"S3", "TP53", "S3", "TP53", "S3", "TP53",
	)
	for _, trial := range []struct {
		threshold int
		expect    []string
	}{
		{1, []string{"0", "1", "1", "1"}},
		{2, []string{"0", "0", "1", "1"}},
		{3, []string{"0", "0", "0", "1"}},
		{4, []string{"0", "0", "0", "0"}},
	} {
		out, fb, err := AggregateMutations(muts, samples, &PanelConfig{Genes: []string{"TP53"}}, trial.threshold, nil)
		c.Assert(err, check.IsNil)
		c.Check(fb.Genes, check.DeepEquals, []string{"TP53"})
		c.Check(out.Column("TP53"), check.DeepEquals, mktable([]string{"x"}, trial.expect).Rows[0], check.Commentf("threshold %d", trial.threshold))
	}
	_, _, err := AggregateMutations(muts, samples, nil, 0, nil)
	c.Check(err, check.NotNil)
}

func (s *mutationSuite) TestPanels(c *check.C) {
	samples := mktable([]string{"SAMPLE_ID", "PATIENT_ID", "study_name"},
		[]string{"S1", "P1", "s"},
		[]string{"S2", "P2", "s"},
		[]string{"S3", "P3", "s"},
	)
	muts := calls(
		"S1", "KRAS", "S1", "KRAS",
		"S1", "TP53", "S1", "TP53",
		"S1", "EGFR",
		"S2", "TP53", "S2", "TP53", "S2", "EGFR", "S2", "EGFR",
	)
	pc := &PanelConfig{
		Genes: []string{"EGFR"},
		Panels: []GenePanel{
			{Name: "DCB_genes", Genes: []string{"KRAS", "TP53", "STK11"}},
			{Name: "EGFR_only", Genes: []string{"EGFR"}},
		},
	}
	wl := &warningLog{}
	out, fb, err := AggregateMutations(muts, samples, pc, 2, wl)
	c.Assert(err, check.IsNil)
	c.Check(fb, check.DeepEquals, FeatureBlock{
		Genes:  []string{"EGFR", "KRAS", "TP53", "STK11"},
		Panels: []string{"DCB_genes", "EGFR_only"},
	})
	c.Check(out.Columns, check.DeepEquals, []string{"SAMPLE_ID", "PATIENT_ID", "study_name", "EGFR", "KRAS", "TP53", "STK11", "DCB_genes", "EGFR_only"})
	c.Check(strs(out.Rows[0]), check.DeepEquals, []string{"S1", "P1", "s", "0", "1", "1", "0", "2", "0"})
	c.Check(strs(out.Rows[1]), check.DeepEquals, []string{"S2", "P2", "s", "1", "0", "1", "0", "1", "1"})
	c.Check(strs(out.Rows[2]), check.DeepEquals, []string{"S3", "P3", "s", "0", "0", "0", "0", "0", "0"})
	c.Check(wl.Warnings(), check.HasLen, 0)
}

func (s *mutationSuite) TestOrphans(c *check.C) {
	samples := mktable([]string{"SAMPLE_ID", "PATIENT_ID"}, []string{"S1", "P1"})
	muts := calls(
		"S1", "TP53", "S1", "TP53",
		"GHOST", "TP53", "GHOST", "TP53", "GHOST", "KRAS",
		"", "TP53",
		"S1", "",
	)
	wl := &warningLog{}
	out, fb, err := AggregateMutations(muts, samples, nil, 2, wl)
	c.Assert(err, check.IsNil)
	// without a panel config, only genes seen in known samples
	c.Check(fb.Genes, check.DeepEquals, []string{"TP53"})
	c.Check(fb.Panels, check.HasLen, 0)
	c.Assert(out.Rows, check.HasLen, 1)
	c.Check(strs(out.Rows[0]), check.DeepEquals, []string{"S1", "P1", "1"})
	c.Check(warningKinds(wl), check.DeepEquals, []WarningKind{SchemaWarning, SchemaWarning})
	c.Check(wl.Warnings()[1].Record, check.Equals, "GHOST")
	c.Check(wl.Warnings()[1].Reason, check.Matches, `3 mutation calls .*`)
}

func (s *mutationSuite) TestNameClash(c *check.C) {
	samples := mktable([]string{"SAMPLE_ID", "TP53"}, []string{"S1", "mutated"})
	wl := &warningLog{}
	out, _, err := AggregateMutations(calls("S1", "TP53"), samples, nil, 1, wl)
	c.Assert(err, check.IsNil)
	c.Check(out.Columns, check.DeepEquals, []string{"SAMPLE_ID", "TP53"})
	c.Check(strs(out.Rows[0]), check.DeepEquals, []string{"S1", "1"})
	c.Check(warningKinds(wl), check.DeepEquals, []WarningKind{SchemaWarning})
}
