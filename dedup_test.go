// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package harmonize

import (
	"gopkg.in/check.v1"
)

type dedupSuite struct{}

var _ = check.Suite(&dedupSuite{})

func (s *dedupSuite) TestFewestNulls(c *check.C) {
	t := mktable([]string{"PATIENT_ID", "AGE", "SEX", "study_name"},
		[]string{"P1", "60", "", "a"},
		[]string{"P2", "50", "Female", "a"},
		[]string{"P1", "60", "Male", "b"},
		[]string{"", "40", "Male", "b"},
		[]string{"P2", "", "", "b"},
		[]string{"P3", "", "", "a"},
		[]string{"P3", "", "", "b"},
	)
	wl := &warningLog{}
	out, err := Deduplicate(t, colPatientID, wl)
	c.Assert(err, check.IsNil)
	c.Check(out.Columns, check.DeepEquals, t.Columns)
	c.Assert(out.Rows, check.HasLen, 3)
	c.Check(strs(out.Rows[0]), check.DeepEquals, []string{"P1", "60", "Male", "b"})
	c.Check(strs(out.Rows[1]), check.DeepEquals, []string{"P2", "50", "Female", "a"})
	c.Check(strs(out.Rows[2]), check.DeepEquals, []string{"P3", "<nil>", "<nil>", "a"})
	c.Check(warningKinds(wl), check.DeepEquals, []WarningKind{
		SchemaWarning,
		DataIntegrityWarning, DataIntegrityWarning, DataIntegrityWarning,
	})
	c.Check(wl.Warnings()[1].Study, check.Equals, "b")
	c.Check(wl.Warnings()[1].Record, check.Equals, "P1")
}

// For every duplicate group, the kept row has no more nulls than any
// row of the group in the input.
func (s *dedupSuite) TestCompleteness(c *check.C) {
	t := mktable([]string{"PATIENT_ID", "A", "B", "C"},
		[]string{"X", "", "", "1"},
		[]string{"Y", "1", "", ""},
		[]string{"X", "1", "", "1"},
		[]string{"Y", "", "", ""},
		[]string{"X", "", "", ""},
		[]string{"Y", "1", "1", "1"},
		[]string{"X", "1", "1", ""},
	)
	out, err := Deduplicate(t, colPatientID, nil)
	c.Assert(err, check.IsNil)
	c.Assert(out.Rows, check.HasLen, 2)
	for _, kept := range out.Rows {
		for _, row := range t.Rows {
			if row[0].String == kept[0].String {
				c.Check(nullCount(kept, 0) <= nullCount(row, 0), check.Equals, true)
			}
		}
	}
	c.Check(strs(out.Rows[0]), check.DeepEquals, []string{"X", "1", "<nil>", "1"})
	c.Check(strs(out.Rows[1]), check.DeepEquals, []string{"Y", "1", "1", "1"})
}

func (s *dedupSuite) TestNoKey(c *check.C) {
	_, err := Deduplicate(mktable([]string{"A"}), colPatientID, nil)
	c.Check(err, check.ErrorMatches, `.*no PATIENT_ID column.*`)
	out, err := Deduplicate(nil, colPatientID, nil)
	c.Check(err, check.IsNil)
	c.Check(out, check.IsNil)
}
