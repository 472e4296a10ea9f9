// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package harmonize

import (
	"github.com/prometheus/client_golang/prometheus"
)

// runMetrics counts what a pipeline run did. They are written in the
// node_exporter textfile format at the end of the run, if requested.
type runMetrics struct {
	reg      *prometheus.Registry
	studies  prometheus.Gauge
	rows     *prometheus.CounterVec
	warnings *prometheus.CounterVec
	output   prometheus.Gauge
}

func newRunMetrics() *runMetrics {
	m := &runMetrics{
		reg: prometheus.NewRegistry(),
		studies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "harmonize",
			Name:      "studies",
			Help:      "Number of studies loaded.",
		}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harmonize",
			Name:      "input_rows_total",
			Help:      "Rows read, by table kind.",
		}, []string{"kind"}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harmonize",
			Name:      "warnings_total",
			Help:      "Warnings logged, by kind.",
		}, []string{"kind"}),
		output: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "harmonize",
			Name:      "output_rows",
			Help:      "Rows in the assembled table.",
		}),
	}
	m.reg.MustRegister(m.studies, m.rows, m.warnings, m.output)
	for _, kind := range []WarningKind{SchemaWarning, DataIntegrityWarning} {
		m.warnings.WithLabelValues(string(kind))
	}
	return m
}

func (m *runMetrics) observeWarning(w Warning) {
	m.warnings.WithLabelValues(string(w.Kind)).Inc()
}

func (m *runMetrics) observeStudies(studies []StudyTables) {
	m.studies.Set(float64(len(studies)))
	for _, st := range studies {
		for kind, t := range map[TableKind]*Table{PatientTable: st.Patient, SampleTable: st.Sample, MutationTable: st.Mutation} {
			if t != nil {
				m.rows.WithLabelValues(string(kind)).Add(float64(len(t.Rows)))
			}
		}
	}
}

func (m *runMetrics) WriteFile(fnm string) error {
	return prometheus.WriteToTextfile(fnm, m.reg)
}
