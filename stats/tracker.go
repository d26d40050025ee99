// Package stats provides shuffle counters and gauges, registered with a per-attempt
// Prometheus registry.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/NVIDIA/aishuffle/cmn/nlog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "shuffle"
	hostLabel = "host"
)

// Tracker is safe for concurrent use; a nil *Tracker is a no-op
type Tracker struct {
	reg           *prometheus.Registry
	spills        prometheus.Counter
	spillBytes    prometheus.Counter
	spillRecords  prometheus.Counter
	mergePasses   prometheus.Counter
	fetchBytes    prometheus.Counter
	memMerges     prometheus.Counter
	diskMerges    prometheus.Counter
	fetchRetries  *prometheus.CounterVec
	fetchFailures *prometheus.CounterVec
	landedMem     prometheus.Gauge
}

// NewTracker creates and registers all metrics; constLabels (e.g., attempt id)
// are attached to every metric
func NewTracker(constLabels prometheus.Labels) *Tracker {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help, ConstLabels: constLabels,
		})
	}
	perHost := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help, ConstLabels: constLabels,
		}, []string{hostLabel})
	}
	t := &Tracker{
		reg:           prometheus.NewRegistry(),
		spills:        counter("spills_total", "total number of spill files written"),
		spillBytes:    counter("spill_bytes_total", "total size (bytes) of spill files written"),
		spillRecords:  counter("spill_records_total", "total number of records spilled"),
		mergePasses:   counter("merge_passes_total", "total number of intermediate merge passes"),
		fetchBytes:    counter("fetch_bytes_total", "total size (bytes) of fetched segments"),
		memMerges:     counter("mem_merges_total", "total number of in-memory merges of landed segments"),
		diskMerges:    counter("disk_merges_total", "total number of on-disk merges of landed segments"),
		fetchRetries:  perHost("fetch_retries_total", "total number of retried fetch attempts"),
		fetchFailures: perHost("fetch_failures_total", "total number of failed fetch attempts"),
		landedMem: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "landed_mem_bytes", Help: "size (bytes) of segments landed in memory",
			ConstLabels: constLabels,
		}),
	}
	t.reg.MustRegister(t.spills, t.spillBytes, t.spillRecords, t.mergePasses, t.fetchBytes,
		t.memMerges, t.diskMerges, t.fetchRetries, t.fetchFailures, t.landedMem)
	return t
}

func (t *Tracker) Registry() *prometheus.Registry { return t.reg }

// Handler serves the tracker's metrics in the Prometheus exposition format
func (t *Tracker) Handler() http.Handler {
	return promhttp.HandlerFor(t.reg, promhttp.HandlerOpts{})
}

func (t *Tracker) IncSpill(size, records int64) {
	if t == nil {
		return
	}
	t.spills.Inc()
	t.spillBytes.Add(float64(size))
	t.spillRecords.Add(float64(records))
}

func (t *Tracker) IncMergePass() {
	if t != nil {
		t.mergePasses.Inc()
	}
}

func (t *Tracker) AddFetchBytes(n int64) {
	if t != nil {
		t.fetchBytes.Add(float64(n))
	}
}

func (t *Tracker) IncFetchRetry(host string) {
	if t != nil {
		t.fetchRetries.WithLabelValues(host).Inc()
	}
}

func (t *Tracker) IncFetchFailure(host string) {
	if t != nil {
		t.fetchFailures.WithLabelValues(host).Inc()
	}
}

func (t *Tracker) IncMemMerge() {
	if t != nil {
		t.memMerges.Inc()
	}
}

func (t *Tracker) IncDiskMerge() {
	if t != nil {
		t.diskMerges.Inc()
	}
}

func (t *Tracker) AddLandedMem(n int64) {
	if t != nil {
		t.landedMem.Add(float64(n))
	}
}

// Snapshot gathers all non-zero values as "name{labels}" => value
func (t *Tracker) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	if t == nil {
		return out
	}
	families, err := t.reg.Gather()
	if err != nil {
		nlog.Errorln(err)
		return out
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var v float64
			switch {
			case m.GetCounter() != nil:
				v = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				v = m.GetGauge().GetValue()
			}
			if v == 0 {
				continue
			}
			name := mf.GetName()
			for _, lp := range m.GetLabel() {
				if lp.GetName() == hostLabel {
					name += "{" + lp.GetName() + "=" + lp.GetValue() + "}"
				}
			}
			out[name] = v
		}
	}
	return out
}

// String returns sorted "name=value" pairs (logging)
func (t *Tracker) String() string {
	snap := t.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	for i, name := range names {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s=%v", strings.TrimPrefix(name, namespace+"_"), snap[name])
	}
	return sb.String()
}
