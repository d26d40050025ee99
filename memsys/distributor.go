// Package memsys provides memory management and slab/SGL allocation with io.Reader and io.Writer interfaces
// on top of scatter-gather lists of reusable buffers; it also distributes the attempt's memory budget
// across shuffle components.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

import (
	"fmt"
	"sync"

	"github.com/NVIDIA/aishuffle/cmn"
	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/cmn/nlog"
	"github.com/NVIDIA/aishuffle/sys"
)

type (
	// Distributor partitions the attempt's memory across concurrently active
	// components (sort buffers, merge managers, the processor); when the sum of
	// requests exceeds what is available, requests are scaled down in
	// proportion to request*ratio(role).
	Distributor struct {
		conf      *cmn.MemoryConf
		grants    map[string]int64
		requests  []memRequest
		total     int64
		available int64
		mu        sync.Mutex
		done      bool
	}
	memRequest struct {
		role      string
		name      string
		requested int64
	}
)

func NewDistributor(conf *cmn.MemoryConf, mm *MMSA) (*Distributor, error) {
	total := int64(conf.Total)
	if total == 0 {
		mem, err := sys.Mem()
		if err != nil {
			return nil, fmt.Errorf("memory distributor: memory.total is not configured and %v", err)
		}
		if mm != nil {
			if p := mm.Pressure(&mem); p >= PressureHigh {
				nlog.Warningf("memory distributor: %s, %s", mm.Pressure2S(p), mem.String())
			}
		}
		total = int64(mem.ActualFree)
	}
	return &Distributor{
		conf:      conf,
		total:     total,
		available: int64(float64(total) * (1 - conf.ReserveFraction)),
		grants:    make(map[string]int64, 4),
	}, nil
}

func (d *Distributor) Total() int64     { return d.total }
func (d *Distributor) Available() int64 { return d.available }

// Request registers a component; must be called before Distribute
func (d *Distributor) Request(role, name string, requested int64) {
	d.mu.Lock()
	d.requests = append(d.requests, memRequest{role: role, name: name, requested: requested})
	d.mu.Unlock()
}

// Distribute computes the grants; subsequent calls return the same result
func (d *Distributor) Distribute() (map[string]int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return d.grants, nil
	}
	var sumRequested int64
	for _, r := range d.requests {
		sumRequested += r.requested
	}
	switch {
	case sumRequested <= d.available:
		for _, r := range d.requests {
			d.grants[r.name] = r.requested
		}
	case !d.conf.ScaleEnabled:
		return nil, fmt.Errorf("memory distributor: requested %s exceeds available %s and scaling is disabled",
			cos.ToSizeIEC(sumRequested, 1), cos.ToSizeIEC(d.available, 1))
	default:
		d.scale()
	}
	d.done = true
	if nlog.V(4) {
		nlog.Infof("memory distributor: total %s, available %s, grants %v", cos.ToSizeIEC(d.total, 1),
			cos.ToSizeIEC(d.available, 1), d.grants)
	}
	return d.grants, nil
}

// Grant returns the granted size of the named component (zero if unknown
// or not yet distributed)
func (d *Distributor) Grant(name string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.grants[name]
}

// under lock
func (d *Distributor) scale() {
	var sumWeighted float64
	for _, r := range d.requests {
		sumWeighted += float64(r.requested) * float64(d.ratio(r.role))
	}
	for _, r := range d.requests {
		w := float64(r.requested) * float64(d.ratio(r.role))
		var grant int64
		if sumWeighted > 0 {
			grant = int64(float64(d.available) * w / sumWeighted)
		}
		d.grants[r.name] = min(grant, r.requested)
		if grant == 0 && r.requested > 0 {
			nlog.Warningf("memory distributor: %s[%s] scaled down to zero", r.name, r.role)
		}
	}
}

func (d *Distributor) ratio(role string) int {
	if w, ok := d.conf.Ratios[role]; ok {
		return w
	}
	if w, ok := d.conf.Ratios[cmn.RoleOther]; ok {
		return w
	}
	return 1
}
