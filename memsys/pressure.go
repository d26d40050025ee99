// Package memsys provides memory management and slab/SGL allocation with io.Reader and io.Writer interfaces
// on top of scatter-gather lists of reusable buffers; it also distributes the attempt's memory budget
// across shuffle components.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

import (
	"fmt"

	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/cmn/nlog"
	"github.com/NVIDIA/aishuffle/sys"
)

// memory _pressure_

const (
	PressureLow = iota
	PressureModerate
	PressureHigh
	PressureExtreme
	OOM
)

const (
	highLowThreshold = 40
	swappingMax      = 4 // make sure that `swapping` condition, once noted, lingers for a while
	minMemFree       = 256 * cos.MiB
)

var memPressureText = map[int]string{
	PressureLow:      "low",
	PressureModerate: "moderate",
	PressureHigh:     "high",
	PressureExtreme:  "extreme",
	OOM:              "OOM",
}

func (r *MMSA) initWatermarks() {
	mem, err := sys.Mem()
	if err != nil {
		nlog.Warningf("%s: failed to read memory stats: %v", r.Name, err)
		if r.MinFree == 0 {
			r.MinFree = minMemFree
		}
		r.lowWM = r.MinFree * 2
		return
	}
	if r.MinFree == 0 {
		r.MinFree = min(max(mem.Total/20, minMemFree), mem.Total/4)
	}
	r.lowWM = (mem.Total + r.MinFree) / 2
	r.swap.size.Store(mem.SwapUsed)
}

// update swapping state
func (r *MMSA) updSwap(mem *sys.MemStat) {
	var ncrit int32
	swapping, crit := mem.SwapUsed > r.swap.size.Load(), r.swap.crit.Load()
	if swapping {
		ncrit = min(swappingMax, crit+1)
	} else {
		ncrit = max(0, crit-1)
	}
	r.swap.crit.Store(ncrit)
	r.swap.size.Store(mem.SwapUsed)
}

// returns an estimate for the current memory pressure expressed as enumerated values
// also, tracks swapping stateful vars
func (r *MMSA) Pressure(mem *sys.MemStat) (pressure int) {
	r.updSwap(mem)
	ncrit := r.swap.crit.Load()
	switch {
	case ncrit > 2:
		return OOM
	case ncrit > 1 || mem.ActualFree <= r.MinFree:
		return PressureExtreme
	case ncrit > 0:
		return PressureHigh
	case mem.ActualFree >= r.lowWM:
		return PressureLow
	}
	pressure = PressureModerate
	x := (mem.ActualFree - r.MinFree) * 100 / (r.lowWM - r.MinFree)
	if x < highLowThreshold {
		pressure = PressureHigh
	}
	return
}

func (r *MMSA) Pressure2S(p int) (sp string) {
	sp = "pressure '" + memPressureText[p] + "'"
	if crit := r.swap.crit.Load(); crit > 0 {
		sp = fmt.Sprintf("%s, swapping(%d)", sp, crit)
	}
	return
}
