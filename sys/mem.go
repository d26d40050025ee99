// Package sys provides methods to read system information
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package sys

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/cmn/nlog"
)

const (
	hostMemPath   = "/proc/meminfo"
	contMemLimit  = "/sys/fs/cgroup/memory.max"                   // cgroup v2
	contMemLimit1 = "/sys/fs/cgroup/memory/memory.limit_in_bytes" // cgroup v1
)

type MemStat struct {
	Total      uint64
	Used       uint64
	Free       uint64
	BuffCache  uint64
	ActualFree uint64 // free + buffers + page cache (MemAvailable when reported)
	ActualUsed uint64
	SwapTotal  uint64
	SwapFree   uint64
	SwapUsed   uint64
}

func (mem *MemStat) String() string {
	return fmt.Sprintf("used %s, free %s, buffcache %s, actfree %s, swap-used %s, total %s",
		cos.ToSizeIEC(int64(mem.Used), 1), cos.ToSizeIEC(int64(mem.Free), 1),
		cos.ToSizeIEC(int64(mem.BuffCache), 1), cos.ToSizeIEC(int64(mem.ActualFree), 1),
		cos.ToSizeIEC(int64(mem.SwapUsed), 1), cos.ToSizeIEC(int64(mem.Total), 1))
}

// Mem returns host memory statistics, capped by the container limit when present
func Mem() (mem MemStat, err error) {
	f, err := os.Open(hostMemPath)
	if err != nil {
		return mem, err
	}
	err = mem.parse(f)
	f.Close()
	if err != nil {
		return mem, err
	}
	if limit, ok := containerMemLimit(); ok && limit < mem.Total {
		mem.capTo(limit)
	}
	return mem, nil
}

func (mem *MemStat) parse(r io.Reader) error {
	var (
		avail     uint64
		hasAvail  bool
		buffers   uint64
		cached    uint64
		reclaimed uint64
		scanner   = bufio.NewScanner(r)
	)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		if len(fields) > 2 && fields[2] == "kB" {
			v *= cos.KiB
		}
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemTotal":
			mem.Total = v
		case "MemFree":
			mem.Free = v
		case "MemAvailable":
			avail, hasAvail = v, true
		case "Buffers":
			buffers = v
		case "Cached":
			cached = v
		case "SReclaimable":
			reclaimed = v
		case "SwapTotal":
			mem.SwapTotal = v
		case "SwapFree":
			mem.SwapFree = v
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if mem.Total == 0 {
		return fmt.Errorf("%s: failed to read MemTotal", hostMemPath)
	}
	mem.BuffCache = buffers + cached + reclaimed
	if hasAvail {
		mem.ActualFree = avail
	} else {
		mem.ActualFree = mem.Free + mem.BuffCache
	}
	mem.ActualFree = min(mem.ActualFree, mem.Total)
	mem.Used = mem.Total - mem.Free
	mem.ActualUsed = mem.Total - mem.ActualFree
	mem.SwapUsed = mem.SwapTotal - min(mem.SwapFree, mem.SwapTotal)
	return nil
}

func (mem *MemStat) capTo(limit uint64) {
	used := min(mem.ActualUsed, limit)
	mem.Total = limit
	mem.ActualUsed, mem.Used = used, used
	mem.ActualFree = limit - used
	mem.Free = mem.ActualFree
	mem.BuffCache = 0
}

func containerMemLimit() (uint64, bool) {
	for _, path := range []string{contMemLimit, contMemLimit1} {
		line, err := cos.ReadOneLine(path)
		if err != nil || line == "" || line == "max" {
			continue
		}
		limit, err := strconv.ParseUint(line, 10, 64)
		if err != nil {
			nlog.Warningf("failed to parse %s: %v", path, err)
			continue
		}
		return limit, true
	}
	return 0, false
}
