// Package memsys provides memory management and slab/SGL allocation with io.Reader and io.Writer interfaces
// on top of scatter-gather lists of reusable buffers; it also distributes the attempt's memory budget
// across shuffle components.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

import (
	"context"
	"sync"

	"github.com/NVIDIA/aishuffle/cmn/debug"
)

// Budget is per-component bookkeeping of bytes-in-use against a fixed limit;
// there's no global lock: each component self-throttles against its share.
type Budget struct {
	name   string
	waitCh chan struct{} // closed and replaced upon every release
	limit  int64
	used   int64
	mu     sync.Mutex
}

func NewBudget(name string, limit int64) *Budget {
	debug.Assert(limit > 0, name, " limit ", limit)
	return &Budget{name: name, limit: limit, waitCh: make(chan struct{})}
}

func (b *Budget) Limit() int64 { return b.limit }

func (b *Budget) Used() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// TryReserve reserves n bytes if used+n fits within the limit
func (b *Budget) TryReserve(n int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used+n > b.limit {
		return false
	}
	b.used += n
	return true
}

// ReserveLoose blocks only while the budget is already over its limit and
// then admits n bytes, possibly overshooting (bounded by the caller's max
// single reservation)
func (b *Budget) ReserveLoose(ctx context.Context, n int64) error {
	for {
		b.mu.Lock()
		if b.used <= b.limit {
			b.used += n
			b.mu.Unlock()
			return nil
		}
		ch := b.waitCh
		b.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// Release returns n bytes and wakes up all waiters
func (b *Budget) Release(n int64) {
	b.mu.Lock()
	b.used -= n
	debug.Assert(b.used >= 0, b.name, " used ", b.used)
	close(b.waitCh)
	b.waitCh = make(chan struct{})
	b.mu.Unlock()
}

// Force accounts n bytes regardless of the limit
func (b *Budget) Force(n int64) {
	b.mu.Lock()
	b.used += n
	b.mu.Unlock()
}
