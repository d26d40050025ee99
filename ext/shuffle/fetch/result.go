// Package fetch implements the consumer side of the shuffle: a bounded pool of
// copiers pulls partition segments from producer hosts, lands them in memory or
// on local disk under a memory budget, and merges them into sorted partitions.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package fetch

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/NVIDIA/aishuffle/core"
	"github.com/NVIDIA/aishuffle/ext/shuffle/merge"
)

type (
	// Result holds the sorted runs of each fetched partition; each partition is
	// merged (lazily, upon Partition) into a single grouped sequence
	Result struct {
		a      *core.Attempt
		s      *core.Strategies
		args   func(p int) *merge.Args
		report func(err error) // read errors of landed runs (shuffle.notify_read_error)
		runs   map[int][]merge.Segment
		mu     sync.Mutex
	}

	// reports the error that ends the iteration, once
	reportingIter struct {
		merge.Iterator
		report   func(err error)
		reported bool
	}
)

// interface guard
var _ merge.Iterator = (*reportingIter)(nil)

func (r *Result) Partitions() []int {
	r.mu.Lock()
	parts := make([]int, 0, len(r.runs))
	for p := range r.runs {
		parts = append(parts, p)
	}
	r.mu.Unlock()
	slices.Sort(parts)
	return parts
}

func (r *Result) NumRuns(p int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs[p])
}

// Partition returns the grouped, sorted sequence of partition p; may be called
// once per partition and the caller must close the returned iterator
func (r *Result) Partition(ctx context.Context, p int) (*merge.GroupedIterator, error) {
	r.mu.Lock()
	segs, ok := r.runs[p]
	delete(r.runs, p)
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: partition %d is not available (not fetched or already opened)", r.a, p)
	}
	it, err := merge.Merge(ctx, segs, r.args(p))
	if err != nil {
		r.report(err)
		return nil, err
	}
	return merge.NewGroupedIterator(&reportingIter{Iterator: it, report: r.report}, r.s.Group), nil
}

// Close releases the runs of partitions that were never opened
func (r *Result) Close() {
	r.mu.Lock()
	runs := r.runs
	r.runs = nil
	r.mu.Unlock()
	for _, segs := range runs {
		for _, seg := range segs {
			seg.Release()
		}
	}
}

///////////////////
// reportingIter //
///////////////////

func (it *reportingIter) Next() bool {
	if it.Iterator.Next() {
		return true
	}
	if err := it.Iterator.Err(); err != nil && !it.reported {
		it.reported = true
		it.report(err)
	}
	return false
}
