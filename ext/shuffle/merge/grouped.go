// Package merge implements the heap-based k-way merge of sorted runs (memory- and
// disk-resident), iterative multi-pass merging bounded by a merge factor, optional
// combining, and grouped iteration for consumers.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package merge

import (
	"fmt"

	"github.com/NVIDIA/aishuffle/core"
)

// GroupedIterator delivers a merged partition to the consumer one group at a time:
// consecutive records whose keys compare equal per the group comparator form one
// group, and the group's values are streamed lazily.
//
//	for gi.NextKey() {
//		key := gi.Key()
//		for gi.NextValue() {
//			... gi.Value()
//		}
//	}
//	err := gi.Err()
type GroupedIterator struct {
	it       Iterator
	grp      core.Comparator
	key      []byte
	err      error
	started  bool
	pending  bool // the iterator is positioned on a record not yet returned
	boundary bool // the pending record starts the next group
	eof      bool
}

func NewGroupedIterator(it Iterator, grp core.Comparator) *GroupedIterator {
	return &GroupedIterator{it: it, grp: grp}
}

// NextKey skips whatever remains of the current group and advances to the next one
func (g *GroupedIterator) NextKey() bool {
	if !g.started {
		g.started = true
		if !g.advance() {
			return false
		}
		g.pending = true
	} else {
		for g.NextValue() {
		}
		if g.eof {
			return false
		}
	}
	g.boundary = false
	g.key = append(g.key[:0], g.it.Key()...)
	return true
}

// Key returns the group's key (the first record's key)
func (g *GroupedIterator) Key() []byte { return g.key }

// RecordKey returns the current record's key, which may differ from Key under
// a group comparator coarser than the sort order
func (g *GroupedIterator) RecordKey() []byte { return g.it.Key() }

func (g *GroupedIterator) NextValue() bool {
	if g.eof || g.boundary || !g.started {
		return false
	}
	if g.pending {
		g.pending = false
		return true
	}
	if !g.advance() {
		return false
	}
	if !g.sameGroup() {
		if g.eof {
			return false
		}
		g.boundary, g.pending = true, true
		return false
	}
	return true
}

func (g *GroupedIterator) Value() []byte { return g.it.Value() }
func (g *GroupedIterator) Err() error    { return g.err }

// Close is idempotent; dropping a partially consumed iterator is safe
func (g *GroupedIterator) Close() error {
	g.eof = true
	return g.it.Close()
}

func (g *GroupedIterator) advance() bool {
	if g.it.Next() {
		return true
	}
	g.eof = true
	g.err = g.it.Err()
	return false
}

func (g *GroupedIterator) sameGroup() (same bool) {
	defer func() {
		if r := recover(); r != nil {
			g.err = core.NewErrTaskFatal("group", fmt.Errorf("group comparator panic: %v", r), core.ErrCtx{Partition: -1})
			g.eof, same = true, false
		}
	}()
	return g.grp(g.it.Key(), g.key) == 0
}
