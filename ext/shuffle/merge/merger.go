// Package merge implements the heap-based k-way merge of sorted runs (memory- and
// disk-resident), iterative multi-pass merging bounded by a merge factor, optional
// combining, and grouped iteration for consumers.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package merge

import (
	"container/heap"
	"context"
	"fmt"
	"io"
	"slices"
	"sort"

	"github.com/NVIDIA/aishuffle/cmn"
	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/cmn/nlog"
	"github.com/NVIDIA/aishuffle/core"
	"github.com/NVIDIA/aishuffle/ext/shuffle/ifile"
	"github.com/NVIDIA/aishuffle/fs"
	"github.com/NVIDIA/aishuffle/stats"
	"github.com/NVIDIA/aishuffle/tracing"

	"go.opentelemetry.io/otel/attribute"
)

const ctxCheckMask = 0x3ff // check for cancellation every 1024 records

// interface guard
var (
	_ Iterator       = (*heapIter)(nil)
	_ heap.Interface = (*mergeHeap)(nil)
)

type (
	Args struct {
		Compare core.Comparator // primary, with secondary tie-breaking
		// intermediate runs
		TmpPath func(name string, size int64) (string, error)
		Opts    *ifile.Opts
		Stats   *stats.Tracker
		ECtx    core.ErrCtx
		Factor  int
		// bounds the effective factor: MemBudget / ReadBufSize runs can be read at once
		MemBudget   int64
		ReadBufSize int64
	}

	cursor struct {
		it  Iterator
		idx int // tie-breaker: equal keys come out in segment order
	}
	mergeHeap struct {
		cmp     core.Comparator
		cursors []*cursor
	}
	heapIter struct {
		ctx   context.Context
		cur   *cursor
		err   error
		iters []Iterator
		segs  []Segment // released on Close
		ectx  core.ErrCtx
		h     mergeHeap
		nrec  int64
		done  bool
	}
)

func (args *Args) EffectiveFactor() int {
	f := max(args.Factor, 2)
	if args.MemBudget > 0 && args.ReadBufSize > 0 {
		f = min(f, max(2, int(args.MemBudget/args.ReadBufSize)))
	}
	return f
}

// ShouldCombine: combining on merge pays off only with enough input runs
func ShouldCombine(combiner core.Combiner, numRuns, minRuns int) bool {
	return combiner != nil && numRuns >= minRuns
}

// Merge merges sorted runs of one partition into a single sorted iterator.
// When there are more runs than the effective factor, intermediate passes (smallest
// runs first, the first pass sized so that subsequent passes are full) merge batches
// into disk runs until at most `factor` remain.
// Merge takes ownership of segs: each is released once merged, upon Close of the
// returned iterator, or upon error.
func Merge(ctx context.Context, segs []Segment, args *Args) (Iterator, error) {
	var (
		work   = slices.Clone(segs)
		factor = args.EffectiveFactor()
	)
	slices.SortStableFunc(work, func(a, b Segment) int { return cmpSize(a.RawSize(), b.RawSize()) })
	for pass := 1; len(work) > factor; pass++ {
		n := passFactor(factor, pass, len(work))
		run, err := mergePass(ctx, work[:n], args, pass)
		if err != nil {
			releaseAll(work)
			return nil, err
		}
		releaseAll(work[:n])
		work = work[n:]
		i := sort.Search(len(work), func(i int) bool { return work[i].RawSize() > run.RawSize() })
		work = slices.Insert(work, i, Segment(run))
	}
	it, err := newHeapIter(ctx, work, args.Compare, args.ECtx)
	if err != nil {
		releaseAll(work)
		return nil, err
	}
	it.segs = work
	return it, nil
}

// number of runs to merge in the given pass
func passFactor(factor, pass, numSegs int) int {
	if pass > 1 || numSegs <= factor || factor == 1 {
		return factor
	}
	mod := (numSegs - 1) % (factor - 1)
	if mod == 0 {
		return factor
	}
	return mod + 1
}

func mergePass(ctx context.Context, batch []Segment, args *Args, pass int) (run *FileSegment, err error) {
	var size int64
	for _, seg := range batch {
		size += seg.RawSize()
	}
	ctx, span := tracing.Start(ctx, "merge.pass",
		attribute.Int("pass", pass), attribute.Int("segments", len(batch)), attribute.Int64("size", size))
	defer func() { tracing.EndSpan(span, err) }()

	fqn, err := args.TmpPath("merge_"+cmn.GenUUID()+".out", size)
	if err != nil {
		return nil, err
	}
	w, err := MergeToFile(ctx, batch, args, fqn, nil)
	if err != nil {
		return nil, err
	}
	args.Stats.IncMergePass()
	if nlog.V(4) {
		nlog.Infof("merge pass %d: %d runs => %s (%s)", pass, len(batch), fqn, cos.ToSizeIEC(w.RawLength(), 1))
	}
	entry := core.IndexEntry{
		Partition:        args.ECtx.Partition,
		RawLength:        w.RawLength(),
		CompressedLength: w.CompressedLength(),
		NumRecords:       w.NumRecords(),
	}
	return &FileSegment{Path: fqn, Entry: entry, Opts: args.Opts, ECtx: args.ECtx, Owned: true}, nil
}

// MergeToFile merges segs (not released) into a new IFile at fqn, written atomically
func MergeToFile(ctx context.Context, segs []Segment, args *Args, fqn string, combiner core.Combiner) (w *ifile.Writer, err error) {
	tmp := fs.TempName(fqn)
	fh, err := cos.CreateFile(tmp)
	if err != nil {
		return nil, err
	}
	w, err = MergeInto(ctx, segs, args, fh, combiner)
	if errC := cos.FlushClose(fh); err == nil {
		err = errC
	}
	if err == nil {
		err = cos.Rename(tmp, fqn)
	}
	if err != nil {
		if errRm := cos.RemoveFile(tmp); errRm != nil {
			nlog.Errorln(errRm)
		}
		return nil, err
	}
	return w, nil
}

// MergeInto merges segs (not released) and writes the result as a single IFile stream to dst
func MergeInto(ctx context.Context, segs []Segment, args *Args, dst io.Writer, combiner core.Combiner) (w *ifile.Writer, err error) {
	defer core.RecoverStrategy(&err, "merge", args.ECtx)
	it, err := newHeapIter(ctx, segs, args.Compare, args.ECtx)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	if w, err = ifile.NewWriter(dst, args.Opts); err != nil {
		return nil, err
	}
	if err = WriteRun(it, w, combiner); err != nil {
		return nil, err
	}
	return w, w.Close()
}

// WriteRun copies (or combines, when combiner != nil) the sorted sequence into w
func WriteRun(it core.KVIterator, w core.KVWriter, combiner core.Combiner) error {
	if combiner != nil {
		if err := combiner.Combine(it, w); err != nil {
			return err
		}
		return it.Err()
	}
	for it.Next() {
		if err := w.Append(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return it.Err()
}

func releaseAll(segs []Segment) {
	for _, seg := range segs {
		seg.Release()
	}
}

func cmpSize(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

//////////////
// heapIter //
//////////////

func newHeapIter(ctx context.Context, segs []Segment, cmp core.Comparator, ectx core.ErrCtx) (mi *heapIter, err error) {
	mi = &heapIter{ctx: ctx, ectx: ectx, h: mergeHeap{cmp: cmp, cursors: make([]*cursor, 0, len(segs))}}
	mi.iters = make([]Iterator, 0, len(segs))
	defer func() {
		if r := recover(); r != nil {
			err = core.NewErrTaskFatal("merge", fmt.Errorf("strategy panic: %v", r), ectx)
		}
		if err != nil {
			mi.Close()
			mi = nil
		}
	}()
	for i, seg := range segs {
		it, errO := seg.Open(ctx)
		if errO != nil {
			return mi, fmt.Errorf("failed to open %s: %w", seg.Name(), errO)
		}
		mi.iters = append(mi.iters, it)
		if it.Next() {
			mi.h.cursors = append(mi.h.cursors, &cursor{it: it, idx: i})
		} else if err = it.Err(); err != nil {
			return mi, err
		}
	}
	heap.Init(&mi.h)
	return mi, nil
}

func (mi *heapIter) Key() []byte   { return mi.cur.it.Key() }
func (mi *heapIter) Value() []byte { return mi.cur.it.Value() }
func (mi *heapIter) Err() error    { return mi.err }

func (mi *heapIter) Next() (ok bool) {
	if mi.err != nil || mi.done {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			mi.err = core.NewErrTaskFatal("merge", fmt.Errorf("strategy panic: %v", r), mi.ectx)
			ok = false
		}
	}()
	if mi.cur != nil {
		if mi.cur.it.Next() {
			heap.Fix(&mi.h, 0)
		} else {
			if err := mi.cur.it.Err(); err != nil {
				mi.err = err
				return false
			}
			heap.Pop(&mi.h)
		}
		mi.cur = nil
	}
	if mi.nrec&ctxCheckMask == 0 {
		if err := mi.ctx.Err(); err != nil {
			mi.err = cmn.NewErrAborted("merge", mi.ectx.String(), context.Cause(mi.ctx))
			return false
		}
	}
	if mi.h.Len() == 0 {
		mi.done = true
		return false
	}
	mi.cur = mi.h.cursors[0]
	mi.nrec++
	return true
}

func (mi *heapIter) Close() (err error) {
	for _, it := range mi.iters {
		if errC := it.Close(); errC != nil && err == nil {
			err = errC
		}
	}
	mi.iters = nil
	releaseAll(mi.segs)
	mi.segs = nil
	mi.done, mi.cur = true, nil
	return
}

///////////////
// mergeHeap //
///////////////

func (h *mergeHeap) Len() int { return len(h.cursors) }

func (h *mergeHeap) Less(i, j int) bool {
	a, b := h.cursors[i], h.cursors[j]
	if c := h.cmp(a.it.Key(), b.it.Key()); c != 0 {
		return c < 0
	}
	return a.idx < b.idx
}

func (h *mergeHeap) Swap(i, j int) { h.cursors[i], h.cursors[j] = h.cursors[j], h.cursors[i] }
func (h *mergeHeap) Push(x any)    { h.cursors = append(h.cursors, x.(*cursor)) }

func (h *mergeHeap) Pop() any {
	n := len(h.cursors)
	c := h.cursors[n-1]
	h.cursors[n-1] = nil
	h.cursors = h.cursors[:n-1]
	return c
}
