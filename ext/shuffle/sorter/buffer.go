// Package sorter implements the producer side of the shuffle: a double-buffered sort
// buffer with asynchronous spilling, the spill file format, the final merge into the
// attempt's partitioned output, and the local output registry.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package sorter

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/NVIDIA/aishuffle/cmn"
	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/cmn/debug"
	"github.com/NVIDIA/aishuffle/cmn/nlog"
	"github.com/NVIDIA/aishuffle/core"
	"github.com/NVIDIA/aishuffle/ext/shuffle/ifile"
	"github.com/NVIDIA/aishuffle/ext/shuffle/merge"
	"github.com/NVIDIA/aishuffle/tracing"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// per-record accounting overhead (see recMeta)
const metaSize = 24

var (
	errFlushed = errors.New("sort buffer already flushed")
	errAborted = errors.New("sort buffer aborted")
)

// interface guard
var (
	_ merge.Iterator = (*arenaIter)(nil)
	_ merge.Segment  = (*arenaRun)(nil)
)

type (
	recMeta struct {
		off  int64 // key offset in arena.data; value follows the key
		klen uint32
		vlen uint32
		part int32
	}
	arena struct {
		data []byte
		meta []recMeta
		used int64 // len(data) + len(meta)*metaSize
	}

	Args struct {
		Attempt    *core.Attempt
		Strategies *core.Strategies
		Registry   *Registry // optional: publish the output descriptor upon Flush
		Progress   func(records int64)
		Host       string // serving endpoint recorded in the descriptor
		Capacity   int64  // memory grant; zero: sort.buffer_size
	}

	// Sorter is the sort buffer of a single producer attempt: records are accumulated
	// in the active arena while the other one (if any) is being sorted and spilled
	// in the background. Insert is single-threaded.
	Sorter struct {
		ctx       context.Context
		cancel    context.CancelCauseFunc
		a         *core.Attempt
		s         *core.Strategies
		conf      *cmn.SortConf
		opts      *ifile.Opts
		reg       *Registry
		progress  func(int64)
		spillErr  error
		cond      *sync.Cond
		final     *SpillRecord
		host      string
		spills    []*SpillRecord
		arenas    [2]arena
		wg        sync.WaitGroup
		mu        sync.Mutex
		capacity  int64
		threshold int64
		nrec      int64
		nspill    int
		active    int
		spilling  bool
		flushed   bool
		aborted   bool
	}

	// iterates a sorted slice of arena records
	arenaIter struct {
		ar   *arena
		recs []recMeta
		idx  int
	}
	// in-memory run: partition p of the resident arena (final merge)
	arenaRun struct {
		ar   *arena
		recs []recMeta
		name string
		size int64
	}
)

func NewSorter(args *Args) (*Sorter, error) {
	var (
		a    = args.Attempt
		conf = &a.Config.Sort
	)
	capacity := int64(conf.BufferSize)
	if args.Capacity > 0 {
		capacity = min(capacity, args.Capacity)
	}
	if capacity < cos.KiB {
		return nil, fmt.Errorf("%s: sort buffer capacity %d is too small", a, capacity)
	}
	s := &Sorter{
		a:         a,
		s:         args.Strategies,
		conf:      conf,
		opts:      ifile.OptsFromConfig(&a.Config.IFile, ""),
		reg:       args.Registry,
		progress:  args.Progress,
		host:      args.Host,
		capacity:  capacity,
		threshold: int64(float64(capacity) * conf.SpillPercent),
	}
	s.cond = sync.NewCond(&s.mu)
	s.ctx, s.cancel = context.WithCancelCause(a.Context())
	a.AddCleanup(s.cleanup)
	if nlog.V(4) {
		nlog.Infof("%s: sort buffer %s, spill at %s, %d partition%s", a, cos.ToSizeIEC(capacity, 1),
			cos.ToSizeIEC(s.threshold, 1), s.s.NumPartitions, cos.Plural(s.s.NumPartitions))
	}
	return s, nil
}

func (s *Sorter) Capacity() int64 { return s.capacity }

// UsedBytes across both arenas never exceeds Capacity
func (s *Sorter) UsedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usedLocked()
}

func (s *Sorter) Spills() []*SpillRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.spills)
}

func (s *Sorter) NumRecords() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nrec
}

func (s *Sorter) usedLocked() int64 { return s.arenas[0].used + s.arenas[1].used }

// Insert appends a record to the active arena, possibly triggering an asynchronous spill;
// it blocks only when neither arena has room left
func (s *Sorter) Insert(key, value []byte) error {
	need := int64(len(key)+len(value)) + metaSize
	if need > s.capacity {
		return &core.ErrRecordTooLarge{Size: need, Capacity: s.capacity}
	}
	p, err := s.partition(key, value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for {
		if err := s.checkLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
		if s.usedLocked()+need <= s.capacity {
			break
		}
		if !s.spilling {
			s.spillLocked()
			continue
		}
		s.cond.Wait()
	}
	ar := &s.arenas[s.active]
	ar.append(key, value, p)
	s.nrec++
	nrec := s.nrec
	if ar.used > s.threshold && !s.spilling {
		s.spillLocked()
	}
	debug.Assert(s.usedLocked() <= s.capacity)
	s.mu.Unlock()

	if s.progress != nil && s.conf.ProgressRecords > 0 && nrec%s.conf.ProgressRecords == 0 {
		s.progress(nrec)
	}
	return nil
}

func (s *Sorter) partition(key, value []byte) (p int, err error) {
	defer core.RecoverStrategy(&err, "partition", s.a.ErrCtx(-1))
	if p, err = s.s.Partition(key, value); err != nil {
		err = core.NewErrTaskFatal("partition", err, s.a.ErrCtx(-1))
	}
	return
}

func (s *Sorter) checkLocked() error {
	switch {
	case s.spillErr != nil:
		return s.spillErr
	case s.aborted:
		return errAborted
	case s.flushed:
		return errFlushed
	}
	return nil
}

// hand the active arena over to the spiller and switch to the other one
func (s *Sorter) spillLocked() {
	idx := s.active
	if len(s.arenas[idx].meta) == 0 {
		return
	}
	debug.Assert(s.arenas[1-idx].used == 0)
	s.active = 1 - idx
	s.spilling = true
	num := s.nspill
	s.nspill++
	s.wg.Add(1)
	go s.spill(idx, num)
}

func (s *Sorter) spill(idx, num int) {
	defer s.wg.Done()
	ar := &s.arenas[idx] // owned by this goroutine until `spilling` is reset
	sr, err := s.writeArena(ar, fmt.Sprintf("spill_%d.out", num))

	s.mu.Lock()
	if err != nil {
		if s.spillErr == nil {
			s.spillErr = err
		}
	} else {
		s.spills = append(s.spills, sr)
	}
	ar.reset()
	s.spilling = false
	s.cond.Broadcast()
	s.mu.Unlock()
}

// sort the arena and write it out as a spill file (combining per partition, if configured)
func (s *Sorter) writeArena(ar *arena, name string) (sr *SpillRecord, err error) {
	ctx, span := tracing.Start(s.ctx, "sort.spill",
		attribute.String("attempt", s.a.ID), attribute.String("name", name), attribute.Int("records", len(ar.meta)))
	defer func() { tracing.EndSpan(span, err) }()

	parts, err := s.sortArena(ar)
	if err != nil {
		return nil, err
	}
	fqn, err := s.a.Dirs.MakePath(s.a.ID, name, ar.used)
	if err != nil {
		return nil, core.NewErrTaskFatal("spill", err, s.a.ErrCtx(-1))
	}
	sr, err = writeSpill(ctx, fqn, s.s.NumPartitions, s.opts, s.a.ErrCtx(-1),
		func(_ context.Context, p int, w *ifile.Writer) error {
			return merge.WriteRun(&arenaIter{ar: ar, recs: parts[p]}, w, s.s.Combiner)
		})
	if err != nil {
		return nil, err
	}
	s.a.Stats.IncSpill(sr.Size, int64(len(ar.meta)))
	nlog.Infof("%s: %s: %d records, %s", s.a, name, len(ar.meta), cos.ToSizeIEC(sr.Size, 1))
	return sr, nil
}

// sortArena buckets records by partition (stable) and sorts each bucket by key,
// concurrently when sort.threads > 1
func (s *Sorter) sortArena(ar *arena) (parts [][]recMeta, err error) {
	n := s.s.NumPartitions
	start := make([]int, n+1)
	for i := range ar.meta {
		start[ar.meta[i].part+1]++
	}
	for p := range n {
		start[p+1] += start[p]
	}
	sorted := make([]recMeta, len(ar.meta))
	next := slices.Clone(start[:n])
	for _, m := range ar.meta {
		sorted[next[m.part]] = m
		next[m.part]++
	}
	ar.meta = sorted
	parts = make([][]recMeta, n)
	for p := range n {
		parts[p] = sorted[start[p]:start[p+1]]
	}

	cmp := func(a, b recMeta) int { return s.s.Compare(ar.key(&a), ar.key(&b)) }
	sortPart := func(p int) (err error) {
		defer core.RecoverStrategy(&err, "sort", s.a.ErrCtx(p))
		if s.conf.Stable {
			slices.SortStableFunc(parts[p], cmp)
		} else {
			slices.SortFunc(parts[p], cmp)
		}
		return nil
	}
	if s.conf.Threads <= 1 || n == 1 {
		for p := range n {
			if err := sortPart(p); err != nil {
				return nil, err
			}
		}
		return parts, nil
	}
	var g errgroup.Group
	g.SetLimit(s.conf.Threads)
	for p := range n {
		if len(parts[p]) < 2 {
			continue
		}
		g.Go(func() error { return sortPart(p) })
	}
	return parts, g.Wait()
}

///////////
// arena //
///////////

func (ar *arena) append(key, value []byte, p int) {
	off := int64(len(ar.data))
	ar.data = append(ar.data, key...)
	ar.data = append(ar.data, value...)
	ar.meta = append(ar.meta, recMeta{off: off, klen: uint32(len(key)), vlen: uint32(len(value)), part: int32(p)})
	ar.used += int64(len(key)+len(value)) + metaSize
}

func (ar *arena) key(m *recMeta) []byte {
	return ar.data[m.off : m.off+int64(m.klen) : m.off+int64(m.klen)]
}

func (ar *arena) value(m *recMeta) []byte {
	off := m.off + int64(m.klen)
	return ar.data[off : off+int64(m.vlen) : off+int64(m.vlen)]
}

// keep the allocated capacity for the next round
func (ar *arena) reset() {
	ar.data = ar.data[:0]
	ar.meta = ar.meta[:0]
	ar.used = 0
}

func (ar *arena) free() {
	ar.data, ar.meta, ar.used = nil, nil, 0
}

///////////////
// arenaIter //
///////////////

func (it *arenaIter) Next() bool {
	if it.idx >= len(it.recs) {
		return false
	}
	it.idx++
	return true
}

func (it *arenaIter) Key() []byte   { return it.ar.key(&it.recs[it.idx-1]) }
func (it *arenaIter) Value() []byte { return it.ar.value(&it.recs[it.idx-1]) }
func (*arenaIter) Err() error       { return nil }
func (*arenaIter) Close() error     { return nil }

//////////////
// arenaRun //
//////////////

func newArenaRun(ar *arena, recs []recMeta, p int) *arenaRun {
	run := &arenaRun{ar: ar, recs: recs, name: fmt.Sprintf("resident[%d]", p)}
	for i := range recs {
		run.size += ifile.RecordLen(ar.key(&recs[i]), ar.value(&recs[i]))
	}
	return run
}

func (r *arenaRun) Name() string                               { return r.name }
func (r *arenaRun) RawSize() int64                             { return r.size }
func (*arenaRun) InMemory() bool                               { return true }
func (*arenaRun) Release()                                     {}
func (r *arenaRun) Open(context.Context) (merge.Iterator, error) { return &arenaIter{ar: r.ar, recs: r.recs}, nil }
