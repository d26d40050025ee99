// Package fetch implements the consumer side of the shuffle: a bounded pool of
// copiers pulls partition segments from producer hosts, lands them in memory or
// on local disk under a memory budget, and merges them into sorted partitions.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package fetch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/NVIDIA/aishuffle/cmn"
	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/cmn/nlog"
	"github.com/NVIDIA/aishuffle/core"
	"github.com/NVIDIA/aishuffle/ext/shuffle/ifile"
	"github.com/NVIDIA/aishuffle/ext/shuffle/merge"
	"github.com/NVIDIA/aishuffle/fs"
	"github.com/NVIDIA/aishuffle/memsys"
	"github.com/NVIDIA/aishuffle/tracing"

	"go.opentelemetry.io/otel/attribute"
)

type (
	// ReadErrorReporter is notified of segments found corrupted after landing
	// (shuffle.notify_read_error)
	ReadErrorReporter interface {
		ReportReadError(mo *core.MapOutput, err error)
	}

	MergeStats struct {
		LandedMem  int64 // segments landed in memory
		LandedDisk int64 // segments landed on disk
		MemToDisk  int64 // in-memory merges written to disk
		MemToMem   int64
		DiskToDisk int64
	}

	// MergeManager lands fetched segments in memory or on disk and keeps the number
	// of resident bytes and runs bounded by merging in the background
	MergeManager struct {
		a        *core.Attempt
		s        *core.Strategies
		conf     *cmn.ShuffleConf
		opts     *ifile.Opts
		budget   *memsys.Budget
		mm       *memsys.MMSA
		reporter ReadErrorReporter
		mergeErr error
		parts    map[int]*partSegs
		stats    MergeStats
		wg       sync.WaitGroup
		mu       sync.Mutex
		// thresholds
		memoryLimit    int64
		maxSingle      int64
		mergeThreshold int64
		memToMemSegs   int
		diskMergeSegs  int
		factor         int
		committed      int64 // bytes of resident (committed) in-memory segments
		merging        bool
		finalized      bool
	}
	partSegs struct {
		mem  []*merge.MemSegment
		disk []*merge.FileSegment
	}

	mergeJob struct {
		run  func(ctx context.Context) error
		name string
	}

	// write errors of the landing destination are not corruption
	errWriter struct {
		w   io.Writer
		err error
	}
)

func NewMergeManager(a *core.Attempt, s *core.Strategies, grant int64, reporter ReadErrorReporter) (*MergeManager, error) {
	conf := &a.Config.Shuffle
	memoryLimit := int64(float64(grant) * conf.InputBufferPercent)
	if memoryLimit <= 0 {
		return nil, fmt.Errorf("%s: invalid shuffle memory limit (grant %d, input buffer %.2f)", a, grant,
			conf.InputBufferPercent)
	}
	m := &MergeManager{
		a:              a,
		s:              s,
		conf:           conf,
		opts:           ifile.OptsFromConfig(&a.Config.IFile, a.Config.ShuffleCodec()),
		budget:         memsys.NewBudget(a.ID+".shuffle", memoryLimit),
		mm:             memsys.PageMM(),
		reporter:       reporter,
		parts:          make(map[int]*partSegs),
		memoryLimit:    memoryLimit,
		maxSingle:      int64(float64(memoryLimit) * conf.MemoryLimitPercent),
		mergeThreshold: int64(float64(memoryLimit) * conf.MergePercent),
		factor:         max(a.Config.Sort.Factor, 2),
	}
	m.diskMergeSegs = 2*m.factor - 1
	if conf.MemToMem {
		m.memToMemSegs = a.Config.MemToMemSegments()
	}
	a.AddCleanup(m.cleanup)
	nlog.Infof("%s: shuffle memory limit %s, max in-memory segment %s, merge at %s", a,
		cos.ToSizeIEC(memoryLimit, 1), cos.ToSizeIEC(m.maxSingle, 1), cos.ToSizeIEC(m.mergeThreshold, 1))
	return m, nil
}

func (m *MergeManager) Opts() *ifile.Opts { return m.opts }

func (m *MergeManager) Stats() MergeStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// MemUsed returns the bytes reserved for in-memory segments (landed or landing)
func (m *MergeManager) MemUsed() int64 { return m.budget.Used() }

func (m *MergeManager) part(p int) *partSegs {
	ps, ok := m.parts[p]
	if !ok {
		ps = &partSegs{}
		m.parts[p] = ps
	}
	return ps
}

// Land reads exactly mo.CompressedLength bytes from r, verifying the IFile stream on
// the fly, into memory (raw length within the single-segment limit) or a local file.
// The reservation blocks while in-memory bytes exceed the memory limit.
func (m *MergeManager) Land(ctx context.Context, mo *core.MapOutput, r io.Reader) error {
	m.mu.Lock()
	err := m.mergeErr
	if err == nil && m.finalized {
		err = fmt.Errorf("%s: %s: merge manager is finalized", m.a, mo)
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	ectx := core.ErrCtx{Host: mo.Host, Attempt: mo.SourceAttempt, Partition: mo.Partition}
	if mo.RawLength <= m.maxSingle {
		return m.landMem(ctx, mo, r, ectx)
	}
	return m.landDisk(mo, r, ectx)
}

func (m *MergeManager) landMem(ctx context.Context, mo *core.MapOutput, r io.Reader, ectx core.ErrCtx) error {
	if err := m.budget.ReserveLoose(ctx, mo.RawLength); err != nil {
		return cmn.NewErrAborted("reserve memory", m.a.ID, err)
	}
	sgl := m.mm.NewSGL(mo.CompressedLength)
	if _, err := ifile.Verify(io.TeeReader(r, sgl), mo.CompressedLength, m.opts, ectx); err != nil {
		sgl.Free()
		m.budget.Release(mo.RawLength)
		return err
	}
	seg := merge.NewMemSegment(mo.String(), sgl, mo.RawLength, m.opts, ectx, m.releaseMem)

	m.mu.Lock()
	ps := m.part(mo.Partition)
	ps.mem = append(ps.mem, seg)
	m.committed += seg.RawSize()
	m.stats.LandedMem++
	m.maybeMergeLocked()
	m.mu.Unlock()

	m.a.Stats.AddLandedMem(seg.RawSize())
	return nil
}

// called once per in-memory segment, after its SGL is freed
func (m *MergeManager) releaseMem(seg *merge.MemSegment) {
	m.mu.Lock()
	m.committed -= seg.RawSize()
	m.mu.Unlock()
	m.budget.Release(seg.RawSize())
	m.a.Stats.AddLandedMem(-seg.RawSize())
}

func (m *MergeManager) landDisk(mo *core.MapOutput, r io.Reader, ectx core.ErrCtx) (err error) {
	fqn, err := m.a.Dirs.MakePath(m.a.ID, fmt.Sprintf("fetched_%s_%d_%s.out", mo.SourceAttempt, mo.Partition,
		cmn.GenTie()), mo.CompressedLength)
	if err != nil {
		return core.NewErrTaskFatal("land", err, ectx)
	}
	tmp := fs.TempName(fqn)
	fh, err := cos.CreateFile(tmp)
	if err != nil {
		return core.NewErrTaskFatal("land", err, ectx)
	}
	defer func() {
		if err != nil {
			if errRm := cos.RemoveFile(tmp); errRm != nil {
				nlog.Errorln(errRm)
			}
		}
	}()
	var (
		bw = bufio.NewWriterSize(fh, cos.NonZero(int(m.conf.BufferSize), 64*cos.KiB))
		ew = &errWriter{w: bw}
	)
	nrec, err := ifile.Verify(io.TeeReader(r, ew), mo.CompressedLength, m.opts, ectx)
	if ew.err != nil {
		err = ew.err
	}
	if err == nil {
		err = bw.Flush()
	}
	if errC := cos.FlushClose(fh); err == nil {
		err = errC
	}
	if err == nil {
		err = cos.Rename(tmp, fqn)
	}
	if err != nil {
		if !core.IsRetryable(err) && !core.IsCorrupt(err) {
			if cos.IsErrOOS(err) {
				nlog.Errorf("%s: out of space landing %s at %s", m.a, mo, fqn)
			}
			err = core.NewErrTaskFatal("land", err, ectx)
		}
		return err
	}
	seg := &merge.FileSegment{
		Opts:  m.opts,
		ECtx:  ectx,
		Path:  fqn,
		Owned: true,
		Entry: core.IndexEntry{
			Partition:        mo.Partition,
			RawLength:        mo.RawLength,
			CompressedLength: mo.CompressedLength,
			NumRecords:       nrec,
		},
	}
	m.mu.Lock()
	ps := m.part(mo.Partition)
	ps.disk = append(ps.disk, seg)
	m.stats.LandedDisk++
	m.maybeMergeLocked()
	m.mu.Unlock()
	return nil
}

func (ew *errWriter) Write(b []byte) (int, error) {
	if ew.err != nil {
		return 0, ew.err
	}
	n, err := ew.w.Write(b)
	ew.err = err
	return n, err
}

//
// background merging: one merge at a time; the memory threshold takes precedence
// over the memory-to-memory segment count
//

func (m *MergeManager) maybeMergeLocked() {
	if m.merging || m.finalized || m.mergeErr != nil {
		return
	}
	var job *mergeJob
	switch {
	case m.committed >= m.mergeThreshold:
		job = m.memToDiskLocked()
	case m.memToMemSegs > 0 && m.numResidentLocked() >= m.memToMemSegs:
		job = m.memToMemLocked()
	default:
		job = m.diskToDiskLocked()
	}
	if job == nil {
		return
	}
	m.merging = true
	m.wg.Add(1)
	go m.runMerge(job)
}

func (m *MergeManager) runMerge(job *mergeJob) {
	defer m.wg.Done()
	ctx, span := tracing.Start(m.a.Context(), "shuffle.merge", attribute.String("kind", job.name))
	err := job.run(ctx)
	tracing.EndSpan(span, err)

	m.mu.Lock()
	m.merging = false
	if err != nil && m.mergeErr == nil {
		if !cmn.IsErrAborted(err) && !core.IsTaskFatal(err) {
			err = core.NewErrTaskFatal("shuffle merge", err, m.a.ErrCtx(-1))
		}
		m.mergeErr = err
	}
	m.maybeMergeLocked()
	m.mu.Unlock()
	if err != nil {
		nlog.Errorf("%s: %s: %v", m.a, job.name, err)
	}
}

func (m *MergeManager) numResidentLocked() (n int) {
	for _, ps := range m.parts {
		n += len(ps.mem)
	}
	return
}

// all resident segments, one output file per partition
func (m *MergeManager) memToDiskLocked() *mergeJob {
	batch := make(map[int][]*merge.MemSegment, len(m.parts))
	for p, ps := range m.parts {
		if len(ps.mem) > 0 {
			batch[p], ps.mem = ps.mem, nil
		}
	}
	if len(batch) == 0 {
		return nil
	}
	return &mergeJob{name: "mem-to-disk", run: func(ctx context.Context) error { return m.memToDisk(ctx, batch) }}
}

func (m *MergeManager) memToDisk(ctx context.Context, batch map[int][]*merge.MemSegment) (err error) {
	for p, segs := range batch {
		if err == nil {
			err = m.mergeToDisk(ctx, p, memSegs(segs))
		}
		for _, seg := range segs {
			seg.Release()
		}
	}
	if err == nil {
		m.mu.Lock()
		m.stats.MemToDisk++
		m.mu.Unlock()
		m.a.Stats.IncMemMerge()
	}
	return err
}

// the partition with the most resident segments
func (m *MergeManager) memToMemLocked() *mergeJob {
	var (
		bestP = -1
		n     int
	)
	for p, ps := range m.parts {
		if len(ps.mem) > n {
			bestP, n = p, len(ps.mem)
		}
	}
	if n < 2 {
		return nil
	}
	ps := m.parts[bestP]
	segs := ps.mem
	ps.mem = nil
	return &mergeJob{name: "mem-to-mem", run: func(ctx context.Context) error { return m.memToMem(ctx, bestP, segs) }}
}

// the output (at most the inputs' raw size) must fit next to its inputs,
// otherwise the segments are merged to disk
func (m *MergeManager) memToMem(ctx context.Context, p int, segs []*merge.MemSegment) error {
	var reserved int64
	for _, seg := range segs {
		reserved += seg.RawSize()
	}
	if !m.budget.TryReserve(reserved) {
		batch := map[int][]*merge.MemSegment{p: segs}
		return m.memToDisk(ctx, batch)
	}
	sgl := m.mm.NewSGL(0)
	w, err := merge.MergeInto(ctx, memSegs(segs), m.mergeArgs(p), sgl, m.combiner(len(segs)))
	if err != nil {
		m.budget.Release(reserved)
		sgl.Free()
		for _, seg := range segs {
			seg.Release()
		}
		m.reportCorrupt(err)
		return err
	}
	switch out := w.RawLength(); {
	case out < reserved:
		m.budget.Release(reserved - out)
	case out > reserved:
		m.budget.Force(out - reserved)
	}
	seg := merge.NewMemSegment(fmt.Sprintf("mem-merged[%d]", p), sgl, w.RawLength(), m.opts, m.a.ErrCtx(p), m.releaseMem)
	m.mu.Lock()
	ps := m.part(p)
	ps.mem = append(ps.mem, seg)
	m.committed += seg.RawSize()
	m.stats.MemToMem++
	m.mu.Unlock()
	m.a.Stats.AddLandedMem(seg.RawSize())

	for _, seg := range segs {
		seg.Release()
	}
	m.a.Stats.IncMemMerge()
	return nil
}

// on-disk runs of a partition reached 2*factor-1: merge the `factor` smallest
func (m *MergeManager) diskToDiskLocked() *mergeJob {
	for p, ps := range m.parts {
		if len(ps.disk) < m.diskMergeSegs {
			continue
		}
		slices.SortStableFunc(ps.disk, func(a, b *merge.FileSegment) int { return cmpInt64(a.RawSize(), b.RawSize()) })
		segs := slices.Clone(ps.disk[:m.factor])
		ps.disk = slices.Delete(ps.disk, 0, m.factor)
		return &mergeJob{name: "disk-to-disk", run: func(ctx context.Context) error {
			err := m.mergeToDisk(ctx, p, fileSegs(segs))
			for _, seg := range segs {
				seg.Release()
			}
			if err == nil {
				m.mu.Lock()
				m.stats.DiskToDisk++
				m.mu.Unlock()
				m.a.Stats.IncDiskMerge()
			}
			return err
		}}
	}
	return nil
}

// merges (not releases) segs of partition p into a new on-disk run
func (m *MergeManager) mergeToDisk(ctx context.Context, p int, segs []merge.Segment) error {
	var size int64
	for _, seg := range segs {
		size += seg.RawSize()
	}
	fqn, err := m.a.Dirs.MakePath(m.a.ID, fmt.Sprintf("shuffle_merge_%d_%s.out", p, cmn.GenTie()), size)
	if err != nil {
		return core.NewErrTaskFatal("shuffle merge", err, m.a.ErrCtx(p))
	}
	w, err := merge.MergeToFile(ctx, segs, m.mergeArgs(p), fqn, m.combiner(len(segs)))
	if err != nil {
		m.reportCorrupt(err)
		return err
	}
	seg := &merge.FileSegment{
		Opts:  m.opts,
		ECtx:  m.a.ErrCtx(p),
		Path:  fqn,
		Owned: true,
		Entry: core.IndexEntry{
			Partition:        p,
			RawLength:        w.RawLength(),
			CompressedLength: w.CompressedLength(),
			NumRecords:       w.NumRecords(),
		},
	}
	m.mu.Lock()
	ps := m.part(p)
	ps.disk = append(ps.disk, seg)
	m.mu.Unlock()
	return nil
}

// corruption found in landed data (by a merge or by the consumer reading its
// final merge) cannot be retried: the inputs are gone
func (m *MergeManager) reportCorrupt(err error) {
	var ecorrupt *core.ErrCorrupt
	if m.reporter == nil || !m.conf.NotifyReadError || !errors.As(err, &ecorrupt) {
		return
	}
	m.reporter.ReportReadError(&core.MapOutput{
		Host:          ecorrupt.Host,
		SourceAttempt: ecorrupt.Attempt,
		Partition:     ecorrupt.Partition,
	}, err)
}

func (m *MergeManager) combiner(numRuns int) core.Combiner {
	if merge.ShouldCombine(m.s.Combiner, numRuns, m.a.Config.Sort.CombineMinSpills) {
		return m.s.Combiner
	}
	return nil
}

func (m *MergeManager) mergeArgs(p int) *merge.Args {
	return &merge.Args{
		Compare: m.s.Compare,
		TmpPath: func(name string, size int64) (string, error) {
			return m.a.Dirs.MakePath(m.a.ID, name, size)
		},
		Opts:        m.opts,
		Stats:       m.a.Stats,
		ECtx:        m.a.ErrCtx(p),
		Factor:      m.factor,
		MemBudget:   m.memoryLimit,
		ReadBufSize: int64(max(m.opts.BufSize, cos.KiB)),
	}
}

//
// finalize
//

// Finalize waits for the background merge, flushes resident segments beyond
// shuffle.task_input_buffer_percent of the memory limit to disk, and hands
// all runs over to the Result
func (m *MergeManager) Finalize(ctx context.Context, from, to int) (*Result, error) {
	m.mu.Lock()
	m.finalized = true
	m.mu.Unlock()
	m.wg.Wait()

	m.mu.Lock()
	if err := m.mergeErr; err != nil {
		m.mu.Unlock()
		return nil, err
	}
	var batch map[int][]*merge.MemSegment
	if retain := int64(float64(m.memoryLimit) * m.conf.TaskInputBufferPercent); m.committed > retain {
		batch = make(map[int][]*merge.MemSegment, len(m.parts))
		for p, ps := range m.parts {
			// a single resident segment per partition stays as is
			if len(ps.mem) > 1 || (len(ps.mem) == 1 && len(ps.disk) > 0) {
				batch[p], ps.mem = ps.mem, nil
			}
		}
	}
	m.mu.Unlock()

	if len(batch) > 0 {
		if err := m.memToDisk(ctx, batch); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	res := &Result{a: m.a, s: m.s, args: m.mergeArgs, report: m.reportCorrupt, runs: make(map[int][]merge.Segment, to-from)}
	for p := from; p < to; p++ {
		var runs []merge.Segment
		if ps, ok := m.parts[p]; ok {
			runs = append(memSegs(ps.mem), fileSegs(ps.disk)...)
			ps.mem, ps.disk = nil, nil
		}
		res.runs[p] = runs
	}
	m.mu.Unlock()
	return res, nil
}

// attempt cleanup: release whatever has not been handed over
func (m *MergeManager) cleanup(bool) error {
	m.mu.Lock()
	m.finalized = true
	m.mu.Unlock()
	m.wg.Wait()

	m.mu.Lock()
	var segs []merge.Segment
	for _, ps := range m.parts {
		segs = append(segs, memSegs(ps.mem)...)
		segs = append(segs, fileSegs(ps.disk)...)
		ps.mem, ps.disk = nil, nil
	}
	m.mu.Unlock()
	for _, seg := range segs {
		seg.Release()
	}
	return nil
}

func memSegs(segs []*merge.MemSegment) []merge.Segment {
	out := make([]merge.Segment, len(segs))
	for i, seg := range segs {
		out[i] = seg
	}
	return out
}

func fileSegs(segs []*merge.FileSegment) []merge.Segment {
	out := make([]merge.Segment, len(segs))
	for i, seg := range segs {
		out[i] = seg
	}
	return out
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
