// Package sorter implements the producer side of the shuffle: a double-buffered sort
// buffer with asynchronous spilling, the spill file format, the final merge into the
// attempt's partitioned output, and the local output registry.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package sorter

import (
	"context"
	"path/filepath"
	"time"

	"github.com/NVIDIA/aishuffle/cmn"
	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/cmn/nlog"
	"github.com/NVIDIA/aishuffle/core"
	"github.com/NVIDIA/aishuffle/ext/shuffle/ifile"
	"github.com/NVIDIA/aishuffle/ext/shuffle/merge"
	"github.com/NVIDIA/aishuffle/tracing"

	"go.opentelemetry.io/otel/attribute"
)

const finalName = "file.out"

// Flush waits for the in-flight spill (if any) and produces the attempt's single
// partitioned output: the resident arena is merged with all spills, partition by
// partition. Intermediate spills are removed upon success.
func (s *Sorter) Flush() (od *core.OutputDescriptor, err error) {
	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.flushed = true
	for s.spilling {
		s.cond.Wait()
	}
	if err := s.spillErr; err != nil {
		s.mu.Unlock()
		return nil, err
	}
	var (
		spills = s.spills
		ar     = &s.arenas[s.active]
	)
	s.mu.Unlock()

	ctx, span := tracing.Start(s.ctx, "sort.flush",
		attribute.String("attempt", s.a.ID), attribute.Int("spills", len(spills)))
	defer func() { tracing.EndSpan(span, err) }()

	var sr *SpillRecord
	switch {
	case len(spills) == 1 && len(ar.meta) == 0:
		// same directory, same format
		sr = spills[0]
		fqn := filepath.Join(filepath.Dir(sr.Path), finalName)
		if err = cos.Rename(sr.Path, fqn); err != nil {
			return nil, core.NewErrTaskFatal("flush", err, s.a.ErrCtx(-1))
		}
		sr.Path = fqn
	default:
		sr, err = s.mergeFinal(ctx, ar, spills)
		if err != nil {
			return nil, err
		}
		s.removeSpills(spills)
	}
	ar.free()

	s.mu.Lock()
	s.spills, s.final = nil, sr
	aborted := s.aborted
	s.mu.Unlock()
	if aborted {
		if errRm := cos.RemoveFile(sr.Path); errRm != nil {
			nlog.Errorln(errRm)
		}
		return nil, cmn.NewErrAborted("flush", s.a.ID, context.Cause(s.ctx))
	}

	od = &core.OutputDescriptor{
		Attempt:       s.a.ID,
		Host:          s.host,
		Path:          sr.Path,
		Codec:         s.opts.Codec,
		Checksum:      s.opts.Checksum,
		Index:         sr.Index,
		NumPartitions: s.s.NumPartitions,
		Created:       time.Now().UnixNano(),
	}
	if s.reg != nil {
		if err = s.reg.Publish(od); err != nil {
			return nil, core.NewErrTaskFatal("publish", err, s.a.ErrCtx(-1))
		}
	}
	nlog.Infof("%s: output %s: %d records, %d spill%s, %s", s.a, sr.Path, sr.NumRecords,
		len(spills), cos.Plural(len(spills)), cos.ToSizeIEC(sr.Size, 1))
	return od, nil
}

func (s *Sorter) mergeFinal(ctx context.Context, ar *arena, spills []*SpillRecord) (*SpillRecord, error) {
	parts, err := s.sortArena(ar)
	if err != nil {
		return nil, err
	}
	var size = ar.used
	for _, sp := range spills {
		size += sp.Size
	}
	fqn, err := s.a.Dirs.MakePath(s.a.ID, finalName, size)
	if err != nil {
		return nil, core.NewErrTaskFatal("flush", err, s.a.ErrCtx(-1))
	}
	if len(spills) == 0 {
		return writeSpill(ctx, fqn, s.s.NumPartitions, s.opts, s.a.ErrCtx(-1),
			func(_ context.Context, p int, w *ifile.Writer) error {
				return merge.WriteRun(&arenaIter{ar: ar, recs: parts[p]}, w, s.s.Combiner)
			})
	}
	return writeSpill(ctx, fqn, s.s.NumPartitions, s.opts, s.a.ErrCtx(-1),
		func(ctx context.Context, p int, w *ifile.Writer) error {
			return s.mergePart(ctx, p, w, newArenaRun(ar, parts[p], p), spills)
		})
}

// mergePart merges partition p of the resident arena and of every spill into w
func (s *Sorter) mergePart(ctx context.Context, p int, w *ifile.Writer, resident *arenaRun, spills []*SpillRecord) error {
	segs := make([]merge.Segment, 0, len(spills)+1)
	if len(resident.recs) > 0 {
		segs = append(segs, resident)
	}
	for _, sp := range spills {
		if sp.Index[p].NumRecords > 0 {
			segs = append(segs, sp.Segment(p, s.a.ErrCtx(p)))
		}
	}
	if len(segs) == 0 {
		return nil
	}
	var combiner core.Combiner
	if merge.ShouldCombine(s.s.Combiner, len(segs), s.conf.CombineMinSpills) {
		combiner = s.s.Combiner
	}
	it, err := merge.Merge(ctx, segs, s.mergeArgs(p))
	if err != nil {
		return err
	}
	defer it.Close()
	return merge.WriteRun(it, w, combiner)
}

func (s *Sorter) mergeArgs(p int) *merge.Args {
	return &merge.Args{
		Compare: s.s.Compare,
		TmpPath: func(name string, size int64) (string, error) {
			return s.a.Dirs.MakePath(s.a.ID, name, size)
		},
		Opts:        s.opts,
		Stats:       s.a.Stats,
		ECtx:        s.a.ErrCtx(p),
		Factor:      s.conf.Factor,
		MemBudget:   s.capacity,
		ReadBufSize: int64(max(s.opts.BufSize, cos.KiB)),
	}
}

func (s *Sorter) removeSpills(spills []*SpillRecord) {
	for _, sp := range spills {
		if err := cos.RemoveFile(sp.Path); err != nil {
			nlog.Errorln(err)
		}
	}
}

// Abort stops spilling and removes everything this sort buffer has written
func (s *Sorter) Abort() {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return
	}
	s.aborted = true
	s.cancel(errAborted)
	s.cond.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()
	s.cleanup(true) //nolint:errcheck // logged
}

// attempt cleanup: intermediate spills always; the final output (and its registration)
// only upon abort
func (s *Sorter) cleanup(aborted bool) error {
	s.mu.Lock()
	if aborted {
		s.aborted = true
		s.cancel(errAborted)
	}
	s.mu.Unlock()
	s.wg.Wait()

	s.mu.Lock()
	spills, final := s.spills, s.final
	s.spills = nil
	if aborted {
		s.final = nil
	}
	s.mu.Unlock()

	s.removeSpills(spills)
	if !aborted || final == nil {
		return nil
	}
	errs := cos.NewErrs()
	if err := cos.RemoveFile(final.Path); err != nil {
		errs.Add(err)
	}
	if s.reg != nil {
		if err := s.reg.Remove(s.a.ID); err != nil && !isErrNotFound(err) {
			errs.Add(err)
		}
	}
	_, err := errs.JoinErr()
	return err
}
