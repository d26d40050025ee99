// Package sorter implements the producer side of the shuffle: a double-buffered sort
// buffer with asynchronous spilling, the spill file format, the final merge into the
// attempt's partitioned output, and the local output registry.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package sorter

import (
	"bufio"
	"context"
	"io"
	"os"

	"github.com/NVIDIA/aishuffle/cmn"
	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/cmn/nlog"
	"github.com/NVIDIA/aishuffle/core"
	"github.com/NVIDIA/aishuffle/ext/shuffle/ifile"
	"github.com/NVIDIA/aishuffle/fs"
)

// writes one partition's IFile stream
type partWriter func(ctx context.Context, p int, w *ifile.Writer) error

// writeSpill writes a spill (or final output) file: all partitions in order, then the
// index at the head of the file, then the atomic rename into place.
// Any failure (including disk full) is task-fatal.
func writeSpill(ctx context.Context, fqn string, numPartitions int, opts *ifile.Opts, ectx core.ErrCtx,
	write partWriter) (sr *SpillRecord, err error) {
	tmp := fs.TempName(fqn)
	defer func() {
		if err == nil {
			return
		}
		if errRm := cos.RemoveFile(tmp); errRm != nil {
			nlog.Errorln(errRm)
		}
		if !core.IsTaskFatal(err) && !cmn.IsErrAborted(err) {
			err = core.NewErrTaskFatal("spill", err, ectx)
		}
	}()
	fh, err := cos.CreateFile(tmp)
	if err != nil {
		return nil, err
	}
	sr = &SpillRecord{Path: fqn, Opts: opts, Index: make([]core.IndexEntry, numPartitions)}
	if sr.Size, err = writeParts(ctx, fh, sr, opts, ectx, write); err != nil {
		fh.Close()
		return nil, err
	}
	index, err := packIndex(sr.Index, opts)
	if err == nil {
		_, err = fh.WriteAt(index, 0)
	}
	if errC := cos.FlushClose(fh); err == nil {
		err = errC
	}
	if err != nil {
		return nil, err
	}
	if err = cos.Rename(tmp, fqn); err != nil {
		return nil, err
	}
	return sr, nil
}

func writeParts(ctx context.Context, fh *os.File, sr *SpillRecord, opts *ifile.Opts, ectx core.ErrCtx,
	write partWriter) (off int64, err error) {
	off = IndexLen(len(sr.Index))
	if _, err = fh.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	bw := bufio.NewWriterSize(fh, max(opts.BufSize, 64*cos.KiB))
	for p := range sr.Index {
		if err := ctx.Err(); err != nil {
			return 0, cmn.NewErrAborted("spill", sr.Path, context.Cause(ctx))
		}
		w, err := ifile.NewWriter(bw, opts)
		if err != nil {
			return 0, err
		}
		if err := writePart(ctx, p, w, ectx, write); err != nil {
			return 0, err
		}
		if err := w.Close(); err != nil {
			return 0, err
		}
		e := core.IndexEntry{
			Partition:        p,
			StartOffset:      off,
			RawLength:        w.RawLength(),
			CompressedLength: w.CompressedLength(),
			NumRecords:       w.NumRecords(),
		}
		sr.Index[p] = e
		sr.NumRecords += e.NumRecords
		off += e.CompressedLength
	}
	return off, bw.Flush()
}

func writePart(ctx context.Context, p int, w *ifile.Writer, ectx core.ErrCtx, write partWriter) (err error) {
	ectx.Partition = p
	defer core.RecoverStrategy(&err, "spill", ectx)
	return write(ctx, p, w)
}
