// Package merge implements the heap-based k-way merge of sorted runs (memory- and
// disk-resident), iterative multi-pass merging bounded by a merge factor, optional
// combining, and grouped iteration for consumers.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package merge

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/cmn/nlog"
	"github.com/NVIDIA/aishuffle/core"
	"github.com/NVIDIA/aishuffle/ext/shuffle/ifile"
	"github.com/NVIDIA/aishuffle/memsys"
)

// interface guard
var (
	_ Segment = (*FileSegment)(nil)
	_ Segment = (*MemSegment)(nil)
)

type (
	// Iterator is a forward-only, non-restartable record sequence; Close is idempotent
	Iterator interface {
		core.KVIterator
		Close() error
	}

	// Segment is an immutable sorted run of a single partition
	Segment interface {
		Name() string
		// Open returns a fresh iterator over the run
		Open(ctx context.Context) (Iterator, error)
		// RawSize is the uncompressed size (merge ordering, memory accounting)
		RawSize() int64
		InMemory() bool
		// Release is called once the run is no longer referenced
		Release()
	}

	// FileSegment is an IFile stream at [StartOffset, StartOffset+CompressedLength) of Path
	FileSegment struct {
		Opts  *ifile.Opts
		ECtx  core.ErrCtx
		Path  string
		Entry core.IndexEntry
		// remove Path upon release (intermediate runs and landed segments)
		Owned bool
	}

	// MemSegment is an IFile stream held in a scatter-gather list
	MemSegment struct {
		sgl       *memsys.SGL
		opts      *ifile.Opts
		onRelease func(seg *MemSegment)
		name      string
		ectx      core.ErrCtx
		rawSize   int64
		once      sync.Once
	}

	readerIter struct {
		*ifile.Reader
		src io.Closer
	}
)

/////////////////
// FileSegment //
/////////////////

func (s *FileSegment) Name() string   { return s.Path + "[" + s.Entry.String() + "]" }
func (s *FileSegment) RawSize() int64 { return s.Entry.RawLength }
func (*FileSegment) InMemory() bool   { return false }

func (s *FileSegment) Open(context.Context) (Iterator, error) {
	rc, err := cos.NewFileSection(s.Path, s.Entry.StartOffset, s.Entry.CompressedLength)
	if err != nil {
		return nil, err
	}
	ir, err := ifile.NewReader(rc, s.Entry.CompressedLength, s.Opts, s.ECtx)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return &readerIter{Reader: ir, src: rc}, nil
}

func (s *FileSegment) Release() {
	if !s.Owned {
		return
	}
	if err := cos.RemoveFile(s.Path); err != nil {
		nlog.Errorln("failed to remove merged run:", err)
	}
}

////////////////
// MemSegment //
////////////////

// NewMemSegment takes ownership of the SGL; onRelease (optional) is called once
// after the SGL is freed
func NewMemSegment(name string, sgl *memsys.SGL, rawSize int64, opts *ifile.Opts, ectx core.ErrCtx,
	onRelease func(*MemSegment)) *MemSegment {
	return &MemSegment{sgl: sgl, name: name, rawSize: rawSize, opts: opts, ectx: ectx, onRelease: onRelease}
}

func (s *MemSegment) Name() string   { return s.name }
func (s *MemSegment) RawSize() int64 { return s.rawSize }
func (s *MemSegment) Size() int64    { return s.sgl.Size() }
func (*MemSegment) InMemory() bool   { return true }

func (s *MemSegment) Open(context.Context) (Iterator, error) {
	ir, err := ifile.NewReader(memsys.NewReader(s.sgl), s.sgl.Size(), s.opts, s.ectx)
	if err != nil {
		return nil, err
	}
	return &readerIter{Reader: ir}, nil
}

// Bytes is a copy of the (compressed) stream
func (s *MemSegment) Bytes() []byte {
	var b bytes.Buffer
	io.Copy(&b, memsys.NewReader(s.sgl))
	return b.Bytes()
}

func (s *MemSegment) Release() {
	s.once.Do(func() {
		s.sgl.Free()
		if s.onRelease != nil {
			s.onRelease(s)
		}
	})
}

////////////////
// readerIter //
////////////////

func (it *readerIter) Close() error {
	err := it.Reader.Close()
	if it.src != nil {
		if errC := it.src.Close(); err == nil {
			err = errC
		}
		it.src = nil
	}
	return err
}
