// Package memsys provides memory management and slab/SGL allocation with io.Reader and io.Writer interfaces
// on top of scatter-gather lists of reusable buffers; it also distributes the attempt's memory budget
// across shuffle components.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/cmn/debug"
)

const (
	PageSize       = cos.KiB * 4
	DefaultBufSize = PageSize * 8
)

// page slabs: pagesize increments up to MaxPageSlabSize
const (
	MaxPageSlabSize = 128 * cos.KiB
	PageSlabIncStep = PageSize
	NumPageSlabs    = MaxPageSlabSize / PageSlabIncStep // = 32
)

// exceeding this scatter-gather count warrants selecting a larger-(buffer)-size Slab
const countThreshold = 16

type (
	// MMSA is a memory manager and slab allocator
	MMSA struct {
		Name    string
		MinFree uint64 // memory that must be available at all times
		lowWM   uint64
		rings   [NumPageSlabs]*Slab
		inUse   atomic.Int64 // bytes allocated and not yet freed
		swap    struct {
			size atomic.Uint64
			crit atomic.Int32
		}
	}
	Slab struct {
		m       *MMSA
		pool    sync.Pool
		bufSize int64
		hits    atomic.Uint64
	}
)

var (
	gmm     *MMSA
	gmmOnce sync.Once
)

// PageMM returns the process-wide page-size based MMSA
func PageMM() *MMSA {
	gmmOnce.Do(func() {
		gmm = NewMMSA("pmm", 0)
	})
	return gmm
}

func NewMMSA(name string, minFree uint64) *MMSA {
	r := &MMSA{Name: name, MinFree: minFree}
	for i := range r.rings {
		slab := &Slab{m: r, bufSize: PageSlabIncStep * int64(i+1)}
		size := slab.bufSize
		slab.pool.New = func() any {
			b := make([]byte, size)
			return &b
		}
		r.rings[i] = slab
	}
	r.initWatermarks()
	return r
}

func (r *MMSA) String() string {
	return fmt.Sprintf("%s[in-use %s, min-free %s]", r.Name, cos.ToSizeIEC(r.InUse(), 1),
		cos.ToSizeIEC(int64(r.MinFree), 0))
}

// InUse returns the number of bytes allocated via this MMSA and not yet freed
func (r *MMSA) InUse() int64 { return r.inUse.Load() }

// allocate SGL
//   - immediateSize: known size, OR minimum expected size, OR size to preallocate;
//     immediateSize == 0 translates as DefaultBufSize
//   - sbufSize: slab buffer size (optional)
func (r *MMSA) NewSGL(immediateSize int64, sbufSize ...int64) *SGL {
	var slab *Slab
	if len(sbufSize) > 0 {
		var err error
		slab, err = r.GetSlab(sbufSize[0])
		debug.AssertNoErr(err)
	} else {
		if immediateSize == 0 {
			immediateSize = DefaultBufSize
		}
		slab = r.selectSlab(immediateSize)
	}
	z := &SGL{slab: slab}
	n := cos.DivCeil(immediateSize, slab.Size())
	z.sgl = make([][]byte, 0, n)
	for range n {
		z.sgl = append(z.sgl, slab.Alloc())
	}
	return z
}

// gets Slab for a given fixed buffer size that must be within expected range of sizes
func (r *MMSA) GetSlab(bufSize int64) (s *Slab, err error) {
	a, b := bufSize/PageSlabIncStep, bufSize%PageSlabIncStep
	if b != 0 {
		return nil, fmt.Errorf("memsys: size %d must be a multiple of %d", bufSize, PageSlabIncStep)
	}
	if a < 1 || a > NumPageSlabs {
		return nil, fmt.Errorf("memsys: size %d outside valid range", bufSize)
	}
	return r.rings[a-1], nil
}

func (r *MMSA) AllocSize(size int64) (buf []byte, slab *Slab) {
	slab = r.selectSlab(size)
	buf = slab.Alloc()
	return
}

func (r *MMSA) Free(buf []byte) {
	size := int64(cap(buf))
	debug.Assert(size%PageSlabIncStep == 0 && size/PageSlabIncStep <= NumPageSlabs, size)
	r.rings[size/PageSlabIncStep-1].Free(buf)
}

// minimize the number of scatter-gather entries for a given expected size
func (r *MMSA) selectSlab(size int64) *Slab {
	if size >= MaxPageSlabSize {
		return r.rings[NumPageSlabs-1]
	}
	if size <= PageSize {
		return r.rings[0]
	}
	n := cos.DivCeil(size, countThreshold)
	i := cos.DivCeil(n, PageSlabIncStep)
	return r.rings[min(i, NumPageSlabs)-1]
}

//////////
// Slab //
//////////

func (s *Slab) Size() int64 { return s.bufSize }
func (s *Slab) Tag() string { return s.m.Name + "." + cos.ToSizeIEC(s.bufSize, 0) }

func (s *Slab) Alloc() []byte {
	s.hits.Add(1)
	s.m.inUse.Add(s.bufSize)
	return (*s.pool.Get().(*[]byte))[:s.bufSize]
}

func (s *Slab) Free(buf []byte) {
	debug.Assert(int64(cap(buf)) == s.bufSize)
	s.m.inUse.Add(-s.bufSize)
	buf = buf[:cap(buf)]
	s.pool.Put(&buf)
}
