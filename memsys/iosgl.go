// Package memsys provides memory management and slab/SGL allocation with io.Reader and io.Writer interfaces
// on top of scatter-gather lists of reusable buffers; it also distributes the attempt's memory budget
// across shuffle components.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

import (
	"errors"
	"io"

	"github.com/NVIDIA/aishuffle/cmn/debug"
)

// interface guard
var (
	_ io.ByteScanner = (*SGL)(nil)
	_ io.ReaderFrom  = (*SGL)(nil)
	_ io.WriterTo    = (*SGL)(nil)
	_ io.ReadSeeker  = (*Reader)(nil)
)

type (
	// implements io.ReadWriteCloser + Reset
	SGL struct {
		slab *Slab
		sgl  [][]byte
		woff int64
		roff int64
	}
	// uses the underlying SGL to implement io.ReadCloser + io.Seeker;
	// multiple readers may share one (no longer written) SGL
	Reader struct {
		z    *SGL
		roff int64
	}
)

/////////
// SGL //
/////////

func (z *SGL) Cap() int64  { return int64(len(z.sgl)) * z.slab.Size() }
func (z *SGL) Size() int64 { return z.woff }
func (z *SGL) Len() int64  { return z.woff - z.roff }
func (z *SGL) Slab() *Slab { return z.slab }
func (z *SGL) IsNil() bool { return z == nil || z.slab == nil }

// grows on demand upon writing
func (z *SGL) grow(toSize int64) {
	for z.Cap() < toSize {
		z.sgl = append(z.sgl, z.slab.Alloc())
	}
}

// usage via io.Copy(z, source), whereby `z` reads from the `source` until EOF
func (z *SGL) ReadFrom(r io.Reader) (n int64, _ error) {
	for {
		if c := z.Cap(); z.woff > c-128 {
			z.grow(c + max(z.slab.Size(), DefaultBufSize))
		}
		idx := z.woff / z.slab.Size()
		off := z.woff % z.slab.Size()
		buf := z.sgl[idx]

		written, err := r.Read(buf[off:])
		z.woff += int64(written)
		n += int64(written)
		if err != nil {
			if err == io.EOF {
				return n, nil
			}
			return n, err
		}
	}
}

// compliant io.WriterTo interface impl-n
// usage via io.Copy(dst, z), whereby `z` writes to the `dst` until EOF
func (z *SGL) WriteTo(dst io.Writer) (n int64, _ error) {
	var (
		idx = int(z.roff / z.slab.Size())
		off = z.roff % z.slab.Size()
	)
	for z.Len() > 0 {
		buf := z.sgl[idx]
		siz := min(z.slab.Size()-off, z.Len())
		written, err := dst.Write(buf[off : off+siz])
		m := int64(written)
		n += m
		z.roff += m
		if m < siz && err == nil {
			err = io.ErrShortWrite
		}
		if err != nil {
			return n, err
		}
		idx++
		off = 0
	}
	return n, nil
}

func (z *SGL) Write(p []byte) (n int, err error) {
	wlen := len(p)
	if needtot := z.woff + int64(wlen); needtot > z.Cap() {
		z.grow(needtot)
	}
	idx, off, poff := z.woff/z.slab.Size(), z.woff%z.slab.Size(), 0
	for wlen > 0 {
		size := min(z.slab.Size()-off, int64(wlen))
		copy(z.sgl[idx][off:], p[poff:poff+int(size)])
		z.woff += size
		idx++
		off = 0
		wlen -= int(size)
		poff += int(size)
	}
	return len(p), nil
}

func (z *SGL) WriteByte(c byte) error {
	if needtot := z.woff + 1; needtot > z.Cap() {
		z.grow(needtot)
	}
	idx, off := z.woff/z.slab.Size(), z.woff%z.slab.Size()
	z.sgl[idx][off] = c
	z.woff++
	return nil
}

func (z *SGL) Read(b []byte) (n int, err error) {
	n, z.roff, err = z.readAt(b, z.roff)
	return
}

func (z *SGL) ReadByte() (byte, error) {
	var b [1]byte
	_, off, err := z.readAt(b[:], z.roff)
	z.roff = off
	return b[0], err
}

func (z *SGL) UnreadByte() error {
	if z.roff == 0 {
		return errors.New("memsys: cannot unread-byte at zero offset")
	}
	z.roff--
	return nil
}

func (z *SGL) readAt(b []byte, roffin int64) (n int, roff int64, err error) {
	roff = roffin
	if roff >= z.woff {
		return 0, roff, io.EOF
	}
	idx, off := int(roff/z.slab.Size()), roff%z.slab.Size()
	for n < len(b) && roff < z.woff {
		size := min(int64(len(b)-n), z.woff-roff, z.slab.Size()-off)
		copy(b[n:n+int(size)], z.sgl[idx][off:off+size])
		n += int(size)
		roff += size
		idx++
		off = 0
	}
	if n < len(b) {
		err = io.EOF
	}
	return n, roff, err
}

// ReadAll is a strictly _convenience_ method as it performs heap allocation;
// always returns the entire (0 -:- woff) content
func (z *SGL) ReadAll() (b []byte) {
	b = make([]byte, z.Size())
	for off, i := 0, 0; off < len(b); i++ {
		off += copy(b[off:], z.sgl[i])
	}
	return
}

func (z *SGL) Reset()  { z.woff, z.roff = 0, 0 }
func (z *SGL) Rewind() { z.roff = 0 }

// Free returns all buffers to the slab; the SGL must not be used afterwards
func (z *SGL) Free() {
	if z.IsNil() {
		return
	}
	for i := range z.sgl {
		z.slab.Free(z.sgl[i])
		z.sgl[i] = nil
	}
	z.sgl = z.sgl[:0]
	z.woff, z.roff = 0, 0
	z.slab = nil
}

// NOTE: no-op
func (*SGL) Close() error { return nil }

////////////
// Reader //
////////////

func NewReader(z *SGL) *Reader { return &Reader{z: z} }

func (*Reader) Close() error { return nil }

func (r *Reader) Read(b []byte) (n int, err error) {
	n, r.roff, err = r.z.readAt(b, r.roff)
	return
}

func (r *Reader) Seek(from int64, whence int) (offset int64, err error) {
	switch whence {
	case io.SeekStart:
		offset = from
	case io.SeekCurrent:
		offset = r.roff + from
	case io.SeekEnd:
		offset = r.z.woff + from
	default:
		return 0, errors.New("memsys: invalid whence")
	}
	if offset < 0 {
		return 0, errors.New("memsys: negative position")
	}
	debug.Assert(offset <= r.z.woff, offset, " vs ", r.z.woff)
	r.roff = offset
	return
}
