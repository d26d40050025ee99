// Package cos provides common low-level types and utilities for all aishuffle packages
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"encoding/binary"
	"errors"
)

// The module provides a way to encode/decode fixed-layout headers (spill file
// header and index, fetch frame headers) as big-endian binary slices.
// Reading never panics: check the returned error to be sure that the data
// have been read.

type (
	BytePack struct {
		off int
		b   []byte
	}
	ByteUnpack struct {
		off int
		b   []byte
	}
)

var ErrBufferUnderrun = errors.New("buffer underrun")

func NewPacker(buf []byte, bufLen int) *BytePack {
	if buf == nil {
		return &BytePack{b: make([]byte, bufLen)}
	}
	return &BytePack{b: buf[:bufLen]}
}

func NewUnpacker(buf []byte) *ByteUnpack { return &ByteUnpack{b: buf} }

//
// Packer
//

func (bw *BytePack) WriteUint16(i uint16) {
	binary.BigEndian.PutUint16(bw.b[bw.off:], i)
	bw.off += SizeofI16
}

func (bw *BytePack) WriteUint32(i uint32) {
	binary.BigEndian.PutUint32(bw.b[bw.off:], i)
	bw.off += SizeofI32
}

func (bw *BytePack) WriteInt32(i int32) { bw.WriteUint32(uint32(i)) }

func (bw *BytePack) WriteUint64(i uint64) {
	binary.BigEndian.PutUint64(bw.b[bw.off:], i)
	bw.off += SizeofI64
}

func (bw *BytePack) WriteInt64(i int64) { bw.WriteUint64(uint64(i)) }

func (bw *BytePack) WriteRaw(b []byte) {
	copy(bw.b[bw.off:], b)
	bw.off += len(b)
}

func (bw *BytePack) Bytes() []byte { return bw.b[:bw.off] }

//
// Unpacker
//

func (br *ByteUnpack) Len() int { return len(br.b) - br.off }

func (br *ByteUnpack) ReadUint16() (uint16, error) {
	if br.Len() < SizeofI16 {
		return 0, ErrBufferUnderrun
	}
	n := binary.BigEndian.Uint16(br.b[br.off:])
	br.off += SizeofI16
	return n, nil
}

func (br *ByteUnpack) ReadUint32() (uint32, error) {
	if br.Len() < SizeofI32 {
		return 0, ErrBufferUnderrun
	}
	n := binary.BigEndian.Uint32(br.b[br.off:])
	br.off += SizeofI32
	return n, nil
}

func (br *ByteUnpack) ReadInt32() (int32, error) {
	n, err := br.ReadUint32()
	return int32(n), err
}

func (br *ByteUnpack) ReadUint64() (uint64, error) {
	if br.Len() < SizeofI64 {
		return 0, ErrBufferUnderrun
	}
	n := binary.BigEndian.Uint64(br.b[br.off:])
	br.off += SizeofI64
	return n, nil
}

func (br *ByteUnpack) ReadInt64() (int64, error) {
	n, err := br.ReadUint64()
	return int64(n), err
}

func (br *ByteUnpack) ReadRaw(n int) ([]byte, error) {
	if br.Len() < n {
		return nil, ErrBufferUnderrun
	}
	b := br.b[br.off : br.off+n]
	br.off += n
	return b, nil
}
