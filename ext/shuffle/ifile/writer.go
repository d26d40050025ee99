// Package ifile implements the shuffle's intermediate record format: varint-framed
// key/value records, an end-of-data marker, optional whole-stream compression,
// and a trailing checksum of the uncompressed stream.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package ifile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"

	"github.com/NVIDIA/aishuffle/cmn"
	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/cmn/debug"
)

// Stream layout:
//
//	compress( varint(keyLen) varint(valueLen) key value ... varint(-1) varint(-1) ) [checksum]
//
// where the optional trailer is the 8-byte big-endian checksum of the uncompressed
// framed stream, including the end-of-data marker.

const (
	eofMarker  = -1
	TrailerLen = cos.SizeofI64

	// upper bound on a single key or value; anything larger is treated as corruption
	maxFieldLen = cos.GiB
)

var errClosed = errors.New("ifile: writer closed")

type (
	Opts struct {
		Codec    string
		Checksum string
		BufSize  int
	}

	// Writer appends records to w; not safe for concurrent use
	Writer struct {
		cw     *countingWriter // compressed bytes (w)
		zw     io.WriteCloser  // codec
		rw     *countingWriter // uncompressed bytes (=> zw, hash)
		bw     *bufio.Writer   // framing (=> rw)
		cksum  *cos.CksumHash
		nrec   int64
		hdr    [2 * binary.MaxVarintLen64]byte
		closed bool
	}

	countingWriter struct {
		w io.Writer
		n int64
	}
)

// OptsFromConfig returns read/write options; an empty `codec` defaults to ifile.codec
func OptsFromConfig(conf *cmn.IFileConf, codec string) *Opts {
	if codec == "" {
		codec = conf.Codec
	}
	bufSize := int(conf.BufferSize)
	if conf.Readahead && conf.ReadaheadBytes > 0 {
		bufSize = int(conf.ReadaheadBytes)
	}
	return &Opts{Codec: codec, Checksum: conf.Checksum, BufSize: bufSize}
}

func (opts *Opts) trailerLen() int64 {
	if opts.Checksum == "" || opts.Checksum == cos.ChecksumNone {
		return 0
	}
	return TrailerLen
}

func (opts *Opts) bufSize() int {
	if opts.BufSize <= 0 {
		return 64 * cos.KiB
	}
	return opts.BufSize
}

// RecordLen returns the number of (uncompressed) bytes a record takes in the stream
func RecordLen(key, value []byte) int64 {
	return int64(varintLen(int64(len(key))) + varintLen(int64(len(value))) + len(key) + len(value))
}

func varintLen(x int64) int {
	var b [binary.MaxVarintLen64]byte
	return binary.PutVarint(b[:], x)
}

////////////
// Writer //
////////////

func NewWriter(w io.Writer, opts *Opts) (*Writer, error) {
	iw := &Writer{cw: &countingWriter{w: w}, cksum: cos.NewCksumHash(opts.Checksum)}
	zw, err := NewCompressor(opts.Codec, iw.cw)
	if err != nil {
		return nil, err
	}
	iw.zw = zw
	iw.rw = &countingWriter{w: io.MultiWriter(zw, iw.cksum)}
	if iw.cksum.IsNone() {
		iw.rw.w = zw
	}
	iw.bw = bufio.NewWriterSize(iw.rw, min(opts.bufSize(), 256*cos.KiB))
	return iw, nil
}

func (iw *Writer) Append(key, value []byte) (err error) {
	if iw.closed {
		return errClosed
	}
	n := binary.PutVarint(iw.hdr[:], int64(len(key)))
	n += binary.PutVarint(iw.hdr[n:], int64(len(value)))
	if _, err = iw.bw.Write(iw.hdr[:n]); err != nil {
		return
	}
	if _, err = iw.bw.Write(key); err != nil {
		return
	}
	if _, err = iw.bw.Write(value); err == nil {
		iw.nrec++
	}
	return
}

// Close writes the end-of-data marker, flushes the codec, and appends the
// checksum trailer; it does not close the underlying writer
func (iw *Writer) Close() (err error) {
	if iw.closed {
		return nil
	}
	iw.closed = true
	n := binary.PutVarint(iw.hdr[:], eofMarker)
	n += binary.PutVarint(iw.hdr[n:], eofMarker)
	if _, err = iw.bw.Write(iw.hdr[:n]); err != nil {
		return
	}
	if err = iw.bw.Flush(); err != nil {
		return
	}
	if err = iw.zw.Close(); err != nil {
		return
	}
	if iw.cksum.IsNone() {
		return nil
	}
	var trailer [TrailerLen]byte
	binary.BigEndian.PutUint64(trailer[:], iw.cksum.Sum64())
	_, err = iw.cw.Write(trailer[:])
	return
}

func (iw *Writer) NumRecords() int64 { return iw.nrec }

// RawLength is the uncompressed stream length plus trailer; valid after Close
func (iw *Writer) RawLength() int64 {
	debug.Assert(iw.closed)
	return iw.rw.n + iw.trailerLen()
}

// CompressedLength is the number of bytes written to the underlying writer; valid after Close
func (iw *Writer) CompressedLength() int64 {
	debug.Assert(iw.closed)
	return iw.cw.n
}

func (iw *Writer) Checksum() uint64 { return iw.cksum.Sum64() }

func (iw *Writer) trailerLen() int64 {
	if iw.cksum.IsNone() {
		return 0
	}
	return TrailerLen
}

func (cw *countingWriter) Write(b []byte) (n int, err error) {
	n, err = cw.w.Write(b)
	cw.n += int64(n)
	return
}
