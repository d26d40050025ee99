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
	"fmt"
	"io"

	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/core"
)

// interface guard
var _ core.KVIterator = (*Reader)(nil)

// Reader is a lazy, finite, non-restartable sequence of records ending at the
// end-of-data marker; Key and Value are valid until the next call to Next.
// All errors are segment-fatal (*core.ErrCorrupt).
type Reader struct {
	src     io.Reader         // positioned at the segment start (trailer is read from here)
	lr      *io.LimitedReader // compressed stream (without trailer)
	zr      io.ReadCloser
	br      *bufio.Reader
	cksum   *cos.CksumHash
	err     error
	key     []byte
	value   []byte
	ectx    core.ErrCtx
	nrec    int64
	hdr     [2 * binary.MaxVarintLen64]byte
	hn      int
	trailer int64
	eof     bool
	closed  bool
}

// NewReader reads one segment of exactly `compLen` bytes (compressed stream plus
// trailer, if any) from r; r is not closed
func NewReader(r io.Reader, compLen int64, opts *Opts, ectx core.ErrCtx) (*Reader, error) {
	ir := &Reader{src: r, ectx: ectx, cksum: cos.NewCksumHash(opts.Checksum), trailer: opts.trailerLen()}
	if compLen < ir.trailer {
		return nil, core.NewErrCorrupt(fmt.Errorf("segment length %d too short", compLen), ectx)
	}
	ir.lr = &io.LimitedReader{R: r, N: compLen - ir.trailer}

	var (
		zsrc    io.Reader = ir.lr
		bufSize           = opts.bufSize()
	)
	if opts.Codec != "" && opts.Codec != "none" {
		// readahead at the compressed layer; the codec reads in small chunks
		zsrc = bufio.NewReaderSize(ir.lr, bufSize)
		bufSize = min(bufSize, 64*cos.KiB)
	}
	zr, err := NewDecompressor(opts.Codec, zsrc)
	if err != nil {
		return nil, core.NewErrCorrupt(err, ectx)
	}
	ir.zr = zr
	ir.br = bufio.NewReaderSize(zr, bufSize)
	return ir, nil
}

func (ir *Reader) Key() []byte       { return ir.key }
func (ir *Reader) Value() []byte     { return ir.value }
func (ir *Reader) Err() error        { return ir.err }
func (ir *Reader) NumRecords() int64 { return ir.nrec }

func (ir *Reader) Next() bool {
	if ir.err != nil || ir.eof {
		return false
	}
	ir.hn = 0
	klen, err := ir.readVarint()
	if err != nil {
		ir.err = ir.corrupt(err, "key length")
		return false
	}
	vlen, err := ir.readVarint()
	if err != nil {
		ir.err = ir.corrupt(err, "value length")
		return false
	}
	ir.cksum.Write(ir.hdr[:ir.hn])
	if klen == eofMarker && vlen == eofMarker {
		ir.eof = true
		ir.err = ir.finish()
		return false
	}
	if klen < 0 || vlen < 0 || klen > maxFieldLen || vlen > maxFieldLen {
		ir.err = ir.corrupt(nil, fmt.Sprintf("invalid record framing (%d, %d)", klen, vlen))
		return false
	}
	if ir.key, err = ir.readField(ir.key, int(klen)); err != nil {
		ir.err = ir.corrupt(err, "key")
		return false
	}
	if ir.value, err = ir.readField(ir.value, int(vlen)); err != nil {
		ir.err = ir.corrupt(err, "value")
		return false
	}
	ir.nrec++
	return true
}

// Close releases the codec; it is idempotent and does not close the source
func (ir *Reader) Close() error {
	if ir.closed {
		return nil
	}
	ir.closed, ir.eof = true, true
	return ir.zr.Close()
}

func (ir *Reader) readVarint() (int64, error) {
	start := ir.hn
	for {
		c, err := ir.br.ReadByte()
		if err != nil {
			return 0, noEOF(err)
		}
		if ir.hn == len(ir.hdr) {
			return 0, fmt.Errorf("varint overflow")
		}
		ir.hdr[ir.hn] = c
		ir.hn++
		if c < 0x80 {
			break
		}
	}
	v, n := binary.Varint(ir.hdr[start:ir.hn])
	if n <= 0 {
		return 0, fmt.Errorf("bad varint")
	}
	return v, nil
}

func (ir *Reader) readField(buf []byte, n int) ([]byte, error) {
	if cap(buf) < n {
		buf = make([]byte, n, max(n, 2*cap(buf)))
	}
	buf = buf[:n]
	if _, err := io.ReadFull(ir.br, buf); err != nil {
		return buf, noEOF(err)
	}
	ir.cksum.Write(buf)
	return buf, nil
}

// upon end-of-data marker: no trailing garbage, consume what the codec left unread,
// and validate the trailer
func (ir *Reader) finish() error {
	if _, err := ir.br.ReadByte(); err != io.EOF {
		if err == nil {
			err = fmt.Errorf("unexpected data past end-of-data marker")
		}
		return ir.corrupt(err, "stream end")
	}
	if _, err := io.Copy(io.Discard, ir.lr); err != nil {
		return ir.corrupt(err, "stream end")
	}
	if ir.trailer == 0 {
		return nil
	}
	var trailer [TrailerLen]byte
	if _, err := io.ReadFull(ir.src, trailer[:]); err != nil {
		return ir.corrupt(noEOF(err), "checksum trailer")
	}
	expected, actual := binary.BigEndian.Uint64(trailer[:]), ir.cksum.Sum64()
	if expected != actual {
		return core.NewErrCorrupt(cos.NewErrDataCksum(expected, actual, ir.cksum.Type()), ir.ectx)
	}
	return nil
}

func (ir *Reader) corrupt(err error, what string) error {
	if err == nil {
		return core.NewErrCorrupt(fmt.Errorf("%s (record %d)", what, ir.nrec), ir.ectx)
	}
	return core.NewErrCorrupt(fmt.Errorf("failed to read %s (record %d): %w", what, ir.nrec, err), ir.ectx)
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Verify reads the entire segment validating framing and checksum
func Verify(r io.Reader, compLen int64, opts *Opts, ectx core.ErrCtx) (nrec int64, err error) {
	ir, err := NewReader(r, compLen, opts, ectx)
	if err != nil {
		return 0, err
	}
	for ir.Next() {
	}
	err = ir.Err()
	if errClose := ir.Close(); err == nil && errClose != nil {
		err = core.NewErrCorrupt(errClose, ectx)
	}
	return ir.NumRecords(), err
}
