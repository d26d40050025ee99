// Package wire implements the shuffle fetch protocol: request parameters and the
// partition frames a serving layer streams back to a fetching consumer.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package wire

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/core"
	"github.com/NVIDIA/aishuffle/ext/shuffle/sorter"

	"github.com/cespare/xxhash/v2"
)

// Frame layout, big-endian:
//
//	partition i32 | compressedLength i64 | rawLength i64 | checksum u64 | bytes
//
// `bytes` is the partition's IFile stream exactly as stored (compressed, with trailer);
// `checksum` is the xxhash64 of `bytes` and guards the transfer only.
// The stream ends at EOF after the last requested partition.

const HdrLen = cos.SizeofI32 + 2*cos.SizeofI64 + cos.SizeofI64

// request
const (
	URLPath = "/v1/shuffle"

	QparamAttempt = "attempt"
	QparamFrom    = "from"
	QparamTo      = "to"

	HdrAuthorization = "Authorization"
	HdrKeepAlive     = "Keep-Alive" // "false": do not reuse the connection
)

type (
	FrameHdr struct {
		Partition        int
		CompressedLength int64
		RawLength        int64
		Checksum         uint64
	}

	// FrameReader reads consecutive frames; each frame's body must be consumed
	// (or is skipped) before the next
	FrameReader struct {
		r    io.Reader
		body *frameBody
		err  error // sticky transport error
		ectx core.ErrCtx
		buf  [HdrLen]byte
	}
	frameBody struct {
		fr   *FrameReader
		lr   io.LimitedReader
		hash *xxhash.Digest
		hdr  FrameHdr
		ectx core.ErrCtx
		done bool
	}
)

var errFrameCksum = errors.New("frame checksum mismatch")

// interface guard
var _ io.Reader = (*frameBody)(nil)

func (h *FrameHdr) String() string {
	return fmt.Sprintf("frame[p=%d, comp=%d, raw=%d]", h.Partition, h.CompressedLength, h.RawLength)
}

func (h *FrameHdr) Pack(b []byte) []byte {
	packer := cos.NewPacker(b, HdrLen)
	packer.WriteInt32(int32(h.Partition))
	packer.WriteInt64(h.CompressedLength)
	packer.WriteInt64(h.RawLength)
	packer.WriteUint64(h.Checksum)
	return packer.Bytes()
}

func (h *FrameHdr) Unpack(b []byte) error {
	unpacker := cos.NewUnpacker(b)
	p, err := unpacker.ReadInt32()
	if err != nil {
		return err
	}
	h.Partition = int(p)
	if h.CompressedLength, err = unpacker.ReadInt64(); err != nil {
		return err
	}
	if h.RawLength, err = unpacker.ReadInt64(); err != nil {
		return err
	}
	h.Checksum, err = unpacker.ReadUint64()
	return err
}

//
// request
//

// RequestURL returns <scheme>://<host>/v1/shuffle?attempt=<id>&from=<p>&to=<p>;
// the partition range is [from, to)
func RequestURL(scheme, host, attempt string, from, to int) string {
	q := url.Values{}
	q.Set(QparamAttempt, attempt)
	q.Set(QparamFrom, strconv.Itoa(from))
	q.Set(QparamTo, strconv.Itoa(to))
	u := url.URL{Scheme: scheme, Host: host, Path: URLPath, RawQuery: q.Encode()}
	return u.String()
}

// ParseRequest is the serving side of RequestURL
func ParseRequest(q url.Values) (attempt string, from, to int, err error) {
	if attempt = q.Get(QparamAttempt); attempt == "" {
		return "", 0, 0, errors.New("missing attempt")
	}
	if from, err = strconv.Atoi(q.Get(QparamFrom)); err != nil {
		return "", 0, 0, fmt.Errorf("invalid %q: %w", QparamFrom, err)
	}
	if to, err = strconv.Atoi(q.Get(QparamTo)); err != nil {
		return "", 0, 0, fmt.Errorf("invalid %q: %w", QparamTo, err)
	}
	if from < 0 || to <= from {
		return "", 0, 0, fmt.Errorf("invalid partition range [%d, %d)", from, to)
	}
	return attempt, from, to, nil
}

//
// writing
//

// WriteFrames streams partitions [from, to) of a published output as frames.
// Each partition section is read twice: once to compute the frame checksum, once to send.
func WriteFrames(w io.Writer, od *core.OutputDescriptor, from, to int) error {
	if from < 0 || to > od.NumPartitions || to <= from {
		return fmt.Errorf("%s: invalid partition range [%d, %d) of %d", od.Attempt, from, to, od.NumPartitions)
	}
	var (
		buf [HdrLen]byte
		cpb = make([]byte, 32*cos.KiB)
	)
	for p := from; p < to; p++ {
		e, err := od.Entry(p)
		if err != nil {
			return err
		}
		hdr := FrameHdr{Partition: p, CompressedLength: e.CompressedLength, RawLength: e.RawLength}
		if hdr.Checksum, err = sectionChecksum(od, p, cpb); err != nil {
			return err
		}
		if _, err := w.Write(hdr.Pack(buf[:])); err != nil {
			return err
		}
		rc, _, _, err := sorter.OpenPartition(od, p)
		if err != nil {
			return err
		}
		n, err := io.CopyBuffer(w, rc, cpb)
		rc.Close()
		if err != nil {
			return err
		}
		if n != e.CompressedLength {
			return fmt.Errorf("%s: partition %d: short read (%d of %d)", od.Attempt, p, n, e.CompressedLength)
		}
	}
	return nil
}

func sectionChecksum(od *core.OutputDescriptor, p int, buf []byte) (uint64, error) {
	rc, _, _, err := sorter.OpenPartition(od, p)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	h := xxhash.New()
	if _, err := io.CopyBuffer(h, rc, buf); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

//
// reading
//

func NewFrameReader(r io.Reader, ectx core.ErrCtx) *FrameReader {
	return &FrameReader{r: r, ectx: ectx}
}

// Next returns the next frame header and its body; io.EOF when the stream ends
// at a frame boundary. The body returns a transient error on truncation or
// checksum mismatch.
func (fr *FrameReader) Next() (*FrameHdr, io.Reader, error) {
	if fr.err != nil {
		return nil, nil, fr.err
	}
	if fr.body != nil && !fr.body.done {
		if _, err := io.Copy(io.Discard, fr.body); err != nil {
			return nil, nil, err
		}
	}
	n, err := io.ReadFull(fr.r, fr.buf[:])
	if err != nil {
		if err == io.EOF && n == 0 {
			return nil, nil, io.EOF
		}
		fr.err = core.NewErrTransient(fmt.Errorf("frame header: %w", noEOF(err)), fr.ectx)
		return nil, nil, fr.err
	}
	body := &frameBody{fr: fr, hash: xxhash.New(), ectx: fr.ectx}
	if err := body.hdr.Unpack(fr.buf[:]); err != nil {
		fr.err = core.NewErrTransient(err, fr.ectx)
		return nil, nil, fr.err
	}
	body.ectx.Partition = body.hdr.Partition
	if body.hdr.CompressedLength < 0 || body.hdr.RawLength < 0 {
		fr.err = core.NewErrTransient(fmt.Errorf("invalid %s", body.hdr.String()), body.ectx)
		return nil, nil, fr.err
	}
	body.lr = io.LimitedReader{R: fr.r, N: body.hdr.CompressedLength}
	fr.body = body
	return &body.hdr, body, nil
}

// Err returns the transport error (if any) the reader or the current body ran into;
// decoders layered on top of a body may not preserve it
func (fr *FrameReader) Err() error { return fr.err }

func (fb *frameBody) Read(b []byte) (n int, err error) {
	if fb.done {
		if fb.fr.err != nil {
			return 0, fb.fr.err
		}
		return 0, io.EOF
	}
	n, err = fb.read(b)
	if err != nil && err != io.EOF {
		fb.fr.err = err
	}
	return n, err
}

func (fb *frameBody) read(b []byte) (n int, err error) {
	n, err = fb.lr.Read(b)
	fb.hash.Write(b[:n])
	switch {
	case fb.lr.N == 0:
		fb.done = true
		if actual := fb.hash.Sum64(); actual != fb.hdr.Checksum {
			return n, core.NewErrTransient(fmt.Errorf("%w: %s", errFrameCksum,
				cos.NewErrDataCksum(fb.hdr.Checksum, actual, fb.hdr.String()).Error()), fb.ectx)
		}
		if err == nil {
			err = io.EOF
		}
		if n > 0 && err == io.EOF {
			err = nil // EOF upon the next call
		}
	case err == io.EOF:
		fb.done = true
		err = core.NewErrTransient(fmt.Errorf("%s: %w", fb.hdr.String(), io.ErrUnexpectedEOF), fb.ectx)
	case err != nil:
		err = core.NewErrTransient(err, fb.ectx)
	}
	return n, err
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
