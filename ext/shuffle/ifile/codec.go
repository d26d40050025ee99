// Package ifile implements the shuffle's intermediate record format: varint-framed
// key/value records, an end-of-data marker, optional whole-stream compression,
// and a trailing checksum of the uncompressed stream.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package ifile

import (
	"io"

	"github.com/NVIDIA/aishuffle/cmn"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// NewCompressor wraps w; closing the returned writer flushes the codec but does not close w
func NewCompressor(codec string, w io.Writer) (io.WriteCloser, error) {
	switch codec {
	case cmn.CodecNone, "":
		return nopWriteCloser{w}, nil
	case cmn.CodecLZ4:
		return lz4.NewWriter(w), nil
	case cmn.CodecGzip:
		return gzip.NewWriterLevel(w, gzip.BestSpeed)
	case cmn.CodecZstd:
		return zstd.NewWriter(w, zstd.WithEncoderConcurrency(1), zstd.WithEncoderLevel(zstd.SpeedFastest))
	case cmn.CodecSnappy:
		return snappy.NewBufferedWriter(w), nil
	default:
		return nil, errors.Errorf("unknown compression codec %q", codec)
	}
}

// NewDecompressor wraps r; closing the returned reader releases the codec but does not close r
func NewDecompressor(codec string, r io.Reader) (io.ReadCloser, error) {
	switch codec {
	case cmn.CodecNone, "":
		return io.NopCloser(r), nil
	case cmn.CodecLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case cmn.CodecGzip:
		return gzip.NewReader(r)
	case cmn.CodecZstd:
		zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case cmn.CodecSnappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	default:
		return nil, errors.Errorf("unknown compression codec %q", codec)
	}
}
