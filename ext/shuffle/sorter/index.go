// Package sorter implements the producer side of the shuffle: a double-buffered sort
// buffer with asynchronous spilling, the spill file format, the final merge into the
// attempt's partitioned output, and the local output registry.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package sorter

import (
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/NVIDIA/aishuffle/cmn"
	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/core"
	"github.com/NVIDIA/aishuffle/ext/shuffle/ifile"
	"github.com/NVIDIA/aishuffle/ext/shuffle/merge"
)

// Spill (and final output) file layout, all integers big-endian:
//
//	magic "SHF1" | version u16 | flags u16 | numPartitions u32
//	numPartitions x (partition, startOffset, rawLength, compressedLength, numRecords) int64
//	xxhash64 of the above
//	IFile stream of partition 0 | IFile stream of partition 1 | ...
//
// flags: bits 0-3 codec, bits 4-7 checksum type (see below); offsets are absolute.

const (
	spillMagic   = "SHF1"
	spillVersion = 1

	hdrLen   = len(spillMagic) + 2*cos.SizeofI16 + cos.SizeofI32
	entryLen = 5 * cos.SizeofI64
)

// in order: flag values
var (
	flagCodecs = []string{cmn.CodecNone, cmn.CodecLZ4, cmn.CodecGzip, cmn.CodecZstd, cmn.CodecSnappy}
	flagCksums = []string{cos.ChecksumNone, cos.ChecksumXXHash, cos.ChecksumCRC32C}
)

// SpillRecord describes a spill (or final output) file written by this attempt
type SpillRecord struct {
	Opts       *ifile.Opts
	Path       string
	Index      []core.IndexEntry
	Size       int64
	NumRecords int64
}

// IndexLen is the size of the header, index, and index checksum
func IndexLen(numPartitions int) int64 {
	return int64(hdrLen + numPartitions*entryLen + cos.SizeofI64)
}

func packIndex(index []core.IndexEntry, opts *ifile.Opts) ([]byte, error) {
	codec, cksum := slices.Index(flagCodecs, opts.Codec), slices.Index(flagCksums, opts.Checksum)
	if opts.Codec == "" {
		codec = 0
	}
	if opts.Checksum == "" {
		cksum = 0
	}
	if codec < 0 || cksum < 0 {
		return nil, fmt.Errorf("cannot encode codec %q, checksum %q", opts.Codec, opts.Checksum)
	}
	n := len(index)
	packer := cos.NewPacker(nil, int(IndexLen(n)))
	packer.WriteRaw([]byte(spillMagic))
	packer.WriteUint16(spillVersion)
	packer.WriteUint16(uint16(codec | cksum<<4))
	packer.WriteUint32(uint32(n))
	for i := range index {
		e := &index[i]
		packer.WriteInt64(int64(e.Partition))
		packer.WriteInt64(e.StartOffset)
		packer.WriteInt64(e.RawLength)
		packer.WriteInt64(e.CompressedLength)
		packer.WriteInt64(e.NumRecords)
	}
	b := packer.Bytes()
	packer.WriteUint64(cos.Checksum64(cos.ChecksumXXHash, b))
	return packer.Bytes(), nil
}

// ReadIndex reads and validates the header and index of a spill or final output file
func ReadIndex(fqn string) (*SpillRecord, error) {
	fh, err := os.Open(fqn)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	finfo, err := fh.Stat()
	if err != nil {
		return nil, err
	}
	ectx := core.ErrCtx{Partition: -1}
	hdr := make([]byte, hdrLen)
	if _, err := io.ReadFull(fh, hdr); err != nil {
		return nil, core.NewErrCorrupt(fmt.Errorf("%s: failed to read header: %w", fqn, err), ectx)
	}
	n, err := checkHeader(hdr)
	if err != nil {
		return nil, core.NewErrCorrupt(fmt.Errorf("%s: %w", fqn, err), ectx)
	}
	b := make([]byte, IndexLen(n))
	copy(b, hdr)
	if _, err := io.ReadFull(fh, b[hdrLen:]); err != nil {
		return nil, core.NewErrCorrupt(fmt.Errorf("%s: failed to read index: %w", fqn, err), ectx)
	}
	sr, err := unpackIndex(b)
	if err != nil {
		return nil, core.NewErrCorrupt(fmt.Errorf("%s: %w", fqn, err), ectx)
	}
	sr.Path, sr.Size = fqn, finfo.Size()
	if last := sr.Index[n-1]; last.StartOffset+last.CompressedLength > sr.Size {
		return nil, core.NewErrCorrupt(fmt.Errorf("%s: truncated (size %d, expecting at least %d)",
			fqn, sr.Size, last.StartOffset+last.CompressedLength), ectx)
	}
	return sr, nil
}

func checkHeader(hdr []byte) (int, error) {
	if string(hdr[:len(spillMagic)]) != spillMagic {
		return 0, fmt.Errorf("bad magic %q", hdr[:len(spillMagic)])
	}
	unpacker := cos.NewUnpacker(hdr[len(spillMagic):])
	version, _ := unpacker.ReadUint16()
	if version != spillVersion {
		return 0, fmt.Errorf("unsupported version %d", version)
	}
	unpacker.ReadUint16()
	n, err := unpacker.ReadUint32()
	if err != nil {
		return 0, err
	}
	if n == 0 || n > 1<<24 {
		return 0, fmt.Errorf("invalid number of partitions %d", n)
	}
	return int(n), nil
}

func unpackIndex(b []byte) (*SpillRecord, error) {
	body := b[:len(b)-cos.SizeofI64]
	unpacker := cos.NewUnpacker(b[len(body):])
	expected, _ := unpacker.ReadUint64()
	if actual := cos.Checksum64(cos.ChecksumXXHash, body); actual != expected {
		return nil, cos.NewErrDataCksum(expected, actual, "spill index")
	}
	unpacker = cos.NewUnpacker(body[len(spillMagic)+cos.SizeofI16:])
	flags, _ := unpacker.ReadUint16()
	n, _ := unpacker.ReadUint32()
	codec, cksum := int(flags&0xf), int(flags>>4&0xf)
	if codec >= len(flagCodecs) || cksum >= len(flagCksums) {
		return nil, fmt.Errorf("invalid flags %#x", flags)
	}
	sr := &SpillRecord{
		Opts:  &ifile.Opts{Codec: flagCodecs[codec], Checksum: flagCksums[cksum]},
		Index: make([]core.IndexEntry, n),
	}
	off := IndexLen(int(n))
	for i := range sr.Index {
		var vals [5]int64
		for j := range vals {
			v, err := unpacker.ReadInt64()
			if err != nil {
				return nil, err
			}
			vals[j] = v
		}
		e := core.IndexEntry{Partition: int(vals[0]), StartOffset: vals[1], RawLength: vals[2],
			CompressedLength: vals[3], NumRecords: vals[4]}
		if e.Partition != i || e.StartOffset != off || e.CompressedLength < 0 || e.NumRecords < 0 {
			return nil, fmt.Errorf("invalid index entry %d: %s", i, e.String())
		}
		off += e.CompressedLength
		sr.Index[i] = e
		sr.NumRecords += e.NumRecords
	}
	return sr, nil
}

// Segment returns partition p of the file as a merge run (not owned: the file
// holds other partitions)
func (sr *SpillRecord) Segment(p int, ectx core.ErrCtx) *merge.FileSegment {
	ectx.Partition = p
	return &merge.FileSegment{Path: sr.Path, Entry: sr.Index[p], Opts: sr.Opts, ECtx: ectx}
}
