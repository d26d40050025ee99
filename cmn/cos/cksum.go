// Package cos provides common low-level types and utilities for all aishuffle packages
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"strconv"

	"github.com/NVIDIA/aishuffle/cmn/debug"
	"github.com/OneOfOne/xxhash"
)

// checksums
const (
	ChecksumNone   = "none"
	ChecksumXXHash = "xxhash"
	ChecksumCRC32C = "crc32c"
)

const badDataCksumPrefix = "BAD DATA CHECKSUM:"

type (
	noopHash struct{}

	ErrBadCksum struct {
		prefix   string
		expected uint64
		actual   uint64
		context  string
	}

	// CksumHash computes a 64-bit integrity value over a byte stream;
	// 32-bit hashes (crc32c) are zero-extended
	CksumHash struct {
		ty string
		H  hash.Hash
	}
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// interface guard
var (
	_ hash.Hash = (*noopHash)(nil)
	_ error     = (*ErrBadCksum)(nil)
)

///////////////
// CksumHash //
///////////////

func NewCksumHash(ty string) *CksumHash {
	ck := &CksumHash{ty: ty}
	switch ty {
	case ChecksumNone, "":
		ck.ty, ck.H = ChecksumNone, &noopHash{}
	case ChecksumXXHash:
		ck.H = xxhash.New64()
	case ChecksumCRC32C:
		ck.H = crc32.New(crc32cTable)
	default:
		debug.Assertf(false, "unknown checksum type %q", ty)
		ck.ty, ck.H = ChecksumNone, &noopHash{}
	}
	return ck
}

func (ck *CksumHash) Type() string                { return ck.ty }
func (ck *CksumHash) IsNone() bool                { return ck.ty == ChecksumNone }
func (ck *CksumHash) Write(b []byte) (int, error) { return ck.H.Write(b) }
func (ck *CksumHash) Reset()                      { ck.H.Reset() }

func (ck *CksumHash) Sum64() uint64 {
	switch h := ck.H.(type) {
	case hash.Hash64:
		return h.Sum64()
	case hash.Hash32:
		return uint64(h.Sum32())
	default:
		return 0
	}
}

// Checksum64 is a one-shot helper
func Checksum64(ty string, b []byte) uint64 {
	switch ty {
	case ChecksumXXHash:
		return xxhash.Checksum64(b)
	case ChecksumCRC32C:
		return uint64(crc32.Checksum(b, crc32cTable))
	default:
		return 0
	}
}

func ValidateCksumType(ty string) error {
	switch ty {
	case ChecksumNone, ChecksumXXHash, ChecksumCRC32C:
		return nil
	}
	return fmt.Errorf("invalid checksum type %q (expecting %s, %s, or %s)", ty,
		ChecksumXXHash, ChecksumCRC32C, ChecksumNone)
}

/////////////////
// ErrBadCksum //
/////////////////

func NewErrDataCksum(expected, actual uint64, context ...string) *ErrBadCksum {
	var ctx string
	if len(context) > 0 {
		ctx = context[0]
	}
	return &ErrBadCksum{prefix: badDataCksumPrefix, expected: expected, actual: actual, context: ctx}
}

func (e *ErrBadCksum) Error() string {
	s := e.prefix + " " + strconv.FormatUint(e.expected, 16) + " != " + strconv.FormatUint(e.actual, 16)
	if e.context != "" {
		s += " (" + e.context + ")"
	}
	return s
}

func IsErrBadCksum(err error) bool {
	var e *ErrBadCksum
	return errors.As(err, &e)
}

//
// noopHash
//

func (*noopHash) Write(b []byte) (int, error) { return len(b), nil }
func (*noopHash) Sum([]byte) []byte           { return nil }
func (*noopHash) Reset()                      {}
func (*noopHash) Size() int                   { return 0 }
func (*noopHash) BlockSize() int              { return KiB }
