// Package cos provides common low-level types and utilities for all aishuffle packages
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"fmt"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

// IEC (binary) units
const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
	TiB = 1024 * GiB
)

const (
	SizeofI16 = 2
	SizeofI32 = 4
	SizeofI64 = 8
)

/////////////
// SizeIEC //
/////////////

// is used in cmn/config (compare w/ duration.go)

type SizeIEC int64

// interface guard
var (
	_ yaml.Unmarshaler = (*SizeIEC)(nil)
	_ yaml.Marshaler   = SizeIEC(0)
)

func (siz SizeIEC) MarshalJSON() ([]byte, error) { return jsoniter.Marshal(siz.String()) }
func (siz SizeIEC) MarshalYAML() (any, error)    { return siz.String(), nil }
func (siz SizeIEC) String() string               { return ToSizeIEC(int64(siz), 0) }

func (siz *SizeIEC) UnmarshalJSON(b []byte) (err error) {
	var val string
	if err = jsoniter.Unmarshal(b, &val); err != nil {
		// plain number of bytes
		var n int64
		if errN := jsoniter.Unmarshal(b, &n); errN != nil {
			return err
		}
		*siz = SizeIEC(n)
		return nil
	}
	return siz.parse(val)
}

func (siz *SizeIEC) UnmarshalYAML(node *yaml.Node) error {
	return siz.parse(node.Value)
}

func (siz *SizeIEC) parse(val string) error {
	n, err := ParseSize(val)
	*siz = SizeIEC(n)
	return err
}

func ToSizeIEC(b int64, digits int) string {
	switch {
	case b >= TiB:
		return fmt.Sprintf("%.*f%s", digits, float32(b)/float32(TiB), "TiB")
	case b >= GiB:
		return fmt.Sprintf("%.*f%s", digits, float32(b)/float32(GiB), "GiB")
	case b >= MiB:
		return fmt.Sprintf("%.*f%s", digits, float32(b)/float32(MiB), "MiB")
	case b >= KiB:
		return fmt.Sprintf("%.*f%s", digits, float32(b)/float32(KiB), "KiB")
	default:
		return fmt.Sprintf("%dB", b)
	}
}

// ParseSize accepts raw byte counts ("4096") and IEC sizes ("8KiB", "100MB", "1.5g");
// single-letter and two-letter suffixes are interpreted as binary multiples
func ParseSize(size string) (int64, error) {
	s := strings.ToUpper(strings.TrimSpace(size))
	if s == "" {
		return 0, nil
	}
	var mult int64 = 1
	for _, sfx := range [...]struct {
		s string
		m int64
	}{
		{"TIB", TiB}, {"GIB", GiB}, {"MIB", MiB}, {"KIB", KiB},
		{"TB", TiB}, {"GB", GiB}, {"MB", MiB}, {"KB", KiB},
		{"T", TiB}, {"G", GiB}, {"M", MiB}, {"K", KiB}, {"B", 1},
	} {
		if strings.HasSuffix(s, sfx.s) {
			s, mult = strings.TrimSpace(strings.TrimSuffix(s, sfx.s)), sfx.m
			break
		}
	}
	if strings.IndexByte(s, '.') >= 0 {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size %q: %v", size, err)
		}
		return int64(f * float64(mult)), nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %v", size, err)
	}
	return n * mult, nil
}
