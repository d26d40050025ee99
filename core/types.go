// Package core provides the shuffle engine's shared interfaces and types: strategies
// (comparators, partitioners, combiners), the task attempt lifecycle, output
// descriptors, and the error taxonomy.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package core

import (
	"context"
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

// interface guard
var (
	_ msgp.Marshaler   = (*OutputDescriptor)(nil)
	_ msgp.Unmarshaler = (*OutputDescriptor)(nil)
	_ msgp.Sizer       = (*OutputDescriptor)(nil)
	_ Locator          = StaticLocator(nil)
)

type (
	// IndexEntry locates one partition's IFile stream within a spill (or final output) file;
	// StartOffset is absolute
	IndexEntry struct {
		Partition        int
		StartOffset      int64
		RawLength        int64
		CompressedLength int64
		NumRecords       int64
	}

	// MapOutput is the consumer-side handle of one fetched partition segment
	MapOutput struct {
		Host             string
		SourceAttempt    string
		Partition        int
		CompressedLength int64
		RawLength        int64
		Checksum         uint64 // frame checksum (transport integrity)
	}

	// OutputDescriptor is published by a producer attempt upon completion and
	// is all a serving layer needs to stream the attempt's partitions
	OutputDescriptor struct {
		Attempt       string
		Host          string
		Path          string
		Codec         string
		Checksum      string
		Index         []IndexEntry
		NumPartitions int
		Created       int64 // unix nanoseconds
	}

	// SourceAttempt is a completed producer attempt and the hosts that can serve it
	SourceAttempt struct {
		ID    string
		Hosts []string // replicas, in order of preference
	}
	// Locator resolves partition sources (upstream collaborator)
	Locator interface {
		Sources(ctx context.Context) ([]SourceAttempt, error)
	}
	StaticLocator []SourceAttempt
)

func (l StaticLocator) Sources(context.Context) ([]SourceAttempt, error) { return l, nil }

func (mo *MapOutput) String() string {
	return fmt.Sprintf("%s[%d]@%s(%d/%d)", mo.SourceAttempt, mo.Partition, mo.Host, mo.CompressedLength, mo.RawLength)
}

func (e *IndexEntry) String() string {
	return fmt.Sprintf("p%d[off=%d, raw=%d, comp=%d, n=%d]", e.Partition, e.StartOffset, e.RawLength,
		e.CompressedLength, e.NumRecords)
}

//////////////////////
// OutputDescriptor //
//////////////////////

func (od *OutputDescriptor) Entry(partition int) (*IndexEntry, error) {
	if partition < 0 || partition >= len(od.Index) {
		return nil, fmt.Errorf("%s: partition %d out of range [0, %d)", od.Attempt, partition, len(od.Index))
	}
	e := &od.Index[partition]
	if e.Partition != partition {
		return nil, fmt.Errorf("%s: corrupted index (entry %d has partition %d)", od.Attempt, partition, e.Partition)
	}
	return e, nil
}

func (od *OutputDescriptor) NumRecords() (n int64) {
	for i := range od.Index {
		n += od.Index[i].NumRecords
	}
	return
}

const (
	odAttempt  = "a"
	odHost     = "h"
	odPath     = "p"
	odCodec    = "c"
	odChecksum = "k"
	odIndex    = "i"
	odNumParts = "n"
	odCreated  = "t"

	numIndexFields = 5
)

func (od *OutputDescriptor) Msgsize() int {
	s := msgp.MapHeaderSize + 8*msgp.StringPrefixSize + 8 +
		msgp.StringPrefixSize + len(od.Attempt) + msgp.StringPrefixSize + len(od.Host) +
		msgp.StringPrefixSize + len(od.Path) + msgp.StringPrefixSize + len(od.Codec) +
		msgp.StringPrefixSize + len(od.Checksum) + 2*msgp.Int64Size + msgp.ArrayHeaderSize
	return s + len(od.Index)*(msgp.ArrayHeaderSize+numIndexFields*msgp.Int64Size)
}

func (od *OutputDescriptor) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.Require(b, od.Msgsize())
	o = msgp.AppendMapHeader(o, 8)
	o = msgp.AppendString(o, odAttempt)
	o = msgp.AppendString(o, od.Attempt)
	o = msgp.AppendString(o, odHost)
	o = msgp.AppendString(o, od.Host)
	o = msgp.AppendString(o, odPath)
	o = msgp.AppendString(o, od.Path)
	o = msgp.AppendString(o, odCodec)
	o = msgp.AppendString(o, od.Codec)
	o = msgp.AppendString(o, odChecksum)
	o = msgp.AppendString(o, od.Checksum)
	o = msgp.AppendString(o, odNumParts)
	o = msgp.AppendInt(o, od.NumPartitions)
	o = msgp.AppendString(o, odCreated)
	o = msgp.AppendInt64(o, od.Created)
	o = msgp.AppendString(o, odIndex)
	o = msgp.AppendArrayHeader(o, uint32(len(od.Index)))
	for i := range od.Index {
		e := &od.Index[i]
		o = msgp.AppendArrayHeader(o, numIndexFields)
		o = msgp.AppendInt64(o, int64(e.Partition))
		o = msgp.AppendInt64(o, e.StartOffset)
		o = msgp.AppendInt64(o, e.RawLength)
		o = msgp.AppendInt64(o, e.CompressedLength)
		o = msgp.AppendInt64(o, e.NumRecords)
	}
	return o, nil
}

func (od *OutputDescriptor) UnmarshalMsg(b []byte) (o []byte, err error) {
	var (
		field []byte
		sz    uint32
	)
	if sz, o, err = msgp.ReadMapHeaderBytes(b); err != nil {
		return o, msgp.WrapError(err)
	}
	for range sz {
		if field, o, err = msgp.ReadMapKeyZC(o); err != nil {
			return o, msgp.WrapError(err)
		}
		switch msgp.UnsafeString(field) {
		case odAttempt:
			od.Attempt, o, err = msgp.ReadStringBytes(o)
		case odHost:
			od.Host, o, err = msgp.ReadStringBytes(o)
		case odPath:
			od.Path, o, err = msgp.ReadStringBytes(o)
		case odCodec:
			od.Codec, o, err = msgp.ReadStringBytes(o)
		case odChecksum:
			od.Checksum, o, err = msgp.ReadStringBytes(o)
		case odNumParts:
			od.NumPartitions, o, err = msgp.ReadIntBytes(o)
		case odCreated:
			od.Created, o, err = msgp.ReadInt64Bytes(o)
		case odIndex:
			o, err = od.unmarshalIndex(o)
		default:
			o, err = msgp.Skip(o)
		}
		if err != nil {
			return o, msgp.WrapError(err, string(field))
		}
	}
	return o, nil
}

func (od *OutputDescriptor) unmarshalIndex(b []byte) (o []byte, err error) {
	var n, fields uint32
	if n, o, err = msgp.ReadArrayHeaderBytes(b); err != nil {
		return
	}
	od.Index = make([]IndexEntry, n)
	for i := range od.Index {
		if fields, o, err = msgp.ReadArrayHeaderBytes(o); err != nil {
			return
		}
		if fields != numIndexFields {
			return o, msgp.ArrayError{Wanted: numIndexFields, Got: fields}
		}
		var vals [numIndexFields]int64
		for j := range vals {
			if vals[j], o, err = msgp.ReadInt64Bytes(o); err != nil {
				return
			}
		}
		od.Index[i] = IndexEntry{
			Partition:        int(vals[0]),
			StartOffset:      vals[1],
			RawLength:        vals[2],
			CompressedLength: vals[3],
			NumRecords:       vals[4],
		}
	}
	return o, nil
}
