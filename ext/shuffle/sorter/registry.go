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

	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/cmn/kvdb"
	"github.com/NVIDIA/aishuffle/core"
	"github.com/NVIDIA/aishuffle/ext/shuffle/ifile"
)

const outputsCollection = "outputs"

// Registry records completed producer outputs in the local key-value database
// (descriptors are msgpack-encoded); it is what the serving side consults to
// stream a partition, and what a co-located consumer reads locally
type Registry struct {
	db kvdb.Driver
}

func NewRegistry(db kvdb.Driver) *Registry { return &Registry{db: db} }

func isErrNotFound(err error) bool { return kvdb.IsErrNotFound(err) }

func (r *Registry) Publish(od *core.OutputDescriptor) error {
	b, err := od.MarshalMsg(make([]byte, 0, od.Msgsize()))
	if err != nil {
		return err
	}
	return r.db.SetString(outputsCollection, od.Attempt, string(b))
}

func (r *Registry) Lookup(attempt string) (*core.OutputDescriptor, error) {
	s, err := r.db.GetString(outputsCollection, attempt)
	if err != nil {
		return nil, err
	}
	od := &core.OutputDescriptor{}
	if _, err := od.UnmarshalMsg([]byte(s)); err != nil {
		return nil, fmt.Errorf("output descriptor %q: %w", attempt, err)
	}
	return od, nil
}

func (r *Registry) Remove(attempt string) error { return r.db.Delete(outputsCollection, attempt) }

// List returns the ids of all published attempts
func (r *Registry) List() ([]string, error) { return r.db.List(outputsCollection, "") }

// Open returns partition p of the attempt's output as a raw (still encoded) IFile stream
func (r *Registry) Open(attempt string, p int) (io.ReadCloser, *core.IndexEntry, *ifile.Opts, error) {
	od, err := r.Lookup(attempt)
	if err != nil {
		return nil, nil, nil, err
	}
	return OpenPartition(od, p)
}

func OpenPartition(od *core.OutputDescriptor, p int) (io.ReadCloser, *core.IndexEntry, *ifile.Opts, error) {
	e, err := od.Entry(p)
	if err != nil {
		return nil, nil, nil, err
	}
	rc, err := cos.NewFileSection(od.Path, e.StartOffset, e.CompressedLength)
	if err != nil {
		return nil, nil, nil, err
	}
	return rc, e, &ifile.Opts{Codec: od.Codec, Checksum: od.Checksum}, nil
}
