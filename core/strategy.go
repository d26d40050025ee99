// Package core provides the shuffle engine's shared interfaces and types: strategies
// (comparators, partitioners, combiners), the task attempt lifecycle, output
// descriptors, and the error taxonomy.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/NVIDIA/aishuffle/cmn"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/spaolacci/murmur3"
)

// built-in strategy names
const (
	CmpBytes        = "bytes"
	CmpBytesReverse = "bytes-reverse"
	CmpInt64        = "int64"   // 8-byte big-endian two's complement keys
	CmpNatural      = "natural" // compares the key prefix up to the first 0x00 (composite keys)

	PartHash    = "hash"
	PartMurmur3 = "murmur3"

	CombineSumInt64 = "sum-int64"
	CombineFirst    = "first"
)

type (
	// Comparator orders serialized keys; it must be a total order consistent across
	// producers and consumers of the same shuffle
	Comparator func(a, b []byte) int

	// Partitioner maps a record to [0, numPartitions)
	Partitioner func(key, value []byte, numPartitions int) int

	KVIterator interface {
		Next() bool
		Key() []byte
		Value() []byte
		Err() error
	}
	KVWriter interface {
		Append(key, value []byte) error
	}

	// Combiner consumes entire groups of a sorted run and emits zero or more
	// combined records; it must not reorder keys
	Combiner interface {
		Combine(it KVIterator, w KVWriter) error
	}
	CombinerFactory func(cmp Comparator) Combiner

	// Registry resolves strategy names; a zero-value registry is empty,
	// NewRegistry returns one pre-populated with the built-ins
	Registry struct {
		comparators  map[string]Comparator
		partitioners map[string]Partitioner
		combiners    map[string]CombinerFactory
	}

	// Strategies are resolved once at attempt setup and never change afterwards
	Strategies struct {
		Comparator    Comparator
		Secondary     Comparator // tie-breaker; may be nil
		Group         Comparator // consumer grouping; defaults to Comparator
		Partitioner   Partitioner
		Combiner      Combiner // may be nil
		NumPartitions int
	}
)

var builtins = NewRegistry()

func NewRegistry() *Registry {
	r := &Registry{
		comparators:  make(map[string]Comparator, 4),
		partitioners: make(map[string]Partitioner, 2),
		combiners:    make(map[string]CombinerFactory, 2),
	}
	r.RegisterComparator(CmpBytes, bytes.Compare)
	r.RegisterComparator(CmpBytesReverse, func(a, b []byte) int { return bytes.Compare(b, a) })
	r.RegisterComparator(CmpInt64, cmpInt64)
	r.RegisterComparator(CmpNatural, cmpNatural)
	r.RegisterPartitioner(PartHash, func(key, _ []byte, n int) int { return int(xxhash.Sum64(key) % uint64(n)) })
	r.RegisterPartitioner(PartMurmur3, func(key, _ []byte, n int) int { return int(murmur3.Sum64(key) % uint64(n)) })
	r.RegisterCombiner(CombineSumInt64, func(cmp Comparator) Combiner { return &sumInt64{cmp} })
	r.RegisterCombiner(CombineFirst, func(cmp Comparator) Combiner { return &first{cmp} })
	return r
}

func (r *Registry) RegisterComparator(name string, cmp Comparator)  { r.comparators[name] = cmp }
func (r *Registry) RegisterPartitioner(name string, p Partitioner)  { r.partitioners[name] = p }
func (r *Registry) RegisterCombiner(name string, f CombinerFactory) { r.combiners[name] = f }

func (r *Registry) Comparator(name string) (cmp Comparator, ok bool) {
	cmp, ok = r.comparators[name]
	return
}

func (r *Registry) Partitioner(name string) (p Partitioner, ok bool) {
	p, ok = r.partitioners[name]
	return
}

func (r *Registry) CombinerFactory(name string) (f CombinerFactory, ok bool) {
	f, ok = r.combiners[name]
	return
}

func (r *Registry) Names() (names []string) {
	for name := range r.comparators {
		names = append(names, "comparator:"+name)
	}
	for name := range r.partitioners {
		names = append(names, "partitioner:"+name)
	}
	for name := range r.combiners {
		names = append(names, "combiner:"+name)
	}
	sort.Strings(names)
	return
}

// NewStrategies resolves configured names against the given registry
// (built-ins when none specified)
func NewStrategies(conf *cmn.StrategyConf, regs ...*Registry) (*Strategies, error) {
	reg := builtins
	if len(regs) > 0 && regs[0] != nil {
		reg = regs[0]
	}
	if conf.NumPartitions < 1 {
		return nil, fmt.Errorf("invalid number of partitions %d", conf.NumPartitions)
	}
	s := &Strategies{NumPartitions: conf.NumPartitions}
	var ok bool
	if s.Comparator, ok = reg.Comparator(conf.Comparator); !ok {
		return nil, errors.Errorf("unknown comparator %q", conf.Comparator)
	}
	if s.Partitioner, ok = reg.Partitioner(conf.Partitioner); !ok {
		return nil, errors.Errorf("unknown partitioner %q", conf.Partitioner)
	}
	if conf.SecondaryComparator != "" {
		if s.Secondary, ok = reg.Comparator(conf.SecondaryComparator); !ok {
			return nil, errors.Errorf("unknown secondary comparator %q", conf.SecondaryComparator)
		}
	}
	s.Group = s.Comparator
	if conf.GroupComparator != "" {
		if s.Group, ok = reg.Comparator(conf.GroupComparator); !ok {
			return nil, errors.Errorf("unknown group comparator %q", conf.GroupComparator)
		}
	}
	if conf.Combiner != "" {
		f, ok := reg.CombinerFactory(conf.Combiner)
		if !ok {
			return nil, errors.Errorf("unknown combiner %q", conf.Combiner)
		}
		s.Combiner = f(s.Group)
	}
	return s, nil
}

// Compare orders by the primary comparator and breaks ties with the secondary (if any)
func (s *Strategies) Compare(a, b []byte) int {
	if c := s.Comparator(a, b); c != 0 || s.Secondary == nil {
		return c
	}
	return s.Secondary(a, b)
}

// Partition validates the partitioner's output
func (s *Strategies) Partition(key, value []byte) (int, error) {
	p := s.Partitioner(key, value, s.NumPartitions)
	if p < 0 || p >= s.NumPartitions {
		return 0, fmt.Errorf("partitioner returned %d, expecting [0, %d)", p, s.NumPartitions)
	}
	return p, nil
}

//
// built-in comparators
//

func cmpInt64(a, b []byte) int {
	if len(a) != 8 || len(b) != 8 {
		return bytes.Compare(a, b)
	}
	x, y := int64(binary.BigEndian.Uint64(a)), int64(binary.BigEndian.Uint64(b))
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func cmpNatural(a, b []byte) int {
	if i := bytes.IndexByte(a, 0); i >= 0 {
		a = a[:i]
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return bytes.Compare(a, b)
}

func EncodeInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func DecodeInt64(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("expecting 8-byte int64, got %d bytes", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}
