// Package core provides the shuffle engine's shared interfaces and types: strategies
// (comparators, partitioners, combiners), the task attempt lifecycle, output
// descriptors, and the error taxonomy.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package core

// interface guard
var (
	_ Combiner = (*sumInt64)(nil)
	_ Combiner = (*first)(nil)
)

type (
	// Group streams the values of one group; the underlying iterator stays
	// positioned on the group's current record
	Group struct {
		it    KVIterator
		cmp   Comparator
		key   []byte // copy of the group's first key
		fresh bool   // current record not yet returned
		done  bool
		eof   bool
	}

	// sum of 8-byte big-endian int64 values per key
	sumInt64 struct{ cmp Comparator }
	// first value per key
	first struct{ cmp Comparator }
)

// ForEachGroup calls fn once per run of consecutive records whose keys compare equal;
// values not consumed by fn are skipped
func ForEachGroup(it KVIterator, cmp Comparator, fn func(g *Group) error) error {
	if !it.Next() {
		return it.Err()
	}
	g := &Group{it: it, cmp: cmp}
	for !g.eof {
		g.key = append(g.key[:0], it.Key()...)
		g.fresh, g.done = true, false
		if err := fn(g); err != nil {
			return err
		}
		for g.Next() {
		}
	}
	return it.Err()
}

// GroupKey returns the group's first key (valid until the next group)
func (g *Group) GroupKey() []byte { return g.key }

// Key returns the current record's full key (may differ under a group comparator)
func (g *Group) Key() []byte   { return g.it.Key() }
func (g *Group) Value() []byte { return g.it.Value() }

func (g *Group) Next() bool {
	if g.done {
		return false
	}
	if g.fresh {
		g.fresh = false
		return true
	}
	if !g.it.Next() {
		g.done, g.eof = true, true
		return false
	}
	if g.cmp(g.it.Key(), g.key) != 0 {
		g.done = true
		return false
	}
	return true
}

//////////////
// sumInt64 //
//////////////

func (c *sumInt64) Combine(it KVIterator, w KVWriter) error {
	return ForEachGroup(it, c.cmp, func(g *Group) error {
		var sum int64
		for g.Next() {
			v, err := DecodeInt64(g.Value())
			if err != nil {
				return err
			}
			sum += v
		}
		return w.Append(g.GroupKey(), EncodeInt64(sum))
	})
}

///////////
// first //
///////////

func (c *first) Combine(it KVIterator, w KVWriter) error {
	return ForEachGroup(it, c.cmp, func(g *Group) error {
		g.Next()
		return w.Append(g.GroupKey(), g.Value())
	})
}
