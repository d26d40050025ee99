// Package sorter_test: ginkgo suite
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package sorter_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/NVIDIA/aishuffle/cmn"
	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/cmn/kvdb"
	"github.com/NVIDIA/aishuffle/core"
	"github.com/NVIDIA/aishuffle/ext/shuffle/ifile"
	"github.com/NVIDIA/aishuffle/ext/shuffle/sorter"
	"github.com/NVIDIA/aishuffle/stats"
	"github.com/NVIDIA/aishuffle/tools/trand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func readPartition(od *core.OutputDescriptor, p int) (keys, values []string) {
	rc, e, opts, err := sorter.OpenPartition(od, p)
	Expect(err).NotTo(HaveOccurred())
	defer rc.Close()
	r, err := ifile.NewReader(rc, e.CompressedLength, opts, core.ErrCtx{Attempt: od.Attempt, Partition: p})
	Expect(err).NotTo(HaveOccurred())
	for r.Next() {
		keys = append(keys, string(r.Key()))
		values = append(values, string(r.Value()))
	}
	Expect(r.Err()).NotTo(HaveOccurred())
	Expect(r.NumRecords()).To(Equal(e.NumRecords))
	return
}

var _ = Describe("Sorter", func() {
	var (
		conf    *cmn.Config
		tracker *stats.Tracker
		a       *core.Attempt
		strat   *core.Strategies
	)

	newSorter := func(args *sorter.Args) *sorter.Sorter {
		var err error
		a, err = core.NewAttempt(context.Background(), "", conf, tracker)
		Expect(err).NotTo(HaveOccurred())
		strat, err = core.NewStrategies(&conf.Strategy)
		Expect(err).NotTo(HaveOccurred())
		if args == nil {
			args = &sorter.Args{}
		}
		args.Attempt, args.Strategies = a, strat
		s, err := sorter.NewSorter(args)
		Expect(err).NotTo(HaveOccurred())
		return s
	}

	BeforeEach(func() {
		conf = cmn.DefaultConfig()
		conf.LocalDirs = []string{GinkgoT().TempDir()}
		conf.Sort.BufferSize = 16 * cos.KiB
		conf.IFile.Codec = cmn.CodecLZ4
		conf.Strategy = cmn.StrategyConf{Partitioner: core.PartHash, Comparator: core.CmpBytes, NumPartitions: 4}
		tracker = stats.NewTracker(nil)
	})

	It("should spill and merge into one sorted, partitioned output", func() {
		var progress []int64
		conf.Sort.ProgressRecords = 250
		s := newSorter(&sorter.Args{Progress: func(n int64) { progress = append(progress, n) }})

		keys, values := trand.Records(1000, 10, 20)
		expected := make([]string, 0, len(keys))
		for i := range keys {
			Expect(s.Insert(keys[i], values[i])).To(Succeed())
			Expect(s.UsedBytes()).To(BeNumerically("<=", s.Capacity()))
			expected = append(expected, string(keys[i])+"="+string(values[i]))
		}
		Expect(s.NumRecords()).To(BeEquivalentTo(1000))
		od, err := s.Flush()
		Expect(err).NotTo(HaveOccurred())
		Expect(tracker.Snapshot()["shuffle_spills_total"]).To(BeNumerically(">=", 3))
		Expect(progress).To(Equal([]int64{250, 500, 750, 1000}))
		Expect(od.NumRecords()).To(BeEquivalentTo(1000))
		Expect(od.NumPartitions).To(Equal(4))
		Expect(filepath.Base(od.Path)).To(Equal("file.out"))

		actual := make([]string, 0, len(keys))
		for p := range od.NumPartitions {
			ks, vs := readPartition(od, p)
			Expect(slices.IsSorted(ks)).To(BeTrue())
			for i := range ks {
				part, err := strat.Partition([]byte(ks[i]), []byte(vs[i]))
				Expect(err).NotTo(HaveOccurred())
				Expect(part).To(Equal(p))
				actual = append(actual, ks[i]+"="+vs[i])
			}
		}
		slices.Sort(expected)
		slices.Sort(actual)
		Expect(actual).To(Equal(expected))

		// the index at the head of the file agrees with the descriptor
		sr, err := sorter.ReadIndex(od.Path)
		Expect(err).NotTo(HaveOccurred())
		Expect(sr.Index).To(Equal(od.Index))

		Expect(a.Complete()).To(Succeed())
		fqns, err := a.Dirs.ListAttempt(a.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(fqns).To(Equal([]string{od.Path}))
	})

	It("should write the output directly when nothing was spilled", func() {
		s := newSorter(nil)
		for _, k := range []string{"c", "a", "b"} {
			Expect(s.Insert([]byte(k), []byte(strings.ToUpper(k)))).To(Succeed())
		}
		od, err := s.Flush()
		Expect(err).NotTo(HaveOccurred())
		Expect(tracker.Snapshot()).NotTo(HaveKey("shuffle_spills_total"))
		var all []string
		for p := range od.NumPartitions {
			ks, _ := readPartition(od, p)
			Expect(slices.IsSorted(ks)).To(BeTrue())
			all = append(all, ks...)
		}
		Expect(all).To(ConsistOf("a", "b", "c"))
	})

	It("should produce empty partitions for empty input", func() {
		s := newSorter(nil)
		od, err := s.Flush()
		Expect(err).NotTo(HaveOccurred())
		Expect(od.Index).To(HaveLen(4))
		for p := range od.NumPartitions {
			ks, _ := readPartition(od, p)
			Expect(ks).To(BeEmpty())
		}
	})

	It("should reject a record that can never fit", func() {
		s := newSorter(nil)
		err := s.Insert(trand.Bytes(int(16*cos.KiB)), nil)
		var errTooLarge *core.ErrRecordTooLarge
		Expect(errors.As(err, &errTooLarge)).To(BeTrue())
		Expect(errTooLarge.Capacity).To(Equal(s.Capacity()))

		// exactly at capacity is fine
		Expect(s.Insert(trand.Bytes(int(16*cos.KiB)-24-1), []byte{'x'})).To(Succeed())
		od, err := s.Flush()
		Expect(err).NotTo(HaveOccurred())
		Expect(od.NumRecords()).To(BeEquivalentTo(1))
	})

	It("should keep insertion order of equal keys with a stable sort", func() {
		conf.Sort.Stable = true
		conf.Strategy.NumPartitions = 1
		s := newSorter(nil)
		for i := range 300 {
			Expect(s.Insert([]byte("key"), core.EncodeInt64(int64(i)))).To(Succeed())
		}
		od, err := s.Flush()
		Expect(err).NotTo(HaveOccurred())
		_, vs := readPartition(od, 0)
		Expect(vs).To(HaveLen(300))
		for i := range vs {
			v, err := core.DecodeInt64([]byte(vs[i]))
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(BeEquivalentTo(i))
		}
	})

	It("should sort partitions concurrently", func() {
		conf.Sort.Threads = 4
		conf.Strategy.NumPartitions = 16
		s := newSorter(nil)
		keys, values := trand.Records(2000, 8, 8)
		for i := range keys {
			Expect(s.Insert(keys[i], values[i])).To(Succeed())
		}
		od, err := s.Flush()
		Expect(err).NotTo(HaveOccurred())
		var n int
		for p := range od.NumPartitions {
			ks, _ := readPartition(od, p)
			Expect(slices.IsSortedFunc(ks, strings.Compare)).To(BeTrue())
			n += len(ks)
		}
		Expect(n).To(Equal(2000))
	})

	// per-key sums of a combined output: one record per key
	sumCounts := func(od *core.OutputDescriptor) map[string]int64 {
		counts := make(map[string]int64)
		for p := range od.NumPartitions {
			ks, vs := readPartition(od, p)
			for i := range ks {
				Expect(counts).NotTo(HaveKey(ks[i]))
				v, err := core.DecodeInt64([]byte(vs[i]))
				Expect(err).NotTo(HaveOccurred())
				counts[ks[i]] = v
			}
		}
		return counts
	}

	DescribeTable("combine on spill and on merge",
		func(bufSize int64) {
			conf.Strategy.Combiner = core.CombineSumInt64
			conf.Sort.CombineMinSpills = 2
			words := []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta", "eta", "theta", "iota", "kappa"}
			one := core.EncodeInt64(1)
			sortAll := func() map[string]int64 {
				s := newSorter(nil)
				for i := range 4000 {
					Expect(s.Insert([]byte(words[i%len(words)]), one)).To(Succeed())
				}
				od, err := s.Flush()
				Expect(err).NotTo(HaveOccurred())
				counts := sumCounts(od)
				Expect(a.Complete()).To(Succeed())
				return counts
			}

			conf.Sort.BufferSize = cos.SizeIEC(bufSize)
			chunked := sortAll()
			Expect(tracker.Snapshot()["shuffle_spills_total"]).To(BeNumerically(">=", 2))
			Expect(chunked).To(HaveLen(len(words)))
			for _, w := range words {
				Expect(chunked[w]).To(BeEquivalentTo(400))
			}

			// the same input sorted in a single buffer (no spills)
			conf.Sort.BufferSize = 4 * cos.MiB
			Expect(sortAll()).To(Equal(chunked))
		},
		Entry("8KiB buffer", int64(8*cos.KiB)),
		Entry("16KiB buffer", int64(16*cos.KiB)),
		Entry("40KiB buffer", int64(40*cos.KiB)),
	)

	It("should fail the attempt when the partitioner is out of range", func() {
		reg := core.NewRegistry()
		reg.RegisterPartitioner("bad", func(_, _ []byte, n int) int { return n })
		conf.Strategy.Partitioner = "bad"
		var err error
		a, err = core.NewAttempt(context.Background(), "", conf, tracker)
		Expect(err).NotTo(HaveOccurred())
		strat, err = core.NewStrategies(&conf.Strategy, reg)
		Expect(err).NotTo(HaveOccurred())
		s, err := sorter.NewSorter(&sorter.Args{Attempt: a, Strategies: strat})
		Expect(err).NotTo(HaveOccurred())
		err = s.Insert([]byte("k"), []byte("v"))
		Expect(core.IsTaskFatal(err)).To(BeTrue())
	})

	It("should remove everything upon abort", func() {
		s := newSorter(nil)
		keys, values := trand.Records(1000, 10, 20)
		for i := range keys {
			Expect(s.Insert(keys[i], values[i])).To(Succeed())
		}
		Expect(a.Abort(nil)).To(Succeed())
		Expect(s.Insert([]byte("k"), []byte("v"))).To(HaveOccurred())
		_, err := s.Flush()
		Expect(err).To(HaveOccurred())
		fqns, err := a.Dirs.ListAttempt(a.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(fqns).To(BeEmpty())
	})

	It("should refuse inserts after flush", func() {
		s := newSorter(nil)
		Expect(s.Insert([]byte("k"), []byte("v"))).To(Succeed())
		_, err := s.Flush()
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Insert([]byte("k"), []byte("v"))).To(HaveOccurred())
	})

	Describe("Registry", func() {
		It("should publish, look up, open, and remove outputs", func() {
			db, err := kvdb.NewBuntDB(":memory:")
			Expect(err).NotTo(HaveOccurred())
			defer db.Close()
			reg := sorter.NewRegistry(db)

			s := newSorter(&sorter.Args{Registry: reg, Host: "localhost:8080"})
			keys, values := trand.Records(300, 6, 6)
			for i := range keys {
				Expect(s.Insert(keys[i], values[i])).To(Succeed())
			}
			od, err := s.Flush()
			Expect(err).NotTo(HaveOccurred())

			ids, err := reg.List()
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(ConsistOf(a.ID))
			found, err := reg.Lookup(a.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(found.Host).To(Equal("localhost:8080"))
			Expect(found.Index).To(Equal(od.Index))

			rc, e, opts, err := reg.Open(a.ID, 2)
			Expect(err).NotTo(HaveOccurred())
			nrec, err := ifile.Verify(rc, e.CompressedLength, opts, core.ErrCtx{Partition: 2})
			rc.Close()
			Expect(err).NotTo(HaveOccurred())
			Expect(nrec).To(Equal(e.NumRecords))

			_, _, _, err = reg.Open(a.ID, 4)
			Expect(err).To(HaveOccurred())

			Expect(a.Abort(nil)).To(Succeed())
			_, err = reg.Lookup(a.ID)
			Expect(kvdb.IsErrNotFound(err)).To(BeTrue())
		})
	})

	Describe("ReadIndex", func() {
		var od *core.OutputDescriptor

		BeforeEach(func() {
			s := newSorter(nil)
			Expect(s.Insert([]byte("a"), []byte("1"))).To(Succeed())
			var err error
			od, err = s.Flush()
			Expect(err).NotTo(HaveOccurred())
		})

		corrupt := func(off int64) {
			fh, err := os.OpenFile(od.Path, os.O_RDWR, 0)
			Expect(err).NotTo(HaveOccurred())
			b := make([]byte, 1)
			_, err = fh.ReadAt(b, off)
			Expect(err).NotTo(HaveOccurred())
			b[0] ^= 0xff
			_, err = fh.WriteAt(b, off)
			Expect(err).NotTo(HaveOccurred())
			Expect(fh.Close()).To(Succeed())
		}

		It("should detect a bad magic", func() {
			corrupt(0)
			_, err := sorter.ReadIndex(od.Path)
			Expect(core.IsCorrupt(err)).To(BeTrue())
		})
		It("should detect a corrupted index entry", func() {
			corrupt(20)
			_, err := sorter.ReadIndex(od.Path)
			Expect(core.IsCorrupt(err)).To(BeTrue())
		})
		It("should detect truncation", func() {
			finfo, err := os.Stat(od.Path)
			Expect(err).NotTo(HaveOccurred())
			Expect(os.Truncate(od.Path, finfo.Size()-1)).To(Succeed())
			_, err = sorter.ReadIndex(od.Path)
			Expect(core.IsCorrupt(err)).To(BeTrue())
		})
	})
})
