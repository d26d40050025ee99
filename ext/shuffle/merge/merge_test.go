// Package merge_test: ginkgo suite
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package merge_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/NVIDIA/aishuffle/cmn"
	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/core"
	"github.com/NVIDIA/aishuffle/ext/shuffle/ifile"
	"github.com/NVIDIA/aishuffle/ext/shuffle/merge"
	"github.com/NVIDIA/aishuffle/memsys"
	"github.com/NVIDIA/aishuffle/stats"
	"github.com/NVIDIA/aishuffle/tools/trand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type record struct{ key, value string }

var (
	opts = &ifile.Opts{Codec: cmn.CodecLZ4, Checksum: cos.ChecksumXXHash}
	ectx = core.ErrCtx{Attempt: "attempt_merge", Partition: 0}
)

func sortedRun(n, keySize int) []record {
	keys, values := trand.Records(n, keySize, 16)
	recs := make([]record, n)
	for i := range n {
		recs[i] = record{string(keys[i]), string(values[i])}
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].key < recs[j].key })
	return recs
}

func memSegment(name string, recs []record, released *int) *merge.MemSegment {
	sgl := memsys.PageMM().NewSGL(0)
	w, err := ifile.NewWriter(sgl, opts)
	Expect(err).NotTo(HaveOccurred())
	for _, r := range recs {
		Expect(w.Append([]byte(r.key), []byte(r.value))).To(Succeed())
	}
	Expect(w.Close()).To(Succeed())
	return merge.NewMemSegment(name, sgl, w.RawLength(), opts, ectx, func(*merge.MemSegment) {
		if released != nil {
			*released++
		}
	})
}

func fileSegment(dir, name string, recs []record) *merge.FileSegment {
	fqn := filepath.Join(dir, name)
	fh, err := os.Create(fqn)
	Expect(err).NotTo(HaveOccurred())
	_, err = fh.WriteString("hdr") // segment starts at a non-zero offset
	Expect(err).NotTo(HaveOccurred())
	w, err := ifile.NewWriter(fh, opts)
	Expect(err).NotTo(HaveOccurred())
	for _, r := range recs {
		Expect(w.Append([]byte(r.key), []byte(r.value))).To(Succeed())
	}
	Expect(w.Close()).To(Succeed())
	Expect(fh.Close()).To(Succeed())
	entry := core.IndexEntry{StartOffset: 3, RawLength: w.RawLength(), CompressedLength: w.CompressedLength(),
		NumRecords: w.NumRecords()}
	return &merge.FileSegment{Path: fqn, Entry: entry, Opts: opts, ECtx: ectx}
}

func drain(it merge.Iterator) (out []record) {
	for it.Next() {
		out = append(out, record{string(it.Key()), string(it.Value())})
	}
	Expect(it.Err()).NotTo(HaveOccurred())
	Expect(it.Close()).To(Succeed())
	return
}

func expectSortedMultiset(out []record, runs ...[]record) {
	var all []record
	for _, run := range runs {
		all = append(all, run...)
	}
	Expect(out).To(HaveLen(len(all)))
	Expect(slices.IsSortedFunc(out, func(a, b record) int { return bytes.Compare([]byte(a.key), []byte(b.key)) })).
		To(BeTrue())
	key := func(r record) string { return r.key + "\x00" + r.value }
	exp, got := make([]string, len(all)), make([]string, len(out))
	for i := range all {
		exp[i], got[i] = key(all[i]), key(out[i])
	}
	sort.Strings(exp)
	sort.Strings(got)
	Expect(got).To(Equal(exp))
}

var _ = Describe("Merge", func() {
	var (
		dir  string
		args *merge.Args
		st   *stats.Tracker
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		st = stats.NewTracker(nil)
		args = &merge.Args{
			Compare: bytes.Compare,
			Factor:  100,
			Opts:    opts,
			ECtx:    ectx,
			Stats:   st,
			TmpPath: func(name string, _ int64) (string, error) { return filepath.Join(dir, name), nil },
		}
	})

	It("should merge memory and disk runs in a single pass", func() {
		var (
			runs     [][]record
			segs     []merge.Segment
			released int
		)
		for i := range 5 {
			run := sortedRun(200, 4)
			runs = append(runs, run)
			if i%2 == 0 {
				segs = append(segs, memSegment(fmt.Sprintf("mem-%d", i), run, &released))
			} else {
				segs = append(segs, fileSegment(dir, fmt.Sprintf("run-%d", i), run))
			}
		}
		it, err := merge.Merge(context.Background(), segs, args)
		Expect(err).NotTo(HaveOccurred())
		expectSortedMultiset(drain(it), runs...)
		Expect(released).To(Equal(3))
		Expect(st.Snapshot()).NotTo(HaveKey("shuffle_merge_passes_total"))
	})

	It("should keep equal keys in segment order", func() {
		a := []record{{"k", "1"}, {"k", "2"}}
		b := []record{{"k", "3"}}
		it, err := merge.Merge(context.Background(), []merge.Segment{memSegment("a", a, nil), memSegment("b", b, nil)}, args)
		Expect(err).NotTo(HaveOccurred())
		out := drain(it)
		Expect(out).To(Equal([]record{{"k", "1"}, {"k", "2"}, {"k", "3"}}))
	})

	It("should run intermediate passes when runs exceed the factor", func() {
		args.Factor = 4
		var (
			runs [][]record
			segs []merge.Segment
		)
		for i := range 23 {
			run := sortedRun(50+i, 6)
			runs = append(runs, run)
			segs = append(segs, fileSegment(dir, fmt.Sprintf("spill-%d", i), run))
		}
		it, err := merge.Merge(context.Background(), segs, args)
		Expect(err).NotTo(HaveOccurred())
		expectSortedMultiset(drain(it), runs...)

		// 23 runs, factor 4: first pass merges 2 (=> 22), then 3-run reductions until <= 4
		passes := st.Snapshot()["shuffle_merge_passes_total"]
		Expect(passes).To(BeNumerically("==", 7))

		// intermediate runs are removed once merged; inputs are not owned and stay
		matches, err := filepath.Glob(filepath.Join(dir, "merge_*"))
		Expect(err).NotTo(HaveOccurred())
		Expect(matches).To(BeEmpty())
		matches, _ = filepath.Glob(filepath.Join(dir, "spill-*"))
		Expect(matches).To(HaveLen(23))
	})

	It("should bound the factor by the memory budget", func() {
		args.Factor = 100
		args.MemBudget, args.ReadBufSize = 3*cos.MiB, cos.MiB
		Expect(args.EffectiveFactor()).To(Equal(3))
		args.MemBudget = cos.KiB
		Expect(args.EffectiveFactor()).To(Equal(2))

		var (
			runs [][]record
			segs []merge.Segment
		)
		for i := range 6 {
			run := sortedRun(30, 3)
			runs = append(runs, run)
			segs = append(segs, memSegment(fmt.Sprintf("m%d", i), run, nil))
		}
		it, err := merge.Merge(context.Background(), segs, args)
		Expect(err).NotTo(HaveOccurred())
		expectSortedMultiset(drain(it), runs...)
		Expect(st.Snapshot()["shuffle_merge_passes_total"]).To(BeNumerically(">", 0))
	})

	It("should fail on a corrupted segment", func() {
		run := sortedRun(100, 4)
		seg := fileSegment(dir, "bad", run)
		fh, err := os.OpenFile(seg.Path, os.O_RDWR, 0)
		Expect(err).NotTo(HaveOccurred())
		_, err = fh.WriteAt([]byte{0xde, 0xad, 0xbe, 0xef}, seg.Entry.StartOffset+seg.Entry.CompressedLength-4)
		Expect(err).NotTo(HaveOccurred())
		fh.Close()

		it, err := merge.Merge(context.Background(), []merge.Segment{seg, memSegment("ok", sortedRun(10, 4), nil)}, args)
		if err == nil {
			for it.Next() {
			}
			err = it.Err()
			it.Close()
		}
		Expect(core.IsCorrupt(err)).To(BeTrue())
	})

	It("should stop upon cancellation and remove partial runs", func() {
		args.Factor = 2
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		var segs []merge.Segment
		for i := range 4 {
			segs = append(segs, memSegment(fmt.Sprintf("m%d", i), sortedRun(10, 4), nil))
		}
		_, err := merge.Merge(ctx, segs, args)
		Expect(err).To(HaveOccurred())
		Expect(cmn.IsErrAborted(err)).To(BeTrue())
		matches, _ := filepath.Glob(filepath.Join(dir, ".merge_*"))
		Expect(matches).To(BeEmpty())
	})

	It("should combine while writing", func() {
		reg := core.NewRegistry()
		f, _ := reg.CombinerFactory(core.CombineSumInt64)
		var segs []merge.Segment
		for i := range 3 {
			recs := []record{{"a", string(core.EncodeInt64(1))}, {"b", string(core.EncodeInt64(int64(i)))}}
			segs = append(segs, memSegment(fmt.Sprintf("m%d", i), recs, nil))
		}
		Expect(merge.ShouldCombine(f(bytes.Compare), len(segs), 3)).To(BeTrue())
		Expect(merge.ShouldCombine(f(bytes.Compare), 2, 3)).To(BeFalse())
		Expect(merge.ShouldCombine(nil, 10, 3)).To(BeFalse())

		fqn := filepath.Join(dir, "combined.out")
		w, err := merge.MergeToFile(context.Background(), segs, args, fqn, f(bytes.Compare))
		Expect(err).NotTo(HaveOccurred())
		Expect(w.NumRecords()).To(BeEquivalentTo(2))

		seg := &merge.FileSegment{Path: fqn, Opts: opts, ECtx: ectx, Owned: true,
			Entry: core.IndexEntry{RawLength: w.RawLength(), CompressedLength: w.CompressedLength()}}
		it, err := seg.Open(context.Background())
		Expect(err).NotTo(HaveOccurred())
		out := drain(it)
		Expect(out).To(HaveLen(2))
		a, _ := core.DecodeInt64([]byte(out[0].value))
		b, _ := core.DecodeInt64([]byte(out[1].value))
		Expect(a).To(BeEquivalentTo(3))
		Expect(b).To(BeEquivalentTo(3)) // 0+1+2
		seg.Release()
		Expect(fqn).NotTo(BeAnExistingFile())
	})

	It("should convert comparator panics to task-fatal errors", func() {
		args.Compare = func(a, b []byte) int { panic("broken comparator") }
		segs := []merge.Segment{memSegment("a", sortedRun(5, 2), nil), memSegment("b", sortedRun(5, 2), nil)}
		it, err := merge.Merge(context.Background(), segs, args)
		if err == nil {
			for it.Next() {
			}
			err = it.Err()
		}
		Expect(core.IsTaskFatal(err)).To(BeTrue())
	})
})

var _ = Describe("GroupedIterator", func() {
	run := func(recs []record) merge.Iterator {
		it, err := merge.Merge(context.Background(), []merge.Segment{memSegment("g", recs, nil)},
			&merge.Args{Compare: bytes.Compare, Factor: 10, Opts: opts, ECtx: ectx})
		Expect(err).NotTo(HaveOccurred())
		return it
	}

	It("should group consecutive equal keys", func() {
		gi := merge.NewGroupedIterator(run([]record{{"a", "1"}, {"a", "2"}, {"b", "3"}, {"c", "4"}, {"c", "5"}}), bytes.Compare)
		groups := map[string][]string{}
		var order []string
		for gi.NextKey() {
			key := string(gi.Key())
			order = append(order, key)
			for gi.NextValue() {
				groups[key] = append(groups[key], string(gi.Value()))
			}
		}
		Expect(gi.Err()).NotTo(HaveOccurred())
		Expect(order).To(Equal([]string{"a", "b", "c"}))
		Expect(groups).To(Equal(map[string][]string{"a": {"1", "2"}, "b": {"3"}, "c": {"4", "5"}}))
		Expect(gi.Close()).To(Succeed())
		Expect(gi.Close()).To(Succeed())
	})

	It("should skip unconsumed values and honor the group comparator", func() {
		recs := []record{{"u1\x00a", "1"}, {"u1\x00b", "2"}, {"u1\x00c", "3"}, {"u2\x00a", "4"}, {"u3\x00a", "5"}}
		reg := core.NewRegistry()
		natural, _ := reg.Comparator(core.CmpNatural)
		gi := merge.NewGroupedIterator(run(recs), natural)
		var (
			keys  []string
			first []string
		)
		for gi.NextKey() {
			keys = append(keys, string(gi.Key()))
			Expect(gi.NextValue()).To(BeTrue())
			first = append(first, string(gi.Value()))
		}
		Expect(gi.Err()).NotTo(HaveOccurred())
		Expect(keys).To(Equal([]string{"u1\x00a", "u2\x00a", "u3\x00a"}))
		Expect(first).To(Equal([]string{"1", "4", "5"}))
		gi.Close()
	})

	It("should handle empty input", func() {
		gi := merge.NewGroupedIterator(run(nil), bytes.Compare)
		Expect(gi.NextKey()).To(BeFalse())
		Expect(gi.NextValue()).To(BeFalse())
		Expect(gi.Err()).NotTo(HaveOccurred())
		gi.Close()
	})
})
