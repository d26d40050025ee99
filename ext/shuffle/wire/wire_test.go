// Package wire_test: ginkgo suite
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package wire_test

import (
	"bytes"
	"context"
	"io"
	"net/url"

	"github.com/NVIDIA/aishuffle/cmn"
	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/core"
	"github.com/NVIDIA/aishuffle/ext/shuffle/ifile"
	"github.com/NVIDIA/aishuffle/ext/shuffle/sorter"
	"github.com/NVIDIA/aishuffle/ext/shuffle/wire"
	"github.com/NVIDIA/aishuffle/tools/trand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Frames", func() {
	var od *core.OutputDescriptor

	BeforeEach(func() {
		conf := cmn.DefaultConfig()
		conf.LocalDirs = []string{GinkgoT().TempDir()}
		conf.IFile.Codec = cmn.CodecZstd
		conf.Strategy = cmn.StrategyConf{Partitioner: core.PartMurmur3, Comparator: core.CmpBytes, NumPartitions: 3}
		a, err := core.NewAttempt(context.Background(), "", conf, nil)
		Expect(err).NotTo(HaveOccurred())
		strat, err := core.NewStrategies(&conf.Strategy)
		Expect(err).NotTo(HaveOccurred())
		s, err := sorter.NewSorter(&sorter.Args{Attempt: a, Strategies: strat})
		Expect(err).NotTo(HaveOccurred())
		keys, values := trand.Records(500, 12, 40)
		for i := range keys {
			Expect(s.Insert(keys[i], values[i])).To(Succeed())
		}
		od, err = s.Flush()
		Expect(err).NotTo(HaveOccurred())
	})

	readAll := func(r io.Reader) (frames []wire.FrameHdr, nrec int64, err error) {
		fr := wire.NewFrameReader(r, core.ErrCtx{Host: "h1", Attempt: od.Attempt})
		opts := &ifile.Opts{Codec: od.Codec, Checksum: od.Checksum}
		for {
			hdr, body, err := fr.Next()
			if err == io.EOF {
				return frames, nrec, nil
			}
			if err != nil {
				return frames, nrec, err
			}
			n, err := ifile.Verify(body, hdr.CompressedLength, opts, core.ErrCtx{Partition: hdr.Partition})
			if err != nil {
				if fr.Err() != nil {
					err = fr.Err()
				}
				return frames, nrec, err
			}
			frames = append(frames, *hdr)
			nrec += n
		}
	}

	It("should stream and verify the requested partitions", func() {
		var buf bytes.Buffer
		Expect(wire.WriteFrames(&buf, od, 0, 3)).To(Succeed())
		frames, nrec, err := readAll(&buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(nrec).To(BeEquivalentTo(500))
		Expect(frames).To(HaveLen(3))
		for p, hdr := range frames {
			Expect(hdr.Partition).To(Equal(p))
			Expect(hdr.CompressedLength).To(Equal(od.Index[p].CompressedLength))
			Expect(hdr.RawLength).To(Equal(od.Index[p].RawLength))
		}
	})

	It("should stream a sub-range and skip unread bodies", func() {
		var buf bytes.Buffer
		Expect(wire.WriteFrames(&buf, od, 1, 3)).To(Succeed())
		fr := wire.NewFrameReader(&buf, core.ErrCtx{})
		var parts []int
		for {
			hdr, _, err := fr.Next()
			if err == io.EOF {
				break
			}
			Expect(err).NotTo(HaveOccurred())
			parts = append(parts, hdr.Partition)
		}
		Expect(parts).To(Equal([]int{1, 2}))
	})

	It("should reject an invalid range", func() {
		Expect(wire.WriteFrames(io.Discard, od, 2, 2)).NotTo(Succeed())
		Expect(wire.WriteFrames(io.Discard, od, 0, 4)).NotTo(Succeed())
	})

	It("should report a corrupted transfer as transient", func() {
		var buf bytes.Buffer
		Expect(wire.WriteFrames(&buf, od, 0, 1)).To(Succeed())
		b := buf.Bytes()
		b[len(b)-3] ^= 0x5a
		_, _, err := readAll(bytes.NewReader(b))
		Expect(err).To(HaveOccurred())
		Expect(core.IsRetryable(err)).To(BeTrue())
	})

	It("should report truncation as transient", func() {
		var buf bytes.Buffer
		Expect(wire.WriteFrames(&buf, od, 0, 2)).To(Succeed())
		for _, cut := range []int{5, wire.HdrLen + 10, buf.Len() - 1} {
			_, _, err := readAll(bytes.NewReader(buf.Bytes()[:cut]))
			Expect(err).To(HaveOccurred(), "cut at %d", cut)
			Expect(core.IsRetryable(err)).To(BeTrue(), "cut at %d: %v", cut, err)
		}
	})

	It("should pack and unpack frame headers", func() {
		hdr := wire.FrameHdr{Partition: 7, CompressedLength: 3 * cos.MiB, RawLength: 5 * cos.MiB, Checksum: 0xdeadbeef}
		var (
			buf [wire.HdrLen]byte
			out wire.FrameHdr
		)
		Expect(out.Unpack(hdr.Pack(buf[:]))).To(Succeed())
		Expect(out).To(Equal(hdr))
		Expect(out.Unpack(buf[:wire.HdrLen-1])).NotTo(Succeed())
	})
})

var _ = Describe("Request", func() {
	It("should build and parse request URLs", func() {
		s := wire.RequestURL("https", "10.0.0.1:8080", "attempt_x", 2, 5)
		u, err := url.Parse(s)
		Expect(err).NotTo(HaveOccurred())
		Expect(u.Scheme).To(Equal("https"))
		Expect(u.Path).To(Equal(wire.URLPath))
		attempt, from, to, err := wire.ParseRequest(u.Query())
		Expect(err).NotTo(HaveOccurred())
		Expect(attempt).To(Equal("attempt_x"))
		Expect(from).To(Equal(2))
		Expect(to).To(Equal(5))
	})

	It("should reject malformed requests", func() {
		for _, q := range []string{"from=0&to=1", "attempt=a&from=x&to=1", "attempt=a&from=1&to=1", "attempt=a&from=-1&to=1"} {
			vals, err := url.ParseQuery(q)
			Expect(err).NotTo(HaveOccurred())
			_, _, _, err = wire.ParseRequest(vals)
			Expect(err).To(HaveOccurred(), q)
		}
	})
})
