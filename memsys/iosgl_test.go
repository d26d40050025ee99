// Package memsys provides memory management and slab/SGL allocation with io.Reader and io.Writer interfaces
// on top of scatter-gather lists of reusable buffers; it also distributes the attempt's memory budget
// across shuffle components.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package memsys_test

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing/iotest"

	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/memsys"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("SGL", func() {
	mm := memsys.PageMM()

	randReader := func(size int64) ([]byte, io.Reader) {
		buf := make([]byte, size)
		rand.Read(buf)
		return buf, bytes.NewBuffer(buf)
	}

	It("should perform write and read for SGL", func() {
		buf, _ := randReader(3*cos.MiB + 17)
		sgl := mm.NewSGL(0)
		defer sgl.Free()
		_, err := sgl.Write(buf)
		Expect(err).ToNot(HaveOccurred())
		Expect(iotest.TestReader(sgl, buf)).To(Succeed())
	})

	It("should properly write to SGL using WriteByte method", func() {
		size := int64(cos.MiB)
		buf, _ := randReader(size)

		sgl := mm.NewSGL(cos.KiB)
		defer sgl.Free()
		for i := range size {
			Expect(sgl.WriteByte(buf[i])).To(Succeed())
		}
		b := sgl.ReadAll()
		Expect(b).To(HaveLen(int(size)))
		Expect(b).To(BeEquivalentTo(buf))
	})

	It("should properly write to SGL using ReadFrom method", func() {
		size := int64(11*cos.MiB + 2*cos.KiB + 123)
		buf, r := randReader(size)

		sgl := mm.NewSGL(0, memsys.MaxPageSlabSize)
		defer sgl.Free()
		n, err := sgl.ReadFrom(r)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(size))
		Expect(sgl.ReadAll()).To(BeEquivalentTo(buf))

		var out bytes.Buffer
		n, err = sgl.WriteTo(&out)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(size))
		Expect(out.Bytes()).To(BeEquivalentTo(buf))
	})

	It("should support independent readers", func() {
		buf, _ := randReader(100*cos.KiB + 3)
		sgl := mm.NewSGL(int64(len(buf)))
		defer sgl.Free()
		sgl.Write(buf)

		r1, r2 := memsys.NewReader(sgl), memsys.NewReader(sgl)
		b1, err := io.ReadAll(r1)
		Expect(err).ToNot(HaveOccurred())
		_, err = r2.Seek(100, io.SeekStart)
		Expect(err).ToNot(HaveOccurred())
		b2, err := io.ReadAll(r2)
		Expect(err).ToNot(HaveOccurred())
		Expect(b1).To(Equal(buf))
		Expect(b2).To(Equal(buf[100:]))
	})

	It("should return buffers to slabs upon Free", func() {
		mm := memsys.NewMMSA("test", cos.MiB)
		sgl := mm.NewSGL(256 * cos.KiB)
		Expect(mm.InUse()).To(BeNumerically(">=", 256*cos.KiB))
		sgl.Free()
		Expect(mm.InUse()).To(BeZero())
		Expect(sgl.IsNil()).To(BeTrue())
	})
})
