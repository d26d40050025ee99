// Package serve_test: ginkgo suite
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package serve_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"

	"github.com/NVIDIA/aishuffle/cmn"
	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/cmn/kvdb"
	"github.com/NVIDIA/aishuffle/core"
	"github.com/NVIDIA/aishuffle/ext/shuffle/fetch"
	"github.com/NVIDIA/aishuffle/ext/shuffle/ifile"
	"github.com/NVIDIA/aishuffle/ext/shuffle/serve"
	"github.com/NVIDIA/aishuffle/ext/shuffle/sorter"
	"github.com/NVIDIA/aishuffle/ext/shuffle/wire"
	"github.com/NVIDIA/aishuffle/tools/trand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Handler", func() {
	var (
		reg *sorter.Registry
		od  *core.OutputDescriptor
	)

	BeforeEach(func() {
		conf := cmn.DefaultConfig()
		conf.LocalDirs = []string{GinkgoT().TempDir()}
		conf.IFile.Codec = cmn.CodecLZ4
		conf.Strategy = cmn.StrategyConf{Partitioner: core.PartHash, Comparator: core.CmpBytes, NumPartitions: 4}
		db, err := kvdb.NewBuntDB(":memory:")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(db.Close)
		reg = sorter.NewRegistry(db)

		a, err := core.NewAttempt(context.Background(), "", conf, nil)
		Expect(err).NotTo(HaveOccurred())
		strat, err := core.NewStrategies(&conf.Strategy)
		Expect(err).NotTo(HaveOccurred())
		s, err := sorter.NewSorter(&sorter.Args{Attempt: a, Strategies: strat, Registry: reg})
		Expect(err).NotTo(HaveOccurred())
		keys, values := trand.Records(400, 8, 24)
		for i := range keys {
			Expect(s.Insert(keys[i], values[i])).To(Succeed())
		}
		od, err = s.Flush()
		Expect(err).NotTo(HaveOccurred())
	})

	get := func(h http.Handler, url string, hdr http.Header) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, url, http.NoBody)
		for k, v := range hdr {
			req.Header[k] = v
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	It("should stream the requested partitions", func() {
		h := serve.NewHandler(reg, nil, true)
		rec := get(h.Mux(), wire.RequestURL("http", "example.com", od.Attempt, 1, 4), nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Header().Get(wire.HdrKeepAlive)).To(BeEmpty())

		fr := wire.NewFrameReader(rec.Body, core.ErrCtx{})
		opts := &ifile.Opts{Codec: od.Codec, Checksum: od.Checksum}
		var nrec int64
		for p := 1; ; p++ {
			hdr, body, err := fr.Next()
			if err == io.EOF {
				Expect(p).To(Equal(4))
				break
			}
			Expect(err).NotTo(HaveOccurred())
			Expect(hdr.Partition).To(Equal(p))
			n, err := ifile.Verify(body, hdr.CompressedLength, opts, core.ErrCtx{Partition: p})
			Expect(err).NotTo(HaveOccurred())
			nrec += n
		}
		Expect(nrec).To(Equal(od.NumRecords() - od.Index[0].NumRecords))
	})

	It("should ask clients not to reuse connections", func() {
		rec := get(serve.NewHandler(reg, nil, false), wire.RequestURL("http", "h", od.Attempt, 0, 1), nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Header().Get(wire.HdrKeepAlive)).To(Equal("false"))
	})

	DescribeTable("bad requests",
		func(url string, status int) {
			rec := get(serve.NewHandler(reg, nil, true), strings.ReplaceAll(url, "ATTEMPT", od.Attempt), nil)
			Expect(rec.Code).To(Equal(status))
		},
		Entry("unknown attempt", "/v1/shuffle?attempt=nope&from=0&to=1", http.StatusNotFound),
		Entry("missing attempt", "/v1/shuffle?from=0&to=1", http.StatusBadRequest),
		Entry("empty range", "/v1/shuffle?attempt=ATTEMPT&from=2&to=2", http.StatusBadRequest),
		Entry("out of bounds", "/v1/shuffle?attempt=ATTEMPT&from=0&to=5", http.StatusBadRequest),
	)

	It("should require a valid token", func() {
		var (
			secret = []byte("s3cret")
			path   = filepath.Join(GinkgoT().TempDir(), "creds")
			url    = wire.RequestURL("http", "h", od.Attempt, 0, 1)
			h      = serve.NewHandler(reg, secret, true)
		)
		Expect(os.WriteFile(path, secret, cos.PermRWR)).To(Succeed())
		token, err := fetch.NewToken(path, "consumer")
		Expect(err).NotTo(HaveOccurred())

		Expect(get(h, url, nil).Code).To(Equal(http.StatusUnauthorized))
		Expect(get(h, url, http.Header{wire.HdrAuthorization: {"Bearer garbage"}}).Code).To(Equal(http.StatusUnauthorized))
		Expect(get(h, url, http.Header{wire.HdrAuthorization: {"Bearer " + token}}).Code).To(Equal(http.StatusOK))
	})
})
