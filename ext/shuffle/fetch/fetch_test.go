// Package fetch_test: ginkgo suite
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package fetch_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/aishuffle/cmn"
	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/cmn/kvdb"
	"github.com/NVIDIA/aishuffle/core"
	"github.com/NVIDIA/aishuffle/ext/shuffle/fetch"
	"github.com/NVIDIA/aishuffle/ext/shuffle/serve"
	"github.com/NVIDIA/aishuffle/ext/shuffle/sorter"
	"github.com/NVIDIA/aishuffle/ext/shuffle/wire"
	"github.com/NVIDIA/aishuffle/tools/trand"

	"github.com/cespare/xxhash/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const numParts = 3

type (
	// serves published outputs; the first N requests misbehave as configured
	server struct {
		*httptest.Server
		reg          *sorter.Registry
		secret       []byte
		closeReqs    []bool
		stall        time.Duration
		hits         atomic.Int32
		stallFirst   int32
		failFirst    int32
		corruptFirst int32
		noKeepAlive  bool
		mu           sync.Mutex
	}

	reporter struct {
		errs []error
		mos  []core.MapOutput
		mu   sync.Mutex
	}

	// must not be called
	nopClient struct {
		calls atomic.Int32
	}
)

func (srv *server) host() string { return strings.TrimPrefix(srv.URL, "http://") }

func (srv *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer GinkgoRecover()
	n := srv.hits.Add(1)
	srv.mu.Lock()
	srv.closeReqs = append(srv.closeReqs, r.Close)
	srv.mu.Unlock()
	if n <= srv.failFirst {
		http.Error(w, "injected failure", http.StatusInternalServerError)
		return
	}
	if n <= srv.stallFirst {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-time.After(srv.stall):
		case <-r.Context().Done():
		}
		return
	}
	if n <= srv.corruptFirst {
		attempt, from, to, err := wire.ParseRequest(r.URL.Query())
		Expect(err).NotTo(HaveOccurred())
		od, err := srv.reg.Lookup(attempt)
		Expect(err).NotTo(HaveOccurred())
		writeCorrupted(w, od, from, to)
		return
	}
	serve.NewHandler(srv.reg, srv.secret, !srv.noKeepAlive).ServeHTTP(w, r)
}

// valid frames (the frame checksum matches) carrying a damaged IFile stream
func writeCorrupted(w io.Writer, od *core.OutputDescriptor, from, to int) {
	var buf [wire.HdrLen]byte
	for p := from; p < to; p++ {
		rc, e, _, err := sorter.OpenPartition(od, p)
		Expect(err).NotTo(HaveOccurred())
		b, err := io.ReadAll(rc)
		rc.Close()
		Expect(err).NotTo(HaveOccurred())
		if len(b) > 8 {
			b[len(b)/2] ^= 0xff
		}
		hdr := wire.FrameHdr{Partition: p, CompressedLength: e.CompressedLength, RawLength: e.RawLength,
			Checksum: xxhash.Sum64(b)}
		w.Write(hdr.Pack(buf[:]))
		w.Write(b)
	}
}

func (r *reporter) ReportReadError(mo *core.MapOutput, err error) {
	r.mu.Lock()
	r.mos = append(r.mos, *mo)
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (c *nopClient) Do(context.Context, *fetch.Request) (*fetch.Response, error) {
	c.calls.Add(1)
	return nil, errors.New("unexpected remote fetch")
}

var _ = Describe("Scheduler", func() {
	var (
		conf  *cmn.Config
		strat *core.Strategies
		reg   *sorter.Registry
		db    kvdb.Driver
		total int64
	)

	BeforeEach(func() {
		var err error
		conf = cmn.DefaultConfig()
		conf.LocalDirs = []string{GinkgoT().TempDir()}
		conf.Strategy = cmn.StrategyConf{Partitioner: core.PartMurmur3, Comparator: core.CmpBytes, NumPartitions: numParts}
		conf.Shuffle.ReadTimeout = cos.Duration(5 * time.Second)
		conf.Shuffle.BackoffInitial = cos.Duration(10 * time.Millisecond)
		conf.Shuffle.BackoffMax = cos.Duration(50 * time.Millisecond)
		strat, err = core.NewStrategies(&conf.Strategy)
		Expect(err).NotTo(HaveOccurred())
		db, err = kvdb.NewBuntDB(":memory:")
		Expect(err).NotTo(HaveOccurred())
		reg = sorter.NewRegistry(db)
		total = 0
	})

	AfterEach(func() {
		db.Close()
	})

	// runs a producer attempt and publishes its output
	produce := func(n int) string {
		a, err := core.NewAttempt(context.Background(), "", conf, nil)
		Expect(err).NotTo(HaveOccurred())
		s, err := sorter.NewSorter(&sorter.Args{Attempt: a, Strategies: strat, Registry: reg})
		Expect(err).NotTo(HaveOccurred())
		keys, values := trand.Records(n, 10, 40)
		for i := range keys {
			Expect(s.Insert(keys[i], values[i])).To(Succeed())
		}
		_, err = s.Flush()
		Expect(err).NotTo(HaveOccurred())
		total += int64(n)
		return a.ID
	}

	newServer := func() *server {
		srv := &server{reg: reg, stall: time.Second}
		srv.Server = httptest.NewServer(srv)
		DeferCleanup(srv.Close)
		return srv
	}

	newScheduler := func(args *fetch.Args) (*core.Attempt, *fetch.Scheduler) {
		a, err := core.NewAttempt(context.Background(), "", conf, nil)
		Expect(err).NotTo(HaveOccurred())
		args.Attempt, args.Strategies = a, strat
		if args.MemoryGrant == 0 {
			args.MemoryGrant = 64 * cos.MiB
		}
		sched, err := fetch.NewScheduler(args)
		Expect(err).NotTo(HaveOccurred())
		return a, sched
	}

	// reads back all partitions: sorted, correctly partitioned
	verify := func(res *fetch.Result) (n int64) {
		defer res.Close()
		Expect(res.Partitions()).To(HaveLen(numParts))
		for _, p := range res.Partitions() {
			gi, err := res.Partition(context.Background(), p)
			Expect(err).NotTo(HaveOccurred())
			var prev []byte
			for gi.NextKey() {
				key := bytes.Clone(gi.Key())
				Expect(prev == nil || bytes.Compare(prev, key) < 0).To(BeTrue())
				prev = key
				for gi.NextValue() {
					part, err := strat.Partition(gi.RecordKey(), gi.Value())
					Expect(err).NotTo(HaveOccurred())
					Expect(part).To(Equal(p))
					n++
				}
			}
			Expect(gi.Err()).NotTo(HaveOccurred())
			Expect(gi.Close()).To(Succeed())
		}
		return n
	}

	It("should fetch from two hosts and retry a host that times out", func() {
		conf.Shuffle.ReadTimeout = cos.Duration(200 * time.Millisecond)
		srvA, srvB := newServer(), newServer()
		srvA.stallFirst = 2
		locator := core.StaticLocator{
			{ID: produce(400), Hosts: []string{srvA.host()}},
			{ID: produce(300), Hosts: []string{srvB.host()}},
		}
		a, sched := newScheduler(&fetch.Args{Locator: locator})
		res, err := sched.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(verify(res)).To(Equal(total))

		st := sched.Stats()
		Expect(st.Retries[srvA.host()]).To(BeEquivalentTo(2))
		Expect(st.Retries[srvB.host()]).To(BeZero())
		Expect(st.States[fetch.TaskSucceeded]).To(Equal(2))
		Expect(st.Bytes).To(BeNumerically(">", 0))
		Expect(a.Complete()).To(Succeed())
	})

	DescribeTable("failure limit",
		func(failures int32, fatal bool) {
			conf.Shuffle.FetchFailuresLimit = 3
			srv := newServer()
			srv.failFirst = failures
			locator := core.StaticLocator{{ID: produce(100), Hosts: []string{srv.host()}}}
			a, sched := newScheduler(&fetch.Args{Locator: locator})
			res, err := sched.Run(context.Background())
			if fatal {
				Expect(err).To(HaveOccurred())
				Expect(core.IsTaskFatal(err)).To(BeTrue())
				Expect(sched.Stats().States[fetch.TaskFailedFatal]).To(Equal(1))
				Expect(srv.hits.Load()).To(BeEquivalentTo(3))
				Expect(a.Abort(err)).To(Succeed())
				return
			}
			Expect(err).NotTo(HaveOccurred())
			Expect(verify(res)).To(Equal(total))
			Expect(sched.Stats().Failures[srv.host()]).To(BeEquivalentTo(failures))
			Expect(a.Complete()).To(Succeed())
		},
		Entry("one below the limit", int32(2), false),
		Entry("at the limit", int32(3), true),
	)

	It("should rotate replicas", func() {
		bad, good := newServer(), newServer()
		bad.failFirst = 100
		locator := core.StaticLocator{{ID: produce(200), Hosts: []string{bad.host(), good.host()}}}
		a, sched := newScheduler(&fetch.Args{Locator: locator})
		res, err := sched.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(verify(res)).To(Equal(total))
		Expect(bad.hits.Load()).To(BeEquivalentTo(1))
		Expect(a.Complete()).To(Succeed())
	})

	It("should land large segments on disk", func() {
		srv := newServer()
		var locator core.StaticLocator
		for range 4 {
			locator = append(locator, core.SourceAttempt{ID: produce(300), Hosts: []string{srv.host()}})
		}
		// max single in-memory segment: 16KiB * 0.9 * 0.25
		a, sched := newScheduler(&fetch.Args{Locator: locator, MemoryGrant: 16 * cos.KiB})
		res, err := sched.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(sched.Stats().Merge.LandedDisk).To(BeNumerically(">", 0))
		Expect(verify(res)).To(Equal(total))
		Expect(sched.Manager().MemUsed()).To(BeZero())
		Expect(a.Complete()).To(Succeed())
		fqns, err := a.Dirs.ListAttempt(a.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(fqns).To(BeEmpty())
	})

	It("should merge in-memory segments to disk upon crossing the threshold", func() {
		conf.Shuffle.ParallelCopies = 2
		conf.Shuffle.InputBufferPercent = 1
		srv := newServer()
		var (
			locator core.StaticLocator
			maxRaw  int64
		)
		for range 8 {
			id := produce(200)
			od, err := reg.Lookup(id)
			Expect(err).NotTo(HaveOccurred())
			for _, e := range od.Index {
				maxRaw = max(maxRaw, e.RawLength)
			}
			locator = append(locator, core.SourceAttempt{ID: id, Hosts: []string{srv.host()}})
		}
		a, sched := newScheduler(&fetch.Args{Locator: locator, MemoryGrant: 5 * maxRaw})
		res, err := sched.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		st := sched.Stats().Merge
		Expect(st.LandedDisk).To(BeZero())
		Expect(st.MemToDisk).To(BeNumerically(">=", 1))
		Expect(verify(res)).To(Equal(total))
		Expect(a.Complete()).To(Succeed())
	})

	It("should merge resident segments in memory", func() {
		conf.Shuffle.ParallelCopies = 1
		conf.Shuffle.MemToMem = true
		conf.Shuffle.MemToMemSegments = 3
		srv := newServer()
		var locator core.StaticLocator
		for range 6 {
			locator = append(locator, core.SourceAttempt{ID: produce(100), Hosts: []string{srv.host()}})
		}
		a, sched := newScheduler(&fetch.Args{Locator: locator})
		res, err := sched.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(sched.Stats().Merge.MemToMem).To(BeNumerically(">=", 1))
		Expect(verify(res)).To(Equal(total))
		Expect(a.Complete()).To(Succeed())
	})

	It("should merge resident segments to disk when the merged output does not fit", func() {
		var err error
		conf.Strategy.NumPartitions = 1
		strat, err = core.NewStrategies(&conf.Strategy)
		Expect(err).NotTo(HaveOccurred())
		conf.Shuffle.ParallelCopies = 1
		conf.Shuffle.MemToMem = true
		conf.Shuffle.MemToMemSegments = 2
		conf.Shuffle.InputBufferPercent = 1
		conf.Shuffle.MemoryLimitPercent = 0.5
		conf.Shuffle.MergePercent = 0.9

		srv := newServer()
		var (
			locator core.StaticLocator
			raw     int64
		)
		for range 4 {
			id := produce(100) // same-size records: same-size segments
			od, err := reg.Lookup(id)
			Expect(err).NotTo(HaveOccurred())
			raw = od.Index[0].RawLength
			locator = append(locator, core.SourceAttempt{ID: id, Hosts: []string{srv.host()}})
		}
		// two resident segments plus their merged output exceed the limit,
		// while staying under the merge threshold
		a, sched := newScheduler(&fetch.Args{Locator: locator, MemoryGrant: raw * 7 / 2})
		res, err := sched.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		st := sched.Stats().Merge
		Expect(st.LandedDisk).To(BeZero())
		Expect(st.MemToMem).To(BeZero())
		Expect(st.MemToDisk).To(BeNumerically(">=", 1))

		Expect(res.Partitions()).To(Equal([]int{0}))
		gi, err := res.Partition(context.Background(), 0)
		Expect(err).NotTo(HaveOccurred())
		var n int64
		for gi.NextKey() {
			for gi.NextValue() {
				n++
			}
		}
		Expect(gi.Err()).NotTo(HaveOccurred())
		Expect(gi.Close()).To(Succeed())
		Expect(n).To(Equal(total))
		res.Close()
		Expect(sched.Manager().MemUsed()).To(BeZero())
		Expect(a.Complete()).To(Succeed())
	})

	It("should re-fetch a corrupted segment and report the read error", func() {
		srv := newServer()
		srv.corruptFirst = 1
		rep := &reporter{}
		id := produce(300)
		a, sched := newScheduler(&fetch.Args{
			Locator:  core.StaticLocator{{ID: id, Hosts: []string{srv.host()}}},
			Reporter: rep,
		})
		res, err := sched.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(verify(res)).To(Equal(total))
		Expect(rep.mos).To(HaveLen(1))
		Expect(rep.mos[0].SourceAttempt).To(Equal(id))
		Expect(rep.mos[0].Partition).To(Equal(0))
		Expect(core.IsCorrupt(rep.errs[0])).To(BeTrue())
		Expect(a.Complete()).To(Succeed())
	})

	It("should report a landed run found corrupted by the consumer", func() {
		srv := newServer()
		rep := &reporter{}
		id := produce(1000)
		a, sched := newScheduler(&fetch.Args{
			Locator:     core.StaticLocator{{ID: id, Hosts: []string{srv.host()}}},
			Reporter:    rep,
			MemoryGrant: 16 * cos.KiB,
		})
		res, err := sched.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		defer res.Close()
		Expect(rep.mos).To(BeEmpty())

		// damage the on-disk run of partition 0
		fqns, err := a.Dirs.ListAttempt(a.ID)
		Expect(err).NotTo(HaveOccurred())
		var fqn string
		for _, f := range fqns {
			if strings.HasPrefix(filepath.Base(f), "fetched_"+id+"_0_") {
				fqn = f
			}
		}
		Expect(fqn).NotTo(BeEmpty())
		b, err := os.ReadFile(fqn)
		Expect(err).NotTo(HaveOccurred())
		b[len(b)/2] ^= 0xff
		Expect(os.WriteFile(fqn, b, cos.PermRWR)).To(Succeed())

		gi, err := res.Partition(context.Background(), 0)
		if err == nil {
			for gi.NextKey() {
				for gi.NextValue() {
				}
			}
			err = gi.Err()
			gi.Close()
		}
		Expect(core.IsCorrupt(err)).To(BeTrue())
		Expect(rep.mos).To(HaveLen(1))
		Expect(rep.mos[0].SourceAttempt).To(Equal(id))
		Expect(rep.mos[0].Partition).To(Equal(0))
		Expect(rep.mos[0].Host).To(Equal(srv.host()))
		Expect(core.IsCorrupt(rep.errs[0])).To(BeTrue())
		Expect(a.Abort(err)).To(Succeed())
	})

	It("should fetch via fasthttp", func() {
		conf.Shuffle.Client = cmn.ClientFastHTTP
		srv := newServer()
		locator := core.StaticLocator{
			{ID: produce(250), Hosts: []string{srv.host()}},
			{ID: produce(250), Hosts: []string{srv.host()}},
		}
		a, sched := newScheduler(&fetch.Args{Locator: locator})
		res, err := sched.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(verify(res)).To(Equal(total))
		Expect(a.Complete()).To(Succeed())
	})

	It("should authenticate with a signed token", func() {
		secret := []byte("shuffle-secret")
		path := filepath.Join(GinkgoT().TempDir(), "credentials")
		Expect(os.WriteFile(path, append(secret, '\n'), cos.PermRWR)).To(Succeed())
		conf.CredentialsPath = path
		conf.Shuffle.FetchFailuresLimit = 2

		srv := newServer()
		srv.secret = secret
		locator := core.StaticLocator{{ID: produce(100), Hosts: []string{srv.host()}}}
		a, sched := newScheduler(&fetch.Args{Locator: locator})
		res, err := sched.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(verify(res)).To(Equal(total))
		Expect(a.Complete()).To(Succeed())

		srv.secret = []byte("another-secret")
		a, sched = newScheduler(&fetch.Args{Locator: locator})
		_, err = sched.Run(context.Background())
		Expect(core.IsTaskFatal(err)).To(BeTrue())
		Expect(a.Abort(err)).To(Succeed())
	})

	It("should not reuse connections the server asked to close", func() {
		conf.Shuffle.ParallelCopies = 1
		conf.Shuffle.KeepAlive = true
		srv := newServer()
		srv.noKeepAlive = true
		locator := core.StaticLocator{
			{ID: produce(50), Hosts: []string{srv.host()}},
			{ID: produce(50), Hosts: []string{srv.host()}},
		}
		a, sched := newScheduler(&fetch.Args{Locator: locator})
		res, err := sched.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(verify(res)).To(Equal(total))
		Expect(srv.closeReqs).To(Equal([]bool{false, true}))
		Expect(a.Complete()).To(Succeed())
	})

	It("should read same-host outputs directly", func() {
		conf.Shuffle.LocalHost = "local"
		client := &nopClient{}
		locator := core.StaticLocator{
			{ID: produce(150), Hosts: []string{"local"}},
			{ID: produce(150), Hosts: []string{"local"}},
		}
		a, sched := newScheduler(&fetch.Args{Locator: locator, Registry: reg, Client: client})
		res, err := sched.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(verify(res)).To(Equal(total))
		Expect(client.calls.Load()).To(BeZero())
		Expect(a.Complete()).To(Succeed())
	})

	It("should fetch a partition sub-range", func() {
		srv := newServer()
		id := produce(300)
		od, err := reg.Lookup(id)
		Expect(err).NotTo(HaveOccurred())
		a, sched := newScheduler(&fetch.Args{
			Locator: core.StaticLocator{{ID: id, Hosts: []string{srv.host()}}},
			From:    1,
			To:      3,
		})
		res, err := sched.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Partitions()).To(Equal([]int{1, 2}))
		gi, err := res.Partition(context.Background(), 2)
		Expect(err).NotTo(HaveOccurred())
		var n int64
		for gi.NextKey() {
			for gi.NextValue() {
				n++
			}
		}
		Expect(gi.Close()).To(Succeed())
		Expect(n).To(Equal(od.Index[2].NumRecords))
		_, err = res.Partition(context.Background(), 2)
		Expect(err).To(HaveOccurred())
		res.Close()
		Expect(a.Complete()).To(Succeed())
	})

	DescribeTable("abort of in-flight fetches",
		func(client string) {
			conf.Shuffle.Client = client
			srv := newServer()
			srv.stallFirst = 100
			srv.stall = 3 * time.Second
			locator := core.StaticLocator{{ID: produce(100), Hosts: []string{srv.host()}}}
			a, sched := newScheduler(&fetch.Args{Locator: locator})
			time.AfterFunc(100*time.Millisecond, func() { sched.Abort(errors.New("test abort")) })
			started := time.Now()
			_, err := sched.Run(context.Background())
			Expect(err).To(HaveOccurred())
			Expect(cmn.IsErrAborted(err)).To(BeTrue())
			// the body read is blocked on the stalled stream when the abort comes
			Expect(time.Since(started)).To(BeNumerically("<", time.Second))
			Expect(a.Abort(err)).To(Succeed())
		},
		Entry("net/http", cmn.ClientNetHTTP),
		Entry("fasthttp", cmn.ClientFastHTTP),
	)

	It("should reject an invalid partition range", func() {
		a, err := core.NewAttempt(context.Background(), "", conf, nil)
		Expect(err).NotTo(HaveOccurred())
		_, err = fetch.NewScheduler(&fetch.Args{Attempt: a, Strategies: strat, Locator: core.StaticLocator{},
			MemoryGrant: cos.MiB, From: 2, To: 2})
		Expect(err).To(HaveOccurred())
		_, err = fetch.NewScheduler(&fetch.Args{Attempt: a, Strategies: strat, Locator: core.StaticLocator{},
			MemoryGrant: cos.MiB, To: numParts + 1})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("TaskState", func() {
	It("should print", func() {
		Expect(fetch.TaskInFlight.String()).To(Equal("in-flight"))
		Expect(fetch.TaskFailedFatal.String()).To(Equal("failed-fatal"))
		Expect(fetch.TaskState(42).String()).To(Equal("unknown(42)"))
	})
})
