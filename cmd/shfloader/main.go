// Package main is shfloader: an end-to-end load generator for the shuffle engine. It runs
// producer attempts that sort and spill random records, serves their outputs over HTTP,
// and runs a consumer attempt that fetches, merges, and verifies every partition.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NVIDIA/aishuffle/cmn"
	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/cmn/kvdb"
	"github.com/NVIDIA/aishuffle/cmn/mono"
	"github.com/NVIDIA/aishuffle/cmn/nlog"
	"github.com/NVIDIA/aishuffle/core"
	"github.com/NVIDIA/aishuffle/ext/shuffle/fetch"
	"github.com/NVIDIA/aishuffle/ext/shuffle/serve"
	"github.com/NVIDIA/aishuffle/ext/shuffle/sorter"
	"github.com/NVIDIA/aishuffle/memsys"
	"github.com/NVIDIA/aishuffle/stats"
	"github.com/NVIDIA/aishuffle/tools/trand"
	"github.com/NVIDIA/aishuffle/tracing"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const version = "1.0"

const (
	sortName    = "sort"
	shuffleName = "shuffle"
)

var flags struct {
	config     string
	dir        string
	combiner   string
	codec      string
	client     string
	records    int
	producers  int
	partitions int
	keySize    int
	valSize    int
	local      bool
	help       bool
}

const helpMsg = `Examples:
	shfloader -h                                         - show usage
	shfloader -records=1000000 -producers=8              - 8 producers, 1M records each
	shfloader -config=/etc/shuffle.yaml -partitions=16   - load configuration, override partitions
	shfloader -local -codec=zstd                         - same-host (registry) fetch, zstd-compressed IFiles
	shfloader -client=fasthttp -combiner=first           - fasthttp transport, keep the first value per key
`

type summary struct {
	Producers   int                `json:"producers"`
	Records     int64              `json:"records"`
	Verified    int64              `json:"verified"`
	Spills      int                `json:"spills"`
	ProduceTime string             `json:"produce_time"`
	ConsumeTime string             `json:"consume_time"`
	Fetch       *fetch.FetchStats  `json:"fetch"`
	Metrics     map[string]float64 `json:"metrics"`
}

func main() {
	newFlag := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	newFlag.StringVar(&flags.config, "config", "", "configuration file (JSON or YAML)")
	newFlag.StringVar(&flags.dir, "dir", "", "local directory (overrides local_dirs)")
	newFlag.StringVar(&flags.combiner, "combiner", "", "combiner: \"sum-int64\" or \"first\" (default: none)")
	newFlag.StringVar(&flags.codec, "codec", "", "IFile codec (overrides ifile.codec)")
	newFlag.StringVar(&flags.client, "client", "", "\"net/http\" or \"fasthttp\" (overrides shuffle.client)")
	newFlag.IntVar(&flags.records, "records", 100000, "records per producer")
	newFlag.IntVar(&flags.producers, "producers", 4, "number of producer attempts")
	newFlag.IntVar(&flags.partitions, "partitions", 0, "number of partitions (overrides strategy.num_partitions)")
	newFlag.IntVar(&flags.keySize, "keysize", 16, "key size (bytes)")
	newFlag.IntVar(&flags.valSize, "valsize", 100, "value size (bytes)")
	newFlag.BoolVar(&flags.local, "local", false, "read producer outputs via the local registry instead of HTTP")
	newFlag.BoolVar(&flags.help, "h", false, "print usage and exit")
	newFlag.Parse(os.Args[1:])

	if flags.help {
		fmt.Print(helpMsg)
		newFlag.PrintDefaults()
		os.Exit(0)
	}
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		nlog.Flush()
		os.Exit(1)
	}
	nlog.Flush()
}

func loadConfig() (conf *cmn.Config, err error) {
	if flags.config != "" {
		if conf, err = cmn.LoadConfig(flags.config); err != nil {
			return nil, err
		}
	} else {
		conf = cmn.DefaultConfig()
	}
	if flags.dir != "" {
		conf.LocalDirs = []string{flags.dir}
	}
	if flags.codec != "" {
		conf.IFile.Codec = flags.codec
	}
	if flags.client != "" {
		conf.Shuffle.Client = flags.client
	}
	if flags.partitions > 0 {
		conf.Strategy.NumPartitions = flags.partitions
	}
	if flags.combiner != "" {
		conf.Strategy.Combiner = flags.combiner
	}
	if conf.Strategy.NumPartitions == 1 && flags.partitions == 0 {
		conf.Strategy.NumPartitions = 8
	}
	if flags.local {
		conf.Shuffle.LocalHost = "localhost"
	}
	return conf, conf.Validate()
}

func run() error {
	if flags.producers < 1 || flags.records < 0 || flags.keySize < 1 {
		return errors.New("invalid -producers, -records, or -keysize")
	}
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	if conf.Log.Dir != "" {
		if err := nlog.SetLogDir(conf.Log.Dir, conf.Log.ToStderr); err != nil {
			return err
		}
	}
	nlog.SetVerbosity(conf.Log.Level)
	if err := tracing.Init(&conf.Tracing, version); err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.Shutdown(ctx); err != nil {
			nlog.Errorln("tracing shutdown:", err)
		}
		cancel()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	strat, err := core.NewStrategies(&conf.Strategy)
	if err != nil {
		return err
	}
	runID := cmn.GenUUID()
	tracker := stats.NewTracker(prometheus.Labels{"run": runID})

	// memory: producers' sort buffers and the consumer's shuffle input
	dist, err := memsys.NewDistributor(&conf.Memory, memsys.PageMM())
	if err != nil {
		return err
	}
	dist.Request(cmn.RoleSortedOutput, sortName, int64(flags.producers)*int64(conf.Sort.BufferSize))
	dist.Request(cmn.RoleSortedMergedInput, shuffleName, int64(conf.Sort.BufferSize))
	if _, err := dist.Distribute(); err != nil {
		return err
	}

	db, err := kvdb.NewBuntDB(":memory:")
	if err != nil {
		return err
	}
	defer db.Close()
	reg := sorter.NewRegistry(db)

	// producers
	started := mono.NanoTime()
	producers, err := produce(ctx, conf, strat, reg, tracker, dist.Grant(sortName)/int64(flags.producers))
	if err != nil {
		return err
	}
	defer func() {
		for _, a := range producers {
			if err := a.Complete(); err != nil {
				nlog.Errorln(err)
			}
			if err := a.Dirs.RemoveAttempt(a.ID); err != nil {
				nlog.Errorln(err)
			}
		}
	}()
	sum := &summary{Producers: flags.producers, ProduceTime: mono.Since(started).String()}

	// serve
	host := conf.Shuffle.LocalHost
	if !flags.local {
		var secret []byte
		if conf.CredentialsPath != "" {
			if secret, err = os.ReadFile(conf.CredentialsPath); err != nil {
				return err
			}
			secret = bytes.TrimSpace(secret)
		}
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return err
		}
		mux := serve.NewHandler(reg, secret, conf.Shuffle.KeepAlive).Mux()
		mux.Handle("/metrics", tracker.Handler())
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				nlog.Errorln(err)
			}
		}()
		defer srv.Close()
		host = ln.Addr().String()
		nlog.Infof("serving %d output%s at %s", len(producers), cos.Plural(len(producers)), host)
	}

	// consumer
	started = mono.NanoTime()
	locator := make(core.StaticLocator, 0, len(producers))
	for _, a := range producers {
		locator = append(locator, core.SourceAttempt{ID: a.ID, Hosts: []string{host}})
	}
	a, err := core.NewAttempt(ctx, "", conf, tracker)
	if err != nil {
		return err
	}
	sched, err := fetch.NewScheduler(&fetch.Args{
		Attempt:     a,
		Strategies:  strat,
		Locator:     locator,
		Registry:    reg,
		MemoryGrant: dist.Grant(shuffleName),
	})
	if err != nil {
		return err
	}
	res, err := sched.Run(ctx)
	if err != nil {
		a.Abort(err)
		return err
	}
	if sum.Verified, err = consume(ctx, res, strat); err != nil {
		a.Abort(err)
		return err
	}
	if err := a.Complete(); err != nil {
		return err
	}
	sum.ConsumeTime = mono.Since(started).String()
	sum.Records = int64(flags.producers) * int64(flags.records)
	sum.Fetch = sched.Stats()
	sum.Metrics = tracker.Snapshot()
	sum.Spills = int(sum.Metrics["shuffle_spills_total"])
	if conf.Strategy.Combiner == "" && sum.Verified != sum.Records {
		return fmt.Errorf("verification failed: produced %d records, consumed %d", sum.Records, sum.Verified)
	}

	b, err := jsoniter.MarshalIndent(sum, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func produce(ctx context.Context, conf *cmn.Config, strat *core.Strategies, reg *sorter.Registry,
	tracker *stats.Tracker, capacity int64) ([]*core.Attempt, error) {
	attempts := make([]*core.Attempt, flags.producers)
	for i := range attempts {
		a, err := core.NewAttempt(ctx, "", conf, tracker)
		if err != nil {
			return nil, err
		}
		attempts[i] = a
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range attempts {
		g.Go(func() error {
			s, err := sorter.NewSorter(&sorter.Args{
				Attempt:    a,
				Strategies: strat,
				Registry:   reg,
				Host:       "localhost",
				Capacity:   capacity,
			})
			if err != nil {
				return err
			}
			var (
				key   = make([]byte, flags.keySize)
				value = make([]byte, flags.valSize)
			)
			for i := range flags.records {
				if i%10000 == 0 {
					if err := gctx.Err(); err != nil {
						s.Abort()
						return cmn.NewErrAborted("produce", a.ID, context.Cause(gctx))
					}
				}
				copy(key, trand.Bytes(flags.keySize))
				if conf.Strategy.Combiner == core.CombineSumInt64 {
					value = core.EncodeInt64(1)
				} else {
					copy(value, trand.Bytes(flags.valSize))
				}
				if err := s.Insert(key, value); err != nil {
					s.Abort()
					return err
				}
			}
			od, err := s.Flush()
			if err != nil {
				return err
			}
			nspills := len(s.Spills())
			nlog.Infof("%s: %d records, %d spill%s (codec %s)", a, od.NumRecords(), nspills, cos.Plural(nspills), od.Codec)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, a := range attempts {
			a.Abort(err)
		}
		return nil, err
	}
	return attempts, nil
}

// reads back every partition and checks the ordering
func consume(ctx context.Context, res *fetch.Result, strat *core.Strategies) (n int64, _ error) {
	defer res.Close()
	for _, p := range res.Partitions() {
		gi, err := res.Partition(ctx, p)
		if err != nil {
			return n, err
		}
		var prev []byte
		for gi.NextKey() {
			key := gi.Key()
			if prev != nil && strat.Group(prev, key) >= 0 {
				gi.Close()
				return n, fmt.Errorf("partition %d: keys out of order", p)
			}
			prev = append(prev[:0], key...)
			for gi.NextValue() {
				n++
			}
		}
		err = gi.Err()
		if errC := gi.Close(); err == nil {
			err = errC
		}
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
