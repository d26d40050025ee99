// Package fetch implements the consumer side of the shuffle: a bounded pool of
// copiers pulls partition segments from producer hosts, lands them in memory or
// on local disk under a memory budget, and merges them into sorted partitions.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/aishuffle/cmn"
	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/cmn/nlog"
	"github.com/NVIDIA/aishuffle/core"
	"github.com/NVIDIA/aishuffle/ext/shuffle/sorter"
	"github.com/NVIDIA/aishuffle/ext/shuffle/wire"
	"github.com/NVIDIA/aishuffle/tracing"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

type TaskState int32

// fetch task states
const (
	TaskPending TaskState = iota
	TaskInFlight
	TaskSucceeded
	TaskFailedRetryable
	TaskFailedFatal
)

var errShortStream = errors.New("stream ended before all requested partitions")

type (
	Args struct {
		Attempt    *core.Attempt
		Strategies *core.Strategies
		Locator    core.Locator
		// outputs of producer attempts that ran on this host (shuffle.local_host);
		// optional
		Registry *sorter.Registry
		// optional; default: NewClient(shuffle config)
		Client   Client
		Reporter ReadErrorReporter
		// memory granted to the shuffle (see memsys.Distributor)
		MemoryGrant int64
		// partition range [From, To); To == 0: all partitions
		From, To int
	}

	// FetchStats is a point-in-time snapshot of the scheduler's counters
	FetchStats struct {
		Retries  map[string]int64 // per host
		Failures map[string]int64 // ditto
		States   map[TaskState]int
		Bytes    int64
		Merge    MergeStats
	}

	// one task per source attempt: fetches partitions [next, to) from the current replica
	task struct {
		src      core.SourceAttempt
		hostIdx  int
		next     int
		failures int
		state    atomic.Int32
	}

	Scheduler struct {
		a        *core.Attempt
		s        *core.Strategies
		conf     *cmn.ShuffleConf
		locator  core.Locator
		registry *sorter.Registry
		client   Client
		reporter ReadErrorReporter
		mgr      *MergeManager
		cancel   context.CancelCauseFunc
		token    string
		tasks    []*task
		// per host
		penalties   map[string]*backoff.ExponentialBackOff
		noKeepAlive map[string]bool
		retries     map[string]int64
		failures    map[string]int64
		bytes       atomic.Int64
		mu          sync.Mutex
		from, to    int
	}
)

func (ts TaskState) String() string {
	switch ts {
	case TaskPending:
		return "pending"
	case TaskInFlight:
		return "in-flight"
	case TaskSucceeded:
		return "succeeded"
	case TaskFailedRetryable:
		return "failed-retryable"
	case TaskFailedFatal:
		return "failed-fatal"
	default:
		return fmt.Sprintf("unknown(%d)", int32(ts))
	}
}

func (t *task) host() string          { return t.src.Hosts[t.hostIdx] }
func (t *task) getState() TaskState   { return TaskState(t.state.Load()) }
func (t *task) setState(ts TaskState) { t.state.Store(int32(ts)) }

///////////////
// Scheduler //
///////////////

func NewScheduler(args *Args) (*Scheduler, error) {
	var (
		a    = args.Attempt
		conf = &a.Config.Shuffle
		to   = args.To
	)
	if to == 0 {
		to = args.Strategies.NumPartitions
	}
	if args.From < 0 || args.From >= to || to > args.Strategies.NumPartitions {
		return nil, fmt.Errorf("%s: invalid partition range [%d, %d) of %d", a, args.From, to,
			args.Strategies.NumPartitions)
	}
	mgr, err := NewMergeManager(a, args.Strategies, args.MemoryGrant, args.Reporter)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		a:           a,
		s:           args.Strategies,
		conf:        conf,
		locator:     args.Locator,
		registry:    args.Registry,
		client:      args.Client,
		reporter:    args.Reporter,
		mgr:         mgr,
		from:        args.From,
		to:          to,
		penalties:   make(map[string]*backoff.ExponentialBackOff, 4),
		noKeepAlive: make(map[string]bool, 4),
		retries:     make(map[string]int64, 4),
		failures:    make(map[string]int64, 4),
	}
	if s.client == nil {
		s.client = NewClient(conf)
	}
	if path := a.Config.CredentialsPath; path != "" {
		if s.token, err = NewToken(path, a.ID); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) Manager() *MergeManager { return s.mgr }

// Run fetches all partitions in range from all source attempts and returns the
// merged result; the first fatal error cancels all in-flight fetches
func (s *Scheduler) Run(ctx context.Context) (*Result, error) {
	srcs, err := s.locator.Sources(ctx)
	if err != nil {
		return nil, err
	}
	for _, src := range srcs {
		if len(src.Hosts) == 0 {
			return nil, fmt.Errorf("%s: source attempt %q has no hosts", s.a, src.ID)
		}
		t := &task{src: src, next: s.from}
		s.tasks = append(s.tasks, t)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	if len(s.tasks) > 0 {
		if err := s.runTasks(ctx); err != nil {
			return nil, err
		}
	}
	res, err := s.mgr.Finalize(ctx, s.from, s.to)
	if err != nil {
		return nil, err
	}
	nlog.Infof("%s: fetched %d source%s, %s", s.a, len(s.tasks), cos.Plural(len(s.tasks)),
		cos.ToSizeIEC(s.bytes.Load(), 2))
	return res, nil
}

func (s *Scheduler) runTasks(ctx context.Context) error {
	var (
		queue     = make(chan *task, len(s.tasks)) // each task is queued at most once
		remaining atomic.Int64
		g, gctx   = errgroup.WithContext(ctx)
		workers   = min(max(s.conf.ParallelCopies, 1), len(s.tasks))
	)
	remaining.Store(int64(len(s.tasks)))
	for _, t := range s.tasks {
		queue <- t
	}
	for range workers {
		g.Go(func() error {
			for {
				var t *task
				select {
				case <-gctx.Done():
					return context.Cause(gctx)
				case t = <-queue:
					if t == nil {
						return nil // closed: all done
					}
				}
				t.setState(TaskInFlight)
				err := s.fetch(gctx, t)
				if err == nil {
					t.setState(TaskSucceeded)
					s.rewardHost(t.host())
					if remaining.Add(-1) == 0 {
						close(queue)
					}
					continue
				}
				if err := s.onFailure(gctx, t, err, queue); err != nil {
					return err
				}
			}
		})
	}
	err := g.Wait()
	if err != nil && !core.IsTaskFatal(err) && !cmn.IsErrAborted(err) {
		err = cmn.NewErrAborted("fetch", s.a.ID, err)
	}
	return err
}

// counts the failure against the task and schedules a retry (next replica,
// after the host's penalty), or returns the error that fails the task
func (s *Scheduler) onFailure(ctx context.Context, t *task, err error, queue chan *task) error {
	host := t.host()
	if core.IsTaskFatal(err) || cmn.IsErrAborted(err) || ctx.Err() != nil {
		t.setState(TaskFailedFatal)
		return err
	}
	t.failures++
	s.a.Stats.IncFetchFailure(host)
	s.mu.Lock()
	s.failures[host]++
	s.mu.Unlock()

	if core.IsCorrupt(err) && !core.IsRetryable(err) && s.conf.NotifyReadError && s.reporter != nil {
		s.reporter.ReportReadError(&core.MapOutput{Host: host, SourceAttempt: t.src.ID, Partition: t.next}, err)
	}
	if t.failures >= s.conf.FetchFailuresLimit {
		t.setState(TaskFailedFatal)
		return core.NewErrFetchFatal(err, t.failures, core.ErrCtx{Host: host, Attempt: t.src.ID, Partition: t.next})
	}

	t.setState(TaskFailedRetryable)
	s.a.Stats.IncFetchRetry(host)
	delay := s.penalizeHost(host)
	t.hostIdx = (t.hostIdx + 1) % len(t.src.Hosts)
	nlog.Warningf("%s: fetch %s from %s failed (%s, %d/%d), retrying %s in %v: %v", s.a, t.src.ID, host,
		failureKind(err), t.failures, s.conf.FetchFailuresLimit, t.host(), delay, err)
	time.AfterFunc(delay, func() {
		t.setState(TaskPending)
		queue <- t
	})
	return nil
}

func failureKind(err error) string {
	switch {
	case cos.IsErrTimeout(err):
		return "timeout"
	case cos.IsRetriableConnErr(err):
		return "connection"
	case core.IsRetryable(err):
		return "transient"
	case core.IsCorrupt(err):
		return "corrupted"
	default:
		return "error"
	}
}

func (s *Scheduler) penalizeHost(host string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries[host]++
	b, ok := s.penalties[host]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = s.conf.BackoffInitial.D()
		b.MaxInterval = s.conf.BackoffMax.D()
		b.Reset()
		s.penalties[host] = b
	}
	return b.NextBackOff()
}

func (s *Scheduler) rewardHost(host string) {
	s.mu.Lock()
	if b, ok := s.penalties[host]; ok {
		b.Reset()
	}
	s.mu.Unlock()
}

func (s *Scheduler) fetch(ctx context.Context, t *task) (err error) {
	host := t.host()
	ctx, span := tracing.Start(ctx, "fetch.task", attribute.String("host", host),
		attribute.String("source", t.src.ID), attribute.Int("from", t.next))
	defer func() { tracing.EndSpan(span, err) }()

	if host == s.conf.LocalHost && s.registry != nil {
		return s.fetchLocal(ctx, t)
	}
	return s.fetchRemote(ctx, t)
}

// same-host outputs are read directly from the producer's final output file
func (s *Scheduler) fetchLocal(ctx context.Context, t *task) error {
	opts := s.mgr.Opts()
	for t.next < s.to {
		rc, e, srcOpts, err := s.registry.Open(t.src.ID, t.next)
		if err != nil {
			return core.NewErrTransient(err, core.ErrCtx{Host: t.host(), Attempt: t.src.ID, Partition: t.next})
		}
		if srcOpts.Codec != opts.Codec || srcOpts.Checksum != opts.Checksum {
			rc.Close()
			return core.NewErrTaskFatal("local fetch", fmt.Errorf("source %s is %s/%s, expecting %s/%s", t.src.ID,
				srcOpts.Codec, srcOpts.Checksum, opts.Codec, opts.Checksum), s.a.ErrCtx(t.next))
		}
		mo := &core.MapOutput{
			Host:             t.host(),
			SourceAttempt:    t.src.ID,
			Partition:        t.next,
			CompressedLength: e.CompressedLength,
			RawLength:        e.RawLength,
		}
		err = s.mgr.Land(ctx, mo, rc)
		rc.Close()
		if err != nil {
			return err
		}
		t.next++
	}
	return nil
}

func (s *Scheduler) fetchRemote(ctx context.Context, t *task) error {
	var (
		host = t.host()
		ectx = core.ErrCtx{Host: host, Attempt: t.src.ID, Partition: -1}
		req  = &Request{URL: wire.RequestURL(scheme(s.conf), host, t.src.ID, t.next, s.to), Token: s.token}
	)
	s.mu.Lock()
	req.Close = s.noKeepAlive[host]
	s.mu.Unlock()

	resp, err := s.client.Do(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return cmn.NewErrAborted("fetch", s.a.ID, context.Cause(ctx))
		}
		return core.NewErrTransient(err, ectx)
	}
	defer resp.Body.Close()
	if resp.NoKeepAlive {
		s.mu.Lock()
		s.noKeepAlive[host] = true
		s.mu.Unlock()
	}

	fr := wire.NewFrameReader(resp.Body, ectx)
	for {
		// (fasthttp requests are not context-aware)
		if err := ctx.Err(); err != nil {
			return cmn.NewErrAborted("fetch", s.a.ID, context.Cause(ctx))
		}
		hdr, body, err := fr.Next()
		if err == io.EOF {
			if t.next < s.to {
				return core.NewErrTransient(fmt.Errorf("%w: next %d, expecting %d", errShortStream, t.next, s.to), ectx)
			}
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Partition != t.next {
			ectx.Partition = t.next
			return core.NewErrTransient(fmt.Errorf("unexpected %s", hdr), ectx)
		}
		mo := &core.MapOutput{
			Host:             host,
			SourceAttempt:    t.src.ID,
			Partition:        hdr.Partition,
			CompressedLength: hdr.CompressedLength,
			RawLength:        hdr.RawLength,
			Checksum:         hdr.Checksum,
		}
		if err := s.mgr.Land(ctx, mo, body); err != nil {
			if errT := fr.Err(); errT != nil {
				err = errT
			}
			return err
		}
		s.bytes.Add(hdr.CompressedLength)
		s.a.Stats.AddFetchBytes(hdr.CompressedLength)
		t.next++
	}
}

// Abort cancels a running fetch
func (s *Scheduler) Abort(cause error) {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel(cause)
	}
}

func (s *Scheduler) Stats() *FetchStats {
	st := &FetchStats{
		States: make(map[TaskState]int, 4),
		Bytes:  s.bytes.Load(),
		Merge:  s.mgr.Stats(),
	}
	s.mu.Lock()
	st.Retries = make(map[string]int64, len(s.retries))
	st.Failures = make(map[string]int64, len(s.failures))
	for h, n := range s.retries {
		st.Retries[h] = n
	}
	for h, n := range s.failures {
		st.Failures[h] = n
	}
	s.mu.Unlock()
	for _, t := range s.tasks {
		st.States[t.getState()]++
	}
	return st
}
