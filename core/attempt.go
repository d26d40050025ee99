// Package core provides the shuffle engine's shared interfaces and types: strategies
// (comparators, partitioners, combiners), the task attempt lifecycle, output
// descriptors, and the error taxonomy.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/NVIDIA/aishuffle/cmn"
	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/cmn/nlog"
	"github.com/NVIDIA/aishuffle/fs"
	"github.com/NVIDIA/aishuffle/stats"

	"github.com/google/uuid"
)

const attemptPrefix = "attempt_"

// attempt states
const (
	AttemptRunning int32 = iota
	AttemptCompleted
	AttemptAborted
)

type (
	// CleanupFunc is called exactly once when the attempt finishes; `aborted`
	// tells intermediate-only cleanup (success) from removing everything (failure)
	CleanupFunc func(aborted bool) error

	// Attempt owns everything a single task attempt creates: spill, merge, and landed
	// files, memory grants, cleanup hooks
	Attempt struct {
		ctx      context.Context
		cancel   context.CancelCauseFunc
		Config   *cmn.Config
		Dirs     *fs.LocalDirs
		Stats    *stats.Tracker // nil-safe
		ID       string
		cleanups []CleanupFunc
		mu       sync.Mutex
		state    atomic.Int32
	}
)

var errAttemptFinished = errors.New("attempt already finished")

// NewAttemptID returns a unique, filesystem- and URL-safe attempt id
func NewAttemptID() string { return attemptPrefix + uuid.NewString() }

func NewAttempt(ctx context.Context, id string, config *cmn.Config, tracker *stats.Tracker) (*Attempt, error) {
	if id == "" {
		id = NewAttemptID()
	}
	dirs, err := fs.NewLocalDirs(config.LocalDirs)
	if err != nil {
		return nil, err
	}
	a := &Attempt{ID: id, Config: config, Dirs: dirs, Stats: tracker}
	a.ctx, a.cancel = context.WithCancelCause(ctx)
	return a, nil
}

func (a *Attempt) String() string { return a.ID }

// Context is canceled upon abort (or when the parent context is done)
func (a *Attempt) Context() context.Context { return a.ctx }

func (a *Attempt) Aborted() bool { return a.state.Load() == AttemptAborted }

func (a *Attempt) Finished() bool { return a.state.Load() != AttemptRunning }

// CheckAborted returns ErrAborted if the attempt (or its parent context) is done
func (a *Attempt) CheckAborted() error {
	if err := a.ctx.Err(); err != nil {
		return cmn.NewErrAborted(a.ID, "", context.Cause(a.ctx))
	}
	return nil
}

// AddCleanup registers a hook; hooks run in reverse order of registration
func (a *Attempt) AddCleanup(fn CleanupFunc) {
	a.mu.Lock()
	a.cleanups = append(a.cleanups, fn)
	a.mu.Unlock()
}

// Complete runs cleanups with aborted=false (intermediate files only) and
// removes leftover temporaries
func (a *Attempt) Complete() error {
	if !a.state.CompareAndSwap(AttemptRunning, AttemptCompleted) {
		return fmt.Errorf("%s: %w", a, errAttemptFinished)
	}
	errs := a.runCleanups(false)
	if _, err := a.Dirs.CleanupTemps(a.ID); err != nil {
		errs.Add(err)
	}
	a.cancel(nil)
	_, err := errs.JoinErr()
	return err
}

// Abort cancels all in-flight work, runs cleanups with aborted=true, and removes
// everything the attempt created in its local directories
func (a *Attempt) Abort(cause error) error {
	if !a.state.CompareAndSwap(AttemptRunning, AttemptAborted) {
		return nil
	}
	if cause == nil {
		cause = cmn.NewErrAborted(a.ID, "", nil)
	}
	nlog.Warningf("%s: aborting: %v", a, cause)
	a.cancel(cause)
	errs := a.runCleanups(true)
	if err := a.Dirs.RemoveAttempt(a.ID); err != nil {
		errs.Add(err)
	}
	_, err := errs.JoinErr()
	return err
}

func (a *Attempt) runCleanups(aborted bool) *cos.Errs {
	a.mu.Lock()
	cleanups := a.cleanups
	a.cleanups = nil
	a.mu.Unlock()

	errs := cos.NewErrs()
	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i](aborted); err != nil {
			nlog.Errorf("%s: cleanup (aborted=%t): %v", a, aborted, err)
			errs.Add(err)
		}
	}
	return errs
}

// ErrCtx returns error context for the given partition
func (a *Attempt) ErrCtx(partition int) ErrCtx { return ErrCtx{Attempt: a.ID, Partition: partition} }
