// Package cos provides common low-level types and utilities for all aishuffle packages
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/NVIDIA/aishuffle/cmn/debug"
)

type (
	ErrNotFound struct {
		what  string
		where string
	}
	// Errs is a thread-safe collection of errors
	Errs struct {
		errs []error
		cnt  atomic.Int64
		cap  int
		mu   sync.Mutex
	}
)

func NewErrNotFound(where, what string) *ErrNotFound { return &ErrNotFound{what: what, where: where} }

func (e *ErrNotFound) Error() string {
	if e.where == "" {
		return e.what + " not found"
	}
	return e.where + ": " + e.what + " not found"
}

func IsErrNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}

func IsNotExist(err error) bool { return IsErrNotFound(err) || os.IsNotExist(err) }

//
// Errs
//

const defaultMaxErrs = 8

func NewErrs(maxErrs ...int) *Errs {
	capacity := defaultMaxErrs
	if len(maxErrs) > 0 && maxErrs[0] > 0 {
		capacity = maxErrs[0]
	}
	return &Errs{errs: make([]error, 0, capacity), cap: capacity}
}

func (e *Errs) Add(err error) {
	debug.Assert(err != nil)
	e.mu.Lock()
	// first, check for duplication
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			e.mu.Unlock()
			return
		}
	}
	if len(e.errs) < e.cap {
		e.errs = append(e.errs, err)
		e.cnt.Store(int64(len(e.errs)))
	}
	e.mu.Unlock()
}

func (e *Errs) Cnt() int { return int(e.cnt.Load()) }

func (e *Errs) JoinErr() (cnt int, err error) {
	if cnt = e.Cnt(); cnt > 0 {
		e.mu.Lock()
		err = errors.Join(e.errs...)
		e.mu.Unlock()
	}
	return
}

// Errs is an error
func (e *Errs) Error() string {
	cnt := e.Cnt()
	if cnt == 0 {
		return ""
	}
	e.mu.Lock()
	err := e.errs[0]
	e.mu.Unlock()
	if cnt > 1 {
		err = fmt.Errorf("%v (and %d more error%s)", err, cnt-1, Plural(cnt-1))
	}
	return err.Error()
}

func (e *Errs) Unwrap() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.errs)
}

func Plural(num int) (s string) {
	if num != 1 {
		s = "s"
	}
	return
}

//
// IS-syscall helpers
//

func IsEOF(err error) bool {
	return err == io.EOF || err == io.ErrUnexpectedEOF || errors.Is(err, io.EOF)
}

func IsErrOOS(err error) bool { return errors.Is(err, syscall.ENOSPC) }

func IsErrConnectionRefused(err error) bool { return errors.Is(err, syscall.ECONNREFUSED) }
func IsErrConnectionReset(err error) bool   { return errors.Is(err, syscall.ECONNRESET) }
func IsErrBrokenPipe(err error) bool        { return errors.Is(err, syscall.EPIPE) }

func IsRetriableConnErr(err error) bool {
	return IsErrConnectionRefused(err) || IsErrConnectionReset(err) || IsErrBrokenPipe(err)
}

// net.Error timeouts, including context deadline and os.ErrDeadlineExceeded
func IsErrTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
