// Package core provides the shuffle engine's shared interfaces and types: strategies
// (comparators, partitioners, combiners), the task attempt lifecycle, output
// descriptors, and the error taxonomy.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package core

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/NVIDIA/aishuffle/cmn/cos"
)

// Error taxonomy:
// - transient (ErrTransient): timeouts, refused and reset connections, stalled reads,
//   HTTP 5xx, frame checksum mismatch - retried up to the fetch failures limit;
// - segment-fatal (ErrCorrupt): IFile checksum mismatch, bad framing, decompression
//   failure - the segment is discarded and, when possible, re-fetched;
// - task-fatal (ErrTaskFatal, ErrRecordTooLarge, ErrFetchFatal): abort the attempt.
// All carry enough context (host, partition, attempt) for diagnosis.

type (
	ErrCtx struct {
		Host      string
		Attempt   string
		Partition int // -1 when not applicable
	}
	ErrTransient struct {
		cause error
		ErrCtx
	}
	ErrCorrupt struct {
		cause error
		ErrCtx
	}
	ErrTaskFatal struct {
		cause error
		what  string
		ErrCtx
	}
	ErrRecordTooLarge struct {
		Size     int64
		Capacity int64
	}
	ErrFetchFatal struct {
		cause    error
		Failures int
		ErrCtx
	}
)

func (c *ErrCtx) String() (s string) {
	if c.Attempt != "" {
		s = "attempt " + c.Attempt
	}
	if c.Partition >= 0 {
		if s != "" {
			s += ", "
		}
		s += "partition " + strconv.Itoa(c.Partition)
	}
	if c.Host != "" {
		if s != "" {
			s += ", "
		}
		s += "host " + c.Host
	}
	return
}

func NewErrTransient(cause error, ctx ErrCtx) *ErrTransient { return &ErrTransient{cause, ctx} }
func NewErrCorrupt(cause error, ctx ErrCtx) *ErrCorrupt     { return &ErrCorrupt{cause, ctx} }

func NewErrTaskFatal(what string, cause error, ctx ErrCtx) *ErrTaskFatal {
	return &ErrTaskFatal{cause: cause, what: what, ErrCtx: ctx}
}

func NewErrFetchFatal(cause error, failures int, ctx ErrCtx) *ErrFetchFatal {
	return &ErrFetchFatal{cause: cause, Failures: failures, ErrCtx: ctx}
}

func (e *ErrTransient) Error() string { return fmt.Sprintf("transient error [%s]: %v", e.ErrCtx.String(), e.cause) }
func (e *ErrTransient) Unwrap() error { return e.cause }

func (e *ErrCorrupt) Error() string { return fmt.Sprintf("corrupted segment [%s]: %v", e.ErrCtx.String(), e.cause) }
func (e *ErrCorrupt) Unwrap() error { return e.cause }

func (e *ErrTaskFatal) Error() string {
	return fmt.Sprintf("%s failed [%s]: %v", e.what, e.ErrCtx.String(), e.cause)
}
func (e *ErrTaskFatal) Unwrap() error { return e.cause }

func (e *ErrRecordTooLarge) Error() string {
	return fmt.Sprintf("record size %s exceeds sort buffer capacity %s", cos.ToSizeIEC(e.Size, 1),
		cos.ToSizeIEC(e.Capacity, 1))
}

func (e *ErrFetchFatal) Error() string {
	return fmt.Sprintf("fetch failed %d time%s [%s]: %v", e.Failures, cos.Plural(e.Failures), e.ErrCtx.String(), e.cause)
}
func (e *ErrFetchFatal) Unwrap() error { return e.cause }

func IsRetryable(err error) bool {
	var e *ErrTransient
	return errors.As(err, &e)
}

func IsCorrupt(err error) bool {
	var e *ErrCorrupt
	return errors.As(err, &e)
}

func IsTaskFatal(err error) bool {
	var (
		e1 *ErrTaskFatal
		e2 *ErrRecordTooLarge
		e3 *ErrFetchFatal
	)
	return errors.As(err, &e1) || errors.As(err, &e2) || errors.As(err, &e3)
}

// RecoverStrategy converts a panic in an injected strategy (comparator, partitioner,
// combiner) into a task-fatal error; usage: defer core.RecoverStrategy(&err, "spill", ctx)
func RecoverStrategy(err *error, what string, ctx ErrCtx) {
	if r := recover(); r != nil {
		*err = NewErrTaskFatal(what, fmt.Errorf("strategy panic: %v", r), ctx)
	}
}
