// Package cmn provides common constants, types, and utilities for aishuffle clients and engines.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/NVIDIA/aishuffle/cmn/nlog"
)

// ErrAborted is returned by operations interrupted by an attempt abort
// or a canceled context
type ErrAborted struct {
	what  string
	ctx   string
	cause error
}

func NewErrAborted(what, ctx string, cause error) *ErrAborted {
	return &ErrAborted{what: what, ctx: ctx, cause: cause}
}

func (e *ErrAborted) Error() (s string) {
	s = e.what + " aborted"
	if e.ctx != "" {
		s += " (" + e.ctx + ")"
	}
	if e.cause != nil {
		s = fmt.Sprintf("%s: %v", s, e.cause)
	}
	return
}

func (e *ErrAborted) Unwrap() error { return e.cause }

func IsErrAborted(err error) bool {
	var e *ErrAborted
	return errors.As(err, &e)
}

// WriteErrMsg logs and writes an HTTP error response
func WriteErrMsg(w http.ResponseWriter, r *http.Request, msg string, status int) {
	nlog.Warningf("%s %s: %d %s", r.Method, r.URL.Path, status, msg)
	http.Error(w, msg, status)
}
