// Package nlog - aishuffle logger, provides buffering, timestamping, and writing
// to stderr and/or a per-process log file
/*
 * Copyright (c) 2023-2025, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"io"
	"sync/atomic"
)

var verbosity atomic.Int32

func InfoDepth(depth int, args ...any)    { log(sevInfo, depth, "", args...) }
func Infoln(args ...any)                  { log(sevInfo, 0, "", args...) }
func Infof(format string, args ...any)    { log(sevInfo, 0, format, args...) }
func Warningln(args ...any)               { log(sevWarn, 0, "", args...) }
func Warningf(format string, args ...any) { log(sevWarn, 0, format, args...) }
func ErrorDepth(depth int, args ...any)   { log(sevErr, depth, "", args...) }
func Errorln(args ...any)                 { log(sevErr, 0, "", args...) }
func Errorf(format string, args ...any)   { log(sevErr, 0, format, args...) }

// V returns true when the configured verbosity is at or above `level`
func V(level int) bool { return int(verbosity.Load()) >= level }

func SetVerbosity(level int) { verbosity.Store(int32(level)) }

// SetOutput redirects all severities to `w` (tests, embedding)
func SetOutput(w io.Writer) {
	std.mu.Lock()
	std.flushLocked()
	std.out = w
	std.mu.Unlock()
}

// SetLogDir makes the logger write into <dir>/<arg0>.<host>.log (in addition
// to stderr when alsoToStderr is set)
func SetLogDir(dir string, alsoToStderr bool) error { return std.setDir(dir, alsoToStderr) }

func Flush() {
	std.mu.Lock()
	std.flushLocked()
	std.mu.Unlock()
}
