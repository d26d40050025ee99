// Package nlog - aishuffle logger, provides buffering, timestamping, and writing
// to stderr and/or a per-process log file
/*
 * Copyright (c) 2023-2025, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/NVIDIA/aishuffle/cmn/mono"
)

const (
	nlogBufSize   = 64 * 1024
	flushInterval = 5 * time.Second
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

type nlog struct {
	out   io.Writer
	file  *os.File
	bw    *bufio.Writer
	last  int64 // mono
	mu    sync.Mutex
	both  bool // file and stderr
	lines []byte
}

var (
	std  = &nlog{out: os.Stderr}
	host = "unknown"
	arg0 string
)

func init() {
	arg0 = filepath.Base(os.Args[0])
	if h, err := os.Hostname(); err == nil {
		host, _, _ = strings.Cut(h, ".")
	}
}

func (nlog *nlog) setDir(dir string, alsoToStderr bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	fname := filepath.Join(dir, arg0+"."+host+".log")
	f, err := os.OpenFile(fname, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return err
	}
	nlog.mu.Lock()
	nlog.flushLocked()
	if nlog.file != nil {
		nlog.file.Close()
	}
	nlog.file, nlog.both = f, alsoToStderr
	nlog.bw = bufio.NewWriterSize(f, nlogBufSize)
	nlog.out = nlog.bw
	nlog.mu.Unlock()

	s := fmt.Sprintf("Started up at %s, host %s, %s for %s/%s\n",
		time.Now().Format("2006/01/02 15:04:05"), host, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	Infoln(strings.TrimSpace(s))
	return nil
}

// main function
func log(sev severity, depth int, format string, args ...any) {
	std.mu.Lock()
	std.lines = formatHdr(sev, depth, std.lines[:0])
	if format == "" {
		std.lines = fmt.Append(std.lines, args...)
	} else {
		std.lines = fmt.Appendf(std.lines, format, args...)
	}
	if l := len(std.lines); l == 0 || std.lines[l-1] != '\n' {
		std.lines = append(std.lines, '\n')
	}
	std.out.Write(std.lines)
	if std.file != nil && (std.both || sev >= sevErr) {
		os.Stderr.Write(std.lines)
	}
	if sev >= sevWarn || mono.Since(std.last) > flushInterval {
		std.flushLocked()
	}
	std.mu.Unlock()
}

// under lock
func (nlog *nlog) flushLocked() {
	if nlog.bw != nil {
		nlog.bw.Flush()
	}
	nlog.last = mono.NanoTime()
}

func formatHdr(s severity, depth int, b []byte) []byte {
	const char = "IWE"
	b = append(b, char[s], ' ')
	b = time.Now().AppendFormat(b, "15:04:05.000000")
	b = append(b, ' ')
	_, fn, ln, ok := runtime.Caller(3 + depth)
	if !ok {
		return b
	}
	if idx := strings.LastIndexByte(fn, filepath.Separator); idx > 0 {
		fn = fn[idx+1:]
	}
	fn = strings.TrimSuffix(fn, ".go")
	b = append(b, fn...)
	b = append(b, ':')
	b = strconv.AppendInt(b, int64(ln), 10)
	return append(b, ' ')
}
