//go:build debug

// Package debug provides debug utilities
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import (
	"bytes"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
)

func ON() bool { return true }

func Infof(f string, a ...any) {
	fmt.Fprintf(os.Stderr, "[DEBUG] "+f+"\n", a...)
}

func Func(f func()) { f() }

func _panic(a ...any) {
	msg := "DEBUG PANIC: "
	if len(a) > 0 {
		msg += fmt.Sprint(a...) + ": "
	}
	buffer := bytes.NewBufferString(msg)
	for i := 2; i < 9; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if !strings.Contains(file, "aishuffle") {
			break
		}
		f := file
		if idx := strings.LastIndexByte(file, '/'); idx > 0 {
			f = file[idx+1:]
		}
		if buffer.Len() > len(msg) {
			buffer.WriteString(" <- ")
		}
		fmt.Fprintf(buffer, "%s:%d", f, line)
	}
	panic(buffer.String())
}

func Assert(cond bool, a ...any) {
	if !cond {
		_panic(a...)
	}
}

func AssertFunc(f func() bool, a ...any) {
	Assert(f(), a...)
}

func AssertNoErr(err error) {
	if err != nil {
		_panic(err)
	}
}

func Assertf(cond bool, f string, a ...any) {
	if !cond {
		_panic(fmt.Sprintf(f, a...))
	}
}

func AssertMutexLocked(m *sync.Mutex) {
	if m.TryLock() {
		m.Unlock()
		_panic("mutex not locked")
	}
}
