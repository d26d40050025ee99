// Package fs manages local directories that hold spill, merge, and landed shuffle files
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package fs

import (
	"errors"
	"os"

	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/cmn/nlog"

	"github.com/karrick/godirwalk"
)

// Determines the threshold of error count which will result in halting
// the walking operation.
const errThreshold = 1000

type (
	WalkFunc func(fqn string, de *godirwalk.Dirent) error

	errCallbackWrapper struct {
		counter int
	}
)

// PathErrToAction is the error callback for godirwalk.Walk: skips entries
// that disappeared concurrently and halts after errThreshold errors
func (ew *errCallbackWrapper) PathErrToAction(fqn string, err error) godirwalk.ErrorAction {
	ew.counter++
	if ew.counter > errThreshold {
		return godirwalk.Halt
	}
	if errors.Is(err, os.ErrNotExist) {
		return godirwalk.SkipNode
	}
	nlog.Warningf("walk %q: %v", fqn, err)
	return godirwalk.SkipNode
}

// Walk visits all entries under the directory; a non-existing directory is not an error
func Walk(dir string, cb WalkFunc) error {
	ew := &errCallbackWrapper{}
	err := godirwalk.Walk(dir, &godirwalk.Options{
		Callback:      godirwalk.WalkFunc(cb),
		ErrorCallback: ew.PathErrToAction,
		Unsorted:      true,
	})
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// CleanupTemps removes temporary (not yet renamed) files left behind by the attempt,
// e.g., after an aborted spill or an interrupted fetch; returns the number removed
func (ld *LocalDirs) CleanupTemps(attempt string) (n int, err error) {
	errs := cos.NewErrs()
	for _, dir := range ld.dirs {
		werr := Walk(dir.Join(attempt), func(fqn string, de *godirwalk.Dirent) error {
			if de.IsDir() || !IsTemp(fqn) {
				return nil
			}
			if err := cos.RemoveFile(fqn); err != nil {
				errs.Add(err)
				return nil
			}
			n++
			return nil
		})
		if werr != nil {
			errs.Add(werr)
		}
	}
	_, err = errs.JoinErr()
	return n, err
}

// ListAttempt returns all (non-temporary) files of the attempt
func (ld *LocalDirs) ListAttempt(attempt string) (fqns []string, err error) {
	for _, dir := range ld.dirs {
		err = Walk(dir.Join(attempt), func(fqn string, de *godirwalk.Dirent) error {
			if !de.IsDir() && !IsTemp(fqn) {
				fqns = append(fqns, fqn)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return fqns, nil
}
