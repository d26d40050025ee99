// Package fs manages local directories that hold spill, merge, and landed shuffle files
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/NVIDIA/aishuffle/cmn"
	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/cmn/nlog"

	"golang.org/x/sys/unix"
)

const tmpSepa = ".tmp."

var ErrOutOfSpace = errors.New("insufficient space on all local directories")

type (
	LocalDir struct {
		Path string
		FsID unix.Fsid
	}
	// LocalDirs round-robins file placement across configured local directories
	// skipping those that do not have enough free space
	LocalDirs struct {
		dirs []*LocalDir
		next atomic.Uint64
	}
)

func NewLocalDirs(paths []string) (*LocalDirs, error) {
	if len(paths) == 0 {
		return nil, errors.New("no local directories configured")
	}
	ld := &LocalDirs{dirs: make([]*LocalDir, 0, len(paths))}
	seen := make(map[string]struct{}, len(paths))
	for _, path := range paths {
		path = filepath.Clean(path)
		if _, ok := seen[path]; ok {
			return nil, fmt.Errorf("duplicate local directory %q", path)
		}
		seen[path] = struct{}{}
		if err := cos.CreateDir(path); err != nil {
			return nil, fmt.Errorf("failed to create local directory: %w", err)
		}
		var st unix.Statfs_t
		if err := unix.Statfs(path, &st); err != nil {
			return nil, fmt.Errorf("cannot statfs %q: %w", path, err)
		}
		ld.dirs = append(ld.dirs, &LocalDir{Path: path, FsID: st.Fsid})
	}
	return ld, nil
}

func (ld *LocalDirs) Dirs() []*LocalDir { return ld.dirs }

// Select picks the next directory (round-robin) that can hold `size` bytes
func (ld *LocalDirs) Select(size int64) (*LocalDir, error) {
	n := len(ld.dirs)
	start := int(ld.next.Add(1) - 1)
	for i := range n {
		dir := ld.dirs[(start+i)%n]
		avail, err := dir.Avail()
		if err != nil {
			nlog.Warningf("%s: %v", dir.Path, err)
			continue
		}
		if avail >= size {
			return dir, nil
		}
	}
	return nil, fmt.Errorf("%w (required %s)", ErrOutOfSpace, cos.ToSizeIEC(size, 1))
}

// MakePath selects a directory and returns <dir>/<attempt>/<name>
func (ld *LocalDirs) MakePath(attempt, name string, size int64) (string, error) {
	dir, err := ld.Select(size)
	if err != nil {
		return "", err
	}
	return dir.Join(attempt, name), nil
}

// RemoveAttempt removes everything the attempt created on all local directories
func (ld *LocalDirs) RemoveAttempt(attempt string) error {
	errs := cos.NewErrs()
	for _, dir := range ld.dirs {
		if err := os.RemoveAll(dir.Join(attempt)); err != nil {
			errs.Add(err)
		}
	}
	_, err := errs.JoinErr()
	return err
}

//////////////
// LocalDir //
//////////////

func (dir *LocalDir) Join(elems ...string) string {
	return filepath.Join(append([]string{dir.Path}, elems...)...)
}

// Avail returns the number of bytes available to unprivileged users
func (dir *LocalDir) Avail() (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir.Path, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}

//
// temp names
//

// TempName returns <dir>/.<base>.tmp.<tie> for writing-then-renaming into fqn
func TempName(fqn string) string {
	dir, base := filepath.Split(fqn)
	return filepath.Join(dir, "."+base+tmpSepa+cmn.GenTie())
}

func IsTemp(fqn string) bool {
	base := filepath.Base(fqn)
	return strings.HasPrefix(base, ".") && strings.Contains(base, tmpSepa)
}
