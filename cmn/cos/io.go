// Package cos provides common low-level types and utilities for all aishuffle packages
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	PermRWR       os.FileMode = 0o640
	PermRWXRX     os.FileMode = 0o750
	configDirMode             = PermRWXRX | os.ModeDir
)

// CreateDir creates directory if does not exist.
// If the directory already exists returns nil.
func CreateDir(dir string) error {
	return os.MkdirAll(dir, configDirMode)
}

// CreateFile creates a new write-only (O_WRONLY) file with default cos.PermRWR permissions.
// NOTE: if the file pathname doesn't exist it'll be created.
// NOTE: if the file already exists it'll be also silently truncated.
func CreateFile(fqn string) (*os.File, error) {
	if err := CreateDir(filepath.Dir(fqn)); err != nil {
		return nil, err
	}
	return os.OpenFile(fqn, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, PermRWR)
}

// (creates destination directory if doesn't exist)
func Rename(src, dst string) (err error) {
	err = os.Rename(src, dst)
	if err == nil || !os.IsNotExist(err) {
		return
	}
	// create and retry (slow path)
	err = CreateDir(filepath.Dir(dst))
	if err == nil {
		err = os.Rename(src, dst)
	}
	return
}

// RemoveFile removes path; returns nil upon success or if the path does not exist.
func RemoveFile(path string) (err error) {
	err = os.Remove(path)
	if os.IsNotExist(err) {
		err = nil
	}
	return
}

// FlushClose fsyncs and closes; returns the first error
func FlushClose(file *os.File) (err error) {
	err = file.Sync()
	if errC := file.Close(); err == nil {
		err = errC
	}
	return
}

// DrainReader reads and discards everything remaining in r (connection reuse)
func DrainReader(r io.Reader) {
	io.Copy(io.Discard, r) //nolint:errcheck // best effort
}

func ReadOneLine(filename string) (string, error) {
	file, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	scanner := bufio.NewScanner(file)
	scanner.Scan()
	line := strings.TrimSpace(scanner.Text())
	err = scanner.Err()
	file.Close()
	return line, err
}

///////////////
// Readers  //
///////////////

// ReadCloser wraps a reader with a custom close callback
type ReadCloser struct {
	io.Reader
	CloseFn func() error
}

func (rc *ReadCloser) Close() error {
	if rc.CloseFn == nil {
		return nil
	}
	err := rc.CloseFn()
	rc.CloseFn = nil
	return err
}

// NewFileSection opens the file and returns a reader limited to [offset, offset+size)
func NewFileSection(fqn string, offset, size int64) (io.ReadCloser, error) {
	fh, err := os.Open(fqn)
	if err != nil {
		return nil, err
	}
	return &ReadCloser{Reader: io.NewSectionReader(fh, offset, size), CloseFn: fh.Close}, nil
}
