// Package kvdb provides a local key-value database for aishuffle engines.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package kvdb

import (
	"errors"
	"strings"
	"time"

	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/cmn/nlog"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"
)

const (
	// when DB is idle and the number of keys grows, buntdb shrinks the file
	autoShrinkSize = cos.MiB

	InMemory = ":memory:"
)

type BuntDriver struct {
	driver *buntdb.DB
}

// interface guard
var _ Driver = (*BuntDriver)(nil)

// NewBuntDB opens (or creates) the database file; use InMemory for a
// process-local registry
func NewBuntDB(path string) (*BuntDriver, error) {
	if path != InMemory {
		if err := cos.CreateDir(dirOf(path)); err != nil {
			return nil, err
		}
	}
	driver, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	if path != InMemory {
		err = driver.SetConfig(buntdb.Config{
			SyncPolicy:           buntdb.EverySecond,
			AutoShrinkPercentage: 100,
			AutoShrinkMinSize:    autoShrinkSize,
		})
		if err != nil {
			driver.Close()
			return nil, err
		}
	}
	return &BuntDriver{driver: driver}, nil
}

func dirOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i > 0 {
		return path[:i]
	}
	return "."
}

func buntToCommonErr(err error, collection, key string) error {
	if errors.Is(err, buntdb.ErrNotFound) {
		return NewErrNotFound(collection, key)
	}
	return err
}

func (bd *BuntDriver) Close() error { return bd.driver.Close() }

func (bd *BuntDriver) Set(collection, key string, object any) error {
	b, err := jsoniter.Marshal(object)
	if err != nil {
		return err
	}
	return bd.SetString(collection, key, string(b))
}

func (bd *BuntDriver) Get(collection, key string, object any) error {
	s, err := bd.GetString(collection, key)
	if err != nil {
		return err
	}
	return jsoniter.Unmarshal([]byte(s), object)
}

func (bd *BuntDriver) SetString(collection, key, data string) error {
	name := makePath(collection, key)
	err := bd.driver.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(name, data, nil)
		return err
	})
	return buntToCommonErr(err, collection, key)
}

func (bd *BuntDriver) GetString(collection, key string) (value string, err error) {
	name := makePath(collection, key)
	err = bd.driver.View(func(tx *buntdb.Tx) error {
		var err error
		value, err = tx.Get(name)
		return err
	})
	return value, buntToCommonErr(err, collection, key)
}

func (bd *BuntDriver) Delete(collection, key string) error {
	name := makePath(collection, key)
	err := bd.driver.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(name)
		return err
	})
	return buntToCommonErr(err, collection, key)
}

func (bd *BuntDriver) DeleteCollection(collection string) error {
	keys, err := bd.List(collection, "")
	if err != nil || len(keys) == 0 {
		return err
	}
	started := time.Now()
	err = bd.driver.Update(func(tx *buntdb.Tx) error {
		for _, k := range keys {
			if _, err := tx.Delete(k); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
				return err
			}
		}
		return nil
	})
	if nlog.V(4) {
		nlog.Infof("deleted %d keys of %q in %v", len(keys), collection, time.Since(started))
	}
	return err
}

func (bd *BuntDriver) List(collection, pattern string) ([]string, error) {
	var (
		keys   = make([]string, 0)
		filter = makeFilter(collection, pattern)
	)
	err := bd.driver.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(filter, func(key, _ string) bool {
			keys = append(keys, key)
			return true
		})
	})
	return keys, buntToCommonErr(err, collection, "")
}

func (bd *BuntDriver) GetAll(collection, pattern string) (map[string]string, error) {
	var (
		values = make(map[string]string)
		filter = makeFilter(collection, pattern)
	)
	err := bd.driver.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(filter, func(key, value string) bool {
			_, subkey := ParsePath(key)
			values[subkey] = value
			return true
		})
	})
	return values, buntToCommonErr(err, collection, "")
}

func makeFilter(collection, pattern string) string {
	filter := makePath(collection, pattern)
	if !strings.ContainsAny(pattern, "*?") {
		filter += "*"
	}
	return filter
}
