// Package kvdb provides a local key-value database for aishuffle engines.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package kvdb

import (
	"fmt"
	"strings"
)

// General info:
// ## Collection ##
//   For buntdb the collection is a pure virtual stuff: it is just a prefix of
//   a key in database.
// ## List ##
//   If a pattern is empty, List returns the list of all keys in the
//   collection. A pattern may include '*' and '?'. If a pattern does not
//   include any of those characters, the pattern is considered a prefix and
//   trailing '*' is added automatically.
// ## Errors ##
//   A driver converts database-specific errors (e.g., buntdb.ErrNotFound)
//   to `kvdb` package errors for clients.

const CollectionSepa = "##"

type (
	Driver interface {
		// A driver syncs data with local drives on close
		Close() error
		// Write an object to database. Object is marshaled as JSON
		Set(collection, key string, object any) error
		// Read an object from database.
		Get(collection, key string, object any) error
		// Write an already marshaled object or simple string
		SetString(collection, key, data string) error
		// Read a string or an object as JSON from database
		GetString(collection, key string) (string, error)
		// Delete a single object
		Delete(collection, key string) error
		// Delete a collection: iterates over all subkeys of `collection`
		// and removes them one by one.
		DeleteCollection(collection string) error
		// Return subkeys of a collection that match the pattern
		List(collection, pattern string) ([]string, error)
		// Return subkeys with their values: map[key]value
		GetAll(collection, pattern string) (map[string]string, error)
	}

	ErrNotFound struct {
		collection string
		key        string
	}
)

// Extract collection and key names from full key path
func ParsePath(path string) (string, string) {
	pos := strings.Index(path, CollectionSepa)
	if pos < 0 {
		return path, ""
	}
	return path[:pos], path[pos+len(CollectionSepa):]
}

func makePath(collection, key string) string { return collection + CollectionSepa + key }

func NewErrNotFound(collection, key string) *ErrNotFound {
	return &ErrNotFound{collection: collection, key: key}
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s %q not found", e.collection, e.key)
}

func IsErrNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}
