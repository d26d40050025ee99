// Package trand provides random keys and values for dev tools and tests
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package trand

import (
	"math/rand/v2"
)

const (
	letterRunes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	lenRunes    = len(letterRunes)
)

func String(n int) string { return string(Bytes(n)) }

// Bytes returns n random alphanumeric bytes
func Bytes(n int) []byte {
	b := make([]byte, n)
	for i := range n {
		b[i] = letterRunes[rand.IntN(lenRunes)]
	}
	return b
}

// Records generates n key-value pairs with random alphanumeric keys and values;
// keys are not deduplicated
func Records(n, keySize, valSize int) (keys, values [][]byte) {
	keys, values = make([][]byte, n), make([][]byte, n)
	for i := range n {
		keys[i], values[i] = Bytes(keySize), Bytes(valSize)
	}
	return
}
