// Package cos provides common low-level types and utilities for all aishuffle packages
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package cos

// DivCeil returns the smallest integer q such that q*b >= a (a >= 0, b > 0)
func DivCeil(a, b int64) int64 {
	d, r := a/b, a%b
	if r > 0 {
		return d + 1
	}
	return d
}

// DivRound rounds a/b to the nearest integer
func DivRound(a, b int64) int64 { return (a + b/2) / b }

// NonZero returns v unless it is the zero value, in which case it returns dflt
func NonZero[T comparable](v, dflt T) T {
	var zero T
	if v == zero {
		return dflt
	}
	return v
}
