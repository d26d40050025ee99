// Package cmn provides common constants, types, and utilities for aishuffle clients and engines.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"math/rand/v2"
	"sync/atomic"
	"time"

	// NOTE: BEWARE: `shortid` uses hardcoded 01/2016 as a starting timestamp
	"github.com/teris-io/shortid"
)

const (
	// Alphabet for generating UUIDs similar to the shortid.DEFAULT_ABC
	// NOTE: len(uuidABC) > 0x3f - see GenTie()
	uuidABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

	lenRandString = 9
)

var (
	sids [16]*shortid.Shortid
	rtie atomic.Uint32
)

func init() {
	InitShortid(uint64(time.Now().UnixNano()))
}

func InitShortid(seed uint64) {
	for i := range sids {
		sids[i] = shortid.MustNew(uint8(i+1) /*worker*/, uuidABC, seed)
	}
	rtie.Store(uint32(seed))
}

// GenUUID generates unique and user-friendly IDs (job ids, merge run names).
func GenUUID() (uuid string) {
	var err error
	for _, sid := range sids {
		uuid, err = sid.Generate()
		if err == nil &&
			uuid[0] != '-' && uuid[0] != '_' && uuid[len(uuid)-1] != '-' && uuid[len(uuid)-1] != '_' {
			return
		}
	}
	return randString(lenRandString)
}

// GenTie returns a short tie-breaker for temporary file names
func GenTie() string {
	tie := rtie.Add(1)
	b0 := uuidABC[tie&0x3f]
	b1 := uuidABC[-tie&0x3f]
	b2 := uuidABC[(tie>>2)&0x3f]
	return string([]byte{b0, b1, b2})
}

func randString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.IntN(len(letters))]
	}
	return string(b)
}
