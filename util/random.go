/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Mar 16 13:56:39 2018 mstenber
 * Last modified: Mon Oct 15 11:03:40 2018 mstenber
 * Edit time:     5 min
 *
 */

package util

import (
	"log"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/fingon/go-cowfs/mlog"
)

// GetSeededRng returns rng seeded from SEED environment variable,
// or current time if it is not set. The seed is always logged so
// that failing randomized tests can be reproduced.
func GetSeededRng() *rand.Rand {
	seedvalue := time.Now().UnixNano()
	if seed := os.Getenv("SEED"); seed != "" {
		v, err := strconv.ParseInt(seed, 10, 64)
		if err != nil {
			log.Panic(err)
		}
		seedvalue = v
	}
	log.Printf("Seed: %v (use SEED= to fix)", seedvalue)
	mlog.Printf2("util/random", "GetSeededRng %v", seedvalue)
	return rand.New(rand.NewSource(seedvalue))
}

// RandomBytes returns n bytes from the rng.
func RandomBytes(rng *rand.Rand, n int) []byte {
	b := make([]byte, n)
	rng.Read(b)
	return b
}
