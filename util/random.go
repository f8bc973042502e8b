package util

import (
	"math/rand"
	"time"
)

// Jitter returns base plus a uniformly random duration in [0, spread)
func Jitter(base, spread time.Duration) time.Duration {
	if spread <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(int64(spread)))
}
