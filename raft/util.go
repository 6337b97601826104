package raft

import (
	"math/rand"
	"time"
)

func minIndex(a, b Index) Index {
	if a > b {
		return b
	}
	return a
}

func maxIndex(a, b Index) Index {
	if a > b {
		return a
	}
	return b
}

// randomTimeout draws a duration from [base, 2*base).
func randomTimeout(rng *rand.Rand, base time.Duration) time.Duration {
	return base + time.Duration(rng.Int63n(int64(base)))
}

// resetTimer restarts t with d, draining a pending fire first.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
