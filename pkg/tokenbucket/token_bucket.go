// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package tokenbucket

import (
	"sync"
	"time"
)

// TokenBucket implements the basic token bucket rate limiting algorithm.
// It is safe for use by multiple threads at once. A bucket with a rate of zero
// is unlimited: taking never requires a wait.
type TokenBucket struct {
	lock     sync.Mutex
	rate     float64
	capacity float64
	current  float64
	last     time.Time
}

// New returns a new token bucket that fills at the given rate
// (tokens per second) and has the given capacity (tokens).
func New(rate, capacity float64) *TokenBucket {
	return &TokenBucket{
		rate:     rate,
		capacity: capacity,
		current:  capacity,
		last:     time.Now(),
	}
}

// Take consumes n tokens from the bucket and sleeps until those tokens are replenished.
func (tb *TokenBucket) Take(n float64) {
	if d := tb.TakeAndUpdate(n, time.Now()); d > 0 {
		time.Sleep(d)
	}
}

// TakeAndUpdate updates the state of the bucket to a new time, consumes n tokens, leaving
// a negative balance if necessary, and returns how long the caller should wait until
// there's a non-negative balance again (may be negative if there was enough capacity).
func (tb *TokenBucket) TakeAndUpdate(n float64, now time.Time) time.Duration {
	tb.lock.Lock()
	defer tb.lock.Unlock()
	tb.refill(now)
	if tb.rate <= 0 {
		return 0
	}
	tb.current -= n
	return tb.deficit()
}

// Delay returns how long until the balance is non-negative, without taking
// any tokens. Zero or negative means tokens are available now.
func (tb *TokenBucket) Delay(now time.Time) time.Duration {
	tb.lock.Lock()
	defer tb.lock.Unlock()
	tb.refill(now)
	if tb.rate <= 0 {
		return 0
	}
	return tb.deficit()
}

// SetRate allows you to change the rate and capacity of this TokenBucket after it's created.
// Setting a rate of zero removes the limit and forgives any outstanding debt.
func (tb *TokenBucket) SetRate(rate, capacity float64) {
	tb.lock.Lock()
	defer tb.lock.Unlock()
	tb.rate = rate
	tb.capacity = capacity
	if rate <= 0 || tb.current > capacity {
		tb.current = capacity
	}
}

// Rate returns the current fill rate.
func (tb *TokenBucket) Rate() float64 {
	tb.lock.Lock()
	defer tb.lock.Unlock()
	return tb.rate
}

// refill adds capacity based on elapsed time, capped at capacity. Must hold lock.
func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.last)
	if elapsed <= 0 {
		return
	}
	tb.last = now
	tb.current += tb.rate * elapsed.Seconds()
	if tb.current > tb.capacity {
		tb.current = tb.capacity
	}
}

func (tb *TokenBucket) deficit() time.Duration {
	return time.Duration(-tb.current / tb.rate * float64(time.Second))
}
