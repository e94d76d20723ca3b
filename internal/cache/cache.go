// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package cache defines what the backend expects of a local chunk cache and
// provides two implementations: Memory, a size bounded LRU, and Store, a
// persistent bolt database fronted by a Memory.
package cache

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/chunkstream/internal/core"
)

var cacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "chunkstream",
	Name:      "cache_ops",
}, []string{"tier", "op", "result"})

// Status is the immediate result of Materialize.
type Status int

const (
	// NotFound means the cache doesn't have the key. onReady won't be called.
	NotFound Status = iota
	// Pending means onReady will be called, unless the ticket is canceled
	// first.
	Pending
	// Failed means the cache can't look the key up right now. onReady won't
	// be called.
	Failed
)

func (s Status) String() string {
	switch s {
	case NotFound:
		return "not found"
	case Pending:
		return "pending"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Ticket identifies a pending Materialize.
type Ticket struct {
	canceled int32
}

func (t *Ticket) cancel() {
	atomic.StoreInt32(&t.canceled, 1)
}

// IsCanceled returns whether the ticket was canceled.
func (t *Ticket) IsCanceled() bool {
	return atomic.LoadInt32(&t.canceled) != 0
}

// Cache stores encoded chunk ranges by ChunkKey. All methods are
// thread-safe. Byte slices handed out must not be modified by callers, and
// byte slices handed in are copied.
type Cache interface {
	// Get returns the data of key if it can be had without blocking.
	Get(key core.ChunkKey) ([]byte, bool)

	// Materialize starts an asynchronous lookup of key. If the returned
	// status is Pending, onReady is called exactly once on another goroutine
	// with either the data and NoError, ErrNotFound, or ErrCache, unless
	// Cancel(ticket) is called first.
	Materialize(key core.ChunkKey, onReady func([]byte, core.Error)) (*Ticket, Status)

	// Cancel stops a pending Materialize from calling back. It's a no-op if
	// the callback already ran.
	Cancel(t *Ticket)

	// Put stores data under key.
	Put(key core.ChunkKey, data []byte) error

	// Evict removes key.
	Evict(key core.ChunkKey) error

	// ContainsChunk returns whether key is cached.
	ContainsChunk(key core.ChunkKey) bool

	// Writable returns whether Put is currently allowed.
	Writable() bool
}

// Usage describes how full a cache is.
type Usage struct {
	Entries  int
	Bytes    int64
	MaxBytes int64
	Hits     uint64
	Misses   uint64
}
