// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cache

import (
	"sync"

	"github.com/golang/groupcache/lru"

	"github.com/westerndigitalcorporation/chunkstream/internal/core"
)

// Memory is an in-memory LRU cache bounded by the total size of its values.
type Memory struct {
	name string

	lock     sync.Mutex
	lru      *lru.Cache
	bytes    int64
	maxBytes int64
	hits     uint64
	misses   uint64
}

// NewMemory creates a cache holding at most maxBytes of data.
func NewMemory(maxBytes int64) *Memory {
	return newMemory("memory", maxBytes)
}

func newMemory(name string, maxBytes int64) *Memory {
	m := &Memory{name: name, lru: lru.New(0), maxBytes: maxBytes}
	m.lru.OnEvicted = func(key lru.Key, value interface{}) {
		m.bytes -= int64(len(value.([]byte)))
	}
	return m
}

// Get implements Cache.
func (m *Memory) Get(key core.ChunkKey) ([]byte, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if v, ok := m.lru.Get(key); ok {
		m.hits++
		cacheOps.WithLabelValues(m.name, "get", "hit").Inc()
		return v.([]byte), true
	}
	m.misses++
	cacheOps.WithLabelValues(m.name, "get", "miss").Inc()
	return nil, false
}

// Materialize implements Cache. Everything a Memory has is available through
// Get, so hits are only reported for keys added since the caller's Get.
func (m *Memory) Materialize(key core.ChunkKey, onReady func([]byte, core.Error)) (*Ticket, Status) {
	data, ok := m.Get(key)
	if !ok {
		return nil, NotFound
	}
	t := &Ticket{}
	go func() {
		if !t.IsCanceled() {
			onReady(data, core.NoError)
		}
	}()
	return t, Pending
}

// Cancel implements Cache.
func (m *Memory) Cancel(t *Ticket) {
	if t != nil {
		t.cancel()
	}
}

// Put implements Cache. Values bigger than the whole cache are dropped.
func (m *Memory) Put(key core.ChunkKey, data []byte) error {
	if int64(len(data)) > m.maxBytes {
		return nil
	}
	data = append([]byte(nil), data...)

	m.lock.Lock()
	defer m.lock.Unlock()
	m.lru.Remove(key)
	m.lru.Add(key, data)
	m.bytes += int64(len(data))
	for m.bytes > m.maxBytes && m.lru.Len() > 0 {
		m.lru.RemoveOldest()
	}
	cacheOps.WithLabelValues(m.name, "put", "ok").Inc()
	return nil
}

// Evict implements Cache.
func (m *Memory) Evict(key core.ChunkKey) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.lru.Remove(key)
	return nil
}

// ContainsChunk implements Cache.
func (m *Memory) ContainsChunk(key core.ChunkKey) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	// lru.Cache has no peek, so this refreshes key.
	_, ok := m.lru.Get(key)
	return ok
}

// Writable implements Cache.
func (m *Memory) Writable() bool {
	return true
}

// Usage returns the current usage of the cache.
func (m *Memory) Usage() Usage {
	m.lock.Lock()
	defer m.lock.Unlock()
	return Usage{
		Entries:  m.lru.Len(),
		Bytes:    m.bytes,
		MaxBytes: m.maxBytes,
		Hits:     m.hits,
		Misses:   m.misses,
	}
}
