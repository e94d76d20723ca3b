// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"sync"

	"github.com/westerndigitalcorporation/chunkstream/internal/core"
)

// KeyLock provides exclusive access to a given chunk key. Stores that keep a
// key in more than one place use it to make updates of a key atomic across
// all of them.
type KeyLock struct {
	// Protects cond and keys.
	lock sync.Mutex

	// Signals when something is unlocked.
	cond sync.Cond

	// If present, the key is locked.
	keys map[core.ChunkKey]bool
}

// NewKeyLock creates a new KeyLock.
func NewKeyLock() *KeyLock {
	f := new(KeyLock)
	f.cond.L = &f.lock
	f.keys = make(map[core.ChunkKey]bool)
	return f
}

// Lock blocks until key is not held by anybody else and then takes it.
func (f *KeyLock) Lock(key core.ChunkKey) {
	f.lock.Lock()
	defer f.lock.Unlock()
	for f.keys[key] {
		f.cond.Wait()
	}
	f.keys[key] = true
}

// Unlock releases key. It panics if key is not locked.
func (f *KeyLock) Unlock(key core.ChunkKey) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if !f.keys[key] {
		panic("wasn't locked!")
	}
	delete(f.keys, key)
	f.cond.Broadcast()
}
