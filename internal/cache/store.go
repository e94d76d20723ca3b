// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cache

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/boltdb/bolt"
	log "github.com/golang/glog"
	"github.com/golang/groupcache/lru"

	"github.com/westerndigitalcorporation/chunkstream/internal/core"
	"github.com/westerndigitalcorporation/chunkstream/internal/server"
)

var (
	mode        = 0600
	chunkBucket = []byte("chunks")

	errReadOnly = errors.New("cache is read-only")
)

// StoreConfig configures a Store.
type StoreConfig struct {
	// Path of the bolt database.
	Path string

	// MaxBytes bounds the data kept on disk.
	MaxBytes int64

	// MemoryBytes bounds the in-memory front. Zero disables it.
	MemoryBytes int64

	// ReadOnly opens the store write-protected.
	ReadOnly bool

	// Sync calls fsync after every write.
	Sync bool
}

// DefaultStoreConfig is suitable for a workstation.
var DefaultStoreConfig = StoreConfig{
	MaxBytes:    4 << 30,
	MemoryBytes: 256 << 20,
}

// Store is a persistent cache kept in a bolt database, with a Memory in
// front of it. Get only consults the front; Materialize reads the disk on a
// goroutine and promotes what it finds. Disk usage is bounded by evicting the
// least recently used keys.
type Store struct {
	cfg   StoreConfig
	front *Memory
	db    *bolt.DB

	// Serializes operations on the same key across the front and the disk.
	keys *server.KeyLock

	// Protects the fields below.
	lock     sync.Mutex
	index    *lru.Cache // core.ChunkKey -> int64 size
	bytes    int64
	readOnly bool
	hits     uint64
	misses   uint64

	// Keys pushed out of the index whose data is still on disk.
	victims  []core.ChunkKey
	evicting bool

	// Tracks Materialize goroutines.
	pending sync.WaitGroup
}

// OpenStore opens or creates the store at cfg.Path.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("cache path not set")
	}
	db, err := bolt.Open(cfg.Path, os.FileMode(mode), nil)
	if err != nil {
		return nil, fmt.Errorf("opening cache %s: %w", cfg.Path, err)
	}
	db.NoSync = !cfg.Sync

	s := &Store{
		cfg:      cfg,
		front:    newMemory("front", cfg.MemoryBytes),
		db:       db,
		keys:     server.NewKeyLock(),
		index:    lru.New(0),
		readOnly: cfg.ReadOnly,
	}
	s.index.OnEvicted = func(key lru.Key, value interface{}) {
		s.bytes -= value.(int64)
		if s.evicting {
			s.victims = append(s.victims, key.(core.ChunkKey))
		}
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(chunkBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var key core.ChunkKey
			if len(k) != len(key) {
				log.Errorf("ignoring bad cache key %x", k)
				return nil
			}
			copy(key[:], k)
			s.index.Add(key, int64(len(v)))
			s.bytes += int64(len(v))
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("loading cache index: %w", err)
	}
	log.Infof("opened cache %s: %d entries, %d bytes", cfg.Path, s.index.Len(), s.bytes)
	return s, nil
}

// Get implements Cache.
func (s *Store) Get(key core.ChunkKey) ([]byte, bool) {
	return s.front.Get(key)
}

// Materialize implements Cache.
func (s *Store) Materialize(key core.ChunkKey, onReady func([]byte, core.Error)) (*Ticket, Status) {
	s.lock.Lock()
	_, ok := s.index.Get(key)
	if !ok {
		s.misses++
	}
	s.lock.Unlock()
	if !ok {
		cacheOps.WithLabelValues("disk", "materialize", "miss").Inc()
		return nil, NotFound
	}

	t := &Ticket{}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		data, err := s.read(key)
		if t.IsCanceled() {
			return
		}
		onReady(data, err)
	}()
	return t, Pending
}

// read reads key from disk and promotes it to the front.
func (s *Store) read(key core.ChunkKey) ([]byte, core.Error) {
	s.keys.Lock(key)
	defer s.keys.Unlock(key)

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(chunkBucket).Get(key[:]); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		log.Errorf("cache: reading %s: %s", key, err)
		cacheOps.WithLabelValues("disk", "materialize", "error").Inc()
		return nil, core.ErrCache
	}

	s.lock.Lock()
	if data == nil {
		// Lost to a concurrent eviction.
		s.index.Remove(key)
		s.misses++
	} else {
		s.hits++
	}
	s.lock.Unlock()

	if data == nil {
		cacheOps.WithLabelValues("disk", "materialize", "miss").Inc()
		return nil, core.ErrNotFound
	}
	cacheOps.WithLabelValues("disk", "materialize", "hit").Inc()
	s.front.Put(key, data)
	return data, core.NoError
}

// Cancel implements Cache.
func (s *Store) Cancel(t *Ticket) {
	if t != nil {
		t.cancel()
	}
}

// Put implements Cache.
func (s *Store) Put(key core.ChunkKey, data []byte) error {
	if !s.Writable() {
		cacheOps.WithLabelValues("disk", "put", "readonly").Inc()
		return errReadOnly
	}
	if int64(len(data)) > s.cfg.MaxBytes {
		return nil
	}

	s.keys.Lock(key)
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(chunkBucket).Put(key[:], data)
	})
	if err == nil {
		s.lock.Lock()
		s.index.Remove(key)
		s.index.Add(key, int64(len(data)))
		s.bytes += int64(len(data))
		s.evicting = true
		for s.bytes > s.cfg.MaxBytes && s.index.Len() > 1 {
			s.index.RemoveOldest()
		}
		s.evicting = false
		s.lock.Unlock()
		s.front.Put(key, data)
	}
	s.keys.Unlock(key)

	if err != nil {
		log.Errorf("cache: writing %s: %s", key, err)
		cacheOps.WithLabelValues("disk", "put", "error").Inc()
		return err
	}
	cacheOps.WithLabelValues("disk", "put", "ok").Inc()
	s.dropVictims()
	return nil
}

// dropVictims deletes the data of keys evicted from the index.
func (s *Store) dropVictims() {
	s.lock.Lock()
	victims := s.victims
	s.victims = nil
	s.lock.Unlock()

	for _, key := range victims {
		s.keys.Lock(key)
		s.lock.Lock()
		_, back := s.index.Get(key)
		s.lock.Unlock()
		if !back {
			if err := s.delete(key); err != nil {
				log.Errorf("cache: evicting %s: %s", key, err)
			}
			s.front.Evict(key)
			cacheOps.WithLabelValues("disk", "evict", "lru").Inc()
		}
		s.keys.Unlock(key)
	}
}

func (s *Store) delete(key core.ChunkKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(chunkBucket).Delete(key[:])
	})
}

// Evict implements Cache. Evicting is allowed while read-only, so that corrupt
// data can always be dropped.
func (s *Store) Evict(key core.ChunkKey) error {
	s.keys.Lock(key)
	defer s.keys.Unlock(key)

	s.front.Evict(key)
	s.lock.Lock()
	s.index.Remove(key)
	s.lock.Unlock()
	if err := s.delete(key); err != nil {
		log.Errorf("cache: evicting %s: %s", key, err)
		cacheOps.WithLabelValues("disk", "evict", "error").Inc()
		return err
	}
	cacheOps.WithLabelValues("disk", "evict", "ok").Inc()
	return nil
}

// ContainsChunk implements Cache.
func (s *Store) ContainsChunk(key core.ChunkKey) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	_, ok := s.index.Get(key)
	return ok
}

// Writable implements Cache.
func (s *Store) Writable() bool {
	return !s.ReadOnly()
}

// ReadOnly implements server.ROHandler.
func (s *Store) ReadOnly() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.readOnly
}

// SetReadOnly implements server.ROHandler.
func (s *Store) SetReadOnly(ro bool) error {
	s.lock.Lock()
	s.readOnly = ro
	s.lock.Unlock()
	log.Infof("cache %s read-only: %t", s.cfg.Path, ro)
	return nil
}

// Usage returns the disk usage of the store, with hits and misses of both
// tiers.
func (s *Store) Usage() Usage {
	front := s.front.Usage()
	s.lock.Lock()
	defer s.lock.Unlock()
	return Usage{
		Entries:  s.index.Len(),
		Bytes:    s.bytes,
		MaxBytes: s.cfg.MaxBytes,
		Hits:     s.hits + front.Hits,
		Misses:   s.misses,
	}
}

// FrontUsage returns the usage of the in-memory front.
func (s *Store) FrontUsage() Usage {
	return s.front.Usage()
}

// Close waits for pending lookups and closes the database.
func (s *Store) Close() error {
	s.pending.Wait()
	return s.db.Close()
}
