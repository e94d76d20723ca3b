// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package coalesce merges concurrent reads of the same chunk range into a
// single resolution and fans the result out to every reader.
package coalesce

import (
	"sync"
	"sync/atomic"

	"github.com/westerndigitalcorporation/chunkstream/internal/core"
)

// ReadRequest is one logical read of a raw byte range of a chunk. Once
// attached to a ChunkRequest it stays there until it is canceled or the
// ChunkRequest completes.
type ReadRequest struct {
	id   string
	rng  core.Range
	done func(data []byte, err core.Error)

	// Protected by the coalescer lock.
	priority core.Priority
	next     *ReadRequest
	owner    *ChunkRequest

	finished int32
}

// NewReadRequest creates a read of the raw range rng. done is called at most
// once, through Finish.
func NewReadRequest(rng core.Range, pri core.Priority, done func([]byte, core.Error)) *ReadRequest {
	return &ReadRequest{id: core.GenRequestID(), rng: rng, priority: pri, done: done}
}

// ID returns the id of the read, for logging.
func (r *ReadRequest) ID() string {
	return r.id
}

// Range returns the raw range the read asked for.
func (r *ReadRequest) Range() core.Range {
	return r.rng
}

// Finish delivers the result of the read. Only the first call has an effect;
// it returns false for later ones.
func (r *ReadRequest) Finish(data []byte, err core.Error) bool {
	if !atomic.CompareAndSwapInt32(&r.finished, 0, 1) {
		return false
	}
	if r.done != nil {
		r.done(data, err)
	}
	return true
}

// IsFinished returns whether the result of the read was delivered.
func (r *ReadRequest) IsFinished() bool {
	return atomic.LoadInt32(&r.finished) != 0
}

// Params identifies the unit of work a read is coalesced on.
type Params struct {
	Key     core.ChunkKey
	Info    core.ChunkInfo
	Encoded core.Range
}

// ChunkRequest is the single resolution of a ChunkKey shared by all of its
// waiters.
type ChunkRequest struct {
	Params

	// Waiters, highest priority first, FIFO among equals. Protected by the
	// coalescer lock, as are the fields below.
	head, tail *ReadRequest
	waiters    int
	canceled   bool
	completed  bool
	cancel     func()

	// Owned by whoever resolves the request.
	Data      []byte
	FromCache bool
}

// priority returns the aggregate priority, the priority of the first waiter.
func (cr *ChunkRequest) priority() core.Priority {
	if cr.head == nil {
		return 0
	}
	return cr.head.priority
}

// insert adds r before the first waiter with a strictly lower priority.
func (cr *ChunkRequest) insert(r *ReadRequest) {
	r.owner = cr
	r.next = nil
	cr.waiters++
	if cr.head == nil {
		cr.head, cr.tail = r, r
		return
	}
	if r.priority <= cr.tail.priority {
		cr.tail.next = r
		cr.tail = r
		return
	}
	if r.priority > cr.head.priority {
		r.next = cr.head
		cr.head = r
		return
	}
	prev := cr.head
	for prev.next != nil && prev.next.priority >= r.priority {
		prev = prev.next
	}
	r.next = prev.next
	prev.next = r
}

// unlink removes r from the waiters. Returns false if r is not a waiter.
func (cr *ChunkRequest) unlink(r *ReadRequest) bool {
	var prev *ReadRequest
	for cur := cr.head; cur != nil; prev, cur = cur, cur.next {
		if cur != r {
			continue
		}
		if prev == nil {
			cr.head = cur.next
		} else {
			prev.next = cur.next
		}
		if cr.tail == cur {
			cr.tail = prev
		}
		cur.next = nil
		cur.owner = nil
		cr.waiters--
		return true
	}
	return false
}

// Coalescer tracks the ChunkRequests being resolved, by key.
//
// A key is in the map exactly while its ChunkRequest is being resolved and
// has not been canceled or completed. The map and every waiter list share
// one lock, which is never held while calling out.
type Coalescer struct {
	lock     sync.Mutex
	inflight map[core.ChunkKey]*ChunkRequest
}

// New creates an empty coalescer.
func New() *Coalescer {
	return &Coalescer{inflight: make(map[core.ChunkKey]*ChunkRequest)}
}

// Create attaches read to the ChunkRequest for p.Key, creating it if there is
// none. If created is true the caller must resolve the returned request. If
// priorityChanged is true the aggregate priority went up and the caller should
// propagate it to the operation in progress.
func (c *Coalescer) Create(read *ReadRequest, p Params) (cr *ChunkRequest, created bool, priorityChanged bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if read.owner != nil {
		panic("read request already attached")
	}
	if cr = c.inflight[p.Key]; cr != nil {
		old := cr.priority()
		cr.insert(read)
		return cr, false, cr.priority() > old
	}
	cr = &ChunkRequest{Params: p}
	cr.insert(read)
	c.inflight[p.Key] = cr
	return cr, true, false
}

// Cancel detaches read from its ChunkRequest. If it was the last waiter the
// ChunkRequest is canceled, forgotten and its cancel hook runs. Returns false
// if read was not waiting on anything, e.g. because it already completed.
// The caller is responsible for finishing read.
func (c *Coalescer) Cancel(read *ReadRequest) bool {
	c.lock.Lock()
	cr := read.owner
	if cr == nil || !cr.unlink(read) {
		c.lock.Unlock()
		return false
	}
	var hook func()
	if cr.waiters == 0 {
		cr.canceled = true
		if c.inflight[cr.Key] == cr {
			delete(c.inflight, cr.Key)
		}
		hook, cr.cancel = cr.cancel, nil
	}
	c.lock.Unlock()

	if hook != nil {
		hook()
	}
	return true
}

// Reprioritize changes the priority of a waiting read. Returns its
// ChunkRequest and whether the aggregate priority went up. Returns nil if read
// is not waiting.
func (c *Coalescer) Reprioritize(read *ReadRequest, pri core.Priority) (*ChunkRequest, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	cr := read.owner
	if cr == nil || !cr.unlink(read) {
		return nil, false
	}
	old := cr.priority()
	read.priority = pri
	cr.insert(read)
	return cr, cr.priority() > old
}

// Priority returns the aggregate priority of cr, the highest priority among
// its waiters.
func (c *Coalescer) Priority(cr *ChunkRequest) core.Priority {
	c.lock.Lock()
	defer c.lock.Unlock()
	return cr.priority()
}

// IsCanceled returns whether every waiter of cr went away.
func (c *Coalescer) IsCanceled(cr *ChunkRequest) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return cr.canceled
}

// SetHandle installs the hook that cancels the operation currently resolving
// cr, replacing any previous one. If cr was already canceled the hook runs
// right away and SetHandle returns false.
func (c *Coalescer) SetHandle(cr *ChunkRequest, cancel func()) bool {
	c.lock.Lock()
	if cr.canceled || cr.completed {
		c.lock.Unlock()
		if cr.canceled && cancel != nil {
			cancel()
		}
		return false
	}
	cr.cancel = cancel
	c.lock.Unlock()
	return true
}

// Complete ends the resolution of cr. It forgets the key, so that a later read
// starts afresh, and returns the waiters for the caller to finish. Only the
// first call returns waiters; a canceled request has none.
func (c *Coalescer) Complete(cr *ChunkRequest) []*ReadRequest {
	c.lock.Lock()
	defer c.lock.Unlock()

	if cr.completed {
		return nil
	}
	cr.completed = true
	cr.cancel = nil
	if c.inflight[cr.Key] == cr {
		delete(c.inflight, cr.Key)
	}

	waiters := make([]*ReadRequest, 0, cr.waiters)
	for r := cr.head; r != nil; {
		next := r.next
		r.next = nil
		r.owner = nil
		waiters = append(waiters, r)
		r = next
	}
	cr.head, cr.tail, cr.waiters = nil, nil, 0
	return waiters
}

// Num returns the number of keys being resolved.
func (c *Coalescer) Num() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.inflight)
}

// Waiters returns the number of reads waiting on cr.
func (c *Coalescer) Waiters(cr *ChunkRequest) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return cr.waiters
}
