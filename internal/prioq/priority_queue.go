// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package prioq

import (
	"sync"
	"sync/atomic"

	"github.com/westerndigitalcorporation/chunkstream/internal/core"
)

// All can be passed to Dequeue to drain the whole queue.
const All = 0

// Link is embedded in every element that can be queued. It holds the
// element's priority and its position in the queue, so queueing an element
// never allocates.
type Link struct {
	priority core.Priority
	next     Item
	queued   bool
}

// QueueLink returns the receiver. Embedding Link makes a type an Item.
func (l *Link) QueueLink() *Link {
	return l
}

// Priority returns the current priority of the element.
func (l *Link) Priority() core.Priority {
	return l.priority
}

// SetPriority sets the priority of an element that is not queued. Queued
// elements must go through Queue.Reprioritize.
func (l *Link) SetPriority(p core.Priority) {
	l.priority = p
}

// Item is anything that embeds a Link.
type Item interface {
	QueueLink() *Link
}

// Queue is a thread safe singly linked list of Items ordered by descending
// priority. Items of equal priority are kept in insertion order.
type Queue struct {
	// Mutex to protect state
	lock sync.Mutex

	head Item
	tail Item

	// Racy size, see Num.
	num int64
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue appends item at the tail regardless of its priority. It is meant for
// producers that only ever use FIFO order.
func (q *Queue) Enqueue(item Item) {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.pushBack(item)
}

// EnqueueByPriority inserts item after every element with a priority greater
// than or equal to its own.
func (q *Queue) EnqueueByPriority(item Item) {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.insert(item)
}

// Dequeue detaches up to max elements from the head and returns them in queue
// order. A max of All or less drains the queue.
func (q *Queue) Dequeue(max int) []Item {
	q.lock.Lock()
	defer q.lock.Unlock()

	var out []Item
	for q.head != nil && (max <= All || len(out) < max) {
		item := q.head
		l := item.QueueLink()
		q.head = l.next
		l.next = nil
		l.queued = false
		out = append(out, item)
	}
	if q.head == nil {
		q.tail = nil
	}
	atomic.AddInt64(&q.num, -int64(len(out)))
	return out
}

// Reprioritize changes the priority of item and moves it to its new position.
// Returns false and only updates the priority if item is not queued.
func (q *Queue) Reprioritize(item Item, p core.Priority) bool {
	q.lock.Lock()
	defer q.lock.Unlock()

	l := item.QueueLink()
	l.priority = p
	if !l.queued {
		return false
	}
	q.unlink(item)
	q.insert(item)
	return true
}

// Remove unlinks item. Returns false if it was not queued.
func (q *Queue) Remove(item Item) bool {
	q.lock.Lock()
	defer q.lock.Unlock()

	if !item.QueueLink().queued {
		return false
	}
	q.unlink(item)
	return true
}

// Num returns the number of queued elements. It does not take the lock and
// may be stale by the time it returns, so use it for heuristics only.
func (q *Queue) Num() int {
	return int(atomic.LoadInt64(&q.num))
}

// pushBack appends item at the tail. Must hold lock.
func (q *Queue) pushBack(item Item) {
	l := item.QueueLink()
	if l.queued {
		panic("prioq: item is already queued")
	}
	l.queued = true
	l.next = nil
	if q.tail == nil {
		q.head = item
	} else {
		q.tail.QueueLink().next = item
	}
	q.tail = item
	atomic.AddInt64(&q.num, 1)
}

// insert places item by priority. Must hold lock.
func (q *Queue) insert(item Item) {
	l := item.QueueLink()

	// Empty queue, or no higher than the tail: append.
	if q.tail == nil || l.priority <= q.tail.QueueLink().priority {
		q.pushBack(item)
		return
	}

	if l.queued {
		panic("prioq: item is already queued")
	}
	l.queued = true
	atomic.AddInt64(&q.num, 1)

	// Strictly higher than the head: new head.
	if l.priority > q.head.QueueLink().priority {
		l.next = q.head
		q.head = item
		return
	}

	// Find the last element with priority >= ours. The tail check above
	// guarantees one with a strictly lower priority follows it.
	prev := q.head
	for {
		next := prev.QueueLink().next
		if next.QueueLink().priority < l.priority {
			break
		}
		prev = next
	}
	pl := prev.QueueLink()
	l.next = pl.next
	pl.next = item
}

// unlink removes a queued item. Must hold lock.
func (q *Queue) unlink(item Item) {
	var prev Item
	for cur := q.head; cur != nil; cur = cur.QueueLink().next {
		if cur != item {
			prev = cur
			continue
		}
		l := cur.QueueLink()
		if prev == nil {
			q.head = l.next
		} else {
			prev.QueueLink().next = l.next
		}
		if q.tail == cur {
			q.tail = prev
		}
		l.next = nil
		l.queued = false
		atomic.AddInt64(&q.num, -1)
		return
	}
}
