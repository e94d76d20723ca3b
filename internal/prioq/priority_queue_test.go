// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT
//
// Tests for priority_queue.go
package prioq

import (
	"sync"
	"testing"

	"github.com/westerndigitalcorporation/chunkstream/internal/core"
)

// A test element that remembers its insertion order.
type testElt struct {
	Link
	id int
}

func newElt(id int, pri core.Priority) *testElt {
	e := &testElt{id: id}
	e.SetPriority(pri)
	return e
}

func ids(items []Item) []int {
	var out []int
	for _, item := range items {
		out = append(out, item.(*testElt).id)
	}
	return out
}

func checkOrder(t *testing.T, got []Item, want ...int) {
	g := ids(got)
	if len(g) != len(want) {
		t.Fatalf("got %v, want %v", g, want)
	}
	for i := range g {
		if g[i] != want[i] {
			t.Fatalf("got %v, want %v", g, want)
		}
	}
}

// Test that highest priority is dequeued first and equal priorities keep
// their insertion order.
func TestPriorityInOrder(t *testing.T) {
	q := New()
	q.EnqueueByPriority(newElt(0, 10))
	q.EnqueueByPriority(newElt(1, 30))
	q.EnqueueByPriority(newElt(2, 20))
	q.EnqueueByPriority(newElt(3, 30))
	q.EnqueueByPriority(newElt(4, 10))
	q.EnqueueByPriority(newElt(5, 20))

	if q.Num() != 6 {
		t.Fatalf("wrong size %d", q.Num())
	}
	checkOrder(t, q.Dequeue(All), 1, 3, 2, 5, 0, 4)
	if q.Num() != 0 {
		t.Fatalf("wrong size %d", q.Num())
	}
	if len(q.Dequeue(All)) != 0 {
		t.Fatal("empty queue returned elements")
	}
}

// Enqueue ignores priorities.
func TestFIFO(t *testing.T) {
	q := New()
	q.Enqueue(newElt(0, 10))
	q.Enqueue(newElt(1, 30))
	q.Enqueue(newElt(2, 20))
	checkOrder(t, q.Dequeue(All), 0, 1, 2)
}

// Dequeue returns at most max elements.
func TestDequeueMax(t *testing.T) {
	q := New()
	for i := 0; i < 5; i++ {
		q.EnqueueByPriority(newElt(i, core.PriorityNormal))
	}
	checkOrder(t, q.Dequeue(2), 0, 1)
	checkOrder(t, q.Dequeue(2), 2, 3)
	checkOrder(t, q.Dequeue(2), 4)
	if q.Num() != 0 {
		t.Fatalf("wrong size %d", q.Num())
	}

	// The queue must be usable after being drained.
	q.EnqueueByPriority(newElt(5, core.PriorityNormal))
	checkOrder(t, q.Dequeue(All), 5)
}

// Raising the priority of the tail above everything moves it to the head, and
// lowering the head below everything moves it to the tail.
func TestReprioritize(t *testing.T) {
	q := New()
	a := newElt(0, 20)
	b := newElt(1, 20)
	c := newElt(2, 20)
	q.EnqueueByPriority(a)
	q.EnqueueByPriority(b)
	q.EnqueueByPriority(c)

	if !q.Reprioritize(c, 30) {
		t.Fatal("reprioritize of queued element failed")
	}
	if !q.Reprioritize(a, 10) {
		t.Fatal("reprioritize of queued element failed")
	}
	checkOrder(t, q.Dequeue(All), 2, 1, 0)

	// Moving to an equal priority puts the element after its peers.
	q.EnqueueByPriority(a)
	q.EnqueueByPriority(b)
	q.EnqueueByPriority(c)
	q.Reprioritize(c, 20)
	q.Reprioritize(a, 20)
	q.Reprioritize(b, 20)
	checkOrder(t, q.Dequeue(All), 2, 0, 1)
}

// Reprioritizing an element that isn't queued updates the priority only.
func TestReprioritizeNotQueued(t *testing.T) {
	q := New()
	e := newElt(0, 10)
	if q.Reprioritize(e, 50) {
		t.Fatal("reprioritize of unqueued element should return false")
	}
	if e.Priority() != 50 {
		t.Fatalf("priority not updated: %d", e.Priority())
	}
	if q.Num() != 0 {
		t.Fatal("element was queued")
	}
}

func TestRemove(t *testing.T) {
	q := New()
	elts := []*testElt{newElt(0, 30), newElt(1, 20), newElt(2, 10)}
	for _, e := range elts {
		q.EnqueueByPriority(e)
	}

	// Remove the tail, then insert something that belongs at the tail.
	if !q.Remove(elts[2]) {
		t.Fatal("remove failed")
	}
	if q.Remove(elts[2]) {
		t.Fatal("second remove should fail")
	}
	q.EnqueueByPriority(newElt(3, 5))
	// Remove the head.
	if !q.Remove(elts[0]) {
		t.Fatal("remove failed")
	}
	checkOrder(t, q.Dequeue(All), 1, 3)
}

// Insertion into the middle of the queue.
func TestInsertMiddle(t *testing.T) {
	q := New()
	q.EnqueueByPriority(newElt(0, 50))
	q.EnqueueByPriority(newElt(1, 40))
	q.EnqueueByPriority(newElt(2, 10))
	q.EnqueueByPriority(newElt(3, 40))
	q.EnqueueByPriority(newElt(4, 45))
	checkOrder(t, q.Dequeue(All), 0, 4, 1, 3, 2)
}

// Concurrent producers and a consumer don't lose elements.
func TestParallelEnqueueDequeue(t *testing.T) {
	q := New()
	iter := 1000
	var wg sync.WaitGroup
	for i := 0; i < iter; i++ {
		wg.Add(1)
		go func(i int) {
			e := newElt(i, core.Priority(i%7))
			q.EnqueueByPriority(e)
			q.Reprioritize(e, core.Priority(i%5))
			wg.Done()
		}(i)
	}

	seen := make(map[int]bool)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for finished := false; !finished; {
		select {
		case <-done:
			finished = true
		default:
		}
		for _, item := range q.Dequeue(3) {
			seen[item.(*testElt).id] = true
		}
	}
	for _, item := range q.Dequeue(All) {
		seen[item.(*testElt).id] = true
	}
	if len(seen) != iter {
		t.Fatalf("expected %d elements, got %d", iter, len(seen))
	}
}
