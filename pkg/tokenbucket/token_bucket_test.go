// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package tokenbucket

import (
	"math"
	"testing"
	"time"
)

func TestBasics(t *testing.T) {
	tb := New(100, 500)
	start := tb.last

	// t=1, take 100. expect no wait.
	if tb.TakeAndUpdate(100, start.Add(1000*time.Millisecond)) > 0 {
		t.Errorf("a")
	}
	// t=3, take 500, no wait.
	if tb.TakeAndUpdate(500, start.Add(3000*time.Millisecond)) > 0 {
		t.Errorf("b")
	}
	// t=3, take 100. nothing is left, so we should have to wait 1s.
	if s := tb.TakeAndUpdate(100, start.Add(3000*time.Millisecond)); s < 900*time.Millisecond || s > 1100*time.Millisecond {
		t.Errorf("c: %s", s)
	}
	// t=3.5, still in debt for half a second.
	if d := tb.Delay(start.Add(3500 * time.Millisecond)); d < 400*time.Millisecond || d > 600*time.Millisecond {
		t.Errorf("d: %s", d)
	}
	// t=4.0, the debt is paid.
	if d := tb.Delay(start.Add(4000 * time.Millisecond)); d > 0 {
		t.Errorf("e: %s", d)
	}
	// t=100, taking 500 should always be possible with no waiting.
	if tb.TakeAndUpdate(500, start.Add(100*time.Second)) > 0 {
		t.Errorf("f")
	}
	// t=200, taking 501 should not be possible without waiting.
	if tb.TakeAndUpdate(501, start.Add(200*time.Second)) <= 0 {
		t.Errorf("g")
	}
}

// Time going backwards doesn't add tokens.
func TestClockSkew(t *testing.T) {
	tb := New(100, 100)
	start := tb.last
	tb.TakeAndUpdate(100, start)
	if d := tb.Delay(start.Add(-time.Hour)); d != 0 {
		t.Errorf("expected balance of exactly zero, got wait %s", d)
	}
}

func TestUnlimited(t *testing.T) {
	tb := New(0, 0)
	for i := 0; i < 10; i++ {
		if d := tb.TakeAndUpdate(1e9, time.Now()); d > 0 {
			t.Fatalf("unlimited bucket asked to wait %s", d)
		}
	}

	// Limiting then unlimiting forgives debt.
	tb = New(10, 10)
	tb.TakeAndUpdate(1000, tb.last)
	if tb.Delay(tb.last) <= 0 {
		t.Fatal("expected debt")
	}
	tb.SetRate(0, 0)
	if d := tb.Delay(tb.last); d > 0 {
		t.Fatalf("debt should be forgiven, got %s", d)
	}
	if tb.Rate() != 0 {
		t.Fatal("bad rate")
	}
}

func TestOneThread(t *testing.T) {
	testOneThread(t, 100, 0, 1, 1000)
	testOneThread(t, 100, 0, 10, 1000)
	testOneThread(t, 100, 0, 100, 1000)
	testOneThread(t, 100, 0, 1000, 1000)

	testOneThread(t, 100, 100, 10, 1000)
	testOneThread(t, 100, 200, 10, 1000)
	testOneThread(t, 100, 1000, 10, 1000)
	testOneThread(t, 100, 2000, 10, 1000)
}

func testOneThread(t *testing.T, rate, cap, unit, max float64) {
	expected := math.Max(0, (max-cap)/rate)

	tb := New(rate, cap)
	start := tb.last
	now := start

	for i := 0.0; i < max; i += unit {
		wait := tb.TakeAndUpdate(unit, now)
		if wait < 0 {
			wait = 0
		}
		now = now.Add(wait)
	}

	elapsed := now.Sub(start).Seconds()
	if (elapsed > 0.001 || expected > 0.001) && math.Abs((elapsed-expected)/expected) > 0.01 {
		t.Errorf("wrong %v != %v", elapsed, expected)
	}
}
