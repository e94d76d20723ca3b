// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/chunkstream/internal/core"
)

func TestSemaphore(t *testing.T) {
	s := NewSemaphore(2)
	s.Acquire()
	if !s.TryAcquire() {
		t.Fatal("second permit should be free")
	}
	if s.TryAcquire() {
		t.Fatal("no permits should be left")
	}
	if s.InUse() != 2 {
		t.Fatalf("expected 2 in use, got %d", s.InUse())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.AcquireContext(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	s.Release()
	if err := s.AcquireContext(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestKeyLock(t *testing.T) {
	l := NewKeyLock()
	a, b := core.ChunkKey{1}, core.ChunkKey{2}

	l.Lock(a)
	// Other keys are independent.
	l.Lock(b)
	l.Unlock(b)

	var held int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Lock(a)
			if atomic.AddInt32(&held, 1) != 1 {
				t.Error("key held twice")
			}
			atomic.AddInt32(&held, -1)
			l.Unlock(a)
		}()
	}
	time.Sleep(5 * time.Millisecond)
	l.Unlock(a)
	wg.Wait()

	defer func() {
		if recover() == nil {
			t.Error("unlocking an unlocked key should panic")
		}
	}()
	l.Unlock(a)
}

type roStore struct {
	ro bool
}

func (s *roStore) ReadOnly() bool { return s.ro }

func (s *roStore) SetReadOnly(ro bool) error {
	s.ro = ro
	return nil
}

func TestReadOnlyHandler(t *testing.T) {
	s := &roStore{}
	call := func(method, url string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		ReadOnlyHandler(w, httptest.NewRequest(method, url, nil), s)
		return w
	}

	if w := call("GET", "/readonly"); w.Body.String() != "false" {
		t.Fatalf("unexpected state %q", w.Body.String())
	}
	if w := call("POST", "/readonly?mode=true"); w.Code != http.StatusOK || !s.ro {
		t.Fatalf("failed to set read-only: %d", w.Code)
	}
	if w := call("GET", "/readonly"); w.Body.String() != "true" {
		t.Fatalf("unexpected state %q", w.Body.String())
	}
	if w := call("POST", "/readonly?mode=maybe"); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if w := call("PUT", "/readonly?mode=false"); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestOpFailure(t *testing.T) {
	f := NewOpFailure()
	if err := f.Handler([]byte(`{"get": 503}`)); err != nil {
		t.Fatal(err)
	}
	if f.Get("get") != 503 || f.Get("health") != 0 {
		t.Fatal("unexpected failures")
	}
	f.Set("health", 500)
	f.Set("get", 0)
	if f.Get("get") != 0 || f.Get("health") != 500 {
		t.Fatal("unexpected failures")
	}
	if err := f.Handler([]byte(`not json`)); err == nil {
		t.Fatal("bad config accepted")
	}
	f.Handler(nil)
	if f.Get("health") != 0 {
		t.Fatal("nil config should clear failures")
	}
}

func TestOpMetric(t *testing.T) {
	m := NewOpMetric("server_test_ops", "kind")
	m.Start("a").EndWithError(core.NoError)
	m.Start("a").EndWithError(core.ErrCanceled)
	m.Start("a").EndWithError(core.ErrServer)
	m.Start("b").End()

	if n := m.Count("all", "a"); n != 3 {
		t.Fatalf("expected 3 ops, got %d", n)
	}
	if m.Count("failed", "a") != 1 || m.Count("canceled", "a") != 1 || m.Count("failed", "b") != 0 {
		t.Fatal("unexpected result counts")
	}
	s := m.Strings("a")["a"]
	if !strings.Contains(s, "Total count=1") || !strings.Contains(s, "1 failed") || !strings.Contains(s, "0 pending") {
		t.Fatalf("unexpected summary %q", s)
	}
}
