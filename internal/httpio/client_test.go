// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package httpio

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/chunkstream/internal/core"
	"github.com/westerndigitalcorporation/chunkstream/internal/hostgroup"
)

var testContent = bytes.Repeat([]byte("0123456789abcdef"), 1024)

// testServer serves testContent, or fails with a configurable status.
type testServer struct {
	*httptest.Server

	status int32
	gets   int32

	// Range headers seen, in order.
	lock   sync.Mutex
	ranges []string
	paths  []string

	// If set, GETs block until it is closed or the request is canceled.
	block chan struct{}
	// Receives the path of every GET when it arrives.
	arrived chan string
}

func newTestServer(status int) *testServer {
	s := &testServer{status: int32(status), arrived: make(chan string, 100)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

func (s *testServer) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	atomic.AddInt32(&s.gets, 1)
	s.lock.Lock()
	s.ranges = append(s.ranges, r.Header.Get("Range"))
	s.paths = append(s.paths, r.URL.Path)
	block := s.block
	s.lock.Unlock()
	s.arrived <- r.URL.Path

	if block != nil {
		select {
		case <-block:
		case <-r.Context().Done():
			return
		}
	}
	if st := atomic.LoadInt32(&s.status); st != http.StatusOK {
		w.WriteHeader(int(st))
		return
	}
	w.Header().Set("X-Cache", "Hit from cloudfront")
	http.ServeContent(w, r, "chunk", time.Time{}, bytes.NewReader(testContent))
}

func (s *testServer) numGets() int {
	return int(atomic.LoadInt32(&s.gets))
}

func (s *testServer) seenRanges() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]string(nil), s.ranges...)
}

func (s *testServer) seenPaths() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]string(nil), s.paths...)
}

func newGroup(t *testing.T, servers ...*testServer) *hostgroup.HostGroup {
	var urls []string
	for _, s := range servers {
		urls = append(urls, s.URL)
	}
	g, err := hostgroup.New("test", urls, hostgroup.DefaultConfig)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func testConfig() Config {
	cfg := DefaultConfig
	cfg.RequestTimeout = 5 * time.Second
	cfg.FailTimeout = 100 * time.Millisecond
	cfg.HealthCheckInterval = time.Hour
	return cfg
}

// get runs a single request through a client until it completes.
func get(t *testing.T, cfg Config, g *hostgroup.HostGroup, rng core.Range) *Response {
	c := NewClient(cfg, nil)
	var resp *Response
	c.Get(NewRequest(g, "/chunks/x", rng, core.PriorityNormal, func(r *Response) { resp = r }))
	deadline := time.Now().Add(10 * time.Second)
	for c.Tick(time.Second, 0) {
		if time.Now().After(deadline) {
			t.Fatal("request did not finish")
		}
	}
	if resp == nil {
		t.Fatal("no response delivered")
	}
	return resp
}

func TestGetRange(t *testing.T) {
	s := newTestServer(http.StatusOK)
	defer s.Close()

	resp := get(t, testConfig(), newGroup(t, s), core.Range{Offset: 100, Length: 50})
	if resp.Err != core.NoError || resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("unexpected result %v/%d", resp.Err, resp.StatusCode)
	}
	if !bytes.Equal(resp.Body, testContent[100:150]) {
		t.Fatal("wrong body")
	}
	if h := s.seenRanges()[0]; h != "bytes=100-149" {
		t.Fatalf("bad range header %q", h)
	}
	if resp.CacheStatus != CacheHit {
		t.Fatalf("expected cache hit, got %s", resp.CacheStatus)
	}
}

// A zero length range fetches the whole resource without a Range header.
func TestGetWhole(t *testing.T) {
	s := newTestServer(http.StatusOK)
	defer s.Close()

	resp := get(t, testConfig(), newGroup(t, s), core.Range{})
	if resp.Err != core.NoError || resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected result %v/%d", resp.Err, resp.StatusCode)
	}
	if !bytes.Equal(resp.Body, testContent) {
		t.Fatal("wrong body")
	}
	if h := s.seenRanges()[0]; h != "" {
		t.Fatalf("unexpected range header %q", h)
	}
}

// Client errors are final.
func TestClientErrorNotRetried(t *testing.T) {
	s0 := newTestServer(http.StatusNotFound)
	s1 := newTestServer(http.StatusOK)
	defer s0.Close()
	defer s1.Close()

	resp := get(t, testConfig(), newGroup(t, s0, s1), core.Range{Offset: 0, Length: 10})
	if resp.Err != core.ErrClient || resp.StatusCode != http.StatusNotFound || resp.Retries != 0 {
		t.Fatalf("unexpected result %v/%d/%d", resp.Err, resp.StatusCode, resp.Retries)
	}
	if s0.numGets() != 1 || s1.numGets() != 0 {
		t.Fatalf("unexpected attempts %d/%d", s0.numGets(), s1.numGets())
	}
}

// With the default retry budget every endpoint is tried; the first retry
// stays on the same endpoint.
func TestRetryBudget(t *testing.T) {
	servers := []*testServer{
		newTestServer(http.StatusServiceUnavailable),
		newTestServer(http.StatusServiceUnavailable),
		newTestServer(http.StatusServiceUnavailable),
	}
	for _, s := range servers {
		defer s.Close()
	}

	resp := get(t, testConfig(), newGroup(t, servers...), core.Range{Offset: 0, Length: 10})
	if resp.Err != core.ErrServer || resp.Retries != 3 {
		t.Fatalf("unexpected result %v after %d retries", resp.Err, resp.Retries)
	}
	// 0, 0, 1, 2
	if servers[0].numGets() != 2 || servers[1].numGets() != 1 || servers[2].numGets() != 1 {
		t.Fatalf("unexpected attempts %d/%d/%d", servers[0].numGets(), servers[1].numGets(), servers[2].numGets())
	}
}

// A two endpoint group reaches its second endpoint with the default budget.
func TestFailoverTwoEndpoints(t *testing.T) {
	s0 := newTestServer(http.StatusServiceUnavailable)
	s1 := newTestServer(http.StatusOK)
	defer s0.Close()
	defer s1.Close()

	resp := get(t, testConfig(), newGroup(t, s0, s1), core.Range{Offset: 0, Length: 10})
	if resp.Err != core.NoError || resp.HostIndex != 1 || resp.Retries != 2 {
		t.Fatalf("unexpected result %v on %d after %d retries", resp.Err, resp.HostIndex, resp.Retries)
	}
	if s0.numGets() != 2 || s1.numGets() != 1 {
		t.Fatalf("unexpected attempts %d/%d", s0.numGets(), s1.numGets())
	}
	if !bytes.Equal(resp.Body, testContent[0:10]) {
		t.Fatal("wrong body")
	}
}

// An explicit retry budget cycles through endpoints after the first retry.
func TestRetryCycling(t *testing.T) {
	s0 := newTestServer(http.StatusInternalServerError)
	s1 := newTestServer(http.StatusBadGateway)
	defer s0.Close()
	defer s1.Close()

	cfg := testConfig()
	cfg.MaxRetryCount = 4
	resp := get(t, cfg, newGroup(t, s0, s1), core.Range{Offset: 0, Length: 10})
	if resp.Err != core.ErrServer || resp.Retries != 4 {
		t.Fatalf("unexpected result %v after %d retries", resp.Err, resp.Retries)
	}
	// 0, 0, 1, 0, 1
	if s0.numGets() != 3 || s1.numGets() != 2 {
		t.Fatalf("unexpected attempts %d/%d", s0.numGets(), s1.numGets())
	}
}

// A failing primary fails over to the next endpoint.
func TestFailover(t *testing.T) {
	s0 := newTestServer(http.StatusServiceUnavailable)
	s1 := newTestServer(http.StatusOK)
	s2 := newTestServer(http.StatusOK)
	defer s0.Close()
	defer s1.Close()
	defer s2.Close()

	resp := get(t, testConfig(), newGroup(t, s0, s1, s2), core.Range{Offset: 5, Length: 5})
	if resp.Err != core.NoError || resp.HostIndex != 1 || resp.Retries != 2 {
		t.Fatalf("unexpected result %v on %d after %d retries", resp.Err, resp.HostIndex, resp.Retries)
	}
	if !bytes.Equal(resp.Body, testContent[5:10]) {
		t.Fatal("wrong body")
	}
}

// Transport errors are retried like server errors.
func TestTransportError(t *testing.T) {
	s := newTestServer(http.StatusOK)
	url := s.URL
	s.Close()

	g, _ := hostgroup.New("dead", []string{url}, hostgroup.DefaultConfig)
	resp := get(t, testConfig(), g, core.Range{Offset: 0, Length: 10})
	if resp.Err != core.ErrTransport || resp.StatusCode != 0 {
		t.Fatalf("unexpected result %v/%d", resp.Err, resp.StatusCode)
	}
}

// Failed responses count against the host group.
func TestFailuresDisconnect(t *testing.T) {
	s := newTestServer(http.StatusServiceUnavailable)
	defer s.Close()
	g := newGroup(t, s)
	g.Connect(0)

	cfg := testConfig()
	cfg.MaxRetryCount = 0
	for i := 0; i < 5; i++ {
		get(t, cfg, g, core.Range{Offset: 0, Length: 10})
	}
	if g.IsConnected() {
		t.Fatal("group should have disconnected")
	}
}

// Aborting an attempt in flight completes the request with ErrCanceled.
func TestAbort(t *testing.T) {
	s := newTestServer(http.StatusOK)
	s.block = make(chan struct{})
	defer s.Close()

	c := NewClient(testConfig(), nil)
	var resp *Response
	r := NewRequest(newGroup(t, s), "/x", core.Range{Offset: 0, Length: 10}, core.PriorityNormal, func(r *Response) { resp = r })
	c.Get(r)
	<-s.arrived
	c.Abort(r)
	for c.Tick(time.Second, 0) {
	}
	if resp == nil || resp.Err != core.ErrCanceled {
		t.Fatalf("expected ErrCanceled, got %+v", resp)
	}
	if s.numGets() != 1 {
		t.Fatal("canceled requests must not be retried")
	}
}

// No more than MaxConcurrentRequests round trips are in flight.
func TestConcurrencyCap(t *testing.T) {
	s := newTestServer(http.StatusOK)
	s.block = make(chan struct{})
	defer s.Close()

	cfg := testConfig()
	cfg.MaxConcurrentRequests = 2
	c := NewClient(cfg, nil)
	g := newGroup(t, s)
	done := 0
	for i := 0; i < 5; i++ {
		c.Get(NewRequest(g, "/x", core.Range{Offset: 0, Length: 10}, core.PriorityNormal, func(r *Response) { done++ }))
	}
	<-s.arrived
	<-s.arrived
	c.Tick(50*time.Millisecond, 0)
	if n := s.numGets(); n != 2 {
		t.Fatalf("expected 2 round trips in flight, got %d", n)
	}
	if c.Outstanding() != 5 {
		t.Fatalf("expected 5 outstanding, got %d", c.Outstanding())
	}
	close(s.block)
	for c.Tick(time.Second, 0) {
	}
	if done != 5 || s.numGets() != 5 {
		t.Fatalf("expected 5 completions, got %d (%d round trips)", done, s.numGets())
	}
}

// Close fails everything with the given error.
func TestClose(t *testing.T) {
	s := newTestServer(http.StatusOK)
	s.block = make(chan struct{})
	defer s.Close()

	cfg := testConfig()
	cfg.MaxConcurrentRequests = 1
	c := NewClient(cfg, nil)
	g := newGroup(t, s)
	var errs []core.Error
	for i := 0; i < 3; i++ {
		c.Get(NewRequest(g, "/x", core.Range{Offset: 0, Length: 10}, core.PriorityNormal, func(r *Response) { errs = append(errs, r.Err) }))
	}
	<-s.arrived
	c.Close(core.ErrShutdown)
	if len(errs) != 3 {
		t.Fatalf("expected 3 completions, got %d", len(errs))
	}
	for _, e := range errs {
		if e != core.ErrShutdown {
			t.Fatalf("expected ErrShutdown, got %v", e)
		}
	}
}

func TestParseCacheStatus(t *testing.T) {
	names := []string{"X-Cache", "CF-Cache-Status"}
	for _, test := range []struct {
		header http.Header
		want   CacheStatus
	}{
		{http.Header{}, CacheUnknown},
		{http.Header{"X-Cache": {"HIT"}}, CacheHit},
		{http.Header{"X-Cache": {"Miss from cloudfront"}}, CacheMiss},
		{http.Header{"Cf-Cache-Status": {"hit"}}, CacheHit},
		// The first header present wins.
		{http.Header{"X-Cache": {"MISS"}, "Cf-Cache-Status": {"HIT"}}, CacheMiss},
		{http.Header{"X-Cache": {"DYNAMIC"}, "Cf-Cache-Status": {"HIT"}}, CacheUnknown},
	} {
		if got := parseCacheStatus(test.header, names); got != test.want {
			t.Errorf("%v: got %s, want %s", test.header, got, test.want)
		}
	}
}

// Rate limiting delays round trips but does not lose them.
func TestRateLimit(t *testing.T) {
	s := newTestServer(http.StatusOK)
	defer s.Close()

	c := NewClient(testConfig(), nil)
	g := newGroup(t, s)
	done := 0
	for i := 0; i < 3; i++ {
		c.Get(NewRequest(g, "/x", core.Range{}, core.PriorityNormal, func(r *Response) {
			if r.Err == core.NoError {
				done++
			}
		}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// 16KiB per response at 64KiB/s.
	for c.Tick(100*time.Millisecond, 64) {
		if ctx.Err() != nil {
			t.Fatal("rate limited requests did not finish")
		}
	}
	if done != 3 {
		t.Fatalf("expected 3 successes, got %d", done)
	}
}
