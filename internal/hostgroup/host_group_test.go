// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package hostgroup

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/chunkstream/internal/core"
	"github.com/westerndigitalcorporation/chunkstream/pkg/testutil"
)

var errDown = errors.New("down")

// mockProber returns the registered result for every probed url.
type mockProber struct {
	*testutil.GenericMock
}

func newMockProber(t *testing.T) mockProber {
	return mockProber{testutil.NewGenericMock(t)}
}

func (m mockProber) Probe(ctx context.Context, url string) error {
	return m.GetError("Probe", url)
}

var testURLs = []string{"http://a", "http://b", "http://c"}

func newTestGroup(t *testing.T) *HostGroup {
	g, err := New("test", testURLs, DefaultConfig)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

// Groups without endpoints are rejected.
func TestEmptyGroup(t *testing.T) {
	if _, err := New("empty", nil, DefaultConfig); !core.ErrInvalidArgument.Is(err) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	g := NewUnresolved("empty", DefaultConfig)
	if err := g.Resolve([]string{}); !core.ErrInvalidArgument.Is(err) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if g.State() != Unresolved {
		t.Fatalf("group should still be unresolved, is %s", g.State())
	}
}

// Resolving never connects, and only works once.
func TestResolve(t *testing.T) {
	g := NewUnresolved("g", DefaultConfig)
	if err := g.Resolve(testURLs); err != nil {
		t.Fatal(err)
	}
	if g.State() != Disconnected || g.PrimaryIndex() != -1 {
		t.Fatalf("resolved group should be disconnected, is %s/%d", g.State(), g.PrimaryIndex())
	}
	if err := g.Resolve(testURLs); !core.ErrAlreadyResolved.Is(err) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if g.Num() != 3 || g.URL(1) != "http://b" {
		t.Fatalf("bad urls %v", g.URLs())
	}
}

func TestConnect(t *testing.T) {
	g := newTestGroup(t)
	if g.Connect(3) == nil || g.Connect(-1) == nil {
		t.Fatal("connecting to an invalid index should fail")
	}
	if err := g.Connect(1); err != nil {
		t.Fatal(err)
	}
	if g.State() != Connected || g.PrimaryIndex() != 1 {
		t.Fatalf("bad state %s/%d", g.State(), g.PrimaryIndex())
	}
	g.Disconnect()
	if g.State() != Disconnected || g.PrimaryIndex() != -1 {
		t.Fatalf("bad state %s/%d", g.State(), g.PrimaryIndex())
	}
}

// Crossing the high water mark disconnects the group exactly once.
func TestDisconnectOnce(t *testing.T) {
	g := newTestGroup(t)
	g.Connect(0)

	// 8 slot window, 0.5 high water mark: the 5th failure crosses it.
	for i := 0; i < 4; i++ {
		if g.OnFailedResponse() {
			t.Fatalf("failure %d should not disconnect", i)
		}
	}
	if !g.OnFailedResponse() {
		t.Fatal("5th failure should disconnect")
	}
	if g.State() != Disconnected {
		t.Fatal("group should be disconnected")
	}
	for i := 0; i < 10; i++ {
		if g.OnFailedResponse() {
			t.Fatal("a disconnected group cannot disconnect again")
		}
	}

	// Connecting resets the window.
	g.Connect(0)
	if g.ErrorRate() != 0 {
		t.Fatalf("window not reset: %g", g.ErrorRate())
	}
	for i := 0; i < 4; i++ {
		if g.OnFailedResponse() {
			t.Fatal("failures from before the connect should not count")
		}
	}
}

// Successes push failures out of the window.
func TestErrorWindow(t *testing.T) {
	g := newTestGroup(t)
	g.Connect(0)
	for i := 0; i < 100; i++ {
		if g.OnFailedResponse() {
			t.Fatalf("alternating failures should stay at the high water mark (iteration %d)", i)
		}
		g.OnSuccessfulResponse()
	}
	if g.ErrorRate() != 0.5 {
		t.Fatalf("expected rate 0.5, got %g", g.ErrorRate())
	}
	for i := 0; i < 8; i++ {
		g.OnSuccessfulResponse()
	}
	if g.ErrorRate() != 0 {
		t.Fatalf("expected rate 0, got %g", g.ErrorRate())
	}
}

// Reconnection picks the first endpoint that answers.
func TestAttemptReconnection(t *testing.T) {
	g := newTestGroup(t)
	p := newMockProber(t)
	p.AddCall("Probe", errDown, "http://a")
	p.AddCall("Probe", errDown, "http://b")
	p.AddCall("Probe", errDown, "http://c")
	if g.AttemptReconnection(context.Background(), time.Second, p) {
		t.Fatal("nothing should be reachable")
	}
	p.AddCall("Probe", errDown, "http://a")
	p.AddCall("Probe", nil, "http://b")
	if !g.AttemptReconnection(context.Background(), time.Second, p) {
		t.Fatal("b should be reachable")
	}
	if g.PrimaryIndex() != 1 {
		t.Fatalf("expected primary 1, got %d", g.PrimaryIndex())
	}
	p.NoMoreCalls()
}

// A group on a fallback endpoint fails back to endpoint 0 once it recovers,
// no more often than the recheck interval.
func TestFailback(t *testing.T) {
	cfg := DefaultConfig
	cfg.PrimaryRecheckInterval = 0
	g, _ := New("test", testURLs, cfg)
	g.Connect(2)

	p := newMockProber(t)
	p.AddCall("Probe", errDown, "http://a")
	if g.AttemptReconnection(context.Background(), time.Second, p) {
		t.Fatal("a is still down")
	}
	if g.PrimaryIndex() != 2 {
		t.Fatal("primary should not change")
	}
	p.AddCall("Probe", nil, "http://a")
	if !g.AttemptReconnection(context.Background(), time.Second, p) {
		t.Fatal("a is back up")
	}
	if g.PrimaryIndex() != 0 {
		t.Fatalf("expected primary 0, got %d", g.PrimaryIndex())
	}

	// Connected to endpoint 0: nothing to do, no probes.
	if g.AttemptReconnection(context.Background(), time.Second, p) {
		t.Fatal("no change expected")
	}

	// A long interval suppresses rechecks right after connecting.
	cfg.PrimaryRecheckInterval = time.Hour
	g, _ = New("test", testURLs, cfg)
	g.Connect(1)
	if g.AttemptReconnection(context.Background(), time.Second, p) {
		t.Fatal("recheck should not be due")
	}
	p.NoMoreCalls()
}

func TestManager(t *testing.T) {
	p := newMockProber(t)
	m := NewManager(DefaultConfig, p)

	a, err := m.Register("a", []string{"http://a1", "http://a2"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Register("b", nil); err == nil {
		t.Fatal("empty group should be rejected")
	}
	if m.Find("b") != nil {
		t.Fatal("rejected group should not be kept")
	}
	if again, err := m.Register("a", []string{"http://a1", "http://a2"}); err != nil || again != a {
		t.Fatal("registering the same group twice should return it")
	}
	if _, err := m.Register("a", []string{"http://other"}); err == nil {
		t.Fatal("registering different endpoints should fail")
	}
	c := m.Reserve("c")
	if c.State() != Unresolved || m.Find("c") != c {
		t.Fatal("reserved group should be unresolved and findable")
	}
	if m.Find("nope") != nil {
		t.Fatal("unknown group found")
	}

	// Only a is resolved and disconnected, so only a is probed.
	p.AddCall("Probe", nil, "http://a1")
	if n := m.Tick(context.Background(), time.Second); n != 1 {
		t.Fatalf("expected 1 change, got %d", n)
	}
	if !a.IsConnected() {
		t.Fatal("a should be connected")
	}
	// Connected on endpoint 0, nothing to probe.
	if n := m.Tick(context.Background(), time.Second); n != 0 {
		t.Fatalf("expected no change, got %d", n)
	}
	p.NoMoreCalls()

	groups := m.Groups()
	if len(groups) != 3 || groups[0].Name() != "a" || groups[2].Name() != "c" {
		t.Fatalf("bad groups %v", groups)
	}
}

// Config changes reach existing groups and groups registered later.
func TestManagerSetConfig(t *testing.T) {
	m := NewManager(DefaultConfig, newMockProber(t))
	old, err := m.Register("old", []string{"http://a"})
	if err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig
	cfg.ErrorWindowSize = 4
	cfg.ErrorHighWaterMark = 1
	m.SetConfig(cfg)

	added, err := m.Register("new", []string{"http://b"})
	if err != nil {
		t.Fatal(err)
	}
	for _, g := range []*HostGroup{old, added} {
		g.Connect(0)
		for i := 0; i < 8; i++ {
			if g.OnFailedResponse() {
				t.Fatalf("%s: a rate of 1 never exceeds a high water mark of 1", g.Name())
			}
		}
		if !g.IsConnected() {
			t.Fatalf("%s should still be connected", g.Name())
		}
	}

	cfg.ErrorHighWaterMark = 0.5
	m.SetConfig(cfg)
	// A fresh window of 4: the third failure pushes the rate above 0.5.
	old.Connect(0)
	old.OnFailedResponse()
	old.OnFailedResponse()
	if !old.OnFailedResponse() {
		t.Fatal("group should disconnect with the lowered high water mark")
	}
}

func TestHTTPProber(t *testing.T) {
	var status int32 = http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead || r.URL.Path != core.HealthPath {
			t.Errorf("unexpected probe %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(int(atomic.LoadInt32(&status)))
	}))
	defer srv.Close()

	p := HTTPProber{}
	if err := p.Probe(context.Background(), srv.URL); err != nil {
		t.Fatal(err)
	}
	atomic.StoreInt32(&status, http.StatusNotFound)
	if err := p.Probe(context.Background(), srv.URL+"/"); err != nil {
		t.Fatal("a 404 still means the endpoint is alive")
	}
	atomic.StoreInt32(&status, http.StatusServiceUnavailable)
	if err := p.Probe(context.Background(), srv.URL); err == nil {
		t.Fatal("a 503 means the endpoint is down")
	}
}
