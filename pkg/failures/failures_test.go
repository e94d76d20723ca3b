// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package failures

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// recorder remembers every value its handler was called with.
type recorder struct {
	calls []json.RawMessage
}

func (r *recorder) handle(v json.RawMessage) error {
	r.calls = append(r.calls, v)
	return nil
}

func post(t *testing.T, url, body string) int {
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("failed to POST: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func get(t *testing.T, url string) map[string]json.RawMessage {
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("failed to GET: %v", err)
	}
	defer resp.Body.Close()
	var m map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestService(t *testing.T) {
	s := NewService()
	var drop, delay recorder
	if err := s.Register("drop", drop.handle); err != nil {
		t.Fatal(err)
	}
	s.Register("delay", delay.handle)
	if err := s.Register("drop", drop.handle); err == nil {
		t.Fatal("registering a key twice should fail")
	}
	srv := httptest.NewServer(s)
	defer srv.Close()

	if code := post(t, srv.URL, `{"drop": 0.5}`); code != http.StatusOK {
		t.Fatalf("POST failed with %d", code)
	}
	if len(drop.calls) != 1 || string(drop.calls[0]) != "0.5" || len(delay.calls) != 0 {
		t.Fatalf("unexpected calls %q %q", drop.calls, delay.calls)
	}
	// Keys without failures are listed as null.
	if m := get(t, srv.URL); string(m["drop"]) != "0.5" || string(m["delay"]) != "null" {
		t.Fatalf("unexpected config %q", m)
	}
	if cfg := s.Config(); cfg["delay"] != nil || len(cfg) != 2 {
		t.Fatalf("unexpected config %q", cfg)
	}

	// Missing keys are cleared.
	post(t, srv.URL, `{"delay": "10ms"}`)
	if len(drop.calls) != 2 || drop.calls[1] != nil || len(delay.calls) != 1 {
		t.Fatalf("unexpected calls %q %q", drop.calls, delay.calls)
	}

	// Unknown keys fail the whole update.
	if code := post(t, srv.URL, `{"delay": null, "nope": 1}`); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if len(delay.calls) != 1 {
		t.Fatal("handler called for a refused update")
	}
	if code := post(t, srv.URL, `not json`); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}

	post(t, srv.URL, `{}`)
	if len(delay.calls) != 2 || delay.calls[1] != nil {
		t.Fatalf("unexpected calls %q", delay.calls)
	}
	if keys := s.Keys(); len(keys) != 2 || keys[0] != "delay" {
		t.Fatalf("unexpected keys %v", keys)
	}
}
