// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package failures implements the failure service, a small HTTP API that lets
// tests and operators inject faults into a running process.
//
// A Service holds a JSON document whose top-level keys are owned by handlers.
// A component registers a handler under a key:
//
//	svc.Register("origin", opFailure.Handler)
//
// GET returns the whole document. POST replaces it: every handler whose value
// changed is called with the new value, and handlers whose key is missing from
// the POST are called with nil, which means "no failures". Posting "{}" clears
// everything:
//
//	curl localhost:8080/__failure__ -XPOST -d '{"origin": {"get": 503}}'
//	curl localhost:8080/__failure__ -XPOST -d '{}'
//
// What a value means is up to its handler.
package failures

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	log "github.com/golang/glog"
)

// DefaultFailureServicePath is the path the failure service is mounted on, by
// default.
const DefaultFailureServicePath = "/__failure__"

// Handler is called with the new value of its key, or nil when the key is
// cleared.
type Handler func(value json.RawMessage) error

// Service maintains a failure configuration. It is safe for concurrent use.
type Service struct {
	lock     sync.Mutex
	handlers map[string]Handler
	values   map[string]json.RawMessage
}

// NewService creates a service with no handlers.
func NewService() *Service {
	return &Service{
		handlers: make(map[string]Handler),
		values:   make(map[string]json.RawMessage),
	}
}

// Register registers h under key. Each key can be registered once.
func (s *Service) Register(key string, h Handler) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.handlers[key]; ok {
		return fmt.Errorf("key %q is already registered", key)
	}
	s.handlers[key] = h
	return nil
}

// Keys returns the registered keys, sorted.
func (s *Service) Keys() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	keys := make([]string, 0, len(s.handlers))
	for k := range s.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Config returns the current configuration. Keys without failures map to nil.
func (s *Service) Config() map[string]json.RawMessage {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make(map[string]json.RawMessage, len(s.handlers))
	for k := range s.handlers {
		out[k] = s.values[k]
	}
	return out
}

// Apply replaces the configuration with updates. Unknown keys fail the whole
// update before any handler runs.
func (s *Service) Apply(updates map[string]json.RawMessage) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	for key := range updates {
		if _, ok := s.handlers[key]; !ok {
			return fmt.Errorf("key %q is not registered", key)
		}
	}
	for key, h := range s.handlers {
		next := updates[key]
		if isNull(next) {
			next = nil
		}
		if next == nil && s.values[key] == nil {
			continue
		}
		if err := h(next); err != nil {
			return err
		}
		if next == nil {
			delete(s.values, key)
		} else {
			s.values[key] = next
		}
	}
	return nil
}

func isNull(v json.RawMessage) bool {
	return v == nil || string(v) == "null"
}

// ServeHTTP implements http.Handler.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.Config())
	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			replyError(w, err.Error(), http.StatusBadRequest)
			return
		}
		var updates map[string]json.RawMessage
		if err := json.Unmarshal(body, &updates); err != nil {
			replyError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.Apply(updates); err != nil {
			replyError(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Infof("failure config updated: %s", body)
	default:
		replyError(w, fmt.Sprintf("unsupported method %s", r.Method), http.StatusMethodNotAllowed)
	}
}

func replyError(w http.ResponseWriter, errorStr string, code int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	fmt.Fprintln(w, errorStr)
}
