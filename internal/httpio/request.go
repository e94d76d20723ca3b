// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package httpio

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/westerndigitalcorporation/chunkstream/internal/core"
	"github.com/westerndigitalcorporation/chunkstream/internal/hostgroup"
	"github.com/westerndigitalcorporation/chunkstream/internal/prioq"
	"github.com/westerndigitalcorporation/chunkstream/internal/server"
)

// CacheStatus is the caching hint an intermediate cache put in a response.
// It is informational only.
type CacheStatus int

const (
	// CacheUnknown means no recognised header was present.
	CacheUnknown CacheStatus = iota
	// CacheHit means an intermediate cache served the response.
	CacheHit
	// CacheMiss means an intermediate cache went to its origin.
	CacheMiss
)

func (c CacheStatus) String() string {
	switch c {
	case CacheHit:
		return "hit"
	case CacheMiss:
		return "miss"
	}
	return "unknown"
}

// parseCacheStatus looks at names in order, case-insensitively. The first
// header present decides.
func parseCacheStatus(h http.Header, names []string) CacheStatus {
	for _, name := range names {
		v := h.Get(name)
		if v == "" {
			continue
		}
		v = strings.ToLower(v)
		switch {
		case strings.Contains(v, "miss"):
			return CacheMiss
		case strings.Contains(v, "hit"):
			return CacheHit
		}
		return CacheUnknown
	}
	return CacheUnknown
}

// Response is the outcome of a logical request, after any retries.
type Response struct {
	// StatusCode of the last attempt, 0 if it never got a response.
	StatusCode int

	// Body holds the requested range on success.
	Body []byte

	// Err classifies the outcome. NoError iff the request succeeded.
	Err core.Error

	// Duration from the first attempt to the end of the last.
	Duration time.Duration

	// Retries is the number of attempts after the first.
	Retries int

	// HostIndex is the endpoint the last attempt went to.
	HostIndex int

	CacheStatus CacheStatus
}

// Request states.
const (
	stateQueued int32 = iota
	stateDispatched
	stateDone
)

// Request is one logical GET of a byte range of a resource relative to the
// endpoints of a host group. A retry re-issues the same Request, possibly to a
// different endpoint.
//
// A Request is also the handle callers get back from the request thread. Its
// methods and the thread's Cancel/Reprioritize are safe to call on a Request in
// any state.
type Request struct {
	prioq.Link

	id    string
	group *hostgroup.HostGroup
	path  string

	// A zero length range requests the whole resource without a Range header.
	rng core.Range

	onResponse func(*Response)

	state     int32
	canceled  int32
	delivered int32

	// Owned by the client's goroutine.
	retries   int
	hostIndex int
	start     time.Time
	op        *server.Measurer

	// Protects abort.
	lock  sync.Mutex
	abort context.CancelFunc
}

// NewRequest creates a request for rng of path on the endpoints of group.
// onResponse is called exactly once.
func NewRequest(group *hostgroup.HostGroup, path string, rng core.Range, pri core.Priority, onResponse func(*Response)) *Request {
	r := &Request{
		id:         core.GenRequestID(),
		group:      group,
		path:       path,
		rng:        rng,
		onResponse: onResponse,
	}
	r.SetPriority(pri)
	return r
}

// ID returns the request id sent in the X-Request-Id header.
func (r *Request) ID() string {
	return r.id
}

// Group returns the host group the request targets.
func (r *Request) Group() *hostgroup.HostGroup {
	return r.group
}

// Range returns the requested range.
func (r *Request) Range() core.Range {
	return r.rng
}

// IsCanceled returns true once cancellation was requested.
func (r *Request) IsCanceled() bool {
	return atomic.LoadInt32(&r.canceled) != 0
}

// IsDone returns true once the response was delivered.
func (r *Request) IsDone() bool {
	return atomic.LoadInt32(&r.delivered) != 0
}

// cancel flags the request and aborts the attempt in flight, if any.
func (r *Request) cancel() {
	atomic.StoreInt32(&r.canceled, 1)
	r.lock.Lock()
	abort := r.abort
	r.lock.Unlock()
	if abort != nil {
		abort()
	}
}

func (r *Request) setAbort(abort context.CancelFunc) {
	r.lock.Lock()
	r.abort = abort
	r.lock.Unlock()
}

// deliver calls onResponse if nobody did before. Returns false if the request
// was already delivered.
func (r *Request) deliver(resp *Response) bool {
	if !atomic.CompareAndSwapInt32(&r.delivered, 0, 1) {
		return false
	}
	atomic.StoreInt32(&r.state, stateDone)
	if r.op != nil {
		r.op.EndWithError(resp.Err)
	}
	if r.onResponse != nil {
		r.onResponse(resp)
	}
	return true
}

// fail delivers a response carrying only err.
func (r *Request) fail(err core.Error) bool {
	return r.deliver(&Response{Err: err, HostIndex: -1})
}

func (r *Request) url() string {
	return strings.TrimSuffix(r.group.URL(r.hostIndex), "/") + "/" + strings.TrimPrefix(r.path, "/")
}
