// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package httpio

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/chunkstream/internal/core"
	"github.com/westerndigitalcorporation/chunkstream/internal/server"
	"github.com/westerndigitalcorporation/chunkstream/pkg/tokenbucket"
)

var (
	httpRequests = server.NewOpMetric("chunkstream_http_requests", "group")

	httpAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "chunkstream",
		Name:      "http_attempts",
	}, []string{"group", "result"})
	httpBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "chunkstream",
		Name:      "http_bytes",
	}, []string{"group"})
	httpCacheStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "chunkstream",
		Name:      "http_cache_status",
	}, []string{"status"})
)

// RequestStats returns latency and outcome stats of requests, by host group.
func RequestStats(groups ...string) map[string]string {
	return httpRequests.Strings(groups...)
}

// attempt is the outcome of a single round trip.
type attempt struct {
	req       *Request
	hostIndex int
	status    int
	header    http.Header
	body      []byte
	err       error
	duration  time.Duration
}

// Client dispatches logical requests to host group endpoints, retrying and
// failing over as needed.
//
// Client is not thread-safe except for Abort: Get, Tick, RefreshConnections and
// Close must all be called from the same goroutine, and every onResponse
// callback runs on that goroutine from within Get, Tick or Close. Round trips
// themselves run on their own goroutines.
type Client struct {
	cfg Config

	pools *poolCache

	// Requests waiting for a free slot. Retries go to the front.
	pending []*Request

	// Requests with a round trip in flight, and the semaphore their permit
	// came from.
	inflight map[*Request]server.Semaphore
	slots    server.Semaphore

	// Round trips report here.
	done chan *attempt

	// Wakes a blocked Tick early. May be nil.
	wake <-chan struct{}

	bucket *tokenbucket.TokenBucket
	rate   int
}

// NewClient creates a client. A receive on wake makes a blocked Tick return
// early; pass nil if not needed.
func NewClient(cfg Config, wake <-chan struct{}) *Client {
	return &Client{
		cfg:      cfg,
		pools:    newPoolCache(cfg),
		inflight: make(map[*Request]server.Semaphore),
		slots:    server.NewSemaphore(cfg.MaxConcurrentRequests),
		done:     make(chan *attempt, cfg.MaxConcurrentRequests),
		wake:     wake,
		bucket:   tokenbucket.New(0, 0),
	}
}

// SetConfig applies cfg. The concurrency cap applies to round trips started
// from now on.
func (c *Client) SetConfig(cfg Config) {
	if cfg.MaxConcurrentRequests != c.cfg.MaxConcurrentRequests {
		// Round trips in flight keep their permits from the old
		// semaphore, so the new cap may be briefly exceeded.
		c.slots = server.NewSemaphore(cfg.MaxConcurrentRequests)
	}
	c.cfg = cfg
	c.pools.setConfig(cfg)
}

// Get queues r. The first attempt goes to the primary endpoint of r's group,
// or to endpoint 0 if the group is disconnected.
func (c *Client) Get(r *Request) {
	if r.group == nil || r.group.Num() == 0 {
		r.fail(core.ErrInvalidArgument)
		return
	}
	if r.IsCanceled() {
		r.fail(core.ErrCanceled)
		return
	}
	atomic.StoreInt32(&r.state, stateDispatched)
	r.hostIndex = r.group.PrimaryIndex()
	if r.hostIndex < 0 {
		r.hostIndex = 0
	}
	r.start = time.Now()
	r.op = httpRequests.Start(r.group.Name())
	c.pending = append(c.pending, r)
	c.issue()
}

// Abort cancels r. A queued request completes with ErrCanceled on the next
// tick; a round trip in flight is interrupted, and may still succeed if it was
// just finishing. Abort is thread-safe.
func (c *Client) Abort(r *Request) {
	r.cancel()
}

// Outstanding returns the number of logical requests the client owns.
func (c *Client) Outstanding() int {
	return len(c.pending) + len(c.inflight)
}

// RefreshConnections releases the connections of endpoints that are no longer
// the primary of their group.
func (c *Client) RefreshConnections() {
	c.pools.refresh()
}

// Tick starts pending round trips allowed by the concurrency cap and the rate
// limit, then waits up to timeout for round trips to finish and handles them.
// timeout is capped at FailTimeout. Returns whether the client still has work.
func (c *Client) Tick(timeout time.Duration, rateLimitKBps int) bool {
	c.setRateLimit(rateLimitKBps)
	if c.cfg.FailTimeout > 0 && timeout > c.cfg.FailTimeout {
		timeout = c.cfg.FailTimeout
	}

	throttle := c.issue()
	if len(c.inflight) == 0 {
		if len(c.pending) == 0 {
			return false
		}
		// Only the rate limit keeps pending requests from going out.
		if throttle < timeout {
			timeout = throttle
		}
	}

	timer := time.NewTimer(timeout)
	select {
	case a := <-c.done:
		c.finish(a)
	case <-c.wake:
	case <-timer.C:
	}
	timer.Stop()
	c.drain()
	c.issue()
	return c.Outstanding() > 0
}

// Close fails every request the client owns with err and waits for round
// trips in flight to return.
func (c *Client) Close(err core.Error) {
	pending := c.pending
	c.pending = nil
	for _, r := range pending {
		r.fail(err)
	}
	for r := range c.inflight {
		r.cancel()
	}
	for len(c.inflight) > 0 {
		a := <-c.done
		c.release(a.req)
		a.req.fail(err)
	}
	c.pools.close()
}

// drain handles every finished round trip without blocking.
func (c *Client) drain() {
	for {
		select {
		case a := <-c.done:
			c.finish(a)
		default:
			return
		}
	}
}

// issue starts round trips for pending requests while there are free slots
// and the rate limit allows. Returns how long the rate limit delays the next
// round trip, zero if not limited.
func (c *Client) issue() time.Duration {
	for len(c.pending) > 0 {
		r := c.pending[0]
		if r.IsCanceled() {
			c.pending = c.pending[1:]
			r.fail(core.ErrCanceled)
			continue
		}
		if d := c.bucket.Delay(time.Now()); d > 0 {
			return d
		}
		if !c.slots.TryAcquire() {
			return 0
		}
		c.pending = c.pending[1:]
		c.start(r)
	}
	return 0
}

// start runs a round trip for r on its own goroutine.
func (c *Client) start(r *Request) {
	c.inflight[r] = c.slots
	p := c.pools.get(r.group, r.hostIndex)
	url := r.url()
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	r.setAbort(cancel)
	if r.IsCanceled() {
		// Canceled between the check in issue and setAbort.
		cancel()
	}
	log.V(2).Infof("%s: GET %s %s (retry %d)", r.id, url, r.rng, r.retries)

	hostIndex := r.hostIndex
	go func() {
		a := roundTrip(ctx, p.client, url, r)
		a.hostIndex = hostIndex
		cancel()
		c.done <- a
	}()
}

func roundTrip(ctx context.Context, client *http.Client, url string, r *Request) *attempt {
	a := &attempt{req: r}
	start := time.Now()
	defer func() { a.duration = time.Since(start) }()

	httpReq, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		a.err = err
		return a
	}
	httpReq = httpReq.WithContext(ctx)
	httpReq.Header.Set(core.RequestIDHeader, r.id)
	if r.rng.Length > 0 {
		httpReq.Header.Set("Range", r.rng.HeaderValue())
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		a.err = err
		return a
	}
	defer resp.Body.Close()
	a.status = resp.StatusCode
	a.header = resp.Header
	a.body, a.err = io.ReadAll(resp.Body)
	return a
}

// classify returns the error of a round trip and the requested payload.
func (a *attempt) classify() (core.Error, []byte) {
	if a.err != nil {
		if a.req.IsCanceled() {
			return core.ErrCanceled, nil
		}
		return core.ErrTransport, nil
	}
	if e := core.FromStatus(a.status); e != core.NoError {
		return e, nil
	}

	rng := a.req.rng
	if rng.Length == 0 {
		return core.NoError, a.body
	}
	n := uint64(len(a.body))
	if a.status == http.StatusPartialContent {
		if n != rng.Length {
			log.Errorf("%s: expected %d bytes, got %d", a.req.id, rng.Length, n)
			return core.ErrTransport, nil
		}
		return core.NoError, a.body
	}
	// The server ignored the Range header and sent everything.
	if n < rng.End() {
		log.Errorf("%s: expected at least %d bytes, got %d", a.req.id, rng.End(), n)
		return core.ErrTransport, nil
	}
	return core.NoError, a.body[rng.Offset:rng.End()]
}

// finish handles a finished round trip: report the outcome to the host group,
// then retry or deliver.
func (c *Client) finish(a *attempt) {
	r := a.req
	c.release(r)
	r.setAbort(nil)

	group := r.group.Name()
	err, body := a.classify()
	httpAttempts.WithLabelValues(group, err.String()).Inc()
	c.bucket.TakeAndUpdate(float64(len(a.body)), time.Now())

	switch {
	case err == core.ErrCanceled || r.IsCanceled():
		r.fail(core.ErrCanceled)
		return
	case core.IsRetriableError(err):
		log.V(1).Infof("%s: attempt %d to %s failed (status %d): %v", r.id, r.retries, r.group.URL(a.hostIndex), a.status, a.err)
		if r.group.OnFailedResponse() {
			log.Warningf("host group %q disconnected after failures, last on %s", group, r.group.URL(a.hostIndex))
		}
		if r.retries < c.maxRetries(r) {
			r.retries++
			// The first retry absorbs transient blips on the same
			// endpoint; later ones fail over.
			if r.retries > 1 {
				r.hostIndex = (r.hostIndex + 1) % r.group.Num()
			}
			c.pending = append([]*Request{r}, c.pending...)
			return
		}
	default:
		// The endpoint answered, whatever it said.
		r.group.OnSuccessfulResponse()
	}

	cs := parseCacheStatus(a.header, c.cfg.CacheStatusHeaders)
	if err == core.NoError {
		httpBytes.WithLabelValues(group).Add(float64(len(body)))
		httpCacheStatus.WithLabelValues(cs.String()).Inc()
	}
	r.deliver(&Response{
		StatusCode:  a.status,
		Body:        body,
		Err:         err,
		Duration:    time.Since(r.start),
		Retries:     r.retries,
		HostIndex:   a.hostIndex,
		CacheStatus: cs,
	})
}

// release returns the permit of r's round trip.
func (c *Client) release(r *Request) {
	if slots, ok := c.inflight[r]; ok {
		delete(c.inflight, r)
		slots.Release()
	}
}

// maxRetries returns the retry budget of r. The default is one retry per
// endpoint: the first retry repeats the first endpoint and the rest walk the
// others.
func (c *Client) maxRetries(r *Request) int {
	if c.cfg.MaxRetryCount < 0 {
		return r.group.Num()
	}
	return c.cfg.MaxRetryCount
}

func (c *Client) setRateLimit(kbps int) {
	if kbps == c.rate {
		return
	}
	c.rate = kbps
	bytes := float64(kbps) * 1024
	// One second worth of burst.
	c.bucket.SetRate(bytes, bytes)
}
