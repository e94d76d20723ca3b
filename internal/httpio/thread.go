// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package httpio

import (
	"context"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/chunkstream/internal/core"
	"github.com/westerndigitalcorporation/chunkstream/internal/hostgroup"
	"github.com/westerndigitalcorporation/chunkstream/internal/prioq"
)

var queueLength = promauto.NewGauge(prometheus.GaugeOpts{
	Subsystem: "chunkstream",
	Name:      "http_queue_length",
})

// RequestThread owns the dispatch client and is the only goroutine that
// changes the primary endpoint of host groups. Other goroutines hand it work
// through a priority queue.
//
// The loop, in order: reconnect host groups when the health check interval is
// due, release connections of endpoints that lost primary status, move as many
// queued requests to the client as there are free slots, then tick the client
// while it has work, or sleep until woken or the next health check.
type RequestThread struct {
	hosts  *hostgroup.Manager
	client *Client
	queue  *prioq.Queue

	// Protects cfg, started and stopping.
	lock     sync.Mutex
	cfg      Config
	started  bool
	stopping bool

	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}

	// Cancels health probes on shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	lastHealthCheck time.Time
}

// NewRequestThread creates a request thread. Call Start to run it.
func NewRequestThread(cfg Config, hosts *hostgroup.Manager) *RequestThread {
	t := &RequestThread{
		hosts:   hosts,
		queue:   prioq.New(),
		cfg:     cfg,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.client = NewClient(cfg, t.wake)
	return t
}

// Start probes every host group once, so that reachable groups are connected
// by the time Start returns, then starts the loop.
func (t *RequestThread) Start() {
	t.lock.Lock()
	if t.started || t.stopping {
		t.lock.Unlock()
		return
	}
	t.started = true
	cfg := t.cfg
	t.lock.Unlock()

	t.healthCheck(cfg)
	go t.run()
}

// IssueRequest queues a request for rng of path on group's endpoints. It is
// thread-safe. onResponse is called exactly once, on the request thread,
// unless the thread is already shut down, in which case it is called with
// ErrShutdown before IssueRequest returns.
func (t *RequestThread) IssueRequest(group *hostgroup.HostGroup, path string, rng core.Range, pri core.Priority, onResponse func(*Response)) *Request {
	r := NewRequest(group, path, rng, pri, onResponse)

	t.lock.Lock()
	stopping := t.stopping
	if !stopping {
		t.queue.EnqueueByPriority(r)
	}
	t.lock.Unlock()

	if stopping {
		r.fail(core.ErrShutdown)
		return r
	}
	queueLength.Set(float64(t.queue.Num()))
	t.signal()
	return r
}

// Reprioritize changes the priority of a queued request. It has no effect on
// requests that were already handed to the client. Returns true if the request
// moved.
func (t *RequestThread) Reprioritize(r *Request, pri core.Priority) bool {
	return t.queue.Reprioritize(r, pri)
}

// Cancel cancels r. A queued request is removed and completes with
// ErrCanceled before Cancel returns. A dispatched request is aborted and
// completes on the request thread, possibly successfully if it was finishing.
// Returns false if r had already completed.
func (t *RequestThread) Cancel(r *Request) bool {
	if r.IsDone() {
		return false
	}
	if t.queue.Remove(r) {
		r.fail(core.ErrCanceled)
		queueLength.Set(float64(t.queue.Num()))
		return true
	}
	// Dequeued, so the client has it or is about to.
	t.client.Abort(r)
	t.signal()
	return true
}

// SetConfig applies cfg from the next loop iteration.
func (t *RequestThread) SetConfig(cfg Config) {
	t.lock.Lock()
	t.cfg = cfg
	t.lock.Unlock()
	t.signal()
}

// QueueLength returns an estimate of the number of queued requests.
func (t *RequestThread) QueueLength() int {
	return t.queue.Num()
}

// Shutdown stops accepting requests, fails every outstanding one with
// ErrShutdown and waits for the loop to exit.
func (t *RequestThread) Shutdown() {
	t.lock.Lock()
	if t.stopping {
		t.lock.Unlock()
		<-t.stopped
		return
	}
	t.stopping = true
	started := t.started
	t.lock.Unlock()

	t.cancel()
	if !started {
		t.drain()
		close(t.stopped)
		return
	}
	close(t.stop)
	t.signal()
	<-t.stopped
}

func (t *RequestThread) config() Config {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.cfg
}

func (t *RequestThread) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *RequestThread) healthCheck(cfg Config) {
	t.hosts.Tick(t.ctx, cfg.HealthCheckTimeout)
	t.lastHealthCheck = time.Now()
}

func (t *RequestThread) run() {
	defer close(t.stopped)
	log.Infof("request thread started")

	for {
		select {
		case <-t.stop:
			t.drain()
			return
		default:
		}

		cfg := t.config()
		t.client.SetConfig(cfg)

		untilHealthCheck := cfg.HealthCheckInterval - time.Since(t.lastHealthCheck)
		if untilHealthCheck <= 0 {
			t.healthCheck(cfg)
			untilHealthCheck = cfg.HealthCheckInterval
		}
		t.client.RefreshConnections()

		if free := cfg.MaxConcurrentRequests - t.client.Outstanding(); free > 0 {
			items := t.queue.Dequeue(free)
			for _, item := range items {
				t.client.Get(item.(*Request))
			}
			if len(items) > 0 {
				queueLength.Set(float64(t.queue.Num()))
			}
		}

		if t.client.Outstanding() > 0 {
			t.client.Tick(untilHealthCheck, cfg.RateLimitKBps)
			continue
		}

		timer := time.NewTimer(untilHealthCheck)
		select {
		case <-t.wake:
		case <-timer.C:
		case <-t.stop:
		}
		timer.Stop()
	}
}

// drain fails everything that is queued or owned by the client.
func (t *RequestThread) drain() {
	items := t.queue.Dequeue(prioq.All)
	for _, item := range items {
		item.(*Request).fail(core.ErrShutdown)
	}
	t.client.Close(core.ErrShutdown)
	queueLength.Set(0)
	log.Infof("request thread stopped, failed %d queued requests", len(items))
}
