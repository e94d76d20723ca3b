// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package hostgroup

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/chunkstream/internal/core"
)

var hostGroupEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "chunkstream",
	Name:      "hostgroup_events",
}, []string{"group", "event"})

// State is the connection state of a HostGroup.
type State int

const (
	// Unresolved groups have no endpoints yet.
	Unresolved State = iota
	// Disconnected groups have endpoints but none is known to be alive.
	Disconnected
	// Connected groups send requests to their primary endpoint.
	Connected
)

func (s State) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config tunes error tracking and failback.
type Config struct {
	// ErrorWindowSize is the number of most recent responses the error rate
	// is computed over.
	ErrorWindowSize int

	// ErrorHighWaterMark is the error rate above which a connected group
	// disconnects.
	ErrorHighWaterMark float64

	// PrimaryRecheckInterval is how often a group connected to a fallback
	// endpoint probes endpoint 0 again.
	PrimaryRecheckInterval time.Duration
}

// DefaultConfig is the default Config.
var DefaultConfig = Config{
	ErrorWindowSize:        8,
	ErrorHighWaterMark:     0.5,
	PrimaryRecheckInterval: 30 * time.Second,
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ErrorWindowSize <= 0 {
		return fmt.Errorf("ErrorWindowSize must be positive, got %d", c.ErrorWindowSize)
	}
	if c.ErrorHighWaterMark <= 0 || c.ErrorHighWaterMark > 1 {
		return fmt.Errorf("ErrorHighWaterMark must be in (0, 1], got %g", c.ErrorHighWaterMark)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.ErrorWindowSize <= 0 {
		c.ErrorWindowSize = DefaultConfig.ErrorWindowSize
	}
	if c.ErrorHighWaterMark <= 0 {
		c.ErrorHighWaterMark = DefaultConfig.ErrorHighWaterMark
	}
	return c
}

// HostGroup is an ordered list of interchangeable endpoints serving the same
// content. At most one endpoint, the primary, is used at a time. Index 0 is
// the preferred endpoint; the others are fallbacks.
//
// HostGroup is thread-safe. By convention only the request thread changes the
// primary endpoint; everybody else just reads it.
type HostGroup struct {
	name string
	cfg  Config

	// Protects the fields below.
	lock sync.Mutex

	// Immutable once resolved.
	urls []string

	// The endpoint in use, -1 when disconnected.
	primary int

	window errorWindow

	// When we last probed endpoint 0 while connected to a fallback.
	lastPrimaryCheck time.Time
}

// New creates a resolved, disconnected group. It fails if urls is empty.
func New(name string, urls []string, cfg Config) (*HostGroup, error) {
	g := NewUnresolved(name, cfg)
	if err := g.Resolve(urls); err != nil {
		return nil, err
	}
	return g, nil
}

// NewUnresolved creates a group whose endpoints are not known yet.
func NewUnresolved(name string, cfg Config) *HostGroup {
	cfg = cfg.withDefaults()
	return &HostGroup{
		name:    name,
		cfg:     cfg,
		primary: -1,
		window:  newErrorWindow(cfg.ErrorWindowSize),
	}
}

// Resolve sets the endpoints of an unresolved group. The group stays
// disconnected until a probe succeeds.
func (g *HostGroup) Resolve(urls []string) error {
	if len(urls) == 0 {
		return core.ErrInvalidArgument.Error()
	}
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.urls != nil {
		return core.ErrAlreadyResolved.Error()
	}
	g.urls = append([]string(nil), urls...)
	log.Infof("host group %q resolved to %v", g.name, g.urls)
	return nil
}

// Name returns the name of the group.
func (g *HostGroup) Name() string {
	return g.name
}

// URLs returns a copy of the endpoints.
func (g *HostGroup) URLs() []string {
	g.lock.Lock()
	defer g.lock.Unlock()
	return append([]string(nil), g.urls...)
}

// Num returns the number of endpoints.
func (g *HostGroup) Num() int {
	g.lock.Lock()
	defer g.lock.Unlock()
	return len(g.urls)
}

// URL returns the endpoint at index.
func (g *HostGroup) URL(index int) string {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.urls[index]
}

// State returns the connection state.
func (g *HostGroup) State() State {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.stateLocked()
}

func (g *HostGroup) stateLocked() State {
	if g.urls == nil {
		return Unresolved
	}
	if g.primary < 0 {
		return Disconnected
	}
	return Connected
}

// IsConnected returns true if the group has a primary endpoint.
func (g *HostGroup) IsConnected() bool {
	return g.State() == Connected
}

// PrimaryIndex returns the index of the primary endpoint, or -1.
func (g *HostGroup) PrimaryIndex() int {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.primary
}

// SetConfig changes the error tracking of the group. A new window size
// starts a fresh error window.
func (g *HostGroup) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	g.lock.Lock()
	defer g.lock.Unlock()
	if cfg.ErrorWindowSize != g.cfg.ErrorWindowSize {
		g.window = newErrorWindow(cfg.ErrorWindowSize)
	}
	g.cfg = cfg
}

// ErrorRate returns the share of failures in the error window.
func (g *HostGroup) ErrorRate() float64 {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.window.rate()
}

// Connect makes the endpoint at index the primary and clears the error window.
func (g *HostGroup) Connect(index int) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	if index < 0 || index >= len(g.urls) {
		return core.ErrInvalidArgument.Error()
	}
	g.primary = index
	g.window.reset()
	if index > 0 {
		g.lastPrimaryCheck = time.Now()
	}
	log.Infof("host group %q connected to %s (index %d)", g.name, g.urls[index], index)
	hostGroupEvents.WithLabelValues(g.name, "connect").Inc()
	return nil
}

// Disconnect drops the primary endpoint and clears the error window.
func (g *HostGroup) Disconnect() {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.disconnectLocked()
}

func (g *HostGroup) disconnectLocked() {
	if g.primary >= 0 {
		log.Warningf("host group %q disconnected from %s", g.name, g.urls[g.primary])
		hostGroupEvents.WithLabelValues(g.name, "disconnect").Inc()
	}
	g.primary = -1
	g.window.reset()
}

// OnSuccessfulResponse records a success in the error window.
func (g *HostGroup) OnSuccessfulResponse() {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.window.record(false)
}

// OnFailedResponse records a failure. If that pushes the error rate above the
// high water mark of a connected group, the group disconnects and true is
// returned. It returns true at most once per connection.
func (g *HostGroup) OnFailedResponse() bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.window.record(true)
	if g.primary < 0 || g.window.rate() <= g.cfg.ErrorHighWaterMark {
		return false
	}
	g.disconnectLocked()
	return true
}

// AttemptReconnection probes endpoints in order and connects to the first one
// that answers. A group connected to a fallback endpoint probes endpoint 0 once
// every PrimaryRecheckInterval and switches back if it answers. Each probe is
// bounded by timeout. Returns true if the primary changed.
func (g *HostGroup) AttemptReconnection(ctx context.Context, timeout time.Duration, p Prober) bool {
	g.lock.Lock()
	state := g.stateLocked()
	urls := g.urls
	recheck := g.primary > 0 && time.Since(g.lastPrimaryCheck) >= g.cfg.PrimaryRecheckInterval
	if recheck {
		g.lastPrimaryCheck = time.Now()
	}
	g.lock.Unlock()

	switch state {
	case Disconnected:
		for i, url := range urls {
			if err := probe(ctx, p, url, timeout); err != nil {
				log.V(1).Infof("host group %q: probe of %s failed: %s", g.name, url, err)
				continue
			}
			if err := g.Connect(i); err != nil {
				log.V(1).Infof("host group %q: connecting to %s: %s", g.name, url, err)
				return false
			}
			return true
		}
		return false

	case Connected:
		if !recheck {
			return false
		}
		if err := probe(ctx, p, urls[0], timeout); err != nil {
			log.V(1).Infof("host group %q: primary %s still down: %s", g.name, urls[0], err)
			return false
		}
		if err := g.Connect(0); err != nil {
			log.V(1).Infof("host group %q: failing back to %s: %s", g.name, urls[0], err)
			return false
		}
		hostGroupEvents.WithLabelValues(g.name, "failback").Inc()
		return true
	}
	return false
}

func probe(ctx context.Context, p Prober, url string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return p.Probe(ctx, url)
}

// errorWindow is a ring buffer of the outcomes of the most recent responses.
// Slots that were never written count as successes.
type errorWindow struct {
	failed   []bool
	next     int
	failures int
}

func newErrorWindow(size int) errorWindow {
	return errorWindow{failed: make([]bool, size)}
}

func (w *errorWindow) record(failed bool) {
	if w.failed[w.next] {
		w.failures--
	}
	w.failed[w.next] = failed
	if failed {
		w.failures++
	}
	w.next = (w.next + 1) % len(w.failed)
}

func (w *errorWindow) rate() float64 {
	return float64(w.failures) / float64(len(w.failed))
}

func (w *errorWindow) reset() {
	for i := range w.failed {
		w.failed[i] = false
	}
	w.next = 0
	w.failures = 0
}
