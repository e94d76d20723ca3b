// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package hostgroup

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/chunkstream/internal/core"
)

// Prober checks whether an endpoint is alive.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// HTTPProber probes endpoints by sending HEAD requests to their health path.
// Any response below 500 counts as alive.
type HTTPProber struct {
	Client *http.Client
}

// Probe implements Prober.
func (p HTTPProber) Probe(ctx context.Context, url string) error {
	req, err := http.NewRequest(http.MethodHead, strings.TrimSuffix(url, "/")+core.HealthPath, nil)
	if err != nil {
		return err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe of %s returned %s", url, resp.Status)
	}
	return nil
}

// Manager owns the host groups of a process and drives their reconnection.
type Manager struct {
	cfg    Config
	prober Prober

	lock   sync.Mutex
	groups map[string]*HostGroup
}

// NewManager creates an empty Manager.
func NewManager(cfg Config, prober Prober) *Manager {
	return &Manager{cfg: cfg, prober: prober, groups: make(map[string]*HostGroup)}
}

// SetConfig changes the error tracking of every group, including those
// created later.
func (m *Manager) SetConfig(cfg Config) {
	m.lock.Lock()
	m.cfg = cfg
	m.lock.Unlock()
	for _, g := range m.Groups() {
		g.SetConfig(cfg)
	}
}

// Register creates and resolves a group, or resolves an existing unresolved
// group of the same name. Registering a resolved group again with the same
// endpoints returns it; different endpoints are an error.
func (m *Manager) Register(name string, urls []string) (*HostGroup, error) {
	m.lock.Lock()
	g, ok := m.groups[name]
	if !ok {
		g = NewUnresolved(name, m.cfg)
		m.groups[name] = g
	}
	m.lock.Unlock()

	if g.State() != Unresolved {
		if equalURLs(g.URLs(), urls) {
			return g, nil
		}
		return nil, core.ErrAlreadyResolved.Error()
	}
	if err := g.Resolve(urls); err != nil {
		if !ok {
			m.lock.Lock()
			if m.groups[name] == g {
				delete(m.groups, name)
			}
			m.lock.Unlock()
		}
		return nil, err
	}
	return g, nil
}

// Reserve returns the group called name, creating an unresolved one if there
// is none.
func (m *Manager) Reserve(name string) *HostGroup {
	m.lock.Lock()
	defer m.lock.Unlock()
	g, ok := m.groups[name]
	if !ok {
		g = NewUnresolved(name, m.cfg)
		m.groups[name] = g
	}
	return g
}

// Find returns the group called name, or nil.
func (m *Manager) Find(name string) *HostGroup {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.groups[name]
}

// Groups returns all groups sorted by name.
func (m *Manager) Groups() []*HostGroup {
	m.lock.Lock()
	out := make([]*HostGroup, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	m.lock.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Tick attempts reconnection of every disconnected group and fails back
// groups that are connected to a fallback endpoint. It is the only place
// groups reconnect on their own. Returns the number of groups whose primary
// changed.
func (m *Manager) Tick(ctx context.Context, timeout time.Duration) int {
	changed := 0
	for _, g := range m.Groups() {
		switch g.State() {
		case Disconnected:
		case Connected:
			if g.PrimaryIndex() == 0 {
				continue
			}
		default:
			continue
		}
		if g.AttemptReconnection(ctx, timeout, m.prober) {
			changed++
		}
	}
	if changed > 0 {
		log.V(1).Infof("host group tick: %d groups changed primary", changed)
	}
	return changed
}

func equalURLs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
