// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package httpio

import (
	"net"
	"net/http"
	"time"

	log "github.com/golang/glog"
	"github.com/golang/groupcache/lru"

	"github.com/westerndigitalcorporation/chunkstream/internal/hostgroup"
)

// pool is a set of keep-alive connections to one endpoint.
type pool struct {
	url       string
	client    *http.Client
	transport *http.Transport
}

func newPool(url string, cfg Config) *pool {
	dialer := &net.Dialer{Timeout: cfg.RequestTimeout, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: cfg.MaxConcurrentRequests,
		MaxConnsPerHost:     cfg.MaxConcurrentRequests,
		IdleConnTimeout:     90 * time.Second,
		// Encoded chunks are already compressed.
		DisableCompression: true,
	}
	return &pool{url: url, client: &http.Client{Transport: tr}, transport: tr}
}

// connection tracks the pools used for one host group.
type connection struct {
	group *hostgroup.HostGroup

	// The primary index the pools were last refreshed for.
	primary int
}

// poolCache keeps the pools of recently used endpoints. It is only used by
// the client's goroutine.
//
// Internally it uses a LRU cache to manage pools and close the idle
// connections of evicted ones. It's the caller's job to set a reasonable size
// that can hold the pools of every endpoint in active use; an evicted pool
// keeps serving the attempts already using it.
type poolCache struct {
	cfg   Config
	pools *lru.Cache
	conns map[*hostgroup.HostGroup]*connection
}

func newPoolCache(cfg Config) *poolCache {
	pc := &poolCache{
		cfg:   cfg,
		pools: lru.New(cfg.MaxConnectionPools),
		conns: make(map[*hostgroup.HostGroup]*connection),
	}
	pc.pools.OnEvicted = func(key lru.Key, value interface{}) {
		p := value.(*pool)
		log.V(1).Infof("closing connection pool of %s", p.url)
		p.transport.CloseIdleConnections()
	}
	return pc
}

// get returns the pool of the endpoint at index of group, creating it on first use.
func (pc *poolCache) get(group *hostgroup.HostGroup, index int) *pool {
	if _, ok := pc.conns[group]; !ok {
		pc.conns[group] = &connection{group: group, primary: group.PrimaryIndex()}
	}
	url := group.URL(index)
	if v, ok := pc.pools.Get(url); ok {
		return v.(*pool)
	}
	p := newPool(url, pc.cfg)
	pc.pools.Add(url, p)
	return p
}

// refresh releases the idle connections of endpoints that stopped being the
// primary of their group.
func (pc *poolCache) refresh() {
	for group, conn := range pc.conns {
		primary := group.PrimaryIndex()
		if primary == conn.primary {
			continue
		}
		log.V(1).Infof("host group %q primary moved from %d to %d", group.Name(), conn.primary, primary)
		for i, url := range group.URLs() {
			if i == primary {
				continue
			}
			if v, ok := pc.pools.Get(url); ok {
				v.(*pool).transport.CloseIdleConnections()
			}
		}
		conn.primary = primary
	}
}

// setConfig applies cfg to pools created from now on.
func (pc *poolCache) setConfig(cfg Config) {
	pc.cfg = cfg
	pc.pools.MaxEntries = cfg.MaxConnectionPools
}

// close closes the idle connections of every pool.
func (pc *poolCache) close() {
	for pc.pools.Len() > 0 {
		pc.pools.RemoveOldest()
	}
	pc.conns = make(map[*hostgroup.HostGroup]*connection)
}

func (pc *poolCache) len() int {
	return pc.pools.Len()
}
