// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package backend resolves reads of chunk ranges, from the local cache when
// possible and from the chunk's host group otherwise.
//
// Every distinct (chunk, encoded range) is resolved by a single ChunkRequest
// no matter how many reads want it:
//
//	New -> cache lookup -> hit ---------------------------> decode -> done
//	                    \-> miss -> network fetch -> put -/
//
// and any state may end in cancellation once the last reader goes away.
// Reads are decoded individually, so a reader only pays for its own range and
// a decode failure in one range doesn't fail readers of other ranges.
package backend

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/chunkstream/internal/cache"
	"github.com/westerndigitalcorporation/chunkstream/internal/coalesce"
	"github.com/westerndigitalcorporation/chunkstream/internal/codec"
	"github.com/westerndigitalcorporation/chunkstream/internal/core"
	"github.com/westerndigitalcorporation/chunkstream/internal/hostgroup"
	"github.com/westerndigitalcorporation/chunkstream/internal/httpio"
	"github.com/westerndigitalcorporation/chunkstream/internal/manifest"
	"github.com/westerndigitalcorporation/chunkstream/internal/server"
)

var (
	reads = server.NewOpMetric("chunkstream_reads")

	resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "chunkstream",
		Name:      "resolutions",
	}, []string{"source", "result"})
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "chunkstream",
		Name:      "cache_lookups",
	}, []string{"result"})
	decodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "chunkstream",
		Name:      "decode_failures",
	}, []string{"source"})
)

// Manifest describes chunks by id.
type Manifest interface {
	// Lookup returns the description of the chunk id, or core.ErrNotFound.
	Lookup(id core.ChunkID) (core.ChunkInfo, error)
}

// Backend serves reads of chunk ranges. All methods are thread-safe.
type Backend struct {
	cache    cache.Cache
	manifest Manifest
	hosts    *hostgroup.Manager
	thread   *httpio.RequestThread

	coalescer *coalesce.Coalescer
	decoders  server.Semaphore

	// Protects cfg and fetches.
	lock sync.Mutex
	cfg  Config
	// Network requests in flight, so that priority raises can be passed on.
	fetches map[*coalesce.ChunkRequest]*httpio.Request

	stopping int32
	// Tracks decode goroutines.
	pending sync.WaitGroup
}

// New creates a backend and starts its request thread. c and m may be nil,
// for a backend that always goes to the network or can only read by
// ChunkInfo. If hosts is nil a manager probing endpoints over HTTP is made.
func New(cfg Config, c cache.Cache, m Manifest, hosts *hostgroup.Manager) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if hosts == nil {
		hosts = hostgroup.NewManager(cfg.HostGroupConfig(), hostgroup.HTTPProber{Client: &http.Client{}})
	}
	b := &Backend{
		cache:     c,
		manifest:  m,
		hosts:     hosts,
		thread:    httpio.NewRequestThread(cfg.HTTPConfig(), hosts),
		coalescer: coalesce.New(),
		decoders:  server.NewSemaphore(cfg.DecodeWorkers),
		cfg:       cfg,
		fetches:   make(map[*coalesce.ChunkRequest]*httpio.Request),
	}
	b.thread.Start()
	log.Infof("backend started with %d host groups", len(hosts.Groups()))
	return b, nil
}

// Hosts returns the host group manager of the backend.
func (b *Backend) Hosts() *hostgroup.Manager {
	return b.hosts
}

// Config returns the current configuration.
func (b *Backend) Config() Config {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.cfg
}

// SetConfig applies cfg. Host group settings apply to existing groups too.
func (b *Backend) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b.lock.Lock()
	old := b.cfg
	b.cfg = cfg
	if cfg.DecodeWorkers != old.DecodeWorkers {
		// Decodes in progress keep their permits from the old semaphore.
		b.decoders = server.NewSemaphore(cfg.DecodeWorkers)
	}
	b.lock.Unlock()
	b.thread.SetConfig(cfg.HTTPConfig())
	b.hosts.SetConfig(cfg.HostGroupConfig())
	log.Infof("backend config updated")
	return nil
}

// encodedRange returns the encoded range to resolve for the raw range rng.
func (b *Backend) encodedRange(cfg Config, info core.ChunkInfo, rng core.Range) (core.Range, error) {
	if err := info.Validate(); err != nil {
		return core.Range{}, err
	}
	if err := codec.CheckRange(info, rng); err != nil {
		return core.Range{}, err
	}
	if info.EncodedSize <= cfg.MinRangeRequestSize {
		return info.Whole(), nil
	}
	return codec.ChunkRange(info, rng)
}

// Read reads the raw range rng of the chunk described by info. done is called
// exactly once, on another goroutine or before Read returns, unless Read
// returns an error. The returned handle can be passed to Cancel and
// Reprioritize.
func (b *Backend) Read(info core.ChunkInfo, rng core.Range, pri core.Priority, done func([]byte, core.Error)) (*coalesce.ReadRequest, error) {
	if atomic.LoadInt32(&b.stopping) != 0 {
		return nil, core.ErrShutdown.Error()
	}
	cfg := b.Config()
	enc, err := b.encodedRange(cfg, info, rng)
	if err != nil {
		log.V(1).Infof("rejecting read of %s: %s", rng, err)
		return nil, core.ErrInvalidArgument.Error()
	}

	op := reads.Start()
	read := coalesce.NewReadRequest(rng, pri, func(data []byte, err core.Error) {
		op.EndWithError(err)
		done(data, err)
	})
	params := coalesce.Params{Key: core.MakeChunkKey(info.Hash, enc), Info: info, Encoded: enc}
	cr, created, raised := b.coalescer.Create(read, params)
	log.V(2).Infof("%s: read %s of %s, key %s (new %t)", read.ID(), rng, info.Hash, params.Key, created)

	switch {
	case created:
		b.resolve(cfg, cr)
	case raised:
		b.raise(cr)
	}
	return read, nil
}

// ReadChunk is Read for a chunk known to the manifest.
func (b *Backend) ReadChunk(id core.ChunkID, rng core.Range, pri core.Priority, done func([]byte, core.Error)) (*coalesce.ReadRequest, error) {
	if b.manifest == nil {
		return nil, core.ErrNotFound.Error()
	}
	info, err := b.manifest.Lookup(id)
	if err != nil {
		return nil, err
	}
	return b.Read(info, rng, pri, done)
}

// ReadSync is Read that waits for the result. If ctx ends first the read is
// canceled.
func (b *Backend) ReadSync(ctx context.Context, info core.ChunkInfo, rng core.Range, pri core.Priority) ([]byte, error) {
	type result struct {
		data []byte
		err  core.Error
	}
	ch := make(chan result, 1)
	read, err := b.Read(info, rng, pri, func(data []byte, err core.Error) {
		ch <- result{data, err}
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.data, r.err.Error()
	case <-ctx.Done():
		b.Cancel(read)
		r := <-ch
		if r.err == core.ErrCanceled {
			return nil, ctx.Err()
		}
		return r.data, r.err.Error()
	}
}

// Cancel cancels read. Its callback is called with ErrCanceled before Cancel
// returns. Returns false if the read already completed or is completing.
func (b *Backend) Cancel(read *coalesce.ReadRequest) bool {
	if !b.coalescer.Cancel(read) {
		return false
	}
	log.V(2).Infof("%s: canceled", read.ID())
	read.Finish(nil, core.ErrCanceled)
	return true
}

// Reprioritize changes the priority of read. A raise of the priority of its
// ChunkRequest is passed on to the network request, if it is still queued.
func (b *Backend) Reprioritize(read *coalesce.ReadRequest, pri core.Priority) {
	if cr, raised := b.coalescer.Reprioritize(read, pri); raised {
		b.raise(cr)
	}
}

// raise passes the priority of cr on to its network request.
func (b *Backend) raise(cr *coalesce.ChunkRequest) {
	b.lock.Lock()
	req := b.fetches[cr]
	b.lock.Unlock()
	if req != nil {
		b.thread.Reprioritize(req, b.coalescer.Priority(cr))
	}
}

// resolve starts resolving a new ChunkRequest, from the cache if possible.
func (b *Backend) resolve(cfg Config, cr *coalesce.ChunkRequest) {
	if b.cache == nil || !cfg.CacheEnabled {
		b.fetch(cr)
		return
	}

	if data, ok := b.cache.Get(cr.Key); ok {
		cacheLookups.WithLabelValues("hit").Inc()
		cr.FromCache = true
		b.decode(cr, data)
		return
	}

	// The hook may run before Materialize returns a ticket.
	lookup := &pendingLookup{cache: b.cache}
	if !b.coalescer.SetHandle(cr, lookup.cancel) {
		b.coalescer.Complete(cr)
		return
	}
	ticket, status := b.cache.Materialize(cr.Key, func(data []byte, err core.Error) {
		b.materialized(cr, data, err)
	})
	switch status {
	case cache.Pending:
		lookup.setTicket(ticket)
	case cache.NotFound:
		cacheLookups.WithLabelValues("miss").Inc()
		b.fetch(cr)
	default:
		log.Warningf("cache lookup of %s failed, going to the network", cr.Key)
		cacheLookups.WithLabelValues("error").Inc()
		b.fetch(cr)
	}
}

// materialized handles the end of an asynchronous cache lookup.
func (b *Backend) materialized(cr *coalesce.ChunkRequest, data []byte, err core.Error) {
	if b.coalescer.IsCanceled(cr) {
		b.coalescer.Complete(cr)
		return
	}
	switch err {
	case core.NoError:
		cacheLookups.WithLabelValues("materialized").Inc()
		cr.FromCache = true
		b.decode(cr, data)
	case core.ErrNotFound:
		cacheLookups.WithLabelValues("miss").Inc()
		b.fetch(cr)
	default:
		log.Warningf("cache lookup of %s failed (%s), going to the network", cr.Key, err)
		cacheLookups.WithLabelValues("error").Inc()
		b.fetch(cr)
	}
}

// fetch requests the encoded range of cr from its host group.
func (b *Backend) fetch(cr *coalesce.ChunkRequest) {
	cfg := b.Config()
	if !cfg.HTTPEnabled || cfg.classDisabled(cr.Info.Class) {
		b.fail(cr, "network", core.ErrHTTPDisabled)
		return
	}
	group := b.hosts.Find(cr.Info.HostGroup)
	if group == nil {
		log.Errorf("chunk %s: unknown host group %q", cr.Info.Hash, cr.Info.HostGroup)
		b.fail(cr, "network", core.ErrNotFound)
		return
	}
	switch group.State() {
	case hostgroup.Unresolved:
		b.fail(cr, "network", core.ErrHostDisconnected)
		return
	case hostgroup.Disconnected:
		// Only worth trying if the result can be kept for later.
		if b.cache == nil || !cfg.CacheEnabled || !b.cache.Writable() {
			log.V(1).Infof("chunk %s: host group %s disconnected, failing fast", cr.Info.Hash, group.Name())
			b.fail(cr, "network", core.ErrTransport)
			return
		}
	}

	// No Range header when fetching the whole chunk.
	var rng core.Range
	if cr.Encoded != cr.Info.Whole() {
		rng = cr.Encoded
	}
	path := "/" + core.ChunkPath(cfg.ChunksDirectory, cr.Info.Hash)

	req := b.thread.IssueRequest(group, path, rng, b.coalescer.Priority(cr), func(resp *httpio.Response) {
		b.fetched(cr, resp)
	})
	// Done requests are never tracked, fetched may have run already.
	b.lock.Lock()
	if !req.IsDone() {
		b.fetches[cr] = req
	}
	b.lock.Unlock()

	b.coalescer.SetHandle(cr, func() { b.thread.Cancel(req) })
}

// fetched runs on the request thread when a network request completes.
func (b *Backend) fetched(cr *coalesce.ChunkRequest, resp *httpio.Response) {
	b.lock.Lock()
	delete(b.fetches, cr)
	b.lock.Unlock()

	if resp.Err != core.NoError {
		log.V(1).Infof("chunk %s: fetch of %s failed: %s", cr.Info.Hash, cr.Encoded, resp.Err)
		b.fail(cr, "network", resp.Err)
		return
	}
	if uint64(len(resp.Body)) != cr.Encoded.Length {
		log.Errorf("chunk %s: got %d bytes for %s", cr.Info.Hash, len(resp.Body), cr.Encoded)
		b.fail(cr, "network", core.ErrTransport)
		return
	}
	log.V(2).Infof("chunk %s: fetched %s in %s, %d retries, cdn %s", cr.Info.Hash, cr.Encoded, resp.Duration, resp.Retries, resp.CacheStatus)
	b.decode(cr, resp.Body)
}

// fail delivers err to every waiter of cr.
func (b *Backend) fail(cr *coalesce.ChunkRequest, source string, err core.Error) {
	resolutions.WithLabelValues(source, err.String()).Inc()
	for _, w := range b.coalescer.Complete(cr) {
		w.Finish(nil, err)
	}
}

// decode decodes data for every waiter of cr on a decode worker, then puts
// fresh data into the cache or evicts cached data that turned out to be bad.
func (b *Backend) decode(cr *coalesce.ChunkRequest, data []byte) {
	b.lock.Lock()
	decoders := b.decoders
	b.lock.Unlock()

	b.pending.Add(1)
	go func() {
		defer b.pending.Done()
		decoders.Acquire()
		defer decoders.Release()

		source := "network"
		if cr.FromCache {
			source = "cache"
		}
		waiters := b.coalescer.Complete(cr)
		failed := 0
		for _, w := range waiters {
			rng := w.Range()
			dest := make([]byte, rng.Length)
			if err := codec.Decode(cr.Info, cr.Encoded, data, rng, dest); err != nil {
				log.Errorf("%s: decoding %s of chunk %s from %s: %s", w.ID(), rng, cr.Info.Hash, source, err)
				decodeFailures.WithLabelValues(source).Inc()
				failed++
				w.Finish(nil, core.ErrDecode)
				continue
			}
			w.Finish(dest, core.NoError)
		}

		switch {
		case failed > 0 && cr.FromCache:
			log.Warningf("evicting corrupt cache entry %s", cr.Key)
			if err := b.cache.Evict(cr.Key); err != nil {
				log.Errorf("evicting %s: %s", cr.Key, err)
			}
			resolutions.WithLabelValues(source, core.ErrDecode.String()).Inc()
		case failed > 0:
			resolutions.WithLabelValues(source, core.ErrDecode.String()).Inc()
		case !cr.FromCache:
			b.put(cr, data)
			resolutions.WithLabelValues(source, core.NoError.String()).Inc()
		default:
			resolutions.WithLabelValues(source, core.NoError.String()).Inc()
		}
	}()
}

// put stores freshly fetched data, unless caching is off or write-protected.
func (b *Backend) put(cr *coalesce.ChunkRequest, data []byte) {
	if b.cache == nil || !b.Config().CacheEnabled || !b.cache.Writable() {
		return
	}
	if err := b.cache.Put(cr.Key, data); err != nil {
		log.Warningf("caching %s: %s", cr.Key, err)
	}
}

// InFlight returns the number of chunk ranges being resolved.
func (b *Backend) InFlight() int {
	return b.coalescer.Num()
}

// Shutdown fails every network request with ErrShutdown, waits for decodes
// in progress and refuses new reads.
func (b *Backend) Shutdown() {
	if !atomic.CompareAndSwapInt32(&b.stopping, 0, 1) {
		return
	}
	b.thread.Shutdown()
	b.pending.Wait()
	log.Infof("backend stopped")
}

// pendingLookup lets a cancel hook reach a cache lookup whose ticket may not
// exist yet.
type pendingLookup struct {
	cache cache.Cache

	lock     sync.Mutex
	ticket   *cache.Ticket
	canceled bool
}

func (p *pendingLookup) cancel() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.canceled = true
	if p.ticket != nil {
		p.cache.Cancel(p.ticket)
	}
}

func (p *pendingLookup) setTicket(t *cache.Ticket) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.ticket = t
	if p.canceled {
		p.cache.Cancel(t)
	}
}

// RegisterHostGroups resolves the host groups listed in a manifest.
func RegisterHostGroups(hosts *hostgroup.Manager, groups []manifest.HostGroup) error {
	for _, g := range groups {
		if _, err := hosts.Register(g.Name, g.URLs); err != nil {
			log.Errorf("registering host group %s: %s", g.Name, err)
			return err
		}
	}
	return nil
}
