// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package origin serves encoded chunks from a directory over HTTP, the way a
// CDN endpoint would: byte ranges, a liveness path, and a failure service to
// make it misbehave on demand.
package origin

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/golang/glog"
	"golang.org/x/net/netutil"

	"github.com/westerndigitalcorporation/chunkstream/internal/core"
	"github.com/westerndigitalcorporation/chunkstream/internal/server"
	"github.com/westerndigitalcorporation/chunkstream/pkg/failures"
	"github.com/westerndigitalcorporation/chunkstream/pkg/tokenbucket"
)

var originOps = server.NewOpMetric("chunkstream_origin", "op")

// Config encapsulates parameters for an origin.
type Config struct {
	// Address to listen on.
	Addr string `yaml:"Addr"`
	// Root holds ChunksDirectory.
	Root            string `yaml:"Root"`
	ChunksDirectory string `yaml:"ChunksDirectory"`
	// Connections accepted at once, 0 is unlimited.
	MaxConns int `yaml:"MaxConns"`
	// Bandwidth shared by all responses, 0 is unlimited.
	RateLimitKBps int `yaml:"RateLimitKBps"`
	// Value of the X-Cache header of chunk responses, empty for none.
	CacheStatus string `yaml:"CacheStatus"`
}

// DefaultConfig specifies the default values for Config.
var DefaultConfig = Config{
	Addr:            ":8080",
	Root:            ".",
	ChunksDirectory: core.DefaultChunksDirectory,
	MaxConns:        256,
}

// Server is an origin.
type Server struct {
	cfg Config

	// Maps "get" and "health" to the status they should fail with.
	failures *server.OpFailure
	service  *failures.Service
	bucket   *tokenbucket.TokenBucket

	mux *http.ServeMux
	srv *http.Server
}

// New creates an origin serving cfg.Root.
func New(cfg Config) *Server {
	s := &Server{
		cfg:      cfg,
		failures: server.NewOpFailure(),
		service:  failures.NewService(),
		mux:      http.NewServeMux(),
	}
	if cfg.RateLimitKBps > 0 {
		rate := float64(cfg.RateLimitKBps) * 1024
		s.bucket = tokenbucket.New(rate, rate)
	}
	s.service.Register("origin", s.failures.Handler)

	s.mux.HandleFunc(core.HealthPath, s.handleHealth)
	s.mux.HandleFunc("/"+strings.Trim(cfg.ChunksDirectory, "/")+"/", s.handleChunk)
	s.mux.Handle(failures.DefaultFailureServicePath, s.service)
	s.srv = &http.Server{Handler: s.mux}
	return s
}

// Handler returns the handler serving every path of the origin.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// HandleFunc adds a handler, e.g. for metrics.
func (s *Server) HandleFunc(pattern string, h func(http.ResponseWriter, *http.Request)) {
	s.mux.HandleFunc(pattern, h)
}

// Failures returns the failure service of the origin. Key "origin" takes an
// object mapping "get" and "health" to the status to fail with.
func (s *Server) Failures() *failures.Service {
	return s.service
}

// Serve serves on l until Close is called.
func (s *Server) Serve(l net.Listener) error {
	if s.cfg.MaxConns > 0 {
		l = netutil.LimitListener(l, s.cfg.MaxConns)
	}
	log.Infof("origin serving %s on %s", s.dir(), l.Addr())
	return s.srv.Serve(l)
}

// ListenAndServe listens on cfg.Addr and serves.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Close stops serving.
func (s *Server) Close() error {
	return s.srv.Close()
}

func (s *Server) dir() string {
	return filepath.Join(s.cfg.Root, s.cfg.ChunksDirectory)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	op := originOps.Start("health")
	defer op.End()
	if st := s.failures.Get("health"); st != 0 {
		op.Failed()
		w.WriteHeader(st)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	op := originOps.Start("get")
	defer op.End()

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		op.Failed()
		http.Error(w, "method must be GET or HEAD", http.StatusMethodNotAllowed)
		return
	}
	if st := s.failures.Get("get"); st != 0 {
		op.Failed()
		w.WriteHeader(st)
		return
	}

	h, ok := s.parsePath(r.URL.Path)
	if !ok {
		op.Result("not_found")
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(filepath.Join(s.cfg.Root, filepath.FromSlash(core.ChunkPath(s.cfg.ChunksDirectory, h))))
	if err != nil {
		op.Result("not_found")
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		op.Failed()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if s.cfg.CacheStatus != "" {
		w.Header().Set("X-Cache", s.cfg.CacheStatus)
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	// Chunks are immutable.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("ETag", `"`+h.String()+`"`)
	log.V(2).Infof("GET %s range %q", r.URL.Path, r.Header.Get("Range"))
	http.ServeContent(s.throttle(w), r, "", st.ModTime(), f)
}

// parsePath maps <dir>/<hh>/<hash><ext> to the hash.
func (s *Server) parsePath(p string) (core.Hash, bool) {
	prefix := "/" + strings.Trim(s.cfg.ChunksDirectory, "/") + "/"
	parts := strings.Split(strings.TrimPrefix(p, prefix), "/")
	if len(parts) != 2 || !strings.HasSuffix(parts[1], core.ChunkFileExt) {
		return core.Hash{}, false
	}
	h, err := core.ParseHash(strings.TrimSuffix(parts[1], core.ChunkFileExt))
	if err != nil || h.String()[:2] != parts[0] {
		return core.Hash{}, false
	}
	return h, true
}

func (s *Server) throttle(w http.ResponseWriter) http.ResponseWriter {
	if s.bucket == nil {
		return w
	}
	return &throttledWriter{ResponseWriter: w, bucket: s.bucket}
}

type throttledWriter struct {
	http.ResponseWriter
	bucket *tokenbucket.TokenBucket
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	t.bucket.Take(float64(len(p)))
	return t.ResponseWriter.Write(p)
}

// WriteChunk stores an encoded chunk where an origin serving root finds it.
func WriteChunk(root, chunksDir string, h core.Hash, data []byte) error {
	path := filepath.Join(root, filepath.FromSlash(core.ChunkPath(chunksDir, h)))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.%d.tmp", path, time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// SetFailure makes op ("get" or "health") fail with status, 0 clears it.
func (s *Server) SetFailure(op string, status int) error {
	cfg := s.service.Config()
	m := make(map[string]int)
	if raw := cfg["origin"]; raw != nil {
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
	}
	if status == 0 {
		delete(m, op)
	} else {
		m[op] = status
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.service.Apply(map[string]json.RawMessage{"origin": b})
}
