// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	mrand "math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/beorn7/perks/quantile"
	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	"github.com/peterh/liner"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/chunkstream/internal/backend"
	"github.com/westerndigitalcorporation/chunkstream/internal/cache"
	"github.com/westerndigitalcorporation/chunkstream/internal/codec"
	"github.com/westerndigitalcorporation/chunkstream/internal/core"
	"github.com/westerndigitalcorporation/chunkstream/internal/manifest"
	"github.com/westerndigitalcorporation/chunkstream/internal/origin"
	"github.com/westerndigitalcorporation/chunkstream/internal/server"
)

// Byte size constants
const (
	KB = 1024        // How many bytes are there in a kilobyte,
	MB = 1024 * 1024 // ... and in a megabyte.
)

var usage = `
	chunkcli packs files into encoded chunks and reads them back through a
	local cache, the way a streaming client would.

	A manifest (--manifest) records every packed chunk and the host groups
	serving them. Reads go to the cache first (--cache, or an in-memory cache
	of --cache_mb megabytes) and to the chunk's host group otherwise.

	You can issue one command:

		chunkcli [--manifest <db>] [--config <file>] <subcommand> [<flags>...]

	or start an interpreter, which keeps the cache and connections between
	commands:

		chunkcli [--manifest <db>] shell

	A typical session, against an origin started with 'chunkorigin -root /tmp/o':

		chunkcli pack --dir /tmp/o --group cdn level1.pak level2.pak
		chunkcli hosts --group cdn http://localhost:8080
		chunkcli read --id level1.pak --offset 4096 --length 1024 --file out
	`

// chunkCli runs commands against a manifest, a cache and a backend. The
// backend is created by the first command that needs it and lives as long as
// the cli, so commands issued from the shell share it.
type chunkCli struct {
	// the command line framework we'll use to launch commands.
	app *cli.App

	cfg       backend.Config
	cfgLoaded bool

	manifest *manifest.DB
	store    *cache.Store // nil unless --cache is set
	backend  *backend.Backend

	// The status server, if 'serve' was run.
	status *http.Server

	// True if we are running a shell.
	inShell bool
}

// newChunkCli creates a new chunkCli object.
func newChunkCli() *chunkCli {
	b := &chunkCli{cfg: backend.DefaultProdConfig}
	app := cli.NewApp()
	app.Name = "chunkcli"

	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "manifest, m",
			Usage: "Manifest database",
			Value: "manifest.db",
		},
		cli.StringFlag{
			Name:  "config",
			Usage: "Backend configuration, yaml or json",
		},
		cli.StringFlag{
			Name:  "cache",
			Usage: "Path of a persistent cache, in-memory if unset",
		},
		cli.IntFlag{
			Name:  "cache_mb",
			Usage: "Cache size in MB, 0 disables caching",
			Value: 256,
		},
	}
	app.Before = b.loadConfig

	idFlag := cli.StringFlag{
		Name:  "id, i",
		Usage: "chunk id",
	}
	offsetFlag := cli.IntFlag{
		Name:  "offset, o",
		Usage: "raw offset within the chunk to read (default: 0)",
	}
	lengthFlag := cli.IntFlag{
		Name:  "length, l",
		Usage: "raw length to read (unset or <= 0 means 'to the end')",
	}
	fileFlag := cli.StringFlag{
		Name:  "file, f",
		Usage: "file to write data to (default: stdout)",
	}
	priorityFlag := cli.IntFlag{
		Name:  "priority, p",
		Usage: "request priority, higher is served first",
		Value: int(core.PriorityNormal),
	}
	groupFlag := cli.StringFlag{
		Name:  "group, g",
		Usage: "host group name",
	}

	app.Commands = []cli.Command{
		{
			Name:  "pack",
			Usage: "Encodes files into chunks under an origin directory and records them.",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "dir, d", Usage: "origin root directory"},
				groupFlag,
				cli.StringFlag{Name: "class", Usage: "content class"},
				cli.StringFlag{Name: "compression, c", Usage: "none, snappy, zstd or lz4", Value: "snappy"},
				cli.IntFlag{Name: "block", Usage: "raw block size", Value: core.DefaultBlockSize},
				cli.BoolFlag{Name: "encrypt", Usage: "encrypt with a fresh key per chunk"},
				idFlag,
			},
			Action: b.cmdPack,
		},
		{
			Name:    "ls",
			Aliases: []string{"l"},
			Usage:   "Lists chunks in the manifest.",
			Action:  b.cmdList,
		},
		{
			Name:  "hosts",
			Usage: "Lists host groups. With --group and urls, sets the endpoints of a group.",
			Flags: []cli.Flag{
				groupFlag,
			},
			Action: b.cmdHosts,
		},
		{
			Name:    "read",
			Aliases: []string{"r"},
			Usage:   "Reads a range of a chunk.",
			Flags: []cli.Flag{
				idFlag,
				offsetFlag,
				lengthFlag,
				fileFlag,
				priorityFlag,
				cli.DurationFlag{Name: "timeout", Usage: "give up after this long", Value: 30 * time.Second},
			},
			Action: b.cmdRead,
		},
		{
			Name:  "load",
			Usage: "Issues random reads of chunks in the manifest and reports throughput and latency.",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "readers", Usage: "concurrent readers", Value: 8},
				cli.IntFlag{Name: "count, n", Usage: "total number of reads", Value: 1000},
				cli.IntFlag{Name: "length, l", Usage: "maximum raw length of a read", Value: 64 * KB},
				priorityFlag,
			},
			Action: b.cmdLoad,
		},
		{
			Name:   "status",
			Usage:  "Prints the status of the backend.",
			Action: b.cmdStatus,
		},
		{
			Name:  "serve",
			Usage: "Serves the status page, metrics and /readonly over HTTP.",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "addr", Usage: "address to listen on", Value: ":8081"},
			},
			Action: b.cmdServe,
		},
		{
			Name:   "set",
			Usage:  "Sets a backend option, e.g. 'set RequestTimeout 10s'. Lists options without arguments.",
			Action: b.cmdSet,
		},
		{
			Name:   "shell",
			Usage:  "Starts a command interpreter.",
			Action: b.cmdShell,
		},
	}

	b.app = app
	return b
}

// run runs a command.
func (b *chunkCli) run(args []string) error {
	return b.app.Run(args)
}

// stop frees up all resources used by the chunkCli object.
func (b *chunkCli) stop() {
	if b.status != nil {
		b.status.Close()
		b.status = nil
	}
	if b.backend != nil {
		b.backend.Shutdown()
		b.backend = nil
	}
	if b.store != nil {
		b.store.Close()
		b.store = nil
	}
	if b.manifest != nil {
		b.manifest.Close()
		b.manifest = nil
	}
}

// runCommand runs a command after the cli gets started already.
func (b *chunkCli) runCommand(c *cli.Context, args ...string) error {
	cliArgs := []string{"chunkcli", "--manifest", c.GlobalString("manifest")}
	cliArgs = append(cliArgs, args...)
	return b.run(cliArgs)
}

func (b *chunkCli) loadConfig(c *cli.Context) error {
	if b.cfgLoaded {
		return nil
	}
	b.cfgLoaded = true
	if path := c.GlobalString("config"); path != "" {
		if err := backend.LoadConfig(path, &b.cfg); err != nil {
			log.Errorf("failed to load config: %s", err)
			return err
		}
	}
	return nil
}

// getManifest opens the manifest once and reuses it.
func (b *chunkCli) getManifest(c *cli.Context) *manifest.DB {
	if b.manifest != nil {
		return b.manifest
	}
	m, err := manifest.Open(c.GlobalString("manifest"))
	if err != nil {
		log.Fatalf("%s", err)
	}
	b.manifest = m
	return m
}

// getBackend returns the backend, creating it, its cache and its host groups
// on first use.
func (b *chunkCli) getBackend(c *cli.Context) *backend.Backend {
	if b.backend != nil {
		return b.backend
	}
	m := b.getManifest(c)

	var ch cache.Cache
	if mb := int64(c.GlobalInt("cache_mb")); mb > 0 {
		if path := c.GlobalString("cache"); path != "" {
			cfg := cache.DefaultStoreConfig
			cfg.Path = path
			cfg.MaxBytes = mb * MB
			store, err := cache.OpenStore(cfg)
			if err != nil {
				log.Fatalf("failed to open cache: %s", err)
			}
			b.store, ch = store, store
		} else {
			ch = cache.NewMemory(mb * MB)
		}
	}

	be, err := backend.New(b.cfg, ch, m, nil)
	if err != nil {
		log.Fatalf("failed to create backend: %s", err)
	}
	groups, err := m.HostGroups()
	if err != nil {
		log.Fatalf("failed to list host groups: %s", err)
	}
	if err := backend.RegisterHostGroups(be.Hosts(), groups); err != nil {
		log.Fatalf("%s", err)
	}
	b.backend = be
	return be
}

// cmdPack implements "pack" subcommand.
func (b *chunkCli) cmdPack(c *cli.Context) {
	dir, group := c.String("dir"), c.String("group")
	if dir == "" || group == "" {
		log.Errorf("--dir and --group are required")
		return
	}
	if len(c.Args()) == 0 {
		log.Errorf("no files to pack")
		return
	}
	if c.String("id") != "" && len(c.Args()) > 1 {
		log.Errorf("--id only works with a single file")
		return
	}
	comp, err := core.ParseCompression(c.String("compression"))
	if err != nil {
		log.Errorf("%s", err)
		return
	}
	m := b.getManifest(c)

	for _, name := range c.Args() {
		raw, err := os.ReadFile(name)
		if err != nil {
			log.Errorf("%s", err)
			return
		}
		var key []byte
		if c.Bool("encrypt") {
			key = make([]byte, codec.KeySize)
			if _, err := rand.Read(key); err != nil {
				log.Errorf("failed to make a key: %s", err)
				return
			}
		}
		info, enc, err := codec.Encode(raw, uint32(c.Int("block")), comp, key)
		if err != nil {
			log.Errorf("failed to encode %s: %s", name, err)
			return
		}
		info.HostGroup, info.Class = group, c.String("class")

		if err := origin.WriteChunk(dir, b.cfg.ChunksDirectory, info.Hash, enc); err != nil {
			log.Errorf("failed to write %s: %s", name, err)
			return
		}
		id := core.ChunkID(filepath.Base(name))
		if c.String("id") != "" {
			id = core.ChunkID(c.String("id"))
		}
		if err := m.Put(id, info); err != nil {
			log.Errorf("failed to record %s: %s", id, err)
			return
		}
		fmt.Printf("%s: %s, %d -> %d bytes in %d blocks\n", id, info.Hash, info.RawSize, info.EncodedSize, len(info.Blocks))
	}
}

// cmdList implements "ls" subcommand.
func (b *chunkCli) cmdList(c *cli.Context) {
	m := b.getManifest(c)
	ids, err := m.Chunks()
	if err != nil {
		log.Errorf("%s", err)
		return
	}
	for _, id := range ids {
		info, err := m.Lookup(id)
		if err != nil {
			fmt.Printf("%s: %s\n", id, err)
			continue
		}
		fmt.Printf("%-32s %10d %10d %-6s %-8s %s %s\n", id, info.RawSize, info.EncodedSize,
			info.Compression, info.HostGroup, info.Class, info.Hash)
	}
}

// cmdHosts implements "hosts" subcommand.
func (b *chunkCli) cmdHosts(c *cli.Context) {
	m := b.getManifest(c)
	if group := c.String("group"); group != "" {
		if err := m.PutHostGroup(group, c.Args()); err != nil {
			log.Errorf("failed to set host group %s: %s", group, err)
			return
		}
		if b.backend != nil {
			if _, err := b.backend.Hosts().Register(group, c.Args()); err != nil {
				log.Errorf("%s is in use with other endpoints, restart to apply: %s", group, err)
			}
		}
		return
	}

	if b.backend != nil {
		for _, g := range b.backend.Hosts().Groups() {
			fmt.Printf("%-12s %-12s primary %d, error rate %.2f, %s\n", g.Name(), g.State(), g.PrimaryIndex(), g.ErrorRate(), strings.Join(g.URLs(), " "))
		}
		return
	}
	groups, err := m.HostGroups()
	if err != nil {
		log.Errorf("%s", err)
		return
	}
	for _, g := range groups {
		fmt.Printf("%-12s %s\n", g.Name, strings.Join(g.URLs, " "))
	}
}

// cmdRead implements "read" subcommand.
func (b *chunkCli) cmdRead(c *cli.Context) {
	id := core.ChunkID(c.String("id"))
	if id == "" {
		log.Errorf("--id is required")
		return
	}
	be := b.getBackend(c)
	info, err := b.getManifest(c).Lookup(id)
	if err != nil {
		log.Errorf("failed to look up %s: %s", id, err)
		return
	}

	rng := core.Range{Offset: uint64(c.Int("offset"))}
	if rng.Offset >= info.RawSize {
		log.Errorf("offset %d is past the end of %s (%d bytes)", rng.Offset, id, info.RawSize)
		return
	}
	if l := c.Int("length"); l > 0 {
		rng.Length = uint64(l)
	} else {
		rng.Length = info.RawSize - rng.Offset
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()
	start := time.Now()
	data, err := be.ReadSync(ctx, info, rng, core.Priority(c.Int("priority")))
	if err != nil {
		log.Errorf("read of %s %s failed: %s", id, rng, err)
		return
	}
	log.Infof("read %d bytes in %s", len(data), time.Since(start))

	var w io.Writer = os.Stdout
	if name := c.String("file"); name != "" {
		f, err := os.Create(name)
		if err != nil {
			log.Errorf("%s", err)
			return
		}
		defer f.Close()
		w = f
	}
	if _, err := w.Write(data); err != nil {
		log.Errorf("%s", err)
	}
}

// loadStats keeps track of bytes read and read latency. Does its own
// locking.
type loadStats struct {
	start time.Time

	lock   sync.Mutex
	bytes  int64
	errors map[string]int
	lat    *quantile.Stream
}

func newLoadStats() *loadStats {
	objectives := map[float64]float64{0.1: 0.05, 0.5: 0.05, 0.9: 0.01, 0.99: 0.001, 0.9999: 0.000001}
	return &loadStats{start: time.Now(), errors: make(map[string]int), lat: quantile.NewTargeted(objectives)}
}

func (s *loadStats) update(n int, d time.Duration, err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err != nil {
		s.errors[err.Error()]++
		return
	}
	s.bytes += int64(n)
	s.lat.Insert(float64(d) / 1e9)
}

func (s *loadStats) String() string {
	s.lock.Lock()
	defer s.lock.Unlock()

	elapsed := time.Since(s.start).Seconds()
	sizeInMB := float64(s.bytes) / MB
	str := fmt.Sprintf("read %d ranges, %f MB\n", s.lat.Count(), sizeInMB)
	str += fmt.Sprintf("throughput: %f MB/sec\n", sizeInMB/elapsed)
	str += "latency distribution:\n"
	for _, q := range []float64{0.1, 0.5, 0.9, 0.99, 0.9999} {
		str += fmt.Sprintf("%g=%.3f ms\n", q*100, s.lat.Query(q)*1000)
	}
	for e, n := range s.errors {
		str += fmt.Sprintf("error %q: %d\n", e, n)
	}
	return str
}

// cmdLoad implements "load" subcommand.
func (b *chunkCli) cmdLoad(c *cli.Context) {
	be := b.getBackend(c)
	m := b.getManifest(c)
	ids, err := m.Chunks()
	if err != nil || len(ids) == 0 {
		log.Errorf("nothing to read: %v", err)
		return
	}
	var infos []core.ChunkInfo
	for _, id := range ids {
		info, err := m.Lookup(id)
		if err != nil {
			log.Errorf("skipping %s: %s", id, err)
			continue
		}
		infos = append(infos, info)
	}
	if len(infos) == 0 {
		return
	}

	readers, count, maxLen := c.Int("readers"), c.Int("count"), c.Int("length")
	if readers <= 0 || count <= 0 || maxLen <= 0 {
		log.Errorf("--readers, --count and --length must be positive")
		return
	}
	pri := core.Priority(c.Int("priority"))
	stats := newLoadStats()
	work := make(chan struct{}, count)
	for i := 0; i < count; i++ {
		work <- struct{}{}
	}
	close(work)

	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := mrand.New(mrand.NewSource(seed))
			for range work {
				info := infos[r.Intn(len(infos))]
				rng := core.Range{Offset: uint64(r.Int63n(int64(info.RawSize)))}
				rng.Length = uint64(1 + r.Intn(maxLen))
				if rng.End() > info.RawSize {
					rng.Length = info.RawSize - rng.Offset
				}
				start := time.Now()
				data, err := be.ReadSync(context.Background(), info, rng, pri)
				stats.update(len(data), time.Since(start), err)
			}
		}(time.Now().UnixNano() + int64(i))
	}
	wg.Wait()
	fmt.Print(stats)
}

// cmdStatus implements "status" subcommand.
func (b *chunkCli) cmdStatus(c *cli.Context) {
	out, err := json.MarshalIndent(b.getBackend(c).Status(), "", "  ")
	if err != nil {
		log.Errorf("%s", err)
		return
	}
	fmt.Println(string(out))
}

// cmdServe implements "serve" subcommand. It returns at once in the shell and
// blocks otherwise.
func (b *chunkCli) cmdServe(c *cli.Context) {
	if b.status != nil {
		log.Errorf("already serving on %s", b.status.Addr)
		return
	}
	be := b.getBackend(c)
	mux := http.NewServeMux()
	mux.HandleFunc("/", be.StatusHandler)
	mux.Handle("/metrics", promhttp.Handler())
	if b.store != nil {
		store := b.store
		mux.HandleFunc("/readonly", func(w http.ResponseWriter, r *http.Request) {
			server.ReadOnlyHandler(w, r, store)
		})
	}
	b.status = &http.Server{Addr: c.String("addr"), Handler: mux}
	srv := b.status

	log.Infof("serving status on %s", srv.Addr)
	if b.inShell {
		go func() {
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				log.Errorf("status server: %s", err)
			}
		}()
		return
	}
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Errorf("status server: %s", err)
	}
}

// cmdSet implements "set" subcommand.
func (b *chunkCli) cmdSet(c *cli.Context) {
	args := c.Args()
	if len(args) == 0 {
		out, _ := yaml.Marshal(b.cfg)
		fmt.Print(string(out))
		return
	}
	if len(args) != 2 {
		log.Errorf("usage: set <option> <value>, options are %s", strings.Join(backend.Options(), ", "))
		return
	}
	if err := b.cfg.Set(args[0], args[1]); err != nil {
		log.Errorf("%s", err)
		return
	}
	if b.backend != nil {
		if err := b.backend.SetConfig(b.cfg); err != nil {
			log.Errorf("%s", err)
		}
	}
}

// cmdShell implements "shell" subcommand.
func (b *chunkCli) cmdShell(c *cli.Context) {
	b.inShell = true
	defer func() { b.inShell = false }()

	// Make cli not exit on errors.
	cli.OsExiter = func(int) {}

	liner := liner.NewLiner()
	liner.SetCtrlCAborts(true)

	// Complete command names, and option names after "set".
	liner.SetCompleter(func(line string) (c []string) {
		if strings.HasPrefix(line, "set ") {
			for _, o := range backend.Options() {
				if strings.HasPrefix("set "+o, line) {
					c = append(c, "set "+o)
				}
			}
			return
		}
		for _, cmd := range b.app.Commands {
			if strings.HasPrefix(cmd.Name, line) {
				c = append(c, cmd.Name)
			}
		}
		return
	})

	defer liner.Close()

	for {
		input, err := liner.Prompt("(chunks) ")
		if err != nil {
			if err != io.EOF {
				log.Errorf("error: %v", err)
			}
			return
		}

		// Split the line using shell-style rules for quoting and commenting.
		args, err := shlex.Split(input)
		if err != nil {
			log.Errorf("error: %v", err)
			continue
		}

		// Skip empty line.
		if 0 == len(args) {
			continue
		}

		if args[0] == "exit" {
			return
		}

		if b.runCommand(c, args...) == nil {
			liner.AppendHistory(input)
		}
	}
}
