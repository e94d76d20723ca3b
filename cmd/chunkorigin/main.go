// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"flag"
	"os"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/westerndigitalcorporation/chunkstream/internal/origin"
)

/*

Configuring the origin follows three steps:

  (1) Default config parameters are pulled from 'origin.DefaultConfig'.

  (2) An optional yaml file given with '-config' overrides the defaults.

  (3) Flags override single parameters set in the previous two steps, e.g., '-addr=:9000'.

*/

var (
	cfg = origin.DefaultConfig

	// Config file name.
	cfgFile = flag.String("config", "", "yaml configuration file for the origin")

	addr        = flag.String("addr", "", "service address")
	root        = flag.String("root", "", "directory holding the chunks directory")
	maxConns    = flag.Int("maxConns", 0, "connections accepted at once")
	rateLimit   = flag.Int("rateLimitKBps", 0, "bandwidth limit of all responses")
	cacheStatus = flag.String("cacheStatus", "", "value of the X-Cache header of chunk responses")
)

// Initialize config parameters. It first tries to read from the configuration
// file and then applies the command-line flags to override specified values.
func init() {
	flag.Parse()

	if "" != *cfgFile {
		b, err := os.ReadFile(*cfgFile)
		if nil != err {
			log.Fatalf("couldn't read the provided config file: %s", err)
		}
		if err = yaml.Unmarshal(b, &cfg); nil != err {
			log.Fatalf("failed to decode the config file: %s", err)
		}
	}

	// Flags whose value is the zero value are considered unset.
	if "" != *addr {
		cfg.Addr = *addr
	}
	if "" != *root {
		cfg.Root = *root
	}
	if *maxConns != 0 {
		cfg.MaxConns = *maxConns
	}
	if *rateLimit != 0 {
		cfg.RateLimitKBps = *rateLimit
	}
	if *cacheStatus != "" {
		cfg.CacheStatus = *cacheStatus
	}
}

func main() {
	if st, err := os.Stat(cfg.Root); err != nil || !st.IsDir() {
		log.Fatalf("root %q is not a directory", cfg.Root)
	}

	s := origin.New(cfg)
	s.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	log.Infof("starting origin...")
	if err := s.ListenAndServe(); nil != err {
		log.Fatalf("origin stopped: %s", err)
	}
}
