// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/westerndigitalcorporation/chunkstream/internal/core"
	"github.com/westerndigitalcorporation/chunkstream/internal/hostgroup"
	"github.com/westerndigitalcorporation/chunkstream/internal/httpio"
)

// Config encapsulates parameters for the backend and everything it drives.
type Config struct {
	// --- HTTP ---
	MaxConcurrentRequests int           `yaml:"MaxConcurrentRequests"` // Cap on requests on the wire.
	RequestTimeout        time.Duration `yaml:"RequestTimeout"`        // Bound on a single attempt.
	FailTimeout           time.Duration `yaml:"FailTimeout"`           // Bound on a single client tick.
	// Retries after the first attempt; -1 is one retry per endpoint.
	MaxRetryCount      int      `yaml:"MaxRetryCount"`
	RateLimitKBps      int      `yaml:"RateLimitKBps"` // 0 is unlimited.
	CacheStatusHeaders []string `yaml:"CacheStatusHeaders"`
	MaxConnectionPools int      `yaml:"MaxConnectionPools"`
	// Path prefix of chunks on every endpoint.
	ChunksDirectory string `yaml:"ChunksDirectory"`

	// HTTPEnabled switches all network fetches on or off.
	HTTPEnabled bool `yaml:"HTTPEnabled"`
	// DisabledClasses lists content classes that are never fetched.
	DisabledClasses []string `yaml:"DisabledClasses"`

	// --- Host groups ---
	HealthCheckInterval    time.Duration `yaml:"HealthCheckInterval"`
	HealthCheckTimeout     time.Duration `yaml:"HealthCheckTimeout"`
	PrimaryRecheckInterval time.Duration `yaml:"PrimaryRecheckInterval"`
	ErrorWindowSize        int           `yaml:"ErrorWindowSize"`
	ErrorHighWaterMark     float64       `yaml:"ErrorHighWaterMark"`

	// --- Chunks ---
	// Chunks whose encoded size is at most this are always fetched whole.
	MinRangeRequestSize uint64 `yaml:"MinRangeRequestSize"`
	// CacheEnabled switches the use of the cache on or off.
	CacheEnabled bool `yaml:"CacheEnabled"`
	// How many chunk requests are decoded at once.
	DecodeWorkers int `yaml:"DecodeWorkers"`
}

// DefaultProdConfig specifies the default values for Config that is used for
// production.
var DefaultProdConfig = Config{
	MaxConcurrentRequests: httpio.DefaultConfig.MaxConcurrentRequests,
	RequestTimeout:        httpio.DefaultConfig.RequestTimeout,
	FailTimeout:           httpio.DefaultConfig.FailTimeout,
	MaxRetryCount:         -1,
	RateLimitKBps:         0,
	CacheStatusHeaders:    httpio.DefaultConfig.CacheStatusHeaders,
	MaxConnectionPools:    httpio.DefaultConfig.MaxConnectionPools,
	ChunksDirectory:       core.DefaultChunksDirectory,
	HTTPEnabled:           true,

	HealthCheckInterval:    httpio.DefaultConfig.HealthCheckInterval,
	HealthCheckTimeout:     httpio.DefaultConfig.HealthCheckTimeout,
	PrimaryRecheckInterval: hostgroup.DefaultConfig.PrimaryRecheckInterval,
	ErrorWindowSize:        hostgroup.DefaultConfig.ErrorWindowSize,
	ErrorHighWaterMark:     hostgroup.DefaultConfig.ErrorHighWaterMark,

	MinRangeRequestSize: 128 * 1024,
	CacheEnabled:        true,
	DecodeWorkers:       4,
}

// DefaultTestConfig specifies the default values for Config that is used for
// testing.
var DefaultTestConfig = Config{
	MaxConcurrentRequests: 4,
	RequestTimeout:        5 * time.Second,
	FailTimeout:           100 * time.Millisecond,
	MaxRetryCount:         -1,
	CacheStatusHeaders:    httpio.DefaultConfig.CacheStatusHeaders,
	MaxConnectionPools:    8,
	ChunksDirectory:       core.DefaultChunksDirectory,
	HTTPEnabled:           true,

	HealthCheckInterval:    time.Hour,
	HealthCheckTimeout:     time.Second,
	PrimaryRecheckInterval: time.Hour,
	ErrorWindowSize:        8,
	ErrorHighWaterMark:     0.5,

	MinRangeRequestSize: 0,
	CacheEnabled:        true,
	DecodeWorkers:       2,
}

// HTTPConfig derives the configuration of the request thread.
func (c Config) HTTPConfig() httpio.Config {
	return httpio.Config{
		MaxConcurrentRequests: c.MaxConcurrentRequests,
		RequestTimeout:        c.RequestTimeout,
		FailTimeout:           c.FailTimeout,
		MaxRetryCount:         c.MaxRetryCount,
		RateLimitKBps:         c.RateLimitKBps,
		HealthCheckInterval:   c.HealthCheckInterval,
		HealthCheckTimeout:    c.HealthCheckTimeout,
		CacheStatusHeaders:    c.CacheStatusHeaders,
		MaxConnectionPools:    c.MaxConnectionPools,
	}
}

// HostGroupConfig derives the configuration of host groups.
func (c Config) HostGroupConfig() hostgroup.Config {
	return hostgroup.Config{
		ErrorWindowSize:        c.ErrorWindowSize,
		ErrorHighWaterMark:     c.ErrorHighWaterMark,
		PrimaryRecheckInterval: c.PrimaryRecheckInterval,
	}
}

// Validate validates the configuration object has reasonable(not obviously
// wrong) values.
func (c Config) Validate() error {
	if err := c.HTTPConfig().Validate(); err != nil {
		return err
	}
	if err := c.HostGroupConfig().Validate(); err != nil {
		return err
	}
	if c.DecodeWorkers <= 0 {
		return fmt.Errorf("DecodeWorkers must be positive, got %d", c.DecodeWorkers)
	}
	return nil
}

// classDisabled returns whether network fetches are off for class.
func (c Config) classDisabled(class string) bool {
	for _, d := range c.DisabledClasses {
		if strings.EqualFold(d, class) {
			return true
		}
	}
	return false
}

// LoadConfig overlays the file at path on cfg. Files ending in .yaml or .yml
// are YAML, anything else is JSON. Durations are strings like "10s" in YAML
// and nanoseconds in JSON.
func LoadConfig(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, cfg)
	default:
		err = json.Unmarshal(b, cfg)
	}
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg.Validate()
}

// Set changes the option called name, parsing value as YAML, e.g.
// Set("RequestTimeout", "5s") or Set("DisabledClasses", "[audio]").
func (c *Config) Set(name, value string) error {
	if !knownOption(name) {
		return fmt.Errorf("unknown option %q", name)
	}
	next := *c
	if err := yaml.Unmarshal([]byte(name+": "+value), &next); err != nil {
		return fmt.Errorf("bad value for %s: %w", name, err)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*c = next
	return nil
}

// Options returns the option names accepted by Set.
func Options() []string {
	var names []string
	b, _ := yaml.Marshal(DefaultProdConfig)
	var m yaml.Node
	if yaml.Unmarshal(b, &m) == nil && len(m.Content) > 0 {
		for i := 0; i < len(m.Content[0].Content); i += 2 {
			names = append(names, m.Content[0].Content[i].Value)
		}
	}
	return names
}

func knownOption(name string) bool {
	for _, o := range Options() {
		if o == name {
			return true
		}
	}
	return false
}
