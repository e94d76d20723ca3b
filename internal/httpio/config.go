// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package httpio

import (
	"fmt"
	"time"
)

// Config configures the dispatch client and the request thread.
type Config struct {
	// MaxConcurrentRequests caps the number of requests on the wire.
	MaxConcurrentRequests int

	// RequestTimeout bounds a single attempt, from dial to the last byte.
	RequestTimeout time.Duration

	// FailTimeout bounds how long a single client tick may block.
	FailTimeout time.Duration

	// MaxRetryCount is the number of retries after the first attempt. -1
	// means one retry per endpoint of the host group, so every endpoint is
	// tried at least once.
	MaxRetryCount int

	// RateLimitKBps throttles received payload bytes. 0 is unlimited.
	RateLimitKBps int

	// HealthCheckInterval is how often disconnected host groups are probed.
	HealthCheckInterval time.Duration

	// HealthCheckTimeout bounds a single probe.
	HealthCheckTimeout time.Duration

	// CacheStatusHeaders are checked in order for a CDN cache status.
	CacheStatusHeaders []string

	// MaxConnectionPools bounds the number of endpoints with live pools.
	MaxConnectionPools int
}

// DefaultConfig is the default Config.
var DefaultConfig = Config{
	MaxConcurrentRequests: 8,
	RequestTimeout:        10 * time.Second,
	FailTimeout:           4 * time.Second,
	MaxRetryCount:         -1,
	RateLimitKBps:         0,
	HealthCheckInterval:   3 * time.Second,
	HealthCheckTimeout:    2 * time.Second,
	CacheStatusHeaders:    []string{"X-Cache", "CF-Cache-Status"},
	MaxConnectionPools:    64,
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("MaxConcurrentRequests must be positive, got %d", c.MaxConcurrentRequests)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("RequestTimeout must be positive, got %s", c.RequestTimeout)
	}
	if c.FailTimeout <= 0 {
		return fmt.Errorf("FailTimeout must be positive, got %s", c.FailTimeout)
	}
	if c.MaxRetryCount < -1 {
		return fmt.Errorf("MaxRetryCount must be -1 or more, got %d", c.MaxRetryCount)
	}
	if c.RateLimitKBps < 0 {
		return fmt.Errorf("RateLimitKBps must not be negative, got %d", c.RateLimitKBps)
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("HealthCheckInterval must be positive, got %s", c.HealthCheckInterval)
	}
	if c.MaxConnectionPools <= 0 {
		return fmt.Errorf("MaxConnectionPools must be positive, got %d", c.MaxConnectionPools)
	}
	return nil
}
