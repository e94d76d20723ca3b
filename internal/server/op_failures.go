// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"encoding/json"
	"sync"

	log "github.com/golang/glog"
)

// OpFailure is used by failure service and maps operation names to the HTTP
// status codes that failed operations should answer with.
type OpFailure struct {
	// When failure service is enabled, what status failed operations should
	// return and the lock for them.
	lock     sync.Mutex
	failures map[string]int
}

// NewOpFailure creates a new OpFailure.
func NewOpFailure() *OpFailure {
	return &OpFailure{failures: make(map[string]int)}
}

// Get returns the registered status for the given operation 'op'. Zero is
// returned if no failure is registered for 'op'.
func (f *OpFailure) Get(op string) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.failures[op]
}

// Set registers status for op. A status of zero clears it.
func (f *OpFailure) Set(op string, status int) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if status == 0 {
		delete(f.failures, op)
	} else {
		f.failures[op] = status
	}
}

// Handler is the method to be registered with the failure service that handles
// the update of failure configurations.
func (f *OpFailure) Handler(config json.RawMessage) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	log.Infof("received new failure config: %s", string(config))
	if config == nil {
		f.failures = make(map[string]int)
		return nil
	}

	var failures map[string]int
	if err := json.Unmarshal(config, &failures); nil != err {
		log.Errorf("failed to unmarshal config: %s", err)
		return err
	}
	f.failures = failures
	return nil
}
