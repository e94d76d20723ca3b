// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package testutil

import (
	"reflect"
	"sync"
	"testing"
)

// GenericMock is a simple library to help write mock objects. It's intended to
// be embedded in another struct that will define type-safe wrappers.
//
// Mocked methods may be called from any goroutine. A call that was not
// registered fails the test with Errorf, not Fatalf, so that it is safe to hit
// from goroutines other than the test's.
type GenericMock struct {
	t     testing.TB
	lock  sync.Mutex
	calls []mockCall
}

// NewGenericMock creates a new GenericMock. Errors will be reported with the
// given testing.TB.
func NewGenericMock(t testing.TB) *GenericMock {
	return &GenericMock{t: t}
}

// AddCall registers a single call to be mocked. Arguments must match exactly
// (according to reflect.DeepEqual).
func (m *GenericMock) AddCall(method string, result interface{}, args ...interface{}) {
	m.AddCalls(1, method, result, args...)
}

// AddCalls registers the same call n times.
func (m *GenericMock) AddCalls(n int, method string, result interface{}, args ...interface{}) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for i := 0; i < n; i++ {
		m.calls = append(m.calls, mockCall{method: method, args: args, result: result})
	}
}

// GetResult looks up a call for a given method and arguments. It will return
// the first unused call that matches. If no registered call matches, the test
// fails and nil is returned.
func (m *GenericMock) GetResult(method string, args ...interface{}) interface{} {
	m.lock.Lock()
	defer m.lock.Unlock()
	for i, call := range m.calls {
		if !call.used && call.method == method && reflect.DeepEqual(call.args, args) {
			m.calls[i].used = true
			return call.result
		}
	}
	m.t.Errorf("no calls for method %q args %#v", method, args)
	return nil
}

// GetError is GetResult for methods returning a single error value, so that
// callers don't have to do the nil check themselves.
func (m *GenericMock) GetError(method string, args ...interface{}) error {
	return ToErr(m.GetResult(method, args...))
}

// Used returns how many registered calls of method have been consumed.
func (m *GenericMock) Used(method string) int {
	m.lock.Lock()
	defer m.lock.Unlock()
	n := 0
	for _, call := range m.calls {
		if call.used && call.method == method {
			n++
		}
	}
	return n
}

// NoMoreCalls checks that there are no unused registered calls. If there are,
// it will Fatalf on the testing context.
func (m *GenericMock) NoMoreCalls() {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, call := range m.calls {
		if !call.used {
			m.t.Fatalf("unused call: %s%v", call.method, call.args)
		}
	}
}

type mockCall struct {
	method string
	args   []interface{}
	result interface{}
	used   bool
}

// ToErr properly converts an interface{} to an error.
func ToErr(v interface{}) error {
	if v == nil {
		return nil
	}
	return v.(error)
}
