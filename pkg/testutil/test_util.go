// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// This contains a few functions to help writing tests. If you want to put
// something in a temporary directory, put them in testutil.TempDir(), or a
// directory within it. Also, put this in a file named main_test.go in your
// package, and temp directories will be cleaned up automatically on successful
// runs:
/*

package mypkg

import (
	"testing"

	"github.com/westerndigitalcorporation/chunkstream/pkg/testutil"
)

func TestMain(m *testing.M) {
	testutil.TestMain(m)
}

*/

package testutil

import (
	"flag"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	log "github.com/golang/glog"
)

var (
	tempDirOnce sync.Once
	tempDir     string
)

// TempDir gets a temp directory that's exclusive to this process (but not
// necessarily other tests in the same process). Use NewTempDir for a directory
// exclusive to a particular test.
func TempDir() string {
	tempDirOnce.Do(func() {
		var err error
		tempDir, err = os.MkdirTemp("", filepath.Base(os.Args[0]))
		if err != nil {
			log.Fatalf("couldn't create temp dir: %s", err)
		}
	})
	return tempDir
}

// NewTempDir creates a fresh directory inside TempDir.
func NewTempDir(t testing.TB, prefix string) string {
	dir, err := os.MkdirTemp(TempDir(), prefix)
	if err != nil {
		t.Fatalf("couldn't create temp dir: %s", err)
	}
	return dir
}

// WaitFor polls cond every few milliseconds until it returns true or timeout
// expires. Returns the last result of cond.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
	return true
}

// TestMain should be called from your package TestMain to ensure that the process
// temp directory is cleaned up on successful runs.
func TestMain(m *testing.M) {
	flag.Parse()
	ret := m.Run()
	if ret == 0 && tempDir != "" {
		os.RemoveAll(tempDir)
	}
	os.Exit(ret)
}
