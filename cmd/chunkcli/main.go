// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// We should send our own log output to stderr.
	flag.Set("logtostderr", "true")
	flag.Parse()

	cli := newChunkCli()

	// Catch INT and TERM signals so that the cache is closed cleanly when the
	// process is forced to quit.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		cli.stop()
		os.Exit(1)
	}()

	cli.run(os.Args)
	cli.stop()
}
