// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// Global constants that several components need to agree on are defined here.
// If a constant is only needed for single component, probably it should not be
// placed here.
const (
	// ChunkFileExt is the file extension of encoded chunks on an origin.
	ChunkFileExt = ".iochunk"

	// DefaultChunksDirectory is the path prefix under every endpoint URL where
	// encoded chunks live.
	DefaultChunksDirectory = "chunks"

	// DefaultBlockSize is the raw size of a codec block.
	DefaultBlockSize = 64 * 1024

	// HealthPath is requested by liveness probes.
	HealthPath = "/health"
)

// Priority orders requests. Higher values are served first.
type Priority int32

// Named priorities. Any int32 is a valid priority; these are the levels used
// by the tools in this repository.
const (
	PriorityLow      Priority = 10
	PriorityNormal   Priority = 20
	PriorityHigh     Priority = 30
	PriorityBlocking Priority = 100
)
