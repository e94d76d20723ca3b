// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"fmt"
	"strings"
)

// CompressionID selects the block compressor of an encoded chunk.
type CompressionID uint8

const (
	// CompressionNone stores blocks as is.
	CompressionNone CompressionID = iota
	// CompressionSnappy uses snappy block encoding.
	CompressionSnappy
	// CompressionZstd uses zstandard frames.
	CompressionZstd
	// CompressionLZ4 uses raw lz4 blocks.
	CompressionLZ4
)

var compressionNames = map[CompressionID]string{
	CompressionNone:   "none",
	CompressionSnappy: "snappy",
	CompressionZstd:   "zstd",
	CompressionLZ4:    "lz4",
}

func (c CompressionID) String() string {
	if s, ok := compressionNames[c]; ok {
		return s
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

// ParseCompression parses the output of CompressionID.String.
func ParseCompression(s string) (CompressionID, error) {
	for id, name := range compressionNames {
		if strings.EqualFold(name, s) {
			return id, nil
		}
	}
	return CompressionNone, fmt.Errorf("unknown compression %q", s)
}

// ChunkInfo describes an immutable encoded chunk. It is produced by a manifest
// and never modified afterwards.
type ChunkInfo struct {
	// Hash is the content hash of the raw chunk.
	Hash Hash

	// RawSize is the decoded size of the chunk.
	RawSize uint64

	// EncodedSize is the size of the chunk as stored on an origin. It is
	// always the sum of Blocks.
	EncodedSize uint64

	// BlockSize is the raw size of every block but the last.
	BlockSize uint32

	// Blocks holds the encoded size of every block.
	Blocks []uint32

	// BlockHashes holds the hash of every encoded block.
	BlockHashes []Hash

	// EncryptionKey is empty for unencrypted chunks.
	EncryptionKey []byte

	Compression CompressionID

	// HostGroup names the group of endpoints serving this chunk.
	HostGroup string

	// Class is the content class, used to toggle network fetches per class.
	Class string
}

// NumBlocks returns the number of blocks that a chunk of RawSize bytes is
// split into.
func (c ChunkInfo) NumBlocks() int {
	if c.BlockSize == 0 {
		return 0
	}
	return int((c.RawSize + uint64(c.BlockSize) - 1) / uint64(c.BlockSize))
}

// Validate checks that the block layout is self consistent.
func (c ChunkInfo) Validate() error {
	if c.BlockSize == 0 {
		return fmt.Errorf("chunk %s: zero block size", c.Hash)
	}
	if len(c.Blocks) != c.NumBlocks() {
		return fmt.Errorf("chunk %s: %d blocks for raw size %d, want %d", c.Hash, len(c.Blocks), c.RawSize, c.NumBlocks())
	}
	if len(c.BlockHashes) != len(c.Blocks) {
		return fmt.Errorf("chunk %s: %d block hashes for %d blocks", c.Hash, len(c.BlockHashes), len(c.Blocks))
	}
	var total uint64
	for _, b := range c.Blocks {
		total += uint64(b)
	}
	if total != c.EncodedSize {
		return fmt.Errorf("chunk %s: blocks sum to %d, encoded size is %d", c.Hash, total, c.EncodedSize)
	}
	return nil
}

// Whole returns the range covering the whole encoded chunk.
func (c ChunkInfo) Whole() Range {
	return Range{Offset: 0, Length: c.EncodedSize}
}
