// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"path"

	"github.com/zeebo/blake3"
)

/*

Chunks are immutable and identified by the BLAKE3 hash of their raw content.

 - Hash is the 32 byte content hash.
 - ChunkKey identifies a unit of coalescable work and a cache entry: the hash
   of the content hash followed by the encoded offset and length that are
   requested, both little endian.

     +---------------------+----------------------+----------------------+
     |  Hash (32 bytes)    |  Offset (8 bytes)    |  Length (8 bytes)    |
     +---------------------+----------------------+----------------------+
     |<----------------------- BLAKE3-256 ------------------------------>|
                                ChunkKey (32 bytes)

 - ChunkID is the name a manifest knows a chunk by. It is opaque.

*/

// ErrInvalidID is the error returned when a string representation of an ID is invalid.
var ErrInvalidID = errors.New("invalid id format")

// Hash is a BLAKE3-256 digest.
type Hash [32]byte

// HashOf returns the BLAKE3-256 digest of b.
func HashOf(b []byte) Hash {
	return Hash(blake3.Sum256(b))
}

// String returns the hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero returns true if no byte of the hash is set.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash parses the output of Hash.String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != 2*len(h) {
		return h, ErrInvalidID
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, ErrInvalidID
	}
	return h, nil
}

// ChunkID names a chunk in a manifest.
type ChunkID string

// ChunkKey is the identity of a (chunk, encoded range) pair.
type ChunkKey [32]byte

// MakeChunkKey derives the key for the encoded range r of the chunk with
// content hash h. The same inputs always produce the same key.
func MakeChunkKey(h Hash, r Range) ChunkKey {
	var buf [len(h) + 16]byte
	copy(buf[:], h[:])
	binary.LittleEndian.PutUint64(buf[len(h):], r.Offset)
	binary.LittleEndian.PutUint64(buf[len(h)+8:], r.Length)
	return ChunkKey(blake3.Sum256(buf[:]))
}

func (k ChunkKey) String() string {
	return hex.EncodeToString(k[:])
}

// Range is a byte range [Offset, Offset+Length).
type Range struct {
	Offset uint64
	Length uint64
}

// End returns the offset one past the last byte of the range.
func (r Range) End() uint64 {
	return r.Offset + r.Length
}

// Contains returns true if o lies entirely within r.
func (r Range) Contains(o Range) bool {
	return o.Offset >= r.Offset && o.End() <= r.End()
}

// HeaderValue renders r as the value of an HTTP Range header. The range must
// not be empty.
func (r Range) HeaderValue() string {
	return fmt.Sprintf("bytes=%d-%d", r.Offset, r.End()-1)
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Offset, r.End())
}

// ChunkPath returns the path of the encoded chunk with hash h relative to an
// endpoint URL: <dir>/<first two hex digits>/<hex><ext>.
func ChunkPath(dir string, h Hash) string {
	s := h.String()
	return path.Join(dir, s[:2], s+ChunkFileExt)
}
