// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package codec encodes chunks as a sequence of independently decodable
// blocks and decodes byte ranges of them.
//
// A chunk is split into raw blocks of BlockSize bytes (the last one may be
// shorter). Every block is encoded on its own:
//
//	+--------+----------------------+
//	|  flag  |  payload             |   flag 0: payload is the raw block
//	+--------+----------------------+   flag 1: payload is compressed
//
// and, for encrypted chunks, sealed with XChaCha20-Poly1305:
//
//	+--------------------+-----------------------------------+
//	|  nonce (24 bytes)  |  sealed flag+payload              |
//	+--------------------+-----------------------------------+
//
// The BLAKE3 hash of every encoded block is kept in the chunk info and checked
// before a block is decoded. Since blocks are independent, any raw range can
// be served from the encoded blocks that cover it.
package codec

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/westerndigitalcorporation/chunkstream/internal/core"
)

const (
	flagStored     = 0
	flagCompressed = 1
)

// KeySize is the size of chunk encryption keys.
const KeySize = chacha20poly1305.KeySize

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// Encode splits raw into blocks of blockSize bytes and encodes them with the
// given compression and, if key is not empty, encryption. Returns the chunk
// info, without host group or class, and the encoded chunk.
func Encode(raw []byte, blockSize uint32, comp core.CompressionID, key []byte) (core.ChunkInfo, []byte, error) {
	info := core.ChunkInfo{
		Hash:        core.HashOf(raw),
		RawSize:     uint64(len(raw)),
		BlockSize:   blockSize,
		Compression: comp,
	}
	if blockSize == 0 {
		return info, nil, fmt.Errorf("zero block size")
	}
	if len(key) > 0 {
		if len(key) != KeySize {
			return info, nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
		}
		info.EncryptionKey = append([]byte(nil), key...)
	}

	var out []byte
	for off := 0; off < len(raw); off += int(blockSize) {
		end := off + int(blockSize)
		if end > len(raw) {
			end = len(raw)
		}
		block, err := encodeBlock(raw[off:end], comp, key)
		if err != nil {
			return info, nil, err
		}
		info.Blocks = append(info.Blocks, uint32(len(block)))
		info.BlockHashes = append(info.BlockHashes, core.HashOf(block))
		out = append(out, block...)
	}
	info.EncodedSize = uint64(len(out))
	return info, out, nil
}

func encodeBlock(raw []byte, comp core.CompressionID, key []byte) ([]byte, error) {
	payload, err := compress(raw, comp)
	if err != nil {
		return nil, err
	}
	var block []byte
	if payload != nil && len(payload) < len(raw) {
		block = append([]byte{flagCompressed}, payload...)
	} else {
		block = append([]byte{flagStored}, raw...)
	}
	if len(key) == 0 {
		return block, nil
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(block)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, block, nil), nil
}

// compress returns nil if comp can't shrink raw.
func compress(raw []byte, comp core.CompressionID) ([]byte, error) {
	switch comp {
	case core.CompressionNone:
		return nil, nil
	case core.CompressionSnappy:
		return snappy.Encode(nil, raw), nil
	case core.CompressionZstd:
		return zstdEncoder.EncodeAll(raw, nil), nil
	case core.CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, dst, nil)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Incompressible.
			return nil, nil
		}
		return dst[:n], nil
	}
	return nil, fmt.Errorf("unknown compression %s", comp)
}

func decompress(payload []byte, comp core.CompressionID, rawLen int) ([]byte, error) {
	switch comp {
	case core.CompressionSnappy:
		return snappy.Decode(make([]byte, rawLen), payload)
	case core.CompressionZstd:
		return zstdDecoder.DecodeAll(payload, make([]byte, 0, rawLen))
	case core.CompressionLZ4:
		dst := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload, dst)
		if err != nil {
			return nil, err
		}
		return dst[:n], nil
	}
	return nil, fmt.Errorf("unexpected compressed block for compression %s", comp)
}

// blockRaw returns the raw range of block i.
func blockRaw(info core.ChunkInfo, i int) core.Range {
	off := uint64(i) * uint64(info.BlockSize)
	n := uint64(info.BlockSize)
	if off+n > info.RawSize {
		n = info.RawSize - off
	}
	return core.Range{Offset: off, Length: n}
}

// blockOffsets returns the encoded offset of every block, plus the encoded
// size at the end.
func blockOffsets(info core.ChunkInfo) []uint64 {
	offs := make([]uint64, len(info.Blocks)+1)
	for i, n := range info.Blocks {
		offs[i+1] = offs[i] + uint64(n)
	}
	return offs
}

// blockSpan returns the blocks [first, last] covering the raw range rng, which
// must be valid and not empty.
func blockSpan(info core.ChunkInfo, rng core.Range) (first, last int) {
	bs := uint64(info.BlockSize)
	return int(rng.Offset / bs), int((rng.End() - 1) / bs)
}

// CheckRange validates that rng is a non-empty raw range within the chunk.
func CheckRange(info core.ChunkInfo, rng core.Range) error {
	if rng.Length == 0 || rng.End() > info.RawSize || rng.End() < rng.Offset {
		return fmt.Errorf("range %s outside of chunk %s of %d bytes", rng, info.Hash, info.RawSize)
	}
	return nil
}

// ChunkRange returns the encoded range covering the raw range rng of a chunk.
// The result always starts and ends on block boundaries, so that every raw
// range touching the same blocks maps to the same encoded range.
func ChunkRange(info core.ChunkInfo, rng core.Range) (core.Range, error) {
	if err := info.Validate(); err != nil {
		return core.Range{}, err
	}
	if err := CheckRange(info, rng); err != nil {
		return core.Range{}, err
	}
	first, last := blockSpan(info, rng)
	offs := blockOffsets(info)
	return core.Range{Offset: offs[first], Length: offs[last+1] - offs[first]}, nil
}

// Decode decodes the raw range rng into dest, which must be rng.Length bytes
// long. data holds the encoded range enc of the chunk, which must start and
// end on block boundaries and cover rng. Every block used is verified against
// its hash.
func Decode(info core.ChunkInfo, enc core.Range, data []byte, rng core.Range, dest []byte) error {
	if err := info.Validate(); err != nil {
		return err
	}
	if err := CheckRange(info, rng); err != nil {
		return err
	}
	if uint64(len(dest)) != rng.Length {
		return fmt.Errorf("destination of %d bytes for range %s", len(dest), rng)
	}
	if uint64(len(data)) != enc.Length {
		return fmt.Errorf("got %d encoded bytes for encoded range %s", len(data), enc)
	}

	var aead cipher.AEAD
	if len(info.EncryptionKey) > 0 {
		var err error
		if aead, err = chacha20poly1305.NewX(info.EncryptionKey); err != nil {
			return err
		}
	}

	offs := blockOffsets(info)
	first, last := blockSpan(info, rng)
	if offs[first] < enc.Offset || offs[last+1] > enc.End() {
		return fmt.Errorf("encoded range %s does not cover blocks %d-%d", enc, first, last)
	}

	for i := first; i <= last; i++ {
		block := data[offs[i]-enc.Offset : offs[i+1]-enc.Offset]
		if core.HashOf(block) != info.BlockHashes[i] {
			return fmt.Errorf("block %d of chunk %s: hash mismatch", i, info.Hash)
		}
		if aead != nil {
			ns := aead.NonceSize()
			if len(block) < ns {
				return fmt.Errorf("block %d of chunk %s: short block", i, info.Hash)
			}
			opened, err := aead.Open(nil, block[:ns], block[ns:], nil)
			if err != nil {
				return fmt.Errorf("block %d of chunk %s: %v", i, info.Hash, err)
			}
			block = opened
		}
		if len(block) == 0 {
			return fmt.Errorf("block %d of chunk %s: empty block", i, info.Hash)
		}

		braw := blockRaw(info, i)
		var raw []byte
		switch block[0] {
		case flagStored:
			raw = block[1:]
		case flagCompressed:
			var err error
			if raw, err = decompress(block[1:], info.Compression, int(braw.Length)); err != nil {
				return fmt.Errorf("block %d of chunk %s: %v", i, info.Hash, err)
			}
		default:
			return fmt.Errorf("block %d of chunk %s: bad flag %d", i, info.Hash, block[0])
		}
		if uint64(len(raw)) != braw.Length {
			return fmt.Errorf("block %d of chunk %s: decoded %d bytes, want %d", i, info.Hash, len(raw), braw.Length)
		}

		// Copy the overlap of the block with rng.
		lo, hi := braw.Offset, braw.End()
		if rng.Offset > lo {
			lo = rng.Offset
		}
		if rng.End() < hi {
			hi = rng.End()
		}
		copy(dest[lo-rng.Offset:hi-rng.Offset], raw[lo-braw.Offset:hi-braw.Offset])
	}
	return nil
}
