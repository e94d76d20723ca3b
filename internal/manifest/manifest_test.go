// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package manifest

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/westerndigitalcorporation/chunkstream/internal/codec"
	"github.com/westerndigitalcorporation/chunkstream/internal/core"
	"github.com/westerndigitalcorporation/chunkstream/pkg/testutil"
)

func TestMain(m *testing.M) {
	testutil.TestMain(m)
}

func openTest(t *testing.T) *DB {
	d, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestChunks(t *testing.T) {
	d := openTest(t)
	defer d.Close()

	info, _, err := codec.Encode(bytes.Repeat([]byte("x"), 5000), 1024, core.CompressionSnappy, bytes.Repeat([]byte{1}, codec.KeySize))
	if err != nil {
		t.Fatal(err)
	}
	info.HostGroup = "cdn"
	info.Class = "textures"

	if err := d.Put("a", info); err != nil {
		t.Fatal(err)
	}
	got, err := d.Lookup("a")
	if err != nil {
		t.Fatal(err)
	}
	if got.Hash != info.Hash || got.RawSize != info.RawSize || got.EncodedSize != info.EncodedSize ||
		got.BlockSize != info.BlockSize || got.Compression != info.Compression ||
		got.HostGroup != "cdn" || got.Class != "textures" || !bytes.Equal(got.EncryptionKey, info.EncryptionKey) {
		t.Fatalf("got %+v, want %+v", got, info)
	}
	for i := range info.Blocks {
		if got.Blocks[i] != info.Blocks[i] || got.BlockHashes[i] != info.BlockHashes[i] {
			t.Fatalf("block %d differs", i)
		}
	}

	if _, err := d.Lookup("b"); !core.ErrNotFound.Is(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	d.Put("0", info)
	ids, err := d.Chunks()
	if err != nil || len(ids) != 2 || ids[0] != "0" || ids[1] != "a" {
		t.Fatalf("unexpected ids %v: %v", ids, err)
	}
}

// An inconsistent block layout is refused.
func TestPutInvalid(t *testing.T) {
	d := openTest(t)
	defer d.Close()
	info := core.ChunkInfo{RawSize: 10, BlockSize: 4, Blocks: []uint32{5}}
	if err := d.Put("bad", info); err == nil {
		t.Fatal("invalid info should be refused")
	}
}

func TestHostGroups(t *testing.T) {
	path := filepath.Join(testutil.NewTempDir(t, "manifest"), "toc.db")
	d, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.PutHostGroup("b", []string{"http://b1", "http://b2"}); err != nil {
		t.Fatal(err)
	}
	if err := d.PutHostGroup("a", []string{"http://a1"}); err != nil {
		t.Fatal(err)
	}
	if err := d.PutHostGroup("empty", nil); !core.ErrInvalidArgument.Is(err) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	d.Close()

	// Still there after reopening.
	if d, err = Open(path); err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	groups, err := d.HostGroups()
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 2 || groups[0].Name != "a" || groups[1].Name != "b" || len(groups[1].URLs) != 2 || groups[1].URLs[1] != "http://b2" {
		t.Fatalf("unexpected groups %+v", groups)
	}
}
