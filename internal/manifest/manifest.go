// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package manifest keeps the table of contents of a chunk store: which chunks
// exist, how they are encoded and which host group serves them.
package manifest

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	// Import sqlite3 driver so that we can create db backed by sqlite.
	_ "github.com/mattn/go-sqlite3"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/chunkstream/internal/core"
)

// DB is a manifest backed by sqlite.
type DB struct {
	// The sqlite database.
	db *sql.DB

	// Prepared statements for the 'chunks' and 'host_groups' tables.
	putChunkStmt, getChunkStmt, listChunksStmt, putGroupStmt, listGroupsStmt *sql.Stmt
}

var schema = []string{
	// Due to a bug in early version of sqlite, a non-integer primary key
	// can be null. So we need to set it to be not null explicitly here.
	// (see https://www.sqlite.org/lang_createtable.html#rowid).
	`CREATE TABLE IF NOT EXISTS chunks (
		id TEXT NOT NULL PRIMARY KEY,
		hash TEXT NOT NULL,
		raw_size INTEGER NOT NULL,
		encoded_size INTEGER NOT NULL,
		block_size INTEGER NOT NULL,
		blocks BLOB NOT NULL,
		block_hashes BLOB NOT NULL,
		encryption_key BLOB,
		compression INTEGER NOT NULL,
		host_group TEXT NOT NULL,
		class TEXT NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS host_groups (
		name TEXT NOT NULL PRIMARY KEY,
		urls TEXT NOT NULL)`,
}

// Open opens the manifest at path, creating it if needed. Use ":memory:" for a
// throwaway manifest.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open the manifest at %s: %w", path, err)
	}
	// An in-memory database exists per connection.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create manifest tables: %w", err)
		}
	}

	d := &DB{db: db}
	prepare := []struct {
		stmt **sql.Stmt
		sql  string
	}{
		{&d.putChunkStmt, "INSERT OR REPLACE INTO chunks (id, hash, raw_size, encoded_size, block_size, blocks, block_hashes, encryption_key, compression, host_group, class) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"},
		{&d.getChunkStmt, "SELECT hash, raw_size, encoded_size, block_size, blocks, block_hashes, encryption_key, compression, host_group, class FROM chunks WHERE id=?"},
		{&d.listChunksStmt, "SELECT id FROM chunks ORDER BY id"},
		{&d.putGroupStmt, "INSERT OR REPLACE INTO host_groups (name, urls) VALUES (?, ?)"},
		{&d.listGroupsStmt, "SELECT name, urls FROM host_groups"},
	}
	for _, p := range prepare {
		if *p.stmt, err = db.Prepare(p.sql); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to prepare %q: %w", p.sql, err)
		}
	}
	return d, nil
}

// Put records info under id, replacing what was there.
func (d *DB) Put(id core.ChunkID, info core.ChunkInfo) error {
	if err := info.Validate(); err != nil {
		return err
	}
	blocks := make([]byte, 4*len(info.Blocks))
	for i, n := range info.Blocks {
		binary.LittleEndian.PutUint32(blocks[4*i:], n)
	}
	hashes := make([]byte, 0, len(core.Hash{})*len(info.BlockHashes))
	for _, h := range info.BlockHashes {
		hashes = append(hashes, h[:]...)
	}
	_, err := d.putChunkStmt.Exec(string(id), info.Hash.String(), int64(info.RawSize), int64(info.EncodedSize),
		int64(info.BlockSize), blocks, hashes, info.EncryptionKey, int(info.Compression), info.HostGroup, info.Class)
	if err != nil {
		log.Errorf("failed to insert chunk %s: %s", id, err)
	}
	return err
}

// Lookup implements backend.Manifest. Returns core.ErrNotFound for unknown
// ids.
func (d *DB) Lookup(id core.ChunkID) (core.ChunkInfo, error) {
	var info core.ChunkInfo
	var hash string
	var raw, enc, bs int64
	var blocks, hashes, key []byte
	var comp int
	err := d.getChunkStmt.QueryRow(string(id)).Scan(&hash, &raw, &enc, &bs, &blocks, &hashes, &key, &comp, &info.HostGroup, &info.Class)
	if err == sql.ErrNoRows {
		return info, core.ErrNotFound.Error()
	}
	if err != nil {
		log.Errorf("failed to get chunk %s: %s", id, err)
		return info, err
	}

	if info.Hash, err = core.ParseHash(hash); err != nil {
		return info, fmt.Errorf("chunk %s: bad hash %q", id, hash)
	}
	if len(blocks)%4 != 0 || len(hashes)%len(core.Hash{}) != 0 {
		return info, fmt.Errorf("chunk %s: malformed block layout", id)
	}
	info.RawSize, info.EncodedSize, info.BlockSize = uint64(raw), uint64(enc), uint32(bs)
	for i := 0; i < len(blocks); i += 4 {
		info.Blocks = append(info.Blocks, binary.LittleEndian.Uint32(blocks[i:]))
	}
	for i := 0; i < len(hashes); i += len(core.Hash{}) {
		var h core.Hash
		copy(h[:], hashes[i:])
		info.BlockHashes = append(info.BlockHashes, h)
	}
	if len(key) > 0 {
		info.EncryptionKey = key
	}
	info.Compression = core.CompressionID(comp)
	return info, info.Validate()
}

// Chunks returns the ids of every chunk, sorted.
func (d *DB) Chunks() ([]core.ChunkID, error) {
	rows, err := d.listChunksStmt.Query()
	if err != nil {
		log.Errorf("failed to list chunks: %s", err)
		return nil, err
	}
	defer rows.Close()

	var ids []core.ChunkID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, core.ChunkID(id))
	}
	return ids, rows.Err()
}

// PutHostGroup records the endpoints of a host group, replacing what was
// there.
func (d *DB) PutHostGroup(name string, urls []string) error {
	if len(urls) == 0 {
		return core.ErrInvalidArgument.Error()
	}
	for _, u := range urls {
		if u == "" || strings.ContainsAny(u, "\n") {
			return fmt.Errorf("bad url %q", u)
		}
	}
	if _, err := d.putGroupStmt.Exec(name, strings.Join(urls, "\n")); err != nil {
		log.Errorf("failed to insert host group %s: %s", name, err)
		return err
	}
	return nil
}

// HostGroup is a named list of endpoints.
type HostGroup struct {
	Name string
	URLs []string
}

// HostGroups returns every host group, sorted by name.
func (d *DB) HostGroups() ([]HostGroup, error) {
	rows, err := d.listGroupsStmt.Query()
	if err != nil {
		log.Errorf("failed to list host groups: %s", err)
		return nil, err
	}
	defer rows.Close()

	var groups []HostGroup
	for rows.Next() {
		var g HostGroup
		var urls string
		if err := rows.Scan(&g.Name, &urls); err != nil {
			return nil, err
		}
		g.URLs = strings.Split(urls, "\n")
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}
