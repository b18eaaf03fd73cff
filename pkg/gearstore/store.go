//go:build db
// +build db

// Package gearstore is the badger-backed persistence layer underneath
// the lazy-pages manager (spec §4.C): page data keyed by (MemoryInfix,
// page index), plus a generic get/put/remove for byte keys. It has no
// generic prefix-iteration or clear-prefix operation (RemovePagesWithInfix
// is its only prefix scan), and the Program/Code stores keep their state
// in memory rather than here.
//
// Grounded on pkg/storage/storage.go's badger.DB wrapper: same
// Open/Update/View/Close shape, generalized from fixed block/tx/state
// key formats into the page-keyed layout spec §4.C names and a generic
// byte-keyed API the rest of the core builds on.
package gearstore

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Config holds the on-disk location and badger tuning knobs.
type Config struct {
	DataDir string
	InMemory bool
}

func DefaultConfig(dataDir string) Config {
	return Config{DataDir: dataDir}
}

// Store wraps a badger.DB with the key layouts the gear runtime needs.
type Store struct {
	db *badger.DB
}

// Open opens (creating if necessary) the badger database at cfg.DataDir,
// or an in-memory instance when cfg.InMemory is set (used by tests and
// the demonstration CLI's --ephemeral flag).
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.DataDir)
	opts.Logger = nil
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("gearstore: open: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

var (
	pagePrefix     = []byte("page:")
	genericPrefix  = []byte("kv:")
)

// pageKey lays out (infix, page) as pagePrefix || big-endian infix ||
// big-endian page, matching spec §4.C's "(ProgramPrefix, MemoryInfix,
// page)" key description (ProgramPrefix folded into the caller's chosen
// namespace below, since one Store instance serves the whole node).
func pageKey(infix, page uint32) []byte {
	k := make([]byte, len(pagePrefix)+8)
	n := copy(k, pagePrefix)
	binary.BigEndian.PutUint32(k[n:], infix)
	binary.BigEndian.PutUint32(k[n+4:], page)
	return k
}

// WritePage persists one dirty page, implementing journal.PageWriter.
func (s *Store) WritePage(infix uint32, page uint32, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pageKey(infix, page), data)
	})
}

// ReadPage loads a previously persisted page's bytes, or (nil, false) if
// none has ever been written (spec §4.C: "load persisted data if any").
func (s *Store) ReadPage(infix uint32, page uint32) ([]byte, bool, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pageKey(infix, page))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("gearstore: read page: %w", err)
	}
	return data, true, nil
}

// RemovePagesWithInfix deletes every persisted page under infix, used
// when a program's memory infix is bumped on exit-replace and its old
// pages must never be aliased again.
func (s *Store) RemovePagesWithInfix(infix uint32) error {
	prefix := make([]byte, len(pagePrefix)+4)
	n := copy(prefix, pagePrefix)
	binary.BigEndian.PutUint32(prefix[n:], infix)

	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, bytes.Clone(it.Item().KeyCopy(nil)))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Put stores an arbitrary value under the generic namespace, apart from
// the page layout above; no other package in this module calls it.
func (s *Store) Put(key, value []byte) error {
	k := append(append([]byte{}, genericPrefix...), key...)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, value)
	})
}

// Get retrieves a value stored by Put.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	k := append(append([]byte{}, genericPrefix...), key...)
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("gearstore: get: %w", err)
	}
	return value, true, nil
}

// Remove deletes a value stored by Put.
func (s *Store) Remove(key []byte) error {
	k := append(append([]byte{}, genericPrefix...), key...)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(k)
	})
}
