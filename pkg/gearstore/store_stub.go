//go:build !db
// +build !db

package gearstore

import "fmt"

// Store is a no-op stub when built without the 'db' tag, matching the
// teacher's storage/storage_stub.go convention so the module still
// builds for contributors without cgo-free badger available.
type Store struct{}

type Config struct {
	DataDir  string
	InMemory bool
}

func DefaultConfig(dataDir string) Config { return Config{DataDir: dataDir} }

func Open(cfg Config) (*Store, error) { return &Store{}, nil }

func (s *Store) Close() error { return nil }

func (s *Store) WritePage(infix uint32, page uint32, data []byte) error { return nil }

func (s *Store) ReadPage(infix uint32, page uint32) ([]byte, bool, error) {
	return nil, false, nil
}

func (s *Store) RemovePagesWithInfix(infix uint32) error { return nil }

func (s *Store) Put(key, value []byte) error { return nil }

func (s *Store) Get(key []byte) ([]byte, bool, error) { return nil, false, nil }

func (s *Store) Remove(key []byte) error { return nil }

var errStub = fmt.Errorf("gearstore: built without the 'db' tag")
