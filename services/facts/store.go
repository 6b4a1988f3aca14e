// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package facts provides the operator-curated fact store on BadgerDB.
//
// Facts are short key/value answers that outrank retrieval: when a
// stored key appears in a question, the fact answers it. A strict
// fact is returned verbatim and never passes through generation.
//
// Keys are stored uppercase; Get, Delete, and Search are
// case-insensitive.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package facts

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/rag"
)

// keyPrefix namespaces fact keys inside the database.
const keyPrefix = "fact:"

// ErrNotFound reports a missing fact key.
var ErrNotFound = errors.New("fact not found")

// Config holds configuration for the fact store database.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger is the logger for BadgerDB operations.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults: persistent storage with
// synchronous writes.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
	}
}

// InMemoryConfig returns a configuration for testing. Data is lost on
// Close.
func InMemoryConfig() Config {
	return Config{
		InMemory:   true,
		SyncWrites: false,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is the BadgerDB-backed fact store.
//
// Thread Safety: safe for concurrent use; BadgerDB transactions
// provide isolation.
type Store struct {
	db *badger.DB
}

// Open creates and opens a fact store with the given configuration.
//
// Description:
//
//	Opens a BadgerDB database at the configured path, or in memory if
//	InMemory is true. Creates the directory if it doesn't exist.
//
// Outputs:
//
//	*Store - The opened store. Caller must call Close() when done.
//	error - Non-nil if the path is invalid or the database cannot open.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open fact database: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory is a convenience function for tests.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Set stores or replaces a fact. The key is uppercased before
// storage.
func (s *Store) Set(key, value string, strict bool) error {
	key = normalizeKey(key)
	if key == "" {
		return errors.New("fact key must not be empty")
	}
	fact := rag.Fact{
		Key:       key,
		Value:     value,
		Strict:    strict,
		UpdatedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(fact)
	if err != nil {
		return fmt.Errorf("encode fact: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+key), payload)
	})
}

// Get returns the fact for key, case-insensitively. Returns
// ErrNotFound for a missing key.
func (s *Store) Get(key string) (rag.Fact, error) {
	key = normalizeKey(key)
	var fact rag.Fact
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &fact)
		})
	})
	return fact, err
}

// Delete removes a fact, case-insensitively. Deleting a missing key
// is not an error.
func (s *Store) Delete(key string) error {
	key = normalizeKey(key)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + key))
	})
}

// GetAll returns every stored fact sorted by key.
func (s *Store) GetAll() ([]rag.Fact, error) {
	var result []rag.Fact
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var fact rag.Fact
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &fact)
			})
			if err != nil {
				return err
			}
			result = append(result, fact)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// Search finds a fact whose key appears as a substring of the
// question, case-insensitively. When several keys match, the longest
// one wins.
func (s *Store) Search(question string) (rag.Fact, bool) {
	question = strings.ToUpper(question)
	all, err := s.GetAll()
	if err != nil {
		slog.Error("fact search failed", "error", err)
		return rag.Fact{}, false
	}
	var best rag.Fact
	found := false
	for _, fact := range all {
		if strings.Contains(question, fact.Key) {
			if !found || len(fact.Key) > len(best.Key) {
				best = fact
				found = true
			}
		}
	}
	return best, found
}

// normalizeKey uppercases and trims a fact key.
func normalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

var _ rag.FactSearcher = (*Store)(nil)
