// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger provides the ordered key-value environment used by the
// range index.
//
// The environment exposes named tables, read and write transactions, and
// ordered iteration on top of BadgerDB. Each table is either a plain ordered
// map (one value per key) or a duplicate-value table (a sorted set of values
// per key). Tables live in a persisted catalog, so reopening a store finds
// the tables it was created with.
//
// Engine files are kept in "<path>/data.mdb".
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	// DataFileName is the engine location inside a store directory.
	DataFileName = "data.mdb"

	// DefaultMaxKeySize matches the LMDB compile-time default consumers of
	// the index are built against.
	DefaultMaxKeySize = 511

	// MaxKeySizeCeiling is the largest MaxKeySize accepted. Table framing
	// and escaping must still fit badger's own key limit.
	MaxKeySizeCeiling = 16384

	// DefaultMaxTables bounds the number of named tables.
	DefaultMaxTables = 6

	minValueLogFileSize = 1 << 20
	maxValueLogFileSize = 1 << 30
)

// Config holds configuration for an environment.
type Config struct {
	// Path is the store directory. Required unless InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Useful for testing.
	InMemory bool

	// ReadOnly opens an existing store without write access. Tables must
	// already exist.
	ReadOnly bool

	// SizeLimit caps the logical bytes (keys plus values) held by the
	// environment. Zero disables the cap.
	SizeLimit int64

	// MaxTables caps the number of named tables. Default: 6.
	MaxTables int

	// MaxKeySize is the longest key accepted by Put. Default: 511.
	MaxKeySize int

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives engine log output. Nil disables it.
	Logger *slog.Logger

	// GCInterval is how often to run value log GC. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum discardable ratio before GC rewrites a
	// value log file. Default: 0.5.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults for the store at path.
//
// Description:
//
//	Returns a Config with:
//	- SyncWrites enabled for durability
//	- six tables, 511-byte keys
//	- 5-minute GC interval at a 50% discard ratio
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		MaxTables:      DefaultMaxTables,
		MaxKeySize:     DefaultMaxKeySize,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration optimized for testing.
func InMemoryConfig() Config {
	return Config{
		InMemory:   true,
		MaxTables:  DefaultMaxTables,
		MaxKeySize: DefaultMaxKeySize,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxTables == 0 {
		c.MaxTables = DefaultMaxTables
	}
	if c.MaxKeySize == 0 {
		c.MaxKeySize = DefaultMaxKeySize
	}
	if c.GCDiscardRatio == 0 {
		c.GCDiscardRatio = 0.5
	}
	return c
}

func (c Config) validate() error {
	switch {
	case !c.InMemory && c.Path == "":
		return errors.New("path is required for persistent environment")
	case c.InMemory && c.ReadOnly:
		return errors.New("in-memory environment cannot be read-only")
	case c.SizeLimit < 0:
		return fmt.Errorf("size limit must not be negative, got %d", c.SizeLimit)
	case c.MaxTables < 1:
		return fmt.Errorf("max tables must be positive, got %d", c.MaxTables)
	case c.MaxKeySize < 1 || c.MaxKeySize > MaxKeySizeCeiling:
		return fmt.Errorf("max key size must be within [1, %d], got %d", MaxKeySizeCeiling, c.MaxKeySize)
	case c.GCDiscardRatio < 0 || c.GCDiscardRatio > 1:
		return errors.New("gc discard ratio must be between 0 and 1")
	}
	return nil
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
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// openPaths guards against opening one store twice in a process; badger's
// directory lock would otherwise surface as an opaque I/O error.
var (
	openPathsMu sync.Mutex
	openPaths   = map[string]struct{}{}
)

func claimPath(dir string) error {
	openPathsMu.Lock()
	defer openPathsMu.Unlock()
	if _, ok := openPaths[dir]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, dir)
	}
	openPaths[dir] = struct{}{}
	return nil
}

func releasePath(dir string) {
	openPathsMu.Lock()
	delete(openPaths, dir)
	openPathsMu.Unlock()
}

// Env is an open environment.
//
// Thread Safety: Env and Table are safe for concurrent use. Write
// transactions are serialized: Begin(true) blocks until the previous write
// transaction commits or aborts. A Txn must be used by one goroutine at a
// time, and a goroutine holding a write Txn must not begin another.
type Env struct {
	db     *badger.DB
	cfg    Config
	dir    string
	logger *slog.Logger
	gc     *gcRunner

	// writer is held from Begin(true) until Commit or Abort.
	writer sync.Mutex

	mu     sync.Mutex
	closed bool
	tables map[string]*Table
}

// Open opens (creating if needed) the environment described by cfg.
//
// Description:
//
//	Creates "<Path>/data.mdb" if missing and opens badger inside it. The
//	value log is sized from SizeLimit. A GC runner starts when GCInterval
//	is set and the environment is writable and persistent.
//
// Inputs:
//
//	cfg - Environment configuration. Path is required unless InMemory.
//
// Outputs:
//
//	*Env - The environment. Caller must Close it.
//	error - ErrAlreadyOpen, a configuration error, or *IOError.
func Open(cfg Config) (*Env, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var (
		opts badger.Options
		dir  string
	)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		abs, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("resolve store path %s: %w", cfg.Path, err)
		}
		dir = filepath.Join(abs, DataFileName)
		if err := claimPath(dir); err != nil {
			return nil, err
		}
		if !cfg.ReadOnly {
			if err := os.MkdirAll(dir, 0750); err != nil {
				releasePath(dir)
				return nil, ioErr("create", dir, err)
			}
		}
		opts = badger.DefaultOptions(dir).
			WithReadOnly(cfg.ReadOnly).
			WithValueLogFileSize(valueLogFileSize(cfg.SizeLimit))
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithMetricsEnabled(false)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		if dir != "" {
			releasePath(dir)
		}
		return nil, ioErr("open", dir, err)
	}

	env := &Env{
		db:     db,
		cfg:    cfg,
		dir:    dir,
		logger: logger,
		tables: make(map[string]*Table),
	}

	if cfg.GCInterval > 0 && !cfg.InMemory && !cfg.ReadOnly {
		env.gc = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
		env.gc.start()
	}

	logger.Debug("store environment opened",
		slog.String("path", dir),
		slog.Bool("read_only", cfg.ReadOnly),
		slog.Int("max_key_size", cfg.MaxKeySize),
		slog.Int("max_tables", cfg.MaxTables))
	return env, nil
}

func valueLogFileSize(limit int64) int64 {
	switch {
	case limit <= 0 || limit > maxValueLogFileSize:
		return maxValueLogFileSize
	case limit < minValueLogFileSize:
		return minValueLogFileSize
	default:
		return limit
	}
}

// MaxKeySize returns the longest key the environment accepts.
func (e *Env) MaxKeySize() int {
	return e.cfg.MaxKeySize
}

// MaxTables returns the table ceiling.
func (e *Env) MaxTables() int {
	return e.cfg.MaxTables
}

// ReadOnly reports whether writes are disallowed.
func (e *Env) ReadOnly() bool {
	return e.cfg.ReadOnly
}

// DataFile returns "<path>/data.mdb", or "" for in-memory environments.
func (e *Env) DataFile() string {
	return e.dir
}

// Close stops GC and closes the engine.
//
// The first call releases the environment; later calls return nil.
func (e *Env) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	if e.gc != nil {
		e.gc.stop()
	}
	err := e.db.Close()
	if e.dir != "" {
		releasePath(e.dir)
	}
	if err != nil {
		return ioErr("close", e.dir, err)
	}
	e.logger.Debug("store environment closed", slog.String("path", e.dir))
	return nil
}

// Sync flushes pending writes to disk. No-op in memory.
func (e *Env) Sync() error {
	if e.isClosed() {
		return ErrClosed
	}
	if e.cfg.InMemory {
		return nil
	}
	return ioErr("sync", e.dir, e.db.Sync())
}

func (e *Env) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// OpenTable opens the named table, creating it if absent.
//
// Description:
//
//	Creation is idempotent: an existing table is returned as long as its
//	duplicate policy matches dupSort. A new table counts against
//	MaxTables. Read-only environments never create tables.
//
// Outputs:
//
//	*Table - The table handle, valid until the environment closes.
//	error - ErrTablesFull, ErrIncompatible, ErrTableNotFound, or *IOError.
func (e *Env) OpenTable(name string, dupSort bool) (*Table, error) {
	if name == "" {
		return nil, errors.New("table name must not be empty")
	}
	if e.isClosed() {
		return nil, ErrClosed
	}

	e.mu.Lock()
	if t, ok := e.tables[name]; ok {
		e.mu.Unlock()
		if t.dupSort != dupSort {
			return nil, fmt.Errorf("%w: %s", ErrIncompatible, name)
		}
		return t, nil
	}
	e.mu.Unlock()

	var flags byte
	if dupSort {
		flags = flagDupSort
	}

	if e.cfg.ReadOnly {
		err := e.db.View(func(txn *badger.Txn) error {
			return checkCatalog(txn, name, flags)
		})
		if err != nil {
			return nil, err
		}
	} else {
		e.writer.Lock()
		err := e.db.Update(func(txn *badger.Txn) error {
			err := checkCatalog(txn, name, flags)
			if !errors.Is(err, ErrTableNotFound) {
				return err
			}
			n, err := countCatalog(txn)
			if err != nil {
				return err
			}
			if n >= e.cfg.MaxTables {
				return fmt.Errorf("%w: %d tables, cannot add %s", ErrTablesFull, n, name)
			}
			return txn.Set(catalogKey(name), []byte{flags})
		})
		e.writer.Unlock()
		if err != nil {
			if isSentinel(err) {
				return nil, err
			}
			return nil, ioErr("open table "+name, e.dir, err)
		}
	}

	t := &Table{env: e, name: name, dupSort: dupSort, prefix: dataPrefix(name)}
	e.mu.Lock()
	e.tables[name] = t
	e.mu.Unlock()
	e.logger.Debug("table opened", slog.String("table", name), slog.Bool("dup_sort", dupSort))
	return t, nil
}

func checkCatalog(txn *badger.Txn, name string, flags byte) error {
	item, err := txn.Get(catalogKey(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	if err != nil {
		return err
	}
	stored, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}
	if len(stored) != 1 || stored[0] != flags {
		return fmt.Errorf("%w: %s", ErrIncompatible, name)
	}
	return nil
}

func countCatalog(txn *badger.Txn) (int, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte{nsCatalog}
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	return n, nil
}

// TableNames lists the catalog in name order.
func (e *Env) TableNames(ctx context.Context) ([]string, error) {
	var names []string
	err := e.View(ctx, func(txn *Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{nsCatalog}
		it := txn.txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, string(it.Item().Key()[1:]))
		}
		return nil
	})
	return names, err
}

// UsedBytes returns the logical bytes counted against SizeLimit.
func (e *Env) UsedBytes(ctx context.Context) (uint64, error) {
	var used uint64
	err := e.View(ctx, func(txn *Txn) error {
		var err error
		used, err = txn.used()
		return err
	})
	return used, err
}

// Begin starts a transaction.
//
// A write transaction must end with Commit or Abort; a read transaction
// with Abort. Prefer View and Update, which do this automatically.
func (e *Env) Begin(write bool) (*Txn, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	if !write {
		return &Txn{env: e, txn: e.db.NewTransaction(false)}, nil
	}
	if e.cfg.ReadOnly {
		return nil, ErrReadOnly
	}

	e.writer.Lock()
	if e.isClosed() {
		e.writer.Unlock()
		return nil, ErrClosed
	}
	return &Txn{env: e, txn: e.db.NewTransaction(true), write: true, holdsWriter: true}, nil
}

// Update runs fn in a write transaction.
//
// Description:
//
//	Commits if fn returns nil, aborts otherwise. The transaction is also
//	aborted if fn panics.
//
// Thread Safety: Safe for concurrent use; concurrent calls run one at a
// time.
func (e *Env) Update(ctx context.Context, fn func(txn *Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn, err := e.Begin(true)
	if err != nil {
		return err
	}
	defer txn.Abort()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// View runs fn in a read transaction.
func (e *Env) View(ctx context.Context, fn func(txn *Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn, err := e.Begin(false)
	if err != nil {
		return err
	}
	defer txn.Abort()

	return fn(txn)
}

func isSentinel(err error) bool {
	return errors.Is(err, ErrTablesFull) ||
		errors.Is(err, ErrIncompatible) ||
		errors.Is(err, ErrTableNotFound)
}
