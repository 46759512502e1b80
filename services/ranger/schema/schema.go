// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package schema opens a store with the six range-index tables and checks
// the engine can hold every key the index will write.
//
// Per address family there are three tables:
//
//	RangeToIdentity   end address -> identity         (plain)
//	IdentityToRanges  identity    -> {end address}    (duplicate values)
//	MaskCatalog       mask        -> mask             (plain, set semantics)
package schema

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/ipranger/services/ranger/cidr"
	"github.com/AleutianAI/ipranger/services/ranger/storage/badger"
)

// TableCount is the fixed number of tables in a range index.
const TableCount = 6

// Constraint names the key-size requirement an OpenError reports.
type Constraint string

const (
	ConstraintIPv4Address Constraint = "ipv4 address key"
	ConstraintIPv6Address Constraint = "ipv6 address key"
	ConstraintMaskKey     Constraint = "mask key"
	ConstraintIdentityKey Constraint = "identity key"
)

// OpenError reports an engine whose key ceiling cannot hold a required key.
type OpenError struct {
	Constraint Constraint
	Required   int
	Available  int
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open schema: engine max key size %d is below %s size %d",
		e.Available, e.Constraint, e.Required)
}

// FamilyTables is the table triple for one address family.
type FamilyTables struct {
	RangeToIdentity  *badger.Table
	IdentityToRanges *badger.Table
	MaskCatalog      *badger.Table
}

// Schema is an open store with its tables.
type Schema struct {
	env    *badger.Env
	cfg    Config
	tables [len(cidr.Families)]FamilyTables
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

type options struct {
	logger   *slog.Logger
	readOnly bool
	inMemory bool
}

// Option configures Open.
type Option func(*options)

// WithLogger routes schema and engine logs to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithReadOnly opens an existing store without write access.
func WithReadOnly() Option {
	return func(o *options) { o.readOnly = true }
}

// WithInMemory keeps the store in RAM; path is ignored. Used by tests.
func WithInMemory() Option {
	return func(o *options) { o.inMemory = true }
}

// Open opens the store at path and declares the six tables.
//
// Description:
//
//	Opens the environment with a table ceiling of six and a size limit of
//	cfg.MaxEnvSize, then checks that the engine key ceiling is at least 4,
//	16, cfg.MaxMaskKeySize and cfg.MaxIdentityKeySize, in that order. Only
//	when every check passes are the tables opened (created if absent).
//
// Inputs:
//
//	path - Store directory. The engine lives in path/data.mdb.
//	cfg - Schema configuration.
//
// Outputs:
//
//	*Schema - The open schema. Caller must Close it.
//	error - A config error, *OpenError (no tables created), or the
//	        storage error that prevented opening.
func Open(path string, cfg Config, opts ...Option) (*Schema, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	envCfg := badger.Config{
		Path:       path,
		InMemory:   o.inMemory,
		ReadOnly:   o.readOnly,
		SizeLimit:  cfg.MaxEnvSize,
		MaxTables:  TableCount,
		MaxKeySize: cfg.MaxKeySize,
		SyncWrites: cfg.SyncWrites,
		Logger:     o.logger,
		GCInterval: cfg.GCInterval,
	}
	env, err := badger.Open(envCfg)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}

	if err := checkKeySizes(env.MaxKeySize(), cfg); err != nil {
		_ = env.Close()
		return nil, err
	}

	s := &Schema{env: env, cfg: cfg, logger: o.logger}
	if err := s.openTables(); err != nil {
		_ = env.Close()
		return nil, err
	}

	o.logger.Info("range index opened",
		slog.String("path", env.DataFile()),
		slog.Int("max_key_size", env.MaxKeySize()),
		slog.Bool("read_only", o.readOnly))
	return s, nil
}

func checkKeySizes(available int, cfg Config) error {
	checks := []struct {
		c        Constraint
		required int
	}{
		{ConstraintIPv4Address, cidr.IPv4.AddrLen()},
		{ConstraintIPv6Address, cidr.IPv6.AddrLen()},
		{ConstraintMaskKey, cfg.MaxMaskKeySize},
		{ConstraintIdentityKey, cfg.MaxIdentityKeySize},
	}
	for _, chk := range checks {
		if available < chk.required {
			return &OpenError{Constraint: chk.c, Required: chk.required, Available: available}
		}
	}
	return nil
}

func (s *Schema) openTables() error {
	names := [len(cidr.Families)][3]string{
		cidr.IPv4: {s.cfg.IPv4RangesToIdentity, s.cfg.IdentitiesToIPv4, s.cfg.IPv4Masks},
		cidr.IPv6: {s.cfg.IPv6RangesToIdentity, s.cfg.IdentitiesToIPv6, s.cfg.IPv6Masks},
	}
	for _, f := range cidr.Families {
		var ft FamilyTables
		var err error
		if ft.RangeToIdentity, err = s.env.OpenTable(names[f][0], false); err != nil {
			return fmt.Errorf("open %s ranges table: %w", f, err)
		}
		if ft.IdentityToRanges, err = s.env.OpenTable(names[f][1], true); err != nil {
			return fmt.Errorf("open %s identities table: %w", f, err)
		}
		if ft.MaskCatalog, err = s.env.OpenTable(names[f][2], false); err != nil {
			return fmt.Errorf("open %s masks table: %w", f, err)
		}
		s.tables[f] = ft
	}
	return nil
}

// Tables returns the table triple for family f.
func (s *Schema) Tables(f cidr.Family) FamilyTables {
	if !f.Valid() {
		panic(fmt.Sprintf("schema: invalid family %d", f))
	}
	return s.tables[f]
}

// Env returns the underlying environment.
func (s *Schema) Env() *badger.Env { return s.env }

// Logger returns the logger the schema was opened with.
func (s *Schema) Logger() *slog.Logger { return s.logger }

// Config returns the configuration the schema was opened with.
func (s *Schema) Config() Config { return s.cfg }

// DataFile returns the engine location, path/data.mdb.
func (s *Schema) DataFile() string { return s.env.DataFile() }

// Stats counts the entries of every table.
func (s *Schema) Stats(ctx context.Context) (map[string]int, error) {
	stats := make(map[string]int, TableCount)
	err := s.env.View(ctx, func(txn *badger.Txn) error {
		for _, f := range cidr.Families {
			ft := s.tables[f]
			for _, tbl := range []*badger.Table{ft.RangeToIdentity, ft.IdentityToRanges, ft.MaskCatalog} {
				n, err := txn.Count(tbl)
				if err != nil {
					return err
				}
				stats[tbl.Name()] = n
			}
		}
		return nil
	})
	return stats, err
}

// Close closes the store. Later calls return the first call's result.
func (s *Schema) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.env.Close()
	})
	return s.closeErr
}
