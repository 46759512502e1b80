// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package index writes identity/range associations into the range index.
//
// Each insertion produces three logical writes for the range's family:
//
//  1. RangeToIdentity[end] = identity (last writer wins)
//  2. IdentityToRanges[identity] += end (set; repeats are no-ops)
//  3. MaskCatalog[mask] = mask (first writer wins)
//
// Writes 1 and 2 share one transaction, so the forward and reverse indexes
// never disagree after a crash. Write 3 runs in its own short transaction.
//
// # Usage
//
//	r, err := index.Open(dir, schema.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer r.Close()
//
//	if err := r.InsertIPRange(ctx, "203.0.113.0/24", "customer-a"); err != nil {
//	    return err
//	}
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strconv"
	"time"

	"github.com/AleutianAI/ipranger/services/ranger/cidr"
	"github.com/AleutianAI/ipranger/services/ranger/keys"
	"github.com/AleutianAI/ipranger/services/ranger/schema"
	"github.com/AleutianAI/ipranger/services/ranger/storage/badger"
)

var (
	// ErrNotFound is returned by lookups that find nothing.
	ErrNotFound = errors.New("not found")

	// ErrInvalidFamily is returned for a Family other than IPv4 or IPv6.
	ErrInvalidFamily = errors.New("invalid address family")
)

// InsertError wraps any failure of InsertIPRange together with its inputs.
//
// The cause is reachable with errors.As: *cidr.ParseError,
// *keys.KeyTooLargeError, keys.ErrInvalidIdentity or *badger.IOError.
type InsertError struct {
	Range    string
	Identity string
	cause    error
}

func (e *InsertError) Error() string {
	return fmt.Sprintf("insert ip range %q for identity %q: %v", e.Range, e.Identity, e.cause)
}

func (e *InsertError) Unwrap() error { return e.cause }

// Ranger writes and reads a range index.
//
// Thread Safety: a Ranger may be shared. Inserts from several goroutines
// are serialized by the store; two inserts for the same end address leave
// whichever committed last.
type Ranger struct {
	schema *schema.Schema
	enc    keys.Encoder
	logger *slog.Logger
	owns   bool
}

// New returns a Ranger over an open schema. The caller keeps ownership of
// s; Ranger.Close does not close it.
func New(s *schema.Schema, logger *slog.Logger) *Ranger {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg := s.Config()
	return &Ranger{
		schema: s,
		enc:    keys.NewEncoder(cfg.MaxMaskKeySize, cfg.MaxIdentityKeySize),
		logger: logger,
	}
}

// Open opens the schema at path and returns a Ranger that owns it.
func Open(path string, cfg schema.Config, opts ...schema.Option) (*Ranger, error) {
	s, err := schema.Open(path, cfg, opts...)
	if err != nil {
		return nil, err
	}
	r := New(s, s.Logger())
	r.owns = true
	return r, nil
}

// Schema returns the underlying schema.
func (r *Ranger) Schema() *schema.Schema { return r.schema }

// DataFile returns the store's engine location.
func (r *Ranger) DataFile() string { return r.schema.DataFile() }

// Sync flushes committed inserts to disk. Only needed when the schema was
// opened with SyncWrites off.
func (r *Ranger) Sync() error { return r.schema.Env().Sync() }

// Close closes the schema if this Ranger opened it. Safe to call twice.
func (r *Ranger) Close() error {
	if !r.owns {
		return nil
	}
	return r.schema.Close()
}

// InsertIPRange associates identity with the range described by rangeStr.
//
// Description:
//
//	Normalizes the range, encodes identity and mask, and only then writes.
//	The forward (range -> identity) and reverse (identity -> ranges)
//	entries are committed together. A different identity already stored
//	for the same end address is replaced silently. The prefix length is
//	then added to the family's mask catalog unless already present.
//
// Inputs:
//
//	ctx - Context checked before each transaction.
//	rangeStr - "address/prefix" or a bare address.
//	identity - Label; surrounding whitespace is trimmed.
//
// Outputs:
//
//	error - *InsertError wrapping the parse, encode or store failure.
func (r *Ranger) InsertIPRange(ctx context.Context, rangeStr, identity string) error {
	start := time.Now()
	ctx, span := startInsertSpan(ctx, rangeStr)

	family, err := r.insert(ctx, rangeStr, identity)

	endInsertSpan(span, family, err)
	recordInsert(ctx, time.Since(start), family, err)
	if err != nil {
		return &InsertError{Range: rangeStr, Identity: identity, cause: err}
	}
	return nil
}

func (r *Ranger) insert(ctx context.Context, rangeStr, identity string) (string, error) {
	rng, err := cidr.Normalize(rangeStr)
	if err != nil {
		return "unknown", err
	}
	family := rng.Family.String()

	ident, err := r.enc.EncodeIdentity(identity)
	if err != nil {
		return family, err
	}
	mask, err := r.enc.EncodeMask(rng.Prefix)
	if err != nil {
		return family, err
	}

	tables := r.schema.Tables(rng.Family)
	env := r.schema.Env()

	err = env.Update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Put(tables.RangeToIdentity, rng.End, ident, true); err != nil {
			return fmt.Errorf("write %s: %w", tables.RangeToIdentity.Name(), err)
		}
		if _, err := txn.Put(tables.IdentityToRanges, ident, rng.End, true); err != nil {
			return fmt.Errorf("write %s: %w", tables.IdentityToRanges.Name(), err)
		}
		return nil
	})
	if err != nil {
		return family, err
	}

	var added bool
	err = env.Update(ctx, func(txn *badger.Txn) error {
		var err error
		added, err = txn.Put(tables.MaskCatalog, mask, mask, false)
		if err != nil {
			return fmt.Errorf("write %s: %w", tables.MaskCatalog.Name(), err)
		}
		return nil
	})
	if err != nil {
		return family, err
	}
	if added {
		recordMaskAdded(ctx, family)
		r.logger.Debug("mask catalogued",
			slog.String("family", family),
			slog.Int("prefix", rng.Prefix))
	}
	return family, nil
}

// LookupRange returns the raw identity bytes (NUL included) stored for the
// end address end of family f.
func (r *Ranger) LookupRange(ctx context.Context, f cidr.Family, end []byte) ([]byte, error) {
	tables, err := r.tables(f)
	if err != nil {
		return nil, err
	}
	if len(end) != f.AddrLen() {
		return nil, fmt.Errorf("%s address must be %d bytes, got %d", f, f.AddrLen(), len(end))
	}
	val, err := tables.RangeToIdentity.Get(ctx, end)
	if errors.Is(err, badger.ErrNotFound) {
		return nil, ErrNotFound
	}
	return val, err
}

func (r *Ranger) tables(f cidr.Family) (schema.FamilyTables, error) {
	if !f.Valid() {
		return schema.FamilyTables{}, fmt.Errorf("%w: %d", ErrInvalidFamily, int(f))
	}
	return r.schema.Tables(f), nil
}

// IdentityOf normalizes rangeStr and returns the identity indexed under
// its end address.
func (r *Ranger) IdentityOf(ctx context.Context, rangeStr string) (string, error) {
	rng, err := cidr.Normalize(rangeStr)
	if err != nil {
		return "", err
	}
	val, err := r.LookupRange(ctx, rng.Family, rng.End)
	if err != nil {
		return "", err
	}
	return keys.CString(val), nil
}

// RangesOf returns the end addresses recorded for identity in family f,
// in address order.
func (r *Ranger) RangesOf(ctx context.Context, f cidr.Family, identity string) ([]netip.Addr, error) {
	tables, err := r.tables(f)
	if err != nil {
		return nil, err
	}
	ident, err := r.enc.EncodeIdentity(identity)
	if err != nil {
		return nil, err
	}
	tbl := tables.IdentityToRanges

	var vals [][]byte
	err = r.schema.Env().View(ctx, func(txn *badger.Txn) error {
		var err error
		vals, err = txn.Values(tbl, ident)
		return err
	})
	if err != nil {
		return nil, err
	}

	addrs := make([]netip.Addr, 0, len(vals))
	for _, v := range vals {
		addr, ok := netip.AddrFromSlice(v)
		if !ok {
			return nil, fmt.Errorf("corrupt address of %d bytes in %s", len(v), tbl.Name())
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// Masks returns the prefix lengths catalogued for family f, ascending.
func (r *Ranger) Masks(ctx context.Context, f cidr.Family) ([]int, error) {
	tables, err := r.tables(f)
	if err != nil {
		return nil, err
	}
	tbl := tables.MaskCatalog

	var masks []int
	err = r.schema.Env().View(ctx, func(txn *badger.Txn) error {
		return txn.Iterate(tbl, badger.All, func(k, _ []byte) error {
			n, err := strconv.Atoi(keys.CString(k))
			if err != nil {
				return fmt.Errorf("corrupt mask %q in %s: %w", k, tbl.Name(), err)
			}
			masks = append(masks, n)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Ints(masks)
	return masks, nil
}

// Entry is one decoded row of a range index table.
type Entry struct {
	Table string
	Key   string
	Value string
}

// Dump decodes every row of family f's three tables, table by table, in
// key order. Addresses render as IP strings and labels without their NUL.
func (r *Ranger) Dump(ctx context.Context, f cidr.Family, fn func(Entry) error) error {
	tables, err := r.tables(f)
	if err != nil {
		return err
	}
	ipString := func(b []byte) string {
		if addr, ok := netip.AddrFromSlice(b); ok {
			return addr.String()
		}
		return fmt.Sprintf("%x", b)
	}
	cstring := func(b []byte) string { return keys.CString(b) }

	plan := []struct {
		tbl    *badger.Table
		keyFn  func([]byte) string
		valueF func([]byte) string
	}{
		{tables.RangeToIdentity, ipString, cstring},
		{tables.IdentityToRanges, cstring, ipString},
		{tables.MaskCatalog, cstring, cstring},
	}

	return r.schema.Env().View(ctx, func(txn *badger.Txn) error {
		for _, p := range plan {
			name := p.tbl.Name()
			err := txn.Iterate(p.tbl, badger.All, func(k, v []byte) error {
				return fn(Entry{Table: name, Key: p.keyFn(k), Value: p.valueF(v)})
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}
