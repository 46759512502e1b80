// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Table is a handle to a named table.
type Table struct {
	env     *Env
	name    string
	dupSort bool
	prefix  []byte
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// DupSort reports whether the table holds a sorted set of values per key.
func (t *Table) DupSort() bool { return t.dupSort }

// Get reads key in its own read transaction.
func (t *Table) Get(ctx context.Context, key []byte) ([]byte, error) {
	var val []byte
	err := t.env.View(ctx, func(txn *Txn) error {
		var err error
		val, err = txn.Get(t, key)
		return err
	})
	return val, err
}

// Put writes key in its own write transaction; see Txn.Put.
func (t *Table) Put(ctx context.Context, key, value []byte, overwrite bool) (bool, error) {
	var stored bool
	err := t.env.Update(ctx, func(txn *Txn) error {
		var err error
		stored, err = txn.Put(t, key, value, overwrite)
		return err
	})
	return stored, err
}

// KeyRange bounds an iteration: Start inclusive, End exclusive. Nil bounds
// are open.
type KeyRange struct {
	Start []byte
	End   []byte
}

// All is the unbounded range.
var All = KeyRange{}

// Prefix returns the range of keys starting with p.
func Prefix(p []byte) KeyRange {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return KeyRange{Start: p, End: end[:i+1]}
		}
	}
	return KeyRange{Start: p}
}

func (r KeyRange) beyond(key []byte) bool {
	return r.End != nil && bytes.Compare(key, r.End) >= 0
}

// Txn is a read or write transaction.
type Txn struct {
	env   *Env
	txn   *badger.Txn
	write bool
	done  bool

	holdsWriter bool

	// pending is the net change in logical bytes, applied to the used
	// counter at commit.
	pending int64
}

func (t *Txn) check(tbl *Table) error {
	if t.done {
		return ErrTxnDone
	}
	if tbl == nil || tbl.env != t.env {
		return errors.New("table does not belong to this environment")
	}
	return nil
}

func (t *Txn) checkKey(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > t.env.cfg.MaxKeySize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrKeyTooLarge, len(key), t.env.cfg.MaxKeySize)
	}
	return nil
}

// Get returns the value for key. For duplicate tables it returns the
// smallest value. Missing keys yield ErrNotFound.
func (t *Txn) Get(tbl *Table, key []byte) ([]byte, error) {
	if err := t.check(tbl); err != nil {
		return nil, err
	}
	if tbl.dupSort {
		var first []byte
		err := t.scanDup(tbl, key, func(v []byte) error {
			first = v
			return ErrStopIteration
		})
		if err != nil {
			return nil, err
		}
		if first == nil {
			return nil, ErrNotFound
		}
		return first, nil
	}

	item, err := t.txn.Get(plainKey(tbl.prefix, key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, ioErr("get "+tbl.name, t.env.dir, err)
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, ioErr("get "+tbl.name, t.env.dir, err)
	}
	return val, nil
}

// Values returns every value stored under key in a duplicate table, in
// sorted order. Plain tables return at most one value.
func (t *Txn) Values(tbl *Table, key []byte) ([][]byte, error) {
	if err := t.check(tbl); err != nil {
		return nil, err
	}
	if !tbl.dupSort {
		v, err := t.Get(tbl, key)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return [][]byte{v}, nil
	}

	var vals [][]byte
	err := t.scanDup(tbl, key, func(v []byte) error {
		vals = append(vals, v)
		return nil
	})
	return vals, err
}

func (t *Txn) scanDup(tbl *Table, key []byte, fn func(v []byte) error) error {
	p := dupKeyPrefix(tbl.prefix, key)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = p
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		k := it.Item().Key()
		v := append([]byte{}, k[len(p):]...)
		if err := fn(v); err != nil {
			if errors.Is(err, ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Put stores value under key.
//
// Description:
//
//	Plain tables: with overwrite the value replaces any existing one; without
//	it an existing key is left untouched. Duplicate tables: value is added
//	to the key's set; an identical (key, value) pair is left untouched and
//	overwrite is ignored. Keys (and duplicate-table values) must not exceed
//	MaxKeySize.
//
// Outputs:
//
//	bool - true if the store changed, false if the write was skipped.
//	error - ErrKeyTooLarge, ErrEmptyKey, ErrTxnDone, or *IOError.
func (t *Txn) Put(tbl *Table, key, value []byte, overwrite bool) (bool, error) {
	if err := t.check(tbl); err != nil {
		return false, err
	}
	if !t.write {
		return false, ErrReadOnly
	}
	if err := t.checkKey(key); err != nil {
		return false, err
	}

	if tbl.dupSort {
		if len(value) > t.env.cfg.MaxKeySize {
			return false, fmt.Errorf("%w: duplicate value is %d bytes, limit %d",
				ErrKeyTooLarge, len(value), t.env.cfg.MaxKeySize)
		}
		k := dupKey(tbl.prefix, key, value)
		exists, _, err := t.lookup(k)
		if err != nil {
			return false, ioErr("put "+tbl.name, t.env.dir, err)
		}
		if exists {
			return false, nil
		}
		if err := t.txn.Set(k, nil); err != nil {
			return false, ioErr("put "+tbl.name, t.env.dir, err)
		}
		t.pending += int64(len(key) + len(value))
		return true, nil
	}

	k := plainKey(tbl.prefix, key)
	exists, oldLen, err := t.lookup(k)
	if err != nil {
		return false, ioErr("put "+tbl.name, t.env.dir, err)
	}
	if exists && !overwrite {
		return false, nil
	}
	if err := t.txn.Set(k, append([]byte(nil), value...)); err != nil {
		return false, ioErr("put "+tbl.name, t.env.dir, err)
	}
	if exists {
		t.pending += int64(len(value) - oldLen)
	} else {
		t.pending += int64(len(key) + len(value))
	}
	return true, nil
}

func (t *Txn) lookup(k []byte) (bool, int, error) {
	item, err := t.txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return true, int(item.ValueSize()), nil
}

// Iterate calls fn for every entry of tbl within r, in key order (then
// value order for duplicate tables). fn may return ErrStopIteration to end
// early. The slices passed to fn are copies and may be retained.
func (t *Txn) Iterate(tbl *Table, r KeyRange, fn func(key, value []byte) error) error {
	if err := t.check(tbl); err != nil {
		return err
	}

	opts := badger.DefaultIteratorOptions
	opts.Prefix = tbl.prefix
	opts.PrefetchValues = !tbl.dupSort
	it := t.txn.NewIterator(opts)
	defer it.Close()

	seek := tbl.prefix
	if r.Start != nil {
		if tbl.dupSort {
			seek = appendEscaped(append([]byte(nil), tbl.prefix...), r.Start)
		} else {
			seek = plainKey(tbl.prefix, r.Start)
		}
	}

	for it.Seek(seek); it.ValidForPrefix(tbl.prefix); it.Next() {
		item := it.Item()
		rest := item.Key()[len(tbl.prefix):]

		var key, val []byte
		if tbl.dupSort {
			var err error
			key, val, err = splitDupKey(rest)
			if err != nil {
				return ioErr("iterate "+tbl.name, t.env.dir, err)
			}
		} else {
			key = append([]byte(nil), rest...)
			v, err := item.ValueCopy(nil)
			if err != nil {
				return ioErr("iterate "+tbl.name, t.env.dir, err)
			}
			val = v
		}

		if r.beyond(key) {
			return nil
		}
		if err := fn(key, val); err != nil {
			if errors.Is(err, ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Count returns the number of entries in tbl (key/value pairs for
// duplicate tables).
func (t *Txn) Count(tbl *Table) (int, error) {
	if err := t.check(tbl); err != nil {
		return 0, err
	}
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = tbl.prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	return n, nil
}

func (t *Txn) used() (uint64, error) {
	item, err := t.txn.Get(usedKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, ioErr("read size", t.env.dir, err)
	}
	b, err := item.ValueCopy(nil)
	if err != nil {
		return 0, ioErr("read size", t.env.dir, err)
	}
	return decodeUsed(b), nil
}

// Commit applies the transaction. Read transactions simply end.
//
// A commit that would exceed SizeLimit is aborted with ErrMapFull.
func (t *Txn) Commit() error {
	if t.done {
		return ErrTxnDone
	}
	if !t.write {
		t.Abort()
		return nil
	}
	defer t.Abort()

	if t.pending != 0 {
		used, err := t.used()
		if err != nil {
			return err
		}
		next := int64(used) + t.pending
		if next < 0 {
			next = 0
		}
		if limit := t.env.cfg.SizeLimit; limit > 0 && next > limit {
			return ioErr("commit", t.env.dir,
				fmt.Errorf("%w: %d of %d bytes", ErrMapFull, next, limit))
		}
		if err := t.txn.Set(usedKey, encodeUsed(uint64(next))); err != nil {
			return ioErr("commit", t.env.dir, err)
		}
	}

	t.done = true
	if err := t.txn.Commit(); err != nil {
		return ioErr("commit", t.env.dir, err)
	}
	return nil
}

// Abort discards the transaction. Safe to call after Commit.
func (t *Txn) Abort() {
	t.done = true
	t.txn.Discard()
	if t.holdsWriter {
		t.holdsWriter = false
		t.env.writer.Unlock()
	}
}
