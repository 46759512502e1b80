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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestEnv(t *testing.T, mutate func(cfg *Config)) (*Env, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.SyncWrites = false
	cfg.GCInterval = 0
	if mutate != nil {
		mutate(&cfg)
	}
	env, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env, dir
}

// TestOpenInMemory verifies in-memory environment creation works.
func TestOpenInMemory(t *testing.T) {
	env, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer env.Close()

	tbl, err := env.OpenTable("t", false)
	require.NoError(t, err)

	ctx := context.Background()
	stored, err := tbl.Put(ctx, []byte("key"), []byte("value"), true)
	require.NoError(t, err)
	assert.True(t, stored)

	val, err := tbl.Get(ctx, []byte("key"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), val)
	assert.Equal(t, "", env.DataFile())
}

func TestOpen_DataFileLocation(t *testing.T) {
	env, dir := openTestEnv(t, nil)

	assert.Equal(t, DataFileName, filepath.Base(env.DataFile()))
	info, err := os.Stat(filepath.Join(dir, DataFileName))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestOpen_ConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing path", Config{}},
		{"in-memory read-only", Config{InMemory: true, ReadOnly: true}},
		{"negative size", Config{InMemory: true, SizeLimit: -1}},
		{"key size above ceiling", Config{InMemory: true, MaxKeySize: MaxKeySizeCeiling + 1}},
		{"bad ratio", Config{InMemory: true, GCDiscardRatio: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestOpen_TwiceInProcess(t *testing.T) {
	env, dir := openTestEnv(t, nil)

	_, err := Open(Config{Path: dir})
	assert.ErrorIs(t, err, ErrAlreadyOpen)

	require.NoError(t, env.Close())
	again, err := Open(Config{Path: dir})
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestClose_Idempotent(t *testing.T) {
	env, _ := openTestEnv(t, nil)
	require.NoError(t, env.Close())
	assert.NoError(t, env.Close())

	_, err := env.OpenTable("late", false)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = env.Begin(false)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpenTable_CatalogPersists(t *testing.T) {
	env, dir := openTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.OpenTable("plain", false)
	require.NoError(t, err)
	_, err = env.OpenTable("dups", true)
	require.NoError(t, err)

	// idempotent within a process
	_, err = env.OpenTable("plain", false)
	require.NoError(t, err)
	_, err = env.OpenTable("plain", true)
	assert.ErrorIs(t, err, ErrIncompatible)

	require.NoError(t, env.Close())

	reopened, err := Open(Config{Path: dir})
	require.NoError(t, err)
	defer reopened.Close()

	names, err := reopened.TableNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dups", "plain"}, names)

	_, err = reopened.OpenTable("dups", false)
	assert.ErrorIs(t, err, ErrIncompatible)
	tbl, err := reopened.OpenTable("dups", true)
	require.NoError(t, err)
	assert.True(t, tbl.DupSort())
}

func TestOpenTable_Limit(t *testing.T) {
	env, _ := openTestEnv(t, func(cfg *Config) { cfg.MaxTables = 2 })

	_, err := env.OpenTable("a", false)
	require.NoError(t, err)
	_, err = env.OpenTable("b", false)
	require.NoError(t, err)
	_, err = env.OpenTable("c", false)
	assert.ErrorIs(t, err, ErrTablesFull)

	// existing tables still open
	_, err = env.OpenTable("a", false)
	assert.NoError(t, err)
}

func TestReadOnly(t *testing.T) {
	env, dir := openTestEnv(t, nil)
	ctx := context.Background()

	tbl, err := env.OpenTable("t", false)
	require.NoError(t, err)
	_, err = tbl.Put(ctx, []byte("k"), []byte("v"), true)
	require.NoError(t, err)
	require.NoError(t, env.Close())

	ro, err := Open(Config{Path: dir, ReadOnly: true})
	require.NoError(t, err)
	defer ro.Close()
	assert.True(t, ro.ReadOnly())

	_, err = ro.OpenTable("missing", false)
	assert.ErrorIs(t, err, ErrTableNotFound)

	rt, err := ro.OpenTable("t", false)
	require.NoError(t, err)
	val, err := rt.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	_, err = ro.Begin(true)
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestPut_PlainOverwrite(t *testing.T) {
	env, _ := openTestEnv(t, nil)
	ctx := context.Background()
	tbl, err := env.OpenTable("plain", false)
	require.NoError(t, err)

	stored, err := tbl.Put(ctx, []byte("k"), []byte("first"), true)
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = tbl.Put(ctx, []byte("k"), []byte("second"), true)
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = tbl.Put(ctx, []byte("k"), []byte("third"), false)
	require.NoError(t, err)
	assert.False(t, stored, "no-overwrite put must skip an existing key")

	val, err := tbl.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), val)

	_, err = tbl.Get(ctx, []byte("absent"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPut_DupSet(t *testing.T) {
	env, _ := openTestEnv(t, nil)
	ctx := context.Background()
	tbl, err := env.OpenTable("dups", true)
	require.NoError(t, err)

	for _, v := range []string{"c", "a", "b", "a"} {
		_, err := tbl.Put(ctx, []byte("key"), []byte(v), true)
		require.NoError(t, err)
	}
	_, err = tbl.Put(ctx, []byte("other"), []byte("z"), true)
	require.NoError(t, err)

	err = env.View(ctx, func(txn *Txn) error {
		vals, err := txn.Values(tbl, []byte("key"))
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, vals)

		first, err := txn.Get(tbl, []byte("key"))
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), first)

		n, err := txn.Count(tbl)
		require.NoError(t, err)
		assert.Equal(t, 4, n)

		_, err = txn.Get(tbl, []byte("ke"))
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestPut_KeyLimits(t *testing.T) {
	env, _ := openTestEnv(t, func(cfg *Config) { cfg.MaxKeySize = 8 })
	ctx := context.Background()
	plain, err := env.OpenTable("plain", false)
	require.NoError(t, err)
	dups, err := env.OpenTable("dups", true)
	require.NoError(t, err)

	_, err = plain.Put(ctx, []byte("123456789"), []byte("v"), true)
	assert.ErrorIs(t, err, ErrKeyTooLarge)
	_, err = plain.Put(ctx, []byte("12345678"), []byte("a value longer than the key limit"), true)
	assert.NoError(t, err)
	_, err = plain.Put(ctx, nil, []byte("v"), true)
	assert.ErrorIs(t, err, ErrEmptyKey)

	_, err = dups.Put(ctx, []byte("k"), []byte("123456789"), true)
	assert.ErrorIs(t, err, ErrKeyTooLarge)
	assert.Equal(t, 8, env.MaxKeySize())
}

func TestIterate(t *testing.T) {
	env, _ := openTestEnv(t, nil)
	ctx := context.Background()
	plain, err := env.OpenTable("plain", false)
	require.NoError(t, err)
	// a neighbouring table whose name extends the first must not leak in
	neighbour, err := env.OpenTable("plain2", false)
	require.NoError(t, err)

	for _, k := range []string{"b", "d", "a", "c"} {
		_, err := plain.Put(ctx, []byte(k), []byte("v"+k), true)
		require.NoError(t, err)
	}
	_, err = neighbour.Put(ctx, []byte("x"), []byte("vx"), true)
	require.NoError(t, err)

	collect := func(r KeyRange) []string {
		var keys []string
		err := env.View(ctx, func(txn *Txn) error {
			return txn.Iterate(plain, r, func(k, v []byte) error {
				assert.Equal(t, "v"+string(k), string(v))
				keys = append(keys, string(k))
				return nil
			})
		})
		require.NoError(t, err)
		return keys
	}

	assert.Equal(t, []string{"a", "b", "c", "d"}, collect(All))
	assert.Equal(t, []string{"b", "c"}, collect(KeyRange{Start: []byte("b"), End: []byte("d")}))
	assert.Equal(t, []string{"c", "d"}, collect(KeyRange{Start: []byte("bb")}))

	var first []string
	err = env.View(ctx, func(txn *Txn) error {
		return txn.Iterate(plain, All, func(k, _ []byte) error {
			first = append(first, string(k))
			return ErrStopIteration
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, first)
}

func TestIterate_DupOrderWithNulBytes(t *testing.T) {
	env, _ := openTestEnv(t, nil)
	ctx := context.Background()
	tbl, err := env.OpenTable("dups", true)
	require.NoError(t, err)

	pairs := [][2]string{
		{"a\x00", "2"},
		{"a", "9"},
		{"a", "1"},
		{"a\x01", "0"},
		{"b\x00", "5"},
	}
	for _, p := range pairs {
		_, err := tbl.Put(ctx, []byte(p[0]), []byte(p[1]), true)
		require.NoError(t, err)
	}

	var got [][2]string
	err = env.View(ctx, func(txn *Txn) error {
		return txn.Iterate(tbl, All, func(k, v []byte) error {
			got = append(got, [2]string{string(k), string(v)})
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, [][2]string{
		{"a", "1"},
		{"a", "9"},
		{"a\x00", "2"},
		{"a\x01", "0"},
		{"b\x00", "5"},
	}, got)

	var ranged []string
	err = env.View(ctx, func(txn *Txn) error {
		return txn.Iterate(tbl, KeyRange{Start: []byte("a\x00"), End: []byte("b")}, func(k, _ []byte) error {
			ranged = append(ranged, string(k))
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a\x00", "a\x01"}, ranged)
}

func TestUpdate_AbortsOnError(t *testing.T) {
	env, _ := openTestEnv(t, nil)
	ctx := context.Background()
	tbl, err := env.OpenTable("t", false)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = env.Update(ctx, func(txn *Txn) error {
		_, err := txn.Put(tbl, []byte("k"), []byte("v"), true)
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = tbl.Get(ctx, []byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdate_CancelledContext(t *testing.T) {
	env, _ := openTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := env.Update(ctx, func(*Txn) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTxn_Finished(t *testing.T) {
	env, _ := openTestEnv(t, nil)
	tbl, err := env.OpenTable("t", false)
	require.NoError(t, err)

	txn, err := env.Begin(true)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	_, err = txn.Put(tbl, []byte("k"), []byte("v"), true)
	assert.ErrorIs(t, err, ErrTxnDone)
	assert.ErrorIs(t, txn.Commit(), ErrTxnDone)
	txn.Abort()
}

func TestSizeLimit(t *testing.T) {
	env, _ := openTestEnv(t, func(cfg *Config) { cfg.SizeLimit = 64 })
	ctx := context.Background()
	tbl, err := env.OpenTable("t", false)
	require.NoError(t, err)

	_, err = tbl.Put(ctx, []byte("0123456789"), make([]byte, 40), true)
	require.NoError(t, err)

	used, err := env.UsedBytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), used)

	// overwriting with the same size does not grow usage
	_, err = tbl.Put(ctx, []byte("0123456789"), make([]byte, 40), true)
	require.NoError(t, err)

	_, err = tbl.Put(ctx, []byte("abcdefghij"), make([]byte, 40), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMapFull)
	var ioe *IOError
	assert.True(t, errors.As(err, &ioe))

	_, err = tbl.Get(ctx, []byte("abcdefghij"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdate_ConcurrentWritersDoNotConflict(t *testing.T) {
	env, _ := openTestEnv(t, nil)
	ctx := context.Background()
	tbl, err := env.OpenTable("t", false)
	require.NoError(t, err)

	const workers, perWorker = 8, 25
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := []byte(fmt.Sprintf("k-%02d-%02d", w, i))
				if _, err := tbl.Put(ctx, key, []byte("v"), true); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}
		}(w)
	}
	wg.Wait()
	require.Empty(t, errs)

	var n int
	require.NoError(t, env.View(ctx, func(txn *Txn) error {
		var err error
		n, err = txn.Count(tbl)
		return err
	}))
	assert.Equal(t, workers*perWorker, n)

	// every key is 7 bytes and every value 1
	used, err := env.UsedBytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(workers*perWorker*8), used)
}

func TestBegin_WriteWaitsForPreviousWriter(t *testing.T) {
	env, _ := openTestEnv(t, nil)

	first, err := env.Begin(true)
	require.NoError(t, err)

	started := make(chan *Txn, 1)
	go func() {
		txn, err := env.Begin(true)
		if err != nil {
			close(started)
			return
		}
		started <- txn
	}()

	select {
	case <-started:
		t.Fatal("second write transaction began while the first was open")
	case <-time.After(100 * time.Millisecond):
	}

	// readers are not blocked
	rtxn, err := env.Begin(false)
	require.NoError(t, err)
	rtxn.Abort()

	first.Abort()
	select {
	case second, ok := <-started:
		require.True(t, ok)
		require.NoError(t, second.Commit())
	case <-time.After(5 * time.Second):
		t.Fatal("second write transaction never began")
	}
}

func TestSync(t *testing.T) {
	env, _ := openTestEnv(t, nil)
	tbl, err := env.OpenTable("t", false)
	require.NoError(t, err)
	_, err = tbl.Put(context.Background(), []byte("k"), []byte("v"), true)
	require.NoError(t, err)
	assert.NoError(t, env.Sync())

	mem, err := Open(InMemoryConfig())
	require.NoError(t, err)
	assert.NoError(t, mem.Sync())
	require.NoError(t, mem.Close())

	require.NoError(t, env.Close())
	assert.ErrorIs(t, env.Sync(), ErrClosed)
}

func TestKeyRange_Prefix(t *testing.T) {
	r := Prefix([]byte{0x01, 0xff})
	assert.Equal(t, []byte{0x02}, r.End)
	assert.Equal(t, KeyRange{Start: []byte{0xff}}, Prefix([]byte{0xff}))
}

func TestSplitDupKey(t *testing.T) {
	key := []byte{'a', 0x00, 'b', 0x00}
	val := []byte{0x00, 0x01, 0xff}
	enc := dupKey(nil, key, val)

	gotKey, gotVal, err := splitDupKey(enc)
	require.NoError(t, err)
	assert.Equal(t, key, gotKey)
	assert.Equal(t, val, gotVal)

	_, _, err = splitDupKey([]byte{'a', 0x00})
	assert.Error(t, err)
	_, _, err = splitDupKey([]byte{'a', 0x00, 0x07})
	assert.Error(t, err)
}

func TestGCRunner_StartStop(t *testing.T) {
	env, _ := openTestEnv(t, func(cfg *Config) { cfg.GCInterval = 10 * time.Millisecond })
	require.NotNil(t, env.gc)
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, env.Close())
}
