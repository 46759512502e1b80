// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package matcher

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ipranger/services/ranger/index"
	"github.com/AleutianAI/ipranger/services/ranger/schema"
	"github.com/AleutianAI/ipranger/services/ranger/storage/badger"
)

type fakeEngine struct {
	mu     sync.Mutex
	status Status
	calls  int
	closed int
}

func (f *fakeEngine) InitDB(string, bool) Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.status
}

func (f *fakeEngine) Close() error {
	f.closed++
	return nil
}

func testConfig() schema.Config {
	cfg := schema.DefaultConfig()
	cfg.SyncWrites = false
	return cfg
}

func TestNew_NilEngine(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrNilEngine)
}

func TestHandle_InitRunsOnce(t *testing.T) {
	eng := &fakeEngine{}
	h, err := New(eng)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.Init("/db", true))
		}()
	}
	wg.Wait()

	require.NoError(t, h.Init("/other", false))
	assert.Equal(t, 1, eng.calls)
	assert.Equal(t, "/db", h.Path())
}

func TestHandle_StatusMapping(t *testing.T) {
	for _, st := range []Status{StatusOpenFailed, StatusMissingTable, StatusIncompatible, Status(42)} {
		t.Run(st.String(), func(t *testing.T) {
			h, err := New(&fakeEngine{status: st})
			require.NoError(t, err)

			err = h.Init("/db", true)
			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, st, se.Status)
			assert.Equal(t, "/db", se.Path)

			// The failure sticks.
			assert.Same(t, err, h.Init("/db", true))
		})
	}
}

func TestHandle_CloseOnce(t *testing.T) {
	eng := &fakeEngine{}
	h, err := New(eng)
	require.NoError(t, err)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.Equal(t, 1, eng.closed)
}

func TestStoreEngine_OpensBuiltIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	w, err := index.Open(dir, testConfig())
	require.NoError(t, err)
	require.NoError(t, w.InsertIPRange(ctx, "10.0.0.0/8", "corp-a"))
	require.NoError(t, w.Close())

	eng := NewStoreEngine(testConfig(), nil)
	h, err := New(eng)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Init(dir, true))
	r := eng.Ranger()
	require.NotNil(t, r)

	got, err := r.IdentityOf(ctx, "10.0.0.0/8")
	require.NoError(t, err)
	assert.Equal(t, "corp-a", got)

	require.NoError(t, h.Close())
	assert.Nil(t, eng.Ranger())
}

func TestStoreEngine_MissingTable(t *testing.T) {
	dir := t.TempDir()

	env, err := badger.Open(badger.DefaultConfig(dir))
	require.NoError(t, err)
	_, err = env.OpenTable("IPv4", false)
	require.NoError(t, err)
	require.NoError(t, env.Close())

	eng := NewStoreEngine(testConfig(), nil)
	assert.Equal(t, StatusMissingTable, eng.InitDB(dir, true))
	assert.Nil(t, eng.Ranger())
}

func TestStoreEngine_Incompatible(t *testing.T) {
	dir := t.TempDir()

	env, err := badger.Open(badger.DefaultConfig(dir))
	require.NoError(t, err)
	// The reverse table must be a duplicate-value table.
	_, err = env.OpenTable("ID2IPv4", false)
	require.NoError(t, err)
	require.NoError(t, env.Close())

	eng := NewStoreEngine(testConfig(), nil)
	assert.Equal(t, StatusIncompatible, eng.InitDB(dir, false))
}

func TestStoreEngine_OpenFailed(t *testing.T) {
	eng := NewStoreEngine(testConfig(), nil)
	assert.Equal(t, StatusOpenFailed, eng.InitDB(filepath.Join(t.TempDir(), "absent"), true))
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "ok", StatusOK.String())
	assert.Equal(t, "missing table", StatusMissingTable.String())
	assert.Equal(t, "status 42", Status(42).String())
}
