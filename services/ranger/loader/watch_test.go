// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_DebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "ranges.csv")
	other := filepath.Join(dir, "other.csv")
	require.NoError(t, os.WriteFile(target, []byte("h\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := make(chan string, 10)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, []string{target}, func(p string) error {
			calls <- p
			return nil
		}, WatchOptions{Debounce: 100 * time.Millisecond})
	}()

	// Give the watcher time to register the directory.
	time.Sleep(200 * time.Millisecond)

	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(target, []byte("h\n1,a,10.0.0.0/8\n"), 0o644))
	}
	require.NoError(t, os.WriteFile(other, []byte("ignored"), 0o644))

	abs, err := filepath.Abs(target)
	require.NoError(t, err)

	select {
	case p := <-calls:
		assert.Equal(t, abs, p)
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not called")
	}

	// The burst collapses into a single call.
	select {
	case p := <-calls:
		t.Fatalf("unexpected second call for %s", p)
	case <-time.After(400 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatch_MissingDirectory(t *testing.T) {
	err := Watch(context.Background(), []string{filepath.Join(t.TempDir(), "no", "such.csv")},
		func(string) error { return nil }, WatchOptions{})
	assert.Error(t, err)
}
