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
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("key not found")

	// ErrKeyTooLarge is returned when a key (or a duplicate-table value)
	// exceeds the environment's MaxKeySize.
	ErrKeyTooLarge = errors.New("key exceeds engine maximum key size")

	// ErrEmptyKey is returned for zero-length keys.
	ErrEmptyKey = errors.New("key must not be empty")

	// ErrMapFull is returned when a commit would push the logical data size
	// past the configured SizeLimit.
	ErrMapFull = errors.New("environment size limit reached")

	// ErrTablesFull is returned when opening one more table than MaxTables.
	ErrTablesFull = errors.New("environment table limit reached")

	// ErrTableNotFound is returned when a read-only environment is asked
	// for a table that was never created.
	ErrTableNotFound = errors.New("table not found")

	// ErrIncompatible is returned when a table is reopened with a
	// different duplicate-value policy than it was created with.
	ErrIncompatible = errors.New("table exists with incompatible flags")

	// ErrAlreadyOpen is returned when the same path is opened twice in
	// one process.
	ErrAlreadyOpen = errors.New("environment already open in this process")

	// ErrClosed is returned for operations on a closed environment.
	ErrClosed = errors.New("environment is closed")

	// ErrReadOnly is returned for write transactions on a read-only
	// environment.
	ErrReadOnly = errors.New("environment is read-only")

	// ErrTxnDone is returned for operations on a committed or aborted
	// transaction.
	ErrTxnDone = errors.New("transaction already finished")

	// ErrStopIteration ends Iterate early without reporting an error.
	ErrStopIteration = errors.New("stop iteration")
)

// IOError wraps a failure propagated from the storage engine (disk, mapping,
// corruption, size limit).
type IOError struct {
	Op    string
	Path  string
	cause error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.cause)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Path, e.cause)
}

func (e *IOError) Unwrap() error { return e.cause }

func ioErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var already *IOError
	if errors.As(err, &already) {
		return err
	}
	return &IOError{Op: op, Path: path, cause: err}
}
