// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package matcher connects a matching engine to a built range index.
//
// The engine is reached through a Handle that the process constructs once at
// startup and passes to whoever needs it:
//
//	h, err := matcher.New(matcher.NewStoreEngine(cfg, logger))
//	if err != nil {
//	    return err
//	}
//	defer h.Close()
//	if err := h.Init(dir, true); err != nil {
//	    return err
//	}
package matcher

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// Status is the code an engine returns from InitDB.
type Status int

const (
	StatusOK Status = iota
	StatusOpenFailed
	StatusMissingTable
	StatusIncompatible
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusOpenFailed:
		return "open failed"
	case StatusMissingTable:
		return "missing table"
	case StatusIncompatible:
		return "incompatible store"
	default:
		return fmt.Sprintf("status %d", int(s))
	}
}

// Engine is a matching engine that reads a range index.
type Engine interface {
	InitDB(path string, readOnly bool) Status
}

// ErrNilEngine is returned by New without an engine.
var ErrNilEngine = errors.New("matcher: nil engine")

// StatusError reports a non-OK InitDB status.
type StatusError struct {
	Status Status
	Path   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("matcher: init %s: %s", e.Path, e.Status)
}

// Handle owns an Engine and initializes it at most once.
//
// Thread Safety: Init and Close are safe for concurrent use.
type Handle struct {
	engine Engine

	initOnce sync.Once
	initErr  error
	path     string

	closeOnce sync.Once
	closeErr  error
}

// New wraps engine in a Handle.
func New(engine Engine) (*Handle, error) {
	if engine == nil {
		return nil, ErrNilEngine
	}
	return &Handle{engine: engine}, nil
}

// Init calls the engine's InitDB on first use. Later calls return the first
// call's outcome without touching the engine, whatever their arguments.
func (h *Handle) Init(path string, readOnly bool) error {
	h.initOnce.Do(func() {
		h.path = path
		if st := h.engine.InitDB(path, readOnly); st != StatusOK {
			h.initErr = &StatusError{Status: st, Path: path}
		}
	})
	return h.initErr
}

// Path returns the path Init was first called with.
func (h *Handle) Path() string { return h.path }

// Engine returns the wrapped engine.
func (h *Handle) Engine() Engine { return h.engine }

// Close closes the engine if it implements io.Closer. Safe to call twice.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		if c, ok := h.engine.(io.Closer); ok {
			h.closeErr = c.Close()
		}
	})
	return h.closeErr
}
