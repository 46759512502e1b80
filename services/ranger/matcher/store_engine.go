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
	"errors"
	"log/slog"
	"sync"

	"github.com/AleutianAI/ipranger/services/ranger/index"
	"github.com/AleutianAI/ipranger/services/ranger/schema"
	"github.com/AleutianAI/ipranger/services/ranger/storage/badger"
)

// StoreEngine is an Engine that opens the index through the schema and
// serves exact lookups from it.
type StoreEngine struct {
	cfg    schema.Config
	logger *slog.Logger

	mu     sync.Mutex
	ranger *index.Ranger
}

// NewStoreEngine returns an engine expecting the tables named in cfg.
func NewStoreEngine(cfg schema.Config, logger *slog.Logger) *StoreEngine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &StoreEngine{cfg: cfg, logger: logger}
}

// InitDB opens the index at path. A second call while open is a no-op.
func (e *StoreEngine) InitDB(path string, readOnly bool) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ranger != nil {
		return StatusOK
	}

	opts := []schema.Option{schema.WithLogger(e.logger)}
	if readOnly {
		opts = append(opts, schema.WithReadOnly())
	}
	r, err := index.Open(path, e.cfg, opts...)
	if err != nil {
		st := statusOf(err)
		e.logger.Error("matcher init failed",
			slog.String("path", path),
			slog.String("status", st.String()),
			slog.String("error", err.Error()))
		return st
	}
	e.ranger = r
	return StatusOK
}

func statusOf(err error) Status {
	var oe *schema.OpenError
	switch {
	case errors.Is(err, badger.ErrTableNotFound):
		return StatusMissingTable
	case errors.Is(err, badger.ErrIncompatible), errors.As(err, &oe):
		return StatusIncompatible
	default:
		return StatusOpenFailed
	}
}

// Ranger returns the open index, or nil before a successful InitDB.
func (e *StoreEngine) Ranger() *index.Ranger {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ranger
}

// Close releases the index. Safe to call twice.
func (e *StoreEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ranger == nil {
		return nil
	}
	err := e.ranger.Close()
	e.ranger = nil
	return err
}
