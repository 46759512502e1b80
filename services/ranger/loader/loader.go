// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package loader bulk-loads identity/range rows from CSV into a range index.
//
// The expected layout has a header line followed by rows of
//
//	unsigned_end,identity,range,mask
//
// Load only needs the identity (column 1) and range (column 2). Verify also
// checks the decimal end address (column 0) and the prefix length
// (column 3) against what the index holds.
package loader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Column positions in the CSV layout.
const (
	ColumnEnd      = 0
	ColumnIdentity = 1
	ColumnRange    = 2
	ColumnMask     = 3
)

// Inserter receives one association per CSV row. *index.Ranger satisfies it.
type Inserter interface {
	InsertIPRange(ctx context.Context, rangeStr, identity string) error
}

// Options configures Load.
type Options struct {
	// Comma is the field delimiter. Default ','.
	Comma rune

	// NoHeader treats the first line as data.
	NoHeader bool

	// Rate caps insertions per second. Zero means unlimited.
	Rate float64

	// Burst is the limiter burst size. Default 1.
	Burst int

	// ContinueOnError counts failed rows instead of stopping at the first.
	ContinueOnError bool

	// Logger receives per-run and per-failure entries. Default discards.
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Comma == 0 {
		o.Comma = ','
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// Result summarizes one Load run.
type Result struct {
	RunID    string
	Rows     int
	Inserted int
	Failed   int
	Duration time.Duration
}

// RowError reports a row that could not be read or inserted.
type RowError struct {
	Line  int
	cause error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.cause)
}

func (e *RowError) Unwrap() error { return e.cause }

type row struct {
	line   int
	fields []string
}

// Load reads CSV rows from r and inserts each into ins.
//
// Description:
//
//	A reader goroutine parses rows and hands them to a single writer
//	goroutine, which applies the rate limit and calls InsertIPRange in
//	file order. Fields are trimmed. Without ContinueOnError the first bad
//	row cancels the run and is returned as *RowError; with it, bad rows
//	are logged and counted in Result.Failed.
//
// Outputs:
//
//	Result - Counts so far, also on error.
//	error - *RowError, a CSV syntax error, or the context error.
func Load(ctx context.Context, r io.Reader, ins Inserter, opts Options) (Result, error) {
	opts = opts.withDefaults()
	start := time.Now()
	res := Result{RunID: uuid.NewString()}
	logger := opts.Logger.With(slog.String("run_id", res.RunID))

	var limiter *rate.Limiter
	if opts.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst)
	}

	rows := make(chan row, 64)
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(rows)
		return readRows(gCtx, r, opts, rows)
	})

	g.Go(func() error {
		for rw := range rows {
			res.Rows++
			if limiter != nil {
				if err := limiter.Wait(gCtx); err != nil {
					return err
				}
			}
			err := insertRow(gCtx, ins, rw)
			if err == nil {
				res.Inserted++
				continue
			}
			res.Failed++
			if !opts.ContinueOnError {
				return err
			}
			logger.Warn("row skipped", slog.Int("line", rw.line), slog.String("error", err.Error()))
		}
		return nil
	})

	err := g.Wait()
	res.Duration = time.Since(start)

	logger.Info("load finished",
		slog.Int("rows", res.Rows),
		slog.Int("inserted", res.Inserted),
		slog.Int("failed", res.Failed),
		slog.Duration("duration", res.Duration))
	return res, err
}

// LoadFile opens path and calls Load.
func LoadFile(ctx context.Context, path string, ins Inserter, opts Options) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	res, err := Load(ctx, f, ins, opts)
	if err != nil {
		return res, fmt.Errorf("load %s: %w", path, err)
	}
	return res, nil
}

func insertRow(ctx context.Context, ins Inserter, rw row) error {
	if len(rw.fields) <= ColumnRange {
		return &RowError{Line: rw.line, cause: fmt.Errorf("want at least %d fields, got %d", ColumnRange+1, len(rw.fields))}
	}
	if err := ins.InsertIPRange(ctx, rw.fields[ColumnRange], rw.fields[ColumnIdentity]); err != nil {
		return &RowError{Line: rw.line, cause: err}
	}
	return nil
}

// readRows sends every data row of r to out until EOF or cancellation.
func readRows(ctx context.Context, r io.Reader, opts Options, out chan<- row) error {
	cr := csv.NewReader(r)
	cr.Comma = opts.Comma
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	skip := !opts.NoHeader
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read csv: %w", err)
		}
		line, _ := cr.FieldPos(0)
		if skip {
			skip = false
			continue
		}
		for i := range rec {
			rec[i] = strings.TrimSpace(rec[i])
		}
		select {
		case out <- row{line: line, fields: rec}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
