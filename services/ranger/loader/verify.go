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
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strconv"

	"github.com/AleutianAI/ipranger/services/ranger/cidr"
	"github.com/AleutianAI/ipranger/services/ranger/keys"
)

// Reader is the read side Verify checks against. *index.Ranger satisfies it.
type Reader interface {
	LookupRange(ctx context.Context, f cidr.Family, end []byte) ([]byte, error)
	Masks(ctx context.Context, f cidr.Family) ([]int, error)
}

// Mismatch is one row whose expectations the index does not meet.
type Mismatch struct {
	Line   int
	Range  string
	Reason string
}

// VerifyResult summarizes a Verify run.
type VerifyResult struct {
	Rows       int
	Mismatches []Mismatch
}

// OK reports whether every row matched.
func (v VerifyResult) OK() bool { return len(v.Mismatches) == 0 }

// Verify re-reads a CSV in the load layout and checks, per row, that the
// decimal end address in column 0 maps to the identity in column 1 and that
// the mask in column 3 is catalogued for the row's family.
//
// Rows that reuse an end address with a different identity are reported,
// since only the last writer's identity is indexed.
func Verify(ctx context.Context, r io.Reader, rd Reader, opts Options) (VerifyResult, error) {
	opts = opts.withDefaults()
	var res VerifyResult

	masks := make(map[cidr.Family]map[int]bool, len(cidr.Families))
	for _, f := range cidr.Families {
		list, err := rd.Masks(ctx, f)
		if err != nil {
			return res, fmt.Errorf("read %s masks: %w", f, err)
		}
		set := make(map[int]bool, len(list))
		for _, m := range list {
			set[m] = true
		}
		masks[f] = set
	}

	rows := make(chan row, 64)
	errc := make(chan error, 1)
	go func() {
		defer close(rows)
		errc <- readRows(ctx, r, opts, rows)
	}()

	for rw := range rows {
		res.Rows++
		if reason := verifyRow(ctx, rd, masks, rw); reason != "" {
			rng := ""
			if len(rw.fields) > ColumnRange {
				rng = rw.fields[ColumnRange]
			}
			res.Mismatches = append(res.Mismatches, Mismatch{Line: rw.line, Range: rng, Reason: reason})
		}
	}
	if err := <-errc; err != nil {
		return res, err
	}
	return res, nil
}

// VerifyFile opens path and calls Verify.
func VerifyFile(ctx context.Context, path string, rd Reader, opts Options) (VerifyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return Verify(ctx, f, rd, opts)
}

func verifyRow(ctx context.Context, rd Reader, masks map[cidr.Family]map[int]bool, rw row) string {
	if len(rw.fields) <= ColumnMask {
		return fmt.Sprintf("want %d fields, got %d", ColumnMask+1, len(rw.fields))
	}
	rng, err := cidr.Normalize(rw.fields[ColumnRange])
	if err != nil {
		return err.Error()
	}

	end, err := decimalAddress(rw.fields[ColumnEnd], rng.Family)
	if err != nil {
		return err.Error()
	}
	got, err := rd.LookupRange(ctx, rng.Family, end)
	if err != nil {
		return fmt.Sprintf("lookup %s: %v", rng.EndAddr(), err)
	}
	if want := rw.fields[ColumnIdentity]; keys.CString(got) != want {
		return fmt.Sprintf("identity is %q, want %q", keys.CString(got), want)
	}

	mask, err := strconv.Atoi(rw.fields[ColumnMask])
	if err != nil {
		return fmt.Sprintf("mask %q is not a number", rw.fields[ColumnMask])
	}
	if !masks[rng.Family][mask] {
		return fmt.Sprintf("mask %d missing from %s catalog", mask, rng.Family)
	}
	return ""
}

// decimalAddress parses an unsigned decimal into a big-endian address of
// f's width.
func decimalAddress(s string, f cidr.Family) ([]byte, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("end address %q is not an unsigned decimal", s)
	}
	if n.BitLen() > f.AddrLen()*8 {
		return nil, errors.New("end address " + s + " does not fit " + f.String())
	}
	return n.FillBytes(make([]byte, f.AddrLen())), nil
}
