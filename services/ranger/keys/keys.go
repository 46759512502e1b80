// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package keys encodes prefix lengths and identity labels as bounded,
// NUL-terminated UTF-8 byte strings.
//
// The terminator is part of the counted length: an identity ceiling of 32
// admits at most 31 bytes of label text.
package keys

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Field names the key that overflowed.
type Field string

const (
	FieldMask     Field = "mask"
	FieldIdentity Field = "identity"
)

// ErrInvalidIdentity is returned for labels that cannot be stored as a
// C string: empty after trimming, invalid UTF-8, or holding a NUL byte.
var ErrInvalidIdentity = errors.New("invalid identity")

// KeyTooLargeError reports an encoding longer than its configured ceiling.
type KeyTooLargeError struct {
	Field Field
	// Size is the encoded length including the terminator.
	Size  int
	Limit int
}

func (e *KeyTooLargeError) Error() string {
	return fmt.Sprintf("%s key too large: %d bytes exceeds limit %d by %d",
		e.Field, e.Size, e.Limit, e.Excess())
}

// Excess returns how many bytes the key is over its limit.
func (e *KeyTooLargeError) Excess() int {
	return e.Size - e.Limit
}

// Encoder encodes mask and identity keys within fixed ceilings.
type Encoder struct {
	// MaxMaskSize bounds the encoded mask, terminator included.
	MaxMaskSize int
	// MaxIdentitySize bounds the encoded identity, terminator included.
	MaxIdentitySize int
}

// NewEncoder returns an Encoder with the given ceilings.
func NewEncoder(maxMaskSize, maxIdentitySize int) Encoder {
	return Encoder{MaxMaskSize: maxMaskSize, MaxIdentitySize: maxIdentitySize}
}

// EncodeMask renders prefix in base 10 followed by NUL.
func (e Encoder) EncodeMask(prefix int) ([]byte, error) {
	if prefix < 0 {
		return nil, fmt.Errorf("negative prefix length %d", prefix)
	}
	s := strconv.Itoa(prefix)
	if size := len(s) + 1; size > e.MaxMaskSize {
		return nil, &KeyTooLargeError{Field: FieldMask, Size: size, Limit: e.MaxMaskSize}
	}
	return terminate(s), nil
}

// EncodeIdentity trims label and appends NUL.
//
// Returns *KeyTooLargeError when the result exceeds MaxIdentitySize and
// ErrInvalidIdentity for labels that are not storable as C strings. A label
// that trims to nothing is rejected too; it would otherwise be stored as the
// bare "\x00" key.
func (e Encoder) EncodeIdentity(label string) ([]byte, error) {
	s := strings.TrimSpace(label)
	switch {
	case s == "":
		return nil, fmt.Errorf("%w: empty label", ErrInvalidIdentity)
	case !utf8.ValidString(s):
		return nil, fmt.Errorf("%w: %q is not valid UTF-8", ErrInvalidIdentity, s)
	case strings.IndexByte(s, 0) >= 0:
		return nil, fmt.Errorf("%w: %q contains a NUL byte", ErrInvalidIdentity, s)
	}
	if size := len(s) + 1; size > e.MaxIdentitySize {
		return nil, &KeyTooLargeError{Field: FieldIdentity, Size: size, Limit: e.MaxIdentitySize}
	}
	return terminate(s), nil
}

func terminate(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

// CString decodes a NUL-terminated key back to its text. Bytes from the
// first NUL onwards are dropped; a key without NUL is returned whole.
func CString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
