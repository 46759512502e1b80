// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package keys

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeMask(t *testing.T) {
	enc := NewEncoder(4, 32)

	tests := []struct {
		prefix int
		want   []byte
	}{
		{0, []byte("0\x00")},
		{8, []byte("8\x00")},
		{24, []byte("24\x00")},
		{128, []byte("128\x00")},
	}
	for _, tt := range tests {
		got, err := enc.EncodeMask(tt.prefix)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestEncodeMask_TooLarge(t *testing.T) {
	enc := NewEncoder(3, 32)

	got, err := enc.EncodeMask(128)
	assert.Nil(t, got)

	var ktl *KeyTooLargeError
	require.True(t, errors.As(err, &ktl))
	assert.Equal(t, FieldMask, ktl.Field)
	assert.Equal(t, 4, ktl.Size)
	assert.Equal(t, 3, ktl.Limit)
	assert.Equal(t, 1, ktl.Excess())
	assert.Contains(t, err.Error(), "by 1")

	// two digits plus terminator still fits
	_, err = enc.EncodeMask(24)
	assert.NoError(t, err)
}

func TestEncodeMask_Negative(t *testing.T) {
	_, err := NewEncoder(4, 32).EncodeMask(-1)
	assert.Error(t, err)
}

func TestEncodeIdentity(t *testing.T) {
	enc := NewEncoder(4, 32)

	got, err := enc.EncodeIdentity("  customer-a \n")
	require.NoError(t, err)
	assert.Equal(t, []byte("customer-a\x00"), got)

	got, err = enc.EncodeIdentity("zákazník")
	require.NoError(t, err)
	assert.Equal(t, len("zákazník")+1, len(got))
}

func TestEncodeIdentity_Boundary(t *testing.T) {
	enc := NewEncoder(4, 32)

	_, err := enc.EncodeIdentity(strings.Repeat("a", 31))
	assert.NoError(t, err)

	_, err = enc.EncodeIdentity(strings.Repeat("a", 32))
	var ktl *KeyTooLargeError
	require.True(t, errors.As(err, &ktl))
	assert.Equal(t, FieldIdentity, ktl.Field)
	assert.Equal(t, 33, ktl.Size)
	assert.Equal(t, 1, ktl.Excess())
}

func TestEncodeIdentity_Invalid(t *testing.T) {
	enc := NewEncoder(4, 32)
	for _, label := range []string{"", "   ", "a\x00b", "\xff"} {
		_, err := enc.EncodeIdentity(label)
		assert.ErrorIs(t, err, ErrInvalidIdentity, "label %q", label)
	}
}

func TestCString(t *testing.T) {
	assert.Equal(t, "24", CString([]byte("24\x00")))
	assert.Equal(t, "abc", CString([]byte("abc")))
	assert.Equal(t, "", CString([]byte{0}))
}
