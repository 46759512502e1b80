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
	"encoding/binary"
	"errors"
)

// Badger has one flat keyspace. Named tables are simulated with prefixes:
//
//	'c' name                         -> table flags (catalog)
//	'm' "used"                       -> logical bytes stored (uint64 BE)
//	'd' name 0x00 key                -> value            (plain tables)
//	'd' name 0x00 esc(key) 0x00 0x01 value -> empty      (duplicate tables)
//
// esc doubles as an order-preserving encoding: 0x00 becomes 0x00 0xFF and
// the terminator 0x00 0x01 sorts below any continuation, so duplicate
// tables iterate in (key, value) order.
const (
	nsCatalog byte = 'c'
	nsMeta    byte = 'm'
	nsData    byte = 'd'

	flagDupSort byte = 1 << 0
)

var (
	usedKey       = []byte{nsMeta, 'u', 's', 'e', 'd'}
	dupTerminator = []byte{0x00, 0x01}
	errBadDupKey  = errors.New("malformed duplicate-table key")
)

func catalogKey(name string) []byte {
	k := make([]byte, 0, 1+len(name))
	k = append(k, nsCatalog)
	return append(k, name...)
}

func dataPrefix(name string) []byte {
	p := make([]byte, 0, len(name)+2)
	p = append(p, nsData)
	p = append(p, name...)
	return append(p, 0x00)
}

func plainKey(prefix, key []byte) []byte {
	k := make([]byte, 0, len(prefix)+len(key))
	k = append(k, prefix...)
	return append(k, key...)
}

func appendEscaped(dst, key []byte) []byte {
	for _, b := range key {
		if b == 0x00 {
			dst = append(dst, 0x00, 0xFF)
			continue
		}
		dst = append(dst, b)
	}
	return dst
}

// dupKeyPrefix is the prefix shared by every value stored under key.
func dupKeyPrefix(prefix, key []byte) []byte {
	k := make([]byte, 0, len(prefix)+len(key)+4)
	k = append(k, prefix...)
	k = appendEscaped(k, key)
	return append(k, dupTerminator...)
}

func dupKey(prefix, key, value []byte) []byte {
	return append(dupKeyPrefix(prefix, key), value...)
}

// splitDupKey reverses dupKey on a key with the table prefix removed.
func splitDupKey(rest []byte) (key, value []byte, err error) {
	out := make([]byte, 0, len(rest))
	for i := 0; i < len(rest); i++ {
		b := rest[i]
		if b != 0x00 {
			out = append(out, b)
			continue
		}
		if i+1 >= len(rest) {
			return nil, nil, errBadDupKey
		}
		switch rest[i+1] {
		case 0xFF:
			out = append(out, 0x00)
			i++
		case 0x01:
			return out, append([]byte(nil), rest[i+2:]...), nil
		default:
			return nil, nil, errBadDupKey
		}
	}
	return nil, nil, errBadDupKey
}

func encodeUsed(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

func decodeUsed(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
