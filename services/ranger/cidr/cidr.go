// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cidr canonicalizes IP range strings into fixed-width end addresses.
//
// A range is represented by its end address: the network address with every
// host bit set. "203.0.113.0/24" becomes 203.0.113.255 with prefix 24. The
// end address is 4 bytes for IPv4 and 16 bytes for IPv6, unsigned and
// big-endian, so byte order equals numeric order in an ordered store.
package cidr

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Family identifies the address family of a range.
type Family uint8

const (
	// IPv4 ranges carry 4-byte addresses and prefixes 0-32.
	IPv4 Family = iota
	// IPv6 ranges carry 16-byte addresses and prefixes 0-128.
	IPv6
)

// Families lists every supported family in table order.
var Families = [...]Family{IPv4, IPv6}

// String returns "ipv4" or "ipv6".
func (f Family) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// AddrLen returns the address width in bytes.
func (f Family) AddrLen() int {
	if f == IPv6 {
		return 16
	}
	return 4
}

// MaxPrefix returns the widest prefix length, also the implicit prefix of
// a bare address.
func (f Family) MaxPrefix() int {
	return f.AddrLen() * 8
}

// Valid reports whether f is IPv4 or IPv6.
func (f Family) Valid() bool {
	return f == IPv4 || f == IPv6
}

// ParseFamily accepts "ipv4", "4", "v4" and the v6 equivalents.
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ipv4", "v4", "4":
		return IPv4, nil
	case "ipv6", "v6", "6":
		return IPv6, nil
	default:
		return 0, fmt.Errorf("unknown address family %q", s)
	}
}

// FamilyOfLen maps an address byte length to its family.
func FamilyOfLen(n int) (Family, bool) {
	switch n {
	case 4:
		return IPv4, true
	case 16:
		return IPv6, true
	default:
		return 0, false
	}
}

// Range is a canonical IP range.
type Range struct {
	Family Family
	// End is the last address of the block; len(End) == Family.AddrLen().
	End    []byte
	Prefix int
}

// EndAddr returns End as a netip.Addr.
func (r Range) EndAddr() netip.Addr {
	if r.Family == IPv6 {
		return netip.AddrFrom16([16]byte(r.End))
	}
	return netip.AddrFrom4([4]byte(r.End))
}

// String renders the range as "end/prefix".
func (r Range) String() string {
	if len(r.End) != r.Family.AddrLen() {
		return "<invalid>"
	}
	return fmt.Sprintf("%s/%d", r.EndAddr(), r.Prefix)
}

// ParseError reports a malformed range string.
//
// Input is the original, untrimmed string passed to Normalize.
type ParseError struct {
	Input  string
	Reason string
	cause  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse ip range %q: %s", e.Input, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.cause }

// Normalize parses an IP range and returns its canonical form.
//
// Description:
//
//	Accepts "address/prefix" or a bare address. A bare address takes the
//	family's maximal prefix (32 or 128). The family is decided by syntax:
//	anything containing ':' is IPv6, so "::ffff:192.0.2.1" is a 16-byte
//	IPv6 range. Zoned addresses are rejected.
//
// Inputs:
//
//	s - The range string. Surrounding whitespace is ignored.
//
// Outputs:
//
//	Range - End address, prefix length and family.
//	error - *ParseError on malformed syntax, bad prefix or bad address.
func Normalize(s string) (Range, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Range{}, &ParseError{Input: s, Reason: "empty range"}
	}

	addrPart, prefixPart, hasPrefix := strings.Cut(trimmed, "/")
	if hasPrefix && strings.Contains(prefixPart, "/") {
		return Range{}, &ParseError{Input: s, Reason: "more than one '/'"}
	}

	family := IPv4
	if strings.Contains(addrPart, ":") {
		family = IPv6
	}

	addr, err := netip.ParseAddr(addrPart)
	if err != nil {
		return Range{}, &ParseError{Input: s, Reason: "invalid address", cause: err}
	}
	if addr.Zone() != "" {
		return Range{}, &ParseError{Input: s, Reason: "zoned addresses are not ranges"}
	}
	// netip treats "::ffff:1.2.3.4" as Is6 and plain dotted quads as Is4.
	if (family == IPv4) != addr.Is4() {
		return Range{}, &ParseError{Input: s, Reason: "address does not match its family syntax"}
	}

	prefix := family.MaxPrefix()
	if hasPrefix {
		prefix, err = parsePrefix(prefixPart, family)
		if err != nil {
			return Range{}, &ParseError{Input: s, Reason: err.Error(), cause: err}
		}
	}

	return Range{
		Family: family,
		End:    endAddress(addr, family, prefix),
		Prefix: prefix,
	}, nil
}

// MustNormalize is Normalize for literals in tests and fixtures.
func MustNormalize(s string) Range {
	r, err := Normalize(s)
	if err != nil {
		panic(err)
	}
	return r
}

func parsePrefix(p string, family Family) (int, error) {
	if p == "" {
		return 0, fmt.Errorf("missing prefix length")
	}
	// strconv.Atoi would accept "+8" and "-0".
	for i := 0; i < len(p); i++ {
		if p[i] < '0' || p[i] > '9' {
			return 0, fmt.Errorf("prefix length %q is not a decimal number", p)
		}
	}
	if len(p) > 3 {
		return 0, fmt.Errorf("prefix length %q out of range [0, %d]", p, family.MaxPrefix())
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 0, fmt.Errorf("prefix length %q: %w", p, err)
	}
	if n > family.MaxPrefix() {
		return 0, fmt.Errorf("prefix length %d out of range [0, %d]", n, family.MaxPrefix())
	}
	return n, nil
}

// endAddress sets every bit after the first prefix bits.
func endAddress(addr netip.Addr, family Family, prefix int) []byte {
	var out []byte
	if family == IPv6 {
		a := addr.As16()
		out = a[:]
	} else {
		a := addr.As4()
		out = a[:]
	}
	for i := range out {
		bitStart := i * 8
		switch {
		case bitStart >= prefix:
			out[i] = 0xff
		case bitStart+8 > prefix:
			out[i] |= 0xff >> uint(prefix-bitStart)
		}
	}
	return out
}
