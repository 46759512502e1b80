// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schema

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/ipranger/pkg/validation"
)

// Config is the schema supplied when a store is opened.
//
// # Fields
//
//   - MaxEnvSize: logical size cap of the store in bytes.
//   - The six table names, one per (table kind, family).
//   - MaxMaskKeySize / MaxIdentityKeySize: ceilings for the NUL-terminated
//     mask and identity encodings, terminator included.
//   - MaxKeySize: the engine key ceiling checked against everything above.
//
// # Validation
//
// Uses go-playground/validator tags plus pkg/validation for table names.
type Config struct {
	MaxEnvSize int64 `yaml:"max_env_size" validate:"gt=0"`

	IPv4RangesToIdentity string `yaml:"ipv4_ranges_to_identity" validate:"required"`
	IdentitiesToIPv4     string `yaml:"identities_to_ipv4" validate:"required"`
	IPv4Masks            string `yaml:"ipv4_masks" validate:"required"`
	IPv6RangesToIdentity string `yaml:"ipv6_ranges_to_identity" validate:"required"`
	IdentitiesToIPv6     string `yaml:"identities_to_ipv6" validate:"required"`
	IPv6Masks            string `yaml:"ipv6_masks" validate:"required"`

	MaxMaskKeySize     int `yaml:"max_mask_key_size" validate:"gt=0"`
	MaxIdentityKeySize int `yaml:"max_identity_key_size" validate:"gt=0"`

	MaxKeySize int `yaml:"max_key_size" validate:"gte=0"`

	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

// DefaultConfig returns the layout matcher deployments expect: IPv4,
// ID2IPv4, IPv4_masks and the IPv6 equivalents, 4-byte masks and 32-byte
// identities.
func DefaultConfig() Config {
	return Config{
		MaxEnvSize:           1_000_000,
		IPv4RangesToIdentity: "IPv4",
		IdentitiesToIPv4:     "ID2IPv4",
		IPv4Masks:            "IPv4_masks",
		IPv6RangesToIdentity: "IPv6",
		IdentitiesToIPv6:     "ID2IPv6",
		IPv6Masks:            "IPv6_masks",
		MaxMaskKeySize:       4,
		MaxIdentityKeySize:   32,
		SyncWrites:           true,
	}
}

// TableNames returns the six names in declaration order.
func (c Config) TableNames() []string {
	return []string{
		c.IPv4RangesToIdentity, c.IdentitiesToIPv4, c.IPv4Masks,
		c.IPv6RangesToIdentity, c.IdentitiesToIPv6, c.IPv6Masks,
	}
}

var configValidate = validator.New()

// Validate checks field constraints and table name rules.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid schema config: %w", err)
	}
	if err := validation.ValidateTableNames(c.TableNames()); err != nil {
		return fmt.Errorf("invalid schema config: %w", err)
	}
	return nil
}
