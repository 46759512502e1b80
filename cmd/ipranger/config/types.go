// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"time"

	"github.com/AleutianAI/ipranger/services/ranger/schema"
	"github.com/AleutianAI/ipranger/services/ranger/telemetry"
)

// CurrentConfigVersion is written into new config files.
const CurrentConfigVersion = "1"

type IprangerConfig struct {
	Meta MetaConfig `yaml:"meta"`

	// Store: where the range index lives
	Store StoreConfig `yaml:"store"`

	// Schema: table names, key ceilings and the size limit
	Schema schema.Config `yaml:"schema"`

	Loader LoaderConfig `yaml:"loader"`

	Logging LoggingConfig `yaml:"logging"`

	Telemetry telemetry.Config `yaml:"telemetry"`
}

type MetaConfig struct {
	Version string `yaml:"version"`
}

type StoreConfig struct {
	Path string `yaml:"path" validate:"required"` // e.g. ~/.ipranger/db
}

type LoaderConfig struct {
	Delimiter       string        `yaml:"delimiter" validate:"len=1"`
	Rate            float64       `yaml:"rate" validate:"gte=0"` // rows per second, 0 = unlimited
	Burst           int           `yaml:"burst" validate:"gte=0"`
	ContinueOnError bool          `yaml:"continue_on_error"`
	WatchDebounce   time.Duration `yaml:"watch_debounce" validate:"gte=0"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() IprangerConfig {
	tel := telemetry.DefaultConfig()
	tel.TraceExporter = "none"
	tel.MetricExporter = "none"

	return IprangerConfig{
		Meta:   MetaConfig{Version: CurrentConfigVersion},
		Store:  StoreConfig{Path: "~/.ipranger/db"},
		Schema: schema.DefaultConfig(),
		Loader: LoaderConfig{
			Delimiter:     ",",
			WatchDebounce: 500 * time.Millisecond,
		},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: tel,
	}
}
