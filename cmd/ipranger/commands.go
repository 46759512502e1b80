// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/ipranger/cmd/ipranger/config"
	"github.com/AleutianAI/ipranger/pkg/logging"
	"github.com/AleutianAI/ipranger/services/ranger/index"
	"github.com/AleutianAI/ipranger/services/ranger/schema"
	"github.com/AleutianAI/ipranger/services/ranger/telemetry"
)

// app holds the state shared by every subcommand of one invocation.
type app struct {
	// --- persistent flags ---
	configPath string
	dbPath     string
	logLevel   string
	jsonLogs   bool

	// --- load flags ---
	metricsAddr string

	cfg      config.IprangerConfig
	logger   *logging.Logger
	shutdown func(context.Context) error
}

func newRootCmd() *cobra.Command {
	a := &app{logger: logging.Nop()}

	root := &cobra.Command{
		Use:   "ipranger",
		Short: "Build and inspect identity/IP-range indexes",
		Long: `ipranger loads identity to IP range associations into an embedded
store that a matching engine later reads.`,
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default ~/.ipranger/ipranger.yaml)")
	pf.StringVar(&a.dbPath, "db", "", "store directory (overrides store.path)")
	pf.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error")
	pf.BoolVar(&a.jsonLogs, "json", false, "log as JSON")

	root.AddCommand(
		a.loadCmd(),
		a.dumpCmd(),
		a.lookupCmd(),
		a.identityCmd(),
		a.verifyCmd(),
		a.watchCmd(),
		a.datafileCmd(),
		a.statsCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.Store.Path = a.dbPath
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	a.cfg = cfg

	level, levelErr := logging.ParseLevel(cfg.Logging.Level)
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "ipranger",
		JSON:    a.jsonLogs || cfg.Logging.JSON || !isTerminal(os.Stderr),
		Output:  cmd.ErrOrStderr(),
	})
	if levelErr != nil {
		a.logger.Warn("falling back to info level", "error", levelErr)
	}

	tel := cfg.Telemetry
	if a.metricsAddr != "" {
		tel.MetricExporter = "prometheus"
	}
	shutdown, err := telemetry.Init(cmd.Context(), tel)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.shutdown = shutdown
	return nil
}

func (a *app) teardown(cmd *cobra.Command, _ []string) error {
	var err error
	if a.shutdown != nil {
		err = a.shutdown(context.WithoutCancel(cmd.Context()))
	}
	_ = a.logger.Close()
	return err
}

// openRanger opens the configured store.
func (a *app) openRanger(readOnly bool) (*index.Ranger, error) {
	opts := []schema.Option{schema.WithLogger(a.logger.Slog())}
	if readOnly {
		opts = append(opts, schema.WithReadOnly())
	}
	return index.Open(a.cfg.Store.Path, a.cfg.Schema, opts...)
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
