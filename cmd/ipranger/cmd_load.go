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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/ipranger/services/ranger/index"
	"github.com/AleutianAI/ipranger/services/ranger/loader"
	"github.com/AleutianAI/ipranger/services/ranger/telemetry"
)

func (a *app) loadCmd() *cobra.Command {
	var (
		rate            float64
		continueOnError bool
		noHeader        bool
	)
	cmd := &cobra.Command{
		Use:   "load <csv...>",
		Short: "Insert the identity/range rows of CSV files",
		Long: `Reads each CSV (header line, identity in column 1, range in column 2)
and inserts every row into the store.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if a.metricsAddr != "" {
				stop, err := serveMetrics(a.metricsAddr, a.logger.Slog())
				if err != nil {
					return err
				}
				defer stop()
			}

			r, err := a.openRanger(false)
			if err != nil {
				return err
			}
			defer r.Close()

			opts := a.loaderOptions()
			if cmd.Flags().Changed("rate") {
				opts.Rate = rate
			}
			if cmd.Flags().Changed("continue-on-error") {
				opts.ContinueOnError = continueOnError
			}
			opts.NoHeader = noHeader

			for _, path := range args {
				res, err := loader.LoadFile(ctx, path, r, opts)
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows, %d inserted, %d failed in %s (run %s)\n",
					path, res.Rows, res.Inserted, res.Failed, res.Duration.Round(time.Millisecond), res.RunID)
				if err != nil {
					return err
				}
			}
			if !a.cfg.Schema.SyncWrites {
				return r.Sync()
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&rate, "rate", 0, "max rows per second (0 = unlimited)")
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "skip bad rows instead of stopping")
	cmd.Flags().BoolVar(&noHeader, "no-header", false, "treat the first line as data")
	cmd.Flags().StringVar(&a.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the load")
	return cmd
}

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <csv...>",
		Short: "Load CSV files, then reload each one whenever it changes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			r, err := a.openRanger(false)
			if err != nil {
				return err
			}
			defer r.Close()

			opts := a.loaderOptions()
			opts.ContinueOnError = true
			reload := func(path string) error {
				fileLog := a.logger.With("path", path)
				res, err := loader.LoadFile(ctx, path, r, opts)
				fileLog.Info("file loaded",
					"inserted", res.Inserted,
					"failed", res.Failed,
					"run_id", res.RunID)
				if err != nil {
					return err
				}
				if !a.cfg.Schema.SyncWrites {
					if err := r.Sync(); err != nil {
						return err
					}
					fileLog.Debug("store synced")
				}
				return nil
			}

			for _, path := range args {
				if err := reload(path); err != nil {
					return err
				}
			}
			a.logger.Info("watching for changes", "files", len(args))
			return loader.Watch(ctx, args, reload, loader.WatchOptions{
				Debounce: a.cfg.Loader.WatchDebounce,
				Logger:   a.logger.Slog(),
			})
		},
	}
}

func (a *app) loaderOptions() loader.Options {
	lc := a.cfg.Loader
	opts := loader.Options{
		Rate:            lc.Rate,
		Burst:           lc.Burst,
		ContinueOnError: lc.ContinueOnError,
		Logger:          a.logger.Slog(),
	}
	if lc.Delimiter != "" {
		opts.Comma = []rune(lc.Delimiter)[0]
	}
	return opts
}

// serveMetrics exposes the telemetry /metrics handler on addr until the
// returned stop function runs.
func serveMetrics(addr string, logger *slog.Logger) (func(), error) {
	h := telemetry.MetricsHandler()
	if h == nil {
		return nil, errors.New("prometheus exporter is not active")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
	logger.Info("serving metrics", slog.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

var _ loader.Inserter = (*index.Ranger)(nil)
