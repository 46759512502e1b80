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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/ipranger/services/ranger/loader"
	"github.com/AleutianAI/ipranger/services/ranger/matcher"
)

func (a *app) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <csv...>",
		Short: "Check the store against the expectations in CSV files",
		Long: `Opens the store the way a matching engine does and checks every row
(unsigned end address, identity, range, mask) against it.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine := matcher.NewStoreEngine(a.cfg.Schema, a.logger.Slog())
			h, err := matcher.New(engine)
			if err != nil {
				return err
			}
			defer h.Close()
			if err := h.Init(a.cfg.Store.Path, true); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			bad := 0
			for _, path := range args {
				res, err := loader.VerifyFile(cmd.Context(), path, engine.Ranger(), a.loaderOptions())
				if err != nil {
					return err
				}
				for _, m := range res.Mismatches {
					fmt.Fprintf(out, "%s:%d %s: %s\n", path, m.Line, m.Range, m.Reason)
				}
				fmt.Fprintf(out, "%s: %d rows, %d mismatches\n", path, res.Rows, len(res.Mismatches))
				bad += len(res.Mismatches)
			}
			if bad > 0 {
				return fmt.Errorf("%d mismatches", bad)
			}
			return nil
		},
	}
}
