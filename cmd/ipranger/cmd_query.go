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
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/ipranger/services/ranger/cidr"
	"github.com/AleutianAI/ipranger/services/ranger/index"
)

// parseFamilies maps "all" (or "") to both families.
func parseFamilies(s string) ([]cidr.Family, error) {
	if s == "" || strings.EqualFold(s, "all") {
		return cidr.Families[:], nil
	}
	f, err := cidr.ParseFamily(s)
	if err != nil {
		return nil, err
	}
	return []cidr.Family{f}, nil
}

func (a *app) dumpCmd() *cobra.Command {
	var family string
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print every entry of the range index tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			families, err := parseFamilies(family)
			if err != nil {
				return err
			}
			r, err := a.openRanger(true)
			if err != nil {
				return err
			}
			defer r.Close()

			out := cmd.OutOrStdout()
			for _, f := range families {
				err := r.Dump(cmd.Context(), f, func(e index.Entry) error {
					_, err := fmt.Fprintf(out, "%s\t%s\t%s\n", e.Table, e.Key, e.Value)
					return err
				})
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&family, "family", "all", "ipv4, ipv6 or all")
	return cmd
}

func (a *app) lookupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <ip/cidr>",
		Short: "Print the identity indexed for a range",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.openRanger(true)
			if err != nil {
				return err
			}
			defer r.Close()

			id, err := r.IdentityOf(cmd.Context(), args[0])
			if errors.Is(err, index.ErrNotFound) {
				return fmt.Errorf("no identity for %s", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func (a *app) identityCmd() *cobra.Command {
	var family string
	cmd := &cobra.Command{
		Use:   "identity <label>",
		Short: "Print the range end addresses recorded for an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			families, err := parseFamilies(family)
			if err != nil {
				return err
			}
			r, err := a.openRanger(true)
			if err != nil {
				return err
			}
			defer r.Close()

			out := cmd.OutOrStdout()
			for _, f := range families {
				addrs, err := r.RangesOf(cmd.Context(), f, args[0])
				if err != nil {
					return err
				}
				for _, addr := range addrs {
					fmt.Fprintln(out, addr)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&family, "family", "all", "ipv4, ipv6 or all")
	return cmd
}

func (a *app) datafileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "datafile",
		Short: "Print the location of the store's data file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.openRanger(true)
			if err != nil {
				return err
			}
			defer r.Close()
			fmt.Fprintln(cmd.OutOrStdout(), r.DataFile())
			return nil
		},
	}
}

func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print entry counts per table and bytes used",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.openRanger(true)
			if err != nil {
				return err
			}
			defer r.Close()

			stats, err := r.Schema().Stats(cmd.Context())
			if err != nil {
				return err
			}
			used, err := r.Schema().Env().UsedBytes(cmd.Context())
			if err != nil {
				return err
			}

			names := make([]string, 0, len(stats))
			for n := range stats {
				names = append(names, n)
			}
			sort.Strings(names)

			out := cmd.OutOrStdout()
			for _, n := range names {
				fmt.Fprintf(out, "%s\t%d\n", n, stats[n])
			}
			fmt.Fprintf(out, "used_bytes\t%d of %d\n", used, a.cfg.Schema.MaxEnvSize)
			return nil
		},
	}
}
