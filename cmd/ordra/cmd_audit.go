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
	"time"

	"github.com/AleutianAI/ordra/services/ordra/audit"
	"github.com/AleutianAI/ordra/services/ordra/datatypes"
	"github.com/spf13/cobra"
)

func newAuditCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit ledger of the configured store",
	}
	cmd.AddCommand(newAuditListCmd(c), newAuditVerifyCmd(c))
	return cmd
}

func newAuditListCmd(c *cli) *cobra.Command {
	var jobID, from, to string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit records by job or time range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := c.openApp(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			var records []datatypes.AuditRecord
			if jobID != "" {
				records, err = a.Service.AuditHistory(ctx, jobID)
			} else {
				var f, t time.Time
				if f, err = parseFlagTime("from", from); err != nil {
					return err
				}
				if t, err = parseFlagTime("to", to); err != nil {
					return err
				}
				records, err = a.Service.AuditRange(ctx, f, t)
			}
			if err != nil {
				return err
			}

			if c.jsonOut {
				if records == nil {
					records = []datatypes.AuditRecord{}
				}
				return printJSON(cmd.OutOrStdout(), records)
			}
			out := cmd.OutOrStdout()
			for _, r := range records {
				decision := "-"
				if r.Verdict != nil {
					decision = string(r.Verdict.Decision)
				}
				fmt.Fprintf(out, "%6d  %s  %-8s %-16s %-15s %s\n",
					r.Seq, r.RecordedAt.Format(time.RFC3339), r.Trigger, r.JobID, r.Status, decision)
			}
			fmt.Fprintf(out, "%d records\n", len(records))
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "list records of one job")
	cmd.Flags().StringVar(&from, "from", "", "inclusive lower bound (RFC 3339)")
	cmd.Flags().StringVar(&to, "to", "", "exclusive upper bound (RFC 3339)")
	return cmd
}

func newAuditVerifyCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := c.openApp(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Service.VerifyAudit(ctx)
			if err != nil && !errors.Is(err, audit.ErrChainBroken) {
				return err
			}
			if c.jsonOut {
				if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
					return perr
				}
			} else if report.Valid {
				fmt.Fprintf(cmd.OutOrStdout(), "audit chain intact: %d records, head %s\n", report.Records, report.Head)
			}
			if !report.Valid {
				return fmt.Errorf("audit chain broken at seq %d: %s", report.BrokenAt, report.Detail)
			}
			return nil
		},
	}
}

func parseFlagTime(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}
