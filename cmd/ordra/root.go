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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/AleutianAI/ordra/pkg/logging"
	"github.com/AleutianAI/ordra/services/ordra/app"
	"github.com/AleutianAI/ordra/services/ordra/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// cli holds state shared by every subcommand.
type cli struct {
	configPath string
	logLevel   string
	jsonOut    bool

	cfg    config.Config
	logger *logging.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "ordra",
		Short: "Order-intake pipeline engine",
		Long: `ordra runs inbound purchase orders through a DAG of extraction,
master-data and ERP check stages, gates the result into one of
AUTO_POST, CS_REVIEW, ASK_CUSTOMER or HOLD, and keeps an append-only
audit trail of every run and human override.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if c.logger != nil {
				return c.logger.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file (YAML)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "print machine-readable JSON")

	root.AddCommand(
		newServeCmd(c),
		newValidateCmd(c),
		newRunCmd(c),
		newAuditCmd(c),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "ordra",
		JSON:    cfg.Logging.JSON,
		Output:  cmd.ErrOrStderr(),
	})
	slog.SetDefault(c.logger.Slog())
	return nil
}

// openApp builds an App with an isolated metrics registry, for commands
// that do not serve /metrics.
func (c *cli) openApp(ctx context.Context, cfg config.Config) (*app.App, error) {
	return app.New(ctx, cfg,
		app.WithLogger(c.logger.Slog()),
		app.WithRegisterer(prometheus.NewRegistry()),
	)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
