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
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func (a *app) serveCommand() *cobra.Command {
	var port int
	var watchDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Long: `Starts the HTTP API on the configured port. SIGINT or SIGTERM shuts it down
gracefully. With --watch-dir (or ingest.watch_dir), files dropped into
<dir>/<disease>/ are ingested into that disease's corpus.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg.Orchestrator(version)
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if watchDir != "" {
				cfg.WatchDir = watchDir
			}

			svc, err := a.newService(cfg)
			if err != nil {
				return a.fail(err)
			}
			defer func() {
				if err := svc.Close(); err != nil {
					slog.Error("Shutdown failed", "error", err)
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
				return a.fail(err)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (overrides server.port)")
	cmd.Flags().StringVar(&watchDir, "watch-dir", "", "watch <dir>/<disease>/ for new documents")
	return cmd
}

// withCancel returns a context cancelled by SIGINT, for one-shot commands.
func withCancel(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt)
}
