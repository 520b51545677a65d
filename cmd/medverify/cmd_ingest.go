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
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/MedVerify/services/orchestrator/corpus"
	"github.com/AleutianAI/MedVerify/services/orchestrator/ingest"
)

func (a *app) ingestCommand() *cobra.Command {
	var disease string

	cmd := &cobra.Command{
		Use:   "ingest [file or directory]...",
		Short: "Split, embed and store documents in a disease corpus",
		Long: `Ingests .txt, .md and .json files into the corpus of --disease, creating the
corpus when needed. Directories are walked recursively; files with other
extensions inside them are skipped, while an unsupported file named
explicitly is an error. Every path is attempted, and the command fails if
any of them failed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := collectFiles(args)
			if err != nil {
				return a.fail(err)
			}
			if len(files) == 0 {
				return a.fail(errors.New("no .txt, .md or .json files found"))
			}

			cfg := a.cfg.Orchestrator(version)
			embedder, err := a.newEmbedder(cfg)
			if err != nil {
				return a.fail(err)
			}

			return a.withRegistry(cmd.Context(), func(ctx context.Context, reg *corpus.Registry) error {
				ingester := ingest.NewIngester(reg, embedder, ingest.Config{
					ChunkSize:    cfg.ChunkSize,
					ChunkOverlap: cfg.ChunkOverlap,
					BatchSize:    cfg.EmbedBatchSize,
					Concurrency:  cfg.EmbedConcurrency,
				}, nil)

				var failed []error
				for _, path := range files {
					res, err := ingester.IngestFile(ctx, disease, path)
					if err != nil {
						if ctx.Err() != nil {
							return ctx.Err()
						}
						a.printer.Warning(fmt.Sprintf("%s: %v", path, err))
						failed = append(failed, fmt.Errorf("%s: %w", path, err))
						continue
					}
					if err := a.printer.Ingested(res); err != nil {
						return err
					}
				}
				if len(failed) > 0 {
					return fmt.Errorf("%d of %d files failed: %w", len(failed), len(files), errors.Join(failed...))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&disease, "disease", "d", "", "disease corpus to ingest into (required)")
	_ = cmd.MarkFlagRequired("disease")
	return cmd
}

// collectFiles expands directories into their supported files, keeping
// explicitly named files as given.
func collectFiles(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && ingest.SupportedExtension(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", p, err)
		}
	}
	return files, nil
}
