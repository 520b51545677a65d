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
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/MedVerify/pkg/ux"
	"github.com/AleutianAI/MedVerify/services/orchestrator/corpus"
	"github.com/AleutianAI/MedVerify/services/orchestrator/datatypes"
)

func (a *app) corpusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "corpus",
		Aliases: []string{"disease"},
		Short:   "Manage disease corpora",
		Long: `Create, list, inspect and delete disease corpora in the configured storage.
Names are sanitized ("Type 2 Diabetes" is stored as type_2_diabetes) and every
command accepts either spelling.`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "create [name]",
			Short: "Create a corpus (no-op when it exists)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withRegistry(cmd.Context(), func(ctx context.Context, reg *corpus.Registry) error {
					req := datatypes.CreateCorpusRequest{Name: args[0]}
					if err := req.Validate(); err != nil {
						return err
					}
					info, err := reg.Create(ctx, req.Name)
					if err != nil {
						return err
					}
					if a.printer.Mode() == ux.ModeJSON {
						return a.printer.JSON(info)
					}
					a.printer.Success(fmt.Sprintf("corpus %s ready", info.Name))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:     "list",
			Aliases: []string{"ls"},
			Short:   "List corpora with document and chunk counts",
			Args:    cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withRegistry(cmd.Context(), func(ctx context.Context, reg *corpus.Registry) error {
					corpora, err := reg.List(ctx)
					if err != nil {
						return err
					}
					return a.printer.Corpora(corpora)
				})
			},
		},
		&cobra.Command{
			Use:   "docs [name]",
			Short: "List the documents of a corpus",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withRegistry(cmd.Context(), func(ctx context.Context, reg *corpus.Registry) error {
					store, err := reg.Get(args[0])
					if err != nil {
						return err
					}
					docs, err := store.Documents(ctx)
					if err != nil {
						return err
					}
					return a.printer.Documents(corpus.SanitizeName(args[0]), docs)
				})
			},
		},
		&cobra.Command{
			Use:     "delete [name]",
			Aliases: []string{"rm"},
			Short:   "Delete a corpus and all of its chunks",
			Args:    cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withRegistry(cmd.Context(), func(ctx context.Context, reg *corpus.Registry) error {
					if err := reg.Delete(ctx, args[0]); err != nil {
						return err
					}
					a.printer.Success(fmt.Sprintf("corpus %s deleted", corpus.SanitizeName(args[0])))
					return nil
				})
			},
		},
	)
	return cmd
}

// withRegistry opens the configured storage for the duration of fn.
func (a *app) withRegistry(parent context.Context, fn func(ctx context.Context, reg *corpus.Registry) error) error {
	ctx, cancel := withCancel(parent)
	defer cancel()

	reg, err := a.openRegistry(ctx, a.cfg.Orchestrator(version))
	if err != nil {
		return a.fail(err)
	}
	defer func() {
		if err := reg.Close(); err != nil {
			slog.Error("Closing storage failed", "error", err)
		}
	}()

	if err := fn(ctx, reg); err != nil {
		return a.fail(err)
	}
	return nil
}
