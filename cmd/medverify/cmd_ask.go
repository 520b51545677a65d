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
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/MedVerify/services/orchestrator/agentic"
	"github.com/AleutianAI/MedVerify/services/orchestrator/datatypes"
	"github.com/AleutianAI/MedVerify/services/policy_engine"
)

func (a *app) askCommand() *cobra.Command {
	var disease string
	var noVerify bool
	var maxAttempts int

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question from one disease's documents",
		Long: `Runs the retrieve, generate and verify loop in-process against the configured
storage. The question is screened for patient identifiers first and rejected
if any are found. Without --no-verify, the answer is refined until it is
verified or --max-attempts is used up; the best attempt is returned either way.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("max-attempts") {
				maxAttempts = a.cfg.Loop.MaxAttempts
			}
			useVerification := !noVerify
			req := datatypes.QueryRequest{
				Disease:         disease,
				Query:           strings.Join(args, " "),
				UseVerification: &useVerification,
				MaxAttempts:     &maxAttempts,
			}
			req.EnsureDefaults()
			if err := req.Validate(); err != nil {
				return a.fail(err)
			}

			screen, err := policy_engine.NewPolicyEngine()
			if err != nil {
				return a.fail(err)
			}
			if err := screen.Screen(req.Query); err != nil {
				return a.fail(err)
			}

			svc, err := a.newService(a.cfg.Orchestrator(version))
			if err != nil {
				return a.fail(err)
			}
			defer svc.Close()

			ctx, cancel := withCancel(cmd.Context())
			defer cancel()

			spin := a.printer.Spinner("Answering and verifying")
			if noVerify {
				spin = a.printer.Spinner("Answering")
			}
			spin.Start()
			result, err := svc.Loop().Run(ctx, agentic.Request{
				CorpusID:        req.Disease,
				Query:           req.Query,
				UseVerification: *req.UseVerification,
				MaxAttempts:     *req.MaxAttempts,
			})
			spin.Stop()
			if err != nil {
				return a.fail(err)
			}
			return a.printer.Result(result, a.verbose)
		},
	}
	cmd.Flags().StringVarP(&disease, "disease", "d", "", "disease corpus to answer from (required)")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "single unverified pass")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt budget (default loop.max_attempts)")
	_ = cmd.MarkFlagRequired("disease")
	return cmd
}
