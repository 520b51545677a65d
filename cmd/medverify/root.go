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
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/MedVerify/cmd/medverify/config"
	"github.com/AleutianAI/MedVerify/pkg/logging"
	"github.com/AleutianAI/MedVerify/pkg/ux"
	"github.com/AleutianAI/MedVerify/services/orchestrator"
	"github.com/AleutianAI/MedVerify/services/orchestrator/corpus"
	"github.com/AleutianAI/MedVerify/services/orchestrator/embedding"
)

// app holds what every command shares: the loaded configuration, the
// process logger, the printer, and the constructors of the components a
// command needs. Tests replace the constructors.
type app struct {
	configPath string
	outputMode string
	verbose    bool

	stdout io.Writer
	stderr io.Writer

	cfg     config.MedVerifyConfig
	logger  *logging.Logger
	printer *ux.Printer

	newService   func(cfg orchestrator.Config) (orchestrator.Service, error)
	openRegistry func(ctx context.Context, cfg orchestrator.Config) (*corpus.Registry, error)
	newEmbedder  func(cfg orchestrator.Config) (embedding.Embedder, error)
}

func newApp() *app {
	return &app{
		stdout: os.Stdout,
		stderr: os.Stderr,
		newService: func(cfg orchestrator.Config) (orchestrator.Service, error) {
			return orchestrator.New(cfg, nil)
		},
		openRegistry: orchestrator.OpenRegistry,
		newEmbedder:  orchestrator.NewEmbedder,
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "medverify",
		Short: "Verified answers from disease-scoped medical document collections",
		Long: `medverify answers questions from the documents of one disease, checks every
answer against its sources with a second model, and refines the question until
the answer is verified or the attempt budget runs out.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Close()
			}
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default ~/.medverify/medverify.yaml)")
	flags.StringVarP(&a.outputMode, "output", "o", "auto", "output format: auto, rich, plain or json")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "show attempts and reference excerpts")

	root.AddCommand(
		a.serveCommand(),
		a.askCommand(),
		a.corpusCommand(),
		a.ingestCommand(),
		a.versionCommand(),
	)
	return root
}

// setup loads the configuration, installs the logger and picks the output
// mode. It runs before every command.
func (a *app) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return a.fail(err)
	}
	a.cfg = cfg

	logCfg := cfg.Logging
	logCfg.Output = a.stderr
	logger, err := logging.New(logCfg)
	if err != nil {
		return a.fail(err)
	}
	logger.Install()
	a.logger = logger

	var out *os.File
	if f, ok := a.stdout.(*os.File); ok {
		out = f
	}
	mode, err := ux.ParseMode(a.outputMode, out)
	if err != nil {
		return a.fail(err)
	}
	a.printer = ux.NewPrinter(a.stdout, mode)
	return nil
}

// fail prints err through the printer (or stderr before one exists) and
// returns it so cobra exits non-zero.
func (a *app) fail(err error) error {
	if a.printer != nil {
		a.printer.Error(err.Error())
	} else {
		fmt.Fprintf(a.stderr, "ERROR: %v\n", err)
	}
	return err
}

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the medverify version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(a.stdout, version)
			return nil
		},
	}
}
