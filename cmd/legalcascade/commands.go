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
	"github.com/spf13/cobra"
)

var (
	serverURL   string
	configPath  string
	logLevel    string
	logFormat   string
	logDir      string
	jobSession  string
	plainOutput bool

	rootCmd = &cobra.Command{
		Use:   "legalcascade",
		Short: "Legal register with session scraping and legislative cascades.",
		Long: `legalcascade runs the register service and talks to a running one.

The register stages scraped legislation in sessions, persists selected
instruments, tracks the enacting links between them and re-parses every
law affected when an instrument changes.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the register HTTP service",
		Long: `Starts the register service. Configuration comes from the YAML file
given by --config (optional) and LEGALCASCADE_* environment variables,
which take precedence.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	affectedCmd = &cobra.Command{
		Use:   "affected [instrument]",
		Short: "List the laws affected by a change to an instrument",
		Args:  cobra.ExactArgs(1),
		RunE:  runAffected,
	}

	jobsCmd = &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage cascade jobs",
	}

	jobsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List cascade jobs",
		Args:  cobra.NoArgs,
		RunE:  runJobsList,
	}

	jobsDeleteCmd = &cobra.Command{
		Use:   "delete [job-id]",
		Short: "Delete a finished job or cancel an active one",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobsDelete,
	}

	clearProcessedCmd = &cobra.Command{
		Use:   "clear-processed",
		Short: "Remove every finished cascade job",
		Args:  cobra.NoArgs,
		RunE:  runClearProcessed,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run:   runVersion,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:12300",
		"Base URL of a running register service")
	rootCmd.PersistentFlags().BoolVar(&plainOutput, "plain", false,
		"Disable colors and styling (also set by NO_COLOR or a non-terminal stdout)")

	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML configuration file")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	serveCmd.Flags().StringVar(&logFormat, "log-format", "", "Log format: auto, text, json (overrides config)")
	serveCmd.Flags().StringVar(&logDir, "log-dir", "", "Directory for JSON log files (overrides config)")

	jobsListCmd.Flags().StringVar(&jobSession, "session", "", "Only list jobs of this session")
	jobsCmd.AddCommand(jobsListCmd, jobsDeleteCmd)

	rootCmd.AddCommand(serveCmd, affectedCmd, jobsCmd, clearProcessedCmd, versionCmd)
}
