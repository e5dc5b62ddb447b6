// Copyright (C) 2025 Attico AI (oss@attico.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/attico-ai/scriba/pkg/logging"
	"github.com/attico-ai/scriba/services/consolidator"
	"github.com/attico-ai/scriba/services/consolidator/config"
	"github.com/attico-ai/scriba/services/consolidator/observability"
)

// version is set by the build via -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "scriba",
		Short: "Scriba consolidates live transcription segments into immutable transcripts",
		Long: `Scriba consumes transcription segment events from a partitioned stream,
merges corrections, promotes stable segments to durable storage, and
serves consolidated transcripts over HTTP.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the segment consolidation engine",
		RunE:  runServe,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the scriba version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("scriba", version)
		},
	}
)

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		LogDir:  cfg.LogDir,
		Service: "consolidator",
		JSON:    cfg.LogJSON,
	})
	defer logger.Close()

	metrics := observability.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := consolidator.New(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}

	return svc.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
