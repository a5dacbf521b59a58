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
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/healthassist/streamsearch/pkg/logging"
	"github.com/healthassist/streamsearch/services/streamsearch"
	"github.com/healthassist/streamsearch/services/streamsearch/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	rootCmd = &cobra.Command{
		Use:           "streamsearch",
		Short:         "Streaming search answer service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Streams search answers from the upstream algorithm service to clients
as Server-Sent Events and stores the final answer of every message.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "streamsearch", version)
		},
	}

	configPath string
	portFlag   int
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file")
	serveCmd.Flags().IntVarP(&portFlag, "port", "p", 0, "HTTP port, overrides the config")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(configPath, portFlag)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if configPath != "" {
		if err := config.Watch(ctx, configPath, logger, func(c config.Config) {
			level, err := logging.ParseLevel(c.Log.Level)
			if err != nil {
				return
			}
			if level != logger.Level() {
				logger.Info("log level changed", "from", logger.Level().String(), "to", level.String())
				logger.SetLevel(level)
			}
		}); err != nil {
			logger.Warn("config hot reload disabled", "error", err)
		}
	}

	logger.Info("Starting streamsearch",
		"version", version,
		"port", cfg.Server.Port,
		"upstream", cfg.Upstream.BaseURL,
		"mongo", cfg.Mongo.URI != "",
		"redis", cfg.Redis.Addr != "",
	)

	svc, err := streamsearch.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	return svc.Run(ctx)
}

// loadConfig loads the configuration and applies the command line
// overrides.
func loadConfig(path string, port int) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if port != 0 {
		cfg.Server.Port = port
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: "streamsearch",
		JSON:    cfg.Log.JSON,
	})
}
