// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the streamsearch configuration.
package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v6"
	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/healthassist/streamsearch/pkg/logging"
)

// Load reads the YAML file at path over Default(), overlays the
// environment and validates the result.
//
// An empty path skips the file. A missing file is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to read the environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var result *multierror.Error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.HeartbeatInterval <= 0 {
		result = multierror.Append(result, errors.New("server.heartbeat_interval must be positive"))
	}
	if err := checkURL("upstream.base_url", c.Upstream.BaseURL); err != nil {
		result = multierror.Append(result, err)
	}
	for name, p := range map[string]string{"upstream.rag_path": c.Upstream.RAGPath, "upstream.inquiry_path": c.Upstream.InquiryPath} {
		if !strings.HasPrefix(p, "/") {
			result = multierror.Append(result, fmt.Errorf("%s %q must start with /", name, p))
		}
	}
	if err := checkURL("recommend.url", c.Recommend.URL); err != nil {
		result = multierror.Append(result, err)
	}
	if c.Mongo.URI != "" && c.Mongo.Database == "" {
		result = multierror.Append(result, errors.New("mongo.database is required with mongo.uri"))
	}
	if c.Mongo.URI == "" && !c.Badger.InMemory && c.Badger.Path == "" {
		result = multierror.Append(result, errors.New("badger.path is required without mongo.uri"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		result = multierror.Append(result, fmt.Errorf("log.level: %w", err))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		result = multierror.Append(result, errors.New("tracing.endpoint is required when tracing is enabled"))
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("metrics.port %d out of range", c.Metrics.Port))
	}
	if c.Metrics.Port != 0 && c.Metrics.Port == c.Server.Port {
		result = multierror.Append(result, errors.New("metrics.port must differ from server.port"))
	}
	if c.Search.HistoryLimit <= 0 {
		result = multierror.Append(result, errors.New("search.history_limit must be positive"))
	}

	return result.ErrorOrNil()
}

// UpstreamURL returns the streaming endpoint for a storage domain.
func (c Config) UpstreamURL(inquiry bool) string {
	p := c.Upstream.RAGPath
	if inquiry {
		p = c.Upstream.InquiryPath
	}
	return strings.TrimRight(c.Upstream.BaseURL, "/") + p
}

func checkURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s %q is not an absolute URL", name, raw)
	}
	return nil
}

// Watch calls fn with the reloaded configuration each time the file at path
// is written, until ctx is done.
//
// The parent directory is watched so editors that replace the file on save
// are followed. A file that fails to load is logged and skipped; fn only
// ever sees valid configurations.
func Watch(ctx context.Context, path string, logger *logging.Logger, fn func(Config)) error {
	logger = logging.OrDefault(logger)
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs || !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(abs)
				if err != nil {
					logger.Warn("ignoring invalid config change", "path", abs, "error", err)
					continue
				}
				logger.Info("config reloaded", "path", abs)
				fn(cfg)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)

			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
