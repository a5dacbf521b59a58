// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import "time"

// Config is the full service configuration.
//
// Values come from, in increasing precedence: Default(), the YAML file,
// STREAMSEARCH_* environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Recommend RecommendConfig `yaml:"recommend"`
	Mongo     MongoConfig     `yaml:"mongo"`
	Badger    BadgerConfig    `yaml:"badger"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Search    SearchConfig    `yaml:"search"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" env:"STREAMSEARCH_PORT"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"STREAMSEARCH_HEARTBEAT_INTERVAL"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"STREAMSEARCH_SHUTDOWN_TIMEOUT"`
}

// UpstreamConfig locates the algorithm service that streams answers.
type UpstreamConfig struct {
	BaseURL     string        `yaml:"base_url" env:"STREAMSEARCH_UPSTREAM_URL"`
	RAGPath     string        `yaml:"rag_path" env:"STREAMSEARCH_UPSTREAM_RAG_PATH"`
	InquiryPath string        `yaml:"inquiry_path" env:"STREAMSEARCH_UPSTREAM_INQUIRY_PATH"`
	Timeout     time.Duration `yaml:"timeout" env:"STREAMSEARCH_UPSTREAM_TIMEOUT"`
}

// RecommendConfig locates the question recommendation API.
type RecommendConfig struct {
	URL     string        `yaml:"url" env:"STREAMSEARCH_RECOMMEND_URL"`
	Timeout time.Duration `yaml:"timeout" env:"STREAMSEARCH_RECOMMEND_TIMEOUT"`
	TopK    int           `yaml:"top_k" env:"STREAMSEARCH_RECOMMEND_TOP_K"`
}

// MongoConfig selects the Mongo store. An empty URI selects Badger.
type MongoConfig struct {
	URI      string `yaml:"uri" env:"STREAMSEARCH_MONGO_URI"`
	Database string `yaml:"database" env:"STREAMSEARCH_MONGO_DATABASE"`
}

type BadgerConfig struct {
	Path     string `yaml:"path" env:"STREAMSEARCH_BADGER_PATH"`
	InMemory bool   `yaml:"in_memory" env:"STREAMSEARCH_BADGER_IN_MEMORY"`
}

// RedisConfig enables message locks and notifications. An empty Addr
// disables both.
type RedisConfig struct {
	Addr         string        `yaml:"addr" env:"STREAMSEARCH_REDIS_ADDR"`
	Password     string        `yaml:"password" env:"STREAMSEARCH_REDIS_PASSWORD"`
	DB           int           `yaml:"db" env:"STREAMSEARCH_REDIS_DB"`
	Stream       string        `yaml:"stream" env:"STREAMSEARCH_REDIS_STREAM"`
	StreamMaxLen int64         `yaml:"stream_max_len" env:"STREAMSEARCH_REDIS_STREAM_MAX_LEN"`
	LockTTL      time.Duration `yaml:"lock_ttl" env:"STREAMSEARCH_REDIS_LOCK_TTL"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"STREAMSEARCH_LOG_LEVEL"`
	Dir   string `yaml:"dir" env:"STREAMSEARCH_LOG_DIR"`
	JSON  bool   `yaml:"json" env:"STREAMSEARCH_LOG_JSON"`
}

// TracingConfig configures the OTLP gRPC exporter.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" env:"STREAMSEARCH_TRACING_ENABLED"`
	Endpoint    string `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
}

type MetricsConfig struct {
	Port int    `yaml:"port" env:"STREAMSEARCH_METRICS_PORT"`
	Path string `yaml:"path" env:"STREAMSEARCH_METRICS_PATH"`
}

// SearchConfig holds request handling knobs.
type SearchConfig struct {
	// PrivateIndex replaces the index of private sources.
	PrivateIndex string `yaml:"private_index" env:"STREAMSEARCH_PRIVATE_INDEX"`

	// FlushTimeout bounds storing the final record after a stream ends.
	FlushTimeout time.Duration `yaml:"flush_timeout" env:"STREAMSEARCH_FLUSH_TIMEOUT"`

	// HistoryLimit is how many previous messages feed the model query.
	HistoryLimit int `yaml:"history_limit" env:"STREAMSEARCH_HISTORY_LIMIT"`

	// RequireUser rejects stream requests that carry no user header.
	RequireUser bool `yaml:"require_user" env:"STREAMSEARCH_REQUIRE_USER"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:              12210,
			HeartbeatInterval: 15 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Upstream: UpstreamConfig{
			BaseURL:     "http://localhost:8080",
			RAGPath:     "/assistant/rag_chat",
			InquiryPath: "/assistant/inquiry_chat",
			Timeout:     5 * time.Minute,
		},
		Recommend: RecommendConfig{
			URL:     "http://localhost:8080/assistant/batch-question-recommend",
			Timeout: time.Minute,
			TopK:    3,
		},
		Mongo: MongoConfig{Database: "healthassist"},
		Badger: BadgerConfig{
			Path: "./data/streamsearch",
		},
		Redis: RedisConfig{
			Stream:       "streamsearch:messages",
			StreamMaxLen: 100000,
			LockTTL:      5 * time.Minute,
		},
		Log: LogConfig{Level: "info"},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "streamsearch",
		},
		Metrics: MetricsConfig{Port: 9464, Path: "/metrics"},
		Search: SearchConfig{
			PrivateIndex: "private",
			FlushTimeout: 30 * time.Second,
			HistoryLimit: 100,
		},
	}
}
