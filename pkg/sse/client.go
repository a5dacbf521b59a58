// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sse

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/imroc/req/v3"

	"github.com/healthassist/streamsearch/pkg/logging"
)

// DefaultValidStatusCodes are the upstream statuses treated as success.
var DefaultValidStatusCodes = []int{http.StatusOK, http.StatusMovedPermanently, http.StatusTemporaryRedirect}

// ClientConfig configures an upstream SSE Client.
type ClientConfig struct {
	// Timeout bounds the whole stream, including body reads. Default: 5m
	Timeout time.Duration

	// ValidStatusCodes is the status whitelist. Default: 200, 301, 307
	ValidStatusCodes []int

	// ExitEvents are frame `event:` values after which the body is closed.
	ExitEvents []string

	// Headers are sent on every request.
	Headers map[string]string
}

// Client opens upstream SSE streams with a single attempt per request.
//
// Thread Safety:
//
//	Safe for concurrent use; each Stream call owns its response body.
type Client struct {
	http   *req.Client
	reader *Reader
	valid  map[int]struct{}
	logger *logging.Logger
}

// NewClient creates a Client.
//
// Parameters:
//   - cfg: Client configuration. Zero values take defaults.
//   - logger: nil uses logging.Default().
func NewClient(cfg ClientConfig, logger *logging.Logger) *Client {
	logger = logging.OrDefault(logger)
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	codes := cfg.ValidStatusCodes
	if len(codes) == 0 {
		codes = DefaultValidStatusCodes
	}

	hc := req.C().
		SetTimeout(cfg.Timeout).
		SetJsonMarshal(json.Marshal).
		SetJsonUnmarshal(json.Unmarshal).
		SetCommonHeader("Accept", "text/event-stream").
		SetCommonHeader("Cache-Control", "no-cache")
	for k, v := range cfg.Headers {
		hc.SetCommonHeader(k, v)
	}

	c := &Client{
		http:   hc,
		reader: NewReader(logger, cfg.ExitEvents...),
		valid:  make(map[int]struct{}, len(codes)),
		logger: logger,
	}
	for _, code := range codes {
		c.valid[code] = struct{}{}
	}
	return c
}

// Stream POSTs body as JSON to url and feeds the response to fn.
//
// Returns:
//   - *TransportError when the request fails or the status is not
//     whitelisted; fn has not been called in that case
//   - nil on EOF, exit event, or ErrStop from fn
//   - otherwise the error from the reader or fn
func (c *Client) Stream(ctx context.Context, url string, body any, fn EventFunc) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		DisableAutoReadResponse().
		Post(url)
	if err != nil {
		return &TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if _, ok := c.valid[resp.StatusCode]; !ok {
		c.logger.Error("upstream returned unexpected status", "url", url, "status", resp.StatusCode)
		return &TransportError{URL: url, StatusCode: resp.StatusCode}
	}

	err = c.reader.Read(ctx, resp.Body, fn)
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}
