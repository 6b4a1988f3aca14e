// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rag

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"
)

// ConnectivityChecker answers "is the API up" questions with a live
// probe instead of retrieval.
type ConnectivityChecker interface {
	Check(ctx context.Context) (reachable bool, detail string)
}

// HTTPConnectivityChecker probes a cheap public endpoint of the
// exchange API. A 401 still proves the service is reachable; only
// transport failures and 5xx count as down.
type HTTPConnectivityChecker struct {
	endpoint  string
	authToken string
	client    *http.Client
}

// NewConnectivityChecker builds a probe against the configured
// endpoint. Defaults come from MUDREX_API_PROBE_URL and
// MUDREX_API_TOKEN.
func NewConnectivityChecker() *HTTPConnectivityChecker {
	endpoint := os.Getenv("MUDREX_API_PROBE_URL")
	if endpoint == "" {
		endpoint = "https://trade.mudrex.com/fapi/v1/futures?limit=1"
	}
	return &HTTPConnectivityChecker{
		endpoint:  endpoint,
		authToken: os.Getenv("MUDREX_API_TOKEN"),
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Check runs the probe.
func (c *HTTPConnectivityChecker) Check(ctx context.Context) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return false, fmt.Sprintf("probe setup failed: %v", err)
	}
	if c.authToken != "" {
		req.Header.Set("X-Authentication", c.authToken)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Sprintf("no response: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusUnauthorized:
		return true, fmt.Sprintf("HTTP %d", resp.StatusCode)
	default:
		return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
}

var _ ConnectivityChecker = (*HTTPConnectivityChecker)(nil)
