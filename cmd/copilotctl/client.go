// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/gateway"
	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/orchestrator/datatypes"
	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/rag"
)

// Constants for default connection settings
const (
	DefaultOrchestratorPort = 12210
	DefaultOrchestratorHost = "localhost"
)

// getOrchestratorBaseURL returns the standard address for the orchestrator.
func getOrchestratorBaseURL() string {
	// 1. Priority: Environment Variable (Used by Tests & Docker overrides)
	if url := os.Getenv("COPILOT_ORCHESTRATOR_URL"); url != "" {
		return url
	}
	// 2. Default: Standard Host/Port
	return fmt.Sprintf("http://%s:%d", DefaultOrchestratorHost, DefaultOrchestratorPort)
}

// apiClient is a thin HTTP client for the orchestrator's admin API.
type apiClient struct {
	baseURL    string
	adminToken string
	http       *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{
		baseURL:    getOrchestratorBaseURL(),
		adminToken: os.Getenv("COPILOT_ADMIN_TOKEN"),
		http:       &http.Client{Timeout: 60 * time.Second},
	}
}

// do sends a request and decodes the JSON body into out. Non-2xx
// statuses surface the server's error message.
func (c *apiClient) do(method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call orchestrator at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server error (status %d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server error (status %d): %s", resp.StatusCode, string(raw))
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

func (c *apiClient) Answer(req datatypes.AnswerRequest) (datatypes.AnswerResponse, error) {
	var resp datatypes.AnswerResponse
	err := c.do(http.MethodPost, "/v1/answer", req, &resp)
	return resp, err
}

func (c *apiClient) RebuildIndex(chunks []datatypes.ChunkInput) (int, error) {
	var resp struct {
		Chunks int `json:"chunks"`
	}
	err := c.do(http.MethodPost, "/v1/index/rebuild", datatypes.RebuildRequest{Chunks: chunks}, &resp)
	return resp.Chunks, err
}

func (c *apiClient) LearnText(source, text string) (int, error) {
	var resp struct {
		Chunks int `json:"chunks"`
	}
	err := c.do(http.MethodPost, "/v1/index/learn", datatypes.LearnRequest{Source: source, Text: text}, &resp)
	return resp.Chunks, err
}

func (c *apiClient) ListFacts() ([]rag.Fact, error) {
	var resp struct {
		Facts []rag.Fact `json:"facts"`
	}
	err := c.do(http.MethodGet, "/v1/facts", nil, &resp)
	return resp.Facts, err
}

func (c *apiClient) SetFact(key, value string, strict bool) error {
	return c.do(http.MethodPut, "/v1/facts",
		datatypes.FactRequest{Key: key, Value: value, Strict: strict}, nil)
}

func (c *apiClient) GetFact(key string) (rag.Fact, error) {
	var fact rag.Fact
	err := c.do(http.MethodGet, "/v1/facts/"+key, nil, &fact)
	return fact, err
}

func (c *apiClient) DeleteFact(key string) error {
	return c.do(http.MethodDelete, "/v1/facts/"+key, nil, nil)
}

func (c *apiClient) ListTools() ([]gateway.Capability, error) {
	var resp struct {
		Capabilities []gateway.Capability `json:"capabilities"`
	}
	err := c.do(http.MethodGet, "/v1/tools", nil, &resp)
	return resp.Capabilities, err
}

func (c *apiClient) CallTool(name string, args map[string]any) (gateway.ToolCallResponse, error) {
	var resp gateway.ToolCallResponse
	err := c.do(http.MethodPost, "/v1/tools/call",
		datatypes.ToolCallBody{Name: name, Args: args}, &resp)
	return resp, err
}

func (c *apiClient) Health() (map[string]any, error) {
	var resp map[string]any
	err := c.do(http.MethodGet, "/health", nil, &resp)
	return resp, err
}
