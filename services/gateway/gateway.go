// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gopkg.in/yaml.v3"

	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/gateway/enforcement"
)

var gatewayTracer = otel.Tracer("copilot.gateway")

// deniedMutatingMessage is shown for known mutating capabilities. It
// must read as a policy decision, not a technical failure.
const deniedMutatingMessage = "This action changes your account, so it's blocked " +
	"for safety. I can only read public data. Use the Mudrex app to place or " +
	"modify orders."

// deniedUnknownMessage is shown for capabilities absent from the
// policy file.
const deniedUnknownMessage = "I don't have that capability, so the request was " +
	"blocked for safety."

// Caller performs the upstream call for a permitted capability.
// Injected so tests never touch the network.
type Caller func(ctx context.Context, req ToolCallRequest) (any, error)

// Gateway enforces the capability allow-list.
//
// # Thread Safety
//
// Safe for concurrent use. A RWMutex guards the policy table, which
// hot reloads replace wholesale.
type Gateway struct {
	mu     sync.RWMutex
	policy map[string]Capability
	caller Caller
	logger *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New builds a Gateway from the embedded policy. caller may be nil,
// in which case even permitted capabilities answer with a degraded
// message.
//
// A load or validation failure returns an error; the service refuses
// to start rather than run with an empty table, and an empty table
// denies everything.
func New(caller Caller) (*Gateway, error) {
	policy, err := loadPolicy(enforcement.CapabilityPolicy)
	if err != nil {
		return nil, fmt.Errorf("load embedded capability policy: %w", err)
	}
	return &Gateway{
		policy: policy,
		caller: caller,
		logger: slog.With("component", "gateway"),
	}, nil
}

// loadPolicy decodes and validates a policy document into the lookup
// table.
func loadPolicy(raw []byte) (map[string]Capability, error) {
	var file CapabilityPolicyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode capability policy: %w", err)
	}
	if err := file.Validate(); err != nil {
		return nil, fmt.Errorf("validate capability policy: %w", err)
	}
	policy := make(map[string]Capability, len(file.Capabilities))
	for _, c := range file.Capabilities {
		policy[c.Name] = c
	}
	return policy, nil
}

// Call runs a capability request through the policy.
//
// Denials are responses, not errors: the error return is reserved for
// transport failures on permitted calls. No network activity happens
// before the policy decision.
func (g *Gateway) Call(ctx context.Context, req ToolCallRequest) (ToolCallResponse, error) {
	ctx, span := gatewayTracer.Start(ctx, "Gateway.Call")
	defer span.End()
	span.SetAttributes(attribute.String("capability", req.Name))

	g.mu.RLock()
	capability, known := g.policy[req.Name]
	g.mu.RUnlock()

	if !known {
		g.logger.Warn("denied unknown capability", "capability", req.Name)
		span.SetAttributes(attribute.Bool("permitted", false), attribute.String("reason", "unknown"))
		return ToolCallResponse{Permitted: false, Message: deniedUnknownMessage}, nil
	}
	if capability.Access != ReadOnly {
		g.logger.Warn("denied mutating capability", "capability", req.Name)
		span.SetAttributes(attribute.Bool("permitted", false), attribute.String("reason", "mutating"))
		return ToolCallResponse{Permitted: false, Message: deniedMutatingMessage}, nil
	}

	span.SetAttributes(attribute.Bool("permitted", true))
	if g.caller == nil {
		return ToolCallResponse{
			Permitted: true,
			Message:   "The upstream API is not configured right now.",
		}, nil
	}

	result, err := g.caller(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ToolCallResponse{}, fmt.Errorf("capability %s failed: %w", req.Name, err)
	}
	return ToolCallResponse{Permitted: true, Result: result}, nil
}

// Capabilities returns the names the gateway will permit, for the
// tool-listing endpoint.
func (g *Gateway) Capabilities() []Capability {
	g.mu.RLock()
	defer g.mu.RUnlock()
	result := make([]Capability, 0, len(g.policy))
	for _, c := range g.policy {
		if c.Access == ReadOnly {
			result = append(result, c)
		}
	}
	return result
}

// WatchOverride reloads the policy from path whenever the file
// changes. A broken override is logged and the previous table kept.
func (g *Gateway) WatchOverride(path string) error {
	if err := g.reloadFrom(path); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch policy file %s: %w", path, err)
	}
	g.watcher = watcher
	g.done = make(chan struct{})
	go g.watchLoop(path)
	return nil
}

// watchLoop applies file events until Close.
func (g *Gateway) watchLoop(path string) {
	for {
		select {
		case event, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := g.reloadFrom(path); err != nil {
					g.logger.Error("policy reload failed, keeping previous table",
						"path", path, "error", err)
				} else {
					g.logger.Info("capability policy reloaded", "path", path)
				}
			}
		case err, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
			g.logger.Error("policy watcher error", "error", err)
		case <-g.done:
			return
		}
	}
}

// reloadFrom swaps in the policy at path.
func (g *Gateway) reloadFrom(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy override: %w", err)
	}
	policy, err := loadPolicy(raw)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.policy = policy
	g.mu.Unlock()
	return nil
}

// Close stops the override watcher, if any.
func (g *Gateway) Close() error {
	if g.watcher != nil {
		close(g.done)
		return g.watcher.Close()
	}
	return nil
}

// =============================================================================
// Upstream Caller
// =============================================================================

// jsonRPCRequest is the wire shape for upstream capability calls.
type jsonRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int            `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
}

// jsonRPCResponse is the wire shape of the upstream reply.
type jsonRPCResponse struct {
	Result any `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewHTTPCaller returns a Caller that POSTs JSON-RPC tool calls to
// endpoint with the given auth header value and per-call timeout.
func NewHTTPCaller(endpoint, authToken string, timeout time.Duration) Caller {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context, req ToolCallRequest) (any, error) {
		payload, err := json.Marshal(jsonRPCRequest{
			JSONRPC: "2.0",
			ID:      1,
			Method:  "tools/call",
			Params: map[string]any{
				"name":      req.Name,
				"arguments": req.Args,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("encode tool call: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("build tool call request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if authToken != "" {
			httpReq.Header.Set("X-Authentication", authToken)
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("tool call transport: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("read tool call response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("tool call returned status %d", resp.StatusCode)
		}

		var rpcResp jsonRPCResponse
		if err := json.Unmarshal(body, &rpcResp); err != nil {
			return nil, fmt.Errorf("decode tool call response: %w", err)
		}
		if rpcResp.Error != nil {
			return nil, fmt.Errorf("tool call error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
		}
		return rpcResp.Result, nil
	}
}
