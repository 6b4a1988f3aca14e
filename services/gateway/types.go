// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gateway mediates every external capability call behind a
// fail-closed allow-list. A capability not on the list is denied
// locally; no network traffic happens for a denied call.
package gateway

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Access classifies what a capability does to the upstream system.
type Access string

const (
	// ReadOnly capabilities fetch public data and are callable.
	ReadOnly Access = "read_only"

	// Mutating capabilities change account state and are always denied
	// by this service.
	Mutating Access = "mutating"
)

// UnmarshalYAML validates the access value at load time so a typo in
// the policy file fails startup instead of silently allowing a call.
func (a *Access) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	incoming := Access(s)
	switch incoming {
	case ReadOnly, Mutating:
		*a = incoming
		return nil
	default:
		return fmt.Errorf("invalid value for access: %q", incoming)
	}
}

// Capability is one entry of the policy file.
type Capability struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Access      Access `yaml:"access" json:"access"`
}

// CapabilityPolicyFile is the root of the policy YAML.
type CapabilityPolicyFile struct {
	Capabilities []Capability `yaml:"capabilities"`
}

// Validate checks the decoded policy for duplicate or empty names.
func (f *CapabilityPolicyFile) Validate() error {
	seen := make(map[string]bool, len(f.Capabilities))
	for _, c := range f.Capabilities {
		if c.Name == "" {
			return fmt.Errorf("capability with empty name")
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate capability %q", c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}

// ToolCallRequest is a request to invoke a named capability.
type ToolCallRequest struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolCallResponse is the outcome of a capability call. Permitted is
// false for policy denials; a denial carries a user-facing Message
// and is not an error.
type ToolCallResponse struct {
	Permitted bool   `json:"permitted"`
	Result    any    `json:"result,omitempty"`
	Message   string `json:"message,omitempty"`
}
