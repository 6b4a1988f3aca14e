// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
This file bridges the build system and the runtime logic. It uses the Go
embed package to bake the capability_policy.yaml file directly into the
compiled binary, so the capability rules are immutable at runtime and
travel with the executable.
*/

package enforcement

import (
	_ "embed"
)

// CapabilityPolicy holds the raw byte content of capability_policy.yaml.
//
// Populated at compile-time via the Go 'embed' directive. Baking the
// YAML into the binary means the allow-list cannot be tampered with on
// the host filesystem without recompiling the application.
//
// Usage:
//
//	err := yaml.Unmarshal(enforcement.CapabilityPolicy, &targetStruct)
//
//go:embed capability_policy.yaml
var CapabilityPolicy []byte
