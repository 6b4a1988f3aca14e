// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/spf13/cobra"
)

func runHealthCommand(cmd *cobra.Command, args []string) {
	client := newAPIClient()
	health, err := client.Health()
	if err != nil {
		log.Fatalf("Health check failed: %v", err)
	}

	if outputJSON {
		raw, _ := json.MarshalIndent(health, "", "  ")
		fmt.Println(string(raw))
		return
	}

	fmt.Printf("Status: %v\n", health["status"])
	if evidence, ok := health["evidence"].(map[string]any); ok {
		fmt.Printf("Evidence chunks: %v (generation %v)\n", evidence["chunks"], evidence["generation"])
	}
	if cache, ok := health["cache"].(map[string]any); ok {
		fmt.Printf("Cache entries: exact %v, semantic %v\n", cache["exact"], cache["semantic"])
	}
}
