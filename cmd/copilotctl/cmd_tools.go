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

func runListTools(cmd *cobra.Command, args []string) {
	client := newAPIClient()
	capabilities, err := client.ListTools()
	if err != nil {
		log.Fatalf("Failed to list tools: %v", err)
	}

	if outputJSON {
		raw, _ := json.MarshalIndent(capabilities, "", "  ")
		fmt.Println(string(raw))
		return
	}

	for _, capability := range capabilities {
		fmt.Printf("%-24s [%s] %s\n", capability.Name, capability.Access, capability.Description)
	}
	fmt.Printf("\n%d permitted tools\n", len(capabilities))
}

func runCallTool(cmd *cobra.Command, args []string) {
	toolArgs := map[string]any{}
	if toolArgsJSON != "" {
		if err := json.Unmarshal([]byte(toolArgsJSON), &toolArgs); err != nil {
			log.Fatalf("Failed to parse --args as a JSON object: %v", err)
		}
	}

	client := newAPIClient()
	resp, err := client.CallTool(args[0], toolArgs)
	if err != nil {
		log.Fatalf("Tool call failed: %v", err)
	}

	if !resp.Permitted {
		fmt.Printf("Denied: %s\n", resp.Message)
		return
	}

	raw, _ := json.MarshalIndent(resp.Result, "", "  ")
	fmt.Println(string(raw))
}
