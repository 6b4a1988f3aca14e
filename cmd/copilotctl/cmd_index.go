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
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/orchestrator/datatypes"
)

func runRebuildCommand(cmd *cobra.Command, args []string) {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		log.Fatalf("Failed to read chunk file: %v", err)
	}

	var chunks []datatypes.ChunkInput
	if err := json.Unmarshal(raw, &chunks); err != nil {
		// Also accept a wrapped {"chunks": [...]} document.
		var wrapped datatypes.RebuildRequest
		if err2 := json.Unmarshal(raw, &wrapped); err2 != nil {
			log.Fatalf("Failed to parse chunk file: %v", err)
		}
		chunks = wrapped.Chunks
	}
	if len(chunks) == 0 {
		log.Fatalf("Chunk file %s holds no chunks", args[0])
	}

	fmt.Printf("Rebuilding the index from %d chunks...\n", len(chunks))
	client := newAPIClient()
	count, err := client.RebuildIndex(chunks)
	if err != nil {
		log.Fatalf("Rebuild failed: %v", err)
	}
	fmt.Printf("Done. The index now holds %d chunks.\n", count)
}

func runLearnCommand(cmd *cobra.Command, args []string) {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		log.Fatalf("Failed to read document: %v", err)
	}

	source := learnSource
	if source == "" {
		source = filepath.Base(args[0])
	}

	client := newAPIClient()
	added, err := client.LearnText(source, string(raw))
	if err != nil {
		log.Fatalf("Learn failed: %v", err)
	}
	fmt.Printf("Learned %d chunks from %s.\n", added, source)
}
