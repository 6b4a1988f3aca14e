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

func runListFacts(cmd *cobra.Command, args []string) {
	client := newAPIClient()
	all, err := client.ListFacts()
	if err != nil {
		log.Fatalf("Failed to list facts: %v", err)
	}

	if outputJSON {
		raw, _ := json.MarshalIndent(all, "", "  ")
		fmt.Println(string(raw))
		return
	}

	if len(all) == 0 {
		fmt.Println("No pinned facts.")
		return
	}
	for _, fact := range all {
		marker := " "
		if fact.Strict {
			marker = "*"
		}
		fmt.Printf("%s %-30s %s\n", marker, fact.Key, fact.Value)
	}
	fmt.Printf("\n%d facts (* = strict, returned verbatim)\n", len(all))
}

func runSetFact(cmd *cobra.Command, args []string) {
	client := newAPIClient()
	if err := client.SetFact(args[0], args[1], factStrict); err != nil {
		log.Fatalf("Failed to set fact: %v", err)
	}
	fmt.Printf("Pinned %q.\n", args[0])
}

func runGetFact(cmd *cobra.Command, args []string) {
	client := newAPIClient()
	fact, err := client.GetFact(args[0])
	if err != nil {
		log.Fatalf("Failed to get fact: %v", err)
	}

	if outputJSON {
		raw, _ := json.MarshalIndent(fact, "", "  ")
		fmt.Println(string(raw))
		return
	}
	fmt.Printf("%s = %s (strict: %t, updated: %s)\n",
		fact.Key, fact.Value, fact.Strict, fact.UpdatedAt.Format("2006-01-02 15:04"))
}

func runDeleteFact(cmd *cobra.Command, args []string) {
	client := newAPIClient()
	if err := client.DeleteFact(args[0]); err != nil {
		log.Fatalf("Failed to delete fact: %v", err)
	}
	fmt.Printf("Deleted %q.\n", args[0])
}
