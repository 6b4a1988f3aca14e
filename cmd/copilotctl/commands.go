// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	conversationID string
	factStrict     bool
	learnSource    string
	toolArgsJSON   string
	outputJSON     bool

	rootCmd = &cobra.Command{
		Use:   "copilotctl",
		Short: "A cli to manage and query the Mudrex API Copilot",
		Long: `copilotctl talks to a running copilot orchestrator over HTTP.
				Use it to ask questions, manage the knowledge index, curate
				pinned facts, and exercise the trading tool gateway.`,
	}

	// --- Ask / Chat ---
	askCmd = &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question and print the grounded answer",
		Args:  cobra.MinimumNArgs(1),
		Run:   runAskCommand, // Defined in cmd_ask.go
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive question session with shared history",
		Run:   runChatCommand, // Defined in cmd_ask.go
	}

	// --- Index Administration ---
	indexCmd = &cobra.Command{
		Use:   "index",
		Short: "Manage the evidence index behind retrieval",
	}
	rebuildCmd = &cobra.Command{
		Use:   "rebuild [chunks.json]",
		Short: "Replace the whole evidence index from a JSON chunk file",
		Args:  cobra.ExactArgs(1),
		Run:   runRebuildCommand, // Defined in cmd_index.go
	}
	learnCmd = &cobra.Command{
		Use:   "learn [file.md]",
		Short: "Append a document's paragraphs to the evidence index",
		Args:  cobra.ExactArgs(1),
		Run:   runLearnCommand, // Defined in cmd_index.go
	}

	// --- Facts ---
	factsCmd = &cobra.Command{
		Use:   "facts",
		Short: "Manage pinned facts that override retrieval",
	}
	listFactsCmd = &cobra.Command{
		Use:   "list",
		Short: "List all pinned facts",
		Run:   runListFacts, // Defined in cmd_facts.go
	}
	setFactCmd = &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Pin a fact under a key",
		Args:  cobra.ExactArgs(2),
		Run:   runSetFact, // Defined in cmd_facts.go
	}
	getFactCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Show a single pinned fact",
		Args:  cobra.ExactArgs(1),
		Run:   runGetFact, // Defined in cmd_facts.go
	}
	deleteFactCmd = &cobra.Command{
		Use:   "delete [key]",
		Short: "Remove a pinned fact",
		Args:  cobra.ExactArgs(1),
		Run:   runDeleteFact, // Defined in cmd_facts.go
	}

	// --- Tools ---
	toolsCmd = &cobra.Command{
		Use:   "tools",
		Short: "Inspect and exercise the trading tool gateway",
	}
	listToolsCmd = &cobra.Command{
		Use:   "list",
		Short: "List the capabilities the gateway permits",
		Run:   runListTools, // Defined in cmd_tools.go
	}
	callToolCmd = &cobra.Command{
		Use:   "call [tool_name]",
		Short: "Invoke a read-only tool through the gateway",
		Args:  cobra.ExactArgs(1),
		Run:   runCallTool, // Defined in cmd_tools.go
	}

	// --- Health ---
	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Show orchestrator health and index statistics",
		Run:   runHealthCommand, // Defined in cmd_health.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false,
		"Print raw JSON responses instead of formatted output")

	rootCmd.AddCommand(askCmd)
	askCmd.Flags().StringVar(&conversationID, "conversation", "",
		"Reuse a conversation ID so rate limits and context carry over")

	rootCmd.AddCommand(chatCmd)

	rootCmd.AddCommand(indexCmd)
	indexCmd.AddCommand(rebuildCmd)
	indexCmd.AddCommand(learnCmd)
	learnCmd.Flags().StringVar(&learnSource, "source", "",
		"Source label to attach to the learned chunks (default: the file name)")

	rootCmd.AddCommand(factsCmd)
	factsCmd.AddCommand(listFactsCmd)
	factsCmd.AddCommand(setFactCmd)
	setFactCmd.Flags().BoolVar(&factStrict, "strict", false,
		"Return the value verbatim instead of letting the model rephrase it")
	factsCmd.AddCommand(getFactCmd)
	factsCmd.AddCommand(deleteFactCmd)

	rootCmd.AddCommand(toolsCmd)
	toolsCmd.AddCommand(listToolsCmd)
	toolsCmd.AddCommand(callToolCmd)
	callToolCmd.Flags().StringVar(&toolArgsJSON, "args", "",
		"Tool arguments as a JSON object")

	rootCmd.AddCommand(healthCmd)
}
