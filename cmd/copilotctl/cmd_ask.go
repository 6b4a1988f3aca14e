// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/orchestrator/datatypes"
	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/rag"
)

func runAskCommand(cmd *cobra.Command, args []string) {
	question := strings.Join(args, " ")
	client := newAPIClient()

	resp, err := client.Answer(datatypes.AnswerRequest{
		Query:          question,
		ConversationID: conversationID,
	})
	if err != nil {
		log.Fatalf("Ask failed: %v", err)
	}

	printAnswer(resp)
}

func runChatCommand(cmd *cobra.Command, args []string) {
	client := newAPIClient()
	reader := bufio.NewReader(os.Stdin)

	var history []rag.Turn
	var convID string

	fmt.Println("Interactive session. Type 'exit' or press Ctrl-D to quit.")
	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			fmt.Println()
			return
		}
		question := strings.TrimSpace(line)
		if question == "" {
			continue
		}
		if question == "exit" || question == "quit" {
			return
		}

		resp, err := client.Answer(datatypes.AnswerRequest{
			Query:          question,
			ConversationID: convID,
			History:        history,
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}

		convID = resp.ConversationID
		printAnswer(resp)

		history = append(history,
			rag.Turn{Role: "user", Content: question},
			rag.Turn{Role: "assistant", Content: resp.Text},
		)
		// Keep the wire payload inside the server's history cap.
		if len(history) > 2*datatypes.MaxHistoryTurns {
			history = history[len(history)-2*datatypes.MaxHistoryTurns:]
		}
	}
}

func printAnswer(resp datatypes.AnswerResponse) {
	if outputJSON {
		raw, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Println(string(raw))
		return
	}

	fmt.Println(resp.Text)
	if len(resp.EvidenceIDs) > 0 {
		fmt.Printf("\n[mode: %s, evidence: %s]\n", resp.Mode, strings.Join(resp.EvidenceIDs, ", "))
	} else {
		fmt.Printf("\n[mode: %s]\n", resp.Mode)
	}
}
