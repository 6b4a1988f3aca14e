// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rag

import (
	"fmt"
	"strings"
)

// personaPreamble sets the voice for every generated answer.
const personaPreamble = "You are the Mudrex API copilot. You help developers " +
	"integrate with the Mudrex futures trading API. Be concise and practical. " +
	"Use code examples when they help."

// groundedInstruction pins the model to the provided sources.
const groundedInstruction = "Answer the question using ONLY the sources below. " +
	"If the sources do not contain the answer, say so plainly instead of guessing. " +
	"Cite sources by their number, like [Source 2]."

// refusalInstruction produces a short refusal that still points the
// user at what the copilot can do.
const refusalInstruction = "No documentation matched this question. Write one or " +
	"two sentences telling the user you could not find an answer in the Mudrex API " +
	"docs, and mention they can ask about endpoints, authentication, orders, or " +
	"error codes. Do not invent an answer."

// MaxPromptHistoryTurns bounds how much conversation is replayed into
// the prompt. Only the newest turns are kept; callers may pass more.
const MaxPromptHistoryTurns = 10

// AssembledContext is the prompt plus the bookkeeping the pipeline
// needs to fill an AnswerResult.
type AssembledContext struct {
	Prompt      string
	Mode        Mode
	EvidenceIDs []string
}

// ContextAssembler builds the generation prompt from validated
// evidence. With evidence the mode is grounded; without, the prompt
// switches to a refusal instruction and the mode is refusal.
type ContextAssembler struct{}

// NewContextAssembler returns an assembler.
func NewContextAssembler() *ContextAssembler {
	return &ContextAssembler{}
}

// Assemble renders the prompt. History, when present, is appended as
// conversation context after the sources, capped at the newest
// MaxPromptHistoryTurns turns. Extra strings carry already-resolved
// context for this turn, such as stored facts or tool results, and
// are rendered between the sources and the history.
func (a *ContextAssembler) Assemble(query Query, evidence []ScoredEvidence, extra ...string) AssembledContext {
	var b strings.Builder
	b.WriteString(personaPreamble)
	b.WriteString("\n\n")

	if len(evidence) == 0 {
		b.WriteString(refusalInstruction)
		b.WriteString("\n\nQuestion: ")
		b.WriteString(query.Text)
		return AssembledContext{
			Prompt: b.String(),
			Mode:   ModeRefusal,
		}
	}

	b.WriteString(groundedInstruction)
	b.WriteString("\n\n")

	ids := make([]string, 0, len(evidence))
	for i, ev := range evidence {
		fmt.Fprintf(&b, "[Source %d: %s]\n%s\n\n", i+1, ev.Chunk.Source, ev.Chunk.Text)
		ids = append(ids, ev.Chunk.ID)
	}

	wroteExtra := false
	for _, x := range extra {
		x = strings.TrimSpace(x)
		if x == "" {
			continue
		}
		if !wroteExtra {
			b.WriteString("Additional context:\n")
			wroteExtra = true
		}
		b.WriteString(x)
		b.WriteString("\n")
	}
	if wroteExtra {
		b.WriteString("\n")
	}

	history := query.History
	if len(history) > MaxPromptHistoryTurns {
		history = history[len(history)-MaxPromptHistoryTurns:]
	}
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, turn := range history {
			fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
		}
		b.WriteString("\n")
	}

	b.WriteString("Question: ")
	b.WriteString(query.Text)

	return AssembledContext{
		Prompt:      b.String(),
		Mode:        ModeGrounded,
		EvidenceIDs: ids,
	}
}
