// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rag

import (
	"fmt"
	"regexp"
	"strings"
)

// FactSearcher is the slice of the fact store the planner needs: find
// a fact whose key appears in the question.
type FactSearcher interface {
	Search(question string) (Fact, bool)
}

// Planner classifies a query before the pipeline spends anything on
// it. Implementations must be safe for concurrent use.
type Planner interface {
	Plan(queryText string) QueryPlan
}

// greetingPatterns match pure salutations. A greeting that carries a
// technical keyword is not treated as a greeting.
var greetingPatterns = []string{
	`^(hi|hello|hey|yo|sup|gm|gn)[\s!.,?]*$`,
	`^(what'?s up|howdy|good (morning|afternoon|evening))[\s!.,?]*$`,
	`^(thanks|thank you|thx|ty)[\s!.,?]*$`,
}

// connectivityPatterns match questions about whether the API itself
// is reachable, as opposed to questions about using it.
var connectivityPatterns = []string{
	`\b(is|are) the api (up|down|working|alive|reachable|online)\b`,
	`\bapi (status|health|uptime)\b`,
	`\b(can'?t|cannot|unable to) (reach|connect to) the api\b`,
	`\bping the api\b`,
}

// redirectPatterns match questions about the copilot's own internals,
// which go to the maintainer instead of the knowledge base.
var redirectPatterns = []string{
	`\bhow (do|does) (you|this bot|the bot) work\b`,
	`\b(your|the bot'?s) (architecture|internals|source code|prompt)\b`,
	`\bwhat (model|llm) (are you|do you use|is this)\b`,
	`\bwho (made|built|created) (you|this bot)\b`,
}

// technicalKeywords mark a query as on-topic. Any hit defeats both
// the greeting and the off-topic rules.
var technicalKeywords = []string{
	"api", "endpoint", "auth", "authentication", "token", "key",
	"error", "status code", "request", "response", "header", "json",
	"futures", "order", "position", "leverage", "margin", "liquidation",
	"websocket", "rate limit", "sdk", "curl", "http", "signature",
	"wallet", "balance", "fee", "tpsl", "stop loss", "take profit",
	"code", "python", "snippet", "traceback", "exception",
}

// regexPlanner is the default Planner. It applies ordered rules,
// first match wins:
//
//  1. fact lookup (a stored fact key appears in the question)
//  2. greeting (unless a technical keyword is present)
//  3. connectivity check
//  4. off topic (no technical keyword and no question structure)
//  5. redirect to maintainer (bot-internals questions)
//  6. cache then retrieve (the default path)
//
// Non-technical questions that survive rules 4 and 5 still collapse
// to the off-topic reply rather than rule 6: without a domain keyword
// retrieval never finds anything, so the canned reply is the same
// outcome minus an embedding call.
//
// The struct is immutable after construction and safe for concurrent
// use.
type regexPlanner struct {
	greeting     *regexp.Regexp
	connectivity *regexp.Regexp
	redirect     *regexp.Regexp
	facts        FactSearcher
}

// NewPlanner compiles the classification rules. The fact searcher may
// be nil, which disables the fact_lookup rule.
func NewPlanner(facts FactSearcher) (Planner, error) {
	greeting, err := compileAlternation(greetingPatterns)
	if err != nil {
		return nil, fmt.Errorf("compile greeting patterns: %w", err)
	}
	connectivity, err := compileAlternation(connectivityPatterns)
	if err != nil {
		return nil, fmt.Errorf("compile connectivity patterns: %w", err)
	}
	redirect, err := compileAlternation(redirectPatterns)
	if err != nil {
		return nil, fmt.Errorf("compile redirect patterns: %w", err)
	}
	return &regexPlanner{
		greeting:     greeting,
		connectivity: connectivity,
		redirect:     redirect,
		facts:        facts,
	}, nil
}

// MustNewPlanner is NewPlanner that panics on a bad pattern table.
// The tables are package constants, so a failure is a programming
// error caught at startup.
func MustNewPlanner(facts FactSearcher) Planner {
	p, err := NewPlanner(facts)
	if err != nil {
		panic(err)
	}
	return p
}

// Plan classifies queryText. It never fails: a query matching no rule
// falls through to cache_then_retrieve.
func (p *regexPlanner) Plan(queryText string) QueryPlan {
	normalized := strings.ToLower(strings.TrimSpace(queryText))
	technical := containsTechnicalKeyword(normalized)

	if p.facts != nil {
		if fact, ok := p.facts.Search(normalized); ok {
			return QueryPlan{
				Type:           TypeFactLookup,
				SkipRetrieval:  true,
				SkipGeneration: fact.Strict,
				FactKey:        fact.Key,
			}
		}
	}

	// A technical keyword anywhere beats a greeting match.
	if !technical && p.greeting.MatchString(normalized) {
		key := "greeting"
		if strings.Contains(normalized, "thank") || strings.HasPrefix(normalized, "thx") || strings.HasPrefix(normalized, "ty") {
			key = "thanks"
		}
		return QueryPlan{
			Type:           TypeGreeting,
			SkipRetrieval:  true,
			SkipGeneration: true,
			CannedKey:      key,
		}
	}

	if p.connectivity.MatchString(normalized) {
		return QueryPlan{
			Type:           TypeConnectivityCheck,
			SkipRetrieval:  true,
			SkipGeneration: true,
		}
	}

	if !technical {
		// A bare statement with no domain keyword is off topic outright,
		// before the redirect rule gets a look at it.
		if !hasQuestionStructure(normalized) {
			return QueryPlan{
				Type:           TypeOffTopic,
				SkipRetrieval:  true,
				SkipGeneration: true,
				CannedKey:      "off_topic",
			}
		}
		if p.redirect.MatchString(normalized) {
			return QueryPlan{
				Type:           TypeRedirect,
				SkipRetrieval:  true,
				SkipGeneration: true,
				CannedKey:      "redirect",
			}
		}
		return QueryPlan{
			Type:           TypeOffTopic,
			SkipRetrieval:  true,
			SkipGeneration: true,
			CannedKey:      "off_topic",
		}
	}

	if p.redirect.MatchString(normalized) {
		return QueryPlan{
			Type:           TypeRedirect,
			SkipRetrieval:  true,
			SkipGeneration: true,
			CannedKey:      "redirect",
		}
	}

	return QueryPlan{Type: TypeCacheThenRetrieve}
}

// questionOpeners start an interrogative sentence.
var questionOpeners = []string{
	"who", "what", "when", "where", "why", "how", "which",
	"can", "could", "do", "does", "did", "is", "are", "should", "will",
}

// hasQuestionStructure reports whether the normalized query reads as
// a question: it ends in a question mark or opens with an
// interrogative.
func hasQuestionStructure(normalized string) bool {
	if strings.Contains(normalized, "?") {
		return true
	}
	first, _, _ := strings.Cut(normalized, " ")
	first = strings.TrimSuffix(first, "'s")
	for _, w := range questionOpeners {
		if first == w {
			return true
		}
	}
	return false
}

// containsTechnicalKeyword reports whether any on-topic marker occurs
// in the normalized query.
func containsTechnicalKeyword(normalized string) bool {
	for _, kw := range technicalKeywords {
		if strings.Contains(normalized, kw) {
			return true
		}
	}
	return false
}

// compileAlternation joins individual patterns into one alternation
// so each input is scanned once.
func compileAlternation(patterns []string) (*regexp.Regexp, error) {
	joined := "(" + strings.Join(patterns, ")|(") + ")"
	return regexp.Compile(joined)
}

// CannedResponses are the fixed replies for plans that skip both
// retrieval and generation.
var CannedResponses = map[string]string{
	"greeting":  "Hey! What's up? Ask me about the API, code, or errors.",
	"thanks":    "Anytime! Happy to help.",
	"off_topic": "I'm the Mudrex API copilot. Ask me about the API, code, or errors.",
	"redirect":  "Questions about how this bot works internally go to the maintainer, @DecentralizedJM.",
}

var _ Planner = (*regexPlanner)(nil)
