// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/llm"
	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/orchestrator/observability"
)

var pipelineTracer = otel.Tracer("copilot.rag.pipeline")

// Fallback texts for degraded answers. They must be honest about the
// failure without leaking internals.
const (
	degradedGenerationText = "I'm having trouble reaching my language model right " +
		"now. Please try again in a moment."
	degradedEmbeddingText = "I couldn't process that question right now. Please " +
		"try again in a moment."
	degradedTimeoutText = "That took longer than I allow myself per question. " +
		"Please try again."
	rateLimitedText = "You're sending questions faster than I can answer them. " +
		"Give it a few seconds and ask again."
	refusalFallbackText = "I couldn't find anything in the Mudrex API docs for " +
		"that. Ask me about endpoints, authentication, orders, or error codes."
	connectivityUpText   = "The Mudrex API is reachable right now (%s)."
	connectivityDownText = "The Mudrex API looks unreachable from here (%s)."
)

// FactProvider is the pipeline's view of the fact store.
type FactProvider interface {
	FactSearcher
	Get(key string) (Fact, error)
}

// PipelineConfig tunes timeouts and the per-conversation limiter.
type PipelineConfig struct {
	// RetrievalTimeout bounds embedding plus index search per query.
	RetrievalTimeout time.Duration

	// GenerationTimeout bounds a single generation call.
	GenerationTimeout time.Duration

	// MaxAnswerTokens caps generated answer length.
	MaxAnswerTokens int

	// RateLimit is the sustained per-conversation query rate.
	RateLimit rate.Limit

	// RateBurst is the per-conversation burst allowance.
	RateBurst int
}

// DefaultPipelineConfig returns production defaults, overridable via
// PIPELINE_RETRIEVAL_TIMEOUT_S, PIPELINE_GENERATION_TIMEOUT_S,
// PIPELINE_MAX_ANSWER_TOKENS, PIPELINE_RATE_PER_MINUTE, and
// PIPELINE_RATE_BURST.
func DefaultPipelineConfig() PipelineConfig {
	perMinute := getEnvInt("PIPELINE_RATE_PER_MINUTE", 20)
	return PipelineConfig{
		RetrievalTimeout:  time.Duration(getEnvInt("PIPELINE_RETRIEVAL_TIMEOUT_S", 10)) * time.Second,
		GenerationTimeout: time.Duration(getEnvInt("PIPELINE_GENERATION_TIMEOUT_S", 45)) * time.Second,
		MaxAnswerTokens:   getEnvInt("PIPELINE_MAX_ANSWER_TOKENS", 700),
		RateLimit:         rate.Limit(float64(perMinute) / 60.0),
		RateBurst:         getEnvInt("PIPELINE_RATE_BURST", 5),
	}
}

// Pipeline resolves queries end to end. Each query moves through
// planning, then either a short-circuit (canned reply, fact, cache
// hit, connectivity probe) or the full path of retrieval, validation,
// assembly, and generation, with write-back to both cache tiers.
//
// Failures never surface as errors to the caller; they produce a
// degraded answer. The error return is reserved for context
// cancellation, where partial work is discarded.
//
// # Thread Safety
//
// Safe for concurrent use. Per-conversation rate limiters are the
// only mutable pipeline state and sit behind a mutex.
type Pipeline struct {
	planner      Planner
	facts        FactProvider
	exactCache   *ExactCache
	semantic     *SemanticCache
	retriever    *Retriever
	validator    *Validator
	assembler    *ContextAssembler
	generate     llm.GenerateFunc
	store        EvidenceStore
	embedder     llm.Embedder
	connectivity ConnectivityChecker
	config       PipelineConfig
	logger       *slog.Logger

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// PipelineDeps carries everything a Pipeline needs. All fields except
// Connectivity and Facts are required.
type PipelineDeps struct {
	Planner      Planner
	Facts        FactProvider
	ExactCache   *ExactCache
	Semantic     *SemanticCache
	Retriever    *Retriever
	Validator    *Validator
	Assembler    *ContextAssembler
	Generate     llm.GenerateFunc
	Store        EvidenceStore
	Embedder     llm.Embedder
	Connectivity ConnectivityChecker
	Config       PipelineConfig
}

// NewPipeline validates deps and builds the pipeline.
func NewPipeline(deps PipelineDeps) (*Pipeline, error) {
	switch {
	case deps.Planner == nil:
		return nil, errors.New("planner is required")
	case deps.ExactCache == nil:
		return nil, errors.New("exact cache is required")
	case deps.Semantic == nil:
		return nil, errors.New("semantic cache is required")
	case deps.Retriever == nil:
		return nil, errors.New("retriever is required")
	case deps.Validator == nil:
		return nil, errors.New("validator is required")
	case deps.Assembler == nil:
		return nil, errors.New("assembler is required")
	case deps.Generate == nil:
		return nil, errors.New("generate func is required")
	case deps.Store == nil:
		return nil, errors.New("evidence store is required")
	case deps.Embedder == nil:
		return nil, errors.New("embedder is required")
	}
	if deps.Config.RateBurst <= 0 {
		deps.Config.RateBurst = 5
	}
	if deps.Config.RateLimit <= 0 {
		deps.Config.RateLimit = rate.Limit(20.0 / 60.0)
	}
	return &Pipeline{
		planner:      deps.Planner,
		facts:        deps.Facts,
		exactCache:   deps.ExactCache,
		semantic:     deps.Semantic,
		retriever:    deps.Retriever,
		validator:    deps.Validator,
		assembler:    deps.Assembler,
		generate:     deps.Generate,
		store:        deps.Store,
		embedder:     deps.Embedder,
		connectivity: deps.Connectivity,
		config:       deps.Config,
		logger:       slog.With("component", "pipeline"),
		limiters:     make(map[string]*rate.Limiter),
	}, nil
}

// Answer resolves one query. The returned error is non-nil only when
// ctx was cancelled; every other failure comes back as a degraded
// AnswerResult.
func (p *Pipeline) Answer(ctx context.Context, queryText, conversationID string, history []Turn) (AnswerResult, error) {
	ctx, span := pipelineTracer.Start(ctx, "Pipeline.Answer")
	defer span.End()
	span.SetAttributes(attribute.String("conversation_id", conversationID))

	if err := ctx.Err(); err != nil {
		return AnswerResult{}, err
	}

	if !p.limiter(conversationID).Allow() {
		p.logger.Warn("conversation rate limited", "conversation_id", conversationID)
		p.recordRateLimited()
		span.SetAttributes(attribute.Bool("rate_limited", true))
		return p.finish(span, AnswerResult{Text: rateLimitedText, Mode: ModeDegraded}), nil
	}

	planStart := time.Now()
	plan := p.planner.Plan(queryText)
	p.recordStage(observability.StagePlan, time.Since(planStart).Seconds())
	span.SetAttributes(attribute.String("plan_type", string(plan.Type)))

	query := Query{Text: queryText, ConversationID: conversationID, History: history}

	switch plan.Type {
	case TypeFactLookup:
		return p.answerFromFact(ctx, span, query, plan)
	case TypeGreeting, TypeOffTopic, TypeRedirect:
		return p.finish(span, AnswerResult{
			Text: CannedResponses[plan.CannedKey],
			Mode: ModeCanned,
		}), nil
	case TypeConnectivityCheck:
		return p.answerConnectivity(ctx, span)
	default:
		return p.answerFromRetrieval(ctx, span, query)
	}
}

// answerFromFact resolves a fact_lookup plan. Strict facts are
// returned verbatim. Non-strict facts are rephrased through the
// model, falling back to the verbatim value if generation fails.
func (p *Pipeline) answerFromFact(ctx context.Context, span trace.Span, query Query, plan QueryPlan) (AnswerResult, error) {
	fact, err := p.facts.Get(plan.FactKey)
	if err != nil {
		// The fact was deleted between planning and lookup. Fall through
		// to the normal path.
		p.logger.Warn("planned fact disappeared", "key", plan.FactKey, "error", err)
		return p.answerFromRetrieval(ctx, span, query)
	}

	if fact.Strict {
		return p.finish(span, AnswerResult{Text: fact.Value, Mode: ModeFact}), nil
	}

	prompt := fmt.Sprintf("%s\n\nA stored note answers this question.\nNote (%s): %s\n\n"+
		"Answer the question naturally using the note.\n\nQuestion: %s",
		personaPreamble, fact.Key, fact.Value, query.Text)

	text, err := p.generateWithTimeout(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return AnswerResult{}, ctx.Err()
		}
		p.logger.Warn("fact rephrasing failed, returning stored value", "key", fact.Key, "error", err)
		text = fact.Value
	}
	return p.finish(span, AnswerResult{Text: text, Mode: ModeFact}), nil
}

// answerConnectivity runs the live probe.
func (p *Pipeline) answerConnectivity(ctx context.Context, span trace.Span) (AnswerResult, error) {
	if p.connectivity == nil {
		return p.finish(span, AnswerResult{
			Text: "I can't check API connectivity right now.",
			Mode: ModeDegraded,
		}), nil
	}
	reachable, detail := p.connectivity.Check(ctx)
	if ctx.Err() != nil {
		return AnswerResult{}, ctx.Err()
	}
	text := fmt.Sprintf(connectivityDownText, detail)
	if reachable {
		text = fmt.Sprintf(connectivityUpText, detail)
	}
	span.SetAttributes(attribute.Bool("api_reachable", reachable))
	return p.finish(span, AnswerResult{Text: text, Mode: ModeCanned}), nil
}

// answerFromRetrieval is the full path: caches, retrieval ladder,
// validation, assembly, generation, write-back.
func (p *Pipeline) answerFromRetrieval(ctx context.Context, span trace.Span, query Query) (AnswerResult, error) {
	ctxHash := ContextHash(query.History)

	cacheStart := time.Now()
	if cached, ok := p.exactCache.Get(query.Text, ctxHash); ok {
		p.recordCacheLookup("exact", true)
		p.recordStage(observability.StageCacheLookup, time.Since(cacheStart).Seconds())
		span.SetAttributes(attribute.String("cache_tier", "exact"))
		cached.Mode = ModeCached
		return p.finish(span, cached), nil
	}
	p.recordCacheLookup("exact", false)

	cached, hit, err := p.semantic.Get(ctx, query.Text)
	p.recordStage(observability.StageCacheLookup, time.Since(cacheStart).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return AnswerResult{}, ctx.Err()
		}
		p.logger.Error("semantic cache lookup failed", "error", err)
		span.RecordError(err)
		return p.finish(span, AnswerResult{Text: degradedEmbeddingText, Mode: ModeDegraded}), nil
	}
	p.recordCacheLookup("semantic", hit)
	if hit {
		span.SetAttributes(attribute.String("cache_tier", "semantic"))
		cached.Mode = ModeCached
		return p.finish(span, cached), nil
	}

	retrievalStart := time.Now()
	retrievalCtx, cancel := context.WithTimeout(ctx, p.config.RetrievalTimeout)
	evidence, err := p.retriever.Retrieve(retrievalCtx, query.Text)
	cancel()
	p.recordStage(observability.StageRetrieval, time.Since(retrievalStart).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return AnswerResult{}, ctx.Err()
		}
		p.logger.Error("retrieval failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		text := degradedEmbeddingText
		if errors.Is(err, context.DeadlineExceeded) {
			text = degradedTimeoutText
		}
		return p.finish(span, AnswerResult{Text: text, Mode: ModeDegraded}), nil
	}

	validationStart := time.Now()
	validated := p.validator.Validate(ctx, query.Text, evidence)
	p.recordStage(observability.StageValidation, time.Since(validationStart).Seconds())
	span.SetAttributes(
		attribute.Int("evidence_retrieved", len(evidence)),
		attribute.Int("evidence_validated", len(validated)),
	)

	assembled := p.assembler.Assemble(query, validated)

	generationStart := time.Now()
	text, err := p.generateWithTimeout(ctx, assembled.Prompt)
	p.recordStage(observability.StageGeneration, time.Since(generationStart).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return AnswerResult{}, ctx.Err()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if assembled.Mode == ModeRefusal {
			// The refusal wording is nice-to-have; the static fallback
			// carries the same meaning.
			return p.finish(span, AnswerResult{Text: refusalFallbackText, Mode: ModeRefusal}), nil
		}
		p.logger.Error("generation failed", "error", err)
		text := degradedGenerationText
		if errors.Is(err, context.DeadlineExceeded) {
			text = degradedTimeoutText
		}
		return p.finish(span, AnswerResult{Text: text, Mode: ModeDegraded}), nil
	}

	result := AnswerResult{
		Text:        strings.TrimSpace(text),
		Mode:        assembled.Mode,
		EvidenceIDs: assembled.EvidenceIDs,
	}

	// Only grounded answers are worth replaying. Refusals depend on
	// what the index happened to lack.
	if result.Mode == ModeGrounded {
		p.exactCache.Set(query.Text, ctxHash, result)
		if err := p.semantic.Set(ctx, query.Text, result); err != nil {
			p.logger.Warn("semantic cache write failed", "error", err)
		}
	}
	return p.finish(span, result), nil
}

// RebuildIndex atomically replaces the evidence index and invalidates
// both cache tiers. Chunks without embeddings are embedded here.
func (p *Pipeline) RebuildIndex(ctx context.Context, chunks []EvidenceChunk) error {
	ctx, span := pipelineTracer.Start(ctx, "Pipeline.RebuildIndex")
	defer span.End()
	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))

	prepared, err := p.embedChunks(ctx, chunks)
	if err != nil {
		span.RecordError(err)
		p.recordRebuild("error")
		return err
	}

	if err := p.store.Rebuild(ctx, prepared); err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrIndexRebuildInProgress) {
			p.recordRebuild("conflict")
		} else {
			p.recordRebuild("error")
		}
		return err
	}

	// Cached answers were derived from the old index.
	p.exactCache.InvalidateAll()
	p.semantic.InvalidateAll()

	p.recordRebuild("success")
	p.setEvidenceChunks(p.store.Count())
	p.logger.Info("evidence index rebuilt", "chunks", len(prepared), "generation", p.store.Generation())
	return nil
}

// LearnText chunks admin-provided text by paragraph and appends it to
// the live index without invalidating caches.
func (p *Pipeline) LearnText(ctx context.Context, source, text string) (int, error) {
	ctx, span := pipelineTracer.Start(ctx, "Pipeline.LearnText")
	defer span.End()

	var chunks []EvidenceChunk
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if len(para) < 20 {
			continue
		}
		chunks = append(chunks, EvidenceChunk{
			ID:     uuid.New().String(),
			Text:   para,
			Source: source,
		})
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	prepared, err := p.embedChunks(ctx, chunks)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if err := p.store.Append(ctx, prepared); err != nil {
		span.RecordError(err)
		return 0, err
	}
	p.setEvidenceChunks(p.store.Count())
	span.SetAttributes(attribute.Int("chunks_added", len(prepared)))
	return len(prepared), nil
}

// CacheStats exposes both tiers for the health endpoint.
func (p *Pipeline) CacheStats() (exact, semantic CacheStats) {
	return p.exactCache.Stats(), p.semantic.Stats()
}

// EvidenceCount exposes the index size for the health endpoint.
func (p *Pipeline) EvidenceCount() int {
	return p.store.Count()
}

// embedChunks fills in missing embeddings.
func (p *Pipeline) embedChunks(ctx context.Context, chunks []EvidenceChunk) ([]EvidenceChunk, error) {
	prepared := make([]EvidenceChunk, len(chunks))
	copy(prepared, chunks)
	for i := range prepared {
		if len(prepared[i].Embedding) > 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		embedding, err := p.embedder.Embed(ctx, prepared[i].Text)
		if err != nil {
			return nil, &EmbeddingError{Message: err.Error(), Retryable: true}
		}
		prepared[i].Embedding = embedding
	}
	return prepared, nil
}

// generateWithTimeout runs the injected generator under the
// configured deadline.
func (p *Pipeline) generateWithTimeout(ctx context.Context, prompt string) (string, error) {
	genCtx := ctx
	if p.config.GenerationTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, p.config.GenerationTimeout)
		defer cancel()
	}
	maxTokens := p.config.MaxAnswerTokens
	if maxTokens <= 0 {
		maxTokens = 700
	}
	text, err := p.generate(genCtx, prompt, maxTokens)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || genCtx.Err() != nil && ctx.Err() == nil {
			return "", context.DeadlineExceeded
		}
		return "", &GenerationError{Message: err.Error(), Unavailable: true}
	}
	return strings.TrimSpace(text), nil
}

// limiter returns the rate limiter for a conversation, creating it
// on first use. The map is bounded; when it outgrows its cap the
// whole table is dropped, which only resets burst accounting.
func (p *Pipeline) limiter(conversationID string) *rate.Limiter {
	p.limiterMu.Lock()
	defer p.limiterMu.Unlock()
	if len(p.limiters) > 10000 {
		p.limiters = make(map[string]*rate.Limiter)
	}
	l, ok := p.limiters[conversationID]
	if !ok {
		l = rate.NewLimiter(p.config.RateLimit, p.config.RateBurst)
		p.limiters[conversationID] = l
	}
	return l
}

// finish stamps the answer mode on the span and the metrics.
func (p *Pipeline) finish(span trace.Span, result AnswerResult) AnswerResult {
	span.SetAttributes(attribute.String("answer_mode", string(result.Mode)))
	p.recordAnswer(string(result.Mode))
	return result
}

// Metrics helpers tolerate an uninitialized singleton so unit tests
// don't need a Prometheus registry.

func (p *Pipeline) recordAnswer(mode string) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordAnswer(mode)
	}
}

func (p *Pipeline) recordStage(stage observability.Stage, seconds float64) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordStage(stage, seconds)
	}
}

func (p *Pipeline) recordCacheLookup(tier string, hit bool) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordCacheLookup(tier, hit)
	}
}

func (p *Pipeline) recordRebuild(status string) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordRebuild(status)
	}
}

func (p *Pipeline) recordRateLimited() {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordRateLimited()
	}
}

func (p *Pipeline) setEvidenceChunks(n int) {
	if m := observability.DefaultMetrics; m != nil {
		m.SetEvidenceChunks(n)
	}
}
