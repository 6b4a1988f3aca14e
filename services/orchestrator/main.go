// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"log"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/DecentralizedJM/Mudrex-API-Copilot/pkg/logging"
	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/facts"
	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/gateway"
	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/llm"
	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/orchestrator/observability"
	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/orchestrator/routes"
	"github.com/DecentralizedJM/Mudrex-API-Copilot/services/rag"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "copilot-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("copilot-orchestrator")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// newEvidenceStore picks the index backend. WEAVIATE_SERVICE_URL
// selects the Weaviate store; anything else runs the in-memory one.
func newEvidenceStore() rag.EvidenceStore {
	weaviateURL := strings.Trim(os.Getenv("WEAVIATE_SERVICE_URL"), "\"' ")
	if weaviateURL == "" || !strings.Contains(weaviateURL, "http") {
		slog.Info("WEAVIATE_SERVICE_URL not set or empty. Using the in-memory evidence store.")
		return rag.NewMemoryEvidenceStore()
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		slog.Warn("WEAVIATE_SERVICE_URL is invalid. Using the in-memory evidence store.",
			"url", weaviateURL, "error", err)
		return rag.NewMemoryEvidenceStore()
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		slog.Error("Failed to create Weaviate client, using the in-memory evidence store", "error", err)
		return rag.NewMemoryEvidenceStore()
	}
	slog.Info("Using the Weaviate evidence store", "host", parsedURL.Host)
	return rag.NewWeaviateEvidenceStore(client)
}

func main() {
	port := os.Getenv("ORCHESTRATOR_PORT")
	if port == "" {
		port = "12210"
	}

	appLogger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		LogDir:  os.Getenv("COPILOT_LOG_DIR"),
		Service: "orchestrator",
		JSON:    true,
	})
	defer appLogger.Close()
	slog.SetDefault(appLogger.Slog())

	// --- Init the tracer ---
	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	observability.InitMetrics()

	llmClient, err := llm.NewOpenAIClient()
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}
	generate := llm.AsGenerateFunc(llmClient)

	factsPath := os.Getenv("FACTS_DB_PATH")
	if factsPath == "" {
		factsPath = "/var/lib/copilot/facts"
	}
	factStore, err := facts.Open(facts.DefaultConfig(factsPath))
	if err != nil {
		log.Fatalf("Failed to open fact store: %v", err)
	}
	defer factStore.Close()

	store := newEvidenceStore()

	var caller gateway.Caller
	if endpoint := os.Getenv("MCP_ENDPOINT"); endpoint != "" {
		caller = gateway.NewHTTPCaller(endpoint, os.Getenv("MUDREX_API_TOKEN"), 15*time.Second)
	} else {
		slog.Warn("MCP_ENDPOINT not set. Permitted tool calls will answer degraded.")
	}
	gw, err := gateway.New(caller)
	if err != nil {
		log.Fatalf("FATAL: Could not initialize the capability gateway: %v", err)
	}
	defer gw.Close()
	if override := os.Getenv("CAPABILITY_POLICY_PATH"); override != "" {
		if err := gw.WatchOverride(override); err != nil {
			log.Fatalf("FATAL: Could not load capability policy override: %v", err)
		}
	}

	retriever := rag.NewRetriever(store, llmClient, generate, rag.DefaultRetrieverConfig())
	pipeline, err := rag.NewPipeline(rag.PipelineDeps{
		Planner:      rag.MustNewPlanner(factStore),
		Facts:        factStore,
		ExactCache:   rag.NewExactCache(0, 0),
		Semantic:     rag.NewSemanticCache(llmClient, 0, 0, 0),
		Retriever:    retriever,
		Validator:    rag.NewValidator(rag.DefaultValidatorConfig(), rag.NewLLMRelevance(generate)),
		Assembler:    rag.NewContextAssembler(),
		Generate:     generate,
		Store:        store,
		Embedder:     llmClient,
		Connectivity: rag.NewConnectivityChecker(),
		Config:       rag.DefaultPipelineConfig(),
	})
	if err != nil {
		log.Fatalf("Failed to build the answer pipeline: %v", err)
	}

	router := gin.Default()
	router.Use(otelgin.Middleware("copilot-orchestrator"))

	routes.SetupRoutes(router, pipeline, store, factStore, gw, os.Getenv("COPILOT_ADMIN_TOKEN"))

	log.Println("Starting the orchestrator server on port ", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
