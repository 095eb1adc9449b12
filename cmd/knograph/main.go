// Package main provides the knograph CLI: document ingestion, pipeline
// workers and combined search over the graph, vector and relational
// stores.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/bull/knograph/internal/extraction"
	"github.com/bull/knograph/internal/intake"
	"github.com/bull/knograph/internal/knowledge"
	"github.com/bull/knograph/internal/persist"
	"github.com/bull/knograph/internal/pipeline"
	"github.com/bull/knograph/internal/queue"
	"github.com/bull/knograph/internal/search"
	"github.com/bull/knograph/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:   "knograph",
	Short: "Knowledge extraction and multi-store retrieval engine",
	Long: `knograph ingests documents, extracts a knowledge graph via an LLM
and persists it across Neo4j, Qdrant and Postgres for combined search.

Environment variables:
  OPENAI_API_KEY  OpenAI API key (required for worker and search)
  QDRANT_HOST     Qdrant hostname (default: localhost)
  QDRANT_PORT     Qdrant gRPC port (default: 6334)
  NEO4J_URI       Neo4j bolt URI (default: neo4j://localhost:7687)
  NEO4J_USER      Neo4j username (default: neo4j)
  NEO4J_PASSWORD  Neo4j password (default: password)
  POSTGRES_DSN    Postgres connection string (default: postgres://localhost:5432/knograph)
  REDIS_ADDR      Redis address for the task queue (default: localhost:6379)
  GITHUB_TOKEN    GitHub token for higher rate limits (optional)`,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Enqueue documents from a GitHub repository subtree",
	RunE:  runIngest,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run pipeline workers draining the task queue",
	RunE:  runWorker,
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Run a combined query across the stores",
	RunE:  runSearch,
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show the queue status of a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var (
	ingestOwner  string
	ingestRepo   string
	ingestPath   string
	ingestAuthor string

	workerConcurrency int

	searchText        string
	searchTopK        int
	searchEntityType  string
	searchMinStrength float64
	searchDepth       int
	searchAuthor      string
	searchStatus      string
	searchModality    string
	searchLimit       int
)

func init() {
	ingestCmd.Flags().StringVar(&ingestOwner, "owner", "", "GitHub repository owner (required)")
	ingestCmd.Flags().StringVar(&ingestRepo, "repo", "", "GitHub repository name (required)")
	ingestCmd.Flags().StringVar(&ingestPath, "path", "", "Subtree to ingest, repository root if empty")
	ingestCmd.Flags().StringVar(&ingestAuthor, "author", "", "Author recorded on ingested documents")
	ingestCmd.MarkFlagRequired("owner")
	ingestCmd.MarkFlagRequired("repo")

	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 4, "Number of worker goroutines")

	searchCmd.Flags().StringVar(&searchText, "text", "", "Similarity query text")
	searchCmd.Flags().IntVar(&searchTopK, "top-k", 10, "Similarity top-k")
	searchCmd.Flags().StringVar(&searchEntityType, "entity-type", "", "Graph filter: entity type")
	searchCmd.Flags().Float64Var(&searchMinStrength, "min-strength", 0, "Graph filter: minimum relationship strength")
	searchCmd.Flags().IntVar(&searchDepth, "depth", 1, "Graph filter: traversal depth")
	searchCmd.Flags().StringVar(&searchAuthor, "author", "", "Structured filter: author")
	searchCmd.Flags().StringVar(&searchStatus, "doc-status", "", "Structured filter: document status")
	searchCmd.Flags().StringVar(&searchModality, "modality", "", "Restrict results to one modality")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "Maximum merged results")

	rootCmd.AddCommand(ingestCmd, workerCmd, searchCmd, statusCmd)
}

func main() {
	// Load .env if present (local development), ignore if missing.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	source, err := intake.NewGitHubSource(ingestOwner, ingestRepo, ingestPath)
	if err != nil {
		return fmt.Errorf("create source: %w", err)
	}

	q := queue.New(queue.Options{Addr: getEnv("REDIS_ADDR", "localhost:6379")})
	defer q.Close()

	commit, err := source.LatestCommitSHA(ctx)
	if err != nil {
		return fmt.Errorf("resolve commit: %w", err)
	}
	fmt.Printf("Ingesting %s/%s at %s\n", ingestOwner, ingestRepo, commit[:12])

	paths, err := source.List(ctx)
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}
	fmt.Printf("Found %d documents\n", len(paths))

	enqueued := 0
	for _, path := range paths {
		doc, err := source.Fetch(ctx, path)
		if err != nil {
			fmt.Printf("  skip %s: %v\n", path, err)
			continue
		}

		payload, err := pipeline.EncodeTaskPayload(path, ingestAuthor, "en", doc.Content)
		if err != nil {
			return fmt.Errorf("encode payload for %s: %w", path, err)
		}

		task := &queue.Task{
			DocumentKey: documentKey(doc.URL),
			SourceURI:   doc.URL,
			Payload:     payload,
		}
		if err := q.Enqueue(ctx, task); err != nil {
			return fmt.Errorf("enqueue %s: %w", path, err)
		}
		fmt.Printf("  queued %s (task %s)\n", path, task.ID)
		enqueued++
	}

	fmt.Printf("Enqueued %d/%d documents\n", enqueued, len(paths))
	return nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	dimension := getEnvInt("EMBEDDING_DIMENSION", extraction.DefaultEmbeddingDimension)

	service, err := extraction.NewClient(getEnv("CHAT_MODEL", ""), getEnv("EMBEDDING_MODEL", ""))
	if err != nil {
		return fmt.Errorf("create model client: %w", err)
	}
	extractor := extraction.NewExtractor(service, extraction.Config{
		EmbeddingDimension: dimension,
		EmbeddingModel:     getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		CallTimeout:        60 * time.Second,
		CallsPerSecond:     2,
	}, logger)

	vector, err := storage.NewVectorStorage(getEnv("QDRANT_HOST", "localhost"), getEnvInt("QDRANT_PORT", 6334), dimension)
	if err != nil {
		return fmt.Errorf("connect to Qdrant: %w", err)
	}
	defer vector.Close()
	if err := vector.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}

	graph, err := storage.NewGraphStorage(ctx,
		getEnv("NEO4J_URI", "neo4j://localhost:7687"),
		getEnv("NEO4J_USER", "neo4j"),
		getEnv("NEO4J_PASSWORD", "password"))
	if err != nil {
		return fmt.Errorf("connect to Neo4j: %w", err)
	}
	defer graph.Close(ctx)

	relational, err := storage.NewRelationalStorage(ctx, getEnv("POSTGRES_DSN", "postgres://localhost:5432/knograph"))
	if err != nil {
		return fmt.Errorf("connect to Postgres: %w", err)
	}
	defer relational.Close()
	if err := relational.InitSchema(ctx); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	coordinator := persist.NewCoordinator(graph, vector, relational, logger)
	p := pipeline.New(extractor, coordinator, logger)

	q := queue.New(queue.Options{Addr: getEnv("REDIS_ADDR", "localhost:6379")})
	defer q.Close()

	logger.Info("worker started", "concurrency", workerConcurrency)
	worker := queue.NewWorker(q, p.Handler(), queue.WorkerOptions{Concurrency: workerConcurrency}, logger)
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("worker stopped")
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := slog.Default()
	dimension := getEnvInt("EMBEDDING_DIMENSION", extraction.DefaultEmbeddingDimension)

	descriptor := &search.QueryDescriptor{
		Text:     searchText,
		TopK:     searchTopK,
		Modality: knowledge.Modality(searchModality),
		Limit:    searchLimit,
	}
	if searchEntityType != "" || searchMinStrength > 0 {
		filter := &storage.GraphFilter{
			MinStrength: searchMinStrength,
			Depth:       searchDepth,
			Limit:       searchLimit,
		}
		if searchEntityType != "" {
			entityType, err := knowledge.ParseEntityType(searchEntityType)
			if err != nil {
				return err
			}
			filter.EntityType = entityType
		}
		descriptor.Graph = filter
	}
	structured := map[string]any{}
	if searchAuthor != "" {
		structured["author"] = searchAuthor
	}
	if searchStatus != "" {
		structured["status"] = searchStatus
	}
	if len(structured) > 0 {
		descriptor.Structured = structured
	}

	var embedder search.Embedder
	if descriptor.Text != "" {
		service, err := extraction.NewClient(getEnv("CHAT_MODEL", ""), getEnv("EMBEDDING_MODEL", ""))
		if err != nil {
			return fmt.Errorf("create model client: %w", err)
		}
		embedder = extraction.NewExtractor(service, extraction.Config{
			EmbeddingDimension: dimension,
			EmbeddingModel:     getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
			CallTimeout:        30 * time.Second,
		}, logger)
	}

	var vector search.VectorSearcher
	if descriptor.Text != "" {
		vs, err := storage.NewVectorStorage(getEnv("QDRANT_HOST", "localhost"), getEnvInt("QDRANT_PORT", 6334), dimension)
		if err != nil {
			return fmt.Errorf("connect to Qdrant: %w", err)
		}
		defer vs.Close()
		vector = vs
	}

	var graph search.GraphSearcher
	if descriptor.Graph != nil {
		gs, err := storage.NewGraphStorage(ctx,
			getEnv("NEO4J_URI", "neo4j://localhost:7687"),
			getEnv("NEO4J_USER", "neo4j"),
			getEnv("NEO4J_PASSWORD", "password"))
		if err != nil {
			return fmt.Errorf("connect to Neo4j: %w", err)
		}
		defer gs.Close(ctx)
		graph = gs
	}

	relational, err := storage.NewRelationalStorage(ctx, getEnv("POSTGRES_DSN", "postgres://localhost:5432/knograph"))
	if err != nil {
		return fmt.Errorf("connect to Postgres: %w", err)
	}
	defer relational.Close()

	engine := search.NewEngine(embedder, vector, graph, relational, logger)
	set, err := engine.Search(ctx, descriptor)
	if err != nil {
		return err
	}

	if set.Partial {
		fmt.Printf("Partial results: stores failed: %v\n\n", set.FailedStores)
	}
	if len(set.Results) == 0 {
		fmt.Println("No results")
		return nil
	}

	for i, r := range set.Results {
		fmt.Printf("%2d. %s  score=%.3f  stores=%v\n", i+1, r.Key, r.Score, r.Stores)
		if r.EntityName != "" {
			fmt.Printf("    entity: %s (%s)\n", r.EntityName, r.EntityType)
		}
		if r.Title != "" {
			fmt.Printf("    title: %s", r.Title)
			if r.Author != "" {
				fmt.Printf("  author: %s", r.Author)
			}
			fmt.Println()
		}
		if r.SourceURI != "" {
			fmt.Printf("    source: %s\n", r.SourceURI)
		}
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	q := queue.New(queue.Options{Addr: getEnv("REDIS_ADDR", "localhost:6379")})
	defer q.Close()

	status, err := q.Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Task:     %s\n", args[0])
	fmt.Printf("State:    %s\n", status.State)
	fmt.Printf("Attempts: %d\n", status.Attempts)
	if status.Error != "" {
		fmt.Printf("Error:    %s\n", status.Error)
	}
	fmt.Printf("Enqueued: %s\n", status.EnqueuedAt.Format(time.RFC3339))
	fmt.Printf("Updated:  %s\n", status.UpdatedAt.Format(time.RFC3339))
	return nil
}

// documentKey derives a stable document identifier from its source URL so
// re-ingesting the same document upserts instead of duplicating.
func documentKey(sourceURL string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(sourceURL)).String()
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		var i int
		if _, err := fmt.Sscanf(v, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}
