// Corpusd is a retrieval engine over Postgres: it ingests documents into
// chunked, embedded collections and serves hybrid lexical+vector search
// with reranking and multi-source synthesis.
//
// Configuration is loaded from an optional YAML file overridden by
// CORPUSD_* environment variables. See internal/config for details.
//
// Usage:
//
//	corpusd migrate
//	corpusd ingest <collection> <file>
//	corpusd search <collection> <query>
//	corpusd synthesize <collection> <query>
//	corpusd version
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	lcopenai "github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/chunker"
	"github.com/fyrsmithlabs/corpusd/internal/config"
	"github.com/fyrsmithlabs/corpusd/internal/costs"
	"github.com/fyrsmithlabs/corpusd/internal/embeddings"
	"github.com/fyrsmithlabs/corpusd/internal/ingest"
	"github.com/fyrsmithlabs/corpusd/internal/logging"
	"github.com/fyrsmithlabs/corpusd/internal/reranker"
	"github.com/fyrsmithlabs/corpusd/internal/search"
	"github.com/fyrsmithlabs/corpusd/internal/store"
	"github.com/fyrsmithlabs/corpusd/internal/synthesis"
	"github.com/fyrsmithlabs/corpusd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	topK := flag.Int("top-k", 10, "result count for search and synthesize")
	provider := flag.String("rerank-provider", "", "rerank provider override (local, cohere, none)")
	flag.Parse()
	args := flag.Args()

	if len(args) == 0 {
		usage()
		os.Exit(1)
	}
	if args[0] == "version" {
		printVersion()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := setup(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "corpusd: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	switch args[0] {
	case "migrate":
		err = app.store.Migrate(ctx)
	case "ingest":
		if len(args) != 3 {
			usage()
			os.Exit(1)
		}
		err = app.runIngest(ctx, args[1], args[2])
	case "search":
		if len(args) < 3 {
			usage()
			os.Exit(1)
		}
		err = app.runSearch(ctx, args[1], strings.Join(args[2:], " "), *topK, *provider)
	case "synthesize":
		if len(args) < 3 {
			usage()
			os.Exit(1)
		}
		err = app.runSynthesize(ctx, args[1], strings.Join(args[2:], " "), *topK)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		usage()
		os.Exit(1)
	}

	if err != nil {
		app.logger.Error("command failed", zap.String("command", args[0]), zap.Error(err))
		fmt.Fprintf(os.Stderr, "corpusd: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  corpusd migrate                            Create or update the database schema\n")
	fmt.Fprintf(os.Stderr, "  corpusd ingest <collection> <file>         Ingest a file into a collection\n")
	fmt.Fprintf(os.Stderr, "  corpusd search <collection> <query>        Hybrid search with reranking\n")
	fmt.Fprintf(os.Stderr, "  corpusd synthesize <collection> <query>    Search and synthesize a multi-source answer\n")
	fmt.Fprintf(os.Stderr, "  corpusd version                            Show version information\n")
}

func printVersion() {
	fmt.Printf("corpusd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// app holds the wired engine.
type app struct {
	logger       *zap.Logger
	telemetry    *telemetry.Telemetry
	store        *store.Store
	flags        *costs.FallbackState
	tracker      *costs.Tracker
	router       *embeddings.Router
	reranker     *reranker.Service
	orchestrator *ingest.Orchestrator
	fuser        *search.Fuser
	synthesizer  *synthesis.Engine
}

// setup loads configuration and constructs every component once, passing
// explicit references down instead of relying on process-global state.
func setup(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Endpoint:       cfg.Telemetry.Endpoint,
		Protocol:       cfg.Telemetry.Protocol,
		ServiceName:    "corpusd",
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		Insecure:       cfg.Telemetry.Insecure,
		ExportInterval: cfg.Telemetry.ExportInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	embeddingDim := embeddings.DimensionForModel(cfg.Embeddings.Local.Model)
	if cfg.Embeddings.DefaultProvider == "openai" && cfg.Embeddings.OpenAI.APIKey.IsSet() {
		embeddingDim = embeddings.DimensionForModel(cfg.Embeddings.OpenAI.Model)
	}

	st, err := store.New(ctx, store.Config{
		DSN:          cfg.Store.DSN.Value(),
		MaxConns:     int32(cfg.Store.MaxConns),
		EmbeddingDim: embeddingDim,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to store: %w", err)
	}

	flags := costs.NewFallbackState()
	tracker, err := costs.NewTracker(st, flags, costs.Config{
		MonthlyBudget: cfg.Budget.Monthly,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing cost tracker: %w", err)
	}

	router, err := buildRouter(cfg, flags, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing embedding router: %w", err)
	}

	rerankSvc, err := reranker.NewFromConfig(reranker.Config{
		Provider: cfg.Reranker.Provider,
		APIKey:   cfg.Reranker.APIKey.Value(),
		BaseURL:  cfg.Reranker.BaseURL,
		Model:    cfg.Reranker.Model,
		Timeout:  time.Duration(cfg.Reranker.Timeout),
	}, flags, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing reranker: %w", err)
	}

	splitter, err := chunker.New(chunker.Config{
		MaxSize: cfg.Chunker.MaxSize,
		Overlap: cfg.Chunker.Overlap,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing chunker: %w", err)
	}

	embedder := &trackedEmbedder{router: router, tracker: tracker, logger: logger}
	orchestrator := ingest.NewOrchestrator(st, st, embedder,
		ingest.NewTextExtractor(), splitter, nil, logger)

	fuser := search.NewFuser(
		search.NewLexicalSearcher(st),
		search.NewVectorSearcher(st, embedder, 0),
		search.FuserConfig{},
		logger,
	)

	var judge synthesis.Judge
	if cfg.Synthesis.DetectContradictions {
		model, err := buildJudgeModel(cfg)
		if err != nil {
			// Synthesis still works without the judge.
			logger.Warn("contradiction judge unavailable", zap.Error(err))
		} else {
			judge = synthesis.NewLLMJudge(model, logger)
		}
	}
	synthesizer := synthesis.NewEngine(embedder, judge, flags, synthesis.Config{
		SimilarityThreshold:  cfg.Synthesis.SimilarityThreshold,
		DetectContradictions: cfg.Synthesis.DetectContradictions,
	}, logger)

	return &app{
		logger:       logger,
		telemetry:    tel,
		store:        st,
		flags:        flags,
		tracker:      tracker,
		router:       router,
		reranker:     rerankSvc,
		orchestrator: orchestrator,
		fuser:        fuser,
		synthesizer:  synthesizer,
	}, nil
}

func buildRouter(cfg *config.Config, flags *costs.FallbackState, logger *zap.Logger) (*embeddings.Router, error) {
	providers := []embeddings.Provider{}

	local, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Kind: embeddings.KindLocal,
		Local: embeddings.LocalConfig{
			BaseURL:        cfg.Embeddings.Local.BaseURL,
			Model:          cfg.Embeddings.Local.Model,
			Retries:        cfg.Embeddings.Local.Retries,
			RetryBaseDelay: time.Duration(cfg.Embeddings.Local.RetryBaseDelay),
		},
	})
	if err != nil {
		return nil, err
	}
	providers = append(providers, local)

	defaultProvider := cfg.Embeddings.DefaultProvider
	if cfg.Embeddings.OpenAI.APIKey.IsSet() {
		openai, err := embeddings.NewProvider(embeddings.ProviderConfig{
			Kind: embeddings.KindOpenAI,
			OpenAI: embeddings.OpenAIConfig{
				APIKey:  cfg.Embeddings.OpenAI.APIKey.Value(),
				BaseURL: cfg.Embeddings.OpenAI.BaseURL,
				Model:   cfg.Embeddings.OpenAI.Model,
			},
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, openai)
	} else if defaultProvider == "openai" {
		logger.Info("openai embeddings have no credentials, using local")
		defaultProvider = "local"
	}

	profiles := map[embeddings.ContentType]string{}
	for ct, profile := range cfg.Embeddings.Profiles {
		profiles[embeddings.ContentType(ct)] = profile.Provider
	}

	return embeddings.NewRouter(providers, embeddings.RouterConfig{
		DefaultProvider: defaultProvider,
		Profiles:        profiles,
		BatchSize:       cfg.Embeddings.BatchSize,
	}, flags, logger)
}

func buildJudgeModel(cfg *config.Config) (llms.Model, error) {
	switch cfg.Synthesis.LLMProvider {
	case "ollama":
		return ollama.New(
			ollama.WithServerURL(cfg.Synthesis.OllamaURL),
			ollama.WithModel(cfg.Synthesis.LLMModel),
		)
	case "openai":
		if !cfg.Embeddings.OpenAI.APIKey.IsSet() {
			return nil, fmt.Errorf("synthesis llm_provider openai requires an api key")
		}
		return lcopenai.New(
			lcopenai.WithToken(cfg.Embeddings.OpenAI.APIKey.Value()),
			lcopenai.WithModel(cfg.Synthesis.LLMModel),
		)
	default:
		return nil, fmt.Errorf("unknown synthesis llm_provider %q", cfg.Synthesis.LLMProvider)
	}
}

func (a *app) Close() {
	if err := a.reranker.Close(); err != nil {
		a.logger.Warn("closing reranker", zap.Error(err))
	}
	if err := a.router.Close(); err != nil {
		a.logger.Warn("closing embedding providers", zap.Error(err))
	}
	a.store.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.telemetry.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("shutting down telemetry", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func (a *app) runIngest(ctx context.Context, collection, path string) error {
	coll, err := a.store.CreateCollection(ctx, collection)
	if err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("inspecting file: %w", err)
	}

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "text/plain"
	}

	doc := &store.Document{
		CollectionID: coll.ID,
		Title:        filepath.Base(path),
		FilePath:     path,
		ContentType:  contentType,
		FileSize:     info.Size(),
	}
	if err := a.store.CreateDocument(ctx, doc); err != nil {
		return err
	}

	if err := a.orchestrator.Ingest(ctx, doc.ID); err != nil {
		return err
	}

	count, err := a.store.CountChunks(ctx, doc.ID)
	if err != nil {
		return err
	}
	fmt.Printf("ingested %s into %s: document %s, %d chunks\n",
		path, collection, doc.ID, count)
	return nil
}

func (a *app) runSearch(ctx context.Context, collection, query string, topK int, provider string) error {
	results, err := a.search(ctx, collection, query, topK, provider)
	if err != nil {
		return err
	}
	return printJSON(results)
}

func (a *app) runSynthesize(ctx context.Context, collection, query string, topK int) error {
	results, err := a.search(ctx, collection, query, topK, "")
	if err != nil {
		return err
	}
	out, err := a.synthesizer.Synthesize(ctx, query, results)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func (a *app) search(ctx context.Context, collection, query string, topK int, provider string) ([]search.Result, error) {
	coll, err := a.store.GetCollection(ctx, collection)
	if err != nil {
		return nil, err
	}

	fused, err := a.fuser.Search(ctx, coll.ID, query, topK)
	if err != nil {
		return nil, err
	}

	reranked, served, err := a.reranker.Rerank(ctx, query, fused, reranker.Options{
		Provider: provider,
		TopK:     topK,
	})
	if err != nil {
		return nil, err
	}

	// Only paid rerank calls cost money; passthroughs and the local scorer
	// must not show up in the usage log.
	if served != reranker.ProviderNone && served != reranker.ProviderLocal {
		a.trackRerank(ctx, coll.ID, served, len(reranked))
	}
	return reranked, nil
}

func (a *app) trackRerank(ctx context.Context, collectionID uuid.UUID, provider string, units int) {
	if err := a.tracker.Track(ctx, costs.Usage{
		Provider:     provider,
		Operation:    costs.OpRerank,
		Units:        units,
		CollectionID: &collectionID,
	}); err != nil {
		a.logger.Warn("recording rerank usage", zap.Error(err))
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// trackedEmbedder records usage for every embedding call on its way through
// the router.
type trackedEmbedder struct {
	router  *embeddings.Router
	tracker *costs.Tracker
	logger  *zap.Logger
}

func (t *trackedEmbedder) Embed(ctx context.Context, text string, opts embeddings.Options) (embeddings.Result, error) {
	res, err := t.router.Embed(ctx, text, opts)
	if err != nil {
		return res, err
	}
	t.record(ctx, res.Provider, store.EstimateTokens(text))
	return res, nil
}

func (t *trackedEmbedder) EmbedBatch(ctx context.Context, texts []string, opts embeddings.Options) ([]embeddings.Result, error) {
	results, err := t.router.EmbedBatch(ctx, texts, opts)
	if err != nil {
		return nil, err
	}
	units := map[string]int{}
	for i, r := range results {
		units[r.Provider] += store.EstimateTokens(texts[i])
	}
	for provider, n := range units {
		t.record(ctx, provider, n)
	}
	return results, nil
}

func (t *trackedEmbedder) record(ctx context.Context, provider string, units int) {
	// The local provider is free; its calls stay out of the usage log.
	if provider == embeddings.KindLocal.String() {
		return
	}
	if err := t.tracker.Track(ctx, costs.Usage{
		Provider:  provider,
		Operation: costs.OpEmbedding,
		Units:     units,
	}); err != nil {
		t.logger.Warn("recording embedding usage", zap.Error(err))
	}
}
