package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/timmy/ringforge/internal/api"
	"github.com/timmy/ringforge/internal/artifact"
	"github.com/timmy/ringforge/internal/config"
	"github.com/timmy/ringforge/internal/jobs"
	"github.com/timmy/ringforge/internal/logger"
	"github.com/timmy/ringforge/internal/repository"
	"github.com/timmy/ringforge/internal/service"
	"github.com/timmy/ringforge/internal/storage"
)

var CLI struct {
	Config string `long:"config" short:"c" env:"CONFIG_PATH" description:"Path to the YAML config file"`

	Kind string `long:"kind" env:"SERVICE_KIND" choice:"generate" choice:"edit" choice:"validate" choice:"screenshot" description:"Task kind hosted by this instance (overrides service.kind)"`

	Port int `long:"port" description:"HTTP port (overrides server.port)"`
}

func main() {
	parser := flags.NewParser(&CLI, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	log := logger.NewDefault()
	logger.SetDefaultLogger(log)
	defer logger.Sync()

	cfg, err := config.Load(CLI.Config)
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}
	if CLI.Kind != "" {
		cfg.Service.Kind = CLI.Kind
	}
	if CLI.Port > 0 {
		cfg.Server.Port = CLI.Port
	}

	ctx := log.WithContext(context.Background())
	ctx = logger.WithFields(ctx, logger.Fields{logger.FieldKind: cfg.Service.Kind})

	task, deps, err := buildTask(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize %s service: %v", cfg.Service.Kind, err)
	}

	manager := jobs.NewManager(jobs.Options{
		Kind:              task.Kind(),
		MaxConcurrentJobs: cfg.Jobs.MaxConcurrentJobs,
		MaxQueueSize:      cfg.Jobs.MaxQueueSize,
		FinishedJobTTL:    cfg.Jobs.FinishedJobTTL,
		CleanupInterval:   cfg.Jobs.CleanupInterval,
		MaxJobRecords:     cfg.Jobs.MaxJobRecords,
	}, task)
	manager.Start(ctx)

	router := api.SetupRouter(api.RouterDeps{
		Jobs:     manager,
		Task:     task,
		Sessions: deps.Sessions,
		Logger:   log,
		SyncWait: cfg.Jobs.SyncWaitTimeout,
		Blender:  deps.blender.Available,
		LLM:      deps.llm.Available,
	}, cfg)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.With(logger.Fields{
			"port":    cfg.Server.Port,
			"mode":    cfg.Server.Mode,
			"workers": cfg.Jobs.MaxConcurrentJobs,
		}).Info(ctx, "Starting %s API server", cfg.Service.Name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.CtxInfo(ctx, "Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.CtxError(ctx, "Server forced to shutdown: %v", err)
	}

	// in-flight renders are allowed to finish
	logger.CtxInfo(ctx, "Waiting for running jobs to finish...")
	manager.Stop()

	logger.CtxInfo(ctx, "Server exited")
}

// wiring keeps the concrete collaborators the router probes.
type wiring struct {
	*service.Deps
	blender *service.BlenderRunner
	llm     *service.LLMService
}

// buildTask wires the collaborators of the configured kind.
func buildTask(ctx context.Context, cfg *config.Config) (service.Task, *wiring, error) {
	systemPrompt, err := loadMasterPrompt(ctx, cfg.LLM.MasterPromptPath)
	if err != nil {
		return nil, nil, err
	}

	llm := service.NewLLMService(&service.LLMConfig{
		Model:             cfg.LLM.Model,
		APIKey:            cfg.LLM.APIKey,
		BaseURL:           cfg.LLM.BaseURL,
		SystemPrompt:      systemPrompt,
		MaxTokens:         cfg.LLM.MaxTokens,
		InputCostPerMTok:  cfg.LLM.InputCostPerMTok,
		OutputCostPerMTok: cfg.LLM.OutputCostPerMTok,
		Timeout:           cfg.LLM.Timeout,
	})
	if !llm.Available() && cfg.Service.Kind != config.KindScreenshot {
		logger.CtxWarn(ctx, "No LLM API key configured; jobs will fail at the first LLM call")
	}

	blender := service.NewBlenderRunner(cfg.Render.BlenderExecutable, cfg.Render.Timeout, cfg.Render.MinArtifactBytes)
	if !blender.Available() {
		logger.CtxWarn(ctx, "Blender executable %q not found", cfg.Render.BlenderExecutable)
	}

	sessions, err := service.NewSessionStore(cfg.Render.SessionsDir)
	if err != nil {
		return nil, nil, err
	}

	var (
		signer    artifact.Signer
		publisher service.ArtifactPublisher
	)
	if cfg.Storage.Enabled() {
		store, err := storage.NewStorage(ctx, cfg.Storage)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		signer = storage.NewSigner(store, cfg.Artifacts.SignedURLTTL)
		if cfg.Storage.UploadEnabled {
			if err := store.EnsureBucket(ctx); err != nil {
				return nil, nil, fmt.Errorf("failed to ensure storage bucket: %w", err)
			}
			publisher = storage.NewPublisher(store)
		}
		logger.With(logger.Fields{"bucket": cfg.Storage.Bucket, "upload": cfg.Storage.UploadEnabled}).
			Info(ctx, "Object storage configured")
	}

	index, err := openIndex(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	resolver, err := artifact.NewResolver(artifact.Options{
		CacheDir:  cfg.Artifacts.CacheDir,
		Extension: cacheExtension(cfg.Service.Kind),
	}, signer, artifact.NewHTTPFetcher(artifact.FetcherConfig{
		Timeout: cfg.Artifacts.HTTPTimeout,
		Retries: cfg.Artifacts.FetchRetries,
	}), index)
	if err != nil {
		return nil, nil, err
	}

	deps := &service.Deps{
		Generator:     llm,
		Repairer:      llm,
		Reviewer:      llm,
		Renderer:      blender,
		Resolver:      resolver,
		Publisher:     publisher,
		Sessions:      sessions,
		DefaultModel:  llm.GetModel(),
		Budget:        service.Budget{MaxRetries: cfg.Pipeline.MaxRetries, MaxCostUSD: cfg.Pipeline.MaxCostUSD},
		RenderTimeout: cfg.Render.Timeout,
		Screenshot:    cfg.Render.ScreenshotSize,
	}
	w := &wiring{Deps: deps, blender: blender, llm: llm}

	switch cfg.Service.Kind {
	case config.KindEdit:
		return service.NewEditTask(deps), w, nil
	case config.KindValidate:
		return service.NewValidateTask(deps), w, nil
	case config.KindScreenshot:
		return service.NewScreenshotTask(deps), w, nil
	default:
		return service.NewGenerateTask(deps), w, nil
	}
}

// openIndex opens the artifact cache index. The "memory" driver keeps it in
// process, which loses the index on restart but not the cached files.
func openIndex(ctx context.Context, cfg *config.Config) (artifact.Index, error) {
	if cfg.Database.Driver == "memory" {
		return repository.NewMemoryArtifactCache(), nil
	}
	db, err := repository.InitDB(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return repository.NewArtifactCacheRepository(db), nil
}

func loadMasterPrompt(ctx context.Context, path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read master prompt: %w", err)
	}
	logger.With(logger.Fields{"path": path}).WithSize(int64(len(data))).Info(ctx, "Master prompt loaded")
	return string(data), nil
}

func cacheExtension(kind string) string {
	switch kind {
	case config.KindScreenshot:
		return ".glb"
	case config.KindValidate:
		return ".png"
	}
	return ""
}
