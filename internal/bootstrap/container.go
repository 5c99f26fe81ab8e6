package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/jake-jlawson/dashtech/internal/communications"
	"github.com/jake-jlawson/dashtech/internal/config"
	"github.com/jake-jlawson/dashtech/internal/diagnostics"
	"github.com/jake-jlawson/dashtech/internal/handler"
	"github.com/jake-jlawson/dashtech/internal/issue"
	"github.com/jake-jlawson/dashtech/internal/maintenance"
	"github.com/jake-jlawson/dashtech/internal/pkg/logger"
	"github.com/jake-jlawson/dashtech/internal/repository/archive"
	"github.com/jake-jlawson/dashtech/internal/websocket"
	"github.com/jake-jlawson/dashtech/pkg/embedding"
	"github.com/jake-jlawson/dashtech/pkg/events"
	"github.com/jake-jlawson/dashtech/pkg/llm"
	"github.com/jake-jlawson/dashtech/pkg/llm/factory"
	"github.com/jake-jlawson/dashtech/pkg/rag/retriever"

	pktNats "github.com/jake-jlawson/dashtech/pkg/nats"

	"github.com/redis/go-redis/v9"
)

type Container struct {
	Logger       logger.ILogger
	StreamLogger logger.ILogger

	LLM       llm.LLMProvider
	Retriever *retriever.Retriever
	Manager   *issue.Manager
	Bus       *events.Bus

	// WebSockets & HTTP
	IssueHandler *handler.IssueHandler
	WebSocketHub *websocket.Hub

	cfg     *config.Config
	natsPub *pktNats.Publisher
	rdb     *redis.Client
	ready   atomic.Bool
	cancel  context.CancelFunc
}

// NewContainer wires every component. Only a corrupted retrieval store is fatal;
// NATS and Redis are optional.
func NewContainer(cfg *config.Config) (*Container, error) {
	// 1. Core Facades
	sysLogger := logger.NewZapLogger(cfg.App.LogFilePath, cfg.App.Environment == "production")
	streamLogger := logger.NewIsolatedLogger(cfg.App.StreamLogFilePath)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Container{
		Logger:       sysLogger,
		StreamLogger: streamLogger,
		cfg:          cfg,
		cancel:       cancel,
	}

	// 2. Model providers
	llmProvider, err := factory.NewLLMProvider(cfg.Ai.LLMProvider, cfg.Ai.LLMModel, cfg.Ai.OllamaBaseURL, cfg.Ai.KeepAlive)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("init llm provider: %w", err)
	}
	c.LLM = llmProvider
	log.Printf("[INFO] Using LLM Provider: %s", llmProvider.Name())

	var embeddingProvider embedding.EmbeddingProvider
	switch cfg.Ai.EmbeddingProvider {
	case "ollama":
		embeddingProvider = embedding.NewOllamaProvider(cfg.Ai.OllamaBaseURL, cfg.Ai.EmbeddingModel)
		log.Printf("[INFO] Using Embedding Provider: OLLAMA (%s)", cfg.Ai.EmbeddingModel)
	default:
		cancel()
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Ai.EmbeddingProvider)
	}

	// 3. Retrieval store
	c.Retriever = retriever.New(cfg.Rag.StoreDir, embeddingProvider)
	if err := c.Retriever.Load(); err != nil {
		if errors.Is(err, retriever.ErrStoreCorrupted) {
			cancel()
			return nil, fmt.Errorf("load retrieval store: %w", err)
		}
		sysLogger.Warn("Bootstrap", "Retrieval store unavailable, will retry on first search", map[string]interface{}{"dir": cfg.Rag.StoreDir, "error": err.Error()})
	} else {
		sysLogger.Info("Bootstrap", "Retrieval store loaded", map[string]interface{}{"dir": cfg.Rag.StoreDir, "chunks": c.Retriever.Len()})
	}

	// 4. Event Bus + optional mirrors
	c.Bus = events.NewBus(sysLogger)

	if cfg.App.NatsURL != "" {
		natsPub, err := pktNats.NewPublisher(cfg.App.NatsURL, sysLogger)
		if err != nil {
			sysLogger.Warn("Bootstrap", "Failed to connect to NATS Publisher", map[string]interface{}{"error": err.Error()})
		} else {
			c.natsPub = natsPub
			if err := c.Bus.Subscribe(ctx, "nats-mirror", natsPub.Publish); err != nil {
				sysLogger.Warn("Bootstrap", "Failed to mirror events to NATS", map[string]interface{}{"error": err.Error()})
			}
		}
	}

	var issueArchive handler.IssueArchive
	if cfg.App.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.App.RedisURL)
		if err != nil {
			sysLogger.Warn("Bootstrap", "Failed to parse Redis URL, using direct Addr", map[string]interface{}{"error": err.Error()})
			opt = &redis.Options{Addr: cfg.App.RedisURL}
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			sysLogger.Warn("Bootstrap", "Failed to connect to Redis", map[string]interface{}{"error": err.Error()})
			_ = rdb.Close()
		} else {
			c.rdb = rdb
			redisArchive := archive.NewRedisArchive(rdb, cfg.App.ArchiveTTL, sysLogger)
			if err := c.Bus.Subscribe(ctx, "archive", redisArchive.HandleEvent); err != nil {
				sysLogger.Warn("Bootstrap", "Failed to subscribe archive", map[string]interface{}{"error": err.Error()})
			}
			issueArchive = redisArchive
		}
	}

	// WebSocket Hub (redis fan-out only when redis is up)
	wsLogger := logger.NewIsolatedLogger("logs/websocket.log")
	c.WebSocketHub = websocket.NewHub(c.rdb, wsLogger)
	go c.WebSocketHub.Run(ctx)
	if err := c.Bus.Subscribe(ctx, "hub", c.WebSocketHub.HandleEvent); err != nil {
		sysLogger.Warn("Bootstrap", "Failed to subscribe hub", map[string]interface{}{"error": err.Error()})
	}

	// 5. Agents
	callOpts := modelOptions(cfg.Ai)
	scorer := diagnostics.NewLLMAgent(llmProvider, streamLogger, callOpts...)
	planner := maintenance.NewPlanner(llmProvider, c.Retriever, streamLogger, cfg.Rag.DefaultK, callOpts...)

	c.Manager = issue.NewManager(issue.Deps{
		Scorer: scorer,
		NewTranslator: func(issueID string, emit communications.Emitter) issue.Translator {
			return communications.NewAgent(llmProvider, streamLogger, issueID, emit, callOpts...)
		},
		Planner:   planner,
		Publisher: c.Bus,
		Logger:    sysLogger,
	}, issue.Params{
		ProbabilityThreshold: cfg.Diagnostics.ProbabilityThreshold,
		IdleWait:             cfg.Diagnostics.IdleWait,
		RetryBackoff:         cfg.Diagnostics.RetryBackoff,
	})

	// 6. Handlers
	c.IssueHandler = handler.NewIssueHandler(c.Manager, c.WebSocketHub, issueArchive, c.Ready, wsLogger)

	return c, nil
}

// modelOptions are the per-call settings shared by every agent.
func modelOptions(cfg config.AIConfig) []llm.Option {
	return []llm.Option{
		llm.WithTemperature(cfg.Temperature),
		llm.WithMaxTokens(cfg.MaxTokens),
		llm.WithKeepAlive(cfg.KeepAlive),
	}
}

// Warmup loads the chat model. Failure is logged and leaves the service not ready.
func (c *Container) Warmup(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Ai.WarmupTimeout)
	defer cancel()

	if err := llm.Warmup(ctx, c.LLM, c.cfg.Ai.KeepAlive); err != nil {
		c.Logger.Warn("Bootstrap", "Model warmup failed", map[string]interface{}{"model": c.LLM.Name(), "error": err.Error()})
		return
	}
	c.ready.Store(true)
	c.Logger.Info("Bootstrap", "Model warm", map[string]interface{}{"model": c.LLM.Name()})
}

// Ready reports whether the model answered its warmup.
func (c *Container) Ready() bool {
	return c.ready.Load()
}

// Close stops the live issue and releases every connection.
func (c *Container) Close(ctx context.Context) error {
	err := c.Manager.Shutdown(ctx)

	c.cancel()
	if busErr := c.Bus.Close(); busErr != nil && err == nil {
		err = busErr
	}
	if c.natsPub != nil {
		c.natsPub.Close()
	}
	if c.rdb != nil {
		_ = c.rdb.Close()
	}
	_ = c.StreamLogger.Sync()
	_ = c.Logger.Sync()
	return err
}
