package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/developer-mesh/capability-server/internal/api"
	"github.com/developer-mesh/capability-server/internal/blobstore"
	"github.com/developer-mesh/capability-server/internal/builtin"
	"github.com/developer-mesh/capability-server/internal/config"
	"github.com/developer-mesh/capability-server/internal/directory"
	"github.com/developer-mesh/capability-server/internal/discovery"
	"github.com/developer-mesh/capability-server/internal/dispatcher"
	"github.com/developer-mesh/capability-server/internal/embedding"
	"github.com/developer-mesh/capability-server/internal/mcp"
	"github.com/developer-mesh/capability-server/internal/registry"
	"github.com/developer-mesh/capability-server/internal/selector"
	"github.com/developer-mesh/capability-server/internal/vectorstore"
	"github.com/developer-mesh/capability-server/pkg/models"
	"github.com/developer-mesh/capability-server/pkg/observability"
	"github.com/developer-mesh/capability-server/pkg/resilience"
)

var (
	version = "1.0.0"
	commit  = "unknown"
)

// Exit codes: 0 graceful, 2 invalid configuration, 3 required dependency
// unreachable after the retry budget, 130 on interrupt.
const (
	exitOK         = 0
	exitBadConfig  = 2
	exitDependency = 3
	exitInterrupt  = 130
)

const sweepInterval = time.Hour

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configFile  = flag.String("config", "", "Path to configuration file")
		port        = flag.Int("port", 0, "Listener port (overrides config)")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("capability-server v%s (commit: %s)\n", version, commit)
		return exitOK
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitBadConfig
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Telemetry.LogLevel = *logLevel
	}

	var logger observability.Logger = observability.NewStandardLogger("capability-server").
		WithLevel(observability.ParseLogLevel(cfg.Telemetry.LogLevel))
	logger.Info("Capability server starting", map[string]interface{}{
		"version": version,
		"port":    cfg.Server.Port,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracer, err := observability.NewTracerProvider(ctx, observability.TracingConfig{
		Enabled:      cfg.Telemetry.TracingEnabled,
		ServiceName:  cfg.Directory.ServiceName,
		Environment:  cfg.Telemetry.Environment,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		SamplingRate: cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		logger.Warn("Tracing setup failed, continuing without traces", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		defer func() { _ = tracer.Shutdown(context.Background()) }()
	}

	metrics := observability.NewPrometheusMetrics()
	pipeline := observability.NewPipeline(logger, observability.NewStdoutSink())
	defer func() { _ = pipeline.Close() }()

	// Stores. Absent or lazily-loaded externals fall back to in-memory
	// implementations so the serving path never depends on them.
	store, err := openVectorStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Vector store unreachable", map[string]interface{}{"error": err.Error()})
		return exitDependency
	}
	defer func() { _ = store.Close() }()

	blobs, err := openBlobStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Blob store unreachable", map[string]interface{}{"error": err.Error()})
		return exitDependency
	}
	defer func() { _ = blobs.Close() }()

	var client *embedding.Client
	if cfg.Embedding.URL != "" && !cfg.LazyLoadAISelectors {
		client, err = embedding.NewClient(embedding.ClientConfig{
			BaseURL:    cfg.Embedding.URL,
			APIKey:     cfg.Embedding.APIKey,
			Model:      cfg.Embedding.EmbeddingModel,
			ChatModel:  cfg.Embedding.GenerationModel,
			Dimensions: cfg.Embedding.Dimensions,
		}, logger, metrics, pipeline)
		if err != nil {
			logger.Error("Embedding client setup failed", map[string]interface{}{"error": err.Error()})
			return exitBadConfig
		}
	}

	reg := registry.New(logger, pipeline)

	var generator builtin.Generator
	if client != nil {
		generator = client
	}
	provider := builtin.NewProvider(reg, generator)
	handlers := dispatcher.NewHandlerRegistry()
	if err := provider.RegisterHandlers(handlers); err != nil {
		logger.Error("Built-in handler registration failed", map[string]interface{}{"error": err.Error()})
		return exitBadConfig
	}
	registerBlobReader(handlers, blobs)

	// Discovery runs before the listeners open: clients never see a
	// half-populated catalog.
	disc := discovery.NewEngine(cfg.Discovery, reg, logger, metrics, pipeline)
	disc.AddSource(provider.Source())
	if cached := disc.LoadCached(ctx); cached > 0 {
		logger.Info("Restored cached catalog", map[string]interface{}{"capabilities": cached})
	}
	report := disc.Refresh(ctx)
	logger.Info("Initial discovery pass complete", map[string]interface{}{
		"accepted": len(report.Accepted),
		"rejected": len(report.Rejected),
	})

	var indexer *discovery.Indexer
	if client != nil {
		indexer = discovery.NewIndexer(reg, client, store, cfg.Discovery.IndexWorkers,
			logger, metrics, pipeline)
		indexer.SetBodyReader(func(ctx context.Context, cap *models.Capability) ([]byte, string, error) {
			reader, err := handlers.Reader(cap.Resource.ReaderRef)
			if err != nil {
				return nil, "", err
			}
			return reader(ctx, cap.Resource.URI)
		})
		if err := indexer.Start(); err != nil {
			logger.Error("Indexer start failed", map[string]interface{}{"error": err.Error()})
			return exitDependency
		}
		defer indexer.Stop()
		go sweepLoop(ctx, indexer, logger)
	}

	disp := dispatcher.New(reg, handlers, cfg.Dispatcher, logger, metrics, pipeline)

	var embedder selector.Embedder
	if client != nil {
		embedder = client
	}
	sel := selector.New(reg, store, embedder, nil, cfg.Selector, logger, metrics)

	mcpHandler := mcp.NewHandler(reg, disp, sel, logger, metrics)
	apiServer := api.NewServer(reg, disp, sel, disc, mcpHandler, logger, metrics)

	// The agent is built before serving starts (health checks are not
	// registrable afterwards) but only joins the fleet once ready. Its
	// heartbeat reports the outcome of the critical health checks.
	var agent *directory.Agent
	if cfg.Directory.URL != "" {
		agent, err = directory.NewAgent(cfg.Directory, advertisedHost(cfg), cfg.Server.Port,
			apiServer.Probe, logger, metrics, pipeline)
		if err != nil {
			logger.Error("Directory agent setup failed", map[string]interface{}{"error": err.Error()})
			return exitBadConfig
		}
		apiServer.AddCheck(api.Check{Name: "directory", Probe: agent.Ping})
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("Failed to bind listener", map[string]interface{}{
			"addr":  addr,
			"error": err.Error(),
		})
		return exitDependency
	}

	httpServer := &http.Server{
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.Serve(listener) }()
	logger.Info("Listening", map[string]interface{}{"addr": listener.Addr().String()})

	// Readiness reached: join the fleet.
	if agent != nil {
		agent.Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	code := exitOK
	select {
	case sig := <-sigCh:
		logger.Info("Signal received, shutting down", map[string]interface{}{"signal": sig.String()})
		if sig == os.Interrupt {
			code = exitInterrupt
		}
	case err := <-serveErr:
		logger.Error("HTTP server failed", map[string]interface{}{"error": err.Error()})
		code = exitDependency
	}

	// Leave the fleet before closing sockets so the directory stops
	// routing here first.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if agent != nil {
		agent.Stop(shutdownCtx)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Forced shutdown after timeout", map[string]interface{}{"error": err.Error()})
	}
	logger.Info("Shutdown complete", nil)
	return code
}

// openVectorStore connects to pgvector, falling back to the in-memory
// index when no URL is configured or externals load lazily. Connection
// and schema setup are retried on the standard budget before giving up.
func openVectorStore(ctx context.Context, cfg *config.Config, logger observability.Logger) (vectorstore.Store, error) {
	if cfg.VectorStoreURL == "" || cfg.LazyLoadExternalServices {
		logger.Info("Using in-memory vector store", nil)
		return vectorstore.NewMemoryStore(), nil
	}

	var store *vectorstore.PostgresStore
	err := resilience.Retry(ctx, resilience.DefaultRetryConfig(), func() error {
		var err error
		store, err = vectorstore.NewPostgresStore(cfg.VectorStoreURL, cfg.Embedding.Dimensions, logger)
		if err != nil {
			return err
		}
		if err = store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

// openBlobStore connects to S3 when a blob_store_url is configured, else
// serves blobs from memory. URL form:
// s3://bucket?region=us-east-1&endpoint=http://minio:9000&path_style=true
func openBlobStore(ctx context.Context, cfg *config.Config, logger observability.Logger) (blobstore.Store, error) {
	if cfg.BlobStoreURL == "" || cfg.LazyLoadExternalServices {
		logger.Info("Using in-memory blob store", nil)
		return blobstore.NewMemoryStore(), nil
	}

	u, err := url.Parse(cfg.BlobStoreURL)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return nil, fmt.Errorf("blob_store_url must be s3://bucket[?region=...]: %q", cfg.BlobStoreURL)
	}
	return blobstore.NewS3Store(ctx, blobstore.S3Config{
		Bucket:         u.Host,
		Region:         u.Query().Get("region"),
		Endpoint:       u.Query().Get("endpoint"),
		ForcePathStyle: u.Query().Get("path_style") == "true",
	}, logger)
}

// registerBlobReader resolves blob:// resource URIs through the blob
// store under the "blobstore.get" reader ref.
func registerBlobReader(handlers *dispatcher.HandlerRegistry, blobs blobstore.Store) {
	_ = handlers.RegisterReader("blobstore.get", func(ctx context.Context, uri string) ([]byte, string, error) {
		key, err := blobstore.KeyFromURI(uri)
		if err != nil {
			return nil, "", err
		}
		obj, err := blobs.Get(ctx, key)
		if err != nil {
			return nil, "", err
		}
		return obj.Data, obj.ContentType, nil
	})
}

// sweepLoop periodically removes index records whose capability is gone.
func sweepLoop(ctx context.Context, indexer *discovery.Indexer, logger observability.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			removed, err := indexer.Sweep(ctx)
			if err != nil {
				logger.Warn("Index sweep failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			if removed > 0 {
				logger.Info("Index sweep removed stale records", map[string]interface{}{
					"removed": removed,
				})
			}
		case <-ctx.Done():
			return
		}
	}
}

// advertisedHost picks the address published to the directory: the
// configured host unless it is a wildcard bind, then the hostname.
func advertisedHost(cfg *config.Config) string {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || strings.HasPrefix(host, "::") {
		if name, err := os.Hostname(); err == nil {
			return name
		}
		return "localhost"
	}
	return host
}
