// Package pushservice assembles the dispatch engine, HTTP API and optional
// Pub/Sub ingestion into one runnable service.
package pushservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-push-service/internal/api"
	"github.com/tinywideclouds/go-push-service/internal/pipeline"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
	"github.com/tinywideclouds/go-push-service/pushservice/config"
)

// MessageManager is the dispatch façade driven by the service.
type MessageManager interface {
	api.MessageService
	StartServices(ctx context.Context)
	StopServices(ctx context.Context)
}

// Flusher waits for in-flight background work.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Dependencies are the collaborators assembled by main.
type Dependencies struct {
	Manager     MessageManager
	Topics      dispatch.TopicStore
	Credentials api.CredentialWriter
	// Metrics is registered on the /internal/metrics registry. Optional.
	Metrics prometheus.Collector
	// Consumer enables Pub/Sub ingestion. Optional.
	Consumer messagepipeline.MessageConsumer
	// StatusPublisher is flushed on shutdown. Optional.
	StatusPublisher Flusher
}

type Wrapper struct {
	*microservice.BaseServer
	manager         MessageManager
	pipelineService *messagepipeline.StreamingService[push.Message]
	statusPublisher Flusher
	logger          *slog.Logger
}

// New assembles the service.
func New(
	cfg *config.Config,
	deps Dependencies,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Pipeline (optional)
	var streamingService *messagepipeline.StreamingService[push.Message]
	if deps.Consumer != nil {
		processor := pipeline.NewProcessor(deps.Manager, logger)
		var err error
		streamingService, err = messagepipeline.NewStreamingService(
			messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
			deps.Consumer,
			pipeline.SendRequestTransformer,
			processor,
			logger,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create streaming service: %w", err)
		}
	}

	// 3. API
	pushAPI := api.NewAPI(deps.Manager, deps.Topics, deps.Credentials, logger)

	// 4. Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if deps.Metrics != nil {
		if err := registry.Register(deps.Metrics); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	// Register Routes
	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(authMiddleware(handlerFunc)))
	}

	// Messages
	handle("POST /api/v1/messages", pushAPI.SendHandler)
	handle("GET /api/v1/messages/{id}", pushAPI.GetMessageHandler)

	// Devices and topics
	handle("POST /api/v1/devices", pushAPI.RegisterDeviceHandler)
	handle("GET /api/v1/apps/{appId}/devices/{deviceId}/topics", pushAPI.GetTopicsHandler)
	handle("PUT /api/v1/apps/{appId}/devices/{deviceId}/topics", pushAPI.SetTopicsHandler)

	// Credentials
	handle("PUT /api/v1/apps/{appId}/credentials/{platform}", pushAPI.UploadCredentialHandler)

	// Diagnostics
	handle("GET /api/v1/stats", pushAPI.StatsHandler)
	mux.Handle("GET /internal/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// Global OPTIONS for the API namespace (CORS preflight)
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	return &Wrapper{
		BaseServer:      baseServer,
		manager:         deps.Manager,
		pipelineService: streamingService,
		statusPublisher: deps.StatusPublisher,
		logger:          logger,
	}, nil
}

// Start launches the dispatch services and the pipeline, then blocks serving HTTP.
func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info("Dispatch services starting...")
	w.manager.StartServices(ctx)

	if w.pipelineService != nil {
		w.logger.Info("Core processing pipeline starting...")
		if err := w.pipelineService.Start(ctx); err != nil {
			w.manager.StopServices(ctx)
			return fmt.Errorf("failed to start processing service: %w", err)
		}
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

// Shutdown stops intake first, then drains dispatch and flushes status events.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	w.SetReady(false)
	var finalErr error
	if w.pipelineService != nil {
		if err := w.pipelineService.Stop(ctx); err != nil {
			w.logger.Error("Processing pipeline shutdown failed.", "err", err)
			finalErr = err
		}
	}

	w.manager.StopServices(ctx)

	if w.statusPublisher != nil {
		if err := w.statusPublisher.Flush(ctx); err != nil {
			w.logger.Error("Status publisher flush failed.", "err", err)
			finalErr = err
		}
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
