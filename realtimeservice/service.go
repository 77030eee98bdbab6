// Package realtimeservice assembles the realtime service: live app sessions,
// the inbound push pipeline and the HTTP API around them.
package realtimeservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-realtime-service/internal/api"
	"github.com/tinywideclouds/go-realtime-service/internal/metrics"
	"github.com/tinywideclouds/go-realtime-service/internal/pipeline"
	"github.com/tinywideclouds/go-realtime-service/internal/session"
	"github.com/tinywideclouds/go-realtime-service/internal/subscription"
	"github.com/tinywideclouds/go-realtime-service/pkg/dispatch"
	"github.com/tinywideclouds/go-realtime-service/pkg/livefeed"
	"github.com/tinywideclouds/go-realtime-service/pkg/pushroute"
	"github.com/tinywideclouds/go-realtime-service/realtimeservice/config"
)

// PostStore is the remote document store holding the live feed counters.
type PostStore interface {
	livefeed.Listener
	livefeed.Mutator
}

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[pipeline.PushRequest]
	hub             *session.Hub
	mutations       *subscription.Mutations
	metrics         *metrics.Metrics
	logger          *slog.Logger
}

// New assembles the service.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	dispatchers pipeline.Dispatchers,
	tokenStore dispatch.TokenStore,
	posts PostStore,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)
	mx := metrics.New()

	// Live sessions
	mutations := subscription.NewMutations(posts, cfg.Live.MutationTimeout, mx, logger)
	hub := session.NewHub(posts, mutations, session.Config{
		WindowSize:   cfg.Live.WindowSize,
		ResyncPolicy: subscription.ParseResyncPolicy(cfg.Live.ResyncPolicy),
		Channel: pushroute.Channel{
			ID:         cfg.Live.AndroidChannelID,
			Name:       "Default",
			Importance: "high",
		},
		PingInterval: cfg.Live.PingInterval,
	}, mx, logger)

	// Inbound push pipeline
	processor := pipeline.NewProcessor(hub, dispatchers, tokenStore, mx, logger)
	streamingService, err := messagepipeline.NewStreamingService(
		messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
		consumer,
		pipeline.PushRequestTransformer,
		processor,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming service: %w", err)
	}

	tokenAPI := api.NewTokenAPI(tokenStore, logger)
	counterAPI := api.NewCounterAPI(mutations, logger)
	liveAPI := api.NewLiveAPI(hub, cfg.CorsConfig.AllowedOrigins, logger)

	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(authMiddleware(handlerFunc)))
	}

	// Device registration
	handle("POST /api/v1/register/fcm", tokenAPI.RegisterFCM)
	handle("POST /api/v1/register/apns", tokenAPI.RegisterAPNS)
	handle("POST /api/v1/register/web", tokenAPI.RegisterWeb)
	handle("POST /api/v1/unregister/fcm", tokenAPI.UnregisterFCM)
	handle("POST /api/v1/unregister/apns", tokenAPI.UnregisterAPNS)
	handle("POST /api/v1/unregister/web", tokenAPI.UnregisterWeb)

	// Optimistic counters
	handle("POST /api/v1/posts/{id}/likes", counterAPI.Like)
	handle("DELETE /api/v1/posts/{id}/likes", counterAPI.Unlike)
	handle("POST /api/v1/posts/{id}/comments", counterAPI.Comment)
	handle("DELETE /api/v1/posts/{id}/comments", counterAPI.Uncomment)

	// Live session (websocket)
	handle("GET /api/v1/live", liveAPI.Connect)

	// CORS preflight for the API namespace
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	mux.Handle("GET /metrics", mx.Handler())

	return &Wrapper{
		BaseServer:      baseServer,
		pipelineService: streamingService,
		hub:             hub,
		mutations:       mutations,
		metrics:         mx,
		logger:          logger,
	}, nil
}

// Hub returns the live session registry.
func (w *Wrapper) Hub() *session.Hub {
	return w.hub
}

func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info("Core processing pipeline starting...")
	if err := w.pipelineService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start processing service: %w", err)
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

// Shutdown stops intake first, then ends live sessions (releasing every
// listener), then drains in-flight counter writes.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	w.SetReady(false)

	var finalErr error
	if err := w.pipelineService.Stop(ctx); err != nil {
		w.logger.Error("Processing pipeline shutdown failed.", "err", err)
		finalErr = err
	}
	if err := w.hub.Close(ctx); err != nil {
		w.logger.Error("Live sessions did not end in time.", "err", err)
		finalErr = err
	}
	if err := w.mutations.Wait(ctx); err != nil {
		w.logger.Error("Counter writes did not drain.", "err", err)
		finalErr = err
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
