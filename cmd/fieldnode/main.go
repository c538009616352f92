// Package main runs a wildlife field sensor node
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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/agile-defense/fieldnode/pkg/agent"
	"github.com/agile-defense/fieldnode/pkg/analyzer"
	"github.com/agile-defense/fieldnode/pkg/camera"
	"github.com/agile-defense/fieldnode/pkg/config"
	"github.com/agile-defense/fieldnode/pkg/environment"
	"github.com/agile-defense/fieldnode/pkg/fusion"
	"github.com/agile-defense/fieldnode/pkg/handler"
	"github.com/agile-defense/fieldnode/pkg/mqtt"
	natsutil "github.com/agile-defense/fieldnode/pkg/nats"
	"github.com/agile-defense/fieldnode/pkg/node"
	"github.com/agile-defense/fieldnode/pkg/policy"
	"github.com/agile-defense/fieldnode/pkg/telemetry"
)

var version = "dev"

var errMQTTDisconnected = errors.New("driver bus disconnected")

func main() {
	config.Load()
	cfg := config.LoadNode()
	setupLogging(cfg.LogLevel, cfg.LogJSON)
	logger := log.With().Str("node_id", cfg.NodeID).Logger()

	logger.Info().
		Str("mqtt_broker", cfg.MQTTBroker).
		Str("nats_url", cfg.NATSUrl).
		Str("camera_url", cfg.CameraURL).
		Str("http_addr", cfg.HTTPAddr).
		Msg("Starting field node")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil && err != context.Canceled {
		logger.Fatal().Err(err).Msg("Field node failed")
	}
	logger.Info().Msg("Field node stopped")
}

func run(ctx context.Context, cfg config.Node, logger zerolog.Logger) error {
	tracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "fieldnode",
		ServiceVersion: version,
		NodeID:         cfg.NodeID,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRatio:    cfg.SampleRatio,
	}, logger)
	if err != nil {
		return err
	}
	defer shutdownWithTimeout(func(ctx context.Context) error { return tracing.Shutdown(ctx) }, logger, "tracing")

	base, err := agent.NewBaseAgentWithLogger(agent.Config{
		ID:           cfg.NodeID,
		Type:         agent.AgentTypeNode,
		NATSUrl:      cfg.NATSUrl,
		NATSUser:     cfg.NATSUser,
		NATSPassword: cfg.NATSPassword,
		Version:      version,
	}, logger)
	if err != nil {
		return err
	}
	if err := base.Start(ctx); err != nil {
		return err
	}
	defer shutdownWithTimeout(base.Stop, logger, "agent")

	fusionCfg, err := config.LoadFusion(cfg.FusionPath)
	if err != nil {
		return err
	}
	store, err := fusion.NewStore(fusionCfg)
	if err != nil {
		return err
	}

	adapter, err := environment.NewAdapter(environment.DefaultAdapterConfig())
	if err != nil {
		return err
	}

	analyzers, err := buildAnalyzers(cfg, fusionCfg)
	if err != nil {
		return err
	}

	dispatcher, err := buildPolicy(ctx, cfg.PolicyPath)
	if err != nil {
		return err
	}

	ambient := node.NewAmbient()
	deps := node.Deps{
		Store:       store,
		Adapter:     adapter,
		Analyzers:   analyzers,
		Environment: ambient,
		Power:       ambient,
		Dispatcher:  dispatcher,
		Logger:      logger,
		Registry:    base.Metrics(),
		Tracer:      tracing.TracerProvider().Tracer("fieldnode"),
	}

	if cfg.CameraURL != "" {
		cam := camera.NewClient(cfg.CameraURL, cfg.CameraTimeout)
		deps.Frames = cam
		deps.Stills = cam
		base.AddCheck("camera", false, cam.Health)
	} else {
		logger.Warn().Msg("No camera configured, visual confirmation disabled")
	}

	if js := base.JetStream(); js != nil {
		if err := natsutil.SetupStreams(ctx, js); err != nil {
			return err
		}
		pub := natsutil.NewPublisher(js, cfg.NodeID, []byte(cfg.Secret), logger)
		deps.Stored = append(deps.Stored, pub)
		deps.Results = append(deps.Results, pub)
	}

	bus, err := mqtt.NewClient(mqtt.ClientConfig{
		Broker:   cfg.MQTTBroker,
		ClientID: cfg.MQTTClientID,
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
	}, logger)
	if err != nil {
		return err
	}
	defer bus.Close()
	base.AddCheck("mqtt", true, func(context.Context) error {
		if !bus.IsConnected() {
			return errMQTTDisconnected
		}
		return nil
	})

	uplink := mqtt.NewUplink(bus.Native(), cfg.MQTTEventTopic, []byte(cfg.Secret), logger)
	deps.Transmitted = append(deps.Transmitted, uplink)

	fieldNode, err := node.New(deps, node.Options{
		NodeID:           cfg.NodeID,
		CycleInterval:    cfg.CycleInterval,
		FailureThreshold: cfg.FailureLimit,
		LowPowerMargin:   cfg.LowPowerMargin,
	})
	if err != nil {
		return err
	}

	bridge := mqtt.NewBridge(bus.Native(), cfg.NodeID, mqtt.DefaultTopics(), fieldNode, ambient, logger).
		RetryOn(3, 100*time.Millisecond, node.ErrQueueFull)
	if err := bridge.Subscribe(); err != nil {
		return err
	}

	if nc := base.NATS(); nc != nil {
		responder := natsutil.NewResponder(cfg.NodeID, fieldNode, logger)
		if err := responder.Start(nc); err != nil {
			return err
		}
		defer responder.Stop()
	}

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      setupRouter(cfg, fieldNode, base),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return fieldNode.Run(gCtx)
	})

	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func buildAnalyzers(cfg config.Node, fusionCfg fusion.Config) (*analyzer.Set, error) {
	var templates []analyzer.Template
	if cfg.TemplatesPath != "" {
		f, err := os.Open(cfg.TemplatesPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open audio templates: %w", err)
		}
		defer f.Close()
		if templates, err = analyzer.LoadTemplates(f); err != nil {
			return nil, err
		}
	}

	audio, err := analyzer.NewAudioAnalyzer(analyzer.DefaultAudioConfig(), templates)
	if err != nil {
		return nil, err
	}
	visual, err := analyzer.NewVisualAnalyzer(analyzer.DefaultVisualConfig())
	if err != nil {
		return nil, err
	}
	pir := analyzer.NewPIRAnalyzer(fusionCfg.PIRDebounce, analyzer.DefaultEdgeConfidence)

	return analyzer.NewSet(pir, visual, audio), nil
}

func buildPolicy(ctx context.Context, path string) (*policy.Engine, error) {
	if path == "" {
		return policy.New(ctx, "")
	}
	return policy.NewFromFile(ctx, path)
}

func setupRouter(cfg config.Node, fieldNode *node.FieldNode, base *agent.BaseAgent) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(handler.CorrelationID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if len(cfg.CORSOrigin) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigin,
			AllowedMethods: []string{"GET", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Correlation-ID", "X-Request-ID"},
			ExposedHeaders: []string{"X-Correlation-ID"},
			MaxAge:         300,
		}))
	}

	nodeHandler := handler.NewNodeHandler(fieldNode, base, log.Logger)

	r.Get("/health", nodeHandler.GetHealth)
	r.Handle("/metrics", promhttp.HandlerFor(base.Metrics(), promhttp.HandlerOpts{}))
	r.Mount("/api/v1/node", nodeHandler.Routes())

	return r
}

func setupLogging(level string, json bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if json {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
}

func shutdownWithTimeout(stop func(context.Context) error, logger zerolog.Logger, what string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := stop(ctx); err != nil {
		logger.Warn().Err(err).Str("component", what).Msg("Shutdown error")
	}
}
