// Package main runs the gateway: it archives what field nodes uplink and serves it over HTTP
package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/agile-defense/fieldnode/pkg/agent"
	"github.com/agile-defense/fieldnode/pkg/clickhouse"
	"github.com/agile-defense/fieldnode/pkg/config"
	"github.com/agile-defense/fieldnode/pkg/handler"
	"github.com/agile-defense/fieldnode/pkg/postgres"
	"github.com/agile-defense/fieldnode/pkg/telemetry"
)

var version = "dev"

type httpMetrics struct {
	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	wsClients prometheus.Gauge
	pending   prometheus.Gauge
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	m := &httpMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldnode_api_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fieldnode_api_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldnode_api_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldnode_api_results_pending",
			Help: "Modality results buffered for the telemetry store",
		}),
	}
	reg.MustRegister(m.requests, m.duration, m.wsClients, m.pending)
	return m
}

func main() {
	config.Load()
	cfg := config.LoadGateway()
	setupLogging(cfg)

	log.Info().
		Str("gateway_id", cfg.GatewayID).
		Str("nats_url", cfg.NATSUrl).
		Str("postgres_url", maskPassword(cfg.PostgresURL)).
		Str("clickhouse_addr", cfg.ClickHouseAddr).
		Str("http_addr", cfg.HTTPAddr).
		Msg("Starting field node API gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("Gateway failed")
	}
	log.Info().Msg("Field node API gateway shutdown complete")
}

func run(ctx context.Context, cfg config.Gateway) error {
	tracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "fieldnode-gateway",
		ServiceVersion: version,
		NodeID:         cfg.GatewayID,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRatio:    1,
	}, log.Logger)
	if err != nil {
		return err
	}
	defer shutdownWithTimeout(tracing.Shutdown, "tracing")

	base, err := agent.NewBaseAgentWithLogger(agent.Config{
		ID:           cfg.GatewayID,
		Type:         agent.AgentTypeGateway,
		Version:      version,
		NATSUrl:      cfg.NATSUrl,
		NATSUser:     cfg.NATSUser,
		NATSPassword: cfg.NATSPassword,
	}, log.Logger)
	if err != nil {
		return err
	}

	db, err := postgres.NewPoolFromURL(ctx, cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}
	base.AddCheck("postgres", true, db.Ping)
	log.Info().Msg("Connected to PostgreSQL")

	results := openResults(ctx, cfg)
	if results != nil {
		defer results.Close()
		base.AddCheck("clickhouse", false, results.Ping)
	} else {
		base.AddCheck("clickhouse", false, func(context.Context) error { return agent.ErrDisabled })
	}

	if err := base.Start(ctx); err != nil {
		return err
	}
	defer shutdownWithTimeout(base.Stop, "agent")

	metrics := newHTTPMetrics(base.Metrics())
	wsHub := handler.NewWebSocketHub(base.NATS(), log.Logger)

	var stats handler.StatsSource
	if results != nil {
		stats = results
	}

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      setupRouter(cfg, base, db, stats, wsHub, metrics),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		wsHub.Run(gCtx)
		return nil
	})

	if nc := base.NATS(); nc != nil {
		arch := &archiver{
			db:      db,
			secret:  []byte(cfg.Secret),
			tracer:  tracing.TracerProvider().Tracer("fieldnode-gateway"),
			record:  base,
			pending: metrics.pending,
			logger:  log.With().Str("component", "archiver").Logger(),
		}
		if results != nil {
			arch.batcher = clickhouse.NewBatcher(results, cfg.BatchSize, cfg.FlushInterval, log.Logger)
			g.Go(func() error {
				return arch.batcher.Run(gCtx)
			})
		}
		g.Go(func() error {
			return arch.Run(gCtx, base.JetStream())
		})
	} else {
		log.Warn().Msg("No uplink, archiving and live updates disabled")
	}

	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				metrics.wsClients.Set(float64(wsHub.ClientCount()))
			}
		}
	})

	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Info().Msg("Shutting down HTTP server")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func setupLogging(cfg config.Gateway) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogJSON {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
}

// openResults connects the telemetry store. It is optional: failures are logged, not returned.
func openResults(ctx context.Context, cfg config.Gateway) *clickhouse.Store {
	if cfg.ClickHouseAddr == "" {
		return nil
	}
	store, err := clickhouse.Open(ctx, clickhouse.Config{
		Addr:     cfg.ClickHouseAddr,
		Database: cfg.ClickHouseDB,
		Username: cfg.ClickHouseUser,
		Password: cfg.ClickHousePassword,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to connect to ClickHouse, result telemetry disabled")
		return nil
	}
	log.Info().Str("addr", cfg.ClickHouseAddr).Msg("Connected to ClickHouse")
	return store
}

func setupRouter(cfg config.Gateway, base *agent.BaseAgent, db *postgres.Pool, stats handler.StatsSource, wsHub *handler.WebSocketHub, metrics *httpMetrics) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(handler.CorrelationID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Correlation-ID", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Correlation-ID", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", handler.Health(base))
	r.Handle("/metrics", promhttp.HandlerFor(base.Metrics(), promhttp.HandlerOpts{}))
	r.Handle("/ws", handler.NewWebSocketHandler(wsHub, originPatterns(cfg.CORSOrigins), log.Logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/events", handler.NewEventHandler(db, log.Logger).Routes())
		r.Mount("/results", handler.NewResultHandler(stats, log.Logger).Routes())
	})

	return r
}

// originPatterns strips schemes; the websocket library matches host patterns
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
		} else {
			out = append(out, o)
		}
	}
	return out
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("correlation_id", handler.GetCorrelationID(r.Context())).
			Msg("HTTP request")
	})
}

// middleware labels requests by route pattern, not raw path
func (m *httpMetrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		m.requests.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		m.duration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func shutdownWithTimeout(stop func(context.Context) error, what string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := stop(ctx); err != nil {
		log.Warn().Err(err).Str("component", what).Msg("Shutdown error")
	}
}

// maskPassword hides the password in a connection URL for logging
func maskPassword(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}
