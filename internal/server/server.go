// Package server assembles the chat service: store, providers, title worker,
// model catalog, the WebSocket endpoint and the REST API, plus the optional
// gRPC health endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pyamooz/pyamooz-chat/internal/api/rest"
	"github.com/pyamooz/pyamooz-chat/internal/audit"
	"github.com/pyamooz/pyamooz-chat/internal/auth"
	"github.com/pyamooz/pyamooz-chat/internal/catalog"
	"github.com/pyamooz/pyamooz-chat/internal/chat"
	"github.com/pyamooz/pyamooz-chat/internal/config"
	"github.com/pyamooz/pyamooz-chat/internal/db"
	"github.com/pyamooz/pyamooz-chat/internal/llm/provider"
	"github.com/pyamooz/pyamooz-chat/internal/llm/provider/avalai"
	"github.com/pyamooz/pyamooz-chat/internal/llm/provider/fake"
	"github.com/pyamooz/pyamooz-chat/internal/logging"
	"github.com/pyamooz/pyamooz-chat/internal/realtime"
	"github.com/pyamooz/pyamooz-chat/internal/titles"
	"github.com/pyamooz/pyamooz-chat/internal/tokens"
	"github.com/pyamooz/pyamooz-chat/internal/tracing"
	"github.com/pyamooz/pyamooz-chat/internal/version"
)

// Server owns every long-lived component of the service.
type Server struct {
	cfg    *config.Config
	logger *logging.Logger
	audit  audit.Logger

	store    *db.SQLStore
	tokens   *tokens.Counter
	registry *provider.Registry
	gateway  *chat.StoreGateway
	catalog  *catalog.Service
	titles   *titles.Worker
	handler  *realtime.MessageHandler
	realtime *realtime.Server
	health   *HealthServer
	router   http.Handler
}

// New opens the store and wires all components. Nothing listens until Run.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Server, error) {
	auditLog, err := newAuditLogger(cfg, logger.Logger)
	if err != nil {
		return nil, err
	}

	auditLog.Log(ctx, audit.NewEvent(audit.EventConfigLoaded).
		WithResult(audit.ResultSuccess).
		WithMetadata("auth_mode", cfg.Auth.Mode).
		WithMetadata("database", cfg.Database.Type).
		WithMetadata("default_provider", cfg.LLM.DefaultProvider))

	store, err := db.Open(ctx, cfg.Database.Type, cfg.Database.SQLitePath, cfg.Database.PostgresURL)
	if err != nil {
		auditLog.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		audit:    auditLog,
		store:    store,
		tokens:   tokens.NewCounter(),
		registry: NewRegistry(cfg, logger.Logger),
	}

	hub := realtime.NewHub(logger.Logger)
	s.gateway = chat.NewStoreGateway(store, nil, s.tokens, logger.Logger)
	if cfg.Titles.Enabled {
		s.titles = titles.NewWorker(titles.Config{
			Workers:   cfg.Titles.Workers,
			QueueSize: cfg.Titles.QueueSize,
			Timeout:   cfg.Titles.Timeout,
			Provider:  cfg.Titles.Provider,
			Model:     cfg.Titles.Model,
		}, store, s.registry, hub, auditLog, logger.Logger)
		s.gateway.SetTitleQueue(s.titles)
	}

	models := avalai.NewModelsClient(cfg.Catalog.ModelsURL, cfg.Catalog.CacheTTL, logger.Logger)
	models.SetHTTPClient(&http.Client{Timeout: 30 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)})
	s.catalog = catalog.NewService(store, models, auditLog, logger.Logger)

	s.handler = realtime.NewMessageHandler(realtime.HandlerConfig{
		StreamTimeout:  cfg.Realtime.StreamTimeout,
		MaxPromptChars: cfg.Realtime.MaxPromptChars,
		HistoryLimit:   realtime.DefaultHistoryLimit,
	}, s.gateway, s.registry, auditLog, logger.Logger)

	resolver := auth.Resolver{Mode: auth.Mode(cfg.Auth.Mode), Secret: cfg.Auth.JWTSecret}
	s.realtime = realtime.NewServer(realtime.TransportConfig{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxMessageBytes: cfg.Realtime.MaxMessageBytes,
		InboxSize:       cfg.Realtime.InboxSize,
	}, resolver, s.handler, hub, auditLog, logger.Logger)

	restHandler := rest.NewHandler(store, s.catalog, s.registry, auditLog, logger.Logger)
	s.router = s.routes(resolver, restHandler)

	if cfg.Server.GRPCHealthPort > 0 {
		s.health = NewHealthServer(store, 0, logger.Logger)
	}
	return s, nil
}

// NewRegistry registers every built-in provider. Factories copy the
// settings they need so later config reloads do not race with them.
func NewRegistry(cfg *config.Config, logger *zap.Logger) *provider.Registry {
	reg := provider.NewRegistry(cfg.LLM.DefaultProvider)

	delay := cfg.LLM.FakeTokenDelay
	reg.Register(fake.Name, func() (provider.Provider, error) {
		return fake.New(delay), nil
	})

	av := cfg.LLM.AvalAI
	reg.Register(avalai.Name, func() (provider.Provider, error) {
		c, err := avalai.NewClient(av.APIKey, av.Model, logger)
		if err != nil {
			return nil, err
		}
		if av.BaseURL != "" {
			c.SetBaseURL(av.BaseURL)
		}
		c.SetTransport(otelhttp.NewTransport(http.DefaultTransport))
		return c, nil
	})
	return reg
}

func newAuditLogger(cfg *config.Config, logger *zap.Logger) (audit.Logger, error) {
	if !cfg.Audit.Enabled {
		return audit.NewNopLogger(), nil
	}
	ac := audit.DefaultConfig()
	if cfg.Audit.Path != "" {
		ac.AuditLogPath = cfg.Audit.Path
	}
	l, err := audit.NewLogger(ac, logger)
	if err != nil {
		return nil, fmt.Errorf("create audit logger: %w", err)
	}
	return l, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Store exposes the opened store to CLI subcommands.
func (s *Server) Store() *db.SQLStore { return s.store }

// Catalog exposes the model catalog to CLI subcommands.
func (s *Server) Catalog() *catalog.Service { return s.catalog }

// Run listens on the configured ports and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, updates <-chan config.Config) error {
	httpLis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	var grpcLis net.Listener
	if s.health != nil {
		grpcLis, err = net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Server.GRPCHealthPort))
		if err != nil {
			httpLis.Close()
			return fmt.Errorf("listen grpc health: %w", err)
		}
	}
	return s.Serve(ctx, httpLis, grpcLis, updates)
}

// Serve runs the service on the given listeners. grpcLis may be nil, and so
// may updates. It returns after a graceful shutdown.
func (s *Server) Serve(ctx context.Context, httpLis, grpcLis net.Listener, updates <-chan config.Config) error {
	log := s.logger.Logger

	shutdownTracing := func(context.Context) error { return nil }
	if s.cfg.Tracing.Enabled {
		fn, err := tracing.Init(ctx, tracing.Options{
			ServiceName:  s.cfg.Tracing.ServiceName,
			Endpoint:     s.cfg.Tracing.Endpoint,
			SamplingRate: s.cfg.Tracing.SamplingRate,
		})
		if err != nil {
			log.Warn("Tracing disabled", zap.Error(err))
		} else {
			shutdownTracing = fn
		}
	}
	s.tokens.Preload()

	httpSrv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("address", httpLis.Addr().String()))
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown(httpSrv)
	})
	if s.titles != nil {
		g.Go(func() error { return s.titles.Run(gctx) })
	}
	if s.health != nil && grpcLis != nil {
		g.Go(func() error { return s.health.Serve(gctx, grpcLis) })
	}
	if updates != nil {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case next := <-updates:
					s.ApplyConfig(gctx, next)
				}
			}
		})
	}

	s.audit.Log(ctx, audit.NewEvent(audit.EventServerStarted).
		WithResult(audit.ResultSuccess).
		WithMetadata("version", version.Version))

	err := g.Wait()

	tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if terr := shutdownTracing(tctx); terr != nil {
		log.Warn("Tracing shutdown failed", zap.Error(terr))
	}
	s.audit.Log(tctx, audit.NewEvent(audit.EventServerShutdown).WithResult(audit.ResultSuccess))
	return err
}

func (s *Server) shutdown(httpSrv *http.Server) error {
	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("Shutting down server")
	err := httpSrv.Shutdown(ctx)
	if rerr := s.realtime.Shutdown(ctx); rerr != nil && err == nil {
		err = rerr
	}
	if err != nil {
		s.logger.Warn("Server forced to shutdown", zap.Error(err))
	}
	return nil
}

// ApplyConfig applies the settings that may change while running: the log
// level and the stream timeout.
func (s *Server) ApplyConfig(ctx context.Context, next config.Config) {
	if err := s.logger.SetLevel(next.Logging.Level); err != nil {
		s.logger.Warn("Ignoring log level from reloaded config", zap.Error(err))
	}
	s.handler.SetStreamTimeout(next.Realtime.StreamTimeout)
	s.logger.Info("Configuration reloaded",
		zap.String("log_level", next.Logging.Level),
		zap.Duration("stream_timeout", s.handler.StreamTimeout()))

	s.audit.Log(ctx, audit.NewEvent(audit.EventConfigChanged).
		WithResult(audit.ResultSuccess).
		WithMetadata("log_level", next.Logging.Level).
		WithMetadata("stream_timeout", s.handler.StreamTimeout().String()))
}

// Close releases the store and flushes the audit trail.
func (s *Server) Close() error {
	err := s.store.Close()
	if aerr := s.audit.Close(); aerr != nil && err == nil {
		err = aerr
	}
	return err
}
