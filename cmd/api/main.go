// Package main is the entry point for the realtime server.
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

	"go.uber.org/zap"

	"github.com/civic-connect/realtime-core/internal/bridge"
	"github.com/civic-connect/realtime-core/internal/classifier"
	"github.com/civic-connect/realtime-core/internal/config"
	"github.com/civic-connect/realtime-core/internal/dispatch"
	"github.com/civic-connect/realtime-core/internal/handler"
	"github.com/civic-connect/realtime-core/internal/llm"
	natsclient "github.com/civic-connect/realtime-core/internal/nats"
	"github.com/civic-connect/realtime-core/internal/presence"
	"github.com/civic-connect/realtime-core/internal/realtime"
	"github.com/civic-connect/realtime-core/internal/relay"
	"github.com/civic-connect/realtime-core/internal/store"
	"github.com/civic-connect/realtime-core/internal/store/sqlstore"
	"github.com/civic-connect/realtime-core/internal/transport"
	"github.com/civic-connect/realtime-core/pkg/logger"
	"github.com/civic-connect/realtime-core/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log = log.With(zap.String("node_id", cfg.NodeID))
	log.Info("starting realtime server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "civic-realtime", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	checks := map[string]handler.Check{}

	// Persistent notifications and announcements
	db, err := sqlstore.Open(sqlstore.Config{
		Driver:          cfg.DBDriver,
		DSN:             cfg.DBDSN,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: time.Hour,
		LogLevel:        cfg.DBLogLevel,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer sqlstore.Close(db)
	checks["database"] = func(context.Context) error { return sqlstore.Ping(db) }

	// NATS backs the JetStream conversation store and the nats relay.
	var nc *natsclient.Client
	if cfg.ConversationStore == "jetstream" || cfg.RelayBackend == "nats" {
		nc, err = natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			Name:     "civic-realtime-" + cfg.NodeID,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,

			MaxReconnects: cfg.NATSMaxReconnects,
			ReconnectWait: cfg.NATSReconnectWait,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer nc.Close()
		checks["nats"] = nc.Check
	}

	var convs store.ConversationStore
	switch cfg.ConversationStore {
	case "jetstream":
		convs, err = natsclient.NewConversationStore(ctx, nc, natsclient.StoreConfig{
			Replicas: cfg.JetStreamReplicas,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to open conversation store: %w", err)
		}
	default:
		convs = store.NewMemoryStore(log)
	}
	log.Info("conversation store ready", zap.String("backend", cfg.ConversationStore))

	// Realtime core
	reg := realtime.NewRegistry(log)
	rooms := realtime.NewRoomTable(reg, log)

	var rel *relay.Relay
	switch cfg.RelayBackend {
	case "nats":
		rel = relay.New(cfg.NodeID, relay.NewNATSBroker(nc.Conn(), cfg.RelaySubject), rooms, log)
	case "redis":
		broker, err := relay.NewRedisBroker(ctx, relay.RedisConfig{
			Address:  cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Channel:  cfg.RelaySubject,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		checks["redis"] = broker.Ping
		rel = relay.New(cfg.NodeID, broker, rooms, log)
	}
	if rel != nil {
		rooms.SetRelay(rel)
		go func() {
			if err := rel.Run(ctx); err != nil {
				log.Error("relay stopped", zap.Error(err))
			}
		}()
		defer rel.Close()
	}

	typing := presence.New(rooms, log,
		presence.WithExpiry(cfg.TypingExpiry),
		presence.WithSweepInterval(cfg.TypingSweepInterval),
	)
	go typing.Run(ctx)

	disp := dispatch.New(reg, rooms, convs, typing, log)

	b := bridge.New(bridge.Deps{
		Conversations: convs,
		Notifications: sqlstore.NewNotificationStore(db),
		Announcements: sqlstore.NewAnnouncementStore(db),
		Dispatcher:    disp,
		Assistant:     classifier.NewAssistant(newClassifier(cfg, log), cfg.ClassifierMinConfidence, cfg.ClassifierTimeout, log),
		Logger:        log,
	})

	ws := transport.NewHandler(reg, disp, cfg.JWTSecret, transport.Config{
		WriteWait:      cfg.WSWriteWait,
		PongWait:       cfg.WSPongWait,
		PingInterval:   cfg.WSPingInterval,
		MaxMessageSize: cfg.WSMaxMessageSize,
		SendBuffer:     cfg.WSSendBuffer,
		AuthTimeout:    cfg.WSAuthTimeout,
		AllowedOrigins: cfg.WSAllowedOrigins,
	}, log)

	router := handler.NewRouter(handler.RouterConfig{
		Bridge:            b,
		Health:            handler.NewHealthHandler(reg, rooms, checks),
		Websocket:         ws,
		JWTSecret:         cfg.JWTSecret,
		AllowedOrigins:    cfg.WSAllowedOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Logger:            log,
	})

	// Websocket pumps replace these deadlines after the upgrade.
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	n := reg.CloseAll()
	ws.Wait()

	log.Info("server stopped", zap.Int("connections_closed", n))
	return nil
}

// newClassifier picks the classification backend. A nil classifier makes
// every reply the fallback acknowledgement.
func newClassifier(cfg *config.Config, log *logger.Logger) classifier.Classifier {
	if cfg.ClassifierURL != "" {
		return classifier.NewHTTPClassifier(cfg.ClassifierURL, &http.Client{Timeout: cfg.ClassifierTimeout})
	}

	llmCfg := llm.Config{Provider: llm.Provider(cfg.DefaultLLM), Model: cfg.LLMModel}
	switch llmCfg.Provider {
	case llm.ProviderOpenAI:
		llmCfg.APIKey = cfg.OpenAIAPIKey
	default:
		llmCfg.Provider = llm.ProviderAnthropic
		llmCfg.APIKey = cfg.AnthropicAPIKey
	}
	if llmCfg.APIKey == "" {
		log.Warn("no classifier configured, assistant replies use the fallback")
		return nil
	}

	client, err := llm.NewClient(llmCfg)
	if err != nil {
		log.Warn("failed to create LLM client, assistant replies use the fallback", zap.Error(err))
		return nil
	}
	return classifier.NewLLMClassifier(client, cfg.LLMModel)
}
