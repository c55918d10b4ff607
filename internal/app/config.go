package app

import (
	"clai-chat/internal/auth"
	"clai-chat/internal/config"
	"clai-chat/internal/events"
	"clai-chat/internal/logger"
	"clai-chat/internal/repository/db"
	"clai-chat/internal/repository/memory"
	"clai-chat/internal/repository/postgres"
	"clai-chat/internal/service/conversation"
	"clai-chat/internal/service/embedding"
	"clai-chat/internal/service/knowledge"
	"clai-chat/internal/service/llm"
	"clai-chat/internal/service/metrics"
	"clai-chat/internal/service/webhook"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Config holds all application dependencies and configuration
type Config struct {
	// Database interface for data persistence
	DB db.Database
	// Centralized application configuration
	AppConfig *config.AppConfig

	Bus           events.Bus
	Knowledge     *knowledge.Index
	Metrics       *metrics.Service
	Conversations *conversation.ConversationService
	Webhooks      *webhook.Dispatcher
	Notifier      *webhook.Notifier
	Auth          *auth.Authenticator
	Authorizer    auth.Authorizer

	relayCancel context.CancelFunc
	relayDone   sync.WaitGroup
}

// NewConfig wires every service from appConfig
func NewConfig(ctx context.Context, appConfig *config.AppConfig) (*Config, error) {
	database, err := openDatabase(appConfig.Database)
	if err != nil {
		return nil, err
	}

	bus, err := openBus(ctx, appConfig.Events)
	if err != nil {
		database.Close()
		return nil, err
	}

	provider, err := llm.NewProvider(&appConfig.Generation)
	if err != nil {
		bus.Close()
		database.Close()
		return nil, fmt.Errorf("error creating generation provider: %w", err)
	}

	embedder, err := embedding.NewEmbedder(appConfig.Embedding, appConfig.Generation.OpenAIAPIKey, appConfig.Generation.OpenAIBaseURL)
	if err != nil {
		bus.Close()
		database.Close()
		return nil, fmt.Errorf("error creating embedder: %w", err)
	}

	return NewConfigWith(database, bus, provider, embedder, appConfig), nil
}

// NewConfigWith wires services over already constructed infrastructure
func NewConfigWith(database db.Database, bus events.Bus, provider llm.Provider, embedder embedding.Embedder, appConfig *config.AppConfig) *Config {
	index := knowledge.NewIndex(database, embedder)
	metricsService := metrics.NewService(database, appConfig.Metrics.Location)
	dispatcher := webhook.NewDispatcher(database, appConfig.Webhook.Timeout)

	logger.Log.WithFields(logrus.Fields{
		"db_driver":           appConfig.Database.Driver,
		"event_bus":           appConfig.Events.Bus,
		"generation_provider": appConfig.Generation.Provider,
		"generation_model":    provider.DefaultModel(),
		"embedding_provider":  appConfig.Embedding.Provider,
	}).Info("Application services configured")

	return &Config{
		DB:            database,
		AppConfig:     appConfig,
		Bus:           bus,
		Knowledge:     index,
		Metrics:       metricsService,
		Conversations: conversation.NewConversationService(database, index, provider, metricsService, bus, appConfig.Generation.Timeout),
		Webhooks:      dispatcher,
		Notifier:      webhook.NewNotifier(dispatcher, appConfig.Webhook.MaxInFlight, appConfig.Webhook.Timeout),
		Auth:          auth.NewAuthenticator(appConfig.Auth.JWTSecret, auth.DefaultTokenTTL),
		Authorizer:    auth.NewRoleAuthorizer(),
	}
}

func openDatabase(dbConfig config.DatabaseConfig) (db.Database, error) {
	switch dbConfig.Driver {
	case "memory":
		logger.Log.Warn("Using in-memory storage, data is lost on restart")
		return memory.NewStore(), nil
	case "postgres", "":
		database, err := postgres.NewPostgresDB(dbConfig)
		if err != nil {
			return nil, fmt.Errorf("error initializing database: %w", err)
		}
		return database, nil
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", dbConfig.Driver)
	}
}

func openBus(ctx context.Context, eventsConfig config.EventsConfig) (events.Bus, error) {
	switch eventsConfig.Bus {
	case "redis":
		bus, err := events.NewRedisBus(ctx, eventsConfig.RedisURL, eventsConfig.Channel, eventsConfig.Buffer)
		if err != nil {
			return nil, fmt.Errorf("error connecting event bus: %w", err)
		}
		return bus, nil
	case "memory", "":
		return events.NewChannelBus(eventsConfig.Buffer), nil
	default:
		return nil, fmt.Errorf("unsupported EVENT_BUS %q", eventsConfig.Bus)
	}
}

// StartRelay forwards bus events to webhook subscribers until Close
func (c *Config) StartRelay(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.relayCancel = cancel

	c.relayDone.Add(1)
	go func() {
		defer c.relayDone.Done()
		if err := webhook.Relay(ctx, c.Bus, c.Notifier); err != nil {
			logger.Log.WithError(err).Error("Webhook relay stopped")
		}
	}()
}

// Close stops the relay, drains pending webhook deliveries and releases
// the bus and database
func (c *Config) Close() error {
	if c.relayCancel != nil {
		c.relayCancel()
	}
	c.relayDone.Wait()
	c.Notifier.Wait()

	return errors.Join(c.Bus.Close(), c.DB.Close())
}
