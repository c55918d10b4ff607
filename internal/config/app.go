package config

import (
	"clai-chat/internal/logger"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// AppConfig holds all application configuration
type AppConfig struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Generation GenerationConfig
	Embedding  EmbeddingConfig
	Webhook    WebhookConfig
	Events     EventsConfig
	Auth       AuthConfig
	Metrics    MetricsConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port string
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Driver         string // postgres or memory
	Host           string
	Port           string
	User           string
	Password       string
	Name           string
	SSLMode        string
	MigrationsPath string
}

// GenerationConfig holds generation provider configuration
type GenerationConfig struct {
	Provider         string
	Model            string
	Timeout          time.Duration
	Temperature      float64
	MaxTokens        int
	OpenRouterAPIKey string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	AnthropicAPIKey  string
}

// EmbeddingConfig holds embedding provider configuration
type EmbeddingConfig struct {
	Provider   string // openai or hash
	Model      string
	Dimensions int
	Timeout    time.Duration
}

// WebhookConfig holds outbound webhook configuration
type WebhookConfig struct {
	Timeout     time.Duration
	MaxInFlight int
}

// EventsConfig selects the event bus
type EventsConfig struct {
	Bus      string // memory or redis
	RedisURL string
	Channel  string
	Buffer   int
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret []byte
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Location *time.Location
}

// LoadConfig loads and validates application configuration from environment.
// A .env file in the working directory is applied first when present.
func LoadConfig() (*AppConfig, error) {
	if err := godotenv.Load(); err == nil {
		logger.Log.Debug("Loaded environment from .env")
	}

	config := &AppConfig{}

	// Load Server config
	config.Server = ServerConfig{
		Port: getEnvOrDefault("SERVER_PORT", "8080"),
	}

	// Load Database config
	config.Database = DatabaseConfig{
		Driver:         getEnvOrDefault("DB_DRIVER", "postgres"),
		Host:           getEnvOrDefault("DB_HOST", "postgres"),
		Port:           getEnvOrDefault("DB_PORT", "5432"),
		User:           getEnvOrDefault("DB_USER", "postgres"),
		Password:       getEnvOrDefault("DB_PASSWORD", "postgres"),
		Name:           getEnvOrDefault("DB_NAME", "clai_chat"),
		SSLMode:        getEnvOrDefault("DB_SSLMODE", "disable"),
		MigrationsPath: getEnvOrDefault("MIGRATIONS_PATH", "migrations"),
	}
	if config.Database.Driver != "postgres" && config.Database.Driver != "memory" {
		return nil, fmt.Errorf("DB_DRIVER must be postgres or memory, got %q", config.Database.Driver)
	}

	// Load Generation config
	config.Generation = GenerationConfig{
		Provider:         getEnvOrDefault("GENERATION_PROVIDER", "openai"),
		Model:            os.Getenv("GENERATION_MODEL"),
		Timeout:          getEnvAsDuration("GENERATION_TIMEOUT", 30*time.Second),
		Temperature:      getEnvAsFloat("GENERATION_TEMPERATURE", 0.7),
		MaxTokens:        getEnvAsInt("GENERATION_MAX_TOKENS", 1024),
		OpenRouterAPIKey: os.Getenv("OPENROUTER_API_KEY"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:    os.Getenv("OPENAI_BASE_URL"),
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
	}
	if config.Generation.Timeout <= 0 {
		return nil, fmt.Errorf("GENERATION_TIMEOUT must be positive")
	}

	// Load Embedding config
	config.Embedding = EmbeddingConfig{
		Provider:   getEnvOrDefault("EMBEDDING_PROVIDER", "openai"),
		Model:      getEnvOrDefault("EMBEDDING_MODEL", "text-embedding-3-small"),
		Dimensions: getEnvAsInt("EMBEDDING_DIMENSIONS", 384),
		Timeout:    getEnvAsDuration("EMBEDDING_TIMEOUT", 10*time.Second),
	}
	if config.Embedding.Provider == "openai" && config.Generation.OpenAIAPIKey == "" {
		logger.Log.Warn("OPENAI_API_KEY not set, falling back to hash embeddings")
		config.Embedding.Provider = "hash"
	}

	// Load Webhook config
	config.Webhook = WebhookConfig{
		Timeout:     getEnvAsDuration("WEBHOOK_TIMEOUT", 5*time.Second),
		MaxInFlight: getEnvAsInt("WEBHOOK_MAX_IN_FLIGHT", 16),
	}
	if config.Webhook.MaxInFlight < 1 {
		config.Webhook.MaxInFlight = 1
	}

	// Load Events config
	config.Events = EventsConfig{
		Bus:      getEnvOrDefault("EVENT_BUS", "memory"),
		RedisURL: getEnvOrDefault("REDIS_URL", "redis://redis:6379/0"),
		Channel:  getEnvOrDefault("EVENT_CHANNEL", "clai:events"),
		Buffer:   getEnvAsInt("EVENT_BUFFER", 256),
	}

	// Load Auth config
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable must be set")
	}
	if len(jwtSecret) < 32 {
		return nil, fmt.Errorf("JWT_SECRET must be at least 32 characters (current length: %d)", len(jwtSecret))
	}
	config.Auth = AuthConfig{JWTSecret: []byte(jwtSecret)}

	// Load Metrics config
	tz := getEnvOrDefault("METRICS_TIMEZONE", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid METRICS_TIMEZONE %q: %w", tz, err)
	}
	config.Metrics = MetricsConfig{Location: loc}

	return config, nil
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Helper functions for environment variable parsing

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		logger.Log.WithFields(logrus.Fields{"key": key, "default": defaultValue}).Warn("Invalid integer value, using default")
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		logger.Log.WithFields(logrus.Fields{"key": key, "default": defaultValue}).Warn("Invalid float value, using default")
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		logger.Log.WithFields(logrus.Fields{"key": key, "default": defaultValue}).Warn("Invalid duration value, using default")
		return defaultValue
	}
	return value
}
