package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds all configuration for the application
type Config struct {
	App      AppConfig
	Reddit   RedditConfig
	Scoring  ScoringConfig
	Database DatabaseConfig
	Server   ServerConfig
}

// AppConfig holds application-level configuration
type AppConfig struct {
	Name    string
	Version string
	// RegistryPath points at the platform registry YAML; empty uses the
	// embedded default registry.
	RegistryPath string
}

// RedditConfig holds upstream content API configuration
type RedditConfig struct {
	ClientID             string
	ClientSecret         string
	UserAgent            string
	MaxRequestsPerMinute int // value is per minute, multiply by 10 for 10-minute rate
}

// ScoringConfig holds external scoring service configuration
type ScoringConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port int
}

// LoadConfig loads configuration from .env file
func LoadConfig(envPath string, log *logrus.Logger) (*Config, error) {
	if envPath == "" {
		envPath = ".env"
	}

	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	config := &Config{
		App: AppConfig{
			Name:         getEnv("APP_NAME", "AI Pulse Tracker"),
			Version:      getEnv("APP_VERSION", "1.0.0"),
			RegistryPath: getEnv("PLATFORM_REGISTRY_PATH", ""),
		},
		Reddit: RedditConfig{
			ClientID:             getEnv("REDDIT_CLIENT_ID", ""),
			ClientSecret:         getEnv("REDDIT_CLIENT_SECRET", ""),
			UserAgent:            getEnv("REDDIT_USER_AGENT", ""),
			MaxRequestsPerMinute: getEnvAsInt("REDDIT_MAX_REQUESTS_PER_MINUTE", 100),
		},
		Scoring: ScoringConfig{
			APIKey:  getEnv("SCORING_API_KEY", ""),
			BaseURL: getEnv("SCORING_BASE_URL", "https://api.openai.com/v1"),
			Model:   getEnv("SCORING_MODEL", "gpt-4o-mini"),
		},
		Database: DatabaseConfig{
			Path: getEnv("DATABASE_PATH", "./tracker.db"),
		},
		Server: ServerConfig{
			Port: getEnvAsInt("SERVER_PORT", 8080),
		},
	}

	// validation
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	log.WithField("file", envPath).Info("Config loaded successfully")
	return config, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt gets an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	// upstream API credentials
	if config.Reddit.ClientID == "" {
		return fmt.Errorf("REDDIT_CLIENT_ID environment variable is required")
	}
	if config.Reddit.ClientSecret == "" {
		return fmt.Errorf("REDDIT_CLIENT_SECRET environment variable is required")
	}

	// User-Agent required per upstream API documentation; it has strict requirements
	if config.Reddit.UserAgent == "" {
		return fmt.Errorf("REDDIT_USER_AGENT environment variable is required")
	}

	if config.Scoring.APIKey == "" {
		return fmt.Errorf("SCORING_API_KEY environment variable is required")
	}

	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be a valid port number")
	}

	// if we are storing the db in a nested directory, create the directory
	dbDir := filepath.Dir(config.Database.Path)
	if dbDir != "." && dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	return nil
}
