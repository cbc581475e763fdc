package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Load loads configuration from a file path and applies environment variable overrides
// Validation is deferred to allow CLI flag overrides to be applied first
func Load(configPath string) (*Config, error) {
	// Start with default config
	cfg := DefaultConfig()

	// If config path is provided, load from file
	if configPath != "" {
		fileConfig, err := loadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = fileConfig
	}

	// Apply environment variable overrides
	applyEnvironmentOverrides(cfg)

	// Note: Validation is NOT performed here to allow CLI flags to override
	// Call cfg.Validate() after applying CLI overrides in the caller

	return cfg, nil
}

// LoadFromEnvironment creates a configuration using only environment variables
// This is useful for containerized deployments where files may not be available
func LoadFromEnvironment() (*Config, error) {
	cfg := DefaultConfig()
	applyEnvironmentOverrides(cfg)
	return cfg, nil
}

// loadFromFile loads configuration from a JSON file
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigFileNotFound
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfigFormat, err)
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies configuration from environment variables
func applyEnvironmentOverrides(cfg *Config) {
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}

	if addr := os.Getenv("EVENTFOLD_HTTP_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}

	if env := os.Getenv("EVENTFOLD_ENV"); env != "" {
		cfg.Env = env
	}

	if logLevel := os.Getenv("EVENTFOLD_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	// Brokers as a comma-separated list
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		parts := strings.Split(brokers, ",")
		cfg.Kafka.Brokers = make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				cfg.Kafka.Brokers = append(cfg.Kafka.Brokers, trimmed)
			}
		}
	}

	if topic := os.Getenv("KAFKA_TOPIC"); topic != "" {
		cfg.Kafka.Topic = topic
	}

	if groupID := os.Getenv("KAFKA_GROUP_ID"); groupID != "" {
		cfg.Kafka.GroupID = groupID
	}

	if consumer := os.Getenv("KAFKA_CONSUMER"); consumer != "" {
		cfg.Kafka.Consumer = consumer
	}

	if ingest := os.Getenv("EVENTFOLD_INGEST"); ingest == "true" || ingest == "1" {
		cfg.Kafka.Ingest = true
	}

	if batch := envInt("EVENTFOLD_RELAY_BATCH_SIZE"); batch > 0 {
		cfg.Relay.BatchSize = batch
	}

	if interval := envInt("EVENTFOLD_RELAY_POLL_SECS"); interval > 0 {
		cfg.Relay.PollIntervalSecs = interval
	}

	if visibility := envInt("EVENTFOLD_RELAY_VISIBILITY_SECS"); visibility > 0 {
		cfg.Relay.VisibilitySecs = visibility
	}
}

func envInt(key string) int {
	raw := os.Getenv(key)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
