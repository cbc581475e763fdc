// Package config holds the relay daemon's configuration: a JSON file
// as the base, environment variables layered on top.
package config

import "time"

// Config holds all configuration for the relay daemon.
type Config struct {
	DatabaseURL string      `json:"databaseUrl"`
	HTTPAddr    string      `json:"httpAddr"`
	Env         string      `json:"env"` // "development" enables pretty console logs
	LogLevel    string      `json:"logLevel"`
	Kafka       KafkaConfig `json:"kafka"`
	Relay       RelayConfig `json:"relay"`
}

// KafkaConfig describes the broker the relay publishes to and the
// consumer group the ingestor joins.
type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
	GroupID string   `json:"groupId"`
	// Consumer is the logical name used for inbox deduplication.
	// Defaults to GroupID when empty.
	Consumer string `json:"consumer,omitempty"`
	// Ingest enables the inbound consumer loop.
	Ingest bool `json:"ingest"`
}

// RelayConfig tunes the outbox poll loop. Durations are in seconds to
// keep the JSON form plain.
type RelayConfig struct {
	BatchSize        int `json:"batchSize"`
	PollIntervalSecs int `json:"pollIntervalSecs"`
	VisibilitySecs   int `json:"visibilitySecs"`
}

// PollInterval returns the poll interval as a duration.
func (r RelayConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalSecs) * time.Second
}

// Visibility returns the claim lease length as a duration.
func (r RelayConfig) Visibility() time.Duration {
	return time.Duration(r.VisibilitySecs) * time.Second
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	if err := c.Kafka.Validate(); err != nil {
		return err
	}
	return nil
}

// Validate checks if the Kafka configuration is valid
func (k *KafkaConfig) Validate() error {
	if len(k.Brokers) == 0 {
		return ErrMissingKafkaBrokers
	}
	if k.Topic == "" {
		return ErrMissingKafkaTopic
	}
	if k.Ingest && k.GroupID == "" {
		return ErrMissingKafkaGroupID
	}
	return nil
}

// ConsumerName returns the inbox consumer name, falling back to the
// consumer group id.
func (k *KafkaConfig) ConsumerName() string {
	if k.Consumer != "" {
		return k.Consumer
	}
	return k.GroupID
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		HTTPAddr: ":8080",
		Env:      "development",
		LogLevel: "info",
		Relay: RelayConfig{
			BatchSize:        10,
			PollIntervalSecs: 3,
			VisibilitySecs:   300,
		},
	}
}
