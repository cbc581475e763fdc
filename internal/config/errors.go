package config

import "errors"

var (
	// ErrMissingDatabaseURL indicates that the Postgres URL is not configured
	ErrMissingDatabaseURL = errors.New("databaseUrl is required in configuration")

	// ErrMissingKafkaBrokers indicates that no broker addresses are configured
	ErrMissingKafkaBrokers = errors.New("kafka.brokers is required and must have at least one broker")

	// ErrMissingKafkaTopic indicates that the integration topic is not configured
	ErrMissingKafkaTopic = errors.New("kafka.topic is required in configuration")

	// ErrMissingKafkaGroupID indicates that the consumer group is not configured
	ErrMissingKafkaGroupID = errors.New("kafka.groupId is required when ingest is enabled")

	// ErrConfigFileNotFound indicates that the config file was not found
	ErrConfigFileNotFound = errors.New("configuration file not found")

	// ErrInvalidConfigFormat indicates that the config file has invalid JSON
	ErrInvalidConfigFormat = errors.New("invalid configuration file format")
)
