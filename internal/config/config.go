// Package config loads runtime configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
)

// Config holds all environment configuration for the sync engine.
type Config struct {
	// BrokerURL is the websocket endpoint of the realtime broker.
	BrokerURL string

	// AuthToken is the bearer token presented during the websocket
	// handshake and on REST calls.
	AuthToken string

	// APIBaseURL is the base URL of the product REST API (rooms,
	// blocked users, reports).
	APIBaseURL string

	// SelfUserID and SelfDisplayName identify the local user.
	SelfUserID      string
	SelfDisplayName string

	// RoomID, when set, makes the process attach to that room at startup.
	RoomID string

	// AMQPURL and AMQPExchange configure the telemetry publisher. An empty
	// URL disables publishing.
	AMQPURL      string
	AMQPExchange string

	// OTLPEndpoint is the gRPC endpoint of the trace collector. Empty
	// disables trace export.
	OTLPEndpoint string

	Environment string

	// OpsPort is the port of the local ops HTTP server (metrics, health).
	OpsPort string
}

// Load reads a .env file if present, then the environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		BrokerURL:       getEnv("BROKER_URL", "ws://localhost:8090/ws"),
		AuthToken:       getEnv("AUTH_TOKEN", ""),
		APIBaseURL:      getEnv("API_BASE_URL", "http://localhost:8080/api/v1"),
		SelfUserID:      getEnv("SELF_USER_ID", ""),
		SelfDisplayName: getEnv("SELF_DISPLAY_NAME", ""),
		RoomID:          getEnv("ROOM_ID", ""),
		AMQPURL:         getEnv("AMQP_URL", ""),
		AMQPExchange:    getEnv("AMQP_EXCHANGE", "roomsync.events"),
		OTLPEndpoint:    getEnv("OTLP_ENDPOINT", ""),
		Environment:     getEnv("ENVIRONMENT", "development"),
		OpsPort:         getEnv("OPS_PORT", "8091"),
	}

	if config.AuthToken == "" {
		log.Println("WARNING: AUTH_TOKEN is not set")
	}
	if config.SelfUserID == "" {
		log.Println("WARNING: SELF_USER_ID is not set")
	}

	return config
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
