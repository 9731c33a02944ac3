package msg

import (
	"os"
	"strings"
)

// Config holds Kafka configuration
type Config struct {
	Brokers  []string
	ClientID string
}

// Topic names
const (
	TopicOrdersCommands = "orders.commands"
	TopicOrdersEvents   = "orders.events"
)

// LoadConfig loads Kafka configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Brokers:  ParseBrokers(getEnvAsString("KAFKA_BROKERS", "127.0.0.1:9092")),
		ClientID: getEnvAsString("KAFKA_CLIENT_ID", "limit-order-pipeline"),
	}
}

// ParseBrokers splits a comma separated broker list
func ParseBrokers(s string) []string {
	var brokers []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
