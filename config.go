package xrelay

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config is the environment surface of the pipeline. The core components
// never read the environment themselves; entry points parse this once and
// pass plain values down.
type Config struct {
	// BrokerAddr is the message broker address (host:port).
	BrokerAddr string `env:"XRELAY_BROKER_ADDR" envDefault:"127.0.0.1:6379"`
	// Queue is the primary durable queue/stream name.
	Queue string `env:"XRELAY_QUEUE" envDefault:"xrelay.events"`
	// DeadLetterQueue receives messages the consumer explicitly rejects.
	DeadLetterQueue string `env:"XRELAY_DEAD_LETTER_QUEUE" envDefault:"xrelay.events.dead"`
	// Group is the consumer group name.
	Group string `env:"XRELAY_GROUP" envDefault:"xrelay"`
	// ServiceName tags envelopes and trace resources.
	ServiceName string `env:"XRELAY_SERVICE_NAME" envDefault:"xrelay"`
	// OTLPEndpoint enables tracing when non-empty.
	OTLPEndpoint string `env:"XRELAY_OTLP_ENDPOINT"`
}

// ConfigFromEnv loads configuration from environment variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks Config for completeness.
func (c Config) Validate() error {
	if c.BrokerAddr == "" {
		return fmt.Errorf("config: broker addr required")
	}
	if c.Queue == "" {
		return fmt.Errorf("config: queue required")
	}
	if c.Group == "" {
		return fmt.Errorf("config: group required")
	}
	return nil
}
