package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mkove/focusdeck/go/internal/focus"
	"gopkg.in/yaml.v3"
)

// Replication modes for the agent.
const (
	ModeStandalone = "standalone"
	ModePostgres   = "postgres"
	ModeNATS       = "nats"
)

// Config is the agent configuration file shape.
type Config struct {
	Agent struct {
		Mode       string `yaml:"mode"`        // standalone | postgres | nats
		DeviceID   string `yaml:"device_id"`   // stable device identity; generated when empty
		WebhookURL string `yaml:"webhook_url"` // optional notification sink
	} `yaml:"agent"`
	Timer struct {
		TickSeconds      int `yaml:"tick_seconds"`
		HeartbeatSeconds int `yaml:"heartbeat_seconds"`
		StaleSeconds     int `yaml:"stale_seconds"`
		AbandonSeconds   int `yaml:"abandon_seconds"`
	} `yaml:"timer"`
	NATS struct {
		URL    string `yaml:"url"`
		Bucket string `yaml:"bucket"`
	} `yaml:"nats"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}

// mode resolves the replication mode: config file first, env second.
func (c *Config) mode() string {
	if c.Agent.Mode != "" {
		return c.Agent.Mode
	}
	return getEnv("FOCUSDECK_MODE", ModeStandalone)
}

// timerOptions translates the config into coordinator options. Unset values
// keep the coordinator defaults. The agent runs exactly one coordinator per
// process, so it claims local leadership eagerly.
func (c *Config) timerOptions() focus.Options {
	opts := focus.DefaultOptions()
	opts.DeviceID = c.Agent.DeviceID
	if opts.DeviceID == "" {
		opts.DeviceID = getEnv("FOCUSDECK_DEVICE_ID", "")
	}
	opts.EagerLocalClaim = true

	if c.Timer.TickSeconds > 0 {
		opts.TickInterval = time.Duration(c.Timer.TickSeconds) * time.Second
	}
	if c.Timer.HeartbeatSeconds > 0 {
		opts.HeartbeatInterval = time.Duration(c.Timer.HeartbeatSeconds) * time.Second
		opts.StaleThreshold = 3 * opts.HeartbeatInterval
	}
	if c.Timer.StaleSeconds > 0 {
		opts.StaleThreshold = time.Duration(c.Timer.StaleSeconds) * time.Second
	}
	if c.Timer.AbandonSeconds > 0 {
		opts.AbandonAfter = time.Duration(c.Timer.AbandonSeconds) * time.Second
	}
	return opts
}

// natsURL resolves the NATS server address.
func (c *Config) natsURL() string {
	if c.NATS.URL != "" {
		return c.NATS.URL
	}
	return getEnv("NATS_URL", "nats://localhost:4222")
}
