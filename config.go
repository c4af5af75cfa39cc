package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr    string        `yaml:"listen_addr"`
	DBPath        string        `yaml:"db_path"`
	AssignTimeout time.Duration `yaml:"assign_timeout"`

	CustomerToken string `yaml:"customer_token"`
	OperatorToken string `yaml:"operator_token"`
	AgentToken    string `yaml:"agent_token"`

	AMQPURL      string `yaml:"amqp_url"`
	AMQPExchange string `yaml:"amqp_exchange"`
}

func LoadConfig() (Config, error) {
	// optional .env, flags and real env still win
	godotenv.Load()

	cfg := Config{}
	var configPath string

	flag.StringVar(&configPath, "config", os.Getenv("SWITCHBOARD_CONFIG"), "YAML config file")
	flag.StringVar(&cfg.ListenAddr, "addr", defaultAddr(), "Listen address")
	flag.StringVar(&cfg.DBPath, "db", envOrDefault("SWITCHBOARD_DB", "switchboard.db"), "SQLite chat log path")
	flag.DurationVar(&cfg.AssignTimeout, "assign-timeout", envDurationOrDefault("SWITCHBOARD_ASSIGN_TIMEOUT", 30*time.Second), "Deadline for operator assignment and transfer")
	flag.StringVar(&cfg.CustomerToken, "customer-token", os.Getenv("SWITCHBOARD_CUSTOMER_TOKEN"), "Shared token for the customer endpoint")
	flag.StringVar(&cfg.OperatorToken, "operator-token", os.Getenv("SWITCHBOARD_OPERATOR_TOKEN"), "Shared token for the operator endpoint")
	flag.StringVar(&cfg.AgentToken, "agent-token", os.Getenv("SWITCHBOARD_AGENT_TOKEN"), "Shared token for the agent endpoint")
	flag.StringVar(&cfg.AMQPURL, "amqp-url", os.Getenv("SWITCHBOARD_AMQP_URL"), "AMQP URL for signal publishing (empty disables)")
	flag.StringVar(&cfg.AMQPExchange, "amqp-exchange", envOrDefault("SWITCHBOARD_AMQP_EXCHANGE", "switchboard.signals"), "AMQP exchange for signal publishing")
	flag.Parse()

	if configPath != "" {
		if err := loadYAML(configPath, &cfg); err != nil {
			return Config{}, err
		}
	}
	if cfg.AssignTimeout <= 0 {
		return Config{}, fmt.Errorf("assign timeout must be positive, got %s", cfg.AssignTimeout)
	}
	return cfg, nil
}

// loadYAML overlays file values onto cfg. Keys present in the file win
// over flags and env; omitted keys keep the parsed values.
func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDurationOrDefault(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func defaultAddr() string {
	if v := os.Getenv("SWITCHBOARD_ADDR"); v != "" {
		return v
	}
	// Railway, Render, etc. set PORT
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}
	return ":8090"
}
