// Package config loads the ingestion core's configuration: compiled-in
// defaults, overlaid by an optional YAML file, overlaid by environment
// variables, mirroring the layering used across the rest of this
// codebase (pkg/config).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP/websocket surface.
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"INGESTCORE_HOST"`
	Port int    `json:"port" yaml:"port" env:"INGESTCORE_PORT"`
}

// DatabaseConfig controls the optional Postgres-backed store. When DSN
// is empty, the ingestion core runs against the in-memory store and an
// in-process changefeed bus instead of LISTEN/NOTIFY.
type DatabaseConfig struct {
	DSN            string `json:"dsn" yaml:"dsn" env:"INGESTCORE_DATABASE_DSN"`
	MaxOpenConns   int    `json:"max_open_conns" yaml:"max_open_conns" env:"INGESTCORE_DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns   int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"INGESTCORE_DATABASE_MAX_IDLE_CONNS"`
	MigrateOnStart bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"INGESTCORE_DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls the logrus-backed logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"INGESTCORE_LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"INGESTCORE_LOG_FORMAT"`
	Output string `json:"output" yaml:"output" env:"INGESTCORE_LOG_OUTPUT"`
}

// VaultConfig holds names of master-key environment variables. The vault
// does not read these fields: vault.New always consults the names fixed
// in internal/ingestion/vault (MasterKeyEnv over FallbackSeedEnv), which
// are also the defaults here.
type VaultConfig struct {
	MasterKeyEnv   string `json:"master_key_env" yaml:"master_key_env" env:"INGESTCORE_VAULT_MASTER_KEY_ENV"`
	FallbackSeedEnv string `json:"fallback_seed_env" yaml:"fallback_seed_env" env:"INGESTCORE_VAULT_FALLBACK_SEED_ENV"`
}

// QueueConfig controls the work queue's worker pool.
type QueueConfig struct {
	Workers int `json:"workers" yaml:"workers" env:"INGESTCORE_QUEUE_WORKERS"`
}

// AgentConfig holds fleet-wide agent settings. cmd/ingestcore does not
// pass them to agent connectors: each connector takes its heartbeat
// interval from its own record's configuration and keeps its
// abuse-control counter in memory (no Redis client is built).
type AgentConfig struct {
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds" env:"INGESTCORE_AGENT_HEARTBEAT_INTERVAL_SECONDS"`
	OfflineAfterSeconds      int    `json:"offline_after_seconds" yaml:"offline_after_seconds" env:"INGESTCORE_AGENT_OFFLINE_AFTER_SECONDS"`
	RedisAddr                string `json:"redis_addr" yaml:"redis_addr" env:"INGESTCORE_AGENT_REDIS_ADDR"`
}

// RealtimeConfig holds a per-client send buffer size for the websocket
// hub. realtime.NewHub does not take it; every client's buffer holds 64
// messages.
type RealtimeConfig struct {
	ClientSendBuffer int `json:"client_send_buffer" yaml:"client_send_buffer" env:"INGESTCORE_REALTIME_CLIENT_BUFFER"`
}

// Config is the top-level, fully-populated configuration tree.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Vault    VaultConfig    `json:"vault" yaml:"vault"`
	Queue    QueueConfig    `json:"queue" yaml:"queue"`
	Agent    AgentConfig    `json:"agent" yaml:"agent"`
	Realtime RealtimeConfig `json:"realtime" yaml:"realtime"`
}

// New returns a Config populated with compiled-in defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8088},
		Database: DatabaseConfig{
			MaxOpenConns:   10,
			MaxIdleConns:   5,
			MigrateOnStart: true,
		},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		Vault: VaultConfig{
			MasterKeyEnv:    "INGESTCORE_MASTER_KEY",
			FallbackSeedEnv: "INGESTCORE_MASTER_KEY_SEED",
		},
		Queue:    QueueConfig{Workers: 5},
		Agent:    AgentConfig{HeartbeatIntervalSeconds: 60, OfflineAfterSeconds: 180},
		Realtime: RealtimeConfig{ClientSendBuffer: 64},
	}
}

// Load builds a Config from defaults, an optional YAML file (path from
// CONFIG_FILE, falling back to configs/ingestcore.yaml if present), and
// environment variable overrides. .env is loaded first, best-effort, so
// local runs can export variables without polluting the real shell.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/ingestcore.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// normalize fills any zero-valued field that must never be empty with
// its default, guarding against a config file or env override that
// clears a required setting.
func (c *Config) normalize() {
	if c.Server.Port == 0 {
		c.Server.Port = 8088
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 5
	}
	if c.Vault.MasterKeyEnv == "" {
		c.Vault.MasterKeyEnv = "INGESTCORE_MASTER_KEY"
	}
	if c.Vault.FallbackSeedEnv == "" {
		c.Vault.FallbackSeedEnv = "INGESTCORE_MASTER_KEY_SEED"
	}
	if c.Agent.HeartbeatIntervalSeconds <= 0 {
		c.Agent.HeartbeatIntervalSeconds = 60
	}
	if c.Agent.OfflineAfterSeconds <= 0 {
		c.Agent.OfflineAfterSeconds = 180
	}
	if c.Realtime.ClientSendBuffer <= 0 {
		c.Realtime.ClientSendBuffer = 64
	}
}

// Addr returns the HTTP listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
