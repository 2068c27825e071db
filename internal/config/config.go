package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHTTPPort        = 8080
	DefaultDatabasePath    = "data/fleet.db"
	DefaultLogLevel        = "info"
	DefaultTokenTTL        = 12 * time.Hour
	DefaultStaleAfter      = 30 * time.Second
	DefaultPushInterval    = 5 * time.Second
	DefaultSweepInterval   = time.Minute
	DefaultDirTimeout      = 2 * time.Second
	DefaultMQTTClientID    = "fleet-server"
	DefaultMQTTIngestTopic = "taxis/+/location"
	DefaultMQTTPublish     = "fleet/locations"
	DefaultKafkaTopic      = "fleet.locations"
)

// Config lists the tunable parameters for the fleet server.
type Config struct {
	HTTPPort      int           `yaml:"http_port"`
	DatabasePath  string        `yaml:"database_path"`
	LogLevel      string        `yaml:"log_level"`
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	PushInterval  time.Duration `yaml:"push_interval"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	DirectoryURL  string        `yaml:"directory_url"`
	// DirectoryTimeout bounds each enrichment lookup.
	DirectoryTimeout time.Duration `yaml:"directory_timeout"`
	// DirectoryMigrate creates the postgres directory tables at startup.
	DirectoryMigrate bool        `yaml:"directory_migrate"`
	MDNS             bool        `yaml:"mdns"`
	FixturesPath     string      `yaml:"fixtures"`
	MQTT             MQTTConfig  `yaml:"mqtt"`
	Kafka            KafkaConfig `yaml:"kafka"`
}

// MQTTConfig is the external broker connection. An empty BrokerURL disables MQTT.
type MQTTConfig struct {
	BrokerURL    string `yaml:"broker_url"`
	ClientID     string `yaml:"client_id"`
	IngestTopic  string `yaml:"ingest_topic"`
	PublishTopic string `yaml:"publish_topic"`
}

// KafkaConfig enables the history feed when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Load reads the optional YAML file at path, applies FLEET_* environment
// overrides and fills defaults.
func Load(path string) (Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return Config{}, fmt.Errorf("config file %s not found", path)
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("FLEET_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FLEET_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"FLEET_DATABASE_PATH", &cfg.DatabasePath},
		{"FLEET_LOG_LEVEL", &cfg.LogLevel},
		{"FLEET_JWT_SECRET", &cfg.JWTSecret},
		{"FLEET_DIRECTORY_URL", &cfg.DirectoryURL},
		{"FLEET_FIXTURES", &cfg.FixturesPath},
		{"FLEET_MQTT_BROKER", &cfg.MQTT.BrokerURL},
		{"FLEET_MQTT_CLIENT_ID", &cfg.MQTT.ClientID},
		{"FLEET_MQTT_INGEST_TOPIC", &cfg.MQTT.IngestTopic},
		{"FLEET_MQTT_PUBLISH_TOPIC", &cfg.MQTT.PublishTopic},
		{"FLEET_KAFKA_TOPIC", &cfg.Kafka.Topic},
	}
	for _, s := range strs {
		if v := getenv(s.key); v != "" {
			*s.dst = v
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"FLEET_TOKEN_TTL", &cfg.TokenTTL},
		{"FLEET_STALE_AFTER", &cfg.StaleAfter},
		{"FLEET_PUSH_INTERVAL", &cfg.PushInterval},
		{"FLEET_SWEEP_INTERVAL", &cfg.SweepInterval},
		{"FLEET_DIRECTORY_TIMEOUT", &cfg.DirectoryTimeout},
	}
	for _, d := range durations {
		if v := getenv(d.key); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", d.key, err)
			}
			*d.dst = parsed
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"FLEET_MDNS", &cfg.MDNS},
		{"FLEET_DIRECTORY_MIGRATE", &cfg.DirectoryMigrate},
	}
	for _, b := range bools {
		if v := getenv(b.key); v != "" {
			enabled, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", b.key, err)
			}
			*b.dst = enabled
		}
	}

	if v := getenv("FLEET_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	return nil
}

// ApplyDefaults fills in default values when empty. A negative sweep
// interval disables the sweeper and is left alone.
func ApplyDefaults(cfg *Config) {
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = DefaultHTTPPort
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = DefaultDatabasePath
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.PushInterval == 0 {
		cfg.PushInterval = DefaultPushInterval
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.DirectoryTimeout <= 0 {
		cfg.DirectoryTimeout = DefaultDirTimeout
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = DefaultMQTTClientID
	}
	if cfg.MQTT.IngestTopic == "" {
		cfg.MQTT.IngestTopic = DefaultMQTTIngestTopic
	}
	if cfg.MQTT.PublishTopic == "" {
		cfg.MQTT.PublishTopic = DefaultMQTTPublish
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = DefaultKafkaTopic
	}
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.HTTPPort < 1 || cfg.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 1 and 65535")
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required")
	}
	if cfg.StaleAfter <= 0 {
		return fmt.Errorf("stale_after must be positive")
	}
	if cfg.PushInterval <= 0 {
		return fmt.Errorf("push_interval must be positive")
	}
	if cfg.TokenTTL <= 0 {
		return fmt.Errorf("token_ttl must be positive")
	}
	if strings.Count(cfg.MQTT.IngestTopic, "+") != 1 {
		return fmt.Errorf("mqtt.ingest_topic must contain exactly one '+' for the vehicle id")
	}
	return nil
}

// SweepEnabled reports whether the live store sweeper should run.
func (c Config) SweepEnabled() bool { return c.SweepInterval > 0 }

// Active returns the effective settings with secrets removed.
func (c Config) Active() map[string]any {
	return map[string]any{
		"http_port":          c.HTTPPort,
		"database_path":      c.DatabasePath,
		"log_level":          c.LogLevel,
		"token_ttl":          c.TokenTTL.String(),
		"stale_after":        c.StaleAfter.String(),
		"push_interval":      c.PushInterval.String(),
		"sweep_interval":     c.SweepInterval.String(),
		"directory":          directoryKind(c.DirectoryURL),
		"directory_timeout":  c.DirectoryTimeout.String(),
		"mdns":               c.MDNS,
		"mqtt_broker":        c.MQTT.BrokerURL,
		"mqtt_ingest_topic":  c.MQTT.IngestTopic,
		"mqtt_publish_topic": c.MQTT.PublishTopic,
		"kafka_brokers":      c.Kafka.Brokers,
		"kafka_topic":        c.Kafka.Topic,
	}
}

func directoryKind(url string) string {
	if url == "" {
		return "sqlite"
	}
	return "postgres"
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
