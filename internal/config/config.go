package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Feed   FeedConfig   `yaml:"feed"`
	Ingest IngestConfig `yaml:"ingest"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
	HTTP   HTTPConfig   `yaml:"http"`
	Log    LogConfig    `yaml:"log"`
}

// FeedConfig locates the phone system's record feed.
type FeedConfig struct {
	Address           string        `yaml:"address"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

type IngestConfig struct {
	Workers   int  `yaml:"workers"`
	QueueSize int  `yaml:"queue_size"`
	Strict    bool `yaml:"strict"`
}

type MQTTConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Broker           string        `yaml:"broker"`
	ClientID         string        `yaml:"client_id"`
	TopicPrefix      string        `yaml:"topic_prefix"`
	QoS              int           `yaml:"qos"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	CompletionBuffer int           `yaml:"completion_buffer"`
}

type HTTPConfig struct {
	Listen       string `yaml:"listen"`
	PartyMetrics bool   `yaml:"party_metrics"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file overrides a field.
func Default() *Config {
	return &Config{
		Feed: FeedConfig{
			DialTimeout:       10 * time.Second,
			ReconnectInterval: 5 * time.Second,
		},
		Ingest: IngestConfig{
			Workers:   4,
			QueueSize: 1024,
		},
		MQTT: MQTTConfig{
			Broker:           "tcp://localhost:1883",
			ClientID:         "callstats",
			TopicPrefix:      "callstats",
			QoS:              1,
			SnapshotInterval: 30 * time.Second,
			CompletionBuffer: 256,
		},
		HTTP: HTTPConfig{
			Listen: ":9108",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path on top of the defaults, then applies
// CALLSTATS_* environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("CALLSTATS_FEED_ADDRESS"); ok {
		c.Feed.Address = v
	}
	if v, ok := lookup("CALLSTATS_INGEST_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CALLSTATS_INGEST_WORKERS: %w", err)
		}
		c.Ingest.Workers = n
	}
	if v, ok := lookup("CALLSTATS_MQTT_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CALLSTATS_MQTT_ENABLED: %w", err)
		}
		c.MQTT.Enabled = b
	}
	if v, ok := lookup("CALLSTATS_MQTT_BROKER"); ok {
		c.MQTT.Broker = v
	}
	if v, ok := lookup("CALLSTATS_HTTP_LISTEN"); ok {
		c.HTTP.Listen = v
	}
	if v, ok := lookup("CALLSTATS_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup("CALLSTATS_LOG_FORMAT"); ok {
		c.Log.Format = v
	}
	return nil
}

func (c *Config) validate() error {
	if c.Feed.Address != "" {
		if _, _, err := net.SplitHostPort(c.Feed.Address); err != nil {
			return fmt.Errorf("feed.address must be host:port, got %q", c.Feed.Address)
		}
	}
	if c.Feed.DialTimeout <= 0 {
		return fmt.Errorf("feed.dial_timeout must be positive")
	}
	if c.Feed.ReconnectInterval <= 0 {
		return fmt.Errorf("feed.reconnect_interval must be positive")
	}
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("ingest.workers must be at least 1, got %d", c.Ingest.Workers)
	}
	if c.Ingest.QueueSize < 1 {
		return fmt.Errorf("ingest.queue_size must be at least 1, got %d", c.Ingest.QueueSize)
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
		if c.MQTT.ClientID == "" {
			return fmt.Errorf("mqtt.client_id is required")
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix is required")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
		if c.MQTT.SnapshotInterval <= 0 {
			return fmt.Errorf("mqtt.snapshot_interval must be positive")
		}
		if c.MQTT.CompletionBuffer < 1 {
			return fmt.Errorf("mqtt.completion_buffer must be at least 1, got %d", c.MQTT.CompletionBuffer)
		}
	}
	if c.HTTP.Listen != "" {
		if _, _, err := net.SplitHostPort(c.HTTP.Listen); err != nil {
			return fmt.Errorf("http.listen must be host:port, got %q", c.HTTP.Listen)
		}
	}
	if _, ok := ParseLogLevel(c.Log.Level); !ok {
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// RequireFeed reports an error when no feed address is configured.
func (c *Config) RequireFeed() error {
	if c.Feed.Address == "" {
		return fmt.Errorf("feed.address is required")
	}
	return nil
}

// ParseLogLevel converts a level name to an slog level. Names are case
// insensitive and "warning" is accepted for warn.
func ParseLogLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
