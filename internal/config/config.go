// Package config holds all configuration types and loading logic for gnssbus.
// Config structure never shrinks: fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a gnssbus server instance.
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Log        LogConfig        `yaml:"log"`
	Actor      ActorConfig      `yaml:"actor"`
	TermCmd    TermCmdConfig    `yaml:"termcmd"`
	Cache      CacheConfig      `yaml:"cache"`
	Store      StoreConfig      `yaml:"store"`
	Persist    PersistConfig    `yaml:"persist"`
	Relay      RelayConfig      `yaml:"relay"`
	Membership MembershipConfig `yaml:"membership"`
	Auth       AuthConfig       `yaml:"auth"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	HTTP       HTTPConfig       `yaml:"http"`
}

// NodeConfig holds identity and network settings for this instance.
type NodeConfig struct {
	// ID is the instance id stamped on published events. Use "auto" to
	// generate a ULID and persist it in DataDir on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
	JSON  bool   `yaml:"json"`
}

// ActorConfig tunes the message-passing runtime.
type ActorConfig struct {
	MailboxSize int `yaml:"mailbox_size"`
	// AskTimeoutS bounds request/reply round trips from the HTTP layer.
	AskTimeoutS int `yaml:"ask_timeout_s"`
	// DetachWorkers runs blocking request handlers off the mailboxes.
	DetachWorkers int `yaml:"detach_workers"`
}

// TermCmdConfig controls the command lifecycle.
type TermCmdConfig struct {
	Retention         string `yaml:"retention"`
	ExternalRetention string `yaml:"external_retention"`
	// AckTimeout completes unacknowledged commands with status Timeout.
	// Empty or "0" disables the watchdog.
	AckTimeout     string `yaml:"ack_timeout"`
	PublishCreated bool   `yaml:"publish_created"`
	DebugCallStack bool   `yaml:"debug_call_stack"`
}

// CacheMode selects the cache shape.
type CacheMode string

const (
	CacheLocal CacheMode = "local"
	CacheRedis CacheMode = "redis"
)

// CacheConfig selects and tunes the command cache.
type CacheConfig struct {
	Mode     CacheMode `yaml:"mode"`
	RedisURL string    `yaml:"redis_url"`
	// LocalCached fronts Redis with an in-process read-through layer.
	LocalCached bool   `yaml:"local_cached"`
	LocalTTL    string `yaml:"local_ttl"`
}

// StoreDriver selects the command store.
type StoreDriver string

const (
	StoreBolt     StoreDriver = "bolt"
	StorePostgres StoreDriver = "postgres"
)

// StoreConfig selects the durable command store.
type StoreConfig struct {
	Driver      StoreDriver `yaml:"driver"`
	PostgresURL string      `yaml:"postgres_url"`
	MaxConns    int32       `yaml:"max_conns"`
}

// PersistConfig sizes the blocking worker pool used for DAO calls.
type PersistConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// RelayConfig controls the cross-instance Kafka relay.
type RelayConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	// GroupID must be unique per instance; "auto" derives it from node.id.
	GroupID string `yaml:"group_id"`
}

// MembershipConfig controls ZooKeeper instance registration.
type MembershipConfig struct {
	Enabled   bool     `yaml:"enabled"`
	ZKServers []string `yaml:"zk_servers"`
	Root      string   `yaml:"root"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// WebhookConfig controls behaviour when pushing events to webhook subscribers.
type WebhookConfig struct {
	// RetryDelaysMs is the list of delays between successive retry attempts.
	RetryDelaysMs []int `yaml:"retry_delays_ms"`
	TimeoutMs     int   `yaml:"timeout_ms"`
}

// HTTPConfig controls the API listener's per-client limits and browser access.
type HTTPConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
	// AllowedOrigins lists browser origins allowed by CORS. Empty disables
	// CORS; "*" allows any origin without credentials.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// TrustProxy keys rate limits on X-Forwarded-For. Enable only behind a
	// proxy that overwrites the header.
	TrustProxy bool `yaml:"trust_proxy"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
		Actor: ActorConfig{
			MailboxSize:   1024,
			AskTimeoutS:   5,
			DetachWorkers: 8,
		},
		TermCmd: TermCmdConfig{
			Retention:         "2h",
			ExternalRetention: "2h0m5s",
			AckTimeout:        "",
			PublishCreated:    false,
		},
		Cache: CacheConfig{
			Mode:        CacheLocal,
			LocalCached: false,
			LocalTTL:    "10s",
		},
		Store: StoreConfig{
			Driver:   StoreBolt,
			MaxConns: 10,
		},
		Persist: PersistConfig{
			Workers:   8,
			QueueSize: 1024,
		},
		Relay: RelayConfig{
			Enabled: false,
			Brokers: []string{},
			Topic:   "gnss.termcmd.state",
			GroupID: "auto",
		},
		Membership: MembershipConfig{
			Enabled:   false,
			ZKServers: []string{},
			Root:      "/gnssbus",
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Webhook: WebhookConfig{
			RetryDelaysMs: []int{1_000, 5_000, 30_000},
			TimeoutMs:     5_000,
		},
		HTTP: HTTPConfig{
			RPS:   10_000,
			Burst: 50_000,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run gnssbus with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	GNSSBUS_API_KEY        sets auth.api_key and enables auth
//	GNSSBUS_DATA_DIR       sets node.data_dir
//	GNSSBUS_PORT           sets node.port
//	GNSSBUS_REDIS_URL      sets cache.redis_url and cache.mode = redis
//	GNSSBUS_POSTGRES_URL   sets store.postgres_url and store.driver = postgres
//	GNSSBUS_KAFKA_BROKERS  comma-separated; sets relay.brokers and enables the relay
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("GNSSBUS_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("GNSSBUS_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("GNSSBUS_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("GNSSBUS_REDIS_URL"); v != "" {
		cfg.Cache.RedisURL = v
		cfg.Cache.Mode = CacheRedis
	}
	if v := os.Getenv("GNSSBUS_POSTGRES_URL"); v != "" {
		cfg.Store.PostgresURL = v
		cfg.Store.Driver = StorePostgres
	}
	if v := os.Getenv("GNSSBUS_KAFKA_BROKERS"); v != "" {
		cfg.Relay.Brokers = splitList(v)
		cfg.Relay.Enabled = true
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New(`log.level must be one of "debug", "info", "warn", "error"`)
	}
	if c.Actor.MailboxSize < 1 {
		return errors.New("actor.mailbox_size must be at least 1")
	}
	if c.Actor.AskTimeoutS < 1 {
		return errors.New("actor.ask_timeout_s must be at least 1")
	}
	for name, v := range map[string]string{
		"termcmd.retention":          c.TermCmd.Retention,
		"termcmd.external_retention": c.TermCmd.ExternalRetention,
		"termcmd.ack_timeout":        c.TermCmd.AckTimeout,
		"cache.local_ttl":            c.Cache.LocalTTL,
	} {
		if _, err := parseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	switch c.Cache.Mode {
	case CacheLocal:
	case CacheRedis:
		if c.Cache.RedisURL == "" {
			return errors.New("cache.redis_url is required when cache.mode is redis")
		}
	default:
		return errors.New(`cache.mode must be one of "local", "redis"`)
	}
	switch c.Store.Driver {
	case StoreBolt:
	case StorePostgres:
		if c.Store.PostgresURL == "" {
			return errors.New("store.postgres_url is required when store.driver is postgres")
		}
	default:
		return errors.New(`store.driver must be one of "bolt", "postgres"`)
	}
	if c.Persist.Workers < 1 {
		return errors.New("persist.workers must be at least 1")
	}
	if c.Persist.QueueSize < 1 {
		return errors.New("persist.queue_size must be at least 1")
	}
	if c.Relay.Enabled && (len(c.Relay.Brokers) == 0 || c.Relay.Topic == "") {
		return errors.New("relay.brokers and relay.topic are required when the relay is enabled")
	}
	if c.Membership.Enabled && len(c.Membership.ZKServers) == 0 {
		return errors.New("membership.zk_servers is required when membership is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key is required when auth is enabled")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	if c.HTTP.RPS < 1 || c.HTTP.Burst < 1 {
		return errors.New("http.rps and http.burst must be at least 1")
	}
	return nil
}

// parseDuration accepts Go duration strings; empty means zero.
func parseDuration(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New("must not be negative")
	}
	return d, nil
}

// Retention returns termcmd.retention. Call after Validate.
func (c *Config) Retention() time.Duration {
	d, _ := parseDuration(c.TermCmd.Retention)
	return d
}

// ExternalRetention returns termcmd.external_retention.
func (c *Config) ExternalRetention() time.Duration {
	d, _ := parseDuration(c.TermCmd.ExternalRetention)
	return d
}

// AckTimeout returns termcmd.ack_timeout; zero disables the watchdog.
func (c *Config) AckTimeout() time.Duration {
	d, _ := parseDuration(c.TermCmd.AckTimeout)
	return d
}

// LocalTTL returns cache.local_ttl.
func (c *Config) LocalTTL() time.Duration {
	d, _ := parseDuration(c.Cache.LocalTTL)
	return d
}

// AskTimeout returns actor.ask_timeout_s as a duration.
func (c *Config) AskTimeout() time.Duration {
	return time.Duration(c.Actor.AskTimeoutS) * time.Second
}

// RelayGroupID resolves relay.group_id for the given instance id.
func (c *Config) RelayGroupID(instanceID string) string {
	if c.Relay.GroupID == "" || c.Relay.GroupID == "auto" {
		return "gnssbus-" + instanceID
	}
	return c.Relay.GroupID
}
