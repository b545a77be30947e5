// Package config loads the daemon configuration. Values are layered from
// built-in defaults, an optional YAML file, REALCAST_* environment variables
// and finally command-line flags, each layer overriding the previous one.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"realcast-live/internal/redisconn"
)

// EnvPrefix namespaces every environment variable, e.g. REALCAST_HTTP_ADDR.
const EnvPrefix = "REALCAST"

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
	Control   ControlConfig   `mapstructure:"control"`
	Tokens    TokenConfig     `mapstructure:"tokens"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Keys      KeysConfig      `mapstructure:"keys"`
	Hub       HubConfig       `mapstructure:"hub"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Events    EventsConfig    `mapstructure:"events"`
	Audit     AuditConfig     `mapstructure:"audit"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Security  SecurityConfig  `mapstructure:"security"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	TLSCert         string        `mapstructure:"tls_cert"`
	TLSKey          string        `mapstructure:"tls_key"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ControlConfig guards the lifecycle, policy, key and token routes. An empty
// token disables them.
type ControlConfig struct {
	Token string `mapstructure:"token"`
}

type TokenConfig struct {
	Secret     string        `mapstructure:"secret"`
	Issuer     string        `mapstructure:"issuer"`
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	// Revocations is "memory" or "postgres".
	Revocations   string        `mapstructure:"revocations"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

type RedisConfig struct {
	Addr          string        `mapstructure:"addr"`
	Addrs         []string      `mapstructure:"addrs"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	MasterName    string        `mapstructure:"master_name"`
	PoolSize      int           `mapstructure:"pool_size"`
	Timeout       time.Duration `mapstructure:"timeout"`
	TLSCA         string        `mapstructure:"tls_ca"`
	TLSCert       string        `mapstructure:"tls_cert"`
	TLSKey        string        `mapstructure:"tls_key"`
	TLSServerName string        `mapstructure:"tls_server_name"`
	TLSSkipVerify bool          `mapstructure:"tls_skip_verify"`
}

// Enabled reports whether a Redis deployment is configured.
func (c RedisConfig) Enabled() bool {
	return c.Conn().Enabled()
}

// Conn converts the settings for redisconn.NewClient.
func (c RedisConfig) Conn() redisconn.Config {
	return redisconn.Config{
		Addr:         c.Addr,
		Addrs:        c.Addrs,
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		MasterName:   c.MasterName,
		DialTimeout:  c.Timeout,
		ReadTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		PoolSize:     c.PoolSize,
		TLS: redisconn.TLSConfig{
			CAFile:             c.TLSCA,
			CertFile:           c.TLSCert,
			KeyFile:            c.TLSKey,
			ServerName:         c.TLSServerName,
			InsecureSkipVerify: c.TLSSkipVerify,
		},
	}
}

type PostgresConfig struct {
	DSN            string        `mapstructure:"dsn"`
	MaxConns       int32         `mapstructure:"max_conns"`
	MinConns       int32         `mapstructure:"min_conns"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	AppName        string        `mapstructure:"app_name"`
}

type KeysConfig struct {
	// Vault is "memory" or "redis".
	Vault string `mapstructure:"vault"`
	// MasterKey seals escrowed keys; base64 encoded, at least 32 bytes
	// once decoded.
	MasterKey        string        `mapstructure:"master_key"`
	VaultPrefix      string        `mapstructure:"vault_prefix"`
	RotationInterval time.Duration `mapstructure:"rotation_interval"`
	MaxKeyAge        time.Duration `mapstructure:"max_key_age"`
	GraceWindow      time.Duration `mapstructure:"grace_window"`
	DrainInterval    time.Duration `mapstructure:"drain_interval"`
}

// MasterKeyBytes decodes MasterKey.
func (c KeysConfig) MasterKeyBytes() ([]byte, error) {
	raw := strings.TrimSpace(c.MasterKey)
	if raw == "" {
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode keys.master_key: %w", err)
	}
	return decoded, nil
}

type HubConfig struct {
	QueueSize       int           `mapstructure:"queue_size"`
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
	ForceTimeout    time.Duration `mapstructure:"force_timeout"`
	Policy          PolicyConfig  `mapstructure:"policy"`
}

// PolicyConfig is the default chat policy for channels opened by lifecycle
// notifications.
type PolicyConfig struct {
	SlowMode             time.Duration `mapstructure:"slow_mode"`
	Moderators           []string      `mapstructure:"moderators"`
	MaxMessageLength     int           `mapstructure:"max_message_length"`
	MaxMessagesPerWindow int           `mapstructure:"max_messages_per_window"`
	RateWindow           time.Duration `mapstructure:"rate_window"`
	HistorySize          int           `mapstructure:"history_size"`
}

type GatewayConfig struct {
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	WriteWait    time.Duration `mapstructure:"write_wait"`
	MaxFrameSize int64         `mapstructure:"max_frame_size"`
}

type EventsConfig struct {
	Buffer      int               `mapstructure:"buffer"`
	Timeout     time.Duration     `mapstructure:"timeout"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	RedisStream RedisStreamConfig `mapstructure:"redis_stream"`
}

type WebhookEndpoint struct {
	URL    string   `mapstructure:"url"`
	Secret string   `mapstructure:"secret"`
	Kinds  []string `mapstructure:"kinds"`
}

// WebhookConfig lists endpoints in YAML. URL and Secret add one more
// endpoint receiving every kind, which is convenient from the environment.
type WebhookConfig struct {
	Endpoints  []WebhookEndpoint `mapstructure:"endpoints"`
	URL        string            `mapstructure:"url"`
	Secret     string            `mapstructure:"secret"`
	MaxRetries int               `mapstructure:"max_retries"`
}

// AllEndpoints merges the list with the single URL form.
func (c WebhookConfig) AllEndpoints() []WebhookEndpoint {
	endpoints := make([]WebhookEndpoint, 0, len(c.Endpoints)+1)
	for _, endpoint := range c.Endpoints {
		if strings.TrimSpace(endpoint.URL) != "" {
			endpoints = append(endpoints, endpoint)
		}
	}
	if url := strings.TrimSpace(c.URL); url != "" {
		endpoints = append(endpoints, WebhookEndpoint{URL: url, Secret: c.Secret})
	}
	return endpoints
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0 && strings.TrimSpace(c.Topic) != ""
}

type RedisStreamConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Stream  string `mapstructure:"stream"`
	MaxLen  int64  `mapstructure:"max_len"`
}

type AuditConfig struct {
	// Driver is "memory", "postgres" or "none".
	Driver string `mapstructure:"driver"`
}

type RateLimitConfig struct {
	GlobalRPS      float64       `mapstructure:"global_rps"`
	GlobalBurst    int           `mapstructure:"global_burst"`
	PerIPRPS       float64       `mapstructure:"per_ip_rps"`
	PerIPBurst     int           `mapstructure:"per_ip_burst"`
	ConnectLimit   int           `mapstructure:"connect_limit"`
	ConnectWindow  time.Duration `mapstructure:"connect_window"`
	TrustForwarded bool          `mapstructure:"trust_forwarded"`
}

type CORSConfig struct {
	ControlOrigins []string `mapstructure:"control_origins"`
	ViewerOrigins  []string `mapstructure:"viewer_origins"`
}

type SecurityConfig struct {
	StrictTransportSecurity string `mapstructure:"hsts"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.tls_cert", "")
	v.SetDefault("http.tls_key", "")
	v.SetDefault("http.shutdown_timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("control.token", "")
	v.SetDefault("tokens.secret", "")
	v.SetDefault("tokens.issuer", "realcast")
	v.SetDefault("tokens.default_ttl", "1h")
	v.SetDefault("tokens.revocations", "memory")
	v.SetDefault("tokens.purge_interval", "10m")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.master_name", "")
	v.SetDefault("redis.pool_size", 0)
	v.SetDefault("redis.timeout", "3s")
	v.SetDefault("redis.tls_ca", "")
	v.SetDefault("redis.tls_cert", "")
	v.SetDefault("redis.tls_key", "")
	v.SetDefault("redis.tls_server_name", "")
	v.SetDefault("redis.tls_skip_verify", false)
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_conns", 0)
	v.SetDefault("postgres.min_conns", 0)
	v.SetDefault("postgres.acquire_timeout", "0s")
	v.SetDefault("postgres.app_name", "realcast")
	v.SetDefault("keys.vault", "memory")
	v.SetDefault("keys.master_key", "")
	v.SetDefault("keys.vault_prefix", "realcast:keys")
	v.SetDefault("keys.rotation_interval", "5m")
	v.SetDefault("keys.max_key_age", "10m")
	v.SetDefault("keys.grace_window", "60s")
	v.SetDefault("keys.drain_interval", "10s")
	v.SetDefault("hub.queue_size", 64)
	v.SetDefault("hub.liveness_timeout", "45s")
	v.SetDefault("hub.sweep_interval", "5s")
	v.SetDefault("hub.drain_timeout", "30s")
	v.SetDefault("hub.force_timeout", "5s")
	v.SetDefault("hub.policy.slow_mode", "0s")
	v.SetDefault("hub.policy.moderators", []string{})
	v.SetDefault("hub.policy.max_message_length", 500)
	v.SetDefault("hub.policy.max_messages_per_window", 20)
	v.SetDefault("hub.policy.rate_window", "30s")
	v.SetDefault("hub.policy.history_size", 50)
	v.SetDefault("gateway.ping_interval", "25s")
	v.SetDefault("gateway.pong_wait", "60s")
	v.SetDefault("gateway.write_wait", "10s")
	v.SetDefault("gateway.max_frame_size", 8192)
	v.SetDefault("events.buffer", 1024)
	v.SetDefault("events.timeout", "5s")
	v.SetDefault("events.webhook.url", "")
	v.SetDefault("events.webhook.secret", "")
	v.SetDefault("events.webhook.max_retries", 3)
	v.SetDefault("events.kafka.brokers", []string{})
	v.SetDefault("events.kafka.topic", "realcast.events")
	v.SetDefault("events.redis_stream.enabled", false)
	v.SetDefault("events.redis_stream.stream", "realcast:events")
	v.SetDefault("events.redis_stream.max_len", 10000)
	v.SetDefault("audit.driver", "memory")
	v.SetDefault("rate_limit.global_rps", 0)
	v.SetDefault("rate_limit.global_burst", 0)
	v.SetDefault("rate_limit.per_ip_rps", 20)
	v.SetDefault("rate_limit.per_ip_burst", 40)
	v.SetDefault("rate_limit.connect_limit", 30)
	v.SetDefault("rate_limit.connect_window", "1m")
	v.SetDefault("rate_limit.trust_forwarded", false)
	v.SetDefault("cors.control_origins", []string{})
	v.SetDefault("cors.viewer_origins", []string{})
	v.SetDefault("security.hsts", "")
}

// flagBindings maps command-line flags onto configuration keys.
var flagBindings = []struct {
	flag  string
	key   string
	usage string
}{
	{"addr", "http.addr", "HTTP listen address"},
	{"tls-cert", "http.tls_cert", "path to TLS certificate file"},
	{"tls-key", "http.tls_key", "path to TLS private key file"},
	{"log-level", "log.level", "log level (debug, info, warn, error)"},
	{"log-format", "log.format", "log format (json or text)"},
	{"control-token", "control.token", "bearer token for control routes"},
	{"token-secret", "tokens.secret", "HMAC secret for playback tokens"},
	{"revocations", "tokens.revocations", "revocation store (memory or postgres)"},
	{"redis-addr", "redis.addr", "Redis address for the key vault, rate limits and event stream"},
	{"postgres-dsn", "postgres.dsn", "Postgres connection string"},
	{"key-vault", "keys.vault", "key vault (memory or redis)"},
	{"audit", "audit.driver", "audit log (memory, postgres or none)"},
	{"webhook-url", "events.webhook.url", "endpoint receiving every event"},
	{"webhook-secret", "events.webhook.secret", "HMAC secret for webhook signatures"},
}

// NewFlagSet declares the command-line flags understood by Load.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML configuration file")
	for _, binding := range flagBindings {
		fs.String(binding.flag, "", binding.usage)
	}
	fs.Duration("rotation-interval", 0, "key rotation interval")
	fs.Duration("max-key-age", 0, "maximum age of an active key")
	fs.Int("queue-size", 0, "per-viewer delivery queue size")
	fs.StringSlice("kafka-brokers", nil, "Kafka brokers for the event sink")
	fs.StringSlice("viewer-origins", nil, "origins allowed to open viewer sockets")
	fs.StringSlice("control-origins", nil, "origins allowed to call control routes")
	return fs
}

var numericFlagBindings = map[string]string{
	"rotation-interval": "keys.rotation_interval",
	"max-key-age":       "keys.max_key_age",
	"queue-size":        "hub.queue_size",
	"kafka-brokers":     "events.kafka.brokers",
	"viewer-origins":    "cors.viewer_origins",
	"control-origins":   "cors.control_origins",
}

// Load parses args and returns the merged configuration. The file named by
// --config or REALCAST_CONFIG is optional; a missing explicit file is an
// error.
func Load(args []string) (Config, error) {
	fs := NewFlagSet("realcast")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return LoadFlags(fs)
}

// LoadFlags merges an already parsed flag set over the other layers. Only
// flags that were set on the command line take effect.
func LoadFlags(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, _ := fs.GetString("config")
	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	for _, binding := range flagBindings {
		if err := bindChanged(v, fs, binding.flag, binding.key); err != nil {
			return Config{}, err
		}
	}
	for flagName, key := range numericFlagBindings {
		if err := bindChanged(v, fs, flagName, key); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func bindChanged(v *viper.Viper, fs *pflag.FlagSet, name, key string) error {
	flag := fs.Lookup(name)
	if flag == nil || !flag.Changed {
		return nil
	}
	if err := v.BindPFlag(key, flag); err != nil {
		return fmt.Errorf("bind flag %s: %w", name, err)
	}
	return nil
}

func (c *Config) normalize() {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Tokens.Revocations = strings.ToLower(strings.TrimSpace(c.Tokens.Revocations))
	c.Keys.Vault = strings.ToLower(strings.TrimSpace(c.Keys.Vault))
	c.Audit.Driver = strings.ToLower(strings.TrimSpace(c.Audit.Driver))
	c.Control.Token = strings.TrimSpace(c.Control.Token)
	c.Redis.Addrs = splitList(c.Redis.Addrs)
	c.Events.Kafka.Brokers = splitList(c.Events.Kafka.Brokers)
	c.CORS.ControlOrigins = splitList(c.CORS.ControlOrigins)
	c.CORS.ViewerOrigins = splitList(c.CORS.ViewerOrigins)
	c.Hub.Policy.Moderators = splitList(c.Hub.Policy.Moderators)
}

// splitList flattens comma separated entries coming from the environment.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if len(c.Tokens.Secret) < 32 {
		errs = append(errs, errors.New("tokens.secret must be at least 32 bytes"))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	switch c.Tokens.Revocations {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			errs = append(errs, errors.New("tokens.revocations=postgres requires postgres.dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("tokens.revocations %q must be memory or postgres", c.Tokens.Revocations))
	}
	switch c.Keys.Vault {
	case "memory":
	case "redis":
		if !c.Redis.Enabled() {
			errs = append(errs, errors.New("keys.vault=redis requires redis.addr"))
		}
		key, err := c.Keys.MasterKeyBytes()
		if err != nil {
			errs = append(errs, err)
		} else if len(key) < 32 {
			errs = append(errs, errors.New("keys.master_key must decode to at least 32 bytes"))
		}
	default:
		errs = append(errs, fmt.Errorf("keys.vault %q must be memory or redis", c.Keys.Vault))
	}
	switch c.Audit.Driver {
	case "memory", "none":
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			errs = append(errs, errors.New("audit.driver=postgres requires postgres.dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("audit.driver %q must be memory, postgres or none", c.Audit.Driver))
	}
	if c.Events.RedisStream.Enabled && !c.Redis.Enabled() {
		errs = append(errs, errors.New("events.redis_stream requires redis.addr"))
	}
	if (c.HTTP.TLSCert == "") != (c.HTTP.TLSKey == "") {
		errs = append(errs, errors.New("http.tls_cert and http.tls_key must be set together"))
	}
	if c.Keys.MaxKeyAge > 0 && c.Keys.RotationInterval > c.Keys.MaxKeyAge {
		errs = append(errs, errors.New("keys.rotation_interval must not exceed keys.max_key_age"))
	}
	return errors.Join(errs...)
}
