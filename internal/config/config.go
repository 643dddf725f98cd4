package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// ConfigFileEnv names the environment variable pointing at an optional YAML file
const ConfigFileEnv = "HARBOR_CONFIG"

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type DB struct {
	User string `mapstructure:"user"`
	Pass string `mapstructure:"pass"`
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
	Name string `mapstructure:"name"`
}

type NSQ struct {
	NsqdTCPAddr         string        `mapstructure:"nsqd_tcp_addr"`    // e.g. nsqd:4150
	NsqdHTTPAddr        string        `mapstructure:"nsqd_http_addr"`   // e.g. http://nsqd:4151, polled for backlog
	LookupHTTPAddr      string        `mapstructure:"lookup_http_addr"` // e.g. http://nsqlookupd:4161
	EventsTopic         string        `mapstructure:"events_topic"`
	ExhaustedTopic      string        `mapstructure:"exhausted_topic"`
	DispatcherChannel   string        `mapstructure:"dispatcher_channel"`
	MaxInFlight         int           `mapstructure:"max_in_flight"`
	BacklogPollInterval time.Duration `mapstructure:"backlog_poll_interval"`
}

type Dispatch struct {
	MaxRetries        int           `mapstructure:"max_retries"`  // used when a subscription omits it
	BackoffBase       time.Duration `mapstructure:"backoff_base"` // delay = base * 2^attempt
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	JitterPct         float64       `mapstructure:"jitter_pct"` // 0.0-1.0
	AttemptTimeout    time.Duration `mapstructure:"attempt_timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
	ResponseBodyLimit int           `mapstructure:"response_body_limit"`
	StatsWindow       int           `mapstructure:"stats_window"`
	PublishExhausted  bool          `mapstructure:"publish_exhausted"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type Auth struct {
	Enabled           bool   `mapstructure:"enabled"`
	PublicKeyPEM      string `mapstructure:"public_key_pem"`
	JWKSURL           string `mapstructure:"jwks_url"`
	Issuer            string `mapstructure:"issuer"`
	Audience          string `mapstructure:"audience"`
	TrustTenantHeader bool   `mapstructure:"trust_tenant_header"` // accept x-tenant-id set by a gateway

	// Used by the dev token issuer only
	PrivateKeyPEM string `mapstructure:"private_key_pem"`
	KeyID         string `mapstructure:"key_id"`
	IssuerPort    string `mapstructure:"issuer_port"`
}

type FakeReceiver struct {
	FailFirstN      int           `mapstructure:"fail_first_n"`
	EndpointSecret  string        `mapstructure:"endpoint_secret"`
	ResponseDelayMS int           `mapstructure:"response_delay_ms"`
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	AppName      string       `mapstructure:"app_name"`
	HTTPPort     string       `mapstructure:"http_port"` // :8080
	GRPCPort     string       `mapstructure:"grpc_port"` // :50051
	Store        string       `mapstructure:"store"`     // memory | postgres
	OTELEndpoint string       `mapstructure:"otel_endpoint"`
	DB           DB           `mapstructure:"db"`
	NSQ          NSQ          `mapstructure:"nsq"`
	Dispatch     Dispatch     `mapstructure:"dispatch"`
	Auth         Auth         `mapstructure:"auth"`
	FakeReceiver FakeReceiver `mapstructure:"fake_receiver"`
	Log          Log          `mapstructure:"log"`
}

type binding struct {
	key string
	env string
	def any
}

var bindings = []binding{
	{"app_name", "APP_NAME", "harbordispatch"},
	{"http_port", "HTTP_PORT", ":8080"},
	{"grpc_port", "GRPC_PORT", ":50051"},
	{"store", "STORE", StoreMemory},
	{"otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT", ""},

	{"db.user", "DB_USER", "postgres"},
	{"db.pass", "DB_PASS", "postgres"},
	{"db.host", "DB_HOST", "postgres"},
	{"db.port", "DB_PORT", "5432"},
	{"db.name", "DB_NAME", "harbordispatch"},

	{"nsq.nsqd_tcp_addr", "NSQD_TCP_ADDR", "nsqd:4150"},
	{"nsq.nsqd_http_addr", "NSQD_HTTP_ADDR", "http://nsqd:4151"},
	{"nsq.lookup_http_addr", "NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"},
	{"nsq.events_topic", "NSQ_EVENTS_TOPIC", "events"},
	{"nsq.exhausted_topic", "NSQ_EXHAUSTED_TOPIC", "deliveries_exhausted"},
	{"nsq.dispatcher_channel", "NSQ_DISPATCHER_CHANNEL", "dispatcher"},
	{"nsq.max_in_flight", "NSQ_MAX_IN_FLIGHT", 50},
	{"nsq.backlog_poll_interval", "NSQ_BACKLOG_POLL_INTERVAL", "10s"},

	{"dispatch.max_retries", "MAX_RETRIES", 3},
	{"dispatch.backoff_base", "BACKOFF_BASE", "1s"},
	{"dispatch.max_backoff", "MAX_BACKOFF", "1h"},
	{"dispatch.jitter_pct", "BACKOFF_JITTER_PCT", 0.0},
	{"dispatch.attempt_timeout", "ATTEMPT_TIMEOUT", "30s"},
	{"dispatch.user_agent", "WEBHOOK_USER_AGENT", "HarborDispatch-Webhook/1.0"},
	{"dispatch.response_body_limit", "RESPONSE_BODY_LIMIT", 5000},
	{"dispatch.stats_window", "STATS_WINDOW", 1000},
	{"dispatch.publish_exhausted", "PUBLISH_EXHAUSTED", false},
	{"dispatch.shutdown_timeout", "SHUTDOWN_TIMEOUT", "30s"},

	{"auth.enabled", "AUTH_ENABLED", false},
	{"auth.public_key_pem", "JWT_PUBLIC_KEY", ""},
	{"auth.jwks_url", "JWKS_URL", ""},
	{"auth.issuer", "JWT_ISSUER", "harbordispatch"},
	{"auth.audience", "JWT_AUDIENCE", "harbordispatch-api"},
	{"auth.trust_tenant_header", "TRUST_TENANT_HEADER", false},
	{"auth.private_key_pem", "JWT_PRIVATE_KEY", ""},
	{"auth.key_id", "JWT_KEY_ID", "harbordispatch-key-1"},
	{"auth.issuer_port", "JWKS_PORT", ":8082"},

	{"fake_receiver.fail_first_n", "FAIL_FIRST_N", 0},
	{"fake_receiver.endpoint_secret", "ENDPOINT_SECRET", ""},
	{"fake_receiver.response_delay_ms", "RESPONSE_DELAY_MS", 0},
	{"fake_receiver.port", "FAKE_RECEIVER_PORT", ":8081"},
	{"fake_receiver.read_timeout", "FAKE_RECEIVER_READ_TIMEOUT", "10s"},
	{"fake_receiver.write_timeout", "FAKE_RECEIVER_WRITE_TIMEOUT", "10s"},
	{"fake_receiver.idle_timeout", "FAKE_RECEIVER_IDLE_TIMEOUT", "60s"},

	{"log.level", "LOG_LEVEL", "info"},
}

// Load builds the configuration from defaults, an optional YAML file named by
// HARBOR_CONFIG, and environment overrides, in increasing precedence.
func Load() (Config, error) {
	return load(os.Getenv(ConfigFileEnv))
}

func load(path string) (Config, error) {
	v := viper.New()
	for _, b := range bindings {
		v.SetDefault(b.key, b.def)
		if err := v.BindEnv(b.key, b.env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", b.env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the dispatcher cannot run with
func (c Config) Validate() error {
	var errs []error
	if c.Store != StoreMemory && c.Store != StorePostgres {
		errs = append(errs, fmt.Errorf("store must be %q or %q, got %q", StoreMemory, StorePostgres, c.Store))
	}
	if c.Dispatch.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("dispatch.max_retries must be >= 1"))
	}
	if c.Dispatch.BackoffBase <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.backoff_base must be positive"))
	}
	if c.Dispatch.MaxBackoff < c.Dispatch.BackoffBase {
		errs = append(errs, fmt.Errorf("dispatch.max_backoff must be >= backoff_base"))
	}
	if c.Dispatch.JitterPct < 0 || c.Dispatch.JitterPct > 1 {
		errs = append(errs, fmt.Errorf("dispatch.jitter_pct must be within [0,1]"))
	}
	if c.Dispatch.AttemptTimeout <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.attempt_timeout must be positive"))
	}
	if c.Dispatch.StatsWindow < 1 {
		errs = append(errs, fmt.Errorf("dispatch.stats_window must be >= 1"))
	}
	if c.Auth.Enabled && c.Auth.PublicKeyPEM == "" && c.Auth.JWKSURL == "" {
		errs = append(errs, fmt.Errorf("auth enabled but neither JWT_PUBLIC_KEY nor JWKS_URL is set"))
	}
	return errors.Join(errs...)
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
