// Package config provides configuration for the integration bridge.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// minSecretLen is the shortest shared secret accepted for HS256 signing.
const minSecretLen = 16

// Config holds the bridge configuration. It is parsed once at startup and
// passed explicitly to every component.
type Config struct {
	// Server settings
	HTTPPort      int    `env:"HTTP_PORT" envDefault:"8080"`
	InternalPort  int    `env:"INTERNAL_PORT" envDefault:"8081"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8080"`

	// Database
	DatabaseURL string `env:"DATABASE_URL" envDefault:"file:rpbridge.db?mode=rwc&_txlock=immediate"`

	// Launch token
	LaunchSecret     string        `env:"LAUNCH_TOKEN_SECRET"`
	TokenMaxLifetime time.Duration `env:"LAUNCH_TOKEN_MAX_LIFETIME" envDefault:"15m"`
	TokenClockSkew   time.Duration `env:"LAUNCH_TOKEN_CLOCK_SKEW" envDefault:"30s"`
	TokenSingleUse   bool          `env:"LAUNCH_TOKEN_SINGLE_USE" envDefault:"false"`

	// Partner
	PartnerMetadataURL  string        `env:"PARTNER_METADATA_URL"`
	PartnerAllowedHosts []string      `env:"PARTNER_ALLOWED_HOSTS" envSeparator:","`
	AllowInsecureURLs   bool          `env:"PARTNER_ALLOW_INSECURE" envDefault:"false"`
	MetadataTimeout     time.Duration `env:"METADATA_TIMEOUT" envDefault:"10s"`

	// Results delivery
	DeliveryMaxAttempts    int           `env:"RESULTS_MAX_ATTEMPTS" envDefault:"6"`
	DeliveryAttemptTimeout time.Duration `env:"RESULTS_ATTEMPT_TIMEOUT" envDefault:"20s"`
	DeliveryInitialBackoff time.Duration `env:"RESULTS_INITIAL_BACKOFF" envDefault:"2s"`
	DeliveryMaxBackoff     time.Duration `env:"RESULTS_MAX_BACKOFF" envDefault:"5m"`
	DeliveryWorkers        int           `env:"RESULTS_WORKERS" envDefault:"4"`
	DeliveryQueueSize      int           `env:"RESULTS_QUEUE_SIZE" envDefault:"256"`
	DeliverySweepInterval  time.Duration `env:"RESULTS_SWEEP_INTERVAL" envDefault:"30s"`

	// Failure notifications
	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE" envDefault:"rpbridge.deliveries"`

	// Cluster seed
	ClusterSeedFile string `env:"CLUSTER_SEED_FILE"`

	// Tracing
	OTelEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses configuration from environment variables and validates it.
func Load() (*Config, error) {
	return parse(env.Options{})
}

// LoadFrom parses configuration from the given environment map.
func LoadFrom(environ map[string]string) (*Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.LaunchSecret = strings.TrimSpace(cfg.LaunchSecret)
	cfg.PublicBaseURL = strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	cfg.PartnerMetadataURL = strings.TrimRight(strings.TrimSpace(cfg.PartnerMetadataURL), "/")
	hosts := cfg.PartnerAllowedHosts[:0]
	for _, h := range cfg.PartnerAllowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}
	cfg.PartnerAllowedHosts = hosts
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required values and bounds.
func (c *Config) Validate() error {
	var errs []error
	if c.LaunchSecret == "" {
		errs = append(errs, errors.New("LAUNCH_TOKEN_SECRET is required"))
	} else if len(c.LaunchSecret) < minSecretLen {
		errs = append(errs, fmt.Errorf("LAUNCH_TOKEN_SECRET must be at least %d bytes", minSecretLen))
	}
	if u, err := url.Parse(c.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, errors.New("PUBLIC_BASE_URL must be an absolute URL"))
	}
	if c.PartnerMetadataURL != "" {
		if u, err := url.Parse(c.PartnerMetadataURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, errors.New("PARTNER_METADATA_URL must be an absolute URL"))
		}
	}
	if c.TokenMaxLifetime <= 0 {
		errs = append(errs, errors.New("LAUNCH_TOKEN_MAX_LIFETIME must be positive"))
	}
	if c.TokenClockSkew < 0 {
		errs = append(errs, errors.New("LAUNCH_TOKEN_CLOCK_SKEW must not be negative"))
	}
	if c.DeliveryMaxAttempts < 1 {
		errs = append(errs, errors.New("RESULTS_MAX_ATTEMPTS must be at least 1"))
	}
	if c.DeliveryAttemptTimeout <= 0 {
		errs = append(errs, errors.New("RESULTS_ATTEMPT_TIMEOUT must be positive"))
	}
	if c.DeliveryWorkers < 1 {
		errs = append(errs, errors.New("RESULTS_WORKERS must be at least 1"))
	}
	if c.DeliveryQueueSize < 1 {
		errs = append(errs, errors.New("RESULTS_QUEUE_SIZE must be at least 1"))
	}
	return errors.Join(errs...)
}
