package monitor

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// Environment variables read by LoadConfig.
const (
	EnvServiceName    = "APM_SERVICE_NAME"
	EnvServerURL      = "APM_SERVER_URL"
	EnvSecretToken    = "APM_SECRET_TOKEN"
	EnvEnvironment    = "APM_ENVIRONMENT"
	EnvServiceVersion = "APM_SERVICE_VERSION"
	EnvProtocol       = "APM_PROTOCOL"
	EnvConfigFile     = "APM_CONFIG_FILE"
)

// Protocol selects the wire format used to reach the collector.
type Protocol string

const (
	// ProtocolIntake ships NDJSON batches to the APM server intake API.
	ProtocolIntake Protocol = "intake"
	// ProtocolOTLP exports spans with the OpenTelemetry OTLP/gRPC exporter.
	ProtocolOTLP Protocol = "otlp"
)

// Config holds the configuration for the monitoring client.
type Config struct {
	// ServiceName is the name reported to the collector. Required.
	ServiceName string `yaml:"serviceName"`

	// ServerURL is the collector base URL.
	// If empty, spans are not exported and only show up in debug logs.
	ServerURL string `yaml:"serverURL"`

	// SecretToken is sent as a bearer token to the collector. Optional.
	SecretToken string `yaml:"secretToken"`

	// Environment is the deployment environment (e.g., "prod", "staging"). Optional.
	Environment string `yaml:"environment"`

	// ServiceVersion is reported alongside the service name. Default: "dev".
	ServiceVersion string `yaml:"serviceVersion" default:"dev"`

	// Protocol is either "intake" or "otlp". Default: "intake".
	Protocol Protocol `yaml:"protocol" default:"intake"`

	// BatchSize is the maximum number of spans per intake request. Default: 200.
	BatchSize int `yaml:"batchSize" default:"200"`

	// FlushEvery is how often queued spans are shipped. Default: 1s.
	FlushEvery time.Duration `yaml:"flushEvery" default:"1s"`

	// Gzip enables gzip compression for intake requests. Default: false.
	Gzip bool `yaml:"gzip"`

	// Timeout bounds a single collector request. Default: 30s.
	Timeout time.Duration `yaml:"timeout" default:"30s"`

	// RetryMaxElapsed bounds the total time spent retrying one batch. Default: 10s.
	RetryMaxElapsed time.Duration `yaml:"retryMaxElapsed" default:"10s"`
}

// ErrServiceRequired is returned when Config.ServiceName is empty.
var ErrServiceRequired = errors.New("monitor: Config.ServiceName is required")

// ErrUnknownProtocol is returned when Config.Protocol is not one of the supported protocols.
var ErrUnknownProtocol = errors.New("monitor: unknown collector protocol")

// ErrInvalidTuning is returned when a batching, flushing or timeout setting is negative.
var ErrInvalidTuning = errors.New("monitor: invalid tuning value")

// LoadConfig reads the configuration from the environment, falling back to
// the YAML file at path (if any) for every key the environment leaves unset.
// Missing values are not an error; call Validate to enforce required fields.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("monitor: reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return Config{}, fmt.Errorf("monitor: parsing config file %s: %w", path, err)
		}
	}

	overrideFromEnv(&cfg.ServiceName, EnvServiceName)
	overrideFromEnv(&cfg.ServerURL, EnvServerURL)
	overrideFromEnv(&cfg.SecretToken, EnvSecretToken)
	overrideFromEnv(&cfg.Environment, EnvEnvironment)
	overrideFromEnv(&cfg.ServiceVersion, EnvServiceVersion)
	if v := os.Getenv(EnvProtocol); v != "" {
		cfg.Protocol = Protocol(v)
	}

	if err := defaults.Set(&cfg); err != nil {
		return Config{}, fmt.Errorf("monitor: applying config defaults: %w", err)
	}
	return cfg, nil
}

func overrideFromEnv(field *string, key string) {
	if v := os.Getenv(key); v != "" {
		*field = v
	}
}

// Validate reports whether the configuration can be used to build a Client.
func (c Config) Validate() error {
	if c.ServiceName == "" {
		return ErrServiceRequired
	}
	switch c.Protocol {
	case ProtocolIntake, ProtocolOTLP:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProtocol, c.Protocol)
	}

	// Zero means "use the default".
	switch {
	case c.BatchSize < 0:
		return fmt.Errorf("%w: batchSize %d", ErrInvalidTuning, c.BatchSize)
	case c.FlushEvery < 0:
		return fmt.Errorf("%w: flushEvery %s", ErrInvalidTuning, c.FlushEvery)
	case c.Timeout < 0:
		return fmt.Errorf("%w: timeout %s", ErrInvalidTuning, c.Timeout)
	case c.RetryMaxElapsed < 0:
		return fmt.Errorf("%w: retryMaxElapsed %s", ErrInvalidTuning, c.RetryMaxElapsed)
	}
	return nil
}

// LogValues returns key/value pairs describing the configuration for logging.
// The secret token is never included.
func (c Config) LogValues() []any {
	return []any{
		"service", c.ServiceName,
		"version", c.ServiceVersion,
		"environment", c.Environment,
		"server_url", c.ServerURL,
		"protocol", string(c.Protocol),
		"secret_token_set", c.SecretToken != "",
	}
}
