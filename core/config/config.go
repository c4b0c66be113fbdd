package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Broker  BrokerConfig
	Gateway GatewayConfig
	Agent   AgentConfig
	OTel    OTelConfig
	Env     string
	NodeID  int64
	// MetricsAddr is the listen address for the gateway's /metrics endpoint. Empty disables it.
	MetricsAddr string
}

type OTelConfig struct {
	Endpoint       string
	Headers        string
	ServiceName    string
	ServiceVersion string
}

type BrokerDriver string

const (
	BrokerDriverPandaproxy BrokerDriver = "pandaproxy"
	BrokerDriverRedis      BrokerDriver = "redis"
)

type BrokerConfig struct {
	Driver        BrokerDriver
	ProxyURL      string // Pandaproxy (Kafka REST v2) base URL
	RedisURL      string
	StreamPrefix  string // Redis stream name prefix, e.g. "triage:" -> "triage:issues"
	Group         string
	Instance      string
	InboundTopics []string
	ActionsTopic  string
	OutcomesTopic string
	DLQTopic      string
	PollTimeout   time.Duration
	BatchSize     int64
	ClaimMinIdle  time.Duration // Redis only: reclaim entries pending longer than this
}

type ForwardMode string

const (
	ForwardModeRemote ForwardMode = "remote"
	ForwardModeInline ForwardMode = "inline"
)

type GatewayConfig struct {
	Mode           ForwardMode
	AgentURL       string
	ForwardTimeout time.Duration
	IdleDelay      time.Duration
	ErrorBackoff   time.Duration
}

type AgentConfig struct {
	Port            string
	CalendarBaseURL string
	CalendarTimeout time.Duration
}

type ServiceType string

const (
	ServiceTypeGateway ServiceType = "gateway"
	ServiceTypeAgent   ServiceType = "agent"
	ServiceTypePublish ServiceType = "publish"
)

// Load loads configuration from environment variables.
// In development, it loads from service-specific .env files:
//   - .env.gateway for the consumer loop
//   - .env.agent for the decision service
//
// Falls back to .env if service-specific file doesn't exist.
func Load(serviceType ServiceType) (Config, error) {
	if getEnv("TRIAGE_ENV", "development") == "development" {
		envFile := fmt.Sprintf(".env.%s", serviceType)
		if err := godotenv.Load(envFile); err != nil {
			_ = godotenv.Load(".env")
		}
	}

	cfg := Config{
		Env:         getEnv("TRIAGE_ENV", "development"),
		NodeID:      getEnvInt64("NODE_ID", defaultNodeID(serviceType)),
		MetricsAddr: getEnv("METRICS_ADDR", ""),
		Broker: BrokerConfig{
			Driver:        BrokerDriver(getEnv("BROKER_DRIVER", string(BrokerDriverPandaproxy))),
			ProxyURL:      strings.TrimRight(getEnv("PANDA_PROXY", "http://localhost:8082"), "/"),
			RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			StreamPrefix:  getEnv("REDIS_STREAM_PREFIX", ""),
			Group:         getEnv("CONSUMER_GROUP", "agent-gw"),
			Instance:      getEnv("CONSUMER_INSTANCE", "gw-1"),
			InboundTopics: getEnvList("INBOUND_TOPICS", []string{"issues", "builds", "vendors"}),
			ActionsTopic:  getEnv("ACTIONS_TOPIC", "actions"),
			OutcomesTopic: getEnv("OUTCOMES_TOPIC", "outcomes"),
			DLQTopic:      getEnv("DLQ_TOPIC", "dlq"),
			PollTimeout:   getEnvDuration("POLL_TIMEOUT", 500*time.Millisecond),
			BatchSize:     getEnvInt64("POLL_BATCH_SIZE", 100),
			ClaimMinIdle:  getEnvDuration("REDIS_CLAIM_MIN_IDLE", 5*time.Minute),
		},
		Gateway: GatewayConfig{
			Mode:           ForwardMode(getEnv("GATEWAY_MODE", string(ForwardModeRemote))),
			AgentURL:       getEnv("AGENTKIT_URL", "http://localhost:8000/run"),
			ForwardTimeout: getEnvDuration("FORWARD_TIMEOUT", 30*time.Second),
			IdleDelay:      getEnvDuration("IDLE_DELAY", 100*time.Millisecond),
			ErrorBackoff:   getEnvDuration("ERROR_BACKOFF", 5*time.Second),
		},
		Agent: AgentConfig{
			Port:            getEnv("AGENTKIT_PORT", "8000"),
			CalendarBaseURL: strings.TrimRight(getEnv("CALENDAR_API_BASE", "http://localhost:7300/api"), "/"),
			CalendarTimeout: getEnvDuration("CALENDAR_TIMEOUT", 5*time.Second),
		},
		OTel: OTelConfig{
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:        getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "triage-"+string(serviceType)),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
		},
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	switch c.Broker.Driver {
	case BrokerDriverPandaproxy, BrokerDriverRedis:
	default:
		return fmt.Errorf("unknown BROKER_DRIVER %q", c.Broker.Driver)
	}

	switch c.Gateway.Mode {
	case ForwardModeRemote, ForwardModeInline:
	default:
		return fmt.Errorf("unknown GATEWAY_MODE %q", c.Gateway.Mode)
	}

	if c.Broker.Group == "" || c.Broker.Instance == "" {
		return fmt.Errorf("CONSUMER_GROUP and CONSUMER_INSTANCE are required")
	}

	if len(c.Broker.InboundTopics) == 0 {
		return fmt.Errorf("INBOUND_TOPICS must name at least one topic")
	}

	// The Redis backend would turn a zero timeout into XREADGROUP BLOCK 0.
	if c.Broker.PollTimeout <= 0 {
		return fmt.Errorf("POLL_TIMEOUT must be positive, got %s", c.Broker.PollTimeout)
	}

	return nil
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

// Snowflake node IDs must differ between processes sharing a clock domain.
func defaultNodeID(serviceType ServiceType) int64 {
	switch serviceType {
	case ServiceTypeAgent:
		return 2
	case ServiceTypePublish:
		return 3
	default:
		return 1
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
