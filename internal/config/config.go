package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AntiFraudConfig stores parameters for the rules engine and the fallback verdict.
type AntiFraudConfig struct {
	AmountThreshold        float64 `yaml:"amount_threshold"`
	FrequencyThreshold     int     `yaml:"frequency_threshold"`
	FrequencyWindowSeconds int     `yaml:"frequency_window_seconds"`
	// ScorerURL switches scoring to the external service when set.
	ScorerURL string `yaml:"scorer_url"`
	// FallbackHighAmount is the amount at or above which an unavailable scorer yields High instead of Medium.
	FallbackHighAmount string `yaml:"fallback_high_amount"`
	RuleSetVersion     string `yaml:"rule_set_version"`
}

// SagaConfig controls the payment-processing saga.
type SagaConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	SettlementDelay time.Duration `yaml:"settlement_delay"`
	SnapshotEvery   int           `yaml:"snapshot_every"`
	LockTimeout     time.Duration `yaml:"lock_timeout"`
	ResponseTTL     time.Duration `yaml:"response_ttl"`
	ProcessedTTL    time.Duration `yaml:"processed_ttl"`
	SchedulerPoll   time.Duration `yaml:"scheduler_poll"`
	NotifyQueueSize int           `yaml:"notify_queue_size"`
}

// PolicyConfig is the retry, timeout and circuit-breaker setup of one operation class.
type PolicyConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	Timeout         time.Duration `yaml:"timeout"`
	Backoff         string        `yaml:"backoff"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	FailureRatio    float64       `yaml:"failure_ratio"`
	MinRequests     uint32        `yaml:"min_requests"`
	SamplingWindow  time.Duration `yaml:"sampling_window"`
	BreakDuration   time.Duration `yaml:"break_duration"`
}

type ResilienceConfig struct {
	EventStore     PolicyConfig `yaml:"event_store"`
	FraudDetection PolicyConfig `yaml:"fraud_detection"`
	Settlement     PolicyConfig `yaml:"settlement"`
	Gateway        PolicyConfig `yaml:"gateway"`
}

type Config struct {
	App struct {
		Env      string `yaml:"env"`
		Name     string `yaml:"name"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"app"`
	Server struct {
		Port            string        `yaml:"port"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Postgres struct {
		DSN      string `yaml:"dsn"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"postgres"`
	Kafka struct {
		BootstrapServers  string `yaml:"bootstrap_servers"`
		CommandTopic      string `yaml:"command_topic"`
		EventTopic        string `yaml:"event_topic"`
		NotificationTopic string `yaml:"notification_topic"`
		DLQTopic          string `yaml:"dlq_topic"`
		ConsumerGroup     string `yaml:"consumer_group"`
	} `yaml:"kafka"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	ClickHouse struct {
		Addr     string `yaml:"addr"`
		Database string `yaml:"database"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"clickhouse"`
	Jaeger struct {
		Port     string `yaml:"port"`
		PortGrpc string `yaml:"port_grpc"`
	} `yaml:"jaeger"`
	JWT struct {
		Secret string `yaml:"jwt_secret"`
	} `yaml:"jwt"`
	RateLimit struct {
		Requests int           `yaml:"requests"`
		Window   time.Duration `yaml:"window"`
	} `yaml:"rate_limit"`
	Gateway struct {
		// DeclineAbove makes the sandbox processor decline authorizations above this amount.
		DeclineAbove string        `yaml:"decline_above"`
		SettleFail   bool          `yaml:"settle_fail"`
		Latency      time.Duration `yaml:"latency"`
	} `yaml:"gateway"`
	Notifications struct {
		WebhookURL string `yaml:"webhook_url"`
	} `yaml:"notifications"`
	AntiFraud  AntiFraudConfig  `yaml:"anti_fraud"`
	Saga       SagaConfig       `yaml:"saga"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

func Load(configPath string) (*Config, error) {
	config := &Config{}

	file, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// First, we substitute environment variables into the raw YAML file.
	expandedFile := os.ExpandEnv(string(file))

	if err := yaml.Unmarshal([]byte(expandedFile), config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	config.applyDefaults()
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "payment-orchestrator"
	}
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}
	if c.Kafka.CommandTopic == "" {
		c.Kafka.CommandTopic = "payments.commands"
	}
	if c.Kafka.EventTopic == "" {
		c.Kafka.EventTopic = "payments.events"
	}
	if c.Kafka.NotificationTopic == "" {
		c.Kafka.NotificationTopic = "payments.notifications"
	}
	if c.Kafka.DLQTopic == "" {
		c.Kafka.DLQTopic = "payments.dlq"
	}
	if c.Kafka.ConsumerGroup == "" {
		c.Kafka.ConsumerGroup = "payment-orchestrator"
	}
	if c.ClickHouse.Database == "" {
		c.ClickHouse.Database = "default"
	}
	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = 100
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.AntiFraud.AmountThreshold == 0 {
		c.AntiFraud.AmountThreshold = 1000
	}
	if c.AntiFraud.FrequencyThreshold == 0 {
		c.AntiFraud.FrequencyThreshold = 3
	}
	if c.AntiFraud.FrequencyWindowSeconds == 0 {
		c.AntiFraud.FrequencyWindowSeconds = 60
	}
	if c.AntiFraud.FallbackHighAmount == "" {
		c.AntiFraud.FallbackHighAmount = "1000"
	}
	if c.AntiFraud.RuleSetVersion == "" {
		c.AntiFraud.RuleSetVersion = "aml-rules-v1"
	}

	s := &c.Saga
	if s.Timeout == 0 {
		s.Timeout = 10 * time.Minute
	}
	if s.SettlementDelay == 0 {
		s.SettlementDelay = 5 * time.Second
	}
	if s.SnapshotEvery == 0 {
		s.SnapshotEvery = 5
	}
	if s.LockTimeout == 0 {
		s.LockTimeout = 5 * time.Second
	}
	if s.ResponseTTL == 0 {
		s.ResponseTTL = 24 * time.Hour
	}
	if s.ProcessedTTL == 0 {
		s.ProcessedTTL = 7 * 24 * time.Hour
	}
	if s.SchedulerPoll == 0 {
		s.SchedulerPoll = 500 * time.Millisecond
	}
	if s.NotifyQueueSize == 0 {
		s.NotifyQueueSize = 1024
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Kafka.BootstrapServers == "" {
		errs = append(errs, errors.New("kafka.bootstrap_servers is required"))
	}
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt.jwt_secret is required"))
	}
	if c.Saga.SnapshotEvery < 1 {
		errs = append(errs, errors.New("saga.snapshot_every must be positive"))
	}
	return errors.Join(errs...)
}
