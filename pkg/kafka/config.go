package kafka

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// Default timeouts for the bridge consumer.
const (
	DefaultSessionTimeout  = 240 * time.Second
	DefaultMaxPollInterval = 3400 * time.Second
	DefaultFlushTimeout    = 15 * time.Second
	DefaultPollTimeout     = 100 * time.Millisecond
)

// BridgeConfig configures the Kafka side of the Kafka to HTTP bridge.
type BridgeConfig struct {
	Topic            string         `env:"KAFKA_TOPIC"                  envDefault:"events"         yaml:"topic"`
	DLQTopic         string         `env:"KAFKA_DLQ_TOPIC"              envDefault:"events-dlq"     yaml:"dlq_topic"`
	DLQPartitions    int            `env:"KAFKA_DLQ_PARTITIONS"         envDefault:"0"              yaml:"dlq_partitions"`
	DLQReplicas      int            `env:"KAFKA_DLQ_REPLICATION_FACTOR" envDefault:"1"              yaml:"dlq_replication_factor"`
	BootstrapServers string         `env:"KAFKA_BOOTSTRAP_SERVERS"      envDefault:"localhost:9092" yaml:"bootstrap_servers"`
	GroupID          string         `env:"KAFKA_GROUP_ID"               envDefault:"k2http"         yaml:"group_id"`
	AutoOffsetReset  string         `env:"KAFKA_AUTO_OFFSET_RESET"      envDefault:"earliest"       yaml:"auto_offset_reset"`
	CommitInterval   time.Duration  `env:"KAFKA_OFFSET_COMMIT_INTERVAL" envDefault:"5s"             yaml:"commit_interval"`
	SessionTimeout   *time.Duration `env:"KAFKA_SESSION_TIMEOUT"                                    yaml:"session_timeout"`
	MaxPollInterval  *time.Duration `env:"KAFKA_MAX_POLL_INTERVAL"                                  yaml:"max_poll_interval"`
	FlushTimeout     *time.Duration `env:"KAFKA_FLUSH_TIMEOUT"                                      yaml:"flush_timeout"`
	PollTimeout      *time.Duration `env:"KAFKA_POLL_TIMEOUT"                                       yaml:"poll_timeout"`
	EnableLogs       bool           `env:"KAFKA_ENABLE_LOGS"            envDefault:"false"          yaml:"enable_logs"`
	SASL             SASLConfig     `yaml:"sasl"`
}

// SASLConfig authenticates both the consumer and the dead letter producer.
// An empty Mechanism disables SASL.
type SASLConfig struct {
	Username         string `env:"KAFKA_SASL_USERNAME"     yaml:"username"`
	Password         string `env:"KAFKA_SASL_PASSWORD"     yaml:"password"`
	Mechanism        string `env:"KAFKA_SASL_MECHANISM"    yaml:"mechanism"`
	SecurityProtocol string `env:"KAFKA_SECURITY_PROTOCOL" yaml:"security_protocol" envDefault:"SASL_SSL"`
}

// Apply sets the SASL properties on cm when a mechanism is configured.
func (s SASLConfig) Apply(cm *kafka.ConfigMap) {
	if s.Mechanism == "" {
		return
	}
	cm.SetKey("security.protocol", s.SecurityProtocol) //nolint:errcheck // SetKey only fails on invalid value types
	cm.SetKey("sasl.mechanisms", s.Mechanism)          //nolint:errcheck // see above
	cm.SetKey("sasl.username", s.Username)             //nolint:errcheck // see above
	cm.SetKey("sasl.password", s.Password)             //nolint:errcheck // see above
}

// LoadBridgeConfig reads the bridge configuration from the environment.
func LoadBridgeConfig() (BridgeConfig, error) {
	var cfg BridgeConfig
	if err := env.Parse(&cfg); err != nil {
		return BridgeConfig{}, fmt.Errorf("failed to parse kafka config: %w", err)
	}
	return cfg.WithDefaults(), nil
}

// WithDefaults returns a copy of the config with nil timeouts filled in.
func (c BridgeConfig) WithDefaults() BridgeConfig {
	if c.SessionTimeout == nil {
		d := DefaultSessionTimeout
		c.SessionTimeout = &d
	}
	if c.MaxPollInterval == nil {
		d := DefaultMaxPollInterval
		c.MaxPollInterval = &d
	}
	if c.FlushTimeout == nil {
		d := DefaultFlushTimeout
		c.FlushTimeout = &d
	}
	if c.PollTimeout == nil {
		d := DefaultPollTimeout
		c.PollTimeout = &d
	}
	if c.CommitInterval <= 0 {
		c.CommitInterval = OffsetManagerCommitInterval
	}
	return c
}

// Validate reports missing required settings.
func (c BridgeConfig) Validate() error {
	var errs []error
	if c.Topic == "" {
		errs = append(errs, errors.New("kafka topic is required"))
	}
	if c.BootstrapServers == "" {
		errs = append(errs, errors.New("kafka bootstrap servers are required"))
	}
	if c.GroupID == "" {
		errs = append(errs, errors.New("kafka group id is required"))
	}
	switch c.AutoOffsetReset {
	case "earliest", "latest":
	default:
		errs = append(errs, fmt.Errorf("invalid auto offset reset %q", c.AutoOffsetReset))
	}
	if c.DLQTopic != "" && c.DLQTopic == c.Topic {
		errs = append(errs, errors.New("dlq topic must differ from the source topic"))
	}
	return errors.Join(errs...)
}

func (c BridgeConfig) consumerConfigMap() *kafka.ConfigMap {
	c = c.WithDefaults()
	cm := &kafka.ConfigMap{
		"bootstrap.servers":             c.BootstrapServers,
		"group.id":                      c.GroupID,
		"auto.offset.reset":             c.AutoOffsetReset,
		"enable.auto.commit":            false,
		"session.timeout.ms":            int(c.SessionTimeout.Milliseconds()),
		"max.poll.interval.ms":          int(c.MaxPollInterval.Milliseconds()),
		"partition.assignment.strategy": "roundrobin",
		"go.logs.channel.enable":        c.EnableLogs,
	}
	c.SASL.Apply(cm)
	return cm
}

func (c BridgeConfig) dlqConfigMap() *kafka.ConfigMap {
	cm := &kafka.ConfigMap{
		"bootstrap.servers":      c.BootstrapServers,
		"acks":                   "all",
		"linger.ms":              5,
		"compression.type":       "lz4",
		"enable.idempotence":     true,
		"go.logs.channel.enable": c.EnableLogs,
	}
	c.SASL.Apply(cm)
	return cm
}
