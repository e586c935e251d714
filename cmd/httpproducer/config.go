package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/ava-labs/http-producer/pkg/httpproducer"
	"github.com/ava-labs/http-producer/pkg/kafka"
	"github.com/ava-labs/http-producer/pkg/utils"
)

// Config holds everything a command needs. Sources apply in order:
// defaults, environment, config file, flags.
type Config struct {
	Log      utils.LogConfig
	Producer httpproducer.Options
	// Sets are raw key=value options passed to Handler.SetOption.
	Sets  []string
	Kafka kafka.BridgeConfig

	// Metrics settings
	MetricsHost   string
	MetricsPort   int
	Environment   string
	Region        string
	CloudProvider string
}

// fileConfig is the layout of the --config file.
type fileConfig struct {
	Producer httpproducer.Options `yaml:"producer"`
	Kafka    kafka.BridgeConfig   `yaml:"kafka"`
}

// MetricsAddr returns the formatted metrics address
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.MetricsHost, c.MetricsPort)
}

// buildConfig builds a Config from the environment, the config file and
// CLI context flags.
func buildConfig(c *cli.Context) (*Config, error) {
	opts, err := httpproducer.LoadOptions()
	if err != nil {
		return nil, err
	}
	kcfg, err := kafka.LoadBridgeConfig()
	if err != nil {
		return nil, err
	}

	if path := c.String("config"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()
		opts, kcfg, err = overlayFile(f, opts, kcfg)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	headers, err := parseHeaders(c.StringSlice("header"))
	if err != nil {
		return nil, err
	}
	applyProducerFlags(c, &opts, headers)
	applyKafkaFlags(c, &kcfg)

	return &Config{
		Log: utils.LogConfig{
			Level:   c.String("log-level"),
			Format:  c.String("log-format"),
			Verbose: c.Bool("verbose"),
		},
		Producer:      opts,
		Sets:          c.StringSlice("set"),
		Kafka:         kcfg,
		MetricsHost:   c.String("metrics-host"),
		MetricsPort:   c.Int("metrics-port"),
		Environment:   c.String("environment"),
		Region:        c.String("region"),
		CloudProvider: c.String("cloud-provider"),
	}, nil
}

// overlayFile decodes r over the given settings. Keys missing from the file
// keep their value; unknown keys are an error.
func overlayFile(r io.Reader, opts httpproducer.Options, kcfg kafka.BridgeConfig) (httpproducer.Options, kafka.BridgeConfig, error) {
	fc := fileConfig{Producer: opts, Kafka: kcfg}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return opts, kcfg, err
	}
	return fc.Producer, fc.Kafka, nil
}

// parseHeaders turns "Name: value" pairs into a header map.
func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, expected 'Name: value'", h)
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers, nil
}

func applyProducerFlags(c *cli.Context, o *httpproducer.Options, headers map[string]string) {
	if c.IsSet("url") {
		o.URL = c.String("url")
	}
	if c.IsSet("mode") {
		o.Mode = httpproducer.Mode(strings.ToLower(c.String("mode")))
	}
	if c.IsSet("connections") {
		o.Connections = c.Int("connections")
	}
	if c.IsSet("max-messages") {
		o.MaxMessages = c.Int64("max-messages")
	}
	if c.IsSet("max-batch-messages") {
		o.MaxBatchMessages = c.Int("max-batch-messages")
	}
	if c.IsSet("timeout") {
		o.Timeout = c.Duration("timeout")
	}
	if c.IsSet("connect-timeout") {
		o.ConnectTimeout = c.Duration("connect-timeout")
	}
	if c.IsSet("post-timeout") {
		o.PostTimeout = c.Duration("post-timeout")
	}
	if c.IsSet("engine") {
		o.Engine = c.String("engine")
	}
	if c.IsSet("insecure") {
		o.Insecure = c.Bool("insecure")
	}
	if c.IsSet("compression-level") {
		o.CompressionLevel = c.Int("compression-level")
	}
	if c.Bool("verbose") {
		o.Verbose = true
	}
	for name, value := range headers {
		if o.Headers == nil {
			o.Headers = make(map[string]string, len(headers))
		}
		o.Headers[name] = value
	}
}

func applyKafkaFlags(c *cli.Context, k *kafka.BridgeConfig) {
	if c.IsSet("kafka-brokers") {
		k.BootstrapServers = c.String("kafka-brokers")
	}
	if c.IsSet("kafka-topic") {
		k.Topic = c.String("kafka-topic")
	}
	if c.IsSet("kafka-group-id") {
		k.GroupID = c.String("kafka-group-id")
	}
	if c.IsSet("kafka-auto-offset-reset") {
		k.AutoOffsetReset = c.String("kafka-auto-offset-reset")
	}
	if c.IsSet("kafka-dlq-topic") {
		k.DLQTopic = c.String("kafka-dlq-topic")
	}
	if c.IsSet("kafka-dlq-partitions") {
		k.DLQPartitions = c.Int("kafka-dlq-partitions")
	}
	if c.IsSet("kafka-dlq-replication-factor") {
		k.DLQReplicas = c.Int("kafka-dlq-replication-factor")
	}
	if c.IsSet("kafka-commit-interval") {
		k.CommitInterval = c.Duration("kafka-commit-interval")
	}
	if c.IsSet("kafka-enable-logs") {
		k.EnableLogs = c.Bool("kafka-enable-logs")
	}
	if c.IsSet("kafka-sasl-username") {
		k.SASL.Username = c.String("kafka-sasl-username")
	}
	if c.IsSet("kafka-sasl-password") {
		k.SASL.Password = c.String("kafka-sasl-password")
	}
	if c.IsSet("kafka-sasl-mechanism") {
		k.SASL.Mechanism = c.String("kafka-sasl-mechanism")
	}
	if c.IsSet("kafka-security-protocol") {
		k.SASL.SecurityProtocol = c.String("kafka-security-protocol")
	}
}
