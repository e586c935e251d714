package main

import (
	"time"

	"github.com/urfave/cli/v2"
)

// globalFlags are shared by every command.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
			EnvVars: []string{"VERBOSE"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			EnvVars: []string{"LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log encoding (json or console)",
			EnvVars: []string{"LOG_FORMAT"},
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "YAML file with producer and kafka sections, applied over the environment",
			EnvVars: []string{"CONFIG_FILE"},
		},
		&cli.StringFlag{
			Name:  "env-file",
			Usage: "Dotenv file loaded before command flags and environment settings are read",
		},
	}
}

// producerFlags override the HTTP_PRODUCER_* environment and the config
// file when set.
func producerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "url",
			Aliases: []string{"u"},
			Usage:   "The destination URL",
		},
		&cli.StringFlag{
			Name:    "mode",
			Aliases: []string{"m"},
			Usage:   "plain (one message per request) or chunked (compressed batches)",
		},
		&cli.IntFlag{
			Name:    "connections",
			Aliases: []string{"n"},
			Usage:   "The number of workers and connections",
		},
		&cli.Int64Flag{
			Name:  "max-messages",
			Usage: "The maximum number of messages in flight before produce is rejected",
		},
		&cli.IntFlag{
			Name:  "max-batch-messages",
			Usage: "The maximum number of messages per chunked request",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "The timeout of a whole request",
		},
		&cli.DurationFlag{
			Name:  "connect-timeout",
			Usage: "The timeout for establishing a connection",
		},
		&cli.DurationFlag{
			Name:  "post-timeout",
			Usage: "The maximum time a chunked batch stays open",
		},
		&cli.StringFlag{
			Name:  "engine",
			Usage: "The HTTP client engine (nethttp or fasthttp)",
		},
		&cli.BoolFlag{
			Name:  "insecure",
			Usage: "Skip TLS certificate verification",
		},
		&cli.IntFlag{
			Name:  "compression-level",
			Usage: "The zlib compression level used in chunked mode",
		},
		&cli.StringSliceFlag{
			Name:    "header",
			Aliases: []string{"H"},
			Usage:   "An extra request header as 'Name: value' (repeatable)",
		},
		&cli.StringSliceFlag{
			Name:  "set",
			Usage: "A raw producer option as key=value, applied last (repeatable)",
		},
	}
}

func metricsFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "metrics-host",
			Usage:   "The host to bind the metrics and health server to",
			EnvVars: []string{"METRICS_HOST"},
		},
		&cli.IntFlag{
			Name:    "metrics-port",
			Usage:   "The port of the metrics and health server",
			EnvVars: []string{"METRICS_PORT"},
			Value:   9090,
		},
		&cli.StringFlag{
			Name:    "environment",
			Usage:   "The deployment environment label",
			EnvVars: []string{"ENVIRONMENT"},
		},
		&cli.StringFlag{
			Name:    "region",
			Usage:   "The region label",
			EnvVars: []string{"REGION"},
		},
		&cli.StringFlag{
			Name:    "cloud-provider",
			Usage:   "The cloud provider label",
			EnvVars: []string{"CLOUD_PROVIDER"},
		},
	}
}

func produceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "input",
			Aliases: []string{"i"},
			Usage:   "The file to read messages from, one per line ('-' for stdin)",
			Value:   "-",
		},
		&cli.IntFlag{
			Name:  "count",
			Usage: "Generate this many messages instead of reading input",
		},
		&cli.IntFlag{
			Name:  "size",
			Usage: "The minimum size in bytes of generated messages",
			Value: 128,
		},
		&cli.Float64Flag{
			Name:  "rate",
			Usage: "The maximum number of messages per second (0 for unlimited)",
		},
		&cli.DurationFlag{
			Name:  "flush-timeout",
			Usage: "How long to wait for outstanding reports once input is exhausted",
			Value: 30 * time.Second,
		},
	}
}

// kafkaFlags override the KAFKA_* environment and the config file when set.
func kafkaFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "kafka-brokers",
			Usage: "The Kafka brokers to consume from (comma-separated list)",
		},
		&cli.StringFlag{
			Name:    "kafka-topic",
			Aliases: []string{"t"},
			Usage:   "The Kafka topic to forward",
		},
		&cli.StringFlag{
			Name:  "kafka-group-id",
			Usage: "The Kafka consumer group ID",
		},
		&cli.StringFlag{
			Name:  "kafka-auto-offset-reset",
			Usage: "Where to start without a committed offset (earliest or latest)",
		},
		&cli.StringFlag{
			Name:  "kafka-dlq-topic",
			Usage: "The topic receiving records whose delivery failed (empty disables)",
		},
		&cli.IntFlag{
			Name:  "kafka-dlq-partitions",
			Usage: "Create or grow the DLQ topic to this many partitions (0 leaves it alone)",
		},
		&cli.IntFlag{
			Name:  "kafka-dlq-replication-factor",
			Usage: "The replication factor of a created DLQ topic",
		},
		&cli.DurationFlag{
			Name:  "kafka-commit-interval",
			Usage: "How often delivered offsets are committed",
		},
		&cli.BoolFlag{
			Name:  "kafka-enable-logs",
			Usage: "Forward librdkafka logs to the logger",
		},
		&cli.StringFlag{
			Name:  "kafka-sasl-username",
			Usage: "The SASL username",
		},
		&cli.StringFlag{
			Name:  "kafka-sasl-password",
			Usage: "The SASL password",
		},
		&cli.StringFlag{
			Name:  "kafka-sasl-mechanism",
			Usage: "The SASL mechanism (PLAIN, SCRAM-SHA-256, SCRAM-SHA-512); empty disables SASL",
		},
		&cli.StringFlag{
			Name:  "kafka-security-protocol",
			Usage: "The security protocol used with SASL",
		},
	}
}

func sinkFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "listen",
			Aliases: []string{"l"},
			Usage:   "The address to listen on",
			EnvVars: []string{"SINK_LISTEN_ADDR"},
			Value:   ":8080",
		},
		&cli.IntFlag{
			Name:    "status",
			Usage:   "The status code answered to deliveries",
			EnvVars: []string{"SINK_STATUS"},
			Value:   200,
		},
		&cli.DurationFlag{
			Name:    "delay",
			Usage:   "How long to wait before answering a delivery",
			EnvVars: []string{"SINK_DELAY"},
		},
		&cli.BoolFlag{
			Name:    "discard-bodies",
			Usage:   "Count deliveries without keeping their bodies",
			EnvVars: []string{"SINK_DISCARD_BODIES"},
			Value:   true,
		},
		&cli.DurationFlag{
			Name:    "stats-interval",
			Usage:   "How often to log delivery counters (0 disables)",
			EnvVars: []string{"SINK_STATS_INTERVAL"},
			Value:   10 * time.Second,
		},
	}
}
