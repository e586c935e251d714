package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/http-producer/pkg/kafka"
)

func runBridge(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors
	logConfig(sugar, cfg)
	sugar.Infow("kafka config",
		"brokers", cfg.Kafka.BootstrapServers,
		"topic", cfg.Kafka.Topic,
		"groupID", cfg.Kafka.GroupID,
		"autoOffsetReset", cfg.Kafka.AutoOffsetReset,
		"dlqTopic", cfg.Kafka.DLQTopic,
		"dlqPartitions", cfg.Kafka.DLQPartitions,
		"commitInterval", cfg.Kafka.CommitInterval,
		"saslMechanism", cfg.Kafka.SASL.Mechanism,
	)

	m, registry, err := newMetrics(cfg, destination(cfg.Producer.URL))
	if err != nil {
		return err
	}
	h, err := newHandler(sugar, cfg, m)
	if err != nil {
		return err
	}
	defer h.Destroy()

	metricsServer, metricsErrCh := startMetricsServer(sugar, cfg, registry, h)
	defer shutdownMetricsServer(sugar, metricsServer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridge, err := kafka.NewBridge(ctx, sugar.Named("bridge"), cfg.Kafka, h, m)
	if err != nil {
		return fmt.Errorf("failed to create kafka bridge: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watchMetricsServer(gctx, metricsErrCh)
	})
	g.Go(func() error {
		return bridge.Start(gctx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		sugar.Infow("exiting due to context cancellation")
		return nil
	}
	if err != nil {
		sugar.Errorw("run failed", "error", err)
		return err
	}

	sugar.Info("shutting down")
	return nil
}
