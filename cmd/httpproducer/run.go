package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ava-labs/http-producer/pkg/httpproducer"
	"github.com/ava-labs/http-producer/pkg/metrics"
	"github.com/ava-labs/http-producer/pkg/utils"
)

const metricsShutdownTimeout = 5 * time.Second

var errProducerStopped = errors.New("http producer is not running")

func newLogger(cfg *Config) (*zap.SugaredLogger, error) {
	sugar, err := utils.NewLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return sugar, nil
}

// newMetrics registers the collectors on a fresh registry, labeled with the
// destination and deployment of this instance.
func newMetrics(cfg *Config, destination string) (*metrics.Metrics, *prometheus.Registry, error) {
	registry := prometheus.NewRegistry()
	m, err := metrics.NewWithLabels(registry, metrics.Labels{
		Destination:   destination,
		Environment:   cfg.Environment,
		Region:        cfg.Region,
		CloudProvider: cfg.CloudProvider,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	return m, registry, nil
}

// startMetricsServer serves registry. The health probe fails once h stops
// accepting messages.
func startMetricsServer(sugar *zap.SugaredLogger, cfg *Config, registry *prometheus.Registry, h *httpproducer.Handler) (*metrics.Server, <-chan error) {
	server := metrics.NewServer(cfg.MetricsAddr(), registry, func() error {
		if !h.Running() {
			return errProducerStopped
		}
		return nil
	})
	errCh := server.Start()
	if cfg.MetricsHost == "" {
		sugar.Infof("metrics server listening on http://0.0.0.0:%d/metrics", cfg.MetricsPort)
	} else {
		sugar.Infof("metrics server listening on http://%s/metrics", cfg.MetricsAddr())
	}
	return server, errCh
}

func shutdownMetricsServer(sugar *zap.SugaredLogger, server *metrics.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		sugar.Warnw("failed to shut down metrics server", "error", err)
	}
}

// watchMetricsServer returns the metrics server failure, or nil once ctx is
// done.
func watchMetricsServer(ctx context.Context, errCh <-chan error) error {
	select {
	case <-ctx.Done():
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

// newHandler creates and starts a handler from cfg. --set options are
// applied after everything else.
func newHandler(sugar *zap.SugaredLogger, cfg *Config, m *metrics.Metrics) (*httpproducer.Handler, error) {
	h, err := httpproducer.New(sugar.Named("producer"), cfg.Producer.URL,
		httpproducer.WithOptions(cfg.Producer),
		httpproducer.WithMetrics(m),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http producer: %w", err)
	}
	if err := applySets(h, cfg.Sets); err != nil {
		return nil, err
	}
	if err := h.Run(); err != nil {
		return nil, fmt.Errorf("failed to start http producer: %w", err)
	}
	return h, nil
}

// optionSetter is the part of the handler that takes raw options.
type optionSetter interface {
	SetOption(key, value string) error
}

func applySets(h optionSetter, sets []string) error {
	for _, kv := range sets {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return fmt.Errorf("invalid --set %q, expected key=value", kv)
		}
		if err := h.SetOption(key, value); err != nil {
			return err
		}
	}
	return nil
}

func logConfig(sugar *zap.SugaredLogger, cfg *Config) {
	o := cfg.Producer
	sugar.Infow("config",
		"url", o.URL,
		"mode", o.Mode,
		"engine", o.Engine,
		"connections", o.Connections,
		"maxMessages", o.MaxMessages,
		"maxBatchMessages", o.MaxBatchMessages,
		"timeout", o.Timeout,
		"connectTimeout", o.ConnectTimeout,
		"postTimeout", o.PostTimeout,
		"insecure", o.Insecure,
		"sets", cfg.Sets,
		"metricsHost", cfg.MetricsHost,
		"metricsPort", cfg.MetricsPort,
		"environment", cfg.Environment,
		"region", cfg.Region,
		"cloudProvider", cfg.CloudProvider,
	)
}
