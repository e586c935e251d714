package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/http-producer/pkg/sink"
	"github.com/ava-labs/http-producer/pkg/utils"
)

func runSink(c *cli.Context) error {
	sugar, err := utils.NewLogger(utils.LogConfig{
		Level:   c.String("log-level"),
		Format:  c.String("log-format"),
		Verbose: c.Bool("verbose"),
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	status := c.Int("status")
	if http.StatusText(status) == "" {
		return fmt.Errorf("invalid status code %d", status)
	}
	opts := []sink.Option{sink.WithStatus(status)}
	if c.Bool("discard-bodies") {
		opts = append(opts, sink.WithoutBodies())
	}
	s := sink.New(sugar.Named("sink"), opts...)
	s.SetDelay(c.Duration("delay"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.ListenAndServe(gctx, c.String("listen"))
	})
	if interval := c.Duration("stats-interval"); interval > 0 {
		g.Go(func() error {
			logSinkStats(gctx, sugar, s, interval)
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	st := s.Stats()
	sugar.Infow("sink stopped", "requests", st.Requests, "rejected", st.Rejected, "bodyBytes", st.BodyBytes)
	return err
}

func logSinkStats(ctx context.Context, log *zap.SugaredLogger, s *sink.Sink, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	var last sink.Stats
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			st := s.Stats()
			log.Infow("sink stats",
				"requests", st.Requests,
				"requestsPerSecond", float64(st.Requests-last.Requests)/interval.Seconds(),
				"rejected", st.Rejected,
				"bodyBytes", st.BodyBytes,
				"wireBytes", st.WireBytes,
				"status", st.Status,
			)
			last = st
		}
	}
}
