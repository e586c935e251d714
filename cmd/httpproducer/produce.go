package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ava-labs/http-producer/pkg/httpproducer"
)

const maxLineSize = 16 << 20

// produced is the opaque attached to every message.
type produced struct {
	id  uuid.UUID
	seq int
}

// tally counts delivery outcomes. It is safe for concurrent use.
type tally struct {
	log *zap.SugaredLogger

	mu        sync.Mutex
	delivered int
	failed    int
	byStatus  map[int]int
}

func newTally(log *zap.SugaredLogger) *tally {
	return &tally{log: log, byStatus: make(map[int]int)}
}

func (t *tally) report(r httpproducer.DeliveryReport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byStatus[r.StatusCode]++
	if r.OK() {
		t.delivered++
		return
	}
	t.failed++
	p, _ := r.Opaque.(produced)
	t.log.Debugw("delivery failed", "id", p.id, "seq", p.seq, "status", r.StatusCode, "error", r.Status())
}

func (t *tally) snapshot() (delivered, failed int, byStatus map[int]int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	byStatus = make(map[int]int, len(t.byStatus))
	for k, v := range t.byStatus {
		byStatus[k] = v
	}
	return t.delivered, t.failed, byStatus
}

// source yields payloads until it returns io.EOF.
type source interface {
	Next() ([]byte, error)
}

// lineSource reads one message per line. The returned slice is only valid
// until the next call.
type lineSource struct {
	scanner *bufio.Scanner
}

func newLineSource(r io.Reader) *lineSource {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &lineSource{scanner: s}
}

func (s *lineSource) Next() ([]byte, error) {
	for s.scanner.Scan() {
		if line := s.scanner.Bytes(); len(line) > 0 {
			return line, nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// generator yields count JSON messages padded to at least size bytes.
type generator struct {
	count int
	size  int
	seq   int
}

func (g *generator) Next() ([]byte, error) {
	if g.seq >= g.count {
		return nil, io.EOF
	}
	g.seq++
	msg := fmt.Sprintf(`{"id":%q,"seq":%d,"ts":%d`, uuid.NewString(), g.seq, time.Now().UnixMilli())
	if pad := g.size - len(msg) - len(`,"pad":""}`); pad > 0 {
		msg += `,"pad":"` + strings.Repeat("x", pad) + `"`
	}
	return []byte(msg + "}"), nil
}

// newLimiter returns nil for an unlimited rate.
func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	burst := int(math.Ceil(perSecond / 10))
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// producer feeds a source into the handler. Reports are collected between
// sends so the in-flight limit is never held by uncollected reports.
type producer struct {
	h       *httpproducer.Handler
	src     source
	limiter *rate.Limiter
	tally   *tally
	// flags apply to every payload; sources that reuse their buffer need
	// FlagCopy.
	flags        httpproducer.Flags
	pollInterval time.Duration

	sent      int
	queueFull int
}

func (p *producer) run(ctx context.Context) error {
	for {
		payload, err := p.src.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return ctx.Err()
			}
		}
		if err := p.produce(ctx, payload); err != nil {
			return err
		}
	}
}

func (p *producer) produce(ctx context.Context, payload []byte) error {
	opaque := produced{id: uuid.New(), seq: p.sent + 1}
	for {
		err := p.h.Produce(payload, p.flags, opaque)
		if err == nil {
			p.sent++
			p.h.GetReports(p.tally.report, 0)
			return nil
		}
		if !errors.Is(err, httpproducer.ErrQueueFull) {
			return fmt.Errorf("failed to produce message %d: %w", opaque.seq, err)
		}
		p.queueFull++
		p.h.GetReports(p.tally.report, p.pollInterval)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func runProduce(c *cli.Context) error {
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

	var (
		src   source
		flags httpproducer.Flags
	)
	if count := c.Int("count"); count > 0 {
		src = &generator{count: count, size: c.Int("size")}
	} else {
		in := os.Stdin
		if path := c.String("input"); path != "-" {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("failed to open input: %w", err)
			}
			defer f.Close()
			in = f
		}
		src = newLineSource(in)
		flags = httpproducer.FlagCopy
	}

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

	p := &producer{
		h:            h,
		src:          src,
		limiter:      newLimiter(c.Float64("rate")),
		tally:        newTally(sugar),
		flags:        flags,
		pollInterval: h.Options().PollInterval,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return watchMetricsServer(gctx, metricsErrCh)
	})
	g.Go(func() error {
		defer cancel()
		return p.run(gctx)
	})

	start := time.Now()
	err = g.Wait()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), c.Duration("flush-timeout"))
	defer flushCancel()
	flushErr := h.Flush(flushCtx, p.tally.report)

	delivered, failed, byStatus := p.tally.snapshot()
	sugar.Infow("produce finished",
		"sent", p.sent,
		"delivered", delivered,
		"failed", failed,
		"queueFull", p.queueFull,
		"byStatus", byStatus,
		"elapsed", time.Since(start),
	)

	if errors.Is(err, context.Canceled) {
		sugar.Infow("exiting due to context cancellation")
		err = nil
	}
	if err != nil {
		sugar.Errorw("run failed", "error", err)
		return err
	}
	if flushErr != nil {
		return flushErr
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d messages were not delivered", failed, p.sent)
	}
	return nil
}

// destination is the metrics label for rawURL: its host, or the raw value
// when it does not parse.
func destination(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
