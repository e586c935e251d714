package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"time"

	"github.com/valyala/fasthttp"
)

// FastHTTP is the github.com/valyala/fasthttp engine.
type FastHTTP struct{}

func (FastHTTP) Name() string { return EngineFastHTTP }

func (FastHTTP) Open(cfg Config) (Conn, error) {
	cfg = cfg.WithDefaults()
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, &Error{Code: CodeBadURL, Err: err}
	}

	connectTimeout := cfg.ConnectTimeout
	client := &fasthttp.Client{
		Name:                "http-producer",
		MaxConnsPerHost:     cfg.Connections,
		MaxIdleConnDuration: 90 * time.Second,
		ReadTimeout:         cfg.Timeout,
		WriteTimeout:        cfg.Timeout,
		Dial: func(addr string) (net.Conn, error) {
			if connectTimeout <= 0 {
				return fasthttp.Dial(addr)
			}
			return fasthttp.DialTimeout(addr, connectTimeout)
		},
	}
	if cfg.Insecure {
		client.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via INSECURE
	}
	return &fastConn{cfg: cfg, client: client}, nil
}

type fastConn struct {
	cfg    Config
	client *fasthttp.Client
}

func (c *fastConn) Perform(ctx context.Context, req *Request) Result {
	start := time.Now()

	freq := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(freq)
	fresp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(fresp)

	freq.SetRequestURI(c.cfg.URL)
	freq.Header.SetMethod(fasthttp.MethodPost)
	for k, v := range c.cfg.Header {
		freq.Header.Set(k, v)
	}
	for k, v := range req.Header {
		freq.Header.Set(k, v)
	}

	var fr *fillReader
	if req.Fill != nil {
		fr = newFillReader(ctx, req.Fill, c.cfg)
		body, err := fr.prefetch()
		if err != nil {
			return Result{Err: classify(err), Duration: time.Since(start)}
		}
		freq.SetBodyStream(body, -1)
	} else {
		freq.SetBodyRaw(req.Body)
	}

	// fasthttp has no per-request cancellation. A streamed body observes ctx
	// through the fill reader; otherwise the client deadlines bound the call.
	err := c.client.Do(freq, fresp)

	res := Result{Duration: time.Since(start), BytesSent: int64(len(req.Body))}
	if fr != nil {
		res.BytesSent = fr.sent
	}
	if err != nil {
		res.Err = classify(err)
		if c.cfg.Verbose {
			c.cfg.Log.Debugw("request failed", "url", c.cfg.URL, "error", res.Err, "duration", res.Duration)
		}
		return res
	}
	res.StatusCode = fresp.StatusCode()
	if c.cfg.Verbose {
		c.cfg.Log.Debugw("request completed",
			"url", c.cfg.URL,
			"status", res.StatusCode,
			"bytes", res.BytesSent,
			"duration", res.Duration,
		)
	}
	return res
}

func (c *fastConn) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
