package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// NetHTTP is the net/http engine.
type NetHTTP struct{}

func (NetHTTP) Name() string { return EngineNetHTTP }

// Open builds a client whose pool holds at most cfg.Connections connections
// to the destination host.
func (NetHTTP) Open(cfg Config) (Conn, error) {
	cfg = cfg.WithDefaults()
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, &Error{Code: CodeBadURL, Err: err}
	}

	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxConnsPerHost:       cfg.Connections,
		MaxIdleConns:          cfg.Connections,
		MaxIdleConnsPerHost:   cfg.Connections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
	}
	if cfg.Insecure {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via INSECURE
	}

	return &netConn{
		cfg:       cfg,
		transport: tr,
		client: &http.Client{
			Transport: tr,
			Timeout:   cfg.Timeout,
		},
	}, nil
}

type netConn struct {
	cfg       Config
	transport *http.Transport
	client    *http.Client
}

func (c *netConn) Perform(ctx context.Context, req *Request) Result {
	start := time.Now()

	var (
		body   io.Reader
		length int64
		fr     *fillReader
	)
	if req.Fill != nil {
		fr = newFillReader(ctx, req.Fill, c.cfg)
		r, err := fr.prefetch()
		if err != nil {
			return Result{Err: classify(err), Duration: time.Since(start)}
		}
		body, length = r, -1
	} else {
		body, length = bytes.NewReader(req.Body), int64(len(req.Body))
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, body)
	if err != nil {
		return Result{Err: classify(err), Duration: time.Since(start)}
	}
	hreq.ContentLength = length
	if length < 0 {
		hreq.TransferEncoding = []string{"chunked"}
	}
	for k, v := range c.cfg.Header {
		hreq.Header.Set(k, v)
	}
	for k, v := range req.Header {
		hreq.Header.Set(k, v)
	}

	resp, err := c.client.Do(hreq)
	res := Result{Duration: time.Since(start), BytesSent: length}
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
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	res.StatusCode = resp.StatusCode
	res.Duration = time.Since(start)
	if c.cfg.Verbose {
		c.cfg.Log.Debugw("request completed",
			"url", c.cfg.URL,
			"status", resp.StatusCode,
			"bytes", res.BytesSent,
			"duration", res.Duration,
		)
	}
	return res
}

func (c *netConn) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}
