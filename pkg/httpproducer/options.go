package httpproducer

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/klauspost/compress/zlib"

	"github.com/ava-labs/http-producer/pkg/transport"
)

// Mode selects how messages are put on the wire.
type Mode string

const (
	// ModePlain sends one message per request.
	ModePlain Mode = "plain"
	// ModeChunked streams many messages per deflate-compressed chunked request.
	ModeChunked Mode = "chunked"
)

const (
	DefaultMaxMessages      = 5000
	DefaultMaxBatchMessages = 512
	DefaultConnections      = 4
	MaxConnections          = 4096
	DefaultTimeout          = 10 * time.Second
	DefaultConnectTimeout   = 3 * time.Second
	DefaultPostTimeout      = 2 * time.Second
	DefaultPollInterval     = 100 * time.Millisecond
)

// EnvPrefix is prepended to every variable read by LoadOptions.
const EnvPrefix = "HTTP_PRODUCER_"

// Options configures a Handler. They are frozen once Run has been called.
type Options struct {
	URL              string            `env:"URL"                   yaml:"url"`                                      // Destination URL
	Mode             Mode              `env:"MODE"                  yaml:"mode"                envDefault:"plain"`   // plain or chunked
	MaxMessages      int64             `env:"MAX_MESSAGES"          yaml:"max_messages"        envDefault:"5000"`    // Upper bound on in-flight messages
	MaxBatchMessages int               `env:"MAX_BATCH_MESSAGES"    yaml:"max_batch_messages"  envDefault:"512"`     // Messages per chunked request
	Connections      int               `env:"CONNECTIONS"           yaml:"connections"         envDefault:"4"`       // Worker and connection count
	Timeout          time.Duration     `env:"TIMEOUT"               yaml:"timeout"             envDefault:"10s"`     // Whole request timeout
	ConnectTimeout   time.Duration     `env:"CONNECT_TIMEOUT"       yaml:"connect_timeout"     envDefault:"3s"`      // TCP/TLS connect timeout
	PostTimeout      time.Duration     `env:"POST_TIMEOUT"          yaml:"post_timeout"        envDefault:"2s"`      // Max time a chunked batch stays open
	PollInterval     time.Duration     `env:"POLL_INTERVAL"         yaml:"poll_interval"       envDefault:"100ms"`   // Queue wait between stop checks
	Verbose          bool              `env:"VERBOSE"               yaml:"verbose"             envDefault:"false"`   // Per-request debug logs
	Insecure         bool              `env:"INSECURE"              yaml:"insecure"            envDefault:"false"`   // Skip TLS verification
	Engine           string            `env:"ENGINE"                yaml:"engine"              envDefault:"nethttp"` // nethttp or fasthttp
	CompressionLevel int               `env:"COMPRESSION_LEVEL"     yaml:"compression_level"   envDefault:"-1"`      // zlib level for chunked mode
	Headers          map[string]string `env:"HEADERS"               yaml:"headers"`                                  // Extra request headers, k:v,k2:v2
	WatchdogInterval time.Duration     `env:"WATCHDOG_INTERVAL"     yaml:"watchdog_interval"   envDefault:"10s"`     // 0 disables the backlog watchdog
	BacklogWarnRatio float64           `env:"BACKLOG_WARN_RATIO"    yaml:"backlog_warn_ratio"  envDefault:"0.9"`     // Warn when in-flight exceeds this share of MaxMessages
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		Mode:             ModePlain,
		MaxMessages:      DefaultMaxMessages,
		MaxBatchMessages: DefaultMaxBatchMessages,
		Connections:      DefaultConnections,
		Timeout:          DefaultTimeout,
		ConnectTimeout:   DefaultConnectTimeout,
		PostTimeout:      DefaultPostTimeout,
		PollInterval:     DefaultPollInterval,
		Engine:           transport.EngineNetHTTP,
		CompressionLevel: zlib.DefaultCompression,
		WatchdogInterval: 10 * time.Second,
		BacklogWarnRatio: 0.9,
	}
}

// LoadOptions reads options from HTTP_PRODUCER_* environment variables.
func LoadOptions() (Options, error) {
	var o Options
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix}); err != nil {
		return Options{}, fmt.Errorf("failed to parse options from environment: %w", err)
	}
	return o, nil
}

// Validate checks that the options can drive a Handler.
func (o Options) Validate() error {
	u, err := url.Parse(o.URL)
	if o.URL == "" || err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: url %q", ErrInvalidOption, o.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidOption, u.Scheme)
	}
	switch o.Mode {
	case ModePlain, ModeChunked:
	default:
		return fmt.Errorf("%w: mode %q", ErrInvalidOption, o.Mode)
	}
	if o.MaxMessages <= 0 {
		return fmt.Errorf("%w: max messages must be positive, got %d", ErrInvalidOption, o.MaxMessages)
	}
	if o.Connections <= 0 || o.Connections > MaxConnections {
		return fmt.Errorf("%w: connections must be in [1, %d], got %d", ErrInvalidOption, MaxConnections, o.Connections)
	}
	if o.Timeout <= 0 || o.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidOption)
	}
	if o.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidOption)
	}
	if o.Mode == ModeChunked {
		if o.MaxBatchMessages <= 0 {
			return fmt.Errorf("%w: max batch messages must be positive, got %d", ErrInvalidOption, o.MaxBatchMessages)
		}
		if o.PostTimeout <= 0 || o.PostTimeout >= o.Timeout {
			return fmt.Errorf("%w: post timeout %s must be positive and below timeout %s",
				ErrInvalidOption, o.PostTimeout, o.Timeout)
		}
		if o.CompressionLevel < zlib.HuffmanOnly || o.CompressionLevel > zlib.BestCompression {
			return fmt.Errorf("%w: compression level %d", ErrInvalidOption, o.CompressionLevel)
		}
	}
	if o.BacklogWarnRatio < 0 || o.BacklogWarnRatio > 1 {
		return fmt.Errorf("%w: backlog warn ratio %v", ErrInvalidOption, o.BacklogWarnRatio)
	}
	if _, err := transport.EngineByName(o.Engine); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOption, err)
	}
	return nil
}

// set applies a single key/value pair. Keys are case-insensitive and accept
// the legacy RB_HTTP_* and HTTP_* names.
func (o *Options) set(key, value string) error {
	invalid := func(err error) error {
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %w", ErrInvalidOption, key, value, err)
		}
		return fmt.Errorf("%w: %s=%q", ErrInvalidOption, key, value)
	}

	switch strings.ToUpper(strings.TrimSpace(key)) {
	case "URL":
		o.URL = value
	case "MODE", "RB_HTTP_MODE":
		m, err := parseMode(value)
		if err != nil {
			return invalid(err)
		}
		o.Mode = m
	case "CONNECTIONS", "RB_HTTP_CONNECTIONS":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 || n > MaxConnections {
			return invalid(err)
		}
		o.Connections = n
	case "MAX_MESSAGES", "RB_HTTP_MAX_MESSAGES":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n <= 0 {
			return invalid(err)
		}
		o.MaxMessages = n
	case "MAX_BATCH_MESSAGES", "RB_HTTP_MAX_BATCH_MESSAGES":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return invalid(err)
		}
		o.MaxBatchMessages = n
	case "TIMEOUT", "HTTP_TIMEOUT":
		d, err := parseDuration(value)
		if err != nil {
			return invalid(err)
		}
		o.Timeout = d
	case "CONNECT_TIMEOUT", "HTTP_CONNTTIMEOUT", "HTTP_CONNECTTIMEOUT":
		d, err := parseDuration(value)
		if err != nil {
			return invalid(err)
		}
		o.ConnectTimeout = d
	case "POST_TIMEOUT", "RB_HTTP_POST_TIMEOUT":
		d, err := parseDuration(value)
		if err != nil {
			return invalid(err)
		}
		o.PostTimeout = d
	case "POLL_INTERVAL":
		d, err := parseDuration(value)
		if err != nil {
			return invalid(err)
		}
		o.PollInterval = d
	case "VERBOSE", "HTTP_VERBOSE":
		b, err := parseBool(value)
		if err != nil {
			return invalid(err)
		}
		o.Verbose = b
	case "INSECURE", "HTTP_INSECURE":
		b, err := parseBool(value)
		if err != nil {
			return invalid(err)
		}
		o.Insecure = b
	case "ENGINE":
		if _, err := transport.EngineByName(value); err != nil {
			return invalid(err)
		}
		o.Engine = value
	case "COMPRESSION_LEVEL":
		n, err := strconv.Atoi(value)
		if err != nil || n < zlib.HuffmanOnly || n > zlib.BestCompression {
			return invalid(err)
		}
		o.CompressionLevel = n
	default:
		if name, ok := strings.CutPrefix(key, "HEADER_"); ok && name != "" {
			if o.Headers == nil {
				o.Headers = make(map[string]string)
			}
			o.Headers[name] = value
			return nil
		}
		return fmt.Errorf("%w: unknown key %q", ErrInvalidOption, key)
	}
	return nil
}

func parseMode(v string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "normal", string(ModePlain):
		return ModePlain, nil
	case "1", string(ModeChunked):
		return ModeChunked, nil
	default:
		return "", fmt.Errorf("unknown mode %q", v)
	}
}

// parseDuration accepts integer milliseconds or a Go duration string.
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("duration must be positive, got %d", ms)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", d)
	}
	return d, nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", v)
	}
}
