package httpproducer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	t.Parallel()
	o := DefaultOptions()
	require.Equal(t, ModePlain, o.Mode)
	require.Equal(t, int64(5000), o.MaxMessages)
	require.Equal(t, 4, o.Connections)
	require.Equal(t, 10*time.Second, o.Timeout)
	require.Equal(t, 3*time.Second, o.ConnectTimeout)
	require.Equal(t, 2*time.Second, o.PostTimeout)
	require.Equal(t, 512, o.MaxBatchMessages)
}

func TestOptions_Set(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		key     string
		value   string
		check   func(t *testing.T, o Options)
		wantErr bool
	}{
		{name: "mode chunked", key: "MODE", value: "chunked", check: func(t *testing.T, o Options) { require.Equal(t, ModeChunked, o.Mode) }},
		{name: "legacy mode 1", key: "RB_HTTP_MODE", value: "1", check: func(t *testing.T, o Options) { require.Equal(t, ModeChunked, o.Mode) }},
		{name: "legacy mode 0", key: "RB_HTTP_MODE", value: "0", check: func(t *testing.T, o Options) { require.Equal(t, ModePlain, o.Mode) }},
		{name: "lowercase key", key: "connections", value: "8", check: func(t *testing.T, o Options) { require.Equal(t, 8, o.Connections) }},
		{name: "legacy connections", key: "RB_HTTP_CONNECTIONS", value: "2", check: func(t *testing.T, o Options) { require.Equal(t, 2, o.Connections) }},
		{name: "max messages", key: "RB_HTTP_MAX_MESSAGES", value: "10", check: func(t *testing.T, o Options) { require.Equal(t, int64(10), o.MaxMessages) }},
		{name: "max batch", key: "MAX_BATCH_MESSAGES", value: "3", check: func(t *testing.T, o Options) { require.Equal(t, 3, o.MaxBatchMessages) }},
		{name: "timeout millis", key: "HTTP_TIMEOUT", value: "2500", check: func(t *testing.T, o Options) { require.Equal(t, 2500*time.Millisecond, o.Timeout) }},
		{name: "timeout duration", key: "TIMEOUT", value: "4s", check: func(t *testing.T, o Options) { require.Equal(t, 4*time.Second, o.Timeout) }},
		{name: "legacy connect timeout", key: "HTTP_CONNTTIMEOUT", value: "150", check: func(t *testing.T, o Options) { require.Equal(t, 150*time.Millisecond, o.ConnectTimeout) }},
		{name: "post timeout", key: "POST_TIMEOUT", value: "500ms", check: func(t *testing.T, o Options) { require.Equal(t, 500*time.Millisecond, o.PostTimeout) }},
		{name: "verbose", key: "HTTP_VERBOSE", value: "1", check: func(t *testing.T, o Options) { require.True(t, o.Verbose) }},
		{name: "insecure", key: "INSECURE", value: "true", check: func(t *testing.T, o Options) { require.True(t, o.Insecure) }},
		{name: "engine", key: "ENGINE", value: "fasthttp", check: func(t *testing.T, o Options) { require.Equal(t, "fasthttp", o.Engine) }},
		{name: "compression level", key: "COMPRESSION_LEVEL", value: "9", check: func(t *testing.T, o Options) { require.Equal(t, 9, o.CompressionLevel) }},
		{name: "header", key: "HEADER_X-Api-Key", value: "secret", check: func(t *testing.T, o Options) { require.Equal(t, "secret", o.Headers["X-Api-Key"]) }},
		{name: "unknown key", key: "COLOR", value: "blue", wantErr: true},
		{name: "bad mode", key: "MODE", value: "2", wantErr: true},
		{name: "zero connections", key: "CONNECTIONS", value: "0", wantErr: true},
		{name: "too many connections", key: "CONNECTIONS", value: "4097", wantErr: true},
		{name: "negative max messages", key: "MAX_MESSAGES", value: "-1", wantErr: true},
		{name: "bad duration", key: "TIMEOUT", value: "soon", wantErr: true},
		{name: "zero duration", key: "TIMEOUT", value: "0", wantErr: true},
		{name: "bad bool", key: "VERBOSE", value: "maybe", wantErr: true},
		{name: "bad engine", key: "ENGINE", value: "curl", wantErr: true},
		{name: "bad compression level", key: "COMPRESSION_LEVEL", value: "11", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			o := DefaultOptions()
			err := o.set(tt.key, tt.value)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidOption)
				return
			}
			require.NoError(t, err)
			tt.check(t, o)
		})
	}
}

func TestOptions_Validate(t *testing.T) {
	t.Parallel()

	valid := func() Options {
		o := DefaultOptions()
		o.URL = "http://localhost:8080/events"
		return o
	}

	tests := []struct {
		name    string
		mutate  func(o *Options)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Options) {}},
		{name: "chunked defaults", mutate: func(o *Options) { o.Mode = ModeChunked }},
		{name: "https", mutate: func(o *Options) { o.URL = "https://example.com/in" }},
		{name: "empty url", mutate: func(o *Options) { o.URL = "" }, wantErr: true},
		{name: "relative url", mutate: func(o *Options) { o.URL = "/events" }, wantErr: true},
		{name: "ftp url", mutate: func(o *Options) { o.URL = "ftp://host/file" }, wantErr: true},
		{name: "unknown mode", mutate: func(o *Options) { o.Mode = "burst" }, wantErr: true},
		{name: "zero max messages", mutate: func(o *Options) { o.MaxMessages = 0 }, wantErr: true},
		{name: "zero connections", mutate: func(o *Options) { o.Connections = 0 }, wantErr: true},
		{name: "zero timeout", mutate: func(o *Options) { o.Timeout = 0 }, wantErr: true},
		{
			name:    "post timeout above timeout",
			mutate:  func(o *Options) { o.Mode = ModeChunked; o.PostTimeout = 20 * time.Second },
			wantErr: true,
		},
		{
			name:   "post timeout ignored in plain mode",
			mutate: func(o *Options) { o.PostTimeout = 20 * time.Second },
		},
		{
			name:    "zero batch size",
			mutate:  func(o *Options) { o.Mode = ModeChunked; o.MaxBatchMessages = 0 },
			wantErr: true,
		},
		{name: "bad ratio", mutate: func(o *Options) { o.BacklogWarnRatio = 1.5 }, wantErr: true},
		{name: "bad engine", mutate: func(o *Options) { o.Engine = "curl" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			o := valid()
			tt.mutate(&o)
			err := o.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidOption)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoadOptions(t *testing.T) {
	t.Setenv("HTTP_PRODUCER_URL", "http://collector:9000/in")
	t.Setenv("HTTP_PRODUCER_MODE", "chunked")
	t.Setenv("HTTP_PRODUCER_CONNECTIONS", "16")
	t.Setenv("HTTP_PRODUCER_POST_TIMEOUT", "750ms")
	t.Setenv("HTTP_PRODUCER_HEADERS", "X-Tenant:acme,X-Env:test")

	o, err := LoadOptions()
	require.NoError(t, err)
	require.Equal(t, "http://collector:9000/in", o.URL)
	require.Equal(t, ModeChunked, o.Mode)
	require.Equal(t, 16, o.Connections)
	require.Equal(t, 750*time.Millisecond, o.PostTimeout)
	require.Equal(t, map[string]string{"X-Tenant": "acme", "X-Env": "test"}, o.Headers)

	// untouched fields take their defaults
	require.Equal(t, int64(DefaultMaxMessages), o.MaxMessages)
	require.Equal(t, DefaultTimeout, o.Timeout)
	require.NoError(t, o.Validate())
}

func TestLoadOptions_Invalid(t *testing.T) {
	t.Setenv("HTTP_PRODUCER_CONNECTIONS", "many")
	_, err := LoadOptions()
	require.Error(t, err)
}
