package kafka

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridgeConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	custom := 30 * time.Second

	cfg := BridgeConfig{FlushTimeout: &custom}.WithDefaults()

	require.NotNil(t, cfg.SessionTimeout)
	assert.Equal(t, DefaultSessionTimeout, *cfg.SessionTimeout)
	require.NotNil(t, cfg.MaxPollInterval)
	assert.Equal(t, DefaultMaxPollInterval, *cfg.MaxPollInterval)
	require.NotNil(t, cfg.PollTimeout)
	assert.Equal(t, DefaultPollTimeout, *cfg.PollTimeout)
	assert.Equal(t, custom, *cfg.FlushTimeout, "custom value must be kept")
	assert.Equal(t, OffsetManagerCommitInterval, cfg.CommitInterval)
}

func TestBridgeConfig_Validate(t *testing.T) {
	t.Parallel()
	valid := BridgeConfig{
		Topic:            "events",
		DLQTopic:         "events-dlq",
		BootstrapServers: "localhost:9092",
		GroupID:          "k2http",
		AutoOffsetReset:  "earliest",
	}

	tests := []struct {
		name    string
		mutate  func(*BridgeConfig)
		wantErr string
	}{
		{name: "valid", mutate: func(*BridgeConfig) {}},
		{name: "no dlq", mutate: func(c *BridgeConfig) { c.DLQTopic = "" }},
		{name: "missing topic", mutate: func(c *BridgeConfig) { c.Topic = "" }, wantErr: "topic is required"},
		{name: "missing brokers", mutate: func(c *BridgeConfig) { c.BootstrapServers = "" }, wantErr: "bootstrap servers"},
		{name: "missing group", mutate: func(c *BridgeConfig) { c.GroupID = "" }, wantErr: "group id"},
		{name: "bad reset", mutate: func(c *BridgeConfig) { c.AutoOffsetReset = "middle" }, wantErr: "auto offset reset"},
		{name: "dlq loops", mutate: func(c *BridgeConfig) { c.DLQTopic = c.Topic }, wantErr: "must differ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoadBridgeConfig(t *testing.T) {
	t.Setenv("KAFKA_TOPIC", "clicks")
	t.Setenv("KAFKA_BOOTSTRAP_SERVERS", "broker-1:9092,broker-2:9092")
	t.Setenv("KAFKA_OFFSET_COMMIT_INTERVAL", "1s")
	t.Setenv("KAFKA_SESSION_TIMEOUT", "45s")

	cfg, err := LoadBridgeConfig()
	require.NoError(t, err)
	assert.Equal(t, "clicks", cfg.Topic)
	assert.Equal(t, "events-dlq", cfg.DLQTopic)
	assert.Equal(t, "broker-1:9092,broker-2:9092", cfg.BootstrapServers)
	assert.Equal(t, time.Second, cfg.CommitInterval)
	assert.Equal(t, 45*time.Second, *cfg.SessionTimeout)
	assert.Equal(t, DefaultFlushTimeout, *cfg.FlushTimeout)
}

func TestLoadBridgeConfig_Invalid(t *testing.T) {
	t.Setenv("KAFKA_SESSION_TIMEOUT", "soon")
	_, err := LoadBridgeConfig()
	require.Error(t, err)
}

func TestBridgeConfig_ConsumerConfigMap(t *testing.T) {
	t.Parallel()
	cfg := BridgeConfig{
		BootstrapServers: "localhost:9092",
		GroupID:          "g",
		AutoOffsetReset:  "latest",
	}
	m := cfg.consumerConfigMap()

	v, err := m.Get("enable.auto.commit", true)
	require.NoError(t, err)
	assert.Equal(t, false, v)
	v, err = m.Get("session.timeout.ms", 0)
	require.NoError(t, err)
	assert.Equal(t, int(DefaultSessionTimeout.Milliseconds()), v)

	dlq := cfg.dlqConfigMap()
	v, err = dlq.Get("acks", "")
	require.NoError(t, err)
	assert.Equal(t, "all", v)
}

func TestSASLConfig_Apply(t *testing.T) {
	t.Parallel()

	cm := BridgeConfig{BootstrapServers: "b:9092"}.dlqConfigMap()
	v, err := cm.Get("sasl.mechanisms", "unset")
	require.NoError(t, err)
	assert.Equal(t, "unset", v, "empty mechanism leaves the map untouched")

	cfg := BridgeConfig{SASL: SASLConfig{
		Username:         "user",
		Password:         "secret",
		Mechanism:        "SCRAM-SHA-512",
		SecurityProtocol: "SASL_SSL",
	}}
	cm = cfg.consumerConfigMap()
	for key, want := range map[string]string{
		"security.protocol": "SASL_SSL",
		"sasl.mechanisms":   "SCRAM-SHA-512",
		"sasl.username":     "user",
		"sasl.password":     "secret",
	} {
		got, err := cm.Get(key, "")
		require.NoError(t, err)
		assert.Equal(t, want, got, key)
	}
}
