package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
environment: test
kafka:
  brokers: ["k1:9092"]
  topic: quotes
instruments:
  source: static
  static: ["BINANCE:BTCUSDT", "NASDAQ:AAPL"]
buffer:
  batch_size: 200
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	c, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "quotes", c.Kafka.Topic)
	assert.Equal(t, 200, c.Buffer.BatchSize)
	assert.Equal(t, 500*time.Millisecond, c.Buffer.FlushInterval)
	assert.Equal(t, PolicyDrop, c.Buffer.FailurePolicy)
	assert.Equal(t, 5*time.Second, c.Feed.ReconnectDelay)
	assert.Equal(t, 30*time.Second, c.Feed.HeartbeatTimeout)
	assert.Equal(t, 60*time.Second, c.Liveness.Period)
	assert.Equal(t, 60*time.Second, c.Liveness.StaleAfter)
	assert.Equal(t, 60*time.Second, c.Liveness.StaleCooldown)
	assert.Equal(t, 300*time.Second, c.Liveness.SilentCooldown)
	assert.Equal(t, StoreClickHouse, c.Store.Backend)
	assert.False(t, c.NeedsRedis())
}

func TestApplyEnvOverrides(t *testing.T) {
	c, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	env := map[string]string{
		"PORT":              "9090",
		"LOG_LEVEL":         "debug",
		"VERBOSE":           "true",
		"KAFKA_BROKERS":     "a:1, b:2,",
		"KAFKA_TOPIC":       "ticks.v2",
		"BATCH_SIZE":        "50",
		"BATCH_INTERVAL_MS": "250",
		"CH_HOST":           "clickhouse",
		"INSTRUMENTS":       "FX:EURUSD",
		"REDIS_ADDR":        "redis:6379",
	}
	c.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, 9090, c.Server.Port)
	assert.Equal(t, "debug", c.Log.Level)
	assert.True(t, c.Verbose)
	assert.Equal(t, []string{"a:1", "b:2"}, c.Kafka.Brokers)
	assert.Equal(t, "ticks.v2", c.Kafka.Topic)
	assert.Equal(t, 50, c.Buffer.BatchSize)
	assert.Equal(t, 250*time.Millisecond, c.Buffer.FlushInterval)
	assert.Equal(t, "clickhouse", c.ClickHouse.Host)
	assert.Equal(t, []string{"FX:EURUSD"}, c.Instruments.Static)
	assert.Equal(t, "redis:6379", c.Redis.Addr)
}

func TestApplyEnvKeepsValueOnGarbage(t *testing.T) {
	c, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	c.applyEnv(func(k string) (string, bool) {
		if k == "BATCH_SIZE" || k == "PORT" {
			return "lots", true
		}
		return "", false
	})
	assert.Equal(t, 200, c.Buffer.BatchSize)
	assert.Equal(t, 8080, c.Server.Port)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"no brokers":     "instruments: {static: [\"A:B\"]}\n",
		"bad policy":     sampleYAML + "  failure_policy: retry_forever\n",
		"bad backend":    sampleYAML + "store: {backend: postgres}\n",
		"http no url":    "kafka: {brokers: [\"k:1\"]}\ninstruments: {source: http}\n",
		"no instruments": "kafka: {brokers: [\"k:1\"]}\n",
		"bad source":     "kafka: {brokers: [\"k:1\"]}\ninstruments: {source: ftp}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestNeedsRedis(t *testing.T) {
	c, err := Load(writeConfig(t, sampleYAML+"  failure_policy: dead_letter\n"))
	require.NoError(t, err)
	assert.True(t, c.NeedsRedis())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
