package stats

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxgate/fluxgate/fluxgate-srv/config"
)

func TestFactoryDisabledReturnsDummy(t *testing.T) {
	c, err := NewCollectorFactory().CreateCollector(&config.StatisticsConfig{Enabled: false})
	require.NoError(t, err)
	_, ok := c.(*DummyCollector)
	assert.True(t, ok)
}

func TestFactorySQLiteWrapsBuffered(t *testing.T) {
	c, err := NewCollectorFactory().CreateCollector(&config.StatisticsConfig{
		Enabled:              true,
		Backend:              "sqlite",
		SQLitePath:           filepath.Join(t.TempDir(), "stats.db"),
		FlushIntervalSeconds: 1,
	})
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.(*BufferedCollector)
	assert.True(t, ok, "database collectors should be buffered")
	assert.NoError(t, c.HealthCheck(context.Background()))
}

func TestFactoryMemoryBackend(t *testing.T) {
	c, err := NewCollectorFactory().CreateCollector(&config.StatisticsConfig{
		Enabled: true,
		Backend: "memory",
	})
	require.NoError(t, err)
	_, ok := c.(*MemoryCollector)
	assert.True(t, ok)
}

func TestFactoryPostgresRequiresDSN(t *testing.T) {
	_, err := NewCollectorFactory().CreateCollector(&config.StatisticsConfig{
		Enabled: true,
		Backend: "postgres",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres_dsn")
}

func TestFactoryUnknownBackend(t *testing.T) {
	_, err := NewCollectorFactory().CreateCollector(&config.StatisticsConfig{
		Enabled: true,
		Backend: "cassandra",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported stats backend")
}

func TestHealthChecker(t *testing.T) {
	hc := NewHealthChecker(NewDummyCollector())
	assert.NoError(t, hc.Check(context.Background()))

	hc = NewHealthChecker(nil)
	assert.Error(t, hc.Check(context.Background()))
}
