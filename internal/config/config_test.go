package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "redis-streams", c.Store)
	assert.Equal(t, "localhost:6379", c.Redis.Addr)
	assert.Equal(t, 5*time.Second, c.Redis.DialTimeout)
	assert.Equal(t, "streambus", c.Bus.Service)
	assert.Equal(t, 3*time.Second, c.Bus.PollInterval)

	bc := c.BusConfig()
	require.NoError(t, bc.Validate())
	assert.Equal(t, "DEAD_LETTER", bc.DeadLetterSubject)
	require.NoError(t, c.RedisConfig().Validate())
}

func TestLoadReadsEnvFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(file, []byte("STREAMBUS_SERVICE=billing\nSTREAMBUS_REDIS_ADDR=redis:6380\nSTREAMBUS_POLL_INTERVAL=500ms\n"), 0o600))

	t.Cleanup(func() {
		_ = os.Unsetenv("STREAMBUS_SERVICE")
		_ = os.Unsetenv("STREAMBUS_POLL_INTERVAL")
	})
	// the real environment wins over the file
	t.Setenv("STREAMBUS_REDIS_ADDR", "override:6379")
	t.Setenv("STREAMBUS_CONSUMER", "billing-1")
	t.Setenv("STREAMBUS_REDIS_DB", "3")

	n, err := LoadEnv([]string{file, filepath.Join(dir, ".env.local")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "billing", c.Bus.Service)
	assert.Equal(t, "override:6379", c.Redis.Addr)
	assert.Equal(t, 3, c.Redis.DB)

	bc := c.BusConfig()
	assert.Equal(t, "billing", bc.ServiceName)
	assert.Equal(t, "billing-1", bc.Consumer)
	assert.Equal(t, 500*time.Millisecond, bc.PollInterval)
	assert.Equal(t, 3, c.RedisConfig().DB)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("STREAMBUS_CONCURRENCY", "many")
	_, err := Load(filepath.Join(t.TempDir(), "none"))
	assert.Error(t, err)
}
