package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Load_Defaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ".taskvine", c.DataDir)
	assert.Equal(t, "file", c.Backend)
	assert.Equal(t, 5*time.Second, c.LockTimeout)
	assert.Equal(t, slog.LevelInfo, c.SlogLevel())
}

func Test_Load_FromEnv(t *testing.T) {
	t.Setenv("TASKVINE_BACKEND", "sqlite")
	t.Setenv("TASKVINE_SQLITE_PATH", "/tmp/t.db")
	t.Setenv("TASKVINE_LOCK_TIMEOUT", "250ms")
	t.Setenv("TASKVINE_LOG_LEVEL", "debug")

	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", c.Backend)
	assert.Equal(t, "/tmp/t.db", c.SqlitePath)
	assert.Equal(t, 250*time.Millisecond, c.LockTimeout)
	assert.Equal(t, slog.LevelDebug, c.SlogLevel())
}

func Test_Load_UnknownBackend(t *testing.T) {
	t.Setenv("TASKVINE_BACKEND", "etcd")

	_, err := Load()
	require.Error(t, err)
}

func Test_SlogLevel_Invalid(t *testing.T) {
	c := &Config{LogLevel: "nope"}
	assert.Equal(t, slog.LevelInfo, c.SlogLevel())
}
