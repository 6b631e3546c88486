package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// clearEnv registers restoration of a variable and removes it so the env
// file under test can set it.
func clearEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	os.Unsetenv(key)
}

func TestLoadEnvFiles(t *testing.T) {
	t.Run("file values feed the flag defaults", func(t *testing.T) {
		clearEnv(t, "FLOWLINE_NAME")
		path := writeEnvFile(t, "FLOWLINE_NAME=orders\n")

		loadEnvFiles([]string{"run", "--env-file", path})

		assert.Equal(t, "orders", envOr("FLOWLINE_NAME", "flowline"))
	})

	t.Run("equals form is recognized", func(t *testing.T) {
		clearEnv(t, "FLOWLINE_MODE")
		path := writeEnvFile(t, "FLOWLINE_MODE=decoder\n")

		loadEnvFiles([]string{"run", "--env-file=" + path})

		assert.Equal(t, "decoder", envOr("FLOWLINE_MODE", "all"))
	})

	t.Run("real environment wins over the file", func(t *testing.T) {
		t.Setenv("FLOWLINE_URL", "amqp://real:5672/")
		path := writeEnvFile(t, "FLOWLINE_URL=amqp://file:5672/\n")

		loadEnvFiles([]string{"--env-file", path})

		assert.Equal(t, "amqp://real:5672/", envOr("FLOWLINE_URL", "amqp://fallback"))
	})

	t.Run("missing file leaves the defaults", func(t *testing.T) {
		clearEnv(t, "FLOWLINE_NAME")

		loadEnvFiles([]string{"--env-file", filepath.Join(t.TempDir(), "absent.env")})

		assert.Equal(t, "flowline", envOr("FLOWLINE_NAME", "flowline"))
	})

	t.Run("no env-file flag is a no-op", func(t *testing.T) {
		clearEnv(t, "FLOWLINE_NAME")

		loadEnvFiles([]string{"run", "--mode", "all"})

		assert.Equal(t, "flowline", envOr("FLOWLINE_NAME", "flowline"))
	})
}

func TestEnvOr(t *testing.T) {
	t.Run("set variable wins", func(t *testing.T) {
		t.Setenv("FLOWLINE_NAME", "orders")
		assert.Equal(t, "orders", envOr("FLOWLINE_NAME", "flowline"))
	})

	t.Run("empty variable falls back", func(t *testing.T) {
		t.Setenv("FLOWLINE_NAME", "")
		assert.Equal(t, "flowline", envOr("FLOWLINE_NAME", "flowline"))
	})
}
