package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(envMap(nil), nil)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, "hospital.db", cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.Warnings)
}

func TestLoad_EnvThenFlags(t *testing.T) {
	env := envMap(map[string]string{
		"HTTP_PORT":    "9090",
		"DB_PATH":      "/tmp/ward.db",
		"LOG_LEVEL":    "DEBUG",
		"CORS_ORIGINS": "http://a.test, http://b.test,",
	})

	cfg, err := load(env, []string{"-db", "memory"})
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, MemoryDB, cfg.DBPath, "flag overrides env")
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSOrigins)
}

func TestLoad_InvalidPortFallsBack(t *testing.T) {
	cfg, err := load(envMap(map[string]string{"HTTP_PORT": "eighty"}), nil)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	require.Len(t, cfg.Warnings, 1)
	assert.Contains(t, cfg.Warnings[0], "eighty")
}

func TestLoad_UnknownFlag(t *testing.T) {
	_, err := load(envMap(nil), []string{"-nope"})
	assert.Error(t, err)
}
